// Package correlator implements approval and tool-call correlation: for
// each request-shaped event observed on a hub subscription, it issues a
// server-to-client JSON-RPC request via the outgoing sender, awaits the
// reply, and submits the client's decision (or a conservative fallback)
// back through the hub.
package correlator

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/ashureev/shsh-agent-server/internal/engine"
	"github.com/ashureev/shsh-agent-server/internal/hub"
	"github.com/ashureev/shsh-agent-server/internal/outgoing"
)

const (
	MethodExecApproval  = "execCommandApproval"
	MethodPatchApproval = "applyPatchApproval"
	MethodDynamicTool   = "dynamicToolCall"
)

// execApprovalResponse is the client's reply shape for exec/patch approval
// requests.
type execApprovalResponse struct {
	Decision engine.ApprovalDecision `json:"decision"`
}

// dynamicToolResponse is the client's reply shape for a dynamic tool call.
type dynamicToolResponse struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error"`
}

// Handle dispatches a single request-shaped event: it builds the wire
// request, sends it through sender, and spawns an independent goroutine
// that correlates strictly by CallId (not by any per-event id), submitting
// the eventual decision back through h. The goroutine never blocks the
// caller; Handle returns immediately.
func Handle(ctx context.Context, h *hub.Hub, sender *outgoing.Sender, ev engine.Event) {
	switch ev.Kind {
	case engine.EventExecApprovalReq:
		go correlateApproval(ctx, h, sender, ev, MethodExecApproval)
	case engine.EventPatchApprovalReq:
		go correlateApproval(ctx, h, sender, ev, MethodPatchApproval)
	case engine.EventDynamicToolCallReq:
		go correlateDynamicTool(ctx, h, sender, ev)
	default:
		// Not a correlation-bearing event kind; nothing to do.
	}
}

func wireParams(h *hub.Hub, ev engine.Event) json.RawMessage {
	params := map[string]any{
		"conversationId": string(h.ConversationId),
		"callId":         string(ev.CallId),
	}
	for k, v := range ev.Payload {
		params[k] = v
	}
	b, err := json.Marshal(params)
	if err != nil {
		slog.Error("correlator: failed to marshal request params", "error", err)
		return json.RawMessage(`{}`)
	}
	return b
}

// correlateApproval handles both exec and patch approval requests. Both
// failure paths (reply deserialization failure, and the reply channel
// resolving with a transport-loss error) submit engine.DecisionDenied, so
// neither kind leaves the engine waiting on a decision that will never
// arrive.
func correlateApproval(ctx context.Context, h *hub.Hub, sender *outgoing.Sender, ev engine.Event, method string) {
	_, replyCh := sender.SendRequest(method, wireParams(h, ev))

	reply := <-replyCh
	decision := engine.DecisionDenied

	if reply.Err == nil {
		var resp execApprovalResponse
		if err := json.Unmarshal(reply.Result, &resp); err == nil && resp.Decision != "" {
			decision = resp.Decision
		} else {
			slog.Warn("correlator: failed to parse approval response, denying", "call_id", ev.CallId, "error", err)
		}
	} else {
		slog.Warn("correlator: approval request failed, denying", "call_id", ev.CallId, "error", reply.Err.Message)
	}

	if err := h.HandleApprovalResponse(ctx, ev.CallId, decision); err != nil {
		slog.Warn("correlator: failed to submit approval decision", "call_id", ev.CallId, "error", err)
	}
}

// correlateDynamicTool handles a dynamic tool call request. Both failure
// paths submit a synthesized failure tool-response carrying explanatory
// text.
func correlateDynamicTool(ctx context.Context, h *hub.Hub, sender *outgoing.Sender, ev engine.Event) {
	_, replyCh := sender.SendRequest(MethodDynamicTool, wireParams(h, ev))

	reply := <-replyCh
	payload := map[string]any{}

	if reply.Err == nil {
		var resp dynamicToolResponse
		if err := json.Unmarshal(reply.Result, &resp); err == nil {
			payload["content"] = resp.Content
			payload["is_error"] = resp.IsError
		} else {
			slog.Warn("correlator: failed to parse tool response, synthesizing failure", "call_id", ev.CallId, "error", err)
			payload["content"] = "dynamic tool response was invalid"
			payload["is_error"] = true
		}
	} else {
		slog.Warn("correlator: dynamic tool request failed, synthesizing failure", "call_id", ev.CallId, "error", reply.Err.Message)
		payload["content"] = "dynamic tool request failed"
		payload["is_error"] = true
	}

	if err := h.HandleDynamicToolResponse(ctx, ev.CallId, payload); err != nil {
		slog.Warn("correlator: failed to submit tool response", "call_id", ev.CallId, "error", err)
	}
}
