package gateway

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/coder/websocket"

	"github.com/ashureev/shsh-agent-server/internal/correlator"
	"github.com/ashureev/shsh-agent-server/internal/engine"
	"github.com/ashureev/shsh-agent-server/internal/hub"
	"github.com/ashureev/shsh-agent-server/internal/ids"
	"github.com/ashureev/shsh-agent-server/internal/jsonrpc"
	"github.com/ashureev/shsh-agent-server/internal/outgoing"
)

// runDirectConversation bridges one browser WebSocket to a hub owned by
// this process's own Conversation Manager: it opens a hub subscription,
// forwards live events, and accepts client commands. It reuses the
// correlator and outgoing.Sender exactly as the core's own transport
// adapters do rather than inventing a parallel mechanism.
func (gw *Gateway) runDirectConversation(ctx context.Context, conn *websocket.Conn, convId ids.ConversationId) {
	h, err := gw.mgr.GetOrCreateHub(ctx, convId, "", "")
	if err != nil {
		slog.Warn("gateway: direct-mode conversation not found", "conversation_id", convId, "error", err)
		return
	}

	sender := outgoing.New()
	recv := h.Subscribe()
	defer h.Unsubscribe(recv.ID())

	out := make(chan []byte, 64)
	go wsWriteLoop(ctx, conn, out)
	go drainSenderQueue(ctx, sender, out)
	defer sender.Shutdown()

	in := make(chan []byte, 64)
	go wsReadLoop(ctx, conn, in)

	for {
		select {
		case <-ctx.Done():
			return
		case <-recv.Closed():
			return
		case n := <-recv.Lagged():
			slog.Warn("gateway: direct-mode listener lagged", "conversation_id", convId, "dropped", n)
		case ev, ok := <-recv.Events():
			if !ok {
				return
			}
			publishDirectEvent(sender, convId, ev)
			correlator.Handle(ctx, h, sender, ev)
		case line, ok := <-in:
			if !ok {
				return
			}
			handleDirectInbound(ctx, h, sender, convId, line)
		}
	}
}

func drainSenderQueue(ctx context.Context, sender *outgoing.Sender, out chan<- []byte) {
	defer close(out)
	for {
		msg, ok := sender.Next()
		if !ok {
			return
		}
		b, err := jsonrpc.Encode(msg.Message)
		if err != nil {
			slog.Error("gateway: failed to encode outbound frame", "error", err)
			continue
		}
		select {
		case out <- b:
		case <-ctx.Done():
			return
		}
	}
}

func publishDirectEvent(sender *outgoing.Sender, convId ids.ConversationId, ev engine.Event) {
	params := map[string]any{"conversationId": string(convId)}
	for k, v := range ev.Payload {
		params[k] = v
	}
	b, err := json.Marshal(params)
	if err != nil {
		slog.Error("gateway: failed to marshal event notification", "error", err)
		return
	}
	sender.SendNotification("codex/event/"+string(ev.Kind), b)
}

// handleDirectInbound dispatches one browser-sent JSON-RPC frame: request
// methods mirror the core's own sendUserMessage/interruptConversation/
// submitOp/userInputAnswer handlers, narrowed to the one conversation this
// connection owns; responses/errors resolve the sender's correlation
// table for approval and dynamic-tool replies.
func handleDirectInbound(ctx context.Context, h *hub.Hub, sender *outgoing.Sender, convId ids.ConversationId, line []byte) {
	msg, err := jsonrpc.Parse(line)
	if err != nil {
		return
	}

	switch {
	case msg.Response != nil:
		sender.NotifyClientResponse(msg.Response.ID, msg.Response.Result, nil)
	case msg.Err != nil:
		eo := msg.Err.Error
		sender.NotifyClientResponse(msg.Err.ID, nil, &eo)
	case msg.Request != nil:
		dispatchDirectRequest(ctx, h, sender, convId, msg.Request)
	}
}

func dispatchDirectRequest(ctx context.Context, h *hub.Hub, sender *outgoing.Sender, convId ids.ConversationId, req *jsonrpc.Request) {
	switch req.Method {
	case "sendUserMessage":
		var p struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			sender.SendError(req.ID, invalidParamsErr())
			return
		}
		submitOrError(ctx, h, sender, req.ID, engine.Op{Kind: engine.OpUserMessage, Payload: map[string]any{"text": p.Text}})
	case "interruptConversation":
		submitOrError(ctx, h, sender, req.ID, engine.Op{Kind: engine.OpInterrupt})
	case "submitOp":
		var p struct {
			Op map[string]any `json:"op"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			sender.SendError(req.ID, invalidParamsErr())
			return
		}
		submitOrError(ctx, h, sender, req.ID, engine.Op{Kind: engine.OpRaw, Payload: p.Op})
	case "userInputAnswer":
		var p struct {
			CallId ids.CallId     `json:"callId"`
			Answer map[string]any `json:"answer"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			sender.SendError(req.ID, invalidParamsErr())
			return
		}
		if err := h.HandleUserInputResponse(ctx, p.CallId, p.Answer); err != nil {
			sender.SendError(req.ID, invalidParamsErr())
			return
		}
		sender.SendResponse(req.ID, json.RawMessage(`{}`))
	default:
		sender.SendError(req.ID, jsonrpc.ErrorObject{Code: jsonrpc.CodeInvalidRequest, Message: "unknown method: " + req.Method})
	}
}

func submitOrError(ctx context.Context, h *hub.Hub, sender *outgoing.Sender, id ids.RequestId, op engine.Op) {
	subId, err := h.Submit(ctx, op)
	if err != nil {
		sender.SendError(id, jsonrpc.ErrorObject{Code: jsonrpc.CodeInternalError, Message: err.Error()})
		return
	}
	resp, _ := json.Marshal(map[string]string{"submissionId": subId})
	sender.SendResponse(id, resp)
}

func invalidParamsErr() jsonrpc.ErrorObject {
	return jsonrpc.ErrorObject{Code: jsonrpc.CodeInvalidRequest, Message: "invalid params"}
}
