// Package processor implements the message processor: one instance per
// connection, holding the per-connection Session and dispatching typed
// JSON-RPC requests to handlers. Approval and tool-call correlation is
// delegated to internal/correlator and internal/hub.
package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ashureev/shsh-agent-server/internal/conversation"
	"github.com/ashureev/shsh-agent-server/internal/correlator"
	"github.com/ashureev/shsh-agent-server/internal/engine"
	"github.com/ashureev/shsh-agent-server/internal/hub"
	"github.com/ashureev/shsh-agent-server/internal/ids"
	"github.com/ashureev/shsh-agent-server/internal/jsonrpc"
	"github.com/ashureev/shsh-agent-server/internal/outgoing"
)

// Method names, kept as exported constants so transport tests and the
// gateway forwarder can reference them without string literals drifting
// out of sync.
const (
	MethodInitialize                 = "initialize"
	MethodNewConversation            = "newConversation"
	MethodResumeConversation         = "resumeConversation"
	MethodListConversations          = "listConversations"
	MethodAddConversationListener    = "addConversationListener"
	MethodRemoveConversationListener = "removeConversationListener"
	MethodSendUserMessage            = "sendUserMessage"
	MethodSendUserTurn               = "sendUserTurn"
	MethodInterruptConversation      = "interruptConversation"
	MethodSubmitOp                   = "submitOp"
	MethodUserInputAnswer            = "userInputAnswer"
	MethodConfigRead                 = "configRead"
	MethodConfigValueWrite           = "configValueWrite"
	MethodConfigBatchWrite           = "configBatchWrite"
	MethodConfigRequirementsRead     = "configRequirementsRead"
	MethodGitDiffToRemote            = "gitDiffToRemote"
	MethodFuzzyFileSearch            = "fuzzyFileSearch"
	MethodGetAuthStatus              = "getAuthStatus"
	MethodLoginChatGpt               = "loginChatGpt"
	MethodCancelLoginChatGpt         = "cancelLoginChatGpt"
	MethodLogoutChatGpt              = "logoutChatGpt"
)

// experimentalMethods are gated on ClientCapabilities.ExperimentalAPI.
var experimentalMethods = map[string]bool{
	MethodFuzzyFileSearch:    true,
	MethodGetAuthStatus:      true,
	MethodLoginChatGpt:       true,
	MethodCancelLoginChatGpt: true,
	MethodLogoutChatGpt:      true,
}

// ConfigRPC is the collaborator a Processor delegates the config plane
// to. Defined here (rather than imported from internal/configrpc) to avoid
// a processor<->configrpc import cycle; internal/configrpc.RPC implements
// it.
type ConfigRPC interface {
	Read(params json.RawMessage) (json.RawMessage, *jsonrpc.ErrorObject)
	ValueWrite(params json.RawMessage) (json.RawMessage, *jsonrpc.ErrorObject)
	BatchWrite(params json.RawMessage) (json.RawMessage, *jsonrpc.ErrorObject)
	RequirementsRead() (json.RawMessage, *jsonrpc.ErrorObject)
}

// DiffProvider computes (or forwards) a git diff to a remote. The real
// computation lives outside this server; this interface is the seam.
type DiffProvider interface {
	DiffToRemote(ctx context.Context, cwd string) (string, error)
}

// FileSearcher backs the fuzzyFileSearch RPC; this is the seam an
// embedder implements with its own matcher.
type FileSearcher interface {
	FuzzySearch(ctx context.Context, query string, limit int) ([]string, error)
}

// AuthStatusProvider backs the auth-adjacent RPCs. Token issuance lives
// outside this server; a real deployment injects a provider that reports
// actual state.
type AuthStatusProvider interface {
	Status(ctx context.Context) (string, error)
}

// Processor is one instance per connection.
type Processor struct {
	mgr     *conversation.Manager
	sender  *outgoing.Sender
	session *Session
	config  ConfigRPC
	diff    DiffProvider
	search  FileSearcher
	auth    AuthStatusProvider
}

// New constructs a Processor for one freshly accepted connection.
func New(mgr *conversation.Manager, sender *outgoing.Sender, config ConfigRPC, diff DiffProvider, search FileSearcher, auth AuthStatusProvider) *Processor {
	return &Processor{
		mgr:     mgr,
		sender:  sender,
		session: NewSession(),
		config:  config,
		diff:    diff,
		search:  search,
		auth:    auth,
	}
}

func errInvalidRequest(message string, data any) jsonrpc.ErrorObject {
	eo := jsonrpc.ErrorObject{Code: jsonrpc.CodeInvalidRequest, Message: message}
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			eo.Data = b
		}
	}
	return eo
}

func errInternal(message string) jsonrpc.ErrorObject {
	return jsonrpc.ErrorObject{Code: jsonrpc.CodeInternalError, Message: message}
}

// ProcessRequest dispatches a single inbound request. It never panics on a
// malformed params body; such a failure degrades to an InvalidRequest
// reply, never a torn-down connection.
func (p *Processor) ProcessRequest(ctx context.Context, req *jsonrpc.Request) {
	if req.Method == MethodInitialize {
		p.handleInitialize(req)
		return
	}

	if !p.session.IsInitialized() {
		p.sender.SendError(req.ID, errInvalidRequest("Not initialized", nil))
		return
	}

	if experimentalMethods[req.Method] && !p.session.Caps.ExperimentalAPI {
		p.sender.SendError(req.ID, errInvalidRequest("experimental_api capability required", map[string]string{"reason": "experimental_api_required"}))
		return
	}

	switch req.Method {
	case MethodNewConversation:
		p.handleNewConversation(ctx, req)
	case MethodResumeConversation:
		p.handleResumeConversation(ctx, req)
	case MethodListConversations:
		p.handleListConversations(req)
	case MethodAddConversationListener:
		p.handleAddConversationListener(ctx, req)
	case MethodRemoveConversationListener:
		p.handleRemoveConversationListener(req)
	case MethodSendUserMessage:
		p.handleSendUserMessage(ctx, req)
	case MethodSendUserTurn:
		p.handleSendUserTurn(ctx, req)
	case MethodInterruptConversation:
		p.handleInterruptConversation(ctx, req)
	case MethodSubmitOp:
		p.handleSubmitOp(ctx, req)
	case MethodUserInputAnswer:
		p.handleUserInputAnswer(ctx, req)
	case MethodConfigRead:
		result, errObj := p.config.Read(req.Params)
		p.delegateConfig(req, result, errObj)
	case MethodConfigValueWrite:
		result, errObj := p.config.ValueWrite(req.Params)
		p.delegateConfig(req, result, errObj)
	case MethodConfigBatchWrite:
		result, errObj := p.config.BatchWrite(req.Params)
		p.delegateConfig(req, result, errObj)
	case MethodConfigRequirementsRead:
		result, errObj := p.config.RequirementsRead()
		p.delegateConfig(req, result, errObj)
	case MethodGitDiffToRemote:
		p.handleGitDiffToRemote(ctx, req)
	case MethodFuzzyFileSearch:
		p.handleFuzzyFileSearch(ctx, req)
	case MethodGetAuthStatus:
		p.handleGetAuthStatus(ctx, req)
	case MethodLoginChatGpt, MethodCancelLoginChatGpt, MethodLogoutChatGpt:
		p.sender.SendResponse(req.ID, json.RawMessage(`{"status":"not_supported"}`))
	default:
		// Unknown methods are silently ignored for forward compatibility.
		slog.Debug("processor: ignoring unknown method", "method", req.Method)
	}
}

// ProcessNotification logs unknown notifications only.
func (p *Processor) ProcessNotification(n *jsonrpc.Notification) {
	slog.Debug("processor: notification received", "method", n.Method)
}

// ProcessResponse and ProcessError route inbound replies to server-
// initiated requests back through the outgoing sender's correlation table.
func (p *Processor) ProcessResponse(r *jsonrpc.Response) {
	p.sender.NotifyClientResponse(r.ID, r.Result, nil)
}

func (p *Processor) ProcessError(e *jsonrpc.Error) {
	eo := e.Error
	p.sender.NotifyClientResponse(e.ID, nil, &eo)
}

// Shutdown is called by the transport adapter on connection close: it
// cancels every listener goroutine and resolves outstanding one-shots.
func (p *Processor) Shutdown() {
	p.session.CancelAllListeners()
	p.sender.Shutdown()
}

func (p *Processor) delegateConfig(req *jsonrpc.Request, result json.RawMessage, errObj *jsonrpc.ErrorObject) {
	if errObj != nil {
		p.sender.SendError(req.ID, *errObj)
		return
	}
	p.sender.SendResponse(req.ID, result)
}

type initializeParams struct {
	ClientInfo struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"clientInfo"`
	Capabilities struct {
		ExperimentalAPI bool `json:"experimentalApi"`
	} `json:"capabilities"`
}

func (p *Processor) handleInitialize(req *jsonrpc.Request) {
	if p.session.IsInitialized() {
		p.sender.SendError(req.ID, errInvalidRequest("Already initialized", nil))
		return
	}

	var params initializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			p.sender.SendError(req.ID, errInvalidRequest("Invalid request", nil))
			return
		}
	}

	caps := ClientCapabilities{ExperimentalAPI: params.Capabilities.ExperimentalAPI}
	originator := params.ClientInfo.Name
	if !p.session.MarkInitialized(originator, caps) {
		p.sender.SendError(req.ID, errInvalidRequest("Already initialized", nil))
		return
	}

	resp, _ := json.Marshal(map[string]any{
		"userAgent": fmt.Sprintf("%s/%s", originator, params.ClientInfo.Version),
	})
	p.sender.SendResponse(req.ID, resp)
}

type newConversationParams struct {
	Config map[string]any `json:"config"`
}

// handleNewConversation completes synchronously before any subsequent
// request on this connection is processed (ProcessRequest is called
// sequentially per connection by the transport adapter's read loop), so
// the caller can reference the new ConversationId immediately.
func (p *Processor) handleNewConversation(ctx context.Context, req *jsonrpc.Request) {
	var params newConversationParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			p.sender.SendError(req.ID, errInvalidRequest("invalid config", nil))
			return
		}
	}

	convId, _, err := p.mgr.NewConversation(ctx, engine.Config(params.Config))
	if err != nil {
		p.sender.SendError(req.ID, errInternal(err.Error()))
		return
	}

	resp, _ := json.Marshal(map[string]any{"conversationId": string(convId)})
	p.sender.SendResponse(req.ID, resp)
}

type resumeConversationParams struct {
	Config      map[string]any `json:"config"`
	RolloutPath string         `json:"rolloutPath"`
}

func (p *Processor) handleResumeConversation(ctx context.Context, req *jsonrpc.Request) {
	var params resumeConversationParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		p.sender.SendError(req.ID, errInvalidRequest("invalid params", nil))
		return
	}

	convId, _, err := p.mgr.ResumeConversation(ctx, engine.Config(params.Config), params.RolloutPath)
	if err != nil {
		p.sender.SendError(req.ID, errInternal(err.Error()))
		return
	}

	resp, _ := json.Marshal(map[string]any{"conversationId": string(convId)})
	p.sender.SendResponse(req.ID, resp)
}

func (p *Processor) handleListConversations(req *jsonrpc.Request) {
	list := p.mgr.ListConversations()
	resp, _ := json.Marshal(map[string]any{"conversations": list})
	p.sender.SendResponse(req.ID, resp)
}

type addConversationListenerParams struct {
	ConversationId ids.ConversationId `json:"conversationId"`
}

// handleAddConversationListener subscribes before anything is replayed,
// then spawns a forwarding goroutine that feeds the correlator for
// correlation-bearing events.
func (p *Processor) handleAddConversationListener(ctx context.Context, req *jsonrpc.Request) {
	var params addConversationListenerParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		p.sender.SendError(req.ID, errInvalidRequest("invalid params", nil))
		return
	}

	h, err := p.mgr.GetOrCreateHub(ctx, params.ConversationId, "", "")
	if err != nil {
		p.sender.SendError(req.ID, errInvalidRequest("conversation not found", nil))
		return
	}

	// Step 2: subscribe BEFORE replaying anything.
	recv := h.Subscribe()

	subId := recv.ID()
	listenerCtx, cancel := context.WithCancel(ctx)
	p.session.AddListener(subId, cancel)

	go p.forwardEvents(listenerCtx, h, recv, params.ConversationId)

	resp, _ := json.Marshal(map[string]any{"subscriptionId": string(subId)})
	p.sender.SendResponse(req.ID, resp)
}

// forwardEvents is the per-listener goroutine: it forwards every event
// as a notification named after the event kind, merging conversationId
// into the params, invoking the correlator for correlation-bearing kinds,
// and exits on cancellation or broadcast close.
func (p *Processor) forwardEvents(ctx context.Context, h *hub.Hub, recv *hub.Receiver, convId ids.ConversationId) {
	defer h.Unsubscribe(recv.ID())
	for {
		select {
		case <-ctx.Done():
			return
		case <-recv.Closed():
			return
		case n := <-recv.Lagged():
			slog.Warn("processor: listener lagged, continuing", "conversation_id", convId, "dropped", n)
		case ev, ok := <-recv.Events():
			if !ok {
				return
			}
			p.publishEvent(convId, ev)
			correlator.Handle(ctx, h, p.sender, ev)
		}
	}
}

func (p *Processor) publishEvent(convId ids.ConversationId, ev engine.Event) {
	params := map[string]any{"conversationId": string(convId)}
	for k, v := range ev.Payload {
		params[k] = v
	}
	b, err := json.Marshal(params)
	if err != nil {
		slog.Error("processor: failed to marshal event notification", "error", err)
		return
	}
	p.sender.SendNotification("codex/event/"+string(ev.Kind), b)
}

type removeConversationListenerParams struct {
	SubscriptionId ids.SubscriptionId `json:"subscriptionId"`
}

func (p *Processor) handleRemoveConversationListener(req *jsonrpc.Request) {
	var params removeConversationListenerParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		p.sender.SendError(req.ID, errInvalidRequest("invalid params", nil))
		return
	}

	if !p.session.RemoveListener(params.SubscriptionId) {
		p.sender.SendError(req.ID, errInvalidRequest("subscription not found", nil))
		return
	}
	p.sender.SendResponse(req.ID, json.RawMessage(`{}`))
}

type sendUserMessageParams struct {
	ConversationId ids.ConversationId `json:"conversationId"`
	Text           string             `json:"text"`
}

func (p *Processor) handleSendUserMessage(ctx context.Context, req *jsonrpc.Request) {
	var params sendUserMessageParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		p.sender.SendError(req.ID, errInvalidRequest("invalid params", nil))
		return
	}

	h, err := p.mgr.GetOrCreateHub(ctx, params.ConversationId, "", "")
	if err != nil {
		p.sender.SendError(req.ID, errInvalidRequest("conversation not found", nil))
		return
	}

	op := engine.Op{Kind: engine.OpUserMessage, Payload: map[string]any{"text": params.Text}}
	subId, err := h.Submit(ctx, op)
	if err != nil {
		p.sender.SendError(req.ID, errInternal(err.Error()))
		return
	}
	resp, _ := json.Marshal(map[string]string{"submissionId": subId})
	p.sender.SendResponse(req.ID, resp)
}

type sendUserTurnParams struct {
	ConversationId ids.ConversationId `json:"conversationId"`
	Text           string             `json:"text"`
	Overrides      map[string]any     `json:"overrides"`
}

func (p *Processor) handleSendUserTurn(ctx context.Context, req *jsonrpc.Request) {
	var params sendUserTurnParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		p.sender.SendError(req.ID, errInvalidRequest("invalid params", nil))
		return
	}

	h, err := p.mgr.GetOrCreateHub(ctx, params.ConversationId, "", "")
	if err != nil {
		p.sender.SendError(req.ID, errInvalidRequest("conversation not found", nil))
		return
	}

	payload := map[string]any{"text": params.Text}
	for k, v := range params.Overrides {
		payload[k] = v
	}
	subId, err := h.Submit(ctx, engine.Op{Kind: engine.OpUserTurn, Payload: payload})
	if err != nil {
		p.sender.SendError(req.ID, errInternal(err.Error()))
		return
	}
	resp, _ := json.Marshal(map[string]string{"submissionId": subId})
	p.sender.SendResponse(req.ID, resp)
}

type interruptConversationParams struct {
	ConversationId ids.ConversationId `json:"conversationId"`
}

// handleInterruptConversation forwards Interrupt and replies immediately
// with "Interrupted"; the engine is not required to emit a dedicated ack
// event.
func (p *Processor) handleInterruptConversation(ctx context.Context, req *jsonrpc.Request) {
	var params interruptConversationParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		p.sender.SendError(req.ID, errInvalidRequest("invalid params", nil))
		return
	}

	h, err := p.mgr.GetOrCreateHub(ctx, params.ConversationId, "", "")
	if err != nil {
		p.sender.SendError(req.ID, errInvalidRequest("conversation not found", nil))
		return
	}

	if _, err := h.Submit(ctx, engine.Op{Kind: engine.OpInterrupt}); err != nil {
		p.sender.SendError(req.ID, errInternal(err.Error()))
		return
	}
	p.sender.SendResponse(req.ID, json.RawMessage(`{"status":"Interrupted"}`))
}

type submitOpParams struct {
	ConversationId ids.ConversationId `json:"conversationId"`
	Op             map[string]any     `json:"op"`
}

func (p *Processor) handleSubmitOp(ctx context.Context, req *jsonrpc.Request) {
	var params submitOpParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		p.sender.SendError(req.ID, errInvalidRequest("invalid params", nil))
		return
	}

	h, err := p.mgr.GetOrCreateHub(ctx, params.ConversationId, "", "")
	if err != nil {
		p.sender.SendError(req.ID, errInvalidRequest("conversation not found", nil))
		return
	}

	subId, err := h.Submit(ctx, engine.Op{Kind: engine.OpRaw, Payload: params.Op})
	if err != nil {
		p.sender.SendError(req.ID, errInternal(err.Error()))
		return
	}
	resp, _ := json.Marshal(map[string]string{"submissionId": subId})
	p.sender.SendResponse(req.ID, resp)
}

type userInputAnswerParams struct {
	ConversationId ids.ConversationId `json:"conversationId"`
	CallId         ids.CallId         `json:"callId"`
	Answer         map[string]any     `json:"answer"`
}

func (p *Processor) handleUserInputAnswer(ctx context.Context, req *jsonrpc.Request) {
	var params userInputAnswerParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		p.sender.SendError(req.ID, errInvalidRequest("invalid params", nil))
		return
	}

	h, err := p.mgr.GetOrCreateHub(ctx, params.ConversationId, "", "")
	if err != nil {
		p.sender.SendError(req.ID, errInvalidRequest("conversation not found", nil))
		return
	}

	if err := h.HandleUserInputResponse(ctx, params.CallId, params.Answer); err != nil {
		p.sender.SendError(req.ID, errInvalidRequest("unknown call id", nil))
		return
	}
	p.sender.SendResponse(req.ID, json.RawMessage(`{}`))
}

type gitDiffToRemoteParams struct {
	Cwd string `json:"cwd"`
}

// handleGitDiffToRemote is a thin pass-through to an injected
// DiffProvider: the actual diff computation remains external.
func (p *Processor) handleGitDiffToRemote(ctx context.Context, req *jsonrpc.Request) {
	var params gitDiffToRemoteParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			p.sender.SendError(req.ID, errInvalidRequest("invalid params", nil))
			return
		}
	}

	if p.diff == nil {
		p.sender.SendError(req.ID, errInternal("diff provider not configured"))
		return
	}
	diff, err := p.diff.DiffToRemote(ctx, params.Cwd)
	if err != nil {
		p.sender.SendError(req.ID, errInternal(err.Error()))
		return
	}
	resp, _ := json.Marshal(map[string]string{"diff": diff})
	p.sender.SendResponse(req.ID, resp)
}

type fuzzyFileSearchParams struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

func (p *Processor) handleFuzzyFileSearch(ctx context.Context, req *jsonrpc.Request) {
	var params fuzzyFileSearchParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			p.sender.SendError(req.ID, errInvalidRequest("invalid params", nil))
			return
		}
	}
	if params.Limit <= 0 {
		params.Limit = 50
	}

	if p.search == nil {
		p.sender.SendError(req.ID, errInternal("file searcher not configured"))
		return
	}
	matches, err := p.search.FuzzySearch(ctx, params.Query, params.Limit)
	if err != nil {
		p.sender.SendError(req.ID, errInternal(err.Error()))
		return
	}
	resp, _ := json.Marshal(map[string]any{"matches": matches})
	p.sender.SendResponse(req.ID, resp)
}

func (p *Processor) handleGetAuthStatus(ctx context.Context, req *jsonrpc.Request) {
	if p.auth == nil {
		p.sender.SendResponse(req.ID, json.RawMessage(`{"status":"unauthenticated"}`))
		return
	}
	status, err := p.auth.Status(ctx)
	if err != nil {
		p.sender.SendError(req.ID, errInternal(err.Error()))
		return
	}
	resp, _ := json.Marshal(map[string]string{"status": status})
	p.sender.SendResponse(req.ID, resp)
}
