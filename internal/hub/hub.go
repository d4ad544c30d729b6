// Package hub implements the conversation hub: it turns a single
// conversation's engine event stream into a multi-consumer broadcast and
// tracks the correlation obligations created by approval, tool-call, and
// user-input request events.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/ashureev/shsh-agent-server/internal/engine"
	"github.com/ashureev/shsh-agent-server/internal/ids"
)

// EventBuffer is the capacity of every subscriber's broadcast channel.
const EventBuffer = 4096

// ErrUnknownCallId is returned by the Handle*Response methods when no PendingRequest
// is registered for the given CallId: either it was already resolved, or
// the engine emitted a duplicate request event.
var ErrUnknownCallId = errors.New("hub: unknown call id")

// ApprovalKind distinguishes the four correlation-bearing request shapes a
// PendingRequest may represent.
type ApprovalKind string

const (
	KindExec        ApprovalKind = "exec"
	KindPatch       ApprovalKind = "patch"
	KindDynamicTool ApprovalKind = "dynamic_tool"
	KindUserInput   ApprovalKind = "user_input"
)

// Receiver is a per-subscriber lossy view onto a hub's broadcast. Lag is
// reported via Lagged rather than by silently resuming, so a listener can
// log and continue.
type Receiver struct {
	id     ids.SubscriptionId
	events chan engine.Event
	lagged chan uint64
	done   chan struct{}
}

// ID returns this receiver's SubscriptionId.
func (r *Receiver) ID() ids.SubscriptionId { return r.id }

// Events is the channel of in-order events seen by this subscriber.
func (r *Receiver) Events() <-chan engine.Event { return r.events }

// Lagged reports dropped-event counts when this subscriber falls behind.
func (r *Receiver) Lagged() <-chan uint64 { return r.lagged }

// Closed signals the hub's event pump has exited (engine stream closed).
func (r *Receiver) Closed() <-chan struct{} { return r.done }

type pendingEntry struct {
	kind ApprovalKind
}

// Hub is the shared facade over one conversation's event stream. Exactly
// one Hub exists per ConversationId within a given manager.
type Hub struct {
	ConversationId ids.ConversationId
	Model          string
	RolloutPath    string

	conversation engine.Conversation

	mu          sync.Mutex
	subscribers map[ids.SubscriptionId]*Receiver
	pending     map[ids.CallId]pendingEntry
	closed      bool

	// Synthetic replay events held by the hub itself: prepended to every
	// new subscriber before any live event, rather than being pure
	// broadcast semantics.
	sessionConfigured *engine.Event
	historyReplay     *engine.Event
}

// New constructs a hub and immediately starts its background event pump.
// The pump is the sole reader of conversation.Events; it exits when the
// engine's stream ends, which callers observe by Receiver.Closed().
func New(ctx context.Context, convId ids.ConversationId, model, rolloutPath string, conv engine.Conversation) *Hub {
	h := &Hub{
		ConversationId: convId,
		Model:          model,
		RolloutPath:    rolloutPath,
		conversation:   conv,
		subscribers:    make(map[ids.SubscriptionId]*Receiver),
		pending:        make(map[ids.CallId]pendingEntry),
	}
	go h.pump(ctx)
	return h
}

func (h *Hub) pump(ctx context.Context) {
	for {
		ev, ok, err := h.conversation.Events(ctx)
		if err != nil {
			slog.Warn("hub: conversation event stream failed", "conversation_id", h.ConversationId, "error", err)
			h.shutdown()
			return
		}
		if !ok {
			h.shutdown()
			return
		}
		h.trackPending(ev)
		h.broadcast(ev)
	}
}

// trackPending inserts a PendingRequest for every request-shaped event.
// A duplicate CallId (engine bug) is logged and overwrites the previous
// entry; the first entry's handler will later fail with ErrUnknownCallId.
func (h *Hub) trackPending(ev engine.Event) {
	var kind ApprovalKind
	switch ev.Kind {
	case engine.EventExecApprovalReq:
		kind = KindExec
	case engine.EventPatchApprovalReq:
		kind = KindPatch
	case engine.EventDynamicToolCallReq:
		kind = KindDynamicTool
	case engine.EventUserInputReq:
		kind = KindUserInput
	default:
		if ev.Kind == engine.EventSessionConfigured {
			h.mu.Lock()
			e := ev
			h.sessionConfigured = &e
			h.mu.Unlock()
		}
		return
	}

	h.mu.Lock()
	if _, exists := h.pending[ev.CallId]; exists {
		slog.Warn("hub: duplicate call id observed from engine", "conversation_id", h.ConversationId, "call_id", ev.CallId)
	}
	h.pending[ev.CallId] = pendingEntry{kind: kind}
	h.mu.Unlock()
}

// broadcast fans ev out to every current subscriber. A subscriber whose
// channel is full has the dropped event added to its pending Lagged count
// instead of blocking the pump or being torn down.
func (h *Hub) broadcast(ev engine.Event) {
	h.mu.Lock()
	recvs := make([]*Receiver, 0, len(h.subscribers))
	for _, r := range h.subscribers {
		recvs = append(recvs, r)
	}
	h.mu.Unlock()

	for _, r := range recvs {
		select {
		case r.events <- ev:
		default:
			var n uint64 = 1
			select {
			case prev := <-r.lagged:
				n += prev
			default:
			}
			select {
			case r.lagged <- n:
			default:
			}
			slog.Warn("hub: subscriber lagged, event dropped", "conversation_id", h.ConversationId, "subscription_id", r.id)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	h.closed = true
	recvs := make([]*Receiver, 0, len(h.subscribers))
	for _, r := range h.subscribers {
		recvs = append(recvs, r)
	}
	h.mu.Unlock()

	for _, r := range recvs {
		close(r.done)
	}
}

// Subscribe returns a new lossy receiver that sees all events enqueued
// after the call, prefixed by any synthetic replay events currently held
// (session-configured, history-replay).
func (h *Hub) Subscribe() *Receiver {
	r := &Receiver{
		id:     ids.NewSubscriptionId(),
		events: make(chan engine.Event, EventBuffer),
		lagged: make(chan uint64, 1),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sessionConfigured != nil {
		r.events <- *h.sessionConfigured
	}
	if h.historyReplay != nil {
		r.events <- *h.historyReplay
	}

	if h.closed {
		close(r.done)
		return r
	}

	h.subscribers[r.id] = r
	return r
}

// Unsubscribe removes a receiver so its forwarding task can stop.
func (h *Hub) Unsubscribe(id ids.SubscriptionId) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subscribers, id)
}

// SetHistoryReplay installs the synthetic "history replay" event served to
// every subscriber that joins from this point on.
func (h *Hub) SetHistoryReplay(ev engine.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.historyReplay = &ev
}

// Submit stamps op with a fresh submission id and forwards it to the
// engine's queue, returning the id.
func (h *Hub) Submit(ctx context.Context, op engine.Op) (string, error) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return "", engine.ErrEngineDown
	}
	if op.SubmissionId == "" {
		op.SubmissionId = uuid.NewString()
	}
	if err := h.conversation.Submit(ctx, op); err != nil {
		return "", err
	}
	return op.SubmissionId, nil
}

// HandleApprovalResponse removes the matching PendingRequest and, if
// present, submits the typed approval back to the engine.
func (h *Hub) HandleApprovalResponse(ctx context.Context, callId ids.CallId, decision engine.ApprovalDecision) error {
	entry, err := h.takePending(callId)
	if err != nil {
		return err
	}

	var opKind engine.OpKind
	switch entry.kind {
	case KindExec:
		opKind = engine.OpExecApproval
	case KindPatch:
		opKind = engine.OpPatchApproval
	default:
		return fmt.Errorf("hub: call id %s is not an approval request", callId)
	}

	_, err = h.Submit(ctx, engine.Op{Kind: opKind, CallId: callId, Decision: decision})
	return err
}

// HandleDynamicToolResponse removes the matching PendingRequest and submits
// the tool's response payload back to the engine.
func (h *Hub) HandleDynamicToolResponse(ctx context.Context, callId ids.CallId, payload map[string]any) error {
	if _, err := h.takePending(callId); err != nil {
		return err
	}
	_, err := h.Submit(ctx, engine.Op{Kind: engine.OpDynamicTool, CallId: callId, Payload: payload})
	return err
}

// HandleUserInputResponse removes the matching PendingRequest and submits
// the user's reply back to the engine.
func (h *Hub) HandleUserInputResponse(ctx context.Context, callId ids.CallId, payload map[string]any) error {
	if _, err := h.takePending(callId); err != nil {
		return err
	}
	_, err := h.Submit(ctx, engine.Op{Kind: engine.OpUserInputReply, CallId: callId, Payload: payload})
	return err
}

func (h *Hub) takePending(callId ids.CallId) (pendingEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok := h.pending[callId]
	if !ok {
		return pendingEntry{}, ErrUnknownCallId
	}
	delete(h.pending, callId)
	return entry, nil
}

// HasPending reports whether callId currently has an outstanding
// correlation entry.
func (h *Hub) HasPending(callId ids.CallId) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.pending[callId]
	return ok
}

// Close releases the underlying conversation. Pending entries are
// intentionally not purged here: only the correlator that owned a given
// connection's one-shot resolves its own obligation conservatively, so
// other clients observing the conversation stay consistent.
func (h *Hub) Close() error {
	return h.conversation.Close()
}
