// Package engine describes the opaque conversation engine this server
// mediates access to. The engine is an external collaborator: it accepts
// submissions and emits an unbounded ordered event stream. This package does
// not implement conversation reasoning; it only defines the boundary.
package engine

import (
	"context"
	"errors"

	"github.com/ashureev/shsh-agent-server/internal/ids"
)

// ErrEngineDown is returned by Submit once the event pump has observed the
// engine's stream close; hub operations fail from that point forward.
var ErrEngineDown = errors.New("engine: event pump has exited")

// ApprovalDecision is the client's decision on an exec or patch approval.
type ApprovalDecision string

const (
	DecisionApproved           ApprovalDecision = "approved"
	DecisionApprovedForSession ApprovalDecision = "approved_for_session"
	DecisionDenied             ApprovalDecision = "denied"
	DecisionAbort              ApprovalDecision = "abort"
)

// EventKind enumerates the event shapes the correlator and hub must
// recognize. The full domain event vocabulary is intentionally not
// enumerated here: only the subset that creates or resolves correlation
// obligations is named.
type EventKind string

const (
	EventSessionConfigured  EventKind = "session_configured"
	EventExecApprovalReq    EventKind = "exec_approval_request"
	EventPatchApprovalReq   EventKind = "apply_patch_approval_request"
	EventDynamicToolCallReq EventKind = "dynamic_tool_call_request"
	EventUserInputReq       EventKind = "request_user_input"
	EventTurnAborted        EventKind = "turn_aborted"
	EventGeneric            EventKind = "generic"
)

// Event is one item from the engine's ordered event stream.
type Event struct {
	Kind EventKind
	// CallId is set when Kind is one of the *Request kinds; it is the key
	// the eventual decision must be submitted back under.
	CallId ids.CallId
	// Payload is the event-kind-specific body, opaque to the hub and
	// correlator beyond the fields needed to build a wire request.
	Payload map[string]any
}

// OpKind enumerates submissions the hub forwards into the engine's queue.
type OpKind string

const (
	OpUserMessage    OpKind = "user_message"
	OpUserTurn       OpKind = "user_turn"
	OpInterrupt      OpKind = "interrupt"
	OpExecApproval   OpKind = "exec_approval"
	OpPatchApproval  OpKind = "patch_approval"
	OpDynamicTool    OpKind = "dynamic_tool_response"
	OpUserInputReply OpKind = "user_input_response"
	OpRaw            OpKind = "raw"
)

// Op is a submission forwarded to the engine's queue. SubmissionId is
// stamped by the hub before the op reaches the engine.
type Op struct {
	SubmissionId string
	Kind         OpKind
	CallId       ids.CallId
	Decision     ApprovalDecision
	Payload      map[string]any
}

// Config is the engine-specific configuration derived from a newConversation
// or resumeConversation request. Its shape is intentionally opaque: the
// engine's own interpretation of it is out of scope for this server.
type Config map[string]any

// Conversation is a single running conversation: a submission sink and an
// ordered event source. Implementations must support exactly one concurrent
// caller of Events (the hub's event pump owns it).
type Conversation interface {
	// Submit enqueues an operation. It must not block on engine processing.
	Submit(ctx context.Context, op Op) error
	// Events returns the next event in order, blocking until one is
	// available or the stream ends (io.EOF-equivalent via ok=false).
	Events(ctx context.Context) (Event, bool, error)
	// Close releases engine-side resources for this conversation.
	Close() error
}

// Engine creates and resumes conversations. A concrete adapter (for example
// internal/engine/grpcengine) talks to the real out-of-process engine; tests
// use a fake.
type Engine interface {
	NewConversation(ctx context.Context, cfg Config) (ids.ConversationId, Conversation, error)
	ResumeConversation(ctx context.Context, cfg Config, rolloutPath string) (ids.ConversationId, Conversation, error)
}
