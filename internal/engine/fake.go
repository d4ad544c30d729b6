package engine

import (
	"context"
	"sync"

	"github.com/ashureev/shsh-agent-server/internal/ids"
)

// FakeConversation is an in-memory Conversation used by tests across
// internal/hub, internal/correlator, and internal/processor. It records every
// submitted Op and lets the test drive the event stream directly.
type FakeConversation struct {
	mu        sync.Mutex
	events    chan Event
	closed    bool
	Submitted []Op
}

// NewFakeConversation creates a fake conversation with a buffered event
// channel; tests push events onto Events and read submissions from
// Submitted (or a SubmittedOps snapshot) after a brief synchronization wait.
func NewFakeConversation() *FakeConversation {
	return &FakeConversation{events: make(chan Event, 256)}
}

// Push enqueues an event for the event pump to observe.
func (f *FakeConversation) Push(e Event) {
	f.events <- e
}

// EndStream closes the event channel, simulating engine stream completion.
func (f *FakeConversation) EndStream() {
	close(f.events)
}

func (f *FakeConversation) Submit(_ context.Context, op Op) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrEngineDown
	}
	f.Submitted = append(f.Submitted, op)
	return nil
}

func (f *FakeConversation) Events(ctx context.Context) (Event, bool, error) {
	select {
	case e, ok := <-f.events:
		return e, ok, nil
	case <-ctx.Done():
		return Event{}, false, ctx.Err()
	}
}

func (f *FakeConversation) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// SubmittedOps returns a snapshot of ops submitted so far.
func (f *FakeConversation) SubmittedOps() []Op {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Op, len(f.Submitted))
	copy(out, f.Submitted)
	return out
}

// FakeEngine vends FakeConversations keyed by freshly generated
// ConversationIds (ids.NewConversationId).
type FakeEngine struct {
	mu            sync.Mutex
	Conversations map[ids.ConversationId]*FakeConversation
}

func NewFakeEngine() *FakeEngine {
	return &FakeEngine{Conversations: make(map[ids.ConversationId]*FakeConversation)}
}

func (f *FakeEngine) NewConversation(_ context.Context, _ Config) (ids.ConversationId, Conversation, error) {
	id := ids.NewConversationId()
	conv := NewFakeConversation()
	f.mu.Lock()
	f.Conversations[id] = conv
	f.mu.Unlock()
	return id, conv, nil
}

func (f *FakeEngine) ResumeConversation(_ context.Context, _ Config, _ string) (ids.ConversationId, Conversation, error) {
	id := ids.NewConversationId()
	conv := NewFakeConversation()
	f.mu.Lock()
	f.Conversations[id] = conv
	f.mu.Unlock()
	return id, conv, nil
}
