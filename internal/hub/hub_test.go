package hub

import (
	"context"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/ashureev/shsh-agent-server/internal/engine"
	"github.com/ashureev/shsh-agent-server/internal/ids"
)

func newTestHub(t *testing.T) (*Hub, *engine.FakeConversation) {
	t.Helper()
	conv := engine.NewFakeConversation()
	h := New(context.Background(), ids.NewConversationId(), "test-model", "", conv)
	return h, conv
}

func TestHub_BroadcastFanOut(t *testing.T) {
	h, conv := newTestHub(t)

	r1 := h.Subscribe()
	r2 := h.Subscribe()

	conv.Push(engine.Event{Kind: engine.EventKind("generic"), Payload: map[string]any{"n": 1}})

	for _, r := range []*Receiver{r1, r2} {
		select {
		case ev := <-r.Events():
			assert.Equal(t, ev.Payload["n"], 1)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for broadcast event")
		}
	}
}

func TestHub_SubscribeReplaysSessionConfigured(t *testing.T) {
	h, conv := newTestHub(t)

	conv.Push(engine.Event{Kind: engine.EventSessionConfigured, Payload: map[string]any{"model": "test-model"}})

	// Give the pump a moment to observe the event before subscribing, so
	// the synthetic replay path (not live broadcast) is what's exercised.
	time.Sleep(50 * time.Millisecond)

	r := h.Subscribe()
	select {
	case ev := <-r.Events():
		assert.Equal(t, ev.Kind, engine.EventSessionConfigured)
	case <-time.After(2 * time.Second):
		t.Fatal("expected replayed session_configured event")
	}
}

func TestHub_PendingRequestRoundTrip(t *testing.T) {
	h, conv := newTestHub(t)

	callId := ids.CallId("call-1")
	conv.Push(engine.Event{Kind: engine.EventExecApprovalReq, CallId: callId})

	deadline := time.Now().Add(2 * time.Second)
	for !h.HasPending(callId) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert.Assert(t, h.HasPending(callId))

	err := h.HandleApprovalResponse(context.Background(), callId, engine.DecisionApproved)
	assert.NilError(t, err)
	assert.Assert(t, !h.HasPending(callId))

	submitted := conv.SubmittedOps()
	assert.Equal(t, len(submitted), 1)
	assert.Equal(t, submitted[0].Kind, engine.OpExecApproval)
	assert.Equal(t, submitted[0].Decision, engine.DecisionApproved)
}

func TestHub_SubmitStampsSubmissionId(t *testing.T) {
	h, conv := newTestHub(t)

	subId, err := h.Submit(context.Background(), engine.Op{Kind: engine.OpUserMessage})
	assert.NilError(t, err)
	assert.Assert(t, subId != "")

	ops := conv.SubmittedOps()
	assert.Equal(t, len(ops), 1)
	assert.Equal(t, ops[0].SubmissionId, subId)
}

func TestHub_SubmitFailsAfterEngineStreamEnds(t *testing.T) {
	h, conv := newTestHub(t)
	r := h.Subscribe()

	conv.EndStream()
	select {
	case <-r.Closed():
	case <-time.After(2 * time.Second):
		t.Fatal("expected pump exit to close subscribers")
	}

	_, err := h.Submit(context.Background(), engine.Op{Kind: engine.OpUserMessage})
	assert.ErrorIs(t, err, engine.ErrEngineDown)
}

func TestHub_UnknownCallIdErrors(t *testing.T) {
	h, _ := newTestHub(t)
	err := h.HandleApprovalResponse(context.Background(), ids.CallId("missing"), engine.DecisionDenied)
	assert.ErrorIs(t, err, ErrUnknownCallId)
}

func TestHub_LaggedSubscriberDoesNotBlockPump(t *testing.T) {
	h, conv := newTestHub(t)
	r := h.Subscribe()

	for i := 0; i < EventBuffer+10; i++ {
		conv.Push(engine.Event{Kind: engine.EventKind("generic"), Payload: map[string]any{"i": i}})
	}

	select {
	case n := <-r.Lagged():
		assert.Assert(t, n > 0)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a lag signal once the buffer overflowed")
	}

	// Drain the channel so the test doesn't leak a full buffer's worth of
	// goroutine-held memory; the pump itself must remain unblocked
	// throughout the above regardless of whether this drain happens.
	for {
		select {
		case <-r.Events():
		default:
			return
		}
	}
}
