package outgoing

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/ashureev/shsh-agent-server/internal/ids"
	"github.com/ashureev/shsh-agent-server/internal/jsonrpc"
)

func recvFrame(t *testing.T, s *Sender) Message {
	t.Helper()
	ch := make(chan Message, 1)
	go func() {
		if m, ok := s.Next(); ok {
			ch <- m
		}
	}()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for queued frame")
		return Message{}
	}
}

func TestSendRequest_ResolvedByClientResponse(t *testing.T) {
	s := New()

	id, reply := s.SendRequest("execCommandApproval", json.RawMessage(`{"callId":"c1"}`))

	frame := recvFrame(t, s)
	assert.Assert(t, frame.Request != nil)
	assert.Equal(t, frame.Request.ID, id)
	assert.Equal(t, frame.Request.Method, "execCommandApproval")

	s.NotifyClientResponse(id, json.RawMessage(`{"decision":"approved"}`), nil)

	select {
	case r := <-reply:
		assert.Assert(t, r.Err == nil)
		assert.Equal(t, string(r.Result), `{"decision":"approved"}`)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply")
	}
}

// On transport shutdown every outstanding one-shot resolves with a
// synthesized error rather than being dropped silently.
func TestShutdown_ResolvesOutstandingOneShots(t *testing.T) {
	s := New()

	_, reply1 := s.SendRequest("applyPatchApproval", nil)
	_, reply2 := s.SendRequest("dynamicToolCall", nil)

	s.Shutdown()

	for _, reply := range []<-chan Reply{reply1, reply2} {
		select {
		case r := <-reply:
			assert.Assert(t, r.Err != nil)
			assert.Equal(t, r.Err.Code, jsonrpc.CodeInternalError)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for synthesized error")
		}
	}
}

func TestSendRequest_AfterShutdownFailsFast(t *testing.T) {
	s := New()
	s.Shutdown()

	_, reply := s.SendRequest("execCommandApproval", nil)
	select {
	case r := <-reply:
		assert.Assert(t, r.Err != nil)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fail-fast reply")
	}
}

// TestEnqueueAfterShutdown_DoesNotPanic: the writer task may already be
// gone; late frames are discarded rather than accumulated forever.
func TestEnqueueAfterShutdown_DoesNotPanic(t *testing.T) {
	s := New()
	s.Shutdown()
	s.SendNotification("codex/event/generic", json.RawMessage(`{}`))
	s.SendResponse(ids.RequestId{Num: 1}, json.RawMessage(`{}`))

	_, ok := s.Next()
	assert.Assert(t, !ok)
}

// The queue never blocks a producer and never drops an accepted frame:
// every enqueued message comes back out of Next, in order, even with no
// writer draining while they accumulate.
func TestQueue_UnboundedAndOrdered(t *testing.T) {
	s := New()

	const n = 10000
	for i := 0; i < n; i++ {
		s.SendNotification("codex/event/generic", json.RawMessage(fmt.Sprintf(`{"i":%d}`, i)))
	}

	for i := 0; i < n; i++ {
		m, ok := s.Next()
		assert.Assert(t, ok)
		assert.Assert(t, m.Notification != nil)
		assert.Equal(t, string(m.Notification.Params), fmt.Sprintf(`{"i":%d}`, i))
	}
}

// Frames queued before Shutdown stay available to a still-draining
// writer; Next reports done only after the queue is empty.
func TestShutdown_DrainsQueuedFramesFirst(t *testing.T) {
	s := New()
	s.SendResponse(ids.RequestId{Num: 1}, json.RawMessage(`{}`))
	s.SendResponse(ids.RequestId{Num: 2}, json.RawMessage(`{}`))
	s.Shutdown()

	for i := 0; i < 2; i++ {
		m, ok := s.Next()
		assert.Assert(t, ok)
		assert.Assert(t, m.Response != nil)
	}
	_, ok := s.Next()
	assert.Assert(t, !ok)
}

func TestNotifyClientResponse_UnknownIdDropped(t *testing.T) {
	s := New()
	// Must not panic or block.
	s.NotifyClientResponse(ids.RequestId{Str: "srv-unknown", IsString: true}, nil, nil)
}
