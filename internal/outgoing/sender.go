// Package outgoing implements the outgoing message sender: an unbounded
// queue drained by the transport adapter's writer task, and the one-shot
// correlation table for server-initiated requests, with a buffered reply
// channel as the one-shot primitive.
package outgoing

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/ashureev/shsh-agent-server/internal/ids"
	"github.com/ashureev/shsh-agent-server/internal/jsonrpc"
)

// Message is one outbound wire frame queued for the transport's writer
// task, already fully formed.
type Message struct {
	jsonrpc.Message
}

// pendingRequest is the one-shot slot for a server-initiated request,
// keyed by an internally allocated RequestId. It is fulfilled exactly
// once: by the client's reply, by a synthesized transport-loss error, or
// implicitly dropped when the owning conversation ends.
type pendingRequest struct {
	reply chan Reply
}

// Reply is what a correlation task receives once NotifyClientResponse (or
// Shutdown) fulfils its request: either a successful result or an error,
// never both.
type Reply struct {
	Result json.RawMessage
	Err    *jsonrpc.ErrorObject
}

// Sender is the per-connection outbound half. Frames accumulate in an
// unbounded in-memory queue; the transport adapter's writer task drains
// it via Next. Enqueueing never blocks and never drops: a response or a
// server-initiated request, once accepted, is delivered to the writer or
// survives until Shutdown. Closing the connection should call Shutdown so
// every outstanding one-shot resolves rather than leaking a waiting
// correlation task forever.
type Sender struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Message
	pending map[ids.RequestId]*pendingRequest
	closed  bool
}

// New constructs a Sender.
func New() *Sender {
	s := &Sender{pending: make(map[ids.RequestId]*pendingRequest)}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Next blocks until a frame is available and returns it. It returns
// ok=false once the sender has shut down and every already-queued frame
// has been handed out, which is the writer task's signal to exit.
func (s *Sender) Next() (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 && !s.closed {
		s.cond.Wait()
	}
	if len(s.queue) == 0 {
		return Message{}, false
	}
	m := s.queue[0]
	s.queue = s.queue[1:]
	return m, true
}

// SendResponse serializes and enqueues a successful reply to request id.
func (s *Sender) SendResponse(id ids.RequestId, result json.RawMessage) {
	s.enqueue(Message{jsonrpc.Message{Response: &jsonrpc.Response{JSONRPC: "2.0", ID: id, Result: result}}})
}

// SendError serializes and enqueues an error reply to request id.
func (s *Sender) SendError(id ids.RequestId, errObj jsonrpc.ErrorObject) {
	s.enqueue(Message{jsonrpc.Message{Err: &jsonrpc.Error{JSONRPC: "2.0", ID: id, Error: errObj}}})
}

// SendNotification serializes and enqueues a notification.
func (s *Sender) SendNotification(method string, params json.RawMessage) {
	s.enqueue(Message{jsonrpc.Message{Notification: &jsonrpc.Notification{JSONRPC: "2.0", Method: method, Params: params}}})
}

// SendRequest allocates a new RequestId, registers a pending one-shot,
// enqueues a server-initiated request, and returns a channel the caller
// receives exactly one Reply from.
func (s *Sender) SendRequest(method string, params json.RawMessage) (ids.RequestId, <-chan Reply) {
	id := ids.NewServerRequestId()
	reply := make(chan Reply, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		reply <- Reply{Err: &jsonrpc.ErrorObject{Code: jsonrpc.CodeInternalError, Message: "connection closed"}}
		return id, reply
	}
	s.pending[id] = &pendingRequest{reply: reply}
	s.mu.Unlock()

	s.enqueue(Message{jsonrpc.Message{Request: &jsonrpc.Request{JSONRPC: "2.0", ID: id, Method: method, Params: params}}})
	return id, reply
}

// NotifyClientResponse is the entry point the inbound path uses to
// complete a one-shot when a matching response or error arrives on the
// connection. Unknown ids are dropped with a debug log.
func (s *Sender) NotifyClientResponse(id ids.RequestId, result json.RawMessage, errObj *jsonrpc.ErrorObject) {
	s.mu.Lock()
	p, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()

	if !ok {
		slog.Debug("outgoing: response for unknown request id dropped", "request_id", id.String())
		return
	}
	p.reply <- Reply{Result: result, Err: errObj}
}

// Shutdown resolves every outstanding one-shot with a synthesized
// transport-loss error and marks the sender closed so further SendRequest
// calls fail fast instead of queuing into a dead connection. Frames
// already queued remain available to Next so a still-draining writer can
// flush them before exiting.
func (s *Sender) Shutdown() {
	s.mu.Lock()
	s.closed = true
	pending := s.pending
	s.pending = make(map[ids.RequestId]*pendingRequest)
	s.cond.Broadcast()
	s.mu.Unlock()

	errObj := &jsonrpc.ErrorObject{Code: jsonrpc.CodeInternalError, Message: "connection lost"}
	for _, p := range pending {
		p.reply <- Reply{Err: errObj}
	}
}

func (s *Sender) enqueue(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.queue = append(s.queue, m)
	s.cond.Signal()
}
