package brokerclient

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/ashureev/shsh-agent-server/internal/ids"
	"github.com/ashureev/shsh-agent-server/internal/jsonrpc"
)

// fakeBroker wraps the server side of a net.Pipe, standing in for the
// Unix-socket broker so Client can be exercised without a real socket.
type fakeBroker struct {
	t       *testing.T
	conn    net.Conn
	scanner *bufio.Scanner
}

func newFakeBrokerPair(t *testing.T) (*Client, *fakeBroker) {
	t.Helper()
	clientConn, serverConn := net.Pipe()

	c := &Client{
		conn:          clientConn,
		w:             bufio.NewWriter(clientConn),
		pending:       make(map[ids.RequestId]chan pendingReply),
		notifications: make(chan *jsonrpc.Notification, 256),
		requests:      make(chan *jsonrpc.Request, 64),
		closed:        make(chan struct{}),
	}
	go c.readPump()

	fb := &fakeBroker{t: t, conn: serverConn, scanner: bufio.NewScanner(serverConn)}
	t.Cleanup(func() { c.Close() })
	return c, fb
}

// recvRequest reads the next line the Client wrote and decodes it as a
// jsonrpc.Request, failing the test if it isn't one.
func (fb *fakeBroker) recvRequest() *jsonrpc.Request {
	fb.t.Helper()
	if !fb.scanner.Scan() {
		fb.t.Fatalf("fakeBroker: no line available: %v", fb.scanner.Err())
	}
	msg, err := jsonrpc.Parse(fb.scanner.Bytes())
	assert.NilError(fb.t, err)
	assert.Assert(fb.t, msg.Request != nil, "expected a request frame")
	return msg.Request
}

func (fb *fakeBroker) sendResponse(id ids.RequestId, result any) {
	fb.t.Helper()
	b, err := json.Marshal(result)
	assert.NilError(fb.t, err)
	wire, err := jsonrpc.Encode(jsonrpc.Message{Response: &jsonrpc.Response{JSONRPC: "2.0", ID: id, Result: b}})
	assert.NilError(fb.t, err)
	_, err = fb.conn.Write(append(wire, '\n'))
	assert.NilError(fb.t, err)
}

func (fb *fakeBroker) sendNotification(method string, params any) {
	fb.t.Helper()
	b, err := json.Marshal(params)
	assert.NilError(fb.t, err)
	wire, err := jsonrpc.Encode(jsonrpc.Message{Notification: &jsonrpc.Notification{JSONRPC: "2.0", Method: method, Params: b}})
	assert.NilError(fb.t, err)
	_, err = fb.conn.Write(append(wire, '\n'))
	assert.NilError(fb.t, err)
}

func (fb *fakeBroker) sendRequest(id ids.RequestId, method string, params any) {
	fb.t.Helper()
	b, err := json.Marshal(params)
	assert.NilError(fb.t, err)
	wire, err := jsonrpc.Encode(jsonrpc.Message{Request: &jsonrpc.Request{JSONRPC: "2.0", ID: id, Method: method, Params: b}})
	assert.NilError(fb.t, err)
	_, err = fb.conn.Write(append(wire, '\n'))
	assert.NilError(fb.t, err)
}

func TestInitialize_RoundTrips(t *testing.T) {
	c, fb := newFakeBrokerPair(t)

	done := make(chan error, 1)
	go func() {
		done <- c.Initialize(context.Background(), "gateway", "1.0.0")
	}()

	req := fb.recvRequest()
	assert.Equal(t, req.Method, "initialize")
	fb.sendResponse(req.ID, map[string]string{"userAgent": "shsh-agent-server/1.0.0"})

	select {
	case err := <-done:
		assert.NilError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Initialize")
	}
}

func TestNewConversation_ParsesConversationId(t *testing.T) {
	c, fb := newFakeBrokerPair(t)

	type result struct {
		id  ids.ConversationId
		err error
	}
	done := make(chan result, 1)
	go func() {
		id, err := c.NewConversation(context.Background(), map[string]any{"model": "m1"})
		done <- result{id, err}
	}()

	req := fb.recvRequest()
	assert.Equal(t, req.Method, "newConversation")
	fb.sendResponse(req.ID, map[string]string{"conversationId": "conv-123"})

	select {
	case r := <-done:
		assert.NilError(t, r.err)
		assert.Equal(t, r.id, ids.ConversationId("conv-123"))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for NewConversation")
	}
}

// TestCall_SurfacesServerError exercises the error path: the broker replies
// with a JSON-RPC error object rather than a result.
func TestCall_SurfacesServerError(t *testing.T) {
	c, fb := newFakeBrokerPair(t)

	done := make(chan error, 1)
	go func() {
		_, err := c.NewConversation(context.Background(), map[string]any{})
		done <- err
	}()

	req := fb.recvRequest()
	wire, err := jsonrpc.Encode(jsonrpc.Message{Err: &jsonrpc.Error{
		JSONRPC: "2.0",
		ID:      req.ID,
		Error:   jsonrpc.ErrorObject{Code: jsonrpc.CodeInvalidRequest, Message: "bad config"},
	}})
	assert.NilError(t, err)
	_, err = fb.conn.Write(append(wire, '\n'))
	assert.NilError(t, err)

	select {
	case err := <-done:
		assert.ErrorContains(t, err, "bad config")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for error reply")
	}
}

// TestNotifications_AreForwarded checks that event notifications pushed by
// the broker surface on the Client's Notifications channel.
func TestNotifications_AreForwarded(t *testing.T) {
	c, fb := newFakeBrokerPair(t)

	fb.sendNotification("codex/event/session_configured", map[string]string{"conversationId": "conv-1"})

	select {
	case n := <-c.Notifications():
		assert.Equal(t, n.Method, "codex/event/session_configured")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

// TestRequests_AreForwarded checks that server-initiated approval/tool
// requests surface on the Client's Requests channel for the Gateway to
// translate and reply to via Reply.
func TestRequests_AreForwarded(t *testing.T) {
	c, fb := newFakeBrokerPair(t)

	reqId := ids.RequestId{Str: "srv-abc", IsString: true}
	fb.sendRequest(reqId, "applyPatchApproval", map[string]string{"callId": "p1"})

	select {
	case req := <-c.Requests():
		assert.Equal(t, req.Method, "applyPatchApproval")
		assert.Equal(t, req.ID.Str, reqId.Str)
		assert.Equal(t, req.ID.IsString, reqId.IsString)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for request")
	}

	// Reply mirrors the browser's decision back keyed by the original id.
	// net.Pipe is synchronous, so the write and the read must run
	// concurrently or they deadlock.
	result, err := json.Marshal(map[string]string{"decision": "denied"})
	assert.NilError(t, err)
	replyErr := make(chan error, 1)
	go func() { replyErr <- c.Reply(reqId, result, nil) }()

	if !fb.scanner.Scan() {
		t.Fatalf("fakeBroker: no reply line: %v", fb.scanner.Err())
	}
	msg, err := jsonrpc.Parse(fb.scanner.Bytes())
	assert.NilError(t, err)
	assert.Assert(t, msg.Response != nil)
	assert.Equal(t, msg.Response.ID.Str, reqId.Str)
	assert.NilError(t, <-replyErr)
}

// TestClose_ResolvesPendingWithSyntheticError: an in-flight call
// resolves with an error rather than hanging forever when the connection
// drops.
func TestClose_ResolvesPendingWithSyntheticError(t *testing.T) {
	c, fb := newFakeBrokerPair(t)

	done := make(chan error, 1)
	go func() {
		_, err := c.NewConversation(context.Background(), map[string]any{})
		done <- err
	}()

	fb.recvRequest()
	assert.NilError(t, c.Close())

	select {
	case err := <-done:
		assert.Assert(t, err != nil)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connection-lost resolution")
	}
}
