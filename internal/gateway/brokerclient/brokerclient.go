// Package brokerclient implements the Gateway's broker mode: it dials
// the Unix-socket broker and speaks the same
// newline-delimited JSON-RPC protocol a terminal client would, acting as
// one more client of the broker rather than embedding its own
// Conversation Manager. Grounded on internal/transport's RunConnection
// read/dispatch loop, mirrored here from the client side.
package brokerclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/ashureev/shsh-agent-server/internal/ids"
	"github.com/ashureev/shsh-agent-server/internal/jsonrpc"
)

// Client is one connection to the broker, used by the Gateway to forward
// one browser WebSocket's conversation traffic.
type Client struct {
	conn net.Conn
	w    *bufio.Writer
	wmu  sync.Mutex

	mu      sync.Mutex
	pending map[ids.RequestId]chan pendingReply
	nextId  int64

	notifications chan *jsonrpc.Notification
	requests      chan *jsonrpc.Request

	closeOnce sync.Once
	closed    chan struct{}
}

type pendingReply struct {
	result json.RawMessage
	errObj *jsonrpc.ErrorObject
}

// Dial connects to the broker's Unix-socket path and starts the read
// pump. Callers must call Initialize before any other request.
func Dial(sockPath string) (*Client, error) {
	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		return nil, fmt.Errorf("brokerclient: dial %s: %w", sockPath, err)
	}
	c := &Client{
		conn:          conn,
		w:             bufio.NewWriter(conn),
		pending:       make(map[ids.RequestId]chan pendingReply),
		notifications: make(chan *jsonrpc.Notification, 256),
		requests:      make(chan *jsonrpc.Request, 64),
		closed:        make(chan struct{}),
	}
	go c.readPump()
	return c, nil
}

// Notifications carries the event notifications forwarded by the broker
// for conversations this client has listened to. A notification that
// arrives while the channel's buffer is full is dropped.
func (c *Client) Notifications() <-chan *jsonrpc.Notification { return c.notifications }

// Requests carries the server-initiated requests (approval/tool-call) the
// broker has issued on this connection, awaiting a reply via Reply. A
// request that arrives while the channel's buffer is full is dropped.
func (c *Client) Requests() <-chan *jsonrpc.Request { return c.requests }

// Closed reports when the underlying connection has gone away.
func (c *Client) Closed() <-chan struct{} { return c.closed }

func (c *Client) readPump() {
	defer c.Close()
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		msg, err := jsonrpc.Parse(scanner.Bytes())
		if err != nil {
			continue
		}
		switch {
		case msg.Response != nil:
			c.resolve(msg.Response.ID, msg.Response.Result, nil)
		case msg.Err != nil:
			eo := msg.Err.Error
			c.resolve(msg.Err.ID, nil, &eo)
		case msg.Notification != nil:
			select {
			case c.notifications <- msg.Notification:
			default:
			}
		case msg.Request != nil:
			select {
			case c.requests <- msg.Request:
			default:
			}
		}
	}
}

func (c *Client) resolve(id ids.RequestId, result json.RawMessage, errObj *jsonrpc.ErrorObject) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if ok {
		ch <- pendingReply{result: result, errObj: errObj}
	}
}

// Close shuts the connection down and releases every waiter.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
		close(c.closed)
		c.mu.Lock()
		for _, ch := range c.pending {
			ch <- pendingReply{errObj: &jsonrpc.ErrorObject{Code: jsonrpc.CodeInternalError, Message: "broker connection lost"}}
		}
		c.pending = map[ids.RequestId]chan pendingReply{}
		c.mu.Unlock()
	})
	return err
}

func (c *Client) nextRequestId() ids.RequestId {
	c.mu.Lock()
	c.nextId++
	n := c.nextId
	c.mu.Unlock()
	return ids.RequestId{Num: n}
}

// call sends a request and blocks for its response.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextRequestId()
	b, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("brokerclient: marshal params: %w", err)
	}

	ch := make(chan pendingReply, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	wire, err := jsonrpc.Encode(jsonrpc.Message{Request: &jsonrpc.Request{JSONRPC: "2.0", ID: id, Method: method, Params: b}})
	if err != nil {
		return nil, err
	}
	if err := c.writeLine(wire); err != nil {
		return nil, err
	}

	select {
	case reply := <-ch:
		if reply.errObj != nil {
			return nil, fmt.Errorf("brokerclient: %s: %s", method, reply.errObj.Message)
		}
		return reply.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, fmt.Errorf("brokerclient: connection closed while awaiting %s", method)
	}
}

func (c *Client) writeLine(b []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.w.Write(b); err != nil {
		return err
	}
	if err := c.w.WriteByte('\n'); err != nil {
		return err
	}
	return c.w.Flush()
}

// Reply sends a browser's decision on a server-initiated request back to
// the broker as a JSON-RPC response, matched by the original RequestId,
// so the broker resolves its own one-shot rather than treating the reply
// as a submission.
func (c *Client) Reply(id ids.RequestId, result json.RawMessage, errObj *jsonrpc.ErrorObject) error {
	var wire []byte
	var err error
	if errObj != nil {
		wire, err = jsonrpc.Encode(jsonrpc.Message{Err: &jsonrpc.Error{JSONRPC: "2.0", ID: id, Error: *errObj}})
	} else {
		wire, err = jsonrpc.Encode(jsonrpc.Message{Response: &jsonrpc.Response{JSONRPC: "2.0", ID: id, Result: result}})
	}
	if err != nil {
		return err
	}
	return c.writeLine(wire)
}

// Initialize performs the required first request on the connection.
func (c *Client) Initialize(ctx context.Context, originator, version string) error {
	_, err := c.call(ctx, "initialize", map[string]any{
		"clientInfo":   map[string]string{"name": originator, "version": version},
		"capabilities": map[string]bool{"experimentalApi": false},
	})
	return err
}

// NewConversation issues newConversation and returns the resulting id.
func (c *Client) NewConversation(ctx context.Context, cfg map[string]any) (ids.ConversationId, error) {
	result, err := c.call(ctx, "newConversation", map[string]any{"config": cfg})
	if err != nil {
		return "", err
	}
	return parseConversationId(result)
}

// ResumeConversation issues resumeConversation and returns the resulting id.
func (c *Client) ResumeConversation(ctx context.Context, cfg map[string]any, rolloutPath string) (ids.ConversationId, error) {
	result, err := c.call(ctx, "resumeConversation", map[string]any{"config": cfg, "rolloutPath": rolloutPath})
	if err != nil {
		return "", err
	}
	return parseConversationId(result)
}

func parseConversationId(result json.RawMessage) (ids.ConversationId, error) {
	var resp struct {
		ConversationId string `json:"conversationId"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return "", fmt.Errorf("brokerclient: parse conversationId: %w", err)
	}
	return ids.ConversationId(resp.ConversationId), nil
}

// AddConversationListener subscribes to a conversation's event stream.
func (c *Client) AddConversationListener(ctx context.Context, convId ids.ConversationId) (ids.SubscriptionId, error) {
	result, err := c.call(ctx, "addConversationListener", map[string]any{"conversationId": string(convId)})
	if err != nil {
		return "", err
	}
	var resp struct {
		SubscriptionId string `json:"subscriptionId"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return "", err
	}
	return ids.SubscriptionId(resp.SubscriptionId), nil
}

// RemoveConversationListener unsubscribes.
func (c *Client) RemoveConversationListener(ctx context.Context, subId ids.SubscriptionId) error {
	_, err := c.call(ctx, "removeConversationListener", map[string]any{"subscriptionId": string(subId)})
	return err
}

// SendUserMessage forwards a browser chat message.
func (c *Client) SendUserMessage(ctx context.Context, convId ids.ConversationId, text string) error {
	_, err := c.call(ctx, "sendUserMessage", map[string]any{"conversationId": string(convId), "text": text})
	return err
}

// Interrupt forwards a browser interrupt command.
func (c *Client) Interrupt(ctx context.Context, convId ids.ConversationId) error {
	_, err := c.call(ctx, "interruptConversation", map[string]any{"conversationId": string(convId)})
	return err
}

// UserInputAnswer forwards a browser reply to a mid-turn user-input request.
func (c *Client) UserInputAnswer(ctx context.Context, convId ids.ConversationId, callId ids.CallId, answer map[string]any) error {
	_, err := c.call(ctx, "userInputAnswer", map[string]any{
		"conversationId": string(convId),
		"callId":         string(callId),
		"answer":         answer,
	})
	return err
}
