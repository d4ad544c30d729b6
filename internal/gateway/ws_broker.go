package gateway

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/coder/websocket"

	"github.com/ashureev/shsh-agent-server/internal/gateway/brokerclient"
	"github.com/ashureev/shsh-agent-server/internal/ids"
	"github.com/ashureev/shsh-agent-server/internal/jsonrpc"
)

// runBrokerConversation bridges one browser WebSocket to the broker: the
// Gateway dials in as one more JSON-RPC client, subscribes to convId, and
// relays events/requests one way and browser commands/replies the other.
func (gw *Gateway) runBrokerConversation(ctx context.Context, conn *websocket.Conn, convId ids.ConversationId) {
	client, err := brokerclient.Dial(gw.cfg.BrokerSocketPath)
	if err != nil {
		slog.Error("gateway: broker dial failed", "error", err)
		return
	}
	defer client.Close()

	if err := client.Initialize(ctx, "shsh-gateway", "1.0"); err != nil {
		slog.Error("gateway: broker initialize failed", "error", err)
		return
	}

	subId, err := client.AddConversationListener(ctx, convId)
	if err != nil {
		slog.Error("gateway: broker addConversationListener failed", "conversation_id", convId, "error", err)
		return
	}
	defer func() {
		_ = client.RemoveConversationListener(context.Background(), subId)
	}()

	out := make(chan []byte, 64)
	go wsWriteLoop(ctx, conn, out)

	in := make(chan []byte, 64)
	go wsReadLoop(ctx, conn, in)

	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Closed():
			return
		case n := <-client.Notifications():
			relayToBrowser(out, jsonrpc.Message{Notification: n})
		case r := <-client.Requests():
			relayToBrowser(out, jsonrpc.Message{Request: r})
		case line, ok := <-in:
			if !ok {
				return
			}
			handleBrokerInbound(ctx, client, convId, line)
		}
	}
}

func relayToBrowser(out chan<- []byte, msg jsonrpc.Message) {
	b, err := jsonrpc.Encode(msg)
	if err != nil {
		slog.Error("gateway: failed to encode broker-relayed frame", "error", err)
		return
	}
	out <- b
}

// handleBrokerInbound translates one browser-sent frame into the matching
// broker call. Requests map onto the broker's sendUserMessage/
// interruptConversation/userInputAnswer methods; Response/Error frames are
// the browser's decision on a server-initiated approval or tool-call
// request and are forwarded to the broker verbatim, matched by the
// original RequestId.
func handleBrokerInbound(ctx context.Context, client *brokerclient.Client, convId ids.ConversationId, line []byte) {
	msg, err := jsonrpc.Parse(line)
	if err != nil {
		return
	}

	switch {
	case msg.Response != nil:
		_ = client.Reply(msg.Response.ID, msg.Response.Result, nil)
	case msg.Err != nil:
		eo := msg.Err.Error
		_ = client.Reply(msg.Err.ID, nil, &eo)
	case msg.Request != nil:
		dispatchBrokerRequest(ctx, client, convId, msg.Request)
	}
}

func dispatchBrokerRequest(ctx context.Context, client *brokerclient.Client, convId ids.ConversationId, req *jsonrpc.Request) {
	switch req.Method {
	case "sendUserMessage":
		var p struct {
			Text string `json:"text"`
		}
		_ = json.Unmarshal(req.Params, &p)
		_ = client.SendUserMessage(ctx, convId, p.Text)
	case "interruptConversation":
		_ = client.Interrupt(ctx, convId)
	case "userInputAnswer":
		var p struct {
			CallId ids.CallId     `json:"callId"`
			Answer map[string]any `json:"answer"`
		}
		_ = json.Unmarshal(req.Params, &p)
		_ = client.UserInputAnswer(ctx, convId, p.CallId, p.Answer)
	default:
		slog.Warn("gateway: broker mode received unknown browser method", "method", req.Method)
	}
}
