// Package ws implements the WebSocket transport adapter: the same
// JSON-RPC protocol as stdio and the Unix-socket broker, carried one
// frame per WebSocket text message instead of one line per newline.
// Binary frames are rejected rather than silently ignored.
package ws

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/ashureev/shsh-agent-server/internal/jsonrpc"
	"github.com/ashureev/shsh-agent-server/internal/processor"
	"github.com/ashureev/shsh-agent-server/internal/transport"
)

// Handler returns an http.HandlerFunc that upgrades each request to a
// WebSocket and runs one connection pump over it.
func Handler(shared *transport.SharedSessionState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			slog.Error("ws: failed to accept websocket", "error", err)
			return
		}
		defer func() {
			_ = conn.Close(websocket.StatusNormalClosure, "connection ended")
		}()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		proc, sender := shared.NewProcessor()

		writerDone := make(chan struct{})
		go func() {
			defer close(writerDone)
			for {
				msg, ok := sender.Next()
				if !ok {
					return
				}
				b, err := jsonrpc.Encode(msg.Message)
				if err != nil {
					slog.Error("ws: failed to encode outgoing message", "error", err)
					continue
				}
				if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
					slog.Debug("ws: write failed", "error", err)
					return
				}
			}
		}()

		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				break
			}
			if typ == websocket.MessageBinary {
				slog.Warn("ws: rejecting binary frame")
				continue
			}
			msg, err := jsonrpc.Parse(data)
			if err != nil {
				slog.Debug("ws: invalid frame, skipping", "error", err)
				continue
			}
			dispatch(ctx, proc, msg)
		}

		proc.Shutdown()
		<-writerDone
	}
}

func dispatch(ctx context.Context, proc *processor.Processor, msg jsonrpc.Message) {
	switch {
	case msg.Request != nil:
		proc.ProcessRequest(ctx, msg.Request)
	case msg.Response != nil:
		proc.ProcessResponse(msg.Response)
	case msg.Err != nil:
		proc.ProcessError(msg.Err)
	case msg.Notification != nil:
		proc.ProcessNotification(msg.Notification)
	}
}
