package gateway

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/ashureev/shsh-agent-server/internal/ids"
)

// handleConversationWS upgrades to a WebSocket and forwards one
// conversation's traffic for the lifetime of the connection; each
// connection corresponds to the one ConversationId passed in the URL.
// Text frames carry the same JSON-RPC envelope internal clients use
// (internal/jsonrpc); this keeps one wire format across the core and the
// Gateway rather than inventing a second browser-only schema.
func (gw *Gateway) handleConversationWS(w http.ResponseWriter, r *http.Request) {
	convId := ids.ConversationId(chi.URLParam(r, "sessionId"))

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("gateway: failed to accept websocket", "error", err)
		return
	}
	defer func() {
		_ = conn.Close(websocket.StatusNormalClosure, "session ended")
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	switch gw.cfg.Mode {
	case ModeDirect:
		gw.runDirectConversation(ctx, conn, convId)
	case ModeBroker:
		gw.runBrokerConversation(ctx, conn, convId)
	}
}

// wsReadLoop and wsWriteLoop are shared by direct and broker mode: they
// adapt a *websocket.Conn's text frames to line-oriented byte slices.
func wsWriteLoop(ctx context.Context, conn *websocket.Conn, out <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case b, ok := <-out:
			if !ok {
				return
			}
			if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
				slog.Debug("gateway: websocket write failed", "error", err)
				return
			}
		}
	}
}

func wsReadLoop(ctx context.Context, conn *websocket.Conn, in chan<- []byte) {
	defer close(in)
	for {
		typ, b, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ == websocket.MessageBinary {
			slog.Warn("gateway: rejecting binary websocket frame")
			continue
		}
		select {
		case in <- b:
		case <-ctx.Done():
			return
		}
	}
}
