// Package stdio implements the stdio transport adapter: one connection
// pump over the process's own stdin/stdout, ending when stdin reaches
// EOF.
package stdio

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/ashureev/shsh-agent-server/internal/transport"
)

// Run drives the stdio connection to completion: it blocks until stdin is
// closed (the client disconnects) or ctx is cancelled.
func Run(ctx context.Context, shared *transport.SharedSessionState) error {
	proc, sender := shared.NewProcessor()

	done := make(chan error, 1)
	go func() {
		done <- transport.RunConnection(ctx, os.Stdin, os.Stdout, proc, sender)
	}()

	select {
	case <-ctx.Done():
		// os.Stdin's blocking Read does not observe ctx, so the
		// scanner goroutine above can only unblock on EOF; on shutdown
		// we return immediately and leave the shutdown call to
		// RunConnection, which owns the sender's lifecycle.
		return ctx.Err()
	case err := <-done:
		if err != nil && err != io.EOF {
			slog.Warn("stdio: connection ended with error", "error", err)
		}
		return err
	}
}
