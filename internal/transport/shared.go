// Package transport hosts the line-delimited JSON-RPC connection pump
// shared by the stdio and Unix-socket broker adapters, plus the
// SharedSessionState every adapter is built from, so that a single
// conversation can be reached simultaneously from any transport.
package transport

import (
	"bufio"
	"context"
	"io"
	"log/slog"

	"github.com/ashureev/shsh-agent-server/internal/conversation"
	"github.com/ashureev/shsh-agent-server/internal/jsonrpc"
	"github.com/ashureev/shsh-agent-server/internal/outgoing"
	"github.com/ashureev/shsh-agent-server/internal/processor"
)

// SharedSessionState bundles the conversation manager and config RPC
// built once per process and cloned (by reference) into every accepted
// connection's Processor.
type SharedSessionState struct {
	Manager *conversation.Manager
	Config  processor.ConfigRPC
	Diff    processor.DiffProvider
	Search  processor.FileSearcher
	Auth    processor.AuthStatusProvider
}

// NewProcessor builds one Processor per accepted connection from the
// shared state, backed by a freshly constructed Sender.
func (s *SharedSessionState) NewProcessor() (*processor.Processor, *outgoing.Sender) {
	sender := outgoing.New()
	return processor.New(s.Manager, sender, s.Config, s.Diff, s.Search, s.Auth), sender
}

// RunConnection drives one line-delimited JSON-RPC connection end to end:
// it starts the writer goroutine draining the sender, then reads one
// frame per line from r until EOF or a read error, dispatching each to
// proc. It is reused by both the stdio and Unix-socket broker adapters.
// A malformed line is logged and skipped, never a torn-down connection.
func RunConnection(ctx context.Context, r io.Reader, w io.Writer, proc *processor.Processor, sender *outgoing.Sender) error {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		bw := bufio.NewWriter(w)
		for {
			msg, ok := sender.Next()
			if !ok {
				return
			}
			b, err := jsonrpc.Encode(msg.Message)
			if err != nil {
				slog.Error("transport: failed to encode outgoing message", "error", err)
				continue
			}
			if _, err := bw.Write(b); err != nil {
				slog.Error("transport: failed to write outgoing message", "error", err)
				return
			}
			if _, err := bw.WriteString("\n"); err != nil {
				slog.Error("transport: failed to write newline", "error", err)
				return
			}
			if err := bw.Flush(); err != nil {
				slog.Error("transport: failed to flush outgoing message", "error", err)
				return
			}
		}
	}()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var readErr error
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := jsonrpc.Parse(line)
		if err != nil {
			slog.Debug("transport: invalid frame, skipping", "error", err)
			continue
		}
		dispatch(ctx, proc, msg)
	}
	readErr = scanner.Err()

	proc.Shutdown()
	<-writerDone
	return readErr
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
