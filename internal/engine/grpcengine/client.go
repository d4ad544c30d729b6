// Package grpcengine adapts a remote, out-of-process conversation engine
// to the internal/engine.Engine interface over gRPC: keepalive parameters
// tuned for a long-lived sidecar, a fail-fast connectivity probe at
// construction time, and streaming responses surfaced as an iter.Seq2.
//
// The wire messages are google.protobuf.Struct so that this adapter needs no
// project-specific generated stubs: requests and events are opaque maps
// as far as this server is concerned, and structpb.Struct already satisfies
// proto.Message for both unary and streaming RPCs.
package grpcengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ashureev/shsh-agent-server/internal/engine"
	"github.com/ashureev/shsh-agent-server/internal/ids"
)

const (
	methodNewConversation    = "/shsh.engine.v1.Engine/NewConversation"
	methodResumeConversation = "/shsh.engine.v1.Engine/ResumeConversation"
	methodSubmit             = "/shsh.engine.v1.Engine/Submit"
	methodEvents             = "/shsh.engine.v1.Engine/Events"

	connectTimeout = 10 * time.Second
)

// Config is the dial configuration: address and keepalive tuning.
// DefaultConfig takes the address from the environment and uses fixed
// keepalive defaults for a local sidecar.
type Config struct {
	Addr                string
	KeepaliveTime       time.Duration
	KeepaliveTimeout    time.Duration
	PermitWithoutStream bool
}

// DefaultConfig reads ENGINE_GRPC_ADDR from the environment, falling
// back to a local sidecar address.
func DefaultConfig() Config {
	return Config{
		Addr:                getEnv("ENGINE_GRPC_ADDR", "localhost:50061"),
		KeepaliveTime:       30 * time.Second,
		KeepaliveTimeout:    10 * time.Second,
		PermitWithoutStream: true,
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Client implements engine.Engine over a single gRPC connection.
type Client struct {
	conn *grpc.ClientConn
	addr string
}

// New dials addr, blocks until the connection is ready, ctx expires, or
// connectTimeout elapses, and returns a Client.
func New(ctx context.Context, cfg Config) (*Client, error) {
	conn, err := grpc.NewClient(cfg.Addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                cfg.KeepaliveTime,
			Timeout:             cfg.KeepaliveTimeout,
			PermitWithoutStream: cfg.PermitWithoutStream,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("grpcengine: dial %s: %w", cfg.Addr, err)
	}

	c := &Client{conn: conn, addr: cfg.Addr}
	if err := c.waitForReady(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

// waitForReady polls connectivity state and nudges the connection
// attempt so a dead sidecar is discovered at startup instead of on the
// first request.
func (c *Client) waitForReady(ctx context.Context) error {
	deadline, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	c.conn.Connect()
	for {
		state := c.conn.GetState()
		if state == connectivity.Ready {
			return nil
		}
		if state == connectivity.Shutdown {
			return fmt.Errorf("grpcengine: connection to %s shut down", c.addr)
		}
		if !c.conn.WaitForStateChange(deadline, state) {
			return fmt.Errorf("grpcengine: timed out connecting to %s", c.addr)
		}
	}
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func toStruct(m map[string]any) (*structpb.Struct, error) {
	if m == nil {
		m = map[string]any{}
	}
	return structpb.NewStruct(m)
}

// NewConversation implements engine.Engine.
func (c *Client) NewConversation(ctx context.Context, cfg engine.Config) (ids.ConversationId, engine.Conversation, error) {
	req, err := toStruct(cfg)
	if err != nil {
		return "", nil, fmt.Errorf("grpcengine: encode config: %w", err)
	}

	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, methodNewConversation, req, resp); err != nil {
		return "", nil, fmt.Errorf("grpcengine: NewConversation: %w", err)
	}

	convId := ids.ConversationId(resp.Fields["conversation_id"].GetStringValue())
	if convId == "" {
		convId = ids.NewConversationId()
	}
	return convId, newRemoteConversation(c.conn, convId), nil
}

// ResumeConversation implements engine.Engine.
func (c *Client) ResumeConversation(ctx context.Context, cfg engine.Config, rolloutPath string) (ids.ConversationId, engine.Conversation, error) {
	merged := map[string]any{}
	for k, v := range cfg {
		merged[k] = v
	}
	merged["rollout_path"] = rolloutPath

	req, err := toStruct(merged)
	if err != nil {
		return "", nil, fmt.Errorf("grpcengine: encode config: %w", err)
	}

	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, methodResumeConversation, req, resp); err != nil {
		return "", nil, fmt.Errorf("grpcengine: ResumeConversation: %w", err)
	}

	convId := ids.ConversationId(resp.Fields["conversation_id"].GetStringValue())
	if convId == "" {
		convId = ids.NewConversationId()
	}
	return convId, newRemoteConversation(c.conn, convId), nil
}

// remoteConversation streams events for one conversation over a
// server-streaming RPC and submits operations via unary calls.
type remoteConversation struct {
	conn   *grpc.ClientConn
	convId ids.ConversationId

	mu     sync.Mutex
	stream grpc.ClientStream
}

func newRemoteConversation(conn *grpc.ClientConn, convId ids.ConversationId) *remoteConversation {
	return &remoteConversation{conn: conn, convId: convId}
}

func (r *remoteConversation) Submit(ctx context.Context, op engine.Op) error {
	payload := map[string]any{
		"conversation_id": string(r.convId),
		"submission_id":   op.SubmissionId,
		"kind":            string(op.Kind),
		"call_id":         string(op.CallId),
		"decision":        string(op.Decision),
		"payload":         op.Payload,
	}
	req, err := toStruct(payload)
	if err != nil {
		return fmt.Errorf("grpcengine: encode op: %w", err)
	}
	resp := new(structpb.Struct)
	if err := r.conn.Invoke(ctx, methodSubmit, req, resp); err != nil {
		return fmt.Errorf("grpcengine: Submit: %w", err)
	}
	return nil
}

// Events returns the next event from the remote stream. The stream is
// opened lazily on first call and kept open across calls; EventStream
// below exposes the push-based range-over-func variant.
func (r *remoteConversation) Events(ctx context.Context) (engine.Event, bool, error) {
	r.mu.Lock()
	stream := r.stream
	if stream == nil {
		var err error
		stream, err = r.openStream(ctx)
		if err != nil {
			r.mu.Unlock()
			return engine.Event{}, false, err
		}
		r.stream = stream
	}
	r.mu.Unlock()

	msg := new(structpb.Struct)
	if err := stream.RecvMsg(msg); err != nil {
		if errors.Is(err, io.EOF) {
			return engine.Event{}, false, nil
		}
		return engine.Event{}, false, fmt.Errorf("grpcengine: recv event: %w", err)
	}
	return structToEvent(msg), true, nil
}

func (r *remoteConversation) openStream(ctx context.Context) (grpc.ClientStream, error) {
	req, _ := toStruct(map[string]any{"conversation_id": string(r.convId)})
	desc := &grpc.StreamDesc{ServerStreams: true}
	stream, err := r.conn.NewStream(ctx, desc, methodEvents)
	if err != nil {
		return nil, fmt.Errorf("grpcengine: open event stream: %w", err)
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, fmt.Errorf("grpcengine: send stream request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("grpcengine: close stream send: %w", err)
	}
	return stream, nil
}

// EventStream exposes the event stream as an iter.Seq2 for callers that
// prefer range-over-func.
func (r *remoteConversation) EventStream(ctx context.Context) iter.Seq2[engine.Event, error] {
	return func(yield func(engine.Event, error) bool) {
		stream, err := r.openStream(ctx)
		if err != nil {
			yield(engine.Event{}, err)
			return
		}
		for {
			msg := new(structpb.Struct)
			if err := stream.RecvMsg(msg); err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				yield(engine.Event{}, fmt.Errorf("grpcengine: recv event: %w", err))
				return
			}
			if !yield(structToEvent(msg), nil) {
				return
			}
		}
	}
}

func (r *remoteConversation) Close() error {
	slog.Debug("grpcengine: closing remote conversation", "conversation_id", r.convId)
	return nil
}

func structToEvent(s *structpb.Struct) engine.Event {
	fields := s.GetFields()
	ev := engine.Event{
		Kind:   engine.EventKind(fields["kind"].GetStringValue()),
		CallId: ids.CallId(fields["call_id"].GetStringValue()),
	}
	if payload, ok := fields["payload"]; ok {
		ev.Payload = payload.GetStructValue().AsMap()
	}
	return ev
}
