package broker

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/ashureev/shsh-agent-server/internal/conversation"
	"github.com/ashureev/shsh-agent-server/internal/engine"
	"github.com/ashureev/shsh-agent-server/internal/jsonrpc"
	"github.com/ashureev/shsh-agent-server/internal/transport"
)

func newTestShared(t *testing.T) *transport.SharedSessionState {
	t.Helper()
	return &transport.SharedSessionState{
		Manager: conversation.New(context.Background(), engine.NewFakeEngine()),
	}
}

// startBroker runs b.Serve in the background and blocks until the socket
// file is bound and accepting.
func startBroker(t *testing.T, b *Broker) (context.CancelFunc, chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Serve(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.Dial("unix", b.socketPath)
		if err == nil {
			_ = conn.Close()
			return cancel, done
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	t.Fatalf("broker did not start listening on %s", b.socketPath)
	return cancel, done
}

// A second broker pointed at a live socket path fails with AddressInUse
// while the first keeps serving.
func TestBrokerCollision(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "core.sock")
	stamp := filepath.Join(dir, "core.stamp.json")

	first := New(sock, stamp, newTestShared(t), "1.0", false)
	cancel, done := startBroker(t, first)
	defer func() {
		cancel()
		<-done
	}()

	second := New(sock, filepath.Join(dir, "other.stamp.json"), newTestShared(t), "1.0", false)
	err := second.Serve(context.Background())
	assert.ErrorIs(t, err, ErrAddrInUse)

	// The first broker must still accept connections afterward.
	conn, err := net.Dial("unix", sock)
	assert.NilError(t, err)
	_ = conn.Close()
}

// TestBroker_StaleSocketIsReclaimed covers the other half of the
// collision dance: a socket file nobody answers is unlinked and rebound.
func TestBroker_StaleSocketIsReclaimed(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "core.sock")

	// Bind and immediately close a listener so the file exists but no
	// broker answers it.
	l, err := net.Listen("unix", sock)
	assert.NilError(t, err)
	l.(*net.UnixListener).SetUnlinkOnClose(false)
	assert.NilError(t, l.Close())
	_, statErr := os.Stat(sock)
	assert.NilError(t, statErr)

	b := New(sock, filepath.Join(dir, "core.stamp.json"), newTestShared(t), "1.0", false)
	cancel, done := startBroker(t, b)
	cancel()
	<-done
}

// TestBroker_StampFile checks the discovery stamp written next to the
// socket: pid, version, resume_override.
func TestBroker_StampFile(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "core.sock")
	stampPath := filepath.Join(dir, "core.stamp.json")

	b := New(sock, stampPath, newTestShared(t), "2.3.4", true)
	cancel, done := startBroker(t, b)
	defer func() {
		cancel()
		<-done
	}()

	data, err := os.ReadFile(stampPath)
	assert.NilError(t, err)
	var stamp Stamp
	assert.NilError(t, json.Unmarshal(data, &stamp))
	assert.Equal(t, stamp.Pid, os.Getpid())
	assert.Equal(t, stamp.Version, "2.3.4")
	assert.Equal(t, stamp.ResumeOverride, true)
}

// TestBroker_InitializeRoundTrip drives one real connection through the
// socket: the initialization gate must hold over the wire exactly as it
// does at the processor level.
func TestBroker_InitializeRoundTrip(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "core.sock")

	b := New(sock, filepath.Join(dir, "core.stamp.json"), newTestShared(t), "1.0", false)
	cancel, done := startBroker(t, b)
	defer func() {
		cancel()
		<-done
	}()

	conn, err := net.Dial("unix", sock)
	assert.NilError(t, err)
	defer conn.Close()
	assert.NilError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	// Pre-initialize request must be rejected with "Not initialized".
	_, err = conn.Write([]byte(`{"jsonrpc":"2.0","id":1,"method":"newConversation","params":{}}` + "\n"))
	assert.NilError(t, err)

	scanner := bufio.NewScanner(conn)
	assert.Assert(t, scanner.Scan(), "no reply: %v", scanner.Err())
	msg, err := jsonrpc.Parse(scanner.Bytes())
	assert.NilError(t, err)
	assert.Assert(t, msg.Err != nil)
	assert.Equal(t, msg.Err.Error.Message, "Not initialized")

	_, err = conn.Write([]byte(`{"jsonrpc":"2.0","id":2,"method":"initialize","params":{"clientInfo":{"name":"test","version":"0"}}}` + "\n"))
	assert.NilError(t, err)
	assert.Assert(t, scanner.Scan(), "no reply: %v", scanner.Err())
	msg, err = jsonrpc.Parse(scanner.Bytes())
	assert.NilError(t, err)
	assert.Assert(t, msg.Response != nil)

	var result struct {
		UserAgent string `json:"userAgent"`
	}
	assert.NilError(t, json.Unmarshal(msg.Response.Result, &result))
	assert.Assert(t, result.UserAgent != "")
}
