// Package broker implements the Unix-socket broker adapter: it binds a
// Unix domain socket, writes a stamp file describing this process, and
// spawns one connection pump per accepted client.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/ashureev/shsh-agent-server/internal/transport"
)

// Stamp is the small JSON file written alongside the socket so other
// processes (and operators) can discover this broker's pid/version
// without connecting.
type Stamp struct {
	Pid            int    `json:"pid"`
	Version        string `json:"version"`
	ResumeOverride bool   `json:"resume_override"`
}

// Broker owns the listening socket for the lifetime of Serve.
type Broker struct {
	socketPath     string
	stampPath      string
	shared         *transport.SharedSessionState
	version        string
	resumeOverride bool
}

// New constructs a Broker bound to socketPath, with its stamp file written
// to stampPath (typically codeHome/"app-server.stamp.json").
func New(socketPath, stampPath string, shared *transport.SharedSessionState, version string, resumeOverride bool) *Broker {
	return &Broker{
		socketPath:     socketPath,
		stampPath:      stampPath,
		shared:         shared,
		version:        version,
		resumeOverride: resumeOverride,
	}
}

// prepareSocketPath implements the bind collision check: if a socket
// file already exists, dial it first. A live broker answers and this
// attempt fails with AddrInUse; a stale, unanswered socket file is
// removed and binding proceeds.
func prepareSocketPath(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("broker: create socket dir: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		conn, dialErr := net.Dial("unix", path)
		if dialErr == nil {
			_ = conn.Close()
			return fmt.Errorf("broker: already running at %s: %w", path, errAddrInUse)
		}
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return fmt.Errorf("broker: remove stale socket: %w", rmErr)
		}
	}
	return nil
}

var errAddrInUse = errors.New("address already in use")

// ErrAddrInUse is returned by Serve when another broker already owns the
// socket path.
var ErrAddrInUse = errAddrInUse

// Serve binds the socket, writes the stamp file, and accepts connections
// until ctx is cancelled or the listener fails.
func (b *Broker) Serve(ctx context.Context) error {
	if err := prepareSocketPath(b.socketPath); err != nil {
		return err
	}

	listener, err := net.Listen("unix", b.socketPath)
	if err != nil {
		return fmt.Errorf("broker: listen %s: %w", b.socketPath, err)
	}
	defer func() {
		_ = listener.Close()
		_ = os.Remove(b.socketPath)
	}()

	if err := os.Chmod(b.socketPath, 0o600); err != nil {
		slog.Warn("broker: failed to set socket permissions", "error", err)
	}

	if err := b.writeStamp(); err != nil {
		slog.Warn("broker: failed to write stamp file", "error", err)
	}
	defer func() {
		_ = os.Remove(b.stampPath)
	}()

	slog.Info("broker: listening", "socket_path", b.socketPath)

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				wg.Wait()
				return ctx.Err()
			}
			return fmt.Errorf("broker: accept: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.handleConnection(ctx, conn)
		}()
	}
}

func (b *Broker) writeStamp() error {
	stamp := Stamp{Pid: os.Getpid(), Version: b.version, ResumeOverride: b.resumeOverride}
	data, err := json.Marshal(stamp)
	if err != nil {
		return err
	}
	return os.WriteFile(b.stampPath, data, 0o600)
}

func (b *Broker) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	proc, sender := b.shared.NewProcessor()
	if err := transport.RunConnection(ctx, conn, conn, proc, sender); err != nil {
		slog.Debug("broker: connection ended", "error", err)
	}
}
