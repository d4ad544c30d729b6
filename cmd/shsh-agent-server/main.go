// Command shsh-agent-server is the headless agent-orchestration core: it
// serves JSON-RPC clients over stdio, a Unix-socket broker, or a
// WebSocket listener, selected by --listen.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashureev/shsh-agent-server/internal/configrpc"
	"github.com/ashureev/shsh-agent-server/internal/conversation"
	"github.com/ashureev/shsh-agent-server/internal/engine"
	"github.com/ashureev/shsh-agent-server/internal/engine/grpcengine"
	"github.com/ashureev/shsh-agent-server/internal/providers"
	"github.com/ashureev/shsh-agent-server/internal/transport"
	"github.com/ashureev/shsh-agent-server/internal/transport/broker"
	"github.com/ashureev/shsh-agent-server/internal/transport/stdio"
	transportws "github.com/ashureev/shsh-agent-server/internal/transport/ws"
)

// version is the value written into the broker's stamp file.
const version = "0.1.0"

// configOverrides collects repeated -c key=value flags; parsing into the
// config plane's override table happens after flag.Parse via
// configrpc.ParseCLIOverrides.
type configOverrides []string

func (o *configOverrides) String() string { return strings.Join(*o, ",") }

func (o *configOverrides) Set(kv string) error {
	if !strings.Contains(kv, "=") {
		return fmt.Errorf("invalid -c override %q, expected key=value", kv)
	}
	*o = append(*o, kv)
	return nil
}

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	listen := flag.String("listen", "stdio://", "transport to listen on: stdio://, unix:///path/to.sock, or ws://host:port")
	codeHome := flag.String("code-home", defaultCodeHome(), "directory holding layered config, the broker socket, and its stamp file")
	engineAddr := flag.String("engine-addr", "", "gRPC address of the conversation engine; empty uses an in-memory fake engine")
	var overrides configOverrides
	flag.Var(&overrides, "c", "repeatable key=value config override; the value parses as a TOML scalar or inline table")
	flag.Parse()

	cliOverrides, err := configrpc.ParseCLIOverrides(overrides)
	if err != nil {
		slog.Error("invalid -c config override", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, closeEngine := buildEngine(ctx, *engineAddr)
	defer closeEngine()

	configRPC := configrpc.New(*codeHome)
	configRPC.CLIOverrides = cliOverrides
	if len(cliOverrides) > 0 {
		slog.Info("applying cli config overrides", "count", len(overrides))
	}

	mgr := conversation.New(ctx, eng)
	shared := &transport.SharedSessionState{
		Manager: mgr,
		Config:  configRPC,
		Diff:    providers.NewGitDiffProvider(""),
		Search:  providers.NewWalkFuzzySearcher("."),
		Auth:    providers.StaticAuthStatus{},
	}

	if err := runTransport(ctx, *listen, *codeHome, shared); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("shsh-agent-server: exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("shsh-agent-server: stopped")
}

func defaultCodeHome() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".shsh")
	}
	return ".shsh"
}

func buildEngine(ctx context.Context, addr string) (engine.Engine, func()) {
	if addr == "" {
		slog.Info("no --engine-addr given, using in-memory fake engine")
		return engine.NewFakeEngine(), func() {}
	}

	cfg := grpcengine.DefaultConfig()
	cfg.Addr = addr
	client, err := grpcengine.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to connect to engine, falling back to fake engine", "addr", addr, "error", err)
		return engine.NewFakeEngine(), func() {}
	}
	return client, func() { _ = client.Close() }
}

func runTransport(ctx context.Context, listen, codeHome string, shared *transport.SharedSessionState) error {
	switch {
	case listen == "" || listen == "stdio://":
		return stdio.Run(ctx, shared)

	case strings.HasPrefix(listen, "unix://"):
		socketPath := strings.TrimPrefix(listen, "unix://")
		stampPath := filepath.Join(codeHome, "app-server.stamp.json")
		b := broker.New(socketPath, stampPath, shared, version, false)
		return b.Serve(ctx)

	case strings.HasPrefix(listen, "ws://"):
		addr := strings.TrimPrefix(listen, "ws://")
		mux := http.NewServeMux()
		mux.Handle("/", transportws.Handler(shared))
		srv := &http.Server{Addr: addr, Handler: mux}

		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		slog.Info("shsh-agent-server: listening", "addr", addr, "transport", "ws")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil

	default:
		return fmt.Errorf("unsupported --listen scheme: %q", listen)
	}
}
