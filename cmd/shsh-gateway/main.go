// Command shsh-gateway runs the optional gateway forwarder: an
// HTTP/WebSocket front end for browser clients, in either direct mode
// (its own Conversation Manager) or broker mode (a client of a running
// shsh-agent-server's Unix-socket broker).
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/ashureev/shsh-agent-server/internal/catalog"
	"github.com/ashureev/shsh-agent-server/internal/engine"
	"github.com/ashureev/shsh-agent-server/internal/gateway"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	addr := flag.String("addr", ":8088", "HTTP listen address")
	mode := flag.String("mode", "direct", "direct (own Conversation Manager) or broker (dials --broker-socket)")
	brokerSocket := flag.String("broker-socket", "", "Unix-socket path of a running shsh-agent-server broker")
	sessionsDir := flag.String("sessions-dir", defaultSessionsDir(), "directory holding rollout files, polled for catalog changes")
	catalogPath := flag.String("catalog-db", filepath.Join(defaultSessionsDir(), "catalog.db"), "sqlite path for the session catalog")
	allowedOrigin := flag.String("allowed-origin", "*", "CORS origin allowed to reach this Gateway")
	isDev := flag.Bool("dev", false, "development mode (relaxes cookie Secure flag)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cat, err := catalog.Open(*catalogPath)
	if err != nil {
		slog.Error("shsh-gateway: failed to open session catalog", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := cat.Close(); closeErr != nil {
			slog.Error("shsh-gateway: failed to close session catalog", "error", closeErr)
		}
	}()

	cfg := gateway.Config{
		Mode:            gateway.Mode(*mode),
		Catalog:         cat,
		SessionsDir:     *sessionsDir,
		HistoryDebounce: catalog.MinDebounce,
		AllowedOrigin:   *allowedOrigin,
		IsDev:           *isDev,
	}

	if cfg.Mode == gateway.ModeDirect {
		cfg.Engine = engine.NewFakeEngine()
		slog.Info("shsh-gateway: running in direct mode with an in-memory fake engine")
	} else {
		cfg.BrokerSocketPath = *brokerSocket
		if cfg.BrokerSocketPath == "" {
			slog.Error("shsh-gateway: --mode=broker requires --broker-socket")
			os.Exit(1)
		}
	}

	gw := gateway.New(ctx, cfg)

	srv := &http.Server{
		Addr:         *addr,
		Handler:      gw.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("shsh-gateway: listening", "addr", *addr, "mode", cfg.Mode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("shsh-gateway: server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()
	slog.Info("shsh-gateway: shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shsh-gateway: forced shutdown", "error", err)
		os.Exit(1)
	}
	slog.Info("shsh-gateway: stopped")
}

func defaultSessionsDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".shsh", "sessions")
	}
	return "./sessions"
}
