// Package gateway implements the optional gateway forwarder: an
// HTTP/WebSocket front end for browser clients, fronting either a
// Manager this process owns directly ("direct mode") or the Unix-socket
// broker over a dialed connection ("broker mode"). The HTTP surface is a
// chi router (RequestID, RealIP, Logger, Recoverer, Heartbeat, CORS,
// identity, per-identity rate limiting) wrapped in otelhttp.NewHandler.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ashureev/shsh-agent-server/internal/catalog"
	"github.com/ashureev/shsh-agent-server/internal/conversation"
	"github.com/ashureev/shsh-agent-server/internal/engine"
	"github.com/ashureev/shsh-agent-server/internal/gateway/history"
	"github.com/ashureev/shsh-agent-server/internal/identity"
	"github.com/ashureev/shsh-agent-server/internal/ids"
	"github.com/ashureev/shsh-agent-server/internal/middleware"
)

// Mode selects how the Gateway reaches conversations.
type Mode string

const (
	// ModeDirect instantiates its own Conversation Manager and serves
	// WebSocket clients from that.
	ModeDirect Mode = "direct"
	// ModeBroker dials the Unix-socket broker and acts as a client
	// itself, translating between the browser schema and the internal
	// JSON-RPC schema.
	ModeBroker Mode = "broker"
)

// Config bundles everything a Gateway needs, some fields only meaningful
// for one Mode.
type Config struct {
	Mode Mode

	// Direct mode.
	Engine engine.Engine

	// Broker mode.
	BrokerSocketPath string

	Catalog         *catalog.Catalog
	SessionsDir     string
	HistoryDebounce time.Duration
	AllowedOrigin   string
	IsDev           bool
}

// Gateway owns the HTTP router; callers embed it in an *http.Server.
type Gateway struct {
	cfg     Config
	mgr     *conversation.Manager
	history *history.Indexer
	watcher *catalog.Watcher
	limiter *middleware.RateLimiter
}

// New constructs a Gateway. In direct mode it builds its own Conversation
// Manager over cfg.Engine; in broker mode cfg.Engine is unused and every
// conversation operation dials cfg.BrokerSocketPath instead.
func New(ctx context.Context, cfg Config) *Gateway {
	gw := &Gateway{
		cfg:     cfg,
		history: history.NewIndexer(),
		limiter: middleware.NewRateLimiter(30, time.Minute),
	}

	if cfg.Mode == ModeDirect {
		gw.mgr = conversation.New(ctx, cfg.Engine)
	}

	if cfg.SessionsDir != "" {
		gw.watcher = catalog.NewWatcher(cfg.SessionsDir, cfg.HistoryDebounce, gw.onCatalogChanged)
		go gw.watcher.Run(ctx)
	}

	return gw
}

func (gw *Gateway) onCatalogChanged() {
	gw.reconcileRolloutFiles()
	gw.fanOutCatalogChange()
}

// reconcileRolloutFiles registers any on-disk rollout file under
// cfg.SessionsDir that the catalog doesn't yet track, keyed by its
// filename (minus extension) as a stable ConversationId. This keeps the
// catalog in sync with sessions a different process or transport created
// without going through this Gateway's control channel.
func (gw *Gateway) reconcileRolloutFiles() {
	if gw.cfg.Catalog == nil || gw.cfg.SessionsDir == "" {
		return
	}

	files, err := catalog.RolloutFiles(gw.cfg.SessionsDir)
	if err != nil {
		slog.Debug("gateway: failed to list rollout files", "dir", gw.cfg.SessionsDir, "error", err)
		return
	}

	ctx := context.Background()
	known := map[string]bool{}
	if entries, err := gw.cfg.Catalog.List(ctx); err == nil {
		for _, e := range entries {
			known[e.RolloutPath] = true
		}
	}

	for _, path := range files {
		if known[path] {
			continue
		}
		id := ids.ConversationId(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
		if err := gw.cfg.Catalog.Upsert(ctx, id, path, ""); err != nil {
			slog.Warn("gateway: failed to upsert reconciled rollout", "path", path, "error", err)
		}
	}
}

// Router builds the chi router: the shared middleware chain plus the
// Gateway's own routes.
func (gw *Gateway) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{gw.allowedOriginOrWildcard()}))
	r.Use(identity.Middleware(gw.cfg.IsDev))

	// Mutating control-channel routes are throttled per anonymous
	// identity; read paths (list, changes, history) are not.
	throttle := middleware.RateLimit(gw.limiter, func(req *http.Request) string {
		return identity.UserIDFromContext(req.Context())
	})

	r.Route("/api/sessions", func(r chi.Router) {
		r.Get("/", gw.handleListSessions)
		r.With(throttle).Post("/", gw.handleNewSession)
		r.Get("/changes", gw.handleSessionChanges)
		r.Route("/{sessionId}", func(r chi.Router) {
			r.With(throttle).Post("/rename", gw.handleRenameSession)
			r.With(throttle).Delete("/", gw.handleDeleteSession)
			r.Get("/history", gw.handleHistory)
		})
	})

	r.Get("/ws/conversation/{sessionId}", gw.handleConversationWS)

	return otelhttp.NewHandler(r, "gateway")
}

func (gw *Gateway) allowedOriginOrWildcard() string {
	if gw.cfg.AllowedOrigin == "" {
		return "*"
	}
	return gw.cfg.AllowedOrigin
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
