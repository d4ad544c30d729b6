package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/shsh-agent-server/internal/catalog"
	"github.com/ashureev/shsh-agent-server/internal/engine"
	"github.com/ashureev/shsh-agent-server/internal/gateway/history"
	"github.com/ashureev/shsh-agent-server/internal/ids"
)

var changeListenersMu sync.Mutex

// catalogChangeListeners is keyed by a unique subscriber handle so
// handleSessionChanges can deregister on disconnect without racing the
// debounced watcher goroutine that fans events out.
var catalogChangeListeners = map[chan struct{}]struct{}{}

func (gw *Gateway) fanOutCatalogChange() {
	changeListenersMu.Lock()
	defer changeListenersMu.Unlock()
	for ch := range catalogChangeListeners {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func registerChangeListener() chan struct{} {
	ch := make(chan struct{}, 1)
	changeListenersMu.Lock()
	catalogChangeListeners[ch] = struct{}{}
	changeListenersMu.Unlock()
	return ch
}

func unregisterChangeListener(ch chan struct{}) {
	changeListenersMu.Lock()
	delete(catalogChangeListeners, ch)
	changeListenersMu.Unlock()
}

// handleListSessions implements the control channel's "list" operation
// against the session catalog.
func (gw *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if gw.cfg.Catalog == nil {
		writeJSON(w, http.StatusOK, map[string]any{"sessions": []catalog.Entry{}})
		return
	}
	entries, err := gw.cfg.Catalog.List(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": entries})
}

type newSessionRequest struct {
	Config      map[string]any `json:"config"`
	RolloutPath string         `json:"rolloutPath"`
}

// handleNewSession implements "new"/"resume": direct mode talks straight
// to its own Manager; broker mode dials the broker and issues
// newConversation/resumeConversation over JSON-RPC.
func (gw *Gateway) handleNewSession(w http.ResponseWriter, r *http.Request) {
	var req newSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var convId ids.ConversationId
	var err error

	switch gw.cfg.Mode {
	case ModeDirect:
		if req.RolloutPath != "" {
			convId, _, err = gw.mgr.ResumeConversation(r.Context(), engine.Config(req.Config), req.RolloutPath)
		} else {
			convId, _, err = gw.mgr.NewConversation(r.Context(), engine.Config(req.Config))
		}
	case ModeBroker:
		convId, err = gw.brokerNewSession(r.Context(), req.Config, req.RolloutPath)
	}

	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if gw.cfg.Catalog != nil {
		_ = gw.cfg.Catalog.Upsert(r.Context(), convId, req.RolloutPath, "")
	}

	writeJSON(w, http.StatusOK, map[string]any{"conversationId": string(convId)})
}

func (gw *Gateway) handleRenameSession(w http.ResponseWriter, r *http.Request) {
	sessionId := ids.ConversationId(chi.URLParam(r, "sessionId"))
	var body struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if gw.cfg.Catalog == nil {
		writeJSONError(w, http.StatusNotImplemented, "no session catalog configured")
		return
	}
	if err := gw.cfg.Catalog.Rename(r.Context(), sessionId, body.Title); err != nil {
		if err == catalog.ErrNotFound {
			writeJSONError(w, http.StatusNotFound, "session not found")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (gw *Gateway) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionId := ids.ConversationId(chi.URLParam(r, "sessionId"))
	if gw.cfg.Catalog == nil {
		writeJSONError(w, http.StatusNotImplemented, "no session catalog configured")
		return
	}
	if err := gw.cfg.Catalog.Delete(r.Context(), sessionId); err != nil {
		if err == catalog.ErrNotFound {
			writeJSONError(w, http.StatusNotFound, "session not found")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if gw.cfg.Mode == ModeDirect {
		_ = gw.mgr.Drop(sessionId)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSessionChanges streams catalog-change notifications as
// server-sent events, debounced by the Gateway's Watcher.
func (gw *Gateway) handleSessionChanges(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := registerChangeListener()
	defer unregisterChangeListener(ch)

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ch:
			_, _ = w.Write([]byte("event: sessions_changed\ndata: {}\n\n"))
			flusher.Flush()
		}
	}
}

// handleHistory implements the four history query modes bounded by both
// line count and byte ceiling.
func (gw *Gateway) handleHistory(w http.ResponseWriter, r *http.Request) {
	sessionId := ids.ConversationId(chi.URLParam(r, "sessionId"))

	rolloutPath, err := gw.resolveRolloutPath(r.Context(), sessionId)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "session not found")
		return
	}

	q := history.Query{
		Mode:     history.Mode(defaultString(r.URL.Query().Get("mode"), string(history.ModeTail))),
		Cursor:   atoiOr(r.URL.Query().Get("cursor"), 0),
		MaxLines: atoiOr(r.URL.Query().Get("maxLines"), 200),
		MaxBytes: atoiOr(r.URL.Query().Get("maxBytes"), 1<<20),
	}

	page, err := gw.history.Query(r.Context(), rolloutPath, q)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (gw *Gateway) resolveRolloutPath(ctx context.Context, sessionId ids.ConversationId) (string, error) {
	if gw.cfg.Catalog == nil {
		return "", catalog.ErrNotFound
	}
	entries, err := gw.cfg.Catalog.List(ctx)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if e.ID == sessionId {
			return e.RolloutPath, nil
		}
	}
	return "", catalog.ErrNotFound
}

func defaultString(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func atoiOr(v string, fallback int) int {
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
