// Package conversation implements the conversation manager: it creates,
// resumes, and looks up conversations and hands out their hubs.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ashureev/shsh-agent-server/internal/engine"
	"github.com/ashureev/shsh-agent-server/internal/hub"
	"github.com/ashureev/shsh-agent-server/internal/ids"
)

// ErrInvalidConfig is returned by NewConversation when the config is nil.
// The config's contents are not validated here.
var ErrInvalidConfig = errors.New("conversation: invalid config")

// ErrConversationNotFound is returned by GetOrCreateHub when no hub exists
// for the given id and no rollout path was provided to create one.
var ErrConversationNotFound = errors.New("conversation: not found")

// Manager owns the ConversationId -> Hub map; exactly one hub exists per
// ConversationId at any time within a given Manager.
type Manager struct {
	eng context.Context // background context hubs' pumps run under
	e   engine.Engine

	mu            sync.RWMutex
	hubs          map[ids.ConversationId]*hub.Hub
	byRolloutPath map[string]ids.ConversationId
}

// New constructs a Manager. pumpCtx bounds the lifetime of every hub's
// background event pump; callers typically pass a context cancelled at
// process shutdown.
func New(pumpCtx context.Context, e engine.Engine) *Manager {
	return &Manager{
		eng:           pumpCtx,
		e:             e,
		hubs:          make(map[ids.ConversationId]*hub.Hub),
		byRolloutPath: make(map[string]ids.ConversationId),
	}
}

// NewConversation derives engine configuration, creates a fresh
// conversation, registers its hub, and returns it.
func (m *Manager) NewConversation(ctx context.Context, cfg engine.Config) (ids.ConversationId, *hub.Hub, error) {
	if cfg == nil {
		return "", nil, fmt.Errorf("%w: nil config", ErrInvalidConfig)
	}

	convId, conv, err := m.e.NewConversation(ctx, cfg)
	if err != nil {
		return "", nil, fmt.Errorf("conversation: engine create failed: %w", err)
	}

	model, _ := cfg["model"].(string)
	h := hub.New(m.eng, convId, model, "", conv)

	m.mu.Lock()
	m.hubs[convId] = h
	m.mu.Unlock()

	return convId, h, nil
}

// ResumeConversation returns the existing hub if rolloutPath is already
// active, otherwise boots the engine with the rollout as an initial
// transcript and registers the resulting hub.
func (m *Manager) ResumeConversation(ctx context.Context, cfg engine.Config, rolloutPath string) (ids.ConversationId, *hub.Hub, error) {
	m.mu.RLock()
	if existingId, ok := m.byRolloutPath[rolloutPath]; ok {
		if h, ok := m.hubs[existingId]; ok {
			m.mu.RUnlock()
			return existingId, h, nil
		}
	}
	m.mu.RUnlock()

	convId, conv, err := m.e.ResumeConversation(ctx, cfg, rolloutPath)
	if err != nil {
		return "", nil, fmt.Errorf("conversation: engine resume failed: %w", err)
	}

	model, _ := cfg["model"].(string)
	h := hub.New(m.eng, convId, model, rolloutPath, conv)

	m.mu.Lock()
	m.hubs[convId] = h
	m.byRolloutPath[rolloutPath] = convId
	m.mu.Unlock()

	return convId, h, nil
}

// GetOrCreateHub is an idempotent lookup. If no hub exists for convId and a
// rolloutPath is supplied, it resumes the conversation from that rollout;
// otherwise it fails with ErrConversationNotFound.
func (m *Manager) GetOrCreateHub(ctx context.Context, convId ids.ConversationId, modelHint string, rolloutPath string) (*hub.Hub, error) {
	m.mu.RLock()
	h, ok := m.hubs[convId]
	m.mu.RUnlock()
	if ok {
		return h, nil
	}

	if rolloutPath == "" {
		return nil, ErrConversationNotFound
	}

	cfg := engine.Config{}
	if modelHint != "" {
		cfg["model"] = modelHint
	}
	_, h, err := m.ResumeConversation(ctx, cfg, rolloutPath)
	return h, err
}

// FindConversationIdByRolloutPath looks up a conversation by its rollout
// path, returning ("", false) if none is active.
func (m *Manager) FindConversationIdByRolloutPath(path string) (ids.ConversationId, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byRolloutPath[path]
	return id, ok
}

// ListConversations returns every currently registered conversation id.
func (m *Manager) ListConversations() []ids.ConversationId {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ids.ConversationId, 0, len(m.hubs))
	for id := range m.hubs {
		out = append(out, id)
	}
	return out
}

// Drop removes a hub from the manager and closes its underlying
// conversation. The Gateway calls it when a session is deleted in direct
// mode; departing listeners do not trigger it.
func (m *Manager) Drop(convId ids.ConversationId) error {
	m.mu.Lock()
	h, ok := m.hubs[convId]
	if ok {
		delete(m.hubs, convId)
		if h.RolloutPath != "" {
			delete(m.byRolloutPath, h.RolloutPath)
		}
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}
	return h.Close()
}
