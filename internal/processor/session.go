package processor

import (
	"context"
	"sync"

	"github.com/ashureev/shsh-agent-server/internal/ids"
)

// ClientCapabilities carries the negotiated capability bits from
// Initialize. ExperimentalAPI gates the capability-restricted methods.
type ClientCapabilities struct {
	ExperimentalAPI bool
}

// listenerEntry is a per-connection record of an active conversation
// listener: the cancellation handle stops its forwarding goroutine.
type listenerEntry struct {
	cancel context.CancelFunc
}

// Session is the per-connection state: whether Initialize has run,
// negotiated capabilities, the client's originator string, and every
// active SubscriptionId's cancellation handle.
type Session struct {
	mu sync.Mutex

	Initialized bool
	Originator  string
	Caps        ClientCapabilities

	listeners map[ids.SubscriptionId]listenerEntry
}

// NewSession constructs an empty, uninitialized per-connection session.
func NewSession() *Session {
	return &Session{listeners: make(map[ids.SubscriptionId]listenerEntry)}
}

// MarkInitialized records a successful Initialize, returning false if the
// connection was already initialized.
func (s *Session) MarkInitialized(originator string, caps ClientCapabilities) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Initialized {
		return false
	}
	s.Initialized = true
	s.Originator = originator
	s.Caps = caps
	return true
}

// IsInitialized reports whether Initialize has already succeeded.
func (s *Session) IsInitialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Initialized
}

// AddListener registers a subscription's cancellation handle.
func (s *Session) AddListener(id ids.SubscriptionId, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners[id] = listenerEntry{cancel: cancel}
}

// RemoveListener cancels and forgets a subscription. It reports false if
// the SubscriptionId is unknown so the caller can reply InvalidRequest.
func (s *Session) RemoveListener(id ids.SubscriptionId) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.listeners[id]
	if !ok {
		return false
	}
	delete(s.listeners, id)
	entry.cancel()
	return true
}

// CancelAllListeners stops every active forwarding goroutine for this
// connection, called on connection drop.
func (s *Session) CancelAllListeners() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range s.listeners {
		entry.cancel()
	}
	s.listeners = make(map[ids.SubscriptionId]listenerEntry)
}
