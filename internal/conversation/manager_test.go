package conversation

import (
	"context"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/ashureev/shsh-agent-server/internal/engine"
	"github.com/ashureev/shsh-agent-server/internal/ids"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return New(context.Background(), engine.NewFakeEngine())
}

func TestNewConversation_RegistersHub(t *testing.T) {
	m := newTestManager(t)

	convId, h, err := m.NewConversation(context.Background(), engine.Config{"model": "m1"})
	assert.NilError(t, err)
	assert.Assert(t, h != nil)
	assert.Equal(t, h.Model, "m1")

	// GetOrCreateHub must return the same hub, not a second one.
	got, err := m.GetOrCreateHub(context.Background(), convId, "", "")
	assert.NilError(t, err)
	assert.Assert(t, got == h)
}

func TestNewConversation_NilConfigIsInvalid(t *testing.T) {
	m := newTestManager(t)
	_, _, err := m.NewConversation(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

// Resuming a rollout that is already active returns the existing hub.
func TestResumeConversation_IsIdempotentPerRolloutPath(t *testing.T) {
	m := newTestManager(t)
	path := "/tmp/rollouts/abc.jsonl"

	id1, h1, err := m.ResumeConversation(context.Background(), engine.Config{}, path)
	assert.NilError(t, err)

	id2, h2, err := m.ResumeConversation(context.Background(), engine.Config{}, path)
	assert.NilError(t, err)
	assert.Equal(t, id1, id2)
	assert.Assert(t, h1 == h2)

	found, ok := m.FindConversationIdByRolloutPath(path)
	assert.Assert(t, ok)
	assert.Equal(t, found, id1)
}

func TestGetOrCreateHub_UnknownWithoutRolloutFails(t *testing.T) {
	m := newTestManager(t)
	_, err := m.GetOrCreateHub(context.Background(), ids.NewConversationId(), "", "")
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestGetOrCreateHub_ResumesFromRolloutPath(t *testing.T) {
	m := newTestManager(t)

	h, err := m.GetOrCreateHub(context.Background(), ids.NewConversationId(), "m2", "/tmp/rollouts/xyz.jsonl")
	assert.NilError(t, err)
	assert.Assert(t, h != nil)
	assert.Equal(t, h.RolloutPath, "/tmp/rollouts/xyz.jsonl")
}

func TestDrop_RemovesHubAndRolloutMapping(t *testing.T) {
	m := newTestManager(t)
	path := "/tmp/rollouts/drop-me.jsonl"

	convId, _, err := m.ResumeConversation(context.Background(), engine.Config{}, path)
	assert.NilError(t, err)

	assert.NilError(t, m.Drop(convId))

	_, err = m.GetOrCreateHub(context.Background(), convId, "", "")
	assert.ErrorIs(t, err, ErrConversationNotFound)
	_, ok := m.FindConversationIdByRolloutPath(path)
	assert.Assert(t, !ok)

	// Dropping twice is a no-op, not an error.
	assert.NilError(t, m.Drop(convId))
}

func TestListConversations(t *testing.T) {
	m := newTestManager(t)
	id1, _, err := m.NewConversation(context.Background(), engine.Config{})
	assert.NilError(t, err)
	id2, _, err := m.NewConversation(context.Background(), engine.Config{})
	assert.NilError(t, err)

	list := m.ListConversations()
	assert.Equal(t, len(list), 2)
	seen := map[ids.ConversationId]bool{}
	for _, id := range list {
		seen[id] = true
	}
	assert.Assert(t, seen[id1])
	assert.Assert(t, seen[id2])
}
