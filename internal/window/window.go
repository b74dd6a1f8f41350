// Package window maintains the bounded in-memory view of each open
// conversation. Windows are derived state: they are rebuilt from the durable
// cache on load and patched by live deltas, and they never perform network
// or storage I/O on the read path.
package window

import (
	"sync"

	"github.com/arktis/msync/internal/store"
)

// DefaultCapacity bounds a window when no capacity is configured.
const DefaultCapacity = 200

// Manager owns every open conversation window.
type Manager struct {
	db       *store.DB
	capacity int

	mu      sync.Mutex
	windows map[string][]store.Message // descending authored_at, ties in insertion order
}

// NewManager creates a window manager reading from the given cache.
func NewManager(db *store.DB, capacity int) *Manager {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Manager{
		db:       db,
		capacity: capacity,
		windows:  make(map[string][]store.Message),
	}
}

// Capacity returns the per-window message bound.
func (m *Manager) Capacity() int {
	return m.capacity
}

// Load populates the window from the durable cache. The read is local and
// non-blocking; an already loaded window is rebuilt.
func (m *Manager) Load(conversationID string) error {
	msgs, err := m.db.RecentMessages(conversationID, m.capacity)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.windows[conversationID] = msgs
	m.mu.Unlock()
	return nil
}

// Loaded reports whether a window is open for the conversation.
func (m *Manager) Loaded(conversationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.windows[conversationID]
	return ok
}

// Conversations returns the ids of every open window.
func (m *Manager) Conversations() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.windows))
	for id := range m.windows {
		out = append(out, id)
	}
	return out
}

// ApplyDelta merges incoming messages into an open window: an id already
// present is replaced in place (read state or status changed), a new id is
// inserted at its descending authored_at position, and the window is then
// truncated to capacity discarding the oldest. Deltas for conversations
// without an open window are dropped — the cache already holds the data and
// the next Load re-derives the view.
func (m *Manager) ApplyDelta(conversationID string, incoming []*store.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msgs, ok := m.windows[conversationID]
	if !ok {
		return
	}

	for _, in := range incoming {
		msgs = upsertOrdered(msgs, *in)
	}
	if len(msgs) > m.capacity {
		msgs = msgs[:m.capacity]
	}
	m.windows[conversationID] = msgs
}

// Messages returns a snapshot of the window, newest first. Nil when the
// conversation is not loaded.
func (m *Manager) Messages(conversationID string) []store.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs, ok := m.windows[conversationID]
	if !ok {
		return nil
	}
	out := make([]store.Message, len(msgs))
	copy(out, msgs)
	return out
}

// Unload discards the window. The durable cache is unaffected, and queued
// sends for the conversation keep going.
func (m *Manager) Unload(conversationID string) {
	m.mu.Lock()
	delete(m.windows, conversationID)
	m.mu.Unlock()
}

// upsertOrdered replaces a message by id in place, or inserts it keeping
// the slice sorted by authored_at descending with ties keeping insertion
// order (a new message with an equal timestamp lands after existing ones).
func upsertOrdered(msgs []store.Message, in store.Message) []store.Message {
	for i := range msgs {
		if msgs[i].ID == in.ID {
			msgs[i] = in
			return msgs
		}
	}
	at := len(msgs)
	for i := range msgs {
		if msgs[i].AuthoredAt < in.AuthoredAt {
			at = i
			break
		}
	}
	msgs = append(msgs, store.Message{})
	copy(msgs[at+1:], msgs[at:])
	msgs[at] = in
	return msgs
}
