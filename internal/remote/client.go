// Package remote talks to the authoritative message store over the network.
// All convergence in the engine is mediated by this single authority: the
// queue processor writes through Send, the reconciler reads through GetSince,
// and open conversations watch live snapshots through Subscribe.
package remote

import (
	"context"

	"github.com/arktis/msync/internal/store"
)

// Client is the remote authority interface. Implementations must make Send
// idempotent on messageID: if a record with that id already exists remotely,
// the existing record comes back without creating a duplicate or re-applying
// derived side effects such as unread counters.
type Client interface {
	// Send creates the message remotely and returns the committed record.
	Send(ctx context.Context, messageID, conversationID, senderID, text string) (*store.Message, error)

	// GetSince returns remote messages with updated_at > cursor, newest
	// first. limit <= 0 selects the server default (100).
	GetSince(ctx context.Context, conversationID string, cursor int64, limit int) ([]*store.Message, error)

	// Subscribe watches a conversation for live changes. Every delivery is a
	// full snapshot of the most recent messages (bounded, at-least-once,
	// possibly redelivering unchanged records); consumers must reconcile the
	// set rather than treat it as a delta stream. When the stream dies for
	// any reason other than the cancel func, onClose fires exactly once so
	// the consumer can re-establish it. The returned cancel func stops
	// delivery without firing onClose.
	Subscribe(ctx context.Context, conversationID string, onSnapshot func([]*store.Message), onClose func(error)) (func(), error)
}
