// Package sync pulls remote changes newer than each conversation's cursor
// into the local durable cache. It is safe to run concurrently with the
// queue processor and the live subscription handler: all three converge on
// the cache's upsert-by-id contract.
package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/arktis/msync/internal/bus"
	"github.com/arktis/msync/internal/remote"
	"github.com/arktis/msync/internal/store"
)

// Batch is the bus payload for sync.batch events: the messages merged into
// the cache for one conversation. Open windows apply it as a delta.
type Batch struct {
	ConversationID string
	Messages       []*store.Message
}

// Completed is the bus payload for sync.completed events.
type Completed struct {
	Conversations int
	Merged        int
}

// Reconciler performs incremental cursor-based fetches per conversation.
type Reconciler struct {
	db     *store.DB
	client remote.Client
	bus    *bus.Bus
	logger *zap.Logger

	mu      gosync.Mutex
	tracked map[string]struct{}
	lastErr string

	interval time.Duration
	cancel   context.CancelFunc
}

// NewReconciler creates a reconciler. interval paces the periodic trigger;
// <= 0 disables it (reconnect and manual triggers still work).
func NewReconciler(db *store.DB, client remote.Client, b *bus.Bus, logger *zap.Logger, interval time.Duration) *Reconciler {
	return &Reconciler{
		db:       db,
		client:   client,
		bus:      b,
		logger:   logger,
		tracked:  make(map[string]struct{}),
		interval: interval,
	}
}

// Track registers a conversation for reconciliation before it has any local
// history or cursor (e.g. a conversation just opened).
func (r *Reconciler) Track(conversationID string) {
	r.mu.Lock()
	r.tracked[conversationID] = struct{}{}
	r.mu.Unlock()
}

// LastSyncedAt returns the conversation's cursor watermark.
func (r *Reconciler) LastSyncedAt(conversationID string) (int64, error) {
	return r.db.Cursor(conversationID)
}

// LastError returns the most recent reconciliation error for diagnostics.
func (r *Reconciler) LastError() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// Start runs the periodic trigger until the context ends.
func (r *Reconciler) Start(ctx context.Context) {
	if r.interval <= 0 {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.SyncAll(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the periodic trigger.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

// SyncAll reconciles every tracked conversation. Errors are isolated per
// conversation: one failing fetch never blocks the rest. Returns the number
// of conversations that failed to reconcile.
func (r *Reconciler) SyncAll(ctx context.Context) int {
	convs, err := r.conversations()
	if err != nil {
		r.logger.Error("failed to list tracked conversations", zap.Error(err))
		r.setLastError(err)
		return 1
	}

	merged, failed := 0, 0
	for _, id := range convs {
		if ctx.Err() != nil {
			return failed
		}
		n, err := r.SyncConversation(ctx, id)
		if err != nil {
			r.logger.Warn("reconciliation failed",
				zap.Error(err), zap.String("conversation_id", id))
			r.setLastError(err)
			failed++
			continue
		}
		merged += n
	}

	r.bus.Emit(bus.KindSyncCompleted, Completed{Conversations: len(convs), Merged: merged})
	return failed
}

// SyncConversation fetches and merges everything newer than the
// conversation's cursor, widening its fetch until the remote has no more.
// Returns the number of messages merged.
func (r *Reconciler) SyncConversation(ctx context.Context, conversationID string) (int, error) {
	cursor, err := r.db.Cursor(conversationID)
	if err != nil {
		return 0, fmt.Errorf("read cursor: %w", err)
	}
	if cursor == 0 {
		// No cursor yet: resume from whatever history the cache already
		// holds, or fetch everything when it holds nothing.
		if cursor, err = r.db.LatestTimestamp(conversationID); err != nil {
			return 0, fmt.Errorf("read latest timestamp: %w", err)
		}
	}

	// The remote answers newest-first, truncated to the limit. A truncated
	// page means older history still sits between the cursor and the
	// page's oldest entry, and the lower-bound-only query cannot address
	// that gap directly: widen the limit and refetch until the whole
	// backlog fits in one response. Truncated pages are still merged so
	// their rows become visible early, but the cursor moves only after a
	// complete fetch, so an interrupted pass resumes from the same
	// watermark with nothing skipped.
	limit := remote.DefaultGetSinceLimit
	var batch []*store.Message
	for {
		batch, err = r.client.GetSince(ctx, conversationID, cursor, limit)
		if err != nil {
			return 0, fmt.Errorf("get since %d: %w", cursor, err)
		}
		if len(batch) == 0 {
			return 0, nil
		}

		if err := r.db.PutMessages(batch); err != nil {
			return 0, fmt.Errorf("merge batch: %w", err)
		}
		r.bus.Emit(bus.KindSyncBatch, Batch{ConversationID: conversationID, Messages: batch})

		if len(batch) < limit {
			break
		}
		limit *= 2
	}

	maxTS := cursor
	for _, m := range batch {
		if m.UpdatedAt > maxTS {
			maxTS = m.UpdatedAt
		}
	}
	if err := r.db.AdvanceCursor(conversationID, maxTS); err != nil {
		return len(batch), fmt.Errorf("advance cursor: %w", err)
	}

	r.logger.Info("conversation reconciled",
		zap.String("conversation_id", conversationID), zap.Int("merged", len(batch)))
	return len(batch), nil
}

// conversations returns the union of explicitly tracked conversations and
// those the cache already knows about.
func (r *Reconciler) conversations() ([]string, error) {
	known, err := r.db.TrackedConversations()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(known))
	for _, id := range known {
		seen[id] = struct{}{}
	}
	r.mu.Lock()
	for id := range r.tracked {
		if _, ok := seen[id]; !ok {
			known = append(known, id)
			seen[id] = struct{}{}
		}
	}
	r.mu.Unlock()
	return known, nil
}

func (r *Reconciler) setLastError(err error) {
	r.mu.Lock()
	r.lastErr = err.Error()
	r.mu.Unlock()
}
