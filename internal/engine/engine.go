// Package engine is the façade the presentation layer talks to. It owns the
// authoring path (id assignment, queue-first persistence, optimistic window
// entry), conversation open/close, manual retry, and the reconnect wiring
// that drains the outbound queue before reconciling remote history.
package engine

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/arktis/msync/internal/bus"
	"github.com/arktis/msync/internal/ids"
	"github.com/arktis/msync/internal/netmon"
	"github.com/arktis/msync/internal/outbox"
	"github.com/arktis/msync/internal/remote"
	"github.com/arktis/msync/internal/status"
	"github.com/arktis/msync/internal/store"
	msync "github.com/arktis/msync/internal/sync"
	"github.com/arktis/msync/internal/window"
)

// MessageState is the user-visible delivery state of a message.
type MessageState string

const (
	StateQueued  MessageState = "queued"
	StateSending MessageState = "sending"
	StateFailed  MessageState = "failed"
	StateSent    MessageState = "sent"
	StateUnknown MessageState = "unknown"
)

// Stats aggregates engine diagnostics for status indicators.
type Stats struct {
	Queued       int
	Failed       int
	LastError    string
	LastSyncedAt map[string]int64
}

// Engine composes the sync components behind one surface.
type Engine struct {
	db      *store.DB
	client  remote.Client
	queue   *outbox.Processor
	rec     *msync.Reconciler
	windows *window.Manager
	mon     *netmon.Monitor
	machine *status.Machine
	bus     *bus.Bus
	logger  *zap.Logger

	mu     gosync.Mutex
	subs   map[string]func() // conversation id → live subscription cancel
	handle netmon.Handle
	cancel context.CancelFunc
}

// New creates the engine. Every collaborator is injected; tests substitute
// doubles for the remote client and feed connectivity through the monitor.
func New(db *store.DB, client remote.Client, queue *outbox.Processor, rec *msync.Reconciler,
	windows *window.Manager, mon *netmon.Monitor, machine *status.Machine,
	b *bus.Bus, logger *zap.Logger) *Engine {
	return &Engine{
		db:      db,
		client:  client,
		queue:   queue,
		rec:     rec,
		windows: windows,
		mon:     mon,
		machine: machine,
		bus:     b,
		logger:  logger,
		subs:    make(map[string]func()),
	}
}

// Start wires the reconnect path and begins the background loops.
func (e *Engine) Start(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)

	if err := e.queue.Start(ctx); err != nil {
		return fmt.Errorf("start queue processor: %w", err)
	}
	e.rec.Start(ctx)

	// Reconnect edge: drain queued writes first, then pull remote changes.
	e.handle = e.mon.OnReconnect(func() {
		e.onReconnect(ctx)
	})
	e.mon.Start(ctx)

	// Committed sends and reconciled batches flow back into open windows.
	go e.applyLoop(ctx)

	if e.mon.Online() {
		_ = e.machine.Transition(status.Draining)
		go e.onReconnect(ctx)
	} else {
		_ = e.machine.Transition(status.Offline)
	}

	e.logger.Info("engine started", zap.Bool("online", e.mon.Online()))
	return nil
}

// Stop cancels live subscriptions and the background loops. Queued writes
// stay in the durable cache and resume on the next start.
func (e *Engine) Stop() {
	e.handle.Unregister()
	e.mon.Stop()
	e.rec.Stop()
	e.queue.Stop()

	e.mu.Lock()
	for id, cancel := range e.subs {
		cancel()
		delete(e.subs, id)
	}
	e.mu.Unlock()

	if e.cancel != nil {
		e.cancel()
	}
	e.logger.Info("engine stopped")
}

// Send authors a message: assign an id, append to the write-ahead queue
// (always, regardless of connectivity), surface an optimistic entry in the
// window, and kick the processor when online. The returned message carries
// the authoring timestamps; the committed record replaces it in the window
// once the remote write lands.
func (e *Engine) Send(_ context.Context, conversationID, senderID, text string) (*store.Message, error) {
	id := ids.New()
	now := time.Now().UnixMilli()

	if err := e.db.Enqueue(id, conversationID, senderID, text); err != nil {
		return nil, fmt.Errorf("enqueue message: %w", err)
	}

	optimistic := &store.Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       senderID,
		Body:           text,
		AuthoredAt:     now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	e.windows.ApplyDelta(conversationID, []*store.Message{optimistic})
	e.rec.Track(conversationID)
	e.bus.Emit(bus.KindMessageUpserted, optimistic)

	if e.mon.Online() {
		e.queue.Kick()
	}
	return optimistic, nil
}

// Retry re-queues a failed message with a fresh retry budget.
func (e *Engine) Retry(_ context.Context, messageID string) error {
	if !ids.Valid(messageID) {
		return fmt.Errorf("invalid message id %q", messageID)
	}
	entry, err := e.db.GetQueued(messageID)
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("message %s is not queued", messageID)
	}
	if err := e.db.ResetRetry(messageID); err != nil {
		return err
	}
	e.queue.Kick()
	return nil
}

// Open loads the conversation window, merges pending queue entries into it
// (they are not yet committed history), starts the live subscription and
// registers the conversation for reconciliation. Returns the initial view.
func (e *Engine) Open(ctx context.Context, conversationID string) ([]store.Message, error) {
	if err := e.windows.Load(conversationID); err != nil {
		return nil, fmt.Errorf("load window: %w", err)
	}
	if err := e.mergeQueued(conversationID); err != nil {
		return nil, err
	}
	e.rec.Track(conversationID)
	e.subscribe(ctx, conversationID)

	return e.windows.Messages(conversationID), nil
}

// subscribe attaches the live stream for an open conversation. It is a
// no-op while offline or when a stream is already attached; the reconnect
// edge retries for every open window, so a conversation opened offline
// still ends up subscribed.
func (e *Engine) subscribe(ctx context.Context, conversationID string) {
	e.mu.Lock()
	_, subscribed := e.subs[conversationID]
	e.mu.Unlock()
	if subscribed || !e.mon.Online() {
		return
	}

	cancel, err := e.client.Subscribe(ctx, conversationID, func(snapshot []*store.Message) {
		e.onSnapshot(conversationID, snapshot)
	}, func(err error) {
		e.onStreamClosed(ctx, conversationID, err)
	})
	if err != nil {
		// Live updates are an enhancement; the reconciler covers the gap.
		e.logger.Warn("live subscription failed",
			zap.Error(err), zap.String("conversation_id", conversationID))
		return
	}
	e.mu.Lock()
	e.subs[conversationID] = cancel
	e.mu.Unlock()
}

// onStreamClosed fires when a live stream dies underneath us. The dead
// entry must leave the table before anything else: a stale cancel func
// would make every later subscribe attempt think the stream is still up.
func (e *Engine) onStreamClosed(ctx context.Context, conversationID string, err error) {
	e.mu.Lock()
	delete(e.subs, conversationID)
	e.mu.Unlock()

	if !e.windows.Loaded(conversationID) {
		return
	}
	e.logger.Warn("live stream dropped, resubscribing",
		zap.Error(err), zap.String("conversation_id", conversationID))
	e.subscribe(ctx, conversationID)
}

// Close drops the window and the live subscription. Queued writes for the
// conversation are untouched: navigation away never cancels a send.
func (e *Engine) Close(conversationID string) {
	e.mu.Lock()
	if cancel, ok := e.subs[conversationID]; ok {
		cancel()
		delete(e.subs, conversationID)
	}
	e.mu.Unlock()
	e.windows.Unload(conversationID)
}

// Messages returns the current window snapshot, newest first.
func (e *Engine) Messages(conversationID string) []store.Message {
	return e.windows.Messages(conversationID)
}

// Search looks up cached message bodies. Local only: results reflect what
// has been committed or reconciled into the cache, not unsynced remote
// history. Pass an empty conversationID to search every conversation.
func (e *Engine) Search(term, conversationID string, limit int) ([]store.SearchResult, error) {
	return e.db.Search(term, conversationID, limit)
}

// State reports the delivery state of a message: queue presence wins,
// otherwise a committed row means sent.
func (e *Engine) State(messageID string) (MessageState, error) {
	entry, err := e.db.GetQueued(messageID)
	if err != nil {
		return StateUnknown, err
	}
	if entry != nil {
		switch entry.Status {
		case store.StatusSending:
			return StateSending, nil
		case store.StatusFailed:
			return StateFailed, nil
		default:
			return StateQueued, nil
		}
	}
	msg, err := e.db.GetMessage(messageID)
	if err != nil {
		return StateUnknown, err
	}
	if msg != nil {
		return StateSent, nil
	}
	return StateUnknown, nil
}

// Stats returns queue counts and sync diagnostics.
func (e *Engine) Stats() (Stats, error) {
	counts, err := e.db.Counts()
	if err != nil {
		return Stats{}, err
	}
	lastErr := e.queue.LastError()
	if lastErr == "" {
		lastErr = e.rec.LastError()
	}

	synced := make(map[string]int64)
	convs, err := e.db.TrackedConversations()
	if err != nil {
		return Stats{}, err
	}
	for _, id := range convs {
		ts, err := e.db.Cursor(id)
		if err != nil {
			return Stats{}, err
		}
		synced[id] = ts
	}

	return Stats{
		Queued:       counts.Queued,
		Failed:       counts.Failed,
		LastError:    lastErr,
		LastSyncedAt: synced,
	}, nil
}

// Status returns the engine's coarse run state.
func (e *Engine) Status() status.State {
	return e.machine.Current()
}

func (e *Engine) onReconnect(ctx context.Context) {
	_ = e.machine.Transition(status.Draining)
	e.queue.Drain(ctx)
	_ = e.machine.Transition(status.Syncing)

	// Re-establish live streams for every open window. Streams that died
	// while offline, and windows opened while offline, both pick up here.
	for _, id := range e.windows.Conversations() {
		e.subscribe(ctx, id)
	}

	if failed := e.rec.SyncAll(ctx); failed > 0 {
		_ = e.machine.Transition(status.Degraded)
		return
	}
	_ = e.machine.Transition(status.Ready)
}

// onSnapshot handles one live delivery: a full snapshot of the most recent
// messages, possibly redelivering unchanged records. It merges the whole
// set into the cache and the window rather than treating it as deltas.
func (e *Engine) onSnapshot(conversationID string, snapshot []*store.Message) {
	if len(snapshot) == 0 {
		return
	}
	if err := e.db.PutMessages(snapshot); err != nil {
		e.logger.Error("failed to store live snapshot",
			zap.Error(err), zap.String("conversation_id", conversationID))
		return
	}
	e.windows.ApplyDelta(conversationID, snapshot)
}

// applyLoop folds committed sends and reconciled batches into open windows.
func (e *Engine) applyLoop(ctx context.Context) {
	ch, unsub := e.bus.Subscribe("", 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			switch evt.Kind {
			case bus.KindMessageCommitted:
				if msg, ok := evt.Payload.(*store.Message); ok {
					e.windows.ApplyDelta(msg.ConversationID, []*store.Message{msg})
				}
			case bus.KindSyncBatch:
				if batch, ok := evt.Payload.(msync.Batch); ok {
					e.windows.ApplyDelta(batch.ConversationID, batch.Messages)
				}
			case bus.KindNetOffline:
				_ = e.machine.Transition(status.Offline)
			}
		case <-ctx.Done():
			return
		}
	}
}

// mergeQueued surfaces not-yet-committed outbound entries in the window so
// a freshly loaded conversation still shows pending and failed sends.
func (e *Engine) mergeQueued(conversationID string) error {
	queued, err := e.db.ListQueued()
	if err != nil {
		return err
	}
	failed, err := e.db.ListFailed()
	if err != nil {
		return err
	}

	var pending []*store.Message
	for _, entry := range append(queued, failed...) {
		if entry.ConversationID != conversationID {
			continue
		}
		pending = append(pending, &store.Message{
			ID:             entry.MessageID,
			ConversationID: entry.ConversationID,
			SenderID:       entry.SenderID,
			Body:           entry.Body,
			AuthoredAt:     entry.EnqueuedAt,
			CreatedAt:      entry.EnqueuedAt,
			UpdatedAt:      entry.UpdatedAt,
		})
	}
	if len(pending) > 0 {
		e.windows.ApplyDelta(conversationID, pending)
	}
	return nil
}
