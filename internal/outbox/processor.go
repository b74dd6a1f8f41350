// Package outbox drains the outbound write-ahead queue against the remote
// authority. Exactly one drain pass runs at a time; sends within a pass are
// sequential so per-conversation FIFO order survives and remote write
// concurrency stays bounded at one.
package outbox

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/arktis/msync/internal/bus"
	"github.com/arktis/msync/internal/remote"
	"github.com/arktis/msync/internal/store"
)

// SendFailure is the bus payload for message.send_failed events.
type SendFailure struct {
	MessageID      string
	ConversationID string
	RetryCount     int
	Terminal       bool
	Err            string
}

// Options tune retry and scheduling behavior.
type Options struct {
	// RetryCeiling is the number of transient failures after which an entry
	// moves to the terminal failed state. Manual retry resets the budget.
	RetryCeiling int
	// BackoffBase and BackoffCap bound the exponential backoff computed
	// from an entry's retry count.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// PollInterval paces the background drain loop.
	PollInterval time.Duration
	// Online gates the background loop: while it reports false no pass
	// runs, so queued entries wait for the reconnect trigger instead of
	// burning their retry budget against a dead network. Nil means always
	// on. Direct Drain calls are not gated.
	Online func() bool
}

func (o *Options) defaults() {
	if o.RetryCeiling <= 0 {
		o.RetryCeiling = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
}

// Processor drains the outbound queue, single-flighted.
type Processor struct {
	db     *store.DB
	client remote.Client
	bus    *bus.Bus
	logger *zap.Logger
	opts   Options

	inflight atomic.Bool
	kick     chan struct{}
	cancel   context.CancelFunc

	errMu   sync.Mutex
	lastErr string
}

// NewProcessor creates a queue processor. The remote client is injected so
// tests can substitute a double.
func NewProcessor(db *store.DB, client remote.Client, b *bus.Bus, logger *zap.Logger, opts Options) *Processor {
	opts.defaults()
	return &Processor{
		db:     db,
		client: client,
		bus:    b,
		logger: logger,
		opts:   opts,
		kick:   make(chan struct{}, 1),
	}
}

// Backoff returns the advisory delay before an entry with the given retry
// count should be attempted again. Zero retries means send immediately.
func (p *Processor) Backoff(retryCount int) time.Duration {
	if retryCount <= 0 {
		return 0
	}
	d := p.opts.BackoffBase << (retryCount - 1)
	if d <= 0 || d > p.opts.BackoffCap {
		return p.opts.BackoffCap
	}
	return d
}

// Kick requests a drain pass without blocking. Collapses with any pending
// request; if a pass is already in flight the request is dropped — the next
// invocation picks up anything enqueued since the in-flight pass started.
func (p *Processor) Kick() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// LastError returns the most recent send error for diagnostics, or "".
func (p *Processor) LastError() string {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.lastErr
}

// Start recovers entries stranded in 'sending' by a previous crash, then
// runs the drain loop until the context ends.
func (p *Processor) Start(ctx context.Context) error {
	n, err := p.db.RequeueSending()
	if err != nil {
		return err
	}
	if n > 0 {
		p.logger.Info("requeued interrupted sends", zap.Int64("count", n))
	}

	ctx, p.cancel = context.WithCancel(ctx)
	go p.loop(ctx)
	return nil
}

// Stop stops the drain loop. An in-flight pass finishes its current entry.
func (p *Processor) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
}

func (p *Processor) loop(ctx context.Context) {
	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-p.kick:
		case <-ctx.Done():
			return
		}
		if p.opts.Online == nil || p.opts.Online() {
			p.Drain(ctx)
		}
	}
}

// Drain runs one pass over the queue in FIFO order. Returns false when
// another pass is already in flight (the call is a no-op, not a queued
// retry). Errors are isolated per entry: one failing send never aborts the
// rest of the pass.
func (p *Processor) Drain(ctx context.Context) bool {
	if !p.inflight.CompareAndSwap(false, true) {
		return false
	}
	defer p.inflight.Store(false)

	queued, err := p.db.ListQueued()
	if err != nil {
		p.logger.Error("failed to read outbound queue", zap.Error(err))
		p.setLastError(err)
		return true
	}

	now := time.Now().UnixMilli()
	for _, entry := range queued {
		if ctx.Err() != nil {
			return true
		}
		// Entries with failed attempts wait out their backoff window.
		if entry.RetryCount > 0 && now < entry.UpdatedAt+p.Backoff(entry.RetryCount).Milliseconds() {
			continue
		}
		p.processEntry(ctx, entry)
	}
	return true
}

func (p *Processor) processEntry(ctx context.Context, entry store.QueueEntry) {
	if err := p.db.MarkSending(entry.MessageID); err != nil {
		p.logger.Error("failed to mark sending",
			zap.Error(err), zap.String("message_id", entry.MessageID))
		p.setLastError(err)
		return
	}

	msg, err := p.client.Send(ctx, entry.MessageID, entry.ConversationID, entry.SenderID, entry.Body)
	if err != nil {
		p.handleSendError(entry, err)
		return
	}

	// Promote queue entry to durable history, then drop it. If the local
	// write fails the entry goes back to queued; resending is safe because
	// the remote write is idempotent on the message id.
	if err := p.db.PutMessages([]*store.Message{msg}); err != nil {
		p.logger.Error("failed to store committed message",
			zap.Error(err), zap.String("message_id", entry.MessageID))
		p.setLastError(err)
		_ = p.db.MarkRetry(entry.MessageID, err.Error())
		return
	}
	if err := p.db.RemoveQueued(entry.MessageID); err != nil {
		p.logger.Error("failed to remove committed queue entry",
			zap.Error(err), zap.String("message_id", entry.MessageID))
		p.setLastError(err)
		return
	}

	p.logger.Info("message committed",
		zap.String("message_id", entry.MessageID),
		zap.String("conversation_id", entry.ConversationID))
	p.bus.Emit(bus.KindMessageCommitted, msg)
}

func (p *Processor) handleSendError(entry store.QueueEntry, err error) {
	p.setLastError(err)

	retries := entry.RetryCount + 1
	terminal := !remote.Retriable(err) || retries >= p.opts.RetryCeiling

	if terminal {
		p.logger.Warn("message send failed permanently",
			zap.Error(err),
			zap.String("message_id", entry.MessageID),
			zap.Int("retries", entry.RetryCount))
		if merr := p.db.MarkFailed(entry.MessageID, err.Error()); merr != nil {
			p.logger.Error("failed to mark entry failed", zap.Error(merr))
		}
	} else {
		p.logger.Warn("message send failed, will retry",
			zap.Error(err),
			zap.String("message_id", entry.MessageID),
			zap.Int("retries", retries),
			zap.Duration("backoff", p.Backoff(retries)))
		if merr := p.db.MarkRetry(entry.MessageID, err.Error()); merr != nil {
			p.logger.Error("failed to mark entry for retry", zap.Error(merr))
		}
	}

	p.bus.Emit(bus.KindMessageSendFailed, SendFailure{
		MessageID:      entry.MessageID,
		ConversationID: entry.ConversationID,
		RetryCount:     retries,
		Terminal:       terminal,
		Err:            err.Error(),
	})
}

func (p *Processor) setLastError(err error) {
	p.errMu.Lock()
	p.lastErr = err.Error()
	p.errMu.Unlock()
}
