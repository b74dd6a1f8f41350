package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arktis/msync/internal/bus"
	"github.com/arktis/msync/internal/netmon"
	"github.com/arktis/msync/internal/outbox"
	"github.com/arktis/msync/internal/status"
	"github.com/arktis/msync/internal/store"
	msync "github.com/arktis/msync/internal/sync"
	"github.com/arktis/msync/internal/window"
)

// fakeRemote counts calls and commits sends instantly.
type fakeRemote struct {
	mu        sync.Mutex
	sendCalls int
	sinceCall int
	subCalls  int
	failSends int // fail this many sends before succeeding
	history   map[string][]*store.Message
	closers   []func(error) // one per live stream, fired by dropStreams
}

func (f *fakeRemote) Send(_ context.Context, messageID, conversationID, senderID, text string) (*store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCalls++
	if f.failSends > 0 {
		f.failSends--
		return nil, errors.New("connection reset")
	}
	now := time.Now().UnixMilli()
	return &store.Message{
		ID: messageID, ConversationID: conversationID, SenderID: senderID,
		Body: text, AuthoredAt: now, CreatedAt: now, UpdatedAt: now,
	}, nil
}

func (f *fakeRemote) GetSince(_ context.Context, conversationID string, cursor int64, _ int) ([]*store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinceCall++
	var out []*store.Message
	for _, m := range f.history[conversationID] {
		if m.UpdatedAt > cursor {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeRemote) Subscribe(_ context.Context, _ string, _ func([]*store.Message), onClose func(error)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subCalls++
	f.closers = append(f.closers, onClose)
	return func() {}, nil
}

// dropStreams simulates the server killing every live stream.
func (f *fakeRemote) dropStreams() {
	f.mu.Lock()
	closers := f.closers
	f.closers = nil
	f.mu.Unlock()
	for _, onClose := range closers {
		onClose(errors.New("stream reset by peer"))
	}
}

func (f *fakeRemote) subscribeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subCalls
}

func (f *fakeRemote) calls() (sends, sinces int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendCalls, f.sinceCall
}

type fixture struct {
	engine *Engine
	db     *store.DB
	remote *fakeRemote
	mon    *netmon.Monitor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	b := bus.New()
	logger := zap.NewNop()
	f := &fakeRemote{history: make(map[string][]*store.Message)}
	mon := netmon.New(nil, 0, b, logger)
	queue := outbox.NewProcessor(db, f, b, logger, outbox.Options{
		RetryCeiling: 3,
		BackoffBase:  time.Nanosecond,
		BackoffCap:   time.Nanosecond,
		PollInterval: 20 * time.Millisecond,
		Online:       mon.Online,
	})
	rec := msync.NewReconciler(db, f, b, logger, 0)
	windows := window.NewManager(db, 50)
	machine := status.NewMachine(b)

	e := New(db, f, queue, rec, windows, mon, machine, b, logger)
	return &fixture{engine: e, db: db, remote: f, mon: mon}
}

func (fx *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, fx.engine.Start(context.Background()))
	t.Cleanup(fx.engine.Stop)
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal(msg)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Authoring while offline produces a queue entry and an optimistic window
// entry, and makes zero remote calls until reconnect.
func TestQueueFirstWhileOffline(t *testing.T) {
	fx := newFixture(t)
	fx.start(t)

	_, err := fx.engine.Open(context.Background(), "c1")
	require.NoError(t, err)

	msg, err := fx.engine.Send(context.Background(), "c1", "u1", "hello offline")
	require.NoError(t, err)

	entry, err := fx.db.GetQueued(msg.ID)
	require.NoError(t, err)
	require.NotNil(t, entry, "queue-first: entry must exist before any network")

	msgs := fx.engine.Messages("c1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello offline", msgs[0].Body)

	st, err := fx.engine.State(msg.ID)
	require.NoError(t, err)
	assert.Equal(t, StateQueued, st)

	// Give the poll loop a few ticks: still no remote traffic while offline.
	time.Sleep(100 * time.Millisecond)
	sends, _ := fx.remote.calls()
	assert.Zero(t, sends, "no remote calls while offline")
	assert.Equal(t, status.Offline, fx.engine.Status())
}

// The offline → online lifecycle: the queued message is sent exactly once,
// transitions to sent, and the window holds no duplicate.
func TestReconnectDrainsAndCommits(t *testing.T) {
	fx := newFixture(t)
	fx.start(t)

	_, err := fx.engine.Open(context.Background(), "c1")
	require.NoError(t, err)

	m1, err := fx.engine.Send(context.Background(), "c1", "u1", "m1")
	require.NoError(t, err)

	fx.mon.Set(true)

	eventually(t, func() bool {
		st, err := fx.engine.State(m1.ID)
		return err == nil && st == StateSent
	}, "message never committed after reconnect")

	sends, _ := fx.remote.calls()
	assert.Equal(t, 1, sends, "exactly one remote send")

	msgs := fx.engine.Messages("c1")
	require.Len(t, msgs, 1, "no duplicate window entry after commit")
	assert.Equal(t, m1.ID, msgs[0].ID)

	// The committed row is durable and the queue entry is gone.
	stored, err := fx.db.GetMessage(m1.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	entry, err := fx.db.GetQueued(m1.ID)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

// Reconnect drains the queue first, then reconciles remote history.
func TestReconnectSyncsRemoteHistory(t *testing.T) {
	fx := newFixture(t)
	fx.remote.history["c1"] = []*store.Message{
		{ID: "r1", ConversationID: "c1", Body: "from peer", AuthoredAt: 500, UpdatedAt: 500},
	}
	fx.start(t)

	_, err := fx.engine.Open(context.Background(), "c1")
	require.NoError(t, err)

	fx.mon.Set(true)

	eventually(t, func() bool {
		return len(fx.engine.Messages("c1")) == 1
	}, "remote history never reached the window")

	_, sinces := fx.remote.calls()
	assert.GreaterOrEqual(t, sinces, 1)
	eventually(t, func() bool {
		return fx.engine.Status() == status.Ready
	}, "engine never reached READY")
}

func TestRetryFailedMessage(t *testing.T) {
	fx := newFixture(t)
	fx.remote.failSends = 99 // exhaust the retry ceiling
	fx.start(t)

	m1, err := fx.engine.Send(context.Background(), "c1", "u1", "doomed")
	require.NoError(t, err)

	fx.mon.Set(true)

	eventually(t, func() bool {
		st, err := fx.engine.State(m1.ID)
		return err == nil && st == StateFailed
	}, "message never reached failed state")

	// Manual retry with a healthy remote commits it.
	fx.remote.mu.Lock()
	fx.remote.failSends = 0
	fx.remote.mu.Unlock()
	require.NoError(t, fx.engine.Retry(context.Background(), m1.ID))

	eventually(t, func() bool {
		st, err := fx.engine.State(m1.ID)
		return err == nil && st == StateSent
	}, "message never committed after manual retry")
}

func TestRetryUnknownMessage(t *testing.T) {
	fx := newFixture(t)
	fx.start(t)
	require.Error(t, fx.engine.Retry(context.Background(), "no-such-id"))
}

// Closing a conversation drops the window but not the queued send.
func TestCloseKeepsQueuedWrites(t *testing.T) {
	fx := newFixture(t)
	fx.start(t)

	_, err := fx.engine.Open(context.Background(), "c1")
	require.NoError(t, err)
	m1, err := fx.engine.Send(context.Background(), "c1", "u1", "surviving")
	require.NoError(t, err)

	fx.engine.Close("c1")
	assert.Nil(t, fx.engine.Messages("c1"))

	entry, err := fx.db.GetQueued(m1.ID)
	require.NoError(t, err)
	require.NotNil(t, entry, "queued write must survive navigation away")

	fx.mon.Set(true)
	eventually(t, func() bool {
		st, err := fx.engine.State(m1.ID)
		return err == nil && st == StateSent
	}, "queued write never committed after close")
}

// A live stream the server drops is re-established instead of silently
// degrading to periodic reconciliation for the rest of the session.
func TestDroppedStreamResubscribes(t *testing.T) {
	fx := newFixture(t)
	fx.start(t)
	fx.mon.Set(true)

	_, err := fx.engine.Open(context.Background(), "c1")
	require.NoError(t, err)
	eventually(t, func() bool {
		return fx.remote.subscribeCount() == 1
	}, "conversation never subscribed")

	fx.remote.dropStreams()
	eventually(t, func() bool {
		return fx.remote.subscribeCount() == 2
	}, "dropped stream never re-established")
}

// A conversation opened while offline picks up its live stream on the
// reconnect edge.
func TestOfflineOpenSubscribesOnReconnect(t *testing.T) {
	fx := newFixture(t)
	fx.start(t)

	_, err := fx.engine.Open(context.Background(), "c1")
	require.NoError(t, err)
	assert.Zero(t, fx.remote.subscribeCount(), "no subscription while offline")

	fx.mon.Set(true)
	eventually(t, func() bool {
		return fx.remote.subscribeCount() >= 1
	}, "open conversation never subscribed after reconnect")
}

// Reopening a conversation surfaces pending queue entries alongside the
// committed history.
func TestOpenMergesPendingEntries(t *testing.T) {
	fx := newFixture(t)
	fx.start(t)

	require.NoError(t, fx.db.PutMessages([]*store.Message{
		{ID: "old", ConversationID: "c1", Body: "history", AuthoredAt: 1000, UpdatedAt: 1000},
	}))
	_, err := fx.engine.Send(context.Background(), "c1", "u1", "pending")
	require.NoError(t, err)

	view, err := fx.engine.Open(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, view, 2)
	assert.Equal(t, "pending", view[0].Body, "pending entry is newest")
}

func TestStats(t *testing.T) {
	fx := newFixture(t)
	fx.start(t)

	_, err := fx.engine.Send(context.Background(), "c1", "u1", "one")
	require.NoError(t, err)
	_, err = fx.engine.Send(context.Background(), "c2", "u1", "two")
	require.NoError(t, err)
	require.NoError(t, fx.db.AdvanceCursor("c3", 4200))

	stats, err := fx.engine.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Queued)
	assert.Zero(t, stats.Failed)
	assert.Equal(t, int64(4200), stats.LastSyncedAt["c3"])
}

func TestStateClassification(t *testing.T) {
	fx := newFixture(t)

	st, err := fx.engine.State("missing")
	require.NoError(t, err)
	assert.Equal(t, StateUnknown, st)

	require.NoError(t, fx.db.Enqueue("m1", "c1", "u1", "x"))
	st, err = fx.engine.State("m1")
	require.NoError(t, err)
	assert.Equal(t, StateQueued, st)

	require.NoError(t, fx.db.MarkSending("m1"))
	st, err = fx.engine.State("m1")
	require.NoError(t, err)
	assert.Equal(t, StateSending, st)

	require.NoError(t, fx.db.MarkFailed("m1", "boom"))
	st, err = fx.engine.State("m1")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, st)
}
