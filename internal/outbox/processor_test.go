package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/arktis/msync/internal/bus"
	"github.com/arktis/msync/internal/remote"
	"github.com/arktis/msync/internal/store"
)

// mockClient is a scriptable remote authority double with a call counter.
type mockClient struct {
	mu    sync.Mutex
	calls []string // message ids in send order
	fail  map[string]int
	err   error
	block chan struct{} // when set, Send blocks until closed
}

func (m *mockClient) Send(_ context.Context, messageID, conversationID, senderID, text string) (*store.Message, error) {
	m.mu.Lock()
	m.calls = append(m.calls, messageID)
	block := m.block
	if n := m.fail[messageID]; n > 0 {
		m.fail[messageID] = n - 1
		err := m.err
		m.mu.Unlock()
		return nil, err
	}
	m.mu.Unlock()

	if block != nil {
		<-block
	}
	now := time.Now().UnixMilli()
	return &store.Message{
		ID:             messageID,
		ConversationID: conversationID,
		SenderID:       senderID,
		Body:           text,
		AuthoredAt:     now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

func (m *mockClient) GetSince(context.Context, string, int64, int) ([]*store.Message, error) {
	return nil, nil
}

func (m *mockClient) Subscribe(context.Context, string, func([]*store.Message), func(error)) (func(), error) {
	return func() {}, nil
}

func (m *mockClient) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *mockClient) callOrder() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// testOptions disables the backoff window so drains in a loop hit every
// entry immediately.
func testOptions() Options {
	return Options{RetryCeiling: 3, BackoffBase: time.Nanosecond, BackoffCap: time.Nanosecond}
}

func TestDrainCommitsEntry(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := &mockClient{}
	p := NewProcessor(db, mock, b, zap.NewNop(), testOptions())

	ch, unsub := b.Subscribe(bus.KindMessageCommitted, 10)
	defer unsub()

	if err := db.Enqueue("m1", "c1", "u1", "hello"); err != nil {
		t.Fatal(err)
	}

	if ran := p.Drain(context.Background()); !ran {
		t.Fatal("Drain reported in-flight on an idle processor")
	}

	if mock.callCount() != 1 {
		t.Fatalf("send called %d times, want 1", mock.callCount())
	}

	// Entry promoted from queue to history.
	msgs, err := db.RecentMessages("c1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].ID != "m1" {
		t.Fatalf("history = %+v, want just m1", msgs)
	}
	queued, err := db.ListQueued()
	if err != nil {
		t.Fatal(err)
	}
	if len(queued) != 0 {
		t.Errorf("queue still holds %d entries after commit", len(queued))
	}

	select {
	case evt := <-ch:
		if evt.Payload.(*store.Message).ID != "m1" {
			t.Errorf("committed payload = %+v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message.committed event")
	}
}

// TestAtMostOnceUnderRetry simulates N transient failures followed by
// success and asserts exactly one committed message with no duplicates.
func TestAtMostOnceUnderRetry(t *testing.T) {
	db := testDB(t)
	mock := &mockClient{
		fail: map[string]int{"m1": 2},
		err:  errors.New("connection reset"),
	}
	p := NewProcessor(db, mock, bus.New(), zap.NewNop(), testOptions())

	if err := db.Enqueue("m1", "c1", "u1", "hello"); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		p.Drain(context.Background())
		time.Sleep(time.Millisecond) // let the backoff window lapse
	}

	if mock.callCount() != 3 {
		t.Errorf("send called %d times, want 3 (2 failures + success)", mock.callCount())
	}

	msgs, err := db.RecentMessages("c1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d committed messages, want exactly 1", len(msgs))
	}
	queued, err := db.ListQueued()
	if err != nil {
		t.Fatal(err)
	}
	if len(queued) != 0 {
		t.Errorf("got %d queue entries after commit, want 0", len(queued))
	}
}

func TestRetryCeilingMovesToFailed(t *testing.T) {
	db := testDB(t)
	mock := &mockClient{
		fail: map[string]int{"m1": 99},
		err:  errors.New("timeout"),
	}
	p := NewProcessor(db, mock, bus.New(), zap.NewNop(), testOptions())

	if err := db.Enqueue("m1", "c1", "u1", "hello"); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		p.Drain(context.Background())
		time.Sleep(time.Millisecond)
	}

	// Only the ceiling's worth of attempts happened.
	if mock.callCount() != 3 {
		t.Errorf("send called %d times, want 3 (retry ceiling)", mock.callCount())
	}

	failed, err := db.ListFailed()
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed[0].LastError != "timeout" {
		t.Fatalf("failed = %+v, want one timeout entry", failed)
	}

	// Manual retry re-enters the queue with a fresh budget.
	if err := db.ResetRetry("m1"); err != nil {
		t.Fatal(err)
	}
	mock.mu.Lock()
	mock.fail = nil
	mock.mu.Unlock()
	p.Drain(context.Background())

	msgs, err := db.RecentMessages("c1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Errorf("got %d messages after manual retry, want 1", len(msgs))
	}
}

func TestPermanentErrorSkipsRetries(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := &mockClient{
		fail: map[string]int{"m1": 99},
		err:  remote.ErrConversationNotFound,
	}
	p := NewProcessor(db, mock, b, zap.NewNop(), testOptions())

	ch, unsub := b.Subscribe(bus.KindMessageSendFailed, 10)
	defer unsub()

	if err := db.Enqueue("m1", "c1", "u1", "hello"); err != nil {
		t.Fatal(err)
	}

	p.Drain(context.Background())
	p.Drain(context.Background())

	// Straight to failed after one attempt, no automatic retry.
	if mock.callCount() != 1 {
		t.Errorf("send called %d times, want 1 for a permanent error", mock.callCount())
	}
	failed, err := db.ListFailed()
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 {
		t.Fatalf("got %d failed entries, want 1", len(failed))
	}

	select {
	case evt := <-ch:
		f := evt.Payload.(SendFailure)
		if !f.Terminal {
			t.Error("failure payload not marked terminal")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message.send_failed event")
	}
}

// TestSingleFlight triggers a second drain while one is blocked inside a
// remote send; the second call must be a no-op, verified via the call
// counter on the remote client.
func TestSingleFlight(t *testing.T) {
	db := testDB(t)
	block := make(chan struct{})
	mock := &mockClient{block: block}
	p := NewProcessor(db, mock, bus.New(), zap.NewNop(), testOptions())

	if err := db.Enqueue("m1", "c1", "u1", "hello"); err != nil {
		t.Fatal(err)
	}

	first := make(chan bool)
	go func() { first <- p.Drain(context.Background()) }()

	// Wait for the first pass to reach the blocked send.
	deadline := time.After(2 * time.Second)
	for mock.callCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("first drain never called send")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if ran := p.Drain(context.Background()); ran {
		t.Error("second Drain ran while first was in flight, want no-op")
	}
	if mock.callCount() != 1 {
		t.Errorf("send called %d times during overlap, want 1", mock.callCount())
	}

	close(block)
	if ran := <-first; !ran {
		t.Error("first Drain reported no-op")
	}
}

func TestFIFOOrder(t *testing.T) {
	db := testDB(t)
	mock := &mockClient{}
	p := NewProcessor(db, mock, bus.New(), zap.NewNop(), testOptions())

	for i, id := range []string{"first", "second", "third"} {
		if err := db.Enqueue(id, "c1", "u1", "b"); err != nil {
			t.Fatal(err)
		}
		if _, err := db.Exec(`UPDATE outbound_queue SET enqueued_at = ? WHERE message_id = ?`, 1000+i, id); err != nil {
			t.Fatal(err)
		}
	}

	p.Drain(context.Background())

	order := mock.callOrder()
	want := []string{"first", "second", "third"}
	if len(order) != len(want) {
		t.Fatalf("sent %d messages, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("send order[%d] = %s, want %s", i, order[i], want[i])
		}
	}
}

func TestBackoffSchedule(t *testing.T) {
	p := NewProcessor(nil, nil, bus.New(), zap.NewNop(), Options{
		BackoffBase: time.Second,
		BackoffCap:  30 * time.Second,
	})

	tests := []struct {
		retries int
		want    time.Duration
	}{
		{0, 0},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{20, 30 * time.Second},
		{100, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := p.Backoff(tt.retries); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.retries, got, tt.want)
		}
	}
}

func TestBackoffWindowSkipsRecentFailures(t *testing.T) {
	db := testDB(t)
	mock := &mockClient{
		fail: map[string]int{"m1": 1},
		err:  errors.New("reset"),
	}
	p := NewProcessor(db, mock, bus.New(), zap.NewNop(), Options{
		RetryCeiling: 3,
		BackoffBase:  time.Hour,
		BackoffCap:   time.Hour,
	})

	if err := db.Enqueue("m1", "c1", "u1", "hello"); err != nil {
		t.Fatal(err)
	}

	p.Drain(context.Background()) // fails, retry_count=1
	p.Drain(context.Background()) // must skip: backoff window still open

	if mock.callCount() != 1 {
		t.Errorf("send called %d times, want 1 (second attempt inside backoff window)", mock.callCount())
	}
}

func TestStartRecoversInterruptedSends(t *testing.T) {
	db := testDB(t)
	mock := &mockClient{}
	p := NewProcessor(db, mock, bus.New(), zap.NewNop(), testOptions())

	if err := db.Enqueue("m1", "c1", "u1", "hello"); err != nil {
		t.Fatal(err)
	}
	// Simulate a crash mid-pass.
	if err := db.MarkSending("m1"); err != nil {
		t.Fatal(err)
	}

	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer p.Stop()
	p.Kick()

	deadline := time.After(2 * time.Second)
	for mock.callCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("recovered entry was never sent")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
