package store

// Queue entry statuses. Committed entries are deleted rather than kept in a
// terminal state, so only these three appear in the outbound_queue table.
const (
	StatusQueued  = "queued"
	StatusSending = "sending"
	StatusFailed  = "failed"
)

// Message is a synced message row. Content is immutable once committed;
// only read state (and the bookkeeping timestamps) change afterwards.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Body           string
	AuthoredAt     int64
	ReadBy         map[string]int64
	CreatedAt      int64
	UpdatedAt      int64
	SyncedAt       int64
}

// QueueEntry is a pending outbound message. At most one entry exists per
// message id; the row is deleted when the remote write succeeds.
type QueueEntry struct {
	MessageID      string
	ConversationID string
	SenderID       string
	Body           string
	Status         string // queued, sending, failed
	EnqueuedAt     int64
	UpdatedAt      int64
	RetryCount     int
	LastError      string
}

// QueueCounts aggregates queue state for status indicators.
type QueueCounts struct {
	Queued int
	Failed int
}

// SearchResult holds a message with a search snippet.
type SearchResult struct {
	Message Message
	Snippet string
}
