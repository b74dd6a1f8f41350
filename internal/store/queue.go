package store

import (
	"database/sql"
	"errors"
	"time"
)

// Enqueue adds an outbound entry for a freshly authored message. The primary
// key on message_id guarantees at most one entry per message.
func (db *DB) Enqueue(messageID, conversationID, senderID, body string) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbound_queue (message_id, conversation_id, sender_id, body, status, enqueued_at, updated_at)
		VALUES (?, ?, ?, ?, 'queued', ?, ?)`,
		messageID, conversationID, senderID, body, now, now)
	return err
}

// ListQueued returns entries awaiting send, oldest first (FIFO).
func (db *DB) ListQueued() ([]QueueEntry, error) {
	return db.listQueue(`WHERE status = 'queued' ORDER BY enqueued_at ASC`)
}

// ListFailed returns entries that hit the retry ceiling or a permanent error,
// for "failed — retry available" surfacing.
func (db *DB) ListFailed() ([]QueueEntry, error) {
	return db.listQueue(`WHERE status = 'failed' ORDER BY enqueued_at ASC`)
}

func (db *DB) listQueue(where string) ([]QueueEntry, error) {
	rows, err := db.Query(`
		SELECT message_id, conversation_id, sender_id, body, status, enqueued_at, updated_at, retry_count, last_error
		FROM outbound_queue ` + where)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []QueueEntry
	for rows.Next() {
		var e QueueEntry
		if err := rows.Scan(&e.MessageID, &e.ConversationID, &e.SenderID, &e.Body,
			&e.Status, &e.EnqueuedAt, &e.UpdatedAt, &e.RetryCount, &e.LastError); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetQueued returns a single queue entry, or nil if absent.
func (db *DB) GetQueued(messageID string) (*QueueEntry, error) {
	var e QueueEntry
	err := db.QueryRow(`
		SELECT message_id, conversation_id, sender_id, body, status, enqueued_at, updated_at, retry_count, last_error
		FROM outbound_queue WHERE message_id = ?`, messageID).
		Scan(&e.MessageID, &e.ConversationID, &e.SenderID, &e.Body,
			&e.Status, &e.EnqueuedAt, &e.UpdatedAt, &e.RetryCount, &e.LastError)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// MarkSending moves an entry to 'sending' for the duration of a remote write.
func (db *DB) MarkSending(messageID string) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbound_queue SET status = 'sending', updated_at = ? WHERE message_id = ?`, now, messageID)
	return err
}

// MarkRetry returns an entry to 'queued' after a transient failure,
// incrementing its retry count and recording the error.
func (db *DB) MarkRetry(messageID, errMsg string) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbound_queue
		SET status = 'queued', retry_count = retry_count + 1, last_error = ?, updated_at = ?
		WHERE message_id = ?`, errMsg, now, messageID)
	return err
}

// MarkFailed moves an entry to the terminal 'failed' state. The entry stays
// in the table until the user retries or the row is removed.
func (db *DB) MarkFailed(messageID, errMsg string) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbound_queue SET status = 'failed', last_error = ?, updated_at = ?
		WHERE message_id = ?`, errMsg, now, messageID)
	return err
}

// ResetRetry re-enters a failed entry into the queue with a fresh retry
// budget (manual retry from the UI).
func (db *DB) ResetRetry(messageID string) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbound_queue
		SET status = 'queued', retry_count = 0, last_error = '', updated_at = ?
		WHERE message_id = ?`, now, messageID)
	return err
}

// RemoveQueued deletes an entry after its remote write committed.
func (db *DB) RemoveQueued(messageID string) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	_, err := db.Exec(`DELETE FROM outbound_queue WHERE message_id = ?`, messageID)
	return err
}

// RequeueSending returns any 'sending' entries to 'queued'. Called on
// startup: a crash mid-pass leaves entries stuck in 'sending', and the
// remote write is idempotent on message_id so retrying is safe.
func (db *DB) RequeueSending() (int64, error) {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	now := time.Now().UnixMilli()
	res, err := db.Exec(`UPDATE outbound_queue SET status = 'queued', updated_at = ? WHERE status = 'sending'`, now)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Counts returns queued (including sending) and failed entry counts.
func (db *DB) Counts() (QueueCounts, error) {
	var c QueueCounts
	err := db.QueryRow(`
		SELECT
			COUNT(*) FILTER (WHERE status IN ('queued', 'sending')),
			COUNT(*) FILTER (WHERE status = 'failed')
		FROM outbound_queue`).Scan(&c.Queued, &c.Failed)
	return c, err
}
