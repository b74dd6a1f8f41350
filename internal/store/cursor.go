package store

import (
	"database/sql"
	"errors"
	"time"
)

// Cursor returns the sync watermark for a conversation, or 0 if the
// conversation has never been reconciled.
func (db *DB) Cursor(conversationID string) (int64, error) {
	var ts int64
	err := db.QueryRow(`SELECT last_synced_at FROM sync_cursors WHERE conversation_id = ?`,
		conversationID).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return ts, nil
}

// AdvanceCursor moves the watermark forward. The MAX on conflict makes the
// cursor monotonically non-decreasing even under out-of-order batches.
func (db *DB) AdvanceCursor(conversationID string, ts int64) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO sync_cursors (conversation_id, last_synced_at, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			last_synced_at = MAX(sync_cursors.last_synced_at, excluded.last_synced_at),
			updated_at = excluded.updated_at`,
		conversationID, ts, now)
	return err
}

// TrackedConversations returns every conversation known to the cache: those
// with a sync cursor plus those with message history but no cursor yet.
func (db *DB) TrackedConversations() ([]string, error) {
	rows, err := db.Query(`
		SELECT conversation_id FROM sync_cursors
		UNION
		SELECT DISTINCT conversation_id FROM messages`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
