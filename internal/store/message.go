package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// messageCols is the number of bound parameters per message row in the
// multi-row upsert below.
const messageCols = 9

// putChunkSize keeps each upsert statement under SQLite's default 999
// bound-parameter ceiling.
const putChunkSize = 100

// PutMessages upserts a batch of messages by id. Batches larger than the
// statement parameter limit are split into chunks; each chunk commits in its
// own transaction (all-or-nothing per chunk), so a failure mid-batch leaves a
// prefix committed and the whole batch can simply be retried — the upsert
// never creates duplicates.
func (db *DB) PutMessages(batch []*Message) error {
	now := time.Now().UnixMilli()
	for len(batch) > 0 {
		n := len(batch)
		if n > putChunkSize {
			n = putChunkSize
		}
		if err := db.putChunk(batch[:n], now); err != nil {
			return err
		}
		batch = batch[n:]
	}
	return nil
}

func (db *DB) putChunk(chunk []*Message, syncedAt int64) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	var sb strings.Builder
	sb.WriteString(`
		INSERT INTO messages (id, conversation_id, sender_id, body, authored_at, read_by, created_at, updated_at, synced_at)
		VALUES `)
	args := make([]any, 0, len(chunk)*messageCols)
	for i, m := range chunk {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?, ?, ?)")
		readBy, err := encodeReadBy(m.ReadBy)
		if err != nil {
			return fmt.Errorf("encode read_by for %s: %w", m.ID, err)
		}
		args = append(args, m.ID, m.ConversationID, m.SenderID, m.Body,
			m.AuthoredAt, readBy, m.CreatedAt, m.UpdatedAt, syncedAt)
	}
	// Content and authored_at are immutable after commit; only read state,
	// updated_at and the diagnostic synced_at move on conflict.
	sb.WriteString(`
		ON CONFLICT(id) DO UPDATE SET
			body = excluded.body,
			read_by = excluded.read_by,
			updated_at = excluded.updated_at,
			synced_at = excluded.synced_at`)

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin put chunk: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(sb.String(), args...); err != nil {
		return fmt.Errorf("put chunk: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit put chunk: %w", err)
	}
	return nil
}

// RecentMessages returns the most recent limit messages for a conversation,
// newest-first by authored_at. Equal timestamps keep insertion order, the
// same tie rule an open window applies to live deltas. Reads only local
// state.
func (db *DB) RecentMessages(conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT id, conversation_id, sender_id, body, authored_at, read_by, created_at, updated_at, synced_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY authored_at DESC, rowid ASC
		LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// LatestTimestamp returns the greatest updated_at seen for a conversation,
// or 0 when no history exists (meaning: fetch everything).
func (db *DB) LatestTimestamp(conversationID string) (int64, error) {
	var ts int64
	err := db.QueryRow(`
		SELECT COALESCE(MAX(updated_at), 0) FROM messages WHERE conversation_id = ?`,
		conversationID).Scan(&ts)
	if err != nil {
		return 0, err
	}
	return ts, nil
}

// GetMessage returns a single message by id, or nil if absent.
func (db *DB) GetMessage(id string) (*Message, error) {
	row := db.QueryRow(`
		SELECT id, conversation_id, sender_id, body, authored_at, read_by, created_at, updated_at, synced_at
		FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(r rowScanner) (Message, error) {
	var m Message
	var readBy string
	err := r.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Body,
		&m.AuthoredAt, &readBy, &m.CreatedAt, &m.UpdatedAt, &m.SyncedAt)
	if err != nil {
		return m, err
	}
	m.ReadBy, err = decodeReadBy(readBy)
	return m, err
}

func encodeReadBy(readBy map[string]int64) (string, error) {
	if len(readBy) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(readBy)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeReadBy(s string) (map[string]int64, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	var readBy map[string]int64
	if err := json.Unmarshal([]byte(s), &readBy); err != nil {
		return nil, fmt.Errorf("decode read_by: %w", err)
	}
	return readBy, nil
}
