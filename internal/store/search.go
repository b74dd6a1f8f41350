package store

import "strings"

// Search performs a full-text lookup on message bodies. When the FTS5 index
// is available results are ranked and carry highlighted snippets; otherwise
// a plain substring scan runs with the same result shape and relaxed
// ranking (newest-first). A malformed FTS query also falls through to the
// scan rather than surfacing a syntax error.
func (db *DB) Search(term, conversationID string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}
	if db.fts {
		results, err := db.searchFTS(term, conversationID, limit)
		if err == nil {
			return results, nil
		}
	}
	return db.searchScan(term, conversationID, limit)
}

func (db *DB) searchFTS(term, conversationID string, limit int) ([]SearchResult, error) {
	q := `
		SELECT m.id, m.conversation_id, m.sender_id, m.body, m.authored_at,
		       m.read_by, m.created_at, m.updated_at, m.synced_at,
		       snippet(messages_fts, 0, '<<', '>>', '...', 32)
		FROM messages_fts f
		JOIN messages m ON m.rowid = f.rowid
		WHERE messages_fts MATCH ?`

	args := []any{term}
	if conversationID != "" {
		q += " AND m.conversation_id = ?"
		args = append(args, conversationID)
	}
	q += " ORDER BY rank LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		var readBy string
		if err := rows.Scan(
			&r.Message.ID, &r.Message.ConversationID, &r.Message.SenderID,
			&r.Message.Body, &r.Message.AuthoredAt, &readBy,
			&r.Message.CreatedAt, &r.Message.UpdatedAt, &r.Message.SyncedAt,
			&r.Snippet,
		); err != nil {
			return nil, err
		}
		if r.Message.ReadBy, err = decodeReadBy(readBy); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func (db *DB) searchScan(term, conversationID string, limit int) ([]SearchResult, error) {
	q := `
		SELECT id, conversation_id, sender_id, body, authored_at, read_by, created_at, updated_at, synced_at
		FROM messages
		WHERE body LIKE '%' || ? || '%'`

	args := []any{term}
	if conversationID != "" {
		q += " AND conversation_id = ?"
		args = append(args, conversationID)
	}
	q += " ORDER BY authored_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, SearchResult{Message: m, Snippet: scanSnippet(m.Body, 64)})
	}
	return results, rows.Err()
}

func scanSnippet(body string, maxLen int) string {
	body = strings.TrimSpace(body)
	if len(body) <= maxLen {
		return body
	}
	return body[:maxLen] + "..."
}
