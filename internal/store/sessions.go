package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// sessionStaleAfter is the inactivity window after which resolve() mints a
// new session id for a channel key.
const sessionStaleAfter = time.Hour

// SessionEntryRow is one row of the append-only session log.
type SessionEntryRow struct {
	ID           int64
	SessionID    string
	CreatedAt    time.Time
	MessagesJSON string
	IsCompaction bool
	ResponseID   string
	UsageJSON    string
	PendingJSON  string
	UserID       string
	PostID       string
	Deleted      bool
}

// AppendEntry writes one row to the session log. Returns the assigned
// entry id. Callers are responsible for also indexing a flattened text
// extract into the search store; a failure to do so must never fail this
// call (the log is authoritative).
func (db *DB) AppendEntry(ctx context.Context, row SessionEntryRow) (int64, error) {
	res, err := db.conn.ExecContext(ctx, `
		INSERT INTO session_entries
			(session_id, created_at, messages_json, is_compaction, response_id, usage_json, pending_json, user_id, post_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, row.SessionID, nowRFC3339(), row.MessagesJSON, boolInt(row.IsCompaction), row.ResponseID, row.UsageJSON, row.PendingJSON, row.UserID, row.PostID)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Entries returns a page of entries for session_id in insertion order,
// starting at 1-indexed position start, up to limit rows. limit <= 0 means
// unlimited.
func (db *DB) Entries(ctx context.Context, sessionID string, start, limit int) ([]SessionEntryRow, error) {
	query := `
		SELECT id, session_id, created_at, messages_json, is_compaction, response_id, usage_json, pending_json, user_id, post_id, deleted
		FROM session_entries
		WHERE session_id = ?
		ORDER BY id ASC
	`
	args := []interface{}{sessionID}

	rowLimit := limit
	if rowLimit <= 0 {
		rowLimit = -1 // SQLite: LIMIT -1 means "no limit"
	}
	query += " LIMIT ?"
	args = append(args, rowLimit)

	if start > 1 {
		query += " OFFSET ?"
		args = append(args, start-1)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionEntryRow
	for rows.Next() {
		var r SessionEntryRow
		var createdAt string
		var isCompaction, deleted int
		if err := rows.Scan(&r.ID, &r.SessionID, &createdAt, &r.MessagesJSON, &isCompaction,
			&r.ResponseID, &r.UsageJSON, &r.PendingJSON, &r.UserID, &r.PostID, &deleted); err != nil {
			return nil, err
		}
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		r.IsCompaction = isCompaction != 0
		r.Deleted = deleted != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// EntryCount returns the number of entries for a session, including
// soft-deleted ones (scrub is a soft mark, not a removal — see Scrub).
func (db *DB) EntryCount(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM session_entries WHERE session_id = ?`, sessionID).Scan(&n)
	return n, err
}

// Resolve upserts session_keys by channelKey (the channel id or handler id
// used as session_key). If the prior session is stale (> 1 hour since last
// activity), a new UUID is minted and recorded; Resolve reports whether
// rotation happened and the id of the session that was just retired (for
// bridge-context construction), which is empty when no rotation occurred.
func (db *DB) Resolve(ctx context.Context, channelKey string) (sessionID string, rotated bool, previousSessionID string, err error) {
	now := time.Now().UTC()

	var existingID, lastActivity string
	row := db.conn.QueryRowContext(ctx, `SELECT session_id, last_activity_at FROM session_keys WHERE session_key = ?`, channelKey)
	scanErr := row.Scan(&existingID, &lastActivity)

	switch {
	case errors.Is(scanErr, sql.ErrNoRows):
		sessionID = uuid.NewString()
		_, err = db.conn.ExecContext(ctx, `
			INSERT INTO session_keys (session_key, session_id, last_activity_at) VALUES (?, ?, ?)
		`, channelKey, sessionID, now.Format(time.RFC3339Nano))
		return sessionID, false, "", err

	case scanErr != nil:
		return "", false, "", scanErr
	}

	lastT, _ := time.Parse(time.RFC3339Nano, lastActivity)
	if now.Sub(lastT) > sessionStaleAfter {
		previousSessionID = existingID
		sessionID = uuid.NewString()
		rotated = true
	} else {
		sessionID = existingID
	}

	_, err = db.conn.ExecContext(ctx, `
		UPDATE session_keys SET session_id = ?, last_activity_at = ? WHERE session_key = ?
	`, sessionID, now.Format(time.RFC3339Nano), channelKey)
	return sessionID, rotated, previousSessionID, err
}

// AccessibleChannelIDs returns the channel ids visible from
// currentChannelID: that channel plus every public channel ("public" here
// means any channel with is_private = 0).
func (db *DB) AccessibleChannelIDs(ctx context.Context, currentChannelID string) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id FROM channels WHERE id = ? OR is_private = 0
	`, currentChannelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	seen := make(map[string]bool)
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out, rows.Err()
}

// Scrub soft-marks session entries carrying postID as deleted (preserving
// them for prompt-cache prefix stability) and hard-deletes matching
// agent-data rows. Returns the agent-data keys that were removed, so the
// caller can also evict their search index documents.
func (db *DB) Scrub(ctx context.Context, postID string) (removedAgentDataKeys []string, err error) {
	err = withTx(ctx, db.conn, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE session_entries SET deleted = 1 WHERE post_id = ?`, postID); err != nil {
			return err
		}

		rows, err := tx.QueryContext(ctx, `SELECT key FROM agent_data WHERE post_id = ?`, postID)
		if err != nil {
			return err
		}
		var keys []string
		for rows.Next() {
			var k string
			if err := rows.Scan(&k); err != nil {
				rows.Close()
				return err
			}
			keys = append(keys, k)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM agent_data WHERE post_id = ?`, postID); err != nil {
			return err
		}

		removedAgentDataKeys = keys
		return nil
	})
	return removedAgentDataKeys, err
}
