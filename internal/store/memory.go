package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// AgentDataRow is a row of the scratch agent_data table backing the
// scratch-memory tools and the memory middleware.
type AgentDataRow struct {
	Key       string
	Value     string
	CreatedAt time.Time
	UpdatedAt time.Time
	Tags      []string
	ChannelID string
	UserID    string
	PostID    string
}

// VisibilityTag returns the auto-assigned visibility tag for channelID:
// "agent_data:public" when empty, else "agent_data:ch:<id>".
func VisibilityTag(channelID string) string {
	if channelID == "" {
		return "agent_data:public"
	}
	return "agent_data:ch:" + channelID
}

// PutAgentData upserts a scratch entry. The visibility tag is added to tags
// automatically (callers need only supply user-facing tags).
func (db *DB) PutAgentData(ctx context.Context, row AgentDataRow) error {
	tags := append([]string{}, row.Tags...)
	visTag := VisibilityTag(row.ChannelID)
	hasVis := false
	for _, t := range tags {
		if t == visTag {
			hasVis = true
			break
		}
	}
	if !hasVis {
		tags = append(tags, visTag)
	}

	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return err
	}

	now := nowRFC3339()
	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO agent_data (key, value, created_at, updated_at, tags_json, channel_id, user_id, post_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value=excluded.value, updated_at=excluded.updated_at, tags_json=excluded.tags_json,
			channel_id=excluded.channel_id, user_id=excluded.user_id, post_id=excluded.post_id
	`, row.Key, row.Value, now, now, string(tagsJSON), row.ChannelID, row.UserID, row.PostID)
	return err
}

// GetAgentData retrieves a scratch entry by key.
func (db *DB) GetAgentData(ctx context.Context, key string) (AgentDataRow, bool, error) {
	var row AgentDataRow
	var createdAt, updatedAt, tagsJSON string
	err := db.conn.QueryRowContext(ctx, `
		SELECT key, value, created_at, updated_at, tags_json, channel_id, user_id, post_id FROM agent_data WHERE key = ?
	`, key).Scan(&row.Key, &row.Value, &createdAt, &updatedAt, &tagsJSON, &row.ChannelID, &row.UserID, &row.PostID)
	if errors.Is(err, sql.ErrNoRows) {
		return AgentDataRow{}, false, nil
	}
	if err != nil {
		return AgentDataRow{}, false, err
	}
	row.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	row.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	json.Unmarshal([]byte(tagsJSON), &row.Tags)
	return row, true, nil
}

// ListAgentData returns every scratch entry, optionally filtered to keys
// with a prefix (empty prefix = all).
func (db *DB) ListAgentData(ctx context.Context, keyPrefix string) ([]AgentDataRow, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT key, value, created_at, updated_at, tags_json, channel_id, user_id, post_id
		FROM agent_data WHERE key LIKE ? ORDER BY key
	`, keyPrefix+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AgentDataRow
	for rows.Next() {
		var row AgentDataRow
		var createdAt, updatedAt, tagsJSON string
		if err := rows.Scan(&row.Key, &row.Value, &createdAt, &updatedAt, &tagsJSON, &row.ChannelID, &row.UserID, &row.PostID); err != nil {
			return nil, err
		}
		row.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		row.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		json.Unmarshal([]byte(tagsJSON), &row.Tags)
		out = append(out, row)
	}
	return out, rows.Err()
}

// RemoveAgentData deletes a scratch entry by key.
func (db *DB) RemoveAgentData(ctx context.Context, key string) error {
	_, err := db.conn.ExecContext(ctx, `DELETE FROM agent_data WHERE key = ?`, key)
	return err
}
