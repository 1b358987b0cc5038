package store

import (
	"context"
	"database/sql"
	"errors"
)

// ChannelRow mirrors a row of the channel registry table. The registry is
// ephemeral — repopulated by each EventSource's Channels() on startup —
// but persisted anyway so handlers inserted while a channel is briefly
// disconnected still resolve correctly.
type ChannelRow struct {
	ID        string
	TypeName  string
	IsGroup   bool
	IsPrivate bool
}

// UpsertChannel registers or refreshes a channel row.
func (db *DB) UpsertChannel(ctx context.Context, row ChannelRow) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO channels (id, type_name, is_group, is_private, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET type_name=excluded.type_name, is_group=excluded.is_group, is_private=excluded.is_private
	`, row.ID, row.TypeName, boolInt(row.IsGroup), boolInt(row.IsPrivate), nowRFC3339())
	return err
}

// GetChannel returns a channel row by id.
func (db *DB) GetChannel(ctx context.Context, id string) (ChannelRow, bool, error) {
	var row ChannelRow
	var isGroup, isPrivate int
	err := db.conn.QueryRowContext(ctx, `SELECT id, type_name, is_group, is_private FROM channels WHERE id = ?`, id).
		Scan(&row.ID, &row.TypeName, &isGroup, &isPrivate)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ChannelRow{}, false, nil
		}
		return ChannelRow{}, false, err
	}
	row.IsGroup = isGroup != 0
	row.IsPrivate = isPrivate != 0
	return row, true, nil
}

// ListChannels returns all registered channels.
func (db *DB) ListChannels(ctx context.Context) ([]ChannelRow, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT id, type_name, is_group, is_private FROM channels ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ChannelRow
	for rows.Next() {
		var row ChannelRow
		var isGroup, isPrivate int
		if err := rows.Scan(&row.ID, &row.TypeName, &isGroup, &isPrivate); err != nil {
			return nil, err
		}
		row.IsGroup = isGroup != 0
		row.IsPrivate = isPrivate != 0
		out = append(out, row)
	}
	return out, rows.Err()
}

// ChannelExists reports whether a channel id is registered.
func (db *DB) ChannelExists(ctx context.Context, id string) (bool, error) {
	_, ok, err := db.GetChannel(ctx, id)
	return ok, err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
