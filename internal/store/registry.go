package store

import (
	"context"
	"database/sql"
	"errors"
)

// EventTypeRow is a row of the event_types table.
type EventTypeRow struct {
	Name        string
	Description string
}

// HandlerRow is a row of the event_handlers table, joined with its event
// type names.
type HandlerRow struct {
	ID            string
	Prompt        string
	ChannelID     string // empty = use the triggering event's own channel
	EventTypeNames []string
}

// UpsertEventType inserts or updates an event type.
func (db *DB) UpsertEventType(ctx context.Context, name, description string) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO event_types (name, description) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET description=excluded.description
	`, name, description)
	return err
}

// EventTypeExists reports whether name is a registered event type.
func (db *DB) EventTypeExists(ctx context.Context, name string) (bool, error) {
	var n string
	err := db.conn.QueryRowContext(ctx, `SELECT name FROM event_types WHERE name = ?`, name).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// ListEventTypes returns all registered event types.
func (db *DB) ListEventTypes(ctx context.Context) ([]EventTypeRow, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT name, description FROM event_types ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventTypeRow
	for rows.Next() {
		var r EventTypeRow
		if err := rows.Scan(&r.Name, &r.Description); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteEventType removes an event type row.
func (db *DB) DeleteEventType(ctx context.Context, name string) error {
	_, err := db.conn.ExecContext(ctx, `DELETE FROM event_types WHERE name = ?`, name)
	return err
}

// UpsertHandler replaces a handler's row and its event-type join set
// atomically: the old join rows for this handler id are cleared and the new
// set is re-inserted within one transaction.
func (db *DB) UpsertHandler(ctx context.Context, h HandlerRow) error {
	return withTx(ctx, db.conn, func(tx *sql.Tx) error {
		var channelID interface{}
		if h.ChannelID != "" {
			channelID = h.ChannelID
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO event_handlers (id, prompt, channel_id) VALUES (?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET prompt=excluded.prompt, channel_id=excluded.channel_id
		`, h.ID, h.Prompt, channelID); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM event_handler_types WHERE handler_id = ?`, h.ID); err != nil {
			return err
		}

		for _, typeName := range h.EventTypeNames {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO event_handler_types (handler_id, event_type_name) VALUES (?, ?)
			`, h.ID, typeName); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteHandler removes a handler and its join rows.
func (db *DB) DeleteHandler(ctx context.Context, id string) error {
	return withTx(ctx, db.conn, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM event_handler_types WHERE handler_id = ?`, id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM event_handlers WHERE id = ?`, id)
		return err
	})
}

// ListHandlers returns every handler with its joined event type names.
func (db *DB) ListHandlers(ctx context.Context) ([]HandlerRow, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT id, prompt, COALESCE(channel_id, '') FROM event_handlers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var handlers []HandlerRow
	for rows.Next() {
		var h HandlerRow
		if err := rows.Scan(&h.ID, &h.Prompt, &h.ChannelID); err != nil {
			return nil, err
		}
		handlers = append(handlers, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range handlers {
		names, err := db.handlerEventTypes(ctx, handlers[i].ID)
		if err != nil {
			return nil, err
		}
		handlers[i].EventTypeNames = names
	}

	return handlers, nil
}

// HandlersForEventType returns every handler joined to eventType, in
// handler insertion order.
func (db *DB) HandlersForEventType(ctx context.Context, eventType string) ([]HandlerRow, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT h.id, h.prompt, COALESCE(h.channel_id, '')
		FROM event_handlers h
		JOIN event_handler_types t ON t.handler_id = h.id
		WHERE t.event_type_name = ?
		ORDER BY h.rowid
	`, eventType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var handlers []HandlerRow
	for rows.Next() {
		var h HandlerRow
		if err := rows.Scan(&h.ID, &h.Prompt, &h.ChannelID); err != nil {
			return nil, err
		}
		h.EventTypeNames = []string{eventType}
		handlers = append(handlers, h)
	}
	return handlers, rows.Err()
}

func (db *DB) handlerEventTypes(ctx context.Context, handlerID string) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT event_type_name FROM event_handler_types WHERE handler_id = ? ORDER BY event_type_name`, handlerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}
