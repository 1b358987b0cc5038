package sessions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/goclaw/internal/providers"
	"github.com/nextlevelbuilder/goclaw/internal/search"
	"github.com/nextlevelbuilder/goclaw/internal/store"
)

// bridgeTailEntries is how many trailing entries of a retired session are
// folded into the "Previous Session Context" bridge injected after rotation.
const bridgeTailEntries = 6

// Store is the Session Store component (spec §4.3): the append-only log in
// internal/store, folded into AgentState, with search indexing and
// bridge-context construction layered on top.
type Store struct {
	db  *store.DB
	idx *search.Index
}

// NewStore builds a Session Store sharing db's connection with idx.
func NewStore(db *store.DB, idx *search.Index) *Store {
	return &Store{db: db, idx: idx}
}

// AppendEntry writes one row to the log and indexes a flattened text
// extract under "session:<sid>:<eid>". An indexing failure is logged but
// never fails the append — the SQLite log is the single source of truth.
func (s *Store) AppendEntry(ctx context.Context, sessionID string, entry Entry) (int64, error) {
	messagesJSON, err := encodeMessages(entry.Messages)
	if err != nil {
		return 0, fmt.Errorf("encode messages: %w", err)
	}
	usageJSON, err := encodeUsage(entry.Usage)
	if err != nil {
		return 0, fmt.Errorf("encode usage: %w", err)
	}
	pendingJSON, err := encodePending(entry.Pending)
	if err != nil {
		return 0, fmt.Errorf("encode pending: %w", err)
	}

	row := store.SessionEntryRow{
		SessionID:    sessionID,
		MessagesJSON: messagesJSON,
		IsCompaction: entry.IsCompaction,
		ResponseID:   entry.ResponseID,
		UsageJSON:    usageJSON,
		PendingJSON:  pendingJSON,
		UserID:       entry.UserID,
		PostID:       entry.PostID,
	}

	id, err := s.db.AppendEntry(ctx, row)
	if err != nil {
		return 0, err
	}

	if s.idx != nil {
		docID := fmt.Sprintf("session:%s:%d", sessionID, id)
		text := flattenMessages(entry.Messages)
		if err := s.idx.Load(ctx, docID, text, "", []string{"session:" + sessionID}); err != nil {
			slog.Warn("session entry indexing failed", "session_id", sessionID, "entry_id", id, "error", err)
		}
	}

	return id, nil
}

// Entries returns a page of decoded entries for sessionID in insertion order.
func (s *Store) Entries(ctx context.Context, sessionID string, start, limit int) ([]Entry, error) {
	rows, err := s.db.Entries(ctx, sessionID, start, limit)
	if err != nil {
		return nil, err
	}

	out := make([]Entry, 0, len(rows))
	for _, r := range rows {
		msgs, _, err := decodeMessages(r.MessagesJSON)
		if err != nil {
			return nil, fmt.Errorf("decode entry %d: %w", r.ID, err)
		}
		out = append(out, Entry{
			ID:           r.ID,
			SessionID:    r.SessionID,
			CreatedAt:    r.CreatedAt,
			Messages:     msgs,
			IsCompaction: r.IsCompaction,
			ResponseID:   r.ResponseID,
			Usage:        decodeUsage(r.UsageJSON),
			Pending:      decodePending(r.PendingJSON),
			UserID:       r.UserID,
			PostID:       r.PostID,
			Deleted:      r.Deleted,
		})
	}
	return out, nil
}

// EntryCount returns the number of entries (including soft-deleted ones).
func (s *Store) EntryCount(ctx context.Context, sessionID string) (int, error) {
	return s.db.EntryCount(ctx, sessionID)
}

// Load folds every entry of sessionID into an AgentState.
func (s *Store) Load(ctx context.Context, sessionID string) (AgentState, error) {
	entries, err := s.Entries(ctx, sessionID, 1, 0)
	if err != nil {
		return AgentState{}, err
	}
	return Fold(entries), nil
}

// Resolve upserts session_keys by channelKey and, when the prior session
// was stale enough to rotate, builds a bridge-context summary from the
// retired session's tail entries. bridgeContext is empty when no rotation
// occurred.
func (s *Store) Resolve(ctx context.Context, channelKey string) (sessionID string, bridgeContext string, err error) {
	sessionID, rotated, previousSessionID, err := s.db.Resolve(ctx, channelKey)
	if err != nil {
		return "", "", err
	}
	if !rotated || previousSessionID == "" {
		return sessionID, "", nil
	}

	bridgeContext, err = s.buildBridgeContext(ctx, previousSessionID)
	if err != nil {
		slog.Warn("bridge context construction failed", "previous_session_id", previousSessionID, "error", err)
		return sessionID, "", nil
	}
	return sessionID, bridgeContext, nil
}

func (s *Store) buildBridgeContext(ctx context.Context, previousSessionID string) (string, error) {
	total, err := s.EntryCount(ctx, previousSessionID)
	if err != nil {
		return "", err
	}
	if total == 0 {
		return "", nil
	}

	start := 1
	if total > bridgeTailEntries {
		start = total - bridgeTailEntries + 1
	}
	entries, err := s.Entries(ctx, previousSessionID, start, bridgeTailEntries)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", nil
	}

	var b strings.Builder
	b.WriteString("## Previous Session Context\n\n")
	for _, e := range entries {
		if e.Deleted {
			continue
		}
		for _, m := range e.Messages {
			if m.Content == "" {
				continue
			}
			fmt.Fprintf(&b, "%s: %s\n", m.Role, truncateForBridge(m.Content))
		}
	}
	return b.String(), nil
}

func truncateForBridge(s string) string {
	const max = 500
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}

// AccessibleChannels returns the channel ids visible from currentChannelID
// (itself plus every other public channel), for visibility-tag filtering in
// the memory middleware.
func (s *Store) AccessibleChannels(ctx context.Context, currentChannelID string) ([]string, error) {
	return s.db.AccessibleChannelIDs(ctx, currentChannelID)
}

// AccessibleSessions returns the session ids visible from currentChannelID:
// that channel's session plus every public channel's session. Channels
// with no session yet recorded are skipped.
func (s *Store) AccessibleSessions(ctx context.Context, currentChannelID string) ([]string, error) {
	channelIDs, err := s.db.AccessibleChannelIDs(ctx, currentChannelID)
	if err != nil {
		return nil, err
	}

	var out []string
	for _, chID := range channelIDs {
		sid, ok, err := s.sessionIDForChannel(ctx, chID)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, sid)
		}
	}
	return out, nil
}

func (s *Store) sessionIDForChannel(ctx context.Context, channelKey string) (string, bool, error) {
	var sessionID string
	err := s.db.Conn().QueryRowContext(ctx, `SELECT session_id FROM session_keys WHERE session_key = ?`, channelKey).Scan(&sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return sessionID, true, nil
}

// Scrub soft-deletes session entries and hard-deletes agent-data rows
// carrying postID, evicting the corresponding search index documents for
// the removed agent-data keys.
func (s *Store) Scrub(ctx context.Context, postID string) error {
	removedKeys, err := s.db.Scrub(ctx, postID)
	if err != nil {
		return err
	}
	if s.idx == nil {
		return nil
	}
	for _, key := range removedKeys {
		if err := s.idx.Delete(ctx, "agent_data:"+key); err != nil {
			slog.Warn("search index eviction failed", "key", key, "error", err)
		}
	}
	return nil
}

func flattenMessages(msgs []providers.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		if m.Content == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(m.Content)
	}
	return b.String()
}
