package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EntryKind identifies what a log entry carries. Structural kinds pass
// through compaction and recovery untouched.
type EntryKind string

const (
	KindMessage          EntryKind = "message"
	KindCompactionMarker EntryKind = "compaction-marker"
	KindModelChange      EntryKind = "model-change"
	KindThinkingChange   EntryKind = "thinking-level-change"
	KindLabel            EntryKind = "label"
	KindBranchSummary    EntryKind = "branch-summary"
	KindCustom           EntryKind = "custom"
	KindSessionInfo      EntryKind = "session-info"
)

var validKinds = map[EntryKind]bool{
	KindMessage:          true,
	KindCompactionMarker: true,
	KindModelChange:      true,
	KindThinkingChange:   true,
	KindLabel:            true,
	KindBranchSummary:    true,
	KindCustom:           true,
	KindSessionInfo:      true,
}

// IsStructural reports whether the kind carries log structure rather than
// conversational content.
func (k EntryKind) IsStructural() bool {
	return validKinds[k] && k != KindMessage
}

// Entry is one row of a session log.
type Entry struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Seq       int64           `json:"seq"`
	Kind      EntryKind       `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// ErrEntryNotFound is returned when an entry id does not exist in the
// active log.
var ErrEntryNotFound = errors.New("entry not found")

// EnsureSession creates the session row if it does not exist.
func (s *Store) EnsureSession(ctx context.Context, sessionID, model string) error {
	if _, err := uuid.Parse(sessionID); err != nil {
		return fmt.Errorf("invalid session_id: %w", err)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, model)
		VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET model = excluded.model;
	`, sessionID, model)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// SessionModel returns the model recorded for a session.
func (s *Store) SessionModel(ctx context.Context, sessionID string) (string, error) {
	var model string
	err := s.db.QueryRowContext(ctx,
		`SELECT model FROM sessions WHERE id = ?`, sessionID).Scan(&model)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("session %s: %w", sessionID, ErrEntryNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("read session model: %w", err)
	}
	return model, nil
}

// AppendEntry appends one entry to the active log and returns it with its
// assigned id and sequence number.
func (s *Store) AppendEntry(ctx context.Context, sessionID string, kind EntryKind, payload any) (*Entry, error) {
	if !validKinds[kind] {
		return nil, fmt.Errorf("invalid entry kind %q", kind)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	entry := &Entry{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Kind:      kind,
		Payload:   data,
	}
	err = retryOnBusy(ctx, 5, func() error {
		return s.db.QueryRowContext(ctx, `
			INSERT INTO entries (id, session_id, seq, kind, payload)
			VALUES (?, ?, (
				SELECT COALESCE(MAX(seq), 0) + 1 FROM entries WHERE session_id = ?
			), ?, ?)
			RETURNING seq, created_at;
		`, entry.ID, sessionID, sessionID, string(kind), string(data)).
			Scan(&entry.Seq, &entry.CreatedAt)
	})
	if err != nil {
		return nil, fmt.Errorf("insert entry: %w", err)
	}
	return entry, nil
}

// ListEntries returns the active (non-archived) log in sequence order.
func (s *Store) ListEntries(ctx context.Context, sessionID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, seq, kind, payload, created_at
		FROM entries
		WHERE session_id = ? AND archived_at IS NULL
		ORDER BY seq ASC;
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var payload string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Seq, &e.Kind, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.Payload = json.RawMessage(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

// BranchFrom archives every active entry after the given entry and returns
// the archived tail in order, so the caller can replay it. Passing an
// empty entryID branches from the log root.
func (s *Store) BranchFrom(ctx context.Context, sessionID, entryID string) ([]Entry, error) {
	fromSeq := int64(0)
	if entryID != "" {
		err := s.db.QueryRowContext(ctx, `
			SELECT seq FROM entries
			WHERE session_id = ? AND id = ? AND archived_at IS NULL;
		`, sessionID, entryID).Scan(&fromSeq)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("branch point %s: %w", entryID, ErrEntryNotFound)
		}
		if err != nil {
			return nil, fmt.Errorf("resolve branch point: %w", err)
		}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, seq, kind, payload, created_at
		FROM entries
		WHERE session_id = ? AND seq > ? AND archived_at IS NULL
		ORDER BY seq ASC;
	`, sessionID, fromSeq)
	if err != nil {
		return nil, fmt.Errorf("read branch tail: %w", err)
	}
	defer rows.Close()

	var tail []Entry
	for rows.Next() {
		var e Entry
		var payload string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Seq, &e.Kind, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan branch entry: %w", err)
		}
		e.Payload = json.RawMessage(payload)
		tail = append(tail, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE entries SET archived_at = CURRENT_TIMESTAMP
			WHERE session_id = ? AND seq > ? AND archived_at IS NULL;
		`, sessionID, fromSeq)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("archive branch tail: %w", err)
	}
	return tail, nil
}

// ArchiveThrough archives all active entries up to and including seq.
// Compaction uses this to retire a summarized prefix.
func (s *Store) ArchiveThrough(ctx context.Context, sessionID string, seq int64) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE entries SET archived_at = CURRENT_TIMESTAMP
			WHERE session_id = ? AND seq <= ? AND archived_at IS NULL;
		`, sessionID, seq)
		return err
	})
	if err != nil {
		return fmt.Errorf("archive prefix: %w", err)
	}
	return nil
}

// ArchiveEntries archives the listed entries. Unlike ArchiveThrough it
// handles a non-contiguous set, which pruning produces when orphaned
// tool results are removed from the kept suffix.
func (s *Store) ArchiveEntries(ctx context.Context, sessionID string, ids []string) error {
	for _, id := range ids {
		err := retryOnBusy(ctx, 5, func() error {
			_, err := s.db.ExecContext(ctx, `
				UPDATE entries SET archived_at = CURRENT_TIMESTAMP
				WHERE session_id = ? AND id = ? AND archived_at IS NULL;
			`, sessionID, id)
			return err
		})
		if err != nil {
			return fmt.Errorf("archive entry %s: %w", id, err)
		}
	}
	return nil
}

// ParentOf returns the id of the active entry immediately preceding the
// given one, or "" when it is the first entry.
func (s *Store) ParentOf(ctx context.Context, sessionID, entryID string) (string, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT seq FROM entries
		WHERE session_id = ? AND id = ? AND archived_at IS NULL;
	`, sessionID, entryID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("entry %s: %w", entryID, ErrEntryNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("resolve entry: %w", err)
	}

	var parentID string
	err = s.db.QueryRowContext(ctx, `
		SELECT id FROM entries
		WHERE session_id = ? AND seq < ? AND archived_at IS NULL
		ORDER BY seq DESC LIMIT 1;
	`, sessionID, seq).Scan(&parentID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve parent: %w", err)
	}
	return parentID, nil
}
