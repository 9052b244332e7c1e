// ABOUTME: Append-only per-session event log backing replay and reconnection
// ABOUTME: Events are stored as JSON payloads keyed by (session_id, seq)

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/2389/coven-sessions/internal/event"
)

// AppendEvents stores events in one transaction. Every event must already carry
// a positive seq; a reused seq fails the whole batch with ErrSeqConflict.
func (s *SQLiteStore) AppendEvents(ctx context.Context, sessionID string, events []event.ChatEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO session_events (session_id, seq, type, fingerprint, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		if ev.Seq <= 0 {
			return fmt.Errorf("appending %s event: seq must be positive, got %d", ev.Kind, ev.Seq)
		}
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encoding event %d: %w", ev.Seq, err)
		}
		created := ev.Timestamp
		if created.IsZero() {
			created = time.Now()
		}
		if _, err := stmt.ExecContext(ctx, sessionID, ev.Seq, string(ev.Kind), ev.Fingerprint(), string(payload), formatTime(created)); err != nil {
			if strings.Contains(err.Error(), "FOREIGN KEY") {
				return fmt.Errorf("appending event %d: session %s: %w", ev.Seq, sessionID, ErrNotFound)
			}
			if isConstraintViolation(err) {
				return fmt.Errorf("appending event %d: %w", ev.Seq, ErrSeqConflict)
			}
			return fmt.Errorf("inserting event %d: %w", ev.Seq, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing events: %w", err)
	}

	s.logger.Debug("appended events", "session_id", sessionID, "count", len(events), "last_seq", events[len(events)-1].Seq)
	return nil
}

// GetEventsSince returns events with seq > afterSeq, oldest first.
func (s *SQLiteStore) GetEventsSince(ctx context.Context, sessionID string, afterSeq int64) ([]event.ChatEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, payload FROM session_events
		WHERE session_id = ? AND seq > ?
		ORDER BY seq ASC
	`, sessionID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var events []event.ChatEvent
	for rows.Next() {
		var seq int64
		var payload string
		if err := rows.Scan(&seq, &payload); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		var ev event.ChatEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return nil, fmt.Errorf("decoding event %d: %w", seq, err)
		}
		ev.Seq = seq
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", err)
	}
	return events, nil
}

// GetLatestSeq returns the highest seq stored for a session, 0 if none.
func (s *SQLiteStore) GetLatestSeq(ctx context.Context, sessionID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM session_events WHERE session_id = ?`, sessionID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("querying latest seq: %w", err)
	}
	return seq, nil
}
