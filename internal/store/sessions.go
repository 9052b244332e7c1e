// ABOUTME: Session metadata persistence: create, fetch, update, list and archive
// ABOUTME: A session row outlives its subprocess and carries the token needed to resume it

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const sessionColumns = `id, working_dir, model, permission_mode, conversation_id, resume_token,
	owner, created_by, status, created_at, updated_at, archived_at`

// CreateSession inserts a new session. Returns ErrDuplicateSession if the id exists.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *Session) error {
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = session.CreatedAt
	}
	if session.Status == "" {
		session.Status = SessionStatusActive
	}
	if session.ConversationID == "" {
		session.ConversationID = session.ID
	}

	query := `
		INSERT INTO sessions (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
	`
	_, err := s.db.ExecContext(ctx, query,
		session.ID,
		session.WorkingDir,
		session.Model,
		session.PermissionMode,
		session.ConversationID,
		session.ResumeToken,
		session.Owner,
		session.CreatedBy,
		string(session.Status),
		formatTime(session.CreatedAt),
		formatTime(session.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateSession
		}
		return fmt.Errorf("inserting session: %w", err)
	}

	s.logger.Debug("created session", "id", session.ID, "working_dir", session.WorkingDir)
	return nil
}

// GetSession retrieves a session by ID.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = ?`

	session, err := scanSession(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return session, nil
}

// UpdateSession writes the mutable fields of a session and bumps updated_at.
func (s *SQLiteStore) UpdateSession(ctx context.Context, session *Session) error {
	session.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE sessions
		SET working_dir = ?, model = ?, permission_mode = ?, resume_token = ?, owner = ?,
		    status = ?, archived_at = ?, updated_at = ?
		WHERE id = ?
	`
	if session.Status == "" {
		session.Status = SessionStatusActive
	}
	var archivedAt any
	if session.Status == SessionStatusArchived && session.ArchivedAt != nil {
		archivedAt = nullString(formatTime(*session.ArchivedAt))
	} else if session.Status == SessionStatusActive {
		session.ArchivedAt = nil
	}
	result, err := s.db.ExecContext(ctx, query,
		session.WorkingDir,
		session.Model,
		session.PermissionMode,
		session.ResumeToken,
		session.Owner,
		string(session.Status),
		archivedAt,
		formatTime(session.UpdatedAt),
		session.ID,
	)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSessions returns sessions ordered by most recently updated first.
func (s *SQLiteStore) ListSessions(ctx context.Context, filter SessionFilter) ([]*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	if !filter.IncludeArchived {
		query += ` WHERE status = 'active'`
	}
	query += ` ORDER BY updated_at DESC, id ASC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, normalizeLimit(filter.Limit))
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return sessions, nil
}

// ArchiveSession marks a session archived. Archiving twice is not an error.
func (s *SQLiteStore) ArchiveSession(ctx context.Context, id string) error {
	now := formatTime(time.Now())
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET status = 'archived', archived_at = COALESCE(archived_at, ?), updated_at = ?
		WHERE id = ?
	`, now, now, id)
	if err != nil {
		return fmt.Errorf("archiving session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	s.logger.Debug("archived session", "id", id)
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var session Session
	var status, createdAt, updatedAt string
	var archivedAt sql.NullString

	err := row.Scan(
		&session.ID,
		&session.WorkingDir,
		&session.Model,
		&session.PermissionMode,
		&session.ConversationID,
		&session.ResumeToken,
		&session.Owner,
		&session.CreatedBy,
		&status,
		&createdAt,
		&updatedAt,
		&archivedAt,
	)
	if err != nil {
		return nil, err
	}

	session.Status = SessionStatus(status)
	if session.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if session.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if archivedAt.Valid {
		t, err := parseTime(archivedAt.String)
		if err != nil {
			return nil, err
		}
		session.ArchivedAt = &t
	}
	return &session, nil
}

// normalizeLimit clamps list limits to 1..500, defaulting to 100.
func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > 500 {
		return 500
	}
	return limit
}
