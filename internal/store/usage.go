// ABOUTME: SQLite implementation for per-turn token usage tracking
// ABOUTME: Stores and aggregates token and cost accounting reported by turn results

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SaveUsage stores a token usage record.
func (s *SQLiteStore) SaveUsage(ctx context.Context, usage *TokenUsage) error {
	if usage.CreatedAt.IsZero() {
		usage.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO session_usage (
			id, session_id, result_seq,
			input_tokens, output_tokens, cache_read_tokens, cache_write_tokens,
			cost_usd, duration_ms, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		usage.ID,
		usage.SessionID,
		usage.ResultSeq,
		usage.InputTokens,
		usage.OutputTokens,
		usage.CacheReadTokens,
		usage.CacheWriteTokens,
		usage.CostUSD,
		usage.DurationMS,
		formatTime(usage.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting usage: %w", err)
	}

	s.logger.Debug("saved token usage",
		"id", usage.ID,
		"session_id", usage.SessionID,
		"input_tokens", usage.InputTokens,
		"output_tokens", usage.OutputTokens,
	)
	return nil
}

// GetSessionUsage retrieves all usage records for a session, oldest first.
func (s *SQLiteStore) GetSessionUsage(ctx context.Context, sessionID string) ([]*TokenUsage, error) {
	query := `
		SELECT id, session_id, result_seq,
		       input_tokens, output_tokens, cache_read_tokens, cache_write_tokens,
		       cost_usd, duration_ms, created_at
		FROM session_usage
		WHERE session_id = ?
		ORDER BY created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying session usage: %w", err)
	}
	defer rows.Close()

	var usages []*TokenUsage
	for rows.Next() {
		usage, err := scanUsage(rows)
		if err != nil {
			return nil, err
		}
		usages = append(usages, usage)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating usage rows: %w", err)
	}

	return usages, nil
}

// GetUsageStats returns aggregated usage statistics with optional filters.
func (s *SQLiteStore) GetUsageStats(ctx context.Context, filter UsageFilter) (*UsageStats, error) {
	query := `
		SELECT
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(cache_read_tokens), 0),
			COALESCE(SUM(cache_write_tokens), 0),
			COALESCE(SUM(cost_usd), 0),
			COUNT(*)
		FROM session_usage
		WHERE 1=1
	`
	args := []any{}

	if filter.SessionID != nil {
		query += " AND session_id = ?"
		args = append(args, *filter.SessionID)
	}
	if filter.Since != nil {
		query += " AND created_at >= ?"
		args = append(args, formatTime(*filter.Since))
	}
	if filter.Until != nil {
		query += " AND created_at < ?"
		args = append(args, formatTime(*filter.Until))
	}

	var stats UsageStats
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.TotalInput,
		&stats.TotalOutput,
		&stats.TotalCacheRead,
		&stats.TotalCacheWrite,
		&stats.TotalCostUSD,
		&stats.TurnCount,
	)
	if err != nil {
		return nil, fmt.Errorf("querying usage stats: %w", err)
	}

	// Cache tokens are billed separately and excluded from the total.
	stats.TotalTokens = stats.TotalInput + stats.TotalOutput

	return &stats, nil
}

// scanUsage scans a single usage row into a TokenUsage struct.
func scanUsage(rows *sql.Rows) (*TokenUsage, error) {
	var usage TokenUsage
	var createdAt string

	err := rows.Scan(
		&usage.ID,
		&usage.SessionID,
		&usage.ResultSeq,
		&usage.InputTokens,
		&usage.OutputTokens,
		&usage.CacheReadTokens,
		&usage.CacheWriteTokens,
		&usage.CostUSD,
		&usage.DurationMS,
		&createdAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning usage row: %w", err)
	}

	if usage.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &usage, nil
}
