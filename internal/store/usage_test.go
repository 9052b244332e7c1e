// ABOUTME: Tests for token usage storage and aggregation
// ABOUTME: Runs the same assertions against SQLite and the mock store

package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUsage(t *testing.T) {
	stores := map[string]Store{"sqlite": setupTestStore(t), "mock": NewMockStore()}

	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()
			base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

			require.NoError(t, s.SaveUsage(ctx, &TokenUsage{ID: "u1", SessionID: "s1", ResultSeq: 4,
				InputTokens: 100, OutputTokens: 50, CacheReadTokens: 10, CostUSD: 0.01, CreatedAt: base}))
			require.NoError(t, s.SaveUsage(ctx, &TokenUsage{ID: "u2", SessionID: "s1", ResultSeq: 9,
				InputTokens: 200, OutputTokens: 20, CostUSD: 0.02, CreatedAt: base.Add(time.Hour)}))
			require.NoError(t, s.SaveUsage(ctx, &TokenUsage{ID: "u3", SessionID: "s2",
				InputTokens: 1, OutputTokens: 1, CreatedAt: base.Add(2 * time.Hour)}))

			records, err := s.GetSessionUsage(ctx, "s1")
			require.NoError(t, err)
			require.Len(t, records, 2)
			assert.Equal(t, int64(4), records[0].ResultSeq)

			all, err := s.GetUsageStats(ctx, UsageFilter{})
			require.NoError(t, err)
			assert.Equal(t, int64(3), all.TurnCount)
			assert.Equal(t, int64(301), all.TotalInput)

			sid := "s1"
			since := base.Add(30 * time.Minute)
			filtered, err := s.GetUsageStats(ctx, UsageFilter{SessionID: &sid, Since: &since})
			require.NoError(t, err)
			assert.Equal(t, int64(1), filtered.TurnCount)
			assert.Equal(t, int64(220), filtered.TotalTokens)
			assert.InDelta(t, 0.02, filtered.TotalCostUSD, 1e-9)
		})
	}
}
