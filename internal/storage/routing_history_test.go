package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/slate-dev/slate/internal/model"
)

func TestSQLiteRoutingHistory(t *testing.T) {
	ctx := context.Background()
	history, err := NewSQLiteRoutingHistory(openTestDB(t, filepath.Join(t.TempDir(), "slate.db")), zap.NewNop())
	require.NoError(t, err)

	now := time.Now().UTC()
	records := []*model.RoutingRecord{
		{TaskID: "t1", AgentID: model.AgentAlpha, Outcome: model.OutcomeAssigned, CreatedAt: now.Add(-2 * time.Hour)},
		{TaskID: "t2", Outcome: model.OutcomeDeferred, Reason: "budget", CreatedAt: now.Add(-time.Minute)},
		{TaskID: "t1", AgentID: model.AgentBeta, Outcome: model.OutcomeAssigned, CreatedAt: now},
	}
	for _, r := range records {
		require.NoError(t, history.Store(ctx, r))
		assert.NotEmpty(t, r.ID)
	}

	t.Run("List", func(t *testing.T) {
		got, err := history.List(ctx, HistoryFilter{TaskID: "t1"}, 0, 10)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, model.AgentBeta, got[0].AgentID, "newest first")
		assert.Equal(t, model.AgentAlpha, got[1].AgentID)

		deferred, err := history.List(ctx, HistoryFilter{Outcome: model.OutcomeDeferred}, 0, 10)
		require.NoError(t, err)
		require.Len(t, deferred, 1)
		assert.Equal(t, "budget", deferred[0].Reason)
		assert.Empty(t, deferred[0].AgentID)
	})

	t.Run("Count", func(t *testing.T) {
		n, err := history.Count(ctx, HistoryFilter{})
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		n, err = history.Count(ctx, HistoryFilter{AgentID: model.AgentAlpha})
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("DeleteBefore", func(t *testing.T) {
		deleted, err := history.DeleteBefore(ctx, now.Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), deleted)

		n, err := history.Count(ctx, HistoryFilter{})
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})
}
