package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/slate-dev/slate/internal/model"
)

func openTestDB(t *testing.T, path string) *sql.DB {
	t.Helper()
	db, err := Open(path, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestStore(t *testing.T) *SQLiteTaskStore {
	t.Helper()
	store, err := NewSQLiteTaskStore(openTestDB(t, filepath.Join(t.TempDir(), "slate.db")), zap.NewNop())
	require.NoError(t, err)
	return store
}

func newTask(id, title string, deps ...string) *model.Task {
	return &model.Task{
		ID:           id,
		Title:        title,
		Priority:     model.TaskPriorityNormal,
		AssignedTo:   model.AssigneeAuto,
		Dependencies: deps,
	}
}

func TestSQLiteTaskStore_CreateGet(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	task := newTask("t1", "Implement login endpoint", "t0")
	task.Description = "JWT based"
	task.FilesAffected = []string{"auth/login.go"}
	task.ComplexityScore = 4.5
	task.Source = "cli"
	require.NoError(t, store.Create(ctx, task))

	got, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "Implement login endpoint", got.Title)
	assert.Equal(t, "JWT based", got.Description)
	assert.Equal(t, model.TaskStatusPending, got.Status)
	assert.Equal(t, model.TaskPriorityNormal, got.Priority)
	assert.Equal(t, []string{"t0"}, got.Dependencies)
	assert.Equal(t, []string{"auth/login.go"}, got.FilesAffected)
	assert.Equal(t, 4.5, got.ComplexityScore)
	assert.Equal(t, "cli", got.Source)
	assert.Nil(t, got.AssignedAt)
	assert.WithinDuration(t, time.Now(), got.CreatedAt, 5*time.Second)

	err = store.Create(ctx, newTask("t1", "again"))
	require.ErrorIs(t, err, ErrTaskExists)

	_, err = store.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrTaskNotFound)
}

func TestSQLiteTaskStore_List(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	base := time.Now().Add(-time.Hour).UTC()

	tasks := []*model.Task{
		{ID: "low", Title: "low", Priority: model.TaskPriorityLow, CreatedAt: base},
		{ID: "old", Title: "old", Priority: model.TaskPriorityHigh, CreatedAt: base},
		{ID: "new", Title: "new", Priority: model.TaskPriorityHigh, CreatedAt: base.Add(time.Minute)},
		{ID: "complex", Title: "complex", Priority: model.TaskPriorityHigh, CreatedAt: base, ComplexityScore: 9},
	}
	for _, task := range tasks {
		require.NoError(t, store.Create(ctx, task))
	}
	_, err := store.Transition(ctx, "low", []model.TaskStatus{model.TaskStatusPending}, model.TaskStatusBlocked, "")
	require.NoError(t, err)

	all, err := store.List(ctx, model.TaskFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"complex", "old", "new", "low"}, taskIDs(all))

	pending, err := store.List(ctx, model.TaskFilter{Statuses: []model.TaskStatus{model.TaskStatusPending}})
	require.NoError(t, err)
	assert.Equal(t, []string{"complex", "old", "new"}, taskIDs(pending))

	page, err := store.List(ctx, model.TaskFilter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"old", "new"}, taskIDs(page))

	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, counts[model.TaskStatusPending])
	assert.Equal(t, 1, counts[model.TaskStatusBlocked])
	assert.Equal(t, 0, counts[model.TaskStatusCompleted])
}

func TestSQLiteTaskStore_Assign(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		store := newTestStore(t)
		require.NoError(t, store.Create(ctx, newTask("t1", "implement")))

		task, err := store.Assign(ctx, AssignRequest{TaskID: "t1", AgentID: model.AgentAlpha, ReservationID: "r1", AgentLimit: 2, MaxInProgress: 5})
		require.NoError(t, err)
		assert.Equal(t, model.TaskStatusInProgress, task.Status)
		assert.Equal(t, "ALPHA", task.AssignedTo)
		assert.Equal(t, "r1", task.ReservationID)
		require.NotNil(t, task.AssignedAt)

		_, err = store.Assign(ctx, AssignRequest{TaskID: "t1", AgentID: model.AgentBeta})
		require.ErrorIs(t, err, ErrNotPending)

		n, err := store.CountInProgress(ctx, "ALPHA")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		n, err = store.CountAssigned(ctx, "ALPHA")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("Dependencies Incomplete", func(t *testing.T) {
		store := newTestStore(t)
		require.NoError(t, store.Create(ctx, newTask("dep", "plan")))
		require.NoError(t, store.Create(ctx, newTask("t1", "implement", "dep", "ghost")))

		_, err := store.Assign(ctx, AssignRequest{TaskID: "t1", AgentID: model.AgentAlpha})
		require.ErrorIs(t, err, ErrDependenciesIncomplete)

		unmet, err := store.UnmetDependencies(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, []string{"dep", "ghost"}, unmet)

		got, err := store.Get(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, model.TaskStatusPending, got.Status)
	})

	t.Run("Dependencies Completed", func(t *testing.T) {
		store := newTestStore(t)
		require.NoError(t, store.Create(ctx, newTask("dep", "plan")))
		require.NoError(t, store.Create(ctx, newTask("t1", "implement", "dep")))

		_, err := store.Assign(ctx, AssignRequest{TaskID: "dep", AgentID: model.AgentGamma})
		require.NoError(t, err)
		_, err = store.Transition(ctx, "dep", []model.TaskStatus{model.TaskStatusInProgress}, model.TaskStatusCompleted, "done")
		require.NoError(t, err)

		_, err = store.Assign(ctx, AssignRequest{TaskID: "t1", AgentID: model.AgentAlpha})
		require.NoError(t, err)
	})

	t.Run("Agent At Capacity", func(t *testing.T) {
		store := newTestStore(t)
		require.NoError(t, store.Create(ctx, newTask("t1", "a")))
		require.NoError(t, store.Create(ctx, newTask("t2", "b")))

		_, err := store.Assign(ctx, AssignRequest{TaskID: "t1", AgentID: model.AgentEpsilon, AgentLimit: 1})
		require.NoError(t, err)
		_, err = store.Assign(ctx, AssignRequest{TaskID: "t2", AgentID: model.AgentEpsilon, AgentLimit: 1})
		require.ErrorIs(t, err, ErrAgentAtCapacity)
	})

	t.Run("Max In Progress", func(t *testing.T) {
		store := newTestStore(t)
		for i := 0; i < 3; i++ {
			require.NoError(t, store.Create(ctx, newTask(fmt.Sprintf("t%d", i), "x")))
		}
		for i := 0; i < 2; i++ {
			_, err := store.Assign(ctx, AssignRequest{TaskID: fmt.Sprintf("t%d", i), AgentID: model.AgentGamma, MaxInProgress: 2})
			require.NoError(t, err)
		}
		_, err := store.Assign(ctx, AssignRequest{TaskID: "t2", AgentID: model.AgentGamma, MaxInProgress: 2})
		require.ErrorIs(t, err, ErrMaxInProgress)
	})

	t.Run("Clears Deferral State", func(t *testing.T) {
		store := newTestStore(t)
		require.NoError(t, store.Create(ctx, newTask("t1", "x")))
		next := time.Now().Add(time.Minute)
		_, err := store.Defer(ctx, "t1", &next)
		require.NoError(t, err)
		require.NoError(t, store.Flag(ctx, "t1", model.FlagPersistentContention))

		task, err := store.Assign(ctx, AssignRequest{TaskID: "t1", AgentID: model.AgentGamma})
		require.NoError(t, err)
		assert.Zero(t, task.Deferrals)
		assert.Nil(t, task.NextAttemptAt)
		assert.Empty(t, task.FlagReason)
	})
}

func TestSQLiteTaskStore_AssignAtMostOnce(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "slate.db")

	// Two handles stand in for two processes sharing the database file.
	first, err := NewSQLiteTaskStore(openTestDB(t, path), zap.NewNop())
	require.NoError(t, err)
	second, err := NewSQLiteTaskStore(openTestDB(t, path), zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, first.Create(ctx, newTask("t1", "implement login endpoint")))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		winners  []model.AgentID
		failures []error
	)
	agents := []model.AgentID{model.AgentAlpha, model.AgentBeta, model.AgentGamma, model.AgentDelta}
	for i := 0; i < 16; i++ {
		store := first
		if i%2 == 1 {
			store = second
		}
		agent := agents[i%len(agents)]

		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Assign(ctx, AssignRequest{TaskID: "t1", AgentID: agent, AgentLimit: 2, MaxInProgress: 5})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, err)
				return
			}
			winners = append(winners, agent)
		}()
	}
	wg.Wait()

	require.Len(t, winners, 1)
	for _, err := range failures {
		assert.True(t, errors.Is(err, ErrNotPending), "unexpected error: %v", err)
	}

	got, err := second.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, string(winners[0]), got.AssignedTo)
}

func TestSQLiteTaskStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.Create(ctx, newTask("t1", "x")))

	_, err := store.Assign(ctx, AssignRequest{TaskID: "t1", AgentID: model.AgentAlpha, ReservationID: "r1"})
	require.NoError(t, err)

	t.Run("Reset", func(t *testing.T) {
		before, err := store.Reset(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, "r1", before.ReservationID)
		assert.Equal(t, "ALPHA", before.AssignedTo)

		got, err := store.Get(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, model.TaskStatusPending, got.Status)
		assert.Empty(t, got.AssignedTo)
		assert.Empty(t, got.ReservationID)
		assert.Nil(t, got.AssignedAt)

		_, err = store.Reset(ctx, "t1")
		require.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("Transition", func(t *testing.T) {
		_, err := store.Assign(ctx, AssignRequest{TaskID: "t1", AgentID: model.AgentAlpha, ReservationID: "r2"})
		require.NoError(t, err)

		before, err := store.Transition(ctx, "t1", []model.TaskStatus{model.TaskStatusInProgress}, model.TaskStatusFailed, "compile error")
		require.NoError(t, err)
		assert.Equal(t, "r2", before.ReservationID)

		got, err := store.Get(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, model.TaskStatusFailed, got.Status)
		assert.Equal(t, "compile error", got.Note)
		assert.Empty(t, got.ReservationID)

		_, err = store.Transition(ctx, "t1", []model.TaskStatus{model.TaskStatusInProgress}, model.TaskStatusCompleted, "")
		require.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("Requeue", func(t *testing.T) {
		got, err := store.Requeue(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, model.TaskStatusPending, got.Status)

		_, err = store.Transition(ctx, "t1", []model.TaskStatus{model.TaskStatusPending}, model.TaskStatusCancelled, "")
		require.NoError(t, err)
		_, err = store.Requeue(ctx, "t1")
		require.ErrorIs(t, err, ErrInvalidTransition)
	})
}

func TestSQLiteTaskStore_DeferAndFlag(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.Create(ctx, newTask("t1", "x")))

	next := time.Now().Add(30 * time.Second).UTC()
	n, err := store.Defer(ctx, "t1", &next)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = store.Defer(ctx, "t1", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, store.Flag(ctx, "t1", model.FlagAbandoned))
	first, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, first.FlaggedAt)
	assert.Equal(t, model.FlagAbandoned, first.FlagReason)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, store.Flag(ctx, "t1", model.FlagAbandoned))
	second, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, first.FlaggedAt.UnixNano(), second.FlaggedAt.UnixNano(), "re-flag keeps the first flag time")

	require.ErrorIs(t, store.Flag(ctx, "missing", model.FlagAbandoned), ErrTaskNotFound)

	requeued, err := store.Requeue(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, requeued.FlagReason)
	assert.Zero(t, requeued.Deferrals)
	assert.Nil(t, requeued.NextAttemptAt)
}

func TestSQLiteTaskStore_Archive(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.Create(ctx, newTask("kept", "Write docs")))
	require.NoError(t, store.Create(ctx, newTask("dup", "write docs!")))
	require.NoError(t, store.Create(ctx, newTask("child", "review docs", "dup")))
	require.NoError(t, store.Create(ctx, newTask("both", "publish docs", "dup", "kept")))

	require.NoError(t, store.Archive(ctx, "dup", "kept", "duplicate"))

	_, err := store.Get(ctx, "dup")
	require.ErrorIs(t, err, ErrTaskNotFound)

	child, err := store.Get(ctx, "child")
	require.NoError(t, err)
	assert.Equal(t, []string{"kept"}, child.Dependencies)

	both, err := store.Get(ctx, "both")
	require.NoError(t, err)
	assert.Equal(t, []string{"kept"}, both.Dependencies)

	archived, err := store.ListArchived(ctx, 10)
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, "dup", archived[0].Task.ID)
	assert.Equal(t, "kept", archived[0].KeptID)
	assert.Equal(t, "duplicate", archived[0].Reason)

	graph, err := store.DependencyGraph(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"child": {"kept"}, "both": {"kept"}}, graph)
}

func TestSQLiteTaskStore_CreateRejectsCycles(t *testing.T) {
	ctx := context.Background()

	t.Run("Sequential", func(t *testing.T) {
		store := newTestStore(t)
		require.NoError(t, store.Create(ctx, newTask("a", "Step A", "b")))
		require.NoError(t, store.Create(ctx, newTask("c", "Step C", "a")))

		err := store.Create(ctx, newTask("b", "Step B", "c"))
		require.ErrorIs(t, err, ErrDependencyCycle)
		_, err = store.Get(ctx, "b")
		require.ErrorIs(t, err, ErrTaskNotFound)

		err = store.Create(ctx, newTask("self", "Self", "self"))
		require.ErrorIs(t, err, ErrDependencyCycle)
	})

	t.Run("Concurrent writers on one file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "slate.db")
		first, err := NewSQLiteTaskStore(openTestDB(t, path), zap.NewNop())
		require.NoError(t, err)
		second, err := NewSQLiteTaskStore(openTestDB(t, path), zap.NewNop())
		require.NoError(t, err)

		for round := 0; round < 10; round++ {
			a := fmt.Sprintf("a%d", round)
			b := fmt.Sprintf("b%d", round)

			var wg sync.WaitGroup
			errs := make([]error, 2)
			wg.Add(2)
			go func() {
				defer wg.Done()
				errs[0] = first.Create(ctx, newTask(a, "Step A", b))
			}()
			go func() {
				defer wg.Done()
				errs[1] = second.Create(ctx, newTask(b, "Step B", a))
			}()
			wg.Wait()

			failed := 0
			for _, err := range errs {
				if err != nil {
					require.ErrorIs(t, err, ErrDependencyCycle)
					failed++
				}
			}
			assert.Equal(t, 1, failed, "round %d", round)
		}
	})
}

func taskIDs(tasks []*model.Task) []string {
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID)
	}
	return ids
}
