package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/slate-dev/slate/internal/model"
)

// AssignRequest carries everything the assignment transaction re-checks
type AssignRequest struct {
	TaskID        string
	AgentID       model.AgentID
	ReservationID string
	AgentLimit    int
	MaxInProgress int
	At            time.Time
}

// TaskStore defines the interface for the live task queue
type TaskStore interface {
	// Create inserts a new task with its dependency edges. Dependencies that
	// would close a cycle are rejected with ErrDependencyCycle.
	Create(ctx context.Context, task *model.Task) error

	// Get retrieves a task by ID
	Get(ctx context.Context, id string) (*model.Task, error)

	// List retrieves tasks in routing order
	List(ctx context.Context, filter model.TaskFilter) ([]*model.Task, error)

	// CountByStatus returns the number of live tasks per status
	CountByStatus(ctx context.Context) (map[model.TaskStatus]int, error)

	// CountInProgress counts in-progress tasks, for one agent or for all when agentID is empty
	CountInProgress(ctx context.Context, agentID string) (int, error)

	// CountAssigned counts pending and in-progress tasks that reference agentID
	CountAssigned(ctx context.Context, agentID string) (int, error)

	// UnmetDependencies returns the dependency ids that are not completed
	UnmetDependencies(ctx context.Context, id string) ([]string, error)

	// DependencyGraph returns every stored dependency edge
	DependencyGraph(ctx context.Context) (map[string][]string, error)

	// Assign moves a pending task to in_progress for an agent
	Assign(ctx context.Context, req AssignRequest) (*model.Task, error)

	// Defer records a contention deferral and returns the new deferral count
	Defer(ctx context.Context, id string, next *time.Time) (int, error)

	// Flag marks a task for operator review
	Flag(ctx context.Context, id string, reason model.FlagReason) error

	// Requeue clears flags and deferrals and returns failed or timed out work to pending
	Requeue(ctx context.Context, id string) (*model.Task, error)

	// Reset returns an in-progress task to pending and returns it as it was before
	Reset(ctx context.Context, id string) (*model.Task, error)

	// Transition changes status when the current status is one of from
	Transition(ctx context.Context, id string, from []model.TaskStatus, to model.TaskStatus, note string) (*model.Task, error)

	// Archive moves a task out of the live queue, pointing its dependents at keptID
	Archive(ctx context.Context, id, keptID, reason string) error

	// ListArchived returns the most recently archived tasks
	ListArchived(ctx context.Context, limit int) ([]model.ArchivedTask, error)
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type scanner interface {
	Scan(dest ...interface{}) error
}

const taskColumns = `id, title, description, status, priority, assigned_to, files_affected,
	complexity_score, source, note, created_at, updated_at, assigned_at, next_attempt_at,
	reservation_id, deferrals, flag_reason, flagged_at`

// SQLiteTaskStore implements TaskStore using SQLite
type SQLiteTaskStore struct {
	logger *zap.Logger
	db     *sql.DB
	now    func() time.Time
}

// NewSQLiteTaskStore creates the task tables on db if needed
func NewSQLiteTaskStore(db *sql.DB, logger *zap.Logger) (*SQLiteTaskStore, error) {
	store := &SQLiteTaskStore{
		logger: logger.Named("task_store"),
		db:     db,
		now:    func() time.Time { return time.Now().UTC() },
	}

	if err := store.initialize(); err != nil {
		return nil, err
	}
	return store, nil
}

// initialize creates the necessary tables if they don't exist
func (s *SQLiteTaskStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT,
			status TEXT NOT NULL,
			priority INTEGER NOT NULL,
			assigned_to TEXT,
			files_affected TEXT,
			complexity_score REAL NOT NULL DEFAULT 0,
			source TEXT,
			note TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			assigned_at DATETIME,
			next_attempt_at DATETIME,
			reservation_id TEXT,
			deferrals INTEGER NOT NULL DEFAULT 0,
			flag_reason TEXT,
			flagged_at DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
		CREATE INDEX IF NOT EXISTS idx_tasks_assigned_to ON tasks(assigned_to);
		CREATE INDEX IF NOT EXISTS idx_tasks_order ON tasks(priority, created_at);

		CREATE TABLE IF NOT EXISTS task_dependencies (
			task_id TEXT NOT NULL,
			depends_on TEXT NOT NULL,
			PRIMARY KEY (task_id, depends_on)
		);
		CREATE INDEX IF NOT EXISTS idx_task_dependencies_depends_on ON task_dependencies(depends_on);

		CREATE TABLE IF NOT EXISTS archived_tasks (
			id TEXT PRIMARY KEY,
			data TEXT NOT NULL,
			reason TEXT NOT NULL,
			kept_id TEXT,
			archived_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_archived_tasks_archived_at ON archived_tasks(archived_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize task tables: %w", err)
	}
	return nil
}

func (s *SQLiteTaskStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Create implements TaskStore.Create
func (s *SQLiteTaskStore) Create(ctx context.Context, task *model.Task) error {
	now := s.now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.CreatedAt = task.CreatedAt.UTC()
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = model.TaskStatusPending
	}

	files, err := json.Marshal(task.FilesAffected)
	if err != nil {
		return fmt.Errorf("failed to marshal files affected: %w", err)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE id = ?`, task.ID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check task id: %w", err)
		}
		if exists > 0 {
			return fmt.Errorf("%w: %s", ErrTaskExists, task.ID)
		}

		if len(task.Dependencies) > 0 {
			graph, err := dependencyGraph(ctx, tx)
			if err != nil {
				return err
			}
			graph[task.ID] = task.Dependencies
			if err := checkCycle(graph, task.ID); err != nil {
				return err
			}
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (
				id, title, description, status, priority, assigned_to, files_affected,
				complexity_score, source, note, created_at, updated_at, assigned_at,
				next_attempt_at, reservation_id, deferrals, flag_reason, flagged_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			task.ID,
			task.Title,
			nullString(task.Description),
			task.Status,
			task.Priority,
			nullString(task.AssignedTo),
			string(files),
			task.ComplexityScore,
			nullString(task.Source),
			nullString(task.Note),
			task.CreatedAt,
			task.UpdatedAt,
			nullTime(task.AssignedAt),
			nullTime(task.NextAttemptAt),
			nullString(task.ReservationID),
			task.Deferrals,
			nullString(string(task.FlagReason)),
			nullTime(task.FlaggedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to store task: %w", err)
		}

		for _, dep := range task.Dependencies {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO task_dependencies (task_id, depends_on) VALUES (?, ?)`,
				task.ID, dep); err != nil {
				return fmt.Errorf("failed to store task dependency: %w", err)
			}
		}
		return nil
	})
}

func scanTask(row scanner) (*model.Task, error) {
	var task model.Task
	var description, assignedTo, files, source, note, reservationID, flagReason sql.NullString
	var assignedAt, nextAttemptAt, flaggedAt sql.NullTime

	err := row.Scan(
		&task.ID,
		&task.Title,
		&description,
		&task.Status,
		&task.Priority,
		&assignedTo,
		&files,
		&task.ComplexityScore,
		&source,
		&note,
		&task.CreatedAt,
		&task.UpdatedAt,
		&assignedAt,
		&nextAttemptAt,
		&reservationID,
		&task.Deferrals,
		&flagReason,
		&flaggedAt,
	)
	if err != nil {
		return nil, err
	}

	task.Description = description.String
	task.AssignedTo = assignedTo.String
	task.Source = source.String
	task.Note = note.String
	task.ReservationID = reservationID.String
	task.FlagReason = model.FlagReason(flagReason.String)
	task.CreatedAt = task.CreatedAt.UTC()
	task.UpdatedAt = task.UpdatedAt.UTC()
	task.AssignedAt = timePtr(assignedAt)
	task.NextAttemptAt = timePtr(nextAttemptAt)
	task.FlaggedAt = timePtr(flaggedAt)

	if files.Valid && files.String != "" && files.String != "null" {
		if err := json.Unmarshal([]byte(files.String), &task.FilesAffected); err != nil {
			return nil, fmt.Errorf("failed to parse files affected: %w", err)
		}
	}
	return &task, nil
}

func (s *SQLiteTaskStore) get(ctx context.Context, q queryer, id string) (*model.Task, error) {
	task, err := scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}
	if err := s.loadDependencies(ctx, q, []*model.Task{task}); err != nil {
		return nil, err
	}
	return task, nil
}

// Get implements TaskStore.Get
func (s *SQLiteTaskStore) Get(ctx context.Context, id string) (*model.Task, error) {
	return s.get(ctx, s.db, id)
}

// List implements TaskStore.List. Tasks come back in routing order: priority,
// then age, then complexity descending.
func (s *SQLiteTaskStore) List(ctx context.Context, filter model.TaskFilter) ([]*model.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var where []string
	var args []interface{}

	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(filter.Statuses))+")")
		for _, status := range filter.Statuses {
			args = append(args, status)
		}
	}
	if filter.AssignedTo != "" {
		where = append(where, "assigned_to = ?")
		args = append(args, filter.AssignedTo)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	query += " ORDER BY priority ASC, created_at ASC, complexity_score DESC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	}

	tasks, err := s.queryTasks(ctx, s.db, query, args...)
	if err != nil {
		return nil, err
	}
	if err := s.loadDependencies(ctx, s.db, tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (s *SQLiteTaskStore) queryTasks(ctx context.Context, q queryer, query string, args ...interface{}) ([]*model.Task, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return tasks, nil
}

const dependencyBatch = 500

func (s *SQLiteTaskStore) loadDependencies(ctx context.Context, q queryer, tasks []*model.Task) error {
	byID := make(map[string]*model.Task, len(tasks))
	ids := make([]interface{}, 0, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
		ids = append(ids, t.ID)
	}

	for start := 0; start < len(ids); start += dependencyBatch {
		end := start + dependencyBatch
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]

		rows, err := q.QueryContext(ctx,
			`SELECT task_id, depends_on FROM task_dependencies WHERE task_id IN (`+placeholders(len(batch))+`) ORDER BY rowid`,
			batch...)
		if err != nil {
			return fmt.Errorf("failed to load dependencies: %w", err)
		}
		for rows.Next() {
			var taskID, dep string
			if err := rows.Scan(&taskID, &dep); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan dependency: %w", err)
			}
			if t, ok := byID[taskID]; ok {
				t.Dependencies = append(t.Dependencies, dep)
			}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return fmt.Errorf("error during row iteration: %w", err)
		}
	}
	return nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// CountByStatus implements TaskStore.CountByStatus
func (s *SQLiteTaskStore) CountByStatus(ctx context.Context) (map[model.TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.TaskStatus]int, len(model.AllTaskStatuses))
	for _, status := range model.AllTaskStatuses {
		counts[status] = 0
	}
	for rows.Next() {
		var status model.TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan task count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return counts, nil
}

func countInProgress(ctx context.Context, q queryer, agentID string) (int, error) {
	query := `SELECT COUNT(*) FROM tasks WHERE status = ?`
	args := []interface{}{model.TaskStatusInProgress}
	if agentID != "" {
		query += ` AND assigned_to = ?`
		args = append(args, agentID)
	}

	var n int
	if err := q.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count in-progress tasks: %w", err)
	}
	return n, nil
}

// CountInProgress implements TaskStore.CountInProgress
func (s *SQLiteTaskStore) CountInProgress(ctx context.Context, agentID string) (int, error) {
	return countInProgress(ctx, s.db, agentID)
}

// CountAssigned implements TaskStore.CountAssigned
func (s *SQLiteTaskStore) CountAssigned(ctx context.Context, agentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE assigned_to = ? AND status IN (?, ?)`,
		agentID, model.TaskStatusPending, model.TaskStatusInProgress).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count assigned tasks: %w", err)
	}
	return n, nil
}

func unmetDependencies(ctx context.Context, q queryer, id string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT d.depends_on
		FROM task_dependencies d
		LEFT JOIN tasks t ON t.id = d.depends_on
		WHERE d.task_id = ? AND (t.status IS NULL OR t.status != ?)
		ORDER BY d.rowid`,
		id, model.TaskStatusCompleted)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependencies: %w", err)
	}
	defer rows.Close()

	var unmet []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		unmet = append(unmet, dep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return unmet, nil
}

// UnmetDependencies implements TaskStore.UnmetDependencies. Missing dependency
// tasks count as unmet.
func (s *SQLiteTaskStore) UnmetDependencies(ctx context.Context, id string) ([]string, error) {
	return unmetDependencies(ctx, s.db, id)
}

// DependencyGraph implements TaskStore.DependencyGraph
func (s *SQLiteTaskStore) DependencyGraph(ctx context.Context) (map[string][]string, error) {
	return dependencyGraph(ctx, s.db)
}

func dependencyGraph(ctx context.Context, q queryer) (map[string][]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT task_id, depends_on FROM task_dependencies ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("failed to load dependency graph: %w", err)
	}
	defer rows.Close()

	graph := make(map[string][]string)
	for rows.Next() {
		var taskID, dep string
		if err := rows.Scan(&taskID, &dep); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		graph[taskID] = append(graph[taskID], dep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return graph, nil
}

// checkCycle walks the graph depth-first from start and fails on the first
// task reached again along the current path
func checkCycle(graph map[string][]string, start string) error {
	visited := make(map[string]bool)
	path := make(map[string]bool)

	var visit func(string) error
	visit = func(current string) error {
		if path[current] {
			return fmt.Errorf("%w: through task %s", ErrDependencyCycle, current)
		}
		if visited[current] {
			return nil
		}

		visited[current] = true
		path[current] = true
		for _, dep := range graph[current] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		path[current] = false
		return nil
	}

	return visit(start)
}

// Assign implements TaskStore.Assign. Every precondition is re-checked inside
// one immediate transaction, so two routers racing for the same task or the
// same agent slot cannot both commit.
func (s *SQLiteTaskStore) Assign(ctx context.Context, req AssignRequest) (*model.Task, error) {
	at := req.At
	if at.IsZero() {
		at = s.now()
	}
	at = at.UTC()

	var assigned *model.Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var status model.TaskStatus
		err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, req.TaskID).Scan(&status)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: %s", ErrTaskNotFound, req.TaskID)
			}
			return fmt.Errorf("failed to read task status: %w", err)
		}
		if status != model.TaskStatusPending {
			return fmt.Errorf("%w: %s is %s", ErrNotPending, req.TaskID, status)
		}

		unmet, err := unmetDependencies(ctx, tx, req.TaskID)
		if err != nil {
			return err
		}
		if len(unmet) > 0 {
			return fmt.Errorf("%w: %s waits on %s", ErrDependenciesIncomplete, req.TaskID, strings.Join(unmet, ", "))
		}

		if req.MaxInProgress > 0 {
			total, err := countInProgress(ctx, tx, "")
			if err != nil {
				return err
			}
			if total >= req.MaxInProgress {
				return fmt.Errorf("%w: %d/%d", ErrMaxInProgress, total, req.MaxInProgress)
			}
		}

		if req.AgentLimit > 0 {
			running, err := countInProgress(ctx, tx, string(req.AgentID))
			if err != nil {
				return err
			}
			if running >= req.AgentLimit {
				return fmt.Errorf("%w: %s runs %d/%d", ErrAgentAtCapacity, req.AgentID, running, req.AgentLimit)
			}
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE tasks SET
				status = ?,
				assigned_to = ?,
				assigned_at = ?,
				reservation_id = ?,
				updated_at = ?,
				deferrals = 0,
				next_attempt_at = NULL,
				flag_reason = NULL,
				flagged_at = NULL
			WHERE id = ? AND status = ?`,
			model.TaskStatusInProgress,
			string(req.AgentID),
			at,
			nullString(req.ReservationID),
			at,
			req.TaskID,
			model.TaskStatusPending,
		)
		if err != nil {
			return fmt.Errorf("failed to assign task: %w", err)
		}

		assigned, err = s.get(ctx, tx, req.TaskID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Task assigned",
		zap.String("task_id", req.TaskID),
		zap.String("agent_id", string(req.AgentID)))
	return assigned, nil
}

// Defer implements TaskStore.Defer
func (s *SQLiteTaskStore) Defer(ctx context.Context, id string, next *time.Time) (int, error) {
	var deferrals int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET deferrals = deferrals + 1, next_attempt_at = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			nullTime(next), s.now(), id, model.TaskStatusPending)
		if err != nil {
			return fmt.Errorf("failed to defer task: %w", err)
		}
		if err := expectRow(res, id, ErrNotPending); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx, `SELECT deferrals FROM tasks WHERE id = ?`, id).Scan(&deferrals)
	})
	return deferrals, err
}

// Flag implements TaskStore.Flag. Re-flagging with the same reason keeps the
// original flag time.
func (s *SQLiteTaskStore) Flag(ctx context.Context, id string, reason model.FlagReason) error {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET
			flagged_at = CASE WHEN flag_reason = ? THEN flagged_at ELSE ? END,
			flag_reason = ?,
			updated_at = ?
		WHERE id = ?`,
		string(reason), now, string(reason), now, id)
	if err != nil {
		return fmt.Errorf("failed to flag task: %w", err)
	}
	return expectRow(res, id, ErrTaskNotFound)
}

// Requeue implements TaskStore.Requeue
func (s *SQLiteTaskStore) Requeue(ctx context.Context, id string) (*model.Task, error) {
	var task *model.Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := s.get(ctx, tx, id)
		if err != nil {
			return err
		}

		switch current.Status {
		case model.TaskStatusPending:
			_, err = tx.ExecContext(ctx, `
				UPDATE tasks SET flag_reason = NULL, flagged_at = NULL, deferrals = 0,
					next_attempt_at = NULL, updated_at = ?
				WHERE id = ?`, s.now(), id)
		case model.TaskStatusFailed, model.TaskStatusTimeout, model.TaskStatusBlocked:
			_, err = tx.ExecContext(ctx, `
				UPDATE tasks SET status = ?, flag_reason = NULL, flagged_at = NULL, deferrals = 0,
					next_attempt_at = NULL, assigned_at = NULL, reservation_id = NULL, updated_at = ?
				WHERE id = ?`, model.TaskStatusPending, s.now(), id)
		default:
			return fmt.Errorf("%w: cannot requeue %s task %s", ErrInvalidTransition, current.Status, id)
		}
		if err != nil {
			return fmt.Errorf("failed to requeue task: %w", err)
		}

		task, err = s.get(ctx, tx, id)
		return err
	})
	return task, err
}

// Reset implements TaskStore.Reset
func (s *SQLiteTaskStore) Reset(ctx context.Context, id string) (*model.Task, error) {
	var before *model.Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := s.get(ctx, tx, id)
		if err != nil {
			return err
		}
		if current.Status != model.TaskStatusInProgress {
			return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, current.Status)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, assigned_to = NULL, assigned_at = NULL,
				reservation_id = NULL, updated_at = ?
			WHERE id = ?`,
			model.TaskStatusPending, s.now(), id)
		if err != nil {
			return fmt.Errorf("failed to reset task: %w", err)
		}
		before = current
		return nil
	})
	return before, err
}

// Transition implements TaskStore.Transition. The returned task is the state
// before the change so callers can release its reservation.
func (s *SQLiteTaskStore) Transition(ctx context.Context, id string, from []model.TaskStatus, to model.TaskStatus, note string) (*model.Task, error) {
	var before *model.Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := s.get(ctx, tx, id)
		if err != nil {
			return err
		}

		allowed := false
		for _, status := range from {
			if current.Status == status {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("%w: %s is %s, cannot move to %s", ErrInvalidTransition, id, current.Status, to)
		}

		reservation := nullString(current.ReservationID)
		if current.Status == model.TaskStatusInProgress && to != model.TaskStatusInProgress {
			reservation = sql.NullString{}
		}
		if note == "" {
			note = current.Note
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, reservation_id = ?, note = ?, updated_at = ?
			WHERE id = ?`,
			to, reservation, nullString(note), s.now(), id)
		if err != nil {
			return fmt.Errorf("failed to update task status: %w", err)
		}
		before = current
		return nil
	})
	return before, err
}

// Archive implements TaskStore.Archive
func (s *SQLiteTaskStore) Archive(ctx context.Context, id, keptID, reason string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		task, err := s.get(ctx, tx, id)
		if err != nil {
			return err
		}

		data, err := json.Marshal(task)
		if err != nil {
			return fmt.Errorf("failed to marshal archived task: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO archived_tasks (id, data, reason, kept_id, archived_at)
			VALUES (?, ?, ?, ?, ?)`,
			id, string(data), reason, nullString(keptID), s.now()); err != nil {
			return fmt.Errorf("failed to archive task: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM task_dependencies WHERE task_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete archived dependencies: %w", err)
		}

		if keptID != "" {
			if _, err := tx.ExecContext(ctx,
				`UPDATE OR IGNORE task_dependencies SET depends_on = ? WHERE depends_on = ?`,
				keptID, id); err != nil {
				return fmt.Errorf("failed to rewrite dependencies: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM task_dependencies WHERE depends_on = ? OR task_id = depends_on`,
				id); err != nil {
				return fmt.Errorf("failed to clean dependencies: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete archived task: %w", err)
		}
		return nil
	})
}

// ListArchived implements TaskStore.ListArchived
func (s *SQLiteTaskStore) ListArchived(ctx context.Context, limit int) ([]model.ArchivedTask, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT data, reason, kept_id, archived_at FROM archived_tasks
		ORDER BY archived_at DESC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list archived tasks: %w", err)
	}
	defer rows.Close()

	var archived []model.ArchivedTask
	for rows.Next() {
		var data string
		var keptID sql.NullString
		var entry model.ArchivedTask
		if err := rows.Scan(&data, &entry.Reason, &keptID, &entry.ArchivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan archived task: %w", err)
		}
		if err := json.Unmarshal([]byte(data), &entry.Task); err != nil {
			return nil, fmt.Errorf("failed to parse archived task: %w", err)
		}
		entry.KeptID = keptID.String
		entry.ArchivedAt = entry.ArchivedAt.UTC()
		archived = append(archived, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return archived, nil
}

func expectRow(res sql.Result, id string, notFound error) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", notFound, id)
	}
	return nil
}
