package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/slate-dev/slate/internal/model"
)

// HistoryFilter narrows routing history queries
type HistoryFilter struct {
	TaskID  string
	AgentID model.AgentID
	Outcome model.Outcome
}

func (f HistoryFilter) where() (string, []interface{}) {
	var clauses []string
	var args []interface{}
	if f.TaskID != "" {
		clauses = append(clauses, "task_id = ?")
		args = append(args, f.TaskID)
	}
	if f.AgentID != "" {
		clauses = append(clauses, "agent_id = ?")
		args = append(args, string(f.AgentID))
	}
	if f.Outcome != "" {
		clauses = append(clauses, "outcome = ?")
		args = append(args, string(f.Outcome))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// RoutingHistory defines the interface for routing history storage
type RoutingHistory interface {
	// Store stores a routing record
	Store(ctx context.Context, record *model.RoutingRecord) error

	// List retrieves routing records, newest first
	List(ctx context.Context, filter HistoryFilter, offset, limit int) ([]*model.RoutingRecord, error)

	// Count returns the total number of records matching the filter
	Count(ctx context.Context, filter HistoryFilter) (int, error)

	// DeleteBefore deletes records older than the specified time
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// SQLiteRoutingHistory implements RoutingHistory using SQLite
type SQLiteRoutingHistory struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteRoutingHistory creates the routing history table on db if needed
func NewSQLiteRoutingHistory(db *sql.DB, logger *zap.Logger) (*SQLiteRoutingHistory, error) {
	history := &SQLiteRoutingHistory{
		logger: logger.Named("routing_history"),
		db:     db,
	}

	if err := history.initialize(); err != nil {
		return nil, err
	}
	return history, nil
}

// initialize creates the necessary tables if they don't exist
func (s *SQLiteRoutingHistory) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS routing_history (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			agent_id TEXT,
			outcome TEXT NOT NULL,
			reason TEXT,
			created_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_routing_history_task_id ON routing_history(task_id);
		CREATE INDEX IF NOT EXISTS idx_routing_history_agent_id ON routing_history(agent_id);
		CREATE INDEX IF NOT EXISTS idx_routing_history_created_at ON routing_history(created_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize routing history: %w", err)
	}
	return nil
}

// Store implements RoutingHistory.Store
func (s *SQLiteRoutingHistory) Store(ctx context.Context, record *model.RoutingRecord) error {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	record.CreatedAt = record.CreatedAt.UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO routing_history (id, task_id, agent_id, outcome, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.TaskID,
		nullString(string(record.AgentID)),
		string(record.Outcome),
		nullString(record.Reason),
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store routing record: %w", err)
	}
	return nil
}

// List implements RoutingHistory.List
func (s *SQLiteRoutingHistory) List(ctx context.Context, filter HistoryFilter, offset, limit int) ([]*model.RoutingRecord, error) {
	where, args := filter.where()
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, agent_id, outcome, reason, created_at FROM routing_history`+
			where+` ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list routing history: %w", err)
	}
	defer rows.Close()

	var records []*model.RoutingRecord
	for rows.Next() {
		record := &model.RoutingRecord{}
		var agentID, reason sql.NullString
		if err := rows.Scan(&record.ID, &record.TaskID, &agentID, &record.Outcome, &reason, &record.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan routing record: %w", err)
		}
		record.AgentID = model.AgentID(agentID.String)
		record.Reason = reason.String
		record.CreatedAt = record.CreatedAt.UTC()
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return records, nil
}

// Count implements RoutingHistory.Count
func (s *SQLiteRoutingHistory) Count(ctx context.Context, filter HistoryFilter) (int, error) {
	where, args := filter.where()

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM routing_history`+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count routing history: %w", err)
	}
	return count, nil
}

// DeleteBefore implements RoutingHistory.DeleteBefore
func (s *SQLiteRoutingHistory) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM routing_history WHERE created_at < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete routing history: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Deleted old routing history records",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return affected, nil
}
