package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"prism-board/domain"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	title TEXT NOT NULL,
	notes TEXT NOT NULL DEFAULT '',
	priority INTEGER NOT NULL DEFAULT 0,
	due_date INTEGER,
	status TEXT NOT NULL,
	order_index INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_owner_lane ON tasks(owner_id, status, order_index);
`

// SQLite is a single-file relational store. Every mutation runs in one
// immediate transaction, and the pool holds a single connection, so writers
// are serialized by the database.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies the schema.
func OpenSQLite(path string) (*SQLite, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}
	if err := s.InitSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// InitSchema creates the tasks table and its lane index.
func (s *SQLite) InitSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// FetchTasks retrieves all tasks for the provided user ordered by lane and index.
func (s *SQLite) FetchTasks(ctx context.Context, userID string) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, notes, priority, due_date, status, order_index
		FROM tasks WHERE owner_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	tasks := []domain.Task{}
	for rows.Next() {
		var (
			t      domain.Task
			due    sql.NullInt64
			status string
		)
		if err := rows.Scan(&t.ID, &t.Title, &t.Notes, &t.Priority, &due, &status, &t.OrderIndex); err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		if t.Status, err = domain.ParseStatus(status); err != nil {
			return nil, fmt.Errorf("task %s: %w", t.ID, err)
		}
		if due.Valid {
			d := time.Unix(due.Int64, 0).UTC()
			t.DueDate = &d
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	domain.SortTasks(tasks)
	return tasks, nil
}

// CreateTask appends a new task to the end of its lane.
func (s *SQLite) CreateTask(ctx context.Context, userID string, nt domain.NewTask) (domain.Task, error) {
	t := domain.Task{
		ID:       uuid.NewString(),
		Title:    nt.Title,
		Notes:    nt.Notes,
		Priority: nt.Priority,
		DueDate:  nt.DueDate,
		Status:   nt.Status,
	}
	var due sql.NullInt64
	if t.DueDate != nil {
		due = sql.NullInt64{Int64: t.DueDate.Unix(), Valid: true}
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		size, err := laneSize(ctx, tx, userID, t.Status)
		if err != nil {
			return err
		}
		t.OrderIndex = size
		now := time.Now().Unix()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO tasks (id, owner_id, title, notes, priority, due_date, status, order_index, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, userID, t.Title, t.Notes, t.Priority, due, t.Status.String(), t.OrderIndex, now, now)
		return err
	})
	if err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// MoveTask atomically places a task at the requested lane position, shifting
// only the affected ranges of the source and destination lanes.
func (s *SQLite) MoveTask(ctx context.Context, userID string, m domain.Move) ([]domain.Task, error) {
	if !m.Status.Valid() {
		return nil, fmt.Errorf("%w: %d", domain.ErrUnknownStatus, uint8(m.Status))
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		from, fromIndex, err := position(ctx, tx, userID, m.TaskID)
		if err != nil {
			return err
		}
		limit, err := laneSize(ctx, tx, userID, m.Status)
		if err != nil {
			return err
		}
		if from == m.Status {
			limit--
		}
		if m.OrderIndex < 0 || m.OrderIndex > limit {
			return fmt.Errorf("%w: %d not in [0, %d] for lane %s", domain.ErrIndexOutOfRange, m.OrderIndex, limit, m.Status)
		}

		now := time.Now().Unix()
		var shifts []laneShift
		switch {
		case from != m.Status:
			shifts = []laneShift{
				{`UPDATE tasks SET order_index = order_index - 1, updated_at = ? WHERE owner_id = ? AND status = ? AND order_index > ?`,
					[]any{now, userID, from.String(), fromIndex}},
				{`UPDATE tasks SET order_index = order_index + 1, updated_at = ? WHERE owner_id = ? AND status = ? AND order_index >= ?`,
					[]any{now, userID, m.Status.String(), m.OrderIndex}},
			}
		case m.OrderIndex > fromIndex:
			shifts = []laneShift{
				{`UPDATE tasks SET order_index = order_index - 1, updated_at = ? WHERE owner_id = ? AND status = ? AND order_index > ? AND order_index <= ?`,
					[]any{now, userID, from.String(), fromIndex, m.OrderIndex}},
			}
		case m.OrderIndex < fromIndex:
			shifts = []laneShift{
				{`UPDATE tasks SET order_index = order_index + 1, updated_at = ? WHERE owner_id = ? AND status = ? AND order_index >= ? AND order_index < ?`,
					[]any{now, userID, from.String(), m.OrderIndex, fromIndex}},
			}
		default:
			return nil
		}
		for _, sh := range shifts {
			if _, err := tx.ExecContext(ctx, sh.query, sh.args...); err != nil {
				return fmt.Errorf("shifting lane: %w", err)
			}
		}
		_, err = tx.ExecContext(ctx, `UPDATE tasks SET status = ?, order_index = ?, updated_at = ? WHERE owner_id = ? AND id = ?`,
			m.Status.String(), m.OrderIndex, now, userID, m.TaskID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.FetchTasks(ctx, userID)
}

// DeleteTask removes a task and closes the gap it leaves in its lane.
func (s *SQLite) DeleteTask(ctx context.Context, userID, taskID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		status, idx, err := position(ctx, tx, userID, taskID)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE owner_id = ? AND id = ?`, userID, taskID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE tasks SET order_index = order_index - 1, updated_at = ?
			WHERE owner_id = ? AND status = ? AND order_index > ?`,
			time.Now().Unix(), userID, status.String(), idx)
		return err
	})
}

type laneShift struct {
	query string
	args  []any
}

func (s *SQLite) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func position(ctx context.Context, tx *sql.Tx, userID, taskID string) (domain.Status, int, error) {
	var (
		status string
		idx    int
	)
	err := tx.QueryRowContext(ctx, `SELECT status, order_index FROM tasks WHERE owner_id = ? AND id = ?`, userID, taskID).Scan(&status, &idx)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, taskID)
	}
	if err != nil {
		return 0, 0, err
	}
	parsed, err := domain.ParseStatus(status)
	if err != nil {
		return 0, 0, err
	}
	return parsed, idx, nil
}

func laneSize(ctx context.Context, tx *sql.Tx, userID string, status domain.Status) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE owner_id = ? AND status = ?`, userID, status.String()).Scan(&n)
	return n, err
}
