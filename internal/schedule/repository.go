package schedule

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store reads and writes recurring definitions.
type Store interface {
	// ListActive returns every active definition. Rows that cannot be
	// decoded are left out and reported through an error matching
	// ErrMalformedDefinition, alongside the rows that could.
	ListActive(ctx context.Context) ([]Definition, error)
	ListByTemplate(ctx context.Context, templateID string) ([]Definition, error)
	Create(ctx context.Context, def *Definition) error
	Deactivate(ctx context.Context, id string) error
}

// Queue is the task queue the scheduler writes into.
type Queue interface {
	Enqueue(ctx context.Context, entry *QueueEntry) error
	// HasEntryOn reports whether any entry for the definition is dated day.
	HasEntryOn(ctx context.Context, definitionID, day string) (bool, error)
	// CancelPending cancels the definition's queued and in-progress entries.
	CancelPending(ctx context.Context, definitionID string) (int64, error)
}

const definitionColumns = `id, template_id, task_type, floor, shelf_point, robot_id,
			schedule_time, days_of_week, is_active, created_at`

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a SQLite-backed definition store.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// ListActive implements Store.
func (s *SQLiteStore) ListActive(ctx context.Context) ([]Definition, error) {
	query := `SELECT ` + definitionColumns + ` FROM recurring_tasks WHERE is_active = 1 ORDER BY created_at, id`
	return s.query(ctx, query)
}

// ListByTemplate returns a template's active definitions, newest first.
func (s *SQLiteStore) ListByTemplate(ctx context.Context, templateID string) ([]Definition, error) {
	query := `SELECT ` + definitionColumns + ` FROM recurring_tasks
		WHERE template_id = ? AND is_active = 1 ORDER BY created_at DESC, id`
	return s.query(ctx, query, templateID)
}

// Create inserts a definition, assigning an ID when empty.
func (s *SQLiteStore) Create(ctx context.Context, def *Definition) error {
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	if def.CreatedAt.IsZero() {
		def.CreatedAt = time.Now().UTC()
	}
	def.Active = true

	days, err := json.Marshal(def.Days)
	if err != nil {
		return fmt.Errorf("marshalling days: %w", err)
	}

	query := `
		INSERT INTO recurring_tasks (
			id, template_id, task_type, floor, shelf_point, robot_id,
			schedule_time, days_of_week, is_active, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?)`
	_, err = s.db.ExecContext(ctx, query,
		def.ID,
		def.TemplateID,
		def.TaskType,
		def.Floor,
		def.ShelfPoint,
		def.RobotID,
		def.Time,
		string(days),
		def.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting recurring task: %w", err)
	}
	return nil
}

// Deactivate marks a definition inactive.
func (s *SQLiteStore) Deactivate(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE recurring_tasks SET is_active = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deactivating recurring task: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrDefinitionNotFound
	}
	return nil
}

func (s *SQLiteStore) query(ctx context.Context, query string, args ...any) ([]Definition, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying recurring tasks: %w", err)
	}
	defer rows.Close()

	var (
		defs      []Definition
		malformed []error
	)
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			if errors.Is(err, ErrMalformedDefinition) {
				malformed = append(malformed, err)
				continue
			}
			return nil, err
		}
		defs = append(defs, *def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating recurring tasks: %w", err)
	}
	return defs, errors.Join(malformed...)
}

func scanDefinition(rows *sql.Rows) (*Definition, error) {
	var (
		def       Definition
		days      string
		active    int
		createdAt string
	)
	err := rows.Scan(
		&def.ID, &def.TemplateID, &def.TaskType, &def.Floor, &def.ShelfPoint, &def.RobotID,
		&def.Time, &days, &active, &createdAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning recurring task: %w", err)
	}
	if err := json.Unmarshal([]byte(days), &def.Days); err != nil {
		return nil, fmt.Errorf("%w: %s: days_of_week: %w", ErrMalformedDefinition, def.ID, err)
	}
	def.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: created_at: %w", ErrMalformedDefinition, def.ID, err)
	}
	def.Active = active != 0
	return &def, nil
}

// SQLiteQueue implements Queue on the task_queue table.
type SQLiteQueue struct {
	db *sql.DB
}

// NewSQLiteQueue creates a SQLite-backed task queue writer.
func NewSQLiteQueue(db *sql.DB) *SQLiteQueue {
	return &SQLiteQueue{db: db}
}

// Enqueue implements Queue.
func (q *SQLiteQueue) Enqueue(ctx context.Context, e *QueueEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = StatusQueued
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	schedule, err := json.Marshal(e.Schedule)
	if err != nil {
		return fmt.Errorf("marshalling schedule: %w", err)
	}

	query := `
		INSERT INTO task_queue (
			id, template_id, task_type, floor, shelf_point, robot_id, status,
			is_recurring, recurring_task_id, queued_date, schedule, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = q.db.ExecContext(ctx, query,
		e.ID,
		e.TemplateID,
		e.TaskType,
		e.Floor,
		e.ShelfPoint,
		e.RobotID,
		e.Status,
		boolToInt(e.IsRecurring),
		nullableString(e.RecurringTaskID),
		e.QueuedDate,
		string(schedule),
		e.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting queue entry: %w", err)
	}
	return nil
}

// HasEntryOn implements Queue.
func (q *SQLiteQueue) HasEntryOn(ctx context.Context, definitionID, day string) (bool, error) {
	var exists int
	err := q.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM task_queue WHERE recurring_task_id = ? AND queued_date = ?)`,
		definitionID, day,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking queue for %s: %w", definitionID, err)
	}
	return exists == 1, nil
}

// CancelPending implements Queue.
func (q *SQLiteQueue) CancelPending(ctx context.Context, definitionID string) (int64, error) {
	result, err := q.db.ExecContext(ctx,
		`UPDATE task_queue SET status = ? WHERE recurring_task_id = ? AND status IN (?, ?)`,
		StatusCancelled, definitionID, StatusQueued, StatusInProgress,
	)
	if err != nil {
		return 0, fmt.Errorf("cancelling queue entries: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}

// Entries returns a definition's queue entries, oldest first.
func (q *SQLiteQueue) Entries(ctx context.Context, definitionID string) ([]QueueEntry, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, template_id, task_type, floor, shelf_point, robot_id, status,
			is_recurring, COALESCE(recurring_task_id, ''), queued_date, schedule, created_at
		FROM task_queue WHERE recurring_task_id = ? ORDER BY created_at, id`, definitionID)
	if err != nil {
		return nil, fmt.Errorf("querying queue entries: %w", err)
	}
	defer rows.Close()

	var entries []QueueEntry
	for rows.Next() {
		var (
			e         QueueEntry
			recurring int
			schedule  string
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.TemplateID, &e.TaskType, &e.Floor, &e.ShelfPoint, &e.RobotID,
			&e.Status, &recurring, &e.RecurringTaskID, &e.QueuedDate, &schedule, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning queue entry: %w", err)
		}
		e.IsRecurring = recurring != 0
		if err := json.Unmarshal([]byte(schedule), &e.Schedule); err != nil {
			return nil, fmt.Errorf("decoding schedule of %s: %w", e.ID, err)
		}
		if e.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("decoding created_at of %s: %w", e.ID, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
