package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/warehouseops/orderflow/internal/services/automation/storage"
)

// GetTask loads one workflow step by id.
func (s *Store) GetTask(ctx context.Context, taskID string) (storage.TaskRecord, error) {
	if err := s.ready(ctx); err != nil {
		return storage.TaskRecord{}, err
	}
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return storage.TaskRecord{}, fmt.Errorf("task id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, order_id, step_key, step_index, title, assigned_user_id, status, required, version,
       activated_at, completed_at, created_at, updated_at
FROM tasks
WHERE id = ?
`, taskID)
	record, err := scanTask(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.TaskRecord{}, storage.ErrNotFound
		}
		return storage.TaskRecord{}, fmt.Errorf("get task: %w", err)
	}
	return record, nil
}

// ListTasksByOrder lists one order's steps in chain order.
func (s *Store) ListTasksByOrder(ctx context.Context, orderID string) ([]storage.TaskRecord, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, fmt.Errorf("order id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, order_id, step_key, step_index, title, assigned_user_id, status, required, version,
       activated_at, completed_at, created_at, updated_at
FROM tasks
WHERE order_id = ?
ORDER BY step_index ASC
`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []storage.TaskRecord
	for rows.Next() {
		record, scanErr := scanTask(rows.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("scan task row: %w", scanErr)
		}
		tasks = append(tasks, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task rows: %w", err)
	}
	return tasks, nil
}

// MarkTaskDone performs the optimistic-lock completion write. The row flips
// to done only while it is still active at the given version; the version
// increments in the same statement so a concurrent completer loses the race.
func (s *Store) MarkTaskDone(ctx context.Context, taskID string, version int64, now time.Time, event storage.TaskEventRecord) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return false, fmt.Errorf("task id is required")
	}
	if now.IsZero() {
		return false, fmt.Errorf("now is required")
	}

	applied := false
	err := s.inTx(ctx, "task completion write", func(tx *sql.Tx) error {
		result, execErr := tx.ExecContext(ctx, `
UPDATE tasks
SET status = ?, completed_at = ?, updated_at = ?, version = version + 1
WHERE id = ? AND version = ? AND status = ?
`,
			string(storage.TaskStatusDone),
			toMillis(now),
			toMillis(now),
			taskID,
			version,
			string(storage.TaskStatusActive),
		)
		if execErr != nil {
			return fmt.Errorf("mark task done: %w", execErr)
		}
		affected, affErr := rowsAffected(result, "mark task done")
		if affErr != nil {
			return affErr
		}
		if affected == 0 {
			return nil
		}
		applied = true
		return appendTaskEventExec(ctx, tx, event)
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// ActivateTask flips one pending step to active, setting the resolved
// assignee when present. False reports the step was no longer pending.
func (s *Store) ActivateTask(ctx context.Context, taskID string, assignedUserID string, now time.Time, event storage.TaskEventRecord) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return false, fmt.Errorf("task id is required")
	}
	if now.IsZero() {
		return false, fmt.Errorf("now is required")
	}

	applied := false
	err := s.inTx(ctx, "task activation write", func(tx *sql.Tx) error {
		result, execErr := tx.ExecContext(ctx, `
UPDATE tasks
SET status = ?, assigned_user_id = ?, activated_at = ?, updated_at = ?, version = version + 1
WHERE id = ? AND status = ?
`,
			string(storage.TaskStatusActive),
			nullableString(strings.TrimSpace(assignedUserID)),
			toMillis(now),
			toMillis(now),
			taskID,
			string(storage.TaskStatusPending),
		)
		if execErr != nil {
			return fmt.Errorf("activate task: %w", execErr)
		}
		affected, affErr := rowsAffected(result, "activate task")
		if affErr != nil {
			return affErr
		}
		if affected == 0 {
			return nil
		}
		applied = true
		return appendTaskEventExec(ctx, tx, event)
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func normalizeTaskRecord(record storage.TaskRecord) (storage.TaskRecord, error) {
	record.ID = strings.TrimSpace(record.ID)
	record.OrderID = strings.TrimSpace(record.OrderID)
	record.StepKey = strings.TrimSpace(record.StepKey)
	record.Title = strings.TrimSpace(record.Title)
	record.AssignedUserID = strings.TrimSpace(record.AssignedUserID)
	if record.ID == "" {
		return storage.TaskRecord{}, fmt.Errorf("task id is required")
	}
	if record.OrderID == "" {
		return storage.TaskRecord{}, fmt.Errorf("task order id is required")
	}
	if record.StepKey == "" {
		return storage.TaskRecord{}, fmt.Errorf("task step key is required")
	}
	if record.Status == "" {
		return storage.TaskRecord{}, fmt.Errorf("task status is required")
	}
	if record.StepIndex < 0 {
		return storage.TaskRecord{}, fmt.Errorf("task step index must be non-negative")
	}
	if record.CreatedAt.IsZero() || record.UpdatedAt.IsZero() {
		return storage.TaskRecord{}, fmt.Errorf("task timestamps are required")
	}
	record.CreatedAt = record.CreatedAt.UTC()
	record.UpdatedAt = record.UpdatedAt.UTC()
	if record.ActivatedAt != nil {
		activatedAt := record.ActivatedAt.UTC()
		record.ActivatedAt = &activatedAt
	}
	if record.CompletedAt != nil {
		completedAt := record.CompletedAt.UTC()
		record.CompletedAt = &completedAt
	}
	return record, nil
}

func insertTaskExec(ctx context.Context, execer sqlExecer, record storage.TaskRecord) error {
	required := 0
	if record.Required {
		required = 1
	}
	_, err := execer.ExecContext(ctx, `
INSERT INTO tasks (id, order_id, step_key, step_index, title, assigned_user_id, status, required,
                   version, activated_at, completed_at, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		record.ID,
		record.OrderID,
		record.StepKey,
		record.StepIndex,
		record.Title,
		nullableString(record.AssignedUserID),
		string(record.Status),
		required,
		record.Version,
		nullableMillis(record.ActivatedAt),
		nullableMillis(record.CompletedAt),
		toMillis(record.CreatedAt),
		toMillis(record.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) || isForeignKeyConstraintError(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func scanTask(scan scanner) (storage.TaskRecord, error) {
	var record storage.TaskRecord
	var assignedUserID sqlNullString
	var required int
	var activatedAt sql.NullInt64
	var completedAt sql.NullInt64
	var createdAt int64
	var updatedAt int64
	if err := scan(
		&record.ID,
		&record.OrderID,
		&record.StepKey,
		&record.StepIndex,
		&record.Title,
		&assignedUserID,
		&record.Status,
		&required,
		&record.Version,
		&activatedAt,
		&completedAt,
		&createdAt,
		&updatedAt,
	); err != nil {
		return storage.TaskRecord{}, err
	}
	record.AssignedUserID = assignedUserID.value()
	record.Required = required != 0
	if activatedAt.Valid {
		value := fromMillis(activatedAt.Int64)
		record.ActivatedAt = &value
	}
	if completedAt.Valid {
		value := fromMillis(completedAt.Int64)
		record.CompletedAt = &value
	}
	record.CreatedAt = fromMillis(createdAt)
	record.UpdatedAt = fromMillis(updatedAt)
	return record, nil
}
