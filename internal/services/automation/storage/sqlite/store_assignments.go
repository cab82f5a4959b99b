package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/warehouseops/orderflow/internal/services/automation/storage"
)

// ListAssignmentsByTask lists one claimable task's participant rows.
func (s *Store) ListAssignmentsByTask(ctx context.Context, automationTaskID string) ([]storage.AssignmentRecord, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	automationTaskID = strings.TrimSpace(automationTaskID)
	if automationTaskID == "" {
		return nil, fmt.Errorf("automation task id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT automation_task_id, user_id, status, role_hint, created_at, updated_at
FROM task_assignments
WHERE automation_task_id = ?
ORDER BY created_at ASC, user_id ASC
`, automationTaskID)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	defer rows.Close()

	var assignments []storage.AssignmentRecord
	for rows.Next() {
		var record storage.AssignmentRecord
		var userID sqlNullString
		var createdAt int64
		var updatedAt int64
		if err := rows.Scan(
			&record.AutomationTaskID,
			&userID,
			&record.Status,
			&record.RoleHint,
			&createdAt,
			&updatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan assignment row: %w", err)
		}
		record.UserID = userID.value()
		record.CreatedAt = fromMillis(createdAt)
		record.UpdatedAt = fromMillis(updatedAt)
		assignments = append(assignments, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assignment rows: %w", err)
	}
	return assignments, nil
}

// UpdateAssignmentStatus conditionally updates one participant row's status.
func (s *Store) UpdateAssignmentStatus(ctx context.Context, automationTaskID string, userID string, status storage.AssignmentStatus, now time.Time) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	automationTaskID = strings.TrimSpace(automationTaskID)
	userID = strings.TrimSpace(userID)
	if automationTaskID == "" {
		return false, fmt.Errorf("automation task id is required")
	}
	if userID == "" {
		return false, fmt.Errorf("user id is required")
	}
	if status == "" {
		return false, fmt.Errorf("assignment status is required")
	}
	if now.IsZero() {
		return false, fmt.Errorf("now is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE task_assignments
SET status = ?, updated_at = ?
WHERE automation_task_id = ? AND user_id = ?
`,
		string(status),
		toMillis(now),
		automationTaskID,
		userID,
	)
	if err != nil {
		return false, fmt.Errorf("update assignment status: %w", err)
	}
	affected, err := rowsAffected(result, "update assignment status")
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// BackfillAssignmentUser fills one empty-user placeholder row with a user.
func (s *Store) BackfillAssignmentUser(ctx context.Context, automationTaskID string, userID string, now time.Time) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	automationTaskID = strings.TrimSpace(automationTaskID)
	userID = strings.TrimSpace(userID)
	if automationTaskID == "" {
		return false, fmt.Errorf("automation task id is required")
	}
	if userID == "" {
		return false, fmt.Errorf("user id is required")
	}
	if now.IsZero() {
		return false, fmt.Errorf("now is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE task_assignments
SET user_id = ?, updated_at = ?
WHERE rowid IN (
  SELECT rowid FROM task_assignments
  WHERE automation_task_id = ? AND user_id IS NULL
  ORDER BY created_at ASC
  LIMIT 1
)
`,
		userID,
		toMillis(now),
		automationTaskID,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return false, storage.ErrConflict
		}
		return false, fmt.Errorf("backfill assignment user: %w", err)
	}
	affected, err := rowsAffected(result, "backfill assignment user")
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func normalizeAssignmentRecord(record storage.AssignmentRecord) (storage.AssignmentRecord, error) {
	record.AutomationTaskID = strings.TrimSpace(record.AutomationTaskID)
	record.UserID = strings.TrimSpace(record.UserID)
	record.RoleHint = strings.TrimSpace(record.RoleHint)
	if record.AutomationTaskID == "" {
		return storage.AssignmentRecord{}, fmt.Errorf("assignment automation task id is required")
	}
	if record.Status == "" {
		return storage.AssignmentRecord{}, fmt.Errorf("assignment status is required")
	}
	if record.CreatedAt.IsZero() || record.UpdatedAt.IsZero() {
		return storage.AssignmentRecord{}, fmt.Errorf("assignment timestamps are required")
	}
	record.CreatedAt = record.CreatedAt.UTC()
	record.UpdatedAt = record.UpdatedAt.UTC()
	return record, nil
}

func insertAssignmentExec(ctx context.Context, execer sqlExecer, record storage.AssignmentRecord) error {
	_, err := execer.ExecContext(ctx, `
INSERT INTO task_assignments (automation_task_id, user_id, status, role_hint, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
`,
		record.AutomationTaskID,
		nullableString(record.UserID),
		string(record.Status),
		record.RoleHint,
		toMillis(record.CreatedAt),
		toMillis(record.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) || isForeignKeyConstraintError(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("insert assignment: %w", err)
	}
	return nil
}
