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

// Legacy rows created before the claim-lifecycle migration may still carry
// the old pending/done vocabulary. Reads normalize them; the claim predicate
// accepts both spellings of "open" so pre-migration rows stay claimable.
const (
	legacyStatusPending = "pending"
	legacyStatusDone    = "done"
)

// InsertAutomationTask atomically inserts the task, its initial assignments,
// and the opening audit event. A second non-cancelled order root for the
// same order violates the partial unique index and surfaces as ErrConflict.
func (s *Store) InsertAutomationTask(ctx context.Context, record storage.AutomationTaskRecord, assignments []storage.AssignmentRecord, event storage.TaskEventRecord) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	record, err := normalizeAutomationTaskRecord(record)
	if err != nil {
		return err
	}
	normalizedAssignments := make([]storage.AssignmentRecord, 0, len(assignments))
	for _, assignment := range assignments {
		normalized, normalizeErr := normalizeAssignmentRecord(assignment)
		if normalizeErr != nil {
			return normalizeErr
		}
		normalizedAssignments = append(normalizedAssignments, normalized)
	}

	return s.inTx(ctx, "automation task insert", func(tx *sql.Tx) error {
		isRoot := 0
		if record.IsOrderRoot {
			isRoot = 1
		}
		_, execErr := tx.ExecContext(ctx, `
INSERT INTO automation_tasks (id, task_type, status, title, required_role, claimed_by_user_id,
                              claimed_at, related_order_id, is_order_root, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
			record.ID,
			record.TaskType,
			string(record.Status),
			record.Title,
			record.RequiredRole,
			record.ClaimedByUserID,
			nullableMillis(record.ClaimedAt),
			record.RelatedOrderID,
			isRoot,
			toMillis(record.CreatedAt),
			toMillis(record.UpdatedAt),
		)
		if execErr != nil {
			if isUniqueConstraintError(execErr) {
				return storage.ErrConflict
			}
			return fmt.Errorf("insert automation task: %w", execErr)
		}
		for _, assignment := range normalizedAssignments {
			if err := insertAssignmentExec(ctx, tx, assignment); err != nil {
				return err
			}
		}
		return appendTaskEventExec(ctx, tx, event)
	})
}

// GetAutomationTask loads one claimable task by id.
func (s *Store) GetAutomationTask(ctx context.Context, taskID string) (storage.AutomationTaskRecord, error) {
	if err := s.ready(ctx); err != nil {
		return storage.AutomationTaskRecord{}, err
	}
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return storage.AutomationTaskRecord{}, fmt.Errorf("automation task id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, task_type, status, title, required_role, claimed_by_user_id, claimed_at,
       related_order_id, is_order_root, created_at, updated_at
FROM automation_tasks
WHERE id = ?
`, taskID)
	record, err := scanAutomationTask(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.AutomationTaskRecord{}, storage.ErrNotFound
		}
		return storage.AutomationTaskRecord{}, fmt.Errorf("get automation task: %w", err)
	}
	return record, nil
}

// ListAutomationTasks lists claimable tasks newest-first with cursor pagination.
func (s *Store) ListAutomationTasks(ctx context.Context, filter storage.AutomationTaskFilter) (storage.AutomationTaskPage, error) {
	if err := s.ready(ctx); err != nil {
		return storage.AutomationTaskPage{}, err
	}
	pageSize := filter.PageSize
	if pageSize <= 0 {
		return storage.AutomationTaskPage{}, fmt.Errorf("page size must be greater than zero")
	}

	where := []string{"1 = 1"}
	args := []any{}
	if filter.Status != "" {
		switch filter.Status {
		case storage.AutomationTaskStatusOpen:
			where = append(where, "status IN (?, ?)")
			args = append(args, string(storage.AutomationTaskStatusOpen), legacyStatusPending)
		case storage.AutomationTaskStatusCompleted:
			where = append(where, "status IN (?, ?)")
			args = append(args, string(storage.AutomationTaskStatusCompleted), legacyStatusDone)
		default:
			where = append(where, "status = ?")
			args = append(args, string(filter.Status))
		}
	}
	if taskType := strings.TrimSpace(filter.TaskType); taskType != "" {
		where = append(where, "task_type = ?")
		args = append(args, taskType)
	}
	if role := strings.TrimSpace(filter.RequiredRole); role != "" {
		where = append(where, "required_role = ?")
		args = append(args, role)
	}
	if orderID := strings.TrimSpace(filter.RelatedOrderID); orderID != "" {
		where = append(where, "related_order_id = ?")
		args = append(args, orderID)
	}
	if token := strings.TrimSpace(filter.PageToken); token != "" {
		tokenCreatedAt, err := s.automationTaskCreatedAtByID(ctx, token)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return storage.AutomationTaskPage{}, nil
			}
			return storage.AutomationTaskPage{}, err
		}
		where = append(where, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, toMillis(tokenCreatedAt), toMillis(tokenCreatedAt), token)
	}

	limit := pageSize + 1
	args = append(args, limit)
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, task_type, status, title, required_role, claimed_by_user_id, claimed_at,
       related_order_id, is_order_root, created_at, updated_at
FROM automation_tasks
WHERE `+strings.Join(where, " AND ")+`
ORDER BY created_at DESC, id DESC
LIMIT ?
`, args...)
	if err != nil {
		return storage.AutomationTaskPage{}, fmt.Errorf("list automation tasks: %w", err)
	}
	defer rows.Close()

	page := storage.AutomationTaskPage{
		Tasks: make([]storage.AutomationTaskRecord, 0, pageSize),
	}
	for rows.Next() {
		record, scanErr := scanAutomationTask(rows.Scan)
		if scanErr != nil {
			return storage.AutomationTaskPage{}, fmt.Errorf("scan automation task row: %w", scanErr)
		}
		page.Tasks = append(page.Tasks, record)
	}
	if err := rows.Err(); err != nil {
		return storage.AutomationTaskPage{}, fmt.Errorf("iterate automation task rows: %w", err)
	}
	if len(page.Tasks) > pageSize {
		page.NextPageToken = page.Tasks[pageSize-1].ID
		page.Tasks = page.Tasks[:pageSize]
	}
	return page, nil
}

// ClaimAutomationTask is the race-critical claim write. The status predicate
// is evaluated by SQLite inside a single UPDATE, so under concurrent claims
// exactly one caller observes an affected row.
func (s *Store) ClaimAutomationTask(ctx context.Context, taskID string, userID string, now time.Time, event storage.TaskEventRecord) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	taskID = strings.TrimSpace(taskID)
	userID = strings.TrimSpace(userID)
	if taskID == "" {
		return false, fmt.Errorf("automation task id is required")
	}
	if userID == "" {
		return false, fmt.Errorf("user id is required")
	}
	if now.IsZero() {
		return false, fmt.Errorf("now is required")
	}

	applied := false
	err := s.inTx(ctx, "automation task claim", func(tx *sql.Tx) error {
		result, execErr := tx.ExecContext(ctx, `
UPDATE automation_tasks
SET status = ?, claimed_by_user_id = ?, claimed_at = ?, updated_at = ?
WHERE id = ? AND status IN (?, ?)
`,
			string(storage.AutomationTaskStatusClaimed),
			userID,
			toMillis(now),
			toMillis(now),
			taskID,
			string(storage.AutomationTaskStatusOpen),
			legacyStatusPending,
		)
		if execErr != nil {
			return fmt.Errorf("claim automation task: %w", execErr)
		}
		affected, affErr := rowsAffected(result, "claim automation task")
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

// OverrideClaim re-targets an open or claimed row to a new claimant.
func (s *Store) OverrideClaim(ctx context.Context, taskID string, userID string, now time.Time, event storage.TaskEventRecord) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	taskID = strings.TrimSpace(taskID)
	userID = strings.TrimSpace(userID)
	if taskID == "" {
		return false, fmt.Errorf("automation task id is required")
	}
	if userID == "" {
		return false, fmt.Errorf("user id is required")
	}
	if now.IsZero() {
		return false, fmt.Errorf("now is required")
	}

	applied := false
	err := s.inTx(ctx, "automation task claim override", func(tx *sql.Tx) error {
		result, execErr := tx.ExecContext(ctx, `
UPDATE automation_tasks
SET status = ?, claimed_by_user_id = ?, claimed_at = ?, updated_at = ?
WHERE id = ? AND status IN (?, ?, ?)
`,
			string(storage.AutomationTaskStatusClaimed),
			userID,
			toMillis(now),
			toMillis(now),
			taskID,
			string(storage.AutomationTaskStatusOpen),
			legacyStatusPending,
			string(storage.AutomationTaskStatusClaimed),
		)
		if execErr != nil {
			return fmt.Errorf("override automation task claim: %w", execErr)
		}
		affected, affErr := rowsAffected(result, "override automation task claim")
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

// StartAutomationTask moves claimed -> in_progress for the claimant.
func (s *Store) StartAutomationTask(ctx context.Context, taskID string, userID string, now time.Time, event storage.TaskEventRecord) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	taskID = strings.TrimSpace(taskID)
	userID = strings.TrimSpace(userID)
	if taskID == "" {
		return false, fmt.Errorf("automation task id is required")
	}
	if userID == "" {
		return false, fmt.Errorf("user id is required")
	}
	if now.IsZero() {
		return false, fmt.Errorf("now is required")
	}

	applied := false
	err := s.inTx(ctx, "automation task start", func(tx *sql.Tx) error {
		result, execErr := tx.ExecContext(ctx, `
UPDATE automation_tasks
SET status = ?, updated_at = ?
WHERE id = ? AND status = ? AND claimed_by_user_id = ?
`,
			string(storage.AutomationTaskStatusInProgress),
			toMillis(now),
			taskID,
			string(storage.AutomationTaskStatusClaimed),
			userID,
		)
		if execErr != nil {
			return fmt.Errorf("start automation task: %w", execErr)
		}
		affected, affErr := rowsAffected(result, "start automation task")
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

// CompleteAutomationTask moves claimed/in_progress -> completed.
func (s *Store) CompleteAutomationTask(ctx context.Context, taskID string, claimantID string, enforceClaimant bool, now time.Time, event storage.TaskEventRecord) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	taskID = strings.TrimSpace(taskID)
	claimantID = strings.TrimSpace(claimantID)
	if taskID == "" {
		return false, fmt.Errorf("automation task id is required")
	}
	if enforceClaimant && claimantID == "" {
		return false, fmt.Errorf("claimant id is required")
	}
	if now.IsZero() {
		return false, fmt.Errorf("now is required")
	}

	query := `
UPDATE automation_tasks
SET status = ?, updated_at = ?
WHERE id = ? AND status IN (?, ?)
`
	args := []any{
		string(storage.AutomationTaskStatusCompleted),
		toMillis(now),
		taskID,
		string(storage.AutomationTaskStatusClaimed),
		string(storage.AutomationTaskStatusInProgress),
	}
	if enforceClaimant {
		query += " AND claimed_by_user_id = ?"
		args = append(args, claimantID)
	}

	applied := false
	err := s.inTx(ctx, "automation task completion", func(tx *sql.Tx) error {
		result, execErr := tx.ExecContext(ctx, query, args...)
		if execErr != nil {
			return fmt.Errorf("complete automation task: %w", execErr)
		}
		affected, affErr := rowsAffected(result, "complete automation task")
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

// CancelAutomationTask moves any non-terminal row to cancelled.
func (s *Store) CancelAutomationTask(ctx context.Context, taskID string, now time.Time, event storage.TaskEventRecord) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return false, fmt.Errorf("automation task id is required")
	}
	if now.IsZero() {
		return false, fmt.Errorf("now is required")
	}

	applied := false
	err := s.inTx(ctx, "automation task cancel", func(tx *sql.Tx) error {
		result, execErr := tx.ExecContext(ctx, `
UPDATE automation_tasks
SET status = ?, updated_at = ?
WHERE id = ? AND status NOT IN (?, ?, ?)
`,
			string(storage.AutomationTaskStatusCancelled),
			toMillis(now),
			taskID,
			string(storage.AutomationTaskStatusCompleted),
			legacyStatusDone,
			string(storage.AutomationTaskStatusCancelled),
		)
		if execErr != nil {
			return fmt.Errorf("cancel automation task: %w", execErr)
		}
		affected, affErr := rowsAffected(result, "cancel automation task")
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

func (s *Store) automationTaskCreatedAtByID(ctx context.Context, taskID string) (time.Time, error) {
	var createdAtMillis int64
	err := s.sqlDB.QueryRowContext(ctx,
		"SELECT created_at FROM automation_tasks WHERE id = ?", taskID,
	).Scan(&createdAtMillis)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, storage.ErrNotFound
		}
		return time.Time{}, fmt.Errorf("lookup automation task cursor: %w", err)
	}
	return fromMillis(createdAtMillis), nil
}

func normalizeAutomationTaskRecord(record storage.AutomationTaskRecord) (storage.AutomationTaskRecord, error) {
	record.ID = strings.TrimSpace(record.ID)
	record.TaskType = strings.TrimSpace(record.TaskType)
	record.Title = strings.TrimSpace(record.Title)
	record.RequiredRole = strings.TrimSpace(record.RequiredRole)
	record.ClaimedByUserID = strings.TrimSpace(record.ClaimedByUserID)
	record.RelatedOrderID = strings.TrimSpace(record.RelatedOrderID)
	if record.ID == "" {
		return storage.AutomationTaskRecord{}, fmt.Errorf("automation task id is required")
	}
	if record.TaskType == "" {
		return storage.AutomationTaskRecord{}, fmt.Errorf("automation task type is required")
	}
	if record.Status == "" {
		return storage.AutomationTaskRecord{}, fmt.Errorf("automation task status is required")
	}
	if record.IsOrderRoot && record.RelatedOrderID == "" {
		return storage.AutomationTaskRecord{}, fmt.Errorf("order root task requires a related order id")
	}
	if record.CreatedAt.IsZero() || record.UpdatedAt.IsZero() {
		return storage.AutomationTaskRecord{}, fmt.Errorf("automation task timestamps are required")
	}
	record.CreatedAt = record.CreatedAt.UTC()
	record.UpdatedAt = record.UpdatedAt.UTC()
	if record.ClaimedAt != nil {
		claimedAt := record.ClaimedAt.UTC()
		record.ClaimedAt = &claimedAt
	}
	return record, nil
}

func scanAutomationTask(scan scanner) (storage.AutomationTaskRecord, error) {
	var record storage.AutomationTaskRecord
	var status string
	var claimedAt sql.NullInt64
	var isRoot int
	var createdAt int64
	var updatedAt int64
	if err := scan(
		&record.ID,
		&record.TaskType,
		&status,
		&record.Title,
		&record.RequiredRole,
		&record.ClaimedByUserID,
		&claimedAt,
		&record.RelatedOrderID,
		&isRoot,
		&createdAt,
		&updatedAt,
	); err != nil {
		return storage.AutomationTaskRecord{}, err
	}
	record.Status = normalizeAutomationStatus(status)
	if claimedAt.Valid {
		value := fromMillis(claimedAt.Int64)
		record.ClaimedAt = &value
	}
	record.IsOrderRoot = isRoot != 0
	record.CreatedAt = fromMillis(createdAt)
	record.UpdatedAt = fromMillis(updatedAt)
	return record, nil
}

func normalizeAutomationStatus(status string) storage.AutomationTaskStatus {
	switch status {
	case legacyStatusPending:
		return storage.AutomationTaskStatusOpen
	case legacyStatusDone:
		return storage.AutomationTaskStatusCompleted
	default:
		return storage.AutomationTaskStatus(status)
	}
}
