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

// CreateOrderWithTasks atomically inserts the order, its step chain, and the
// creation audit events.
func (s *Store) CreateOrderWithTasks(ctx context.Context, order storage.OrderRecord, tasks []storage.TaskRecord, events []storage.TaskEventRecord) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	order, err := normalizeOrderRecord(order)
	if err != nil {
		return err
	}
	normalizedTasks := make([]storage.TaskRecord, 0, len(tasks))
	for _, task := range tasks {
		normalized, normalizeErr := normalizeTaskRecord(task)
		if normalizeErr != nil {
			return normalizeErr
		}
		normalizedTasks = append(normalizedTasks, normalized)
	}

	return s.inTx(ctx, "create order write", func(tx *sql.Tx) error {
		if err := insertOrderExec(ctx, tx, order); err != nil {
			return err
		}
		for _, task := range normalizedTasks {
			if err := insertTaskExec(ctx, tx, task); err != nil {
				return err
			}
		}
		for _, event := range events {
			if err := appendTaskEventExec(ctx, tx, event); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetOrder loads one order by id.
func (s *Store) GetOrder(ctx context.Context, orderID string) (storage.OrderRecord, error) {
	if err := s.ready(ctx); err != nil {
		return storage.OrderRecord{}, err
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return storage.OrderRecord{}, fmt.Errorf("order id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, order_type, status, created_by, metadata_json, items_json, created_at, updated_at
FROM orders
WHERE id = ?
`, orderID)
	record, err := scanOrder(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.OrderRecord{}, storage.ErrNotFound
		}
		return storage.OrderRecord{}, fmt.Errorf("get order: %w", err)
	}
	return record, nil
}

// UpdateOrderStatus conditionally transitions one order's status. The event,
// when present, is appended only if the transition applied.
func (s *Store) UpdateOrderStatus(ctx context.Context, orderID string, from []storage.OrderStatus, to storage.OrderStatus, now time.Time, event *storage.TaskEventRecord) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return false, fmt.Errorf("order id is required")
	}
	if len(from) == 0 {
		return false, fmt.Errorf("source statuses are required")
	}
	if to == "" {
		return false, fmt.Errorf("target status is required")
	}
	if now.IsZero() {
		return false, fmt.Errorf("now is required")
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	args := make([]any, 0, len(from)+3)
	args = append(args, string(to), toMillis(now), orderID)
	for _, status := range from {
		args = append(args, string(status))
	}

	applied := false
	err := s.inTx(ctx, "order status write", func(tx *sql.Tx) error {
		result, execErr := tx.ExecContext(ctx,
			`UPDATE orders SET status = ?, updated_at = ? WHERE id = ? AND status IN (`+placeholders+`)`,
			args...,
		)
		if execErr != nil {
			return fmt.Errorf("update order status: %w", execErr)
		}
		affected, affErr := rowsAffected(result, "update order status")
		if affErr != nil {
			return affErr
		}
		if affected == 0 {
			return nil
		}
		applied = true
		if event != nil {
			return appendTaskEventExec(ctx, tx, *event)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func normalizeOrderRecord(record storage.OrderRecord) (storage.OrderRecord, error) {
	record.ID = strings.TrimSpace(record.ID)
	record.OrderType = strings.TrimSpace(record.OrderType)
	record.CreatedBy = strings.TrimSpace(record.CreatedBy)
	record.MetadataJSON = strings.TrimSpace(record.MetadataJSON)
	record.ItemsJSON = strings.TrimSpace(record.ItemsJSON)
	if record.MetadataJSON == "" {
		record.MetadataJSON = "{}"
	}
	if record.ItemsJSON == "" {
		record.ItemsJSON = "[]"
	}
	if record.ID == "" {
		return storage.OrderRecord{}, fmt.Errorf("order id is required")
	}
	if record.OrderType == "" {
		return storage.OrderRecord{}, fmt.Errorf("order type is required")
	}
	if record.Status == "" {
		return storage.OrderRecord{}, fmt.Errorf("order status is required")
	}
	if record.CreatedBy == "" {
		return storage.OrderRecord{}, fmt.Errorf("order created_by is required")
	}
	if record.CreatedAt.IsZero() || record.UpdatedAt.IsZero() {
		return storage.OrderRecord{}, fmt.Errorf("order timestamps are required")
	}
	record.CreatedAt = record.CreatedAt.UTC()
	record.UpdatedAt = record.UpdatedAt.UTC()
	return record, nil
}

func insertOrderExec(ctx context.Context, execer sqlExecer, record storage.OrderRecord) error {
	_, err := execer.ExecContext(ctx, `
INSERT INTO orders (id, order_type, status, created_by, metadata_json, items_json, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`,
		record.ID,
		record.OrderType,
		string(record.Status),
		record.CreatedBy,
		record.MetadataJSON,
		record.ItemsJSON,
		toMillis(record.CreatedAt),
		toMillis(record.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func scanOrder(scan scanner) (storage.OrderRecord, error) {
	var record storage.OrderRecord
	var createdAt int64
	var updatedAt int64
	if err := scan(
		&record.ID,
		&record.OrderType,
		&record.Status,
		&record.CreatedBy,
		&record.MetadataJSON,
		&record.ItemsJSON,
		&createdAt,
		&updatedAt,
	); err != nil {
		return storage.OrderRecord{}, err
	}
	record.CreatedAt = fromMillis(createdAt)
	record.UpdatedAt = fromMillis(updatedAt)
	return record, nil
}
