package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/warehouseops/orderflow/internal/services/automation/storage"
)

// AppendTaskEvent inserts one standalone audit row.
func (s *Store) AppendTaskEvent(ctx context.Context, event storage.TaskEventRecord) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	return appendTaskEventExec(ctx, s.sqlDB, event)
}

// ListTaskEvents lists the audit rows for one task in commit order.
func (s *Store) ListTaskEvents(ctx context.Context, taskID string) ([]storage.TaskEventRecord, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return nil, fmt.Errorf("task id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT seq, task_id, user_id, event_type, metadata_json, created_at
FROM task_events
WHERE task_id = ?
ORDER BY seq ASC
`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()

	var events []storage.TaskEventRecord
	for rows.Next() {
		event, scanErr := scanTaskEvent(rows.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("scan task event row: %w", scanErr)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task event rows: %w", err)
	}
	return events, nil
}

func appendTaskEventExec(ctx context.Context, execer sqlExecer, event storage.TaskEventRecord) error {
	event.TaskID = strings.TrimSpace(event.TaskID)
	if event.TaskID == "" {
		return fmt.Errorf("event task id is required")
	}
	if event.EventType == "" {
		return fmt.Errorf("event type is required")
	}
	if event.CreatedAt.IsZero() {
		return fmt.Errorf("event created_at is required")
	}
	metadata := strings.TrimSpace(event.MetadataJSON)
	if metadata == "" {
		metadata = "{}"
	}

	_, err := execer.ExecContext(ctx, `
INSERT INTO task_events (task_id, user_id, event_type, metadata_json, created_at)
VALUES (?, ?, ?, ?, ?)
`,
		event.TaskID,
		nullableString(strings.TrimSpace(event.UserID)),
		string(event.EventType),
		metadata,
		toMillis(event.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("append task event: %w", err)
	}
	return nil
}

func scanTaskEvent(scan scanner) (storage.TaskEventRecord, error) {
	var event storage.TaskEventRecord
	var userID sqlNullString
	var createdAt int64
	if err := scan(
		&event.Seq,
		&event.TaskID,
		&userID,
		&event.EventType,
		&event.MetadataJSON,
		&createdAt,
	); err != nil {
		return storage.TaskEventRecord{}, err
	}
	event.UserID = userID.value()
	event.CreatedAt = fromMillis(createdAt)
	return event, nil
}
