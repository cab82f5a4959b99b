// Package storage defines the persistence boundary for the automation engine.
//
// Every state transition on tasks, claimable tasks, and orders is expressed
// as a single conditional write evaluated by the storage engine; the boolean
// results report whether the caller won the transition. Audit events that
// record a transition are persisted inside the same unit of work as the
// conditional write.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates a requested record is missing.
	ErrNotFound = errors.New("record not found")
	// ErrConflict indicates a write conflicts with a uniqueness constraint.
	ErrConflict = errors.New("record conflict")
)

// OrderStatus identifies one order lifecycle state.
type OrderStatus string

const (
	OrderStatusDraft                OrderStatus = "draft"
	OrderStatusSubmitted            OrderStatus = "submitted"
	OrderStatusInProgress           OrderStatus = "in_progress"
	OrderStatusAwaitingConfirmation OrderStatus = "awaiting_confirmation"
	OrderStatusCompleted            OrderStatus = "completed"
	OrderStatusCancelled            OrderStatus = "cancelled"
)

// TaskStatus identifies one workflow-step lifecycle state.
type TaskStatus string

const (
	TaskStatusPending TaskStatus = "pending"
	TaskStatusActive  TaskStatus = "active"
	TaskStatusDone    TaskStatus = "done"
)

// AutomationTaskStatus identifies one claimable-task lifecycle state.
type AutomationTaskStatus string

const (
	AutomationTaskStatusOpen       AutomationTaskStatus = "open"
	AutomationTaskStatusClaimed    AutomationTaskStatus = "claimed"
	AutomationTaskStatusInProgress AutomationTaskStatus = "in_progress"
	AutomationTaskStatusCompleted  AutomationTaskStatus = "completed"
	AutomationTaskStatusCancelled  AutomationTaskStatus = "cancelled"
)

// AssignmentStatus identifies one per-user assignment state.
type AssignmentStatus string

const (
	AssignmentStatusPending    AssignmentStatus = "pending"
	AssignmentStatusInProgress AssignmentStatus = "in_progress"
	AssignmentStatusDone       AssignmentStatus = "done"
	AssignmentStatusSkipped    AssignmentStatus = "skipped"
)

// EventType identifies one audit event kind.
type EventType string

const (
	EventTypeCreated        EventType = "created"
	EventTypeAssigned       EventType = "assigned"
	EventTypeStepStarted    EventType = "step_started"
	EventTypeStepCompleted  EventType = "step_completed"
	EventTypeReassigned     EventType = "reassigned"
	EventTypeCancelled      EventType = "cancelled"
	EventTypeClosed         EventType = "closed"
	EventTypeTaskOpened     EventType = "task_opened"
	EventTypeTaskClaimed    EventType = "task_claimed"
	EventTypeTaskReassigned EventType = "task_reassigned"
)

// OrderRecord stores one order row.
type OrderRecord struct {
	ID           string
	OrderType    string
	Status       OrderStatus
	CreatedBy    string
	MetadataJSON string
	ItemsJSON    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TaskRecord stores one sequential workflow-step row.
type TaskRecord struct {
	ID             string
	OrderID        string
	StepKey        string
	StepIndex      int
	Title          string
	AssignedUserID string
	Status         TaskStatus
	Required       bool
	Version        int64
	ActivatedAt    *time.Time
	CompletedAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// AutomationTaskRecord stores one claimable task row.
type AutomationTaskRecord struct {
	ID              string
	TaskType        string
	Status          AutomationTaskStatus
	Title           string
	RequiredRole    string
	ClaimedByUserID string
	ClaimedAt       *time.Time
	RelatedOrderID  string
	IsOrderRoot     bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// AssignmentRecord stores one claimable-task participant row. UserID may be
// empty for a placeholder awaiting backfill.
type AssignmentRecord struct {
	AutomationTaskID string
	UserID           string
	Status           AssignmentStatus
	RoleHint         string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// TaskEventRecord stores one append-only audit row. Seq is assigned by the
// store and reflects commit order. An empty UserID means the system acted.
type TaskEventRecord struct {
	Seq          int64
	TaskID       string
	UserID       string
	EventType    EventType
	MetadataJSON string
	CreatedAt    time.Time
}

// AutomationTaskFilter narrows claimable-task listings.
type AutomationTaskFilter struct {
	Status         AutomationTaskStatus
	TaskType       string
	RequiredRole   string
	RelatedOrderID string
	PageSize       int
	PageToken      string
}

// AutomationTaskPage is one page of a claimable-task listing.
type AutomationTaskPage struct {
	Tasks         []AutomationTaskRecord
	NextPageToken string
}

// OrderStore persists order rows and their status transitions.
type OrderStore interface {
	// CreateOrderWithTasks atomically inserts the order, its step chain, and
	// the creation audit events.
	CreateOrderWithTasks(ctx context.Context, order OrderRecord, tasks []TaskRecord, events []TaskEventRecord) error
	GetOrder(ctx context.Context, orderID string) (OrderRecord, error)
	// UpdateOrderStatus transitions the order to the target status only when
	// its current status is one of from. It reports whether the transition
	// applied; a false result with nil error is an idempotent no-op. A
	// non-nil event is appended only when the transition applies.
	UpdateOrderStatus(ctx context.Context, orderID string, from []OrderStatus, to OrderStatus, now time.Time, event *TaskEventRecord) (bool, error)
}

// TaskStore persists sequential workflow steps.
type TaskStore interface {
	GetTask(ctx context.Context, taskID string) (TaskRecord, error)
	ListTasksByOrder(ctx context.Context, orderID string) ([]TaskRecord, error)
	// MarkTaskDone performs the optimistic-lock completion write: the row
	// flips to done only when it is still active at the given version, and
	// the version increments in the same statement. False reports a lost
	// race.
	MarkTaskDone(ctx context.Context, taskID string, version int64, now time.Time, event TaskEventRecord) (bool, error)
	// ActivateTask flips one pending step to active, optionally setting the
	// resolved assignee. False reports the step was no longer pending.
	ActivateTask(ctx context.Context, taskID string, assignedUserID string, now time.Time, event TaskEventRecord) (bool, error)
}

// AutomationTaskStore persists claimable tasks.
type AutomationTaskStore interface {
	// InsertAutomationTask atomically inserts the task, its initial
	// assignments, and the opening audit event. A violated order-root
	// uniqueness constraint surfaces as ErrConflict.
	InsertAutomationTask(ctx context.Context, record AutomationTaskRecord, assignments []AssignmentRecord, event TaskEventRecord) error
	GetAutomationTask(ctx context.Context, taskID string) (AutomationTaskRecord, error)
	ListAutomationTasks(ctx context.Context, filter AutomationTaskFilter) (AutomationTaskPage, error)
	// ClaimAutomationTask is the race-critical claim write: open -> claimed
	// only while the row is still open. False reports a lost claim race.
	ClaimAutomationTask(ctx context.Context, taskID string, userID string, now time.Time, event TaskEventRecord) (bool, error)
	// OverrideClaim re-targets an open or claimed row to a new claimant
	// regardless of the current one. False reports the row is past claiming.
	OverrideClaim(ctx context.Context, taskID string, userID string, now time.Time, event TaskEventRecord) (bool, error)
	// StartAutomationTask moves claimed -> in_progress for the claimant.
	StartAutomationTask(ctx context.Context, taskID string, userID string, now time.Time, event TaskEventRecord) (bool, error)
	// CompleteAutomationTask moves claimed/in_progress -> completed. When
	// enforceClaimant is set the write additionally requires the row to be
	// claimed by claimantID.
	CompleteAutomationTask(ctx context.Context, taskID string, claimantID string, enforceClaimant bool, now time.Time, event TaskEventRecord) (bool, error)
	// CancelAutomationTask moves any non-terminal row to cancelled.
	CancelAutomationTask(ctx context.Context, taskID string, now time.Time, event TaskEventRecord) (bool, error)
}

// AssignmentStore persists claimable-task participant rows.
type AssignmentStore interface {
	ListAssignmentsByTask(ctx context.Context, automationTaskID string) ([]AssignmentRecord, error)
	UpdateAssignmentStatus(ctx context.Context, automationTaskID string, userID string, status AssignmentStatus, now time.Time) (bool, error)
	// BackfillAssignmentUser fills the first empty-user placeholder row.
	BackfillAssignmentUser(ctx context.Context, automationTaskID string, userID string, now time.Time) (bool, error)
}

// EventStore persists and reads the append-only audit log.
type EventStore interface {
	AppendTaskEvent(ctx context.Context, event TaskEventRecord) error
	ListTaskEvents(ctx context.Context, taskID string) ([]TaskEventRecord, error)
}

// IdempotencyStore deduplicates externally visible effects by key with TTL.
type IdempotencyStore interface {
	// ClaimIdempotencyKey reports whether the key was unseen (or expired)
	// and records it until expiresAt.
	ClaimIdempotencyKey(ctx context.Context, key string, now time.Time, expiresAt time.Time) (bool, error)
	PurgeExpiredIdempotencyKeys(ctx context.Context, now time.Time) (int, error)
}
