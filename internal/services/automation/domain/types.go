package domain

import (
	"context"
	"time"
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

// TaskStatus identifies one workflow-step state.
type TaskStatus string

const (
	TaskStatusPending TaskStatus = "pending"
	TaskStatusActive  TaskStatus = "active"
	TaskStatusDone    TaskStatus = "done"
)

// AutomationTaskStatus identifies one claimable-task state.
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

// Order is one unit of requested work driving a sequential step chain.
type Order struct {
	ID           string
	OrderType    string
	Status       OrderStatus
	CreatedBy    string
	MetadataJSON string
	ItemsJSON    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Task is one ordered step of an order's linear workflow.
type Task struct {
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

// AutomationTask is one independently claimable unit of work.
type AutomationTask struct {
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

// TaskAssignment links one claimable task to a candidate or participant.
// An empty UserID is a placeholder awaiting backfill.
type TaskAssignment struct {
	AutomationTaskID string
	UserID           string
	Status           AssignmentStatus
	RoleHint         string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// TaskEvent is one append-only audit record. Seq reflects commit order; an
// empty UserID means the system acted.
type TaskEvent struct {
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
	Tasks         []AutomationTask
	NextPageToken string
}

// OrderAutomationStatus is the read-only automation view of one order.
type OrderAutomationStatus struct {
	Order    Order
	Tasks    []Task
	RootTask *AutomationTask
}

// Store is the domain persistence boundary. Every transition method is a
// conditional write: a false result means the expected current state no
// longer held when the storage engine evaluated the predicate.
type Store interface {
	CreateOrderWithTasks(ctx context.Context, order Order, tasks []Task, events []TaskEvent) error
	GetOrder(ctx context.Context, orderID string) (Order, error)
	UpdateOrderStatus(ctx context.Context, orderID string, from []OrderStatus, to OrderStatus, now time.Time, event *TaskEvent) (bool, error)

	GetTask(ctx context.Context, taskID string) (Task, error)
	ListTasksByOrder(ctx context.Context, orderID string) ([]Task, error)
	MarkTaskDone(ctx context.Context, taskID string, version int64, now time.Time, event TaskEvent) (bool, error)
	ActivateTask(ctx context.Context, taskID string, assignedUserID string, now time.Time, event TaskEvent) (bool, error)

	InsertAutomationTask(ctx context.Context, task AutomationTask, assignments []TaskAssignment, event TaskEvent) error
	GetAutomationTask(ctx context.Context, taskID string) (AutomationTask, error)
	ListAutomationTasks(ctx context.Context, filter AutomationTaskFilter) (AutomationTaskPage, error)
	ClaimAutomationTask(ctx context.Context, taskID string, userID string, now time.Time, event TaskEvent) (bool, error)
	OverrideClaim(ctx context.Context, taskID string, userID string, now time.Time, event TaskEvent) (bool, error)
	StartAutomationTask(ctx context.Context, taskID string, userID string, now time.Time, event TaskEvent) (bool, error)
	CompleteAutomationTask(ctx context.Context, taskID string, claimantID string, enforceClaimant bool, now time.Time, event TaskEvent) (bool, error)
	CancelAutomationTask(ctx context.Context, taskID string, now time.Time, event TaskEvent) (bool, error)

	ListAssignmentsByTask(ctx context.Context, automationTaskID string) ([]TaskAssignment, error)
	UpdateAssignmentStatus(ctx context.Context, automationTaskID string, userID string, status AssignmentStatus, now time.Time) (bool, error)
	BackfillAssignmentUser(ctx context.Context, automationTaskID string, userID string, now time.Time) (bool, error)

	ListTaskEvents(ctx context.Context, taskID string) ([]TaskEvent, error)
}

// RoleResolver resolves operational roles for eligibility checks. It is an
// external collaborator; the engine never queries role tables directly.
type RoleResolver interface {
	RolesFor(ctx context.Context, userID string) ([]string, error)
	IsAdmin(ctx context.Context, userID string) (bool, error)
	// AssigneeForRole resolves a deterministic assignee for a step role.
	// An empty result leaves the step unassigned and claimable.
	AssigneeForRole(ctx context.Context, role string) (string, error)
}

// RoleDirectory enumerates users for audience computation and role pools.
type RoleDirectory interface {
	UsersInRole(ctx context.Context, role string) ([]string, error)
	OperationalUsers(ctx context.Context) ([]string, error)
	AdminUsers(ctx context.Context) ([]string, error)
}

// NotificationSink delivers one user notification. Implementations must not
// block on downstream delivery; errors are logged by the caller and never
// propagate into the primary operation.
type NotificationSink interface {
	Notify(ctx context.Context, userID string, kind string, payload map[string]string) error
}

// IdempotencyStore deduplicates notification dispatch by key with TTL.
type IdempotencyStore interface {
	ClaimIdempotencyKey(ctx context.Context, key string, now time.Time, expiresAt time.Time) (bool, error)
}
