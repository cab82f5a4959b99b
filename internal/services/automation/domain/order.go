package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// CreateOrderInput describes a new order.
type CreateOrderInput struct {
	OrderType    string
	CreatedBy    string
	MetadataJSON string
	ItemsJSON    string
	// ParticipantSlots reserves that many unassigned participant rows on
	// the order-root claimable task. Zero means no reserved slots.
	ParticipantSlots int
}

// CreateOrderResult reports what CreateOrder produced.
type CreateOrderResult struct {
	Order    Order
	Tasks    []Task
	RootTask *AutomationTask
}

// CreateOrder creates an order, materializes its full step chain from the
// workflow definitions, activates the first step, and, for claimable order
// types, opens the order-root claimable task.
func (s *Service) CreateOrder(ctx context.Context, input CreateOrderInput) (CreateOrderResult, error) {
	ctx, span := s.startSpan(ctx, "automation.CreateOrder")
	defer span.End()

	if s.store == nil {
		return CreateOrderResult{}, ErrStoreNotConfigured
	}
	orderType := strings.TrimSpace(input.OrderType)
	createdBy := strings.TrimSpace(input.CreatedBy)
	if orderType == "" {
		return CreateOrderResult{}, fmt.Errorf("%w: order type is required", ErrValidation)
	}
	if createdBy == "" {
		return CreateOrderResult{}, fmt.Errorf("%w: created by is required", ErrValidation)
	}
	if input.ParticipantSlots < 0 {
		return CreateOrderResult{}, fmt.Errorf("%w: participant slots cannot be negative", ErrValidation)
	}

	steps, err := s.registry.StepsFor(orderType)
	if err != nil {
		return CreateOrderResult{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	now := s.now()
	orderID, err := s.newID()
	if err != nil {
		return CreateOrderResult{}, fmt.Errorf("generate order id: %w", err)
	}

	order := Order{
		ID:           orderID,
		OrderType:    orderType,
		Status:       OrderStatusSubmitted,
		CreatedBy:    createdBy,
		MetadataJSON: input.MetadataJSON,
		ItemsJSON:    input.ItemsJSON,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	tasks := make([]Task, 0, len(steps))
	events := make([]TaskEvent, 0, len(steps)+2)
	events = append(events, TaskEvent{
		TaskID:       orderID,
		UserID:       createdBy,
		EventType:    EventTypeCreated,
		MetadataJSON: eventMetadata(map[string]string{"order_type": orderType}),
		CreatedAt:    now,
	})
	for i, step := range steps {
		taskID, err := s.newID()
		if err != nil {
			return CreateOrderResult{}, fmt.Errorf("generate task id: %w", err)
		}
		task := Task{
			ID:        taskID,
			OrderID:   orderID,
			StepKey:   step.Key,
			StepIndex: i,
			Title:     step.Title,
			Status:    TaskStatusPending,
			Required:  step.Required,
			Version:   1,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if i == 0 {
			task.Status = TaskStatusActive
			activatedAt := now
			task.ActivatedAt = &activatedAt
			assignee, err := s.resolveAssignee(ctx, step.Role)
			if err != nil {
				return CreateOrderResult{}, err
			}
			task.AssignedUserID = assignee
			events = append(events, TaskEvent{
				TaskID:       taskID,
				EventType:    EventTypeStepStarted,
				MetadataJSON: eventMetadata(map[string]string{"step_key": step.Key}),
				CreatedAt:    now,
			})
			if assignee != "" {
				events = append(events, TaskEvent{
					TaskID:       taskID,
					UserID:       assignee,
					EventType:    EventTypeAssigned,
					MetadataJSON: eventMetadata(map[string]string{"step_key": step.Key, "role": step.Role}),
					CreatedAt:    now,
				})
			}
		}
		tasks = append(tasks, task)
	}

	if err := s.store.CreateOrderWithTasks(ctx, order, tasks, events); err != nil {
		return CreateOrderResult{}, fmt.Errorf("create order: %w", err)
	}

	result := CreateOrderResult{Order: order, Tasks: tasks}

	if s.registry.Claimable(orderType) {
		root, err := s.openOrderRoot(ctx, order, input.ParticipantSlots, now)
		if err != nil {
			return CreateOrderResult{}, err
		}
		result.RootTask = &root
	}

	s.notify(ctx, func(ctx context.Context, f *Fanout) {
		if result.RootTask != nil {
			f.TaskOpened(ctx, *result.RootTask)
		}
		if tasks[0].AssignedUserID != "" {
			f.StepAssigned(ctx, order, tasks[0])
		}
	})
	return result, nil
}

// openOrderRoot opens the single claimable root task tracking the order.
// The storage layer enforces at most one live root per order.
func (s *Service) openOrderRoot(ctx context.Context, order Order, participantSlots int, now time.Time) (AutomationTask, error) {
	rootID, err := s.newID()
	if err != nil {
		return AutomationTask{}, fmt.Errorf("generate root task id: %w", err)
	}
	root := AutomationTask{
		ID:             rootID,
		TaskType:       order.OrderType,
		Status:         AutomationTaskStatusOpen,
		Title:          fmt.Sprintf("Fulfil order %s", order.ID),
		RequiredRole:   s.registry.ClaimRole(order.OrderType),
		RelatedOrderID: order.ID,
		IsOrderRoot:    true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	assignments := make([]TaskAssignment, 0, participantSlots)
	for i := 0; i < participantSlots; i++ {
		assignments = append(assignments, TaskAssignment{
			AutomationTaskID: rootID,
			Status:           AssignmentStatusPending,
			RoleHint:         root.RequiredRole,
			CreatedAt:        now,
			UpdatedAt:        now,
		})
	}
	event := TaskEvent{
		TaskID:       rootID,
		EventType:    EventTypeTaskOpened,
		MetadataJSON: eventMetadata(map[string]string{"order_id": order.ID, "required_role": root.RequiredRole}),
		CreatedAt:    now,
	}
	if err := s.store.InsertAutomationTask(ctx, root, assignments, event); err != nil {
		if errors.Is(err, ErrConstraintViolation) {
			return AutomationTask{}, fmt.Errorf("%w: order %s already has a live root task", ErrConstraintViolation, order.ID)
		}
		return AutomationTask{}, fmt.Errorf("open order root task: %w", err)
	}
	return root, nil
}

// ConfirmReceipt records that the order's creator accepted delivery, closing
// an order that is awaiting confirmation. Admins may confirm on the
// creator's behalf.
func (s *Service) ConfirmReceipt(ctx context.Context, orderID string, userID string) (Order, error) {
	ctx, span := s.startSpan(ctx, "automation.ConfirmReceipt")
	defer span.End()

	if s.store == nil {
		return Order{}, ErrStoreNotConfigured
	}
	orderID = strings.TrimSpace(orderID)
	userID = strings.TrimSpace(userID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrValidation)
	}
	if userID == "" {
		return Order{}, fmt.Errorf("%w: user id is required", ErrValidation)
	}

	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if order.CreatedBy != userID {
		admin, err := s.roles.IsAdmin(ctx, userID)
		if err != nil {
			return Order{}, fmt.Errorf("resolve admin capability: %w", err)
		}
		if !admin {
			return Order{}, fmt.Errorf("%w: only the order creator may confirm receipt", ErrPermission)
		}
	}

	now := s.now()
	event := TaskEvent{
		TaskID:       orderID,
		UserID:       userID,
		EventType:    EventTypeClosed,
		MetadataJSON: eventMetadata(map[string]string{"reason": "receipt_confirmed"}),
		CreatedAt:    now,
	}
	applied, err := s.store.UpdateOrderStatus(ctx, orderID,
		[]OrderStatus{OrderStatusAwaitingConfirmation}, OrderStatusCompleted, now, &event)
	if err != nil {
		return Order{}, fmt.Errorf("confirm receipt: %w", err)
	}
	if !applied {
		return Order{}, fmt.Errorf("%w: order %s is not awaiting confirmation", ErrValidation, orderID)
	}

	order.Status = OrderStatusCompleted
	order.UpdatedAt = now
	s.notify(ctx, func(ctx context.Context, f *Fanout) {
		f.OrderClosed(ctx, order)
	})
	return order, nil
}

// GetOrderAutomationStatus returns the order, its full step chain, and the
// live order-root claimable task when one exists.
func (s *Service) GetOrderAutomationStatus(ctx context.Context, orderID string) (OrderAutomationStatus, error) {
	ctx, span := s.startSpan(ctx, "automation.GetOrderAutomationStatus")
	defer span.End()

	if s.store == nil {
		return OrderAutomationStatus{}, ErrStoreNotConfigured
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return OrderAutomationStatus{}, fmt.Errorf("%w: order id is required", ErrValidation)
	}

	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return OrderAutomationStatus{}, err
	}
	tasks, err := s.store.ListTasksByOrder(ctx, orderID)
	if err != nil {
		return OrderAutomationStatus{}, fmt.Errorf("list order tasks: %w", err)
	}

	status := OrderAutomationStatus{Order: order, Tasks: tasks}
	page, err := s.store.ListAutomationTasks(ctx, AutomationTaskFilter{RelatedOrderID: orderID})
	if err != nil {
		return OrderAutomationStatus{}, fmt.Errorf("list order automation tasks: %w", err)
	}
	for i := range page.Tasks {
		task := page.Tasks[i]
		if task.IsOrderRoot && task.Status != AutomationTaskStatusCancelled {
			status.RootTask = &task
			break
		}
	}
	return status, nil
}

// ListTaskEvents returns a task's audit trail in commit order.
func (s *Service) ListTaskEvents(ctx context.Context, taskID string) ([]TaskEvent, error) {
	if s.store == nil {
		return nil, ErrStoreNotConfigured
	}
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return nil, fmt.Errorf("%w: task id is required", ErrValidation)
	}
	return s.store.ListTaskEvents(ctx, taskID)
}

// resolveAssignee maps a step role to a deterministic assignee. Empty role
// or an unresolvable role leaves the step unassigned.
func (s *Service) resolveAssignee(ctx context.Context, role string) (string, error) {
	role = strings.TrimSpace(role)
	if role == "" {
		return "", nil
	}
	assignee, err := s.roles.AssigneeForRole(ctx, role)
	if err != nil {
		return "", fmt.Errorf("resolve assignee for role %s: %w", role, err)
	}
	return strings.TrimSpace(assignee), nil
}

func eventMetadata(fields map[string]string) string {
	if len(fields) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
