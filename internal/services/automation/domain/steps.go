package domain

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/warehouseops/orderflow/internal/services/automation/workflow"
)

// CompleteTask marks the order's active step done and advances the chain:
// the next pending step activates, or, when the chain is exhausted, the
// order moves to completed (or awaiting confirmation when the final step
// requires sign-off by the order creator).
//
// Only the step assignee may complete an assigned step; unassigned steps
// accept any holder of the step role. Admins may complete any step. A lost
// completion race surfaces as ErrOptimisticLock.
func (s *Service) CompleteTask(ctx context.Context, taskID string, userID string) (Task, error) {
	ctx, span := s.startSpan(ctx, "automation.CompleteTask")
	defer span.End()

	if s.store == nil {
		return Task{}, ErrStoreNotConfigured
	}
	taskID = strings.TrimSpace(taskID)
	userID = strings.TrimSpace(userID)
	if taskID == "" {
		return Task{}, fmt.Errorf("%w: task id is required", ErrValidation)
	}
	if userID == "" {
		return Task{}, fmt.Errorf("%w: user id is required", ErrValidation)
	}

	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	if task.Status != TaskStatusActive {
		return Task{}, ErrTaskNotActive
	}

	order, err := s.store.GetOrder(ctx, task.OrderID)
	if err != nil {
		return Task{}, fmt.Errorf("load order %s: %w", task.OrderID, err)
	}
	steps, err := s.registry.StepsFor(order.OrderType)
	if err != nil {
		return Task{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if task.StepIndex < 0 || task.StepIndex >= len(steps) {
		return Task{}, fmt.Errorf("task %s step index %d outside chain of %d steps", task.ID, task.StepIndex, len(steps))
	}
	step := steps[task.StepIndex]

	if err := s.authorizeStepCompletion(ctx, task, step, userID); err != nil {
		return Task{}, err
	}

	now := s.now()
	event := TaskEvent{
		TaskID:       task.ID,
		UserID:       userID,
		EventType:    EventTypeStepCompleted,
		MetadataJSON: eventMetadata(map[string]string{"step_key": task.StepKey, "order_id": order.ID}),
		CreatedAt:    now,
	}
	applied, err := s.store.MarkTaskDone(ctx, task.ID, task.Version, now, event)
	if err != nil {
		return Task{}, fmt.Errorf("complete task: %w", err)
	}
	if !applied {
		return Task{}, fmt.Errorf("%w: task %s changed underneath the caller", ErrOptimisticLock, task.ID)
	}

	completedAt := now
	task.Status = TaskStatusDone
	task.CompletedAt = &completedAt
	task.UpdatedAt = now
	task.Version++

	if err := s.advanceChain(ctx, order, steps, task, now); err != nil {
		return Task{}, err
	}
	return task, nil
}

// authorizeStepCompletion enforces who may complete a step: the assignee,
// any role holder when the step is unassigned, or an admin.
func (s *Service) authorizeStepCompletion(ctx context.Context, task Task, step workflow.StepSpec, userID string) error {
	if task.AssignedUserID == userID {
		return nil
	}
	admin, err := s.roles.IsAdmin(ctx, userID)
	if err != nil {
		return fmt.Errorf("resolve admin capability: %w", err)
	}
	if admin {
		return nil
	}
	if task.AssignedUserID != "" {
		return fmt.Errorf("%w: task %s is assigned to another user", ErrPermission, task.ID)
	}
	role := strings.TrimSpace(step.Role)
	if role == "" {
		return nil
	}
	roles, err := s.roles.RolesFor(ctx, userID)
	if err != nil {
		return fmt.Errorf("resolve roles: %w", err)
	}
	for _, held := range roles {
		if held == role {
			return nil
		}
	}
	return fmt.Errorf("%w: step %s requires role %s", ErrPermission, task.StepKey, role)
}

// advanceChain activates the step after completed, or closes out the order
// when completed was the final step of the chain.
func (s *Service) advanceChain(ctx context.Context, order Order, steps []workflow.StepSpec, completed Task, now time.Time) error {
	nextIndex := completed.StepIndex + 1
	if nextIndex < len(steps) {
		// First completed step moves the order out of submitted. Later steps
		// find nothing to apply, which is fine.
		if _, err := s.store.UpdateOrderStatus(ctx, order.ID,
			[]OrderStatus{OrderStatusSubmitted}, OrderStatusInProgress, now, nil); err != nil {
			return fmt.Errorf("advance order %s: %w", order.ID, err)
		}
		return s.activateNextStep(ctx, order, steps[nextIndex], completed.OrderID, nextIndex, now)
	}

	finalStep := steps[completed.StepIndex]
	target := OrderStatusCompleted
	eventType := EventTypeClosed
	reason := "chain_completed"
	if finalStep.Confirmation {
		target = OrderStatusAwaitingConfirmation
		eventType = EventTypeStepCompleted
		reason = "awaiting_receipt_confirmation"
	}
	event := TaskEvent{
		TaskID:       order.ID,
		EventType:    eventType,
		MetadataJSON: eventMetadata(map[string]string{"reason": reason}),
		CreatedAt:    now,
	}
	applied, err := s.store.UpdateOrderStatus(ctx, order.ID,
		[]OrderStatus{OrderStatusInProgress, OrderStatusSubmitted}, target, now, &event)
	if err != nil {
		return fmt.Errorf("close out order %s: %w", order.ID, err)
	}
	if !applied {
		// Another writer moved the order first; the step completion stands.
		s.logger.Printf("automation: order %s not advanced to %s, status changed concurrently", order.ID, target)
		return nil
	}
	if target == OrderStatusCompleted {
		order.Status = target
		order.UpdatedAt = now
		s.notify(ctx, func(ctx context.Context, f *Fanout) {
			f.OrderClosed(ctx, order)
		})
	}
	return nil
}

func (s *Service) activateNextStep(ctx context.Context, order Order, step workflow.StepSpec, orderID string, stepIndex int, now time.Time) error {
	tasks, err := s.store.ListTasksByOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("list order tasks: %w", err)
	}
	var next *Task
	for i := range tasks {
		if tasks[i].StepIndex == stepIndex {
			next = &tasks[i]
			break
		}
	}
	if next == nil {
		return fmt.Errorf("order %s is missing step %d", orderID, stepIndex)
	}
	if next.Status != TaskStatusPending {
		// Already activated by a concurrent completion of the same step.
		return nil
	}

	assignee, err := s.resolveAssignee(ctx, step.Role)
	if err != nil {
		return err
	}
	event := TaskEvent{
		TaskID:       next.ID,
		UserID:       assignee,
		EventType:    EventTypeStepStarted,
		MetadataJSON: eventMetadata(map[string]string{"step_key": step.Key, "role": step.Role}),
		CreatedAt:    now,
	}
	applied, err := s.store.ActivateTask(ctx, next.ID, assignee, now, event)
	if err != nil {
		return fmt.Errorf("activate step %s: %w", step.Key, err)
	}
	if !applied {
		s.logger.Printf("automation: step %s of order %s activated concurrently", step.Key, orderID)
		return nil
	}
	if assignee != "" {
		activated := *next
		activated.Status = TaskStatusActive
		activated.AssignedUserID = assignee
		s.notify(ctx, func(ctx context.Context, f *Fanout) {
			f.StepAssigned(ctx, order, activated)
		})
	}
	return nil
}
