package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// CreateClaimableInput describes a standalone claimable task.
type CreateClaimableInput struct {
	TaskType     string
	Title        string
	RequiredRole string
	// RelatedOrderID links the task to an order. Combined with IsOrderRoot
	// it is subject to the one-live-root-per-order constraint.
	RelatedOrderID string
	IsOrderRoot    bool
	// ParticipantSlots reserves that many unassigned participant rows.
	ParticipantSlots int
}

// CreateClaimable opens a claimable task outside the order flow, such as an
// ad-hoc restock run. Order-root tasks are normally opened by CreateOrder;
// creating one here still enforces the single-live-root constraint.
func (s *Service) CreateClaimable(ctx context.Context, input CreateClaimableInput) (AutomationTask, error) {
	ctx, span := s.startSpan(ctx, "automation.CreateClaimable")
	defer span.End()

	if s.store == nil {
		return AutomationTask{}, ErrStoreNotConfigured
	}
	taskType := strings.TrimSpace(input.TaskType)
	title := strings.TrimSpace(input.Title)
	if taskType == "" {
		return AutomationTask{}, fmt.Errorf("%w: task type is required", ErrValidation)
	}
	if title == "" {
		return AutomationTask{}, fmt.Errorf("%w: title is required", ErrValidation)
	}
	if input.IsOrderRoot && strings.TrimSpace(input.RelatedOrderID) == "" {
		return AutomationTask{}, fmt.Errorf("%w: order root tasks need a related order", ErrValidation)
	}
	if input.ParticipantSlots < 0 {
		return AutomationTask{}, fmt.Errorf("%w: participant slots cannot be negative", ErrValidation)
	}

	now := s.now()
	taskID, err := s.newID()
	if err != nil {
		return AutomationTask{}, fmt.Errorf("generate task id: %w", err)
	}
	task := AutomationTask{
		ID:             taskID,
		TaskType:       taskType,
		Status:         AutomationTaskStatusOpen,
		Title:          title,
		RequiredRole:   strings.TrimSpace(input.RequiredRole),
		RelatedOrderID: strings.TrimSpace(input.RelatedOrderID),
		IsOrderRoot:    input.IsOrderRoot,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	assignments := make([]TaskAssignment, 0, input.ParticipantSlots)
	for i := 0; i < input.ParticipantSlots; i++ {
		assignments = append(assignments, TaskAssignment{
			AutomationTaskID: taskID,
			Status:           AssignmentStatusPending,
			RoleHint:         task.RequiredRole,
			CreatedAt:        now,
			UpdatedAt:        now,
		})
	}
	event := TaskEvent{
		TaskID:       taskID,
		EventType:    EventTypeTaskOpened,
		MetadataJSON: eventMetadata(map[string]string{"task_type": taskType, "required_role": task.RequiredRole}),
		CreatedAt:    now,
	}
	if err := s.store.InsertAutomationTask(ctx, task, assignments, event); err != nil {
		if errors.Is(err, ErrConstraintViolation) {
			return AutomationTask{}, fmt.Errorf("%w: order %s already has a live root task", ErrConstraintViolation, task.RelatedOrderID)
		}
		return AutomationTask{}, fmt.Errorf("create claimable task: %w", err)
	}

	s.notify(ctx, func(ctx context.Context, f *Fanout) {
		f.TaskOpened(ctx, task)
	})
	return task, nil
}

// Claim assigns an open claimable task to userID. The winner of a concurrent
// claim race is decided by the storage predicate; losers get
// ErrClaimConflict. With override set, an admin takes over a task that is
// already claimed; the previous claimant is recorded and notified.
func (s *Service) Claim(ctx context.Context, taskID string, userID string, override bool) (AutomationTask, error) {
	ctx, span := s.startSpan(ctx, "automation.Claim")
	defer span.End()

	if s.store == nil {
		return AutomationTask{}, ErrStoreNotConfigured
	}
	taskID = strings.TrimSpace(taskID)
	userID = strings.TrimSpace(userID)
	if taskID == "" {
		return AutomationTask{}, fmt.Errorf("%w: task id is required", ErrValidation)
	}
	if userID == "" {
		return AutomationTask{}, fmt.Errorf("%w: user id is required", ErrValidation)
	}

	task, err := s.store.GetAutomationTask(ctx, taskID)
	if err != nil {
		return AutomationTask{}, err
	}

	admin, err := s.roles.IsAdmin(ctx, userID)
	if err != nil {
		return AutomationTask{}, fmt.Errorf("resolve admin capability: %w", err)
	}
	if override && !admin {
		return AutomationTask{}, fmt.Errorf("%w: claim override requires admin capability", ErrPermission)
	}
	if !admin && task.RequiredRole != "" {
		held, err := s.userHoldsRole(ctx, userID, task.RequiredRole)
		if err != nil {
			return AutomationTask{}, err
		}
		if !held {
			return AutomationTask{}, fmt.Errorf("%w: task %s requires role %s", ErrClaimPermission, task.ID, task.RequiredRole)
		}
	}

	now := s.now()
	previousClaimant := task.ClaimedByUserID

	var applied bool
	if override {
		// An override of a still-open task is an ordinary claim; only
		// displacing an existing claimant is a reassignment.
		event := TaskEvent{
			TaskID:    taskID,
			UserID:    userID,
			EventType: EventTypeTaskClaimed,
			CreatedAt: now,
		}
		if previousClaimant != "" {
			event.EventType = EventTypeTaskReassigned
			event.MetadataJSON = eventMetadata(map[string]string{"previous_claimant": previousClaimant})
		}
		applied, err = s.store.OverrideClaim(ctx, taskID, userID, now, event)
	} else {
		event := TaskEvent{
			TaskID:    taskID,
			UserID:    userID,
			EventType: EventTypeTaskClaimed,
			CreatedAt: now,
		}
		applied, err = s.store.ClaimAutomationTask(ctx, taskID, userID, now, event)
	}
	if err != nil {
		return AutomationTask{}, fmt.Errorf("claim task: %w", err)
	}
	if !applied {
		return AutomationTask{}, s.classifyClaimFailure(ctx, taskID, override)
	}

	if _, err := s.store.BackfillAssignmentUser(ctx, taskID, userID, now); err != nil {
		// Placeholder backfill is advisory; the claim already committed.
		s.logger.Printf("automation: backfill assignment for task %s: %v", taskID, err)
	}
	if _, err := s.store.UpdateAssignmentStatus(ctx, taskID, userID, AssignmentStatusInProgress, now); err != nil {
		s.logger.Printf("automation: update assignment for task %s: %v", taskID, err)
	}

	claimedAt := now
	task.Status = AutomationTaskStatusClaimed
	task.ClaimedByUserID = userID
	task.ClaimedAt = &claimedAt
	task.UpdatedAt = now

	s.notify(ctx, func(ctx context.Context, f *Fanout) {
		if override && previousClaimant != "" {
			f.ClaimOverridden(ctx, task, previousClaimant)
			return
		}
		f.TaskClaimed(ctx, task)
	})
	return task, nil
}

// classifyClaimFailure turns a failed claim predicate into the right error
// by re-reading the row after the fact.
func (s *Service) classifyClaimFailure(ctx context.Context, taskID string, override bool) error {
	task, err := s.store.GetAutomationTask(ctx, taskID)
	if err != nil {
		return err
	}
	switch task.Status {
	case AutomationTaskStatusClaimed, AutomationTaskStatusInProgress:
		if override {
			return fmt.Errorf("%w: task %s moved past override eligibility", ErrClaimConflict, taskID)
		}
		return fmt.Errorf("%w: task %s is held by %s", ErrClaimConflict, taskID, task.ClaimedByUserID)
	case AutomationTaskStatusCompleted, AutomationTaskStatusCancelled:
		return fmt.Errorf("%w: task %s is %s", ErrValidation, taskID, task.Status)
	default:
		return fmt.Errorf("%w: task %s could not be claimed", ErrClaimConflict, taskID)
	}
}

// StartClaimed moves the caller's claimed task to in_progress.
func (s *Service) StartClaimed(ctx context.Context, taskID string, userID string) (AutomationTask, error) {
	ctx, span := s.startSpan(ctx, "automation.StartClaimed")
	defer span.End()

	if s.store == nil {
		return AutomationTask{}, ErrStoreNotConfigured
	}
	taskID = strings.TrimSpace(taskID)
	userID = strings.TrimSpace(userID)
	if taskID == "" {
		return AutomationTask{}, fmt.Errorf("%w: task id is required", ErrValidation)
	}
	if userID == "" {
		return AutomationTask{}, fmt.Errorf("%w: user id is required", ErrValidation)
	}

	now := s.now()
	event := TaskEvent{
		TaskID:    taskID,
		UserID:    userID,
		EventType: EventTypeStepStarted,
		CreatedAt: now,
	}
	applied, err := s.store.StartAutomationTask(ctx, taskID, userID, now, event)
	if err != nil {
		return AutomationTask{}, fmt.Errorf("start task: %w", err)
	}
	if !applied {
		task, err := s.store.GetAutomationTask(ctx, taskID)
		if err != nil {
			return AutomationTask{}, err
		}
		if task.Status != AutomationTaskStatusClaimed {
			return AutomationTask{}, fmt.Errorf("%w: task %s is %s, not claimed", ErrValidation, taskID, task.Status)
		}
		return AutomationTask{}, fmt.Errorf("%w: task %s is held by another user", ErrPermission, taskID)
	}
	return s.store.GetAutomationTask(ctx, taskID)
}

// CompleteClaimed finishes a claimed or started task. Only the claimant may
// complete it; admins may complete on the claimant's behalf.
func (s *Service) CompleteClaimed(ctx context.Context, taskID string, userID string) (AutomationTask, error) {
	ctx, span := s.startSpan(ctx, "automation.CompleteClaimed")
	defer span.End()

	if s.store == nil {
		return AutomationTask{}, ErrStoreNotConfigured
	}
	taskID = strings.TrimSpace(taskID)
	userID = strings.TrimSpace(userID)
	if taskID == "" {
		return AutomationTask{}, fmt.Errorf("%w: task id is required", ErrValidation)
	}
	if userID == "" {
		return AutomationTask{}, fmt.Errorf("%w: user id is required", ErrValidation)
	}

	admin, err := s.roles.IsAdmin(ctx, userID)
	if err != nil {
		return AutomationTask{}, fmt.Errorf("resolve admin capability: %w", err)
	}

	now := s.now()
	event := TaskEvent{
		TaskID:    taskID,
		UserID:    userID,
		EventType: EventTypeClosed,
		CreatedAt: now,
	}
	applied, err := s.store.CompleteAutomationTask(ctx, taskID, userID, !admin, now, event)
	if err != nil {
		return AutomationTask{}, fmt.Errorf("complete task: %w", err)
	}
	if !applied {
		task, err := s.store.GetAutomationTask(ctx, taskID)
		if err != nil {
			return AutomationTask{}, err
		}
		switch task.Status {
		case AutomationTaskStatusClaimed, AutomationTaskStatusInProgress:
			return AutomationTask{}, fmt.Errorf("%w: task %s is held by %s", ErrPermission, taskID, task.ClaimedByUserID)
		default:
			return AutomationTask{}, fmt.Errorf("%w: task %s is %s", ErrValidation, taskID, task.Status)
		}
	}

	task, err := s.store.GetAutomationTask(ctx, taskID)
	if err != nil {
		return AutomationTask{}, err
	}
	if task.ClaimedByUserID != "" {
		if _, err := s.store.UpdateAssignmentStatus(ctx, taskID, task.ClaimedByUserID, AssignmentStatusDone, now); err != nil {
			s.logger.Printf("automation: close assignment for task %s: %v", taskID, err)
		}
	}
	s.notify(ctx, func(ctx context.Context, f *Fanout) {
		f.TaskCompleted(ctx, task)
	})
	return task, nil
}

// CancelClaimable cancels a claimable task that has not finished. Admin only.
func (s *Service) CancelClaimable(ctx context.Context, taskID string, userID string) (AutomationTask, error) {
	ctx, span := s.startSpan(ctx, "automation.CancelClaimable")
	defer span.End()

	if s.store == nil {
		return AutomationTask{}, ErrStoreNotConfigured
	}
	taskID = strings.TrimSpace(taskID)
	userID = strings.TrimSpace(userID)
	if taskID == "" {
		return AutomationTask{}, fmt.Errorf("%w: task id is required", ErrValidation)
	}
	if userID == "" {
		return AutomationTask{}, fmt.Errorf("%w: user id is required", ErrValidation)
	}

	admin, err := s.roles.IsAdmin(ctx, userID)
	if err != nil {
		return AutomationTask{}, fmt.Errorf("resolve admin capability: %w", err)
	}
	if !admin {
		return AutomationTask{}, fmt.Errorf("%w: cancelling tasks requires admin capability", ErrPermission)
	}

	now := s.now()
	event := TaskEvent{
		TaskID:    taskID,
		UserID:    userID,
		EventType: EventTypeCancelled,
		CreatedAt: now,
	}
	applied, err := s.store.CancelAutomationTask(ctx, taskID, now, event)
	if err != nil {
		return AutomationTask{}, fmt.Errorf("cancel task: %w", err)
	}
	if !applied {
		task, err := s.store.GetAutomationTask(ctx, taskID)
		if err != nil {
			return AutomationTask{}, err
		}
		return AutomationTask{}, fmt.Errorf("%w: task %s is already %s", ErrValidation, taskID, task.Status)
	}
	return s.store.GetAutomationTask(ctx, taskID)
}

// ListClaimableTasks pages through claimable tasks matching the filter.
// Page size defaults to 50 and is capped at 200.
func (s *Service) ListClaimableTasks(ctx context.Context, filter AutomationTaskFilter) (AutomationTaskPage, error) {
	ctx, span := s.startSpan(ctx, "automation.ListClaimableTasks")
	defer span.End()

	if s.store == nil {
		return AutomationTaskPage{}, ErrStoreNotConfigured
	}
	if filter.PageSize <= 0 {
		filter.PageSize = defaultPageSize
	}
	if filter.PageSize > maxPageSize {
		filter.PageSize = maxPageSize
	}
	return s.store.ListAutomationTasks(ctx, filter)
}

func (s *Service) userHoldsRole(ctx context.Context, userID string, role string) (bool, error) {
	roles, err := s.roles.RolesFor(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("resolve roles: %w", err)
	}
	for _, held := range roles {
		if held == role {
			return true, nil
		}
	}
	return false, nil
}
