package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/warehouseops/orderflow/internal/services/automation/domain"
	"github.com/warehouseops/orderflow/internal/services/automation/storage"
)

// Store is the full persistence surface the automation engine consumes.
type Store interface {
	storage.OrderStore
	storage.TaskStore
	storage.AutomationTaskStore
	storage.AssignmentStore
	storage.EventStore
	storage.IdempotencyStore
}

// domainStoreAdapter maps the storage contract onto the domain.Store
// boundary: records become domain entities and storage sentinels become
// domain sentinels.
type domainStoreAdapter struct {
	store Store
}

// NewDomainStore wraps a storage implementation for the domain service.
func NewDomainStore(store Store) domain.Store {
	return &domainStoreAdapter{store: store}
}

func mapStorageErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("%w: %v", domain.ErrNotFound, err)
	case errors.Is(err, storage.ErrConflict):
		return fmt.Errorf("%w: %v", domain.ErrConstraintViolation, err)
	default:
		return err
	}
}

func (a *domainStoreAdapter) CreateOrderWithTasks(ctx context.Context, order domain.Order, tasks []domain.Task, events []domain.TaskEvent) error {
	records := make([]storage.TaskRecord, len(tasks))
	for i, task := range tasks {
		records[i] = taskToRecord(task)
	}
	eventRecords := make([]storage.TaskEventRecord, len(events))
	for i, event := range events {
		eventRecords[i] = eventToRecord(event)
	}
	return mapStorageErr(a.store.CreateOrderWithTasks(ctx, orderToRecord(order), records, eventRecords))
}

func (a *domainStoreAdapter) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	record, err := a.store.GetOrder(ctx, orderID)
	if err != nil {
		return domain.Order{}, mapStorageErr(err)
	}
	return orderFromRecord(record), nil
}

func (a *domainStoreAdapter) UpdateOrderStatus(ctx context.Context, orderID string, from []domain.OrderStatus, to domain.OrderStatus, now time.Time, event *domain.TaskEvent) (bool, error) {
	fromRecords := make([]storage.OrderStatus, len(from))
	for i, status := range from {
		fromRecords[i] = storage.OrderStatus(status)
	}
	var eventRecord *storage.TaskEventRecord
	if event != nil {
		record := eventToRecord(*event)
		eventRecord = &record
	}
	applied, err := a.store.UpdateOrderStatus(ctx, orderID, fromRecords, storage.OrderStatus(to), now, eventRecord)
	return applied, mapStorageErr(err)
}

func (a *domainStoreAdapter) GetTask(ctx context.Context, taskID string) (domain.Task, error) {
	record, err := a.store.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, mapStorageErr(err)
	}
	return taskFromRecord(record), nil
}

func (a *domainStoreAdapter) ListTasksByOrder(ctx context.Context, orderID string) ([]domain.Task, error) {
	records, err := a.store.ListTasksByOrder(ctx, orderID)
	if err != nil {
		return nil, mapStorageErr(err)
	}
	tasks := make([]domain.Task, len(records))
	for i, record := range records {
		tasks[i] = taskFromRecord(record)
	}
	return tasks, nil
}

func (a *domainStoreAdapter) MarkTaskDone(ctx context.Context, taskID string, version int64, now time.Time, event domain.TaskEvent) (bool, error) {
	applied, err := a.store.MarkTaskDone(ctx, taskID, version, now, eventToRecord(event))
	return applied, mapStorageErr(err)
}

func (a *domainStoreAdapter) ActivateTask(ctx context.Context, taskID string, assignedUserID string, now time.Time, event domain.TaskEvent) (bool, error) {
	applied, err := a.store.ActivateTask(ctx, taskID, assignedUserID, now, eventToRecord(event))
	return applied, mapStorageErr(err)
}

func (a *domainStoreAdapter) InsertAutomationTask(ctx context.Context, task domain.AutomationTask, assignments []domain.TaskAssignment, event domain.TaskEvent) error {
	records := make([]storage.AssignmentRecord, len(assignments))
	for i, assignment := range assignments {
		records[i] = assignmentToRecord(assignment)
	}
	return mapStorageErr(a.store.InsertAutomationTask(ctx, automationTaskToRecord(task), records, eventToRecord(event)))
}

func (a *domainStoreAdapter) GetAutomationTask(ctx context.Context, taskID string) (domain.AutomationTask, error) {
	record, err := a.store.GetAutomationTask(ctx, taskID)
	if err != nil {
		return domain.AutomationTask{}, mapStorageErr(err)
	}
	return automationTaskFromRecord(record), nil
}

func (a *domainStoreAdapter) ListAutomationTasks(ctx context.Context, filter domain.AutomationTaskFilter) (domain.AutomationTaskPage, error) {
	page, err := a.store.ListAutomationTasks(ctx, storage.AutomationTaskFilter{
		Status:         storage.AutomationTaskStatus(filter.Status),
		TaskType:       filter.TaskType,
		RequiredRole:   filter.RequiredRole,
		RelatedOrderID: filter.RelatedOrderID,
		PageSize:       filter.PageSize,
		PageToken:      filter.PageToken,
	})
	if err != nil {
		return domain.AutomationTaskPage{}, mapStorageErr(err)
	}
	tasks := make([]domain.AutomationTask, len(page.Tasks))
	for i, record := range page.Tasks {
		tasks[i] = automationTaskFromRecord(record)
	}
	return domain.AutomationTaskPage{Tasks: tasks, NextPageToken: page.NextPageToken}, nil
}

func (a *domainStoreAdapter) ClaimAutomationTask(ctx context.Context, taskID string, userID string, now time.Time, event domain.TaskEvent) (bool, error) {
	applied, err := a.store.ClaimAutomationTask(ctx, taskID, userID, now, eventToRecord(event))
	return applied, mapStorageErr(err)
}

func (a *domainStoreAdapter) OverrideClaim(ctx context.Context, taskID string, userID string, now time.Time, event domain.TaskEvent) (bool, error) {
	applied, err := a.store.OverrideClaim(ctx, taskID, userID, now, eventToRecord(event))
	return applied, mapStorageErr(err)
}

func (a *domainStoreAdapter) StartAutomationTask(ctx context.Context, taskID string, userID string, now time.Time, event domain.TaskEvent) (bool, error) {
	applied, err := a.store.StartAutomationTask(ctx, taskID, userID, now, eventToRecord(event))
	return applied, mapStorageErr(err)
}

func (a *domainStoreAdapter) CompleteAutomationTask(ctx context.Context, taskID string, claimantID string, enforceClaimant bool, now time.Time, event domain.TaskEvent) (bool, error) {
	applied, err := a.store.CompleteAutomationTask(ctx, taskID, claimantID, enforceClaimant, now, eventToRecord(event))
	return applied, mapStorageErr(err)
}

func (a *domainStoreAdapter) CancelAutomationTask(ctx context.Context, taskID string, now time.Time, event domain.TaskEvent) (bool, error) {
	applied, err := a.store.CancelAutomationTask(ctx, taskID, now, eventToRecord(event))
	return applied, mapStorageErr(err)
}

func (a *domainStoreAdapter) ListAssignmentsByTask(ctx context.Context, automationTaskID string) ([]domain.TaskAssignment, error) {
	records, err := a.store.ListAssignmentsByTask(ctx, automationTaskID)
	if err != nil {
		return nil, mapStorageErr(err)
	}
	assignments := make([]domain.TaskAssignment, len(records))
	for i, record := range records {
		assignments[i] = assignmentFromRecord(record)
	}
	return assignments, nil
}

func (a *domainStoreAdapter) UpdateAssignmentStatus(ctx context.Context, automationTaskID string, userID string, status domain.AssignmentStatus, now time.Time) (bool, error) {
	applied, err := a.store.UpdateAssignmentStatus(ctx, automationTaskID, userID, storage.AssignmentStatus(status), now)
	return applied, mapStorageErr(err)
}

func (a *domainStoreAdapter) BackfillAssignmentUser(ctx context.Context, automationTaskID string, userID string, now time.Time) (bool, error) {
	applied, err := a.store.BackfillAssignmentUser(ctx, automationTaskID, userID, now)
	return applied, mapStorageErr(err)
}

func (a *domainStoreAdapter) ListTaskEvents(ctx context.Context, taskID string) ([]domain.TaskEvent, error) {
	records, err := a.store.ListTaskEvents(ctx, taskID)
	if err != nil {
		return nil, mapStorageErr(err)
	}
	events := make([]domain.TaskEvent, len(records))
	for i, record := range records {
		events[i] = eventFromRecord(record)
	}
	return events, nil
}

func orderToRecord(order domain.Order) storage.OrderRecord {
	return storage.OrderRecord{
		ID:           order.ID,
		OrderType:    order.OrderType,
		Status:       storage.OrderStatus(order.Status),
		CreatedBy:    order.CreatedBy,
		MetadataJSON: order.MetadataJSON,
		ItemsJSON:    order.ItemsJSON,
		CreatedAt:    order.CreatedAt,
		UpdatedAt:    order.UpdatedAt,
	}
}

func orderFromRecord(record storage.OrderRecord) domain.Order {
	return domain.Order{
		ID:           record.ID,
		OrderType:    record.OrderType,
		Status:       domain.OrderStatus(record.Status),
		CreatedBy:    record.CreatedBy,
		MetadataJSON: record.MetadataJSON,
		ItemsJSON:    record.ItemsJSON,
		CreatedAt:    record.CreatedAt,
		UpdatedAt:    record.UpdatedAt,
	}
}

func taskToRecord(task domain.Task) storage.TaskRecord {
	return storage.TaskRecord{
		ID:             task.ID,
		OrderID:        task.OrderID,
		StepKey:        task.StepKey,
		StepIndex:      task.StepIndex,
		Title:          task.Title,
		AssignedUserID: task.AssignedUserID,
		Status:         storage.TaskStatus(task.Status),
		Required:       task.Required,
		Version:        task.Version,
		ActivatedAt:    task.ActivatedAt,
		CompletedAt:    task.CompletedAt,
		CreatedAt:      task.CreatedAt,
		UpdatedAt:      task.UpdatedAt,
	}
}

func taskFromRecord(record storage.TaskRecord) domain.Task {
	return domain.Task{
		ID:             record.ID,
		OrderID:        record.OrderID,
		StepKey:        record.StepKey,
		StepIndex:      record.StepIndex,
		Title:          record.Title,
		AssignedUserID: record.AssignedUserID,
		Status:         domain.TaskStatus(record.Status),
		Required:       record.Required,
		Version:        record.Version,
		ActivatedAt:    record.ActivatedAt,
		CompletedAt:    record.CompletedAt,
		CreatedAt:      record.CreatedAt,
		UpdatedAt:      record.UpdatedAt,
	}
}

func automationTaskToRecord(task domain.AutomationTask) storage.AutomationTaskRecord {
	return storage.AutomationTaskRecord{
		ID:              task.ID,
		TaskType:        task.TaskType,
		Status:          storage.AutomationTaskStatus(task.Status),
		Title:           task.Title,
		RequiredRole:    task.RequiredRole,
		ClaimedByUserID: task.ClaimedByUserID,
		ClaimedAt:       task.ClaimedAt,
		RelatedOrderID:  task.RelatedOrderID,
		IsOrderRoot:     task.IsOrderRoot,
		CreatedAt:       task.CreatedAt,
		UpdatedAt:       task.UpdatedAt,
	}
}

func automationTaskFromRecord(record storage.AutomationTaskRecord) domain.AutomationTask {
	return domain.AutomationTask{
		ID:              record.ID,
		TaskType:        record.TaskType,
		Status:          domain.AutomationTaskStatus(record.Status),
		Title:           record.Title,
		RequiredRole:    record.RequiredRole,
		ClaimedByUserID: record.ClaimedByUserID,
		ClaimedAt:       record.ClaimedAt,
		RelatedOrderID:  record.RelatedOrderID,
		IsOrderRoot:     record.IsOrderRoot,
		CreatedAt:       record.CreatedAt,
		UpdatedAt:       record.UpdatedAt,
	}
}

func assignmentToRecord(assignment domain.TaskAssignment) storage.AssignmentRecord {
	return storage.AssignmentRecord{
		AutomationTaskID: assignment.AutomationTaskID,
		UserID:           assignment.UserID,
		Status:           storage.AssignmentStatus(assignment.Status),
		RoleHint:         assignment.RoleHint,
		CreatedAt:        assignment.CreatedAt,
		UpdatedAt:        assignment.UpdatedAt,
	}
}

func assignmentFromRecord(record storage.AssignmentRecord) domain.TaskAssignment {
	return domain.TaskAssignment{
		AutomationTaskID: record.AutomationTaskID,
		UserID:           record.UserID,
		Status:           domain.AssignmentStatus(record.Status),
		RoleHint:         record.RoleHint,
		CreatedAt:        record.CreatedAt,
		UpdatedAt:        record.UpdatedAt,
	}
}

func eventToRecord(event domain.TaskEvent) storage.TaskEventRecord {
	return storage.TaskEventRecord{
		Seq:          event.Seq,
		TaskID:       event.TaskID,
		UserID:       event.UserID,
		EventType:    storage.EventType(event.EventType),
		MetadataJSON: event.MetadataJSON,
		CreatedAt:    event.CreatedAt,
	}
}

func eventFromRecord(record storage.TaskEventRecord) domain.TaskEvent {
	return domain.TaskEvent{
		Seq:          record.Seq,
		TaskID:       record.TaskID,
		UserID:       record.UserID,
		EventType:    domain.EventType(record.EventType),
		MetadataJSON: record.MetadataJSON,
		CreatedAt:    record.CreatedAt,
	}
}
