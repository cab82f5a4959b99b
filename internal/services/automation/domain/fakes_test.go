package domain

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// fakeStore is an in-memory Store honoring the conditional-write contract,
// including under concurrent use.
type fakeStore struct {
	mu          sync.Mutex
	orders      map[string]Order
	tasks       map[string]Task
	autoTasks   map[string]AutomationTask
	assignments []TaskAssignment
	events      []TaskEvent
	nextSeq     int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		orders:    make(map[string]Order),
		tasks:     make(map[string]Task),
		autoTasks: make(map[string]AutomationTask),
	}
}

func (f *fakeStore) appendEventLocked(event TaskEvent) {
	f.nextSeq++
	event.Seq = f.nextSeq
	f.events = append(f.events, event)
}

func (f *fakeStore) CreateOrderWithTasks(_ context.Context, order Order, tasks []Task, events []TaskEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.orders[order.ID]; exists {
		return ErrConstraintViolation
	}
	f.orders[order.ID] = order
	for _, task := range tasks {
		f.tasks[task.ID] = task
	}
	for _, event := range events {
		f.appendEventLocked(event)
	}
	return nil
}

func (f *fakeStore) GetOrder(_ context.Context, orderID string) (Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[orderID]
	if !ok {
		return Order{}, fmt.Errorf("%w: order %s", ErrNotFound, orderID)
	}
	return order, nil
}

func (f *fakeStore) UpdateOrderStatus(_ context.Context, orderID string, from []OrderStatus, to OrderStatus, now time.Time, event *TaskEvent) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[orderID]
	if !ok {
		return false, nil
	}
	matched := false
	for _, status := range from {
		if order.Status == status {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}
	order.Status = to
	order.UpdatedAt = now
	f.orders[orderID] = order
	if event != nil {
		f.appendEventLocked(*event)
	}
	return true, nil
}

func (f *fakeStore) GetTask(_ context.Context, taskID string) (Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[taskID]
	if !ok {
		return Task{}, fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}
	return task, nil
}

func (f *fakeStore) ListTasksByOrder(_ context.Context, orderID string) ([]Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var tasks []Task
	for _, task := range f.tasks {
		if task.OrderID == orderID {
			tasks = append(tasks, task)
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].StepIndex < tasks[j].StepIndex })
	return tasks, nil
}

func (f *fakeStore) MarkTaskDone(_ context.Context, taskID string, version int64, now time.Time, event TaskEvent) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[taskID]
	if !ok || task.Version != version || task.Status != TaskStatusActive {
		return false, nil
	}
	task.Status = TaskStatusDone
	completedAt := now
	task.CompletedAt = &completedAt
	task.UpdatedAt = now
	task.Version++
	f.tasks[taskID] = task
	f.appendEventLocked(event)
	return true, nil
}

func (f *fakeStore) ActivateTask(_ context.Context, taskID string, assignedUserID string, now time.Time, event TaskEvent) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[taskID]
	if !ok || task.Status != TaskStatusPending {
		return false, nil
	}
	task.Status = TaskStatusActive
	task.AssignedUserID = assignedUserID
	activatedAt := now
	task.ActivatedAt = &activatedAt
	task.UpdatedAt = now
	task.Version++
	f.tasks[taskID] = task
	f.appendEventLocked(event)
	return true, nil
}

func (f *fakeStore) InsertAutomationTask(_ context.Context, task AutomationTask, assignments []TaskAssignment, event TaskEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if task.IsOrderRoot {
		for _, existing := range f.autoTasks {
			if existing.IsOrderRoot &&
				existing.RelatedOrderID == task.RelatedOrderID &&
				existing.Status != AutomationTaskStatusCancelled {
				return ErrConstraintViolation
			}
		}
	}
	f.autoTasks[task.ID] = task
	f.assignments = append(f.assignments, assignments...)
	f.appendEventLocked(event)
	return nil
}

func (f *fakeStore) GetAutomationTask(_ context.Context, taskID string) (AutomationTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.autoTasks[taskID]
	if !ok {
		return AutomationTask{}, fmt.Errorf("%w: automation task %s", ErrNotFound, taskID)
	}
	return task, nil
}

func (f *fakeStore) ListAutomationTasks(_ context.Context, filter AutomationTaskFilter) (AutomationTaskPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var tasks []AutomationTask
	for _, task := range f.autoTasks {
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		if filter.TaskType != "" && task.TaskType != filter.TaskType {
			continue
		}
		if filter.RequiredRole != "" && task.RequiredRole != filter.RequiredRole {
			continue
		}
		if filter.RelatedOrderID != "" && task.RelatedOrderID != filter.RelatedOrderID {
			continue
		}
		tasks = append(tasks, task)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	if filter.PageToken != "" {
		cut := 0
		for i, task := range tasks {
			if task.ID > filter.PageToken {
				cut = i
				break
			}
			cut = i + 1
		}
		tasks = tasks[cut:]
	}
	page := AutomationTaskPage{}
	if filter.PageSize > 0 && len(tasks) > filter.PageSize {
		page.Tasks = tasks[:filter.PageSize]
		page.NextPageToken = tasks[filter.PageSize-1].ID
	} else {
		page.Tasks = tasks
	}
	return page, nil
}

func (f *fakeStore) ClaimAutomationTask(_ context.Context, taskID string, userID string, now time.Time, event TaskEvent) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.autoTasks[taskID]
	if !ok || task.Status != AutomationTaskStatusOpen {
		return false, nil
	}
	task.Status = AutomationTaskStatusClaimed
	task.ClaimedByUserID = userID
	claimedAt := now
	task.ClaimedAt = &claimedAt
	task.UpdatedAt = now
	f.autoTasks[taskID] = task
	f.appendEventLocked(event)
	return true, nil
}

func (f *fakeStore) OverrideClaim(_ context.Context, taskID string, userID string, now time.Time, event TaskEvent) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.autoTasks[taskID]
	if !ok {
		return false, nil
	}
	if task.Status != AutomationTaskStatusOpen && task.Status != AutomationTaskStatusClaimed {
		return false, nil
	}
	task.Status = AutomationTaskStatusClaimed
	task.ClaimedByUserID = userID
	claimedAt := now
	task.ClaimedAt = &claimedAt
	task.UpdatedAt = now
	f.autoTasks[taskID] = task
	f.appendEventLocked(event)
	return true, nil
}

func (f *fakeStore) StartAutomationTask(_ context.Context, taskID string, userID string, now time.Time, event TaskEvent) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.autoTasks[taskID]
	if !ok || task.Status != AutomationTaskStatusClaimed || task.ClaimedByUserID != userID {
		return false, nil
	}
	task.Status = AutomationTaskStatusInProgress
	task.UpdatedAt = now
	f.autoTasks[taskID] = task
	f.appendEventLocked(event)
	return true, nil
}

func (f *fakeStore) CompleteAutomationTask(_ context.Context, taskID string, claimantID string, enforceClaimant bool, now time.Time, event TaskEvent) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.autoTasks[taskID]
	if !ok {
		return false, nil
	}
	if task.Status != AutomationTaskStatusClaimed && task.Status != AutomationTaskStatusInProgress {
		return false, nil
	}
	if enforceClaimant && task.ClaimedByUserID != claimantID {
		return false, nil
	}
	task.Status = AutomationTaskStatusCompleted
	task.UpdatedAt = now
	f.autoTasks[taskID] = task
	f.appendEventLocked(event)
	return true, nil
}

func (f *fakeStore) CancelAutomationTask(_ context.Context, taskID string, now time.Time, event TaskEvent) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.autoTasks[taskID]
	if !ok {
		return false, nil
	}
	if task.Status == AutomationTaskStatusCompleted || task.Status == AutomationTaskStatusCancelled {
		return false, nil
	}
	task.Status = AutomationTaskStatusCancelled
	task.UpdatedAt = now
	f.autoTasks[taskID] = task
	f.appendEventLocked(event)
	return true, nil
}

func (f *fakeStore) ListAssignmentsByTask(_ context.Context, automationTaskID string) ([]TaskAssignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var assignments []TaskAssignment
	for _, assignment := range f.assignments {
		if assignment.AutomationTaskID == automationTaskID {
			assignments = append(assignments, assignment)
		}
	}
	return assignments, nil
}

func (f *fakeStore) UpdateAssignmentStatus(_ context.Context, automationTaskID string, userID string, status AssignmentStatus, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, assignment := range f.assignments {
		if assignment.AutomationTaskID == automationTaskID && assignment.UserID == userID {
			f.assignments[i].Status = status
			f.assignments[i].UpdatedAt = now
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) BackfillAssignmentUser(_ context.Context, automationTaskID string, userID string, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, assignment := range f.assignments {
		if assignment.AutomationTaskID == automationTaskID && assignment.UserID == "" {
			f.assignments[i].UserID = userID
			f.assignments[i].UpdatedAt = now
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) ListTaskEvents(_ context.Context, taskID string) ([]TaskEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var events []TaskEvent
	for _, event := range f.events {
		if event.TaskID == taskID {
			events = append(events, event)
		}
	}
	return events, nil
}

func (f *fakeStore) eventTypes(taskID string) []EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	var types []EventType
	for _, event := range f.events {
		if event.TaskID == taskID {
			types = append(types, event.EventType)
		}
	}
	return types
}

// fakeRoles is an in-memory RoleResolver.
type fakeRoles struct {
	roles     map[string][]string
	admins    map[string]bool
	assignees map[string]string
}

func newFakeRoles() *fakeRoles {
	return &fakeRoles{
		roles:     make(map[string][]string),
		admins:    make(map[string]bool),
		assignees: make(map[string]string),
	}
}

func (f *fakeRoles) RolesFor(_ context.Context, userID string) ([]string, error) {
	return f.roles[userID], nil
}

func (f *fakeRoles) IsAdmin(_ context.Context, userID string) (bool, error) {
	return f.admins[userID], nil
}

func (f *fakeRoles) AssigneeForRole(_ context.Context, role string) (string, error) {
	return f.assignees[role], nil
}

// fakeDirectory is an in-memory RoleDirectory.
type fakeDirectory struct {
	usersByRole map[string][]string
	operational []string
	adminUsers  []string
}

func (f *fakeDirectory) UsersInRole(_ context.Context, role string) ([]string, error) {
	return f.usersByRole[role], nil
}

func (f *fakeDirectory) OperationalUsers(_ context.Context) ([]string, error) {
	return f.operational, nil
}

func (f *fakeDirectory) AdminUsers(_ context.Context) ([]string, error) {
	return f.adminUsers, nil
}

// fakeSink records notifications.
type fakeSink struct {
	mu       sync.Mutex
	notified []sinkCall
	fail     bool
}

type sinkCall struct {
	userID string
	kind   string
}

func (f *fakeSink) Notify(_ context.Context, userID string, kind string, _ map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return fmt.Errorf("sink unavailable")
	}
	f.notified = append(f.notified, sinkCall{userID: userID, kind: kind})
	return nil
}

func (f *fakeSink) calls(kind string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var users []string
	for _, call := range f.notified {
		if call.kind == kind {
			users = append(users, call.userID)
		}
	}
	return users
}

// fakeIdempotency is an in-memory IdempotencyStore with TTL semantics.
type fakeIdempotency struct {
	mu   sync.Mutex
	keys map[string]time.Time
}

func newFakeIdempotency() *fakeIdempotency {
	return &fakeIdempotency{keys: make(map[string]time.Time)}
}

func (f *fakeIdempotency) ClaimIdempotencyKey(_ context.Context, key string, now time.Time, expiresAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if expiry, ok := f.keys[key]; ok && expiry.After(now) {
		return false, nil
	}
	f.keys[key] = expiresAt
	return true, nil
}

// sequentialIDs yields id-1, id-2, ... deterministically.
func sequentialIDs() func() (string, error) {
	var mu sync.Mutex
	n := 0
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("id-%03d", n), nil
	}
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func containsUser(users []string, userID string) bool {
	for _, user := range users {
		if strings.TrimSpace(user) == userID {
			return true
		}
	}
	return false
}
