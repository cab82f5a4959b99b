package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/warehouseops/orderflow/internal/services/automation/storage"
)

var testTime = time.Date(2026, time.March, 14, 9, 30, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "automation.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})
	return store
}

func TestOpenAppliesConnectionPragmas(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)

	var journalMode string
	if err := store.sqlDB.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("read journal_mode: %v", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		t.Errorf("journal_mode = %q, want wal", journalMode)
	}

	var busyTimeout int64
	if err := store.sqlDB.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout); err != nil {
		t.Fatalf("read busy_timeout: %v", err)
	}
	if busyTimeout != 5000 {
		t.Errorf("busy_timeout = %d, want 5000", busyTimeout)
	}

	var foreignKeys int64
	if err := store.sqlDB.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys); err != nil {
		t.Fatalf("read foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Errorf("foreign_keys = %d, want 1", foreignKeys)
	}
}

func testOrder(id string) storage.OrderRecord {
	return storage.OrderRecord{
		ID:        id,
		OrderType: "AGENT_RESTOCK",
		Status:    storage.OrderStatusInProgress,
		CreatedBy: "alex",
		CreatedAt: testTime,
		UpdatedAt: testTime,
	}
}

func testTask(id, orderID string, index int) storage.TaskRecord {
	return storage.TaskRecord{
		ID:        id,
		OrderID:   orderID,
		StepKey:   fmt.Sprintf("step_%d", index),
		StepIndex: index,
		Title:     fmt.Sprintf("Step %d", index),
		Status:    storage.TaskStatusPending,
		Required:  true,
		Version:   1,
		CreatedAt: testTime,
		UpdatedAt: testTime,
	}
}

func testEvent(taskID string, eventType storage.EventType) storage.TaskEventRecord {
	return storage.TaskEventRecord{
		TaskID:    taskID,
		EventType: eventType,
		CreatedAt: testTime,
	}
}

func testAutomationTask(id string) storage.AutomationTaskRecord {
	return storage.AutomationTaskRecord{
		ID:        id,
		TaskType:  "RESTOCK_RUN",
		Status:    storage.AutomationTaskStatusOpen,
		Title:     "Restock aisle 7",
		CreatedAt: testTime,
		UpdatedAt: testTime,
	}
}

func mustInsertAutomationTask(t *testing.T, store *Store, record storage.AutomationTaskRecord) {
	t.Helper()
	err := store.InsertAutomationTask(context.Background(), record, nil,
		testEvent(record.ID, storage.EventTypeTaskOpened))
	if err != nil {
		t.Fatalf("insert automation task %s: %v", record.ID, err)
	}
}

func TestCreateOrderWithTasksRoundTrip(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	order := testOrder("ord-1")
	tasks := []storage.TaskRecord{
		testTask("t-1", "ord-1", 0),
		testTask("t-2", "ord-1", 1),
	}
	events := []storage.TaskEventRecord{testEvent("ord-1", storage.EventTypeCreated)}
	if err := store.CreateOrderWithTasks(ctx, order, tasks, events); err != nil {
		t.Fatalf("CreateOrderWithTasks: %v", err)
	}

	got, err := store.GetOrder(ctx, "ord-1")
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if got.Status != storage.OrderStatusInProgress {
		t.Errorf("order status = %s, want %s", got.Status, storage.OrderStatusInProgress)
	}
	if got.MetadataJSON != "{}" || got.ItemsJSON != "[]" {
		t.Errorf("empty JSON not defaulted: metadata=%q items=%q", got.MetadataJSON, got.ItemsJSON)
	}

	listed, err := store.ListTasksByOrder(ctx, "ord-1")
	if err != nil {
		t.Fatalf("ListTasksByOrder: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("got %d tasks, want 2", len(listed))
	}
	for i, task := range listed {
		if task.StepIndex != i {
			t.Errorf("task %d has step index %d", i, task.StepIndex)
		}
	}

	orderEvents, err := store.ListTaskEvents(ctx, "ord-1")
	if err != nil {
		t.Fatalf("ListTaskEvents: %v", err)
	}
	if len(orderEvents) != 1 || orderEvents[0].EventType != storage.EventTypeCreated {
		t.Errorf("order events = %v, want one created event", orderEvents)
	}
}

func TestGetOrderNotFound(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)

	_, err := store.GetOrder(context.Background(), "missing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateOrderStatusPredicate(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()
	if err := store.CreateOrderWithTasks(ctx, testOrder("ord-1"), nil, nil); err != nil {
		t.Fatalf("create order: %v", err)
	}

	event := testEvent("ord-1", storage.EventTypeClosed)
	applied, err := store.UpdateOrderStatus(ctx, "ord-1",
		[]storage.OrderStatus{storage.OrderStatusDraft}, storage.OrderStatusCompleted, testTime, &event)
	if err != nil {
		t.Fatalf("UpdateOrderStatus: %v", err)
	}
	if applied {
		t.Fatal("transition applied from a non-matching status")
	}
	events, err := store.ListTaskEvents(ctx, "ord-1")
	if err != nil {
		t.Fatalf("ListTaskEvents: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("no-op transition appended %d events", len(events))
	}

	applied, err = store.UpdateOrderStatus(ctx, "ord-1",
		[]storage.OrderStatus{storage.OrderStatusSubmitted, storage.OrderStatusInProgress},
		storage.OrderStatusCompleted, testTime.Add(time.Minute), &event)
	if err != nil {
		t.Fatalf("UpdateOrderStatus: %v", err)
	}
	if !applied {
		t.Fatal("matching transition did not apply")
	}
	got, err := store.GetOrder(ctx, "ord-1")
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if got.Status != storage.OrderStatusCompleted {
		t.Errorf("order status = %s, want %s", got.Status, storage.OrderStatusCompleted)
	}
	events, err = store.ListTaskEvents(ctx, "ord-1")
	if err != nil {
		t.Fatalf("ListTaskEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("applied transition appended %d events, want 1", len(events))
	}
}

func TestMarkTaskDoneOptimisticLock(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()
	task := testTask("t-1", "ord-1", 0)
	task.Status = storage.TaskStatusActive
	if err := store.CreateOrderWithTasks(ctx, testOrder("ord-1"), []storage.TaskRecord{task}, nil); err != nil {
		t.Fatalf("create order: %v", err)
	}

	applied, err := store.MarkTaskDone(ctx, "t-1", 99, testTime, testEvent("t-1", storage.EventTypeStepCompleted))
	if err != nil {
		t.Fatalf("MarkTaskDone: %v", err)
	}
	if applied {
		t.Fatal("stale version write applied")
	}

	applied, err = store.MarkTaskDone(ctx, "t-1", 1, testTime, testEvent("t-1", storage.EventTypeStepCompleted))
	if err != nil {
		t.Fatalf("MarkTaskDone: %v", err)
	}
	if !applied {
		t.Fatal("current version write did not apply")
	}

	got, err := store.GetTask(ctx, "t-1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != storage.TaskStatusDone {
		t.Errorf("task status = %s, want %s", got.Status, storage.TaskStatusDone)
	}
	if got.Version != 2 {
		t.Errorf("task version = %d, want 2", got.Version)
	}
	if got.CompletedAt == nil {
		t.Error("completed task has no completion timestamp")
	}

	// The row is done now; a replay of the original write must lose.
	applied, err = store.MarkTaskDone(ctx, "t-1", 1, testTime, testEvent("t-1", storage.EventTypeStepCompleted))
	if err != nil {
		t.Fatalf("MarkTaskDone: %v", err)
	}
	if applied {
		t.Fatal("replayed write applied")
	}
}

func TestMarkTaskDoneConcurrentSingleWinner(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()
	task := testTask("t-1", "ord-1", 0)
	task.Status = storage.TaskStatusActive
	if err := store.CreateOrderWithTasks(ctx, testOrder("ord-1"), []storage.TaskRecord{task}, nil); err != nil {
		t.Fatalf("create order: %v", err)
	}

	const racers = 4
	var wg sync.WaitGroup
	wins := make([]bool, racers)
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			wins[slot], errs[slot] = store.MarkTaskDone(ctx, "t-1", 1, testTime,
				testEvent("t-1", storage.EventTypeStepCompleted))
		}(i)
	}
	wg.Wait()

	winners := 0
	for i := 0; i < racers; i++ {
		if errs[i] != nil {
			t.Fatalf("racer %d error: %v", i, errs[i])
		}
		if wins[i] {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("got %d winners, want exactly 1", winners)
	}

	got, err := store.GetTask(ctx, "t-1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Version != 2 {
		t.Errorf("task version = %d, want exactly one increment to 2", got.Version)
	}
}

func TestActivateTask(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()
	if err := store.CreateOrderWithTasks(ctx, testOrder("ord-1"),
		[]storage.TaskRecord{testTask("t-1", "ord-1", 0)}, nil); err != nil {
		t.Fatalf("create order: %v", err)
	}

	applied, err := store.ActivateTask(ctx, "t-1", "wanda", testTime, testEvent("t-1", storage.EventTypeStepStarted))
	if err != nil {
		t.Fatalf("ActivateTask: %v", err)
	}
	if !applied {
		t.Fatal("pending step did not activate")
	}
	got, err := store.GetTask(ctx, "t-1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != storage.TaskStatusActive {
		t.Errorf("task status = %s, want %s", got.Status, storage.TaskStatusActive)
	}
	if got.AssignedUserID != "wanda" {
		t.Errorf("assignee = %q, want wanda", got.AssignedUserID)
	}
	if got.ActivatedAt == nil {
		t.Error("activated task has no activation timestamp")
	}

	applied, err = store.ActivateTask(ctx, "t-1", "wanda", testTime, testEvent("t-1", storage.EventTypeStepStarted))
	if err != nil {
		t.Fatalf("ActivateTask: %v", err)
	}
	if applied {
		t.Fatal("second activation applied")
	}
}

func TestInsertAutomationTaskRootUnique(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	root := testAutomationTask("at-1")
	root.IsOrderRoot = true
	root.RelatedOrderID = "ord-1"
	mustInsertAutomationTask(t, store, root)

	second := testAutomationTask("at-2")
	second.IsOrderRoot = true
	second.RelatedOrderID = "ord-1"
	err := store.InsertAutomationTask(ctx, second, nil, testEvent("at-2", storage.EventTypeTaskOpened))
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("duplicate root err = %v, want ErrConflict", err)
	}

	// Cancelled roots release the slot.
	applied, err := store.CancelAutomationTask(ctx, "at-1", testTime, testEvent("at-1", storage.EventTypeCancelled))
	if err != nil {
		t.Fatalf("CancelAutomationTask: %v", err)
	}
	if !applied {
		t.Fatal("cancel did not apply")
	}
	if err := store.InsertAutomationTask(ctx, second, nil, testEvent("at-2", storage.EventTypeTaskOpened)); err != nil {
		t.Fatalf("insert after cancel: %v", err)
	}
}

func TestClaimAutomationTaskRace(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()
	mustInsertAutomationTask(t, store, testAutomationTask("at-1"))

	const racers = 4
	var wg sync.WaitGroup
	wins := make([]bool, racers)
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			user := fmt.Sprintf("user-%d", slot)
			wins[slot], errs[slot] = store.ClaimAutomationTask(ctx, "at-1", user, testTime,
				testEvent("at-1", storage.EventTypeTaskClaimed))
		}(i)
	}
	wg.Wait()

	winner := ""
	winners := 0
	for i := 0; i < racers; i++ {
		if errs[i] != nil {
			t.Fatalf("racer %d error: %v", i, errs[i])
		}
		if wins[i] {
			winners++
			winner = fmt.Sprintf("user-%d", i)
		}
	}
	if winners != 1 {
		t.Fatalf("got %d winners, want exactly 1", winners)
	}

	got, err := store.GetAutomationTask(ctx, "at-1")
	if err != nil {
		t.Fatalf("GetAutomationTask: %v", err)
	}
	if got.Status != storage.AutomationTaskStatusClaimed {
		t.Errorf("status = %s, want %s", got.Status, storage.AutomationTaskStatusClaimed)
	}
	if got.ClaimedByUserID != winner {
		t.Errorf("claimant = %q, want winner %q", got.ClaimedByUserID, winner)
	}
	if got.ClaimedAt == nil {
		t.Error("claimed task has no claim timestamp")
	}
}

func TestLegacyStatusRows(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	// Rows written before the claim-lifecycle migration.
	for _, row := range []struct{ id, status string }{
		{"at-legacy-open", "pending"},
		{"at-legacy-done", "done"},
	} {
		_, err := store.sqlDB.ExecContext(ctx, `
INSERT INTO automation_tasks (id, task_type, status, title, created_at, updated_at)
VALUES (?, 'RESTOCK_RUN', ?, 'Legacy row', ?, ?)
`, row.id, row.status, toMillis(testTime), toMillis(testTime))
		if err != nil {
			t.Fatalf("seed legacy row %s: %v", row.id, err)
		}
	}

	open, err := store.GetAutomationTask(ctx, "at-legacy-open")
	if err != nil {
		t.Fatalf("GetAutomationTask: %v", err)
	}
	if open.Status != storage.AutomationTaskStatusOpen {
		t.Errorf("legacy pending normalized to %s, want %s", open.Status, storage.AutomationTaskStatusOpen)
	}
	done, err := store.GetAutomationTask(ctx, "at-legacy-done")
	if err != nil {
		t.Fatalf("GetAutomationTask: %v", err)
	}
	if done.Status != storage.AutomationTaskStatusCompleted {
		t.Errorf("legacy done normalized to %s, want %s", done.Status, storage.AutomationTaskStatusCompleted)
	}

	// The open filter matches the legacy spelling.
	page, err := store.ListAutomationTasks(ctx, storage.AutomationTaskFilter{
		Status:   storage.AutomationTaskStatusOpen,
		PageSize: 10,
	})
	if err != nil {
		t.Fatalf("ListAutomationTasks: %v", err)
	}
	if len(page.Tasks) != 1 || page.Tasks[0].ID != "at-legacy-open" {
		t.Errorf("open filter returned %+v, want only at-legacy-open", page.Tasks)
	}

	// Legacy pending rows are still claimable.
	applied, err := store.ClaimAutomationTask(ctx, "at-legacy-open", "wally", testTime,
		testEvent("at-legacy-open", storage.EventTypeTaskClaimed))
	if err != nil {
		t.Fatalf("ClaimAutomationTask: %v", err)
	}
	if !applied {
		t.Fatal("legacy pending row was not claimable")
	}

	// Legacy done rows are terminal.
	applied, err = store.CancelAutomationTask(ctx, "at-legacy-done", testTime,
		testEvent("at-legacy-done", storage.EventTypeCancelled))
	if err != nil {
		t.Fatalf("CancelAutomationTask: %v", err)
	}
	if applied {
		t.Fatal("legacy done row was cancelled")
	}
}

func TestOverrideClaim(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()
	mustInsertAutomationTask(t, store, testAutomationTask("at-1"))

	if _, err := store.ClaimAutomationTask(ctx, "at-1", "wally", testTime,
		testEvent("at-1", storage.EventTypeTaskClaimed)); err != nil {
		t.Fatalf("claim: %v", err)
	}
	applied, err := store.OverrideClaim(ctx, "at-1", "ada", testTime.Add(time.Minute),
		testEvent("at-1", storage.EventTypeTaskReassigned))
	if err != nil {
		t.Fatalf("OverrideClaim: %v", err)
	}
	if !applied {
		t.Fatal("override of claimed row did not apply")
	}
	got, err := store.GetAutomationTask(ctx, "at-1")
	if err != nil {
		t.Fatalf("GetAutomationTask: %v", err)
	}
	if got.ClaimedByUserID != "ada" {
		t.Errorf("claimant = %q, want ada", got.ClaimedByUserID)
	}

	// Past claiming, the override predicate no longer matches.
	if _, err := store.CompleteAutomationTask(ctx, "at-1", "ada", true, testTime.Add(2*time.Minute),
		testEvent("at-1", storage.EventTypeStepCompleted)); err != nil {
		t.Fatalf("complete: %v", err)
	}
	applied, err = store.OverrideClaim(ctx, "at-1", "wally", testTime.Add(3*time.Minute),
		testEvent("at-1", storage.EventTypeTaskReassigned))
	if err != nil {
		t.Fatalf("OverrideClaim: %v", err)
	}
	if applied {
		t.Fatal("override of completed row applied")
	}
}

func TestStartAndCompleteAutomationTask(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()
	mustInsertAutomationTask(t, store, testAutomationTask("at-1"))

	if _, err := store.ClaimAutomationTask(ctx, "at-1", "wally", testTime,
		testEvent("at-1", storage.EventTypeTaskClaimed)); err != nil {
		t.Fatalf("claim: %v", err)
	}

	applied, err := store.StartAutomationTask(ctx, "at-1", "wendy", testTime,
		testEvent("at-1", storage.EventTypeStepStarted))
	if err != nil {
		t.Fatalf("StartAutomationTask: %v", err)
	}
	if applied {
		t.Fatal("start by non-claimant applied")
	}
	applied, err = store.StartAutomationTask(ctx, "at-1", "wally", testTime,
		testEvent("at-1", storage.EventTypeStepStarted))
	if err != nil {
		t.Fatalf("StartAutomationTask: %v", err)
	}
	if !applied {
		t.Fatal("start by claimant did not apply")
	}

	applied, err = store.CompleteAutomationTask(ctx, "at-1", "wendy", true, testTime,
		testEvent("at-1", storage.EventTypeStepCompleted))
	if err != nil {
		t.Fatalf("CompleteAutomationTask: %v", err)
	}
	if applied {
		t.Fatal("enforced completion by non-claimant applied")
	}
	applied, err = store.CompleteAutomationTask(ctx, "at-1", "wendy", false, testTime,
		testEvent("at-1", storage.EventTypeStepCompleted))
	if err != nil {
		t.Fatalf("CompleteAutomationTask: %v", err)
	}
	if !applied {
		t.Fatal("unenforced completion did not apply")
	}
}

func TestListAutomationTasksPagination(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		record := testAutomationTask(fmt.Sprintf("at-%d", i))
		record.CreatedAt = testTime.Add(time.Duration(i) * time.Minute)
		record.UpdatedAt = record.CreatedAt
		mustInsertAutomationTask(t, store, record)
	}

	var collected []string
	token := ""
	for {
		page, err := store.ListAutomationTasks(ctx, storage.AutomationTaskFilter{
			PageSize:  2,
			PageToken: token,
		})
		if err != nil {
			t.Fatalf("ListAutomationTasks: %v", err)
		}
		for _, task := range page.Tasks {
			collected = append(collected, task.ID)
		}
		if page.NextPageToken == "" {
			break
		}
		token = page.NextPageToken
	}

	want := []string{"at-4", "at-3", "at-2", "at-1", "at-0"}
	if len(collected) != len(want) {
		t.Fatalf("collected %d tasks, want %d: %v", len(collected), len(want), collected)
	}
	for i, id := range want {
		if collected[i] != id {
			t.Errorf("position %d = %s, want %s (newest first)", i, collected[i], id)
		}
	}
}

func TestAssignmentLifecycle(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	record := testAutomationTask("at-1")
	assignments := []storage.AssignmentRecord{{
		AutomationTaskID: "at-1",
		Status:           storage.AssignmentStatusPending,
		RoleHint:         "warehouse",
		CreatedAt:        testTime,
		UpdatedAt:        testTime,
	}}
	if err := store.InsertAutomationTask(ctx, record, assignments,
		testEvent("at-1", storage.EventTypeTaskOpened)); err != nil {
		t.Fatalf("insert: %v", err)
	}

	applied, err := store.BackfillAssignmentUser(ctx, "at-1", "wally", testTime)
	if err != nil {
		t.Fatalf("BackfillAssignmentUser: %v", err)
	}
	if !applied {
		t.Fatal("placeholder backfill did not apply")
	}
	applied, err = store.BackfillAssignmentUser(ctx, "at-1", "wendy", testTime)
	if err != nil {
		t.Fatalf("BackfillAssignmentUser: %v", err)
	}
	if applied {
		t.Fatal("backfill applied with no placeholder left")
	}

	applied, err = store.UpdateAssignmentStatus(ctx, "at-1", "wally", storage.AssignmentStatusDone, testTime)
	if err != nil {
		t.Fatalf("UpdateAssignmentStatus: %v", err)
	}
	if !applied {
		t.Fatal("assignment status update did not apply")
	}

	listed, err := store.ListAssignmentsByTask(ctx, "at-1")
	if err != nil {
		t.Fatalf("ListAssignmentsByTask: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("got %d assignments, want 1", len(listed))
	}
	if listed[0].UserID != "wally" || listed[0].Status != storage.AssignmentStatusDone {
		t.Errorf("assignment = %+v, want wally/done", listed[0])
	}
}

func TestIdempotencyKeys(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	claimed, err := store.ClaimIdempotencyKey(ctx, "key-1", testTime, testTime.Add(time.Hour))
	if err != nil {
		t.Fatalf("ClaimIdempotencyKey: %v", err)
	}
	if !claimed {
		t.Fatal("fresh key not claimed")
	}

	claimed, err = store.ClaimIdempotencyKey(ctx, "key-1", testTime.Add(time.Minute), testTime.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("ClaimIdempotencyKey: %v", err)
	}
	if claimed {
		t.Fatal("live duplicate claimed")
	}

	// Past expiry the key is claimable again.
	claimed, err = store.ClaimIdempotencyKey(ctx, "key-1", testTime.Add(2*time.Hour), testTime.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("ClaimIdempotencyKey: %v", err)
	}
	if !claimed {
		t.Fatal("expired key not reclaimed")
	}

	purged, err := store.PurgeExpiredIdempotencyKeys(ctx, testTime.Add(4*time.Hour))
	if err != nil {
		t.Fatalf("PurgeExpiredIdempotencyKeys: %v", err)
	}
	if purged != 1 {
		t.Errorf("purged %d keys, want 1", purged)
	}
}

func TestTaskEventsSequence(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		event := testEvent("at-1", storage.EventTypeStepStarted)
		event.UserID = fmt.Sprintf("user-%d", i)
		if err := store.AppendTaskEvent(ctx, event); err != nil {
			t.Fatalf("AppendTaskEvent: %v", err)
		}
	}

	events, err := store.ListTaskEvents(ctx, "at-1")
	if err != nil {
		t.Fatalf("ListTaskEvents: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].Seq <= events[i-1].Seq {
			t.Errorf("event %d seq %d not after %d", i, events[i].Seq, events[i-1].Seq)
		}
	}
	if events[0].MetadataJSON != "{}" {
		t.Errorf("empty metadata not defaulted: %q", events[0].MetadataJSON)
	}
}
