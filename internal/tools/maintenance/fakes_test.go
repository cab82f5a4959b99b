package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/warehouseops/orderflow/internal/services/automation/storage"
)

// fakeStore serves canned maintenance reads.
type fakeStore struct {
	tasks     []storage.AutomationTaskRecord
	events    []storage.TaskEventRecord
	purged    int
	purgeErr  error
	closed    bool
	purgeCall bool
}

func (f *fakeStore) Close() error {
	f.closed = true
	return nil
}

func (f *fakeStore) InsertAutomationTask(context.Context, storage.AutomationTaskRecord, []storage.AssignmentRecord, storage.TaskEventRecord) error {
	return fmt.Errorf("not supported")
}

func (f *fakeStore) GetAutomationTask(context.Context, string) (storage.AutomationTaskRecord, error) {
	return storage.AutomationTaskRecord{}, storage.ErrNotFound
}

func (f *fakeStore) ListAutomationTasks(_ context.Context, filter storage.AutomationTaskFilter) (storage.AutomationTaskPage, error) {
	if filter.PageSize <= 0 {
		return storage.AutomationTaskPage{}, fmt.Errorf("page size must be greater than zero")
	}
	var matched []storage.AutomationTaskRecord
	for _, task := range f.tasks {
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		matched = append(matched, task)
	}
	start := 0
	if filter.PageToken != "" {
		for i, task := range matched {
			if task.ID == filter.PageToken {
				start = i + 1
				break
			}
		}
	}
	matched = matched[start:]
	page := storage.AutomationTaskPage{}
	if len(matched) > filter.PageSize {
		page.Tasks = matched[:filter.PageSize]
		page.NextPageToken = matched[filter.PageSize-1].ID
	} else {
		page.Tasks = matched
	}
	return page, nil
}

func (f *fakeStore) ClaimAutomationTask(context.Context, string, string, time.Time, storage.TaskEventRecord) (bool, error) {
	return false, fmt.Errorf("not supported")
}

func (f *fakeStore) OverrideClaim(context.Context, string, string, time.Time, storage.TaskEventRecord) (bool, error) {
	return false, fmt.Errorf("not supported")
}

func (f *fakeStore) StartAutomationTask(context.Context, string, string, time.Time, storage.TaskEventRecord) (bool, error) {
	return false, fmt.Errorf("not supported")
}

func (f *fakeStore) CompleteAutomationTask(context.Context, string, string, bool, time.Time, storage.TaskEventRecord) (bool, error) {
	return false, fmt.Errorf("not supported")
}

func (f *fakeStore) CancelAutomationTask(context.Context, string, time.Time, storage.TaskEventRecord) (bool, error) {
	return false, fmt.Errorf("not supported")
}

func (f *fakeStore) AppendTaskEvent(context.Context, storage.TaskEventRecord) error {
	return fmt.Errorf("not supported")
}

func (f *fakeStore) ListTaskEvents(_ context.Context, taskID string) ([]storage.TaskEventRecord, error) {
	var events []storage.TaskEventRecord
	for _, event := range f.events {
		if event.TaskID == taskID {
			events = append(events, event)
		}
	}
	return events, nil
}

func (f *fakeStore) ClaimIdempotencyKey(context.Context, string, time.Time, time.Time) (bool, error) {
	return false, fmt.Errorf("not supported")
}

func (f *fakeStore) PurgeExpiredIdempotencyKeys(context.Context, time.Time) (int, error) {
	f.purgeCall = true
	return f.purged, f.purgeErr
}

// installFakeStore swaps the store opener for the duration of a test.
func installFakeStore(fake *fakeStore) func() {
	previous := openStore
	openStore = func(string) (maintenanceStore, error) {
		return fake, nil
	}
	return func() { openStore = previous }
}
