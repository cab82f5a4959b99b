package domain

import (
	"context"
	"fmt"
	"log"
	"time"
)

const defaultDedupeTTL = 24 * time.Hour

// Fanout computes notification audiences for automation state changes and
// dispatches through a NotificationSink. Dispatch is best effort: directory
// lookups and delivery failures are logged and never abort the state change
// they follow. A duplicate (event, recipient) pair inside the dedupe window
// is silently skipped.
type Fanout struct {
	directory   RoleDirectory
	sink        NotificationSink
	idempotency IdempotencyStore
	clock       func() time.Time
	dedupeTTL   time.Duration
	logger      *log.Logger
}

// NewFanout wires notification fanout. idempotency may be nil, in which case
// every dispatch attempt goes through.
func NewFanout(directory RoleDirectory, sink NotificationSink, idempotency IdempotencyStore) *Fanout {
	return &Fanout{
		directory:   directory,
		sink:        sink,
		idempotency: idempotency,
		clock:       func() time.Time { return time.Now().UTC() },
		dedupeTTL:   defaultDedupeTTL,
		logger:      log.Default(),
	}
}

// WithFanoutClock overrides the fanout time source. Intended for tests.
func (f *Fanout) WithFanoutClock(clock func() time.Time) *Fanout {
	if clock != nil {
		f.clock = clock
	}
	return f
}

// WithFanoutLogger overrides the fanout logger.
func (f *Fanout) WithFanoutLogger(logger *log.Logger) *Fanout {
	if logger != nil {
		f.logger = logger
	}
	return f
}

// TaskOpened notifies the eligible claim pool that a task is available. The
// pool is the required role's members, or every operational user when the
// task is unrestricted. Admins are always included.
func (f *Fanout) TaskOpened(ctx context.Context, task AutomationTask) {
	audience := f.claimPool(ctx, task.RequiredRole)
	payload := map[string]string{
		"task_id":   task.ID,
		"task_type": task.TaskType,
		"title":     task.Title,
	}
	f.dispatch(ctx, "task_opened", task.ID, audience, payload)
}

// TaskClaimed tells the whole claim pool the task is taken, so the losers of
// the race stop trying. The claimant and the admins are always included.
func (f *Fanout) TaskClaimed(ctx context.Context, task AutomationTask) {
	audience := append(f.claimPool(ctx, task.RequiredRole), task.ClaimedByUserID)
	payload := map[string]string{
		"task_id":    task.ID,
		"claimed_by": task.ClaimedByUserID,
	}
	f.dispatch(ctx, "task_claimed", task.ID, audience, payload)
}

// ClaimOverridden notifies the claim pool after an admin takeover. The
// displaced claimant is always included, even when no longer role-eligible.
func (f *Fanout) ClaimOverridden(ctx context.Context, task AutomationTask, previousClaimant string) {
	audience := append(f.claimPool(ctx, task.RequiredRole), task.ClaimedByUserID, previousClaimant)
	payload := map[string]string{
		"task_id":           task.ID,
		"claimed_by":        task.ClaimedByUserID,
		"previous_claimant": previousClaimant,
	}
	f.dispatch(ctx, "claim_overridden", task.ID, audience, payload)
}

// TaskCompleted notifies the claim pool that the task finished.
func (f *Fanout) TaskCompleted(ctx context.Context, task AutomationTask) {
	audience := append(f.claimPool(ctx, task.RequiredRole), task.ClaimedByUserID)
	payload := map[string]string{
		"task_id":      task.ID,
		"task_type":    task.TaskType,
		"completed_by": task.ClaimedByUserID,
	}
	f.dispatch(ctx, "task_completed", task.ID, audience, payload)
}

// StepAssigned notifies a step's assignee that their step is now active.
func (f *Fanout) StepAssigned(ctx context.Context, order Order, task Task) {
	payload := map[string]string{
		"order_id": order.ID,
		"task_id":  task.ID,
		"step_key": task.StepKey,
		"title":    task.Title,
	}
	f.dispatch(ctx, "step_assigned", task.ID, []string{task.AssignedUserID}, payload)
}

// OrderClosed notifies the order creator and the admins that the order
// finished.
func (f *Fanout) OrderClosed(ctx context.Context, order Order) {
	audience := []string{order.CreatedBy}
	audience = append(audience, f.admins(ctx)...)
	payload := map[string]string{
		"order_id":   order.ID,
		"order_type": order.OrderType,
		"status":     string(order.Status),
	}
	f.dispatch(ctx, "order_closed", order.ID, audience, payload)
}

// claimPool resolves who may act on a task: the role's members, or every
// operational user for unrestricted tasks, plus the admins.
func (f *Fanout) claimPool(ctx context.Context, requiredRole string) []string {
	var pool []string
	var err error
	if requiredRole != "" {
		pool, err = f.directory.UsersInRole(ctx, requiredRole)
	} else {
		pool, err = f.directory.OperationalUsers(ctx)
	}
	if err != nil {
		f.logger.Printf("automation fanout: resolve claim pool: %v", err)
	}
	return append(pool, f.admins(ctx)...)
}

func (f *Fanout) admins(ctx context.Context) []string {
	admins, err := f.directory.AdminUsers(ctx)
	if err != nil {
		f.logger.Printf("automation fanout: resolve admins: %v", err)
		return nil
	}
	return admins
}

// dispatch delivers one notification kind to each distinct recipient,
// deduplicating both inside the audience slice and across repeated dispatch
// of the same (kind, subject, recipient) within the dedupe window.
func (f *Fanout) dispatch(ctx context.Context, kind string, subjectID string, audience []string, payload map[string]string) {
	seen := make(map[string]struct{}, len(audience))
	now := f.clock().UTC()
	for _, recipient := range audience {
		if recipient == "" {
			continue
		}
		if _, dup := seen[recipient]; dup {
			continue
		}
		seen[recipient] = struct{}{}

		if f.idempotency != nil {
			key := fmt.Sprintf("notify:%s:%s:%s", kind, subjectID, recipient)
			claimed, err := f.idempotency.ClaimIdempotencyKey(ctx, key, now, now.Add(f.dedupeTTL))
			if err != nil {
				f.logger.Printf("automation fanout: dedupe %s for %s: %v", kind, recipient, err)
				continue
			}
			if !claimed {
				continue
			}
		}
		if err := f.sink.Notify(ctx, recipient, kind, payload); err != nil {
			f.logger.Printf("automation fanout: notify %s of %s: %v", recipient, kind, err)
		}
	}
}
