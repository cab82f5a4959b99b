// Package maintenance implements the operational maintenance command for the
// automation store: purging expired idempotency keys, reporting claimable-task
// depth by status, and dumping a task's audit trail.
package maintenance

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/warehouseops/orderflow/internal/services/automation/storage"
)

const reportPageSize = 200

// Config holds maintenance command configuration.
type Config struct {
	DBPath           string
	Timeout          time.Duration
	PurgeIdempotency bool
	Report           bool
	TaskID           string
	JSONOutput       bool
}

type envConfig struct {
	DBPath  string        `env:"ORDERFLOW_AUTOMATION_DB_PATH"`
	Timeout time.Duration `env:"ORDERFLOW_MAINTENANCE_TIMEOUT" envDefault:"10m"`
}

// ParseConfig parses flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var envCfg envConfig
	if err := env.Parse(&envCfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	cfg := Config{
		DBPath:  envCfg.DBPath,
		Timeout: envCfg.Timeout,
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join("data", "automation.db")
	}

	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "path to automation sqlite database (default: ORDERFLOW_AUTOMATION_DB_PATH or data/automation.db)")
	fs.BoolVar(&cfg.PurgeIdempotency, "purge-idempotency", false, "delete expired idempotency keys")
	fs.BoolVar(&cfg.Report, "report", false, "report claimable task counts by status")
	fs.StringVar(&cfg.TaskID, "task-id", "", "print the audit trail for one task")
	fs.BoolVar(&cfg.JSONOutput, "json", false, "output JSON reports")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "overall timeout")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run executes the maintenance command.
func Run(ctx context.Context, cfg Config, out io.Writer, errOut io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	if errOut == nil {
		errOut = io.Discard
	}
	if !cfg.PurgeIdempotency && !cfg.Report && cfg.TaskID == "" {
		return errors.New("no action selected: use -purge-idempotency, -report, or -task-id")
	}

	store, err := openStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open automation store: %w", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			fmt.Fprintf(errOut, "close store: %v\n", closeErr)
		}
	}()

	if cfg.PurgeIdempotency {
		if err := runPurge(ctx, store, cfg, out); err != nil {
			return err
		}
	}
	if cfg.Report {
		if err := runReport(ctx, store, cfg, out); err != nil {
			return err
		}
	}
	if cfg.TaskID != "" {
		if err := runAuditTrail(ctx, store, cfg, out); err != nil {
			return err
		}
	}
	return nil
}

type purgeResult struct {
	PurgedKeys int `json:"purged_keys"`
}

func runPurge(ctx context.Context, store maintenanceStore, cfg Config, out io.Writer) error {
	purged, err := store.PurgeExpiredIdempotencyKeys(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("purge idempotency keys: %w", err)
	}
	if cfg.JSONOutput {
		return writeJSON(out, purgeResult{PurgedKeys: purged})
	}
	fmt.Fprintf(out, "purged %d expired idempotency keys\n", purged)
	return nil
}

type statusReport struct {
	StatusCounts map[string]int `json:"status_counts"`
}

func runReport(ctx context.Context, store maintenanceStore, cfg Config, out io.Writer) error {
	statuses := []storage.AutomationTaskStatus{
		storage.AutomationTaskStatusOpen,
		storage.AutomationTaskStatusClaimed,
		storage.AutomationTaskStatusInProgress,
		storage.AutomationTaskStatusCompleted,
		storage.AutomationTaskStatusCancelled,
	}

	report := statusReport{StatusCounts: make(map[string]int, len(statuses))}
	for _, status := range statuses {
		count, err := countTasksByStatus(ctx, store, status)
		if err != nil {
			return err
		}
		report.StatusCounts[string(status)] = count
	}

	if cfg.JSONOutput {
		return writeJSON(out, report)
	}
	for _, status := range statuses {
		fmt.Fprintf(out, "%s: %d\n", status, report.StatusCounts[string(status)])
	}
	return nil
}

func countTasksByStatus(ctx context.Context, store maintenanceStore, status storage.AutomationTaskStatus) (int, error) {
	count := 0
	token := ""
	for {
		page, err := store.ListAutomationTasks(ctx, storage.AutomationTaskFilter{
			Status:    status,
			PageSize:  reportPageSize,
			PageToken: token,
		})
		if err != nil {
			return 0, fmt.Errorf("list %s tasks: %w", status, err)
		}
		count += len(page.Tasks)
		if page.NextPageToken == "" {
			return count, nil
		}
		token = page.NextPageToken
	}
}

type auditEntry struct {
	Seq       int64  `json:"seq"`
	EventType string `json:"event_type"`
	UserID    string `json:"user_id,omitempty"`
	Metadata  string `json:"metadata,omitempty"`
	CreatedAt string `json:"created_at"`
}

func runAuditTrail(ctx context.Context, store maintenanceStore, cfg Config, out io.Writer) error {
	events, err := store.ListTaskEvents(ctx, cfg.TaskID)
	if err != nil {
		return fmt.Errorf("list task events: %w", err)
	}

	if cfg.JSONOutput {
		entries := make([]auditEntry, len(events))
		for i, event := range events {
			entries[i] = auditEntry{
				Seq:       event.Seq,
				EventType: string(event.EventType),
				UserID:    event.UserID,
				Metadata:  event.MetadataJSON,
				CreatedAt: event.CreatedAt.Format(time.RFC3339),
			}
		}
		return writeJSON(out, entries)
	}
	for _, event := range events {
		user := event.UserID
		if user == "" {
			user = "system"
		}
		fmt.Fprintf(out, "%d\t%s\t%s\t%s\t%s\n",
			event.Seq,
			event.CreatedAt.Format(time.RFC3339),
			event.EventType,
			user,
			event.MetadataJSON,
		)
	}
	return nil
}

func writeJSON(out io.Writer, value any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(value); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return nil
}
