// Package schedule adds cron-triggered draft submission (SPEC_FULL.md §6.2),
// letting a saved draft be resubmitted on a recurring schedule instead of
// only on an explicit SubmitWorkflow call. Grounded on the teacher's
// services/orchestrator/scheduler.go Scheduler/ScheduleConfig shape.
package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var bucketSchedules = []byte("schedules")

// ScheduleConfig names a recurring cron trigger for resubmitting draftID.
type ScheduleConfig struct {
	DraftID  string `json:"draft_id"`
	CronExpr string `json:"cron_expr"` // e.g. "0 0 */6 * * *"
	Enabled  bool   `json:"enabled"`
}

// Submitter is the subset of the submission path (validate + admit) a
// cron-triggered resubmission drives. Cron submissions pass through the same
// internal/validate check as any interactive submission (DESIGN.md Open
// Question decision #3) — scheduling never bypasses validation.
type Submitter interface {
	SubmitDraft(ctx context.Context, draftID string) (instanceID string, err error)
}

// Scheduler manages cron-triggered draft resubmission.
type Scheduler struct {
	cron   *cron.Cron
	db     *bbolt.DB
	submit Submitter

	mu      sync.Mutex
	entries map[string]cron.EntryID // draft id -> cron entry

	runs  metric.Int64Counter
	fails metric.Int64Counter
}

// Open opens (creating if absent) the schedules bucket in dbPath's BoltDB
// file and constructs a Scheduler.
func Open(dbPath string, meter metric.Meter, submit Submitter) (*Scheduler, error) {
	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open schedule db: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSchedules)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schedules bucket: %w", err)
	}

	runs, _ := meter.Int64Counter("wfe_schedule_runs_total")
	fails, _ := meter.Int64Counter("wfe_schedule_failures_total")
	return &Scheduler{
		cron:    cron.New(cron.WithSeconds()),
		db:      db,
		submit:  submit,
		entries: make(map[string]cron.EntryID),
		runs:    runs,
		fails:   fails,
	}, nil
}

// Start begins the cron scheduler's dispatch loop.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop gracefully waits for in-flight cron jobs, then closes the backing db.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.db.Close()
}

// AddSchedule registers cfg, persists it, and arms the cron entry.
func (s *Scheduler) AddSchedule(ctx context.Context, cfg ScheduleConfig) error {
	if cfg.CronExpr == "" {
		return fmt.Errorf("schedule: cron_expr is required")
	}

	entryID, err := s.cron.AddFunc(cfg.CronExpr, func() {
		s.run(context.Background(), cfg)
	})
	if err != nil {
		return fmt.Errorf("add cron entry: %w", err)
	}

	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal schedule: %w", err)
	}
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).Put([]byte(cfg.DraftID), data)
	}); err != nil {
		return fmt.Errorf("persist schedule: %w", err)
	}

	s.mu.Lock()
	s.entries[cfg.DraftID] = entryID
	s.mu.Unlock()
	return nil
}

// RemoveSchedule disarms and deletes the schedule for draftID.
func (s *Scheduler) RemoveSchedule(draftID string) error {
	s.mu.Lock()
	if entryID, ok := s.entries[draftID]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, draftID)
	}
	s.mu.Unlock()

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).Delete([]byte(draftID))
	})
}

// ListSchedules returns every persisted ScheduleConfig.
func (s *Scheduler) ListSchedules() ([]ScheduleConfig, error) {
	var out []ScheduleConfig
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).ForEach(func(k, v []byte) error {
			var cfg ScheduleConfig
			if json.Unmarshal(v, &cfg) == nil {
				out = append(out, cfg)
			}
			return nil
		})
	})
	return out, err
}

// RestoreSchedules re-arms every enabled persisted schedule, called once at
// startup.
func (s *Scheduler) RestoreSchedules(ctx context.Context) error {
	cfgs, err := s.ListSchedules()
	if err != nil {
		return fmt.Errorf("list schedules: %w", err)
	}
	for _, cfg := range cfgs {
		if !cfg.Enabled {
			continue
		}
		if err := s.AddSchedule(ctx, cfg); err != nil {
			slog.Error("failed to restore schedule", "draft_id", cfg.DraftID, "error", err)
		}
	}
	return nil
}

func (s *Scheduler) run(ctx context.Context, cfg ScheduleConfig) {
	attrs := metric.WithAttributes(attribute.String("draft_id", cfg.DraftID))
	instanceID, err := s.submit.SubmitDraft(ctx, cfg.DraftID)
	if err != nil {
		s.fails.Add(ctx, 1, attrs)
		slog.Error("scheduled draft submission failed", "draft_id", cfg.DraftID, "error", err)
		return
	}
	s.runs.Add(ctx, 1, attrs)
	slog.Info("scheduled draft submitted", "draft_id", cfg.DraftID, "instance_id", instanceID)
}
