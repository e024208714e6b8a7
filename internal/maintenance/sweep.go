// Package maintenance schedules APE's housekeeping jobs — currently
// the tool_errors retention sweep — on a standard cron expression,
// grounded on the teacher's internal/cron package (cron.Parser
// construction with the Descriptor flag) and its general use of
// robfig/cron/v3 as the scheduler runner across internal/gateway and
// internal/tasks.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Choapinus/ape/internal/storage"
)

// DefaultRetention keeps one week of tool_errors rows by default.
const DefaultRetention = 7 * 24 * time.Hour

// DefaultSchedule runs the sweep once a day at 03:00.
const DefaultSchedule = "0 3 * * *"

// ToolErrorSweeper periodically prunes tool_errors rows older than
// Retention, on Schedule (standard 5-field cron syntax).
type ToolErrorSweeper struct {
	store     *storage.Store
	logger    *slog.Logger
	retention time.Duration
	schedule  string

	cron *cron.Cron
}

// NewToolErrorSweeper builds a sweeper. A zero retention or schedule
// falls back to DefaultRetention/DefaultSchedule.
func NewToolErrorSweeper(store *storage.Store, retention time.Duration, schedule string, logger *slog.Logger) *ToolErrorSweeper {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolErrorSweeper{
		store:     store,
		logger:    logger.With("component", "maintenance"),
		retention: retention,
		schedule:  schedule,
	}
}

// Start registers and runs the sweep job in the background. Stop must
// be called to release the underlying scheduler goroutine.
func (s *ToolErrorSweeper) Start(ctx context.Context) error {
	s.cron = cron.New()
	_, err := s.cron.AddFunc(s.schedule, func() {
		s.sweepOnce(ctx)
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for any in-flight sweep to finish.
func (s *ToolErrorSweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

func (s *ToolErrorSweeper) sweepOnce(ctx context.Context) {
	removed, err := s.store.PruneToolErrors(ctx, s.retention)
	if err != nil {
		s.logger.Error("tool_errors sweep failed", "error", err)
		return
	}
	if removed > 0 {
		s.logger.Info("tool_errors sweep complete", "rows_removed", removed)
	}
}
