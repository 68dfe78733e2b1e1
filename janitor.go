package baton

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Janitor deletes terminated execution records once they age past the
// retention window. Definitions and live executions are never touched.
type Janitor struct {
	store     Store
	retention time.Duration
	logger    *zap.Logger
	cron      *cron.Cron
}

// NewJanitor builds a janitor sweeping on the given cron schedule, in
// standard five-field form or a descriptor like "@every 1h".
func NewJanitor(store Store, retention time.Duration, schedule string, logger *zap.Logger) (*Janitor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	sched, err := cron.ParseStandard(schedule)
	if err != nil {
		return nil, fmt.Errorf("parse janitor schedule %q: %w", schedule, err)
	}
	j := &Janitor{
		store:     store,
		retention: retention,
		logger:    logger,
		cron:      cron.New(),
	}
	j.cron.Schedule(sched, cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		removed, err := j.Sweep(ctx)
		if err != nil {
			j.logger.Warn("retention sweep failed", zap.Error(err))
			return
		}
		if removed > 0 {
			j.logger.Info("retention sweep", zap.Int("removed", removed))
		}
	}))
	return j, nil
}

// Start begins the schedule in a background goroutine.
func (j *Janitor) Start() { j.cron.Start() }

// Stop halts the schedule; the returned context settles when a sweep in
// flight has finished.
func (j *Janitor) Stop() context.Context { return j.cron.Stop() }

// Sweep deletes every terminal execution whose last update is older than
// the retention window and reports how many records were removed.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	execs, err := j.store.ListExecutions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list executions: %w", err)
	}
	cutoff := time.Now().UTC().Add(-j.retention)
	removed := 0
	for _, exec := range execs {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if !exec.Status.Terminal() || exec.UpdatedAt.After(cutoff) {
			continue
		}
		if err := j.store.DeleteExecution(ctx, exec.ID); err != nil {
			j.logger.Warn("retention delete failed",
				zap.String("executionID", exec.ID),
				zap.Error(err))
			continue
		}
		removed++
	}
	return removed, nil
}
