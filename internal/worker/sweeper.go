// Package worker runs periodic maintenance jobs.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultSweepSchedule checks the free session pool once a minute.
const DefaultSweepSchedule = "@every 1m"

// PoolFiller tops up the free session pool. *identity.Allocator satisfies it.
type PoolFiller interface {
	EnsureFree(ctx context.Context) (bool, error)
}

// Sweeper periodically makes sure a free session is waiting, covering
// replenishments that failed after a user was bound.
type Sweeper struct {
	cron    *cron.Cron
	pool    PoolFiller
	timeout time.Duration
	logger  *zap.Logger
}

// ValidateSchedule reports whether spec is a cron expression or descriptor
// this package accepts.
func ValidateSchedule(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return nil
}

// NewSweeper registers the sweep on schedule. It does not start it.
func NewSweeper(pool PoolFiller, schedule string, timeout time.Duration, logger *zap.Logger) (*Sweeper, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	s := &Sweeper{
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		pool:    pool,
		timeout: timeout,
		logger:  logger.Named("sweeper"),
	}
	if _, err := s.cron.AddFunc(schedule, s.Sweep); err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start runs the schedule in the background after an immediate sweep.
func (s *Sweeper) Start() {
	s.Sweep()
	s.cron.Start()
	s.logger.Info("Pool sweeper started", zap.Int("jobs", len(s.cron.Entries())))
}

// Stop halts the schedule and waits for a running sweep.
func (s *Sweeper) Stop(ctx context.Context) {
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
		s.logger.Warn("Pool sweeper did not stop in time")
	}
}

// Sweep makes sure one free session exists.
func (s *Sweeper) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	created, err := s.pool.EnsureFree(ctx)
	if err != nil {
		s.logger.Error("Pool sweep failed", zap.Error(err))
		return
	}
	if created {
		s.logger.Info("Pool sweep reserved a free session")
	}
}
