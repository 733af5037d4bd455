// Package reconciler periodically reconciles running executions. It is off
// by default; status is otherwise refreshed when callers read it.
package reconciler

import (
	"context"

	"funnel-automation/backend/internal/repository"
	"funnel-automation/backend/pkg/models"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Reconciler applies the engine's status to one execution.
type Reconciler interface {
	Reconcile(ctx context.Context, executionID string) (*models.WorkflowExecution, error)
}

// Sweeper lists running executions on a cron schedule and reconciles each.
type Sweeper struct {
	executions repository.ExecutionStore
	reconciler Reconciler
	batchSize  int
	engine     *cron.Cron
	logger     logrus.FieldLogger
}

// NewSweeper creates a Sweeper that runs on schedule, a standard cron spec
// or descriptor such as "@every 30s". A nil logger uses the logrus
// standard logger.
func NewSweeper(executions repository.ExecutionStore, reconciler Reconciler, schedule string, batchSize int, logger logrus.FieldLogger) (*Sweeper, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Sweeper{
		executions: executions,
		reconciler: reconciler,
		batchSize:  batchSize,
		engine:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger:     logger.WithField("module", "reconciler"),
	}
	if _, err := s.engine.AddFunc(schedule, func() { s.Sweep(context.Background()) }); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins running sweeps in the background.
func (s *Sweeper) Start() {
	s.engine.Start()
	s.logger.Debug("sweeper started")
}

// Stop stops scheduling and waits for a running sweep to finish or ctx to end.
func (s *Sweeper) Stop(ctx context.Context) {
	stopCtx := s.engine.Stop()
	select {
	case <-stopCtx.Done():
		s.logger.Debug("sweeper stopped")
	case <-ctx.Done():
	}
}

// Sweep reconciles up to batchSize running executions across all tenants,
// oldest first, and returns how many reached a terminal status.
func (s *Sweeper) Sweep(ctx context.Context) int {
	running, err := s.executions.ListExecutions(ctx, repository.ExecutionFilter{
		Statuses:    []models.ExecutionStatus{models.ExecutionStatusRunning},
		Limit:       s.batchSize,
		OldestFirst: true,
	})
	if err != nil {
		s.logger.WithError(err).Warn("failed to list running executions")
		return 0
	}

	finished := 0
	for _, exec := range running {
		if ctx.Err() != nil {
			break
		}
		got, err := s.reconciler.Reconcile(ctx, exec.ID)
		if err != nil {
			s.logger.WithError(err).WithField("execution_id", exec.ID).Warn("reconcile failed")
			continue
		}
		if got.Status.IsTerminal() {
			finished++
		}
	}
	if len(running) > 0 {
		s.logger.WithFields(logrus.Fields{"checked": len(running), "finished": finished}).Debug("sweep done")
	}
	return finished
}
