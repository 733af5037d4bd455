package services

import (
	"context"

	"funnel-automation/backend/internal/repository"
	"funnel-automation/backend/pkg/models"
)

// StatsAggregator derives execution statistics from the execution store.
type StatsAggregator struct {
	executions repository.ExecutionStore
}

// NewStatsAggregator creates a new StatsAggregator.
func NewStatsAggregator(executions repository.ExecutionStore) *StatsAggregator {
	return &StatsAggregator{executions: executions}
}

// Stats summarizes the executions of workflowID with one count per status,
// an average over completed executions and the newest execution. No
// execution rows beyond the newest are loaded.
func (s *StatsAggregator) Stats(ctx context.Context, workflowID string) (*models.ExecutionStats, error) {
	stats := &models.ExecutionStats{WorkflowID: workflowID, LastStatus: "none"}

	counts := []struct {
		status models.ExecutionStatus
		dst    *int
	}{
		{models.ExecutionStatusCompleted, &stats.Succeeded},
		{models.ExecutionStatusFailed, &stats.Failed},
		{models.ExecutionStatusRunning, &stats.Running},
		{models.ExecutionStatusPending, &stats.Pending},
		{models.ExecutionStatusCancelled, &stats.Cancelled},
	}
	for _, c := range counts {
		n, err := s.executions.CountExecutions(ctx, repository.ExecutionFilter{
			WorkflowID: workflowID,
			Statuses:   []models.ExecutionStatus{c.status},
		})
		if err != nil {
			return nil, err
		}
		*c.dst = n
		stats.Total += n
	}
	if stats.Total == 0 {
		return stats, nil
	}

	avg, err := s.executions.AverageDurationSeconds(ctx, repository.ExecutionFilter{
		WorkflowID: workflowID,
		Statuses:   []models.ExecutionStatus{models.ExecutionStatusCompleted},
	})
	if err != nil {
		return nil, err
	}
	stats.AvgDurationSeconds = avg

	latest, err := s.executions.ListExecutions(ctx, repository.ExecutionFilter{WorkflowID: workflowID, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(latest) > 0 {
		started := latest[0].StartedAt
		stats.LastStatus = string(latest[0].Status)
		stats.LastStartedAt = &started
	}
	return stats, nil
}
