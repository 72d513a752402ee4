package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/hmhoseini/uvsib/internal/logging"
	"github.com/hmhoseini/uvsib/pkg/domain"
)

// Controller fans a stage's work out into independent job submissions,
// waits on the fan-in barrier, and applies the failure-ratio policy.
type Controller struct {
	executor     Executor
	logger       logging.Logger
	metrics      *Metrics
	failureRatio float64
	pollInterval time.Duration
}

// NewController builds a stage controller. failureRatio is the fraction of
// failed jobs above which a stage fails (0 selects the stock 0.5).
func NewController(executor Executor, logger logging.Logger, metrics *Metrics, failureRatio float64, pollInterval time.Duration) *Controller {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	if failureRatio <= 0 {
		failureRatio = 0.5
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Controller{
		executor:     executor,
		logger:       logger,
		metrics:      metrics,
		failureRatio: failureRatio,
		pollInterval: pollInterval,
	}
}

// Outcome pairs a successful job's spec with its artifacts so callers can
// attribute results back to their inputs.
type Outcome struct {
	Spec      JobSpec
	Artifacts Artifacts
}

// Run submits all specs, blocks until every job is terminal, and returns the
// successful outcomes. The stage fails iff failed/N exceeds the failure ratio
// or no job succeeded. An empty spec list is a no-op, not an error.
func (c *Controller) Run(ctx context.Context, stage domain.Stage, specs []JobSpec) ([]Outcome, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	handles := make([]JobHandle, 0, len(specs))
	for _, spec := range specs {
		handle, err := c.executor.Submit(ctx, spec)
		if err != nil {
			return nil, fmt.Errorf("stage %s: submit %s job: %w", stage, spec.Kind, err)
		}
		handles = append(handles, handle)
	}

	// Fan-in barrier: wait for all handles, not just the first failure.
	outcomes := make([]Outcome, 0, len(specs))
	failed := 0
	for i, handle := range handles {
		result, err := Await(ctx, c.executor, handle, c.pollInterval)
		if err != nil {
			return nil, fmt.Errorf("stage %s: %w", stage, err)
		}
		c.metrics.observeJob(handle.Kind, result.Status)
		if result.Status == JobFailed {
			failed++
			c.logger.Warn("job failed", "stage", stage, "kind", handle.Kind, "job", handle.ID, "error", result.Err)
			continue
		}
		outcomes = append(outcomes, Outcome{Spec: specs[i], Artifacts: result.Artifacts})
	}

	total := len(specs)
	if len(outcomes) == 0 || float64(failed)/float64(total) > c.failureRatio {
		return nil, domain.StageFailureError{Stage: stage, Failed: failed, Total: total}
	}
	if failed > 0 {
		c.logger.Warn("stage tolerated partial failures", "stage", stage, "failed", failed, "total", total)
	}
	return outcomes, nil
}
