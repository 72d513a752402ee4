package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hmhoseini/uvsib/internal/logging"
	"github.com/hmhoseini/uvsib/pkg/domain"
)

// Orchestrator drives one composition through the ordered stage set. Every
// state transition is persisted before the orchestrator proceeds, so a crash
// between transitions resumes cleanly: Done stages are skipped and a stage
// left Running by a dead process is restarted (the stage runners re-dispatch
// only work the store does not already hold).
type Orchestrator struct {
	env     *Env
	stages  []StageRunner
	logger  logging.Logger
	metrics *Metrics
}

// NewOrchestrator builds an orchestrator over the standard five-stage set.
func NewOrchestrator(env *Env, metrics *Metrics) *Orchestrator {
	logger := env.Logger
	if logger == nil {
		logger = logging.NoOpLogger{}
		env.Logger = logger
	}
	return &Orchestrator{
		env:    env,
		logger: logger,
		stages: []StageRunner{
			NewPDMLStage(env),
			NewVerificationStage(env),
			NewBandAlignmentStage(env),
			NewSurfaceStage(env),
			NewAdsorbateStage(env),
		},
		metrics: metrics,
	}
}

// Stages exposes the configured stage order.
func (o *Orchestrator) Stages() []StageRunner {
	return o.stages
}

// Run executes the pipeline for one composition until it is Done or a stage
// fails. The composition row must already exist.
func (o *Orchestrator) Run(ctx context.Context, run Run) error {
	o.metrics.pipelineStarted()
	defer o.metrics.pipelineFinished()

	composition, ok, err := o.env.Service.FindComposition(ctx, run.Formula)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrNotFound{Entity: domain.EntityComposition, ID: run.Formula}
	}
	if composition.Status == domain.CompositionDone {
		o.logger.Info("composition already done", "formula", run.Formula)
		return nil
	}
	if _, _, err := o.env.Service.UpdateComposition(ctx, run.Formula, func(c *domain.Composition) error {
		c.Status = domain.CompositionRunning
		return nil
	}); err != nil {
		return fmt.Errorf("mark composition running: %w", err)
	}

	for _, stage := range o.stages {
		if err := o.runStage(ctx, run, stage); err != nil {
			return err
		}
	}

	if _, _, err := o.env.Service.UpdateComposition(ctx, run.Formula, func(c *domain.Composition) error {
		c.Status = domain.CompositionDone
		return nil
	}); err != nil {
		return fmt.Errorf("mark composition done: %w", err)
	}
	o.logger.Info("pipeline complete", "formula", run.Formula)
	return nil
}

func (o *Orchestrator) runStage(ctx context.Context, run Run, stage StageRunner) error {
	name := stage.Name()

	// Reconcile against the store before every transition: another writer
	// may have advanced the row since the last stage.
	composition, ok, err := o.env.Service.FindComposition(ctx, run.Formula)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrNotFound{Entity: domain.EntityComposition, ID: run.Formula}
	}
	switch composition.StageState(name) {
	case domain.StepDone:
		o.logger.Info("skipping completed stage", "formula", run.Formula, "stage", name)
		return nil
	case domain.StepRunning:
		o.logger.Warn("restarting interrupted stage", "formula", run.Formula, "stage", name)
	}

	if err := o.setStageStatus(ctx, run.Formula, name, domain.StepRunning); err != nil {
		return err
	}
	o.logger.Info("stage started", "formula", run.Formula, "stage", name)

	start := time.Now()
	stageErr := stage.Execute(ctx, run)
	elapsed := time.Since(start)

	if stageErr != nil {
		o.metrics.observeStage(string(name), "failed", elapsed)
		o.logger.Error("stage failed", "formula", run.Formula, "stage", name, "error", stageErr, "duration", elapsed)
		if err := o.failComposition(ctx, run.Formula, name, stageErr); err != nil {
			o.logger.Error("failed to persist failure", "formula", run.Formula, "stage", name, "error", err)
		}
		return stageErr
	}

	o.metrics.observeStage(string(name), "done", elapsed)
	if err := o.setStageStatus(ctx, run.Formula, name, domain.StepDone); err != nil {
		return err
	}
	o.logger.Info("stage done", "formula", run.Formula, "stage", name, "duration", elapsed)
	return nil
}

func (o *Orchestrator) setStageStatus(ctx context.Context, formula string, stage domain.Stage, status domain.StepStatus) error {
	_, _, err := o.env.Service.UpdateComposition(ctx, formula, func(c *domain.Composition) error {
		if c.StepStatus == nil {
			c.StepStatus = map[domain.Stage]domain.StepStatus{}
		}
		c.StepStatus[stage] = status
		return nil
	})
	if err != nil {
		return fmt.Errorf("persist stage %s=%s: %w", stage, status, err)
	}
	return nil
}

// failComposition marks the stage and the composition failed and surfaces a
// coarse failure code on the composition row.
func (o *Orchestrator) failComposition(ctx context.Context, formula string, stage domain.Stage, cause error) error {
	code := failureCode(cause)
	_, _, err := o.env.Service.UpdateComposition(ctx, formula, func(c *domain.Composition) error {
		if c.StepStatus == nil {
			c.StepStatus = map[domain.Stage]domain.StepStatus{}
		}
		c.StepStatus[stage] = domain.StepFailed
		c.Status = domain.CompositionFailed
		if c.Attributes == nil {
			c.Attributes = map[string]any{}
		}
		c.Attributes["failure_code"] = code
		c.Attributes["failure_stage"] = string(stage)
		return nil
	})
	return err
}

func failureCode(err error) string {
	var stageFailure domain.StageFailureError
	if errors.As(err, &stageFailure) {
		return stageFailure.Code()
	}
	var timeout domain.DependencyTimeoutError
	if errors.As(err, &timeout) {
		return "DEPENDENCY_TIMEOUT"
	}
	var noCandidates domain.NoCandidatesError
	if errors.As(err, &noCandidates) {
		return "NO_CANDIDATES_FOUND"
	}
	return "ERROR_INTERNAL"
}
