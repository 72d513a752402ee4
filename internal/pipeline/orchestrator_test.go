package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hmhoseini/uvsib/internal/config"
	"github.com/hmhoseini/uvsib/internal/core"
	"github.com/hmhoseini/uvsib/pkg/domain"
)

func testPipelineConfig() config.PipelineConfig {
	return config.PipelineConfig{
		FailureRatio:           0.5,
		DependencyTimeoutHours: 1,
		PollIntervalSeconds:    1,
		EHullThreshold:         0.05,
		CSPSamples:             2,
		MinimaHoppingRuns:      1,
		BandGapMin:             0,
		BandGapMax:             6,
	}
}

func testEnv(exec Executor) *Env {
	service := core.NewInMemoryService(core.NewRulesEngine())
	return &Env{
		Service:    service,
		Controller: NewController(exec, nil, nil, 0.5, time.Millisecond),
		Config:     testPipelineConfig(),
	}
}

func TestOrchestratorSkipsDoneComposition(t *testing.T) {
	exec := newScriptedExecutor(func(JobSpec) (Artifacts, error) {
		t.Fatal("no job may run for a done composition")
		return Artifacts{}, nil
	})
	env := testEnv(exec)
	ctx := context.Background()

	_, _, err := env.Service.UpsertComposition(ctx, domain.Composition{Formula: "O2Ti"})
	require.NoError(t, err)
	_, _, err = env.Service.UpdateComposition(ctx, "O2Ti", func(c *domain.Composition) error {
		c.Status = domain.CompositionDone
		return nil
	})
	require.NoError(t, err)

	orchestrator := NewOrchestrator(env, nil)
	require.NoError(t, orchestrator.Run(ctx, Run{Formula: "O2Ti", Model: "mace", Reaction: "OER"}))
	assert.Zero(t, exec.submits)
}

func TestOrchestratorSkipsCompletedStagesOnResume(t *testing.T) {
	exec := newScriptedExecutor(func(spec JobSpec) (Artifacts, error) {
		t.Fatalf("unexpected job dispatch: %s", spec.Kind)
		return Artifacts{}, nil
	})
	env := testEnv(exec)
	ctx := context.Background()

	// A crashed run left every stage Done but never flipped the
	// composition itself; the resume only replays the final transition.
	_, _, err := env.Service.UpsertComposition(ctx, domain.Composition{Formula: "O2Ti"})
	require.NoError(t, err)
	_, _, err = env.Service.UpdateComposition(ctx, "O2Ti", func(c *domain.Composition) error {
		for _, stage := range domain.Stages() {
			c.StepStatus[stage] = domain.StepDone
		}
		return nil
	})
	require.NoError(t, err)

	orchestrator := NewOrchestrator(env, nil)
	require.NoError(t, orchestrator.Run(ctx, Run{Formula: "O2Ti", Model: "mace", Reaction: "OER"}))

	composition, ok, err := env.Service.FindComposition(ctx, "O2Ti")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.CompositionDone, composition.Status)
	assert.Zero(t, exec.submits)
}

func TestOrchestratorRecordsStageFailure(t *testing.T) {
	exec := newScriptedExecutor(func(JobSpec) (Artifacts, error) {
		return Artifacts{}, errors.New("solver diverged")
	})
	env := testEnv(exec)
	ctx := context.Background()

	_, _, err := env.Service.UpsertComposition(ctx, domain.Composition{Formula: "O2Ti"})
	require.NoError(t, err)

	orchestrator := NewOrchestrator(env, nil)
	err = orchestrator.Run(ctx, Run{Formula: "O2Ti", Model: "mace", Reaction: "OER"})
	var stageErr domain.StageFailureError
	require.ErrorAs(t, err, &stageErr)

	composition, ok, err := env.Service.FindComposition(ctx, "O2Ti")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.CompositionFailed, composition.Status)
	assert.Equal(t, domain.StepFailed, composition.StageState(domain.StagePDML))
	assert.Equal(t, "ERROR_CALCULATION_FAILED", composition.Attributes["failure_code"])
	assert.Equal(t, string(domain.StagePDML), composition.Attributes["failure_stage"])

	// Half-initialized subsystem claims are rolled back for the retry.
	for _, key := range []string{"O", "Ti"} {
		_, exists, err := env.Service.FindSubsystem(ctx, key)
		require.NoError(t, err)
		assert.False(t, exists, "subsystem %s should have been cleaned up", key)
	}
}

func TestOrchestratorRecordsNoCandidatesFailure(t *testing.T) {
	exec := newScriptedExecutor(func(JobSpec) (Artifacts, error) {
		return Artifacts{}, nil
	})
	env := testEnv(exec)
	ctx := context.Background()

	// pd_ml already Done but with an empty stable set: verification has
	// nothing to act on.
	_, _, err := env.Service.UpsertComposition(ctx, domain.Composition{Formula: "O2Ti"})
	require.NoError(t, err)
	_, _, err = env.Service.UpdateComposition(ctx, "O2Ti", func(c *domain.Composition) error {
		c.StepStatus[domain.StagePDML] = domain.StepDone
		return nil
	})
	require.NoError(t, err)

	orchestrator := NewOrchestrator(env, nil)
	err = orchestrator.Run(ctx, Run{Formula: "O2Ti", Model: "mace", Reaction: "OER"})
	var noCandidates domain.NoCandidatesError
	require.ErrorAs(t, err, &noCandidates)
	assert.Equal(t, domain.StagePDVerification, noCandidates.Stage)

	composition, _, err := env.Service.FindComposition(ctx, "O2Ti")
	require.NoError(t, err)
	assert.Equal(t, "NO_CANDIDATES_FOUND", composition.Attributes["failure_code"])
	assert.Equal(t, domain.StepDone, composition.StageState(domain.StagePDML), "completed stage stays done")
}

func TestOrchestratorMissingComposition(t *testing.T) {
	env := testEnv(newScriptedExecutor(func(JobSpec) (Artifacts, error) { return Artifacts{}, nil }))
	orchestrator := NewOrchestrator(env, nil)
	err := orchestrator.Run(context.Background(), Run{Formula: "O2Ti"})
	var notFound domain.ErrNotFound
	require.ErrorAs(t, err, &notFound)
}

func TestFailureCodeMapping(t *testing.T) {
	assert.Equal(t, "ERROR_CALCULATION_FAILED", failureCode(domain.StageFailureError{}))
	assert.Equal(t, "DEPENDENCY_TIMEOUT", failureCode(domain.DependencyTimeoutError{}))
	assert.Equal(t, "NO_CANDIDATES_FOUND", failureCode(domain.NoCandidatesError{}))
	assert.Equal(t, "ERROR_INTERNAL", failureCode(errors.New("disk on fire")))
}
