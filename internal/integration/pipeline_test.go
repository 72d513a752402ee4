// Package integration exercises the full intake-to-adsorbates path against
// in-process collaborators: the in-memory record store, the memory blob
// store, and solver jobs registered on the local executor.
package integration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hmhoseini/uvsib/internal/config"
	"github.com/hmhoseini/uvsib/internal/core"
	blobmem "github.com/hmhoseini/uvsib/internal/infra/blob/memory"
	"github.com/hmhoseini/uvsib/internal/intake"
	"github.com/hmhoseini/uvsib/internal/pipeline"
	"github.com/hmhoseini/uvsib/internal/pipeline/localexec"
	"github.com/hmhoseini/uvsib/pkg/domain"
)

func rutileCell() domain.Structure {
	return domain.Structure{
		Lattice: domain.Lattice{A: 4.6, B: 4.6, C: 2.96, Alpha: 90, Beta: 90, Gamma: 90},
		Sites: []domain.Site{
			{Element: "Ti", Frac: [3]float64{0, 0, 0}},
			{Element: "O", Frac: [3]float64{0.3, 0.3, 0}},
			{Element: "O", Frac: [3]float64{0.7, 0.7, 0}},
		},
	}
}

func elementalCell(element string) domain.Structure {
	return domain.Structure{
		Lattice: domain.Lattice{A: 3, B: 3, C: 3, Alpha: 90, Beta: 90, Gamma: 90},
		Sites:   []domain.Site{{Element: element, Frac: [3]float64{0, 0, 0}}},
	}
}

func slabCell() domain.Structure {
	return domain.Structure{
		Lattice: domain.Lattice{A: 4.6, B: 4.6, C: 20, Alpha: 90, Beta: 90, Gamma: 90},
		Sites: []domain.Site{
			{Element: "Ti", Frac: [3]float64{0, 0, 0.4}},
			{Element: "O", Frac: [3]float64{0.3, 0.3, 0.4}},
			{Element: "O", Frac: [3]float64{0.7, 0.7, 0.4}},
		},
	}
}

// cellEnergy scores a cell with fixed per-element energies plus a formation
// bonus for mixed cells, deep enough that the target phase sits on the hull.
func cellEnergy(s domain.Structure) float64 {
	counts := s.ElementCounts()
	energy := -2.0*float64(counts["O"]) - 5.0*float64(counts["Ti"])
	if counts["O"] > 0 && counts["Ti"] > 0 {
		energy -= 3.0
	}
	return energy
}

// countingExecutor wraps the local executor to observe submission volume.
type countingExecutor struct {
	*localexec.Executor
	mu      sync.Mutex
	submits int
}

func (c *countingExecutor) Submit(ctx context.Context, spec pipeline.JobSpec) (pipeline.JobHandle, error) {
	c.mu.Lock()
	c.submits++
	c.mu.Unlock()
	return c.Executor.Submit(ctx, spec)
}

func (c *countingExecutor) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.submits
}

func registerSolvers(exec *localexec.Executor) {
	gap := 2.1

	exec.Register(pipeline.JobSubsystemGeneration, func(_ context.Context, spec pipeline.JobSpec) (pipeline.Artifacts, error) {
		cell := elementalCell(spec.ChemsysKey)
		return pipeline.Artifacts{Structures: []domain.Structure{cell}, Energies: []float64{cellEnergy(cell)}}, nil
	})
	exec.Register(pipeline.JobCSPSampling, func(_ context.Context, _ pipeline.JobSpec) (pipeline.Artifacts, error) {
		return pipeline.Artifacts{Structures: []domain.Structure{rutileCell()}}, nil
	})
	relax := func(_ context.Context, spec pipeline.JobSpec) (pipeline.Artifacts, error) {
		out := pipeline.Artifacts{}
		for _, s := range spec.Structures {
			out.Structures = append(out.Structures, s)
			out.Energies = append(out.Energies, cellEnergy(s))
		}
		return out, nil
	}
	exec.Register(pipeline.JobMLRelaxation, relax)
	exec.Register(pipeline.JobMinimaHopping, relax)
	exec.Register(pipeline.JobVerification, func(_ context.Context, spec pipeline.JobSpec) (pipeline.Artifacts, error) {
		s := spec.Structures[0]
		return pipeline.Artifacts{Structures: []domain.Structure{s}, Energies: []float64{cellEnergy(s) - 0.3}}, nil
	})
	exec.Register(pipeline.JobBandAlignment, func(_ context.Context, spec pipeline.JobSpec) (pipeline.Artifacts, error) {
		return pipeline.Artifacts{
			Structures: []domain.Structure{spec.Structures[0]},
			BandGap:    &gap,
			Attributes: map[string]any{"band_gap_pbe": 1.4},
			Raw:        []byte("EIGENVAL gamma-point block"),
		}, nil
	})
	exec.Register(pipeline.JobSurfaceBuild, func(_ context.Context, _ pipeline.JobSpec) (pipeline.Artifacts, error) {
		return pipeline.Artifacts{Structures: []domain.Structure{slabCell()}, Energies: []float64{-45.8}, Labels: []string{"110"}}, nil
	})
	exec.Register(pipeline.JobAdsorbateScreen, func(_ context.Context, spec pipeline.JobSpec) (pipeline.Artifacts, error) {
		geometry := spec.Structures[0].Clone()
		geometry.Sites = append(geometry.Sites, domain.Site{Element: "H", Frac: [3]float64{0.5, 0.5, 0.55}})
		return pipeline.Artifacts{Structures: []domain.Structure{geometry}, Energies: []float64{-46.1}, Labels: []string{"H*"}}, nil
	})
}

func TestPipelineEndToEnd(t *testing.T) {
	exec := &countingExecutor{Executor: localexec.New()}
	registerSolvers(exec.Executor)

	service := core.NewInMemoryService(core.NewRulesEngine())
	blobs := blobmem.New()
	controller := pipeline.NewController(exec, nil, nil, 0.5, time.Millisecond)
	env := &pipeline.Env{
		Service:    service,
		Controller: controller,
		Blobs:      blobs,
		Config: config.PipelineConfig{
			FailureRatio:           0.5,
			DependencyTimeoutHours: 1,
			PollIntervalSeconds:    1,
			EHullThreshold:         0.05,
			CSPSamples:             2,
			MinimaHoppingRuns:      1,
			BandGapMin:             0,
			BandGapMax:             6,
		},
	}
	orchestrator := pipeline.NewOrchestrator(env, nil)
	intakeController := intake.NewController(service, orchestrator, nil, 2)
	intakeController.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = intakeController.Stop(ctx)
	})

	ctx := context.Background()
	err := intakeController.Submit(ctx, []domain.SubmissionRequest{{
		Requester: "abe",
		Formula:   "TiO2",
		Model:     "mace",
		Reaction:  "HER",
	}})
	require.NoError(t, err)

	var composition domain.Composition
	require.Eventually(t, func() bool {
		c, ok, err := service.FindComposition(ctx, "O2Ti")
		if err != nil || !ok {
			return false
		}
		composition = c
		return c.Status == domain.CompositionDone
	}, 10*time.Second, 10*time.Millisecond, "pipeline did not finish")

	for _, stage := range domain.Stages() {
		assert.Equal(t, domain.StepDone, composition.StageState(stage), "stage %s", stage)
	}

	require.Len(t, composition.StableRefs, 1)
	candidate, ok, err := service.FindCandidate(ctx, composition.StableRefs[0])
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "O2Ti", candidate.CompositionKey)
	assert.Equal(t, "O-Ti", candidate.ChemsysKey)
	for _, method := range []string{"mace", "r2SCAN", "PBE", "HSE"} {
		assert.Contains(t, candidate.Versions, method)
	}
	hse := candidate.Versions["HSE"]
	assert.Equal(t, 2.1, hse.Attributes["band_gap"])

	// Raw solver output was archived under the key the version records.
	blobKey, _ := hse.Attributes["raw_blob"].(string)
	require.NotEmpty(t, blobKey)
	info, err := blobs.Head(ctx, blobKey)
	require.NoError(t, err)
	assert.Equal(t, candidate.ID, info.Metadata["candidate"])

	surfaces, err := service.SurfacesByCandidate(ctx, candidate.ID)
	require.NoError(t, err)
	require.Len(t, surfaces, 1)
	assert.Equal(t, "110", surfaces[0].Attributes["miller"])
	require.NotNil(t, surfaces[0].Energy)

	adsorbates, err := service.AdsorbatesBySurface(ctx, surfaces[0].ID)
	require.NoError(t, err)
	require.Len(t, adsorbates, 1)
	assert.Equal(t, "HER", adsorbates[0].Reaction)
	assert.Equal(t, "H*", adsorbates[0].Adsorbate)
	assert.Equal(t, 4, adsorbates[0].Structure.NumAtoms())

	// The elemental subsystems were funded and left ready for later runs.
	for _, key := range []string{"O", "Ti"} {
		subsystem, ok, err := service.FindSubsystem(ctx, key)
		require.NoError(t, err)
		require.True(t, ok, "subsystem %s", key)
		assert.True(t, subsystem.Ready)
	}

	// The mirror submission row catches up once the worker returns.
	require.Eventually(t, func() bool {
		submissions, err := service.SubmissionsByComposition(ctx, "O2Ti")
		if err != nil || len(submissions) != 1 {
			return false
		}
		return submissions[0].Status == domain.CompositionDone
	}, 5*time.Second, 10*time.Millisecond)

	// A completed composition re-runs as a no-op: no jobs are dispatched.
	before := exec.count()
	require.NoError(t, orchestrator.Run(ctx, pipeline.Run{Formula: "O2Ti", Model: "mace", Reaction: "HER"}))
	assert.Equal(t, before, exec.count())
}
