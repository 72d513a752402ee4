package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hmhoseini/uvsib/pkg/domain"
)

func tio2Structure() domain.Structure {
	return domain.Structure{
		Lattice: domain.Lattice{A: 4.6, B: 4.6, C: 2.96, Alpha: 90, Beta: 90, Gamma: 90},
		Sites: []domain.Site{
			{Element: "Ti", Frac: [3]float64{0, 0, 0}},
			{Element: "O", Frac: [3]float64{0.3, 0.3, 0}},
			{Element: "O", Frac: [3]float64{0.7, 0.7, 0}},
		},
	}
}

func oneSiteCell(element string) domain.Structure {
	return domain.Structure{
		Lattice: domain.Lattice{A: 3, B: 3, C: 3, Alpha: 90, Beta: 90, Gamma: 90},
		Sites:   []domain.Site{{Element: element, Frac: [3]float64{0, 0, 0}}},
	}
}

// A subsystem-generation failure the ratio policy tolerates must not leave a
// permanently not-ready row behind: the stage deletes the row and proceeds
// without waiting on it, instead of blocking until the dependency timeout.
func TestPDMLStageRemovesSubsystemAfterToleratedGenerationFailure(t *testing.T) {
	exec := newScriptedExecutor(func(spec JobSpec) (Artifacts, error) {
		switch spec.Kind {
		case JobSubsystemGeneration:
			if spec.ChemsysKey == "Ti" {
				return Artifacts{}, errors.New("generator crashed")
			}
			cell := oneSiteCell(spec.ChemsysKey)
			return Artifacts{Structures: []domain.Structure{cell}, Energies: []float64{-2.0}}, nil
		case JobCSPSampling:
			return Artifacts{Structures: []domain.Structure{tio2Structure()}}, nil
		case JobMLRelaxation, JobMinimaHopping:
			out := Artifacts{}
			for _, s := range spec.Structures {
				out.Structures = append(out.Structures, s)
				out.Energies = append(out.Energies, -12.0)
			}
			return out, nil
		default:
			return Artifacts{}, nil
		}
	})
	env := testEnv(exec)
	ctx := context.Background()

	_, _, err := env.Service.UpsertComposition(ctx, domain.Composition{Formula: "O2Ti"})
	require.NoError(t, err)

	stage := NewPDMLStage(env)
	done := make(chan error, 1)
	go func() { done <- stage.Execute(ctx, Run{Formula: "O2Ti", Model: "mace", Reaction: "OER"}) }()
	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stage blocked waiting on a subsystem that can never become ready")
	}
	require.NoError(t, err)

	// The dead row is gone so a retry can fund it afresh; the healthy
	// subsystem stayed ready.
	_, exists, err := env.Service.FindSubsystem(ctx, "Ti")
	require.NoError(t, err)
	assert.False(t, exists)
	oxygen, exists, err := env.Service.FindSubsystem(ctx, "O")
	require.NoError(t, err)
	require.True(t, exists)
	assert.True(t, oxygen.Ready)

	composition, _, err := env.Service.FindComposition(ctx, "O2Ti")
	require.NoError(t, err)
	assert.NotEmpty(t, composition.StableRefs)
}

// Both owned subsystems failing breaches the ratio policy; the stage fails
// with a calculation error and rolls its claimed rows back.
func TestPDMLStageFailsWhenAllGenerationJobsFail(t *testing.T) {
	exec := newScriptedExecutor(func(spec JobSpec) (Artifacts, error) {
		if spec.Kind == JobSubsystemGeneration {
			return Artifacts{}, errors.New("generator crashed")
		}
		return Artifacts{}, nil
	})
	env := testEnv(exec)
	ctx := context.Background()

	_, _, err := env.Service.UpsertComposition(ctx, domain.Composition{Formula: "O2Ti"})
	require.NoError(t, err)

	err = NewPDMLStage(env).Execute(ctx, Run{Formula: "O2Ti", Model: "mace", Reaction: "OER"})
	var failure domain.StageFailureError
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, domain.StagePDML, failure.Stage)

	for _, key := range []string{"O", "Ti"} {
		_, exists, err := env.Service.FindSubsystem(ctx, key)
		require.NoError(t, err)
		assert.False(t, exists, "subsystem %s", key)
	}
}
