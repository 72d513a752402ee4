package pipeline

import (
	"context"
	"fmt"

	"github.com/hmhoseini/uvsib/pkg/domain"
)

// surfaceStage builds surface slabs for candidates whose HSE band gap falls
// inside the configured window.
type surfaceStage struct {
	env *Env
}

// NewSurfaceStage constructs the surface_builder stage runner.
func NewSurfaceStage(env *Env) StageRunner {
	env.ensureLogger()
	return &surfaceStage{env: env}
}

func (s *surfaceStage) Name() domain.Stage { return domain.StageSurfaceBuilder }

func (s *surfaceStage) Execute(ctx context.Context, run Run) error {
	composition, ok, err := s.env.Service.FindComposition(ctx, run.Formula)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrNotFound{Entity: domain.EntityComposition, ID: run.Formula}
	}

	var specs []JobSpec
	eligible := 0
	for _, id := range composition.StableRefs {
		candidate, ok, err := s.env.Service.FindCandidate(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		version, screened := candidate.Versions[methodHSE]
		if !screened {
			continue
		}
		gap, ok := attrFloat(version.Attributes, "band_gap")
		if !ok || gap < s.env.Config.BandGapMin || gap > s.env.Config.BandGapMax {
			continue
		}
		eligible++

		existing, err := s.env.Service.SurfacesByCandidate(ctx, id)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			continue
		}
		specs = append(specs, JobSpec{
			Kind:        JobSurfaceBuild,
			Formula:     run.Formula,
			ChemsysKey:  candidate.ChemsysKey,
			CandidateID: id,
			Model:       run.Model,
			Structures:  []domain.Structure{version.Structure},
		})
	}
	if eligible == 0 {
		return domain.NoCandidatesError{Stage: s.Name(), Formula: run.Formula}
	}

	outcomes, err := s.env.Controller.Run(ctx, s.Name(), specs)
	if err != nil {
		return err
	}
	for _, out := range outcomes {
		for i, slab := range out.Artifacts.Structures {
			record := domain.SurfaceRecord{
				CandidateID: out.Spec.CandidateID,
				Slab:        slab,
			}
			if i < len(out.Artifacts.Energies) {
				energy := out.Artifacts.Energies[i]
				record.Energy = &energy
			}
			if i < len(out.Artifacts.Labels) {
				record.Attributes = map[string]any{"miller": out.Artifacts.Labels[i]}
			}
			if _, _, err := s.env.Service.CreateSurface(ctx, record); err != nil {
				return fmt.Errorf("store surface for %s: %w", out.Spec.CandidateID, err)
			}
		}
	}
	return nil
}
