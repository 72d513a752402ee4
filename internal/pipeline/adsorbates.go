package pipeline

import (
	"context"
	"fmt"

	"github.com/hmhoseini/uvsib/pkg/domain"
)

// adsorbateStage screens every stored surface against the submission's
// reaction, persisting adsorption geometries and energies.
type adsorbateStage struct {
	env *Env
}

// NewAdsorbateStage constructs the adsorbates stage runner.
func NewAdsorbateStage(env *Env) StageRunner {
	env.ensureLogger()
	return &adsorbateStage{env: env}
}

func (s *adsorbateStage) Name() domain.Stage { return domain.StageAdsorbates }

func (s *adsorbateStage) Execute(ctx context.Context, run Run) error {
	composition, ok, err := s.env.Service.FindComposition(ctx, run.Formula)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrNotFound{Entity: domain.EntityComposition, ID: run.Formula}
	}

	var (
		specs    []JobSpec
		surfaces int
	)
	for _, id := range composition.StableRefs {
		stored, err := s.env.Service.SurfacesByCandidate(ctx, id)
		if err != nil {
			return err
		}
		for _, surface := range stored {
			surfaces++
			existing, err := s.env.Service.AdsorbatesBySurface(ctx, surface.ID)
			if err != nil {
				return err
			}
			screened := false
			for _, record := range existing {
				if record.Reaction == run.Reaction {
					screened = true
					break
				}
			}
			if screened {
				continue
			}
			specs = append(specs, JobSpec{
				Kind:        JobAdsorbateScreen,
				Formula:     run.Formula,
				CandidateID: id,
				SurfaceID:   surface.ID,
				Model:       run.Model,
				Reaction:    run.Reaction,
				Structures:  []domain.Structure{surface.Slab},
			})
		}
	}
	if surfaces == 0 {
		return domain.NoCandidatesError{Stage: s.Name(), Formula: run.Formula}
	}

	outcomes, err := s.env.Controller.Run(ctx, s.Name(), specs)
	if err != nil {
		return err
	}
	for _, out := range outcomes {
		for i, structure := range out.Artifacts.Structures {
			if i >= len(out.Artifacts.Energies) {
				break
			}
			name := fmt.Sprintf("site-%d", i)
			if i < len(out.Artifacts.Labels) {
				name = out.Artifacts.Labels[i]
			}
			record := domain.AdsorbateRecord{
				SurfaceID: out.Spec.SurfaceID,
				Reaction:  run.Reaction,
				Adsorbate: name,
				Structure: structure,
				Energy:    out.Artifacts.Energies[i],
			}
			if _, _, err := s.env.Service.CreateAdsorbate(ctx, record); err != nil {
				return fmt.Errorf("store adsorbate for surface %s: %w", out.Spec.SurfaceID, err)
			}
		}
	}
	return nil
}
