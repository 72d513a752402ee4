package pipeline

import (
	"context"
	"fmt"

	"github.com/hmhoseini/uvsib/internal/chem"
	"github.com/hmhoseini/uvsib/internal/stability"
	"github.com/hmhoseini/uvsib/pkg/domain"
)

const methodVerification = "r2SCAN"

// verificationStage re-relaxes the ML-stable candidates with an ab-initio
// solver, merges externally known reference phases, and re-reduces the
// verified population down to the new stable set.
type verificationStage struct {
	env *Env
}

// NewVerificationStage constructs the pd_verification stage runner.
func NewVerificationStage(env *Env) StageRunner {
	env.ensureLogger()
	return &verificationStage{env: env}
}

func (s *verificationStage) Name() domain.Stage { return domain.StagePDVerification }

func (s *verificationStage) Execute(ctx context.Context, run Run) error {
	composition, ok, err := s.env.Service.FindComposition(ctx, run.Formula)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrNotFound{Entity: domain.EntityComposition, ID: run.Formula}
	}
	if len(composition.StableRefs) == 0 {
		return domain.NoCandidatesError{Stage: s.Name(), Formula: run.Formula}
	}
	formula, err := chem.Parse(run.Formula)
	if err != nil {
		return fmt.Errorf("parse formula %q: %w", run.Formula, err)
	}
	fullKey := formula.ChemicalSystem()

	if err := s.importReferences(ctx, run, fullKey); err != nil {
		return err
	}

	// Source of truth for re-dispatch is the store: only candidates still
	// lacking a verification version get a job.
	var specs []JobSpec
	for _, id := range composition.StableRefs {
		candidate, ok, err := s.env.Service.FindCandidate(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if _, verified := candidate.Versions[methodVerification]; verified {
			continue
		}
		version, ok := candidate.Versions[run.Model]
		if !ok {
			continue
		}
		specs = append(specs, JobSpec{
			Kind:        JobVerification,
			Formula:     run.Formula,
			ChemsysKey:  candidate.ChemsysKey,
			CandidateID: id,
			Model:       run.Model,
			Structures:  []domain.Structure{version.Structure},
		})
	}

	outcomes, err := s.env.Controller.Run(ctx, s.Name(), specs)
	if err != nil {
		return err
	}
	for _, out := range outcomes {
		entries := entriesFromArtifacts(out.Spec.CandidateID, out.Artifacts)
		if len(entries) == 0 {
			continue
		}
		energy := entries[0].Energy
		_, _, err := s.env.Service.AppendCandidateVersion(ctx, out.Spec.CandidateID, domain.Version{
			Method:    methodVerification,
			Source:    "abinitio",
			Structure: entries[0].Structure,
			Energy:    &energy,
		}, domain.OnConflictIgnore)
		if err != nil {
			return fmt.Errorf("append verification version for %s: %w", out.Spec.CandidateID, err)
		}
	}

	return s.reverify(ctx, run, formula, fullKey)
}

// importReferences merges reference phases from the external table into the
// store so the verified hull is anchored by known ground states. Entries
// already imported are recognized by their reference ID.
func (s *verificationStage) importReferences(ctx context.Context, run Run, fullKey string) error {
	if s.env.References == nil {
		return nil
	}
	refs, err := s.env.References.References(ctx, fullKey)
	if err != nil {
		return fmt.Errorf("load references for %s: %w", fullKey, err)
	}
	if len(refs) == 0 {
		return nil
	}
	formula, err := chem.Parse(run.Formula)
	if err != nil {
		return err
	}
	stored, err := s.env.Service.CandidatesByChemsys(ctx, chem.Subsystems(formula))
	if err != nil {
		return err
	}
	imported := make(map[string]struct{})
	for _, candidate := range stored {
		if refID, ok := candidate.Attributes["reference_id"].(string); ok {
			imported[refID] = struct{}{}
		}
	}
	for _, ref := range refs {
		if _, ok := imported[ref.ID]; ok {
			continue
		}
		system := ref.Formula.ChemicalSystem()
		candidate, _, err := s.env.Service.CreateCandidate(ctx, domain.Candidate{
			ChemsysKey: system,
			Attributes: map[string]any{"reference_id": ref.ID},
		})
		if err != nil {
			return fmt.Errorf("import reference %s: %w", ref.ID, err)
		}
		energy := ref.Energy
		_, _, err = s.env.Service.AppendCandidateVersion(ctx, candidate.ID, domain.Version{
			Method:    methodVerification,
			Source:    "mpdb",
			Structure: ref.Structure,
			Energy:    &energy,
		}, domain.OnConflictIgnore)
		if err != nil {
			return fmt.Errorf("import reference %s: %w", ref.ID, err)
		}
	}
	return nil
}

// reverify reduces the verified population and rewrites the composition's
// stable reference list.
func (s *verificationStage) reverify(ctx context.Context, run Run, formula chem.Formula, fullKey string) error {
	stored, err := s.env.Service.CandidatesByChemsys(ctx, chem.Subsystems(formula))
	if err != nil {
		return err
	}
	entries := entriesFromCandidates(stored, methodVerification)
	if len(entries) == 0 {
		return domain.NoCandidatesError{Stage: s.Name(), Formula: run.Formula}
	}
	refs, err := elementalRefs(ctx, s.env.Service, formula.Elements(), methodVerification)
	if err != nil {
		return err
	}
	policy := stability.DefaultPolicy()
	if s.env.Config.EHullThreshold > 0 {
		policy.EHullThreshold = s.env.Config.EHullThreshold
	}
	reduced, err := stability.Reduce(fullKey, entries, refs, policy)
	if err != nil {
		return fmt.Errorf("reduce verified %s: %w", fullKey, err)
	}

	// Keep only verified survivors that belong to this composition; imported
	// references anchor the hull but are not pipeline outputs.
	stableRefs := make([]string, 0, len(reduced))
	for _, entry := range reduced {
		candidate, ok, err := s.env.Service.FindCandidate(ctx, entry.ID)
		if err != nil {
			return err
		}
		if !ok || candidate.CompositionKey != run.Formula {
			continue
		}
		stableRefs = append(stableRefs, entry.ID)
	}
	if len(stableRefs) == 0 {
		return domain.NoCandidatesError{Stage: s.Name(), Formula: run.Formula}
	}
	_, _, err = s.env.Service.UpdateComposition(ctx, run.Formula, func(c *domain.Composition) error {
		c.StableRefs = stableRefs
		return nil
	})
	if err != nil {
		return fmt.Errorf("record verified stable refs: %w", err)
	}
	s.env.Logger.Info("verification complete", "formula", run.Formula, "stable", len(stableRefs))
	return nil
}
