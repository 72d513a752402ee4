package pipeline

import (
	"context"
	"fmt"
	"sort"

	"github.com/hmhoseini/uvsib/internal/chem"
	"github.com/hmhoseini/uvsib/internal/stability"
	"github.com/hmhoseini/uvsib/pkg/domain"
)

// pdMLStage builds the machine-learned phase diagram for a composition:
// crystal-structure-prediction sampling of the target formula, generation of
// any chemical subsystems not yet funded, ML relaxation and scoring, a
// bounded minima-hopping refinement, and stability reduction down to the
// composition's stable reference set.
type pdMLStage struct {
	env *Env
}

// NewPDMLStage constructs the pd_ml stage runner.
func NewPDMLStage(env *Env) StageRunner {
	env.ensureLogger()
	return &pdMLStage{env: env}
}

func (s *pdMLStage) Name() domain.Stage { return domain.StagePDML }

func (s *pdMLStage) Execute(ctx context.Context, run Run) error {
	formula, err := chem.Parse(run.Formula)
	if err != nil {
		return fmt.Errorf("parse formula %q: %w", run.Formula, err)
	}
	fullKey := formula.ChemicalSystem()
	subsystemKeys := chem.Subsystems(formula)

	owned, err := s.claimMissingSubsystems(ctx, run, subsystemKeys, fullKey)
	if err != nil {
		return err
	}

	dead, err := s.generateSubsystems(ctx, run, owned)
	if err != nil {
		s.cleanupOwned(ctx, owned)
		return err
	}
	deadKeys := make(map[string]struct{}, len(dead))
	for _, key := range dead {
		deadKeys[key] = struct{}{}
	}

	entries, err := s.sampleAndRelax(ctx, run, fullKey)
	if err != nil {
		s.cleanupOwned(ctx, owned)
		return err
	}

	// Subsystems funded by other compositions may still be in flight; the
	// phase diagram needs every one of them. Keys whose generation failed
	// this run can never become ready and must not anchor the wait.
	waitKeys := make([]string, 0, len(subsystemKeys))
	for _, key := range subsystemKeys {
		if key == fullKey {
			continue
		}
		if _, isDead := deadKeys[key]; isDead {
			continue
		}
		waitKeys = append(waitKeys, key)
	}
	if err := WaitSubsystemsReady(ctx, s.env.Service, run.Formula, waitKeys, s.env.Config.PollInterval(), s.env.Config.DependencyTimeout()); err != nil {
		s.cleanupOwned(ctx, owned)
		return err
	}

	stableRefs, err := s.buildPhaseDiagram(ctx, run, formula, fullKey, subsystemKeys, entries)
	if err != nil {
		s.cleanupOwned(ctx, owned)
		return err
	}

	_, _, err = s.env.Service.UpdateComposition(ctx, run.Formula, func(c *domain.Composition) error {
		c.StableRefs = stableRefs
		return nil
	})
	if err != nil {
		return fmt.Errorf("record stable refs: %w", err)
	}
	s.env.Logger.Info("phase diagram built", "formula", run.Formula, "stable", len(stableRefs))
	return nil
}

// claimMissingSubsystems creates rows for subsystems no composition has
// funded yet and returns their keys. A row that already exists, ready or
// not, belongs to another run and is only waited on.
func (s *pdMLStage) claimMissingSubsystems(ctx context.Context, run Run, keys []string, fullKey string) ([]string, error) {
	var owned []string
	for _, key := range keys {
		if key == fullKey {
			continue
		}
		_, exists, err := s.env.Service.FindSubsystem(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("find subsystem %s: %w", key, err)
		}
		if exists {
			continue
		}
		if _, _, err := s.env.Service.CreateSubsystem(ctx, domain.ChemicalSubsystem{Key: key, Model: run.Model}); err != nil {
			return nil, fmt.Errorf("create subsystem %s: %w", key, err)
		}
		owned = append(owned, key)
	}
	return owned, nil
}

// generateSubsystems fans one generation job out per claimed subsystem,
// reduces each outcome within its own chemical system, persists the
// survivors, and marks the subsystem ready. Subsystems are processed in
// ascending element count so elemental ground states are available as hull
// references for the mixed systems.
//
// A generation failure tolerated by the ratio policy leaves its claimed row
// permanently not-ready: existing rows are never re-claimed, so the row is
// deleted here and its key returned so the caller excludes it from the
// readiness wait. A retry can then fund the subsystem afresh.
func (s *pdMLStage) generateSubsystems(ctx context.Context, run Run, owned []string) ([]string, error) {
	if len(owned) == 0 {
		return nil, nil
	}
	specs := make([]JobSpec, 0, len(owned))
	for _, key := range owned {
		specs = append(specs, JobSpec{
			Kind:       JobSubsystemGeneration,
			Formula:    run.Formula,
			ChemsysKey: key,
			Model:      run.Model,
		})
	}
	outcomes, err := s.env.Controller.Run(ctx, s.Name(), specs)
	if err != nil {
		return nil, err
	}

	sort.Slice(outcomes, func(i, j int) bool {
		return len(chem.SystemElements(outcomes[i].Spec.ChemsysKey)) < len(chem.SystemElements(outcomes[j].Spec.ChemsysKey))
	})
	policy := s.policy()
	generated := make(map[string]struct{}, len(outcomes))
	for i, out := range outcomes {
		key := out.Spec.ChemsysKey
		generated[key] = struct{}{}
		elements := chem.SystemElements(key)
		refs, err := elementalRefs(ctx, s.env.Service, elements, run.Model)
		if err != nil {
			return nil, err
		}
		entries := entriesFromArtifacts(fmt.Sprintf("gen-%d", i), out.Artifacts)
		reduced, err := stability.Reduce(key, entries, refs, policy)
		if err != nil {
			return nil, fmt.Errorf("reduce subsystem %s: %w", key, err)
		}
		for _, entry := range reduced {
			if _, err := persistEntry(ctx, s.env.Service, entry, "", key, run.Model, "generator"); err != nil {
				return nil, err
			}
		}
		if _, _, err := s.env.Service.MarkSubsystemReady(ctx, key); err != nil {
			return nil, fmt.Errorf("mark subsystem %s ready: %w", key, err)
		}
		s.env.Logger.Info("subsystem ready", "key", key, "candidates", len(reduced))
	}

	var dead []string
	for _, key := range owned {
		if _, ok := generated[key]; ok {
			continue
		}
		dead = append(dead, key)
		s.env.Logger.Warn("removing subsystem after failed generation", "key", key)
		if _, err := s.env.Service.DeleteSubsystem(ctx, key); err != nil {
			s.env.Logger.Warn("subsystem cleanup failed", "key", key, "error", err)
		}
	}
	return dead, nil
}

// sampleAndRelax fans out the CSP sampler jobs for the target formula, then
// one ML relaxation job per sampler batch, and refines a bounded sample of
// the reduced set with minima hopping. Returns the pooled scored entries.
// When the store already holds model-scored candidates for this composition
// the fan-out is skipped: a crashed run's persisted work is the source of
// truth.
func (s *pdMLStage) sampleAndRelax(ctx context.Context, run Run, fullKey string) ([]stability.Entry, error) {
	existing, err := s.env.Service.CandidatesByComposition(ctx, run.Formula)
	if err != nil {
		return nil, err
	}
	if persisted := entriesFromCandidates(existing, run.Model); len(persisted) > 0 {
		s.env.Logger.Info("resuming with persisted candidates", "formula", run.Formula, "count", len(persisted))
		return nil, nil
	}

	cspSpecs := make([]JobSpec, 0, s.env.Config.CSPSamples)
	for i := 0; i < s.env.Config.CSPSamples; i++ {
		cspSpecs = append(cspSpecs, JobSpec{
			Kind:       JobCSPSampling,
			Formula:    run.Formula,
			ChemsysKey: fullKey,
			Model:      run.Model,
			Parameters: map[string]any{"sample": i},
		})
	}
	cspOutcomes, err := s.env.Controller.Run(ctx, s.Name(), cspSpecs)
	if err != nil {
		return nil, err
	}

	relaxSpecs := make([]JobSpec, 0, len(cspOutcomes))
	for _, out := range cspOutcomes {
		if len(out.Artifacts.Structures) == 0 {
			continue
		}
		relaxSpecs = append(relaxSpecs, JobSpec{
			Kind:       JobMLRelaxation,
			Formula:    run.Formula,
			ChemsysKey: fullKey,
			Model:      run.Model,
			Structures: out.Artifacts.Structures,
		})
	}
	relaxOutcomes, err := s.env.Controller.Run(ctx, s.Name(), relaxSpecs)
	if err != nil {
		return nil, err
	}
	var entries []stability.Entry
	for i, out := range relaxOutcomes {
		entries = append(entries, entriesFromArtifacts(fmt.Sprintf("relax-%d", i), out.Artifacts)...)
	}

	refined, err := s.minimaHopping(ctx, run, fullKey, entries)
	if err != nil {
		return nil, err
	}
	return append(entries, refined...), nil
}

// minimaHopping refines the most stable relaxed entries. Failures here are
// tolerated by the ratio policy like any other fan-out.
func (s *pdMLStage) minimaHopping(ctx context.Context, run Run, fullKey string, entries []stability.Entry) ([]stability.Entry, error) {
	limit := s.env.Config.MinimaHoppingRuns
	if limit <= 0 || len(entries) == 0 {
		return nil, nil
	}
	sorted := append([]stability.Entry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].EnergyPerAtom() < sorted[j].EnergyPerAtom() })
	if limit > len(sorted) {
		limit = len(sorted)
	}
	specs := make([]JobSpec, 0, limit)
	for _, entry := range sorted[:limit] {
		specs = append(specs, JobSpec{
			Kind:       JobMinimaHopping,
			Formula:    run.Formula,
			ChemsysKey: fullKey,
			Model:      run.Model,
			Structures: []domain.Structure{entry.Structure},
		})
	}
	outcomes, err := s.env.Controller.Run(ctx, s.Name(), specs)
	if err != nil {
		return nil, err
	}
	var refined []stability.Entry
	for i, out := range outcomes {
		refined = append(refined, entriesFromArtifacts(fmt.Sprintf("mh-%d", i), out.Artifacts)...)
	}
	return refined, nil
}

// buildPhaseDiagram pools this run's entries with every stored candidate of
// the composition's chemical systems, reduces over the full system, persists
// entries that are new, and returns the stable candidate IDs.
func (s *pdMLStage) buildPhaseDiagram(ctx context.Context, run Run, formula chem.Formula, fullKey string, subsystemKeys []string, fresh []stability.Entry) ([]string, error) {
	stored, err := s.env.Service.CandidatesByChemsys(ctx, subsystemKeys)
	if err != nil {
		return nil, err
	}
	known := make(map[string]struct{}, len(stored))
	entries := entriesFromCandidates(stored, run.Model)
	for _, entry := range entries {
		known[entry.ID] = struct{}{}
	}
	entries = append(entries, fresh...)

	refs, err := elementalRefs(ctx, s.env.Service, formula.Elements(), run.Model)
	if err != nil {
		return nil, err
	}
	reduced, err := stability.Reduce(fullKey, entries, refs, s.policy())
	if err != nil {
		return nil, fmt.Errorf("reduce %s: %w", fullKey, err)
	}

	stableRefs := make([]string, 0, len(reduced))
	for _, entry := range reduced {
		id := entry.ID
		if _, persisted := known[id]; !persisted {
			id, err = persistEntry(ctx, s.env.Service, entry, run.Formula, fullKey, run.Model, "ml")
			if err != nil {
				return nil, err
			}
		}
		stableRefs = append(stableRefs, id)
	}
	if len(stableRefs) == 0 {
		return nil, domain.NoCandidatesError{Stage: s.Name(), Formula: run.Formula}
	}
	return stableRefs, nil
}

func (s *pdMLStage) policy() stability.Policy {
	policy := stability.DefaultPolicy()
	if s.env.Config.EHullThreshold > 0 {
		policy.EHullThreshold = s.env.Config.EHullThreshold
	}
	return policy
}

// cleanupOwned removes subsystem rows this run created that never became
// ready, so a later retry is not blocked by half-initialized state. Ready
// subsystems are shared property and are never rolled back.
func (s *pdMLStage) cleanupOwned(ctx context.Context, owned []string) {
	for _, key := range owned {
		subsystem, ok, err := s.env.Service.FindSubsystem(ctx, key)
		if err != nil || !ok || subsystem.Ready {
			continue
		}
		if _, err := s.env.Service.DeleteSubsystem(ctx, key); err != nil {
			s.env.Logger.Warn("subsystem cleanup failed", "key", key, "error", err)
		}
	}
}
