package pipeline

import (
	"context"
	"fmt"
	"math"

	"github.com/hmhoseini/uvsib/internal/config"
	"github.com/hmhoseini/uvsib/internal/core"
	blobcore "github.com/hmhoseini/uvsib/internal/infra/blob/core"
	"github.com/hmhoseini/uvsib/internal/logging"
	"github.com/hmhoseini/uvsib/internal/stability"
	"github.com/hmhoseini/uvsib/pkg/domain"
)

// Env bundles the collaborators shared by every stage runner.
type Env struct {
	Service    *core.Service
	Controller *Controller
	Blobs      blobcore.Store
	References ReferenceProvider
	Logger     logging.Logger
	Config     config.PipelineConfig
}

// ensureLogger backfills a no-op logger so stage runners constructed without
// the orchestrator can log unconditionally.
func (e *Env) ensureLogger() {
	if e.Logger == nil {
		e.Logger = logging.NoOpLogger{}
	}
}

// Run identifies one orchestrator invocation: the reduced target formula plus
// the submission's model and reaction choices.
type Run struct {
	Formula  string
	Model    string
	Reaction string
}

// StageRunner executes one pipeline stage for a composition.
type StageRunner interface {
	Name() domain.Stage
	Execute(ctx context.Context, run Run) error
}

// ReferenceProvider supplies externally computed reference entries (per-
// element ground states and known phases) for a chemical system.
type ReferenceProvider interface {
	References(ctx context.Context, system string) ([]stability.Entry, error)
}

// StaticReferences is a fixed in-memory reference table keyed by system.
type StaticReferences map[string][]stability.Entry

// References returns the configured entries for the system.
func (r StaticReferences) References(_ context.Context, system string) ([]stability.Entry, error) {
	return r[system], nil
}

// entriesFromArtifacts pairs a job's returned structures with their energies.
// Surplus structures without a matching energy are dropped.
func entriesFromArtifacts(idPrefix string, artifacts Artifacts) []stability.Entry {
	n := len(artifacts.Structures)
	if len(artifacts.Energies) < n {
		n = len(artifacts.Energies)
	}
	entries := make([]stability.Entry, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%s-%d", idPrefix, i)
		entries = append(entries, stability.EntryFromStructure(id, artifacts.Structures[i], artifacts.Energies[i]))
	}
	return entries
}

// entriesFromCandidates converts stored candidates holding a version of the
// given method into filter entries keyed by candidate ID.
func entriesFromCandidates(candidates []domain.Candidate, method string) []stability.Entry {
	entries := make([]stability.Entry, 0, len(candidates))
	for _, candidate := range candidates {
		version, ok := candidate.Versions[method]
		if !ok || version.Energy == nil {
			continue
		}
		entries = append(entries, stability.EntryFromStructure(candidate.ID, version.Structure, *version.Energy))
	}
	return entries
}

// elementalRefs derives per-element reference energies (eV/atom) from the
// lowest stored elemental candidate of the given method. Elements without a
// stored ground state are omitted; the hull treats their anchors as unknown.
func elementalRefs(ctx context.Context, service *core.Service, elements []string, method string) (map[string]float64, error) {
	refs := make(map[string]float64, len(elements))
	for _, element := range elements {
		candidates, err := service.CandidatesByChemsys(ctx, []string{element})
		if err != nil {
			return nil, err
		}
		best := math.Inf(1)
		for _, entry := range entriesFromCandidates(candidates, method) {
			if e := entry.EnergyPerAtom(); e < best {
				best = e
			}
		}
		if !math.IsInf(best, 1) {
			refs[element] = best
		}
	}
	return refs, nil
}

// persistEntry stores one reduced entry as a fresh candidate with a
// method-tagged version and returns the assigned candidate ID.
func persistEntry(ctx context.Context, service *core.Service, entry stability.Entry, compositionKey, chemsysKey, method, source string) (string, error) {
	candidate, _, err := service.CreateCandidate(ctx, domain.Candidate{
		CompositionKey: compositionKey,
		ChemsysKey:     chemsysKey,
	})
	if err != nil {
		return "", fmt.Errorf("create candidate: %w", err)
	}
	energy := entry.Energy
	_, _, err = service.AppendCandidateVersion(ctx, candidate.ID, domain.Version{
		Method:     method,
		Source:     source,
		Structure:  entry.Structure,
		Energy:     &energy,
		Attributes: map[string]any{"e_above_hull": entry.EAboveHull},
	}, domain.OnConflictIgnore)
	if err != nil {
		return "", fmt.Errorf("append %s version: %w", method, err)
	}
	return candidate.ID, nil
}

// attrFloat reads a numeric attribute that may have round-tripped through
// JSON.
func attrFloat(attrs map[string]any, key string) (float64, bool) {
	if attrs == nil {
		return 0, false
	}
	switch v := attrs[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}
