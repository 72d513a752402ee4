// Package memory implements the transactional in-memory candidate store.
// Durable backends snapshot this state after every successful transaction.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hmhoseini/uvsib/pkg/domain"
)

var _ domain.PersistentStore = (*Store)(nil)

type memoryState struct {
	compositions map[string]domain.Composition // keyed by reduced formula
	subsystems   map[string]domain.ChemicalSubsystem
	candidates   map[string]domain.Candidate
	surfaces     map[string]domain.SurfaceRecord
	adsorbates   map[string]domain.AdsorbateRecord
	submissions  map[string]domain.Submission
}

// Snapshot is the serializable export of the store state.
type Snapshot struct {
	Compositions []domain.Composition       `json:"compositions"`
	Subsystems   []domain.ChemicalSubsystem `json:"subsystems"`
	Candidates   []domain.Candidate         `json:"candidates"`
	Surfaces     []domain.SurfaceRecord     `json:"surfaces"`
	Adsorbates   []domain.AdsorbateRecord   `json:"adsorbates"`
	Submissions  []domain.Submission        `json:"submissions"`
}

func newMemoryState() memoryState {
	return memoryState{
		compositions: map[string]domain.Composition{},
		subsystems:   map[string]domain.ChemicalSubsystem{},
		candidates:   map[string]domain.Candidate{},
		surfaces:     map[string]domain.SurfaceRecord{},
		adsorbates:   map[string]domain.AdsorbateRecord{},
		submissions:  map[string]domain.Submission{},
	}
}

func snapshotFromMemoryState(state memoryState) Snapshot {
	snapshot := Snapshot{}
	for _, c := range state.compositions {
		snapshot.Compositions = append(snapshot.Compositions, cloneComposition(c))
	}
	for _, s := range state.subsystems {
		snapshot.Subsystems = append(snapshot.Subsystems, s)
	}
	for _, c := range state.candidates {
		snapshot.Candidates = append(snapshot.Candidates, cloneCandidate(c))
	}
	for _, s := range state.surfaces {
		snapshot.Surfaces = append(snapshot.Surfaces, cloneSurface(s))
	}
	for _, a := range state.adsorbates {
		snapshot.Adsorbates = append(snapshot.Adsorbates, cloneAdsorbate(a))
	}
	for _, s := range state.submissions {
		snapshot.Submissions = append(snapshot.Submissions, cloneSubmission(s))
	}
	sort.Slice(snapshot.Compositions, func(i, j int) bool {
		return snapshot.Compositions[i].Formula < snapshot.Compositions[j].Formula
	})
	sort.Slice(snapshot.Subsystems, func(i, j int) bool {
		return snapshot.Subsystems[i].Key < snapshot.Subsystems[j].Key
	})
	sort.Slice(snapshot.Candidates, func(i, j int) bool {
		return snapshot.Candidates[i].ID < snapshot.Candidates[j].ID
	})
	sort.Slice(snapshot.Surfaces, func(i, j int) bool {
		return snapshot.Surfaces[i].ID < snapshot.Surfaces[j].ID
	})
	sort.Slice(snapshot.Adsorbates, func(i, j int) bool {
		return snapshot.Adsorbates[i].ID < snapshot.Adsorbates[j].ID
	})
	sort.Slice(snapshot.Submissions, func(i, j int) bool {
		return snapshot.Submissions[i].ID < snapshot.Submissions[j].ID
	})
	return snapshot
}

func memoryStateFromSnapshot(s Snapshot) memoryState {
	state := newMemoryState()
	for _, c := range s.Compositions {
		state.compositions[c.Formula] = cloneComposition(c)
	}
	for _, sub := range s.Subsystems {
		state.subsystems[sub.Key] = sub
	}
	for _, c := range s.Candidates {
		state.candidates[c.ID] = cloneCandidate(c)
	}
	for _, surf := range s.Surfaces {
		state.surfaces[surf.ID] = cloneSurface(surf)
	}
	for _, a := range s.Adsorbates {
		state.adsorbates[a.ID] = cloneAdsorbate(a)
	}
	for _, sub := range s.Submissions {
		state.submissions[sub.ID] = cloneSubmission(sub)
	}
	return state
}

func (s memoryState) clone() memoryState {
	out := newMemoryState()
	for k, v := range s.compositions {
		out.compositions[k] = cloneComposition(v)
	}
	for k, v := range s.subsystems {
		out.subsystems[k] = v
	}
	for k, v := range s.candidates {
		out.candidates[k] = cloneCandidate(v)
	}
	for k, v := range s.surfaces {
		out.surfaces[k] = cloneSurface(v)
	}
	for k, v := range s.adsorbates {
		out.adsorbates[k] = cloneAdsorbate(v)
	}
	for k, v := range s.submissions {
		out.submissions[k] = cloneSubmission(v)
	}
	return out
}

func cloneComposition(c domain.Composition) domain.Composition {
	c.StepStatus = cloneStepStatus(c.StepStatus)
	c.StableRefs = cloneStrings(c.StableRefs)
	c.Attributes = cloneAttributes(c.Attributes)
	return c
}

func cloneCandidate(c domain.Candidate) domain.Candidate {
	c.Attributes = cloneAttributes(c.Attributes)
	if c.Versions != nil {
		versions := make(map[string]domain.Version, len(c.Versions))
		for method, v := range c.Versions {
			versions[method] = cloneVersion(v)
		}
		c.Versions = versions
	}
	return c
}

func cloneVersion(v domain.Version) domain.Version {
	v.Structure = v.Structure.Clone()
	v.Attributes = cloneAttributes(v.Attributes)
	return v
}

func cloneSurface(s domain.SurfaceRecord) domain.SurfaceRecord {
	s.Slab = s.Slab.Clone()
	s.Attributes = cloneAttributes(s.Attributes)
	return s
}

func cloneAdsorbate(a domain.AdsorbateRecord) domain.AdsorbateRecord {
	a.Structure = a.Structure.Clone()
	a.Attributes = cloneAttributes(a.Attributes)
	return a
}

func cloneSubmission(s domain.Submission) domain.Submission {
	s.StepStatus = cloneStepStatus(s.StepStatus)
	return s
}

func cloneStepStatus(in map[domain.Stage]domain.StepStatus) map[domain.Stage]domain.StepStatus {
	if in == nil {
		return nil
	}
	out := make(map[domain.Stage]domain.StepStatus, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneAttributes(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

// Store is the transactional in-memory candidate store.
type Store struct {
	mu     sync.RWMutex
	state  memoryState
	engine *domain.RulesEngine
	nowFn  func() time.Time
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *domain.RulesEngine) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	return &Store{
		state:  newMemoryState(),
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) newID() string {
	return uuid.NewString()
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromMemoryState(s.state)
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = memoryStateFromSnapshot(snapshot)
}

// RulesEngine exposes the currently configured engine.
func (s *Store) RulesEngine() *domain.RulesEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// SetNowFunc overrides the time provider, for tests.
func (s *Store) SetNowFunc(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFn = fn
}

// RunInTransaction clones the state, applies fn, evaluates rules, and commits
// on success. A returned error or blocking violation discards the clone.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx domain.Transaction) error) (domain.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{
		store: s,
		state: s.state.clone(),
		now:   s.nowFn(),
	}

	if err := fn(tx); err != nil {
		return domain.Result{}, err
	}

	var result domain.Result
	if s.engine != nil {
		view := newTransactionView(&tx.state)
		res, err := s.engine.Evaluate(ctx, view, tx.changes)
		if err != nil {
			return domain.Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}

	s.state = tx.state
	return result, nil
}

// View executes fn against a read-only snapshot of the store state.
func (s *Store) View(_ context.Context, fn func(domain.TransactionView) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := s.state.clone()
	view := newTransactionView(&snapshot)
	return fn(view)
}
