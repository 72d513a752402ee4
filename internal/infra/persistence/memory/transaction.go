package memory

import (
	"fmt"
	"sort"
	"time"

	"github.com/hmhoseini/uvsib/pkg/domain"
)

// transaction represents a mutation set applied to the store state.
type transaction struct {
	store   *Store
	state   memoryState
	changes []domain.Change
	now     time.Time
}

// transactionView exposes a read-only snapshot of the transactional state.
type transactionView struct {
	state *memoryState
}

func newTransactionView(state *memoryState) domain.TransactionView {
	return transactionView{state: state}
}

var (
	_ domain.Transaction = (*transaction)(nil)
	_ domain.RuleView    = transactionView{}
)

func (tx *transaction) recordChange(change domain.Change) {
	tx.changes = append(tx.changes, change)
}

// Snapshot returns a read-only view over the transactional state.
func (tx *transaction) Snapshot() domain.TransactionView {
	return newTransactionView(&tx.state)
}

func (tx *transaction) FindComposition(formula string) (domain.Composition, bool) {
	c, ok := tx.state.compositions[formula]
	if !ok {
		return domain.Composition{}, false
	}
	return cloneComposition(c), true
}

func (tx *transaction) FindSubsystem(key string) (domain.ChemicalSubsystem, bool) {
	s, ok := tx.state.subsystems[key]
	return s, ok
}

// UpsertComposition inserts a composition row, or returns the existing row
// unchanged when the formula is already known.
func (tx *transaction) UpsertComposition(c domain.Composition) (domain.Composition, error) {
	if c.Formula == "" {
		return domain.Composition{}, fmt.Errorf("composition formula required")
	}
	if existing, ok := tx.state.compositions[c.Formula]; ok {
		return cloneComposition(existing), nil
	}
	if c.ID == "" {
		c.ID = tx.store.newID()
	}
	c.CreatedAt = tx.now
	c.UpdatedAt = tx.now
	if c.Status == "" {
		c.Status = domain.CompositionCreated
	}
	if c.StepStatus == nil {
		c.StepStatus = make(map[domain.Stage]domain.StepStatus, len(domain.Stages()))
		for _, stage := range domain.Stages() {
			c.StepStatus[stage] = domain.StepPending
		}
	}
	tx.state.compositions[c.Formula] = cloneComposition(c)
	tx.recordChange(domain.Change{Entity: domain.EntityComposition, Action: domain.ActionCreate, After: cloneComposition(c)})
	return cloneComposition(c), nil
}

// UpdateComposition mutates a composition using the provided mutator function.
func (tx *transaction) UpdateComposition(formula string, mutator func(*domain.Composition) error) (domain.Composition, error) {
	current, ok := tx.state.compositions[formula]
	if !ok {
		return domain.Composition{}, domain.ErrNotFound{Entity: domain.EntityComposition, ID: formula}
	}
	before := cloneComposition(current)
	working := cloneComposition(current)
	if err := mutator(&working); err != nil {
		return domain.Composition{}, err
	}
	working.ID = current.ID
	working.Formula = current.Formula
	working.CreatedAt = current.CreatedAt
	working.UpdatedAt = tx.now
	tx.state.compositions[formula] = cloneComposition(working)
	tx.recordChange(domain.Change{Entity: domain.EntityComposition, Action: domain.ActionUpdate, Before: before, After: cloneComposition(working)})
	return cloneComposition(working), nil
}

// CreateSubsystem stores a new chemical subsystem row. Creating a key that
// already exists returns the existing row so racing generators stay
// idempotent.
func (tx *transaction) CreateSubsystem(s domain.ChemicalSubsystem) (domain.ChemicalSubsystem, error) {
	if s.Key == "" {
		return domain.ChemicalSubsystem{}, fmt.Errorf("subsystem key required")
	}
	if existing, ok := tx.state.subsystems[s.Key]; ok {
		return existing, nil
	}
	if s.ID == "" {
		s.ID = tx.store.newID()
	}
	s.CreatedAt = tx.now
	s.UpdatedAt = tx.now
	tx.state.subsystems[s.Key] = s
	tx.recordChange(domain.Change{Entity: domain.EntitySubsystem, Action: domain.ActionCreate, After: s})
	return s, nil
}

// MarkSubsystemReady flips a subsystem to ready. Marking an already-ready
// subsystem is a no-op; readiness never reverts.
func (tx *transaction) MarkSubsystemReady(key string) (domain.ChemicalSubsystem, error) {
	current, ok := tx.state.subsystems[key]
	if !ok {
		return domain.ChemicalSubsystem{}, domain.ErrNotFound{Entity: domain.EntitySubsystem, ID: key}
	}
	if current.Ready {
		return current, nil
	}
	before := current
	current.Ready = true
	current.UpdatedAt = tx.now
	tx.state.subsystems[key] = current
	tx.recordChange(domain.Change{Entity: domain.EntitySubsystem, Action: domain.ActionUpdate, Before: before, After: current})
	return current, nil
}

// DeleteSubsystem removes a subsystem row, for cleanup after a failed
// generation run.
func (tx *transaction) DeleteSubsystem(key string) error {
	current, ok := tx.state.subsystems[key]
	if !ok {
		return domain.ErrNotFound{Entity: domain.EntitySubsystem, ID: key}
	}
	delete(tx.state.subsystems, key)
	tx.recordChange(domain.Change{Entity: domain.EntitySubsystem, Action: domain.ActionDelete, Before: current})
	return nil
}

// CreateCandidate stores a new candidate record.
func (tx *transaction) CreateCandidate(c domain.Candidate) (domain.Candidate, error) {
	if c.ID == "" {
		c.ID = tx.store.newID()
	}
	if _, exists := tx.state.candidates[c.ID]; exists {
		return domain.Candidate{}, fmt.Errorf("candidate %q already exists", c.ID)
	}
	c.CreatedAt = tx.now
	c.UpdatedAt = tx.now
	if c.Versions == nil {
		c.Versions = map[string]domain.Version{}
	}
	for method, v := range c.Versions {
		v.Method = method
		v.CreatedAt = tx.now
		v.UpdatedAt = tx.now
		c.Versions[method] = v
	}
	tx.state.candidates[c.ID] = cloneCandidate(c)
	tx.recordChange(domain.Change{Entity: domain.EntityCandidate, Action: domain.ActionCreate, After: cloneCandidate(c)})
	return cloneCandidate(c), nil
}

// AppendVersion attaches a method-tagged version to an existing candidate.
// The conflict policy decides what happens when the (candidate, method) pair
// already holds a version.
func (tx *transaction) AppendVersion(candidateID string, version domain.Version, policy domain.ConflictPolicy) (domain.Version, error) {
	current, ok := tx.state.candidates[candidateID]
	if !ok {
		return domain.Version{}, domain.ErrNotFound{Entity: domain.EntityCandidate, ID: candidateID}
	}
	if version.Method == "" {
		return domain.Version{}, fmt.Errorf("version method required")
	}
	existing, exists := current.Versions[version.Method]
	if exists {
		switch policy {
		case domain.OnConflictIgnore:
			return cloneVersion(existing), nil
		case domain.OnConflictOverride:
			version.CreatedAt = existing.CreatedAt
		default:
			return domain.Version{}, domain.DuplicateVersionError{CandidateID: candidateID, Method: version.Method}
		}
	} else {
		version.CreatedAt = tx.now
	}
	version.UpdatedAt = tx.now
	before := cloneCandidate(current)
	if current.Versions == nil {
		current.Versions = map[string]domain.Version{}
	}
	current.Versions[version.Method] = cloneVersion(version)
	current.UpdatedAt = tx.now
	tx.state.candidates[candidateID] = cloneCandidate(current)
	action := domain.ActionCreate
	if exists {
		action = domain.ActionUpdate
	}
	tx.recordChange(domain.Change{Entity: domain.EntityVersion, Action: action, Before: before, After: cloneCandidate(current)})
	return cloneVersion(version), nil
}

// DeleteCandidate removes a candidate and, by construction, all of its
// versions. Surfaces derived from it cascade as well; compositions that
// still reference the candidate are left soft-orphaned.
func (tx *transaction) DeleteCandidate(id string) error {
	current, ok := tx.state.candidates[id]
	if !ok {
		return domain.ErrNotFound{Entity: domain.EntityCandidate, ID: id}
	}
	for surfID, surf := range tx.state.surfaces {
		if surf.CandidateID != id {
			continue
		}
		for adsID, ads := range tx.state.adsorbates {
			if ads.SurfaceID == surfID {
				delete(tx.state.adsorbates, adsID)
			}
		}
		delete(tx.state.surfaces, surfID)
	}
	delete(tx.state.candidates, id)
	tx.recordChange(domain.Change{Entity: domain.EntityCandidate, Action: domain.ActionDelete, Before: cloneCandidate(current)})
	return nil
}

// CreateSurface stores a slab derived from a candidate.
func (tx *transaction) CreateSurface(s domain.SurfaceRecord) (domain.SurfaceRecord, error) {
	if _, ok := tx.state.candidates[s.CandidateID]; !ok {
		return domain.SurfaceRecord{}, domain.ErrNotFound{Entity: domain.EntityCandidate, ID: s.CandidateID}
	}
	if s.ID == "" {
		s.ID = tx.store.newID()
	}
	if _, exists := tx.state.surfaces[s.ID]; exists {
		return domain.SurfaceRecord{}, fmt.Errorf("surface %q already exists", s.ID)
	}
	s.CreatedAt = tx.now
	s.UpdatedAt = tx.now
	tx.state.surfaces[s.ID] = cloneSurface(s)
	tx.recordChange(domain.Change{Entity: domain.EntitySurface, Action: domain.ActionCreate, After: cloneSurface(s)})
	return cloneSurface(s), nil
}

// CreateAdsorbate stores an adsorption result derived from a surface.
func (tx *transaction) CreateAdsorbate(a domain.AdsorbateRecord) (domain.AdsorbateRecord, error) {
	if _, ok := tx.state.surfaces[a.SurfaceID]; !ok {
		return domain.AdsorbateRecord{}, domain.ErrNotFound{Entity: domain.EntitySurface, ID: a.SurfaceID}
	}
	if a.ID == "" {
		a.ID = tx.store.newID()
	}
	if _, exists := tx.state.adsorbates[a.ID]; exists {
		return domain.AdsorbateRecord{}, fmt.Errorf("adsorbate %q already exists", a.ID)
	}
	a.CreatedAt = tx.now
	a.UpdatedAt = tx.now
	tx.state.adsorbates[a.ID] = cloneAdsorbate(a)
	tx.recordChange(domain.Change{Entity: domain.EntityAdsorbate, Action: domain.ActionCreate, After: cloneAdsorbate(a)})
	return cloneAdsorbate(a), nil
}

// CreateSubmission stores a frontend submission row.
func (tx *transaction) CreateSubmission(s domain.Submission) (domain.Submission, error) {
	if s.ID == "" {
		s.ID = tx.store.newID()
	}
	if _, exists := tx.state.submissions[s.ID]; exists {
		return domain.Submission{}, fmt.Errorf("submission %q already exists", s.ID)
	}
	s.CreatedAt = tx.now
	s.UpdatedAt = tx.now
	if s.Status == "" {
		s.Status = domain.CompositionCreated
	}
	tx.state.submissions[s.ID] = cloneSubmission(s)
	tx.recordChange(domain.Change{Entity: domain.EntitySubmission, Action: domain.ActionCreate, After: cloneSubmission(s)})
	return cloneSubmission(s), nil
}

// UpdateSubmission mutates a submission using the provided mutator function.
func (tx *transaction) UpdateSubmission(id string, mutator func(*domain.Submission) error) (domain.Submission, error) {
	current, ok := tx.state.submissions[id]
	if !ok {
		return domain.Submission{}, domain.ErrNotFound{Entity: domain.EntitySubmission, ID: id}
	}
	before := cloneSubmission(current)
	working := cloneSubmission(current)
	if err := mutator(&working); err != nil {
		return domain.Submission{}, err
	}
	working.ID = current.ID
	working.CreatedAt = current.CreatedAt
	working.UpdatedAt = tx.now
	tx.state.submissions[id] = cloneSubmission(working)
	tx.recordChange(domain.Change{Entity: domain.EntitySubmission, Action: domain.ActionUpdate, Before: before, After: cloneSubmission(working)})
	return cloneSubmission(working), nil
}

func (v transactionView) FindComposition(formula string) (domain.Composition, bool) {
	c, ok := v.state.compositions[formula]
	if !ok {
		return domain.Composition{}, false
	}
	return cloneComposition(c), true
}

func (v transactionView) ListCompositions() []domain.Composition {
	out := make([]domain.Composition, 0, len(v.state.compositions))
	for _, c := range v.state.compositions {
		out = append(out, cloneComposition(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Formula < out[j].Formula })
	return out
}

func (v transactionView) FindSubsystem(key string) (domain.ChemicalSubsystem, bool) {
	s, ok := v.state.subsystems[key]
	return s, ok
}

func (v transactionView) ListSubsystems() []domain.ChemicalSubsystem {
	out := make([]domain.ChemicalSubsystem, 0, len(v.state.subsystems))
	for _, s := range v.state.subsystems {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (v transactionView) FindCandidate(id string) (domain.Candidate, bool) {
	c, ok := v.state.candidates[id]
	if !ok {
		return domain.Candidate{}, false
	}
	return cloneCandidate(c), true
}

func (v transactionView) ListCandidates() []domain.Candidate {
	out := make([]domain.Candidate, 0, len(v.state.candidates))
	for _, c := range v.state.candidates {
		out = append(out, cloneCandidate(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (v transactionView) CandidatesByComposition(formula string) []domain.Candidate {
	var out []domain.Candidate
	for _, c := range v.state.candidates {
		if c.CompositionKey == formula {
			out = append(out, cloneCandidate(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (v transactionView) CandidatesByChemsys(keys []string) []domain.Candidate {
	wanted := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		wanted[k] = struct{}{}
	}
	var out []domain.Candidate
	for _, c := range v.state.candidates {
		if _, ok := wanted[c.ChemsysKey]; ok {
			out = append(out, cloneCandidate(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (v transactionView) FindSurface(id string) (domain.SurfaceRecord, bool) {
	s, ok := v.state.surfaces[id]
	if !ok {
		return domain.SurfaceRecord{}, false
	}
	return cloneSurface(s), true
}

func (v transactionView) SurfacesByCandidate(candidateID string) []domain.SurfaceRecord {
	var out []domain.SurfaceRecord
	for _, s := range v.state.surfaces {
		if s.CandidateID == candidateID {
			out = append(out, cloneSurface(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (v transactionView) ListSurfaces() []domain.SurfaceRecord {
	out := make([]domain.SurfaceRecord, 0, len(v.state.surfaces))
	for _, s := range v.state.surfaces {
		out = append(out, cloneSurface(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (v transactionView) AdsorbatesBySurface(surfaceID string) []domain.AdsorbateRecord {
	var out []domain.AdsorbateRecord
	for _, a := range v.state.adsorbates {
		if a.SurfaceID == surfaceID {
			out = append(out, cloneAdsorbate(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (v transactionView) ListAdsorbates() []domain.AdsorbateRecord {
	out := make([]domain.AdsorbateRecord, 0, len(v.state.adsorbates))
	for _, a := range v.state.adsorbates {
		out = append(out, cloneAdsorbate(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (v transactionView) SubmissionsByComposition(formula string) []domain.Submission {
	var out []domain.Submission
	for _, s := range v.state.submissions {
		if s.CompositionKey == formula {
			out = append(out, cloneSubmission(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (v transactionView) ListSubmissions() []domain.Submission {
	out := make([]domain.Submission, 0, len(v.state.submissions))
	for _, s := range v.state.submissions {
		out = append(out, cloneSubmission(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
