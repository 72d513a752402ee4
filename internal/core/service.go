package core

import (
	"context"
	"time"

	"github.com/hmhoseini/uvsib/internal/infra/persistence/memory"
	"github.com/hmhoseini/uvsib/internal/logging"
)

// Service exposes higher-level transactional operations over the record store.
// All writes run through RunInTransaction so the rules engine sees every
// mutation and durable backends snapshot after each commit.
type Service struct {
	store   PersistentStore
	logger  logging.Logger
	metrics MetricsRecorder
}

// ServiceOption customizes service construction.
type ServiceOption func(*Service)

// WithLogger attaches a structured logger.
func WithLogger(logger logging.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetricsRecorder attaches an operation metrics recorder.
func WithMetricsRecorder(rec MetricsRecorder) ServiceOption {
	return func(s *Service) {
		if rec != nil {
			s.metrics = rec
		}
	}
}

// NewService constructs a service backed by the supplied store.
func NewService(store PersistentStore, opts ...ServiceOption) *Service {
	s := &Service{
		store:   store,
		logger:  logging.NoOpLogger{},
		metrics: NoopMetricsRecorder{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewInMemoryService creates a service over a fresh in-memory store with the
// given rules engine.
func NewInMemoryService(engine *RulesEngine, opts ...ServiceOption) *Service {
	return NewService(memory.NewStore(engine), opts...)
}

// Store returns the underlying storage implementation.
func (s *Service) Store() PersistentStore {
	return s.store
}

func (s *Service) observe(ctx context.Context, op string, start time.Time, err error) {
	elapsed := time.Since(start)
	s.metrics.Observe(ctx, op, err == nil, elapsed)
	if err != nil {
		s.logger.Error("store operation failed", "operation", op, "error", err, "duration", elapsed)
		return
	}
	s.logger.Debug("store operation completed", "operation", op, "duration", elapsed)
}

// UpsertComposition creates the composition row if absent and returns the
// stored row either way.
func (s *Service) UpsertComposition(ctx context.Context, composition Composition) (Composition, Result, error) {
	start := time.Now()
	var stored Composition
	res, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
		var err error
		stored, err = tx.UpsertComposition(composition)
		return err
	})
	s.observe(ctx, "upsert_composition", start, err)
	return stored, res, err
}

// UpdateComposition applies the mutator to an existing composition row.
func (s *Service) UpdateComposition(ctx context.Context, formula string, mutator func(*Composition) error) (Composition, Result, error) {
	start := time.Now()
	var updated Composition
	res, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
		var err error
		updated, err = tx.UpdateComposition(formula, mutator)
		return err
	})
	s.observe(ctx, "update_composition", start, err)
	return updated, res, err
}

// CreateSubsystem registers a chemical subsystem row. Creating an existing
// key returns the stored row unchanged, so racing generators are idempotent.
func (s *Service) CreateSubsystem(ctx context.Context, subsystem ChemicalSubsystem) (ChemicalSubsystem, Result, error) {
	start := time.Now()
	var created ChemicalSubsystem
	res, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
		var err error
		created, err = tx.CreateSubsystem(subsystem)
		return err
	})
	s.observe(ctx, "create_subsystem", start, err)
	return created, res, err
}

// MarkSubsystemReady flips a subsystem to ready. Marking an already-ready
// subsystem is a no-op.
func (s *Service) MarkSubsystemReady(ctx context.Context, key string) (ChemicalSubsystem, Result, error) {
	start := time.Now()
	var marked ChemicalSubsystem
	res, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
		var err error
		marked, err = tx.MarkSubsystemReady(key)
		return err
	})
	s.observe(ctx, "mark_subsystem_ready", start, err)
	return marked, res, err
}

// DeleteSubsystem removes a subsystem row.
func (s *Service) DeleteSubsystem(ctx context.Context, key string) (Result, error) {
	start := time.Now()
	res, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
		return tx.DeleteSubsystem(key)
	})
	s.observe(ctx, "delete_subsystem", start, err)
	return res, err
}

// CreateCandidate persists a new candidate structure record.
func (s *Service) CreateCandidate(ctx context.Context, candidate Candidate) (Candidate, Result, error) {
	start := time.Now()
	var created Candidate
	res, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
		var err error
		created, err = tx.CreateCandidate(candidate)
		return err
	})
	s.observe(ctx, "create_candidate", start, err)
	return created, res, err
}

// AppendCandidateVersion records a method-tagged structure version under the
// candidate, applying the supplied conflict policy when the method exists.
func (s *Service) AppendCandidateVersion(ctx context.Context, candidateID string, version Version, policy ConflictPolicy) (Version, Result, error) {
	start := time.Now()
	var stored Version
	res, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
		var err error
		stored, err = tx.AppendVersion(candidateID, version, policy)
		return err
	})
	s.observe(ctx, "append_candidate_version", start, err)
	return stored, res, err
}

// DeleteCandidate removes a candidate and cascades to its surfaces and
// adsorbates.
func (s *Service) DeleteCandidate(ctx context.Context, id string) (Result, error) {
	start := time.Now()
	res, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
		return tx.DeleteCandidate(id)
	})
	s.observe(ctx, "delete_candidate", start, err)
	return res, err
}

// CreateSurface persists a surface slab derived from a candidate.
func (s *Service) CreateSurface(ctx context.Context, surface SurfaceRecord) (SurfaceRecord, Result, error) {
	start := time.Now()
	var created SurfaceRecord
	res, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
		var err error
		created, err = tx.CreateSurface(surface)
		return err
	})
	s.observe(ctx, "create_surface", start, err)
	return created, res, err
}

// CreateAdsorbate persists an adsorption geometry derived from a surface.
func (s *Service) CreateAdsorbate(ctx context.Context, adsorbate AdsorbateRecord) (AdsorbateRecord, Result, error) {
	start := time.Now()
	var created AdsorbateRecord
	res, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
		var err error
		created, err = tx.CreateAdsorbate(adsorbate)
		return err
	})
	s.observe(ctx, "create_adsorbate", start, err)
	return created, res, err
}

// CreateSubmission records an accepted intake request.
func (s *Service) CreateSubmission(ctx context.Context, submission Submission) (Submission, Result, error) {
	start := time.Now()
	var created Submission
	res, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
		var err error
		created, err = tx.CreateSubmission(submission)
		return err
	})
	s.observe(ctx, "create_submission", start, err)
	return created, res, err
}

// UpdateSubmission applies the mutator to a stored submission.
func (s *Service) UpdateSubmission(ctx context.Context, id string, mutator func(*Submission) error) (Submission, Result, error) {
	start := time.Now()
	var updated Submission
	res, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
		var err error
		updated, err = tx.UpdateSubmission(id, mutator)
		return err
	})
	s.observe(ctx, "update_submission", start, err)
	return updated, res, err
}

// FindComposition returns a composition row by reduced formula.
func (s *Service) FindComposition(ctx context.Context, formula string) (Composition, bool, error) {
	var (
		found Composition
		ok    bool
	)
	err := s.store.View(ctx, func(view TransactionView) error {
		found, ok = view.FindComposition(formula)
		return nil
	})
	return found, ok, err
}

// FindSubsystem returns a chemical subsystem row by key.
func (s *Service) FindSubsystem(ctx context.Context, key string) (ChemicalSubsystem, bool, error) {
	var (
		found ChemicalSubsystem
		ok    bool
	)
	err := s.store.View(ctx, func(view TransactionView) error {
		found, ok = view.FindSubsystem(key)
		return nil
	})
	return found, ok, err
}

// FindCandidate returns a candidate row by identifier.
func (s *Service) FindCandidate(ctx context.Context, id string) (Candidate, bool, error) {
	var (
		found Candidate
		ok    bool
	)
	err := s.store.View(ctx, func(view TransactionView) error {
		found, ok = view.FindCandidate(id)
		return nil
	})
	return found, ok, err
}

// CandidatesByComposition lists candidates attached to a composition.
func (s *Service) CandidatesByComposition(ctx context.Context, formula string) ([]Candidate, error) {
	var out []Candidate
	err := s.store.View(ctx, func(view TransactionView) error {
		out = view.CandidatesByComposition(formula)
		return nil
	})
	return out, err
}

// CandidatesByChemsys lists candidates across the given subsystem keys.
func (s *Service) CandidatesByChemsys(ctx context.Context, keys []string) ([]Candidate, error) {
	var out []Candidate
	err := s.store.View(ctx, func(view TransactionView) error {
		out = view.CandidatesByChemsys(keys)
		return nil
	})
	return out, err
}

// SurfacesByCandidate lists surface slabs derived from a candidate.
func (s *Service) SurfacesByCandidate(ctx context.Context, candidateID string) ([]SurfaceRecord, error) {
	var out []SurfaceRecord
	err := s.store.View(ctx, func(view TransactionView) error {
		out = view.SurfacesByCandidate(candidateID)
		return nil
	})
	return out, err
}

// AdsorbatesBySurface lists adsorption geometries derived from a surface.
func (s *Service) AdsorbatesBySurface(ctx context.Context, surfaceID string) ([]AdsorbateRecord, error) {
	var out []AdsorbateRecord
	err := s.store.View(ctx, func(view TransactionView) error {
		out = view.AdsorbatesBySurface(surfaceID)
		return nil
	})
	return out, err
}

// SubmissionsByComposition lists submissions recorded against a composition.
func (s *Service) SubmissionsByComposition(ctx context.Context, formula string) ([]Submission, error) {
	var out []Submission
	err := s.store.View(ctx, func(view TransactionView) error {
		out = view.SubmissionsByComposition(formula)
		return nil
	})
	return out, err
}

// ListCompositions lists all composition rows.
func (s *Service) ListCompositions(ctx context.Context) ([]Composition, error) {
	var out []Composition
	err := s.store.View(ctx, func(view TransactionView) error {
		out = view.ListCompositions()
		return nil
	})
	return out, err
}

// ListSubsystems lists all chemical subsystem rows.
func (s *Service) ListSubsystems(ctx context.Context) ([]ChemicalSubsystem, error) {
	var out []ChemicalSubsystem
	err := s.store.View(ctx, func(view TransactionView) error {
		out = view.ListSubsystems()
		return nil
	})
	return out, err
}
