package domain

import "context"

// Transaction exposes the domain operations that a persistence implementation
// must support within an atomic scope.
type Transaction interface {
	Snapshot() TransactionView
	UpsertComposition(Composition) (Composition, error)
	UpdateComposition(formula string, mutator func(*Composition) error) (Composition, error)
	CreateSubsystem(ChemicalSubsystem) (ChemicalSubsystem, error)
	MarkSubsystemReady(key string) (ChemicalSubsystem, error)
	DeleteSubsystem(key string) error
	CreateCandidate(Candidate) (Candidate, error)
	AppendVersion(candidateID string, version Version, policy ConflictPolicy) (Version, error)
	DeleteCandidate(id string) error
	CreateSurface(SurfaceRecord) (SurfaceRecord, error)
	CreateAdsorbate(AdsorbateRecord) (AdsorbateRecord, error)
	CreateSubmission(Submission) (Submission, error)
	UpdateSubmission(id string, mutator func(*Submission) error) (Submission, error)
	FindComposition(formula string) (Composition, bool)
	FindSubsystem(key string) (ChemicalSubsystem, bool)
}

// TransactionView provides read-only access to snapshot data for rules and
// stage input selection.
type TransactionView interface {
	FindComposition(formula string) (Composition, bool)
	ListCompositions() []Composition
	FindSubsystem(key string) (ChemicalSubsystem, bool)
	ListSubsystems() []ChemicalSubsystem
	FindCandidate(id string) (Candidate, bool)
	ListCandidates() []Candidate
	CandidatesByComposition(formula string) []Candidate
	CandidatesByChemsys(keys []string) []Candidate
	FindSurface(id string) (SurfaceRecord, bool)
	SurfacesByCandidate(candidateID string) []SurfaceRecord
	ListSurfaces() []SurfaceRecord
	AdsorbatesBySurface(surfaceID string) []AdsorbateRecord
	ListAdsorbates() []AdsorbateRecord
	SubmissionsByComposition(formula string) []Submission
	ListSubmissions() []Submission
}

// PersistentStore is a minimal abstraction over durable backends. It mirrors
// the subset of store capabilities used directly by higher layers.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
}
