package core

import "github.com/hmhoseini/uvsib/pkg/domain"

// Aliases keep call sites in this package terse while the canonical
// definitions live in pkg/domain.
type (
	Composition       = domain.Composition
	ChemicalSubsystem = domain.ChemicalSubsystem
	Candidate         = domain.Candidate
	Version           = domain.Version
	SurfaceRecord     = domain.SurfaceRecord
	AdsorbateRecord   = domain.AdsorbateRecord
	Submission        = domain.Submission
	ConflictPolicy    = domain.ConflictPolicy
	Result            = domain.Result
	RulesEngine       = domain.RulesEngine
	Transaction       = domain.Transaction
	TransactionView   = domain.TransactionView
	PersistentStore   = domain.PersistentStore
)

// NewRulesEngine builds the engine with the pipeline invariants registered.
func NewRulesEngine() *RulesEngine {
	engine := domain.NewRulesEngine()
	engine.Register(StageMonotonicRule())
	engine.Register(SubsystemReadinessRule())
	return engine
}
