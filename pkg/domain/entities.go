// Package domain defines the persistent entities, value types, and rule
// evaluation primitives used by uvsib.
package domain

import "time"

// EntityType identifies the type of record stored in the core domain.
type EntityType string

// Supported entity type identifiers used in Change records and persistence buckets.
const (
	// EntityComposition identifies a composition record.
	EntityComposition EntityType = "composition"
	// EntitySubsystem identifies a chemical subsystem record.
	EntitySubsystem EntityType = "chemical_subsystem"
	// EntityCandidate identifies a candidate structure record.
	EntityCandidate EntityType = "candidate"
	// EntityVersion identifies a scored candidate version record.
	EntityVersion EntityType = "candidate_version"
	// EntitySurface identifies a derived surface record.
	EntitySurface EntityType = "surface"
	// EntityAdsorbate identifies a derived adsorbate record.
	EntityAdsorbate EntityType = "adsorbate"
	// EntitySubmission identifies an intake submission record.
	EntitySubmission EntityType = "submission"
)

// CompositionStatus represents the overall pipeline state of a composition.
type CompositionStatus string

// Canonical composition statuses.
const (
	CompositionCreated CompositionStatus = "Created"
	CompositionRunning CompositionStatus = "Running"
	CompositionDone    CompositionStatus = "Done"
	CompositionFailed  CompositionStatus = "Failed"
)

// StepStatus represents the state of one pipeline stage for a composition.
type StepStatus string

// Canonical per-stage statuses.
const (
	StepPending StepStatus = "Pending"
	StepRunning StepStatus = "Running"
	StepDone    StepStatus = "Done"
	StepFailed  StepStatus = "Failed"
)

// Stage names one phase of the per-composition pipeline.
type Stage string

// Pipeline stages in execution order.
const (
	StagePDML           Stage = "pd_ml"
	StagePDVerification Stage = "pd_verification"
	StageBandAlignment  Stage = "band_alignment"
	StageSurfaceBuilder Stage = "surface_builder"
	StageAdsorbates     Stage = "adsorbates"
)

// Stages returns the pipeline stages in execution order.
func Stages() []Stage {
	return []Stage{
		StagePDML,
		StagePDVerification,
		StageBandAlignment,
		StageSurfaceBuilder,
		StageAdsorbates,
	}
}

// ConflictPolicy selects how AppendVersion resolves an existing
// (candidate, method) version.
type ConflictPolicy string

// Version conflict resolution policies.
const (
	// OnConflictError rejects the append with a DuplicateVersionError.
	OnConflictError ConflictPolicy = "error"
	// OnConflictIgnore keeps the existing version untouched.
	OnConflictIgnore ConflictPolicy = "ignore"
	// OnConflictOverride replaces the existing version payload in place.
	OnConflictOverride ConflictPolicy = "override"
)

// Base contains common fields for all domain records.
type Base struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Composition is one unit of pipeline work, identified by a reduced chemical
// formula. It is created on first intake and mutated only by the orchestrator.
type Composition struct {
	Base
	Formula    string               `json:"formula"`
	Status     CompositionStatus    `json:"status"`
	StepStatus map[Stage]StepStatus `json:"step_status"`
	StableRefs []string             `json:"stable_refs"`
	Attributes map[string]any       `json:"attributes,omitempty"`
}

// StageState returns the recorded status for a stage, defaulting to Pending.
func (c Composition) StageState(stage Stage) StepStatus {
	if s, ok := c.StepStatus[stage]; ok {
		return s
	}
	return StepPending
}

// ChemicalSubsystem is a sub-formula shared by potentially many compositions.
// Generation of its candidates is funded once; readiness is monotone.
type ChemicalSubsystem struct {
	Base
	Key   string `json:"key"`
	Model string `json:"model,omitempty"`
	Ready bool   `json:"ready"`
}

// Candidate is one structural record with one or more scored versions,
// each tagged by the method that produced it.
type Candidate struct {
	Base
	CompositionKey string             `json:"composition_key"`
	ChemsysKey     string             `json:"chemsys_key"`
	Attributes     map[string]any     `json:"attributes,omitempty"`
	Versions       map[string]Version `json:"versions"`
}

// Version is a scored snapshot of a candidate produced by one method.
// At most one version exists per (candidate, method).
type Version struct {
	Method     string         `json:"method"`
	Source     string         `json:"source,omitempty"`
	Structure  Structure      `json:"structure"`
	Energy     *float64       `json:"energy,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// SurfaceRecord is a slab derived from a parent candidate.
type SurfaceRecord struct {
	Base
	CandidateID string         `json:"candidate_id"`
	Slab        Structure      `json:"slab"`
	Energy      *float64       `json:"energy,omitempty"`
	Attributes  map[string]any `json:"attributes,omitempty"`
}

// AdsorbateRecord is an adsorption result derived from a surface.
type AdsorbateRecord struct {
	Base
	SurfaceID  string         `json:"surface_id"`
	Reaction   string         `json:"reaction"`
	Adsorbate  string         `json:"adsorbate"`
	Structure  Structure      `json:"structure"`
	Energy     float64        `json:"energy"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Submission mirrors one intake request and its observed pipeline status.
type Submission struct {
	Base
	Requester      string               `json:"requester"`
	CompositionKey string               `json:"composition_key"`
	Model          string               `json:"model"`
	Reaction       string               `json:"reaction"`
	Status         CompositionStatus    `json:"status"`
	StepStatus     map[Stage]StepStatus `json:"step_status,omitempty"`
}

// SubmissionRequest is one intake-queue item as received from the frontend.
type SubmissionRequest struct {
	Requester string `json:"requester"`
	Formula   string `json:"formula"`
	Model     string `json:"model"`
	Reaction  string `json:"reaction"`
	Retry     bool   `json:"retry"`
}
