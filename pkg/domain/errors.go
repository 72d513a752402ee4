package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrStoreUnavailable indicates the persistence layer is unreachable.
var ErrStoreUnavailable = errors.New("store unavailable")

// ErrNotFound reports a missing entity.
type ErrNotFound struct {
	Entity EntityType
	ID     string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

// DuplicateVersionError is returned when appending a version for a
// (candidate, method) pair that already exists under OnConflictError.
type DuplicateVersionError struct {
	CandidateID string
	Method      string
}

func (e DuplicateVersionError) Error() string {
	return fmt.Sprintf("candidate %q already has a %q version", e.CandidateID, e.Method)
}

// DependencyTimeoutError is returned when a cross-composition wait on
// chemical subsystem readiness exceeds its budget.
type DependencyTimeoutError struct {
	Formula string
	Missing []string
	Waited  time.Duration
}

func (e DependencyTimeoutError) Error() string {
	return fmt.Sprintf("composition %q: subsystems %v not ready after %s", e.Formula, e.Missing, e.Waited)
}

// StageFailureError is returned when a stage's fan-out exceeds the tolerated
// failure ratio, or when no job succeeded at all.
type StageFailureError struct {
	Stage  Stage
	Failed int
	Total  int
}

// Code returns the coarse failure code surfaced on the composition row.
func (e StageFailureError) Code() string { return "ERROR_CALCULATION_FAILED" }

func (e StageFailureError) Error() string {
	return fmt.Sprintf("stage %s: %d of %d jobs failed", e.Stage, e.Failed, e.Total)
}

// NoCandidatesError is returned when a stage has nothing to act on.
type NoCandidatesError struct {
	Stage   Stage
	Formula string
}

func (e NoCandidatesError) Error() string {
	return fmt.Sprintf("stage %s: no candidates found for %q", e.Stage, e.Formula)
}
