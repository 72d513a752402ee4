// Package pipeline drives the per-composition stage state machine: fan-out of
// asynchronous solver jobs, fan-in with bounded failure tolerance, candidate
// reduction at stage boundaries, and persisted progress after every
// transition.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/hmhoseini/uvsib/pkg/domain"
)

// JobKind identifies the solver behavior a job executes.
type JobKind string

// Job kinds dispatched by the stage runners.
const (
	JobCSPSampling         JobKind = "csp_sampling"
	JobSubsystemGeneration JobKind = "subsystem_generation"
	JobMLRelaxation        JobKind = "ml_relaxation"
	JobMinimaHopping       JobKind = "minima_hopping"
	JobVerification        JobKind = "verification"
	JobBandAlignment       JobKind = "band_alignment"
	JobSurfaceBuild        JobKind = "surface_build"
	JobAdsorbateScreen     JobKind = "adsorbate_screening"
)

// JobSpec is the opaque, stage-defined payload handed to the executor. Only
// the fields relevant to the job kind are populated.
type JobSpec struct {
	Kind        JobKind
	Formula     string
	ChemsysKey  string
	CandidateID string
	SurfaceID   string
	Model       string
	Reaction    string
	Structures  []domain.Structure
	Parameters  map[string]any
}

// JobStatus is the terminal or in-flight state of a submitted job.
type JobStatus string

// Poll statuses.
const (
	JobRunning   JobStatus = "Running"
	JobSucceeded JobStatus = "Succeeded"
	JobFailed    JobStatus = "Failed"
)

// Artifacts carries a finished job's stage-defined output payload.
type Artifacts struct {
	Structures []domain.Structure
	Energies   []float64
	BandGap    *float64
	Labels     []string
	Raw        []byte
	Attributes map[string]any
}

// JobHandle references a submitted job for later polling.
type JobHandle struct {
	ID   string
	Kind JobKind
}

// JobResult is the polled state of a job. Artifacts are meaningful only once
// Status is JobSucceeded.
type JobResult struct {
	Status    JobStatus
	Artifacts Artifacts
	Err       string
}

// Executor is the asynchronous external job runner. Submissions are
// at-least-once: a submitted job is never silently lost, but callers must
// poll for completion. Jobs may take minutes to days.
type Executor interface {
	Submit(ctx context.Context, spec JobSpec) (JobHandle, error)
	Poll(ctx context.Context, handle JobHandle) (JobResult, error)
}

// Await polls the handle until it reaches a terminal status, sleeping
// interval between polls. The context bounds the wait.
func Await(ctx context.Context, exec Executor, handle JobHandle, interval time.Duration) (JobResult, error) {
	if interval <= 0 {
		interval = time.Second
	}
	for {
		result, err := exec.Poll(ctx, handle)
		if err != nil {
			return JobResult{}, fmt.Errorf("poll job %s: %w", handle.ID, err)
		}
		if result.Status != JobRunning {
			return result, nil
		}
		select {
		case <-ctx.Done():
			return JobResult{}, ctx.Err()
		case <-time.After(interval):
		}
	}
}
