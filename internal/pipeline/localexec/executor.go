// Package localexec runs solver jobs in-process. Each registered JobFunc
// executes on its own goroutine; callers observe completion by polling, the
// same contract remote batch executors honor.
package localexec

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/hmhoseini/uvsib/internal/pipeline"
)

// JobFunc computes one job's artifacts synchronously.
type JobFunc func(ctx context.Context, spec pipeline.JobSpec) (pipeline.Artifacts, error)

type jobState struct {
	done      bool
	artifacts pipeline.Artifacts
	err       error
}

// Executor dispatches jobs to registered JobFuncs keyed by kind.
type Executor struct {
	mu       sync.RWMutex
	registry map[pipeline.JobKind]JobFunc
	jobs     map[string]*jobState
}

// New returns an executor with an empty registry.
func New() *Executor {
	return &Executor{
		registry: map[pipeline.JobKind]JobFunc{},
		jobs:     map[string]*jobState{},
	}
}

// Register installs the runner for a job kind, replacing any previous one.
func (e *Executor) Register(kind pipeline.JobKind, fn JobFunc) {
	e.mu.Lock()
	e.registry[kind] = fn
	e.mu.Unlock()
}

// Submit launches the job asynchronously and returns its handle.
func (e *Executor) Submit(ctx context.Context, spec pipeline.JobSpec) (pipeline.JobHandle, error) {
	e.mu.Lock()
	fn, ok := e.registry[spec.Kind]
	if !ok {
		e.mu.Unlock()
		return pipeline.JobHandle{}, fmt.Errorf("no runner registered for job kind %q", spec.Kind)
	}
	handle := pipeline.JobHandle{ID: uuid.NewString(), Kind: spec.Kind}
	state := &jobState{}
	e.jobs[handle.ID] = state
	e.mu.Unlock()

	go func() {
		artifacts, err := fn(ctx, spec)
		e.mu.Lock()
		state.done = true
		state.artifacts = artifacts
		state.err = err
		e.mu.Unlock()
	}()
	return handle, nil
}

// Poll reports the job's current state.
func (e *Executor) Poll(_ context.Context, handle pipeline.JobHandle) (pipeline.JobResult, error) {
	e.mu.RLock()
	state, ok := e.jobs[handle.ID]
	e.mu.RUnlock()
	if !ok {
		return pipeline.JobResult{}, fmt.Errorf("unknown job handle %q", handle.ID)
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !state.done {
		return pipeline.JobResult{Status: pipeline.JobRunning}, nil
	}
	if state.err != nil {
		return pipeline.JobResult{Status: pipeline.JobFailed, Err: state.err.Error()}, nil
	}
	return pipeline.JobResult{Status: pipeline.JobSucceeded, Artifacts: state.artifacts}, nil
}
