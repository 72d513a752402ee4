// Package intake accepts submission requests, deduplicates them against
// existing pipeline state, and bounds the number of concurrently running
// orchestrators.
package intake

import (
	"context"
	"fmt"
	"sync"

	"github.com/hmhoseini/uvsib/internal/chem"
	"github.com/hmhoseini/uvsib/internal/core"
	"github.com/hmhoseini/uvsib/internal/logging"
	"github.com/hmhoseini/uvsib/internal/pipeline"
	"github.com/hmhoseini/uvsib/pkg/domain"
)

// Runner starts one pipeline run. Satisfied by *pipeline.Orchestrator.
type Runner interface {
	Run(ctx context.Context, run pipeline.Run) error
}

type task struct {
	run pipeline.Run
}

// Controller processes intake requests. Accepted requests are queued and
// executed by a fixed pool of workers, which is what bounds the number of
// concurrently active orchestrator instances.
type Controller struct {
	service *core.Service
	runner  Runner
	logger  logging.Logger
	workers int

	queue  chan task
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]struct{} // formulas queued or running
}

// NewController constructs an intake controller with the given concurrency
// bound.
func NewController(service *core.Service, runner Runner, logger logging.Logger, maxConcurrent int) *Controller {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		service:  service,
		runner:   runner,
		logger:   logger,
		workers:  maxConcurrent,
		queue:    make(chan task, 64),
		ctx:      ctx,
		cancel:   cancel,
		inflight: map[string]struct{}{},
	}
}

// Start launches the worker pool.
func (c *Controller) Start() {
	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go c.loop()
	}
}

// Stop halts the workers and waits for in-flight pipelines to return.
func (c *Controller) Stop(ctx context.Context) error {
	c.cancel()
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) loop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case t := <-c.queue:
			c.process(t)
		}
	}
}

// Submit is fire-and-forget: each request is either queued for orchestration
// or dropped per the dedupe rules. Status is observable only through the
// persistent schema.
func (c *Controller) Submit(ctx context.Context, requests []domain.SubmissionRequest) error {
	for _, request := range requests {
		if err := c.accept(ctx, request); err != nil {
			return err
		}
	}
	return nil
}

// accept applies the intake rules for one request:
//   - a request for a composition currently Running is ignored
//   - a repeat request (same requester and formula) with retry=false for an
//     already-seen composition is ignored
//   - retry=true starts a fresh run, which skips stages already Done
func (c *Controller) accept(ctx context.Context, request domain.SubmissionRequest) error {
	formula, err := chem.ReducedFormula(request.Formula)
	if err != nil {
		c.logger.Warn("rejecting request with invalid formula", "formula", request.Formula, "requester", request.Requester, "error", err)
		return nil
	}

	composition, exists, err := c.service.FindComposition(ctx, formula)
	if err != nil {
		return err
	}
	if !exists {
		composition, _, err = c.service.UpsertComposition(ctx, domain.Composition{Formula: formula})
		if err != nil {
			return fmt.Errorf("create composition: %w", err)
		}
	}
	submissions, err := c.service.SubmissionsByComposition(ctx, formula)
	if err != nil {
		return err
	}
	seen := false
	for _, submission := range submissions {
		if submission.Requester == request.Requester {
			seen = true
			break
		}
	}
	if !seen {
		_, _, err := c.service.CreateSubmission(ctx, domain.Submission{
			Requester:      request.Requester,
			CompositionKey: formula,
			Model:          request.Model,
			Reaction:       request.Reaction,
			Status:         composition.Status,
			StepStatus:     composition.StepStatus,
		})
		if err != nil {
			return fmt.Errorf("record submission: %w", err)
		}
	}

	switch {
	case exists && composition.Status == domain.CompositionRunning:
		c.logger.Info("ignoring request for running composition", "formula", formula, "requester", request.Requester)
		return nil
	case exists && seen && !request.Retry:
		c.logger.Info("ignoring repeat request", "formula", formula, "requester", request.Requester)
		return nil
	}

	// The status check above races with the workers: two requesters can both
	// observe Created before either run starts. The in-flight set guarantees
	// at most one queued or running task per composition.
	if !c.markInflight(formula) {
		c.logger.Info("ignoring request for queued composition", "formula", formula, "requester", request.Requester)
		return nil
	}

	run := pipeline.Run{Formula: formula, Model: request.Model, Reaction: request.Reaction}
	select {
	case c.queue <- task{run: run}:
		c.logger.Info("request queued", "formula", formula, "requester", request.Requester, "retry", request.Retry)
	case <-ctx.Done():
		c.clearInflight(formula)
		return ctx.Err()
	case <-c.ctx.Done():
		c.clearInflight(formula)
		return fmt.Errorf("intake controller stopped")
	}
	return nil
}

// markInflight reserves the composition; it returns false when a task for the
// formula is already queued or running.
func (c *Controller) markInflight(formula string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.inflight[formula]; ok {
		return false
	}
	c.inflight[formula] = struct{}{}
	return true
}

func (c *Controller) clearInflight(formula string) {
	c.mu.Lock()
	delete(c.inflight, formula)
	c.mu.Unlock()
}

func (c *Controller) process(t task) {
	defer c.clearInflight(t.run.Formula)
	if err := c.runner.Run(c.ctx, t.run); err != nil {
		c.logger.Error("pipeline failed", "formula", t.run.Formula, "error", err)
	}
	c.refreshSubmissions(c.ctx, t.run.Formula)
}

// refreshSubmissions copies the composition's observed state onto its mirror
// submission rows.
func (c *Controller) refreshSubmissions(ctx context.Context, formula string) {
	composition, ok, err := c.service.FindComposition(ctx, formula)
	if err != nil || !ok {
		return
	}
	submissions, err := c.service.SubmissionsByComposition(ctx, formula)
	if err != nil {
		return
	}
	for _, submission := range submissions {
		_, _, err := c.service.UpdateSubmission(ctx, submission.ID, func(s *domain.Submission) error {
			s.Status = composition.Status
			s.StepStatus = composition.StepStatus
			return nil
		})
		if err != nil {
			c.logger.Warn("failed to refresh submission", "submission", submission.ID, "error", err)
		}
	}
}
