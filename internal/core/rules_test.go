package core

import (
	"context"
	"errors"
	"testing"

	"github.com/hmhoseini/uvsib/pkg/domain"
)

func TestStageMonotonicRuleBlocksRegression(t *testing.T) {
	service := NewInMemoryService(NewRulesEngine())
	ctx := context.Background()

	if _, _, err := service.UpsertComposition(ctx, Composition{Formula: "O2Ti"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, _, err := service.UpdateComposition(ctx, "O2Ti", func(c *Composition) error {
		c.StepStatus[domain.StagePDML] = domain.StepDone
		return nil
	}); err != nil {
		t.Fatalf("mark done: %v", err)
	}

	_, _, err := service.UpdateComposition(ctx, "O2Ti", func(c *Composition) error {
		c.StepStatus[domain.StagePDML] = domain.StepRunning
		return nil
	})
	var violation domain.RuleViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("expected rule violation, got %v", err)
	}
	if !violation.Result.HasBlocking() {
		t.Fatal("expected blocking violation")
	}

	// The blocked transaction must not have committed.
	stored, ok, err := service.FindComposition(ctx, "O2Ti")
	if err != nil || !ok {
		t.Fatalf("find: %v", err)
	}
	if stored.StageState(domain.StagePDML) != domain.StepDone {
		t.Fatalf("blocked update leaked: %q", stored.StageState(domain.StagePDML))
	}
}

func TestStageMonotonicRuleAllowsFailedRetry(t *testing.T) {
	service := NewInMemoryService(NewRulesEngine())
	ctx := context.Background()

	if _, _, err := service.UpsertComposition(ctx, Composition{Formula: "O2Ti"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, _, err := service.UpdateComposition(ctx, "O2Ti", func(c *Composition) error {
		c.StepStatus[domain.StagePDML] = domain.StepFailed
		return nil
	}); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	// Failed stages move back to Running on retry.
	if _, _, err := service.UpdateComposition(ctx, "O2Ti", func(c *Composition) error {
		c.StepStatus[domain.StagePDML] = domain.StepRunning
		return nil
	}); err != nil {
		t.Fatalf("retry transition blocked: %v", err)
	}
}

func TestSubsystemReadinessRuleBlocksRevert(t *testing.T) {
	rule := SubsystemReadinessRule()
	before := domain.ChemicalSubsystem{Key: "O-Ti", Ready: true}
	after := domain.ChemicalSubsystem{Key: "O-Ti", Ready: false}
	result, err := rule.Evaluate(context.Background(), nil, []domain.Change{{
		Entity: domain.EntitySubsystem,
		Action: domain.ActionUpdate,
		Before: before,
		After:  after,
	}})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !result.HasBlocking() {
		t.Fatal("expected readiness revert to block")
	}

	// Forward transitions pass.
	result, err = rule.Evaluate(context.Background(), nil, []domain.Change{{
		Entity: domain.EntitySubsystem,
		Action: domain.ActionUpdate,
		Before: after,
		After:  before,
	}})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.HasBlocking() {
		t.Fatal("forward transition must not block")
	}
}
