package core

import (
	"context"
	"fmt"

	"github.com/hmhoseini/uvsib/pkg/domain"
)

// SubsystemReadinessRule blocks updates that flip a ready chemical subsystem
// back to not ready. Readiness is observed concurrently by waiting pipelines,
// so it only ever moves forward.
func SubsystemReadinessRule() domain.Rule {
	return subsystemReadinessRule{}
}

type subsystemReadinessRule struct{}

func (subsystemReadinessRule) Name() string { return "subsystem_readiness" }

func (subsystemReadinessRule) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	var result domain.Result
	for _, change := range changes {
		if change.Entity != domain.EntitySubsystem || change.Action != domain.ActionUpdate {
			continue
		}
		before, okBefore := change.Before.(domain.ChemicalSubsystem)
		after, okAfter := change.After.(domain.ChemicalSubsystem)
		if !okBefore || !okAfter {
			continue
		}
		if before.Ready && !after.Ready {
			result.Violations = append(result.Violations, domain.Violation{
				Rule:     "subsystem_readiness",
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("chemical subsystem %s is ready and cannot revert", after.Key),
				Entity:   domain.EntitySubsystem,
				EntityID: after.ID,
			})
		}
	}
	return result, nil
}
