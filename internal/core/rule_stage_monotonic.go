package core

import (
	"context"
	"fmt"

	"github.com/hmhoseini/uvsib/pkg/domain"
)

// StageMonotonicRule blocks updates that revert a completed pipeline stage. A
// stage that reached Done stays Done for the life of the composition; Failed
// stages may move back to Running when a submission is retried.
func StageMonotonicRule() domain.Rule {
	return stageMonotonicRule{}
}

type stageMonotonicRule struct{}

func (stageMonotonicRule) Name() string { return "stage_monotonic" }

func (stageMonotonicRule) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	var result domain.Result
	for _, change := range changes {
		if change.Entity != domain.EntityComposition || change.Action != domain.ActionUpdate {
			continue
		}
		before, okBefore := change.Before.(domain.Composition)
		after, okAfter := change.After.(domain.Composition)
		if !okBefore || !okAfter {
			continue
		}
		for _, stage := range domain.Stages() {
			if before.StageState(stage) == domain.StepDone && after.StageState(stage) != domain.StepDone {
				result.Violations = append(result.Violations, domain.Violation{
					Rule:     "stage_monotonic",
					Severity: domain.SeverityBlock,
					Message:  fmt.Sprintf("stage %s of composition %s is done and cannot revert to %s", stage, after.Formula, after.StageState(stage)),
					Entity:   domain.EntityComposition,
					EntityID: after.ID,
				})
			}
		}
	}
	return result, nil
}
