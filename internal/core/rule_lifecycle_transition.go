package core

import (
	"context"
	"fmt"

	"labflow/pkg/domain"
)

const lifecycleTransitionRuleName = "lifecycle_transition"

// LifecycleTransitionRule blocks unknown states and any status change that is
// not an edge of the lifecycle graph, including moves out of terminal states.
func LifecycleTransitionRule() domain.Rule {
	return lifecycleTransitionRule{}
}

type lifecycleTransitionRule struct{}

func (lifecycleTransitionRule) Name() string { return lifecycleTransitionRuleName }

func (lifecycleTransitionRule) Evaluate(_ context.Context, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		if change.Entity != domain.EntityTestRequest {
			continue
		}
		after, hasAfter := domain.DecodeChangePayload[domain.TestRequest](change.After)
		if hasAfter && !after.Status.Valid() {
			res.Violations = append(res.Violations, transitionViolation(after.ID,
				fmt.Sprintf("test request %s is set to invalid state %q", after.ID, after.Status)))
			continue
		}

		before, hasBefore := domain.DecodeChangePayload[domain.TestRequest](change.Before)
		switch {
		case !hasBefore && hasAfter:
			if after.Status != domain.StatusPending {
				res.Violations = append(res.Violations, transitionViolation(after.ID,
					fmt.Sprintf("test request %s must be created as %s, got %s", after.ID, domain.StatusPending, after.Status)))
			}
		case hasBefore && hasAfter:
			if before.Status == after.Status || domain.IsEdge(before.Status, after.Status) {
				continue
			}
			msg := fmt.Sprintf("cannot move test request %s from %s to %s", before.ID, before.Status, after.Status)
			if before.Status.IsTerminal() {
				msg = fmt.Sprintf("cannot move test request %s from terminal state %s to %s", before.ID, before.Status, after.Status)
			}
			res.Violations = append(res.Violations, transitionViolation(after.ID, msg))
		case hasBefore && !hasAfter:
			if !domain.CanDelete(before.Status) {
				res.Violations = append(res.Violations, transitionViolation(before.ID,
					fmt.Sprintf("cannot delete test request %s in state %s", before.ID, before.Status)))
			}
		}
	}
	return res, nil
}

func transitionViolation(id, msg string) domain.Violation {
	return domain.Violation{
		Rule:     lifecycleTransitionRuleName,
		Severity: domain.SeverityBlock,
		Message:  msg,
		Entity:   domain.EntityTestRequest,
		EntityID: id,
	}
}
