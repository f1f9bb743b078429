package core

import (
	"context"
	"fmt"

	"labflow/pkg/domain"
)

const requestInvariantRuleName = "request_invariants"

// RequestInvariantRule enforces the field-level invariants of a test request:
// assignee, report reference and completion date track the status, stage
// fields only appear from their stage onward, identity and urgency are
// immutable and every update bumps the version by exactly one.
func RequestInvariantRule() domain.Rule {
	return requestInvariantRule{}
}

type requestInvariantRule struct{}

func (requestInvariantRule) Name() string { return requestInvariantRuleName }

func (r requestInvariantRule) Evaluate(_ context.Context, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		if change.Entity != domain.EntityTestRequest {
			continue
		}
		after, ok := domain.DecodeChangePayload[domain.TestRequest](change.After)
		if !ok {
			continue
		}
		var msgs []string
		msgs = append(msgs, stateInvariants(after)...)
		if before, ok := domain.DecodeChangePayload[domain.TestRequest](change.Before); ok {
			msgs = append(msgs, updateInvariants(before, after)...)
		} else if after.Version != 0 {
			msgs = append(msgs, fmt.Sprintf("new test request must start at version 0, got %d", after.Version))
		}
		for _, msg := range msgs {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     requestInvariantRuleName,
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("test request %s: %s", after.ID, msg),
				Entity:   domain.EntityTestRequest,
				EntityID: after.ID,
			})
		}
	}
	return res, nil
}

func stateInvariants(req domain.TestRequest) []string {
	var msgs []string
	if !req.Urgency.Valid() {
		msgs = append(msgs, fmt.Sprintf("invalid urgency %q", req.Urgency))
	}
	if (req.CompletedDate != nil) != (req.Status == domain.StatusCompleted) {
		msgs = append(msgs, "completedDate must be set exactly when Completed")
	}
	if (req.AssignedLabStaffID != "") != req.Status.HasAssignee() {
		msgs = append(msgs, fmt.Sprintf("assignee presence does not match status %s", req.Status))
	}
	if (req.ReportArtifactRef != "") != req.Status.HasReport() {
		msgs = append(msgs, fmt.Sprintf("report artifact presence does not match status %s", req.Status))
	}
	// Stage fields recorded before a cancel stay as history.
	if req.Status == domain.StatusCancelled {
		return msgs
	}
	if hasCollectionFields(req) && !req.Status.AtLeast(domain.StatusSampleCollectionScheduled) {
		msgs = append(msgs, "sample collection fields set before collection was scheduled")
	}
	if hasTestingFields(req) && !req.Status.AtLeast(domain.StatusInLabTesting) {
		msgs = append(msgs, "testing fields set before lab testing started")
	}
	if hasReportingFields(req) && !req.Status.AtLeast(domain.StatusReportGenerated) {
		msgs = append(msgs, "reporting fields set before the report was generated")
	}
	return msgs
}

func updateInvariants(before, after domain.TestRequest) []string {
	var msgs []string
	if before.ID != after.ID {
		msgs = append(msgs, "id is immutable")
	}
	if !before.CreatedAt.Equal(after.CreatedAt) {
		msgs = append(msgs, "createdAt is immutable")
	}
	if before.Urgency != after.Urgency {
		msgs = append(msgs, "urgency is immutable")
	}
	if before.PatientID != after.PatientID || before.DoctorID != after.DoctorID || before.CenterID != after.CenterID {
		msgs = append(msgs, "ownership references are immutable")
	}
	if after.Version != before.Version+1 {
		msgs = append(msgs, fmt.Sprintf("version must advance from %d to %d, got %d", before.Version, before.Version+1, after.Version))
	}
	return msgs
}

func hasCollectionFields(r domain.TestRequest) bool {
	c := r.SampleCollection
	return c.SampleCollectorName != "" || c.SampleCollectionScheduledDate != nil ||
		c.SampleCollectionActualDate != nil || c.SampleCollectionNotes != ""
}

func hasTestingFields(r domain.TestRequest) bool {
	t := r.Testing
	return t.LabTechnicianName != "" || t.TestingStartDate != nil || t.TestingEndDate != nil ||
		t.TestingNotes != "" || t.TestResults != "" || t.ResultDetails != ""
}

func hasReportingFields(r domain.TestRequest) bool {
	p := r.Reporting
	return p.ReportGeneratedByName != "" || p.ReportGeneratedDate != nil || p.ReportNotes != ""
}
