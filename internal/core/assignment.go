package core

import (
	"context"
	"strings"

	"labflow/pkg/domain"
)

// Assign gives a Pending request to a lab staff member. The write is a
// compare-and-set on expectedVersion, so of several racing assigns against
// the same version exactly one wins and the rest get a ConflictError.
// Re-assigning the same staff member while Assigned is a no-op.
func (s *Service) Assign(ctx context.Context, actor domain.Actor, id, labStaffID, labStaffName string, expectedVersion int64) (domain.TestRequest, error) {
	var updated domain.TestRequest
	err := s.run(ctx, "assign_request", actor, AuditEntry{EntityID: id, To: domain.StatusAssigned}, func(ctx context.Context, entry *AuditEntry) error {
		if strings.TrimSpace(labStaffID) == "" {
			return domain.ValidationError{Field: "labStaffId", Message: "required"}
		}
		current, err := s.loadVisible(ctx, actor, id)
		if err != nil {
			return err
		}
		entry.From = current.Status
		if done, err := checkAssignable(current, labStaffID); done || err != nil {
			updated = current
			entry.Version = current.Version
			return err
		}
		if err := domain.ValidateTransition(current.Status, domain.StatusAssigned, actor.Role); err != nil {
			return err
		}
		updated, err = s.update(ctx, id, expectedVersion, func(r *domain.TestRequest) error {
			if _, err := checkAssignable(*r, labStaffID); err != nil {
				return err
			}
			if r.Status != domain.StatusPending {
				return domain.TransitionError{From: r.Status, To: domain.StatusAssigned}
			}
			r.AssignedLabStaffID = labStaffID
			r.AssignedLabStaffName = labStaffName
			r.Status = domain.StatusAssigned
			r.UpdatedAt = s.clock.Now().UTC()
			return nil
		})
		entry.Version = updated.Version
		return err
	})
	return updated, err
}

// checkAssignable reports done=true when req is already Assigned to
// labStaffID, and a ConflictError when someone else holds it.
func checkAssignable(req domain.TestRequest, labStaffID string) (bool, error) {
	if req.AssignedLabStaffID == "" || req.Status == domain.StatusPending {
		return false, nil
	}
	if req.AssignedLabStaffID != labStaffID {
		return false, domain.ConflictError{ID: req.ID, ExpectedVersion: req.Version, ActualVersion: req.Version, Reason: domain.ConflictAlreadyAssigned}
	}
	return req.Status == domain.StatusAssigned, nil
}

// Reassign replaces the assignee of a request between Assigned and
// Testing_Completed without changing its status.
func (s *Service) Reassign(ctx context.Context, actor domain.Actor, id, labStaffID, labStaffName string, expectedVersion int64) (domain.TestRequest, error) {
	var updated domain.TestRequest
	err := s.run(ctx, "reassign_request", actor, AuditEntry{EntityID: id}, func(ctx context.Context, entry *AuditEntry) error {
		if err := domain.AuthorizeReassign(actor.Role); err != nil {
			return err
		}
		if strings.TrimSpace(labStaffID) == "" {
			return domain.ValidationError{Field: "labStaffId", Message: "required"}
		}
		current, err := s.loadVisible(ctx, actor, id)
		if err != nil {
			return err
		}
		entry.From, entry.To = current.Status, current.Status
		if err := checkReassignable(current.Status); err != nil {
			return err
		}
		updated, err = s.update(ctx, id, expectedVersion, func(r *domain.TestRequest) error {
			if err := checkReassignable(r.Status); err != nil {
				return err
			}
			r.AssignedLabStaffID = labStaffID
			r.AssignedLabStaffName = labStaffName
			r.UpdatedAt = s.clock.Now().UTC()
			return nil
		})
		entry.Version = updated.Version
		return err
	})
	return updated, err
}

func checkReassignable(status domain.Status) error {
	if status.AtLeast(domain.StatusAssigned) && !status.AtLeast(domain.StatusReportGenerated) {
		return nil
	}
	return domain.TransitionError{From: status, To: status, Reason: "reassignment only allowed from Assigned to Testing_Completed"}
}
