package core

import (
	"context"
	"sort"
	"time"

	"labflow/pkg/domain"
)

// PendingForRole lists the non-terminal requests whose next forward step the
// actor's role may drive, most urgent and oldest first.
func (s *Service) PendingForRole(ctx context.Context, actor domain.Actor) ([]domain.TestRequest, error) {
	var out []domain.TestRequest
	err := s.run(ctx, "pending_for_role", actor, AuditEntry{}, func(ctx context.Context, _ *AuditEntry) error {
		sources := domain.NextStatusesFor(actor.Role)
		if len(sources) == 0 {
			out = []domain.TestRequest{}
			return nil
		}
		filter, ok := scopeFilter(actor, domain.RequestFilter{Statuses: sources})
		if !ok {
			out = []domain.TestRequest{}
			return nil
		}
		var err error
		out, err = s.store.Query(ctx, filter)
		if err != nil {
			return err
		}
		domain.SortForTriage(out)
		return nil
	})
	return out, err
}

// CompletedInRange lists Completed requests with completedDate in [from, to),
// oldest completion first.
func (s *Service) CompletedInRange(ctx context.Context, actor domain.Actor, from, to time.Time) ([]domain.TestRequest, error) {
	var out []domain.TestRequest
	err := s.run(ctx, "completed_in_range", actor, AuditEntry{}, func(ctx context.Context, _ *AuditEntry) error {
		if !from.Before(to) {
			return domain.ValidationError{Field: "from", Message: "must be before to"}
		}
		filter, ok := scopeFilter(actor, domain.RequestFilter{
			Statuses:      []domain.Status{domain.StatusCompleted},
			CompletedFrom: &from,
			CompletedTo:   &to,
		})
		if !ok {
			out = []domain.TestRequest{}
			return nil
		}
		var err error
		out, err = s.store.Query(ctx, filter)
		if err != nil {
			return err
		}
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].CompletedDate.Before(*out[j].CompletedDate)
		})
		return nil
	})
	return out, err
}

// CountsByStatusAndUrgency tallies the requests visible to actor.
func (s *Service) CountsByStatusAndUrgency(ctx context.Context, actor domain.Actor) (map[domain.Status]map[domain.Urgency]int, error) {
	counts := make(map[domain.Status]map[domain.Urgency]int)
	err := s.run(ctx, "counts_by_status_and_urgency", actor, AuditEntry{}, func(ctx context.Context, _ *AuditEntry) error {
		filter, ok := scopeFilter(actor, domain.RequestFilter{})
		if !ok {
			return nil
		}
		reqs, err := s.store.Query(ctx, filter)
		if err != nil {
			return err
		}
		for _, r := range reqs {
			byUrgency := counts[r.Status]
			if byUrgency == nil {
				byUrgency = make(map[domain.Urgency]int, len(domain.Urgencies))
				counts[r.Status] = byUrgency
			}
			byUrgency[r.Urgency]++
		}
		return nil
	})
	return counts, err
}
