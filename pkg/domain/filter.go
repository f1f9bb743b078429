package domain

import (
	"sort"
	"strings"
	"time"
)

// Matches reports whether req satisfies every populated criterion of f.
// Limit and Offset are ignored.
func (f RequestFilter) Matches(req TestRequest) bool {
	if len(f.IDs) > 0 && !containsString(f.IDs, req.ID) {
		return false
	}
	if len(f.CenterIDs) > 0 && !containsString(f.CenterIDs, req.CenterID) {
		return false
	}
	if f.DoctorID != "" && req.DoctorID != f.DoctorID {
		return false
	}
	if f.PatientID != "" && req.PatientID != f.PatientID {
		return false
	}
	if f.AssignedLabStaffID != "" && req.AssignedLabStaffID != f.AssignedLabStaffID {
		return false
	}
	if f.UnassignedOrStaffID != "" && req.AssignedLabStaffID != "" && req.AssignedLabStaffID != f.UnassignedOrStaffID {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, req.Status) {
		return false
	}
	if len(f.Urgencies) > 0 && !containsUrgency(f.Urgencies, req.Urgency) {
		return false
	}
	if term := strings.ToLower(strings.TrimSpace(f.Search)); term != "" {
		haystack := []string{req.PatientName, req.DoctorName, req.CenterName, req.TestType}
		found := false
		for _, h := range haystack {
			if strings.Contains(strings.ToLower(h), term) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !inRange(&req.CreatedAt, f.CreatedFrom, f.CreatedTo) {
		return false
	}
	if f.CompletedFrom != nil || f.CompletedTo != nil {
		if req.CompletedDate == nil || !inRange(req.CompletedDate, f.CompletedFrom, f.CompletedTo) {
			return false
		}
	}
	return true
}

// Page applies Offset and Limit to an already ordered slice.
func (f RequestFilter) Page(reqs []TestRequest) []TestRequest {
	if f.Offset > 0 {
		if f.Offset >= len(reqs) {
			return []TestRequest{}
		}
		reqs = reqs[f.Offset:]
	}
	if f.Limit > 0 && len(reqs) > f.Limit {
		reqs = reqs[:f.Limit]
	}
	return reqs
}

// SortForTriage orders requests by urgency (Emergency first), then by
// creation time, then by id.
func SortForTriage(reqs []TestRequest) {
	sort.SliceStable(reqs, func(i, j int) bool {
		a, b := reqs[i], reqs[j]
		if pa, pb := a.Urgency.Priority(), b.Urgency.Priority(); pa != pb {
			return pa < pb
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// Clone returns a deep copy of r.
func (r TestRequest) Clone() TestRequest {
	cp := r
	cp.SampleCollectionScheduledDate = cloneTime(r.SampleCollectionScheduledDate)
	cp.SampleCollectionActualDate = cloneTime(r.SampleCollectionActualDate)
	cp.TestingStartDate = cloneTime(r.TestingStartDate)
	cp.TestingEndDate = cloneTime(r.TestingEndDate)
	cp.ReportGeneratedDate = cloneTime(r.ReportGeneratedDate)
	cp.CompletedDate = cloneTime(r.CompletedDate)
	return cp
}

// inRange checks from <= t < to for the bounds that are set.
func inRange(t *time.Time, from, to *time.Time) bool {
	if from != nil && t.Before(*from) {
		return false
	}
	if to != nil && !t.Before(*to) {
		return false
	}
	return true
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

func containsString(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}

func containsStatus(values []Status, v Status) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}

func containsUrgency(values []Urgency, v Urgency) bool {
	for _, u := range values {
		if u == v {
			return true
		}
	}
	return false
}
