package domain

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of a test request. Values use the canonical
// vocabulary below; anything else must be normalized with ParseStatus first.
type Status string

// Canonical lifecycle states in graph order.
const (
	StatusPending                   Status = "Pending"
	StatusAssigned                  Status = "Assigned"
	StatusSampleCollectionScheduled Status = "Sample_Collection_Scheduled"
	StatusSampleCollected           Status = "Sample_Collected"
	StatusInLabTesting              Status = "In_Lab_Testing"
	StatusTestingCompleted          Status = "Testing_Completed"
	StatusReportGenerated           Status = "Report_Generated"
	StatusReportSent                Status = "Report_Sent"
	StatusCompleted                 Status = "Completed"
	StatusCancelled                 Status = "Cancelled"
)

// forwardPath is the single ordered chain of forward states.
var forwardPath = []Status{
	StatusPending,
	StatusAssigned,
	StatusSampleCollectionScheduled,
	StatusSampleCollected,
	StatusInLabTesting,
	StatusTestingCompleted,
	StatusReportGenerated,
	StatusReportSent,
	StatusCompleted,
}

// Statuses lists every canonical state, forward chain first then Cancelled.
var Statuses = append(append([]Status(nil), forwardPath...), StatusCancelled)

var statusRank = func() map[Status]int {
	m := make(map[Status]int, len(forwardPath))
	for i, s := range forwardPath {
		m[s] = i
	}
	return m
}()

// Rank returns the position of s on the forward chain, or -1 for Cancelled
// and unknown values.
func (s Status) Rank() int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return -1
}

// Valid reports whether s is a canonical status.
func (s Status) Valid() bool {
	return s == StatusCancelled || s.Rank() >= 0
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// AtLeast reports whether s is on the forward chain at or beyond other.
func (s Status) AtLeast(other Status) bool {
	r, o := s.Rank(), other.Rank()
	return r >= 0 && o >= 0 && r >= o
}

// HasAssignee reports whether a request in state s must carry an assignee.
func (s Status) HasAssignee() bool { return s.AtLeast(StatusAssigned) }

// HasReport reports whether a request in state s must carry a report artifact.
func (s Status) HasReport() bool { return s.AtLeast(StatusReportGenerated) }

// statusAliases maps normalized legacy spellings onto the canonical vocabulary.
var statusAliases = map[string]Status{
	"pending":                     StatusPending,
	"new":                         StatusPending,
	"requested":                   StatusPending,
	"assigned":                    StatusAssigned,
	"sample_collection_scheduled": StatusSampleCollectionScheduled,
	"collection_scheduled":        StatusSampleCollectionScheduled,
	"scheduled":                   StatusSampleCollectionScheduled,
	"sample_collected":            StatusSampleCollected,
	"collection_in_progress":      StatusSampleCollected,
	"collected":                   StatusSampleCollected,
	"in_lab_testing":              StatusInLabTesting,
	"in_progress":                 StatusInLabTesting,
	"testing":                     StatusInLabTesting,
	"testing_completed":           StatusTestingCompleted,
	"testing_complete":            StatusTestingCompleted,
	"report_generated":            StatusReportGenerated,
	"report_ready":                StatusReportGenerated,
	"report_sent":                 StatusReportSent,
	"sent":                        StatusReportSent,
	"delivered":                   StatusReportSent,
	"completed":                   StatusCompleted,
	"complete":                    StatusCompleted,
	"cancelled":                   StatusCancelled,
	"canceled":                    StatusCancelled,
}

// ParseStatus normalizes free-form status spellings (any case, with '-', '_'
// or space separators, plus the legacy UI aliases) to the canonical
// vocabulary.
func ParseStatus(raw string) (Status, error) {
	key := normalizeToken(raw)
	if s, ok := statusAliases[key]; ok {
		return s, nil
	}
	return "", fmt.Errorf("unknown status %q", raw)
}

// ParseUrgency normalizes urgency spellings. An empty value yields Normal.
func ParseUrgency(raw string) (Urgency, error) {
	switch normalizeToken(raw) {
	case "", "normal", "routine":
		return UrgencyNormal, nil
	case "urgent", "high":
		return UrgencyUrgent, nil
	case "emergency", "stat", "critical":
		return UrgencyEmergency, nil
	default:
		return "", fmt.Errorf("unknown urgency %q", raw)
	}
}

func normalizeToken(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.NewReplacer("-", "_", " ", "_").Replace(s)
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}
	return s
}
