package domain

import (
	"context"
	"time"
)

// Mutator edits a copy of a stored request. Returning an error aborts the
// write without touching the stored record.
type Mutator func(*TestRequest) error

// RequestFilter narrows Query results. Zero values do not filter.
type RequestFilter struct {
	IDs                []string
	CenterIDs          []string
	DoctorID           string
	PatientID          string
	AssignedLabStaffID string
	// UnassignedOrStaffID, when set, keeps requests with no assignee or
	// assigned to this staff member.
	UnassignedOrStaffID string
	Statuses            []Status
	Urgencies           []Urgency
	// Search matches case-insensitively against patient, doctor and center
	// names and the test type.
	Search        string
	CreatedFrom   *time.Time
	CreatedTo     *time.Time
	CompletedFrom *time.Time
	CompletedTo   *time.Time
	Limit         int
	Offset        int
}

// PersistentStore is the Request Store contract. Every write is optimistic:
// Update commits only when the stored version equals expectedVersion and
// bumps the version by one. Query never mutates.
type PersistentStore interface {
	Create(ctx context.Context, req TestRequest) (TestRequest, error)
	Get(ctx context.Context, id string) (TestRequest, error)
	Update(ctx context.Context, id string, expectedVersion int64, mutate Mutator) (TestRequest, error)
	Query(ctx context.Context, filter RequestFilter) ([]TestRequest, error)
	Delete(ctx context.Context, id string) error
	Close() error
}
