// Package domain defines the test request aggregate, its lifecycle vocabulary,
// the transition graph and the rule evaluation primitives used by labflow.
package domain

import (
	"time"
)

// EntityType identifies the type of record stored in the core domain.
type EntityType string

// Supported entity type identifiers used in Change records and errors.
const (
	// EntityTestRequest identifies a diagnostic test request record.
	EntityTestRequest EntityType = "test_request"
	// EntityReport identifies a stored report artifact.
	EntityReport EntityType = "report"
)

// Urgency classifies triage priority. It is fixed at creation.
type Urgency string

// Canonical urgency values.
const (
	UrgencyNormal    Urgency = "Normal"
	UrgencyUrgent    Urgency = "Urgent"
	UrgencyEmergency Urgency = "Emergency"
)

// Urgencies lists every urgency from most to least pressing.
var Urgencies = []Urgency{UrgencyEmergency, UrgencyUrgent, UrgencyNormal}

// Priority orders urgencies for triage; lower sorts first.
func (u Urgency) Priority() int {
	switch u {
	case UrgencyEmergency:
		return 0
	case UrgencyUrgent:
		return 1
	case UrgencyNormal:
		return 2
	default:
		return 3
	}
}

// Valid reports whether u is one of the canonical urgencies.
func (u Urgency) Valid() bool { return u.Priority() < 3 }

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities determine commit behavior and logging.
const (
	// SeverityBlock blocks transaction commit.
	SeverityBlock Severity = "block"
	// SeverityWarn logs a warning but allows commit.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// Base contains common fields for all domain records.
type Base struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SampleCollection holds the fields populated from Sample_Collection_Scheduled onward.
type SampleCollection struct {
	SampleCollectorName           string     `json:"sampleCollectorName,omitempty"`
	SampleCollectionScheduledDate *time.Time `json:"sampleCollectionScheduledDate,omitempty"`
	SampleCollectionActualDate    *time.Time `json:"sampleCollectionActualDate,omitempty"`
	SampleCollectionNotes         string     `json:"sampleCollectionNotes,omitempty"`
}

// Testing holds the fields populated from In_Lab_Testing onward.
type Testing struct {
	LabTechnicianName string     `json:"labTechnicianName,omitempty"`
	TestingStartDate  *time.Time `json:"testingStartDate,omitempty"`
	TestingEndDate    *time.Time `json:"testingEndDate,omitempty"`
	TestingNotes      string     `json:"testingNotes,omitempty"`
	TestResults       string     `json:"testResults,omitempty"`
	ResultDetails     string     `json:"resultDetails,omitempty"`
}

// Reporting holds the fields populated from Report_Generated onward.
type Reporting struct {
	ReportGeneratedByName string     `json:"reportGeneratedByName,omitempty"`
	ReportGeneratedDate   *time.Time `json:"reportGeneratedDate,omitempty"`
	ReportNotes           string     `json:"reportNotes,omitempty"`
	ReportArtifactRef     string     `json:"reportArtifactRef,omitempty"`
}

// TestRequest is the aggregate tracking one diagnostic test from request to completion.
type TestRequest struct {
	Base
	PatientID   string `json:"patientId"`
	DoctorID    string `json:"doctorId"`
	CenterID    string `json:"centerId"`
	PatientName string `json:"patientName,omitempty"`
	DoctorName  string `json:"doctorName,omitempty"`
	CenterName  string `json:"centerName,omitempty"`

	TestType        string  `json:"testType"`
	TestDescription string  `json:"testDescription,omitempty"`
	Notes           string  `json:"notes,omitempty"`
	Urgency         Urgency `json:"urgency"`
	Status          Status  `json:"status"`

	AssignedLabStaffID   string `json:"assignedLabStaffId,omitempty"`
	AssignedLabStaffName string `json:"assignedLabStaffName,omitempty"`

	SampleCollection
	Testing
	Reporting

	Version       int64      `json:"version"`
	CompletedDate *time.Time `json:"completedDate,omitempty"`
}

// Draft carries the client-settable fields of a new request. Version,
// status and timestamps are server-managed.
type Draft struct {
	PatientID       string  `json:"patientId" validate:"required"`
	DoctorID        string  `json:"doctorId"`
	CenterID        string  `json:"centerId" validate:"required"`
	PatientName     string  `json:"patientName,omitempty" validate:"max=200"`
	DoctorName      string  `json:"doctorName,omitempty" validate:"max=200"`
	CenterName      string  `json:"centerName,omitempty" validate:"max=200"`
	TestType        string  `json:"testType" validate:"required,max=200"`
	TestDescription string  `json:"testDescription,omitempty" validate:"max=4000"`
	Notes           string  `json:"notes,omitempty" validate:"max=4000"`
	Urgency         Urgency `json:"urgency"`
}

// StageFields carries the stage-specific values populated by a status
// transition. Nil pointers leave the stored value untouched.
type StageFields struct {
	SampleCollectorName           *string    `json:"sampleCollectorName,omitempty"`
	SampleCollectionScheduledDate *time.Time `json:"sampleCollectionScheduledDate,omitempty"`
	SampleCollectionActualDate    *time.Time `json:"sampleCollectionActualDate,omitempty"`
	SampleCollectionNotes         *string    `json:"sampleCollectionNotes,omitempty"`

	LabTechnicianName *string    `json:"labTechnicianName,omitempty"`
	TestingStartDate  *time.Time `json:"testingStartDate,omitempty"`
	TestingEndDate    *time.Time `json:"testingEndDate,omitempty"`
	TestingNotes      *string    `json:"testingNotes,omitempty"`
	TestResults       *string    `json:"testResults,omitempty"`
	ResultDetails     *string    `json:"resultDetails,omitempty"`

	ReportGeneratedByName *string `json:"reportGeneratedByName,omitempty"`
	ReportNotes           *string `json:"reportNotes,omitempty"`
}

// Change records a mutation applied inside a store write.
type Change struct {
	Entity EntityType
	Action Action
	Before ChangePayload
	After  ChangePayload
}

// Action indicates the type of modification performed.
type Action string

// Change actions enumerate supported CRUD operations captured in audit trail.
const (
	// ActionCreate indicates an entity was created.
	ActionCreate Action = "create"
	// ActionUpdate indicates an entity was updated.
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Violation reports a failed rule evaluation.
type Violation struct {
	Rule     string
	Severity Severity
	Message  string
	Entity   EntityType
	EntityID string
}

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	for _, v := range e.Result.Violations {
		if v.Severity == SeverityBlock {
			return "transaction blocked by rules: " + v.Message
		}
	}
	return "transaction blocked by rules"
}
