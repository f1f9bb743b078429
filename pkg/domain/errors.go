package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInfrastructure marks storage or blob connectivity failures. It is kept
// distinct from the domain errors below and is never retried by policy.
var ErrInfrastructure = errors.New("infrastructure failure")

// Reasons carried by TransitionError.
const (
	ReasonIllegalEdge     = "illegal edge"
	ReasonUnknownStatus   = "unknown status"
	ReasonDeleteForbidden = "delete only allowed while Pending or Cancelled"
	ReasonTerminal        = "request is in a terminal state"
)

// TransitionError reports an illegal status change, or a delete attempted
// outside {Pending, Cancelled}.
type TransitionError struct {
	From   Status
	To     Status
	Reason string
}

func (e TransitionError) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = ReasonIllegalEdge
	}
	return fmt.Sprintf("transition %s -> %s: %s", e.From, e.To, reason)
}

// AuthorizationError reports that the actor's role lacks permission.
type AuthorizationError struct {
	Role          Role
	RequiredRoles []Role
	Operation     string
}

func (e AuthorizationError) Error() string {
	names := make([]string, len(e.RequiredRoles))
	for i, r := range e.RequiredRoles {
		names[i] = string(r)
	}
	op := e.Operation
	if op == "" {
		op = "operation"
	}
	return fmt.Sprintf("role %q may not perform %s (requires one of: %s)", e.Role, op, strings.Join(names, ", "))
}

// Conflict reasons.
const (
	ConflictStaleVersion    = "stale_version"
	ConflictAlreadyAssigned = "already_assigned"
	ConflictAlreadyExists   = "already_exists"
)

// ConflictError reports an optimistic version mismatch or a lost assignment
// race. It is the only retryable domain error.
type ConflictError struct {
	ID              string
	ExpectedVersion int64
	ActualVersion   int64
	Reason          string
}

func (e ConflictError) Error() string {
	switch e.Reason {
	case ConflictAlreadyAssigned:
		return fmt.Sprintf("test request %s is already assigned", e.ID)
	case ConflictAlreadyExists:
		return fmt.Sprintf("test request %s already exists", e.ID)
	default:
		return fmt.Sprintf("test request %s version conflict: expected %d, found %d", e.ID, e.ExpectedVersion, e.ActualVersion)
	}
}

// Artifact error reasons.
const (
	ArtifactCorruptOrUndersized = "corrupt_or_undersized"
	ArtifactUnsupportedType     = "unsupported_type"
	ArtifactNotReady            = "not_ready"
	ArtifactMissing             = "missing_artifact"
	ArtifactAlreadyStored       = "already_stored"
)

// ArtifactError reports corrupt, undersized, mistyped or not-yet-ready report
// content.
type ArtifactError struct {
	RequestID string
	Reason    string
	Err       error
}

func (e ArtifactError) Error() string {
	msg := fmt.Sprintf("report artifact for %s: %s", e.RequestID, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e ArtifactError) Unwrap() error { return e.Err }

// NotFoundError is returned for unknown identifiers.
type NotFoundError struct {
	Entity EntityType
	ID     string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// ValidationError reports a malformed draft or argument.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Message
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// IsRetryable reports whether err is safe to retry after reloading.
func IsRetryable(err error) bool {
	var conflict ConflictError
	return errors.As(err, &conflict)
}

// Infrastructure wraps err so that errors.Is(err, ErrInfrastructure) holds.
func Infrastructure(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrInfrastructure, err)
}
