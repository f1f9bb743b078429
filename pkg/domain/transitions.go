package domain

// The transition graph is fixed: every forward state has exactly one
// successor, and Cancelled is reachable from every non-terminal state.

var (
	assignRoles   = NewRoleSet(RoleLabStaff, RoleLabManager, RoleCenterAdmin)
	benchRoles    = NewRoleSet(RoleLabTechnician, RoleLabAssistant)
	reportRoles   = NewRoleSet(RoleLabManager, RoleLabTechnician)
	deliveryRoles = NewRoleSet(RoleLabStaff, RoleLabManager, RoleLabTechnician, RoleDoctor, RoleReceptionist)
	cancelRoles   = NewRoleSet(RoleCenterAdmin, RoleLabManager)
	reassignRoles = NewRoleSet(RoleCenterAdmin, RoleLabManager)
	selfAssign    = NewRoleSet(RoleLabStaff, RoleLabManager)
	createRoles   = NewRoleSet(RoleDoctor)
	deleteRoles   = NewRoleSet(RoleDoctor, RoleCenterAdmin)
)

// successorRoles maps each non-terminal state to the roles that may advance it.
var successorRoles = map[Status]RoleSet{
	StatusPending:                   assignRoles,
	StatusAssigned:                  benchRoles,
	StatusSampleCollectionScheduled: benchRoles,
	StatusSampleCollected:           benchRoles,
	StatusInLabTesting:              benchRoles,
	StatusTestingCompleted:          reportRoles,
	StatusReportGenerated:           deliveryRoles,
	StatusReportSent:                deliveryRoles,
}

// Successor returns the single forward successor of s, or false when s is
// terminal or unknown.
func Successor(s Status) (Status, bool) {
	r := s.Rank()
	if r < 0 || r+1 >= len(forwardPath) {
		return "", false
	}
	return forwardPath[r+1], true
}

// IsEdge reports whether from -> to is an edge of the graph.
func IsEdge(from, to Status) bool {
	if to == StatusCancelled {
		return from.Valid() && !from.IsTerminal()
	}
	next, ok := Successor(from)
	return ok && next == to
}

// RolesFor returns the roles allowed to drive the edge from -> to. It returns
// nil when the edge does not exist.
func RolesFor(from, to Status) RoleSet {
	if !IsEdge(from, to) {
		return nil
	}
	if to == StatusCancelled {
		return cancelRoles
	}
	return successorRoles[from]
}

// ValidateTransition decides whether actorRole may move a request from
// current to requested. Re-submitting the current status succeeds without
// change. It never touches storage.
func ValidateTransition(current, requested Status, actorRole Role) error {
	if !current.Valid() || !requested.Valid() {
		return TransitionError{From: current, To: requested, Reason: ReasonUnknownStatus}
	}
	if current == requested {
		return nil
	}
	roles := RolesFor(current, requested)
	if roles == nil {
		reason := ReasonIllegalEdge
		if current.IsTerminal() {
			reason = ReasonTerminal
		}
		return TransitionError{From: current, To: requested, Reason: reason}
	}
	if !roles.Has(actorRole) {
		return AuthorizationError{
			Role:          actorRole,
			RequiredRoles: roles.Sorted(),
			Operation:     string(current) + " -> " + string(requested),
		}
	}
	return nil
}

// NextStatusesFor lists the non-cancel transitions role may drive, keyed by
// the source state. Projections use it to compute work queues.
func NextStatusesFor(role Role) []Status {
	var out []Status
	for _, s := range forwardPath {
		if roles, ok := successorRoles[s]; ok && roles.Has(role) {
			out = append(out, s)
		}
	}
	return out
}

// CanDelete reports whether a request in state s may be hard-deleted.
func CanDelete(s Status) bool {
	return s == StatusPending || s == StatusCancelled
}

// AuthorizeCreate checks the role allowed to open new requests.
func AuthorizeCreate(role Role) error {
	return authorize(createRoles, role, "create request")
}

// AuthorizeDelete checks the roles allowed to delete requests.
func AuthorizeDelete(role Role) error {
	return authorize(deleteRoles, role, "delete request")
}

// AuthorizeReassign checks the roles allowed to replace the assignee.
func AuthorizeReassign(role Role) error {
	return authorize(reassignRoles, role, "reassign request")
}

// AuthorizeSelfAssign checks the roles that may take a Pending request for
// themselves through a status change.
func AuthorizeSelfAssign(role Role) error {
	return authorize(selfAssign, role, "self-assign request")
}

// AuthorizeReport checks the roles allowed to store or supersede reports.
func AuthorizeReport(role Role) error {
	return authorize(reportRoles, role, "store report")
}

func authorize(set RoleSet, role Role, op string) error {
	if set.Has(role) {
		return nil
	}
	return AuthorizationError{Role: role, RequiredRoles: set.Sorted(), Operation: op}
}
