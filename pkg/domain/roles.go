package domain

import (
	"fmt"
	"sort"
	"strings"
)

// Role identifies the acting user's role. The core holds no session state;
// every operation receives the role explicitly through an Actor.
type Role string

// Canonical roles.
const (
	RoleSuperAdmin    Role = "superadmin"
	RoleCenterAdmin   Role = "center_admin"
	RoleDoctor        Role = "doctor"
	RoleReceptionist  Role = "receptionist"
	RoleLabStaff      Role = "lab_staff"
	RoleLabManager    Role = "lab_manager"
	RoleLabTechnician Role = "lab_technician"
	RoleLabAssistant  Role = "lab_assistant"
)

var roleAliases = map[string]Role{
	"superadmin":     RoleSuperAdmin,
	"super_admin":    RoleSuperAdmin,
	"center_admin":   RoleCenterAdmin,
	"centeradmin":    RoleCenterAdmin,
	"doctor":         RoleDoctor,
	"receptionist":   RoleReceptionist,
	"lab":            RoleLabStaff,
	"lab_staff":      RoleLabStaff,
	"labstaff":       RoleLabStaff,
	"lab_manager":    RoleLabManager,
	"labmanager":     RoleLabManager,
	"lab_technician": RoleLabTechnician,
	"labtechnician":  RoleLabTechnician,
	"technician":     RoleLabTechnician,
	"lab_assistant":  RoleLabAssistant,
	"labassistant":   RoleLabAssistant,
	"assistant":      RoleLabAssistant,
}

// ParseRole normalizes role spellings such as "CenterAdmin", "center-admin"
// or "lab" to a canonical Role.
func ParseRole(raw string) (Role, error) {
	trimmed := strings.TrimSpace(raw)
	if r, ok := roleAliases[normalizeToken(splitCamel(trimmed))]; ok {
		return r, nil
	}
	if r, ok := roleAliases[normalizeToken(trimmed)]; ok {
		return r, nil
	}
	return "", fmt.Errorf("unknown role %q", raw)
}

// IsLab reports whether r is one of the laboratory roles.
func (r Role) IsLab() bool {
	switch r {
	case RoleLabStaff, RoleLabManager, RoleLabTechnician, RoleLabAssistant:
		return true
	}
	return false
}

// Actor is the caller identity passed into every core operation.
type Actor struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Role     Role   `json:"role"`
	CenterID string `json:"centerId,omitempty"`
}

// RoleSet is an unordered set of roles.
type RoleSet map[Role]struct{}

// NewRoleSet builds a set from the given roles.
func NewRoleSet(roles ...Role) RoleSet {
	set := make(RoleSet, len(roles))
	for _, r := range roles {
		set[r] = struct{}{}
	}
	return set
}

// Has reports membership.
func (s RoleSet) Has(r Role) bool {
	_, ok := s[r]
	return ok
}

// Sorted returns the members in lexical order.
func (s RoleSet) Sorted() []Role {
	out := make([]Role, 0, len(s))
	for r := range s {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func splitCamel(s string) string {
	var b strings.Builder
	for i, r := range s {
		if i > 0 && r >= 'A' && r <= 'Z' {
			prev := s[i-1]
			if prev >= 'a' && prev <= 'z' {
				b.WriteByte('_')
			}
		}
		b.WriteRune(r)
	}
	return b.String()
}
