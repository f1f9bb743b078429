package sqlstore

import (
	"strconv"
	"strings"
)

// Dialect captures the SQL differences between the supported databases.
type Dialect struct {
	Name string
	// Placeholder renders the n-th (1-based) bind parameter.
	Placeholder func(n int) string
	Schema      []string
}

// SQLite binds with '?'.
var SQLite = Dialect{
	Name:        "sqlite",
	Placeholder: func(int) string { return "?" },
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS test_requests (
			id TEXT PRIMARY KEY,
			center_id TEXT NOT NULL,
			doctor_id TEXT NOT NULL,
			patient_id TEXT NOT NULL,
			assigned_lab_staff_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			urgency TEXT NOT NULL,
			created_at TEXT NOT NULL,
			version INTEGER NOT NULL,
			payload BLOB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_test_requests_center_status ON test_requests (center_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_test_requests_doctor ON test_requests (doctor_id)`,
		`CREATE INDEX IF NOT EXISTS idx_test_requests_assignee ON test_requests (assigned_lab_staff_id)`,
	},
}

// Postgres binds with $n and stores the payload as JSONB.
var Postgres = Dialect{
	Name:        "postgres",
	Placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS test_requests (
			id TEXT PRIMARY KEY,
			center_id TEXT NOT NULL,
			doctor_id TEXT NOT NULL,
			patient_id TEXT NOT NULL,
			assigned_lab_staff_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			urgency TEXT NOT NULL,
			created_at TEXT NOT NULL,
			version BIGINT NOT NULL,
			payload JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_test_requests_center_status ON test_requests (center_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_test_requests_doctor ON test_requests (doctor_id)`,
		`CREATE INDEX IF NOT EXISTS idx_test_requests_assignee ON test_requests (assigned_lab_staff_id)`,
	},
}

// Rebind rewrites '?' placeholders into the dialect's form.
func (d Dialect) Rebind(query string) string {
	if d.Placeholder == nil {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(d.Placeholder(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
