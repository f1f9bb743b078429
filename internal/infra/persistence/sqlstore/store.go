// Package sqlstore implements the request store over database/sql. One row
// holds one request; the indexed columns mirror the filterable fields and
// the payload column carries the full JSON document. Writes are conditional
// on the stored version, so no transaction or lock spans a round trip.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"labflow/pkg/domain"
)

var _ domain.PersistentStore = (*Store)(nil)

const (
	insertSQL = `INSERT INTO test_requests (id, center_id, doctor_id, patient_id, assigned_lab_staff_id, status, urgency, created_at, version, payload) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`
	selectSQL = `SELECT payload FROM test_requests WHERE id = ?`
	updateSQL = `UPDATE test_requests SET assigned_lab_staff_id = ?, status = ?, version = ?, payload = ? WHERE id = ? AND version = ?`
	deleteSQL = `DELETE FROM test_requests WHERE id = ? AND version = ?`
)

// Store is a dialect-parameterised SQL request store.
type Store struct {
	db      *sql.DB
	dialect Dialect
	engine  *domain.RulesEngine
}

// New wraps db. Call Migrate before first use.
func New(db *sql.DB, dialect Dialect, engine *domain.RulesEngine) *Store {
	return &Store{db: db, dialect: dialect, engine: engine}
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Dialect returns the store's dialect.
func (s *Store) Dialect() Dialect { return s.dialect }

// Migrate applies the dialect schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.Schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return s.wrap(ctx, "apply schema", err)
		}
	}
	return nil
}

// Create inserts req; an existing id yields a ConflictError.
func (s *Store) Create(ctx context.Context, req domain.TestRequest) (domain.TestRequest, error) {
	if req.ID == "" {
		return domain.TestRequest{}, domain.ValidationError{Field: "id", Message: "required"}
	}
	stored := req.Clone()
	if err := s.check(ctx, domain.ActionCreate, nil, &stored); err != nil {
		return domain.TestRequest{}, err
	}
	payload, err := json.Marshal(stored)
	if err != nil {
		return domain.TestRequest{}, fmt.Errorf("encode test request: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(insertSQL),
		stored.ID, stored.CenterID, stored.DoctorID, stored.PatientID, stored.AssignedLabStaffID,
		string(stored.Status), string(stored.Urgency), stored.CreatedAt.UTC().Format(time.RFC3339Nano),
		stored.Version, payload)
	if err != nil {
		return domain.TestRequest{}, s.wrap(ctx, "insert test request", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.TestRequest{}, domain.ConflictError{ID: stored.ID, Reason: domain.ConflictAlreadyExists}
	}
	return stored, nil
}

// Get loads one request.
func (s *Store) Get(ctx context.Context, id string) (domain.TestRequest, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(selectSQL), id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TestRequest{}, domain.NotFoundError{Entity: domain.EntityTestRequest, ID: id}
	}
	if err != nil {
		return domain.TestRequest{}, s.wrap(ctx, "select test request", err)
	}
	return decode(payload)
}

// Update applies mutate to the stored request and writes it back only if
// the version is unchanged.
func (s *Store) Update(ctx context.Context, id string, expectedVersion int64, mutate domain.Mutator) (domain.TestRequest, error) {
	before, err := s.Get(ctx, id)
	if err != nil {
		return domain.TestRequest{}, err
	}
	if before.Version != expectedVersion {
		return domain.TestRequest{}, staleVersion(id, expectedVersion, before.Version)
	}
	after := before.Clone()
	if mutate != nil {
		if err := mutate(&after); err != nil {
			return domain.TestRequest{}, err
		}
	}
	after.Version = expectedVersion + 1
	if err := s.check(ctx, domain.ActionUpdate, &before, &after); err != nil {
		return domain.TestRequest{}, err
	}
	payload, err := json.Marshal(after)
	if err != nil {
		return domain.TestRequest{}, fmt.Errorf("encode test request: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(updateSQL),
		after.AssignedLabStaffID, string(after.Status), after.Version, payload, id, expectedVersion)
	if err != nil {
		return domain.TestRequest{}, s.wrap(ctx, "update test request", err)
	}
	if err := s.requireRow(ctx, res, id, expectedVersion); err != nil {
		return domain.TestRequest{}, err
	}
	return after, nil
}

// Query narrows by the indexed columns in SQL and applies the remaining
// criteria, ordering and paging in memory.
func (s *Store) Query(ctx context.Context, filter domain.RequestFilter) ([]domain.TestRequest, error) {
	var (
		where []string
		args  []any
	)
	in := func(col string, values []string) {
		if len(values) == 0 {
			return
		}
		marks := strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ")
		where = append(where, col+" IN ("+marks+")")
		for _, v := range values {
			args = append(args, v)
		}
	}
	eq := func(col, value string) {
		if value != "" {
			where = append(where, col+" = ?")
			args = append(args, value)
		}
	}
	in("id", filter.IDs)
	in("center_id", filter.CenterIDs)
	eq("doctor_id", filter.DoctorID)
	eq("patient_id", filter.PatientID)
	eq("assigned_lab_staff_id", filter.AssignedLabStaffID)
	statuses := make([]string, len(filter.Statuses))
	for i, st := range filter.Statuses {
		statuses[i] = string(st)
	}
	in("status", statuses)

	query := "SELECT payload FROM test_requests"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, s.wrap(ctx, "query test requests", err)
	}
	defer func() { _ = rows.Close() }()

	out := []domain.TestRequest{}
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, s.wrap(ctx, "scan test request", err)
		}
		req, err := decode(payload)
		if err != nil {
			return nil, err
		}
		if filter.Matches(req) {
			out = append(out, req)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap(ctx, "iterate test requests", err)
	}
	domain.SortForTriage(out)
	return filter.Page(out), nil
}

// Delete removes a Pending or Cancelled request.
func (s *Store) Delete(ctx context.Context, id string) error {
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !domain.CanDelete(current.Status) {
		return domain.TransitionError{From: current.Status, Reason: domain.ReasonDeleteForbidden}
	}
	if err := s.check(ctx, domain.ActionDelete, &current, nil); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(deleteSQL), id, current.Version)
	if err != nil {
		return s.wrap(ctx, "delete test request", err)
	}
	return s.requireRow(ctx, res, id, current.Version)
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// requireRow turns a zero-row conditional write into a ConflictError.
func (s *Store) requireRow(ctx context.Context, res sql.Result, id string, expectedVersion int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return s.wrap(ctx, "rows affected", err)
	}
	if n > 0 {
		return nil
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return staleVersion(id, expectedVersion, current.Version)
}

func (s *Store) check(ctx context.Context, action domain.Action, before, after *domain.TestRequest) error {
	if s.engine == nil {
		return nil
	}
	change, err := domain.NewTestRequestChange(action, before, after)
	if err != nil {
		return err
	}
	_, err = s.engine.Check(ctx, change)
	return err
}

// wrap reports caller cancellation as is and anything else as an
// infrastructure failure.
func (s *Store) wrap(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return domain.Infrastructure(s.dialect.Name+": "+op, err)
}

func decode(payload []byte) (domain.TestRequest, error) {
	var req domain.TestRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return domain.TestRequest{}, fmt.Errorf("decode test request: %w", err)
	}
	return req, nil
}

func staleVersion(id string, expected, actual int64) error {
	return domain.ConflictError{ID: id, ExpectedVersion: expected, ActualVersion: actual, Reason: domain.ConflictStaleVersion}
}
