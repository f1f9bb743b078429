// Package memory provides an in-memory request store used for tests and
// ephemeral environments.
package memory

import (
	"context"
	"sync"

	"labflow/pkg/domain"
)

// Compile-time contract assertion.
var _ domain.PersistentStore = (*Store)(nil)

// Snapshot is a point-in-time copy of every stored request keyed by id.
type Snapshot struct {
	Requests map[string]domain.TestRequest `json:"requests"`
}

// record guards one aggregate. Writers to different requests never contend.
type record struct {
	mu      sync.Mutex
	req     domain.TestRequest
	deleted bool
}

// Store keeps requests in process memory. The index lock is only held to
// look records up; mutations serialize on the per-request lock and commit
// with a version compare-and-set.
type Store struct {
	engine  *domain.RulesEngine
	mu      sync.RWMutex
	records map[string]*record
}

// NewStore constructs an empty store evaluating engine inside every write.
// A nil engine disables commit-time rules.
func NewStore(engine *domain.RulesEngine) *Store {
	return &Store{engine: engine, records: make(map[string]*record)}
}

// RulesEngine returns the engine evaluated on commit.
func (s *Store) RulesEngine() *domain.RulesEngine { return s.engine }

// Create inserts a new request.
func (s *Store) Create(ctx context.Context, req domain.TestRequest) (domain.TestRequest, error) {
	if err := ctx.Err(); err != nil {
		return domain.TestRequest{}, err
	}
	if req.ID == "" {
		return domain.TestRequest{}, domain.ValidationError{Field: "id", Message: "required"}
	}
	stored := req.Clone()
	if err := s.check(ctx, domain.ActionCreate, nil, &stored); err != nil {
		return domain.TestRequest{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[req.ID]; exists {
		return domain.TestRequest{}, domain.ConflictError{ID: req.ID, Reason: domain.ConflictAlreadyExists}
	}
	s.records[req.ID] = &record{req: stored}
	return stored.Clone(), nil
}

// Get returns a copy of the request.
func (s *Store) Get(ctx context.Context, id string) (domain.TestRequest, error) {
	if err := ctx.Err(); err != nil {
		return domain.TestRequest{}, err
	}
	rec, ok := s.lookup(id)
	if !ok {
		return domain.TestRequest{}, notFound(id)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.deleted {
		return domain.TestRequest{}, notFound(id)
	}
	return rec.req.Clone(), nil
}

// Update applies mutate to a copy of the request and commits it only when
// the stored version still equals expectedVersion.
func (s *Store) Update(ctx context.Context, id string, expectedVersion int64, mutate domain.Mutator) (domain.TestRequest, error) {
	if err := ctx.Err(); err != nil {
		return domain.TestRequest{}, err
	}
	rec, ok := s.lookup(id)
	if !ok {
		return domain.TestRequest{}, notFound(id)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.deleted {
		return domain.TestRequest{}, notFound(id)
	}
	if rec.req.Version != expectedVersion {
		return domain.TestRequest{}, domain.ConflictError{ID: id, ExpectedVersion: expectedVersion, ActualVersion: rec.req.Version, Reason: domain.ConflictStaleVersion}
	}
	before := rec.req.Clone()
	after := rec.req.Clone()
	if mutate != nil {
		if err := mutate(&after); err != nil {
			return domain.TestRequest{}, err
		}
	}
	after.Version = expectedVersion + 1
	if err := s.check(ctx, domain.ActionUpdate, &before, &after); err != nil {
		return domain.TestRequest{}, err
	}
	if err := ctx.Err(); err != nil {
		return domain.TestRequest{}, err
	}
	rec.req = after
	return after.Clone(), nil
}

// Query returns copies of the matching requests in triage order.
func (s *Store) Query(ctx context.Context, filter domain.RequestFilter) ([]domain.TestRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	recs := s.snapshotRecords()
	out := make([]domain.TestRequest, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		req, deleted := rec.req, rec.deleted
		if !deleted && filter.Matches(req) {
			out = append(out, req.Clone())
		}
		rec.mu.Unlock()
	}
	domain.SortForTriage(out)
	return filter.Page(out), nil
}

// Delete removes a Pending or Cancelled request.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec, ok := s.lookup(id)
	if !ok {
		return notFound(id)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.deleted {
		return notFound(id)
	}
	if !domain.CanDelete(rec.req.Status) {
		return domain.TransitionError{From: rec.req.Status, Reason: domain.ReasonDeleteForbidden}
	}
	before := rec.req.Clone()
	if err := s.check(ctx, domain.ActionDelete, &before, nil); err != nil {
		return err
	}
	rec.deleted = true
	s.mu.Lock()
	delete(s.records, id)
	s.mu.Unlock()
	return nil
}

// Close implements domain.PersistentStore.
func (s *Store) Close() error { return nil }

// ExportState copies the current contents.
func (s *Store) ExportState() Snapshot {
	snap := Snapshot{Requests: make(map[string]domain.TestRequest)}
	for _, rec := range s.snapshotRecords() {
		rec.mu.Lock()
		if !rec.deleted {
			snap.Requests[rec.req.ID] = rec.req.Clone()
		}
		rec.mu.Unlock()
	}
	return snap
}

// ImportState replaces the contents with snapshot. Rules are not evaluated.
func (s *Store) ImportState(snapshot Snapshot) {
	records := make(map[string]*record, len(snapshot.Requests))
	for id, req := range snapshot.Requests {
		records[id] = &record{req: req.Clone()}
	}
	s.mu.Lock()
	s.records = records
	s.mu.Unlock()
}

// snapshotRecords copies the index so record locks are never taken while
// the index lock is held.
func (s *Store) snapshotRecords() []*record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := make([]*record, 0, len(s.records))
	for _, rec := range s.records {
		recs = append(recs, rec)
	}
	return recs
}

func (s *Store) lookup(id string) (*record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	return rec, ok
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

func notFound(id string) error {
	return domain.NotFoundError{Entity: domain.EntityTestRequest, ID: id}
}
