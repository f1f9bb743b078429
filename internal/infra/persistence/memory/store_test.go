package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"labflow/pkg/domain"
)

type blockCancelled struct{}

func (blockCancelled) Name() string { return "block_cancelled" }

func (blockCancelled) Evaluate(_ context.Context, changes []domain.Change) (domain.Result, error) {
	var res domain.Result
	for _, c := range changes {
		if after, ok := domain.DecodeChangePayload[domain.TestRequest](c.After); ok && after.Status == domain.StatusCancelled {
			res.Violations = append(res.Violations, domain.Violation{Rule: "block_cancelled", Severity: domain.SeverityBlock, Message: "no cancelling"})
		}
	}
	return res, nil
}

func newRequest(id string, urgency domain.Urgency, created time.Time) domain.TestRequest {
	return domain.TestRequest{
		Base:      domain.Base{ID: id, CreatedAt: created, UpdatedAt: created},
		PatientID: "p1",
		DoctorID:  "d1",
		CenterID:  "c1",
		TestType:  "CBC",
		Urgency:   urgency,
		Status:    domain.StatusPending,
	}
}

func TestStoreCreateGetUpdate(t *testing.T) {
	ctx := context.Background()
	store := NewStore(nil)
	created, err := store.Create(ctx, newRequest("r1", domain.UrgencyNormal, time.Now()))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Version != 0 {
		t.Fatalf("expected version 0, got %d", created.Version)
	}
	if _, err := store.Create(ctx, newRequest("r1", domain.UrgencyNormal, time.Now())); err == nil {
		t.Fatalf("expected duplicate create to fail")
	} else {
		var ce domain.ConflictError
		if !errors.As(err, &ce) || ce.Reason != domain.ConflictAlreadyExists {
			t.Fatalf("expected already_exists conflict, got %v", err)
		}
	}

	updated, err := store.Update(ctx, "r1", 0, func(r *domain.TestRequest) error {
		r.Status = domain.StatusAssigned
		r.AssignedLabStaffID = "L1"
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Version != 1 || updated.Status != domain.StatusAssigned {
		t.Fatalf("unexpected updated record %+v", updated)
	}

	_, err = store.Update(ctx, "r1", 0, func(r *domain.TestRequest) error {
		r.Notes = "stale"
		return nil
	})
	var ce domain.ConflictError
	if !errors.As(err, &ce) || ce.ExpectedVersion != 0 || ce.ActualVersion != 1 {
		t.Fatalf("expected stale version conflict, got %v", err)
	}
	got, err := store.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Notes != "" || got.Version != 1 {
		t.Fatalf("stale write must not mutate, got %+v", got)
	}

	if _, err := store.Get(ctx, "missing"); err == nil {
		t.Fatalf("expected not found")
	} else {
		var nf domain.NotFoundError
		if !errors.As(err, &nf) {
			t.Fatalf("expected NotFoundError, got %v", err)
		}
	}
}

func TestStoreMutatorErrorLeavesRecord(t *testing.T) {
	ctx := context.Background()
	store := NewStore(nil)
	if _, err := store.Create(ctx, newRequest("r1", domain.UrgencyNormal, time.Now())); err != nil {
		t.Fatalf("create: %v", err)
	}
	boom := errors.New("boom")
	if _, err := store.Update(ctx, "r1", 0, func(r *domain.TestRequest) error {
		r.Notes = "partial"
		return boom
	}); !errors.Is(err, boom) {
		t.Fatalf("expected mutator error, got %v", err)
	}
	got, _ := store.Get(ctx, "r1")
	if got.Notes != "" || got.Version != 0 {
		t.Fatalf("aborted mutation leaked: %+v", got)
	}
}

func TestStoreRulesBlockCommit(t *testing.T) {
	ctx := context.Background()
	engine := domain.NewRulesEngine()
	engine.Register(blockCancelled{})
	store := NewStore(engine)
	if store.RulesEngine() != engine {
		t.Fatalf("expected engine accessor to return engine")
	}
	if _, err := store.Create(ctx, newRequest("r1", domain.UrgencyNormal, time.Now())); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err := store.Update(ctx, "r1", 0, func(r *domain.TestRequest) error {
		r.Status = domain.StatusCancelled
		return nil
	})
	var rv domain.RuleViolationError
	if !errors.As(err, &rv) {
		t.Fatalf("expected rule violation, got %v", err)
	}
	got, _ := store.Get(ctx, "r1")
	if got.Status != domain.StatusPending || got.Version != 0 {
		t.Fatalf("blocked write must not commit: %+v", got)
	}
}

func TestStoreCancelledContextLeavesRecord(t *testing.T) {
	store := NewStore(nil)
	if _, err := store.Create(context.Background(), newRequest("r1", domain.UrgencyNormal, time.Now())); err != nil {
		t.Fatalf("create: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	_, err := store.Update(ctx, "r1", 0, func(r *domain.TestRequest) error {
		cancel()
		r.Notes = "late"
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
	got, _ := store.Get(context.Background(), "r1")
	if got.Version != 0 || got.Notes != "" {
		t.Fatalf("cancelled write committed: %+v", got)
	}
}

func TestStoreConcurrentUpdatesSingleWinner(t *testing.T) {
	ctx := context.Background()
	store := NewStore(nil)
	if _, err := store.Create(ctx, newRequest("r1", domain.UrgencyNormal, time.Now())); err != nil {
		t.Fatalf("create: %v", err)
	}
	const writers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	start := make(chan struct{})
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := store.Update(ctx, "r1", 0, func(r *domain.TestRequest) error {
				r.Notes = "writer"
				return nil
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if domain.IsRetryable(err) {
				conflicts++
			}
		}(i)
	}
	close(start)
	wg.Wait()
	if wins != 1 || conflicts != writers-1 {
		t.Fatalf("expected 1 winner and %d conflicts, got %d/%d", writers-1, wins, conflicts)
	}
	got, _ := store.Get(ctx, "r1")
	if got.Version != 1 {
		t.Fatalf("expected version 1 after race, got %d", got.Version)
	}
}

func TestStoreQueryOrdersAndDoesNotMutate(t *testing.T) {
	ctx := context.Background()
	store := NewStore(nil)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, r := range []domain.TestRequest{
		newRequest("a", domain.UrgencyNormal, base),
		newRequest("b", domain.UrgencyEmergency, base.Add(time.Hour)),
		newRequest("c", domain.UrgencyUrgent, base),
	} {
		if _, err := store.Create(ctx, r); err != nil {
			t.Fatalf("create %s: %v", r.ID, err)
		}
	}
	out, err := store.Query(ctx, domain.RequestFilter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(out) != 3 || out[0].ID != "b" || out[1].ID != "c" || out[2].ID != "a" {
		t.Fatalf("unexpected order: %v", ids(out))
	}
	out[0].Notes = "mutated copy"
	again, _ := store.Query(ctx, domain.RequestFilter{Urgencies: []domain.Urgency{domain.UrgencyEmergency}, Limit: 1})
	if len(again) != 1 || again[0].Notes != "" || again[0].Version != 0 {
		t.Fatalf("query leaked or bumped state: %+v", again)
	}
}

func TestStoreDeleteBoundary(t *testing.T) {
	ctx := context.Background()
	for _, status := range domain.Statuses {
		store := NewStore(nil)
		req := newRequest("r1", domain.UrgencyNormal, time.Now())
		req.Status = status
		store.ImportState(Snapshot{Requests: map[string]domain.TestRequest{"r1": req}})
		err := store.Delete(ctx, "r1")
		if domain.CanDelete(status) {
			if err != nil {
				t.Fatalf("delete in %s: %v", status, err)
			}
			if _, err := store.Get(ctx, "r1"); err == nil {
				t.Fatalf("expected record gone after delete in %s", status)
			}
			continue
		}
		var te domain.TransitionError
		if !errors.As(err, &te) {
			t.Fatalf("expected TransitionError deleting in %s, got %v", status, err)
		}
		if _, err := store.Get(ctx, "r1"); err != nil {
			t.Fatalf("record must survive refused delete in %s: %v", status, err)
		}
	}
}

func TestStoreExportImport(t *testing.T) {
	ctx := context.Background()
	store := NewStore(nil)
	if _, err := store.Create(ctx, newRequest("r1", domain.UrgencyNormal, time.Now())); err != nil {
		t.Fatalf("create: %v", err)
	}
	snap := store.ExportState()
	store.ImportState(Snapshot{})
	if out, _ := store.Query(ctx, domain.RequestFilter{}); len(out) != 0 {
		t.Fatalf("expected cleared state")
	}
	store.ImportState(snap)
	if _, err := store.Get(ctx, "r1"); err != nil {
		t.Fatalf("expected restored request: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func ids(reqs []domain.TestRequest) []string {
	out := make([]string, len(reqs))
	for i, r := range reqs {
		out[i] = r.ID
	}
	return out
}
