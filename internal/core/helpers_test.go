package core

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	blobmemory "labflow/internal/infra/blob/memory"
	"labflow/internal/infra/persistence/memory"
	"labflow/pkg/domain"
)

var (
	doctor       = domain.Actor{ID: "doc-1", Name: "Dr. Ada", Role: domain.RoleDoctor, CenterID: "c1"}
	otherDoctor  = domain.Actor{ID: "doc-2", Name: "Dr. Bo", Role: domain.RoleDoctor, CenterID: "c1"}
	labStaff     = domain.Actor{ID: "L1", Name: "Lab One", Role: domain.RoleLabStaff, CenterID: "c1"}
	technician   = domain.Actor{ID: "T1", Name: "Tech One", Role: domain.RoleLabTechnician, CenterID: "c1"}
	labManager   = domain.Actor{ID: "M1", Name: "Manager", Role: domain.RoleLabManager, CenterID: "c1"}
	centerAdmin  = domain.Actor{ID: "A1", Name: "Admin", Role: domain.RoleCenterAdmin, CenterID: "c1"}
	receptionist = domain.Actor{ID: "R1", Role: domain.RoleReceptionist, CenterID: "c1"}
	remoteStaff  = domain.Actor{ID: "L9", Role: domain.RoleLabStaff, CenterID: "c2"}
	superAdmin   = domain.Actor{ID: "S1", Role: domain.RoleSuperAdmin}
)

// stepClock advances one minute per call.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Minute)
	return c.now
}

type fixture struct {
	svc   *Service
	store *memory.Store
	blobs *blobmemory.Store
	clock *stepClock
}

func newFixture(t *testing.T, opts ...Option) fixture {
	t.Helper()
	var seq uint64
	f := fixture{
		store: memory.NewStore(NewDefaultRulesEngine()),
		blobs: blobmemory.New(),
		clock: newStepClock(),
	}
	base := []Option{
		WithClock(f.clock),
		WithIDGenerator(func() string { return fmt.Sprintf("id-%d", atomic.AddUint64(&seq, 1)) }),
	}
	f.svc = NewService(f.store, f.blobs, append(base, opts...)...)
	return f
}

func draft(urgency domain.Urgency) domain.Draft {
	return domain.Draft{
		PatientID:   "p1",
		PatientName: "Grace Hopper",
		CenterID:    "c1",
		CenterName:  "North Clinic",
		TestType:    "Complete blood count",
		Urgency:     urgency,
	}
}

func pdfFixture() []byte {
	var b bytes.Buffer
	b.WriteString("%PDF-1.7\n1 0 obj << /Type /Catalog >> endobj\n")
	b.Write(bytes.Repeat([]byte("0"), 1024))
	b.WriteString("\ntrailer << /Root 1 0 R >>\n%%EOF\n")
	return b.Bytes()
}

func pngFixture() []byte {
	return append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), bytes.Repeat([]byte{0}, 600)...)
}

func jpegFixture() []byte {
	return append([]byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00}, bytes.Repeat([]byte{0}, 600)...)
}

func ptr[T any](v T) *T { return &v }

// advanceTo drives a freshly created request forward to target using the
// roles allowed on each edge.
func (f fixture) advanceTo(t *testing.T, id string, target domain.Status) domain.TestRequest {
	t.Helper()
	ctx := testContext(t)
	req, err := f.svc.GetRequest(ctx, superAdmin, id)
	if err != nil {
		t.Fatalf("load %s: %v", id, err)
	}
	for req.Status != target {
		switch req.Status {
		case domain.StatusPending:
			req, err = f.svc.Assign(ctx, labStaff, id, labStaff.ID, labStaff.Name, req.Version)
		case domain.StatusTestingCompleted:
			req, err = f.svc.StoreReport(ctx, technician, id, pdfFixture(), MIMEPDF, ReportMeta{FileName: "report.pdf"}, req.Version)
		case domain.StatusAssigned, domain.StatusSampleCollectionScheduled, domain.StatusSampleCollected, domain.StatusInLabTesting:
			next, _ := domain.Successor(req.Status)
			req, err = f.svc.TransitionStatus(ctx, technician, id, next, req.Version, domain.StageFields{})
		default:
			next, ok := domain.Successor(req.Status)
			if !ok {
				t.Fatalf("cannot advance past %s", req.Status)
			}
			req, err = f.svc.TransitionStatus(ctx, doctor, id, next, req.Version, domain.StageFields{})
		}
		if err != nil {
			t.Fatalf("advance %s toward %s: %v", id, target, err)
		}
		checkLifecycleInvariants(t, req)
	}
	return req
}

// checkLifecycleInvariants asserts the status-dependent presence of the
// assignee, the report artifact and the completion date.
func checkLifecycleInvariants(t *testing.T, req domain.TestRequest) {
	t.Helper()
	wantAssignee := req.Status.AtLeast(domain.StatusAssigned)
	if (req.AssignedLabStaffID != "") != wantAssignee {
		t.Fatalf("%s in %s: assignee %q, want present=%v", req.ID, req.Status, req.AssignedLabStaffID, wantAssignee)
	}
	wantReport := req.Status == domain.StatusReportGenerated || req.Status == domain.StatusReportSent || req.Status == domain.StatusCompleted
	if (req.ReportArtifactRef != "") != wantReport {
		t.Fatalf("%s in %s: report ref %q, want present=%v", req.ID, req.Status, req.ReportArtifactRef, wantReport)
	}
	if (req.CompletedDate != nil) != (req.Status == domain.StatusCompleted) {
		t.Fatalf("%s in %s: completedDate %v", req.ID, req.Status, req.CompletedDate)
	}
}

func (f fixture) create(t *testing.T, urgency domain.Urgency) domain.TestRequest {
	t.Helper()
	req, err := f.svc.CreateRequest(testContext(t), doctor, draft(urgency))
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	return req
}
