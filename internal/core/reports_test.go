package core

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	blobcore "labflow/internal/blob/core"
	blobmemory "labflow/internal/infra/blob/memory"
	"labflow/pkg/domain"
)

func TestReportPolicyValidate(t *testing.T) {
	policy := DefaultReportPolicy()
	noTrailer := bytes.ReplaceAll(pdfFixture(), []byte("%%EOF"), []byte("%%EOX"))
	cases := []struct {
		name     string
		content  []byte
		declared string
		reason   string
	}{
		{"pdf", pdfFixture(), MIMEPDF, ""},
		{"pdf with params", pdfFixture(), "application/pdf; charset=binary", ""},
		{"png", pngFixture(), MIMEPNG, ""},
		{"jpeg", jpegFixture(), MIMEJPEG, ""},
		{"empty", nil, MIMEPDF, domain.ArtifactCorruptOrUndersized},
		{"undersized", []byte("%PDF-1.7\n%%EOF"), MIMEPDF, domain.ArtifactCorruptOrUndersized},
		{"missing trailer", noTrailer, MIMEPDF, domain.ArtifactCorruptOrUndersized},
		{"signature mismatch", pngFixture(), MIMEPDF, domain.ArtifactCorruptOrUndersized},
		{"unsupported type", pdfFixture(), "text/plain", domain.ArtifactUnsupportedType},
		{"unparseable type", pdfFixture(), "", domain.ArtifactUnsupportedType},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := policy.Validate("r1", tc.content, tc.declared)
			if tc.reason == "" {
				if err != nil {
					t.Fatalf("expected valid content, got %v", err)
				}
				return
			}
			var aerr domain.ArtifactError
			if !errors.As(err, &aerr) || aerr.Reason != tc.reason {
				t.Fatalf("expected %s, got %v", tc.reason, err)
			}
		})
	}

	capped := ReportPolicy{MinSize: 1, MaxSize: 100, AllowedTypes: []string{MIMEPNG}}
	var aerr domain.ArtifactError
	if err := capped.Validate("r1", pngFixture(), MIMEPNG); !errors.As(err, &aerr) || aerr.Reason != domain.ArtifactCorruptOrUndersized {
		t.Fatalf("expected oversize rejection, got %v", err)
	}
}

func TestStoreReportRejections(t *testing.T) {
	f := newFixture(t)
	ctx := testContext(t)
	req := f.advanceTo(t, f.create(t, domain.UrgencyNormal).ID, domain.StatusInLabTesting)

	var terr domain.TransitionError
	if _, err := f.svc.StoreReport(ctx, technician, req.ID, pdfFixture(), MIMEPDF, ReportMeta{}, req.Version); !errors.As(err, &terr) {
		t.Fatalf("reports cannot be stored before testing completes, got %v", err)
	}
	var aerr domain.ArtifactError
	if _, err := f.svc.RetrieveReport(ctx, doctor, req.ID); !errors.As(err, &aerr) || aerr.Reason != domain.ArtifactNotReady {
		t.Fatalf("expected not_ready, got %v", err)
	}

	req = f.advanceTo(t, req.ID, domain.StatusTestingCompleted)
	var authz domain.AuthorizationError
	if _, err := f.svc.StoreReport(ctx, labStaff, req.ID, pdfFixture(), MIMEPDF, ReportMeta{}, req.Version); !errors.As(err, &authz) {
		t.Fatalf("lab staff cannot store reports, got %v", err)
	}
	if _, err := f.svc.StoreReport(ctx, technician, req.ID, []byte("tiny"), MIMEPDF, ReportMeta{}, req.Version); !errors.As(err, &aerr) || aerr.Reason != domain.ArtifactCorruptOrUndersized {
		t.Fatalf("expected corrupt_or_undersized, got %v", err)
	}
	var conflict domain.ConflictError
	if _, err := f.svc.StoreReport(ctx, technician, req.ID, pdfFixture(), MIMEPDF, ReportMeta{}, req.Version-1); !errors.As(err, &conflict) {
		t.Fatalf("expected stale version conflict, got %v", err)
	}
	if blobs, _ := f.blobs.List(ctx, ""); len(blobs) != 0 {
		t.Fatalf("rejected reports must not leave artifacts, got %d", len(blobs))
	}

	stored, err := f.svc.StoreReport(ctx, technician, req.ID, pngFixture(), MIMEPNG, ReportMeta{FileName: "scan.png"}, req.Version)
	if err != nil {
		t.Fatalf("store png: %v", err)
	}
	if _, err := f.svc.StoreReport(ctx, technician, req.ID, pdfFixture(), MIMEPDF, ReportMeta{}, stored.Version); !errors.As(err, &aerr) || aerr.Reason != domain.ArtifactAlreadyStored {
		t.Fatalf("expected already_stored, got %v", err)
	}

	info, err := f.blobs.Head(ctx, stored.ReportArtifactRef)
	if err != nil {
		t.Fatalf("head artifact: %v", err)
	}
	if info.Metadata["request-id"] != req.ID || info.Metadata["file-name"] != "scan.png" || info.Metadata["sha256"] == "" {
		t.Fatalf("unexpected artifact metadata %+v", info.Metadata)
	}
}

func TestRetrieveReportAfterDelivery(t *testing.T) {
	f := newFixture(t)
	ctx := testContext(t)
	done := f.advanceTo(t, f.create(t, domain.UrgencyNormal).ID, domain.StatusCompleted)
	report, err := f.svc.RetrieveReport(ctx, doctor, done.ID)
	if err != nil {
		t.Fatalf("retrieve from Completed: %v", err)
	}
	if !bytes.Equal(report.Content, pdfFixture()) {
		t.Fatalf("content changed")
	}

	if _, err := f.blobs.Delete(ctx, done.ReportArtifactRef); err != nil {
		t.Fatalf("delete blob: %v", err)
	}
	var aerr domain.ArtifactError
	if _, err := f.svc.RetrieveReport(ctx, doctor, done.ID); !errors.As(err, &aerr) || aerr.Reason != domain.ArtifactMissing {
		t.Fatalf("expected missing_artifact, got %v", err)
	}
}

func TestSupersedeReport(t *testing.T) {
	f := newFixture(t)
	ctx := testContext(t)
	req := f.advanceTo(t, f.create(t, domain.UrgencyNormal).ID, domain.StatusReportSent)
	previous := req.ReportArtifactRef

	updated, err := f.svc.SupersedeReport(ctx, labManager, req.ID, jpegFixture(), MIMEJPEG, ReportMeta{GeneratedByName: "Dr. Lab", Notes: "corrected"}, req.Version)
	if err != nil {
		t.Fatalf("supersede: %v", err)
	}
	if updated.Status != domain.StatusReportSent || updated.ReportArtifactRef == previous || updated.ReportNotes != "corrected" {
		t.Fatalf("unexpected superseded request %+v", updated)
	}
	if _, err := f.blobs.Head(ctx, previous); err != nil {
		t.Fatalf("previous artifact must be kept: %v", err)
	}
	report, err := f.svc.RetrieveReport(ctx, doctor, req.ID)
	if err != nil || !bytes.Equal(report.Content, jpegFixture()) || report.ContentType != MIMEJPEG {
		t.Fatalf("expected superseded content, got %v", err)
	}

	early := f.advanceTo(t, f.create(t, domain.UrgencyNormal).ID, domain.StatusTestingCompleted)
	var aerr domain.ArtifactError
	if _, err := f.svc.SupersedeReport(ctx, technician, early.ID, pdfFixture(), MIMEPDF, ReportMeta{}, early.Version); !errors.As(err, &aerr) || aerr.Reason != domain.ArtifactNotReady {
		t.Fatalf("expected not_ready, got %v", err)
	}
}

// conflictingStore wraps a store so that every update loses a race.
type conflictingStore struct {
	domain.PersistentStore
}

func (c conflictingStore) Update(_ context.Context, id string, expected int64, _ domain.Mutator) (domain.TestRequest, error) {
	return domain.TestRequest{}, domain.ConflictError{ID: id, ExpectedVersion: expected, ActualVersion: expected + 1, Reason: domain.ConflictStaleVersion}
}

func TestStoreReportDiscardsBlobWhenUpdateFails(t *testing.T) {
	f := newFixture(t)
	req := f.advanceTo(t, f.create(t, domain.UrgencyNormal).ID, domain.StatusTestingCompleted)

	blobs := blobmemory.New()
	svc := NewService(conflictingStore{f.store}, blobs, WithClock(f.clock))
	var conflict domain.ConflictError
	if _, err := svc.StoreReport(testContext(t), technician, req.ID, pdfFixture(), MIMEPDF, ReportMeta{}, req.Version); !errors.As(err, &conflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if list, _ := blobs.List(context.Background(), ""); len(list) != 0 {
		t.Fatalf("orphaned artifact left behind: %+v", list)
	}
}

// failingBlobs refuses every write.
type failingBlobs struct {
	blobcore.Store
}

func (failingBlobs) Put(context.Context, string, io.Reader, blobcore.PutOptions) (blobcore.Info, error) {
	return blobcore.Info{}, errors.New("disk full")
}

func TestStoreReportBlobFailureIsInfrastructure(t *testing.T) {
	f := newFixture(t)
	req := f.advanceTo(t, f.create(t, domain.UrgencyNormal).ID, domain.StatusTestingCompleted)
	svc := NewService(f.store, failingBlobs{Store: f.blobs}, WithClock(f.clock))
	_, err := svc.StoreReport(testContext(t), technician, req.ID, pdfFixture(), MIMEPDF, ReportMeta{}, req.Version)
	if !errors.Is(err, domain.ErrInfrastructure) {
		t.Fatalf("expected infrastructure error, got %v", err)
	}
	stored, _ := f.store.Get(testContext(t), req.ID)
	if stored.Status != domain.StatusTestingCompleted || stored.Version != req.Version {
		t.Fatalf("record must be unchanged, got %+v", stored)
	}
}

func TestStoreReportCancelledLeavesRecord(t *testing.T) {
	f := newFixture(t)
	req := f.advanceTo(t, f.create(t, domain.UrgencyNormal).ID, domain.StatusTestingCompleted)
	ctx, cancel := context.WithCancel(testContext(t))
	cancel()
	if _, err := f.svc.StoreReport(ctx, technician, req.ID, pdfFixture(), MIMEPDF, ReportMeta{}, req.Version); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	stored, _ := f.store.Get(testContext(t), req.ID)
	if stored.Version != req.Version || stored.ReportArtifactRef != "" {
		t.Fatalf("cancelled store must not change the record, got %+v", stored)
	}
	if list, _ := f.blobs.List(testContext(t), ""); len(list) != 0 {
		t.Fatalf("cancelled store must not leave artifacts, got %d", len(list))
	}
}

func TestRetrieveReportNotReadyOutsideReportStates(t *testing.T) {
	for _, status := range domain.Statuses {
		if status.HasReport() || status == domain.StatusCancelled {
			continue
		}
		t.Run(string(status), func(t *testing.T) {
			f := newFixture(t)
			req := f.advanceTo(t, f.create(t, domain.UrgencyNormal).ID, status)
			var aerr domain.ArtifactError
			if _, err := f.svc.RetrieveReport(testContext(t), doctor, req.ID); !errors.As(err, &aerr) || aerr.Reason != domain.ArtifactNotReady {
				t.Fatalf("expected not_ready at %s, got %v", status, err)
			}
		})
	}

	for _, from := range []domain.Status{domain.StatusPending, domain.StatusInLabTesting, domain.StatusReportGenerated, domain.StatusReportSent} {
		t.Run("Cancelled from "+string(from), func(t *testing.T) {
			f := newFixture(t)
			req := f.advanceTo(t, f.create(t, domain.UrgencyNormal).ID, from)
			cancelled, err := f.svc.TransitionStatus(testContext(t), labManager, req.ID, domain.StatusCancelled, req.Version, domain.StageFields{})
			if err != nil {
				t.Fatalf("cancel: %v", err)
			}
			checkLifecycleInvariants(t, cancelled)
			var aerr domain.ArtifactError
			if _, err := f.svc.RetrieveReport(testContext(t), doctor, req.ID); !errors.As(err, &aerr) || aerr.Reason != domain.ArtifactNotReady {
				t.Fatalf("expected not_ready after cancel from %s, got %v", from, err)
			}
		})
	}
}
