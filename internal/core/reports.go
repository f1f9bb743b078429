package core

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	blobcore "labflow/internal/blob/core"
	"labflow/pkg/domain"
)

// Report MIME types accepted by DefaultReportPolicy.
const (
	MIMEPDF  = "application/pdf"
	MIMEPNG  = "image/png"
	MIMEJPEG = "image/jpeg"
)

const (
	defaultMinReportSize = 512
	defaultMaxReportSize = 25 << 20
	pdfTrailerWindow     = 1024
)

// ReportPolicy is the write-time validation applied to report content.
type ReportPolicy struct {
	MinSize      int
	MaxSize      int
	AllowedTypes []string
}

// DefaultReportPolicy accepts PDF, PNG and JPEG reports of at least 512 bytes.
func DefaultReportPolicy() ReportPolicy {
	return ReportPolicy{
		MinSize:      defaultMinReportSize,
		MaxSize:      defaultMaxReportSize,
		AllowedTypes: []string{MIMEPDF, MIMEPNG, MIMEJPEG},
	}
}

// Validate checks content against the declared type. It returns an
// ArtifactError with reason unsupported_type or corrupt_or_undersized.
func (p ReportPolicy) Validate(requestID string, content []byte, declared string) error {
	mediaType, _, err := mime.ParseMediaType(declared)
	if err != nil || !containsString(p.AllowedTypes, mediaType) {
		return domain.ArtifactError{RequestID: requestID, Reason: domain.ArtifactUnsupportedType,
			Err: fmt.Errorf("content type %q not accepted", declared)}
	}
	corrupt := func(format string, args ...any) error {
		return domain.ArtifactError{RequestID: requestID, Reason: domain.ArtifactCorruptOrUndersized, Err: fmt.Errorf(format, args...)}
	}
	switch {
	case len(content) == 0:
		return corrupt("content is empty")
	case len(content) < p.MinSize:
		return corrupt("content is %d bytes, minimum is %d", len(content), p.MinSize)
	case p.MaxSize > 0 && len(content) > p.MaxSize:
		return corrupt("content is %d bytes, maximum is %d", len(content), p.MaxSize)
	}
	if detected := mimetype.Detect(content); !detected.Is(mediaType) {
		return corrupt("content signature %s does not match declared %s", detected.String(), mediaType)
	}
	if mediaType == MIMEPDF {
		tail := content
		if len(tail) > pdfTrailerWindow {
			tail = tail[len(tail)-pdfTrailerWindow:]
		}
		if !bytes.Contains(tail, []byte("%%EOF")) {
			return corrupt("pdf has no %%%%EOF trailer")
		}
	}
	return nil
}

// ReportMeta carries the optional reporting fields supplied with a report.
type ReportMeta struct {
	GeneratedByName string `json:"generatedByName,omitempty"`
	Notes           string `json:"notes,omitempty"`
	FileName        string `json:"fileName,omitempty"`
}

// Report is a retrieved report artifact.
type Report struct {
	RequestID   string
	Ref         string
	ContentType string
	Size        int64
	Content     []byte
}

// StoreReport validates and stores the report of a Testing_Completed request
// and moves it to Report_Generated. The blob is written before the record
// update and removed again if the update fails, so either both happen or
// neither does.
func (s *Service) StoreReport(ctx context.Context, actor domain.Actor, id string, content []byte, mimeType string, meta ReportMeta, expectedVersion int64) (domain.TestRequest, error) {
	var updated domain.TestRequest
	err := s.run(ctx, "store_report", actor, AuditEntry{EntityID: id, To: domain.StatusReportGenerated}, func(ctx context.Context, entry *AuditEntry) error {
		if err := domain.AuthorizeReport(actor.Role); err != nil {
			return err
		}
		current, err := s.loadVisible(ctx, actor, id)
		if err != nil {
			return err
		}
		entry.From = current.Status
		if current.Status.HasReport() {
			return domain.ArtifactError{RequestID: id, Reason: domain.ArtifactAlreadyStored}
		}
		if err := domain.ValidateTransition(current.Status, domain.StatusReportGenerated, actor.Role); err != nil {
			return err
		}
		if current.Version != expectedVersion {
			return domain.ConflictError{ID: id, ExpectedVersion: expectedVersion, ActualVersion: current.Version, Reason: domain.ConflictStaleVersion}
		}
		if err := s.policy.Validate(id, content, mimeType); err != nil {
			return err
		}
		ref, err := s.putArtifact(ctx, id, content, mimeType, meta)
		if err != nil {
			return err
		}
		updated, err = s.update(ctx, id, expectedVersion, func(r *domain.TestRequest) error {
			if r.Status.HasReport() {
				return domain.ArtifactError{RequestID: id, Reason: domain.ArtifactAlreadyStored}
			}
			if err := domain.ValidateTransition(r.Status, domain.StatusReportGenerated, actor.Role); err != nil {
				return err
			}
			now := s.clock.Now().UTC()
			r.ReportArtifactRef = ref
			r.ReportGeneratedDate = &now
			r.ReportGeneratedByName = firstNonEmpty(meta.GeneratedByName, actor.Name, actor.ID)
			if meta.Notes != "" {
				r.ReportNotes = meta.Notes
			}
			r.Status = domain.StatusReportGenerated
			r.UpdatedAt = now
			return nil
		})
		if err != nil {
			s.discardArtifact(ctx, ref)
			return err
		}
		entry.Version = updated.Version
		return nil
	})
	return updated, err
}

// SupersedeReport replaces the report of a Report_Generated or Report_Sent
// request with regenerated content. The previous artifact is kept.
func (s *Service) SupersedeReport(ctx context.Context, actor domain.Actor, id string, content []byte, mimeType string, meta ReportMeta, expectedVersion int64) (domain.TestRequest, error) {
	var updated domain.TestRequest
	err := s.run(ctx, "supersede_report", actor, AuditEntry{EntityID: id}, func(ctx context.Context, entry *AuditEntry) error {
		if err := domain.AuthorizeReport(actor.Role); err != nil {
			return err
		}
		current, err := s.loadVisible(ctx, actor, id)
		if err != nil {
			return err
		}
		entry.From, entry.To = current.Status, current.Status
		if err := checkSupersedable(current); err != nil {
			return err
		}
		if current.Version != expectedVersion {
			return domain.ConflictError{ID: id, ExpectedVersion: expectedVersion, ActualVersion: current.Version, Reason: domain.ConflictStaleVersion}
		}
		if err := s.policy.Validate(id, content, mimeType); err != nil {
			return err
		}
		ref, err := s.putArtifact(ctx, id, content, mimeType, meta)
		if err != nil {
			return err
		}
		updated, err = s.update(ctx, id, expectedVersion, func(r *domain.TestRequest) error {
			if err := checkSupersedable(*r); err != nil {
				return err
			}
			now := s.clock.Now().UTC()
			r.ReportArtifactRef = ref
			r.ReportGeneratedDate = &now
			r.ReportGeneratedByName = firstNonEmpty(meta.GeneratedByName, actor.Name, actor.ID)
			if meta.Notes != "" {
				r.ReportNotes = meta.Notes
			}
			r.UpdatedAt = now
			return nil
		})
		if err != nil {
			s.discardArtifact(ctx, ref)
			return err
		}
		entry.Version = updated.Version
		return nil
	})
	return updated, err
}

func checkSupersedable(req domain.TestRequest) error {
	switch {
	case req.Status == domain.StatusReportGenerated || req.Status == domain.StatusReportSent:
		return nil
	case req.Status.IsTerminal():
		return domain.TransitionError{From: req.Status, To: req.Status, Reason: domain.ReasonTerminal}
	default:
		return domain.ArtifactError{RequestID: req.ID, Reason: domain.ArtifactNotReady}
	}
}

// RetrieveReport returns the stored report once the request has reached
// Report_Generated. The record is read once; the blob is streamed without
// holding anything on the record.
func (s *Service) RetrieveReport(ctx context.Context, actor domain.Actor, id string) (Report, error) {
	var report Report
	err := s.run(ctx, "retrieve_report", actor, AuditEntry{EntityID: id}, func(ctx context.Context, entry *AuditEntry) error {
		current, err := s.loadVisible(ctx, actor, id)
		if err != nil {
			return err
		}
		entry.From = current.Status
		entry.Version = current.Version
		if !current.Status.HasReport() {
			return domain.ArtifactError{RequestID: id, Reason: domain.ArtifactNotReady}
		}
		if current.ReportArtifactRef == "" {
			return domain.ArtifactError{RequestID: id, Reason: domain.ArtifactMissing}
		}
		info, rc, err := s.blobs.Get(ctx, current.ReportArtifactRef)
		if err != nil {
			if errors.Is(err, blobcore.ErrNotFound) {
				return domain.ArtifactError{RequestID: id, Reason: domain.ArtifactMissing, Err: err}
			}
			return domain.Infrastructure("get report blob", err)
		}
		defer func() { _ = rc.Close() }()
		data, err := io.ReadAll(rc)
		if err != nil {
			return domain.Infrastructure("read report blob", err)
		}
		report = Report{
			RequestID:   id,
			Ref:         current.ReportArtifactRef,
			ContentType: info.ContentType,
			Size:        int64(len(data)),
			Content:     data,
		}
		return nil
	})
	return report, err
}

func reportPrefix(id string) string { return "reports/" + id + "/" }

func (s *Service) putArtifact(ctx context.Context, id string, content []byte, mimeType string, meta ReportMeta) (string, error) {
	sum := sha256.Sum256(content)
	key := reportPrefix(id) + s.newID()
	md := map[string]string{
		"request-id": id,
		"sha256":     hex.EncodeToString(sum[:]),
		"size":       strconv.Itoa(len(content)),
	}
	if name := strings.TrimSpace(meta.FileName); name != "" {
		md["file-name"] = name
	}
	if _, err := s.blobs.Put(ctx, key, bytes.NewReader(content), blobcore.PutOptions{ContentType: mimeType, Metadata: md}); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", domain.Infrastructure("put report blob", err)
	}
	return key, nil
}

// discardArtifact removes a blob whose record update failed. It ignores
// caller cancellation so an aborted request does not leave orphans.
func (s *Service) discardArtifact(ctx context.Context, key string) {
	if _, err := s.blobs.Delete(context.WithoutCancel(ctx), key); err != nil {
		s.logger.Warn("discard report artifact", "key", key, "error", err)
	}
}

// removeArtifacts deletes every artifact stored for a deleted request.
func (s *Service) removeArtifacts(ctx context.Context, id string) {
	ctx = context.WithoutCancel(ctx)
	infos, err := s.blobs.List(ctx, reportPrefix(id))
	if err != nil {
		s.logger.Warn("list report artifacts", "request_id", id, "error", err)
		return
	}
	for _, info := range infos {
		if _, err := s.blobs.Delete(ctx, info.Key); err != nil {
			s.logger.Warn("delete report artifact", "key", info.Key, "error", err)
		}
	}
}
