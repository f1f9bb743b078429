// Package httpapi exposes the lifecycle service over HTTP. Every route under
// /api/v1 is authenticated; the actor is derived per request and passed to
// the service explicitly.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"labflow/internal/core"
	"labflow/pkg/domain"
)

const (
	headerExpectedVersion = "X-Expected-Version"
	headerGeneratedBy     = "X-Report-Generated-By"
	headerReportNotes     = "X-Report-Notes"
	headerFileName        = "X-Report-File-Name"

	defaultMaxReportBytes = 32 << 20
)

type actorKey struct{}

// Handler routes HTTP requests to a core.Service.
type Handler struct {
	svc            *core.Service
	auth           Authenticator
	logger         core.Logger
	metrics        http.Handler
	openAPI        []byte
	rateLimit      int
	maxReportBytes int64
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger logs failed requests.
func WithLogger(l core.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(m http.Handler) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithOpenAPI serves doc on /openapi.yaml.
func WithOpenAPI(doc []byte) Option {
	return func(h *Handler) { h.openAPI = doc }
}

// WithRateLimit caps requests per minute per client IP. Zero disables it.
func WithRateLimit(perMinute int) Option {
	return func(h *Handler) { h.rateLimit = perMinute }
}

// WithMaxReportBytes bounds uploaded report bodies.
func WithMaxReportBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxReportBytes = n
		}
	}
}

// NewHandler builds a handler; auth decides who the caller is.
func NewHandler(svc *core.Service, auth Authenticator, opts ...Option) *Handler {
	h := &Handler{
		svc:            svc,
		auth:           auth,
		logger:         nopLogger{},
		maxReportBytes: defaultMaxReportBytes,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns the chi router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if h.rateLimit > 0 {
		r.Use(httprate.LimitByIP(h.rateLimit, time.Minute))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}

	if len(h.openAPI) > 0 {
		r.Get("/openapi.yaml", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/yaml")
			_, _ = w.Write(h.openAPI)
		})
	}

	r.Route("/api/v1/test-requests", func(r chi.Router) {
		r.Use(h.authenticate)
		r.Post("/", h.create)
		r.Get("/", h.list)
		r.Get("/pending", h.pending)
		r.Get("/completed", h.completed)
		r.Get("/counts", h.counts)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.get)
			r.Delete("/", h.delete)
			r.Post("/assign", h.assign)
			r.Post("/reassign", h.reassign)
			r.Post("/status", h.transition)
			r.Put("/report", h.storeReport)
			r.Post("/report/supersede", h.supersedeReport)
			r.Get("/report", h.retrieveReport)
		})
	})
	return r
}

func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.auth == nil {
			h.writeError(w, r, ErrUnauthenticated)
			return
		}
		actor, err := h.auth.Authenticate(r)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
	})
}

func actorFromContext(ctx context.Context) domain.Actor {
	actor, _ := ctx.Value(actorKey{}).(domain.Actor)
	return actor
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var draft domain.Draft
	if err := decodeJSON(r, &draft); err != nil {
		h.writeError(w, r, err)
		return
	}
	req, err := h.svc.CreateRequest(r.Context(), actorFromContext(r.Context()), draft)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/test-requests/"+req.ID)
	writeJSON(w, http.StatusCreated, req)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	req, err := h.svc.GetRequest(r.Context(), actorFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	actor := actorFromContext(r.Context())
	var reqs []domain.TestRequest
	if actor.Role.IsLab() {
		reqs, err = h.svc.ListForLabStaff(r.Context(), actor, filter)
	} else {
		reqs, err = h.svc.ListRequests(r.Context(), actor, filter)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": reqs, "count": len(reqs)})
}

func (h *Handler) pending(w http.ResponseWriter, r *http.Request) {
	reqs, err := h.svc.PendingForRole(r.Context(), actorFromContext(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": reqs, "count": len(reqs)})
}

func (h *Handler) completed(w http.ResponseWriter, r *http.Request) {
	from, err := parseTime(r.URL.Query().Get("from"), "from")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	to, err := parseTime(r.URL.Query().Get("to"), "to")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	reqs, err := h.svc.CompletedInRange(r.Context(), actorFromContext(r.Context()), from, to)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": reqs, "count": len(reqs)})
}

func (h *Handler) counts(w http.ResponseWriter, r *http.Request) {
	counts, err := h.svc.CountsByStatusAndUrgency(r.Context(), actorFromContext(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteRequest(r.Context(), actorFromContext(r.Context()), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type assignBody struct {
	LabStaffID      string `json:"labStaffId"`
	LabStaffName    string `json:"labStaffName"`
	ExpectedVersion int64  `json:"expectedVersion"`
}

func (h *Handler) assign(w http.ResponseWriter, r *http.Request) {
	var body assignBody
	if err := decodeJSON(r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	req, err := h.svc.Assign(r.Context(), actorFromContext(r.Context()), chi.URLParam(r, "id"), body.LabStaffID, body.LabStaffName, body.ExpectedVersion)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *Handler) reassign(w http.ResponseWriter, r *http.Request) {
	var body assignBody
	if err := decodeJSON(r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	req, err := h.svc.Reassign(r.Context(), actorFromContext(r.Context()), chi.URLParam(r, "id"), body.LabStaffID, body.LabStaffName, body.ExpectedVersion)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type transitionBody struct {
	Status          string             `json:"status"`
	ExpectedVersion int64              `json:"expectedVersion"`
	Fields          domain.StageFields `json:"fields"`
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request) {
	var body transitionBody
	if err := decodeJSON(r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	status, err := domain.ParseStatus(body.Status)
	if err != nil {
		h.writeError(w, r, badRequest("status", err.Error()))
		return
	}
	req, err := h.svc.TransitionStatus(r.Context(), actorFromContext(r.Context()), chi.URLParam(r, "id"), status, body.ExpectedVersion, body.Fields)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type reportWriter func(ctx context.Context, actor domain.Actor, id string, content []byte, mimeType string, meta core.ReportMeta, expectedVersion int64) (domain.TestRequest, error)

func (h *Handler) storeReport(w http.ResponseWriter, r *http.Request) {
	h.writeReport(w, r, h.svc.StoreReport)
}

func (h *Handler) supersedeReport(w http.ResponseWriter, r *http.Request) {
	h.writeReport(w, r, h.svc.SupersedeReport)
}

func (h *Handler) writeReport(w http.ResponseWriter, r *http.Request, write reportWriter) {
	version, err := strconv.ParseInt(r.Header.Get(headerExpectedVersion), 10, 64)
	if err != nil {
		h.writeError(w, r, badRequest(headerExpectedVersion, "must be an integer"))
		return
	}
	content, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxReportBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, r, domain.ArtifactError{RequestID: chi.URLParam(r, "id"), Reason: domain.ArtifactCorruptOrUndersized, Err: err})
			return
		}
		h.writeError(w, r, badRequest("body", err.Error()))
		return
	}
	meta := core.ReportMeta{
		GeneratedByName: r.Header.Get(headerGeneratedBy),
		Notes:           r.Header.Get(headerReportNotes),
		FileName:        r.Header.Get(headerFileName),
	}
	req, err := write(r.Context(), actorFromContext(r.Context()), chi.URLParam(r, "id"), content, r.Header.Get("Content-Type"), meta, version)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *Handler) retrieveReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.RetrieveReport(r.Context(), actorFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	contentType := report.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(report.Size, 10))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(report.Content)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return badRequest("body", err.Error())
	}
	return nil
}

func parseFilter(r *http.Request) (domain.RequestFilter, error) {
	q := r.URL.Query()
	filter := domain.RequestFilter{
		PatientID: q.Get("patientId"),
		Search:    q.Get("q"),
	}
	for _, raw := range splitCSV(q["status"]) {
		s, err := domain.ParseStatus(raw)
		if err != nil {
			return filter, badRequest("status", err.Error())
		}
		filter.Statuses = append(filter.Statuses, s)
	}
	for _, raw := range splitCSV(q["urgency"]) {
		u, err := domain.ParseUrgency(raw)
		if err != nil {
			return filter, badRequest("urgency", err.Error())
		}
		filter.Urgencies = append(filter.Urgencies, u)
	}
	var err error
	if filter.Limit, err = parseNonNegative(q.Get("limit"), "limit"); err != nil {
		return filter, err
	}
	if filter.Offset, err = parseNonNegative(q.Get("offset"), "offset"); err != nil {
		return filter, err
	}
	return filter, nil
}

func splitCSV(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func parseNonNegative(raw, field string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, badRequest(field, "must be a non-negative integer")
	}
	return n, nil
}

func parseTime(raw, field string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, badRequest(field, "required")
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, badRequest(field, "must be RFC3339")
	}
	return t, nil
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
