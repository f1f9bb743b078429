package core

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	blobcore "labflow/internal/blob/core"
	"labflow/pkg/domain"
)

// Service implements the test request lifecycle on top of a PersistentStore
// and a blob store. It holds no session state: every operation receives the
// acting user explicitly.
type Service struct {
	store    domain.PersistentStore
	blobs    blobcore.Store
	engine   *RulesEngine
	logger   Logger
	audit    AuditRecorder
	metrics  MetricsRecorder
	tracer   Tracer
	clock    Clock
	policy   ReportPolicy
	validate *validator.Validate
	newID    func() string
}

// Option customises a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithAuditRecorder sets the audit sink.
func WithAuditRecorder(r AuditRecorder) Option {
	return func(s *Service) {
		if r != nil {
			s.audit = r
		}
	}
}

// WithMetricsRecorder sets the metrics sink.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(t Tracer) Option {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithClock overrides the time source.
func WithClock(c Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithRulesEngine replaces the engine the service evaluates before writing.
func WithRulesEngine(e *RulesEngine) Option {
	return func(s *Service) {
		if e != nil {
			s.engine = e
		}
	}
}

// WithReportPolicy replaces the report content policy.
func WithReportPolicy(p ReportPolicy) Option {
	return func(s *Service) { s.policy = p }
}

// WithIDGenerator overrides request and artifact id generation.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// NewService constructs a lifecycle service.
func NewService(store domain.PersistentStore, blobs blobcore.Store, opts ...Option) *Service {
	s := &Service{
		store:    store,
		blobs:    blobs,
		engine:   NewDefaultRulesEngine(),
		logger:   noopLogger{},
		audit:    noopAuditRecorder{},
		metrics:  noopMetricsRecorder{},
		tracer:   noopTracer{},
		clock:    systemClock{},
		policy:   DefaultReportPolicy(),
		validate: newDraftValidator(),
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store returns the underlying request store.
func (s *Service) Store() domain.PersistentStore { return s.store }

// run wraps an operation with tracing, metrics, audit and logging.
func (s *Service) run(ctx context.Context, op string, actor domain.Actor, entry AuditEntry, fn func(context.Context, *AuditEntry) error) error {
	ctx, span := s.tracer.Start(ctx, op)
	started := time.Now()
	entry.Operation = op
	entry.Actor = actor.ID
	entry.Role = actor.Role
	entry.CenterID = actor.CenterID

	err := fn(ctx, &entry)

	elapsed := time.Since(started)
	span.End(err)
	s.metrics.Observe(ctx, op, err == nil, elapsed)
	entry.At = s.clock.Now()
	entry.Status = AuditStatusSuccess
	if err != nil {
		entry.Status = AuditStatusError
		entry.Error = err.Error()
	}
	s.audit.Record(ctx, entry)

	switch {
	case err == nil:
		s.logger.Debug("core operation completed", "operation", op, "entity_id", entry.EntityID, "duration", elapsed)
	case errors.Is(err, domain.ErrInfrastructure):
		s.logger.Error("core operation failed", "operation", op, "entity_id", entry.EntityID, "error", err)
	default:
		s.logger.Warn("core operation rejected", "operation", op, "entity_id", entry.EntityID, "error", err)
	}
	return err
}

// CreateRequest opens a new Pending request on behalf of a doctor.
func (s *Service) CreateRequest(ctx context.Context, actor domain.Actor, draft domain.Draft) (domain.TestRequest, error) {
	var created domain.TestRequest
	err := s.run(ctx, "create_request", actor, AuditEntry{}, func(ctx context.Context, entry *AuditEntry) error {
		if err := domain.AuthorizeCreate(actor.Role); err != nil {
			return err
		}
		if err := s.validateDraft(draft); err != nil {
			return err
		}
		if draft.DoctorID != "" && draft.DoctorID != actor.ID {
			return domain.ValidationError{Field: "doctorId", Message: "must match the requesting doctor"}
		}
		if actor.CenterID != "" && draft.CenterID != actor.CenterID {
			return domain.AuthorizationError{Role: actor.Role, Operation: "create request for another center"}
		}
		urgency, err := domain.ParseUrgency(string(draft.Urgency))
		if err != nil {
			return domain.ValidationError{Field: "urgency", Message: err.Error()}
		}
		now := s.clock.Now().UTC()
		req := domain.TestRequest{
			Base:            domain.Base{ID: s.newID(), CreatedAt: now, UpdatedAt: now},
			PatientID:       draft.PatientID,
			DoctorID:        actor.ID,
			CenterID:        draft.CenterID,
			PatientName:     draft.PatientName,
			DoctorName:      firstNonEmpty(draft.DoctorName, actor.Name),
			CenterName:      draft.CenterName,
			TestType:        strings.TrimSpace(draft.TestType),
			TestDescription: draft.TestDescription,
			Notes:           draft.Notes,
			Urgency:         urgency,
			Status:          domain.StatusPending,
		}
		entry.EntityID = req.ID
		entry.To = req.Status
		if err := s.precheck(ctx, domain.ActionCreate, nil, &req); err != nil {
			return err
		}
		created, err = s.store.Create(ctx, req)
		return TranslateRuleError(err)
	})
	return created, err
}

// GetRequest returns a request visible to actor.
func (s *Service) GetRequest(ctx context.Context, actor domain.Actor, id string) (domain.TestRequest, error) {
	var req domain.TestRequest
	err := s.run(ctx, "get_request", actor, AuditEntry{EntityID: id}, func(ctx context.Context, entry *AuditEntry) error {
		var err error
		req, err = s.loadVisible(ctx, actor, id)
		entry.Version = req.Version
		return err
	})
	return req, err
}

// ListRequests returns requests matching filter, narrowed to what actor may see.
func (s *Service) ListRequests(ctx context.Context, actor domain.Actor, filter domain.RequestFilter) ([]domain.TestRequest, error) {
	var out []domain.TestRequest
	err := s.run(ctx, "list_requests", actor, AuditEntry{}, func(ctx context.Context, _ *AuditEntry) error {
		scoped, ok := scopeFilter(actor, filter)
		if !ok {
			out = []domain.TestRequest{}
			return nil
		}
		var err error
		out, err = s.store.Query(ctx, scoped)
		return err
	})
	return out, err
}

// ListForLabStaff lists the lab work visible to a lab role. lab_staff only
// sees unassigned requests and their own.
func (s *Service) ListForLabStaff(ctx context.Context, actor domain.Actor, filter domain.RequestFilter) ([]domain.TestRequest, error) {
	var out []domain.TestRequest
	err := s.run(ctx, "list_for_lab_staff", actor, AuditEntry{}, func(ctx context.Context, _ *AuditEntry) error {
		if !actor.Role.IsLab() {
			return domain.AuthorizationError{
				Role:          actor.Role,
				RequiredRoles: []domain.Role{domain.RoleLabAssistant, domain.RoleLabManager, domain.RoleLabStaff, domain.RoleLabTechnician},
				Operation:     "list lab work",
			}
		}
		scoped, ok := scopeFilter(actor, filter)
		if !ok {
			out = []domain.TestRequest{}
			return nil
		}
		var err error
		out, err = s.store.Query(ctx, scoped)
		return err
	})
	return out, err
}

// TransitionStatus moves a request along the lifecycle graph, applying the
// stage fields that belong to the target state. Re-submitting the current
// status succeeds without touching the record.
func (s *Service) TransitionStatus(ctx context.Context, actor domain.Actor, id string, to domain.Status, expectedVersion int64, fields domain.StageFields) (domain.TestRequest, error) {
	if to == domain.StatusAssigned {
		if err := domain.AuthorizeSelfAssign(actor.Role); err != nil {
			return domain.TestRequest{}, s.run(ctx, "assign_request", actor, AuditEntry{EntityID: id, To: to}, func(context.Context, *AuditEntry) error {
				return err
			})
		}
		return s.Assign(ctx, actor, id, actor.ID, actor.Name, expectedVersion)
	}
	var updated domain.TestRequest
	err := s.run(ctx, "transition_status", actor, AuditEntry{EntityID: id, To: to}, func(ctx context.Context, entry *AuditEntry) error {
		current, err := s.loadVisible(ctx, actor, id)
		if err != nil {
			return err
		}
		entry.From = current.Status
		if err := domain.ValidateTransition(current.Status, to, actor.Role); err != nil {
			return err
		}
		if current.Status == to {
			updated = current
			entry.Version = current.Version
			return nil
		}
		if to == domain.StatusReportGenerated {
			return domain.ArtifactError{RequestID: id, Reason: domain.ArtifactMissing,
				Err: errors.New("store the report to generate it")}
		}
		stageRank := to.Rank()
		if to == domain.StatusCancelled {
			stageRank = current.Status.Rank()
		}
		if err := checkStageFields(fields, stageRank); err != nil {
			return err
		}
		updated, err = s.update(ctx, id, expectedVersion, func(r *domain.TestRequest) error {
			if err := domain.ValidateTransition(r.Status, to, actor.Role); err != nil {
				return err
			}
			now := s.clock.Now().UTC()
			applyStageFields(r, fields)
			switch to {
			case domain.StatusSampleCollected:
				if r.SampleCollectionActualDate == nil {
					r.SampleCollectionActualDate = &now
				}
			case domain.StatusInLabTesting:
				if r.TestingStartDate == nil {
					r.TestingStartDate = &now
				}
			case domain.StatusTestingCompleted:
				if r.TestingEndDate == nil {
					r.TestingEndDate = &now
				}
			case domain.StatusCompleted:
				r.CompletedDate = &now
			case domain.StatusCancelled:
				// Stored artifacts stay under the request prefix until delete.
				r.AssignedLabStaffID = ""
				r.AssignedLabStaffName = ""
				r.ReportArtifactRef = ""
			}
			r.Status = to
			r.UpdatedAt = now
			return nil
		})
		entry.Version = updated.Version
		return err
	})
	return updated, err
}

// DeleteRequest hard-deletes a Pending or Cancelled request and removes any
// report artifacts stored for it.
func (s *Service) DeleteRequest(ctx context.Context, actor domain.Actor, id string) error {
	return s.run(ctx, "delete_request", actor, AuditEntry{EntityID: id}, func(ctx context.Context, entry *AuditEntry) error {
		if err := domain.AuthorizeDelete(actor.Role); err != nil {
			return err
		}
		current, err := s.loadVisible(ctx, actor, id)
		if err != nil {
			return err
		}
		entry.From = current.Status
		if actor.Role == domain.RoleDoctor && current.DoctorID != actor.ID {
			return domain.AuthorizationError{Role: actor.Role, RequiredRoles: []domain.Role{domain.RoleCenterAdmin}, Operation: "delete another doctor's request"}
		}
		if !domain.CanDelete(current.Status) {
			return domain.TransitionError{From: current.Status, Reason: domain.ReasonDeleteForbidden}
		}
		if err := s.precheck(ctx, domain.ActionDelete, &current, nil); err != nil {
			return err
		}
		if err := s.store.Delete(ctx, id); err != nil {
			return TranslateRuleError(err)
		}
		s.removeArtifacts(ctx, id)
		return nil
	})
}

// update wraps store.Update with the service-side rule precheck.
func (s *Service) update(ctx context.Context, id string, expectedVersion int64, mutate domain.Mutator) (domain.TestRequest, error) {
	updated, err := s.store.Update(ctx, id, expectedVersion, func(r *domain.TestRequest) error {
		before := r.Clone()
		if err := mutate(r); err != nil {
			return err
		}
		after := r.Clone()
		after.Version = before.Version + 1
		return s.precheck(ctx, domain.ActionUpdate, &before, &after)
	})
	if err != nil {
		return domain.TestRequest{}, TranslateRuleError(err)
	}
	return updated, nil
}

// precheck evaluates the service's rules engine and translates blocking
// results into a TransitionError.
func (s *Service) precheck(ctx context.Context, action domain.Action, before, after *domain.TestRequest) error {
	change, err := domain.NewTestRequestChange(action, before, after)
	if err != nil {
		return err
	}
	if _, err := s.engine.Check(ctx, change); err != nil {
		return translateRuleError(err, before, after)
	}
	return nil
}

func translateRuleError(err error, before, after *domain.TestRequest) error {
	var rv domain.RuleViolationError
	if !errors.As(err, &rv) {
		return err
	}
	te := domain.TransitionError{Reason: "invariant violated: " + firstBlocking(rv.Result)}
	if before != nil {
		te.From = before.Status
	}
	if after != nil {
		te.To = after.Status
	}
	return te
}

// TranslateRuleError maps a store-side RuleViolationError to a domain error.
// Other errors pass through.
func TranslateRuleError(err error) error {
	return translateRuleError(err, nil, nil)
}

func firstBlocking(res domain.Result) string {
	for _, v := range res.Violations {
		if v.Severity == domain.SeverityBlock {
			return v.Message
		}
	}
	return "blocked"
}

func (s *Service) loadVisible(ctx context.Context, actor domain.Actor, id string) (domain.TestRequest, error) {
	if strings.TrimSpace(id) == "" {
		return domain.TestRequest{}, domain.ValidationError{Field: "id", Message: "required"}
	}
	req, err := s.store.Get(ctx, id)
	if err != nil {
		return domain.TestRequest{}, err
	}
	if !canView(actor, req) {
		return domain.TestRequest{}, domain.NotFoundError{Entity: domain.EntityTestRequest, ID: id}
	}
	return req, nil
}

func (s *Service) validateDraft(d domain.Draft) error {
	err := s.validate.Struct(d)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return domain.ValidationError{Field: fe.Field(), Message: fmt.Sprintf("failed %q check", fe.Tag())}
	}
	return domain.ValidationError{Message: err.Error()}
}

// canView applies role visibility: superadmin sees everything, doctors
// their own requests, everyone else their center.
func canView(actor domain.Actor, req domain.TestRequest) bool {
	switch {
	case actor.Role == domain.RoleSuperAdmin:
		return true
	case actor.Role == domain.RoleDoctor:
		return req.DoctorID == actor.ID
	case actor.CenterID == "":
		return true
	default:
		return req.CenterID == actor.CenterID
	}
}

// scopeFilter narrows filter to actor's visibility. It reports false when
// the caller asked for centers outside its own.
func scopeFilter(actor domain.Actor, filter domain.RequestFilter) (domain.RequestFilter, bool) {
	switch actor.Role {
	case domain.RoleSuperAdmin:
		return filter, true
	case domain.RoleDoctor:
		if filter.DoctorID != "" && filter.DoctorID != actor.ID {
			return filter, false
		}
		filter.DoctorID = actor.ID
	case domain.RoleLabStaff:
		filter.UnassignedOrStaffID = actor.ID
	}
	if actor.CenterID != "" {
		if len(filter.CenterIDs) > 0 && !containsString(filter.CenterIDs, actor.CenterID) {
			return filter, false
		}
		filter.CenterIDs = []string{actor.CenterID}
	}
	return filter, true
}

func checkStageFields(f domain.StageFields, rank int) error {
	collection := f.SampleCollectorName != nil || f.SampleCollectionScheduledDate != nil ||
		f.SampleCollectionActualDate != nil || f.SampleCollectionNotes != nil
	testing := f.LabTechnicianName != nil || f.TestingStartDate != nil || f.TestingEndDate != nil ||
		f.TestingNotes != nil || f.TestResults != nil || f.ResultDetails != nil
	reporting := f.ReportGeneratedByName != nil || f.ReportNotes != nil
	switch {
	case collection && rank < domain.StatusSampleCollectionScheduled.Rank():
		return domain.ValidationError{Field: "fields", Message: "sample collection fields require Sample_Collection_Scheduled or later"}
	case testing && rank < domain.StatusInLabTesting.Rank():
		return domain.ValidationError{Field: "fields", Message: "testing fields require In_Lab_Testing or later"}
	case reporting && rank < domain.StatusReportGenerated.Rank():
		return domain.ValidationError{Field: "fields", Message: "reporting fields require Report_Generated or later"}
	}
	return nil
}

func applyStageFields(r *domain.TestRequest, f domain.StageFields) {
	setString(&r.SampleCollectorName, f.SampleCollectorName)
	setTime(&r.SampleCollectionScheduledDate, f.SampleCollectionScheduledDate)
	setTime(&r.SampleCollectionActualDate, f.SampleCollectionActualDate)
	setString(&r.SampleCollectionNotes, f.SampleCollectionNotes)
	setString(&r.LabTechnicianName, f.LabTechnicianName)
	setTime(&r.TestingStartDate, f.TestingStartDate)
	setTime(&r.TestingEndDate, f.TestingEndDate)
	setString(&r.TestingNotes, f.TestingNotes)
	setString(&r.TestResults, f.TestResults)
	setString(&r.ResultDetails, f.ResultDetails)
	setString(&r.ReportGeneratedByName, f.ReportGeneratedByName)
	setString(&r.ReportNotes, f.ReportNotes)
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setTime(dst **time.Time, v *time.Time) {
	if v != nil {
		t := v.UTC()
		*dst = &t
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// newDraftValidator reports field errors under their JSON names.
func newDraftValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func containsString(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}
