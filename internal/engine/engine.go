package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"permitline/internal/config"
	"permitline/internal/domain"
	"permitline/internal/metrics"
	"permitline/internal/repo"
	"permitline/internal/timeline"
	"permitline/internal/workflow"
)

var tracer = otel.Tracer("permitline/engine")

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = repo.ErrNotFound
)

// CompletenessChecker gates SUBMITTED -> PENDING_TECHNICAL_REVIEW.
type CompletenessChecker interface {
	IsSubmissionComplete(ctx context.Context, requestID string) (bool, error)
}

// MissingDocumentsReporter is optionally implemented by a CompletenessChecker
// to explain a refusal.
type MissingDocumentsReporter interface {
	MissingDocuments(ctx context.Context, requestID string) ([]string, error)
}

// CertificateGenerator is invoked once per issued request and returns a
// reference to the generated document.
type CertificateGenerator interface {
	GenerateCertificate(ctx context.Context, requestID string) (string, error)
}

// Notifier delivers applicant notifications. Errors are logged, never
// propagated: the transition has already committed.
type Notifier interface {
	Notify(ctx context.Context, n domain.Notification) error
}

type Engine struct {
	DB           *sql.DB
	Repo         repo.Repo
	Timeline     timeline.Writer
	Registry     *workflow.Registry
	Config       *config.Config
	Checker      CompletenessChecker
	Certificates CertificateGenerator
	Notifier     Notifier
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
	Now          func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Timeline: timeline.Writer{},
		Registry: workflow.NewRegistry(cfg.ReopenPolicy()),
		Config:   cfg,
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) writer() timeline.Writer {
	w := e.Timeline
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

func (e Engine) registry() *workflow.Registry {
	if e.Registry != nil {
		return e.Registry
	}
	return workflow.DefaultRegistry()
}

// DocumentInput attaches a document reference to a request.
type DocumentInput struct {
	Kind string `json:"kind" doc:"Checklist document kind"`
	Name string `json:"name,omitempty"`
	Ref  string `json:"ref" doc:"Reference into the document store"`
}

type CreateRequestInput struct {
	ApplicantID string
	ServiceType string
	Kind        domain.RequestKind
	Payload     json.RawMessage
	Documents   []DocumentInput
	// ActorRole is client (default) or SYSTEM for imported requests.
	ActorRole domain.Role
	ActorID   string
	Draft     bool
}

func (e Engine) CreateRequest(ctx context.Context, in CreateRequestInput) (req domain.Request, err error) {
	ctx, span := tracer.Start(ctx, "engine.CreateRequest", trace.WithAttributes(
		attribute.String("request.kind", string(in.Kind)),
		attribute.String("request.service_type", in.ServiceType),
	))
	defer func() { endSpan(span, err) }()

	in.ApplicantID = strings.TrimSpace(in.ApplicantID)
	in.ServiceType = strings.TrimSpace(in.ServiceType)
	if in.ApplicantID == "" {
		return req, fmt.Errorf("%w: applicant_id is required", ErrInvalidInput)
	}
	if in.ServiceType == "" {
		return req, fmt.Errorf("%w: service_type is required", ErrInvalidInput)
	}
	if !in.Kind.Valid() {
		return req, fmt.Errorf("%w: unknown request_kind %q", ErrInvalidInput, in.Kind)
	}
	if in.ActorRole == domain.RoleNone {
		in.ActorRole = domain.RoleClient
	}
	if in.ActorRole != domain.RoleClient && in.ActorRole != domain.RoleSystem {
		return req, fmt.Errorf("%w: requests are created by the client or SYSTEM, not %s", ErrInvalidInput, in.ActorRole)
	}
	if in.ActorID == "" && in.ActorRole == domain.RoleClient {
		in.ActorID = in.ApplicantID
	}
	if len(in.Payload) > 0 && !json.Valid(in.Payload) {
		return req, fmt.Errorf("%w: form_payload must be valid JSON", ErrInvalidInput)
	}
	if err := validateDocuments(in.Documents); err != nil {
		return req, err
	}
	initial := domain.StateSubmitted
	if in.Draft {
		if !e.Config.Workflow.Drafts {
			return req, fmt.Errorf("%w: drafts are disabled", ErrInvalidInput)
		}
		initial = domain.StateDraft
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return req, err
	}
	defer tx.Rollback()

	now := timeline.Format(e.now())
	req = domain.Request{
		ID:             uuid.NewString(),
		ApplicantID:    in.ApplicantID,
		ServiceType:    in.ServiceType,
		Kind:           in.Kind,
		State:          initial,
		PayloadVersion: 1,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.Repo.InsertRequest(ctx, tx, req); err != nil {
		return req, err
	}
	if err := e.Repo.InsertPayload(ctx, tx, req.ID, 1, in.Payload, now); err != nil {
		return req, err
	}
	if err := e.insertDocuments(ctx, tx, req.ID, 1, now, in.Documents); err != nil {
		return req, err
	}
	if _, err := e.writer().Append(ctx, tx, timeline.Entry{
		RequestID:  req.ID,
		Action:     domain.AuditCreation,
		ActorRole:  in.ActorRole,
		ActorID:    in.ActorID,
		To:         initial,
		OccurredAt: now,
		Details: timeline.Details{
			"payload_version": 1,
			"documents":       len(in.Documents),
			"request_kind":    string(in.Kind),
		},
	}); err != nil {
		return req, err
	}
	if err := tx.Commit(); err != nil {
		return req, err
	}
	span.SetAttributes(attribute.String("request.id", req.ID))
	e.Metrics.IncrementCreated(string(in.Kind))
	e.logger().Info("request created", "request_id", req.ID, "kind", in.Kind, "state", initial)
	return e.GetRequest(ctx, req.ID)
}

// TransitionInput is one role-initiated lifecycle call.
type TransitionInput struct {
	RequestID string
	ActorRole domain.Role
	ActorID   string
	Action    domain.Action
	Comment   string
	// ExpectedVersion, when set, must match the request's version.
	ExpectedVersion int64
	// Payload and Documents are accepted by submit and resubmit.
	Payload   json.RawMessage
	Documents []DocumentInput
	// DocumentID is required by remove_document.
	DocumentID string
}

type TransitionResult struct {
	Request domain.Request       `json:"request"`
	Entry   domain.TimelineEntry `json:"timeline_entry"`
}

// ApplyTransition validates (state, role, action) against the registry and
// applies it. The state change and its timeline entry commit together.
func (e Engine) ApplyTransition(ctx context.Context, in TransitionInput) (res TransitionResult, err error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "engine.ApplyTransition", trace.WithAttributes(
		attribute.String("request.id", in.RequestID),
		attribute.String("actor.role", string(in.ActorRole)),
		attribute.String("transition.action", string(in.Action)),
	))
	defer func() {
		e.Metrics.ObserveTransition(string(in.Action), outcome(err), start)
		endSpan(span, err)
	}()

	if !in.ActorRole.Valid() {
		return res, &workflow.TransitionError{Kind: workflow.ErrInvalidTransition, Reason: fmt.Sprintf("unknown role %q", in.ActorRole)}
	}
	if !in.Action.Valid() {
		return res, &workflow.TransitionError{Kind: workflow.ErrInvalidTransition, Reason: fmt.Sprintf("unknown action %q", in.Action)}
	}
	req, err := e.Repo.GetRequest(ctx, in.RequestID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return res, fmt.Errorf("request %s: %w", in.RequestID, ErrNotFound)
		}
		return res, err
	}
	span.SetAttributes(attribute.String("transition.from", string(req.State)))
	rule, err := e.registry().Lookup(req, in.ActorRole, in.Action)
	if err != nil {
		return res, err
	}
	if in.ExpectedVersion != 0 && in.ExpectedVersion != req.Version {
		return res, e.conflict(req, in, fmt.Sprintf("expected version %d, found %d", in.ExpectedVersion, req.Version))
	}
	comment := strings.TrimSpace(in.Comment)
	if rule.RequiresComment && comment == "" {
		return res, &workflow.TransitionError{Kind: workflow.ErrMissingComment, RequestID: req.ID, State: req.State, Role: in.ActorRole, Action: in.Action,
			Reason: fmt.Sprintf("%s requires a comment", in.Action)}
	}
	if (len(in.Payload) > 0 || len(in.Documents) > 0) && !rule.AcceptsPayload {
		return res, fmt.Errorf("%w: %s does not accept a form payload or documents", ErrInvalidInput, in.Action)
	}
	if len(in.Payload) > 0 && !json.Valid(in.Payload) {
		return res, fmt.Errorf("%w: form_payload must be valid JSON", ErrInvalidInput)
	}
	if err := validateDocuments(in.Documents); err != nil {
		return res, err
	}
	if rule.RemovesDocument && strings.TrimSpace(in.DocumentID) == "" {
		return res, e.precondition(req, in, "document_id is required")
	}
	if rule.RequiresComplete {
		if err := e.ensureComplete(ctx, req, in); err != nil {
			return res, err
		}
	}
	if rule.IssuesCert && e.Certificates == nil {
		return res, errors.New("certificate generator not configured")
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	w := e.writer()
	at, err := w.Stamp(ctx, tx, req.ID)
	if err != nil {
		return res, err
	}
	ok, err := e.Repo.CompareAndSetState(ctx, tx, req.ID, req.Version, rule.Next, at)
	if err != nil {
		return res, err
	}
	if !ok {
		return res, e.conflict(req, in, "request changed since it was read")
	}

	details := timeline.Details{}
	if rule.AcceptsPayload && len(in.Payload) > 0 {
		next := req.PayloadVersion + 1
		if err := e.Repo.InsertPayload(ctx, tx, req.ID, next, in.Payload, at); err != nil {
			return res, err
		}
		req.PayloadVersion = next
		details["payload_version"] = next
	}
	if len(in.Documents) > 0 {
		if err := e.insertDocuments(ctx, tx, req.ID, req.PayloadVersion, at, in.Documents); err != nil {
			return res, err
		}
		details["documents_added"] = len(in.Documents)
	}
	if rule.RemovesDocument {
		doc, err := e.Repo.RemoveDocument(ctx, tx, req.ID, in.DocumentID, at)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return res, e.precondition(req, in, fmt.Sprintf("document %s is not attached to this request", in.DocumentID))
			}
			return res, err
		}
		details["document_id"] = doc.ID
		details["document_kind"] = doc.Kind
	}
	if rule.IssuesCert {
		ref, err := e.Certificates.GenerateCertificate(ctx, req.ID)
		if err != nil {
			return res, fmt.Errorf("generate certificate: %w", err)
		}
		if err := e.Repo.SetCertificate(ctx, tx, req.ID, ref); err != nil {
			return res, err
		}
		details["certificate_ref"] = ref
	}

	entry, err := w.Append(ctx, tx, timeline.Entry{
		RequestID:  req.ID,
		Action:     rule.Audit,
		ActorRole:  in.ActorRole,
		ActorID:    in.ActorID,
		Comment:    comment,
		From:       req.State,
		To:         rule.Next,
		Details:    details,
		OccurredAt: at,
	})
	if err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	if rule.IssuesCert {
		e.Metrics.IncrementCertificates()
	}
	span.SetAttributes(attribute.String("transition.to", string(rule.Next)))
	e.logger().Info("transition applied",
		"request_id", req.ID, "role", in.ActorRole, "action", in.Action,
		"from", req.State, "to", rule.Next, "entry_id", entry.ID)

	updated, err := e.GetRequest(ctx, req.ID)
	if err != nil {
		return res, err
	}
	if rule.Notify != "" {
		e.notify(ctx, domain.Notification{
			RequestID:   updated.ID,
			Event:       rule.Notify,
			Recipient:   updated.ApplicantID,
			State:       updated.State,
			Comment:     comment,
			Certificate: updated.CertificateRef,
			EntryID:     entry.ID,
			OccurredAt:  entry.OccurredAt,
		})
	}
	return TransitionResult{Request: updated, Entry: entry}, nil
}

func (e Engine) ensureComplete(ctx context.Context, req domain.Request, in TransitionInput) error {
	if e.Checker == nil {
		return nil
	}
	complete, err := e.Checker.IsSubmissionComplete(ctx, req.ID)
	if err != nil {
		return fmt.Errorf("check submission completeness: %w", err)
	}
	if complete {
		return nil
	}
	reason := "submission is incomplete"
	if reporter, ok := e.Checker.(MissingDocumentsReporter); ok {
		if missing, err := reporter.MissingDocuments(ctx, req.ID); err == nil && len(missing) > 0 {
			reason = "missing documents: " + strings.Join(missing, ", ")
		}
	}
	return e.precondition(req, in, reason)
}

func (e Engine) notify(ctx context.Context, n domain.Notification) {
	if e.Notifier == nil {
		return
	}
	err := e.Notifier.Notify(context.WithoutCancel(ctx), n)
	e.Metrics.ObserveNotification(string(n.Event), err)
	if err != nil {
		e.logger().Warn("notification failed", "request_id", n.RequestID, "event", n.Event, "error", err)
	}
}

func (e Engine) conflict(req domain.Request, in TransitionInput, reason string) error {
	return &workflow.TransitionError{Kind: workflow.ErrConcurrentModification, RequestID: req.ID, State: req.State, Role: in.ActorRole, Action: in.Action, Reason: reason}
}

func (e Engine) precondition(req domain.Request, in TransitionInput, reason string) error {
	return &workflow.TransitionError{Kind: workflow.ErrPreconditionFailed, RequestID: req.ID, State: req.State, Role: in.ActorRole, Action: in.Action, Reason: reason}
}

func (e Engine) insertDocuments(ctx context.Context, tx *sql.Tx, requestID string, payloadVersion int, at string, docs []DocumentInput) error {
	for _, d := range docs {
		if err := e.Repo.InsertDocument(ctx, tx, domain.Document{
			ID:             uuid.NewString(),
			RequestID:      requestID,
			Kind:           strings.TrimSpace(d.Kind),
			Name:           strings.TrimSpace(d.Name),
			Ref:            strings.TrimSpace(d.Ref),
			PayloadVersion: payloadVersion,
			AddedAt:        at,
		}); err != nil {
			return err
		}
	}
	return nil
}

func validateDocuments(docs []DocumentInput) error {
	for i, d := range docs {
		if strings.TrimSpace(d.Kind) == "" {
			return fmt.Errorf("%w: documents[%d].kind is required", ErrInvalidInput, i)
		}
		if strings.TrimSpace(d.Ref) == "" {
			return fmt.Errorf("%w: documents[%d].ref is required", ErrInvalidInput, i)
		}
	}
	return nil
}

// GetRequest returns the request with its latest payload and active documents.
func (e Engine) GetRequest(ctx context.Context, id string) (domain.Request, error) {
	req, err := e.Repo.GetRequest(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return req, fmt.Errorf("request %s: %w", id, ErrNotFound)
		}
		return req, err
	}
	payload, err := e.Repo.Payload(ctx, id, req.PayloadVersion)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return req, err
	}
	req.Payload = payload
	docs, err := e.Repo.ListDocuments(ctx, id, false)
	if err != nil {
		return req, err
	}
	req.Documents = docs
	return req, nil
}

// GetTimeline returns the request's entries in chronological order.
func (e Engine) GetTimeline(ctx context.Context, id string) ([]domain.TimelineEntry, error) {
	if _, err := e.Repo.GetRequest(ctx, id); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("request %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return e.Repo.Timeline(ctx, id)
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if code := workflow.Code(err); code != "" {
		return code
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	}
	return "error"
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
