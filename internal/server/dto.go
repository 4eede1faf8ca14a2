package server

import (
	"encoding/json"

	"permitline/internal/domain"
	"permitline/internal/engine"
	"permitline/internal/workflow"
)

// Request payloads

type CreateRequestBody struct {
	ServiceType string                 `json:"service_type" minLength:"1" doc:"Catalog entry the request is filed under"`
	RequestKind string                 `json:"request_kind" enum:"NEW,RENEWAL,LOST_OR_STOLEN_REPLACEMENT"`
	FormPayload map[string]any         `json:"form_payload,omitempty"`
	Documents   []engine.DocumentInput `json:"documents,omitempty"`
	Draft       bool                   `json:"draft,omitempty" doc:"Start in DRAFT when drafts are enabled"`
}

type TransitionRequest struct {
	Role            string                 `json:"role,omitempty" doc:"Role to act as; defaults to the principal's only role"`
	Action          string                 `json:"action" enum:"submit,validate,return,resubmit,review,approve,reject,remove_document"`
	Comment         string                 `json:"comment,omitempty"`
	ExpectedVersion int64                  `json:"expected_version,omitempty" doc:"Fail with concurrent_modification unless the request is at this version"`
	FormPayload     map[string]any         `json:"form_payload,omitempty"`
	Documents       []engine.DocumentInput `json:"documents,omitempty"`
	DocumentID      string                 `json:"document_id,omitempty"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles"`
}

// Responses

type RequestResponse struct {
	ID             string            `json:"id"`
	ApplicantID    string            `json:"applicant_id"`
	ServiceType    string            `json:"service_type"`
	RequestKind    string            `json:"request_kind"`
	State          string            `json:"state"`
	Holder         string            `json:"holder,omitempty" doc:"Role that may act next; empty once terminal"`
	Actions        []string          `json:"actions" doc:"Actions the calling role may take now"`
	Version        int64             `json:"version"`
	PayloadVersion int               `json:"payload_version"`
	FormPayload    map[string]any    `json:"form_payload,omitempty"`
	CertificateRef string            `json:"certificate_ref,omitempty"`
	Documents      []domain.Document `json:"documents"`
	CreatedAt      string            `json:"created_at"`
	UpdatedAt      string            `json:"updated_at"`
}

type TimelineEntryResponse struct {
	ID            int64          `json:"id"`
	RequestID     string         `json:"request_id"`
	Action        string         `json:"action"`
	ActorRole     string         `json:"actor_role"`
	ActorIdentity string         `json:"actor_identity,omitempty"`
	Comment       string         `json:"comment,omitempty"`
	FromState     string         `json:"from_state,omitempty"`
	ToState       string         `json:"to_state"`
	Details       map[string]any `json:"details,omitempty"`
	OccurredAt    string         `json:"occurred_at"`
}

type TransitionResponse struct {
	Request RequestResponse       `json:"request"`
	Entry   TimelineEntryResponse `json:"timeline_entry"`
}

type paginatedRequests struct {
	Items      []RequestResponse `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type paginatedTimeline struct {
	Items      []TimelineEntryResponse `json:"items"`
	NextCursor string                  `json:"next_cursor,omitempty"`
}

type QueueResponse struct {
	Role  string            `json:"role"`
	Items []RequestResponse `json:"items"`
}

type DashboardResponse struct {
	Role string `json:"role"`
	domain.Counts
}

type RuleResponse struct {
	From            string `json:"from"`
	Role            string `json:"role"`
	Action          string `json:"action"`
	Next            string `json:"next"`
	Audit           string `json:"audit_action"`
	Notify          string `json:"notify,omitempty"`
	RequiresComment bool   `json:"requires_comment"`
	Reopen          bool   `json:"reopen,omitempty"`
}

type RolesResponse struct {
	Roles  []string             `json:"roles"`
	States []string             `json:"states"`
	Rules  []RuleResponse       `json:"rules"`
	Queues []workflow.QueueSpec `json:"queues"`
}

type WhoAmIResponse struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles"`
	Source  string   `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func requestResponse(reg *workflow.Registry, r domain.Request, role domain.Role) RequestResponse {
	out := RequestResponse{
		ID:             r.ID,
		ApplicantID:    r.ApplicantID,
		ServiceType:    r.ServiceType,
		RequestKind:    string(r.Kind),
		State:          string(r.State),
		Holder:         string(reg.Holder(r)),
		Actions:        []string{},
		Version:        r.Version,
		PayloadVersion: r.PayloadVersion,
		CertificateRef: r.CertificateRef,
		Documents:      nonNilSlice(r.Documents),
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	for _, a := range reg.ActionsFor(r, role) {
		out.Actions = append(out.Actions, string(a))
	}
	if len(r.Payload) > 0 {
		var payload map[string]any
		if err := json.Unmarshal(r.Payload, &payload); err == nil {
			out.FormPayload = payload
		}
	}
	return out
}

func timelineResponse(e domain.TimelineEntry) TimelineEntryResponse {
	return TimelineEntryResponse{
		ID:            e.ID,
		RequestID:     e.RequestID,
		Action:        string(e.Action),
		ActorRole:     string(e.ActorRole),
		ActorIdentity: e.ActorIdentity,
		Comment:       e.Comment,
		FromState:     string(e.FromState),
		ToState:       string(e.ToState),
		Details:       e.Details,
		OccurredAt:    e.OccurredAt,
	}
}

func mapTimeline(items []domain.TimelineEntry) []TimelineEntryResponse {
	out := make([]TimelineEntryResponse, 0, len(items))
	for _, e := range items {
		out = append(out, timelineResponse(e))
	}
	return out
}

func rolesResponse(reg *workflow.Registry) RolesResponse {
	resp := RolesResponse{}
	for _, r := range domain.Roles {
		resp.Roles = append(resp.Roles, string(r))
		if q, ok := reg.Queue(r); ok {
			resp.Queues = append(resp.Queues, q)
		}
	}
	for _, s := range domain.States {
		resp.States = append(resp.States, string(s))
	}
	for _, rule := range reg.Rules() {
		resp.Rules = append(resp.Rules, RuleResponse{
			From:            string(rule.From),
			Role:            string(rule.Role),
			Action:          string(rule.Action),
			Next:            string(rule.Next),
			Audit:           string(rule.Audit),
			Notify:          string(rule.Notify),
			RequiresComment: rule.RequiresComment,
			Reopen:          rule.Reopen,
		})
	}
	return resp
}

func rawPayload(m map[string]any) (json.RawMessage, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
