// Package workflow holds the request lifecycle as data: the transition
// table, the holder derivation that drives role queues, and timeline replay.
package workflow

import (
	"fmt"
	"sort"

	"permitline/internal/domain"
)

// Rule is one row of the transition table.
type Rule struct {
	From   domain.State       `json:"from"`
	Role   domain.Role        `json:"role"`
	Action domain.Action      `json:"action"`
	Next   domain.State       `json:"next"`
	Audit  domain.AuditAction `json:"audit_action"`
	// Notify is empty for transitions that do not notify the applicant.
	Notify domain.NotificationKind `json:"notify,omitempty"`

	RequiresComment  bool `json:"requires_comment,omitempty"`
	RequiresComplete bool `json:"requires_complete_submission,omitempty"`
	AcceptsPayload   bool `json:"accepts_payload,omitempty"`
	IssuesCert       bool `json:"issues_certificate,omitempty"`
	RemovesDocument  bool `json:"removes_document,omitempty"`
	// Reopen rows are only legal where the ReopenPolicy allows them.
	Reopen bool `json:"reopen,omitempty"`
}

// SelfLoop reports whether the rule records an audit fact without moving the request.
func (r Rule) SelfLoop() bool { return r.From == r.Next }

var table = []Rule{
	{From: domain.StateDraft, Role: domain.RoleClient, Action: domain.ActionSubmit, Next: domain.StateSubmitted, Audit: domain.AuditSubmission, AcceptsPayload: true},
	{From: domain.StateDraft, Role: domain.RoleClient, Action: domain.ActionRemoveDocument, Next: domain.StateDraft, Audit: domain.AuditDocumentRemoved, RemovesDocument: true},

	{From: domain.StateSubmitted, Role: domain.RoleWindowClerk, Action: domain.ActionValidate, Next: domain.StatePendingTechnicalReview, Audit: domain.AuditWindowValidation, RequiresComplete: true},
	{From: domain.StateSubmitted, Role: domain.RoleWindowClerk, Action: domain.ActionReturn, Next: domain.StateReturnedByWindow, Audit: domain.AuditReturnToClient, Notify: domain.NotifyReturned, RequiresComment: true},
	{From: domain.StateSubmitted, Role: domain.RoleWindowClerk, Action: domain.ActionRemoveDocument, Next: domain.StateSubmitted, Audit: domain.AuditDocumentRemoved, RequiresComment: true, RemovesDocument: true},

	{From: domain.StateReturnedByWindow, Role: domain.RoleClient, Action: domain.ActionResubmit, Next: domain.StateSubmitted, Audit: domain.AuditSubmission, AcceptsPayload: true},
	{From: domain.StateReturnedByWindow, Role: domain.RoleClient, Action: domain.ActionRemoveDocument, Next: domain.StateReturnedByWindow, Audit: domain.AuditDocumentRemoved, RemovesDocument: true},

	{From: domain.StatePendingTechnicalReview, Role: domain.RoleTechnicalDirector, Action: domain.ActionReview, Next: domain.StatePendingTechnicalReview, Audit: domain.AuditTechnicalValidation, RequiresComment: true},
	{From: domain.StatePendingTechnicalReview, Role: domain.RoleTechnicalDirector, Action: domain.ActionApprove, Next: domain.StateApprovedByTechnicalDirector, Audit: domain.AuditDirectorApproval},
	{From: domain.StatePendingTechnicalReview, Role: domain.RoleTechnicalDirector, Action: domain.ActionReject, Next: domain.StateRejectedByTechnicalDirector, Audit: domain.AuditDirectorRejection, Notify: domain.NotifyRejected, RequiresComment: true},

	{From: domain.StateRejectedByTechnicalDirector, Role: domain.RoleClient, Action: domain.ActionResubmit, Next: domain.StateSubmitted, Audit: domain.AuditSubmission, AcceptsPayload: true, Reopen: true},

	{From: domain.StateApprovedByTechnicalDirector, Role: domain.RoleExecutiveDirection, Action: domain.ActionApprove, Next: domain.StatePendingNationalAuthority, Audit: domain.AuditExecutiveApproval},
	{From: domain.StateApprovedByTechnicalDirector, Role: domain.RoleExecutiveDirection, Action: domain.ActionReject, Next: domain.StateRejectedByExecutive, Audit: domain.AuditExecutiveRejection, Notify: domain.NotifyRejected, RequiresComment: true},

	{From: domain.StatePendingNationalAuthority, Role: domain.RoleNationalAuthority, Action: domain.ActionApprove, Next: domain.StateIssued, Audit: domain.AuditAuthorityApproval, Notify: domain.NotifyIssued, IssuesCert: true},
	{From: domain.StatePendingNationalAuthority, Role: domain.RoleNationalAuthority, Action: domain.ActionReject, Next: domain.StateRejectedByAuthority, Audit: domain.AuditAuthorityRejection, Notify: domain.NotifyRejected, RequiresComment: true},
}

// QueueSpec classifies states for one role's dashboard. Pending is not
// listed: it is whatever the role currently holds.
type QueueSpec struct {
	Role     domain.Role    `json:"role"`
	Approved []domain.State `json:"approved"`
	Rejected []domain.State `json:"rejected"`
}

var queues = []QueueSpec{
	{
		Role:     domain.RoleClient,
		Approved: []domain.State{domain.StateIssued},
		Rejected: []domain.State{domain.StateRejectedByTechnicalDirector, domain.StateRejectedByExecutive, domain.StateRejectedByAuthority},
	},
	{
		Role: domain.RoleWindowClerk,
		Approved: []domain.State{
			domain.StatePendingTechnicalReview, domain.StateApprovedByTechnicalDirector, domain.StateRejectedByTechnicalDirector,
			domain.StatePendingNationalAuthority, domain.StateIssued, domain.StateRejectedByExecutive, domain.StateRejectedByAuthority,
		},
		Rejected: []domain.State{domain.StateReturnedByWindow},
	},
	{
		Role: domain.RoleTechnicalDirector,
		Approved: []domain.State{
			domain.StateApprovedByTechnicalDirector, domain.StatePendingNationalAuthority, domain.StateIssued,
			domain.StateRejectedByExecutive, domain.StateRejectedByAuthority,
		},
		Rejected: []domain.State{domain.StateRejectedByTechnicalDirector},
	},
	{
		Role:     domain.RoleExecutiveDirection,
		Approved: []domain.State{domain.StatePendingNationalAuthority, domain.StateIssued, domain.StateRejectedByAuthority},
		Rejected: []domain.State{domain.StateRejectedByExecutive},
	},
	{
		Role:     domain.RoleNationalAuthority,
		Approved: []domain.State{domain.StateIssued},
		Rejected: []domain.State{domain.StateRejectedByAuthority},
	},
}

// ReopenPolicy decides whether a client may resubmit after a technical
// director rejection. A service entry overrides the kind entry.
type ReopenPolicy struct {
	Kinds    map[domain.RequestKind]bool
	Services map[string]bool
}

func (p ReopenPolicy) Allows(kind domain.RequestKind, serviceType string) bool {
	if v, ok := p.Services[serviceType]; ok {
		return v
	}
	return p.Kinds[kind]
}

type ruleKey struct {
	state  domain.State
	role   domain.Role
	action domain.Action
}

type auditKey struct {
	state domain.State
	role  domain.Role
	audit domain.AuditAction
}

// Registry is immutable once built and safe for concurrent use.
type Registry struct {
	policy  ReopenPolicy
	rules   map[ruleKey]Rule
	byAudit map[auditKey]Rule
	holders map[domain.State]domain.Role
	queues  map[domain.Role]QueueSpec
}

// NewRegistry builds the registry and checks the table's structural
// invariants. It panics on a malformed table since that is a programming error.
func NewRegistry(policy ReopenPolicy) *Registry {
	r, err := buildRegistry(policy, table)
	if err != nil {
		panic(err)
	}
	return r
}

// DefaultRegistry has no reopen path after director rejection.
func DefaultRegistry() *Registry {
	return NewRegistry(ReopenPolicy{})
}

func buildRegistry(policy ReopenPolicy, rows []Rule) (*Registry, error) {
	r := &Registry{
		policy:  policy,
		rules:   make(map[ruleKey]Rule, len(rows)),
		byAudit: make(map[auditKey]Rule, len(rows)),
		holders: make(map[domain.State]domain.Role),
		queues:  make(map[domain.Role]QueueSpec, len(queues)),
	}
	for _, row := range rows {
		if !row.From.Valid() || !row.Next.Valid() {
			return nil, fmt.Errorf("rule %s/%s/%s: unknown state", row.From, row.Role, row.Action)
		}
		if !row.Audit.Valid() {
			return nil, fmt.Errorf("rule %s/%s/%s: unknown audit action %s", row.From, row.Role, row.Action, row.Audit)
		}
		k := ruleKey{row.From, row.Role, row.Action}
		if _, dup := r.rules[k]; dup {
			return nil, fmt.Errorf("duplicate rule %s/%s/%s", row.From, row.Role, row.Action)
		}
		r.rules[k] = row
		ak := auditKey{row.From, row.Role, row.Audit}
		if _, dup := r.byAudit[ak]; dup {
			return nil, fmt.Errorf("ambiguous audit action %s from %s by %s", row.Audit, row.From, row.Role)
		}
		r.byAudit[ak] = row
		if holder, ok := r.holders[row.From]; ok && holder != row.Role {
			return nil, fmt.Errorf("state %s has two holders: %s and %s", row.From, holder, row.Role)
		}
		r.holders[row.From] = row.Role
	}
	for _, q := range queues {
		r.queues[q.Role] = q
	}
	return r, nil
}

// Lookup returns the rule for (state, role, action) as it applies to req.
func (r *Registry) Lookup(req domain.Request, role domain.Role, action domain.Action) (Rule, error) {
	rule, ok := r.rules[ruleKey{req.State, role, action}]
	if !ok {
		return Rule{}, refuse(ErrInvalidTransition, req, role, action, fmt.Sprintf("%s cannot %s a request in %s", role, action, req.State))
	}
	if rule.Reopen && !r.policy.Allows(req.Kind, req.ServiceType) {
		return Rule{}, refuse(ErrInvalidTransition, req, role, action, fmt.Sprintf("%s requests of service %q cannot be resubmitted after rejection", req.Kind, req.ServiceType))
	}
	return rule, nil
}

// Holder returns the single role that may act on req, or RoleNone for a
// terminal request.
func (r *Registry) Holder(req domain.Request) domain.Role {
	holder, ok := r.holders[req.State]
	if !ok {
		return domain.RoleNone
	}
	if req.State == domain.StateRejectedByTechnicalDirector && !r.policy.Allows(req.Kind, req.ServiceType) {
		return domain.RoleNone
	}
	return holder
}

// Terminal reports whether no role can act on req any more.
func (r *Registry) Terminal(req domain.Request) bool {
	return r.Holder(req) == domain.RoleNone
}

// HolderStates lists the states a role may hold, ignoring the reopen
// policy. Callers narrow with Holder per request.
func (r *Registry) HolderStates(role domain.Role) []domain.State {
	var out []domain.State
	for _, st := range domain.States {
		if r.holders[st] == role && role != domain.RoleNone {
			out = append(out, st)
		}
	}
	return out
}

// Queue returns the dashboard classification for role.
func (r *Registry) Queue(role domain.Role) (QueueSpec, bool) {
	q, ok := r.queues[role]
	return q, ok
}

// Rules returns the table sorted by pipeline order of the source state.
func (r *Registry) Rules() []Rule {
	order := make(map[domain.State]int, len(domain.States))
	for i, st := range domain.States {
		order[st] = i
	}
	out := make([]Rule, 0, len(r.rules))
	for _, rule := range r.rules {
		out = append(out, rule)
	}
	sort.Slice(out, func(i, j int) bool {
		if order[out[i].From] != order[out[j].From] {
			return order[out[i].From] < order[out[j].From]
		}
		if out[i].Role != out[j].Role {
			return out[i].Role < out[j].Role
		}
		return out[i].Action < out[j].Action
	})
	return out
}

// ActionsFor lists what role may do to req right now.
func (r *Registry) ActionsFor(req domain.Request, role domain.Role) []domain.Action {
	if r.Holder(req) != role {
		return nil
	}
	var out []domain.Action
	for _, a := range domain.Actions {
		if _, err := r.Lookup(req, role, a); err == nil {
			out = append(out, a)
		}
	}
	return out
}

// Policy returns the reopen policy the registry was built with.
func (r *Registry) Policy() ReopenPolicy { return r.policy }
