package domain

import (
	"fmt"
	"strings"
)

type State string

const (
	StateDraft                       State = "DRAFT"
	StateSubmitted                   State = "SUBMITTED"
	StateReturnedByWindow            State = "RETURNED_BY_WINDOW"
	StatePendingTechnicalReview      State = "PENDING_TECHNICAL_REVIEW"
	StateApprovedByTechnicalDirector State = "APPROVED_BY_TECHNICAL_DIRECTOR"
	StateRejectedByTechnicalDirector State = "REJECTED_BY_TECHNICAL_DIRECTOR"
	StatePendingNationalAuthority    State = "PENDING_NATIONAL_AUTHORITY"
	StateIssued                      State = "ISSUED"
	StateRejectedByExecutive         State = "REJECTED_BY_EXECUTIVE"
	StateRejectedByAuthority         State = "REJECTED_BY_AUTHORITY"
)

// pendingExecutiveApproval is the executive queue's name for
// APPROVED_BY_TECHNICAL_DIRECTOR. It is accepted on input only.
const pendingExecutiveApproval = "PENDING_EXECUTIVE_APPROVAL"

// States lists every lifecycle state in pipeline order.
var States = []State{
	StateDraft,
	StateSubmitted,
	StateReturnedByWindow,
	StatePendingTechnicalReview,
	StateApprovedByTechnicalDirector,
	StateRejectedByTechnicalDirector,
	StatePendingNationalAuthority,
	StateIssued,
	StateRejectedByExecutive,
	StateRejectedByAuthority,
}

func (s State) Valid() bool {
	for _, v := range States {
		if v == s {
			return true
		}
	}
	return false
}

func ParseState(s string) (State, error) {
	v := strings.ToUpper(strings.TrimSpace(s))
	if v == pendingExecutiveApproval {
		return StateApprovedByTechnicalDirector, nil
	}
	st := State(v)
	if !st.Valid() {
		return "", fmt.Errorf("unknown state %q", s)
	}
	return st, nil
}

type Role string

const (
	RoleNone               Role = ""
	RoleClient             Role = "client"
	RoleWindowClerk        Role = "window_clerk"
	RoleTechnicalDirector  Role = "technical_director"
	RoleExecutiveDirection Role = "executive_direction"
	RoleNationalAuthority  Role = "national_authority"
	RoleSystem             Role = "SYSTEM"
)

// Roles lists the human roles that can hold a request.
var Roles = []Role{
	RoleClient,
	RoleWindowClerk,
	RoleTechnicalDirector,
	RoleExecutiveDirection,
	RoleNationalAuthority,
}

func (r Role) Valid() bool {
	if r == RoleSystem {
		return true
	}
	for _, v := range Roles {
		if v == r {
			return true
		}
	}
	return false
}

func ParseRole(s string) (Role, error) {
	v := strings.TrimSpace(s)
	if strings.EqualFold(v, string(RoleSystem)) {
		return RoleSystem, nil
	}
	r := Role(strings.ToLower(v))
	if !r.Valid() {
		return RoleNone, fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

type Action string

const (
	ActionSubmit         Action = "submit"
	ActionValidate       Action = "validate"
	ActionReturn         Action = "return"
	ActionResubmit       Action = "resubmit"
	ActionReview         Action = "review"
	ActionApprove        Action = "approve"
	ActionReject         Action = "reject"
	ActionRemoveDocument Action = "remove_document"
)

var Actions = []Action{
	ActionSubmit,
	ActionValidate,
	ActionReturn,
	ActionResubmit,
	ActionReview,
	ActionApprove,
	ActionReject,
	ActionRemoveDocument,
}

func (a Action) Valid() bool {
	for _, v := range Actions {
		if v == a {
			return true
		}
	}
	return false
}

func ParseAction(s string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	if !a.Valid() {
		return "", fmt.Errorf("unknown action %q", s)
	}
	return a, nil
}

type AuditAction string

const (
	AuditCreation            AuditAction = "CREATION"
	AuditSubmission          AuditAction = "SUBMISSION"
	AuditWindowValidation    AuditAction = "WINDOW_VALIDATION"
	AuditTechnicalValidation AuditAction = "TECHNICAL_VALIDATION"
	AuditDirectorApproval    AuditAction = "DIRECTOR_APPROVAL"
	AuditDirectorRejection   AuditAction = "DIRECTOR_REJECTION"
	AuditExecutiveApproval   AuditAction = "EXECUTIVE_APPROVAL"
	AuditExecutiveRejection  AuditAction = "EXECUTIVE_REJECTION"
	AuditAuthorityApproval   AuditAction = "AUTHORITY_APPROVAL"
	AuditAuthorityRejection  AuditAction = "AUTHORITY_REJECTION"
	AuditDocumentRemoved     AuditAction = "DOCUMENT_REMOVED"
	AuditReturnToClient      AuditAction = "RETURN_TO_CLIENT"
)

var AuditActions = []AuditAction{
	AuditCreation,
	AuditSubmission,
	AuditWindowValidation,
	AuditTechnicalValidation,
	AuditDirectorApproval,
	AuditDirectorRejection,
	AuditExecutiveApproval,
	AuditExecutiveRejection,
	AuditAuthorityApproval,
	AuditAuthorityRejection,
	AuditDocumentRemoved,
	AuditReturnToClient,
}

func (a AuditAction) Valid() bool {
	for _, v := range AuditActions {
		if v == a {
			return true
		}
	}
	return false
}

type RequestKind string

const (
	KindNew                     RequestKind = "NEW"
	KindRenewal                 RequestKind = "RENEWAL"
	KindLostOrStolenReplacement RequestKind = "LOST_OR_STOLEN_REPLACEMENT"
)

var RequestKinds = []RequestKind{KindNew, KindRenewal, KindLostOrStolenReplacement}

func (k RequestKind) Valid() bool {
	for _, v := range RequestKinds {
		if v == k {
			return true
		}
	}
	return false
}

func ParseRequestKind(s string) (RequestKind, error) {
	k := RequestKind(strings.ToUpper(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("unknown request kind %q", s)
	}
	return k, nil
}

type NotificationKind string

const (
	NotifyReturned NotificationKind = "returned_for_correction"
	NotifyRejected NotificationKind = "rejected"
	NotifyIssued   NotificationKind = "certificate_issued"
)
