package domain

import "encoding/json"

type Request struct {
	ID             string          `json:"id"`
	ApplicantID    string          `json:"applicant_id"`
	ServiceType    string          `json:"service_type"`
	Kind           RequestKind     `json:"request_kind" enum:"NEW,RENEWAL,LOST_OR_STOLEN_REPLACEMENT"`
	State          State           `json:"state"`
	PayloadVersion int             `json:"payload_version"`
	Payload        json.RawMessage `json:"form_payload,omitempty"`
	CertificateRef string          `json:"certificate_ref,omitempty"`
	Version        int64           `json:"version"`
	Documents      []Document      `json:"documents,omitempty"`
	CreatedAt      string          `json:"created_at" format:"date-time"`
	UpdatedAt      string          `json:"updated_at" format:"date-time"`
}

type TimelineEntry struct {
	ID            int64          `json:"id"`
	RequestID     string         `json:"request_id"`
	Action        AuditAction    `json:"action"`
	ActorRole     Role           `json:"actor_role"`
	ActorIdentity string         `json:"actor_identity,omitempty"`
	Comment       string         `json:"comment,omitempty"`
	FromState     State          `json:"from_state,omitempty"`
	ToState       State          `json:"to_state"`
	Details       map[string]any `json:"details,omitempty"`
	OccurredAt    string         `json:"occurred_at" format:"date-time"`
}

// Document is a reference to a file held by the document store; only the
// reference and its checklist kind live here.
type Document struct {
	ID             string  `json:"id"`
	RequestID      string  `json:"request_id"`
	Kind           string  `json:"kind"`
	Name           string  `json:"name,omitempty"`
	Ref            string  `json:"ref"`
	PayloadVersion int     `json:"payload_version"`
	AddedAt        string  `json:"added_at" format:"date-time"`
	RemovedAt      *string `json:"removed_at,omitempty" format:"date-time"`
}

type Notification struct {
	RequestID   string           `json:"request_id"`
	Event       NotificationKind `json:"event"`
	Recipient   string           `json:"recipient"`
	State       State            `json:"state"`
	Comment     string           `json:"comment,omitempty"`
	Certificate string           `json:"certificate_ref,omitempty"`
	EntryID     int64            `json:"timeline_entry_id"`
	OccurredAt  string           `json:"occurred_at" format:"date-time"`
}

// Counts backs the per-role dashboard cards.
type Counts struct {
	Pending  int `json:"pending"`
	Approved int `json:"approved"`
	Rejected int `json:"rejected"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Role      Role   `json:"role"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
