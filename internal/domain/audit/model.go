package audit

import (
	"time"

	"github.com/google/uuid"
)

// Action identifies what the actor attempted against the record.
type Action string

const (
	ActionRead    Action = "read"
	ActionCreate  Action = "create"
	ActionUpdate  Action = "update"
	ActionShare   Action = "share"
	ActionRevoke  Action = "revoke"
	ActionApprove Action = "approve"
)

// Outcome records whether the attempt succeeded.
type Outcome string

const (
	OutcomeAllowed Outcome = "allowed"
	OutcomeDenied  Outcome = "denied"
	OutcomeError   Outcome = "error"
)

var validActions = map[Action]bool{
	ActionRead:    true,
	ActionCreate:  true,
	ActionUpdate:  true,
	ActionShare:   true,
	ActionRevoke:  true,
	ActionApprove: true,
}

// Entry is one immutable record of an access or mutation attempt. Denied
// attempts carry the same structure as allowed ones.
type Entry struct {
	ID        uuid.UUID `json:"id"`
	ActorID   uuid.UUID `json:"actor_id"`
	ActorRole string    `json:"actor_role"`
	PatientID uuid.UUID `json:"patient_id"`
	Action    Action    `json:"action"`
	Outcome   Outcome   `json:"outcome"`

	ResourceType string    `json:"resource_type"`
	ResourceID   uuid.UUID `json:"resource_id,omitempty"`

	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	RequestID string `json:"request_id,omitempty"`

	Description string                 `json:"description,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}
