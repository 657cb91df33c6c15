package consent

import (
	"time"

	"github.com/google/uuid"
)

// Scope restricts what part of the record a grant covers.
type Scope string

const (
	ScopeAll       Scope = "all"
	ScopeDateRange Scope = "date_range"
	ScopeDataType  Scope = "data_type"
)

var ValidScopes = map[Scope]bool{
	ScopeAll:       true,
	ScopeDateRange: true,
	ScopeDataType:  true,
}

type GrantStatus string

const (
	GrantActive  GrantStatus = "active"
	GrantRevoked GrantStatus = "revoked"
)

// Grant is a patient-issued authorization for another actor to read and
// write their record. Revocation is immediate and final for this row; a
// replacement grant is always a new row.
type Grant struct {
	ID        uuid.UUID `json:"id"`
	PatientID uuid.UUID `json:"patient_id"`
	// GranteeID identifies the practitioner or caregiver. It is nil while
	// the grant is addressed to an email pending acceptance.
	GranteeID    uuid.UUID `json:"grantee_id,omitempty"`
	GranteeEmail string    `json:"grantee_email,omitempty"`

	Scope     Scope    `json:"scope"`
	DataTypes []string `json:"data_types,omitempty"`
	// RangeStart/RangeEnd bound the clinical timestamps a date_range grant
	// covers.
	RangeStart *time.Time `json:"range_start,omitempty"`
	RangeEnd   *time.Time `json:"range_end,omitempty"`

	// ExpiresAt bounds the grant's validity window. Nil means no expiry.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	Status    GrantStatus `json:"status"`
	RevokedAt *time.Time  `json:"revoked_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Usable reports whether the grant authorizes anything at the given instant.
func (g *Grant) Usable(now time.Time) bool {
	if g.Status != GrantActive || g.RevokedAt != nil {
		return false
	}
	if g.ExpiresAt != nil && now.After(*g.ExpiresAt) {
		return false
	}
	return true
}

// Covers reports whether a usable grant's scope reaches the given event
// type and clinical timestamp.
func (g *Grant) Covers(eventType string, clinicalTS *time.Time) bool {
	switch g.Scope {
	case ScopeAll:
		return true
	case ScopeDateRange:
		if clinicalTS == nil {
			return false
		}
		if g.RangeStart != nil && clinicalTS.Before(*g.RangeStart) {
			return false
		}
		if g.RangeEnd != nil && clinicalTS.After(*g.RangeEnd) {
			return false
		}
		return true
	case ScopeDataType:
		if eventType == "" {
			return false
		}
		for _, t := range g.DataTypes {
			if t == eventType {
				return true
			}
		}
		return false
	}
	return false
}

type ValidatorType string

const (
	ValidatorYearOfBirth ValidatorType = "year_of_birth"
	ValidatorPIN         ValidatorType = "pin"
)

var validValidatorTypes = map[ValidatorType]bool{
	ValidatorYearOfBirth: true,
	ValidatorPIN:         true,
}

type ShareLinkStatus string

const (
	ShareLinkActive  ShareLinkStatus = "active"
	ShareLinkRevoked ShareLinkStatus = "revoked"
)

// ShareLink is a bearer credential scoped to one patient. The token is
// returned exactly once at creation; only its hash is stored. A correct
// secondary validator is required on every use.
type ShareLink struct {
	ID        uuid.UUID `json:"id"`
	PatientID uuid.UUID `json:"patient_id"`

	TokenHash     string        `json:"-"`
	ValidatorType ValidatorType `json:"validator_type"`
	ValidatorHash string        `json:"-"`

	ExpiresAt      time.Time `json:"expires_at"`
	MaxUses        int       `json:"max_uses"`
	UseCount       int       `json:"use_count"`
	FailedAttempts int       `json:"-"`

	Status    ShareLinkStatus `json:"status"`
	CreatedBy uuid.UUID       `json:"created_by"`
	CreatedAt time.Time       `json:"created_at"`
}

// Operation distinguishes reads from writes during authorization.
type Operation string

const (
	OpRead  Operation = "read"
	OpWrite Operation = "write"
)

// AccessRequest describes what an actor is trying to do with a patient's
// record.
type AccessRequest struct {
	Operation Operation
	// EventType and ClinicalTS narrow the request for scope checks. Both
	// may be empty for whole-record reads; scoped grants then do not apply.
	EventType  string
	ClinicalTS *time.Time
}
