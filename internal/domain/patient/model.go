package patient

import (
	"time"

	"github.com/google/uuid"
)

// Patient is the subject of a record. Clinical facts live in the event
// stream; this row only carries identity and demographics.
type Patient struct {
	ID        uuid.UUID `json:"id"`
	MRN       string    `json:"mrn"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Gender    string    `json:"gender,omitempty"`
	BirthDate time.Time `json:"birth_date"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
	DeleteReason string     `json:"delete_reason,omitempty"`
}

// Deleted reports whether the patient record has been soft-deleted.
func (p *Patient) Deleted() bool {
	return p.DeletedAt != nil
}
