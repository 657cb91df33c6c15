package event

import (
	"context"

	"github.com/google/uuid"
)

// Repository is append-only over event rows: Insert, Retract and Approve
// are the only writes, and the latter two touch exactly one column pair.
type Repository interface {
	Insert(ctx context.Context, e *Event) error
	GetByID(ctx context.Context, id uuid.UUID) (*Event, error)
	// GetByExternalRef supports idempotent import matching. Resource ids
	// are only unique within their source system, so all three parts key
	// the lookup.
	GetByExternalRef(ctx context.Context, externalSystem, externalResourceID, payloadHash string) (*Event, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, f Filters, limit, offset int) ([]*Event, int, error)
	// FindAmendmentOf returns the amendment claiming targetID, if one exists.
	FindAmendmentOf(ctx context.Context, targetID uuid.UUID) (*Event, error)
	// ListLifecycleChildren returns events lifecycle-linked to parentID.
	ListLifecycleChildren(ctx context.Context, parentID uuid.UUID) ([]*Event, error)
	Retract(ctx context.Context, id uuid.UUID, reason string) error
	// Approve flips pending_approval to visible; it reports pgx.ErrNoRows
	// when the event is not pending.
	Approve(ctx context.Context, id uuid.UUID) error
}
