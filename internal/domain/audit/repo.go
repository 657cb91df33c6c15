package audit

import (
	"context"

	"github.com/google/uuid"
)

// Repository is append-only. There is deliberately no update or delete.
type Repository interface {
	Insert(ctx context.Context, e *Entry) error
	GetByID(ctx context.Context, id uuid.UUID) (*Entry, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Entry, int, error)
}
