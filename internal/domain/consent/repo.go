package consent

import (
	"context"

	"github.com/google/uuid"
)

type GrantRepository interface {
	Create(ctx context.Context, g *Grant) error
	GetByID(ctx context.Context, id uuid.UUID) (*Grant, error)
	// FindActive returns the active grant from patient to grantee, if any.
	FindActive(ctx context.Context, patientID, granteeID uuid.UUID) (*Grant, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Grant, int, error)
	// Revoke flips an active grant to revoked. It never deletes the row.
	Revoke(ctx context.Context, id uuid.UUID) error
}

type ShareLinkRepository interface {
	Create(ctx context.Context, l *ShareLink) error
	GetByID(ctx context.Context, id uuid.UUID) (*ShareLink, error)
	GetByTokenHash(ctx context.Context, tokenHash string) (*ShareLink, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*ShareLink, int, error)
	// IncrementUse bumps use_count but only while below max_uses; it
	// reports whether the increment happened.
	IncrementUse(ctx context.Context, id uuid.UUID) (bool, error)
	IncrementFailedAttempts(ctx context.Context, id uuid.UUID) error
	Revoke(ctx context.Context, id uuid.UUID) error
}
