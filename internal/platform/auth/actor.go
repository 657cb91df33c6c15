package auth

import (
	"context"

	"github.com/google/uuid"
)

// Role identifies the kind of principal making a request.
type Role string

const (
	RolePatient      Role = "patient"
	RolePractitioner Role = "practitioner"
	RoleCaregiver    Role = "caregiver"
	RoleService      Role = "service"
)

// ValidRoles is the closed set of roles a token may carry.
var ValidRoles = map[Role]bool{
	RolePatient:      true,
	RolePractitioner: true,
	RoleCaregiver:    true,
	RoleService:      true,
}

// Actor is the authenticated principal for a request. It is resolved once
// from the bearer token and carried on the request context; nothing
// downstream re-derives identity or verification status from payloads.
type Actor struct {
	ID uuid.UUID
	// PatientID is set when the actor is (or acts for) a specific patient.
	PatientID uuid.UUID
	Role      Role
	// VerifiedPractitioner is true only when the identity provider attests
	// a licensed practitioner. It gates provider_verified event levels.
	VerifiedPractitioner bool
	// SourceSystem names the upstream system for service actors, e.g. an
	// importing integration. Empty for interactive users.
	SourceSystem string
	// DigitallySigned is true when the token attests that payloads from
	// this actor carry a cryptographic signature from the source system.
	DigitallySigned bool
}

// IsPatientOwner reports whether the actor is the patient identified by id.
func (a Actor) IsPatientOwner(id uuid.UUID) bool {
	return a.Role == RolePatient && a.PatientID == id
}

type contextKey string

const actorKey contextKey = "actor"

// WithActor returns a context carrying the actor.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey, a)
}

// ActorFromContext returns the actor on the context, if any.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey).(Actor)
	return a, ok
}
