package audit

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/uhr/uhr/internal/platform/auth"
	"github.com/uhr/uhr/internal/platform/db"
)

// Origin carries the request provenance attached to every entry.
type Origin struct {
	IPAddress string
	UserAgent string
	RequestID string
}

// Recorder appends entries to the trail. It is fail-closed: when the
// durable write fails the caller must abort its own operation, so Record
// is expected to run inside the caller's transaction.
type Recorder struct {
	repo Repository
}

func NewRecorder(repo Repository) *Recorder {
	return &Recorder{repo: repo}
}

// Record appends one entry. A non-nil error always wraps
// ErrAuditWriteFailed and must propagate to the triggering operation.
func (r *Recorder) Record(ctx context.Context, e *Entry) error {
	if !validActions[e.Action] {
		return fmt.Errorf("%w: unknown action %q", ErrAuditWriteFailed, e.Action)
	}
	if e.ActorID == uuid.Nil || e.PatientID == uuid.Nil || e.ResourceType == "" {
		return fmt.Errorf("%w: entry missing actor, patient or resource type", ErrAuditWriteFailed)
	}
	if e.Outcome == "" {
		e.Outcome = OutcomeAllowed
	}
	if err := r.repo.Insert(ctx, e); err != nil {
		log.Error().Err(err).
			Str("action", string(e.Action)).
			Str("resource_type", e.ResourceType).
			Msg("audit write failed, aborting operation")
		return fmt.Errorf("%w: %v", ErrAuditWriteFailed, err)
	}
	return nil
}

// Service answers audit trail queries.
type Service struct {
	repo     Repository
	recorder *Recorder
	tx       db.TxRunner
}

func NewService(repo Repository, recorder *Recorder, tx db.TxRunner) *Service {
	return &Service{repo: repo, recorder: recorder, tx: tx}
}

// Trail returns a patient's audit history, newest first. The trail names
// every party who touched the record, so only the owning patient may read
// it; consent grants do not extend to it. Reading the trail is itself an
// audited access.
func (s *Service) Trail(ctx context.Context, actor auth.Actor, patientID uuid.UUID, limit, offset int, origin Origin) ([]*Entry, int, error) {
	if !actor.IsPatientOwner(patientID) {
		return nil, 0, fmt.Errorf("%w: actor %s, patient %s", ErrTrailForbidden, actor.ID, patientID)
	}

	entries, total, err := s.repo.ListByPatient(ctx, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	err = s.tx(ctx, func(ctx context.Context) error {
		return s.recorder.Record(ctx, &Entry{
			ActorID:      actor.ID,
			ActorRole:    string(actor.Role),
			PatientID:    patientID,
			Action:       ActionRead,
			Outcome:      OutcomeAllowed,
			ResourceType: "audit_trail",
			ResourceID:   patientID,
			IPAddress:    origin.IPAddress,
			UserAgent:    origin.UserAgent,
			RequestID:    origin.RequestID,
		})
	})
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}
