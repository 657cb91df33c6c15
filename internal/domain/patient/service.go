package patient

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/uhr/uhr/internal/domain/audit"
	"github.com/uhr/uhr/internal/domain/consent"
	"github.com/uhr/uhr/internal/platform/auth"
	"github.com/uhr/uhr/internal/platform/db"
)

var (
	ErrNotFound          = errors.New("patient not found")
	ErrValidationFailed  = errors.New("patient validation failed")
	ErrMRNGenerationBusy = errors.New("could not allocate a unique mrn")
)

const mrnAttempts = 5

var validGenders = map[string]bool{
	"":        true,
	"male":    true,
	"female":  true,
	"other":   true,
	"unknown": true,
}

type Service struct {
	repo     Repository
	authz    consent.Authorizer
	recorder *audit.Recorder
	tx       db.TxRunner
}

func NewService(repo Repository, authz consent.Authorizer, recorder *audit.Recorder, tx db.TxRunner) *Service {
	return &Service{repo: repo, authz: authz, recorder: recorder, tx: tx}
}

// generateMRN allocates a record number of the form UHR-YYYYMMDD-XXXXXXXX.
// The suffix is random; collisions are retried a bounded number of times.
func (s *Service) generateMRN(ctx context.Context) (string, error) {
	for i := 0; i < mrnAttempts; i++ {
		buf := make([]byte, 4)
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("reading random suffix: %w", err)
		}
		mrn := fmt.Sprintf("UHR-%s-%s", time.Now().UTC().Format("20060102"),
			strings.ToUpper(hex.EncodeToString(buf)))
		exists, err := s.repo.MRNExists(ctx, mrn)
		if err != nil {
			return "", err
		}
		if !exists {
			return mrn, nil
		}
	}
	return "", ErrMRNGenerationBusy
}

// Register creates a patient and the audit entry for it in one transaction.
func (s *Service) Register(ctx context.Context, actor auth.Actor, p *Patient, origin audit.Origin) error {
	if p.FirstName == "" || p.LastName == "" {
		return fmt.Errorf("%w: first and last name are required", ErrValidationFailed)
	}
	if p.BirthDate.IsZero() || p.BirthDate.After(time.Now()) {
		return fmt.Errorf("%w: birth date must be set and in the past", ErrValidationFailed)
	}
	if !validGenders[p.Gender] {
		return fmt.Errorf("%w: unknown gender %q", ErrValidationFailed, p.Gender)
	}

	return s.tx(ctx, func(ctx context.Context) error {
		mrn, err := s.generateMRN(ctx)
		if err != nil {
			return err
		}
		p.MRN = mrn
		if err := s.repo.Create(ctx, p); err != nil {
			return err
		}
		return s.recorder.Record(ctx, &audit.Entry{
			ActorID:      actor.ID,
			ActorRole:    string(actor.Role),
			PatientID:    p.ID,
			Action:       audit.ActionCreate,
			Outcome:      audit.OutcomeAllowed,
			ResourceType: "patient",
			ResourceID:   p.ID,
			IPAddress:    origin.IPAddress,
			UserAgent:    origin.UserAgent,
			RequestID:    origin.RequestID,
		})
	})
}

// Get returns a patient's demographics. Callers other than the owner need
// an active consent grant. The birth date alone is enough to redeem a
// share link, so the read is consent-gated and audited like an event read.
func (s *Service) Get(ctx context.Context, actor auth.Actor, id uuid.UUID, origin audit.Origin) (*Patient, error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	req := consent.AccessRequest{Operation: consent.OpRead}
	if err := s.authz.Authorize(ctx, actor, p.ID, req, origin); err != nil {
		return nil, err
	}

	err = s.tx(ctx, func(ctx context.Context) error {
		return s.recorder.Record(ctx, &audit.Entry{
			ActorID:      actor.ID,
			ActorRole:    string(actor.Role),
			PatientID:    p.ID,
			Action:       audit.ActionRead,
			Outcome:      audit.OutcomeAllowed,
			ResourceType: "patient",
			ResourceID:   p.ID,
			IPAddress:    origin.IPAddress,
			UserAgent:    origin.UserAgent,
			RequestID:    origin.RequestID,
		})
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) GetByMRN(ctx context.Context, mrn string) (*Patient, error) {
	p, err := s.repo.GetByMRN(ctx, mrn)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]*Patient, int, error) {
	return s.repo.List(ctx, limit, offset)
}

// Retract soft-deletes a patient. The row and its events are retained.
func (s *Service) Retract(ctx context.Context, actor auth.Actor, id uuid.UUID, reason string, origin audit.Origin) error {
	if reason == "" {
		return fmt.Errorf("%w: a deletion reason is required", ErrValidationFailed)
	}
	return s.tx(ctx, func(ctx context.Context) error {
		if err := s.repo.SoftDelete(ctx, id, reason); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		return s.recorder.Record(ctx, &audit.Entry{
			ActorID:      actor.ID,
			ActorRole:    string(actor.Role),
			PatientID:    id,
			Action:       audit.ActionUpdate,
			Outcome:      audit.OutcomeAllowed,
			ResourceType: "patient",
			ResourceID:   id,
			Description:  "patient record retracted",
			Metadata:     map[string]interface{}{"reason": reason},
			IPAddress:    origin.IPAddress,
			UserAgent:    origin.UserAgent,
			RequestID:    origin.RequestID,
		})
	})
}
