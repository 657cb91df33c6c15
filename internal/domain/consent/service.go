package consent

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/uhr/uhr/internal/domain/audit"
	"github.com/uhr/uhr/internal/platform/auth"
	"github.com/uhr/uhr/internal/platform/db"
)

// Authorizer is the gate every read and write of a patient's record passes
// through. A nil error means allowed; denials are the sentinel errors in
// this package and are always audited.
type Authorizer interface {
	Authorize(ctx context.Context, actor auth.Actor, patientID uuid.UUID, req AccessRequest, origin audit.Origin) error
}

// Policy carries the configurable share-link rules.
type Policy struct {
	// TTL bounds how long a new share link stays valid.
	TTL time.Duration
	// MaxUses is the default use count for new links; 0 means unlimited
	// until expiry.
	MaxUses int
	// MaxAttempts locks a link after that many validator mismatches.
	MaxAttempts int
}

type Service struct {
	grants   GrantRepository
	links    ShareLinkRepository
	recorder *audit.Recorder
	tx       db.TxRunner
	policy   Policy
}

func NewService(grants GrantRepository, links ShareLinkRepository, recorder *audit.Recorder, tx db.TxRunner, policy Policy) *Service {
	return &Service{grants: grants, links: links, recorder: recorder, tx: tx, policy: policy}
}

// Grant issues a new consent grant. Only the owning patient may grant.
func (s *Service) Grant(ctx context.Context, actor auth.Actor, g *Grant, origin audit.Origin) error {
	if !actor.IsPatientOwner(g.PatientID) {
		return ErrForbidden
	}
	if !ValidScopes[g.Scope] {
		return fmt.Errorf("%w: unknown scope %q", ErrValidationFailed, g.Scope)
	}
	if g.GranteeID == uuid.Nil && g.GranteeEmail == "" {
		return fmt.Errorf("%w: a grantee id or email is required", ErrValidationFailed)
	}
	if g.GranteeID == g.PatientID {
		return fmt.Errorf("%w: a patient cannot grant consent to themselves", ErrValidationFailed)
	}
	switch g.Scope {
	case ScopeDateRange:
		if g.RangeStart == nil || g.RangeEnd == nil {
			return fmt.Errorf("%w: date_range scope requires both bounds", ErrValidationFailed)
		}
		if g.RangeEnd.Before(*g.RangeStart) {
			return fmt.Errorf("%w: range_end precedes range_start", ErrValidationFailed)
		}
	case ScopeDataType:
		if len(g.DataTypes) == 0 {
			return fmt.Errorf("%w: data_type scope requires at least one type", ErrValidationFailed)
		}
	}
	g.Status = GrantActive

	return s.tx(ctx, func(ctx context.Context) error {
		if g.GranteeID != uuid.Nil {
			if existing, err := s.grants.FindActive(ctx, g.PatientID, g.GranteeID); err == nil && existing != nil {
				return fmt.Errorf("%w: an active grant for this grantee already exists", ErrValidationFailed)
			} else if err != nil && !errors.Is(err, pgx.ErrNoRows) {
				return err
			}
		}
		if err := s.grants.Create(ctx, g); err != nil {
			return err
		}
		return s.recorder.Record(ctx, &audit.Entry{
			ActorID:      actor.ID,
			ActorRole:    string(actor.Role),
			PatientID:    g.PatientID,
			Action:       audit.ActionShare,
			Outcome:      audit.OutcomeAllowed,
			ResourceType: "consent_grant",
			ResourceID:   g.ID,
			Metadata:     map[string]interface{}{"scope": string(g.Scope)},
			IPAddress:    origin.IPAddress,
			UserAgent:    origin.UserAgent,
			RequestID:    origin.RequestID,
		})
	})
}

// Revoke ends a grant. The change is durable before Revoke returns, so the
// very next authorization check sees it. The row itself is retained.
func (s *Service) Revoke(ctx context.Context, actor auth.Actor, grantID uuid.UUID, origin audit.Origin) error {
	g, err := s.grants.GetByID(ctx, grantID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	if !actor.IsPatientOwner(g.PatientID) {
		return ErrForbidden
	}
	return s.tx(ctx, func(ctx context.Context) error {
		if err := s.grants.Revoke(ctx, grantID); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				// Already revoked. Revocation never reactivates, so this is
				// a no-op rather than an error.
				return nil
			}
			return err
		}
		return s.recorder.Record(ctx, &audit.Entry{
			ActorID:      actor.ID,
			ActorRole:    string(actor.Role),
			PatientID:    g.PatientID,
			Action:       audit.ActionRevoke,
			Outcome:      audit.OutcomeAllowed,
			ResourceType: "consent_grant",
			ResourceID:   grantID,
			IPAddress:    origin.IPAddress,
			UserAgent:    origin.UserAgent,
			RequestID:    origin.RequestID,
		})
	})
}

func (s *Service) ListGrants(ctx context.Context, actor auth.Actor, patientID uuid.UUID, limit, offset int) ([]*Grant, int, error) {
	if !actor.IsPatientOwner(patientID) {
		return nil, 0, ErrForbidden
	}
	return s.grants.ListByPatient(ctx, patientID, limit, offset)
}

// Authorize evaluates, in order: owning patient, trusted integration
// writes, then active grants. Share links have their own entry point and
// never authorize a broad read here. Every denial is audited before it is
// returned.
func (s *Service) Authorize(ctx context.Context, actor auth.Actor, patientID uuid.UUID, req AccessRequest, origin audit.Origin) error {
	if actor.IsPatientOwner(patientID) {
		return nil
	}
	if actor.Role == auth.RoleService && req.Operation == OpWrite {
		return nil
	}

	if actor.Role == auth.RolePractitioner || actor.Role == auth.RoleCaregiver {
		g, err := s.grants.FindActive(ctx, patientID, actor.ID)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		if g != nil && g.Usable(time.Now()) && g.Covers(req.EventType, req.ClinicalTS) {
			return nil
		}
	}

	if err := s.auditDenied(ctx, actor, patientID, req, origin, "no active consent"); err != nil {
		return err
	}
	return ErrNoActiveConsent
}

func (s *Service) auditDenied(ctx context.Context, actor auth.Actor, patientID uuid.UUID, req AccessRequest, origin audit.Origin, why string) error {
	action := audit.ActionRead
	if req.Operation == OpWrite {
		action = audit.ActionCreate
	}
	return s.tx(ctx, func(ctx context.Context) error {
		return s.recorder.Record(ctx, &audit.Entry{
			ActorID:      actor.ID,
			ActorRole:    string(actor.Role),
			PatientID:    patientID,
			Action:       action,
			Outcome:      audit.OutcomeDenied,
			ResourceType: "medical_event",
			Description:  why,
			IPAddress:    origin.IPAddress,
			UserAgent:    origin.UserAgent,
			RequestID:    origin.RequestID,
		})
	})
}

// CreateShareLink mints a bearer token for anonymous contribution. The
// plaintext token is returned once and never stored.
func (s *Service) CreateShareLink(ctx context.Context, actor auth.Actor, patientID uuid.UUID, validatorType ValidatorType, validator string, origin audit.Origin) (*ShareLink, string, error) {
	if !actor.IsPatientOwner(patientID) {
		return nil, "", ErrForbidden
	}
	if !validValidatorTypes[validatorType] {
		return nil, "", fmt.Errorf("%w: unknown validator type %q", ErrValidationFailed, validatorType)
	}
	if len(validator) < 4 {
		return nil, "", fmt.Errorf("%w: validator must be at least 4 characters", ErrValidationFailed)
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, "", fmt.Errorf("generating token: %w", err)
	}
	token := hex.EncodeToString(buf)

	validatorHash, err := bcrypt.GenerateFromPassword([]byte(validator), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hashing validator: %w", err)
	}

	link := &ShareLink{
		PatientID:     patientID,
		TokenHash:     hashToken(token),
		ValidatorType: validatorType,
		ValidatorHash: string(validatorHash),
		ExpiresAt:     time.Now().Add(s.policy.TTL),
		MaxUses:       s.policy.MaxUses,
		Status:        ShareLinkActive,
		CreatedBy:     actor.ID,
	}

	err = s.tx(ctx, func(ctx context.Context) error {
		if err := s.links.Create(ctx, link); err != nil {
			return err
		}
		return s.recorder.Record(ctx, &audit.Entry{
			ActorID:      actor.ID,
			ActorRole:    string(actor.Role),
			PatientID:    patientID,
			Action:       audit.ActionShare,
			Outcome:      audit.OutcomeAllowed,
			ResourceType: "share_link",
			ResourceID:   link.ID,
			IPAddress:    origin.IPAddress,
			UserAgent:    origin.UserAgent,
			RequestID:    origin.RequestID,
		})
	})
	if err != nil {
		return nil, "", err
	}
	return link, token, nil
}

// ValidateShareLink checks token, expiry, lockout and validator, strictly
// in that order: an expired link is reported as expired even when the
// validator is correct, and a validator mismatch reveals nothing about the
// token itself. Failed validator attempts are counted and lock the link.
func (s *Service) ValidateShareLink(ctx context.Context, token, validator string, origin audit.Origin) (*ShareLink, error) {
	link, err := s.links.GetByTokenHash(ctx, hashToken(token))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrShareLinkInvalid
		}
		return nil, err
	}
	if link.Status != ShareLinkActive {
		return nil, s.denyShareLink(ctx, link, origin, "share link revoked", ErrShareLinkInvalid)
	}
	if time.Now().After(link.ExpiresAt) {
		return nil, s.denyShareLink(ctx, link, origin, "share link expired", ErrShareLinkExpired)
	}
	if link.FailedAttempts >= s.policy.MaxAttempts {
		return nil, s.denyShareLink(ctx, link, origin, "share link locked", ErrShareLinkLocked)
	}
	if link.MaxUses > 0 && link.UseCount >= link.MaxUses {
		return nil, s.denyShareLink(ctx, link, origin, "share link consumed", ErrShareLinkInvalid)
	}

	if bcrypt.CompareHashAndPassword([]byte(link.ValidatorHash), []byte(validator)) != nil {
		if err := s.links.IncrementFailedAttempts(ctx, link.ID); err != nil {
			return nil, err
		}
		return nil, s.denyShareLink(ctx, link, origin, "validator mismatch", ErrValidatorMismatch)
	}
	return link, nil
}

// ConsumeShareLink spends one use. It must run inside the transaction of
// the operation the link authorizes.
func (s *Service) ConsumeShareLink(ctx context.Context, linkID uuid.UUID) error {
	ok, err := s.links.IncrementUse(ctx, linkID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrShareLinkInvalid
	}
	return nil
}

// RevokeShareLink withdraws a link before expiry.
func (s *Service) RevokeShareLink(ctx context.Context, actor auth.Actor, linkID uuid.UUID, origin audit.Origin) error {
	link, err := s.links.GetByID(ctx, linkID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	if !actor.IsPatientOwner(link.PatientID) {
		return ErrForbidden
	}
	return s.tx(ctx, func(ctx context.Context) error {
		if err := s.links.Revoke(ctx, linkID); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return err
		}
		return s.recorder.Record(ctx, &audit.Entry{
			ActorID:      actor.ID,
			ActorRole:    string(actor.Role),
			PatientID:    link.PatientID,
			Action:       audit.ActionRevoke,
			Outcome:      audit.OutcomeAllowed,
			ResourceType: "share_link",
			ResourceID:   linkID,
			IPAddress:    origin.IPAddress,
			UserAgent:    origin.UserAgent,
			RequestID:    origin.RequestID,
		})
	})
}

func (s *Service) denyShareLink(ctx context.Context, link *ShareLink, origin audit.Origin, why string, denial error) error {
	err := s.tx(ctx, func(ctx context.Context) error {
		return s.recorder.Record(ctx, &audit.Entry{
			ActorID:      link.ID,
			ActorRole:    "share_link",
			PatientID:    link.PatientID,
			Action:       audit.ActionRead,
			Outcome:      audit.OutcomeDenied,
			ResourceType: "share_link",
			ResourceID:   link.ID,
			Description:  why,
			IPAddress:    origin.IPAddress,
			UserAgent:    origin.UserAgent,
			RequestID:    origin.RequestID,
		})
	})
	if err != nil {
		return err
	}
	return denial
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
