package event

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/uhr/uhr/internal/domain/audit"
	"github.com/uhr/uhr/internal/domain/consent"
	"github.com/uhr/uhr/internal/domain/patient"
	"github.com/uhr/uhr/internal/platform/auth"
	"github.com/uhr/uhr/internal/platform/db"
)

// ShareLinkGate is the slice of the consent service the share-link
// submission path needs.
type ShareLinkGate interface {
	ValidateShareLink(ctx context.Context, token, validator string, origin audit.Origin) (*consent.ShareLink, error)
	ConsumeShareLink(ctx context.Context, id uuid.UUID) error
}

// DocumentSource returns raw bytes for a document event's storage
// reference.
type DocumentSource interface {
	Get(ctx context.Context, ref string) ([]byte, error)
}

type Service struct {
	repo     Repository
	patients patient.Repository
	resolver *Resolver
	authz    consent.Authorizer
	links    ShareLinkGate
	recorder *audit.Recorder
	docs     DocumentSource
	tx       db.TxRunner
	// writeTx serializes appends that touch an amendment chain.
	writeTx db.TxRunner
}

func NewService(repo Repository, patients patient.Repository, authz consent.Authorizer,
	links ShareLinkGate, recorder *audit.Recorder, docs DocumentSource,
	tx, writeTx db.TxRunner) *Service {
	return &Service{
		repo:     repo,
		patients: patients,
		resolver: NewResolver(repo),
		authz:    authz,
		links:    links,
		recorder: recorder,
		docs:     docs,
		tx:       tx,
		writeTx:  writeTx,
	}
}

func (s *Service) Resolver() *Resolver {
	return s.resolver
}

// AppendOptions carry flags that are not part of the draft itself.
type AppendOptions struct {
	// ShareLink marks a submission through a validated share link. It
	// forces pending_approval visibility and restricts the event type.
	ShareLink *consent.ShareLink
	// ConfirmedExtraction marks a machine-extracted value the patient has
	// reviewed; see AssignLevel.
	ConfirmedExtraction bool
}

// Append validates a draft, fixes its verification level, links its
// lineage and commits it together with its audit entry. Drafts never carry
// a verification level of their own; whatever the caller set is ignored.
func (s *Service) Append(ctx context.Context, actor auth.Actor, draft *Event, opts AppendOptions, origin audit.Origin) (*Event, error) {
	if err := s.validateDraft(draft); err != nil {
		return nil, err
	}

	if opts.ShareLink == nil {
		req := consent.AccessRequest{
			Operation:  consent.OpWrite,
			EventType:  string(draft.Type),
			ClinicalTS: &draft.ClinicalTS,
		}
		if err := s.authz.Authorize(ctx, actor, draft.PatientID, req, origin); err != nil {
			return nil, err
		}
	} else {
		if opts.ShareLink.PatientID != draft.PatientID {
			return nil, fmt.Errorf("%w: share link is scoped to another patient", ErrValidationFailed)
		}
		if draft.Type != TypeSecondOpinion {
			return nil, fmt.Errorf("%w: share links accept only second_opinion events", ErrValidationFailed)
		}
	}

	draft.VerificationLevel = AssignLevel(actor, opts.ConfirmedExtraction)
	draft.CreatedBy = actor.ID
	if draft.SourceType == "" {
		draft.SourceType = sourceTypeFor(actor)
	}
	if draft.SourceActorID == uuid.Nil {
		draft.SourceActorID = actor.ID
	}
	if draft.Visibility == "" {
		draft.Visibility = VisibilityVisible
	}
	if opts.ShareLink != nil {
		// Forced regardless of what the draft asked for.
		draft.Visibility = VisibilityPending
	}

	// Idempotent import: a repeated payload for the same external resource
	// is a no-op returning the original event. This lookup is the fast
	// path; the unique index on the external ref catches the race where
	// two imports of the same payload pass it simultaneously.
	if draft.ExternalResourceID != "" && draft.OriginalPayloadHash != "" {
		existing, err := s.repo.GetByExternalRef(ctx, draft.ExternalSystem, draft.ExternalResourceID, draft.OriginalPayloadHash)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	err := s.writeTx(ctx, func(ctx context.Context) error {
		p, err := s.patients.GetByID(ctx, draft.PatientID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: unknown patient %s", ErrValidationFailed, draft.PatientID)
			}
			return err
		}
		if p.Deleted() {
			return fmt.Errorf("%w: patient record is retracted", ErrValidationFailed)
		}

		if err := s.checkLineage(ctx, draft); err != nil {
			return err
		}
		if err := s.repo.Insert(ctx, draft); err != nil {
			return err
		}
		if opts.ShareLink != nil {
			if err := s.links.ConsumeShareLink(ctx, opts.ShareLink.ID); err != nil {
				return err
			}
		}
		return s.recorder.Record(ctx, &audit.Entry{
			ActorID:      actor.ID,
			ActorRole:    string(actor.Role),
			PatientID:    draft.PatientID,
			Action:       audit.ActionCreate,
			Outcome:      audit.OutcomeAllowed,
			ResourceType: "medical_event",
			ResourceID:   draft.ID,
			Metadata:     map[string]interface{}{"type": string(draft.Type)},
			IPAddress:    origin.IPAddress,
			UserAgent:    origin.UserAgent,
			RequestID:    origin.RequestID,
		})
	})
	if err != nil {
		if errors.Is(err, errDuplicateImport) {
			// Another import committed the identical payload first.
			existing, lookupErr := s.repo.GetByExternalRef(ctx, draft.ExternalSystem, draft.ExternalResourceID, draft.OriginalPayloadHash)
			if lookupErr != nil {
				return nil, fmt.Errorf("resolving duplicate import: %w", lookupErr)
			}
			return existing, nil
		}
		if isSerializationFailure(err) {
			return nil, fmt.Errorf("%w: append lost a serialization race", ErrConcurrentAmendment)
		}
		return nil, err
	}
	return draft, nil
}

func (s *Service) validateDraft(draft *Event) error {
	if draft.PatientID == uuid.Nil {
		return fmt.Errorf("%w: patient id is required", ErrValidationFailed)
	}
	if !ValidTypes[draft.Type] {
		return fmt.Errorf("%w: unknown event type %q", ErrValidationFailed, draft.Type)
	}
	if draft.ClinicalTS.IsZero() {
		return fmt.Errorf("%w: clinical timestamp is required", ErrValidationFailed)
	}
	if draft.SourceType != "" && !validSourceTypes[draft.SourceType] {
		return fmt.Errorf("%w: unknown source type %q", ErrValidationFailed, draft.SourceType)
	}
	if draft.Visibility != "" && !validVisibilities[draft.Visibility] {
		return fmt.Errorf("%w: unknown visibility %q", ErrValidationFailed, draft.Visibility)
	}
	if got := draft.Details.variantFor(); got != draft.Type {
		return fmt.Errorf("%w: details payload does not match event type %q", ErrValidationFailed, draft.Type)
	}
	if draft.Type == TypeDocument {
		doc := draft.Details.Document
		if doc.StorageRef == "" || doc.ContentChecksum == "" {
			return fmt.Errorf("%w: document events require a storage reference and checksum", ErrValidationFailed)
		}
	}

	if draft.AmendsEventID != nil {
		if draft.ParentEventID != nil {
			return fmt.Errorf("%w: an event carries an amendment link or a lifecycle link, not both", ErrValidationFailed)
		}
		if draft.AmendmentReason == "" {
			return fmt.Errorf("%w: amendments require a reason", ErrValidationFailed)
		}
		draft.Relationship = RelAmendment
	} else if draft.ParentEventID != nil {
		if draft.Relationship != RelLifecycle && draft.Relationship != RelRelated {
			return fmt.Errorf("%w: parent links must be lifecycle or related", ErrValidationFailed)
		}
	} else {
		if draft.Relationship != "" && draft.Relationship != RelNone {
			return fmt.Errorf("%w: relationship %q requires a link", ErrValidationFailed, draft.Relationship)
		}
		draft.Relationship = RelNone
	}
	return nil
}

// checkLineage verifies link targets inside the append transaction. Links
// may only point at existing, non-retracted events of the same patient, so
// a chain can never loop: each link strictly precedes its owner in
// creation order.
func (s *Service) checkLineage(ctx context.Context, draft *Event) error {
	if draft.AmendsEventID != nil {
		target, err := s.repo.GetByID(ctx, *draft.AmendsEventID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: amendment target does not exist", ErrInvalidLineage)
			}
			return err
		}
		if target.Retracted() {
			return fmt.Errorf("%w: amendment target is retracted", ErrInvalidLineage)
		}
		if target.PatientID != draft.PatientID {
			return fmt.Errorf("%w: amendment target belongs to another patient", ErrInvalidLineage)
		}
		if target.Type != draft.Type {
			return fmt.Errorf("%w: amendment must keep the event type", ErrInvalidLineage)
		}
		if _, err := s.repo.FindAmendmentOf(ctx, target.ID); err == nil {
			return fmt.Errorf("%w: event %s is already amended", ErrConcurrentAmendment, target.ID)
		} else if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
	}

	if draft.ParentEventID != nil {
		parent, err := s.repo.GetByID(ctx, *draft.ParentEventID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: parent event does not exist", ErrInvalidLineage)
			}
			return err
		}
		if parent.Retracted() {
			return fmt.Errorf("%w: parent event is retracted", ErrInvalidLineage)
		}
		if parent.PatientID != draft.PatientID {
			return fmt.Errorf("%w: parent event belongs to another patient", ErrInvalidLineage)
		}
		if draft.Relationship == RelLifecycle && parent.Type != draft.Type {
			return fmt.Errorf("%w: lifecycle links must stay within one event type", ErrInvalidLineage)
		}
	}
	return nil
}

// Get returns one event after consent and visibility checks. The read is
// audited.
func (s *Service) Get(ctx context.Context, actor auth.Actor, id uuid.UUID, origin audit.Origin) (*Event, error) {
	e, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	req := consent.AccessRequest{Operation: consent.OpRead, EventType: string(e.Type), ClinicalTS: &e.ClinicalTS}
	if err := s.authz.Authorize(ctx, actor, e.PatientID, req, origin); err != nil {
		return nil, err
	}
	if !actor.IsPatientOwner(e.PatientID) && e.Visibility != VisibilityVisible {
		// Indistinguishable from a missing event for non-owners.
		return nil, ErrNotFound
	}

	if err := s.auditRead(ctx, actor, e.PatientID, e.ID, origin, nil); err != nil {
		return nil, err
	}
	return e, nil
}

// TimelinePage is one page of a patient's history.
type TimelinePage struct {
	Events []*Event `json:"events"`
	Total  int      `json:"total"`
	// Withheld is true when events exist that this caller may not see.
	// The presentation layer must render it as a persistent notice.
	Withheld bool `json:"withheld"`
}

// Timeline returns a patient's history, newest clinical fact first.
func (s *Service) Timeline(ctx context.Context, actor auth.Actor, patientID uuid.UUID, f Filters, limit, offset int, origin audit.Origin) (*TimelinePage, error) {
	req := consent.AccessRequest{Operation: consent.OpRead}
	if len(f.Types) == 1 {
		req.EventType = string(f.Types[0])
	}
	if err := s.authz.Authorize(ctx, actor, patientID, req, origin); err != nil {
		return nil, err
	}

	events, total, err := s.repo.ListByPatient(ctx, patientID, f, limit, offset)
	if err != nil {
		return nil, err
	}
	visible, withheld := FilterVisible(events, actor.IsPatientOwner(patientID))

	if err := s.auditRead(ctx, actor, patientID, uuid.Nil, origin, map[string]interface{}{"scope": "timeline"}); err != nil {
		return nil, err
	}
	return &TimelinePage{Events: visible, Total: total, Withheld: withheld}, nil
}

// ActiveMedications resolves the patient's currently active medications
// from their lifecycle chains. Retracted events never count toward the
// current state.
func (s *Service) ActiveMedications(ctx context.Context, actor auth.Actor, patientID uuid.UUID, origin audit.Origin) ([]*MedicationState, error) {
	req := consent.AccessRequest{Operation: consent.OpRead, EventType: string(TypeMedication)}
	if err := s.authz.Authorize(ctx, actor, patientID, req, origin); err != nil {
		return nil, err
	}

	events, err := s.medicationEvents(ctx, patientID, medicationPageSize)
	if err != nil {
		return nil, err
	}
	visible, _ := FilterVisible(events, actor.IsPatientOwner(patientID))
	states, err := s.resolver.ActiveMedications(ctx, visible)
	if err != nil {
		return nil, err
	}

	if err := s.auditRead(ctx, actor, patientID, uuid.Nil, origin, map[string]interface{}{"scope": "active_medications"}); err != nil {
		return nil, err
	}
	return states, nil
}

// medicationPageSize is the repo page size for medication state resolution.
const medicationPageSize = 500

// medicationEvents pages through every medication event of the patient.
// Long histories exceed a single page, so the read loops until the repo
// reports no more rows.
func (s *Service) medicationEvents(ctx context.Context, patientID uuid.UUID, pageSize int) ([]*Event, error) {
	var all []*Event
	for offset := 0; ; offset += pageSize {
		page, total, err := s.repo.ListByPatient(ctx, patientID, Filters{Types: []Type{TypeMedication}}, pageSize, offset)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < pageSize || len(all) >= total {
			return all, nil
		}
	}
}

// Retract soft-deletes an event. The row, its lineage and its audit
// history all survive.
func (s *Service) Retract(ctx context.Context, actor auth.Actor, id uuid.UUID, reason string, origin audit.Origin) error {
	if reason == "" {
		return fmt.Errorf("%w: a retraction reason is required", ErrValidationFailed)
	}
	e, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	req := consent.AccessRequest{Operation: consent.OpWrite, EventType: string(e.Type), ClinicalTS: &e.ClinicalTS}
	if err := s.authz.Authorize(ctx, actor, e.PatientID, req, origin); err != nil {
		return err
	}

	return s.tx(ctx, func(ctx context.Context) error {
		if err := s.repo.Retract(ctx, id, reason); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: event already retracted", ErrValidationFailed)
			}
			return err
		}
		return s.recorder.Record(ctx, &audit.Entry{
			ActorID:      actor.ID,
			ActorRole:    string(actor.Role),
			PatientID:    e.PatientID,
			Action:       audit.ActionUpdate,
			Outcome:      audit.OutcomeAllowed,
			ResourceType: "medical_event",
			ResourceID:   id,
			Description:  "event retracted",
			Metadata:     map[string]interface{}{"reason": reason},
			IPAddress:    origin.IPAddress,
			UserAgent:    origin.UserAgent,
			RequestID:    origin.RequestID,
		})
	})
}

// Approve releases a pending event into the visible timeline. Owner only.
func (s *Service) Approve(ctx context.Context, actor auth.Actor, id uuid.UUID, origin audit.Origin) error {
	e, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	if !actor.IsPatientOwner(e.PatientID) {
		return ErrForbidden
	}

	return s.tx(ctx, func(ctx context.Context) error {
		if err := s.repo.Approve(ctx, id); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotPending
			}
			return err
		}
		return s.recorder.Record(ctx, &audit.Entry{
			ActorID:      actor.ID,
			ActorRole:    string(actor.Role),
			PatientID:    e.PatientID,
			Action:       audit.ActionApprove,
			Outcome:      audit.OutcomeAllowed,
			ResourceType: "medical_event",
			ResourceID:   id,
			IPAddress:    origin.IPAddress,
			UserAgent:    origin.UserAgent,
			RequestID:    origin.RequestID,
		})
	})
}

// Document returns the stored bytes for a document event, verifying them
// against the recorded checksum first. A mismatch blocks access and is
// recorded as an integrity failure, not a normal denial.
func (s *Service) Document(ctx context.Context, actor auth.Actor, id uuid.UUID, origin audit.Origin) ([]byte, *DocumentDetails, error) {
	e, err := s.Get(ctx, actor, id, origin)
	if err != nil {
		return nil, nil, err
	}
	if e.Type != TypeDocument || e.Details.Document == nil {
		return nil, nil, fmt.Errorf("%w: event %s is not a document", ErrValidationFailed, id)
	}
	doc := e.Details.Document

	data, err := s.docs.Get(ctx, doc.StorageRef)
	if err != nil {
		return nil, nil, fmt.Errorf("fetching document bytes: %w", err)
	}

	got := []byte(docChecksum(data))
	want := []byte(doc.ContentChecksum)
	if len(got) != len(want) || subtle.ConstantTimeCompare(got, want) != 1 {
		auditErr := s.tx(ctx, func(ctx context.Context) error {
			return s.recorder.Record(ctx, &audit.Entry{
				ActorID:      actor.ID,
				ActorRole:    string(actor.Role),
				PatientID:    e.PatientID,
				Action:       audit.ActionRead,
				Outcome:      audit.OutcomeError,
				ResourceType: "medical_event",
				ResourceID:   e.ID,
				Description:  "document checksum mismatch",
				IPAddress:    origin.IPAddress,
				UserAgent:    origin.UserAgent,
				RequestID:    origin.RequestID,
			})
		})
		if auditErr != nil {
			return nil, nil, auditErr
		}
		return nil, nil, fmt.Errorf("%w: event %s", ErrChecksumMismatch, e.ID)
	}
	return data, doc, nil
}

// SubmitViaShareLink is the anonymous contribution path: validate the
// bearer token and its secondary validator, then append a second opinion
// that stays pending until the patient approves it.
func (s *Service) SubmitViaShareLink(ctx context.Context, token, validator string, draft *Event, origin audit.Origin) (*Event, error) {
	link, err := s.links.ValidateShareLink(ctx, token, validator, origin)
	if err != nil {
		return nil, err
	}
	draft.PatientID = link.PatientID

	actor := auth.Actor{ID: link.ID, Role: auth.RoleCaregiver}
	return s.Append(ctx, actor, draft, AppendOptions{ShareLink: link}, origin)
}

// AmendmentChain exposes lineage resolution behind the consent gate.
// Chain members carry their own visibility, so non-owners see the chain
// with hidden and pending links removed.
func (s *Service) AmendmentChain(ctx context.Context, actor auth.Actor, id uuid.UUID, origin audit.Origin) ([]*Event, error) {
	e, err := s.Get(ctx, actor, id, origin)
	if err != nil {
		return nil, err
	}
	chain, err := s.resolver.AmendmentChain(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	visible, _ := FilterVisible(chain, actor.IsPatientOwner(e.PatientID))
	return visible, nil
}

func docChecksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (s *Service) auditRead(ctx context.Context, actor auth.Actor, patientID, resourceID uuid.UUID, origin audit.Origin, metadata map[string]interface{}) error {
	return s.tx(ctx, func(ctx context.Context) error {
		return s.recorder.Record(ctx, &audit.Entry{
			ActorID:      actor.ID,
			ActorRole:    string(actor.Role),
			PatientID:    patientID,
			Action:       audit.ActionRead,
			Outcome:      audit.OutcomeAllowed,
			ResourceType: "medical_event",
			ResourceID:   resourceID,
			Metadata:     metadata,
			IPAddress:    origin.IPAddress,
			UserAgent:    origin.UserAgent,
			RequestID:    origin.RequestID,
		})
	})
}
