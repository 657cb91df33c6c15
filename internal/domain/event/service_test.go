package event

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/uhr/uhr/internal/domain/audit"
	"github.com/uhr/uhr/internal/domain/consent"
	"github.com/uhr/uhr/internal/domain/patient"
	"github.com/uhr/uhr/internal/platform/auth"
	"github.com/uhr/uhr/internal/platform/docstore"
)

// ---- mocks ----

type mockRepo struct {
	events map[uuid.UUID]*Event
	order  []uuid.UUID
	// insertErr fails every Insert, standing in for a constraint the
	// database raises against a concurrent writer.
	insertErr error
	// refMisses makes the next N external-ref lookups miss, as when a
	// concurrent transaction commits its row after our pre-check ran.
	refMisses int
}

func newMockRepo() *mockRepo {
	return &mockRepo{events: map[uuid.UUID]*Event{}}
}

func (m *mockRepo) Insert(ctx context.Context, e *Event) error {
	if m.insertErr != nil {
		// The real repository translates constraint errors before they
		// leave it; mimic that contract.
		return translateInsertErr(m.insertErr)
	}
	e.ID = uuid.New()
	if e.SystemTS.IsZero() {
		e.SystemTS = time.Now()
	}
	m.events[e.ID] = e
	m.order = append(m.order, e.ID)
	return nil
}

func (m *mockRepo) GetByID(ctx context.Context, id uuid.UUID) (*Event, error) {
	e, ok := m.events[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return e, nil
}

func (m *mockRepo) GetByExternalRef(ctx context.Context, externalSystem, externalResourceID, payloadHash string) (*Event, error) {
	if m.refMisses > 0 {
		m.refMisses--
		return nil, pgx.ErrNoRows
	}
	for _, e := range m.events {
		if e.ExternalSystem == externalSystem && e.ExternalResourceID == externalResourceID && e.OriginalPayloadHash == payloadHash {
			return e, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (m *mockRepo) ListByPatient(ctx context.Context, patientID uuid.UUID, f Filters, limit, offset int) ([]*Event, int, error) {
	var out []*Event
	for _, id := range m.order {
		e := m.events[id]
		if e.PatientID != patientID {
			continue
		}
		if len(f.Types) > 0 {
			match := false
			for _, t := range f.Types {
				if e.Type == t {
					match = true
				}
			}
			if !match {
				continue
			}
		}
		if f.From != nil && e.ClinicalTS.Before(*f.From) {
			continue
		}
		if f.To != nil && e.ClinicalTS.After(*f.To) {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ClinicalTS.Equal(out[j].ClinicalTS) {
			return out[i].ClinicalTS.After(out[j].ClinicalTS)
		}
		return out[i].SystemTS.After(out[j].SystemTS)
	})
	total := len(out)
	if offset >= len(out) {
		return nil, total, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, total, nil
}

func (m *mockRepo) FindAmendmentOf(ctx context.Context, targetID uuid.UUID) (*Event, error) {
	for _, e := range m.events {
		if e.AmendsEventID != nil && *e.AmendsEventID == targetID && !e.Retracted() {
			return e, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (m *mockRepo) ListLifecycleChildren(ctx context.Context, parentID uuid.UUID) ([]*Event, error) {
	var out []*Event
	for _, id := range m.order {
		e := m.events[id]
		if e.ParentEventID != nil && *e.ParentEventID == parentID && e.Relationship == RelLifecycle {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ClinicalTS.Before(out[j].ClinicalTS) })
	return out, nil
}

func (m *mockRepo) Retract(ctx context.Context, id uuid.UUID, reason string) error {
	e, ok := m.events[id]
	if !ok || e.Retracted() {
		return pgx.ErrNoRows
	}
	now := time.Now()
	e.DeletedAt = &now
	e.RetractionReason = reason
	return nil
}

func (m *mockRepo) Approve(ctx context.Context, id uuid.UUID) error {
	e, ok := m.events[id]
	if !ok || e.Visibility != VisibilityPending || e.Retracted() {
		return pgx.ErrNoRows
	}
	e.Visibility = VisibilityVisible
	return nil
}

type mockPatientRepo struct {
	patients map[uuid.UUID]*patient.Patient
}

func newMockPatientRepo(ids ...uuid.UUID) *mockPatientRepo {
	m := &mockPatientRepo{patients: map[uuid.UUID]*patient.Patient{}}
	for _, id := range ids {
		m.patients[id] = &patient.Patient{ID: id, MRN: "UHR-20240101-ABCDEF01"}
	}
	return m
}

func (m *mockPatientRepo) Create(ctx context.Context, p *patient.Patient) error { return nil }

func (m *mockPatientRepo) GetByID(ctx context.Context, id uuid.UUID) (*patient.Patient, error) {
	p, ok := m.patients[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return p, nil
}

func (m *mockPatientRepo) GetByMRN(ctx context.Context, mrn string) (*patient.Patient, error) {
	return nil, pgx.ErrNoRows
}

func (m *mockPatientRepo) List(ctx context.Context, limit, offset int) ([]*patient.Patient, int, error) {
	return nil, 0, nil
}

func (m *mockPatientRepo) SoftDelete(ctx context.Context, id uuid.UUID, reason string) error {
	return nil
}

func (m *mockPatientRepo) MRNExists(ctx context.Context, mrn string) (bool, error) {
	return false, nil
}

type mockAuthorizer struct {
	denyWith error
	calls    int
}

func (m *mockAuthorizer) Authorize(ctx context.Context, actor auth.Actor, patientID uuid.UUID, req consent.AccessRequest, origin audit.Origin) error {
	m.calls++
	if actor.IsPatientOwner(patientID) {
		return nil
	}
	return m.denyWith
}

type mockLinks struct {
	link        *consent.ShareLink
	validateErr error
	consumed    int
}

func (m *mockLinks) ValidateShareLink(ctx context.Context, token, validator string, origin audit.Origin) (*consent.ShareLink, error) {
	if m.validateErr != nil {
		return nil, m.validateErr
	}
	return m.link, nil
}

func (m *mockLinks) ConsumeShareLink(ctx context.Context, id uuid.UUID) error {
	if m.link == nil || m.link.ID != id || m.consumed >= m.link.MaxUses {
		return consent.ErrShareLinkInvalid
	}
	m.consumed++
	return nil
}

type mockAuditRepo struct {
	entries   []*audit.Entry
	insertErr error
}

func (m *mockAuditRepo) Insert(ctx context.Context, e *audit.Entry) error {
	if m.insertErr != nil {
		return m.insertErr
	}
	e.ID = uuid.New()
	m.entries = append(m.entries, e)
	return nil
}

func (m *mockAuditRepo) GetByID(ctx context.Context, id uuid.UUID) (*audit.Entry, error) {
	return nil, pgx.ErrNoRows
}

func (m *mockAuditRepo) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*audit.Entry, int, error) {
	return m.entries, len(m.entries), nil
}

func passthroughTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// ---- fixture ----

type fixture struct {
	svc       *Service
	repo      *mockRepo
	patientID uuid.UUID
	authz     *mockAuthorizer
	links     *mockLinks
	auditRepo *mockAuditRepo
	docs      *docstore.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	patientID := uuid.New()
	f := &fixture{
		repo:      newMockRepo(),
		patientID: patientID,
		authz:     &mockAuthorizer{denyWith: consent.ErrNoActiveConsent},
		links:     &mockLinks{},
		auditRepo: &mockAuditRepo{},
		docs:      docstore.NewMemoryStore(),
	}
	f.svc = NewService(f.repo, newMockPatientRepo(patientID), f.authz, f.links,
		audit.NewRecorder(f.auditRepo), f.docs, passthroughTx, passthroughTx)
	return f
}

func (f *fixture) owner() auth.Actor {
	return auth.Actor{ID: f.patientID, PatientID: f.patientID, Role: auth.RolePatient}
}

func verifiedPractitioner() auth.Actor {
	return auth.Actor{ID: uuid.New(), Role: auth.RolePractitioner, VerifiedPractitioner: true}
}

func clinicalTime(day int) time.Time {
	return time.Date(2025, 3, day, 10, 0, 0, 0, time.UTC)
}

func observationDraft(patientID uuid.UUID) *Event {
	return &Event{
		PatientID:  patientID,
		Type:       TypeObservation,
		ClinicalTS: clinicalTime(1),
		Details: Details{Observation: &ObservationDetails{
			Code: "8867-4", Display: "Heart rate", Value: "72", Unit: "bpm",
		}},
	}
}

func medicationDraft(patientID uuid.UUID, day int, action MedicationAction) *Event {
	return &Event{
		PatientID:  patientID,
		Type:       TypeMedication,
		ClinicalTS: clinicalTime(day),
		Details: Details{Medication: &MedicationDetails{
			DrugCode: "197361", DrugName: "Amlodipine", Action: action, Dose: "5", DoseUnit: "mg",
		}},
	}
}

// ---- append ----

func TestAppend_OwnerCreatesEvent(t *testing.T) {
	f := newFixture(t)

	e, err := f.svc.Append(context.Background(), f.owner(), observationDraft(f.patientID), AppendOptions{}, audit.Origin{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.ID == uuid.Nil {
		t.Error("expected an assigned id")
	}
	if e.VerificationLevel != SelfReported {
		t.Errorf("patient submission must be self_reported, got %s", e.VerificationLevel)
	}
	if e.Visibility != VisibilityVisible {
		t.Errorf("default visibility should be visible, got %s", e.Visibility)
	}
	if len(f.auditRepo.entries) != 1 || f.auditRepo.entries[0].Action != audit.ActionCreate {
		t.Error("append must write a create audit entry")
	}
}

func TestAppend_ValidationFailures(t *testing.T) {
	f := newFixture(t)
	owner := f.owner()

	tests := []struct {
		name   string
		mutate func(*Event)
	}{
		{"unknown type", func(e *Event) { e.Type = "allergy" }},
		{"zero clinical ts", func(e *Event) { e.ClinicalTS = time.Time{} }},
		{"mismatched details", func(e *Event) {
			e.Details = Details{Visit: &VisitDetails{Reason: "checkup"}}
		}},
		{"two detail variants", func(e *Event) {
			e.Details.Visit = &VisitDetails{Reason: "checkup"}
		}},
		{"no details", func(e *Event) { e.Details = Details{} }},
		{"unknown visibility", func(e *Event) { e.Visibility = "secret" }},
		{"unknown source type", func(e *Event) { e.SourceType = "fax" }},
		{"relationship without link", func(e *Event) { e.Relationship = RelLifecycle }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			draft := observationDraft(f.patientID)
			tt.mutate(draft)
			if _, err := f.svc.Append(context.Background(), owner, draft, AppendOptions{}, audit.Origin{}); !errors.Is(err, ErrValidationFailed) {
				t.Fatalf("expected ErrValidationFailed, got %v", err)
			}
		})
	}
}

func TestAppend_UnknownPatient(t *testing.T) {
	f := newFixture(t)
	stranger := uuid.New()
	draft := observationDraft(stranger)
	actor := auth.Actor{ID: stranger, PatientID: stranger, Role: auth.RolePatient}

	if _, err := f.svc.Append(context.Background(), actor, draft, AppendOptions{}, audit.Origin{}); !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("expected ErrValidationFailed for unknown patient, got %v", err)
	}
}

func TestAppend_DeniedWithoutConsent(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Append(context.Background(), verifiedPractitioner(), observationDraft(f.patientID), AppendOptions{}, audit.Origin{})
	if !errors.Is(err, consent.ErrNoActiveConsent) {
		t.Fatalf("expected ErrNoActiveConsent, got %v", err)
	}
	if len(f.repo.events) != 0 {
		t.Error("nothing may be persisted on a denied append")
	}
}

func TestAppend_VerificationLevelFromActorOnly(t *testing.T) {
	f := newFixture(t)
	f.authz.denyWith = nil // consent granted

	draft := observationDraft(f.patientID)
	// A draft cannot smuggle in a level.
	draft.VerificationLevel = ProviderVerified
	e, err := f.svc.Append(context.Background(), f.owner(), draft, AppendOptions{}, audit.Origin{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.VerificationLevel != SelfReported {
		t.Fatalf("requested level must be ignored, got %s", e.VerificationLevel)
	}

	e2, err := f.svc.Append(context.Background(), verifiedPractitioner(), observationDraft(f.patientID), AppendOptions{}, audit.Origin{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e2.VerificationLevel != ProviderVerified {
		t.Errorf("verified practitioner should yield provider_verified, got %s", e2.VerificationLevel)
	}
}

func TestAppend_FailsWhenAuditFails(t *testing.T) {
	f := newFixture(t)
	f.auditRepo.insertErr = errors.New("wal full")

	_, err := f.svc.Append(context.Background(), f.owner(), observationDraft(f.patientID), AppendOptions{}, audit.Origin{})
	if !errors.Is(err, audit.ErrAuditWriteFailed) {
		t.Fatalf("expected ErrAuditWriteFailed, got %v", err)
	}
}

// ---- amendments ----

func TestAppend_AmendmentRequiresReason(t *testing.T) {
	f := newFixture(t)
	owner := f.owner()

	base, err := f.svc.Append(context.Background(), owner, observationDraft(f.patientID), AppendOptions{}, audit.Origin{})
	if err != nil {
		t.Fatalf("base: %v", err)
	}

	amendment := observationDraft(f.patientID)
	amendment.ClinicalTS = clinicalTime(2)
	amendment.AmendsEventID = &base.ID
	if _, err := f.svc.Append(context.Background(), owner, amendment, AppendOptions{}, audit.Origin{}); !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("expected ErrValidationFailed without reason, got %v", err)
	}
}

func TestAppend_AmendmentLinksAndSetsRelationship(t *testing.T) {
	f := newFixture(t)
	owner := f.owner()

	base, err := f.svc.Append(context.Background(), owner, observationDraft(f.patientID), AppendOptions{}, audit.Origin{})
	if err != nil {
		t.Fatalf("base: %v", err)
	}

	amendment := observationDraft(f.patientID)
	amendment.ClinicalTS = clinicalTime(2)
	amendment.AmendsEventID = &base.ID
	amendment.AmendmentReason = "value transcribed incorrectly"
	got, err := f.svc.Append(context.Background(), owner, amendment, AppendOptions{}, audit.Origin{})
	if err != nil {
		t.Fatalf("amendment: %v", err)
	}
	if got.Relationship != RelAmendment {
		t.Errorf("amendment must carry relationship amendment, got %s", got.Relationship)
	}
}

func TestAppend_ConcurrentAmendmentConflict(t *testing.T) {
	f := newFixture(t)
	owner := f.owner()

	base, err := f.svc.Append(context.Background(), owner, observationDraft(f.patientID), AppendOptions{}, audit.Origin{})
	if err != nil {
		t.Fatalf("base: %v", err)
	}

	first := observationDraft(f.patientID)
	first.ClinicalTS = clinicalTime(2)
	first.AmendsEventID = &base.ID
	first.AmendmentReason = "wrong unit"
	if _, err := f.svc.Append(context.Background(), owner, first, AppendOptions{}, audit.Origin{}); err != nil {
		t.Fatalf("first amendment: %v", err)
	}

	second := observationDraft(f.patientID)
	second.ClinicalTS = clinicalTime(3)
	second.AmendsEventID = &base.ID
	second.AmendmentReason = "wrong value"
	if _, err := f.svc.Append(context.Background(), owner, second, AppendOptions{}, audit.Origin{}); !errors.Is(err, ErrConcurrentAmendment) {
		t.Fatalf("expected ErrConcurrentAmendment, got %v", err)
	}
}

func TestAppend_AmendmentRaceLoserGetsConflict(t *testing.T) {
	f := newFixture(t)
	owner := f.owner()

	base, err := f.svc.Append(context.Background(), owner, observationDraft(f.patientID), AppendOptions{}, audit.Origin{})
	if err != nil {
		t.Fatalf("base: %v", err)
	}

	// Two amendments race past the in-transaction check; the partial
	// unique index rejects the loser.
	f.repo.insertErr = &pgconn.PgError{Code: "23505", ConstraintName: "idx_events_one_amendment"}
	a := observationDraft(f.patientID)
	a.ClinicalTS = clinicalTime(2)
	a.AmendsEventID = &base.ID
	a.AmendmentReason = "wrong unit"
	if _, err := f.svc.Append(context.Background(), owner, a, AppendOptions{}, audit.Origin{}); !errors.Is(err, ErrConcurrentAmendment) {
		t.Fatalf("expected ErrConcurrentAmendment, got %v", err)
	}
}

func TestAppend_SerializationLoserGetsConflict(t *testing.T) {
	f := newFixture(t)
	owner := f.owner()

	base, err := f.svc.Append(context.Background(), owner, observationDraft(f.patientID), AppendOptions{}, audit.Origin{})
	if err != nil {
		t.Fatalf("base: %v", err)
	}

	f.repo.insertErr = &pgconn.PgError{Code: "40001"}
	a := observationDraft(f.patientID)
	a.ClinicalTS = clinicalTime(2)
	a.AmendsEventID = &base.ID
	a.AmendmentReason = "wrong value"
	if _, err := f.svc.Append(context.Background(), owner, a, AppendOptions{}, audit.Origin{}); !errors.Is(err, ErrConcurrentAmendment) {
		t.Fatalf("expected ErrConcurrentAmendment, got %v", err)
	}
}

func TestAppend_LineageTargetChecks(t *testing.T) {
	f := newFixture(t)
	owner := f.owner()

	base, err := f.svc.Append(context.Background(), owner, observationDraft(f.patientID), AppendOptions{}, audit.Origin{})
	if err != nil {
		t.Fatalf("base: %v", err)
	}

	missing := uuid.New()
	t.Run("nonexistent target", func(t *testing.T) {
		a := observationDraft(f.patientID)
		a.AmendsEventID = &missing
		a.AmendmentReason = "fix"
		if _, err := f.svc.Append(context.Background(), owner, a, AppendOptions{}, audit.Origin{}); !errors.Is(err, ErrInvalidLineage) {
			t.Fatalf("expected ErrInvalidLineage, got %v", err)
		}
	})

	t.Run("retracted target", func(t *testing.T) {
		if err := f.svc.Retract(context.Background(), owner, base.ID, "entered twice", audit.Origin{}); err != nil {
			t.Fatalf("retract: %v", err)
		}
		a := observationDraft(f.patientID)
		a.AmendsEventID = &base.ID
		a.AmendmentReason = "fix"
		if _, err := f.svc.Append(context.Background(), owner, a, AppendOptions{}, audit.Origin{}); !errors.Is(err, ErrInvalidLineage) {
			t.Fatalf("expected ErrInvalidLineage, got %v", err)
		}
	})
}

// ---- idempotent import ----

func TestAppend_IdempotentImport(t *testing.T) {
	f := newFixture(t)
	svcActor := auth.Actor{ID: uuid.New(), Role: auth.RoleService, DigitallySigned: true}
	f.authz.denyWith = nil

	draft := observationDraft(f.patientID)
	draft.ExternalSystem = "regional-lab"
	draft.ExternalResourceID = "obs-42"
	draft.OriginalPayloadHash = "a3f5"
	first, err := f.svc.Append(context.Background(), svcActor, draft, AppendOptions{}, audit.Origin{})
	if err != nil {
		t.Fatalf("first import: %v", err)
	}
	if first.VerificationLevel != DigitallyVerified {
		t.Errorf("signed feed should be digitally_verified, got %s", first.VerificationLevel)
	}

	repeat := observationDraft(f.patientID)
	repeat.ExternalSystem = "regional-lab"
	repeat.ExternalResourceID = "obs-42"
	repeat.OriginalPayloadHash = "a3f5"
	second, err := f.svc.Append(context.Background(), svcActor, repeat, AppendOptions{}, audit.Origin{})
	if err != nil {
		t.Fatalf("repeat import: %v", err)
	}
	if second.ID != first.ID {
		t.Error("identical payload for the same resource must be a no-op, not a duplicate")
	}
	if len(f.repo.events) != 1 {
		t.Errorf("expected 1 stored event, got %d", len(f.repo.events))
	}

	// A changed payload for the same resource is a new event.
	changed := observationDraft(f.patientID)
	changed.ExternalSystem = "regional-lab"
	changed.ExternalResourceID = "obs-42"
	changed.OriginalPayloadHash = "b7c1"
	third, err := f.svc.Append(context.Background(), svcActor, changed, AppendOptions{}, audit.Origin{})
	if err != nil {
		t.Fatalf("changed import: %v", err)
	}
	if third.ID == first.ID {
		t.Error("a changed payload must create a new event")
	}
}

func TestAppend_ImportScopedToSourceSystem(t *testing.T) {
	f := newFixture(t)
	svcActor := auth.Actor{ID: uuid.New(), Role: auth.RoleService, DigitallySigned: true}
	f.authz.denyWith = nil

	draft := observationDraft(f.patientID)
	draft.ExternalSystem = "regional-lab"
	draft.ExternalResourceID = "obs-42"
	draft.OriginalPayloadHash = "a3f5"
	first, err := f.svc.Append(context.Background(), svcActor, draft, AppendOptions{}, audit.Origin{})
	if err != nil {
		t.Fatalf("first import: %v", err)
	}

	// Resource ids are only unique within their source system, so the
	// same id from another feed is a distinct event.
	other := observationDraft(f.patientID)
	other.ExternalSystem = "city-hospital"
	other.ExternalResourceID = "obs-42"
	other.OriginalPayloadHash = "a3f5"
	second, err := f.svc.Append(context.Background(), svcActor, other, AppendOptions{}, audit.Origin{})
	if err != nil {
		t.Fatalf("second system import: %v", err)
	}
	if second.ID == first.ID {
		t.Error("imports from different systems must not collide")
	}
	if len(f.repo.events) != 2 {
		t.Errorf("expected 2 stored events, got %d", len(f.repo.events))
	}
}

func TestAppend_ImportRaceReturnsCommittedRow(t *testing.T) {
	f := newFixture(t)
	svcActor := auth.Actor{ID: uuid.New(), Role: auth.RoleService, DigitallySigned: true}
	f.authz.denyWith = nil

	committed := observationDraft(f.patientID)
	committed.ExternalSystem = "regional-lab"
	committed.ExternalResourceID = "obs-42"
	committed.OriginalPayloadHash = "a3f5"
	if err := f.repo.Insert(context.Background(), committed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// The pre-check misses because the other transaction committed after
	// it ran; the unique index rejects our insert instead.
	f.repo.refMisses = 1
	f.repo.insertErr = &pgconn.PgError{Code: "23505", ConstraintName: "idx_events_external_ref"}

	repeat := observationDraft(f.patientID)
	repeat.ExternalSystem = "regional-lab"
	repeat.ExternalResourceID = "obs-42"
	repeat.OriginalPayloadHash = "a3f5"
	got, err := f.svc.Append(context.Background(), svcActor, repeat, AppendOptions{}, audit.Origin{})
	if err != nil {
		t.Fatalf("racing import: %v", err)
	}
	if got.ID != committed.ID {
		t.Error("a lost import race must return the committed event")
	}
	if len(f.repo.events) != 1 {
		t.Errorf("expected 1 stored event, got %d", len(f.repo.events))
	}
}

// ---- share links ----

func TestSubmitViaShareLink_ForcesPending(t *testing.T) {
	f := newFixture(t)
	f.links.link = &consent.ShareLink{ID: uuid.New(), PatientID: f.patientID, MaxUses: 1}

	draft := &Event{
		Type:       TypeSecondOpinion,
		ClinicalTS: clinicalTime(5),
		Visibility: VisibilityVisible, // ignored
		Details:    Details{SecondOpinion: &SecondOpinionDetails{Statement: "consider an echo"}},
	}
	e, err := f.svc.SubmitViaShareLink(context.Background(), "token", "1987", draft, audit.Origin{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.Visibility != VisibilityPending {
		t.Fatalf("share-link events must be pending_approval, got %s", e.Visibility)
	}
	if e.PatientID != f.patientID {
		t.Error("patient must come from the link")
	}
	if f.links.consumed != 1 {
		t.Errorf("expected link consumed once, got %d", f.links.consumed)
	}
}

func TestSubmitViaShareLink_OnlySecondOpinions(t *testing.T) {
	f := newFixture(t)
	f.links.link = &consent.ShareLink{ID: uuid.New(), PatientID: f.patientID, MaxUses: 1}

	draft := observationDraft(f.patientID)
	if _, err := f.svc.SubmitViaShareLink(context.Background(), "token", "1987", draft, audit.Origin{}); !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("expected ErrValidationFailed, got %v", err)
	}
}

func TestSubmitViaShareLink_ValidationErrorPropagates(t *testing.T) {
	f := newFixture(t)
	f.links.validateErr = consent.ErrShareLinkExpired

	draft := &Event{
		Type:       TypeSecondOpinion,
		ClinicalTS: clinicalTime(5),
		Details:    Details{SecondOpinion: &SecondOpinionDetails{Statement: "x"}},
	}
	if _, err := f.svc.SubmitViaShareLink(context.Background(), "token", "1987", draft, audit.Origin{}); !errors.Is(err, consent.ErrShareLinkExpired) {
		t.Fatalf("expected ErrShareLinkExpired, got %v", err)
	}
}

func TestTimeline_PendingHiddenFromNonOwnerUntilApproval(t *testing.T) {
	f := newFixture(t)
	f.authz.denyWith = nil
	f.links.link = &consent.ShareLink{ID: uuid.New(), PatientID: f.patientID, MaxUses: 1}

	draft := &Event{
		Type:       TypeSecondOpinion,
		ClinicalTS: clinicalTime(5),
		Details:    Details{SecondOpinion: &SecondOpinionDetails{Statement: "consider an echo"}},
	}
	e, err := f.svc.SubmitViaShareLink(context.Background(), "token", "1987", draft, audit.Origin{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	pract := verifiedPractitioner()
	page, err := f.svc.Timeline(context.Background(), pract, f.patientID, Filters{}, 50, 0, audit.Origin{})
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(page.Events) != 0 {
		t.Fatal("pending event must be invisible to non-owners")
	}
	if !page.Withheld {
		t.Error("withheld flag must be set when events are filtered")
	}

	ownerPage, err := f.svc.Timeline(context.Background(), f.owner(), f.patientID, Filters{}, 50, 0, audit.Origin{})
	if err != nil {
		t.Fatalf("owner timeline: %v", err)
	}
	if len(ownerPage.Events) != 1 {
		t.Fatal("owner must see the pending event")
	}

	if err := f.svc.Approve(context.Background(), f.owner(), e.ID, audit.Origin{}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	page, err = f.svc.Timeline(context.Background(), pract, f.patientID, Filters{}, 50, 0, audit.Origin{})
	if err != nil {
		t.Fatalf("timeline after approval: %v", err)
	}
	if len(page.Events) != 1 {
		t.Error("approved event must appear for authorized callers")
	}
	if page.Withheld {
		t.Error("nothing is withheld once approved")
	}
}

// ---- amendment chain reads ----

func TestAmendmentChain_HiddenLinksStayPrivate(t *testing.T) {
	f := newFixture(t)
	owner := f.owner()
	f.authz.denyWith = nil // practitioner holds consent

	base := observationDraft(f.patientID)
	base.Visibility = VisibilityHidden
	hidden, err := f.svc.Append(context.Background(), owner, base, AppendOptions{}, audit.Origin{})
	if err != nil {
		t.Fatalf("base: %v", err)
	}

	amendment := observationDraft(f.patientID)
	amendment.ClinicalTS = clinicalTime(2)
	amendment.AmendsEventID = &hidden.ID
	amendment.AmendmentReason = "value corrected"
	head, err := f.svc.Append(context.Background(), owner, amendment, AppendOptions{}, audit.Origin{})
	if err != nil {
		t.Fatalf("amendment: %v", err)
	}

	ownerChain, err := f.svc.AmendmentChain(context.Background(), owner, head.ID, audit.Origin{})
	if err != nil {
		t.Fatalf("owner chain: %v", err)
	}
	if len(ownerChain) != 2 {
		t.Fatalf("owner must see the full chain, got %d", len(ownerChain))
	}

	practChain, err := f.svc.AmendmentChain(context.Background(), verifiedPractitioner(), head.ID, audit.Origin{})
	if err != nil {
		t.Fatalf("practitioner chain: %v", err)
	}
	if len(practChain) != 1 || practChain[0].ID != head.ID {
		t.Fatalf("hidden chain members must not leak, got %d events", len(practChain))
	}
}

// ---- medication paging ----

func TestActiveMedications_CollectsAllPages(t *testing.T) {
	f := newFixture(t)
	owner := f.owner()

	for day := 1; day <= 5; day++ {
		d := medicationDraft(f.patientID, day, MedStart)
		d.Details.Medication.DrugCode = fmt.Sprintf("rx-%d", day)
		if _, err := f.svc.Append(context.Background(), owner, d, AppendOptions{}, audit.Origin{}); err != nil {
			t.Fatalf("append day %d: %v", day, err)
		}
	}

	events, err := f.svc.medicationEvents(context.Background(), f.patientID, 2)
	if err != nil {
		t.Fatalf("medication events: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("paging must collect every event, got %d of 5", len(events))
	}

	states, err := f.svc.ActiveMedications(context.Background(), owner, f.patientID, audit.Origin{})
	if err != nil {
		t.Fatalf("active medications: %v", err)
	}
	if len(states) != 5 {
		t.Errorf("expected 5 active chains, got %d", len(states))
	}
}

// ---- approve ----

func TestApprove_OwnerOnly(t *testing.T) {
	f := newFixture(t)
	f.links.link = &consent.ShareLink{ID: uuid.New(), PatientID: f.patientID, MaxUses: 1}

	draft := &Event{
		Type:       TypeSecondOpinion,
		ClinicalTS: clinicalTime(5),
		Details:    Details{SecondOpinion: &SecondOpinionDetails{Statement: "x"}},
	}
	e, err := f.svc.SubmitViaShareLink(context.Background(), "token", "1987", draft, audit.Origin{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if err := f.svc.Approve(context.Background(), verifiedPractitioner(), e.ID, audit.Origin{}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestApprove_NotPending(t *testing.T) {
	f := newFixture(t)
	owner := f.owner()

	e, err := f.svc.Append(context.Background(), owner, observationDraft(f.patientID), AppendOptions{}, audit.Origin{})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := f.svc.Approve(context.Background(), owner, e.ID, audit.Origin{}); !errors.Is(err, ErrNotPending) {
		t.Fatalf("expected ErrNotPending, got %v", err)
	}
}

// ---- retraction ----

func TestRetract_MarksButKeepsEvent(t *testing.T) {
	f := newFixture(t)
	owner := f.owner()

	e, err := f.svc.Append(context.Background(), owner, observationDraft(f.patientID), AppendOptions{}, audit.Origin{})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := f.svc.Retract(context.Background(), owner, e.ID, "duplicate entry", audit.Origin{}); err != nil {
		t.Fatalf("retract: %v", err)
	}

	stored := f.repo.events[e.ID]
	if !stored.Retracted() || stored.RetractionReason != "duplicate entry" {
		t.Error("expected soft-delete marker with reason")
	}

	// Retracted events stay on the owner's timeline.
	page, err := f.svc.Timeline(context.Background(), owner, f.patientID, Filters{}, 50, 0, audit.Origin{})
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(page.Events) != 1 || !page.Events[0].Retracted() {
		t.Error("retracted event must remain visible with its marker")
	}
}

// ---- documents ----

func TestDocument_RoundTripAndTamperDetection(t *testing.T) {
	f := newFixture(t)
	owner := f.owner()
	data := []byte("%PDF-1.7 discharge summary")

	ref, checksum, err := f.docs.Put(context.Background(), data)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	draft := &Event{
		PatientID:  f.patientID,
		Type:       TypeDocument,
		ClinicalTS: clinicalTime(1),
		Details: Details{Document: &DocumentDetails{
			Title: "discharge.pdf", ContentType: "application/pdf",
			StorageRef: ref, ContentChecksum: checksum, SizeBytes: int64(len(data)),
		}},
	}
	e, err := f.svc.Append(context.Background(), owner, draft, AppendOptions{}, audit.Origin{})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	got, doc, err := f.svc.Document(context.Background(), owner, e.ID, audit.Origin{})
	if err != nil {
		t.Fatalf("document: %v", err)
	}
	if string(got) != string(data) || doc.Title != "discharge.pdf" {
		t.Error("round trip lost data")
	}

	f.docs.Corrupt(ref, []byte("tampered"))
	if _, _, err := f.svc.Document(context.Background(), owner, e.ID, audit.Origin{}); !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("expected ErrChecksumMismatch, got %v", err)
	}
	var integrity *audit.Entry
	for _, entry := range f.auditRepo.entries {
		if entry.Outcome == audit.OutcomeError {
			integrity = entry
		}
	}
	if integrity == nil {
		t.Error("checksum failure must be recorded as an integrity error")
	}
}

func TestDocument_RequiresChecksumOnDraft(t *testing.T) {
	f := newFixture(t)

	draft := &Event{
		PatientID:  f.patientID,
		Type:       TypeDocument,
		ClinicalTS: clinicalTime(1),
		Details:    Details{Document: &DocumentDetails{Title: "x", ContentType: "text/plain"}},
	}
	if _, err := f.svc.Append(context.Background(), f.owner(), draft, AppendOptions{}, audit.Origin{}); !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("expected ErrValidationFailed, got %v", err)
	}
}
