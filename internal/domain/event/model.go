package event

import (
	"time"

	"github.com/google/uuid"
)

// Type is the closed set of medical event kinds.
type Type string

const (
	TypeVisit         Type = "visit"
	TypeObservation   Type = "observation"
	TypeCondition     Type = "condition"
	TypeMedication    Type = "medication"
	TypeProcedure     Type = "procedure"
	TypeDocument      Type = "document"
	TypeSecondOpinion Type = "second_opinion"
)

var ValidTypes = map[Type]bool{
	TypeVisit:         true,
	TypeObservation:   true,
	TypeCondition:     true,
	TypeMedication:    true,
	TypeProcedure:     true,
	TypeDocument:      true,
	TypeSecondOpinion: true,
}

// SourceType records where the fact originated.
type SourceType string

const (
	SourcePatient SourceType = "patient"
	SourceDoctor  SourceType = "doctor"
	SourceLab     SourceType = "lab"
	SourceSystem  SourceType = "system"
)

var validSourceTypes = map[SourceType]bool{
	SourcePatient: true,
	SourceDoctor:  true,
	SourceLab:     true,
	SourceSystem:  true,
}

// VerificationLevel is the provenance-trust tier fixed at creation. It is
// derived from the actor's attested identity, never from event content,
// and no operation may change it afterwards.
type VerificationLevel string

const (
	SelfReported      VerificationLevel = "self_reported"
	PatientConfirmed  VerificationLevel = "patient_confirmed"
	ProviderVerified  VerificationLevel = "provider_verified"
	DigitallyVerified VerificationLevel = "digitally_verified"
)

// Visibility controls whether the event appears in standard queries.
type Visibility string

const (
	VisibilityVisible Visibility = "visible"
	VisibilityHidden  Visibility = "hidden"
	VisibilityPending Visibility = "pending_approval"
)

var validVisibilities = map[Visibility]bool{
	VisibilityVisible: true,
	VisibilityHidden:  true,
	VisibilityPending: true,
}

// Relationship qualifies the parent_event_id link.
type Relationship string

const (
	RelNone      Relationship = "none"
	RelLifecycle Relationship = "lifecycle"
	RelAmendment Relationship = "amendment"
	RelRelated   Relationship = "related"
)

var validRelationships = map[Relationship]bool{
	RelNone:      true,
	RelLifecycle: true,
	RelAmendment: true,
	RelRelated:   true,
}

// Event is one immutable clinical fact. After insert, the only columns
// that ever change are the soft-delete pair.
type Event struct {
	ID        uuid.UUID `json:"id"`
	PatientID uuid.UUID `json:"patient_id"`
	Type      Type      `json:"type"`

	// ClinicalTS is when the fact happened in reality; SystemTS is when
	// the row was recorded. Timelines order by (ClinicalTS, SystemTS) DESC.
	ClinicalTS time.Time `json:"clinical_ts"`
	SystemTS   time.Time `json:"system_ts"`

	SourceType    SourceType `json:"source_type"`
	SourceActorID uuid.UUID  `json:"source_actor_id,omitempty"`
	SourceOrg     string     `json:"source_org,omitempty"`

	VerificationLevel VerificationLevel `json:"verification_level"`
	Visibility        Visibility        `json:"visibility"`
	CreatedBy         uuid.UUID         `json:"created_by"`

	// AmendsEventID links a correction to the event it corrects. It
	// requires Relationship == RelAmendment and a non-empty reason.
	AmendsEventID   *uuid.UUID `json:"amends_event_id,omitempty"`
	AmendmentReason string     `json:"amendment_reason,omitempty"`

	ParentEventID *uuid.UUID   `json:"parent_event_id,omitempty"`
	Relationship  Relationship `json:"relationship_type"`

	DeletedAt        *time.Time `json:"deleted_at,omitempty"`
	RetractionReason string     `json:"retraction_reason,omitempty"`

	// External-system fields used only for idempotent import matching.
	ExternalSystem      string `json:"external_system,omitempty"`
	ExternalResourceID  string `json:"external_resource_id,omitempty"`
	OriginalPayloadHash string `json:"original_payload_hash,omitempty"`
	FHIRResourceType    string `json:"fhir_resource_type,omitempty"`
	FHIRLogicalID       string `json:"fhir_logical_id,omitempty"`
	FHIRVersionID       string `json:"fhir_version_id,omitempty"`

	Details Details `json:"details"`
}

// Retracted reports whether the event carries the soft-delete marker.
func (e *Event) Retracted() bool {
	return e.DeletedAt != nil
}

// Details is the typed 1:1 extension payload. Exactly one variant is set,
// and it must match the event type.
type Details struct {
	Visit         *VisitDetails         `json:"visit,omitempty"`
	Observation   *ObservationDetails   `json:"observation,omitempty"`
	Condition     *ConditionDetails     `json:"condition,omitempty"`
	Medication    *MedicationDetails    `json:"medication,omitempty"`
	Procedure     *ProcedureDetails     `json:"procedure,omitempty"`
	Document      *DocumentDetails      `json:"document,omitempty"`
	SecondOpinion *SecondOpinionDetails `json:"second_opinion,omitempty"`
}

// variantFor returns the set variant's type, or "" when none or more than
// one is set.
func (d Details) variantFor() Type {
	var found Type
	count := 0
	if d.Visit != nil {
		found, count = TypeVisit, count+1
	}
	if d.Observation != nil {
		found, count = TypeObservation, count+1
	}
	if d.Condition != nil {
		found, count = TypeCondition, count+1
	}
	if d.Medication != nil {
		found, count = TypeMedication, count+1
	}
	if d.Procedure != nil {
		found, count = TypeProcedure, count+1
	}
	if d.Document != nil {
		found, count = TypeDocument, count+1
	}
	if d.SecondOpinion != nil {
		found, count = TypeSecondOpinion, count+1
	}
	if count != 1 {
		return ""
	}
	return found
}

type VisitDetails struct {
	Location string `json:"location,omitempty"`
	Provider string `json:"provider,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Notes    string `json:"notes,omitempty"`
}

type ObservationDetails struct {
	Code           string `json:"code"`
	Display        string `json:"display,omitempty"`
	Value          string `json:"value"`
	Unit           string `json:"unit,omitempty"`
	ReferenceRange string `json:"reference_range,omitempty"`
	Abnormal       bool   `json:"abnormal,omitempty"`
}

type ConditionDetails struct {
	Code           string     `json:"code"`
	Display        string     `json:"display,omitempty"`
	ClinicalStatus string     `json:"clinical_status,omitempty"`
	Severity       string     `json:"severity,omitempty"`
	OnsetDate      *time.Time `json:"onset_date,omitempty"`
	AbatementDate  *time.Time `json:"abatement_date,omitempty"`
}

// MedicationAction drives lifecycle-chain state resolution.
type MedicationAction string

const (
	MedStart       MedicationAction = "start"
	MedAdjust      MedicationAction = "adjust"
	MedDiscontinue MedicationAction = "discontinue"
)

type MedicationDetails struct {
	DrugCode  string           `json:"drug_code"`
	DrugName  string           `json:"drug_name"`
	Action    MedicationAction `json:"action"`
	Dose      string           `json:"dose,omitempty"`
	DoseUnit  string           `json:"dose_unit,omitempty"`
	Route     string           `json:"route,omitempty"`
	Frequency string           `json:"frequency,omitempty"`
}

type ProcedureDetails struct {
	Code        string `json:"code"`
	Display     string `json:"display,omitempty"`
	BodySite    string `json:"body_site,omitempty"`
	Outcome     string `json:"outcome,omitempty"`
	PerformedBy string `json:"performed_by,omitempty"`
}

type DocumentDetails struct {
	Title       string `json:"title"`
	ContentType string `json:"content_type"`
	// StorageRef points into the external document store; the engine never
	// holds the bytes, only the checksum they must match.
	StorageRef      string `json:"storage_ref"`
	ContentChecksum string `json:"content_checksum"`
	SizeBytes       int64  `json:"size_bytes,omitempty"`
}

type SecondOpinionDetails struct {
	Specialty      string `json:"specialty,omitempty"`
	Statement      string `json:"statement"`
	Recommendation string `json:"recommendation,omitempty"`
}

// Filters narrow a timeline query.
type Filters struct {
	Types []Type
	From  *time.Time
	To    *time.Time
}
