package event

import "github.com/uhr/uhr/internal/platform/auth"

// AssignLevel decides the verification level for a draft from the actor's
// attested identity alone. The decision is taken once, at creation, and
// becomes part of the immutable event; nothing ever re-derives it from the
// event's content, and no level is ever silently promoted.
//
// confirmedExtraction marks a machine-extracted value the patient has
// reviewed and confirmed. It upgrades a patient submission to
// patient_confirmed and nothing else: a patient describing a professional
// action stays self_reported regardless of wording or attachments.
func AssignLevel(actor auth.Actor, confirmedExtraction bool) VerificationLevel {
	switch actor.Role {
	case auth.RolePractitioner:
		if actor.VerifiedPractitioner {
			return ProviderVerified
		}
		return SelfReported
	case auth.RoleService:
		if actor.DigitallySigned {
			return DigitallyVerified
		}
		return SelfReported
	case auth.RolePatient:
		if confirmedExtraction {
			return PatientConfirmed
		}
		return SelfReported
	default:
		return SelfReported
	}
}

// sourceTypeFor maps the actor onto the event's source_type when the draft
// does not carry one.
func sourceTypeFor(actor auth.Actor) SourceType {
	switch actor.Role {
	case auth.RolePractitioner:
		return SourceDoctor
	case auth.RoleService:
		if actor.SourceSystem != "" {
			return SourceLab
		}
		return SourceSystem
	default:
		return SourcePatient
	}
}
