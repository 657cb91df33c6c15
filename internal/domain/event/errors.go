package event

import "errors"

var (
	ErrNotFound = errors.New("event not found")

	// ErrValidationFailed rejects a draft that violates a data invariant.
	// Nothing is persisted.
	ErrValidationFailed = errors.New("event validation failed")

	// ErrInvalidLineage rejects a link to a nonexistent, retracted or
	// otherwise unlinkable target.
	ErrInvalidLineage = errors.New("invalid lineage")

	// ErrConcurrentAmendment means another amendment claimed the target
	// first. The caller should re-read the chain head and retry.
	ErrConcurrentAmendment = errors.New("concurrent amendment")

	// ErrChecksumMismatch means stored document bytes no longer match the
	// recorded checksum. Access is blocked, never served degraded.
	ErrChecksumMismatch = errors.New("document checksum mismatch")

	// ErrNotPending rejects approval of an event that is not awaiting it.
	ErrNotPending = errors.New("event is not pending approval")

	ErrForbidden = errors.New("access denied")

	// errDuplicateImport means a concurrent transaction already committed
	// the same external resource and payload. The append re-reads and
	// returns the committed row.
	errDuplicateImport = errors.New("duplicate external import")
)
