package audit

import "errors"

var (
	// ErrAuditWriteFailed means the audit entry could not be committed. The
	// operation that triggered the entry must abort with it.
	ErrAuditWriteFailed = errors.New("audit write failed")

	// ErrTrailForbidden means the actor may not read this patient's trail.
	ErrTrailForbidden = errors.New("audit trail access forbidden")
)
