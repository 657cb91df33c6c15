package consent

import "errors"

var (
	ErrNotFound         = errors.New("consent grant not found")
	ErrValidationFailed = errors.New("consent validation failed")
	ErrForbidden        = errors.New("only the owning patient may manage consent")

	// ErrNoActiveConsent is the authorization denial for actors without a
	// usable grant covering the request.
	ErrNoActiveConsent = errors.New("no active consent")

	// Share-link denials. ErrShareLinkInvalid covers unknown, revoked and
	// consumed tokens so a caller cannot tell which case applies.
	ErrShareLinkInvalid  = errors.New("share link invalid")
	ErrShareLinkExpired  = errors.New("share link expired")
	ErrShareLinkLocked   = errors.New("share link locked")
	ErrValidatorMismatch = errors.New("validator mismatch")
)
