package billing

import "errors"

var (
	ErrSignatureInvalid    = errors.New("billing: signature invalid")
	ErrMalformedEvent      = errors.New("billing: malformed event")
	ErrUnknownAccount      = errors.New("billing: unknown account")
	ErrUnknownPackage      = errors.New("billing: unknown package")
	ErrCheckoutUnavailable = errors.New("billing: checkout provider unavailable")
)
