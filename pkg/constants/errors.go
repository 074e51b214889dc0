package constants

import "errors"

// Store errors
var (
	ErrNotFound         = errors.New("document not found")
	ErrConflict         = errors.New("document update conflict")
	ErrStoreUnavailable = errors.New("document store unavailable")
	ErrTimeout          = errors.New("timeout")
)

// Declaration and traversal errors
var (
	ErrInvalidDeclaration  = errors.New("invalid model declaration")
	ErrProxyCycleSuspected = errors.New("proxy traversal exceeded depth guard")
	ErrUnknownModel        = errors.New("unknown model")
	ErrUnknownResolver     = errors.New("unknown proxy resolver")
	ErrDuplicateModel      = errors.New("model already registered")
	ErrCanceled            = errors.New("migration run canceled")
)

var (
	ErrNoBaseURL     = errors.New("base url not set")
	ErrNoMarshaler   = errors.New("marshaler is not set")
	ErrNoUnmarshaler = errors.New("unmarshaler is not set")
	ErrUnknownStore  = errors.New("unknown store backend")
)
