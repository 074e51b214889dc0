package migrate

import (
	"errors"
	"time"

	"github.com/couchmodel/couchmodel.go/pkg/constants"
	"github.com/couchmodel/couchmodel.go/pkg/store"
	"github.com/couchmodel/couchmodel.go/pkg/traverse"
)

// Status is the result of planning or cleaning one target.
type Status string

const (
	StatusUnchanged Status = "unchanged"
	StatusCreated   Status = "created"
	StatusStaged    Status = "staged"
	StatusActivated Status = "activated"
	StatusPending   Status = "staged_pending_activation"
	StatusCleaned   Status = "cleaned"
	StatusFailed    Status = "failed"
)

// Outcome of one unit. Err is set for failed outcomes, and may be set on an
// activated outcome whose shadow could not be removed afterwards.
type Outcome struct {
	Target   traverse.Target
	Status   Status
	Err      error
	Duration time.Duration
}

// String renders the report token: the status, or "failed:<reason>".
func (o Outcome) String() string {
	if o.Status == StatusFailed {
		return string(StatusFailed) + ":" + Reason(o.Err)
	}
	return string(o.Status)
}

func (o Outcome) Failed() bool {
	return o.Status == StatusFailed
}

// Retryable reports whether rerunning the unit unchanged may succeed.
func (o Outcome) Retryable() bool {
	return o.Failed() && store.Retryable(o.Err)
}

// Reason classifies err for reports.
func Reason(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, constants.ErrConflict):
		return "conflict"
	case errors.Is(err, constants.ErrTimeout):
		return "timeout"
	case errors.Is(err, constants.ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, constants.ErrProxyCycleSuspected):
		return "proxy_cycle_suspected"
	case errors.Is(err, constants.ErrInvalidDeclaration),
		errors.Is(err, constants.ErrUnknownModel),
		errors.Is(err, constants.ErrUnknownResolver):
		return "invalid_declaration"
	case errors.Is(err, constants.ErrCanceled):
		return "canceled"
	case errors.Is(err, constants.ErrNotFound):
		return "not_found"
	}
	return "error"
}
