package coordinator

import (
	"errors"

	"github.com/KorszunKarol/go-distort/internal/metrics"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrListen   = errors.New("listen")
	ErrAccept   = errors.New("accept")
	ErrClassify = errors.New("classify")
	ErrProtocol = errors.New("protocol")
	ErrContext  = errors.New("context_cancelled")
)

// mapErrToMetric maps wrapped sentinel errors to metrics labels.
func mapErrToMetric(err error) string {
	switch {
	case errors.Is(err, ErrClassify):
		return metrics.ErrClassify
	case errors.Is(err, ErrProtocol):
		return metrics.ErrSession
	case errors.Is(err, ErrAccept), errors.Is(err, ErrListen):
		return metrics.ErrTCPRead
	case errors.Is(err, ErrContext):
		return "context"
	default:
		return "other"
	}
}
