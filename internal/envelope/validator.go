package envelope

import (
	"github.com/rs/zerolog"

	"github.com/Rajchodisetti/signals-engine/internal/domain"
	"github.com/Rajchodisetti/signals-engine/internal/observ"
)

// maxLoggedPayload bounds how much of a rejected payload ends up in the log
const maxLoggedPayload = 512

// Validator wraps the decoders for reactive code paths: a rejected payload
// is logged, counted and reported as ok=false instead of an error.
type Validator struct {
	log zerolog.Logger
}

// NewValidator creates a validator that logs rejections to log
func NewValidator(log zerolog.Logger) *Validator {
	return &Validator{log: observ.Component(log, "validator")}
}

// Signal returns the validated signal, or ok=false after logging the reason
func (v *Validator) Signal(data []byte) (domain.Signal, bool) {
	s, err := DecodeSignal(data)
	if err != nil {
		v.reject(KindSignal, data, err)
		return domain.Signal{}, false
	}
	return s, true
}

// EquityPoint returns the validated equity point, or ok=false
func (v *Validator) EquityPoint(data []byte) (domain.EquityPoint, bool) {
	p, err := DecodeEquityPoint(data)
	if err != nil {
		v.reject(KindEquity, data, err)
		return domain.EquityPoint{}, false
	}
	return p, true
}

// Health returns the validated health check, or ok=false
func (v *Validator) Health(data []byte) (domain.HealthCheck, bool) {
	h, err := DecodeHealth(data)
	if err != nil {
		v.reject(KindHealth, data, err)
		return domain.HealthCheck{}, false
	}
	return h, true
}

func (v *Validator) reject(kind string, data []byte, err error) {
	observ.PayloadsRejected.WithLabelValues(kind).Inc()
	payload := data
	if len(payload) > maxLoggedPayload {
		payload = payload[:maxLoggedPayload]
	}
	v.log.Warn().Err(err).Str("kind", kind).Bytes("payload", payload).Msg("dropping malformed payload")
}
