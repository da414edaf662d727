package worker

import (
	"net/url"

	"github.com/go-playground/validator/v10"

	"smm-fulfillment/internal/apperr"
	"smm-fulfillment/internal/queue"
)

var validate = validator.New()

// ValidateEnvelope checks an envelope's structure before any side
// effect. It is pure: no I/O, no retries. A failure here is a
// structural error that terminates the job immediately without
// touching the ledger, provider, or store.
func ValidateEnvelope(env queue.JobEnvelope) error {
	if err := validate.Struct(env); err != nil {
		return apperr.Structuralf("invalid envelope: %v", err)
	}
	u, err := url.Parse(env.TargetURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return apperr.Structuralf("target_url %q is not a valid http(s) URL", env.TargetURL)
	}
	return nil
}
