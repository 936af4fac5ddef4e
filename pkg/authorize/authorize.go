// Package authorize implements the static service-to-service bearer gate
// applied to every remote operation, including login itself. The gate secret
// is distinct from the end-user portal credentials.
package authorize

import (
	"net/http"

	"github.com/go-chi/chi/middleware"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

var (
	// ErrNotConfigured signals operator misconfiguration, never a bad caller.
	ErrNotConfigured = errors.New("server misconfiguration: missing auth token")
	// ErrUnauthorized is returned for a missing or mismatched bearer value.
	ErrUnauthorized = errors.New("no valid auth token")
)

// StaticAuthorizer checks a call's authorization metadata against a
// process-wide shared secret. The check is a pure function of the header and
// the secret; it performs no I/O and cannot fail transiently.
type StaticAuthorizer struct {
	expected   string
	configured bool
}

// NewStatic returns an authorizer expecting exactly "Bearer " + secret. The
// secret is fixed for the authorizer's lifetime; an empty secret leaves the
// gate unconfigured and every call fails with ErrNotConfigured.
func NewStatic(secret string) *StaticAuthorizer {
	return &StaticAuthorizer{
		expected:   "Bearer " + secret,
		configured: secret != "",
	}
}

// Authorize returns nil iff header is byte-for-byte the expected bearer value.
func (a *StaticAuthorizer) Authorize(header string) error {
	if !a.configured {
		return ErrNotConfigured
	}
	if header != a.expected {
		return ErrUnauthorized
	}
	return nil
}

// NewHandler gates next behind the authorizer: any request whose
// Authorization header does not pass is rejected before next runs.
func NewHandler(logger log.Logger, authorizer *StaticAuthorizer, next http.Handler) http.Handler {
	logger = log.With(logger, "component", "authorize")

	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		logger := log.With(logger, "request", middleware.GetReqID(req.Context()))

		if err := authorizer.Authorize(req.Header.Get("Authorization")); err != nil {
			if errors.Is(err, ErrNotConfigured) {
				level.Error(logger).Log("msg", "rejecting request, gate secret is not configured")
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			level.Warn(logger).Log("msg", "not authorized", "err", err)
			http.Error(w, "Not authorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, req)
	})
}
