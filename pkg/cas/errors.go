package cas

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/pkg/errors"
)

// Kind classifies every failure the login flow can produce. The set is closed;
// callers map kinds onto transport error categories.
type Kind int

const (
	// KindRequestFailed covers transport-level failures (DNS, connect, TLS)
	// during any step of the handshake.
	KindRequestFailed Kind = iota
	// KindTimeout is a transport failure caused by a deadline.
	KindTimeout
	// KindLoginFailed means the portal rejected the submitted credentials.
	KindLoginFailed
	// KindCookieNotFound means the handshake completed but the portal never
	// issued the authentication cookie.
	KindCookieNotFound
	// KindURLParse means a configured portal URL does not parse. This is a
	// build-time misconfiguration, not a runtime condition.
	KindURLParse
)

func (k Kind) String() string {
	switch k {
	case KindRequestFailed:
		return "request_failed"
	case KindTimeout:
		return "timeout"
	case KindLoginFailed:
		return "login_failed"
	case KindCookieNotFound:
		return "cookie_not_found"
	case KindURLParse:
		return "url_parse"
	default:
		return "unknown"
	}
}

// kindStatusCodes is the total mapping from kind to transport category,
// expressed as HTTP status codes.
var kindStatusCodes = map[Kind]int{
	KindRequestFailed:  http.StatusBadGateway,
	KindTimeout:        http.StatusGatewayTimeout,
	KindLoginFailed:    http.StatusUnauthorized,
	KindCookieNotFound: http.StatusUnauthorized,
	KindURLParse:       http.StatusInternalServerError,
}

// Error is the error type returned by the login flow. Op names the handshake
// step that failed (bootstrap, submit or extract) when one is known.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Op != "":
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatusCode returns the transport category of the error.
func (e *Error) HTTPStatusCode() int {
	if code, ok := kindStatusCodes[e.Kind]; ok {
		return code
	}
	return http.StatusInternalServerError
}

// requestError wraps a transport failure with the handshake step it occurred
// in, classifying deadline failures separately.
func requestError(op string, err error) *Error {
	kind := KindRequestFailed
	var nerr net.Error
	if (errors.As(err, &nerr) && nerr.Timeout()) || errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	}
	return &Error{Kind: kind, Op: op, Err: err}
}
