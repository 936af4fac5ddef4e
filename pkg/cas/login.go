package cas

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gomaluum/gas/pkg/runutil"
)

var loginAttemptsTotal = promauto.With(prometheus.DefaultRegisterer).NewCounterVec(
	prometheus.CounterOpts{
		Name: "cas_login_attempts_total",
		Help: "Tracks the number of CAS login attempts by outcome.",
	},
	[]string{"outcome"},
)

// Handshake step names, used to annotate transport failures.
const (
	opBootstrap = "bootstrap"
	opSubmit    = "submit"
	opExtract   = "extract"
)

// submitBodyLimit bounds how much of the submission response is read into
// memory for the failure-marker scan.
const submitBodyLimit = 512 * 1024

// Service performs logins against one portal. It is stateless across
// invocations: every Login builds its own session client and cookie jar, so
// arbitrary numbers of attempts may run concurrently.
type Service struct {
	logger    log.Logger
	transport http.RoundTripper

	portal *url.URL
	login  *url.URL
	submit *url.URL
	origin string
}

// New returns a Service for the given portal endpoints. A nil rt uses
// DefaultTransport; the transport is always wrapped with browser headers.
func New(logger log.Logger, e Endpoints, rt http.RoundTripper) (*Service, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if rt == nil {
		rt = DefaultTransport()
	}

	portal, err := url.Parse(e.PortalURL)
	if err != nil {
		return nil, &Error{Kind: KindURLParse, Err: err}
	}
	login, err := url.Parse(e.LoginURL)
	if err != nil {
		return nil, &Error{Kind: KindURLParse, Err: err}
	}
	submit, err := url.Parse(e.SubmitURL)
	if err != nil {
		return nil, &Error{Kind: KindURLParse, Err: err}
	}

	return &Service{
		logger:    log.With(logger, "component", "cas"),
		transport: NewBrowserRoundTripper(rt),
		portal:    portal,
		login:     login,
		submit:    submit,
		origin:    (&url.URL{Scheme: submit.Scheme, Host: submit.Host}).String(),
	}, nil
}

// Login executes the bootstrap/submit/extract handshake and returns the
// MOD_AUTH_CAS token. No step is retried; the caller decides whether to retry
// a whole attempt with a fresh session.
func (s *Service) Login(ctx context.Context, username, password string) (token string, err error) {
	defer func() {
		loginAttemptsTotal.WithLabelValues(outcome(err)).Inc()
	}()

	client, cerr := newSessionClient(s.transport)
	if cerr != nil {
		return "", &Error{Kind: KindRequestFailed, Op: "session", Err: cerr}
	}

	if err := s.bootstrap(ctx, client); err != nil {
		return "", err
	}
	if err := s.submitCredentials(ctx, client, createFormPayload(username, password)); err != nil {
		return "", err
	}
	token, err = s.extractToken(ctx, client)
	if err != nil {
		return "", err
	}

	level.Debug(s.logger).Log("msg", "login handshake completed", "user", username)
	return token, nil
}

// bootstrap initializes the CAS session. The jar only commits Set-Cookie
// entries once the body has been drained, so the body is always exhausted.
func (s *Service) bootstrap(ctx context.Context, client *http.Client) (err error) {
	req, rerr := http.NewRequestWithContext(ctx, http.MethodGet, s.login.String(), nil)
	if rerr != nil {
		return &Error{Kind: KindRequestFailed, Op: opBootstrap, Err: rerr}
	}

	res, rerr := client.Do(req)
	if rerr != nil {
		return requestError(opBootstrap, rerr)
	}
	defer s.exhaustClose(&err, res.Body, opBootstrap)

	if res.StatusCode >= 400 {
		level.Warn(s.logger).Log("msg", "unexpected bootstrap status", "status", res.StatusCode)
	}
	level.Debug(s.logger).Log("msg", "session bootstrapped", "status", res.StatusCode)
	return nil
}

func (s *Service) submitCredentials(ctx context.Context, client *http.Client, form url.Values) (err error) {
	req, rerr := http.NewRequestWithContext(ctx, http.MethodPost, s.submit.String(), strings.NewReader(form.Encode()))
	if rerr != nil {
		return &Error{Kind: KindRequestFailed, Op: opSubmit, Err: rerr}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Referer", s.login.String())
	req.Header.Set("Origin", s.origin)

	res, rerr := client.Do(req)
	if rerr != nil {
		return requestError(opSubmit, rerr)
	}
	defer s.exhaustClose(&err, res.Body, opSubmit)

	body, rerr := io.ReadAll(io.LimitReader(res.Body, submitBodyLimit))
	if rerr != nil {
		return requestError(opSubmit, rerr)
	}

	// The portal reports bad credentials in the page body, usually with a
	// 200 status. The body markers are authoritative over the status class.
	for _, marker := range loginFailureMarkers {
		if bytes.Contains(body, []byte(marker)) {
			level.Debug(s.logger).Log("msg", "failure marker found in submission response", "marker", marker)
			return &Error{Kind: KindLoginFailed, Op: opSubmit}
		}
	}
	if res.StatusCode < 200 || res.StatusCode >= 400 {
		level.Debug(s.logger).Log("msg", "submission returned error status", "status", res.StatusCode)
		return &Error{Kind: KindLoginFailed, Op: opSubmit}
	}

	level.Debug(s.logger).Log("msg", "credentials submitted", "status", res.StatusCode)
	return nil
}

// extractToken fetches the portal home page with the session's accumulated
// cookies and reads the authentication cookie the portal sets on that
// navigation. The cookie is issued here, not on the submission response.
func (s *Service) extractToken(ctx context.Context, client *http.Client) (token string, err error) {
	req, rerr := http.NewRequestWithContext(ctx, http.MethodGet, s.portal.String(), nil)
	if rerr != nil {
		return "", &Error{Kind: KindRequestFailed, Op: opExtract, Err: rerr}
	}

	res, rerr := client.Do(req)
	if rerr != nil {
		return "", requestError(opExtract, rerr)
	}
	defer s.exhaustClose(&err, res.Body, opExtract)

	for _, cookie := range res.Cookies() {
		if cookie.Name == authCookieName {
			return cookie.Value, nil
		}
	}

	level.Debug(s.logger).Log("msg", "authentication cookie not present", "cookie", authCookieName, "status", res.StatusCode)
	return "", &Error{Kind: KindCookieNotFound, Op: opExtract}
}

// exhaustClose drains and closes a response body, surfacing a drain failure
// as a transport error for the given step unless one is already set.
func (s *Service) exhaustClose(err *error, body io.ReadCloser, op string) {
	var cerr error
	runutil.ExhaustCloseWithErrCapture(&cerr, body, "close %s response body", op)
	if cerr != nil && *err == nil {
		*err = requestError(op, cerr)
	}
}

func outcome(err error) string {
	if err == nil {
		return "success"
	}
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr.Kind.String()
	}
	return "internal"
}
