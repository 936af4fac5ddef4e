package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-kit/log"
	"github.com/pkg/errors"

	"github.com/gomaluum/gas/pkg/cas"
	"github.com/gomaluum/gas/pkg/cas/ratelimited"
)

type loginerFunc func(ctx context.Context, username, password string) (string, error)

func (f loginerFunc) Login(ctx context.Context, username, password string) (string, error) {
	return f(ctx, username, password)
}

func TestLoginHandler(t *testing.T) {
	type checkFunc func(*httptest.ResponseRecorder) error

	checks := func(fs ...checkFunc) checkFunc {
		return func(rec *httptest.ResponseRecorder) error {
			for _, f := range fs {
				if err := f(rec); err != nil {
					return err
				}
			}
			return nil
		}
	}

	responseCodeIs := func(code int) checkFunc {
		return func(rec *httptest.ResponseRecorder) error {
			if got := rec.Code; got != code {
				return errors.Errorf("want HTTP response code %d, got %d", code, got)
			}
			return nil
		}
	}

	bodyLacks := func(substr string) checkFunc {
		return func(rec *httptest.ResponseRecorder) error {
			if strings.Contains(rec.Body.String(), substr) {
				return errors.Errorf("response body must not contain %q, got %q", substr, rec.Body.String())
			}
			return nil
		}
	}

	tokenIs := func(token, username, password string) checkFunc {
		return func(rec *httptest.ResponseRecorder) error {
			var res LoginResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
				return errors.Wrap(err, "failed to unmarshal LoginResponse")
			}
			if res.Token != token || res.Username != username || res.Password != password {
				return errors.Errorf("got response %+v, expected (%q, %q, %q)", res, token, username, password)
			}
			return nil
		}
	}

	succeedingLoginer := loginerFunc(func(_ context.Context, username, password string) (string, error) {
		return "abc123", nil
	})
	failingLoginer := func(err error) loginerFunc {
		return func(context.Context, string, string) (string, error) { return "", err }
	}
	forbiddenLoginer := loginerFunc(func(context.Context, string, string) (string, error) {
		t.Error("the login flow must not be invoked")
		return "", nil
	})

	for _, tc := range []struct {
		name    string
		loginer ratelimited.Loginer
		req     *http.Request
		check   checkFunc
	}{
		{
			name:    "invalid method",
			loginer: forbiddenLoginer,
			req:     httptest.NewRequest(http.MethodGet, "https://gas/v1/login", nil),
			check:   responseCodeIs(http.StatusMethodNotAllowed),
		},
		{
			name:    "malformed body",
			loginer: forbiddenLoginer,
			req:     httptest.NewRequest(http.MethodPost, "https://gas/v1/login", strings.NewReader("not json")),
			check:   responseCodeIs(http.StatusBadRequest),
		},
		{
			name:    "empty username rejected before the flow runs",
			loginer: forbiddenLoginer,
			req:     httptest.NewRequest(http.MethodPost, "https://gas/v1/login", strings.NewReader(`{"username":"","password":"secret"}`)),
			check:   responseCodeIs(http.StatusBadRequest),
		},
		{
			name:    "empty password rejected before the flow runs",
			loginer: forbiddenLoginer,
			req:     httptest.NewRequest(http.MethodPost, "https://gas/v1/login", strings.NewReader(`{"username":"alice","password":""}`)),
			check:   responseCodeIs(http.StatusBadRequest),
		},
		{
			name:    "rejected credentials map to unauthenticated",
			loginer: failingLoginer(&cas.Error{Kind: cas.KindLoginFailed, Op: "submit"}),
			req:     httptest.NewRequest(http.MethodPost, "https://gas/v1/login", strings.NewReader(`{"username":"alice","password":"wrong"}`)),
			check:   checks(responseCodeIs(http.StatusUnauthorized), bodyLacks("submit")),
		},
		{
			name:    "missing cookie maps to unauthenticated",
			loginer: failingLoginer(&cas.Error{Kind: cas.KindCookieNotFound, Op: "extract"}),
			req:     httptest.NewRequest(http.MethodPost, "https://gas/v1/login", strings.NewReader(`{"username":"alice","password":"secret"}`)),
			check:   responseCodeIs(http.StatusUnauthorized),
		},
		{
			name:    "transport failure maps to unavailable",
			loginer: failingLoginer(&cas.Error{Kind: cas.KindRequestFailed, Op: "bootstrap", Err: errors.New("connection refused")}),
			req:     httptest.NewRequest(http.MethodPost, "https://gas/v1/login", strings.NewReader(`{"username":"alice","password":"secret"}`)),
			check:   checks(responseCodeIs(http.StatusBadGateway), bodyLacks("connection refused")),
		},
		{
			name:    "timeout maps to deadline exceeded",
			loginer: failingLoginer(&cas.Error{Kind: cas.KindTimeout, Op: "submit", Err: context.DeadlineExceeded}),
			req:     httptest.NewRequest(http.MethodPost, "https://gas/v1/login", strings.NewReader(`{"username":"alice","password":"secret"}`)),
			check:   responseCodeIs(http.StatusGatewayTimeout),
		},
		{
			name:    "rate limited attempt maps to too many requests",
			loginer: failingLoginer(ratelimited.ErrLoginLimitReached),
			req:     httptest.NewRequest(http.MethodPost, "https://gas/v1/login", strings.NewReader(`{"username":"alice","password":"secret"}`)),
			check:   responseCodeIs(http.StatusTooManyRequests),
		},
		{
			name:    "unclassified failure maps to internal",
			loginer: failingLoginer(errors.New("boom")),
			req:     httptest.NewRequest(http.MethodPost, "https://gas/v1/login", strings.NewReader(`{"username":"alice","password":"secret"}`)),
			check:   checks(responseCodeIs(http.StatusInternalServerError), bodyLacks("boom")),
		},
		{
			name:    "successful login returns the token and credentials",
			loginer: succeedingLoginer,
			req:     httptest.NewRequest(http.MethodPost, "https://gas/v1/login", strings.NewReader(`{"username":"alice","password":"secret"}`)),
			check:   checks(responseCodeIs(http.StatusOK), tokenIs("abc123", "alice", "secret")),
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			NewHandler(log.NewNopLogger(), tc.loginer).Login(rec, tc.req)

			if err := tc.check(rec); err != nil {
				t.Error(err)
			}
		})
	}
}

func TestEchoHandler(t *testing.T) {
	h := NewHandler(log.NewNopLogger(), loginerFunc(func(context.Context, string, string) (string, error) {
		return "", nil
	}))

	t.Run("echoes the message", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.Echo(rec, httptest.NewRequest(http.MethodPost, "https://gas/v1/echo", strings.NewReader(`{"message":"hello"}`)))

		if rec.Code != http.StatusOK {
			t.Fatalf("want HTTP response code %d, got %d", http.StatusOK, rec.Code)
		}
		var res EchoResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
			t.Fatal(err)
		}
		if res.Message != "hello" {
			t.Errorf("got message %q, expected %q", res.Message, "hello")
		}
	})

	t.Run("rejects non-POST", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.Echo(rec, httptest.NewRequest(http.MethodGet, "https://gas/v1/echo", nil))

		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("want HTTP response code %d, got %d", http.StatusMethodNotAllowed, rec.Code)
		}
	})
}
