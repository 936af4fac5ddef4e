package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/efficientgo/core/testutil"
	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"go.uber.org/goleak"

	"github.com/gomaluum/gas/pkg/cas"
	"github.com/gomaluum/gas/pkg/server"
)

// mockPortal mimics the portal's CAS deployment for the full handshake:
// bootstrap and submission redirect, the home page issues the auth cookie.
func mockPortal(t *testing.T) *httptest.Server {
	t.Helper()

	mux := newPortalMux(t)
	return httptest.NewServer(mux)
}

func newPortalMux(t *testing.T) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/cas/login", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "SID", Value: "s1", Path: "/"})
		http.Redirect(w, r, "/cas/page", http.StatusFound)
	})
	mux.HandleFunc("/cas/submit", func(w http.ResponseWriter, r *http.Request) {
		testutil.Ok(t, r.ParseForm())
		if r.PostForm.Get("password") != "secret" {
			fmt.Fprintln(w, "<html>Invalid credentials</html>")
			return
		}
		http.Redirect(w, r, "/cas/page", http.StatusFound)
	})
	mux.HandleFunc("/cas/page", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "<html>ok</html>")
	})
	mux.HandleFunc("/home", func(w http.ResponseWriter, r *http.Request) {
		if _, err := r.Cookie("SID"); err == nil {
			http.SetCookie(w, &http.Cookie{Name: "MOD_AUTH_CAS", Value: "abc123", Path: "/"})
		}
		fmt.Fprintln(w, "<html>home</html>")
	})
	return mux
}

func TestServer(t *testing.T) {
	defer goleak.VerifyNone(t)

	t.Setenv(authTokenEnv, "s3cret")

	portal := mockPortal(t)
	defer portal.Close()

	ext, err := net.Listen("tcp", "127.0.0.1:0")
	testutil.Ok(t, err)
	in, err := net.Listen("tcp", "127.0.0.1:0")
	testutil.Ok(t, err)

	opt := defaultOpts()
	opt.Logger = log.NewNopLogger()
	opt.Endpoints = cas.Endpoints{
		PortalURL: portal.URL + "/home",
		LoginURL:  portal.URL + "/cas/login",
		SubmitURL: portal.URL + "/cas/submit",
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- opt.Run(ctx, ext, in)
	}()
	defer func() {
		cancel()
		testutil.Assert(t, errors.Is(<-errCh, context.Canceled), "expected run group to stop on context cancellation")
	}()

	extURL := "http://" + ext.Addr().String()
	inURL := "http://" + in.Addr().String()

	client := &http.Client{Timeout: 10 * time.Second}
	defer client.CloseIdleConnections()

	// Wait for the internal server to report healthy.
	testutil.Ok(t, waitForReady(client, inURL+"/healthz/ready"))

	call := func(path, token string, body interface{}) (*http.Response, []byte) {
		t.Helper()
		payload, err := json.Marshal(body)
		testutil.Ok(t, err)

		req, err := http.NewRequest(http.MethodPost, extURL+path, bytes.NewReader(payload))
		testutil.Ok(t, err)
		req.Header.Set("Content-Type", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		res, err := client.Do(req)
		testutil.Ok(t, err)
		defer res.Body.Close()

		var buf bytes.Buffer
		_, err = buf.ReadFrom(res.Body)
		testutil.Ok(t, err)
		return res, buf.Bytes()
	}

	t.Run("login without bearer is rejected", func(t *testing.T) {
		res, _ := call("/v1/login", "", server.LoginRequest{Username: "alice", Password: "secret"})
		testutil.Equals(t, http.StatusUnauthorized, res.StatusCode)
	})

	t.Run("login with wrong bearer is rejected", func(t *testing.T) {
		res, _ := call("/v1/login", "other", server.LoginRequest{Username: "alice", Password: "secret"})
		testutil.Equals(t, http.StatusUnauthorized, res.StatusCode)
	})

	t.Run("gated login returns the portal token", func(t *testing.T) {
		res, body := call("/v1/login", "s3cret", server.LoginRequest{Username: "alice", Password: "secret"})
		testutil.Equals(t, http.StatusOK, res.StatusCode)

		var lr server.LoginResponse
		testutil.Ok(t, json.Unmarshal(body, &lr))
		testutil.Equals(t, server.LoginResponse{Token: "abc123", Username: "alice", Password: "secret"}, lr)
	})

	t.Run("bad portal credentials surface as unauthenticated", func(t *testing.T) {
		res, _ := call("/v1/login", "s3cret", server.LoginRequest{Username: "alice", Password: "wrong"})
		testutil.Equals(t, http.StatusUnauthorized, res.StatusCode)
	})

	t.Run("empty credentials are rejected without a portal roundtrip", func(t *testing.T) {
		res, _ := call("/v1/login", "s3cret", server.LoginRequest{Username: "", Password: "secret"})
		testutil.Equals(t, http.StatusBadRequest, res.StatusCode)
	})

	t.Run("gated echo round-trips the message", func(t *testing.T) {
		res, body := call("/v1/echo", "s3cret", server.EchoRequest{Message: "hello"})
		testutil.Equals(t, http.StatusOK, res.StatusCode)

		var er server.EchoResponse
		testutil.Ok(t, json.Unmarshal(body, &er))
		testutil.Equals(t, "hello", er.Message)
	})

	t.Run("health is served ungated", func(t *testing.T) {
		res, err := client.Get(extURL + "/healthz")
		testutil.Ok(t, err)
		defer res.Body.Close()
		testutil.Equals(t, http.StatusOK, res.StatusCode)
	})
}

func waitForReady(client *http.Client, url string) error {
	var lastErr error
	for i := 0; i < 100; i++ {
		res, err := client.Get(url)
		if err == nil {
			res.Body.Close()
			if res.StatusCode == http.StatusOK {
				return nil
			}
			lastErr = errors.Errorf("readiness probe returned %d", res.StatusCode)
		} else {
			lastErr = err
		}
		time.Sleep(50 * time.Millisecond)
	}
	return errors.Wrap(lastErr, "server never became ready")
}
