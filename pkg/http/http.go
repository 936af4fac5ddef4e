package http

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

type bearerRoundTripper struct {
	token   string
	wrapper http.RoundTripper
}

// NewBearerRoundTripper adds a bearer token to every outgoing request.
func NewBearerRoundTripper(token string, rt http.RoundTripper) http.RoundTripper {
	return &bearerRoundTripper{token: token, wrapper: rt}
}

func (rt *bearerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", rt.token))
	return rt.wrapper.RoundTrip(req)
}

type debugRoundTripper struct {
	logger  log.Logger
	wrapper http.RoundTripper
}

// NewDebugRoundTripper logs every outgoing request and its response status at
// debug level.
func NewDebugRoundTripper(logger log.Logger, rt http.RoundTripper) http.RoundTripper {
	return &debugRoundTripper{logger: log.With(logger, "component", "debugroundtripper"), wrapper: rt}
}

func (rt *debugRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	res, err := rt.wrapper.RoundTrip(req)
	if err != nil {
		level.Debug(rt.logger).Log("method", req.Method, "url", req.URL, "err", err, "duration", time.Since(start))
		return res, err
	}
	level.Debug(rt.logger).Log("method", req.Method, "url", req.URL, "status", res.StatusCode, "duration", time.Since(start))
	return res, err
}
