package cas

import (
	"crypto/tls"
	"net"
	"net/http"
	"net/http/cookiejar"
	"time"

	"github.com/pkg/errors"
)

const (
	connectTimeout = 10 * time.Second
	// The portal is known to be slow; the overall budget per request is
	// generous on purpose.
	requestTimeout = 30 * time.Second

	maxIdleConnsPerHost = 10
	idleConnTimeout     = 90 * time.Second
	maxRedirects        = 10
)

// DefaultTransport returns the transport used for portal requests. The portal
// misbehaves when negotiated onto HTTP/2, so negotiation is pinned to
// HTTP/1.1.
func DefaultTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConnsPerHost: maxIdleConnsPerHost,
		IdleConnTimeout:     idleConnTimeout,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSNextProto:        map[string]func(string, *tls.Conn) http.RoundTripper{},
	}
}

// newSessionClient returns a client for exactly one login attempt. The cookie
// jar is fresh and owned by that attempt; the underlying transport is shared
// so repeated logins reuse connections.
func newSessionClient(rt http.RoundTripper) (*http.Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	return &http.Client{
		Transport: rt,
		Jar:       jar,
		Timeout:   requestTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return errors.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}, nil
}

type browserRoundTripper struct {
	wrapper http.RoundTripper
}

// NewBrowserRoundTripper adds the request headers of a standard browser to
// every outgoing request. The portal rejects clients that do not look like a
// browser.
func NewBrowserRoundTripper(rt http.RoundTripper) http.RoundTripper {
	return &browserRoundTripper{wrapper: rt}
}

func (rt *browserRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	}
	if req.Header.Get("Accept-Language") == "" {
		req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	}
	return rt.wrapper.RoundTrip(req)
}
