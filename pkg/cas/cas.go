// Package cas implements the browser-emulating login handshake against the
// i-Ma'luum CAS portal.
//
// The portal's CAS implementation issues the MOD_AUTH_CAS session cookie
// lazily, on a navigation after the credential submission, so a login is three
// requests: a GET to the CAS login page to bootstrap the session, a POST
// submitting the credential form, and a GET to the portal home page from which
// the cookie is read. Each attempt owns a fresh cookie jar; attempts never
// share session state.
package cas

import "net/url"

// Portal endpoints. The submit URL carries the doubled service parameter the
// portal actually expects; do not "fix" it.
const (
	DefaultPortalURL = "https://imaluum.iium.edu.my/"
	DefaultLoginURL  = "https://cas.iium.edu.my:8448/cas/login?service=https%3a%2f%2fimaluum.iium.edu.my%2fhome"
	DefaultSubmitURL = DefaultLoginURL + "?service=https%3a%2f%2fimaluum.iium.edu.my%2fhome"
)

// authCookieName is the cookie the portal sets after a successful login.
// Its presence is the sole success signal; status codes are advisory.
const authCookieName = "MOD_AUTH_CAS"

// loginFailureMarkers are the substrings the portal renders into the response
// body when a login is rejected. This is a text match against an externally
// controlled HTML page and is known to be brittle under portal UI changes.
var loginFailureMarkers = []string{
	"Login failed",
	"Invalid credentials",
}

// Endpoints are the portal URLs a Service talks to. The zero value is not
// usable; use DefaultEndpoints for production.
type Endpoints struct {
	// PortalURL is the application home page, fetched to read the session
	// cookie after login.
	PortalURL string
	// LoginURL is the CAS login page, fetched to initialize the session.
	LoginURL string
	// SubmitURL receives the form-encoded credential submission.
	SubmitURL string
}

// DefaultEndpoints returns the production portal endpoints.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		PortalURL: DefaultPortalURL,
		LoginURL:  DefaultLoginURL,
		SubmitURL: DefaultSubmitURL,
	}
}

// createFormPayload builds the CAS login form. The form always holds exactly
// these five keys; execution, _eventId and geolocation are protocol constants
// dictated by the portal.
func createFormPayload(username, password string) url.Values {
	return url.Values{
		"username":    []string{username},
		"password":    []string{password},
		"execution":   []string{"e1s1"},
		"_eventId":    []string{"submit"},
		"geolocation": []string{""},
	}
}
