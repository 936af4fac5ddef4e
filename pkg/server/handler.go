// Package server is the HTTP JSON facade in front of the CAS login flow. It
// validates request shape, invokes the flow and maps its closed error
// taxonomy onto transport status codes.
package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/middleware"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/gomaluum/gas/pkg/cas/ratelimited"
)

const requestBodyLimit = 32 * 1024

// ErrorWithCode is implemented by errors that know their transport category.
type ErrorWithCode interface {
	error
	HTTPStatusCode() int
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token    string `json:"token"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type EchoRequest struct {
	Message string `json:"message"`
}

type EchoResponse struct {
	Message string `json:"message"`
}

// Handler serves the remote operations. The authorization gate is applied
// outside, uniformly across all routes.
type Handler struct {
	logger  log.Logger
	loginer ratelimited.Loginer
}

func NewHandler(logger log.Logger, loginer ratelimited.Loginer) *Handler {
	return &Handler{
		logger:  log.With(logger, "component", "server"),
		loginer: loginer,
	}
}

// Login authenticates the caller-supplied portal credentials and returns the
// session token. Input validation happens here; the login flow is never
// invoked with empty strings.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	logger := log.With(h.logger, "request", middleware.GetReqID(r.Context()))

	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()

	var req LoginRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, requestBodyLimit)).Decode(&req); err != nil {
		http.Error(w, "failed to decode login request", http.StatusBadRequest)
		return
	}
	if req.Username == "" {
		http.Error(w, "username cannot be empty", http.StatusBadRequest)
		return
	}
	if req.Password == "" {
		http.Error(w, "password cannot be empty", http.StatusBadRequest)
		return
	}

	level.Info(logger).Log("msg", "login request received", "user", req.Username)

	token, err := h.loginer.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		code := statusCode(err)
		level.Warn(logger).Log("msg", "login failed", "user", req.Username, "status", code, "err", err)
		http.Error(w, publicMessage(code), code)
		return
	}

	level.Info(logger).Log("msg", "login successful", "user", req.Username)
	writeJSON(logger, w, LoginResponse{Token: token, Username: req.Username, Password: req.Password})
}

// Echo returns the request message unchanged. It exists to demonstrate the
// gate on an operation with no portal interaction.
func (h *Handler) Echo(w http.ResponseWriter, r *http.Request) {
	logger := log.With(h.logger, "request", middleware.GetReqID(r.Context()))

	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()

	var req EchoRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, requestBodyLimit)).Decode(&req); err != nil {
		http.Error(w, "failed to decode echo request", http.StatusBadRequest)
		return
	}

	writeJSON(logger, w, EchoResponse{Message: req.Message})
}

// statusCode maps a login error onto its transport category.
func statusCode(err error) int {
	if errors.Is(err, ratelimited.ErrLoginLimitReached) {
		return http.StatusTooManyRequests
	}
	var ec ErrorWithCode
	if errors.As(err, &ec) {
		return ec.HTTPStatusCode()
	}
	return http.StatusInternalServerError
}

// publicMessage is what callers see. Never include portal response content or
// wrapped transport detail here.
func publicMessage(code int) string {
	switch code {
	case http.StatusUnauthorized:
		return "login failed: invalid credentials or authentication token not found"
	case http.StatusTooManyRequests:
		return "too many login attempts, please try again later"
	case http.StatusGatewayTimeout:
		return "portal did not respond in time"
	case http.StatusBadGateway:
		return "portal is unavailable"
	default:
		return http.StatusText(code)
	}
}

func writeJSON(logger log.Logger, w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		level.Error(logger).Log("msg", "could not write response", "err", err)
	}
}
