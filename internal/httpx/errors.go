package httpx

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"stashmirror/internal/telemetry"
)

// Error is the JSON API error envelope.
type Error struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	RequestID string            `json:"requestId"`
	Details   map[string]string `json:"details,omitempty"`
}

// HTTPError is an error with an associated HTTP status and code.
type HTTPError struct {
	status  int
	code    string
	message string
	details map[string]string
}

func (e *HTTPError) Error() string { return e.message }
func (e *HTTPError) Status() int   { return e.status }
func (e *HTTPError) Code() string  { return e.code }

// WithDetails attaches per-field detail strings, e.g. validation failures.
func (e *HTTPError) WithDetails(d map[string]string) *HTTPError {
	e.details = d
	return e
}

func newError(status int, code, msg string) *HTTPError {
	return &HTTPError{status: status, code: code, message: msg}
}

func BadRequest(msg string) *HTTPError {
	return newError(http.StatusBadRequest, "bad_request", msg)
}

func Unauthorized(msg string) *HTTPError {
	return newError(http.StatusUnauthorized, "unauthorized", msg)
}

func Forbidden(msg string) *HTTPError {
	return newError(http.StatusForbidden, "forbidden", msg)
}

func NotFound(msg string) *HTTPError {
	return newError(http.StatusNotFound, "not_found", msg)
}

func Conflict(msg string) *HTTPError {
	return newError(http.StatusConflict, "conflict", msg)
}

func TooManyRequests(msg string) *HTTPError {
	return newError(http.StatusTooManyRequests, "rate_limited", msg)
}

func BadGateway(msg string) *HTTPError {
	return newError(http.StatusBadGateway, "bad_gateway", msg)
}

func Unavailable(msg string) *HTTPError {
	return newError(http.StatusServiceUnavailable, "service_unavailable", msg)
}

func Internal(err error) *HTTPError {
	msg := "internal server error"
	if err != nil {
		msg = err.Error()
	}
	return newError(http.StatusInternalServerError, "internal_error", msg)
}

// Write writes err to the response writer as a JSON envelope.
func Write(w http.ResponseWriter, r *http.Request, err error) {
	he := &HTTPError{}
	if !errors.As(err, &he) {
		he = Internal(err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(he.status)
	telemetry.Event("api_error", map[string]string{"status": strconv.Itoa(he.status), "code": he.code})
	json.NewEncoder(w).Encode(Error{
		Code:      he.code,
		Message:   he.message,
		RequestID: requestID(r),
		Details:   he.details,
	})
}

func requestID(r *http.Request) string {
	if id := r.Header.Get("X-Request-ID"); id != "" {
		return id
	}
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return ""
	}
	return hex.EncodeToString(b)
}
