package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Category classifies a remote failure independently of the provider.
type Category string

const (
	CategoryAuth       Category = "auth"
	CategoryRateLimit  Category = "rate_limit"
	CategoryBadRequest Category = "bad_request"
	CategoryNotFound   Category = "not_found"
	CategoryServer     Category = "server"
	CategoryTimeout    Category = "timeout"
	CategoryNetwork    Category = "network"
	CategoryCanceled   Category = "canceled"
	CategoryParse      Category = "parse"
	CategoryUnknown    Category = "unknown"
)

// maxRawBody caps how much of an error body is kept for diagnostics.
const maxRawBody = 64 << 10

// APIError is the single error type transports return for remote failures.
type APIError struct {
	Provider   string
	StatusCode int // 0 when no response was received
	Category   Category
	Message    string

	// RetryAfter is the server-supplied wait hint, zero when absent.
	RetryAfter time.Duration

	// Raw is a truncated copy of the response body.
	Raw []byte

	Cause error
}

func (e *APIError) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	if e.Provider != "" {
		b.WriteString(e.Provider)
		b.WriteString(": ")
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, "http %d", e.StatusCode)
	} else {
		b.WriteString(string(e.Category))
	}
	msg := strings.TrimSpace(e.Message)
	if msg == "" && e.StatusCode != 0 {
		msg = http.StatusText(e.StatusCode)
	}
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if msg != "" {
		b.WriteString(": ")
		b.WriteString(msg)
	}
	return b.String()
}

func (e *APIError) Unwrap() error { return e.Cause }

// HTTPStatus, ErrorCategory and RetryAfterHint let the retry package classify
// the error without importing llm.
func (e *APIError) HTTPStatus() int       { return e.StatusCode }
func (e *APIError) ErrorCategory() string { return string(e.Category) }

func (e *APIError) RetryAfterHint() (time.Duration, bool) {
	return e.RetryAfter, e.RetryAfter > 0
}

// AsAPIError extracts *APIError.
func AsAPIError(err error) (*APIError, bool) {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

func IsRateLimit(err error) bool {
	ae, ok := AsAPIError(err)
	return ok && ae.Category == CategoryRateLimit
}

func IsAuth(err error) bool {
	ae, ok := AsAPIError(err)
	return ok && ae.Category == CategoryAuth
}

// IsTemporary reports whether the failure is the kind a default retry policy absorbs.
func IsTemporary(err error) bool {
	ae, ok := AsAPIError(err)
	if !ok {
		return false
	}
	switch ae.Category {
	case CategoryRateLimit, CategoryServer, CategoryTimeout, CategoryNetwork:
		return true
	}
	return false
}

// CategoryForStatus maps an HTTP status code to a Category.
func CategoryForStatus(code int) Category {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return CategoryAuth
	case code == http.StatusTooManyRequests:
		return CategoryRateLimit
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return CategoryTimeout
	case code == http.StatusNotFound:
		return CategoryNotFound
	case code >= 500:
		return CategoryServer
	case code >= 400:
		return CategoryBadRequest
	}
	return CategoryUnknown
}

// NewHTTPError builds an APIError from a non-2xx response. The provider
// message is pulled from the common JSON error shapes.
func NewHTTPError(provider string, status int, header http.Header, body []byte) *APIError {
	raw := body
	if len(raw) > maxRawBody {
		raw = raw[:maxRawBody]
	}
	e := &APIError{
		Provider:   provider,
		StatusCode: status,
		Category:   CategoryForStatus(status),
		Message:    errorMessage(body),
		Raw:        append([]byte(nil), raw...),
	}
	if d, ok := ParseRetryAfter(header, timeNow()); ok {
		e.RetryAfter = d
	}
	return e
}

// NewTransportError wraps a failure that happened before any response arrived.
func NewTransportError(provider string, err error) *APIError {
	return &APIError{
		Provider: provider,
		Category: CategoryForError(err),
		Cause:    err,
	}
}

// CategoryForError classifies errors that carry no HTTP status.
func CategoryForError(err error) Category {
	switch {
	case err == nil:
		return CategoryUnknown
	case errors.Is(err, context.DeadlineExceeded):
		return CategoryTimeout
	case errors.Is(err, context.Canceled):
		return CategoryCanceled
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return CategoryTimeout
		}
		return CategoryNetwork
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return CategoryNetwork
	}
	return CategoryUnknown
}

func errorMessage(body []byte) string {
	if !gjson.ValidBytes(body) {
		return strings.TrimSpace(string(truncate(body, 512)))
	}
	for _, path := range []string{"error.message", "message", "Message", "error"} {
		if r := gjson.GetBytes(body, path); r.Exists() && r.Type == gjson.String {
			return r.String()
		}
	}
	return ""
}

// ParseRetryAfter reads Retry-After (seconds or HTTP date) and the
// millisecond variant retry-after-ms some providers send.
func ParseRetryAfter(h http.Header, now time.Time) (time.Duration, bool) {
	if h == nil {
		return 0, false
	}
	if v := strings.TrimSpace(h.Get("Retry-After-Ms")); v != "" {
		if ms, err := strconv.ParseFloat(v, 64); err == nil && ms >= 0 {
			return time.Duration(ms * float64(time.Millisecond)), true
		}
	}
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
