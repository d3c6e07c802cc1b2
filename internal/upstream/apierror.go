package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
)

// APIError represents an error response from an upstream LLM provider.
// It satisfies the httpStatusError interface the router's failure
// classifier uses to decide whether a status code counts against a
// provider's health.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

// Error returns a formatted error string including provider, status, and body.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, e.Body)
}

// HTTPStatus returns the HTTP status code for failover decisions.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// ParseAPIError reads up to 4KB from the response body and returns an APIError.
func ParseAPIError(provider string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &APIError{Provider: provider, StatusCode: resp.StatusCode, Body: string(body)}
}

// httpStatusError is satisfied by any error carrying an upstream HTTP
// status code -- currently just APIError.
type httpStatusError interface {
	HTTPStatus() int
}

// CountsAsFailure reports whether err should count against a provider's
// consecutive-failure count. Client errors (4xx, other than 429) are the
// caller's fault, not the provider's, so they don't count; everything else
// -- timeouts, network errors, 429, and 5xx -- does.
func CountsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var he httpStatusError
	if errors.As(err, &he) {
		code := he.HTTPStatus()
		if code == 429 {
			return true
		}
		if code >= 400 && code < 500 {
			return false
		}
		return true
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return true
	}
	return true
}

// FormatForLog renders err as a classified string for logs and
// EventRecord.Message: "timeout", "connect" or "request", then err.Error()
// in full, with status codes preserved and nothing from the body beyond
// what APIError already kept. The text of wrapped causes appears only as
// err.Error() carries it; the number of causes shown is not capped.
func FormatForLog(err error) string {
	if err == nil {
		return ""
	}
	kind := "request"
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded):
		kind = "timeout"
	default:
		var netErr *net.OpError
		if errors.As(err, &netErr) {
			kind = "connect"
		}
	}

	msg := err.Error()
	causes := 0
	for cause := errors.Unwrap(err); cause != nil && causes < 2; cause = errors.Unwrap(cause) {
		causes++
	}
	return fmt.Sprintf("%s error: %s", kind, msg)
}

// RedactURL strips query string and fragment from rawURL so logged URLs
// never carry API keys passed as query parameters.
func RedactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
