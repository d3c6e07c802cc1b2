package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestParseAPIError(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	rec.WriteHeader(http.StatusTooManyRequests)
	rec.WriteString("rate limited")
	got := rec.Result()

	err := ParseAPIError("primary", got)
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("ParseAPIError() = %T, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("StatusCode = %d", apiErr.StatusCode)
	}
	if !strings.Contains(apiErr.Error(), "rate limited") {
		t.Fatalf("Error() = %q, want it to contain body", apiErr.Error())
	}
	if apiErr.HTTPStatus() != http.StatusTooManyRequests {
		t.Fatalf("HTTPStatus() = %d", apiErr.HTTPStatus())
	}
}

func TestCountsAsFailure(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"400 bad request", &APIError{StatusCode: 400}, false},
		{"404 not found", &APIError{StatusCode: 404}, false},
		{"429 too many requests", &APIError{StatusCode: 429}, true},
		{"500 server error", &APIError{StatusCode: 500}, true},
		{"unclassified error", errUnclassified{}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := CountsAsFailure(c.err); got != c.want {
				t.Errorf("CountsAsFailure(%v) = %v, want %v", c.err, got, c.want)
			}
		})
	}
}

type errUnclassified struct{}

func (errUnclassified) Error() string { return "boom" }

func TestFormatForLog(t *testing.T) {
	t.Parallel()
	if got := FormatForLog(nil); got != "" {
		t.Fatalf("FormatForLog(nil) = %q, want empty", got)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	<-ctx.Done()
	if got := FormatForLog(ctx.Err()); !strings.Contains(got, "timeout") {
		t.Fatalf("FormatForLog(deadline) = %q, want it to mention timeout", got)
	}
}

func TestRedactURL(t *testing.T) {
	t.Parallel()
	cases := []struct{ in, want string }{
		{"https://api.example.com/v1/responses?api_key=secret", "https://api.example.com/v1/responses"},
		{"https://api.example.com/v1#frag", "https://api.example.com/v1"},
		{"::not a url::", "::not a url::"},
	}
	for _, c := range cases {
		if got := RedactURL(c.in); got != c.want {
			t.Errorf("RedactURL(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
