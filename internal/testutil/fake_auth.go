// Package testutil provides configurable test fakes for gateway interfaces.
package testutil

import (
	"errors"
	"net/http"
)

// FakeAuth always authenticates successfully.
type FakeAuth struct{}

// Authenticate never rejects a request.
func (FakeAuth) Authenticate(*http.Request) error { return nil }

// RejectAuth always rejects authentication with ErrRejected.
type RejectAuth struct{}

// ErrRejected is the error RejectAuth always returns.
var ErrRejected = errors.New("testutil: rejected")

// Authenticate always fails.
func (RejectAuth) Authenticate(*http.Request) error { return ErrRejected }
