// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package emag

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// AuthError covers 401/403. Fatal for the whole run; never retried.
type AuthError struct {
	Status   int
	Endpoint string
	Account  AccountID
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication rejected (HTTP %d) for account %s at %s", e.Status, e.Account, e.Endpoint)
}

// ValidationError covers 400/422. Fatal for the current record or page only;
// the caller logs it and moves on.
type ValidationError struct {
	Status   int
	Endpoint string
	Body     string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("request rejected as invalid (HTTP %d) at %s: %s", e.Status, e.Endpoint, e.Body)
}

// RateLimitError covers 429. Retryable with exponential backoff.
type RateLimitError struct {
	Endpoint string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded (HTTP 429) at %s", e.Endpoint)
}

// ServerError covers 5xx. Retryable with exponential backoff.
type ServerError struct {
	Status   int
	Endpoint string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error (HTTP %d) at %s", e.Status, e.Endpoint)
}

// TransportError covers timeouts and network failures. The message carries
// the method, endpoint and configured timeout so an operator can tell a
// transient blip from a systemic too-short timeout.
type TransportError struct {
	Method   string
	Endpoint string
	Timeout  time.Duration
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s failed (timeout budget %s): %v", e.Method, e.Endpoint, e.Timeout, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Retryable reports whether the error is worth another attempt under the
// backoff policy: 429, 5xx, and transport failures qualify; auth and
// validation failures never do.
func Retryable(err error) bool {
	var rateLimit *RateLimitError
	var server *ServerError
	var transport *TransportError
	return errors.As(err, &rateLimit) || errors.As(err, &server) || errors.As(err, &transport)
}

// classifyStatus maps a non-2xx HTTP response onto the typed taxonomy.
func classifyStatus(account AccountID, endpoint string, status int, body string) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &AuthError{Status: status, Endpoint: endpoint, Account: account}
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return &ValidationError{Status: status, Endpoint: endpoint, Body: body}
	case status == http.StatusTooManyRequests:
		return &RateLimitError{Endpoint: endpoint}
	case status >= 500:
		return &ServerError{Status: status, Endpoint: endpoint}
	default:
		return fmt.Errorf("unexpected status %d at %s: %s", status, endpoint, body)
	}
}
