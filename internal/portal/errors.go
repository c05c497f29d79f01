package portal

import (
	"errors"
	"fmt"
	"strings"
)

// InvalidCredentialsError means the portal rejected the username/password.
// Retrying with the same credentials cannot succeed.
type InvalidCredentialsError struct {
	CompanyID string
}

func (e *InvalidCredentialsError) Error() string {
	return fmt.Sprintf("portal rejected credentials for company %s", e.CompanyID)
}

// AccountLockedError means the portal locked the account, usually after too
// many failed login attempts. Terminal until an operator intervenes.
type AccountLockedError struct {
	CompanyID string
}

func (e *AccountLockedError) Error() string {
	return fmt.Sprintf("portal account locked for company %s", e.CompanyID)
}

// AuthRetryableError covers transient login failures: a wrong captcha answer,
// a solver failure, or a flaky portal response. A fresh attempt may succeed.
type AuthRetryableError struct {
	Reason string
	Err    error
}

func (e *AuthRetryableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("login attempt failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("login attempt failed (%s)", e.Reason)
}

func (e *AuthRetryableError) Unwrap() error { return e.Err }

// AuthExpiredError means the portal returned 401/403 on an authenticated
// request. The session must be re-established before continuing.
type AuthExpiredError struct {
	StatusCode int
	Endpoint   string
}

func (e *AuthExpiredError) Error() string {
	return fmt.Sprintf("portal session rejected (%d) at %s", e.StatusCode, e.Endpoint)
}

// RateLimitError means the portal returned 429.
type RateLimitError struct {
	Endpoint   string
	RetryAfter string
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter != "" {
		return fmt.Sprintf("portal rate limited at %s (retry after %s)", e.Endpoint, e.RetryAfter)
	}
	return fmt.Sprintf("portal rate limited at %s", e.Endpoint)
}

// MissingParametersError means an invoice lacks the metadata required to
// build its detail request. Such invoices are never sent upstream.
type MissingParametersError struct {
	InvoiceID string
	Missing   []string
}

func (e *MissingParametersError) Error() string {
	return fmt.Sprintf("invoice %s missing detail parameters: %s", e.InvoiceID, strings.Join(e.Missing, ", "))
}

// AllFlowsFailedError means every requested flow failed during discovery, so
// the result contains nothing usable.
type AllFlowsFailedError struct {
	Flows []string
}

func (e *AllFlowsFailedError) Error() string {
	return fmt.Sprintf("discovery failed for all %d flows: %s", len(e.Flows), strings.Join(e.Flows, ", "))
}

// NetworkError wraps transport-level failures (timeouts, connection resets).
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("portal request %s failed: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// IsRateLimited reports whether err is (or wraps) a rate-limit response.
func IsRateLimited(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

// IsAuthExpired reports whether err is (or wraps) a rejected-session response.
func IsAuthExpired(err error) bool {
	var ae *AuthExpiredError
	return errors.As(err, &ae)
}

// IsTerminalAuth reports whether err means further login attempts with the
// same credentials are pointless.
func IsTerminalAuth(err error) bool {
	var ic *InvalidCredentialsError
	var al *AccountLockedError
	return errors.As(err, &ic) || errors.As(err, &al)
}
