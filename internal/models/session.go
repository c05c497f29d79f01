package models

import (
	"strings"
	"time"
)

// SessionLifetime is how long a portal bearer token stays usable. Sessions
// past this age must be re-established.
const SessionLifetime = 2 * time.Hour

// Session is an authenticated portal session for one company account.
type Session struct {
	CompanyID   string            `json:"company_id"`
	SessionID   string            `json:"session_id"`
	AccessToken string            `json:"-"`
	Cookies     map[string]string `json:"-"`
	CreatedAt   time.Time         `json:"created_at"`
	ExpiresAt   time.Time         `json:"expires_at"`
}

// BearerToken returns the token with exactly one "Bearer " prefix, regardless
// of how the portal returned it.
func (s *Session) BearerToken() string {
	token := strings.TrimPrefix(s.AccessToken, "Bearer ")
	return "Bearer " + token
}

// Expired reports whether the session is past its lifetime at the given time.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
