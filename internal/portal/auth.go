package portal

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/invosync/invosync/internal/models"
	"github.com/invosync/invosync/internal/retry"
)

const (
	captchaPath = "/security/captcha"
	loginPath   = "/security/authenticate"
)

// CaptchaSolver turns a captcha image into its text answer.
type CaptchaSolver interface {
	Solve(ctx context.Context, image []byte) (string, error)
}

// Credentials identify one company account on the portal.
type Credentials struct {
	CompanyID string
	Username  string
	Password  string
}

// Authenticator establishes portal sessions: fetch a captcha challenge,
// solve it, and exchange credentials plus the answer for a bearer token.
type Authenticator struct {
	client *Client
	solver CaptchaSolver
	logger *slog.Logger
	policy retry.Policy
}

// NewAuthenticator creates an authenticator using the given solver.
func NewAuthenticator(client *Client, solver CaptchaSolver, logger *slog.Logger) *Authenticator {
	return &Authenticator{
		client: client,
		solver: solver,
		logger: logger,
		policy: retry.LoginPolicy(),
	}
}

type captchaChallenge struct {
	Key     string `json:"key"`
	Content string `json:"content"`
}

type loginResponse struct {
	Token   string `json:"token"`
	Message string `json:"message"`
}

// Login opens a session for the given credentials. Wrong-captcha and solver
// failures are retried with backoff up to the policy's attempt budget;
// credential rejection and account lockout abort immediately.
func (a *Authenticator) Login(ctx context.Context, creds Credentials) (*models.Session, error) {
	var session *models.Session
	attempt := 0

	err := retry.Do(ctx, a.policy, func() error {
		attempt++
		s, err := a.attemptLogin(ctx, creds)
		if err == nil {
			session = s
			return nil
		}
		if IsTerminalAuth(err) {
			return err
		}
		a.logger.Warn("portal login attempt failed",
			"company_id", creds.CompanyID,
			"attempt", attempt,
			"error", err)
		return retry.Transient(err)
	})
	if err != nil {
		return nil, fmt.Errorf("login failed: %w", err)
	}

	a.logger.Info("portal login succeeded",
		"company_id", creds.CompanyID,
		"attempt", attempt)
	return session, nil
}

func (a *Authenticator) attemptLogin(ctx context.Context, creds Credentials) (*models.Session, error) {
	var challenge captchaChallenge
	if err := a.client.GetJSON(ctx, nil, captchaPath, nil, &challenge); err != nil {
		return nil, &AuthRetryableError{Reason: "captcha fetch", Err: err}
	}
	if challenge.Key == "" || challenge.Content == "" {
		return nil, &AuthRetryableError{Reason: "captcha fetch", Err: fmt.Errorf("empty challenge")}
	}

	image, err := decodeCaptchaImage(challenge.Content)
	if err != nil {
		return nil, &AuthRetryableError{Reason: "captcha decode", Err: err}
	}

	answer, err := a.solver.Solve(ctx, image)
	if err != nil {
		return nil, &AuthRetryableError{Reason: "captcha solver", Err: err}
	}
	if !validCaptchaAnswer(answer) {
		return nil, &AuthRetryableError{
			Reason: "captcha solver",
			Err:    fmt.Errorf("implausible answer %q", answer),
		}
	}

	payload := map[string]string{
		"username": creds.Username,
		"password": creds.Password,
		"cvalue":   answer,
		"ckey":     challenge.Key,
	}

	status, body, err := a.client.postStatus(ctx, loginPath, payload)
	if err != nil {
		return nil, &AuthRetryableError{Reason: "login request", Err: err}
	}

	var resp loginResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &AuthRetryableError{Reason: "login response", Err: err}
	}

	if status < 200 || status >= 300 || resp.Token == "" {
		return nil, classifyLoginFailure(creds.CompanyID, status, resp.Message)
	}

	now := time.Now()
	return &models.Session{
		CompanyID:   creds.CompanyID,
		SessionID:   uuid.New().String(),
		AccessToken: resp.Token,
		CreatedAt:   now,
		ExpiresAt:   now.Add(models.SessionLifetime),
	}, nil
}

// classifyLoginFailure separates terminal rejections from transient ones.
// The portal reports lockout and wrong-captcha through the message text.
func classifyLoginFailure(companyID string, status int, message string) error {
	lower := strings.ToLower(message)

	switch {
	case strings.Contains(lower, "lock"):
		return &AccountLockedError{CompanyID: companyID}
	case strings.Contains(lower, "captcha"):
		return &AuthRetryableError{Reason: "wrong captcha", Err: fmt.Errorf("portal: %s", message)}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &InvalidCredentialsError{CompanyID: companyID}
	case strings.Contains(lower, "password") || strings.Contains(lower, "credential"):
		return &InvalidCredentialsError{CompanyID: companyID}
	default:
		return &AuthRetryableError{
			Reason: "login rejected",
			Err:    fmt.Errorf("status %d: %s", status, message),
		}
	}
}

// decodeCaptchaImage accepts raw base64 or a data URI.
func decodeCaptchaImage(content string) ([]byte, error) {
	if idx := strings.Index(content, ","); idx >= 0 && strings.HasPrefix(content, "data:") {
		content = content[idx+1:]
	}
	image, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return nil, fmt.Errorf("captcha image is not valid base64: %w", err)
	}
	return image, nil
}

// validCaptchaAnswer rejects answers the portal would never issue: anything
// shorter than 5 characters or containing non-alphanumerics.
func validCaptchaAnswer(answer string) bool {
	if len(answer) < 5 {
		return false
	}
	for _, r := range answer {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		default:
			return false
		}
	}
	return true
}

// SessionProber checks whether a session is still accepted by the portal.
type SessionProber interface {
	Probe(ctx context.Context, session *models.Session) error
}

// SessionCache reuses sessions across runs for the same credentials. A
// cached session is validated with a cheap authenticated probe before being
// handed out; probe failure evicts it and falls through to a fresh login.
type SessionCache struct {
	auth   *Authenticator
	prober SessionProber
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*models.Session
}

// NewSessionCache creates a cache in front of the authenticator.
func NewSessionCache(auth *Authenticator, prober SessionProber, logger *slog.Logger) *SessionCache {
	return &SessionCache{
		auth:     auth,
		prober:   prober,
		logger:   logger,
		sessions: make(map[string]*models.Session),
	}
}

// Session returns a valid session for the credentials, reusing a cached one
// when it passes the probe.
func (c *SessionCache) Session(ctx context.Context, creds Credentials) (*models.Session, error) {
	key := cacheKey(creds)

	c.mu.Lock()
	cached := c.sessions[key]
	c.mu.Unlock()

	if cached != nil && !cached.Expired(time.Now()) {
		if err := c.prober.Probe(ctx, cached); err == nil {
			c.logger.Debug("reusing cached portal session",
				"company_id", creds.CompanyID,
				"session_id", cached.SessionID)
			return cached, nil
		}
		c.logger.Info("cached session rejected by probe, re-authenticating",
			"company_id", creds.CompanyID)
		c.Invalidate(creds)
	}

	session, err := c.auth.Login(ctx, creds)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.sessions[key] = session
	c.mu.Unlock()

	return session, nil
}

// Invalidate drops any cached session for the credentials.
func (c *SessionCache) Invalidate(creds Credentials) {
	c.mu.Lock()
	delete(c.sessions, cacheKey(creds))
	c.mu.Unlock()
}

func cacheKey(creds Credentials) string {
	sum := sha256.Sum256([]byte(creds.Username + "\x00" + creds.Password))
	return hex.EncodeToString(sum[:])
}
