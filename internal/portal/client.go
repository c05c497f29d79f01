package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"log/slog"

	"github.com/invosync/invosync/internal/config"
	"github.com/invosync/invosync/internal/models"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Client is a thin HTTP client for the tax portal. It handles request
// construction, auth headers, and the shared status-code-to-error mapping;
// endpoint semantics live in the auth/discovery/export/detail layers above.
type Client struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a portal client from configuration.
func NewClient(cfg config.PortalConfig, logger *slog.Logger) *Client {
	ua := cfg.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		baseURL:    cfg.BaseURL,
		userAgent:  ua,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// GetJSON performs an authenticated GET and decodes the JSON response into out.
func (c *Client) GetJSON(ctx context.Context, session *models.Session, path string, query url.Values, out any) error {
	body, err := c.do(ctx, http.MethodGet, path, query, session, nil)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", path, err)
	}
	return nil
}

// Download performs an authenticated GET and returns the raw response body.
// Used for spreadsheet exports.
func (c *Client) Download(ctx context.Context, session *models.Session, path string, query url.Values) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, query, session, nil)
}

// postStatus performs an unauthenticated POST and returns the status code
// together with the body, mapping only transport failures to errors. The
// login flow classifies portal rejections itself and needs the raw response.
func (c *Client) postStatus(ctx context.Context, path string, payload any) (int, []byte, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to encode request for %s: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request for %s: %w", path, err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, &NetworkError{Op: "POST " + path, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, &NetworkError{Op: "read " + path, Err: err}
	}

	return resp.StatusCode, body, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, session *models.Session, body []byte) ([]byte, error) {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", path, err)
	}

	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if session != nil {
		req.Header.Set("Authorization", session.BearerToken())
		for name, value := range session.Cookies {
			req.AddCookie(&http.Cookie{Name: name, Value: value})
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Op: "read " + path, Err: err}
	}

	if err := c.checkStatus(resp, path); err != nil {
		return nil, err
	}

	return payload, nil
}

func (c *Client) checkStatus(resp *http.Response, path string) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		c.logger.Warn("portal rate limit hit", "path", path)
		return &RateLimitError{Endpoint: path, RetryAfter: resp.Header.Get("Retry-After")}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthExpiredError{StatusCode: resp.StatusCode, Endpoint: path}
	default:
		return fmt.Errorf("portal returned status %d for %s", resp.StatusCode, path)
	}
}
