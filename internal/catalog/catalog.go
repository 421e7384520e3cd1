// Package catalog is a client for the external map catalog used to download
// maps that were never uploaded.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultTimeout is the default HTTP request timeout.
	DefaultTimeout = 30 * time.Second
	// DefaultUserAgent identifies this service to the catalog.
	DefaultUserAgent = "revalidate/1.0"
	// Audience is the token audience requested from the auth endpoint.
	Audience = "NadeoLiveServices"
	// MaxMapSize bounds a downloaded map file.
	MaxMapSize = 32 << 20

	// refreshMargin renews tokens this long before they expire.
	refreshMargin = time.Minute
)

// Error represents a failed catalog call.
type Error struct {
	URL     string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("catalog error for %s: %s: %v", e.URL, e.Message, e.Cause)
	}
	return fmt.Sprintf("catalog error for %s: %s", e.URL, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// MapInfo is the catalog record of one map.
type MapInfo struct {
	UID         string `json:"uid"`
	MapID       string `json:"mapId"`
	Name        string `json:"name"`
	AuthorTime  int32  `json:"authorTime"`
	DownloadURL string `json:"downloadUrl"`
}

// Options configures the client.
type Options struct {
	CoreURL   string
	LiveURL   string
	Login     string
	Password  string
	UserAgent string
	Timeout   time.Duration
}

// Client talks to the catalog, caching its access token until shortly before expiry.
type Client struct {
	opts Options
	http *http.Client
	now  func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// New creates a catalog client.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	opts.CoreURL = strings.TrimRight(opts.CoreURL, "/")
	opts.LiveURL = strings.TrimRight(opts.LiveURL, "/")
	return &Client{
		opts: opts,
		http: &http.Client{Timeout: opts.Timeout},
		now:  time.Now,
	}
}

// Configured reports whether credentials were supplied.
func (c *Client) Configured() bool {
	return c.opts.CoreURL != "" && c.opts.LiveURL != "" && c.opts.Login != ""
}

type tokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// accessToken returns a cached token or authenticates for a new one.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.expiresAt.Add(-refreshMargin)) {
		return c.token, nil
	}

	endpoint := c.opts.CoreURL + "/v2/authentication/token/basic"
	body, _ := json.Marshal(map[string]string{"audience": Audience})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", &Error{URL: endpoint, Message: "failed to create request", Cause: err}
	}
	req.SetBasicAuth(c.opts.Login, c.opts.Password)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.opts.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &Error{URL: endpoint, Message: "HTTP request failed", Cause: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", &Error{URL: endpoint, Message: fmt.Sprintf("HTTP status %d", resp.StatusCode)}
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", &Error{URL: endpoint, Message: "invalid token response", Cause: err}
	}

	expiresAt, err := tokenExpiry(tr.AccessToken)
	if err != nil {
		return "", &Error{URL: endpoint, Message: "invalid access token", Cause: err}
	}

	c.token = tr.AccessToken
	c.expiresAt = expiresAt
	return c.token, nil
}

// tokenExpiry reads the exp claim without verifying the signature; the token
// is only ever handed back to the service that issued it.
func tokenExpiry(token string) (time.Time, error) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, err
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, fmt.Errorf("token has no exp claim")
	}
	return claims.ExpiresAt.Time, nil
}

// GetMapInfo returns the catalog record for uid, or nil when the catalog does not know it.
func (c *Client) GetMapInfo(ctx context.Context, uid string) (*MapInfo, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	endpoint := c.opts.LiveURL + "/api/token/map/" + url.PathEscape(uid)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &Error{URL: endpoint, Message: "failed to create request", Cause: err}
	}
	req.Header.Set("Authorization", "nadeo_v1 t="+token)
	req.Header.Set("User-Agent", c.opts.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{URL: endpoint, Message: "HTTP request failed", Cause: err}
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, nil
	default:
		return nil, &Error{URL: endpoint, Message: fmt.Sprintf("HTTP status %d", resp.StatusCode)}
	}

	var info MapInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, &Error{URL: endpoint, Message: "invalid map info", Cause: err}
	}
	if info.UID == "" {
		return nil, nil
	}
	return &info, nil
}

// Download fetches a map file.
func (c *Client) Download(ctx context.Context, downloadURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return nil, &Error{URL: downloadURL, Message: "failed to create request", Cause: err}
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{URL: downloadURL, Message: "HTTP request failed", Cause: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, &Error{URL: downloadURL, Message: fmt.Sprintf("HTTP status %d", resp.StatusCode)}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxMapSize+1))
	if err != nil {
		return nil, &Error{URL: downloadURL, Message: "failed to read response body", Cause: err}
	}
	if len(data) > MaxMapSize {
		return nil, &Error{URL: downloadURL, Message: "map file too large"}
	}
	return data, nil
}
