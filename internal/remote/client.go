// Package remote talks to the restaurant's upstream order and identity
// service over JSON/HTTP. It implements orders.Submitter and auth.Identity.
//
// Every failure is classified onto the common sentinels: no answer, 5xx,
// 408 and 429 are common.ErrRemoteUnavailable; 401 and 403 are
// common.ErrUnauthorized; any other 4xx is common.ErrRemoteRejected.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dmitrijs2005/poskeeper/internal/auth"
	"github.com/dmitrijs2005/poskeeper/internal/common"
)

const (
	IdempotencyKeyHeader = "Idempotency-Key"
	TerminalIDHeader     = "X-Terminal-Id"

	maxErrorBody = 4 << 10
)

// Claims is the profile carried in an access token. Subject is the user id.
type Claims struct {
	jwt.RegisteredClaims
	Username string `json:"username"`
	Name     string `json:"name"`
	Role     string `json:"role"`
}

type Options struct {
	BaseURL    string
	TerminalID string
	// IdentitySecret verifies HS256 access tokens from the identity service.
	IdentitySecret []byte
	Timeout        time.Duration
	// HTTPClient overrides the default client; Timeout is then ignored.
	HTTPClient *http.Client
}

type Client struct {
	base       *url.URL
	http       *http.Client
	secret     []byte
	terminalID string
}

func New(opts Options) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: remote base url %q", common.ErrInvalidArgument, opts.BaseURL)
	}
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{base: u, http: hc, secret: opts.IdentitySecret, terminalID: opts.TerminalID}, nil
}

type orderResponse struct {
	ServerID  string `json:"server_id"`
	Duplicate bool   `json:"duplicate"`
}

// SubmitOrder posts the payload unchanged. A duplicate key is answered with
// the id of the order the service already holds, which is a success.
func (c *Client) SubmitOrder(ctx context.Context, payload json.RawMessage, idempotencyKey string) (string, error) {
	var out orderResponse
	hdr := http.Header{IdempotencyKeyHeader: []string{idempotencyKey}}
	if err := c.do(ctx, http.MethodPost, "/v1/orders", hdr, payload, &out); err != nil {
		return "", err
	}
	if out.ServerID == "" {
		return "", fmt.Errorf("%w: order response without server_id", common.ErrRemoteRejected)
	}
	return out.ServerID, nil
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type pinRequest struct {
	UserID string `json:"user_id"`
	Pin    string `json:"pin"`
}

type managementRequest struct {
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	PasswordHash string `json:"password_hash,omitempty"`
}

func (c *Client) Login(ctx context.Context, username, password string) (*auth.Profile, error) {
	body, err := json.Marshal(loginRequest{Username: username, Password: password})
	if err != nil {
		return nil, err
	}
	var out tokenResponse
	if err := c.do(ctx, http.MethodPost, "/v1/auth/login", nil, body, &out); err != nil {
		return nil, err
	}
	p, err := c.profile(out.AccessToken)
	if err != nil {
		return nil, err
	}
	p.PasswordHash = out.PasswordHash
	return p, nil
}

func (c *Client) VerifyPin(ctx context.Context, userID, pin string) (*auth.Profile, error) {
	body, err := json.Marshal(pinRequest{UserID: userID, Pin: pin})
	if err != nil {
		return nil, err
	}
	var out tokenResponse
	if err := c.do(ctx, http.MethodPost, "/v1/auth/pin", nil, body, &out); err != nil {
		return nil, err
	}
	p, err := c.profile(out.AccessToken)
	if err != nil {
		return nil, err
	}
	if p.UserID != userID {
		return nil, fmt.Errorf("%w: token issued for another user", common.ErrRemoteRejected)
	}
	return p, nil
}

func (c *Client) VerifyManagementSecret(ctx context.Context, password string) (string, error) {
	body, err := json.Marshal(managementRequest{Password: password})
	if err != nil {
		return "", err
	}
	var out tokenResponse
	if err := c.do(ctx, http.MethodPost, "/v1/auth/management", nil, body, &out); err != nil {
		return "", err
	}
	return out.PasswordHash, nil
}

// Ping checks that the service answers its health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/v1/health", nil, nil, nil)
}

// profile verifies an access token and reads the user profile from it.
func (c *Client) profile(token string) (*auth.Profile, error) {
	if len(c.secret) == 0 {
		return nil, fmt.Errorf("%w: no identity secret configured", common.ErrRemoteRejected)
	}
	claims := &Claims{}
	t, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return c.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: access token: %v", common.ErrRemoteRejected, err)
	}
	if !t.Valid || claims.Subject == "" {
		return nil, fmt.Errorf("%w: access token without subject", common.ErrRemoteRejected)
	}
	return &auth.Profile{
		UserID:   claims.Subject,
		Username: claims.Username,
		FullName: claims.Name,
		Role:     claims.Role,
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, hdr http.Header, body []byte, out any) error {
	u := c.base.JoinPath(path)

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrInvalidArgument, err)
	}
	for k, v := range hdr {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.terminalID != "" {
		req.Header.Set(TerminalIDHeader, c.terminalID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", common.ErrRemoteUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	if err := classify(resp); err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%w: %s %s: truncated response", common.ErrRemoteUnavailable, method, path)
		}
		return fmt.Errorf("%w: %s %s: decode response: %v", common.ErrRemoteRejected, method, path, err)
	}
	return nil
}

// classify maps a non-2xx response onto a sentinel.
func classify(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(b))

	var kind error
	switch {
	case resp.StatusCode >= 500,
		resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests:
		kind = common.ErrRemoteUnavailable
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		kind = common.ErrUnauthorized
	default:
		kind = common.ErrRemoteRejected
	}
	if msg == "" {
		return fmt.Errorf("%w: %s", kind, resp.Status)
	}
	return fmt.Errorf("%w: %s: %s", kind, resp.Status, msg)
}
