package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenExpiryLeeway is how close to the exp claim a JWT access token is
// refreshed proactively, so a request does not leave with a credential that
// expires in flight.
const tokenExpiryLeeway = 30 * time.Second

// HTTPClient is the JSON-over-HTTP implementation of Client. Every
// operation is a POST of {baseURL}/{operation} with a Bearer credential; the
// response is an envelope with a success flag and either a result payload or
// an error message.
type HTTPClient struct {
	baseURL      string
	httpClient   *http.Client
	accessToken  string
	refreshToken string
}

type Option func(*HTTPClient)

// WithTokens sets the bearer credential and, optionally, a refresh token.
// When the access token is a JWT and a refresh token is present, an expired
// access token is refreshed before the operation is sent.
func WithTokens(access, refresh string) Option {
	return func(c *HTTPClient) {
		c.accessToken = access
		c.refreshToken = refresh
	}
}

// WithHTTPClient overrides the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) {
		c.httpClient = hc
	}
}

func NewHTTPClient(baseURL string, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		baseURL:    baseURL,
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// envelope mirrors the store's response shape.
type envelope struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func (c *HTTPClient) Do(ctx context.Context, operation string, payload any, result any) error {
	if c.refreshToken != "" && c.tokenExpired() {
		if err := c.refresh(ctx); err != nil {
			return err
		}
	}
	return c.post(ctx, operation, payload, result)
}

func (c *HTTPClient) Ping(ctx context.Context) error {
	return c.post(ctx, "ping", struct{}{}, nil)
}

func (c *HTTPClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *HTTPClient) post(ctx context.Context, operation string, payload any, result any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("serializing %s payload: %w", operation, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+operation, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building %s request: %w", operation, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return mapTransportError(err)
	}
	defer resp.Body.Close()

	return c.decode(resp, result)
}

// decode maps HTTP status and the response envelope onto the error
// taxonomy.
func (c *HTTPClient) decode(resp *http.Response, result any) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: status %s", ErrUnauthorized, resp.Status)
	case resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: status %s", ErrUnavailable, resp.Status)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%w: undecodable response: %v", ErrUnavailable, err)
	}

	if !env.Success {
		return fmt.Errorf("%w: %s", ErrRejected, env.Error)
	}

	if result != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, result); err != nil {
			return fmt.Errorf("decoding result payload: %w", err)
		}
	}

	return nil
}

// tokenExpired reports whether the access token is a JWT whose exp claim is
// within the leeway. Opaque (non-JWT) tokens are never treated as expired
// locally; the store decides.
func (c *HTTPClient) tokenExpired() bool {
	if c.accessToken == "" {
		return false
	}
	tok, _, err := jwt.NewParser().ParseUnverified(c.accessToken, jwt.MapClaims{})
	if err != nil {
		return false
	}
	exp, err := tok.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return time.Until(exp.Time) < tokenExpiryLeeway
}

func (c *HTTPClient) refresh(ctx context.Context) error {
	var out struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	payload := map[string]string{"refresh_token": c.refreshToken}
	if err := c.post(ctx, "refresh_token", payload, &out); err != nil {
		return fmt.Errorf("refreshing token: %w", err)
	}
	c.accessToken = out.AccessToken
	if out.RefreshToken != "" {
		c.refreshToken = out.RefreshToken
	}
	return nil
}

func mapTransportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
