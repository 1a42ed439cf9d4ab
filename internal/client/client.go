// Package client is the Go SDK for the activation service. It wraps the two
// client-facing endpoints, verifies response signatures against the service's
// public key, and keeps a local last-known-good status so a device that was
// verified recently keeps working through a network outage.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/keymint/keymint/internal/codes"
	"github.com/keymint/keymint/internal/model"
	"github.com/keymint/keymint/internal/signing"
)

const (
	activateRoute = "/api/v1/client/activate"
	verifyRoute   = "/api/v1/client/verify"

	// DefaultMaxCacheAge is how long a cached verified status may serve as an
	// offline fallback before it is considered too stale to trust.
	DefaultMaxCacheAge = 7 * 24 * time.Hour

	defaultTimeout = 10 * time.Second
)

// Config carries everything needed to talk to one activation service.
type Config struct {
	// BaseURL is the service root, e.g. "https://license.example.com".
	BaseURL string
	// APIKey authenticates the client routes via the X-API-Key header.
	APIKey string
	// PublicKeyPEM is the ES256 public key used to verify response
	// signatures. Required; a client that skips verification trusts the
	// network path instead of the service.
	PublicKeyPEM string
	// CachePath is where the last verified status is persisted. Empty keeps
	// the cache in memory only.
	CachePath string
	// MaxCacheAge bounds the offline fallback window. Zero selects
	// DefaultMaxCacheAge.
	MaxCacheAge time.Duration
	// Timeout applies per request when the caller's context has no earlier
	// deadline. Zero selects a 10 second default.
	Timeout time.Duration
	// HTTPClient overrides the transport, for tests.
	HTTPClient *http.Client
}

// Client talks to the activation service on behalf of one device install.
type Client struct {
	baseURL     string
	apiKey      string
	http        *http.Client
	verifier    *signing.Verifier
	cache       *statusCache
	maxCacheAge time.Duration
	now         func() time.Time
}

// New validates the config and returns a ready Client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("client: base URL is required")
	}
	if cfg.PublicKeyPEM == "" {
		return nil, fmt.Errorf("client: public key is required")
	}
	verifier, err := signing.NewVerifier(cfg.PublicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	maxAge := cfg.MaxCacheAge
	if maxAge <= 0 {
		maxAge = DefaultMaxCacheAge
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		http:        httpClient,
		verifier:    verifier,
		cache:       newStatusCache(cfg.CachePath),
		maxCacheAge: maxAge,
		now:         time.Now,
	}, nil
}

// Status is the client's view of the device's activation state. Verified
// means the signature on the underlying response checked out now; Stale means
// the answer came from the local cache because the service was unreachable.
type Status struct {
	Activated          bool
	ActivationInfo     *model.ActivationInfo
	ExpiredActivations bool
	Verified           bool
	Stale              bool
	CheckedAt          time.Time
}

// APIError is a non-success response from the service.
type APIError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("client: service returned %d: %s", e.StatusCode, e.Message)
}

// IsRateLimited reports whether the error is a 429 from the service.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests
}

// Activate redeems an activation code for the device. The code is normalized
// before sending, the response signature is verified, and on success the
// activated status is cached locally.
func (c *Client) Activate(ctx context.Context, code, deviceID string) (*model.ActivateResponse, error) {
	code = codes.Normalize(code)
	body := map[string]string{"code": code, "device_id": deviceID}

	var resp model.ActivateResponse
	if err := c.post(ctx, activateRoute, body, &resp); err != nil {
		return nil, err
	}

	claims, err := c.verifier.Verify(&resp.SignedEnvelope, activateRoute)
	if err != nil {
		c.cache.clear()
		return nil, fmt.Errorf("client: activation response rejected: %w", err)
	}
	if claims.DeviceID != deviceID || !claims.Activated {
		c.cache.clear()
		return nil, fmt.Errorf("client: activation response rejected: %w", signing.ErrClaimMismatch)
	}

	c.cache.save(cachedStatus{
		Activated: true,
		ActivationInfo: &model.ActivationInfo{
			ActivatedAt: resp.ActivatedAt,
			ExpiresAt:   resp.ExpiresAt,
			IsPermanent: resp.ExpiresAt == nil,
		},
		SavedAt: c.now(),
	})
	return &resp, nil
}

// Verify asks the service for the device's current activation status. When
// the service is unreachable the last verified status is returned with Stale
// set, as long as it is younger than MaxCacheAge and the activation it
// describes has not itself expired. A response whose signature
// fails verification is treated as not activated and the cached trust is
// discarded.
func (c *Client) Verify(ctx context.Context, deviceID string) (*Status, error) {
	body := map[string]string{"device_id": deviceID}

	var resp model.VerifyResponse
	if err := c.post(ctx, verifyRoute, body, &resp); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			// The service answered; a definite rejection is not a
			// network failure and gets no cache fallback.
			return nil, err
		}
		if cached, ok := c.cache.load(); ok && c.now().Sub(cached.SavedAt) <= c.maxCacheAge {
			status := &Status{Stale: true, CheckedAt: cached.SavedAt}
			if cached.Activated && !activationLapsed(cached.ActivationInfo, c.now()) {
				status.Activated = true
				status.ActivationInfo = cached.ActivationInfo
			}
			return status, nil
		}
		return nil, err
	}

	status := &Status{
		ExpiredActivations: resp.ExpiredActivations,
		CheckedAt:          c.now(),
	}
	if !resp.IsActivated {
		c.cache.clear()
		return status, nil
	}

	if resp.SignedEnvelope == nil {
		c.cache.clear()
		return status, fmt.Errorf("client: verify response rejected: %w", signing.ErrTokenMalformed)
	}
	claims, err := c.verifier.Verify(resp.SignedEnvelope, verifyRoute)
	if err != nil {
		c.cache.clear()
		return status, fmt.Errorf("client: verify response rejected: %w", err)
	}
	if claims.DeviceID != deviceID || !claims.Activated {
		c.cache.clear()
		return status, fmt.Errorf("client: verify response rejected: %w", signing.ErrClaimMismatch)
	}

	status.Activated = true
	status.ActivationInfo = resp.ActivationInfo
	status.Verified = true
	c.cache.save(cachedStatus{
		Activated:      true,
		ActivationInfo: resp.ActivationInfo,
		SavedAt:        c.now(),
	})
	return status, nil
}

// activationLapsed reports whether a cached activation's own expiry instant
// has passed. The cache age window bounds how old an answer may be; this
// bounds the license the answer describes. An unparseable expiry counts as
// lapsed.
func activationLapsed(info *model.ActivationInfo, t time.Time) bool {
	if info == nil || info.ExpiresAt == nil {
		return false
	}
	exp, err := time.Parse(time.RFC3339, *info.ExpiresAt)
	if err != nil {
		return true
	}
	return !exp.After(t)
}

func (c *Client) post(ctx context.Context, route string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("client: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+route, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("client: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s: %w", route, err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("client: read response: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return newAPIError(res, data)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("client: decode response: %w", err)
	}
	return nil
}

func newAPIError(res *http.Response, data []byte) *APIError {
	apiErr := &APIError{StatusCode: res.StatusCode, Message: http.StatusText(res.StatusCode)}
	var envelope model.ErrorResponse
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Message = envelope.Error.Message
	}
	if ra := res.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return apiErr
}
