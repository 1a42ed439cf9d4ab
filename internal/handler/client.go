package handler

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/keymint/keymint/internal/codes"
	"github.com/keymint/keymint/internal/engine"
	"github.com/keymint/keymint/internal/model"
	"github.com/keymint/keymint/internal/ratelimit"
	"github.com/keymint/keymint/internal/signing"
)

// genericActivationFailure is the only message a rejected activation attempt
// ever sees. The specific rejection reason stays in the server logs so the
// endpoint cannot be used to probe which codes exist, are used, or expired.
const genericActivationFailure = "Activation failed. Please check the code and try again."

const (
	minDeviceIDLen = 3
	maxDeviceIDLen = 255

	routeActivate = "/api/v1/client/activate"
	routeVerify   = "/api/v1/client/verify"
)

// ClientHandler serves the two device-facing endpoints: code activation and
// activation status verification. Every response that asserts an activation
// is signed.
type ClientHandler struct {
	engine         *engine.Engine
	signer         *signing.Signer
	limiter        ratelimit.Store
	activateLimits ratelimit.Limits
	verifyLimits   ratelimit.Limits
	logger         *slog.Logger
}

// NewClientHandler creates a ClientHandler with the default limit buckets.
func NewClientHandler(eng *engine.Engine, signer *signing.Signer, limiter ratelimit.Store, logger *slog.Logger) *ClientHandler {
	return &ClientHandler{
		engine:         eng,
		signer:         signer,
		limiter:        limiter,
		activateLimits: ratelimit.ActivateLimits(),
		verifyLimits:   ratelimit.VerifyLimits(),
		logger:         logger,
	}
}

// ---------------------------------------------------------------------------
// Rate limiting
// ---------------------------------------------------------------------------

// checkLimits runs the ip, device, and global buckets in that order and stops
// at the first exceeded one. The limited request itself is already counted by
// the store. Returns false after writing the 429 response.
func (h *ClientHandler) checkLimits(w http.ResponseWriter, r *http.Request, limits ratelimit.Limits, deviceID string) bool {
	checks := []struct {
		scope string
		key   string
		cfg   ratelimit.Config
	}{
		{"ip", clientIP(r), limits.IP},
		{"device", deviceID, limits.Device},
		{"global", "global", limits.Global},
	}

	for _, c := range checks {
		res := h.limiter.Check(c.key, c.cfg)
		if !res.Limited {
			continue
		}
		h.logger.Warn("rate limit exceeded",
			"scope", c.scope,
			"bucket", c.cfg.KeyPrefix,
			"count", res.Count,
			"retry_after_ms", res.ResetTimeMs,
		)
		w.Header().Set("Retry-After", fmt.Sprintf("%d", res.RetryAfter()))
		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", c.cfg.MaxRequests))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", res.Remaining))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", res.ResetTime.Unix()))
		writeError(w, http.StatusTooManyRequests, "Too many requests", map[string]interface{}{
			"scope":          c.scope,
			"retry_after_ms": res.ResetTimeMs,
		})
		return false
	}
	return true
}

// clientIP extracts the caller's IP from RemoteAddr. The RealIP middleware
// has already resolved proxy headers into RemoteAddr by the time this runs.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func validDeviceID(deviceID string) bool {
	return len(deviceID) >= minDeviceIDLen && len(deviceID) <= maxDeviceIDLen
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

// ---------------------------------------------------------------------------
// Activation
// ---------------------------------------------------------------------------

// activateRequest is the expected payload for the Activate endpoint.
type activateRequest struct {
	Code     string `json:"code"`
	DeviceID string `json:"device_id"`
}

// Activate redeems an activation code for a device.
// POST /api/v1/client/activate
func (h *ClientHandler) Activate(w http.ResponseWriter, r *http.Request) {
	var req activateRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if !validDeviceID(req.DeviceID) {
		writeError(w, http.StatusBadRequest, "device_id must be between 3 and 255 characters")
		return
	}

	if !h.checkLimits(w, r, h.activateLimits, req.DeviceID) {
		return
	}

	code := codes.Normalize(req.Code)
	if !codes.ValidFormat(code) {
		h.logger.Info("redemption rejected", "reason", "malformed code", "device_id", req.DeviceID)
		writeError(w, http.StatusBadRequest, genericActivationFailure)
		return
	}

	redeemed, err := h.engine.Redeem(r.Context(), code, req.DeviceID)
	if err != nil {
		if engine.IsRedemptionFailure(err) {
			writeError(w, http.StatusBadRequest, genericActivationFailure)
			return
		}
		h.logger.Error("redemption failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	activatedAt := formatTime(*redeemed.UsedAt)
	expiresAt := formatTimePtr(redeemed.ExpiresAt)

	claims := &signing.Claims{
		Route:       routeActivate,
		DeviceID:    req.DeviceID,
		Code:        redeemed.Code,
		Activated:   true,
		ActivatedAt: activatedAt,
	}
	if expiresAt != nil {
		claims.ExpiresAt = *expiresAt
	}
	env, err := h.signer.Envelope(claims)
	if err != nil {
		h.logger.Error("response signing failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	writeJSON(w, http.StatusOK, model.ActivateResponse{
		Code:           redeemed.Code,
		DeviceID:       req.DeviceID,
		ActivatedAt:    activatedAt,
		ExpiresAt:      expiresAt,
		SignedEnvelope: *env,
	})
}

// ---------------------------------------------------------------------------
// Verification
// ---------------------------------------------------------------------------

// verifyRequest is the expected payload for the Verify endpoint.
type verifyRequest struct {
	DeviceID string `json:"device_id"`
}

// Verify reports whether a device holds a live activation. The response is
// signed only when it asserts an activation; a plain not-activated answer
// carries nothing worth forging.
// POST /api/v1/client/verify
func (h *ClientHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if !validDeviceID(req.DeviceID) {
		writeError(w, http.StatusBadRequest, "device_id must be between 3 and 255 characters")
		return
	}

	if !h.checkLimits(w, r, h.verifyLimits, req.DeviceID) {
		return
	}

	status, err := h.engine.ResolveStatus(r.Context(), req.DeviceID)
	if err != nil {
		h.logger.Error("status resolution failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	resp := model.VerifyResponse{
		DeviceID:           req.DeviceID,
		IsActivated:        status.IsActivated,
		VerifiedAt:         formatTime(time.Now()),
		ExpiredActivations: status.HasExpiredActivations,
	}

	if status.IsActivated && status.CurrentActivation != nil {
		current := status.CurrentActivation
		activatedAt := formatTime(*current.UsedAt)
		expiresAt := formatTimePtr(current.ExpiresAt)
		resp.ActivationInfo = &model.ActivationInfo{
			ActivatedAt: activatedAt,
			ExpiresAt:   expiresAt,
			IsPermanent: current.ExpiresAt == nil,
		}

		claims := &signing.Claims{
			Route:       routeVerify,
			DeviceID:    req.DeviceID,
			Activated:   true,
			ActivatedAt: activatedAt,
		}
		if expiresAt != nil {
			claims.ExpiresAt = *expiresAt
		}
		env, err := h.signer.Envelope(claims)
		if err != nil {
			h.logger.Error("response signing failed", "error", err)
			writeError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		resp.SignedEnvelope = env
	}

	writeJSON(w, http.StatusOK, resp)
}
