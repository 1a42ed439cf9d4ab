package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keymint/keymint/internal/codes"
	"github.com/keymint/keymint/internal/engine"
	"github.com/keymint/keymint/internal/model"
	"github.com/keymint/keymint/internal/server/middleware"
	"github.com/keymint/keymint/internal/service"
	"github.com/keymint/keymint/internal/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500

	// collision retries when a freshly generated code already exists
	maxGenerateRetries = 5
)

// AdminHandler manages the operator surface: code inventory, device resets,
// cleanup, and admin sessions.
type AdminHandler struct {
	store   *store.Store
	engine  *engine.Engine
	authSvc *service.AuthService
	logger  *slog.Logger
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(st *store.Store, eng *engine.Engine, authSvc *service.AuthService, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		store:   st,
		engine:  eng,
		authSvc: authSvc,
		logger:  logger,
	}
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

// loginRequest is the expected payload for the Login endpoint.
type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// loginResponse is the response payload for a successful login.
type loginResponse struct {
	Token     string `json:"session_token"`
	TokenType string `json:"token_type"`
	ExpiresIn int    `json:"expires_in"`
	AdminID   int64  `json:"admin_id"`
	Email     string `json:"email"`
}

// Login authenticates an admin user and returns a JWT session token.
// POST /api/v1/admin/login
func (h *AdminHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Email and password are required")
		return
	}

	token, principal, err := h.authSvc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "Invalid credentials")
			return
		}
		h.logger.Error("login failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Authentication error")
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		Token:     token,
		TokenType: "bearer",
		ExpiresIn: int(service.DefaultSessionTTL.Seconds()),
		AdminID:   principal.AdminID,
		Email:     principal.Email,
	})
}

// changePasswordRequest is the expected payload for the ChangePassword endpoint.
type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// ChangePassword replaces the authenticated admin's password.
// POST /api/v1/admin/password
func (h *AdminHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	if principal == nil || !principal.IsAdmin {
		writeError(w, http.StatusForbidden, "Admin access required")
		return
	}

	var req changePasswordRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if len(req.NewPassword) < 8 {
		writeError(w, http.StatusBadRequest, "New password must be at least 8 characters")
		return
	}

	if err := h.authSvc.ChangePassword(r.Context(), principal.AdminID, req.CurrentPassword, req.NewPassword); err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "Current password is incorrect")
			return
		}
		h.logger.Error("password change failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"changed": true})
}

// ---------------------------------------------------------------------------
// Code inventory
// ---------------------------------------------------------------------------

// createCodesRequest is the expected payload for the CreateCodes endpoint.
type createCodesRequest struct {
	Count     int     `json:"count"`
	ExpiresAt *string `json:"expires_at,omitempty"` // RFC 3339; omitted = never expires
}

// createCodesResponse returns the freshly generated codes. This is the only
// time code values leave the system in bulk.
type createCodesResponse struct {
	Codes     []model.ActivationCode `json:"codes"`
	Count     int                    `json:"count"`
	ExpiresAt *string                `json:"expires_at,omitempty"`
}

// CreateCodes generates a batch of activation codes.
// POST /api/v1/admin/codes
func (h *AdminHandler) CreateCodes(w http.ResponseWriter, r *http.Request) {
	var req createCodesRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Count < 1 || req.Count > 1000 {
		writeError(w, http.StatusBadRequest, "count must be between 1 and 1000")
		return
	}

	var expiresAt *time.Time
	if req.ExpiresAt != nil {
		t, err := time.Parse(time.RFC3339, *req.ExpiresAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "expires_at must be RFC 3339")
			return
		}
		if !t.After(time.Now()) {
			writeError(w, http.StatusBadRequest, "expires_at must be in the future")
			return
		}
		t = t.UTC()
		expiresAt = &t
	}

	values, err := h.generateUnique(r, req.Count)
	if err != nil {
		h.logger.Error("code generation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Code generation failed")
		return
	}

	batch := make([]*model.ActivationCode, len(values))
	for i, v := range values {
		batch[i] = &model.ActivationCode{
			Code:      v,
			Status:    model.StatusUnused,
			ExpiresAt: expiresAt,
		}
	}
	if err := h.store.CreateCodes(r.Context(), batch); err != nil {
		h.logger.Error("code insert failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Code generation failed")
		return
	}

	created := make([]model.ActivationCode, len(batch))
	for i, c := range batch {
		created[i] = *c
	}
	h.logger.Info("codes generated", "count", len(created))
	writeJSON(w, http.StatusCreated, createCodesResponse{
		Codes:     created,
		Count:     len(created),
		ExpiresAt: req.ExpiresAt,
	})
}

// generateUnique produces count codes that collide neither with each other
// nor with codes already stored. At 54^20 possible values a collision is
// effectively a store corruption signal, so retries are tightly bounded.
func (h *AdminHandler) generateUnique(r *http.Request, count int) ([]string, error) {
	values, err := codes.GenerateBatch(count, count*maxGenerateRetries)
	if err != nil {
		return nil, err
	}
	for i, v := range values {
		retries := 0
		for {
			exists, err := h.store.CodeExists(r.Context(), v)
			if err != nil {
				return nil, err
			}
			if !exists {
				break
			}
			retries++
			if retries > maxGenerateRetries {
				return nil, errors.New("could not generate a unique code")
			}
			if v, err = codes.Generate(); err != nil {
				return nil, err
			}
		}
		values[i] = v
	}
	return values, nil
}

// listCodesResponse wraps the code listing with pagination metadata.
type listCodesResponse struct {
	Codes []model.ActivationCode `json:"codes"`
	Meta  model.ListMeta         `json:"meta"`
}

// ListCodes returns the code inventory, filterable by status and a search
// term matched against code values and device ids.
// GET /api/v1/admin/codes
func (h *AdminHandler) ListCodes(w http.ResponseWriter, r *http.Request) {
	limit := clampInt(queryInt(r, "limit", defaultListLimit), 1, maxListLimit)
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	filter := store.CodeFilter{
		Status: queryString(r, "status"),
		Search: queryString(r, "search"),
		Limit:  limit,
		Offset: offset,
	}

	list, total, err := h.store.ListCodes(r.Context(), filter)
	if err != nil {
		h.logger.Error("code listing failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if list == nil {
		list = []model.ActivationCode{}
	}

	writeJSON(w, http.StatusOK, listCodesResponse{
		Codes: list,
		Meta: model.ListMeta{
			Count:  len(list),
			Total:  total,
			Limit:  limit,
			Offset: offset,
		},
	})
}

// ResetCode returns a used code to the unused pool.
// POST /api/v1/admin/codes/{id}/reset
func (h *AdminHandler) ResetCode(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid code id")
		return
	}

	reset, err := h.engine.ResetCode(r.Context(), id)
	if err != nil {
		h.logger.Error("code reset failed", "error", err, "code_id", id)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"code_id": id,
		"reset":   reset,
	})
}

// ---------------------------------------------------------------------------
// Devices
// ---------------------------------------------------------------------------

// DeviceStatus returns a device's full activation state and history.
// GET /api/v1/admin/devices/{deviceID}
func (h *AdminHandler) DeviceStatus(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	if deviceID == "" {
		writeError(w, http.StatusBadRequest, "Device id is required")
		return
	}

	status, err := h.engine.ResolveStatus(r.Context(), deviceID)
	if err != nil {
		h.logger.Error("status resolution failed", "error", err, "device_id", deviceID)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	writeJSON(w, http.StatusOK, status)
}

// ResetDevice releases all of a device's live activations. Expired rows stay
// behind as history.
// DELETE /api/v1/admin/devices/{deviceID}
func (h *AdminHandler) ResetDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	if deviceID == "" {
		writeError(w, http.StatusBadRequest, "Device id is required")
		return
	}

	released, err := h.engine.ResetDevice(r.Context(), deviceID)
	if err != nil {
		h.logger.Error("device reset failed", "error", err, "device_id", deviceID)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"device_id":      deviceID,
		"codes_released": released,
	})
}

// ---------------------------------------------------------------------------
// Cleanup
// ---------------------------------------------------------------------------

// Cleanup deletes expired codes that were never redeemed.
// POST /api/v1/admin/cleanup
func (h *AdminHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.engine.CleanupExpired(r.Context())
	if err != nil {
		h.logger.Error("cleanup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": deleted})
}

// CleanupStats reports what a cleanup run would reclaim, without deleting.
// GET /api/v1/admin/cleanup
func (h *AdminHandler) CleanupStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.CleanupStats(r.Context(), time.Now().UTC())
	if err != nil {
		h.logger.Error("cleanup stats failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	writeJSON(w, http.StatusOK, stats)
}
