package server

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/keymint/keymint/internal/engine"
	"github.com/keymint/keymint/internal/model"
	"github.com/keymint/keymint/internal/service"
	"github.com/keymint/keymint/internal/signing"
	"github.com/keymint/keymint/internal/store"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

const (
	testJWTSecret = "test-secret-for-jwt-integration-tests"
	testPassword  = "supersecretpassword"
	testAPIKey    = "km_integrationtestapikey1234567890"
	testDeviceID  = "device-integration-1"
)

// testEnv holds all the shared state for integration tests.
type testEnv struct {
	server  *Server
	store   *store.Store
	engine  *engine.Engine
	authSvc *service.AuthService
	pubKey  *ecdsa.PublicKey
}

// newTestEnv creates a fresh test environment with an in-memory store, a
// throwaway signing key, and a fully wired Server.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.OpenSQLite("") // in-memory SQLite
	if err != nil {
		t.Fatalf("store.OpenSQLite: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate signing key: %v", err)
	}
	der, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		t.Fatalf("marshal signing key: %v", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})

	signer, err := signing.NewSigner(string(privPEM), "test-key", 0)
	if err != nil {
		t.Fatalf("signing.NewSigner: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	authSvc := service.NewAuthService(st, testJWTSecret)
	eng := engine.New(st, logger)

	srv := New(DefaultConfig(), st, eng, signer, authSvc, logger)

	return &testEnv{
		server:  srv,
		store:   st,
		engine:  eng,
		authSvc: authSvc,
		pubKey:  &priv.PublicKey,
	}
}

// seedAdmin creates the default admin account.
func (e *testEnv) seedAdmin(t *testing.T) *model.Admin {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	admin := &model.Admin{
		Email:        "admin@example.com",
		PasswordHash: string(hash),
		Name:         "Test Admin",
		IsActive:     true,
	}
	if err := e.store.CreateAdmin(context.Background(), admin); err != nil {
		t.Fatalf("seedAdmin: %v", err)
	}
	return admin
}

// seedAPIKey stores the default client API key and returns its raw value.
func (e *testEnv) seedAPIKey(t *testing.T) string {
	t.Helper()
	key := &model.APIKey{
		KeyHash:   store.HashAPIKey(testAPIKey),
		KeyPrefix: testAPIKey[:11],
		Label:     "integration",
		IsActive:  true,
	}
	if err := e.store.CreateAPIKey(context.Background(), key); err != nil {
		t.Fatalf("seedAPIKey: %v", err)
	}
	return testAPIKey
}

// seedCode inserts one unused activation code and returns its value.
func (e *testEnv) seedCode(t *testing.T, code string, expiresAt *time.Time) *model.ActivationCode {
	t.Helper()
	c := &model.ActivationCode{Code: code, ExpiresAt: expiresAt}
	if err := e.store.CreateCodes(context.Background(), []*model.ActivationCode{c}); err != nil {
		t.Fatalf("seedCode: %v", err)
	}
	return c
}

// adminToken logs in as the default admin and returns the JWT token string.
func (e *testEnv) adminToken(t *testing.T) string {
	t.Helper()
	body := jsonBody(t, map[string]string{
		"email":    "admin@example.com",
		"password": testPassword,
	})
	rr := e.do(t, "POST", "/api/v1/admin/login", body, nil)
	assertStatus(t, rr, http.StatusOK)

	var resp struct {
		Token string `json:"session_token"`
	}
	decodeJSON(t, rr, &resp)
	if resp.Token == "" {
		t.Fatal("adminToken: got empty token from login")
	}
	return resp.Token
}

// do executes an HTTP request against the test server and returns the recorder.
// headers is an optional map of header key-value pairs.
func (e *testEnv) do(t *testing.T, method, path string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	e.server.ServeHTTP(rr, req)
	return rr
}

// doAuth executes an authenticated HTTP request using the admin JWT.
func (e *testEnv) doAuth(t *testing.T, method, path string, body io.Reader, token string) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, method, path, body, map[string]string{
		"Authorization": "Bearer " + token,
	})
}

// doAPIKey executes an HTTP request authenticated with an API key.
func (e *testEnv) doAPIKey(t *testing.T, method, path string, body io.Reader, apiKey string) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, method, path, body, map[string]string{
		"X-API-Key": apiKey,
	})
}

// activate posts an activation request for the given code and device.
func (e *testEnv) activate(t *testing.T, apiKey, code, deviceID string) *httptest.ResponseRecorder {
	t.Helper()
	body := jsonBody(t, map[string]string{"code": code, "device_id": deviceID})
	return e.doAPIKey(t, "POST", "/api/v1/client/activate", body, apiKey)
}

// verify posts a verification request for the given device.
func (e *testEnv) verify(t *testing.T, apiKey, deviceID string) *httptest.ResponseRecorder {
	t.Helper()
	body := jsonBody(t, map[string]string{"device_id": deviceID})
	return e.doAPIKey(t, "POST", "/api/v1/client/verify", body, apiKey)
}

// verifyEnvelope checks the signed envelope in a client response against the
// server's public key.
func (e *testEnv) verifyEnvelope(t *testing.T, env *model.SignedEnvelope, route string) *signing.Claims {
	t.Helper()
	pubDER, err := x509.MarshalPKIXPublicKey(e.pubKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	verifier, err := signing.NewVerifier(string(pubPEM))
	if err != nil {
		t.Fatalf("signing.NewVerifier: %v", err)
	}
	claims, err := verifier.Verify(env, route)
	if err != nil {
		t.Fatalf("envelope verification failed: %v", err)
	}
	return claims
}

func jsonBody(t *testing.T, v interface{}) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(v); err != nil {
		t.Fatalf("jsonBody: %v", err)
	}
	return buf
}

func assertStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Errorf("status = %d, want %d; body = %s", rr.Code, want, rr.Body.String())
	}
}

func assertContentType(t *testing.T, rr *httptest.ResponseRecorder, want string) {
	t.Helper()
	got := rr.Header().Get("Content-Type")
	if got != want {
		t.Errorf("Content-Type = %q, want %q", got, want)
	}
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decodeJSON: %v; body = %s", err, rr.Body.String())
	}
}

// errorMessage extracts the message from a standard error envelope.
func errorMessage(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var resp model.ErrorResponse
	decodeJSON(t, rr, &resp)
	return resp.Error.Message
}

// testCode returns a syntactically valid 20-character code that is unlikely
// to exist in the store. The suffix keeps parallel tests distinct.
func testCode(suffix string) string {
	base := "abcdefghijkmnpqrstuv"
	return base[:20-len(suffix)] + suffix
}

// ---------------------------------------------------------------------------
// Health check tests
// ---------------------------------------------------------------------------

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "GET", "/healthz", nil, nil)
	assertStatus(t, rr, http.StatusOK)
	assertContentType(t, rr, "application/json")

	var resp map[string]string
	decodeJSON(t, rr, &resp)
	if resp["status"] != "ok" {
		t.Errorf("status = %q, want %q", resp["status"], "ok")
	}
}

func TestReadyz(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "GET", "/readyz", nil, nil)
	assertStatus(t, rr, http.StatusOK)
	assertContentType(t, rr, "application/json")

	var resp struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	decodeJSON(t, rr, &resp)
	if resp.Status != "ok" {
		t.Errorf("status = %q, want %q", resp.Status, "ok")
	}
	if resp.Checks["store"] != "ok" {
		t.Errorf("checks.store = %q, want %q", resp.Checks["store"], "ok")
	}
}

// ---------------------------------------------------------------------------
// Client authentication tests
// ---------------------------------------------------------------------------

func TestClientEndpoints_Unauthenticated(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/api/v1/client/activate", "/api/v1/client/verify"} {
		t.Run(path, func(t *testing.T) {
			body := jsonBody(t, map[string]string{"device_id": testDeviceID})
			rr := env.do(t, "POST", path, body, nil)
			assertStatus(t, rr, http.StatusUnauthorized)
		})
	}
}

func TestClientEndpoints_InvalidAPIKey(t *testing.T) {
	env := newTestEnv(t)
	env.seedAPIKey(t)

	rr := env.verify(t, "km_nosuchkey00000000000000000000000", testDeviceID)
	assertStatus(t, rr, http.StatusUnauthorized)
}

func TestClientEndpoints_RevokedAPIKey(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	key := &model.APIKey{
		KeyHash:   store.HashAPIKey("km_revokedkey123456789012345678901"),
		KeyPrefix: "km_revokedk",
		Label:     "revoke-test",
		IsActive:  true,
	}
	if err := env.store.CreateAPIKey(ctx, key); err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}
	if err := env.store.RevokeAPIKey(ctx, key.ID); err != nil {
		t.Fatalf("RevokeAPIKey: %v", err)
	}

	rr := env.verify(t, "km_revokedkey123456789012345678901", testDeviceID)
	assertStatus(t, rr, http.StatusUnauthorized)
}

func TestClientEndpoints_AdminJWTAccepted(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t)
	token := env.adminToken(t)

	body := jsonBody(t, map[string]string{"device_id": testDeviceID})
	rr := env.doAuth(t, "POST", "/api/v1/client/verify", body, token)
	assertStatus(t, rr, http.StatusOK)
}

// ---------------------------------------------------------------------------
// Activation flow tests
// ---------------------------------------------------------------------------

func TestActivate_Success(t *testing.T) {
	env := newTestEnv(t)
	apiKey := env.seedAPIKey(t)
	code := env.seedCode(t, testCode("a1"), nil)

	rr := env.activate(t, apiKey, code.Code, testDeviceID)
	assertStatus(t, rr, http.StatusOK)

	var resp model.ActivateResponse
	decodeJSON(t, rr, &resp)
	if resp.Code != code.Code {
		t.Errorf("code = %q, want %q", resp.Code, code.Code)
	}
	if resp.DeviceID != testDeviceID {
		t.Errorf("device_id = %q, want %q", resp.DeviceID, testDeviceID)
	}
	if resp.ActivatedAt == "" {
		t.Error("expected activated_at to be set")
	}
	if resp.ExpiresAt != nil {
		t.Errorf("expires_at = %v, want nil for a permanent code", *resp.ExpiresAt)
	}

	claims := env.verifyEnvelope(t, &resp.SignedEnvelope, "/api/v1/client/activate")
	if claims.DeviceID != testDeviceID {
		t.Errorf("claims device_id = %q, want %q", claims.DeviceID, testDeviceID)
	}
	if !claims.Activated {
		t.Error("claims should assert activation")
	}
	if claims.Code != code.Code {
		t.Errorf("claims code = %q, want %q", claims.Code, code.Code)
	}
}

func TestActivate_NormalizesCode(t *testing.T) {
	env := newTestEnv(t)
	apiKey := env.seedAPIKey(t)
	code := env.seedCode(t, testCode("n1"), nil)

	// Dashed and surrounded by whitespace.
	raw := "  " + code.Code[:5] + "-" + code.Code[5:10] + "-" + code.Code[10:15] + "-" + code.Code[15:] + "  "
	rr := env.activate(t, apiKey, raw, testDeviceID)
	assertStatus(t, rr, http.StatusOK)

	var resp model.ActivateResponse
	decodeJSON(t, rr, &resp)
	if resp.Code != code.Code {
		t.Errorf("code = %q, want normalized %q", resp.Code, code.Code)
	}
}

func TestActivate_FailuresAreIndistinguishable(t *testing.T) {
	env := newTestEnv(t)
	apiKey := env.seedAPIKey(t)

	past := time.Now().UTC().Add(-time.Hour)
	expired := env.seedCode(t, testCode("e1"), &past)
	used := env.seedCode(t, testCode("u1"), nil)
	rr := env.activate(t, apiKey, used.Code, "device-other-1")
	assertStatus(t, rr, http.StatusOK)

	// A second live code so the device-already-activated case is reachable.
	spare := env.seedCode(t, testCode("s1"), nil)

	cases := []struct {
		name     string
		code     string
		deviceID string
	}{
		{"unknown code", testCode("x1"), "device-fail-1"},
		{"malformed code", "not a real code!!", "device-fail-2"},
		{"expired code", expired.Code, "device-fail-3"},
		{"already used code", used.Code, "device-fail-4"},
		{"device already activated", spare.Code, "device-other-1"},
	}

	var messages []string
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := env.activate(t, apiKey, tc.code, tc.deviceID)
			assertStatus(t, rr, http.StatusBadRequest)
			messages = append(messages, errorMessage(t, rr))
		})
	}
	for i := 1; i < len(messages); i++ {
		if messages[i] != messages[0] {
			t.Errorf("failure messages differ: %q vs %q", messages[i], messages[0])
		}
	}
}

func TestActivate_DeviceIDValidation(t *testing.T) {
	env := newTestEnv(t)
	apiKey := env.seedAPIKey(t)
	code := env.seedCode(t, testCode("d1"), nil)

	for _, deviceID := range []string{"", "ab", string(make([]byte, 256))} {
		rr := env.activate(t, apiKey, code.Code, deviceID)
		assertStatus(t, rr, http.StatusBadRequest)
	}

	// Boundary lengths pass validation and reach the engine.
	rr := env.activate(t, apiKey, code.Code, "abc")
	assertStatus(t, rr, http.StatusOK)
}

func TestActivate_SecondDeviceRejected(t *testing.T) {
	env := newTestEnv(t)
	apiKey := env.seedAPIKey(t)
	code := env.seedCode(t, testCode("w1"), nil)

	rr := env.activate(t, apiKey, code.Code, "device-first")
	assertStatus(t, rr, http.StatusOK)

	rr = env.activate(t, apiKey, code.Code, "device-second")
	assertStatus(t, rr, http.StatusBadRequest)

	// The original binding is untouched.
	stored, err := env.store.GetCodeByID(context.Background(), code.ID)
	if err != nil {
		t.Fatalf("GetCodeByID: %v", err)
	}
	if stored.UsedByDeviceID == nil || *stored.UsedByDeviceID != "device-first" {
		t.Errorf("code binding changed after rejected attempt: %+v", stored)
	}
}

// ---------------------------------------------------------------------------
// Verification flow tests
// ---------------------------------------------------------------------------

func TestVerify_NotActivated(t *testing.T) {
	env := newTestEnv(t)
	apiKey := env.seedAPIKey(t)

	rr := env.verify(t, apiKey, testDeviceID)
	assertStatus(t, rr, http.StatusOK)

	var resp model.VerifyResponse
	decodeJSON(t, rr, &resp)
	if resp.IsActivated {
		t.Error("expected is_activated = false")
	}
	if resp.ActivationInfo != nil {
		t.Error("expected no activation_info")
	}
	if resp.SignedEnvelope != nil {
		t.Error("a not-activated response must not carry a signature")
	}
}

func TestVerify_Activated(t *testing.T) {
	env := newTestEnv(t)
	apiKey := env.seedAPIKey(t)
	code := env.seedCode(t, testCode("v1"), nil)

	rr := env.activate(t, apiKey, code.Code, testDeviceID)
	assertStatus(t, rr, http.StatusOK)

	rr = env.verify(t, apiKey, testDeviceID)
	assertStatus(t, rr, http.StatusOK)

	var resp model.VerifyResponse
	decodeJSON(t, rr, &resp)
	if !resp.IsActivated {
		t.Fatal("expected is_activated = true")
	}
	if resp.ActivationInfo == nil {
		t.Fatal("expected activation_info")
	}
	if !resp.ActivationInfo.IsPermanent {
		t.Error("expected is_permanent for a code without expiry")
	}
	if resp.SignedEnvelope == nil {
		t.Fatal("expected a signed envelope on an activated response")
	}

	claims := env.verifyEnvelope(t, resp.SignedEnvelope, "/api/v1/client/verify")
	if claims.DeviceID != testDeviceID {
		t.Errorf("claims device_id = %q, want %q", claims.DeviceID, testDeviceID)
	}
	if claims.Code != "" {
		t.Errorf("verify claims must not echo the code value, got %q", claims.Code)
	}
}

func TestVerify_ExpiredActivation(t *testing.T) {
	env := newTestEnv(t)
	apiKey := env.seedAPIKey(t)
	ctx := context.Background()

	// Redeem directly, then age the activation past its expiry.
	past := time.Now().UTC().Add(-time.Minute)
	code := env.seedCode(t, testCode("x2"), &past)
	err := env.store.Transact(ctx, func(tx *store.Tx) error {
		return tx.MarkCodeUsed(ctx, code.ID, testDeviceID, past.Add(-time.Hour))
	})
	if err != nil {
		t.Fatalf("mark used: %v", err)
	}

	rr := env.verify(t, apiKey, testDeviceID)
	assertStatus(t, rr, http.StatusOK)

	var resp model.VerifyResponse
	decodeJSON(t, rr, &resp)
	if resp.IsActivated {
		t.Error("expired activation should not count as activated")
	}
	if !resp.ExpiredActivations {
		t.Error("expected expired_activations flag")
	}
	if resp.SignedEnvelope != nil {
		t.Error("expected no signature on a not-activated response")
	}
}

// ---------------------------------------------------------------------------
// Rate limiting tests
// ---------------------------------------------------------------------------

func TestActivate_DeviceRateLimit(t *testing.T) {
	env := newTestEnv(t)
	apiKey := env.seedAPIKey(t)

	// The device bucket allows 5 attempts per hour. Spread the senders over
	// distinct IPs so the per-IP bucket stays quiet. httptest requests all
	// share one RemoteAddr, so vary via X-Forwarded-For and RealIP.
	deviceID := "device-limited-1"
	for i := 0; i < 5; i++ {
		body := jsonBody(t, map[string]string{"code": testCode("r1"), "device_id": deviceID})
		rr := env.do(t, "POST", "/api/v1/client/activate", body, map[string]string{
			"X-API-Key":       apiKey,
			"X-Forwarded-For": fmt.Sprintf("10.1.0.%d", i+1),
		})
		assertStatus(t, rr, http.StatusBadRequest) // unknown code, but counted
	}

	body := jsonBody(t, map[string]string{"code": testCode("r1"), "device_id": deviceID})
	rr := env.do(t, "POST", "/api/v1/client/activate", body, map[string]string{
		"X-API-Key":       apiKey,
		"X-Forwarded-For": "10.1.0.6",
	})
	assertStatus(t, rr, http.StatusTooManyRequests)

	if rr.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	if rr.Header().Get("X-RateLimit-Limit") != "5" {
		t.Errorf("X-RateLimit-Limit = %q, want 5", rr.Header().Get("X-RateLimit-Limit"))
	}
	if rr.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("X-RateLimit-Remaining = %q, want 0", rr.Header().Get("X-RateLimit-Remaining"))
	}
	if rr.Header().Get("X-RateLimit-Reset") == "" {
		t.Error("expected X-RateLimit-Reset header")
	}

	var resp model.ErrorResponse
	decodeJSON(t, rr, &resp)
	if resp.Error.Context["scope"] != "device" {
		t.Errorf("limit scope = %v, want device", resp.Error.Context["scope"])
	}
}

func TestActivate_IPRateLimit(t *testing.T) {
	env := newTestEnv(t)
	apiKey := env.seedAPIKey(t)

	// The IP bucket allows 10 attempts per minute. Vary the device so the
	// tighter device bucket never trips first.
	for i := 0; i < 10; i++ {
		rr := env.activate(t, apiKey, testCode("r2"), fmt.Sprintf("device-ip-%d", i))
		assertStatus(t, rr, http.StatusBadRequest)
	}

	rr := env.activate(t, apiKey, testCode("r2"), "device-ip-10")
	assertStatus(t, rr, http.StatusTooManyRequests)

	var resp model.ErrorResponse
	decodeJSON(t, rr, &resp)
	if resp.Error.Context["scope"] != "ip" {
		t.Errorf("limit scope = %v, want ip", resp.Error.Context["scope"])
	}
}

func TestRateLimit_InvalidDeviceIDNotCounted(t *testing.T) {
	env := newTestEnv(t)
	apiKey := env.seedAPIKey(t)

	// Requests failing device_id validation never reach the limiter, so a
	// burst of them does not drain the IP bucket.
	for i := 0; i < 15; i++ {
		rr := env.activate(t, apiKey, testCode("r3"), "ab")
		assertStatus(t, rr, http.StatusBadRequest)
	}

	rr := env.activate(t, apiKey, testCode("r3"), "device-ok-1")
	assertStatus(t, rr, http.StatusBadRequest) // unknown code, not 429
}

// ---------------------------------------------------------------------------
// Admin authentication tests
// ---------------------------------------------------------------------------

func TestAdminLogin_Success(t *testing.T) {
	env := newTestEnv(t)
	admin := env.seedAdmin(t)

	body := jsonBody(t, map[string]string{
		"email":    "admin@example.com",
		"password": testPassword,
	})
	rr := env.do(t, "POST", "/api/v1/admin/login", body, nil)
	assertStatus(t, rr, http.StatusOK)

	var resp struct {
		Token     string `json:"session_token"`
		TokenType string `json:"token_type"`
		ExpiresIn int    `json:"expires_in"`
		AdminID   int64  `json:"admin_id"`
		Email     string `json:"email"`
	}
	decodeJSON(t, rr, &resp)

	if resp.Token == "" {
		t.Error("expected non-empty session_token")
	}
	if resp.TokenType != "bearer" {
		t.Errorf("token_type = %q, want %q", resp.TokenType, "bearer")
	}
	if resp.ExpiresIn <= 0 {
		t.Errorf("expires_in = %d, want > 0", resp.ExpiresIn)
	}
	if resp.AdminID != admin.ID {
		t.Errorf("admin_id = %d, want %d", resp.AdminID, admin.ID)
	}
}

func TestAdminLogin_WrongPassword(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t)

	body := jsonBody(t, map[string]string{
		"email":    "admin@example.com",
		"password": "wrongpassword",
	})
	rr := env.do(t, "POST", "/api/v1/admin/login", body, nil)
	assertStatus(t, rr, http.StatusUnauthorized)
}

func TestAdminLogin_UnknownEmail(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t)

	body := jsonBody(t, map[string]string{
		"email":    "nobody@example.com",
		"password": testPassword,
	})
	rr := env.do(t, "POST", "/api/v1/admin/login", body, nil)
	assertStatus(t, rr, http.StatusUnauthorized)
}

func TestAdminLogin_MissingFields(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t)

	body := jsonBody(t, map[string]string{"email": "admin@example.com"})
	rr := env.do(t, "POST", "/api/v1/admin/login", body, nil)
	assertStatus(t, rr, http.StatusBadRequest)

	body = jsonBody(t, map[string]string{"password": testPassword})
	rr = env.do(t, "POST", "/api/v1/admin/login", body, nil)
	assertStatus(t, rr, http.StatusBadRequest)
}

func TestAdminEndpoints_Unauthenticated(t *testing.T) {
	env := newTestEnv(t)

	endpoints := []struct {
		method string
		path   string
	}{
		{"POST", "/api/v1/admin/codes"},
		{"GET", "/api/v1/admin/codes"},
		{"POST", "/api/v1/admin/codes/1/reset"},
		{"GET", "/api/v1/admin/devices/some-device"},
		{"DELETE", "/api/v1/admin/devices/some-device"},
		{"POST", "/api/v1/admin/cleanup"},
		{"GET", "/api/v1/admin/cleanup"},
		{"POST", "/api/v1/admin/password"},
	}

	for _, ep := range endpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			var body io.Reader
			if ep.method == "POST" {
				body = jsonBody(t, map[string]string{})
			}
			rr := env.do(t, ep.method, ep.path, body, nil)
			assertStatus(t, rr, http.StatusUnauthorized)
		})
	}
}

func TestAdminEndpoints_APIKeyForbidden(t *testing.T) {
	env := newTestEnv(t)
	apiKey := env.seedAPIKey(t)

	// Client API keys carry no admin privileges.
	rr := env.doAPIKey(t, "GET", "/api/v1/admin/codes", nil, apiKey)
	assertStatus(t, rr, http.StatusForbidden)
}

func TestAdminEndpoints_ExpiredJWT(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t)

	token, err := env.authSvc.IssueJWT(context.Background(), 1, "admin@example.com", -time.Hour)
	if err != nil {
		t.Fatalf("IssueJWT: %v", err)
	}

	rr := env.doAuth(t, "GET", "/api/v1/admin/codes", nil, token)
	assertStatus(t, rr, http.StatusUnauthorized)
}

func TestChangePassword(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t)
	token := env.adminToken(t)

	body := jsonBody(t, map[string]string{
		"current_password": testPassword,
		"new_password":     "evenmoresecretpassword",
	})
	rr := env.doAuth(t, "POST", "/api/v1/admin/password", body, token)
	assertStatus(t, rr, http.StatusOK)

	// The old password no longer works, the new one does.
	rr = env.do(t, "POST", "/api/v1/admin/login", jsonBody(t, map[string]string{
		"email": "admin@example.com", "password": testPassword,
	}), nil)
	assertStatus(t, rr, http.StatusUnauthorized)

	rr = env.do(t, "POST", "/api/v1/admin/login", jsonBody(t, map[string]string{
		"email": "admin@example.com", "password": "evenmoresecretpassword",
	}), nil)
	assertStatus(t, rr, http.StatusOK)
}

// ---------------------------------------------------------------------------
// Code inventory tests
// ---------------------------------------------------------------------------

func TestCreateCodes(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t)
	token := env.adminToken(t)

	body := jsonBody(t, map[string]interface{}{"count": 5})
	rr := env.doAuth(t, "POST", "/api/v1/admin/codes", body, token)
	assertStatus(t, rr, http.StatusCreated)

	var resp struct {
		Codes []model.ActivationCode `json:"codes"`
		Count int                    `json:"count"`
	}
	decodeJSON(t, rr, &resp)
	if resp.Count != 5 || len(resp.Codes) != 5 {
		t.Fatalf("count = %d, codes = %d, want 5/5", resp.Count, len(resp.Codes))
	}
	seen := make(map[string]bool)
	for _, c := range resp.Codes {
		if len(c.Code) != 20 {
			t.Errorf("code %q length = %d, want 20", c.Code, len(c.Code))
		}
		if seen[c.Code] {
			t.Errorf("duplicate code in batch: %q", c.Code)
		}
		seen[c.Code] = true
		if c.Status != model.StatusUnused {
			t.Errorf("status = %q, want unused", c.Status)
		}
	}
}

func TestCreateCodes_Validation(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t)
	token := env.adminToken(t)

	past := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	tests := []struct {
		name string
		body map[string]interface{}
	}{
		{"zero count", map[string]interface{}{"count": 0}},
		{"negative count", map[string]interface{}{"count": -1}},
		{"count too large", map[string]interface{}{"count": 1001}},
		{"bad expiry format", map[string]interface{}{"count": 1, "expires_at": "tomorrow"}},
		{"expiry in the past", map[string]interface{}{"count": 1, "expires_at": past}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.doAuth(t, "POST", "/api/v1/admin/codes", jsonBody(t, tt.body), token)
			assertStatus(t, rr, http.StatusBadRequest)
		})
	}
}

func TestListCodes(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t)
	apiKey := env.seedAPIKey(t)
	token := env.adminToken(t)

	for i := 0; i < 3; i++ {
		env.seedCode(t, testCode(fmt.Sprintf("l%d", i)), nil)
	}
	used := env.seedCode(t, testCode("l9"), nil)
	rr := env.activate(t, apiKey, used.Code, "device-list-1")
	assertStatus(t, rr, http.StatusOK)

	rr = env.doAuth(t, "GET", "/api/v1/admin/codes", nil, token)
	assertStatus(t, rr, http.StatusOK)

	var resp struct {
		Codes []model.ActivationCode `json:"codes"`
		Meta  model.ListMeta         `json:"meta"`
	}
	decodeJSON(t, rr, &resp)
	if resp.Meta.Total != 4 || len(resp.Codes) != 4 {
		t.Errorf("total = %d, codes = %d, want 4/4", resp.Meta.Total, len(resp.Codes))
	}

	rr = env.doAuth(t, "GET", "/api/v1/admin/codes?status=used", nil, token)
	assertStatus(t, rr, http.StatusOK)
	decodeJSON(t, rr, &resp)
	if resp.Meta.Total != 1 || len(resp.Codes) != 1 {
		t.Errorf("used: total = %d, codes = %d, want 1/1", resp.Meta.Total, len(resp.Codes))
	}

	rr = env.doAuth(t, "GET", "/api/v1/admin/codes?search=device-list", nil, token)
	assertStatus(t, rr, http.StatusOK)
	decodeJSON(t, rr, &resp)
	if len(resp.Codes) != 1 {
		t.Errorf("search: codes = %d, want 1", len(resp.Codes))
	}

	rr = env.doAuth(t, "GET", "/api/v1/admin/codes?limit=2", nil, token)
	assertStatus(t, rr, http.StatusOK)
	decodeJSON(t, rr, &resp)
	if resp.Meta.Total != 4 || len(resp.Codes) != 2 {
		t.Errorf("paged: total = %d, codes = %d, want 4/2", resp.Meta.Total, len(resp.Codes))
	}
}

func TestResetCode(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t)
	apiKey := env.seedAPIKey(t)
	token := env.adminToken(t)

	code := env.seedCode(t, testCode("rc"), nil)
	rr := env.activate(t, apiKey, code.Code, "device-reset-http")
	assertStatus(t, rr, http.StatusOK)

	rr = env.doAuth(t, "POST", fmt.Sprintf("/api/v1/admin/codes/%d/reset", code.ID), nil, token)
	assertStatus(t, rr, http.StatusOK)

	var resp struct {
		CodeID int64 `json:"code_id"`
		Reset  bool  `json:"reset"`
	}
	decodeJSON(t, rr, &resp)
	if !resp.Reset {
		t.Error("expected reset = true")
	}

	// The code is redeemable again.
	rr = env.activate(t, apiKey, code.Code, "device-reset-http2")
	assertStatus(t, rr, http.StatusOK)
}

func TestResetCode_InvalidID(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t)
	token := env.adminToken(t)

	rr := env.doAuth(t, "POST", "/api/v1/admin/codes/notanumber/reset", nil, token)
	assertStatus(t, rr, http.StatusBadRequest)
}

// ---------------------------------------------------------------------------
// Device management tests
// ---------------------------------------------------------------------------

func TestDeviceStatusAndReset(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t)
	apiKey := env.seedAPIKey(t)
	token := env.adminToken(t)

	code := env.seedCode(t, testCode("dv"), nil)
	rr := env.activate(t, apiKey, code.Code, "device-admin-1")
	assertStatus(t, rr, http.StatusOK)

	rr = env.doAuth(t, "GET", "/api/v1/admin/devices/device-admin-1", nil, token)
	assertStatus(t, rr, http.StatusOK)

	var status model.DeviceStatus
	decodeJSON(t, rr, &status)
	if !status.IsActivated {
		t.Error("expected device to be activated")
	}
	if status.CurrentActivation == nil {
		t.Fatal("expected current_activation")
	}
	if len(status.History) != 1 {
		t.Errorf("history = %d, want 1", len(status.History))
	}

	rr = env.doAuth(t, "DELETE", "/api/v1/admin/devices/device-admin-1", nil, token)
	assertStatus(t, rr, http.StatusOK)

	var reset struct {
		DeviceID      string `json:"device_id"`
		CodesReleased int64  `json:"codes_released"`
	}
	decodeJSON(t, rr, &reset)
	if reset.CodesReleased != 1 {
		t.Errorf("codes_released = %d, want 1", reset.CodesReleased)
	}

	rr = env.doAuth(t, "GET", "/api/v1/admin/devices/device-admin-1", nil, token)
	assertStatus(t, rr, http.StatusOK)
	decodeJSON(t, rr, &status)
	if status.IsActivated {
		t.Error("device should not be activated after reset")
	}
}

// ---------------------------------------------------------------------------
// Cleanup tests
// ---------------------------------------------------------------------------

func TestCleanup(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t)
	token := env.adminToken(t)

	past := time.Now().UTC().Add(-time.Hour)
	env.seedCode(t, testCode("c1"), &past)
	env.seedCode(t, testCode("c2"), nil)

	rr := env.doAuth(t, "GET", "/api/v1/admin/cleanup", nil, token)
	assertStatus(t, rr, http.StatusOK)

	var stats model.CleanupStats
	decodeJSON(t, rr, &stats)
	if stats.CleanableExpired != 1 {
		t.Errorf("cleanable_expired = %d, want 1", stats.CleanableExpired)
	}

	rr = env.doAuth(t, "POST", "/api/v1/admin/cleanup", nil, token)
	assertStatus(t, rr, http.StatusOK)

	var resp struct {
		Deleted int64 `json:"deleted"`
	}
	decodeJSON(t, rr, &resp)
	if resp.Deleted != 1 {
		t.Errorf("deleted = %d, want 1", resp.Deleted)
	}
}

// ---------------------------------------------------------------------------
// Error format and transport tests
// ---------------------------------------------------------------------------

func TestErrorResponseFormat(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "GET", "/api/v1/admin/codes", nil, nil)
	assertStatus(t, rr, http.StatusUnauthorized)

	var resp model.ErrorResponse
	decodeJSON(t, rr, &resp)
	if resp.Error.Code != 401 {
		t.Errorf("error.code = %d, want 401", resp.Error.Code)
	}
	if resp.Error.Message == "" {
		t.Error("expected non-empty error.message")
	}
}

func TestInvalidJSONBody(t *testing.T) {
	env := newTestEnv(t)
	apiKey := env.seedAPIKey(t)

	body := bytes.NewBufferString("{invalid json")
	rr := env.do(t, "POST", "/api/v1/client/activate", body, map[string]string{
		"X-API-Key": apiKey,
	})
	assertStatus(t, rr, http.StatusBadRequest)
}

func TestCORSHeaders(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "OPTIONS", "/api/v1/client/activate", nil, map[string]string{
		"Origin":                         "http://localhost:3000",
		"Access-Control-Request-Method":  "POST",
		"Access-Control-Request-Headers": "Content-Type,X-API-Key",
	})

	if rr.Code < 200 || rr.Code >= 300 {
		t.Errorf("CORS preflight status = %d, want 2xx", rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Error("expected Access-Control-Allow-Origin header")
	}
}

func TestRequestIDHeader(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "GET", "/healthz", nil, nil)
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header on every response")
	}
}
