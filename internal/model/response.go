package model

// SignedEnvelope carries the detached response signature fields attached to
// activation and verification responses. The client re-checks that the token's
// embedded nonce and ts claims match these envelope-level copies before
// trusting the response.
type SignedEnvelope struct {
	LicenseToken string `json:"license_token"`
	Nonce        string `json:"nonce"`
	TS           int64  `json:"ts"` // issuance time, epoch milliseconds
	Alg          string `json:"alg"`
}

// ActivateResponse is the success payload of POST /api/v1/client/activate.
type ActivateResponse struct {
	Code        string     `json:"code"`
	DeviceID    string     `json:"device_id"`
	ActivatedAt string     `json:"activated_at"`
	ExpiresAt   *string    `json:"expires_at"`
	SignedEnvelope
}

// ActivationInfo describes a device's current activation without exposing
// the underlying code value.
type ActivationInfo struct {
	ActivatedAt string  `json:"activated_at"`
	ExpiresAt   *string `json:"expires_at"`
	IsPermanent bool    `json:"is_permanent"`
}

// VerifyResponse is the success payload of POST /api/v1/client/verify.
// ActivationInfo and the signature envelope are present only when the device
// holds a live activation.
type VerifyResponse struct {
	DeviceID           string          `json:"device_id"`
	IsActivated        bool            `json:"is_activated"`
	VerifiedAt         string          `json:"verified_at"`
	ActivationInfo     *ActivationInfo `json:"activation_info,omitempty"`
	ExpiredActivations bool            `json:"expired_activations,omitempty"`
	*SignedEnvelope
}

// ListMeta contains pagination information for admin list responses.
type ListMeta struct {
	Count  int   `json:"count"`
	Total  int64 `json:"total"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}

// ErrorResponse is the standard envelope for error responses.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the structured error information returned by the API.
type ErrorDetail struct {
	Code    int                    `json:"code"`
	Message string                 `json:"message"`
	Context map[string]interface{} `json:"context,omitempty"`
}
