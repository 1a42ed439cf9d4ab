// Package signing issues and verifies the short-lived ES256 license tokens
// that authenticate server responses to clients. The issuing side runs in the
// service; the verifying side runs in the client process, which trusts only
// the public key baked into its distribution, never the network path.
package signing

import (
	"crypto/ecdsa"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/keymint/keymint/internal/model"
)

// Algorithm is the only signature scheme tokens are issued or accepted with.
const Algorithm = "ES256"

// DefaultTTL is how long an issued token stays valid. A token authenticates a
// single response, not a session, so the window is deliberately narrow.
const DefaultTTL = 120 * time.Second

// Claims is the payload of a license token. Route, Nonce, and TS bind the
// token to one specific response on one specific endpoint; the client
// re-checks all three against the response envelope.
type Claims struct {
	Route       string `json:"route"`
	DeviceID    string `json:"device_id"`
	Code        string `json:"code,omitempty"`
	Activated   bool   `json:"activated"`
	ActivatedAt string `json:"activated_at,omitempty"`
	ExpiresAt   string `json:"expires_at,omitempty"`
	Nonce       string `json:"nonce"`
	TS          int64  `json:"ts"` // issuance time, epoch milliseconds
	jwt.RegisteredClaims
}

// Signer issues license tokens with a process-lifetime cached private key.
type Signer struct {
	key *ecdsa.PrivateKey
	kid string
	ttl time.Duration
	now func() time.Time
}

// NewSigner parses the PEM-encoded ES256 private key and returns a Signer.
// Escaped newlines are unfolded so the key can be passed through a single
// environment variable. kid is an optional key identifier emitted in the
// token header for rotation support; ttl <= 0 selects DefaultTTL.
func NewSigner(privateKeyPEM, kid string, ttl time.Duration) (*Signer, error) {
	pem := strings.ReplaceAll(privateKeyPEM, `\n`, "\n")
	key, err := jwt.ParseECPrivateKeyFromPEM([]byte(pem))
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Signer{key: key, kid: kid, ttl: ttl, now: time.Now}, nil
}

// NewNonce returns a fresh 32-character hex nonce, one per response.
func NewNonce() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// Issue signs the claims and returns the compact token. Nonce, TS, iat, and
// exp are filled in here; callers set only the domain claims.
func (s *Signer) Issue(claims *Claims) (string, error) {
	now := s.now()
	if claims.Nonce == "" {
		claims.Nonce = NewNonce()
	}
	if claims.TS == 0 {
		claims.TS = now.UnixMilli()
	}
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.RegisteredClaims.ExpiresAt = jwt.NewNumericDate(now.Add(s.ttl))

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	if s.kid != "" {
		token.Header["kid"] = s.kid
	}
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign license token: %w", err)
	}
	return signed, nil
}

// Envelope issues a token for the claims and wraps it with the envelope-level
// nonce, ts, and algorithm fields the client checks before decoding anything.
func (s *Signer) Envelope(claims *Claims) (*model.SignedEnvelope, error) {
	token, err := s.Issue(claims)
	if err != nil {
		return nil, err
	}
	return &model.SignedEnvelope{
		LicenseToken: token,
		Nonce:        claims.Nonce,
		TS:           claims.TS,
		Alg:          Algorithm,
	}, nil
}
