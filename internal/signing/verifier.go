package signing

import (
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/keymint/keymint/internal/model"
)

// Verification failures. Each check short-circuits with its own sentinel so
// callers can tell a replayed response from a stale clock from a forged token.
var (
	ErrTokenMalformed    = errors.New("signing: token malformed")
	ErrSignatureInvalid  = errors.New("signing: signature invalid")
	ErrClockSkewExceeded = errors.New("signing: clock skew exceeded")
	ErrNonceReplayed     = errors.New("signing: nonce replayed")
	ErrRouteMismatch     = errors.New("signing: route mismatch")
	ErrClaimMismatch     = errors.New("signing: claim mismatch")
	ErrTokenExpired      = errors.New("signing: token expired")
)

// DefaultMaxClockSkew is how far the envelope timestamp may drift from the
// verifier's clock before the response is rejected as stale or replayed.
const DefaultMaxClockSkew = 90 * time.Second

// Verifier checks signed response envelopes on the client side. It holds only
// the public key; a compromised server channel cannot mint tokens it accepts.
type Verifier struct {
	key     *ecdsa.PublicKey
	maxSkew time.Duration
	nonces  *nonceCache
	now     func() time.Time
}

// VerifierOption adjusts a Verifier beyond its defaults.
type VerifierOption func(*Verifier)

// WithMaxClockSkew overrides the accepted envelope timestamp drift.
func WithMaxClockSkew(d time.Duration) VerifierOption {
	return func(v *Verifier) { v.maxSkew = d }
}

// WithNonceCap overrides the replay cache size.
func WithNonceCap(n int) VerifierOption {
	return func(v *Verifier) { v.nonces = newNonceCache(n) }
}

// WithClock overrides the verifier's clock, for tests.
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) { v.now = now }
}

// NewVerifier parses the PEM-encoded public key and returns a Verifier.
// Escaped newlines are unfolded, matching NewSigner.
func NewVerifier(publicKeyPEM string, opts ...VerifierOption) (*Verifier, error) {
	pem := strings.ReplaceAll(publicKeyPEM, `\n`, "\n")
	key, err := jwt.ParseECPublicKeyFromPEM([]byte(pem))
	if err != nil {
		return nil, fmt.Errorf("parse verification key: %w", err)
	}
	v := &Verifier{
		key:     key,
		maxSkew: DefaultMaxClockSkew,
		nonces:  newNonceCache(DefaultNonceCap),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

type tokenHeader struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
	Kid string `json:"kid"`
}

// Verify runs the full ordered check sequence against a response envelope and
// returns the verified claims. The checks run cheap to expensive: envelope
// shape, declared algorithm, timestamp freshness, and nonce novelty are all
// decided before any decoding, and the signature is checked last. The nonce
// is recorded only after every check passes, so a rejected response cannot
// poison the replay cache.
func (v *Verifier) Verify(env *model.SignedEnvelope, expectedRoute string) (*Claims, error) {
	// 1. Envelope completeness.
	if env == nil || env.LicenseToken == "" || env.Nonce == "" || env.TS == 0 {
		return nil, ErrTokenMalformed
	}

	// 2. Declared algorithm.
	if env.Alg != "" && env.Alg != Algorithm {
		return nil, ErrSignatureInvalid
	}

	// 3. Envelope timestamp freshness.
	now := v.now()
	skew := now.UnixMilli() - env.TS
	if skew < 0 {
		skew = -skew
	}
	if skew > v.maxSkew.Milliseconds() {
		return nil, ErrClockSkewExceeded
	}

	// 4. Nonce novelty.
	if v.nonces.contains(env.Nonce) {
		return nil, ErrNonceReplayed
	}

	// 5. Compact token structure.
	parts := strings.Split(env.LicenseToken, ".")
	if len(parts) != 3 {
		return nil, ErrTokenMalformed
	}

	// 6. Header and payload decode. The header algorithm must match too;
	// the envelope field alone is attacker-controlled alongside the token.
	headerJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, ErrTokenMalformed
	}
	var header tokenHeader
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, ErrTokenMalformed
	}
	if header.Alg != Algorithm {
		return nil, ErrSignatureInvalid
	}
	payloadJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrTokenMalformed
	}
	var claims Claims
	if err := json.Unmarshal(payloadJSON, &claims); err != nil {
		return nil, ErrTokenMalformed
	}

	// 7. Token expiry.
	if claims.RegisteredClaims.ExpiresAt != nil && claims.RegisteredClaims.ExpiresAt.Before(now) {
		return nil, ErrTokenExpired
	}

	// 8. Route binding.
	if claims.Route != expectedRoute {
		return nil, ErrRouteMismatch
	}

	// 9. Claim consistency with the envelope.
	if claims.Nonce != env.Nonce || claims.TS != env.TS {
		return nil, ErrClaimMismatch
	}

	// 10. Signature.
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, ErrTokenMalformed
	}
	signingInput := parts[0] + "." + parts[1]
	if err := jwt.SigningMethodES256.Verify(signingInput, sig, v.key); err != nil {
		return nil, ErrSignatureInvalid
	}

	// 11. Commit the nonce.
	v.nonces.add(env.Nonce)
	return &claims, nil
}
