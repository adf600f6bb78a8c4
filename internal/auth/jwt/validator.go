package jwt

import (
	"context"
	"crypto"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/tasknotes/apigw/internal/observability"
)

const (
	// DefaultClockSkew is the tolerance applied to exp and iat checks.
	DefaultClockSkew = 30 * time.Second

	// DefaultMaxTTL is the maximum accepted token lifetime. Tokens minted
	// with a longer exp-iat span are rejected even when their signature
	// verifies.
	DefaultMaxTTL = 24 * time.Hour
)

// ValidatorConfig configures a Validator.
type ValidatorConfig struct {
	// Algorithm is the single accepted signing algorithm, HS256 or RS256.
	// Tokens declaring any other algorithm are rejected.
	Algorithm string

	// Secret is the shared HMAC secret. Required for HS256.
	Secret []byte

	// KeySource resolves RSA public keys by key ID. Required for RS256.
	KeySource KeySource

	// Issuer, when set, must match the iss claim exactly.
	Issuer string

	// Audience, when set, must be present in the aud claim.
	Audience string

	// ClockSkew is the tolerance for time-based checks.
	ClockSkew time.Duration

	// MaxTTL caps the accepted exp-iat span. Zero means DefaultMaxTTL.
	MaxTTL time.Duration
}

// Validator verifies bearer tokens and produces validated claims.
type Validator struct {
	cfg    ValidatorConfig
	logger observability.Logger
	clock  func() time.Time
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithValidatorLogger sets the logger.
func WithValidatorLogger(logger observability.Logger) ValidatorOption {
	return func(v *Validator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// withValidatorClock overrides time for tests.
func withValidatorClock(clock func() time.Time) ValidatorOption {
	return func(v *Validator) {
		v.clock = clock
	}
}

// NewValidator creates a token validator for the configured algorithm.
func NewValidator(cfg ValidatorConfig, opts ...ValidatorOption) (*Validator, error) {
	switch cfg.Algorithm {
	case AlgHS256:
		if len(cfg.Secret) == 0 {
			return nil, errors.New("jwt: HS256 requires a secret")
		}
	case AlgRS256:
		if cfg.KeySource == nil {
			return nil, errors.New("jwt: RS256 requires a key source")
		}
	default:
		return nil, NewValidationError("unsupported algorithm "+cfg.Algorithm, ErrUnsupportedAlgorithm)
	}

	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = DefaultClockSkew
	}
	if cfg.MaxTTL <= 0 {
		cfg.MaxTTL = DefaultMaxTTL
	}

	v := &Validator{
		cfg:    cfg,
		logger: observability.NopLogger(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// header is the decoded JOSE header.
type header struct {
	Algorithm string `json:"alg"`
	KeyID     string `json:"kid"`
	Type      string `json:"typ"`
}

// Verify checks the token's signature and registered claims and returns the
// validated claim set.
func (v *Validator) Verify(ctx context.Context, token string) (*Claims, error) {
	if token == "" {
		return nil, ErrEmptyToken
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, NewValidationError("token is not a compact JWS", ErrTokenMalformed)
	}

	headerBytes, err := decodeSegment(parts[0])
	if err != nil {
		return nil, NewValidationError("decoding token header", ErrTokenMalformed)
	}
	var hdr header
	if err := json.Unmarshal(headerBytes, &hdr); err != nil {
		return nil, NewValidationError("parsing token header", ErrTokenMalformed)
	}

	if hdr.Algorithm != v.cfg.Algorithm {
		return nil, NewValidationError("token algorithm "+hdr.Algorithm+" not accepted", ErrUnsupportedAlgorithm)
	}

	signature, err := decodeSegment(parts[2])
	if err != nil {
		return nil, NewValidationError("decoding token signature", ErrTokenMalformed)
	}
	signingInput := token[:len(parts[0])+1+len(parts[1])]

	switch v.cfg.Algorithm {
	case AlgHS256:
		if err := v.verifyHMAC(signingInput, signature); err != nil {
			return nil, err
		}
	case AlgRS256:
		if err := v.verifyRSA(ctx, hdr.KeyID, signingInput, signature); err != nil {
			return nil, err
		}
	}

	payloadBytes, err := decodeSegment(parts[1])
	if err != nil {
		return nil, NewValidationError("decoding token payload", ErrTokenMalformed)
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return nil, NewValidationError("parsing token payload", ErrTokenMalformed)
	}

	claims := ParseClaims(payload)
	if err := v.checkClaims(claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// verifyHMAC checks an HS256 signature against the shared secret.
func (v *Validator) verifyHMAC(signingInput string, signature []byte) error {
	mac := hmac.New(sha256.New, v.cfg.Secret)
	mac.Write([]byte(signingInput))
	expected := mac.Sum(nil)

	if subtle.ConstantTimeCompare(expected, signature) != 1 {
		return NewValidationError("signature mismatch", ErrTokenInvalidSignature)
	}
	return nil
}

// verifyRSA checks an RS256 signature. When the key ID is not in the cached
// key set the source is refreshed exactly once before failing, so a freshly
// rotated key is picked up.
func (v *Validator) verifyRSA(ctx context.Context, kid, signingInput string, signature []byte) error {
	key, err := v.cfg.KeySource.Resolve(ctx, kid)
	if errors.Is(err, ErrKeyNotFound) {
		if refreshErr := v.cfg.KeySource.Refresh(ctx); refreshErr != nil {
			v.logger.Warn("key set refresh failed",
				observability.String("kid", kid),
				observability.Error(refreshErr))
			return NewKeyError(kid, "refreshing key set", ErrKeyUnavailable)
		}
		key, err = v.cfg.KeySource.Resolve(ctx, kid)
	}
	if err != nil {
		return err
	}

	digest := sha256.Sum256([]byte(signingInput))
	if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], signature); err != nil {
		return NewValidationError("signature mismatch", ErrTokenInvalidSignature)
	}
	return nil
}

// checkClaims validates registered claims against the configured policy.
func (v *Validator) checkClaims(claims *Claims) error {
	now := v.clock()

	if claims.ExpiresAt == nil {
		return NewValidationError("missing exp claim", ErrTokenMalformed)
	}
	if claims.IssuedAt == nil {
		return NewValidationError("missing iat claim", ErrTokenMalformed)
	}

	if now.After(claims.ExpiresAt.Add(v.cfg.ClockSkew)) {
		return NewValidationError("token is expired", ErrTokenExpired)
	}
	if claims.IssuedAt.After(now.Add(v.cfg.ClockSkew)) {
		return NewValidationError("token issued in the future", ErrTokenNotYetValid)
	}
	if claims.NotBefore != nil && claims.NotBefore.After(now.Add(v.cfg.ClockSkew)) {
		return NewValidationError("token not yet valid", ErrTokenNotYetValid)
	}

	if ttl := claims.ExpiresAt.Sub(claims.IssuedAt.Time); ttl > v.cfg.MaxTTL {
		return NewValidationError("token lifetime exceeds maximum", ErrTokenTTLExceeded)
	}

	if v.cfg.Issuer != "" && claims.Issuer != v.cfg.Issuer {
		return NewValidationError("issuer mismatch", ErrTokenInvalidIssuer)
	}
	if v.cfg.Audience != "" && !claims.Audience.Contains(v.cfg.Audience) {
		return NewValidationError("audience mismatch", ErrTokenInvalidAudience)
	}
	return nil
}
