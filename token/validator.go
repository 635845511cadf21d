package token

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/upb/authgate/jwks"
)

// MaxClockSkew is the largest accepted clock skew tolerance
const MaxClockSkew = 300 * time.Second

// supportedAlgorithms maps every verifiable algorithm to the key type it needs
var supportedAlgorithms = map[string]string{
	"RS256": jwks.KeyTypeRSA,
	"RS384": jwks.KeyTypeRSA,
	"RS512": jwks.KeyTypeRSA,
	"PS256": jwks.KeyTypeRSA,
	"PS384": jwks.KeyTypeRSA,
	"PS512": jwks.KeyTypeRSA,
	"ES256": jwks.KeyTypeEC,
	"ES384": jwks.KeyTypeEC,
	"ES512": jwks.KeyTypeEC,
	"EdDSA": jwks.KeyTypeOKP,
}

// KeyResolver looks up verification keys by key id
type KeyResolver interface {
	Resolve(ctx context.Context, kid string) (jwks.SigningKey, error)
}

// Config is the immutable validation policy
type Config struct {
	Issuer            string
	Audience          string
	ClockSkew         time.Duration
	AllowedAlgorithms []string
}

// DefaultConfig returns a Config with the default algorithm and skew
func DefaultConfig(issuer, audience string) Config {
	return Config{
		Issuer:            issuer,
		Audience:          audience,
		ClockSkew:         60 * time.Second,
		AllowedAlgorithms: []string{"RS256"},
	}
}

// Validate checks the policy itself
func (c Config) Validate() error {
	if c.Issuer == "" {
		return errors.New("issuer is required")
	}
	if c.Audience == "" {
		return errors.New("audience is required")
	}
	if c.ClockSkew < 0 || c.ClockSkew > MaxClockSkew {
		return fmt.Errorf("clock skew must be between 0 and %s", MaxClockSkew)
	}
	if len(c.AllowedAlgorithms) == 0 {
		return errors.New("at least one allowed algorithm is required")
	}
	for _, alg := range c.AllowedAlgorithms {
		if _, ok := supportedAlgorithms[alg]; !ok {
			return fmt.Errorf("algorithm %q is not a supported asymmetric algorithm", alg)
		}
	}
	return nil
}

// Validator verifies bearer tokens against a Config using keys from a
// KeyResolver. It holds no mutable state and is safe for concurrent use.
type Validator struct {
	cfg     Config
	allowed map[string]struct{}
	keys    KeyResolver
	parser  *jwt.Parser
	now     func() time.Time
}

// Option configures a Validator
type Option func(*Validator)

// WithClock overrides the time source used for the validity window
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// NewValidator creates a Validator. The config is copied.
func NewValidator(cfg Config, keys KeyResolver, opts ...Option) (*Validator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid token config: %w", err)
	}
	if keys == nil {
		return nil, errors.New("key resolver is required")
	}

	cfg.AllowedAlgorithms = append([]string(nil), cfg.AllowedAlgorithms...)
	allowed := make(map[string]struct{}, len(cfg.AllowedAlgorithms))
	for _, alg := range cfg.AllowedAlgorithms {
		allowed[alg] = struct{}{}
	}

	v := &Validator{
		cfg:     cfg,
		allowed: allowed,
		keys:    keys,
		parser:  jwt.NewParser(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Config returns the validation policy
func (v *Validator) Config() Config { return v.cfg }

// Validate runs the validation pipeline on a raw token. Every failure is a
// *Rejection; checks run in a fixed order and stop at the first failure.
func (v *Validator) Validate(ctx context.Context, raw string) (*Principal, error) {
	if raw == "" {
		return nil, Reject(ReasonMalformed, errors.New("empty token"))
	}

	// Structure
	claims := jwt.MapClaims{}
	tok, parts, err := v.parser.ParseUnverified(raw, claims)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenUnverifiable) {
			return nil, Reject(ReasonAlgorithmNotAllowed, err)
		}
		return nil, Reject(ReasonMalformed, err)
	}
	alg := tok.Method.Alg()
	if _, ok := v.allowed[alg]; !ok {
		return nil, Reject(ReasonAlgorithmNotAllowed, fmt.Errorf("alg %q", alg))
	}
	sig, err := v.parser.DecodeSegment(parts[2])
	if err != nil || len(sig) == 0 {
		return nil, Reject(ReasonMalformed, errors.New("invalid signature encoding"))
	}

	// Key
	kid, _ := tok.Header["kid"].(string)
	if kid == "" {
		return nil, Reject(ReasonUnknownKey, errors.New("missing kid header"))
	}
	key, err := v.keys.Resolve(ctx, kid)
	if err != nil {
		if errors.Is(err, jwks.ErrKeyNotFound) {
			return nil, Reject(ReasonUnknownKey, err)
		}
		return nil, Reject(ReasonKeyResolutionFailed, err)
	}
	if err := checkKeyAlgorithm(key, alg); err != nil {
		return nil, Reject(ReasonAlgorithmNotAllowed, err)
	}

	// Signature
	signingString := strings.Join(parts[:2], ".")
	if err := tok.Method.Verify(signingString, sig, key.Key); err != nil {
		return nil, Reject(ReasonBadSignature, err)
	}

	// Claims
	if err := v.checkIssuer(claims); err != nil {
		return nil, err
	}
	if err := v.checkAudience(claims); err != nil {
		return nil, err
	}
	if err := v.checkTimeWindow(claims); err != nil {
		return nil, err
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, Reject(ReasonMalformed, errors.New("missing sub"))
	}

	return &Principal{Subject: sub, Claims: claims}, nil
}

// checkKeyAlgorithm rejects algorithm substitution: the token's alg must
// belong to the key's family and match the alg the key was published for.
func checkKeyAlgorithm(key jwks.SigningKey, alg string) error {
	if supportedAlgorithms[alg] != key.KeyType {
		return fmt.Errorf("alg %q cannot be used with %s key %q", alg, key.KeyType, key.KeyID)
	}
	if key.Algorithm != "" && key.Algorithm != alg {
		return fmt.Errorf("key %q is published for %q, token uses %q", key.KeyID, key.Algorithm, alg)
	}
	return nil
}

func (v *Validator) checkIssuer(claims jwt.MapClaims) error {
	iss, err := claims.GetIssuer()
	if err != nil {
		return Reject(ReasonMalformed, err)
	}
	if iss != v.cfg.Issuer {
		return Reject(ReasonIssuerMismatch, fmt.Errorf("got %q", iss))
	}
	return nil
}

func (v *Validator) checkAudience(claims jwt.MapClaims) error {
	aud, err := claims.GetAudience()
	if err != nil {
		return Reject(ReasonMalformed, err)
	}
	for _, a := range aud {
		if a == v.cfg.Audience {
			return nil
		}
	}
	return Reject(ReasonAudienceMismatch, fmt.Errorf("got %v", []string(aud)))
}

func (v *Validator) checkTimeWindow(claims jwt.MapClaims) error {
	now := v.now()
	skew := v.cfg.ClockSkew

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return Reject(ReasonMalformed, err)
	}
	if exp == nil {
		return Reject(ReasonExpired, errors.New("missing exp"))
	}
	if !now.Before(exp.Add(skew)) {
		return Reject(ReasonExpired, fmt.Errorf("expired at %s", exp.UTC().Format(time.RFC3339)))
	}

	nbf, err := claims.GetNotBefore()
	if err != nil {
		return Reject(ReasonMalformed, err)
	}
	if nbf != nil && now.Before(nbf.Add(-skew)) {
		return Reject(ReasonNotYetValid, fmt.Errorf("not before %s", nbf.UTC().Format(time.RFC3339)))
	}

	iat, err := claims.GetIssuedAt()
	if err != nil {
		return Reject(ReasonMalformed, err)
	}
	if iat != nil && iat.After(now.Add(skew)) {
		return Reject(ReasonNotYetValid, fmt.Errorf("issued at %s", iat.UTC().Format(time.RFC3339)))
	}
	return nil
}
