// Package token mints and verifies the short-lived signed capability tokens
// vended by the gateway.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MaxTTL caps token lifetime so a leaked token has a bounded blast radius.
const MaxTTL = 15 * time.Minute

// Verification and minting failures.
var (
	ErrTokenExpired     = errors.New("token expired")
	ErrInvalidSignature = errors.New("invalid token signature")
	ErrMalformedToken   = errors.New("malformed token")
	ErrScopeMismatch    = errors.New("token scope mismatch")
	ErrInvalidTTL       = errors.New("invalid token ttl")
	ErrInvalidConfig    = errors.New("invalid token config")
)

// Claims is the verified token payload.
type Claims struct {
	Subject   string
	Scope     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type jwtClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// Issuer mints and verifies symmetric-key-signed tokens.
type Issuer struct {
	signingKey []byte
	issuer     string
	nowFn      func() time.Time
}

// IssuerOption configures an Issuer.
type IssuerOption func(*Issuer)

// WithClock overrides the issuer clock.
func WithClock(now func() time.Time) IssuerOption {
	return func(issuer *Issuer) {
		issuer.nowFn = now
	}
}

// NewIssuer wires an Issuer.
func NewIssuer(signingKey []byte, issuerName string, options ...IssuerOption) (*Issuer, error) {
	if len(signingKey) == 0 {
		return nil, fmt.Errorf("%w: signing key is required", ErrInvalidConfig)
	}
	issuer := &Issuer{
		signingKey: signingKey,
		issuer:     issuerName,
		nowFn:      time.Now,
	}
	for _, option := range options {
		if option != nil {
			option(issuer)
		}
	}
	return issuer, nil
}

// Mint signs a token for subject restricted to scope. TTL must be positive
// and no longer than MaxTTL.
func (issuer *Issuer) Mint(subject string, scope string, ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 || ttl > MaxTTL {
		return "", time.Time{}, fmt.Errorf("%w: ttl must be in (0, %s]", ErrInvalidTTL, MaxTTL)
	}
	now := issuer.nowFn().UTC()
	expiresAt := now.Add(ttl)
	claims := jwtClaims{
		Scope: scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(issuer.signingKey)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Verify checks signature and expiry, and when requiredScope is non-empty,
// that the token carries it.
func (issuer *Issuer) Verify(tokenString string, requiredScope string) (Claims, error) {
	var claims jwtClaims
	parsed, err := jwt.ParseWithClaims(tokenString, &claims, func(parsedToken *jwt.Token) (interface{}, error) {
		if _, ok := parsedToken.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("%w: unexpected signing method %v", ErrInvalidSignature, parsedToken.Header["alg"])
		}
		return issuer.signingKey, nil
	}, jwt.WithTimeFunc(issuer.nowFn))
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return Claims{}, ErrTokenExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return Claims{}, ErrInvalidSignature
		default:
			return Claims{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
		}
	}
	if !parsed.Valid {
		return Claims{}, ErrInvalidSignature
	}
	if requiredScope != "" && claims.Scope != requiredScope {
		return Claims{}, fmt.Errorf("%w: need %q", ErrScopeMismatch, requiredScope)
	}
	result := Claims{
		Subject: claims.Subject,
		Scope:   claims.Scope,
	}
	if claims.IssuedAt != nil {
		result.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		result.ExpiresAt = claims.ExpiresAt.Time
	}
	return result, nil
}
