package identity

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/venuescout/accessguard/pkg/access"
	"github.com/venuescout/accessguard/pkg/config"
)

// Claims carries the verifier output into an access request
type Claims struct {
	Role     string `json:"role"`
	MFA      bool   `json:"mfa"`
	DeviceID string `json:"device_id,omitempty"`
	jwt.RegisteredClaims
}

// Identity returns the token subject
func (c *Claims) Identity() string {
	return c.Subject
}

// Token is an issued bearer token
type Token struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresIn   int64     `json:"expires_in"`
	IssuedAt    time.Time `json:"issued_at"`
}

// TokenIssuer signs and validates HS256 bearer tokens
type TokenIssuer struct {
	secret   []byte
	ttl      time.Duration
	issuer   string
	audience string
	now      func() time.Time
}

// NewTokenIssuer creates an issuer from JWT settings
func NewTokenIssuer(cfg config.JWTConfig) *TokenIssuer {
	ttl := cfg.AccessTokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenIssuer{
		secret:   []byte(cfg.SecretKey),
		ttl:      ttl,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		now:      time.Now,
	}
}

// WithClock overrides the issuer's time source
func (ti *TokenIssuer) WithClock(now func() time.Time) *TokenIssuer {
	ti.now = now
	return ti
}

// Issue signs a token for identity
func (ti *TokenIssuer) Issue(identity, role string, mfa bool, deviceID string) (*Token, error) {
	now := ti.now()
	claims := &Claims{
		Role:     role,
		MFA:      mfa,
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ti.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    ti.issuer,
			Subject:   identity,
		},
	}
	if ti.audience != "" {
		claims.Audience = jwt.ClaimStrings{ti.audience}
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ti.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	return &Token{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int64(ti.ttl / time.Second),
		IssuedAt:    now,
	}, nil
}

// Parse validates a token and returns its claims
func (ti *TokenIssuer) Parse(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(ti.now),
		jwt.WithExpirationRequired(),
	}
	if ti.issuer != "" {
		opts = append(opts, jwt.WithIssuer(ti.issuer))
	}
	if ti.audience != "" {
		opts = append(opts, jwt.WithAudience(ti.audience))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return ti.secret, nil
	}, opts...)
	if err != nil {
		return nil, access.NewErrorWithCause(access.ErrorTypeAuth, access.ErrInvalidToken.Code, "failed to parse token", err)
	}
	if !token.Valid || claims.Subject == "" {
		return nil, access.ErrInvalidToken
	}
	return claims, nil
}
