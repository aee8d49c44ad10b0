// Package auth issues and validates API tokens and hashes
// credentials.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config defines authentication configuration.
type Config struct {
	Secret   string        `yaml:"secret" json:"secret" mapstructure:"secret"`
	Issuer   string        `yaml:"issuer" json:"issuer" mapstructure:"issuer"`
	TokenTTL time.Duration `yaml:"token_ttl" json:"token_ttl" mapstructure:"token_ttl"`
}

// Claims are the JWT claims carried by API tokens.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// TokenManager signs and validates HS256 tokens.
type TokenManager struct {
	logger *zap.Logger
	secret []byte
	issuer string
	expiry time.Duration
}

// NewTokenManager creates a token manager. The signing secret is
// required.
func NewTokenManager(logger *zap.Logger, config Config) (*TokenManager, error) {
	if config.Secret == "" {
		return nil, errors.New("token secret is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Issuer == "" {
		config.Issuer = "kiroku"
	}
	if config.TokenTTL == 0 {
		config.TokenTTL = 15 * time.Minute
	}
	return &TokenManager{
		logger: logger.Named("auth"),
		secret: []byte(config.Secret),
		issuer: config.Issuer,
		expiry: config.TokenTTL,
	}, nil
}

// GenerateToken issues a signed token for username.
func (tm *TokenManager) GenerateToken(username string) (string, error) {
	now := time.Now()
	claims := Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tm.issuer,
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tm.expiry)),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(tm.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}

	tm.logger.Debug("Token issued",
		zap.String("username", username),
		zap.Duration("ttl", tm.expiry),
	)
	return signed, nil
}

// ValidateToken parses and verifies a token, returning its claims.
func (tm *TokenManager) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return tm.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithIssuer(tm.issuer))
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// Expiry returns the configured token lifetime.
func (tm *TokenManager) Expiry() time.Duration {
	return tm.expiry
}
