package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// JWTVerifier validates HS256 bearer tokens issued by the marketplace and
// extracts the principal from the subject (or a legacy "userId" claim).
type JWTVerifier struct {
	secret []byte
	issuer string
}

// NewJWTVerifier constructs a verifier. Issuer is optional; when set, tokens
// with a different "iss" claim are rejected.
func NewJWTVerifier(secret []byte, issuer string) (*JWTVerifier, error) {
	if len(secret) < 32 {
		return nil, errors.New("auth: jwt secret must be at least 32 bytes")
	}
	return &JWTVerifier{secret: secret, issuer: issuer}, nil
}

type claims struct {
	jwt.RegisteredClaims
	UserID string `json:"userId,omitempty"`
}

// Verify parses and validates the token, returning the user ID it carries.
func (v *JWTVerifier) Verify(_ context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrInvalidToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var c claims
	_, err := jwt.ParseWithClaims(token, &c, func(_ *jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	userID := c.Subject
	if userID == "" {
		userID = c.UserID
	}
	if userID == "" {
		return "", fmt.Errorf("%w: no subject", ErrInvalidToken)
	}
	return userID, nil
}
