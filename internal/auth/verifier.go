// Package auth resolves externally issued bearer credentials to principal IDs.
//
// The messaging core trusts the resolved user ID; token issuance, sessions,
// and role checks all live upstream in the marketplace.
package auth

import (
	"context"
	"errors"
)

// ErrInvalidToken is returned for absent, malformed, or expired credentials.
var ErrInvalidToken = errors.New("auth: invalid token")

// TokenVerifier resolves a bearer token to an authenticated user ID.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (userID string, err error)
}

// StaticVerifier maps fixed tokens to user IDs. Dev and test use only.
type StaticVerifier map[string]string

// Verify resolves the token against the static map.
func (v StaticVerifier) Verify(_ context.Context, token string) (string, error) {
	userID, ok := v[token]
	if !ok || userID == "" {
		return "", ErrInvalidToken
	}
	return userID, nil
}
