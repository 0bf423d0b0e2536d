package models

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credentials is the token pair persisted between console runs
// Both halves are present or the pair is treated as absent
type Credentials struct {
	Access  string `json:"access_token"`
	Refresh string `json:"refresh_token"`
}

func (c Credentials) Valid() bool {
	return c.Access != "" && c.Refresh != ""
}

// AccessExpiresAt reads 'exp' claim of the access token without verifying its signature.
// The console does not own the signing key, so the value is informational only
func (c Credentials) AccessExpiresAt() (time.Time, error) {
	claims := jwt.RegisteredClaims{}
	_, _, err := jwt.NewParser().ParseUnverified(c.Access, &claims)
	if err != nil {
		return time.Time{}, fmt.Errorf("can't parse access token. Err: %w", err)
	}

	if claims.ExpiresAt == nil {
		return time.Time{}, fmt.Errorf("access token has no expiration claim")
	}

	return claims.ExpiresAt.Time, nil
}
