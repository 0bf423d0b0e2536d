package apperrors

import (
	"errors"
)

var (
	ErrCredentialsNotFound = errors.New("credentials not found")
	ErrPartialCredentials  = errors.New("credentials must have both access and refresh token")
	ErrCredentialsSealed   = errors.New("credentials are sealed with another secret key")
	ErrCredentialsChanged  = errors.New("stored credentials changed")

	ErrNoRefreshToken  = errors.New("no refresh token to renew session")
	ErrRenewalRejected = errors.New("token renewal rejected")
	ErrSessionExpired  = errors.New("session expired, login required")

	ErrNotAuthenticated = errors.New("not authenticated")
	ErrUnexpectedReply  = errors.New("unexpected response from api")

	ErrInvalidRequest = errors.New("invalid request")
	ErrInvalidConfig  = errors.New("invalid configuration")
)
