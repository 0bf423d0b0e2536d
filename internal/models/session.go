package models

import (
	"fmt"
)

type Status int

const (
	StatusUnauthenticated Status = iota
	StatusAuthenticating
	StatusAuthenticated
)

func (s Status) String() string {
	switch s {
	case StatusUnauthenticated:
		return "unauthenticated"
	case StatusAuthenticating:
		return "authenticating"
	case StatusAuthenticated:
		return "authenticated"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	for _, st := range []Status{StatusUnauthenticated, StatusAuthenticating, StatusAuthenticated} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown session status %q", text)
}

// Session is an immutable view on the session manager state
// User is nil unless Status is StatusAuthenticated
type Session struct {
	Status Status `json:"status"`
	User   *User  `json:"user"`
}

func (s Session) IsAuthenticated() bool {
	return s.Status == StatusAuthenticated && s.User != nil
}

// Challenge is a pending second factor login
// ID is opaque for the console, it is sent back verbatim with the code
type Challenge struct {
	ID     string `json:"id"`
	Detail string `json:"detail"`
}

// LoginResult tells whether login finished or requires the second factor.
// Nil Challenge means the session is established
type LoginResult struct {
	Challenge *Challenge
}

func (r LoginResult) RequiresOTP() bool {
	return r.Challenge != nil
}
