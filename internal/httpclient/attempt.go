package httpclient

import (
	"context"
	"net/http"
)

// Attempt tells whether request is sent for the first time or replayed after renewal.
// A request is replayed at most once
type Attempt int

const (
	AttemptFirst  Attempt = 0
	AttemptReplay Attempt = 1
)

type attemptKey struct{}

func withAttempt(ctx context.Context, a Attempt) context.Context {
	return context.WithValue(ctx, attemptKey{}, a)
}

// AttemptFrom returns request attempt stored in context, AttemptFirst if none
func AttemptFrom(ctx context.Context) Attempt {
	a, _ := ctx.Value(attemptKey{}).(Attempt)
	return a
}

// Action is what transport does with received response
type Action int

const (
	ActionPass   Action = iota // give response to the caller as is
	ActionRenew                // renew access token and replay request
	ActionLogout               // drop credentials and give response to the caller
)

func (a Action) String() string {
	switch a {
	case ActionPass:
		return "pass"
	case ActionRenew:
		return "renew"
	case ActionLogout:
		return "logout"
	default:
		return "unknown"
	}
}

// Decide what to do with response status.
// Only 401 is handled: first attempt with refresh token renews, anything else is terminal
func Decide(status int, attempt Attempt, hasRefresh bool) Action {
	switch {
	case status != http.StatusUnauthorized:
		return ActionPass
	case attempt != AttemptFirst:
		return ActionLogout
	case !hasRefresh:
		return ActionLogout
	default:
		return ActionRenew
	}
}
