package session

import (
	"context"
)

type ctxKey string

const managerKey ctxKey = "session"

// Create a new context with the session manager
func NewContext(ctx context.Context, m *Manager) context.Context {
	return context.WithValue(ctx, managerKey, m)
}

// Extract the session manager from the context
func FromContext(ctx context.Context) (*Manager, bool) {
	m, ok := ctx.Value(managerKey).(*Manager)
	return m, ok && m != nil
}
