package models

import (
	"slices"
	"time"
)

type SubscriptionStatus string

const (
	SubscriptionActive     SubscriptionStatus = "active"
	SubscriptionTrial      SubscriptionStatus = "trial"
	SubscriptionPastDue    SubscriptionStatus = "past_due"
	SubscriptionCanceled   SubscriptionStatus = "canceled"
	SubscriptionIncomplete SubscriptionStatus = "incomplete"
)

type Subscription struct {
	ProductID string             `json:"productId"`
	Plan      string             `json:"plan"`
	Status    SubscriptionStatus `json:"status"`
	ExpiresAt *time.Time         `json:"expires_at"`
}

// User is the snapshot of the authenticated user as returned by the accounts api.
// It is replaced wholesale, never patched field by field
type User struct {
	ID            int64          `json:"id"`
	Username      string         `json:"username"`
	Email         string         `json:"email"`
	FirstName     string         `json:"first_name"`
	LastName      string         `json:"last_name"`
	PhoneNumber   string         `json:"phone_number"`
	IsVerified    bool           `json:"is_verified"`
	IsStaff       bool           `json:"is_staff"`
	IsSuperuser   bool           `json:"is_superuser"`
	Permissions   []string       `json:"permissions"`
	Subscriptions []Subscription `json:"subscriptions"`
}

func (u *User) IsAdmin() bool {
	return u.IsStaff || u.IsSuperuser
}

// Clone returns deep copy of the user, so callers can't mutate a shared snapshot
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}

	c := *u
	c.Permissions = slices.Clone(u.Permissions)
	c.Subscriptions = make([]Subscription, len(u.Subscriptions))
	for i, s := range u.Subscriptions {
		if s.ExpiresAt != nil {
			t := *s.ExpiresAt
			s.ExpiresAt = &t
		}
		c.Subscriptions[i] = s
	}

	return &c
}
