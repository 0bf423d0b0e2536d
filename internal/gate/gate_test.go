package gate

import (
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/bitguard/internal/models"
)

func authenticated(subs ...models.Subscription) models.Session {
	return models.Session{Status: models.StatusAuthenticated, User: &models.User{ID: 1, Subscriptions: subs}}
}

func sub(product string, status models.SubscriptionStatus) models.Subscription {
	return models.Subscription{ProductID: product, Status: status}
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name     string
		product  string
		session  models.Session
		expected Decision
	}{
		{
			name:     "trial grants",
			product:  "crm",
			session:  authenticated(sub("crm", models.SubscriptionTrial)),
			expected: Decision{Outcome: OutcomeGrant},
		},
		{
			name:     "active grants",
			product:  "soc",
			session:  authenticated(sub("soc", models.SubscriptionActive)),
			expected: Decision{Outcome: OutcomeGrant},
		},
		{
			name:     "other product denies",
			product:  "erp",
			session:  authenticated(sub("crm", models.SubscriptionTrial)),
			expected: Decision{Outcome: OutcomeDeny, Redirect: "/store?product=erp"},
		},
		{
			name:     "past due denies",
			product:  "crm",
			session:  authenticated(sub("crm", models.SubscriptionPastDue)),
			expected: Decision{Outcome: OutcomeDeny, Redirect: "/store?product=crm"},
		},
		{
			name:     "unknown status denies",
			product:  "crm",
			session:  authenticated(sub("crm", "expired")),
			expected: Decision{Outcome: OutcomeDeny, Redirect: "/store?product=crm"},
		},
		{
			name:     "no subscriptions denies",
			product:  "crm",
			session:  authenticated(),
			expected: Decision{Outcome: OutcomeDeny, Redirect: "/store?product=crm"},
		},
		{
			name:     "no user denies",
			product:  "crm",
			session:  models.Session{Status: models.StatusUnauthenticated},
			expected: Decision{Outcome: OutcomeDeny, Redirect: "/store?product=crm"},
		},
		{
			name:     "authenticating waits",
			product:  "crm",
			session:  models.Session{Status: models.StatusAuthenticating},
			expected: Decision{Outcome: OutcomeWait},
		},
		{
			name:     "status case ignored",
			product:  "crm",
			session:  authenticated(sub("crm", "ACTIVE")),
			expected: Decision{Outcome: OutcomeGrant},
		},
		{
			name:     "product escaped in redirect",
			product:  "a&b c",
			session:  authenticated(),
			expected: Decision{Outcome: OutcomeDeny, Redirect: "/store?product=a%26b+c"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expected, Decide(tt.product, tt.session))
		})
	}
}

func TestMatch(t *testing.T) {
	t.Run("active preferred over earlier expired", func(t *testing.T) {
		subs := []models.Subscription{sub("crm", "expired"), sub("crm", models.SubscriptionActive)}

		got, ok := Match(subs, "crm")

		require.True(t, ok)
		require.Equal(t, models.SubscriptionActive, got.Status)
	})

	t.Run("active preferred over trial", func(t *testing.T) {
		subs := []models.Subscription{sub("crm", models.SubscriptionTrial), sub("crm", models.SubscriptionActive)}

		got, _ := Match(subs, "crm")

		require.Equal(t, models.SubscriptionActive, got.Status)
	})

	t.Run("list order among equals", func(t *testing.T) {
		subs := []models.Subscription{
			{ProductID: "crm", Plan: "first", Status: models.SubscriptionCanceled},
			{ProductID: "crm", Plan: "second", Status: models.SubscriptionPastDue},
		}

		got, _ := Match(subs, "crm")

		require.Equal(t, "first", got.Plan)
	})

	t.Run("order does not change decision", func(t *testing.T) {
		subs := []models.Subscription{sub("crm", models.SubscriptionActive), sub("crm", "expired"), sub("crm", models.SubscriptionTrial)}
		reversed := slices.Clone(subs)
		slices.Reverse(reversed)

		a, _ := Match(subs, "crm")
		b, _ := Match(reversed, "crm")

		require.Equal(t, a, b)
	})

	t.Run("not found", func(t *testing.T) {
		_, ok := Match([]models.Subscription{sub("soc", models.SubscriptionActive)}, "crm")

		require.False(t, ok)
	})
}

// Granted if and only if some entry for the product is active or trial
func TestDecide_GrantProperty(t *testing.T) {
	products := []string{"crm", "erp", "soc"}
	statuses := []models.SubscriptionStatus{
		models.SubscriptionActive,
		models.SubscriptionTrial,
		models.SubscriptionPastDue,
		models.SubscriptionCanceled,
		models.SubscriptionIncomplete,
		"expired",
	}
	rnd := rand.New(rand.NewPCG(1, 2))

	for range 1000 {
		subs := make([]models.Subscription, rnd.IntN(5))
		for i := range subs {
			subs[i] = sub(products[rnd.IntN(len(products))], statuses[rnd.IntN(len(statuses))])
		}
		product := products[rnd.IntN(len(products))]

		expected := slices.ContainsFunc(subs, func(s models.Subscription) bool {
			return s.ProductID == product && (s.Status == models.SubscriptionActive || s.Status == models.SubscriptionTrial)
		})

		d := Decide(product, authenticated(subs...))

		require.Equal(t, expected, d.Outcome == OutcomeGrant, "product %s, subscriptions %v", product, subs)
		if !expected {
			require.Contains(t, d.Redirect, "product="+product)
		}
	}
}

func TestGate_UpsellPath(t *testing.T) {
	g := New("/billing/plans", nil)

	d := g.Decide("erp", authenticated())

	require.Equal(t, "/billing/plans?product=erp", d.Redirect)
	require.Equal(t, DefaultUpsellPath+"?product=erp", New("", nil).Decide("erp", authenticated()).Redirect)
}
