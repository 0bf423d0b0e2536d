// Package gate decides whether the current session may enter a product section.
package gate

import (
	"net/url"
	"strings"

	"github.com/nkiryanov/bitguard/internal/metrics"
	"github.com/nkiryanov/bitguard/internal/models"
)

const DefaultUpsellPath = "/store"

type Outcome int

const (
	OutcomeWait  Outcome = iota // session is being established, no decision yet
	OutcomeGrant                // entitled subscription found
	OutcomeDeny                 // send user to upsell page
)

func (o Outcome) String() string {
	switch o {
	case OutcomeWait:
		return "wait"
	case OutcomeGrant:
		return "grant"
	case OutcomeDeny:
		return "deny"
	default:
		return "unknown"
	}
}

type Decision struct {
	Outcome Outcome

	// Upsell location with product parameter, set on deny only
	Redirect string
}

type Gate struct {
	upsellPath string
	metrics    *metrics.Metrics
}

func New(upsellPath string, m *metrics.Metrics) *Gate {
	if upsellPath == "" {
		upsellPath = DefaultUpsellPath
	}
	return &Gate{upsellPath: upsellPath, metrics: m}
}

// Decide is pure: no calls, no state changes besides counting the outcome
func (g *Gate) Decide(product string, s models.Session) Decision {
	d := decide(product, s, g.upsellPath)
	g.metrics.GateDecision(product, d.Outcome.String())
	return d
}

// Decide with default upsell path
func Decide(product string, s models.Session) Decision {
	return decide(product, s, DefaultUpsellPath)
}

func decide(product string, s models.Session, upsellPath string) Decision {
	if s.Status == models.StatusAuthenticating {
		return Decision{Outcome: OutcomeWait}
	}

	if s.IsAuthenticated() {
		if sub, ok := Match(s.User.Subscriptions, product); ok && Entitled(sub.Status) {
			return Decision{Outcome: OutcomeGrant}
		}
	}

	return Decision{Outcome: OutcomeDeny, Redirect: UpsellURL(upsellPath, product)}
}

// Match picks authoritative subscription for product.
// Among duplicates active wins over trial, trial over anything else; equal ranks keep list order
func Match(subs []models.Subscription, product string) (models.Subscription, bool) {
	var (
		best  models.Subscription
		found bool
	)

	for _, sub := range subs {
		if sub.ProductID != product {
			continue
		}
		if !found || rank(sub.Status) > rank(best.Status) {
			best, found = sub, true
		}
	}

	return best, found
}

// Entitled tells whether subscription status opens product sections
func Entitled(status models.SubscriptionStatus) bool {
	return rank(status) > 0
}

func rank(status models.SubscriptionStatus) int {
	switch models.SubscriptionStatus(strings.ToLower(string(status))) {
	case models.SubscriptionActive:
		return 2
	case models.SubscriptionTrial:
		return 1
	default:
		return 0
	}
}

func UpsellURL(path string, product string) string {
	return path + "?" + url.Values{"product": {product}}.Encode()
}
