package gate

import (
	"net/http"

	"github.com/nkiryanov/bitguard/internal/models"
)

const waitPage = `<!doctype html>
<html><head><meta http-equiv="refresh" content="1"><title>Verifying access</title></head>
<body><p>Verifying access...</p></body></html>
`

type SessionSource interface {
	Snapshot() models.Session
}

// Middleware lets request through only if the session is entitled to the product.
// product extracts product id from request, e.g. from url param
func (g *Gate) Middleware(product func(*http.Request) string, source SessionSource) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := g.Decide(product(r), source.Snapshot())

			switch d.Outcome {
			case OutcomeGrant:
				next.ServeHTTP(w, r)
			case OutcomeWait:
				w.Header().Set("Content-Type", "text/html; charset=utf-8")
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusAccepted)
				_, _ = w.Write([]byte(waitPage))
			default:
				http.Redirect(w, r, d.Redirect, http.StatusSeeOther)
			}
		})
	}
}
