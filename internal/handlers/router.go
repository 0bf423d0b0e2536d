package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nkiryanov/bitguard/internal/gate"
	"github.com/nkiryanov/bitguard/internal/handlers/middleware"
	"github.com/nkiryanov/bitguard/internal/logger"
	"github.com/nkiryanov/bitguard/internal/session"
)

type Deps struct {
	Manager  *session.Manager
	Gate     *gate.Gate
	Proxy    http.Handler // product sections, see NewProductProxy
	Gatherer prometheus.Gatherer
	Logger   logger.Logger
}

func NewRouter(d Deps) http.Handler {
	sh := NewSession(d.Logger)
	requireSession := middleware.RequireSession(d.Manager)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.LoggerMiddleware(d.Logger))
	r.Use(chimw.Recoverer)
	r.Use(middleware.InjectSession(d.Manager))

	r.Route("/api", func(r chi.Router) {
		r.Get("/session", sh.current)
		r.Post("/login", sh.login)
		r.Post("/login/verify-otp", sh.verifyOTP)
		r.Post("/register", sh.register)
		r.Post("/logout", sh.logout)
		r.With(requireSession).Post("/trial/{product}", sh.startTrial)
	})

	product := func(r *http.Request) string { return chi.URLParam(r, "product") }
	section := d.Gate.Middleware(product, d.Manager)(d.Proxy)
	r.Handle("/app/{product}", section)
	r.Handle("/app/{product}/*", section)

	if d.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	return r
}
