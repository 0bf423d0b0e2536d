package handlers

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/bitguard/internal/apperrors"
	"github.com/nkiryanov/bitguard/internal/credstore"
	"github.com/nkiryanov/bitguard/internal/gate"
	"github.com/nkiryanov/bitguard/internal/httpclient"
	"github.com/nkiryanov/bitguard/internal/logger"
	"github.com/nkiryanov/bitguard/internal/metrics"
	"github.com/nkiryanov/bitguard/internal/models"
	"github.com/nkiryanov/bitguard/internal/service/accounts"
	"github.com/nkiryanov/bitguard/internal/session"
	"github.com/nkiryanov/bitguard/internal/testutil"
)

const (
	plainEmail = "nk@example.com"
	otpEmail   = "otp@example.com"
	password   = "StrongEnoughPassword"
)

type shell struct {
	api     *testutil.FakeAPI
	store   *credstore.MemoryStore
	manager *session.Manager
	url     string
	client  *http.Client
}

// Shell over fake accounts api with production session stack
func newShell(t *testing.T) shell {
	t.Helper()

	api := testutil.NewFakeAPI(t)
	api.AddAccount(testutil.FakeAccount{
		Password: password,
		User: models.User{
			ID:            1,
			Email:         plainEmail,
			Username:      "nk",
			IsStaff:       true,
			Subscriptions: []models.Subscription{{ProductID: "echo", Plan: "Echo", Status: models.SubscriptionTrial}},
		},
	})
	api.AddAccount(testutil.FakeAccount{
		Password: password,
		OTP:      "123456",
		User:     models.User{ID: 2, Email: otpEmail, Username: "otp"},
	})

	l := logger.NewNoOpLogger()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	store := credstore.NewMemoryStore()
	renewer := accounts.NewTokenRenewer(httpclient.NewRestyClient(api.BaseURL, nil, 0))
	transport := httpclient.NewTransport(store, renewer, httpclient.WithMetrics(m))
	client := accounts.NewClient(httpclient.NewRestyClient(api.BaseURL, transport, 0), l)
	manager := session.NewManager(store, client, l)
	transport.OnExpired(manager.Expire)

	proxy, err := NewProductProxy(api.BaseURL, transport, l)
	require.NoError(t, err)

	srv := httptest.NewServer(NewRouter(Deps{
		Manager:  manager,
		Gate:     gate.New("", m),
		Proxy:    proxy,
		Gatherer: reg,
		Logger:   l,
	}))
	t.Cleanup(srv.Close)

	return shell{
		api:     api,
		store:   store,
		manager: manager,
		url:     srv.URL,
		client: &http.Client{
			// Redirects are checked by tests
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
	}
}

func (s shell) do(t *testing.T, method string, path string, body string) (*http.Response, string) {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), method, s.url+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close() // nolint:errcheck

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp, string(data)
}

func (s shell) login(t *testing.T) {
	t.Helper()

	resp, body := s.do(t, http.MethodPost, "/api/login", `{"email": "`+plainEmail+`", "password": "`+password+`"}`)
	require.Equalf(t, http.StatusOK, resp.StatusCode, "login failed: %s", body)
}

func TestRouter_Session(t *testing.T) {
	t.Run("unauthenticated", func(t *testing.T) {
		s := newShell(t)

		resp, body := s.do(t, http.MethodGet, "/api/session", "")

		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.JSONEq(t, `{"status": "unauthenticated", "user": null, "isAdmin": false}`, body)
	})

	t.Run("login direct", func(t *testing.T) {
		s := newShell(t)

		resp, body := s.do(t, http.MethodPost, "/api/login", `{"email": "nk@example.com", "password": "StrongEnoughPassword"}`)

		require.Equalf(t, http.StatusOK, resp.StatusCode, "body: %s", body)
		var got SessionResponse
		require.NoError(t, json.Unmarshal([]byte(body), &got))
		require.Equal(t, models.StatusAuthenticated, s.manager.Snapshot().Status)
		require.True(t, got.IsAdmin)
		require.Equal(t, "nk", got.User.Username)
		require.Contains(t, body, `"status":"authenticated"`)

		creds, err := s.store.Load(t.Context())
		require.NoError(t, err)
		require.True(t, creds.Valid())
		require.NotContains(t, body, creds.Access, "tokens never leave the shell")
	})

	t.Run("login with second factor", func(t *testing.T) {
		s := newShell(t)

		resp, body := s.do(t, http.MethodPost, "/api/login", `{"email": "otp@example.com", "password": "StrongEnoughPassword"}`)

		require.Equalf(t, http.StatusAccepted, resp.StatusCode, "body: %s", body)
		var challenge ChallengeResponse
		require.NoError(t, json.Unmarshal([]byte(body), &challenge))
		require.Equal(t, "require_otp", challenge.Action)
		require.Equal(t, "2", challenge.ChallengeID)
		require.Equal(t, models.StatusUnauthenticated, s.manager.Snapshot().Status)

		resp, body = s.do(t, http.MethodPost, "/api/login/verify-otp", `{"challengeId": "2", "code": "000000"}`)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		require.JSONEq(t, `{"error": "backend_rejected", "message": "Bad Request", "detail": "Invalid or expired code"}`, body)

		resp, body = s.do(t, http.MethodPost, "/api/login/verify-otp", `{"challengeId": "2", "code": "123456"}`)
		require.Equalf(t, http.StatusOK, resp.StatusCode, "body: %s", body)
		require.Equal(t, models.StatusAuthenticated, s.manager.Snapshot().Status)
		require.Equal(t, "otp", s.manager.Snapshot().User.Username)
	})

	t.Run("login wrong password", func(t *testing.T) {
		s := newShell(t)

		resp, body := s.do(t, http.MethodPost, "/api/login", `{"email": "nk@example.com", "password": "wrong"}`)

		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		require.JSONEq(t, `{"error": "backend_rejected", "message": "Unauthorized", "detail": "No active account found with the given credentials"}`, body)
		require.Equal(t, models.StatusUnauthenticated, s.manager.Snapshot().Status)
	})

	t.Run("login invalid body", func(t *testing.T) {
		s := newShell(t)

		resp, body := s.do(t, http.MethodPost, "/api/login", `{"email": "nk"}`)

		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		require.JSONEq(t, `{
			"error": "validation_failed",
			"message": "Request validation failed",
			"fields": {
				"email": "Enter a valid email address",
				"password": "This field is required"
			}
		}`, body)
		require.Equal(t, 0, s.api.Calls("/api/"+accounts.PathLogin), "invalid request not sent")
	})

	t.Run("register does not log in", func(t *testing.T) {
		s := newShell(t)

		resp, body := s.do(t, http.MethodPost, "/api/register", `{
			"username": "new",
			"email": "new@example.com",
			"password": "StrongEnoughPassword",
			"firstName": "New"
		}`)

		require.Equalf(t, http.StatusCreated, resp.StatusCode, "body: %s", body)
		require.Contains(t, body, `"email":"new@example.com"`)
		require.Equal(t, models.StatusUnauthenticated, s.manager.Snapshot().Status)
	})

	t.Run("logout", func(t *testing.T) {
		s := newShell(t)
		s.login(t)

		resp, body := s.do(t, http.MethodPost, "/api/logout", "")

		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.JSONEq(t, `{"status": "unauthenticated", "user": null, "isAdmin": false}`, body)
		_, err := s.store.Load(t.Context())
		require.ErrorIs(t, err, apperrors.ErrCredentialsNotFound)

		resp, _ = s.do(t, http.MethodPost, "/api/logout", "")
		require.Equal(t, http.StatusOK, resp.StatusCode, "second logout is fine too")
	})
}

func TestRouter_Trial(t *testing.T) {
	t.Run("requires session", func(t *testing.T) {
		s := newShell(t)

		resp, _ := s.do(t, http.MethodPost, "/api/trial/crm", "")

		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		require.Equal(t, 0, s.api.Calls("/api/"+accounts.PathStartTrial))
	})

	t.Run("started", func(t *testing.T) {
		s := newShell(t)
		s.login(t)

		resp, body := s.do(t, http.MethodPost, "/api/trial/crm", "")

		require.Equalf(t, http.StatusOK, resp.StatusCode, "body: %s", body)
		require.Contains(t, body, `"success":true`)

		// New subscription opens the section right away
		resp, _ = s.do(t, http.MethodGet, "/app/crm/", "")
		require.NotEqual(t, http.StatusSeeOther, resp.StatusCode)
	})

	t.Run("already subscribed", func(t *testing.T) {
		s := newShell(t)
		s.login(t)

		resp, body := s.do(t, http.MethodPost, "/api/trial/echo", "")

		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		require.JSONEq(t, `{"error": "backend_rejected", "message": "Bad Request", "detail": "You already have a subscription for this plan"}`, body)
	})
}

func TestRouter_Products(t *testing.T) {
	type echoReply struct {
		Method string `json:"method"`
		Path   string `json:"path"`
		Query  string `json:"query"`
		UserID int64  `json:"user_id"`
	}

	t.Run("granted section proxied with credentials", func(t *testing.T) {
		s := newShell(t)
		s.login(t)

		resp, body := s.do(t, http.MethodGet, "/app/echo/reports/daily/?page=2", "")

		require.Equalf(t, http.StatusOK, resp.StatusCode, "body: %s", body)
		var got echoReply
		require.NoError(t, json.Unmarshal([]byte(body), &got))
		require.Equal(t, echoReply{Method: http.MethodGet, Path: "/api/echo/reports/daily/", Query: "page=2", UserID: 1}, got)
	})

	t.Run("expired access renewed on the way", func(t *testing.T) {
		s := newShell(t)
		s.login(t)
		s.api.ExpireAccess()

		resp, body := s.do(t, http.MethodPost, "/app/echo/", `{"name": "x"}`)

		require.Equalf(t, http.StatusOK, resp.StatusCode, "body: %s", body)
		require.Contains(t, body, `"body":{"name":"x"}`)
		require.Equal(t, 1, s.api.Calls("/api/"+accounts.PathRefresh))
	})

	t.Run("revoked refresh ends session", func(t *testing.T) {
		s := newShell(t)
		s.login(t)
		s.api.ExpireAccess()
		s.api.RevokeRefresh()

		resp, _ := s.do(t, http.MethodGet, "/app/echo/", "")

		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		require.Equal(t, models.StatusUnauthenticated, s.manager.Snapshot().Status)
		_, err := s.store.Load(t.Context())
		require.ErrorIs(t, err, apperrors.ErrCredentialsNotFound)
	})

	t.Run("not subscribed redirected to store", func(t *testing.T) {
		s := newShell(t)
		s.login(t)

		resp, _ := s.do(t, http.MethodGet, "/app/erp/", "")

		require.Equal(t, http.StatusSeeOther, resp.StatusCode)
		require.Equal(t, "/store?product=erp", resp.Header.Get("Location"))
		require.Equal(t, 0, s.api.Calls("/api/erp/"))
	})

	t.Run("dot segments can't leave granted section", func(t *testing.T) {
		paths := []string{
			"/app/echo/../teapot/",
			"/app/echo/reports/../../teapot/",
			"/app/echo/../../teapot/",
			"/app/echo/%2e%2e/teapot/",
			"/app/echo/%2E%2E/teapot/",
			"/app/echo/..%2Fteapot/",
			"/app/echo/reports%2F..%2F..%2Fteapot/",
		}

		for _, p := range paths {
			t.Run(p, func(t *testing.T) {
				s := newShell(t)
				s.login(t)

				resp, body := s.do(t, http.MethodGet, p, "")

				require.Equalf(t, http.StatusBadRequest, resp.StatusCode, "body: %s", body)
				require.JSONEq(t, `{"error": "service_error", "message": "Invalid product path"}`, body)
				require.Equal(t, 0, s.api.Calls("/api/teapot/"), "other product must not be called")
			})
		}
	})

	t.Run("encoded product never granted", func(t *testing.T) {
		s := newShell(t)
		s.login(t)

		resp, _ := s.do(t, http.MethodGet, "/app/..%2Fteapot/", "")

		require.Equal(t, http.StatusSeeOther, resp.StatusCode)
		require.Equal(t, 0, s.api.Calls("/api/teapot/"))
	})

	t.Run("unauthenticated redirected to store", func(t *testing.T) {
		s := newShell(t)

		resp, _ := s.do(t, http.MethodGet, "/app/echo", "")

		require.Equal(t, http.StatusSeeOther, resp.StatusCode)
		require.Equal(t, "/store?product=echo", resp.Header.Get("Location"))
	})
}

func TestRouter_Metrics(t *testing.T) {
	s := newShell(t)
	s.login(t)
	s.do(t, http.MethodGet, "/app/erp/", "")

	resp, body := s.do(t, http.MethodGet, "/metrics", "")

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, body, `console_gate_decisions_total{outcome="deny",product="erp"} 1`)
}
