package testutil

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/nkiryanov/bitguard/internal/models"
)

const fakeSigningKey = "fake-api-secret"

// FakeAccount is a user known by FakeAPI
type FakeAccount struct {
	Password string

	// If set login requires second factor and this code is expected
	OTP string

	User models.User
}

// FakeAPI mimics accounts and store endpoints of the REST api the console talks to.
// Tokens it issues are real HS256 JWTs, but validity is tracked in memory,
// so tests may expire or revoke them at any moment
type FakeAPI struct {
	URL     string
	BaseURL string // URL with '/api/' suffix, as console expects

	mu       sync.Mutex
	accounts map[string]*FakeAccount // by email
	access   map[string]int64
	refresh  map[string]int64
	calls    map[string]int

	// Rotate refresh token on every renewal
	RotateRefresh bool

	// Delay answers of the refresh endpoint, lets concurrent requests pile up
	RefreshDelay time.Duration
}

func NewFakeAPI(t *testing.T) *FakeAPI {
	t.Helper()

	api := &FakeAPI{
		accounts: make(map[string]*FakeAccount),
		access:   make(map[string]int64),
		refresh:  make(map[string]int64),
		calls:    make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/accounts/login/", api.handleLogin)
	mux.HandleFunc("POST /api/accounts/login/verify-otp/", api.handleVerifyOTP)
	mux.HandleFunc("POST /api/accounts/register/", api.handleRegister)
	mux.HandleFunc("POST /api/accounts/token/refresh/", api.handleRefresh)
	mux.HandleFunc("GET /api/accounts/users/me/", api.withAuth(api.handleMe))
	mux.HandleFunc("POST /api/store/subscriptions/start_trial/", api.withAuth(api.handleStartTrial))
	mux.HandleFunc("/api/echo/", api.withAuth(api.handleEcho))
	mux.HandleFunc("GET /api/teapot/", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusTeapot, map[string]string{"detail": "short and stout"})
	})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		api.mu.Lock()
		api.calls[r.URL.Path]++
		api.mu.Unlock()

		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	api.URL = srv.URL
	api.BaseURL = srv.URL + "/api/"

	return api
}

func (api *FakeAPI) AddAccount(a FakeAccount) {
	api.mu.Lock()
	defer api.mu.Unlock()

	if a.User.ID == 0 {
		a.User.ID = int64(len(api.accounts) + 1)
	}
	api.accounts[a.User.Email] = &a
}

// Issue valid pair for user with given email, as if user logged in
func (api *FakeAPI) Issue(email string) models.Credentials {
	api.mu.Lock()
	defer api.mu.Unlock()

	return api.issue(api.accounts[email].User.ID)
}

// Invalidate every issued access token, refresh tokens still work
func (api *FakeAPI) ExpireAccess() {
	api.mu.Lock()
	defer api.mu.Unlock()

	api.access = make(map[string]int64)
}

// Invalidate every issued refresh token
func (api *FakeAPI) RevokeRefresh() {
	api.mu.Lock()
	defer api.mu.Unlock()

	api.refresh = make(map[string]int64)
}

// Number of requests received on path, e.g. '/api/accounts/token/refresh/'
func (api *FakeAPI) Calls(path string) int {
	api.mu.Lock()
	defer api.mu.Unlock()

	return api.calls[path]
}

func (api *FakeAPI) issue(userID int64) models.Credentials {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"jti":     uuid.NewString(),
		"user_id": userID,
		"iat":     now.Unix(),
		"exp":     now.Add(2 * time.Hour).Unix(),
	})
	access, err := token.SignedString([]byte(fakeSigningKey))
	if err != nil {
		panic(err)
	}

	b := make([]byte, 16)
	_, _ = rand.Read(b)
	refresh := hex.EncodeToString(b)

	api.access[access] = userID
	api.refresh[refresh] = userID

	return models.Credentials{Access: access, Refresh: refresh}
}

func (api *FakeAPI) withAuth(next func(http.ResponseWriter, *http.Request, int64)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		access, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")

		api.mu.Lock()
		userID, valid := api.access[access]
		api.mu.Unlock()

		if !ok || !valid {
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"detail": "Given token not valid for any token type",
				"code":   "token_not_valid",
			})
			return
		}

		next(w, r, userID)
	}
}

func (api *FakeAPI) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": err.Error()})
		return
	}

	api.mu.Lock()
	defer api.mu.Unlock()

	account, ok := api.accounts[req.Email]
	if !ok || account.Password != req.Password {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "No active account found with the given credentials"})
		return
	}

	if account.OTP != "" {
		writeJSON(w, http.StatusAccepted, map[string]any{
			"action":       "require_otp",
			"detail":       "2FA is enabled. Please enter the code sent to your email.",
			"temp_user_id": account.User.ID,
		})
		return
	}

	creds := api.issue(account.User.ID)
	writeJSON(w, http.StatusOK, map[string]string{"access": creds.Access, "refresh": creds.Refresh})
}

func (api *FakeAPI) handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
		Code   string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	api.mu.Lock()
	defer api.mu.Unlock()

	for _, account := range api.accounts {
		if strconv.FormatInt(account.User.ID, 10) == req.UserID && account.OTP != "" && account.OTP == req.Code {
			creds := api.issue(account.User.ID)
			writeJSON(w, http.StatusOK, map[string]string{"refresh": creds.Refresh, "access": creds.Access})
			return
		}
	}

	writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid or expired code"})
}

func (api *FakeAPI) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username  string `json:"username"`
		Email     string `json:"email"`
		Password  string `json:"password"`
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": err.Error()})
		return
	}

	api.mu.Lock()
	_, exists := api.accounts[req.Email]
	api.mu.Unlock()

	if exists {
		writeJSON(w, http.StatusBadRequest, map[string][]string{"email": {"user with this email already exists."}})
		return
	}

	user := models.User{Username: req.Username, Email: req.Email, FirstName: req.FirstName, LastName: req.LastName}
	api.AddAccount(FakeAccount{Password: req.Password, User: user})

	api.mu.Lock()
	created := api.accounts[req.Email].User
	api.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":         created.ID,
		"username":   created.Username,
		"email":      created.Email,
		"first_name": created.FirstName,
		"last_name":  created.LastName,
	})
}

func (api *FakeAPI) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if api.RefreshDelay > 0 {
		time.Sleep(api.RefreshDelay)
	}

	var req struct {
		Refresh string `json:"refresh"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": err.Error()})
		return
	}

	api.mu.Lock()
	defer api.mu.Unlock()

	userID, ok := api.refresh[req.Refresh]
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Token is invalid or expired", "code": "token_not_valid"})
		return
	}

	creds := api.issue(userID)
	if !api.RotateRefresh {
		delete(api.refresh, creds.Refresh)
		writeJSON(w, http.StatusOK, map[string]string{"access": creds.Access})
		return
	}

	delete(api.refresh, req.Refresh)
	writeJSON(w, http.StatusOK, map[string]string{"access": creds.Access, "refresh": creds.Refresh})
}

func (api *FakeAPI) handleMe(w http.ResponseWriter, _ *http.Request, userID int64) {
	api.mu.Lock()
	defer api.mu.Unlock()

	for _, account := range api.accounts {
		if account.User.ID == userID {
			writeJSON(w, http.StatusOK, account.User)
			return
		}
	}

	writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Not found."})
}

func (api *FakeAPI) handleStartTrial(w http.ResponseWriter, r *http.Request, userID int64) {
	var req struct {
		PlanID string `json:"plan_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PlanID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "plan_id is required"})
		return
	}

	api.mu.Lock()
	defer api.mu.Unlock()

	for _, account := range api.accounts {
		if account.User.ID != userID {
			continue
		}
		for _, s := range account.User.Subscriptions {
			if s.ProductID == req.PlanID {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "You already have a subscription for this plan"})
				return
			}
		}
		account.User.Subscriptions = append(account.User.Subscriptions, models.Subscription{
			ProductID: req.PlanID,
			Plan:      req.PlanID,
			Status:    models.SubscriptionTrial,
		})
		writeJSON(w, http.StatusCreated, map[string]string{"status": "trial started"})
		return
	}

	writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Not found."})
}

// Echo method, path and body back to the caller
func (api *FakeAPI) handleEcho(w http.ResponseWriter, r *http.Request, userID int64) {
	var body any
	_ = json.NewDecoder(r.Body).Decode(&body)

	writeJSON(w, http.StatusOK, map[string]any{
		"method":  r.Method,
		"path":    r.URL.Path,
		"query":   r.URL.RawQuery,
		"user_id": userID,
		"body":    body,
	})
}

func writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}
