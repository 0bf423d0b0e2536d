// Package session owns authentication state of the console and the snapshot of the current user.
//
// State moves Unauthenticated -> Authenticating -> Authenticated and back.
// Every state change bumps an epoch; results of calls started in an older epoch are dropped,
// so a logout wins over requests that were in flight when it happened.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nkiryanov/bitguard/internal/apperrors"
	"github.com/nkiryanov/bitguard/internal/credstore"
	"github.com/nkiryanov/bitguard/internal/logger"
	"github.com/nkiryanov/bitguard/internal/models"
	"github.com/nkiryanov/bitguard/internal/service/accounts"
)

type API interface {
	Login(ctx context.Context, email string, password string) (accounts.LoginReply, error)
	VerifyOTP(ctx context.Context, challengeID string, code string) (models.Credentials, error)
	Register(ctx context.Context, req accounts.RegisterRequest) (models.User, error)
	CurrentUser(ctx context.Context) (models.User, error)
	StartTrial(ctx context.Context, productID string) error
}

// TrialResult reports trial activation. It is returned instead of an error,
// so callers render feedback inline
type TrialResult struct {
	Success bool
	Err     error
}

type Option func(*Manager)

// WithLoginRedirect sets function called when session ends without user asking,
// it should send user to login entry point
func WithLoginRedirect(fn func(ctx context.Context)) Option {
	return func(m *Manager) { m.toLogin = fn }
}

type Manager struct {
	store  credstore.Store
	api    API
	logger logger.Logger

	toLogin func(ctx context.Context)

	mu    sync.RWMutex
	state models.Session
	epoch uint64
	// Current epoch was started by Login or VerifyOTP, not by resuming stored credentials
	loggingIn bool
}

func NewManager(store credstore.Store, api API, l logger.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		api:    api,
		logger: l,
		state:  models.Session{Status: models.StatusUnauthenticated},
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Snapshot returns copy of current state, callers may keep it
func (m *Manager) Snapshot() models.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return models.Session{Status: m.state.Status, User: m.state.User.Clone()}
}

// Bootstrap resumes session from stored credentials.
// It always ends in Authenticated or Unauthenticated
func (m *Manager) Bootstrap(ctx context.Context) models.Session {
	_, err := m.store.Load(ctx)
	switch {
	case errors.Is(err, apperrors.ErrCredentialsNotFound):
		m.logger.Debug("No stored credentials, starting unauthenticated")
		return m.Snapshot()
	case err != nil:
		m.logger.Warn("Can't load credentials, starting unauthenticated", "error", err)
		return m.Snapshot()
	}

	epoch := m.begin(false)
	if err := m.fetchUser(ctx, epoch); err != nil {
		m.logger.Warn("Can't resume session", "error", err)
	}

	return m.Snapshot()
}

// Login authenticates with email and password. Previously stored session is dropped first,
// so whatever the outcome the next Bootstrap never resumes it.
// If the account has second factor enabled, result holds the challenge, no tokens are stored
// and session stays Unauthenticated until VerifyOTP succeeds
func (m *Manager) Login(ctx context.Context, email string, password string) (models.LoginResult, error) {
	epoch, err := m.beginLogin(ctx)
	if err != nil {
		return models.LoginResult{}, err
	}

	reply, err := m.api.Login(ctx, email, password)
	if err != nil {
		m.finish(epoch, nil)
		return models.LoginResult{}, fmt.Errorf("login failed: %w", err)
	}

	if reply.Challenge != nil {
		m.finish(epoch, nil)
		m.logger.Info("Second factor required", "challenge", reply.Challenge.ID)
		return models.LoginResult{Challenge: reply.Challenge}, nil
	}

	if err := m.establish(ctx, epoch, reply.Credentials); err != nil {
		return models.LoginResult{}, err
	}

	return models.LoginResult{}, nil
}

// VerifyOTP finishes login started by Login that returned a challenge
func (m *Manager) VerifyOTP(ctx context.Context, challengeID string, code string) error {
	epoch, err := m.beginLogin(ctx)
	if err != nil {
		return err
	}

	creds, err := m.api.VerifyOTP(ctx, challengeID, code)
	if err != nil {
		m.finish(epoch, nil)
		return fmt.Errorf("otp verification failed: %w", err)
	}

	return m.establish(ctx, epoch, creds)
}

// Register creates account. It does not log in
func (m *Manager) Register(ctx context.Context, req accounts.RegisterRequest) (models.User, error) {
	return m.api.Register(ctx, req)
}

// Logout drops credentials and user. Calling it without session is fine
func (m *Manager) Logout(ctx context.Context) error {
	m.reset()

	if err := m.store.Clear(ctx); err != nil {
		return fmt.Errorf("can't clear credentials: %w", err)
	}

	m.logger.Info("Logged out")
	return nil
}

// Expire is called by http client when the session could not be restored.
// Credentials are already cleared at that point.
// User is sent to login only if there was a session to lose: a 401 answering login itself means wrong credentials
func (m *Manager) Expire(ctx context.Context) {
	m.mu.RLock()
	status, loggingIn := m.state.Status, m.loggingIn
	m.mu.RUnlock()

	if status == models.StatusUnauthenticated || loggingIn {
		return
	}

	m.reset()
	m.logger.Warn("Session expired")

	if m.toLogin != nil {
		m.toLogin(ctx)
	}
}

// StartTrial activates trial for product and refreshes user so the new subscription is visible
func (m *Manager) StartTrial(ctx context.Context, productID string) TrialResult {
	if !m.Snapshot().IsAuthenticated() {
		return TrialResult{Err: apperrors.ErrNotAuthenticated}
	}

	if err := m.api.StartTrial(ctx, productID); err != nil {
		m.logger.Warn("Trial start failed", "product", productID, "error", err)
		return TrialResult{Err: err}
	}

	if err := m.RefreshUser(ctx); err != nil {
		m.logger.Warn("Trial started, but user not refreshed", "product", productID, "error", err)
	}

	return TrialResult{Success: true}
}

// RefreshUser replaces user snapshot with a fresh one.
// On failure previous snapshot is kept
func (m *Manager) RefreshUser(ctx context.Context) error {
	m.mu.RLock()
	epoch, status := m.epoch, m.state.Status
	m.mu.RUnlock()

	if status != models.StatusAuthenticated {
		return apperrors.ErrNotAuthenticated
	}

	user, err := m.api.CurrentUser(ctx)
	if err != nil {
		return fmt.Errorf("can't fetch user: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch == epoch {
		m.state.User = &user
	}

	return nil
}

func (m *Manager) establish(ctx context.Context, epoch uint64, creds models.Credentials) error {
	if !m.current(epoch) {
		return apperrors.ErrSessionExpired
	}

	if err := m.store.Save(ctx, creds); err != nil {
		m.finish(epoch, nil)
		return fmt.Errorf("can't store credentials: %w", err)
	}

	return m.fetchUser(ctx, epoch)
}

func (m *Manager) fetchUser(ctx context.Context, epoch uint64) error {
	user, err := m.api.CurrentUser(ctx)
	if err != nil {
		m.finish(epoch, nil)
		return fmt.Errorf("can't fetch user: %w", err)
	}

	if !m.finish(epoch, &user) {
		return apperrors.ErrSessionExpired
	}

	m.logger.Info("Authenticated", "user_id", user.ID, "username", user.Username)
	return nil
}

// begin moves to Authenticating and starts new epoch
func (m *Manager) begin(loggingIn bool) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.epoch++
	m.state = models.Session{Status: models.StatusAuthenticating}
	m.loggingIn = loggingIn

	return m.epoch
}

func (m *Manager) beginLogin(ctx context.Context) (uint64, error) {
	epoch := m.begin(true)

	if err := m.store.Clear(ctx); err != nil {
		m.finish(epoch, nil)
		return 0, fmt.Errorf("can't clear previous credentials: %w", err)
	}

	return epoch, nil
}

// finish leaves Authenticating: with user to Authenticated, without to Unauthenticated.
// Does nothing and returns false if epoch is outdated
func (m *Manager) finish(epoch uint64, user *models.User) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.epoch != epoch {
		return false
	}
	m.loggingIn = false

	if user == nil {
		m.state = models.Session{Status: models.StatusUnauthenticated}
		return true
	}

	m.state = models.Session{Status: models.StatusAuthenticated, User: user}
	return true
}

func (m *Manager) current(epoch uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.epoch == epoch
}

func (m *Manager) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.epoch++
	m.state = models.Session{Status: models.StatusUnauthenticated}
	m.loggingIn = false
}
