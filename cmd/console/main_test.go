package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/bitguard/internal/apperrors"
	"github.com/nkiryanov/bitguard/internal/models"
	"github.com/nkiryanov/bitguard/internal/service/accounts"
	"github.com/nkiryanov/bitguard/internal/testutil"
)

const password = "StrongEnoughPassword"

func newAPI(t *testing.T) *testutil.FakeAPI {
	api := testutil.NewFakeAPI(t)
	api.AddAccount(testutil.FakeAccount{
		Password: password,
		User: models.User{
			ID:            1,
			Email:         "nk@example.com",
			Username:      "nk",
			IsSuperuser:   true,
			Subscriptions: []models.Subscription{{ProductID: "crm", Plan: "CRM", Status: models.SubscriptionTrial}},
		},
	})
	api.AddAccount(testutil.FakeAccount{
		Password: password,
		OTP:      "123456",
		User:     models.User{ID: 2, Email: "otp@example.com", Username: "otp"},
	})
	return api
}

// console runs one invocation, as if user typed it in shell
type console func(args ...string) (string, error)

func newConsole(t *testing.T, api *testutil.FakeAPI, flags ...string) console {
	dir := t.TempDir()
	base := append([]string{
		"--api-url", api.BaseURL,
		"--credentials-path", filepath.Join(dir, "credentials.json"),
		"--log-level", "error",
	}, flags...)

	return func(args ...string) (string, error) {
		var out bytes.Buffer
		err := run(t.Context(),
			func(string) string { return "" },
			func() (string, error) { return dir, nil },
			append(args, base...),
			&out,
		)
		return out.String(), err
	}
}

func TestRun_Session(t *testing.T) {
	t.Run("login, trial, access, logout", func(t *testing.T) {
		api := newAPI(t)
		c := newConsole(t, api)

		out, err := c("login", "--email", "nk@example.com", "--password", password)
		require.NoError(t, err)
		require.Equal(t, "Logged in as nk (nk@example.com) [admin]\n", out)

		// Every run is a fresh page load, session resumed from stored credentials
		out, err = c("whoami")
		require.NoError(t, err)
		require.Contains(t, out, "Logged in as nk")
		require.Contains(t, out, "crm")
		require.Contains(t, out, "trial")

		out, err = c("access", "crm")
		require.NoError(t, err)
		require.Equal(t, "Access to crm granted\n", out)

		out, err = c("access", "erp")
		require.ErrorIs(t, err, errAccessDenied)
		require.Equal(t, "Access to erp denied, see /store?product=erp\n", out)

		out, err = c("trial", "erp")
		require.NoError(t, err)
		require.Equal(t, "Trial started for erp\n", out)

		_, err = c("access", "erp")
		require.NoError(t, err)

		out, err = c("logout")
		require.NoError(t, err)
		require.Equal(t, "Logged out\n", out)

		out, err = c("whoami")
		require.NoError(t, err)
		require.Equal(t, "Not logged in\n", out)

		_, err = c("access", "crm")
		require.ErrorIs(t, err, errAccessDenied, "no session, no access")
	})

	t.Run("second factor", func(t *testing.T) {
		api := newAPI(t)
		c := newConsole(t, api)

		out, err := c("login", "--email", "otp@example.com", "--password", password)
		require.NoError(t, err)
		require.Contains(t, out, "2FA is enabled")
		require.Contains(t, out, "--challenge 2")

		out, err = c("whoami")
		require.NoError(t, err)
		require.Equal(t, "Not logged in\n", out, "no session until code verified")

		_, err = c("verify-otp", "--challenge", "2", "--code", "000000")
		var apiErr *accounts.Error
		require.True(t, errors.As(err, &apiErr))
		require.Equal(t, "Invalid or expired code", apiErr.Detail)

		out, err = c("verify-otp", "--challenge", "2", "--code", "123456")
		require.NoError(t, err)
		require.Equal(t, "Logged in as otp (otp@example.com)\n", out)
	})

	t.Run("wrong password", func(t *testing.T) {
		api := newAPI(t)
		c := newConsole(t, api)

		_, err := c("login", "--email", "nk@example.com", "--password", "wrong")

		var apiErr *accounts.Error
		require.True(t, errors.As(err, &apiErr))
		require.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	})

	t.Run("register", func(t *testing.T) {
		api := newAPI(t)
		c := newConsole(t, api)

		out, err := c("register", "--username", "new", "--email", "new@example.com", "--password", password)
		require.NoError(t, err)
		require.Equal(t, "Registered new (new@example.com). Log in to continue\n", out)

		out, err = c("whoami")
		require.NoError(t, err)
		require.Equal(t, "Not logged in\n", out)
	})

	t.Run("expired access renewed on resume", func(t *testing.T) {
		api := newAPI(t)
		c := newConsole(t, api)
		_, err := c("login", "--email", "nk@example.com", "--password", password)
		require.NoError(t, err)
		api.ExpireAccess()

		out, err := c("whoami")

		require.NoError(t, err)
		require.Contains(t, out, "Logged in as nk")
		require.Equal(t, 1, api.Calls("/api/"+accounts.PathRefresh))
	})

	t.Run("revoked refresh ends session", func(t *testing.T) {
		api := newAPI(t)
		c := newConsole(t, api)
		_, err := c("login", "--email", "nk@example.com", "--password", password)
		require.NoError(t, err)
		api.ExpireAccess()
		api.RevokeRefresh()

		out, err := c("whoami", "--json")

		require.NoError(t, err)
		require.JSONEq(t, `{"status": "unauthenticated", "user": null}`, out)

		api.ExpireAccess()
		_, err = c("whoami")
		require.NoError(t, err)
		require.Equal(t, 1, api.Calls("/api/"+accounts.PathRefresh), "credentials are gone, nothing to renew")
	})

	t.Run("sealed credentials", func(t *testing.T) {
		api := newAPI(t)
		dir := t.TempDir()
		path := filepath.Join(dir, "sealed.json")
		c := newConsole(t, api, "--credentials-path", path, "--secret-key", "secret")

		_, err := c("login", "--email", "nk@example.com", "--password", password)
		require.NoError(t, err)

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		require.NotContains(t, string(data), "refresh_token")

		out, err := c("whoami")
		require.NoError(t, err)
		require.Contains(t, out, "Logged in as nk")
	})
}

func TestRun_Backends(t *testing.T) {
	tests := []struct {
		name  string
		flags func(t *testing.T) []string
	}{
		{
			name: "postgres",
			flags: func(t *testing.T) []string {
				pg := testutil.StartPostgresContainer(t)
				t.Cleanup(pg.Terminate)
				return []string{"--credentials-backend", "postgres", "--database", pg.DSN}
			},
		},
		{
			name: "redis",
			flags: func(t *testing.T) []string {
				rd := testutil.StartRedisContainer(t)
				t.Cleanup(rd.Terminate)
				return []string{"--credentials-backend", "redis", "--redis-address", rd.Addr}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newAPI(t)
			c := newConsole(t, api, tt.flags(t)...)

			_, err := c("login", "--email", "nk@example.com", "--password", password)
			require.NoError(t, err)

			out, err := c("whoami")
			require.NoError(t, err)
			require.Contains(t, out, "Logged in as nk")

			// Profiles do not see each other
			out, err = c("whoami", "--profile", "other")
			require.NoError(t, err)
			require.Equal(t, "Not logged in\n", out)

			_, err = c("logout")
			require.NoError(t, err)
			out, err = c("whoami")
			require.NoError(t, err)
			require.Equal(t, "Not logged in\n", out)
		})
	}
}

func TestRun_Serve(t *testing.T) {
	api := newAPI(t)

	port, err := testutil.RandomPort()
	require.NoError(t, err, "failed to get random port to start server")
	listenAddr := fmt.Sprintf("localhost:%d", port)

	t.Run("serves until stopped", func(t *testing.T) {
		ctx, cancel := context.WithCancel(t.Context())
		t.Cleanup(cancel)

		done := make(chan error, 1)
		go func() {
			done <- run(ctx, os.Getenv, os.Getwd, []string{
				"serve", "--ephemeral",
				"--address", listenAddr,
				"--api-url", api.BaseURL,
				"--log-level", "error",
			}, &bytes.Buffer{})
		}()

		require.Eventually(t, func() bool {
			resp, err := http.Get("http://" + listenAddr + "/api/session")
			if err != nil {
				return false
			}
			defer resp.Body.Close() // nolint:errcheck
			return resp.StatusCode == http.StatusOK
		}, 5*time.Second, 50*time.Millisecond, "server should answer")

		cancel()

		select {
		case err := <-done:
			require.NoError(t, err, "on correct stop should not return error")
		case <-time.After(10 * time.Second):
			t.Fatal("server not stopped")
		}
	})

	t.Run("stop with srv error", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(t.Context(), 500*time.Millisecond) // Half Second
		t.Cleanup(cancel)

		// Try to run with unknown backend. Must fail
		err := run(ctx, os.Getenv, os.Getwd, []string{
			"serve",
			"--address", listenAddr,
			"--api-url", api.BaseURL,
			"--credentials-backend", "mongo",
		}, &bytes.Buffer{})

		require.ErrorIs(t, err, apperrors.ErrInvalidConfig)
	})
}

func TestRun_Gensecret(t *testing.T) {
	var out bytes.Buffer

	err := run(t.Context(), func(string) string { return "" }, os.Getwd, []string{"gensecret"}, &out)

	require.NoError(t, err)
	key := strings.TrimSpace(out.String())
	require.Len(t, key, 2*secretKeyBytesLen)
	_, err = hex.DecodeString(key)
	require.NoError(t, err)
}
