// Package httpclient attaches stored access token to outgoing requests
// and transparently restores the session when the api answers 401.
package httpclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/nkiryanov/bitguard/internal/apperrors"
	"github.com/nkiryanov/bitguard/internal/credstore"
	"github.com/nkiryanov/bitguard/internal/logger"
	"github.com/nkiryanov/bitguard/internal/metrics"
	"github.com/nkiryanov/bitguard/internal/models"
)

const (
	tracerName = "github.com/nkiryanov/bitguard/internal/httpclient"

	RequestIDHeader = "X-Request-ID"

	defaultRenewTimeout = 10 * time.Second

	// Larger bodies without GetBody are streamed and never replayed
	maxReplayBody = 1 << 20
)

// Renewer exchanges refresh token for new access token.
// It must not send requests through Transport itself.
// Returned Refresh is empty unless the api rotated it
type Renewer interface {
	Renew(ctx context.Context, refresh string) (models.Credentials, error)
}

type Option func(*Transport)

func WithBase(rt http.RoundTripper) Option {
	return func(t *Transport) { t.base = rt }
}

func WithLogger(l logger.Logger) Option {
	return func(t *Transport) { t.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Transport) { t.metrics = m }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(t *Transport) { t.tracer = tp.Tracer(tracerName) }
}

func WithRenewTimeout(d time.Duration) Option {
	return func(t *Transport) { t.renewTimeout = d }
}

// Transport is http.RoundTripper with bearer token injection and one-time renewal on 401
type Transport struct {
	store   credstore.Store
	renewer Renewer

	base         http.RoundTripper
	logger       logger.Logger
	metrics      *metrics.Metrics
	tracer       trace.Tracer
	renewTimeout time.Duration

	// Concurrent renewals of the same refresh token share one api call
	renewals singleflight.Group

	mu        sync.RWMutex
	onExpired func(ctx context.Context)
}

func NewTransport(store credstore.Store, renewer Renewer, opts ...Option) *Transport {
	t := &Transport{
		store:        store,
		renewer:      renewer,
		base:         http.DefaultTransport,
		logger:       logger.NewNoOpLogger(),
		tracer:       otel.Tracer(tracerName),
		renewTimeout: defaultRenewTimeout,
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// OnExpired sets hook called after credentials dropped because session could not be restored
func (t *Transport) OnExpired(fn func(ctx context.Context)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onExpired = fn
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	attempt := AttemptFrom(ctx)

	body, replayable, err := rewindableBody(req, maxReplayBody)
	if err != nil {
		return nil, err
	}

	sent, err := t.load(ctx)
	if err != nil {
		return nil, err
	}

	out := req.Clone(ctx)
	out.Body = body()
	if sent.Valid() {
		out.Header.Set("Authorization", "Bearer "+sent.Access)
	}
	if out.Header.Get(RequestIDHeader) == "" {
		out.Header.Set(RequestIDHeader, uuid.NewString())
	}

	resp, err := t.base.RoundTrip(out)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	// Somebody may have renewed token while request was in flight
	current, err := t.load(ctx)
	if err != nil {
		return resp, nil
	}

	switch Decide(resp.StatusCode, attempt, current.Refresh != "") {
	case ActionPass:
		return resp, nil
	case ActionLogout:
		t.expire(ctx, "unauthorized", "attempt", int(attempt), "has_refresh", current.Refresh != "")
		return resp, nil
	}

	if current.Access == sent.Access {
		_, err = t.renew(ctx, current.Refresh)

		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			drain(resp)
			return nil, err
		case errors.Is(err, apperrors.ErrCredentialsChanged):
			t.logger.Info("session changed during renewal, request not replayed", "url", req.URL.String())
			return resp, nil
		case err != nil:
			t.expire(ctx, "renewal failed", "error", err)
			return resp, nil
		}
	} else {
		t.metrics.Renewal(metrics.RenewalShared)
	}

	// Logout may have happened while waiting for renewal
	latest, err := t.load(ctx)
	if err != nil || !latest.Valid() {
		return resp, nil
	}

	if !replayable {
		t.logger.Info("request body too large to replay", "url", req.URL.String())
		return resp, nil
	}

	drain(resp)

	replay := req.WithContext(withAttempt(ctx, AttemptReplay))
	replay.Body = body()
	t.metrics.Replay()
	t.logger.Debug("replaying request", "method", req.Method, "url", req.URL.String())

	return t.RoundTrip(replay)
}

// Missing credentials are not an error: request goes without Authorization header
func (t *Transport) load(ctx context.Context) (models.Credentials, error) {
	creds, err := t.store.Load(ctx)
	switch {
	case err == nil:
		return creds, nil
	case errors.Is(err, apperrors.ErrCredentialsNotFound):
		return models.Credentials{}, nil
	default:
		return models.Credentials{}, fmt.Errorf("can't load credentials. Err: %w", err)
	}
}

func (t *Transport) renew(ctx context.Context, refresh string) (models.Credentials, error) {
	ch := t.renewals.DoChan(refresh, func() (any, error) {
		// One caller leaving must not fail renewal for the others
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.renewTimeout)
		defer cancel()

		rctx, span := t.tracer.Start(rctx, "httpclient.renew")
		defer span.End()

		creds, err := t.renewer.Renew(rctx, refresh)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())

			if errors.Is(err, apperrors.ErrRenewalRejected) {
				t.metrics.Renewal(metrics.RenewalRejected)
			} else {
				t.metrics.Renewal(metrics.RenewalError)
			}
			return models.Credentials{}, err
		}

		rotated := creds.Refresh != ""
		if !rotated {
			creds.Refresh = refresh
		}
		span.SetAttributes(attribute.Bool("refresh.rotated", rotated))

		// Logout or another login during the call wins: renewed token is dropped
		err = t.store.Replace(rctx, refresh, creds)
		if errors.Is(err, apperrors.ErrCredentialsChanged) {
			span.SetStatus(codes.Error, "session changed")
			t.metrics.Renewal(metrics.RenewalDiscarded)
			return models.Credentials{}, err
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			t.metrics.Renewal(metrics.RenewalError)
			return models.Credentials{}, fmt.Errorf("can't save renewed credentials. Err: %w", err)
		}

		t.metrics.Renewal(metrics.RenewalSuccess)
		t.logger.Info("access token renewed", "refresh_rotated", rotated)
		return creds, nil
	})

	select {
	case <-ctx.Done():
		return models.Credentials{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return models.Credentials{}, res.Err
		}
		return res.Val.(models.Credentials), nil
	}
}

func (t *Transport) expire(ctx context.Context, reason string, args ...any) {
	if err := t.store.Clear(ctx); err != nil {
		t.logger.Error("can't clear credentials", "error", err)
	}

	t.metrics.ForcedLogout()
	t.logger.Warn("session terminated, login required", append([]any{"reason", reason}, args...)...)

	t.mu.RLock()
	hook := t.onExpired
	t.mu.RUnlock()

	if hook != nil {
		hook(ctx)
	}
}

// rewindableBody returns function giving fresh copy of request body on every call,
// so the replay sends exactly the same payload.
// Bodies without GetBody are buffered up to limit bytes, a longer one is streamed once and reported not replayable
func rewindableBody(req *http.Request, limit int64) (func() io.ReadCloser, bool, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return func() io.ReadCloser { return req.Body }, true, nil
	}

	if req.GetBody != nil {
		first := true
		return func() io.ReadCloser {
			if first {
				first = false
				return req.Body
			}
			body, err := req.GetBody()
			if err != nil {
				return io.NopCloser(errReader{err})
			}
			return body
		}, true, nil
	}

	data, err := io.ReadAll(io.LimitReader(req.Body, limit+1))
	if err != nil {
		_ = req.Body.Close()
		return nil, false, fmt.Errorf("can't read request body. Err: %w", err)
	}

	if int64(len(data)) > limit {
		streamed := false
		return func() io.ReadCloser {
			if streamed {
				return io.NopCloser(errReader{errBodyConsumed})
			}
			streamed = true
			return readCloser{Reader: io.MultiReader(bytes.NewReader(data), req.Body), Closer: req.Body}
		}, false, nil
	}

	_ = req.Body.Close()
	return func() io.ReadCloser {
		return io.NopCloser(bytes.NewReader(data))
	}, true, nil
}

var errBodyConsumed = errors.New("request body already sent")

type readCloser struct {
	io.Reader
	io.Closer
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
