package token

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/driftmsg/chatbridge/internal/connection"
)

// Manager is the subset of the connection manager the refresher drives.
type Manager interface {
	RefreshToken(token string)
	OnAuth(fn func(connection.AuthEvent)) func()
}

// Source obtains a fresh bearer token, e.g. by re-reading a token file or
// calling a login endpoint.
type Source func(ctx context.Context) (string, error)

// RefresherConfig configures the token refresher.
type RefresherConfig struct {
	// Lead is how long before expiry a refresh is attempted.
	Lead time.Duration

	// RetryInterval is the wait after a failed refresh attempt.
	RetryInterval time.Duration
}

// DefaultRefresherConfig returns sensible defaults.
func DefaultRefresherConfig() RefresherConfig {
	return RefresherConfig{
		Lead:          time.Minute,
		RetryInterval: 10 * time.Second,
	}
}

// Refresher renews the manager's bearer token ahead of its expiry. Track
// schedules a renewal Lead before the tracked token expires; a server-side
// "expired" auth outcome triggers an immediate renewal.
type Refresher struct {
	cfg    RefresherConfig
	mgr    Manager
	source Source
	logger *slog.Logger

	mu        sync.Mutex
	timer     *time.Timer
	unsubAuth func()

	ctx    context.Context
	cancel context.CancelFunc
}

// NewRefresher creates a token refresher.
func NewRefresher(cfg RefresherConfig, mgr Manager, source Source, logger *slog.Logger) *Refresher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Lead == 0 {
		cfg.Lead = DefaultRefresherConfig().Lead
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = DefaultRefresherConfig().RetryInterval
	}
	return &Refresher{
		cfg:    cfg,
		mgr:    mgr,
		source: source,
		logger: logger,
	}
}

// Start begins watching auth outcomes.
func (r *Refresher) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.unsubAuth = r.mgr.OnAuth(func(ev connection.AuthEvent) {
		if ev.Status == connection.AuthExpired {
			r.logger.Info("token expired server-side, refreshing now")
			go r.refresh()
		}
	})
	return nil
}

// Stop cancels any scheduled refresh.
func (r *Refresher) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.unsubAuth != nil {
		r.unsubAuth()
	}
	r.mu.Lock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.mu.Unlock()
}

// Track schedules a refresh for the given token based on its expiry claim.
// Tokens without an expiry are left alone.
func (r *Refresher) Track(raw string) {
	ttl, ok := ExpiresIn(raw)
	if !ok {
		r.logger.Debug("token has no expiry, not scheduling refresh")
		return
	}

	wait := ttl - r.cfg.Lead
	if wait < 0 {
		wait = 0
	}

	r.mu.Lock()
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(wait, r.refresh)
	r.mu.Unlock()

	r.logger.Debug("token refresh scheduled", "in", wait, "ttl", ttl)
}

// refresh obtains a new token and hands it to the manager. On failure it
// retries after RetryInterval.
func (r *Refresher) refresh() {
	if r.ctx == nil || r.ctx.Err() != nil {
		return
	}

	tok, err := r.source(r.ctx)
	if err != nil {
		r.logger.Warn("token refresh failed", "error", err, "retry_in", r.cfg.RetryInterval)
		r.mu.Lock()
		if r.timer != nil {
			r.timer.Stop()
		}
		r.timer = time.AfterFunc(r.cfg.RetryInterval, r.refresh)
		r.mu.Unlock()
		return
	}

	r.mgr.RefreshToken(tok)
	r.logger.Info("token refreshed")
	r.Track(tok)
}
