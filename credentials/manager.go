package credentials

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wolfeidau/audionix/telemetry"
)

// DefaultRefreshInterval keeps tokens renewed well inside Dropbox's four
// hour validity window.
const DefaultRefreshInterval = 3 * time.Hour

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Provider performs the exchange.
	Provider TokenProvider

	// Secret is the long-lived value handed to Provider, usually a refresh token.
	Secret string

	// Interval is how often the token is renewed.
	// Default is 3 hours.
	Interval time.Duration

	// Logger for refresh events.
	Logger *slog.Logger
}

// Manager keeps an access token fresh by exchanging the configured secret
// on a fixed interval. Failed refreshes keep the previous token.
type Manager struct {
	config ManagerConfig
	logger *slog.Logger
	now    func() time.Time

	tokenMu sync.RWMutex
	token   Token

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewManager creates a credential manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultRefreshInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		config: cfg,
		logger: cfg.Logger.With("component", "credentials"),
		now:    time.Now,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start performs the first refresh and then renews on the ticker until Stop
// is called or ctx is cancelled. A failed first refresh is logged, not
// returned; Current reports false until a later refresh succeeds.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped || m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.mu.Unlock()

	m.Refresh(ctx)

	go m.run(ctx)
	return nil
}

// Stop halts the refresh ticker and waits for it to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running || m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Refresh(ctx)
		}
	}
}

// Refresh runs one exchange and reports whether it succeeded.
func (m *Manager) Refresh(ctx context.Context) bool {
	start := m.now()
	tok, err := m.config.Provider.Exchange(ctx, m.config.Secret)
	if err != nil {
		telemetry.RecordTokenRefresh(ctx, "error")
		_, stillValid := m.Current()
		m.logger.Error("token refresh failed", "error", err, "previous_valid", stillValid)
		return false
	}

	m.tokenMu.Lock()
	m.token = *tok
	m.tokenMu.Unlock()

	telemetry.RecordTokenRefresh(ctx, "success")
	m.logger.Info("token refreshed",
		"expires_at", tok.ExpiresAt,
		"duration", m.now().Sub(start),
	)
	return true
}

// Current returns the token, reporting false before the first successful
// refresh or once the token has expired.
func (m *Manager) Current() (Token, bool) {
	m.tokenMu.RLock()
	tok := m.token
	m.tokenMu.RUnlock()

	if !tok.Valid(m.now()) {
		return Token{}, false
	}
	return tok, true
}

// AccessToken returns the bearer value of the current token.
func (m *Manager) AccessToken() (string, bool) {
	tok, ok := m.Current()
	return tok.AccessToken, ok
}
