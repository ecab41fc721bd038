// Package session manages credentials for brokers that authenticate through a
// locally reachable gateway process instead of OAuth2.
package session

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ksred/klear-broker/internal/config"
	"github.com/ksred/klear-broker/internal/credentials"
	"github.com/ksred/klear-broker/internal/metrics"
	"github.com/ksred/klear-broker/pkg/apperr"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const tokenTypeSession = "session"

// Session is an authenticated gateway session.
type Session struct {
	ID        string    `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type sessionCache struct {
	account   string
	contracts map[string]int64
}

// Manager tracks gateway sessions per user and keeps them alive.
type Manager struct {
	broker     string
	cfg        config.SessionConfig
	store      credentials.Store
	client     *http.Client
	limiter    *rate.Limiter
	now        func() time.Time
	newBackOff func() backoff.BackOff

	authMu sync.Mutex

	mu     sync.Mutex
	caches map[string]*sessionCache
	users  map[string]struct{}
}

type Option func(*Manager)

func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.client = c }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithBackOff sets the policy used while polling for re-authentication.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(m *Manager) { m.newBackOff = fn }
}

func NewManager(broker config.BrokerConfig, store credentials.Store, opts ...Option) (*Manager, error) {
	if broker.Session == nil {
		return nil, fmt.Errorf("broker %s has no session configuration", broker.ID)
	}
	cfg := *broker.Session

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		// The gateway serves a self signed certificate on localhost.
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	m := &Manager{
		broker:  broker.ID,
		cfg:     cfg,
		store:   store,
		client:  &http.Client{Timeout: 15 * time.Second, Transport: transport},
		limiter: rate.NewLimiter(limit, 1),
		now:     time.Now,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		},
		caches: make(map[string]*sessionCache),
		users:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Broker returns the broker identifier this manager serves.
func (m *Manager) Broker() string {
	return m.broker
}

func (m *Manager) logger(userID string) zerolog.Logger {
	return log.With().
		Str("component", "session_manager").
		Str("broker", m.broker).
		Str("user_id", userID).
		Logger()
}

// GetSession reuses the stored session when it is unexpired and the gateway
// confirms it is alive. Otherwise it re-authenticates.
func (m *Manager) GetSession(ctx context.Context, userID string) (*Session, error) {
	cred, err := m.store.Get(ctx, userID, m.broker)
	if err != nil {
		return nil, err
	}

	if cred != nil && cred.Active && m.now().Before(cred.ExpiresAt) {
		alive, err := m.alive(ctx)
		if err == nil && alive {
			m.track(userID)
			return &Session{ID: cred.AccessToken, ExpiresAt: cred.ExpiresAt}, nil
		}
		logger := m.logger(userID)
		logger.Info().Err(err).Msg("stored session no longer valid, re-authenticating")
	}

	return m.Authenticate(ctx, userID)
}

// AccessToken satisfies the broker credential manager contract.
func (m *Manager) AccessToken(ctx context.Context, userID string) (string, error) {
	s, err := m.GetSession(ctx, userID)
	if err != nil {
		return "", err
	}
	return s.ID, nil
}

// Authenticate asks the gateway to re-authenticate and waits for it to report
// an authenticated brokerage session.
func (m *Manager) Authenticate(ctx context.Context, userID string) (*Session, error) {
	m.authMu.Lock()
	defer m.authMu.Unlock()

	logger := m.logger(userID)

	if err := m.Do(ctx, http.MethodPost, "/iserver/reauthenticate", nil, nil); err != nil {
		metrics.SessionAuthentications.WithLabelValues(m.broker, "failed").Inc()
		return nil, err
	}

	policy := m.newBackOff()
	authenticated := false
	for attempt := 0; attempt < m.cfg.ReauthAttempts; attempt++ {
		ok, err := m.alive(ctx)
		if err == nil && ok {
			authenticated = true
			break
		}
		logger.Debug().Int("attempt", attempt+1).Err(err).Msg("gateway not authenticated yet")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(policy.NextBackOff()):
		}
	}
	if !authenticated {
		metrics.SessionAuthentications.WithLabelValues(m.broker, "failed").Inc()
		return nil, apperr.New(apperr.KindBrokerUnavailable, "broker gateway did not authenticate, log in to the gateway and retry")
	}

	id, err := m.tickle(ctx)
	if err != nil {
		metrics.SessionAuthentications.WithLabelValues(m.broker, "failed").Inc()
		return nil, err
	}

	if prev, _ := m.store.Get(ctx, userID, m.broker); prev != nil && prev.AccessToken != id {
		m.dropCache(prev.AccessToken)
	}

	s := &Session{ID: id, ExpiresAt: m.now().Add(m.cfg.SessionTTL)}
	if err := m.store.Upsert(ctx, &credentials.Credential{
		UserID:      userID,
		Broker:      m.broker,
		AccessToken: s.ID,
		ExpiresAt:   s.ExpiresAt,
		TokenType:   tokenTypeSession,
		Active:      true,
	}); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}

	m.track(userID)
	metrics.SessionAuthentications.WithLabelValues(m.broker, "success").Inc()
	logger.Info().Time("expires_at", s.ExpiresAt).Msg("gateway session established")
	return s, nil
}

// KeepAlive tickles the gateway for userID and extends the stored session. A
// failed tickle invalidates the session so the next GetSession re-authenticates.
func (m *Manager) KeepAlive(ctx context.Context, userID string) error {
	cred, err := m.store.Get(ctx, userID, m.broker)
	if err != nil {
		return err
	}
	if cred == nil || !cred.Active {
		m.untrack(userID)
		return nil
	}

	id, err := m.tickle(ctx)
	if err != nil {
		m.invalidate(ctx, userID, cred.AccessToken)
		return err
	}
	if id != cred.AccessToken {
		m.dropCache(cred.AccessToken)
	}

	cred.AccessToken = id
	cred.ExpiresAt = m.now().Add(m.cfg.SessionTTL)
	return m.store.Upsert(ctx, cred)
}

// Run keeps every tracked session alive until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	logger := log.With().Str("component", "session_keepalive").Str("broker", m.broker).Logger()
	logger.Info().Dur("interval", m.cfg.KeepAliveInterval).Msg("starting session keep-alive")

	ticker := time.NewTicker(m.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down session keep-alive")
			return
		case <-ticker.C:
			for _, userID := range m.trackedUsers() {
				if err := m.KeepAlive(ctx, userID); err != nil {
					logger.Warn().Err(err).Str("user_id", userID).Msg("keep-alive failed, session invalidated")
				}
			}
		}
	}
}

// Revoke logs out of the gateway and removes the stored session.
func (m *Manager) Revoke(ctx context.Context, userID string) error {
	cred, err := m.store.Get(ctx, userID, m.broker)
	if err != nil {
		return err
	}
	if err := m.Do(ctx, http.MethodPost, "/logout", nil, nil); err != nil {
		logger := m.logger(userID)
		logger.Warn().Err(err).Msg("gateway logout failed")
	}
	if cred != nil {
		m.dropCache(cred.AccessToken)
	}
	m.untrack(userID)
	return m.store.Delete(ctx, userID, m.broker)
}

type authStatus struct {
	Authenticated bool `json:"authenticated"`
	Connected     bool `json:"connected"`
	Competing     bool `json:"competing"`
}

func (m *Manager) alive(ctx context.Context) (bool, error) {
	var status authStatus
	if err := m.Do(ctx, http.MethodPost, "/iserver/auth/status", nil, &status); err != nil {
		return false, err
	}
	return status.Authenticated && status.Connected && !status.Competing, nil
}

type tickleResponse struct {
	Session string `json:"session"`
	Iserver struct {
		AuthStatus authStatus `json:"authStatus"`
	} `json:"iserver"`
}

func (m *Manager) tickle(ctx context.Context) (string, error) {
	var resp tickleResponse
	if err := m.Do(ctx, http.MethodPost, "/tickle", nil, &resp); err != nil {
		return "", err
	}
	if resp.Session == "" || !resp.Iserver.AuthStatus.Authenticated {
		return "", apperr.New(apperr.KindBrokerUnavailable, "broker gateway session is not authenticated")
	}
	return resp.Session, nil
}

func (m *Manager) invalidate(ctx context.Context, userID, sessionID string) {
	m.dropCache(sessionID)
	m.untrack(userID)
	if err := m.store.Deactivate(ctx, userID, m.broker); err != nil {
		logger := m.logger(userID)
		logger.Error().Err(err).Msg("failed to invalidate session")
	}
}

func (m *Manager) track(userID string) {
	m.mu.Lock()
	m.users[userID] = struct{}{}
	m.mu.Unlock()
}

func (m *Manager) untrack(userID string) {
	m.mu.Lock()
	delete(m.users, userID)
	m.mu.Unlock()
}

func (m *Manager) trackedUsers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	users := make([]string, 0, len(m.users))
	for u := range m.users {
		users = append(users, u)
	}
	return users
}

func (m *Manager) cache(sessionID string) *sessionCache {
	c, ok := m.caches[sessionID]
	if !ok {
		c = &sessionCache{contracts: make(map[string]int64)}
		m.caches[sessionID] = c
	}
	return c
}

func (m *Manager) dropCache(sessionID string) {
	m.mu.Lock()
	delete(m.caches, sessionID)
	m.mu.Unlock()
}

// Do sends a throttled JSON request to the gateway and decodes the response
// into out when it is non-nil.
func (m *Manager) Do(ctx context.Context, method, path string, body, out interface{}) error {
	if err := m.limiter.Wait(ctx); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}

	url := strings.TrimRight(m.cfg.GatewayURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return apperr.Wrap(apperr.KindBrokerUnavailable, "broker gateway unreachable", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return apperr.Wrap(apperr.KindBrokerUnavailable, "broker gateway read failed", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return apperr.New(apperr.KindBrokerUnavailable, "broker gateway session is not authenticated")
	case resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests:
		return apperr.Newf(apperr.KindBrokerUnavailable, "broker gateway returned %d", resp.StatusCode)
	case resp.StatusCode >= http.StatusBadRequest:
		return apperr.New(apperr.KindBrokerRejected, gatewayMessage(data, resp.StatusCode))
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode gateway response %s: %w", path, err)
	}
	return nil
}

func gatewayMessage(data []byte, status int) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &body) == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	return fmt.Sprintf("broker gateway returned %d", status)
}
