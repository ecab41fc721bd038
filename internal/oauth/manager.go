// Package oauth manages the OAuth2 authorization code and refresh token
// lifecycle for one broker.
package oauth

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ksred/klear-broker/internal/config"
	"github.com/ksred/klear-broker/internal/credentials"
	"github.com/ksred/klear-broker/internal/metrics"
	"github.com/ksred/klear-broker/pkg/apperr"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

const (
	verifierLength  = 128
	verifierTTL     = 15 * time.Minute
	defaultTokenTTL = time.Hour

	// RFC 7636 unreserved characters.
	verifierAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"
)

// ReconnectHook is called when a user's refresh token is rejected and the
// connection must be re-established.
type ReconnectHook func(ctx context.Context, userID, broker string)

// Manager owns the token state machine for one broker configuration.
type Manager struct {
	cfg         config.BrokerConfig
	oauth       *oauth2.Config
	store       credentials.Store
	state       *StateSigner
	client      *http.Client
	now         func() time.Time
	group       singleflight.Group
	onReconnect ReconnectHook
}

type Option func(*Manager)

// WithHTTPClient sets the client used for token and revoke requests.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.client = c }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithReconnectHook registers a callback for terminal refresh failures.
func WithReconnectHook(fn ReconnectHook) Option {
	return func(m *Manager) { m.onReconnect = fn }
}

func NewManager(cfg config.BrokerConfig, store credentials.Store, state *StateSigner, opts ...Option) *Manager {
	cfg = cfg.Clone()
	m := &Manager{
		cfg:    cfg,
		store:  store,
		state:  state,
		client: &http.Client{Timeout: 15 * time.Second},
		now:    time.Now,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	if len(cfg.Headers) > 0 {
		m.client = withHeaders(m.client, cfg.Headers)
	}
	return m
}

// Broker returns the broker identifier this manager serves.
func (m *Manager) Broker() string {
	return m.cfg.ID
}

// RequiresPKCE reports whether authorization uses a PKCE verifier.
func (m *Manager) RequiresPKCE() bool {
	return m.cfg.RequiresPKCE
}

// VerifyState checks a state value returned by the provider callback.
func (m *Manager) VerifyState(state, userID string) error {
	return m.state.Verify(state, userID, m.cfg.ID)
}

func (m *Manager) logger(userID string) zerolog.Logger {
	return log.With().
		Str("component", "oauth_manager").
		Str("broker", m.cfg.ID).
		Str("user_id", userID).
		Logger()
}

// BuildAuthorizationURL returns the provider authorization URL. A signed state
// is generated when state is empty. For PKCE brokers a fresh verifier is stored
// for the (user, broker) pair with a 15 minute expiry.
func (m *Manager) BuildAuthorizationURL(ctx context.Context, userID, state string) (string, error) {
	if state == "" {
		signed, err := m.state.Sign(userID, m.cfg.ID)
		if err != nil {
			return "", fmt.Errorf("sign state: %w", err)
		}
		state = signed
	}

	var opts []oauth2.AuthCodeOption
	if m.cfg.RequiresPKCE {
		verifier, err := generateVerifier()
		if err != nil {
			return "", err
		}
		if err := m.store.SaveVerifier(ctx, userID, m.cfg.ID, verifier, m.now().Add(verifierTTL)); err != nil {
			return "", fmt.Errorf("store verifier: %w", err)
		}
		opts = append(opts, oauth2.S256ChallengeOption(verifier))
	}

	return m.oauth.AuthCodeURL(state, opts...), nil
}

// ExchangeCode trades an authorization code for tokens and stores them.
func (m *Manager) ExchangeCode(ctx context.Context, code, userID string) (*credentials.Credential, error) {
	logger := m.logger(userID)

	var opts []oauth2.AuthCodeOption
	if m.cfg.RequiresPKCE {
		verifier, err := m.store.TakeVerifier(ctx, userID, m.cfg.ID, m.now())
		if err != nil {
			return nil, err
		}
		opts = append(opts, oauth2.VerifierOption(verifier))
	}

	tok, err := m.oauth.Exchange(m.clientContext(ctx), code, opts...)
	if err != nil {
		logger.Warn().Err(err).Msg("authorization code exchange failed")
		return nil, apperr.Wrap(apperr.KindTokenExchangeFailed, providerMessage(err, "token exchange failed"), err)
	}

	cred := m.credentialFromToken(userID, tok, "")
	if err := m.store.Upsert(ctx, cred); err != nil {
		return nil, fmt.Errorf("store credentials: %w", err)
	}

	logger.Info().Time("expires_at", cred.ExpiresAt).Msg("broker connected")
	return cred, nil
}

// Refresh performs the refresh token grant. Concurrent calls for the same user
// share one request.
func (m *Manager) Refresh(ctx context.Context, userID string) (*credentials.Credential, error) {
	return m.refresh(ctx, userID, true)
}

// GetValidAccessToken returns a token that does not expire within the refresh
// buffer, refreshing first when needed.
func (m *Manager) GetValidAccessToken(ctx context.Context, userID string) (string, error) {
	cred, err := m.activeCredential(ctx, userID)
	if err != nil {
		return "", err
	}
	if !m.NeedsRefresh(cred) {
		return cred.AccessToken, nil
	}

	cred, err = m.refresh(ctx, userID, false)
	if err != nil {
		return "", err
	}
	return cred.AccessToken, nil
}

// AccessToken satisfies the broker credential manager contract.
func (m *Manager) AccessToken(ctx context.Context, userID string) (string, error) {
	return m.GetValidAccessToken(ctx, userID)
}

// NeedsRefresh reports now >= expiry - buffer. The buffer is capped at half
// the token's lifetime, so a token issued with a lifetime shorter than the
// buffer is still used for a while after it is granted.
func (m *Manager) NeedsRefresh(cred *credentials.Credential) bool {
	return !m.now().Before(cred.ExpiresAt.Add(-m.refreshBuffer(cred)))
}

func (m *Manager) refreshBuffer(cred *credentials.Credential) time.Duration {
	buffer := m.cfg.RefreshBuffer()
	if cred.IssuedAt.IsZero() {
		return buffer
	}
	if half := cred.ExpiresAt.Sub(cred.IssuedAt) / 2; half < buffer {
		return max(half, 0)
	}
	return buffer
}

func (m *Manager) activeCredential(ctx context.Context, userID string) (*credentials.Credential, error) {
	cred, err := m.store.Get(ctx, userID, m.cfg.ID)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, apperr.Newf(apperr.KindNoActiveConnection, "no %s connection for this user", m.cfg.ID)
	}
	if !cred.Active {
		return nil, apperr.Newf(apperr.KindReconnectRequired, "%s connection must be re-authorized", m.cfg.ID)
	}
	return cred, nil
}

func (m *Manager) refresh(ctx context.Context, userID string, force bool) (*credentials.Credential, error) {
	ch := m.group.DoChan(userID, func() (interface{}, error) {
		return m.doRefresh(context.WithoutCancel(ctx), userID, force)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*credentials.Credential), nil
	}
}

func (m *Manager) doRefresh(ctx context.Context, userID string, force bool) (*credentials.Credential, error) {
	logger := m.logger(userID)

	cred, err := m.store.Get(ctx, userID, m.cfg.ID)
	if err != nil {
		return nil, err
	}
	if cred == nil || cred.RefreshToken == "" {
		return nil, apperr.Newf(apperr.KindNoRefreshToken, "no refresh token stored for %s", m.cfg.ID)
	}
	if !cred.Active {
		return nil, apperr.Newf(apperr.KindReconnectRequired, "%s connection must be re-authorized", m.cfg.ID)
	}
	// A flight that finished just before this one may already have renewed it.
	if !force && !m.NeedsRefresh(cred) {
		return cred, nil
	}

	src := m.oauth.TokenSource(m.clientContext(ctx), &oauth2.Token{
		RefreshToken: cred.RefreshToken,
		Expiry:       time.Unix(1, 0),
	})
	tok, err := src.Token()
	if err != nil {
		if isInvalidGrant(err) {
			metrics.TokenRefreshes.WithLabelValues(m.cfg.ID, "reconnect_required").Inc()
			logger.Warn().Err(err).Msg("refresh token rejected, reconnect required")
			if derr := m.store.Deactivate(ctx, userID, m.cfg.ID); derr != nil {
				logger.Error().Err(derr).Msg("failed to deactivate credentials")
			}
			if m.onReconnect != nil {
				m.onReconnect(ctx, userID, m.cfg.ID)
			}
			return nil, apperr.Wrap(apperr.KindReconnectRequired, "broker rejected the refresh token, reconnect required", err)
		}
		metrics.TokenRefreshes.WithLabelValues(m.cfg.ID, "failed").Inc()
		logger.Error().Err(err).Msg("token refresh failed")
		return nil, apperr.Wrap(apperr.KindTokenRefreshFailed, providerMessage(err, "token refresh failed"), err)
	}

	updated := m.credentialFromToken(userID, tok, cred.RefreshToken)
	if updated.Scope == "" {
		updated.Scope = cred.Scope
	}
	if err := m.store.Upsert(ctx, updated); err != nil {
		return nil, fmt.Errorf("store refreshed credentials: %w", err)
	}

	metrics.TokenRefreshes.WithLabelValues(m.cfg.ID, "success").Inc()
	logger.Debug().Time("expires_at", updated.ExpiresAt).Msg("access token refreshed")
	return updated, nil
}

// Revoke calls the provider revoke endpoint when one is configured and then
// deletes the local credentials. Provider failures are logged only.
func (m *Manager) Revoke(ctx context.Context, userID string) error {
	logger := m.logger(userID)

	cred, err := m.store.Get(ctx, userID, m.cfg.ID)
	if err != nil {
		return err
	}

	if cred != nil && m.cfg.RevokeURL != "" {
		token := cred.RefreshToken
		if token == "" {
			token = cred.AccessToken
		}
		if err := m.revokeRemote(ctx, token); err != nil {
			logger.Warn().Err(err).Msg("provider token revocation failed")
		}
	}

	if err := m.store.Delete(ctx, userID, m.cfg.ID); err != nil {
		return fmt.Errorf("delete credentials: %w", err)
	}
	logger.Info().Msg("broker disconnected")
	return nil
}

func (m *Manager) revokeRemote(ctx context.Context, token string) error {
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.RevokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(url.QueryEscape(m.cfg.ClientID), url.QueryEscape(m.cfg.ClientSecret))

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("revoke endpoint returned %d", resp.StatusCode)
	}
	return nil
}

func (m *Manager) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, m.client)
}

func (m *Manager) credentialFromToken(userID string, tok *oauth2.Token, previousRefresh string) *credentials.Credential {
	refresh := tok.RefreshToken
	if refresh == "" {
		refresh = previousRefresh
	}

	tokenType := tok.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}

	scope, _ := tok.Extra("scope").(string)

	return &credentials.Credential{
		UserID:       userID,
		Broker:       m.cfg.ID,
		AccessToken:  tok.AccessToken,
		RefreshToken: refresh,
		IssuedAt:     m.now(),
		ExpiresAt:    m.expiry(tok),
		Scope:        scope,
		TokenType:    tokenType,
		Active:       true,
	}
}

// expiry computes now + expires_in against the manager clock.
func (m *Manager) expiry(tok *oauth2.Token) time.Time {
	var seconds int64
	switch v := tok.Extra("expires_in").(type) {
	case float64:
		seconds = int64(v)
	case int64:
		seconds = v
	case json.Number:
		seconds, _ = v.Int64()
	case string:
		seconds, _ = strconv.ParseInt(v, 10, 64)
	}
	if seconds > 0 {
		return m.now().Add(time.Duration(seconds) * time.Second)
	}
	if !tok.Expiry.IsZero() {
		return tok.Expiry
	}
	return m.now().Add(defaultTokenTTL)
}

func generateVerifier() (string, error) {
	// Bytes above the largest multiple of the alphabet size are discarded to
	// keep the distribution uniform.
	limit := 256 - 256%len(verifierAlphabet)
	out := make([]byte, 0, verifierLength)
	buf := make([]byte, verifierLength)
	for len(out) < verifierLength {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("generate verifier: %w", err)
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, verifierAlphabet[int(b)%len(verifierAlphabet)])
			if len(out) == verifierLength {
				break
			}
		}
	}
	return string(out), nil
}

func isInvalidGrant(err error) bool {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return false
	}
	switch re.ErrorCode {
	case "invalid_grant", "invalid_token":
		return true
	case "":
		return re.Response != nil && re.Response.StatusCode == http.StatusUnauthorized
	}
	return false
}

func providerMessage(err error, fallback string) string {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.ErrorDescription != "" {
			return re.ErrorDescription
		}
		if re.ErrorCode != "" {
			return re.ErrorCode
		}
	}
	return fallback
}

type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	return t.base.RoundTrip(req)
}

func withHeaders(c *http.Client, headers map[string]string) *http.Client {
	base := c.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	clone := *c
	clone.Transport = &headerTransport{base: base, headers: headers}
	return &clone
}
