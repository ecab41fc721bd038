package broker

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ksred/klear-broker/internal/config"
	"github.com/ksred/klear-broker/internal/credentials"
	"github.com/ksred/klear-broker/internal/exchange"
	"github.com/ksred/klear-broker/internal/oauth"
	"github.com/ksred/klear-broker/internal/session"
	"github.com/ksred/klear-broker/pkg/apperr"
)

// Strategy is how credentials for a broker are obtained.
type Strategy string

const (
	StrategyOAuth2  Strategy = "oauth2"
	StrategySession Strategy = "session"
	StrategyLocal   Strategy = "local"
)

// CredentialManager is the contract shared by the OAuth2 and session managers.
type CredentialManager interface {
	Broker() string
	AccessToken(ctx context.Context, userID string) (string, error)
	Revoke(ctx context.Context, userID string) error
}

var (
	_ CredentialManager = (*oauth.Manager)(nil)
	_ CredentialManager = (*session.Manager)(nil)
)

// Factory is the single place that decides which credential strategy and
// which order adapter serve a broker.
type Factory struct {
	brokers  map[string]config.BrokerConfig
	oauth    map[string]*oauth.Manager
	sessions map[string]*session.Manager
	paper    map[string]*exchange.Exchange
}

type factoryOptions struct {
	oauth    []oauth.Option
	sessions []session.Option
}

type FactoryOption func(*factoryOptions)

// WithOAuthOptions applies options to every OAuth2 manager.
func WithOAuthOptions(opts ...oauth.Option) FactoryOption {
	return func(o *factoryOptions) { o.oauth = append(o.oauth, opts...) }
}

// WithSessionOptions applies options to every session manager.
func WithSessionOptions(opts ...session.Option) FactoryOption {
	return func(o *factoryOptions) { o.sessions = append(o.sessions, opts...) }
}

// NewFactory builds a credential manager for every configured broker whose
// strategy is available.
func NewFactory(brokers map[string]config.BrokerConfig, store credentials.Store, state *oauth.StateSigner, opts ...FactoryOption) (*Factory, error) {
	var o factoryOptions
	for _, opt := range opts {
		opt(&o)
	}

	f := &Factory{
		brokers:  make(map[string]config.BrokerConfig, len(brokers)),
		oauth:    make(map[string]*oauth.Manager),
		sessions: make(map[string]*session.Manager),
		paper:    make(map[string]*exchange.Exchange),
	}

	for id, b := range brokers {
		id = strings.ToLower(id)
		b = b.Clone()
		b.ID = id
		f.brokers[id] = b

		if b.HasOAuth2() && b.HasClientCredentials() {
			f.oauth[id] = oauth.NewManager(b, store, state, o.oauth...)
		}
		if b.Session != nil {
			m, err := session.NewManager(b, store, o.sessions...)
			if err != nil {
				return nil, fmt.Errorf("broker %s: %w", id, err)
			}
			f.sessions[id] = m
		}
		if b.Paper != nil {
			f.paper[id] = exchange.New(*b.Paper)
		}
	}
	return f, nil
}

// Brokers lists the configured broker ids.
func (f *Factory) Brokers() []string {
	ids := make([]string, 0, len(f.brokers))
	for id := range f.brokers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Strategy reports the credential strategy for broker.
func (f *Factory) Strategy(broker string) (Strategy, error) {
	broker = strings.ToLower(broker)
	if _, ok := f.brokers[broker]; !ok {
		return "", apperr.Newf(apperr.KindUnsupportedBroker, "unsupported broker: %s", broker)
	}
	switch {
	case f.oauth[broker] != nil:
		return StrategyOAuth2, nil
	case f.sessions[broker] != nil:
		return StrategySession, nil
	case f.paper[broker] != nil:
		return StrategyLocal, nil
	}
	return "", apperr.Newf(apperr.KindUnsupportedBroker, "broker %s has no available credential strategy", broker)
}

// SelectCredentialManager returns the OAuth2 manager when the broker has
// OAuth2 endpoints and client credentials, otherwise its session manager.
func (f *Factory) SelectCredentialManager(broker, userID string) (CredentialManager, error) {
	broker = strings.ToLower(broker)
	if m, ok := f.oauth[broker]; ok {
		return m, nil
	}
	if m, ok := f.sessions[broker]; ok {
		return m, nil
	}
	return nil, apperr.Newf(apperr.KindUnsupportedBroker, "no credential manager available for broker %s", broker)
}

// SupportsOAuth2 reports whether broker authenticates through OAuth2.
func (f *Factory) SupportsOAuth2(broker string) bool {
	_, ok := f.oauth[strings.ToLower(broker)]
	return ok
}

// RequiresSessionAuth reports whether broker falls back to session auth.
func (f *Factory) RequiresSessionAuth(broker string) bool {
	broker = strings.ToLower(broker)
	_, hasOAuth := f.oauth[broker]
	_, hasSession := f.sessions[broker]
	return !hasOAuth && hasSession
}

// OAuth2Manager returns the OAuth2 manager for broker.
func (f *Factory) OAuth2Manager(broker string) (*oauth.Manager, error) {
	m, ok := f.oauth[strings.ToLower(broker)]
	if !ok {
		return nil, apperr.Newf(apperr.KindUnsupportedBroker, "broker %s does not support OAuth2", broker)
	}
	return m, nil
}

// SessionManager returns the session manager for broker.
func (f *Factory) SessionManager(broker string) (*session.Manager, error) {
	m, ok := f.sessions[strings.ToLower(broker)]
	if !ok {
		return nil, apperr.Newf(apperr.KindUnsupportedBroker, "broker %s does not use session authentication", broker)
	}
	return m, nil
}

// SessionManagers returns every session manager so their keep-alive loops
// can be started.
func (f *Factory) SessionManagers() []*session.Manager {
	out := make([]*session.Manager, 0, len(f.sessions))
	for _, m := range f.sessions {
		out = append(out, m)
	}
	return out
}

// CheckRoutable reports whether orders for broker can be dispatched at all,
// without resolving credentials.
func (f *Factory) CheckRoutable(broker string) error {
	broker = strings.ToLower(broker)
	strategy, err := f.Strategy(broker)
	if err != nil {
		return err
	}
	if strategy == StrategyLocal {
		return nil
	}
	switch f.brokers[broker].Adapter {
	case config.AdapterAlpaca, config.AdapterIBKR:
		return nil
	case config.AdapterPaper:
		if _, ok := f.paper[broker]; ok {
			return nil
		}
	}
	return notImplemented(broker)
}

// Adapter resolves the user's credentials and returns the order adapter for
// broker.
func (f *Factory) Adapter(ctx context.Context, broker, userID string) (Adapter, error) {
	broker = strings.ToLower(broker)
	if err := f.CheckRoutable(broker); err != nil {
		return nil, err
	}
	strategy, _ := f.Strategy(broker)
	cfg := f.brokers[broker]

	if strategy == StrategyLocal {
		return NewPaperAdapter(f.paper[broker], userID), nil
	}

	switch cfg.Adapter {
	case config.AdapterAlpaca:
		mgr, err := f.SelectCredentialManager(broker, userID)
		if err != nil {
			return nil, err
		}
		token, err := mgr.AccessToken(ctx, userID)
		if err != nil {
			return nil, err
		}
		return NewAlpacaAdapter(token, cfg.APIBaseURL), nil
	case config.AdapterIBKR:
		mgr, err := f.SessionManager(broker)
		if err != nil {
			return nil, err
		}
		s, err := mgr.GetSession(ctx, userID)
		if err != nil {
			return nil, err
		}
		return NewIBKRAdapter(mgr, s.ID), nil
	default:
		return NewPaperAdapter(f.paper[broker], userID), nil
	}
}
