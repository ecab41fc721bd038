// Package connections implements the client flow that links a user to a
// broker: OAuth2 authorization, session login or an immediate paper link.
package connections

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/klear-broker/internal/auth"
	"github.com/ksred/klear-broker/internal/broker"
	"github.com/ksred/klear-broker/internal/types"
	"github.com/ksred/klear-broker/pkg/apperr"
	"github.com/ksred/klear-broker/pkg/response"
	"github.com/rs/zerolog/log"
)

// InitiateResult tells the client how to complete a connection.
type InitiateResult struct {
	Broker              string                  `json:"broker"`
	Strategy            broker.Strategy         `json:"strategy"`
	AuthorizationURL    string                  `json:"authorization_url,omitempty"`
	SessionAuthRequired bool                    `json:"session_auth_required,omitempty"`
	Connection          *types.BrokerConnection `json:"connection,omitempty"`
}

type ExchangeRequest struct {
	Code  string `json:"code" binding:"required"`
	State string `json:"state" binding:"required"`
}

type Service struct {
	db      *Database
	factory *broker.Factory
	now     func() time.Time
}

func NewService(db *Database, factory *broker.Factory) *Service {
	return &Service{db: db, factory: factory, now: time.Now}
}

// Initiate starts connecting userID to brokerID. The factory's strategy
// decides whether the client must follow an authorization URL, log in to a
// session gateway, or is connected straight away.
func (s *Service) Initiate(ctx context.Context, userID, brokerID string) (*InitiateResult, error) {
	brokerID = strings.ToLower(brokerID)
	strategy, err := s.factory.Strategy(brokerID)
	if err != nil {
		return nil, err
	}
	result := &InitiateResult{Broker: brokerID, Strategy: strategy}

	switch strategy {
	case broker.StrategyOAuth2:
		mgr, err := s.factory.OAuth2Manager(brokerID)
		if err != nil {
			return nil, err
		}
		url, err := mgr.BuildAuthorizationURL(ctx, userID, "")
		if err != nil {
			return nil, err
		}
		if _, err := s.markPending(ctx, userID, brokerID, strategy); err != nil {
			return nil, err
		}
		result.AuthorizationURL = url
	case broker.StrategySession:
		if _, err := s.markPending(ctx, userID, brokerID, strategy); err != nil {
			return nil, err
		}
		result.SessionAuthRequired = true
	case broker.StrategyLocal:
		conn, err := s.activate(ctx, userID, brokerID, strategy, "")
		if err != nil {
			return nil, err
		}
		result.Connection = conn
	}

	log.Info().
		Str("user_id", userID).
		Str("broker", brokerID).
		Str("strategy", string(strategy)).
		Msg("connection initiated")
	return result, nil
}

// Exchange completes an OAuth2 connection with the provider's callback
// parameters.
func (s *Service) Exchange(ctx context.Context, userID, brokerID, code, state string) (*types.BrokerConnection, error) {
	brokerID = strings.ToLower(brokerID)
	mgr, err := s.factory.OAuth2Manager(brokerID)
	if err != nil {
		return nil, err
	}
	if err := mgr.VerifyState(state, userID); err != nil {
		return nil, err
	}
	if _, err := mgr.ExchangeCode(ctx, code, userID); err != nil {
		return nil, err
	}
	return s.activate(ctx, userID, brokerID, broker.StrategyOAuth2, "")
}

// AuthenticateSession logs the user in to a session gateway and records
// the brokerage account it resolves to.
func (s *Service) AuthenticateSession(ctx context.Context, userID, brokerID string) (*types.BrokerConnection, error) {
	brokerID = strings.ToLower(brokerID)
	mgr, err := s.factory.SessionManager(brokerID)
	if err != nil {
		return nil, err
	}
	sess, err := mgr.Authenticate(ctx, userID)
	if err != nil {
		return nil, err
	}
	account, err := mgr.ResolveAccount(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	return s.activate(ctx, userID, brokerID, broker.StrategySession, account)
}

// Disconnect revokes stored credentials and deactivates the connection.
func (s *Service) Disconnect(ctx context.Context, userID, brokerID string) error {
	brokerID = strings.ToLower(brokerID)
	conn, err := s.db.Get(ctx, userID, brokerID)
	if err != nil {
		return err
	}
	if conn == nil {
		return apperr.Newf(apperr.KindNotFound, "no %s connection", brokerID)
	}

	if broker.Strategy(conn.Strategy) != broker.StrategyLocal {
		mgr, err := s.factory.SelectCredentialManager(brokerID, userID)
		if err != nil {
			return err
		}
		if err := mgr.Revoke(ctx, userID); err != nil {
			return err
		}
	}

	if err := s.db.Deactivate(ctx, userID, brokerID, s.now()); err != nil {
		return err
	}
	log.Info().Str("user_id", userID).Str("broker", brokerID).Msg("connection closed")
	return nil
}

func (s *Service) List(ctx context.Context, userID string) ([]types.BrokerConnection, error) {
	return s.db.ListForUser(ctx, userID)
}

// markPending records a connection awaiting completion. An active
// connection is left as it is until the new flow completes.
func (s *Service) markPending(ctx context.Context, userID, brokerID string, strategy broker.Strategy) (*types.BrokerConnection, error) {
	existing, err := s.db.Get(ctx, userID, brokerID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Status == types.ConnectionActive {
		return existing, nil
	}
	return s.db.Upsert(ctx, &types.BrokerConnection{
		ConnectionID: uuid.New().String(),
		UserID:       userID,
		Broker:       brokerID,
		Strategy:     string(strategy),
		Status:       types.ConnectionPending,
	})
}

func (s *Service) activate(ctx context.Context, userID, brokerID string, strategy broker.Strategy, accountID string) (*types.BrokerConnection, error) {
	now := s.now().UTC()
	conn, err := s.db.Upsert(ctx, &types.BrokerConnection{
		ConnectionID: uuid.New().String(),
		UserID:       userID,
		Broker:       brokerID,
		Strategy:     string(strategy),
		Status:       types.ConnectionActive,
		AccountID:    accountID,
		ConnectedAt:  &now,
	})
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("user_id", userID).
		Str("broker", brokerID).
		Str("connection_id", conn.ConnectionID).
		Msg("connection active")
	return conn, nil
}

type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// ListHandler handles GET /connections
func (h *GinHandlers) ListHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := h.service.List(c.Request.Context(), auth.ClientID(c))
		response.Handle(c, list, err)
	}
}

// InitiateHandler handles POST /connections/:broker
func (h *GinHandlers) InitiateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := h.service.Initiate(c.Request.Context(), auth.ClientID(c), c.Param("broker"))
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.OK(c, result)
	}
}

// ExchangeHandler handles POST /connections/:broker/exchange
func (h *GinHandlers) ExchangeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ExchangeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "code and state are required")
			return
		}
		conn, err := h.service.Exchange(c.Request.Context(), auth.ClientID(c), c.Param("broker"), req.Code, req.State)
		response.Handle(c, conn, err)
	}
}

// SessionHandler handles POST /connections/:broker/session
func (h *GinHandlers) SessionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := h.service.AuthenticateSession(c.Request.Context(), auth.ClientID(c), c.Param("broker"))
		response.Handle(c, conn, err)
	}
}

// DisconnectHandler handles DELETE /connections/:broker
func (h *GinHandlers) DisconnectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.service.Disconnect(c.Request.Context(), auth.ClientID(c), c.Param("broker")); err != nil {
			response.Handle(c, nil, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}
