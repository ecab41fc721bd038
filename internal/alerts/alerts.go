// Package alerts stores user-facing notifications raised by order
// processing and credential failures.
package alerts

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/klear-broker/internal/auth"
	"github.com/ksred/klear-broker/pkg/apperr"
	"github.com/ksred/klear-broker/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

type Kind string

const (
	KindOrderFilled       Kind = "order_filled"
	KindOrderRejected     Kind = "order_rejected"
	KindReconnectRequired Kind = "reconnect_required"
	KindJobDeadLettered   Kind = "job_dead_lettered"
)

type Alert struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	AlertID   string    `gorm:"uniqueIndex;not null" json:"alert_id"`
	UserID    string    `gorm:"index;not null" json:"user_id"`
	Kind      Kind      `json:"kind"`
	OrderID   string    `json:"order_id,omitempty"`
	Message   string    `json:"message"`
	Read      bool      `gorm:"column:is_read" json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Alert{})
}

type Service struct {
	db *gorm.DB
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// Raise records an alert for userID. orderID may be empty.
func (s *Service) Raise(ctx context.Context, userID string, kind Kind, orderID, message string) error {
	alert := Alert{
		AlertID: uuid.New().String(),
		UserID:  userID,
		Kind:    kind,
		OrderID: orderID,
		Message: message,
	}
	if err := s.db.WithContext(ctx).Create(&alert).Error; err != nil {
		log.Error().Err(err).Str("user_id", userID).Str("kind", string(kind)).Msg("Failed to store alert")
		return err
	}

	log.Info().
		Str("user_id", userID).
		Str("kind", string(kind)).
		Str("order_id", orderID).
		Msg("Alert raised")
	return nil
}

// ListForUser returns the newest alerts first.
func (s *Service) ListForUser(ctx context.Context, userID string, unreadOnly bool, limit int) ([]Alert, error) {
	q := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if unreadOnly {
		q = q.Where("is_read = ?", false)
	}
	var out []Alert
	err := q.Order("created_at DESC, id DESC").Limit(limit).Find(&out).Error
	return out, err
}

func (s *Service) MarkRead(ctx context.Context, userID, alertID string) error {
	res := s.db.WithContext(ctx).Model(&Alert{}).
		Where("alert_id = ? AND user_id = ?", alertID, userID).
		Update("is_read", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperr.Newf(apperr.KindNotFound, "alert %s not found", alertID)
	}
	return nil
}

type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// ListHandler handles GET /alerts. ?unread=true filters to unread alerts.
func (h *GinHandlers) ListHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		unread, _ := strconv.ParseBool(c.Query("unread"))
		limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
		if err != nil || limit <= 0 || limit > 500 {
			response.BadRequest(c, "limit must be between 1 and 500")
			return
		}

		list, err := h.service.ListForUser(c.Request.Context(), auth.ClientID(c), unread, limit)
		response.Handle(c, list, err)
	}
}

// MarkReadHandler handles POST /alerts/:alert_id/read.
func (h *GinHandlers) MarkReadHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.service.MarkRead(c.Request.Context(), auth.ClientID(c), c.Param("alert_id")); err != nil {
			response.Handle(c, nil, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}
