// Package positions persists broker holdings synced per connection.
package positions

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-broker/internal/auth"
	"github.com/ksred/klear-broker/internal/types"
	"github.com/ksred/klear-broker/pkg/response"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&types.Position{})
}

// Upsert writes the position keyed by (user, connection, symbol). Applying
// the same snapshot twice leaves one row.
func (d *Database) Upsert(ctx context.Context, p *types.Position) error {
	p.SyncedAt = p.SyncedAt.UTC()
	return d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "connection_id"}, {Name: "symbol"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"broker", "quantity", "avg_price", "market_value", "synced_at", "updated_at",
		}),
	}).Create(p).Error
}

// DeleteStale removes positions of a connection that the sync at syncedAt
// did not report.
func (d *Database) DeleteStale(ctx context.Context, userID, connectionID string, syncedAt time.Time) (int64, error) {
	res := d.db.WithContext(ctx).
		Where("user_id = ? AND connection_id = ? AND synced_at < ?", userID, connectionID, syncedAt.UTC()).
		Delete(&types.Position{})
	return res.RowsAffected, res.Error
}

// Delete removes one symbol, used when a callback reports a closed position.
func (d *Database) Delete(ctx context.Context, userID, connectionID, symbol string) error {
	return d.db.WithContext(ctx).
		Where("user_id = ? AND connection_id = ? AND symbol = ?", userID, connectionID, symbol).
		Delete(&types.Position{}).Error
}

func (d *Database) ListForUser(ctx context.Context, userID string) ([]types.Position, error) {
	var out []types.Position
	err := d.db.WithContext(ctx).Where("user_id = ?", userID).Order("broker, symbol").Find(&out).Error
	return out, err
}

type GinHandlers struct {
	db *Database
}

func NewGinHandlers(db *Database) *GinHandlers {
	return &GinHandlers{db: db}
}

// ListHandler handles GET /positions.
func (h *GinHandlers) ListHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := h.db.ListForUser(c.Request.Context(), auth.ClientID(c))
		response.Handle(c, list, err)
	}
}
