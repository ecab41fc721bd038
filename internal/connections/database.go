package connections

import (
	"context"
	"errors"
	"time"

	"github.com/ksred/klear-broker/internal/types"
	"github.com/ksred/klear-broker/pkg/apperr"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// Migrate creates the broker_connections table.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&types.BrokerConnection{})
}

// Upsert writes the connection keyed by (user, broker) and returns the stored
// row. The connection id of an existing row is kept.
func (d *Database) Upsert(ctx context.Context, conn *types.BrokerConnection) (*types.BrokerConnection, error) {
	err := d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "broker"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"strategy", "status", "account_id", "connected_at", "disconnected_at", "updated_at",
		}),
	}).Create(conn).Error
	if err != nil {
		return nil, err
	}
	return d.Get(ctx, conn.UserID, conn.Broker)
}

// Get returns nil when the user never connected the broker.
func (d *Database) Get(ctx context.Context, userID, broker string) (*types.BrokerConnection, error) {
	var conn types.BrokerConnection
	err := d.db.WithContext(ctx).
		Where("user_id = ? AND broker = ?", userID, broker).
		First(&conn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &conn, nil
}

// Active returns the user's active connection to broker.
func (d *Database) Active(ctx context.Context, userID, broker string) (*types.BrokerConnection, error) {
	conn, err := d.Get(ctx, userID, broker)
	if err != nil {
		return nil, err
	}
	if conn == nil || conn.Status != types.ConnectionActive {
		return nil, apperr.Newf(apperr.KindNoActiveConnection, "no active %s connection", broker)
	}
	return conn, nil
}

// GetByID looks a connection up by its public id.
func (d *Database) GetByID(ctx context.Context, connectionID string) (*types.BrokerConnection, error) {
	var conn types.BrokerConnection
	if err := d.db.WithContext(ctx).Where("connection_id = ?", connectionID).First(&conn).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.Newf(apperr.KindNotFound, "connection %s not found", connectionID)
		}
		return nil, err
	}
	return &conn, nil
}

func (d *Database) ListForUser(ctx context.Context, userID string) ([]types.BrokerConnection, error) {
	var conns []types.BrokerConnection
	err := d.db.WithContext(ctx).Where("user_id = ?", userID).Order("broker").Find(&conns).Error
	return conns, err
}

// ListActive returns every active connection, used by position sync.
func (d *Database) ListActive(ctx context.Context) ([]types.BrokerConnection, error) {
	var conns []types.BrokerConnection
	err := d.db.WithContext(ctx).Where("status = ?", types.ConnectionActive).Find(&conns).Error
	return conns, err
}

// Deactivate marks the connection inactive. Missing rows are ignored.
func (d *Database) Deactivate(ctx context.Context, userID, broker string, at time.Time) error {
	at = at.UTC()
	return d.db.WithContext(ctx).Model(&types.BrokerConnection{}).
		Where("user_id = ? AND broker = ?", userID, broker).
		Updates(map[string]interface{}{
			"status":          types.ConnectionInactive,
			"disconnected_at": &at,
		}).Error
}
