package migrations

import "gorm.io/gorm"

// AddOrderIndexes adds the composite indexes used by the pollers and the
// alert feed.
func AddOrderIndexes(db *gorm.DB) error {
	indexes := []string{
		// Stale pending sweep and open order monitoring
		`CREATE INDEX IF NOT EXISTS idx_orders_status_created_at
		 ON orders(status, created_at)`,

		// Broker callbacks
		`CREATE INDEX IF NOT EXISTS idx_orders_broker_broker_order_id
		 ON orders(broker, broker_order_id)`,

		`CREATE INDEX IF NOT EXISTS idx_alerts_user_read
		 ON alerts(user_id, is_read, created_at)`,

		`CREATE INDEX IF NOT EXISTS idx_positions_user_synced_at
		 ON positions(user_id, synced_at)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}
	return nil
}
