package migrations

import (
	"github.com/ksred/klear-broker/internal/alerts"
	"github.com/ksred/klear-broker/internal/connections"
	"github.com/ksred/klear-broker/internal/credentials"
	"github.com/ksred/klear-broker/internal/jobs"
	"github.com/ksred/klear-broker/internal/positions"
	"github.com/ksred/klear-broker/internal/trading"
	"gorm.io/gorm"
)

// CreateBrokerTables creates every table owned by the service packages.
func CreateBrokerTables(db *gorm.DB) error {
	for _, migrate := range []func(*gorm.DB) error{
		credentials.Migrate,
		connections.Migrate,
		trading.Migrate,
		positions.Migrate,
		alerts.Migrate,
		jobs.Migrate,
	} {
		if err := migrate(db); err != nil {
			return err
		}
	}
	return nil
}
