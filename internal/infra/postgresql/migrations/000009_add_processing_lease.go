package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

func addProcessingLease() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000009_add_processing_lease",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.Exec(`ALTER TABLE delivery_jobs ADD COLUMN IF NOT EXISTS processing_since timestamptz`).Error; err != nil {
				return err
			}
			return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_delivery_jobs_lease ON delivery_jobs (processing_since) WHERE status = 'PROCESSING'`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			if err := tx.Exec(`DROP INDEX IF EXISTS idx_delivery_jobs_lease`).Error; err != nil {
				return err
			}
			return tx.Exec(`ALTER TABLE delivery_jobs DROP COLUMN IF EXISTS processing_since`).Error
		},
	}
}
