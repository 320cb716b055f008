package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/procurenet/notify-engine/internal/repository"
	"gorm.io/gorm"
)

func createScheduledRequests() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000008_create_scheduled_requests",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.ScheduledRequestModel{}); err != nil {
				return err
			}
			return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_scheduled_requests_due ON scheduled_requests (scheduled_at) WHERE fired = false`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.ScheduledRequestModel{})
		},
	}
}
