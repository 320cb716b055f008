package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/procurenet/notify-engine/internal/repository"
	"gorm.io/gorm"
)

func Migrate(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		{
			ID: "000001_create_delivery_jobs",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&repository.JobModel{}); err != nil {
					return err
				}
				indexes := []string{
					`CREATE INDEX IF NOT EXISTS idx_delivery_jobs_status_channel ON delivery_jobs (status, channel, created_at)`,
					`CREATE INDEX IF NOT EXISTS idx_delivery_jobs_dedup_key ON delivery_jobs (dedup_key)`,
					`CREATE INDEX IF NOT EXISTS idx_delivery_jobs_retry ON delivery_jobs (next_retry_at) WHERE status = 'QUEUED'`,
					`CREATE INDEX IF NOT EXISTS idx_delivery_jobs_scheduled ON delivery_jobs (scheduled_at) WHERE status = 'QUEUED' AND scheduled_at IS NOT NULL`,
					`CREATE INDEX IF NOT EXISTS idx_delivery_jobs_request_id ON delivery_jobs (request_id)`,
				}
				for _, sql := range indexes {
					if err := tx.Exec(sql).Error; err != nil {
						return err
					}
				}
				return nil
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&repository.JobModel{})
			},
		},
		{
			ID: "000002_create_delivery_attempts",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&repository.AttemptModel{}); err != nil {
					return err
				}
				return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_delivery_attempts_job_id ON delivery_attempts (job_id)`).Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&repository.AttemptModel{})
			},
		},
		{
			ID: "000003_create_audit_records",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&repository.AuditModel{}); err != nil {
					return err
				}
				return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_records_request_id ON audit_records (request_id)`).Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&repository.AuditModel{})
			},
		},
		{
			ID: "000004_create_preferences",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&repository.PreferenceModel{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&repository.PreferenceModel{})
			},
		},
		{
			ID: "000005_create_templates",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&repository.TemplateModel{}); err != nil {
					return err
				}
				indexes := []string{
					`CREATE UNIQUE INDEX IF NOT EXISTS idx_templates_name_lang_version ON templates (name, language, version)`,
					`CREATE INDEX IF NOT EXISTS idx_templates_active ON templates (name, language) WHERE active = true`,
				}
				for _, sql := range indexes {
					if err := tx.Exec(sql).Error; err != nil {
						return err
					}
				}
				return nil
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&repository.TemplateModel{})
			},
		},
		{
			ID: "000006_create_recipients",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&repository.GroupModel{}, &repository.ContactModel{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&repository.GroupModel{}, &repository.ContactModel{})
			},
		},
		{
			ID: "000007_create_inbox_messages",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&repository.InboxModel{}); err != nil {
					return err
				}
				return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_inbox_recipient_unread ON inbox_messages (recipient_id) WHERE read = false`).Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&repository.InboxModel{})
			},
		},
		createScheduledRequests(),
		addProcessingLease(),
	})

	return m.Migrate()
}
