// internal/store/db.go
package store

import (
	"context"
	"fmt"
	"log"
	"time"

	"mirror-service/internal/config"
	"mirror-service/internal/retry"
	"mirror-service/pkg/models"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// InitDB connects to Postgres and migrates the mirror schema. The connect is
// retried a few times so the service survives a DB that is still coming up.
func InitDB(cfg *config.Config) (*gorm.DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
		cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPass, cfg.DBName, cfg.DBSSLMode,
	)

	var db *gorm.DB
	err := retry.Do(context.Background(), 5, 2*time.Second, func() error {
		var err error
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to DB: %w", err)
	}

	if err := Migrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	log.Println("✅ Mirror DB connected & migrated")
	return db, nil
}

// Migrate runs AutoMigrate for every mirror model. Split out so tests can run
// it against an in-memory DB.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Table{},
		&models.Record{},
		&models.Attachment{},
		&models.Lock{},
		&models.MetaConfig{},
		&models.SchemaMapping{},
		&models.WebhookConfig{},
	)
}
