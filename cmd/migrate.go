// services/sensor/cmd/migrate.go
package cmd

import (
	"fmt"

	"example.com/backstage/services/sensor/internal/core"
	"example.com/backstage/services/sensor/internal/infrastructure"
	"github.com/spf13/cobra"
)

// migrateCmd represents the migrate command.
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long:  `Applies all pending database migrations to ensure the schema is up to date.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMigrations()
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrations() error {
	logger.Info("Running database migrations...")

	db, err := infrastructure.NewDatabase(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	logger.Info("Migrating models...")

	models := []interface{}{
		&core.User{},
		&core.Device{},
		&core.Attachment{},
		&core.Measurement{},
		&core.Alert{},
	}

	for _, model := range models {
		if err := db.DB.AutoMigrate(model); err != nil {
			return fmt.Errorf("failed to migrate %T: %w", model, err)
		}
		logger.Infof("Migrated %T", model)
	}

	if err := insertDefaultData(db); err != nil {
		logger.WithError(err).Warn("Failed to insert default data")
	}

	logger.Info("Database migrations completed successfully")
	return nil
}

func insertDefaultData(db *infrastructure.Database) error {
	var count int64
	if err := db.DB.Model(&core.User{}).Count(&count).Error; err != nil {
		return err
	}

	if count == 0 {
		logger.Info("Inserting default user...")
		admin := core.User{
			Name:  "admin",
			Email: "admin@localhost",
		}
		if err := db.DB.Create(&admin).Error; err != nil {
			return err
		}
	}

	return nil
}
