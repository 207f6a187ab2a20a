package cmd

import (
	"log"

	"github.com/spf13/cobra"
	"github.com/wraithward/wraithward/wraithward"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database and run migrations",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			log.Fatal("Environment variable WW_DATABASE_TYPE not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			log.Fatal(
				"Environment variable WW_DATABASE not set (must be a valid " +
					"database connection string or sqlite file path)",
			)
		}

		db, err := wraithward.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			log.Fatalf("Error creating database: %v", err)
		}

		sqlDB, err := db.DB()
		if err == nil {
			_ = sqlDB.Close()
		}
		log.Printf("Database initialized: %s (%s)", cfg.Database, cfg.DatabaseType)
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(initCmd)
}
