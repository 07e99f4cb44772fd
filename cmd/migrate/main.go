package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"crashgame/internal/config"
	"crashgame/internal/database"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("Invalid configuration")
	}

	command := os.Args[1]
	if command == "create" {
		if len(os.Args) < 3 {
			log.Fatal("Usage: migrate create <migration_name>")
		}
		createMigration(cfg.Database.MigrationsPath, os.Args[2])
		return
	}

	if !cfg.Database.Enabled() {
		log.Fatal("BLUEPRINT_DB_HOST is not set")
	}
	db, err := database.OpenDB(cfg.Database)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to database")
	}
	defer db.Close()

	switch command {
	case "up":
		log.Info("Running migrations...")
		if err := database.RunMigrations(db); err != nil {
			log.WithError(err).Fatal("Migration failed")
		}
		log.Info("Migrations completed successfully")

	case "down":
		log.Info("Rolling back last migration...")
		if err := database.RollbackMigration(db); err != nil {
			log.WithError(err).Fatal("Rollback failed")
		}
		log.Info("Rollback completed successfully")

	case "version":
		version, dirty, err := database.GetMigrationVersion(db)
		if err != nil {
			log.WithError(err).Fatal("Failed to get version")
		}
		entry := log.WithField("version", version)
		if dirty {
			entry.Warn("Current version is DIRTY and needs manual intervention")
		} else {
			entry.Info("Current version")
		}

	default:
		log.WithField("command", command).Error("Unknown command")
		printUsage()
		os.Exit(1)
	}
}

// createMigration writes an empty up/down pair numbered after the existing
// migrations in dir.
func createMigration(dir, name string) {
	files, err := os.ReadDir(dir)
	if err != nil {
		log.WithError(err).Fatal("Failed to read migrations directory")
	}

	nextVersion := 1
	for _, file := range files {
		if !file.IsDir() && strings.HasSuffix(file.Name(), ".up.sql") {
			nextVersion++
		}
	}

	upFile := filepath.Join(dir, fmt.Sprintf("%06d_%s.up.sql", nextVersion, name))
	downFile := filepath.Join(dir, fmt.Sprintf("%06d_%s.down.sql", nextVersion, name))

	upContent := fmt.Sprintf("-- Migration: %s\n-- Created: %s\n\n-- Add your SQL here\n", name, time.Now().Format(time.RFC3339))
	if err := os.WriteFile(upFile, []byte(upContent), 0644); err != nil {
		log.WithError(err).Fatal("Failed to create up migration")
	}
	downContent := fmt.Sprintf("-- Rollback: %s\n\n-- Add your rollback SQL here\n", name)
	if err := os.WriteFile(downFile, []byte(downContent), 0644); err != nil {
		log.WithError(err).Fatal("Failed to create down migration")
	}

	log.WithFields(log.Fields{"up": upFile, "down": downFile}).Info("Created migration files")
}

func printUsage() {
	fmt.Println("Database Migration Tool")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  migrate up              Run all pending migrations")
	fmt.Println("  migrate down            Rollback the last migration")
	fmt.Println("  migrate version         Show current migration version")
	fmt.Println("  migrate create <name>   Create a new migration file")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  BLUEPRINT_DB_HOST       Database host (required)")
	fmt.Println("  BLUEPRINT_DB_PORT       Database port (default: 5432)")
	fmt.Println("  BLUEPRINT_DB_DATABASE   Database name (default: crashdb)")
	fmt.Println("  BLUEPRINT_DB_USERNAME   Database user (default: postgres)")
	fmt.Println("  BLUEPRINT_DB_PASSWORD   Database password (default: postgres)")
	fmt.Println("  MIGRATIONS_PATH         Where create writes files (default: ./internal/database/migrations)")
}
