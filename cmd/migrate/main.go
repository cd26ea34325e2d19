package main

import (
	"flag"
	"os"
	"strconv"

	"github.com/liamcoop/claimrules/internal/database"
	"github.com/liamcoop/claimrules/internal/logger"
)

func main() {
	var databaseURL string
	var migrationsPath string
	var command string

	flag.StringVar(&databaseURL, "database", "", "Database URL (required)")
	flag.StringVar(&migrationsPath, "path", "migrations", "Path to migrations directory")
	flag.StringVar(&command, "command", "up", "Migration command: up, down, version, force")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		logger.Fatal("database URL is required, use -database or DATABASE_URL")
	}

	m, err := database.NewMigrator(databaseURL, migrationsPath)
	if err != nil {
		logger.Fatal("failed to load migrations", "path", migrationsPath, "error", err)
	}
	defer m.Close()

	switch command {
	case "up":
		applied, err := m.Up()
		if err != nil {
			logger.Fatal("failed to run migrations", "error", err)
		}
		if !applied {
			logger.Info("database is up to date")
			return
		}
		logger.Info("migrations completed")

	case "down":
		if err := m.Down(); err != nil {
			logger.Fatal("failed to roll back migrations", "error", err)
		}
		logger.Info("rollback completed")

	case "version":
		version, dirty, err := m.Version()
		if err != nil {
			logger.Fatal("failed to read version", "error", err)
		}
		logger.Info("current version", "version", version, "dirty", dirty)

	case "force":
		if flag.NArg() < 1 {
			logger.Fatal("force requires a version number: -command force <version>")
		}
		version, err := strconv.Atoi(flag.Arg(0))
		if err != nil {
			logger.Fatal("invalid version number", "value", flag.Arg(0), "error", err)
		}
		if err := m.Force(version); err != nil {
			logger.Fatal("failed to force version", "error", err)
		}
		logger.Info("forced version", "version", version)

	default:
		logger.Fatal("unknown command, use up, down, version or force", "command", command)
	}
}
