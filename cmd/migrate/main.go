package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/af-corp/aegis-assistant/internal/config"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

func main() {
	direction := flag.String("direction", "up", "migration direction: up or down")
	steps := flag.Int("steps", 0, "number of steps (0 = all)")
	dbURL := flag.String("db-url", "", "database URL (overrides DATABASE_URL and the config file)")
	configDir := flag.String("config", "configs", "path to configuration directory")
	migrationsPath := flag.String("path", "migrations", "path to migrations directory")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	dsn, err := resolveDSN(*dbURL, *configDir)
	if err != nil {
		logger.Error("failed to resolve database", "error", err)
		os.Exit(1)
	}

	m, err := migrate.New("file://"+*migrationsPath, dsn)
	if err != nil {
		logger.Error("failed to create migrator", "error", err)
		os.Exit(1)
	}
	defer m.Close()

	switch *direction {
	case "up":
		if *steps > 0 {
			err = m.Steps(*steps)
		} else {
			err = m.Up()
		}
	case "down":
		if *steps > 0 {
			err = m.Steps(-*steps)
		} else {
			err = m.Down()
		}
	default:
		logger.Error("invalid direction (use 'up' or 'down')", "direction", *direction)
		os.Exit(2)
	}

	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		logger.Error("migration failed", "direction", *direction, "error", err)
		os.Exit(1)
	}

	v, dirty, _ := m.Version()
	logger.Info("migration complete", "direction", *direction, "version", v, "dirty", dirty)
}

// resolveDSN prefers the flag, then DATABASE_URL, then the database section
// of assistant.yaml in configDir.
func resolveDSN(flagURL, configDir string) (string, error) {
	if flagURL != "" {
		return flagURL, nil
	}
	if env := os.Getenv("DATABASE_URL"); env != "" {
		return env, nil
	}
	cfg := config.DefaultConfig()
	if err := config.LoadFile(filepath.Join(configDir, "assistant.yaml"), cfg); err != nil {
		return "", fmt.Errorf("load assistant config: %w", err)
	}
	return cfg.Database.DSN(), nil
}
