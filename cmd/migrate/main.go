// Package main applies the history database schema migrations.
package main

import (
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/limiquantix/consolidator/internal/config"
)

const usage = "Usage: migrate [-config file] [-path dir] <up|down|down-all|steps N|version|force N>"

func main() {
	configPath := flag.String("config", "", "Path to config file")
	migrationsPath := flag.String("path", "migrations", "Directory holding the migration files")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	if err := run(cfg.Database, *migrationsPath, flag.Args(), logger); err != nil {
		logger.Fatal("Migration command failed", zap.String("command", flag.Arg(0)), zap.Error(err))
	}
}

func run(cfg config.DatabaseConfig, path string, args []string, logger *zap.Logger) error {
	db, err := sql.Open("pgx", cfg.URL())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	logger.Info("Connected to database",
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Name),
	)

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create database driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+path, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	switch args[0] {
	case "up":
		err = ignoreNoChange(m.Up())
	case "down":
		err = ignoreNoChange(m.Steps(-1))
	case "down-all":
		err = ignoreNoChange(m.Down())
	case "steps":
		n, perr := intArg(args)
		if perr != nil {
			return perr
		}
		err = ignoreNoChange(m.Steps(n))
	case "force":
		n, perr := intArg(args)
		if perr != nil {
			return perr
		}
		err = m.Force(n)
	case "version":
	default:
		return errors.New(usage)
	}
	if err != nil {
		return err
	}

	version, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		logger.Info("No migrations applied")
	case err != nil:
		return fmt.Errorf("read version: %w", err)
	default:
		logger.Info("Current migration version",
			zap.Uint("version", version),
			zap.Bool("dirty", dirty),
		)
	}
	return nil
}

func ignoreNoChange(err error) error {
	if errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	return err
}

func intArg(args []string) (int, error) {
	if len(args) < 2 {
		return 0, fmt.Errorf("%s needs a number: %s", args[0], usage)
	}
	n, err := strconv.Atoi(args[1])
	if err != nil {
		return 0, fmt.Errorf("invalid number %q: %w", args[1], err)
	}
	return n, nil
}
