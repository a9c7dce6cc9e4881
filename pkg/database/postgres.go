// Package database opens the service's Postgres connection and embeds
// its schema files.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"ledgerworks/pkg/logging"
)

// PostgresConn represents a PostgreSQL database connection
type PostgresConn = *sql.DB

// ErrNoRows is returned when a query returns no rows
var ErrNoRows = sql.ErrNoRows

// Config holds database configuration
type Config struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	PingRetries     int
	PingBackoff     time.Duration
}

// DefaultConfig returns pool settings sized for a single service
// instance.
func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		PingRetries:     5,
		PingBackoff:     2 * time.Second,
	}
}

// Connect opens a database connection and verifies it with a bounded
// ping loop, so the service survives the database coming up a little
// later than it does.
func Connect(cfg Config, logger logging.Logger) (PostgresConn, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := pingWithRetry(db, cfg, logger); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	logger.WithFields(logging.Fields{
		"max_open_conns":    cfg.MaxOpenConns,
		"max_idle_conns":    cfg.MaxIdleConns,
		"conn_max_lifetime": cfg.ConnMaxLifetime,
	}).Info("Database connected")

	return db, nil
}

func pingWithRetry(db *sql.DB, cfg Config, logger logging.Logger) error {
	attempts := cfg.PingRetries
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = db.PingContext(context.Background()); err == nil {
			return nil
		}
		if attempt < attempts {
			logger.WithError(err).Warnf("Database ping failed (attempt %d/%d), retrying", attempt, attempts)
			time.Sleep(cfg.PingBackoff)
		}
	}
	return fmt.Errorf("failed to ping database: %w", err)
}

// MustConnect is like Connect but exits the process on error.
func MustConnect(cfg Config, logger logging.Logger) PostgresConn {
	db, err := Connect(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}
	return db
}
