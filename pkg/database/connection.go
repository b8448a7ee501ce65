package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"github.com/venuescout/accessguard/pkg/config"
)

// DB represents the database connection
type DB struct {
	*sql.DB
	logger *logrus.Logger
}

// NewConnection opens a PostgreSQL pool and verifies it
func NewConnection(ctx context.Context, cfg config.DatabaseConfig, log *logrus.Logger) (*DB, error) {
	sqlDB, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.WithFields(logrus.Fields{
		"host":     cfg.Host,
		"database": cfg.Name,
	}).Info("Database connection established successfully")
	return Wrap(sqlDB, log), nil
}

// Wrap adopts an already opened handle
func Wrap(sqlDB *sql.DB, log *logrus.Logger) *DB {
	return &DB{DB: sqlDB, logger: log}
}

// Close closes the database connection
func (db *DB) Close() error {
	if db.DB != nil {
		return db.DB.Close()
	}
	return nil
}

// Health checks the database connection health
func (db *DB) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return db.PingContext(ctx)
}
