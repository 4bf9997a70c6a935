package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewDB creates a new database connection
func NewDB(cfg Config) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	// Connection pool sizing for a single-account runner
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log.Printf("Successfully connected to PostgreSQL database: %s", cfg.Database)

	return &DB{Pool: pool}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		log.Println("Database connection closed")
	}
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	log.Println("Running database migrations...")

	migrations := []string{
		// Every order placed or blocked by a loop
		`CREATE TABLE IF NOT EXISTS trade_events (
			id SERIAL PRIMARY KEY,
			event_type VARCHAR(32) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(8),
			quantity DECIMAL(20, 8),
			price DECIMAL(20, 8),
			reason VARCHAR(128),
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_events_symbol ON trade_events(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_events_type ON trade_events(event_type)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_events_created ON trade_events(created_at)`,

		// One row per close-all invocation
		`CREATE TABLE IF NOT EXISTS close_all_runs (
			id SERIAL PRIMARY KEY,
			reason VARCHAR(64) NOT NULL,
			closed INTEGER NOT NULL DEFAULT 0,
			failed INTEGER NOT NULL DEFAULT 0,
			skipped INTEGER NOT NULL DEFAULT 0,
			passes INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_close_all_runs_reason ON close_all_runs(reason)`,

		// Startup recovery outcomes, triggered or skipped
		`CREATE TABLE IF NOT EXISTS recovery_runs (
			id SERIAL PRIMARY KEY,
			reason VARCHAR(64) NOT NULL,
			triggered BOOLEAN NOT NULL,
			detail VARCHAR(256),
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,

		// Loop lifecycle transitions
		`CREATE TABLE IF NOT EXISTS loop_events (
			id SERIAL PRIMARY KEY,
			event_type VARCHAR(32) NOT NULL,
			job_key VARCHAR(128) NOT NULL,
			symbol VARCHAR(20),
			interval VARCHAR(8),
			detail VARCHAR(256),
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_loop_events_key ON loop_events(job_key)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	log.Println("Database migrations completed successfully")
	return nil
}

// HealthCheck verifies the database is reachable
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.Pool.Ping(ctx)
}
