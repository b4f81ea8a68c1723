package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/khryptorgraphics/rtverify/internal/config"
)

// Manager owns the database and cache connections and provides access to
// the repositories.
type Manager struct {
	DB     *sqlx.DB
	Redis  *redis.Client
	config *config.DatabaseConfig
	logger *slog.Logger

	Runs  *RunRepository
	Cache *VerdictCache
}

// NewManager connects to PostgreSQL (and Redis when enabled) and prepares
// the repositories.
func NewManager(cfg *config.DatabaseConfig, logger *slog.Logger) (*Manager, error) {
	dsn := fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Name, cfg.User, cfg.Password, cfg.SSLMode)

	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime.Std())

	var rdb *redis.Client
	if cfg.RedisEnabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort),
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			db.Close()
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
	}

	m := &Manager{
		DB:     db,
		Redis:  rdb,
		config: cfg,
		logger: logger,
	}
	m.Runs = NewRunRepository(db, logger)
	m.Cache = NewVerdictCache(rdb, cfg.CacheTTL.Std(), logger)

	if err := m.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("database connected", "host", cfg.Host, "name", cfg.Name, "redis", cfg.RedisEnabled)
	return m, nil
}

// Migrate creates the schema when absent.
func (m *Manager) Migrate(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS runs (
		id UUID PRIMARY KEY,
		status TEXT NOT NULL,
		iterations INT NOT NULL DEFAULT 0,
		input TEXT NOT NULL,
		final_spec JSONB,
		model_xml TEXT,
		properties JSONB,
		outcome JSONB,
		stage_log JSONB,
		reason TEXT NOT NULL DEFAULT '',
		created_by TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs (status);
	CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs (created_at DESC);`

	if _, err := m.DB.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

// Close releases the connections.
func (m *Manager) Close() error {
	if m.Redis != nil {
		m.Redis.Close()
	}
	return m.DB.Close()
}
