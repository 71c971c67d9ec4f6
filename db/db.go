// Package db is the Postgres persistence layer. It stores one versioned
// rule document per account and kind; the in-memory managers own all other
// state.
package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/tracelog"

	"github.com/migadu/sift/config"
	"github.com/migadu/sift/logger"
)

// Database wraps the pgx connection pool.
type Database struct {
	Pool *pgxpool.Pool

	queryTimeout time.Duration
}

// NewDatabase connects a pool from configuration and verifies the
// connection with a ping.
func NewDatabase(ctx context.Context, cfg *config.DatabaseConfig) (*Database, error) {
	connString, err := BuildConnString(cfg)
	if err != nil {
		return nil, err
	}

	poolCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}
	if lifetime, err := cfg.GetMaxConnLifetime(); err == nil {
		poolCfg.MaxConnLifetime = lifetime
	}
	if idle, err := cfg.GetMaxConnIdleTime(); err == nil {
		poolCfg.MaxConnIdleTime = idle
	}
	if cfg.Debug {
		poolCfg.ConnConfig.Tracer = &tracelog.TraceLog{
			Logger:   tracelog.LoggerFunc(logQuery),
			LogLevel: tracelog.LogLevelDebug,
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}

	queryTimeout, err := cfg.GetQueryTimeout()
	if err != nil {
		pool.Close()
		return nil, err
	}

	return &Database{Pool: pool, queryTimeout: queryTimeout}, nil
}

// PoolStats reports connection pool occupancy for the metrics collector.
func (db *Database) PoolStats() (total, idle, inUse int32) {
	stat := db.Pool.Stat()
	return stat.TotalConns(), stat.IdleConns(), stat.AcquiredConns()
}

// Close releases the connection pool.
func (db *Database) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

// BuildConnString assembles a postgres:// URL from configuration. Hosts
// without an explicit port get the configured default.
func BuildConnString(cfg *config.DatabaseConfig) (string, error) {
	if len(cfg.Hosts) == 0 {
		return "", fmt.Errorf("at least one database host must be specified")
	}

	defaultPort := cfg.Port
	if defaultPort == "" {
		defaultPort = "5432"
	}

	hosts := make([]string, 0, len(cfg.Hosts))
	for _, h := range cfg.Hosts {
		h = strings.TrimSpace(h)
		if h == "" {
			return "", fmt.Errorf("database host must not be empty")
		}
		if !strings.Contains(h, ":") {
			h = h + ":" + defaultPort
		}
		hosts = append(hosts, h)
	}

	sslMode := "disable"
	if cfg.TLSMode {
		sslMode = "require"
	}

	auth := cfg.User
	if cfg.Password != "" {
		auth = fmt.Sprintf("%s:%s", cfg.User, cfg.Password)
	}

	return fmt.Sprintf("postgres://%s@%s/%s?sslmode=%s",
		auth, strings.Join(hosts, ","), cfg.Name, sslMode), nil
}

// queryCtx derives a per-query timeout context when one is configured.
func (db *Database) queryCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if db.queryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, db.queryTimeout)
}

func logQuery(ctx context.Context, level tracelog.LogLevel, msg string, data map[string]any) {
	args := make([]any, 0, len(data)*2)
	for k, v := range data {
		args = append(args, k, v)
	}
	logger.DebugContext(ctx, "db: "+msg, args...)
}
