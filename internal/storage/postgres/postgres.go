// Package postgres implements the storage collaborator on PostgreSQL using
// pgx v5.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cory-johannsen/gtserver/internal/config"
)

// Pool is the connection pool shared by the repositories.
type Pool struct {
	pool *pgxpool.Pool
}

// NewPool opens a pool sized by cfg and verifies the server answers.
//
// Precondition: cfg has passed config validation.
// Postcondition: Returns a Pool that has completed one round trip, or an
// error; nothing is left open on error.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parsing database config for %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	return open(ctx, poolCfg)
}

// Connect opens a pool from a DSN with pgx's default sizing.
func Connect(ctx context.Context, dsn string) (*Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing dsn: %w", err)
	}
	return open(ctx, poolCfg)
}

func open(ctx context.Context, poolCfg *pgxpool.Config) (*Pool, error) {
	db, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging %s: %w", poolCfg.ConnConfig.Host, err)
	}
	return &Pool{pool: db}, nil
}

// Health pings the server, giving up after timeout.
func (p *Pool) Health(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := p.pool.Ping(ctx); err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}
	return nil
}

// RegisterMetrics exports the pool's connection counts on reg as
// gtserver_db_connections{state="total|idle|acquired"}.
func (p *Pool) RegisterMetrics(reg prometheus.Registerer) error {
	gauge := func(state string, read func(*pgxpool.Stat) int32) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "gtserver_db_connections",
			Help:        "Database pool connections by state.",
			ConstLabels: prometheus.Labels{"state": state},
		}, func() float64 { return float64(read(p.pool.Stat())) })
	}
	for _, c := range []prometheus.Collector{
		gauge("total", (*pgxpool.Stat).TotalConns),
		gauge("idle", (*pgxpool.Stat).IdleConns),
		gauge("acquired", (*pgxpool.Stat).AcquiredConns),
	} {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("registering pool metrics: %w", err)
		}
	}
	return nil
}

// Close releases every connection. It is safe to call more than once.
func (p *Pool) Close() {
	p.pool.Close()
}

// DB returns the pgx pool for repositories.
func (p *Pool) DB() *pgxpool.Pool {
	return p.pool
}
