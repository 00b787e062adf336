package config

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	// Database drivers registered via side effects.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// DBPool manages shared database connection pools keyed by DSN.
// Multiple components referencing the same database share one *sql.DB.
type DBPool struct {
	mu    sync.Mutex
	pools map[string]*sql.DB
}

// NewDBPool creates an empty connection pool manager.
func NewDBPool() *DBPool {
	return &DBPool{
		pools: make(map[string]*sql.DB),
	}
}

// Get returns a connection pool for the given database config,
// creating and pinging it on first use.
func (p *DBPool) Get(cfg *DatabaseConfig) (*sql.DB, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database config is nil")
	}

	dsn := cfg.DSN()
	if dsn == "" {
		return nil, fmt.Errorf("unable to build DSN for driver %q", cfg.Driver)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if db, ok := p.pools[dsn]; ok {
		return db, nil
	}

	db, err := sql.Open(cfg.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.DriverName() == "sqlite3" {
		// SQLite allows one writer; a single connection avoids
		// SQLITE_BUSY storms under concurrent tool calls.
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
		if _, err := db.Exec("PRAGMA busy_timeout=10000"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set busy timeout: %w", err)
		}
	} else {
		db.SetMaxOpenConns(cfg.MaxConns)
		db.SetMaxIdleConns(cfg.MaxIdle)
	}
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	p.pools[dsn] = db
	return db, nil
}

// Close closes all managed pools. Safe to call more than once.
func (p *DBPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for dsn, db := range p.pools {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.pools, dsn)
	}
	return firstErr
}
