package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

// Config holds Postgres connection settings.
type Config struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxConnections  int
	IdleConnections int
	MaxLifetime     time.Duration
}

// Postgres implements Store on top of a PostgreSQL database.
type Postgres struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// New wraps an existing connection. Used by tests and by callers that
// manage the pool themselves.
func New(db *sqlx.DB, logger *zap.Logger) *Postgres {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Postgres{db: db, logger: logger}
}

// Open connects with the given config and verifies the connection.
func Open(config *Config, logger *zap.Logger) (*Postgres, error) {
	if config.MaxConnections == 0 {
		config.MaxConnections = 25
	}
	if config.IdleConnections == 0 {
		config.IdleConnections = 5
	}
	if config.MaxLifetime == 0 {
		config.MaxLifetime = 5 * time.Minute
	}
	if config.SSLMode == "" {
		config.SSLMode = "require"
	}

	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.Database, config.SSLMode,
	)
	return open(dsn, config, logger)
}

// OpenURL connects using a postgres:// URL (the DATABASE_URL form).
func OpenURL(databaseURL string, logger *zap.Logger) (*Postgres, error) {
	return open(databaseURL, &Config{
		MaxConnections:  25,
		IdleConnections: 5,
		MaxLifetime:     5 * time.Minute,
	}, logger)
}

func open(dsn string, config *Config, logger *zap.Logger) (*Postgres, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetMaxIdleConns(config.IdleConnections)
	db.SetConnMaxLifetime(config.MaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Event store connected",
		zap.Int("max_connections", config.MaxConnections),
	)
	return &Postgres{db: db, logger: logger}, nil
}

// DB returns the underlying connection for direct queries.
func (p *Postgres) DB() *sqlx.DB {
	return p.db
}

// Close shuts down the connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// Ping checks connectivity.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// withTx runs fn inside a transaction, rolling back on error or panic.
func (p *Postgres) withTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("rollback failed: %v, original error: %w", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err is a Postgres unique constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// advisoryKey hashes a lock name to the int64 keyspace of Postgres
// advisory locks.
func advisoryKey(key string) int64 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int64(h.Sum32())
}

// AdvisoryLock attempts a session-level advisory lock without blocking.
func (p *Postgres) AdvisoryLock(ctx context.Context, key string) (bool, error) {
	var got bool
	if err := p.db.GetContext(ctx, &got, `SELECT pg_try_advisory_lock($1)`, advisoryKey(key)); err != nil {
		return false, fmt.Errorf("advisory lock %q: %w", key, err)
	}
	return got, nil
}

// AdvisoryUnlock releases a lock taken by AdvisoryLock.
func (p *Postgres) AdvisoryUnlock(ctx context.Context, key string) error {
	var released bool
	if err := p.db.GetContext(ctx, &released, `SELECT pg_advisory_unlock($1)`, advisoryKey(key)); err != nil {
		return fmt.Errorf("advisory unlock %q: %w", key, err)
	}
	if !released {
		p.logger.Warn("Advisory unlock released nothing", zap.String("key", key))
	}
	return nil
}
