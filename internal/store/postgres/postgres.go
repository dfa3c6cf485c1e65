// Package postgres implements the settlement ports on PostgreSQL through pgxpool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/matheusmosca/marketplace-checkout/internal/settlement"
)

// DB is the subset of *pgxpool.Pool the stores use.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

const uniqueViolation = "23505"

// PoolConfig sizes the connection pool.
type PoolConfig struct {
	DSN          string
	MaxConns     int32
	PingAttempts int
}

// NewPool opens a pool and waits for the database to answer.
func NewPool(ctx context.Context, cfg PoolConfig, log *slog.Logger) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	if cfg.MaxConns > 0 {
		config.MaxConns = cfg.MaxConns
	}
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	attempts := cfg.PingAttempts
	if attempts <= 0 {
		attempts = 30
	}
	for i := 0; i < attempts; i++ {
		if err := pool.Ping(ctx); err == nil {
			log.Info("✅ Connected to checkout database")
			return pool, nil
		}
		log.Info("⏳ Waiting for database...", "attempt", i+1, "of", attempts)
		select {
		case <-ctx.Done():
			pool.Close()
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}

	pool.Close()
	return nil, fmt.Errorf("failed to connect to database after %d attempts", attempts)
}

// Store groups the PostgreSQL adapters over one pool.
type Store struct {
	db DB
}

// New wraps a pool (or anything shaped like one).
func New(db DB) *Store {
	return &Store{db: db}
}

func (s *Store) Accounts() *AccountStore   { return &AccountStore{db: s.db} }
func (s *Store) Products() *ProductCatalog { return &ProductCatalog{db: s.db} }
func (s *Store) Orders() *OrderStore       { return &OrderStore{db: s.db} }
func (s *Store) Tokens() *TokenLedger      { return &TokenLedger{db: s.db} }

// mapErr translates driver errors into the settlement port sentinels.
func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return settlement.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", settlement.ErrDuplicate, pgErr.ConstraintName)
	}
	return fmt.Errorf("%s: %w", op, err)
}
