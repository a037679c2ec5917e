package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is satisfied by both the pool and an open transaction, so stores
// can run the same statements inside or outside WithTx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Config struct {
	DSN      string
	MaxConns int32
	MinConns int32

	// MaxConnLifetime recycles connections so a failover or PgBouncer restart
	// is picked up without a process restart. Zero keeps the pgx default.
	MaxConnLifetime time.Duration

	// ApplicationName shows up in pg_stat_activity.
	ApplicationName string
}

type DB struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, cfg Config) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}

	poolCfg.MaxConns = orDefault(cfg.MaxConns, 10)
	poolCfg.MinConns = min(orDefault(cfg.MinConns, 2), poolCfg.MaxConns)
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.ApplicationName != "" {
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &DB{pool: pool}, nil
}

func orDefault(v, fallback int32) int32 {
	if v > 0 {
		return v
	}
	return fallback
}

func (db *DB) Close() {
	db.pool.Close()
}

// Pool returns the underlying pool for non-transactional statements.
func (db *DB) Pool() Querier {
	return db.pool
}

// WithTx runs fn in a read-committed transaction. The transaction commits
// when fn returns nil and rolls back otherwise; fn's error is returned as is.
//
//	err := database.WithTx(ctx, func(tx db.Querier) error {
//		if _, err := tx.Exec(ctx, "SELECT 1 FROM conversations WHERE id = $1 FOR UPDATE", id); err != nil {
//			return err
//		}
//		_, err := tx.Exec(ctx, "INSERT INTO conversation_messages ...")
//		return err
//	})
func (db *DB) WithTx(ctx context.Context, fn func(tx Querier) error) error {
	return pgx.BeginTxFunc(ctx, db.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(tx)
	})
}
