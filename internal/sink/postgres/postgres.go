// Package postgres persists rankings into a Postgres table.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/pkgrank-crawler/internal/crawler"
)

// DefaultTable receives rankings when no table is configured.
const DefaultTable = "packages"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Columns is the insert column order.
var Columns = []string{"package_name", "latest_version", "description", "downloads", "ranking", "is_reserved", "source"}

// Config controls the connection pool and write behavior.
type Config struct {
	DSN   string
	Table string
	// Truncate empties the table before each ranking is written, so the
	// table always holds exactly the latest crawl.
	Truncate bool
	// ReservedPrefixes marks rows whose package name starts with a vendor
	// prefix.
	ReservedPrefixes []string
	IgnoreCase       bool
	MaxConns         int32
	MaxConnLifetime  time.Duration
}

type beginCloser interface {
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// Sink writes rankings inside a single transaction.
type Sink struct {
	pool     beginCloser
	table    string
	truncate bool
	reserved crawler.PrefixMatcher
	logger   *zap.Logger
}

// New connects to Postgres and returns a Sink.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Sink, error) {
	if cfg.DSN == "" {
		return nil, errors.New("sinks.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	sink, err := NewWithPool(pool, cfg, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return sink, nil
}

// NewWithPool constructs a Sink from an existing pool (primarily for testing).
func NewWithPool(pool beginCloser, cfg Config, logger *zap.Logger) (*Sink, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	table := cfg.Table
	if table == "" {
		table = DefaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{
		pool:     pool,
		table:    table,
		truncate: cfg.Truncate,
		reserved: crawler.NewPrefixMatcher(cfg.ReservedPrefixes, cfg.IgnoreCase),
		logger:   logger.Named("postgres").With(zap.String("table", table)),
	}, nil
}

// EnsureTable creates the target table when it does not exist.
func (s *Sink) EnsureTable(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	package_name TEXT NOT NULL,
	latest_version TEXT NOT NULL,
	description TEXT NOT NULL,
	downloads BIGINT NOT NULL,
	ranking INTEGER NOT NULL,
	is_reserved BOOLEAN NOT NULL,
	source TEXT NOT NULL
)`, pgx.Identifier{s.table}.Sanitize())
	if _, err := tx.Exec(ctx, ddl); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("create table: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Accept implements crawler.Sink. Either the whole ranking is stored or
// nothing changes.
func (s *Sink) Accept(ctx context.Context, packages []crawler.Package) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := s.write(ctx, tx, packages); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.logger.Info("ranking stored", zap.Int("rows", len(packages)), zap.Bool("truncated", s.truncate))
	return nil
}

func (s *Sink) write(ctx context.Context, tx pgx.Tx, packages []crawler.Package) error {
	ident := pgx.Identifier{s.table}
	if s.truncate {
		if _, err := tx.Exec(ctx, "TRUNCATE TABLE "+ident.Sanitize()); err != nil {
			return fmt.Errorf("truncate %s: %w", s.table, err)
		}
	}
	if len(packages) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(packages))
	for _, pkg := range packages {
		rows = append(rows, []any{
			pkg.ID,
			pkg.Version,
			pkg.Description,
			pkg.DownloadCount,
			pkg.Rank,
			s.reserved.Match(pkg.ID),
			pkg.Source,
		})
	}
	n, err := tx.CopyFrom(ctx, ident, Columns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("copy into %s: %w", s.table, err)
	}
	if n != int64(len(rows)) {
		return fmt.Errorf("copy into %s: wrote %d of %d rows", s.table, n, len(rows))
	}
	return nil
}

// Close releases the pool.
func (s *Sink) Close() error {
	s.pool.Close()
	return nil
}
