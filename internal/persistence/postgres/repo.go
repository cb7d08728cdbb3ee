// Package postgres implements the persistence contracts against PostgreSQL
// with upsert semantics on the natural keys.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/marketscan/scanner/internal/persistence"
)

// Repo is the scanner's Postgres repository.
type Repo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewRepo wraps an open connection pool.
func NewRepo(db *sqlx.DB, timeout time.Duration) *Repo {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Repo{db: db, timeout: timeout}
}

// Connect opens and pings a Postgres pool from a DSN.
func Connect(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// PersistBar upserts one bar keyed (symbol, ts).
func (r *Repo) PersistBar(ctx context.Context, bar persistence.BarRecord) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO bars_1m (symbol, ts, close, atr_pct, spread_bps, depth_usdt,
			mom_1m, mom_15m, funding_pct, open_interest, basis_bps, manip_score, manip_flags)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (symbol, ts) DO UPDATE SET
			close = EXCLUDED.close,
			atr_pct = EXCLUDED.atr_pct,
			spread_bps = EXCLUDED.spread_bps,
			depth_usdt = EXCLUDED.depth_usdt,
			mom_1m = EXCLUDED.mom_1m,
			mom_15m = EXCLUDED.mom_15m,
			funding_pct = EXCLUDED.funding_pct,
			open_interest = EXCLUDED.open_interest,
			basis_bps = EXCLUDED.basis_bps,
			manip_score = EXCLUDED.manip_score,
			manip_flags = EXCLUDED.manip_flags`

	_, err := r.db.ExecContext(ctx, query,
		bar.Symbol, bar.TS, bar.Close, bar.ATRPct, bar.SpreadBps, bar.DepthUSDT,
		bar.Mom1m, bar.Mom15m, bar.FundingPct, bar.OpenInterest, bar.BasisBps,
		bar.ManipScore, pq.Array(bar.ManipFlags))
	if err != nil {
		return fmt.Errorf("failed to upsert bar %s@%s: %w", bar.Symbol, bar.TS.Format(time.RFC3339), err)
	}
	return nil
}

// PersistRankings upserts a batch of ranked rows keyed (symbol, ts, profile)
// inside one transaction.
func (r *Repo) PersistRankings(ctx context.Context, rankings []persistence.RankingRecord) error {
	if len(rankings) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO rankings (symbol, ts, profile, score, manip_score, manip_flags, inputs_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (symbol, ts, profile) DO UPDATE SET
			score = EXCLUDED.score,
			manip_score = EXCLUDED.manip_score,
			manip_flags = EXCLUDED.manip_flags,
			inputs_json = EXCLUDED.inputs_json`)
	if err != nil {
		return fmt.Errorf("failed to prepare rankings upsert: %w", err)
	}
	defer stmt.Close()

	for _, row := range rankings {
		if _, err := stmt.ExecContext(ctx, row.Symbol, row.TS, row.Profile, row.Score,
			row.ManipScore, pq.Array(row.ManipFlags), []byte(row.InputsJSON)); err != nil {
			return fmt.Errorf("failed to upsert ranking %s/%s: %w", row.Symbol, row.Profile, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rankings: %w", err)
	}
	return nil
}

var _ persistence.Store = (*Repo)(nil)
