// Package persistence defines the storage collaborator contracts the scan
// cycle emits into. The core never fails a cycle on a persistence error.
package persistence

import (
	"context"
	"encoding/json"
	"time"
)

// BarRecord is one enriched 1m bar, keyed (symbol, ts).
type BarRecord struct {
	Symbol       string    `db:"symbol" json:"symbol"`
	TS           time.Time `db:"ts" json:"ts"`
	Close        float64   `db:"close" json:"close"`
	ATRPct       float64   `db:"atr_pct" json:"atr_pct"`
	SpreadBps    float64   `db:"spread_bps" json:"spread_bps"`
	DepthUSDT    float64   `db:"depth_usdt" json:"depth_usdt"`
	Mom1m        float64   `db:"mom_1m" json:"mom_1m"`
	Mom15m       float64   `db:"mom_15m" json:"mom_15m"`
	FundingPct   *float64  `db:"funding_pct" json:"funding_pct,omitempty"`
	OpenInterest *float64  `db:"open_interest" json:"open_interest,omitempty"`
	BasisBps     *float64  `db:"basis_bps" json:"basis_bps,omitempty"`
	ManipScore   *float64  `db:"manip_score" json:"manip_score,omitempty"`
	ManipFlags   []string  `db:"manip_flags" json:"manip_flags"`
}

// RankingRecord is one ranked row, keyed (symbol, ts, profile).
type RankingRecord struct {
	Symbol     string          `db:"symbol" json:"symbol"`
	TS         time.Time       `db:"ts" json:"ts"`
	Profile    string          `db:"profile" json:"profile"`
	Score      float64         `db:"score" json:"score"`
	ManipScore *float64        `db:"manip_score" json:"manip_score,omitempty"`
	ManipFlags []string        `db:"manip_flags" json:"manip_flags"`
	InputsJSON json.RawMessage `db:"inputs_json" json:"inputs_json"`
}

// Store persists scan output. Both operations are upserts.
type Store interface {
	PersistBar(ctx context.Context, bar BarRecord) error
	PersistRankings(ctx context.Context, rankings []RankingRecord) error
}

// NoopStore drops everything, used when no database is configured.
type NoopStore struct{}

func (NoopStore) PersistBar(context.Context, BarRecord) error          { return nil }
func (NoopStore) PersistRankings(context.Context, []RankingRecord) error { return nil }
