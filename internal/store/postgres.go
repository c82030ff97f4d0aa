package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/arbwatch/arbwatch/internal/watch"
)

const createOpportunities = `
CREATE TABLE IF NOT EXISTS arb_opportunities (
	id         BIGSERIAL PRIMARY KEY,
	ts         TIMESTAMPTZ NOT NULL,
	symbol     TEXT NOT NULL,
	buy_venue  TEXT NOT NULL,
	buy_price  DOUBLE PRECISION NOT NULL,
	sell_venue TEXT NOT NULL,
	sell_price DOUBLE PRECISION NOT NULL,
	spread     NUMERIC(18,2) NOT NULL,
	label      TEXT NOT NULL
)`

const insertOpportunity = `
INSERT INTO arb_opportunities (ts, symbol, buy_venue, buy_price, sell_venue, sell_price, spread, label)
VALUES (:ts, :symbol, :buy_venue, :buy_price, :sell_venue, :sell_price, :spread, :label)`

type opportunityRow struct {
	TS        time.Time       `db:"ts"`
	Symbol    string          `db:"symbol"`
	BuyVenue  string          `db:"buy_venue"`
	BuyPrice  float64         `db:"buy_price"`
	SellVenue string          `db:"sell_venue"`
	SellPrice float64         `db:"sell_price"`
	Spread    decimal.Decimal `db:"spread"`
	Label     string          `db:"label"`
}

// Postgres inserts one arb_opportunities row per record.
type Postgres struct {
	db      *sqlx.DB
	timeout time.Duration
	log     zerolog.Logger
}

// NewPostgres connects, pings, and ensures the table exists. Any failure
// here is a configuration error: the caller should abort startup rather
// than run with a sink that silently drops rows.
func NewPostgres(ctx context.Context, dsn string, logger zerolog.Logger) (*Postgres, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, createOpportunities); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure arb_opportunities: %w", err)
	}
	logger.Info().Msg("postgres opportunity sink ready")
	return &Postgres{db: db, timeout: 5 * time.Second, log: logger}, nil
}

func (s *Postgres) Record(ctx context.Context, opp watch.Opportunity) error {
	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.db.NamedExecContext(opCtx, insertOpportunity, opportunityRow{
		TS:        opp.DetectedAt,
		Symbol:    opp.Symbol,
		BuyVenue:  opp.BuyVenue,
		BuyPrice:  opp.BuyPrice,
		SellVenue: opp.SellVenue,
		SellPrice: opp.SellPrice,
		Spread:    opp.Profit,
		Label:     opp.Label,
	})
	if err != nil {
		return fmt.Errorf("insert opportunity: %w", err)
	}
	return nil
}

func (s *Postgres) Close() error { return s.db.Close() }
