package watch

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Opportunity is one detected cross-venue spread, fee-adjusted. BuyPrice is
// the raw ask on the buy venue; SellPrice the raw bid on the sell venue.
// Profit carries the 2dp fee-adjusted difference.
type Opportunity struct {
	ID         string
	Symbol     string
	BuyVenue   string
	BuyPrice   float64
	BuyAt      time.Time
	SellVenue  string
	SellPrice  float64
	SellAt     time.Time
	Profit     decimal.Decimal
	Label      string // "first" or "persisting"
	DetectedAt time.Time
}

// Sink receives detected opportunities. Implementations must tolerate bursts
// (one per evaluator tick) and return promptly.
type Sink interface {
	Record(ctx context.Context, opp Opportunity) error
}
