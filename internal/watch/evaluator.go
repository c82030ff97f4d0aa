package watch

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Recorder receives evaluator events for metrics. Implementations must not
// block.
type Recorder interface {
	Opportunity()
	StaleDisconnect(venue string)
}

type nopRecorder struct{}

func (nopRecorder) Opportunity()           {}
func (nopRecorder) StaleDisconnect(string) {}

// EvaluatorConfig tunes the opportunity loop. Zero values pick the defaults:
// 500ms tick, 30s staleness, zero fee.
type EvaluatorConfig struct {
	TakerFee   float64
	StaleAfter time.Duration
	Tick       time.Duration
}

// Evaluator scans the aggregator on a fixed tick for fee-adjusted crossed
// spreads and fans detected opportunities to the configured sinks.
type Evaluator struct {
	agg        *Aggregator
	bidFactor  decimal.Decimal // 1 - fee, applied to the sell-side bid
	askFactor  decimal.Decimal // 1 + fee, applied to the buy-side ask
	staleAfter time.Duration
	tick       time.Duration
	sinks      []Sink
	log        zerolog.Logger
	rec        Recorder
	now        func() time.Time

	tracked *venuePair
}

// venuePair identifies one buy/sell venue combination for run tracking.
type venuePair struct {
	buy  string
	sell string
}

func NewEvaluator(agg *Aggregator, cfg EvaluatorConfig, sinks []Sink, logger zerolog.Logger, rec Recorder) *Evaluator {
	if cfg.Tick <= 0 {
		cfg.Tick = 500 * time.Millisecond
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 30 * time.Second
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	fee := decimal.NewFromFloat(cfg.TakerFee)
	return &Evaluator{
		agg:        agg,
		bidFactor:  decimal.NewFromInt(1).Sub(fee),
		askFactor:  decimal.NewFromInt(1).Add(fee),
		staleAfter: cfg.StaleAfter,
		tick:       cfg.Tick,
		sinks:      sinks,
		log:        logger,
		rec:        rec,
		now:        time.Now,
	}
}

// Run ticks until the context is canceled.
func (e *Evaluator) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.evaluate(ctx)
		}
	}
}

// evaluate performs one tick: gate on connected venues, take the best pair,
// adjust for fees, police staleness, then emit.
func (e *Evaluator) evaluate(ctx context.Context) {
	if e.agg.ConnectedCount() < 2 {
		return
	}
	bid, ask, ok := e.agg.BestOpportunity()
	if !ok {
		return
	}

	adjBid := decimal.NewFromFloat(bid.Price).Mul(e.bidFactor).RoundBank(2)
	adjAsk := decimal.NewFromFloat(ask.Price).Mul(e.askFactor).RoundBank(2)
	profit := adjBid.Sub(adjAsk)
	if profit.Sign() <= 0 {
		e.tracked = nil
		return
	}

	now := e.now()
	if stale, older := e.staleSide(now, bid, ask); stale {
		e.log.Warn().
			Str("venue", older).
			Time("bid_at", bid.At).
			Time("ask_at", ask.At).
			Str("profit", profit.StringFixed(2)).
			Msg("stale quote behind profitable spread, disconnecting venue")
		e.agg.SetStatus(older, StatusDisconnected)
		e.rec.StaleDisconnect(older)
		return
	}

	pair := venuePair{buy: ask.Venue, sell: bid.Venue}
	label := "first"
	if e.tracked != nil && *e.tracked == pair {
		label = "persisting"
	} else {
		e.tracked = &pair
	}

	opp := Opportunity{
		ID:         uuid.NewString(),
		Symbol:     e.agg.Symbol(),
		BuyVenue:   ask.Venue,
		BuyPrice:   ask.Price,
		BuyAt:      ask.At,
		SellVenue:  bid.Venue,
		SellPrice:  bid.Price,
		SellAt:     bid.At,
		Profit:     profit,
		Label:      label,
		DetectedAt: now,
	}

	snap := e.agg.Snapshot()
	e.log.Info().
		Str("label", label).
		Str("buy_venue", opp.BuyVenue).
		Float64("buy_price", opp.BuyPrice).
		Str("sell_venue", opp.SellVenue).
		Float64("sell_price", opp.SellPrice).
		Str("adj_bid", adjBid.StringFixed(2)).
		Str("adj_ask", adjAsk.StringFixed(2)).
		Str("profit", profit.StringFixed(2)).
		Interface("prices", snap.Quotes).
		Msg("arbitrage opportunity")
	e.rec.Opportunity()

	for _, sink := range e.sinks {
		if err := sink.Record(ctx, opp); err != nil {
			e.log.Error().Err(err).Str("id", opp.ID).Msg("opportunity sink failed")
		}
	}
}

// staleSide reports whether the pair is too stale to act on. Exactly one
// venue is named: the one with the older timestamp.
func (e *Evaluator) staleSide(now time.Time, bid, ask Best) (bool, string) {
	gap := bid.At.Sub(ask.At)
	if gap < 0 {
		gap = -gap
	}
	if gap <= e.staleAfter && now.Sub(bid.At) <= e.staleAfter && now.Sub(ask.At) <= e.staleAfter {
		return false, ""
	}
	if ask.At.Before(bid.At) {
		return true, ask.Venue
	}
	return true, bid.Venue
}
