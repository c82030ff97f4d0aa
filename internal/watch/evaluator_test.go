package watch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSink struct {
	mu   sync.Mutex
	opps []Opportunity
	err  error
}

func (s *captureSink) Record(_ context.Context, opp Opportunity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.opps = append(s.opps, opp)
	return nil
}

func (s *captureSink) all() []Opportunity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Opportunity(nil), s.opps...)
}

type captureRecorder struct {
	opportunities int
	stale         []string
}

func (r *captureRecorder) Opportunity()                 { r.opportunities++ }
func (r *captureRecorder) StaleDisconnect(venue string) { r.stale = append(r.stale, venue) }

func newTestEvaluator(agg *Aggregator, fee float64, sinks ...Sink) (*Evaluator, *captureRecorder) {
	rec := &captureRecorder{}
	ev := NewEvaluator(agg, EvaluatorConfig{TakerFee: fee, StaleAfter: 30 * time.Second}, sinks, zerolog.Nop(), rec)
	return ev, rec
}

// Venue A bid 100.00 / ask 100.10, venue B bid 100.30 / ask 100.40 with a
// 0.1% fee nets exactly zero after rounding; raising B's bid to 100.50 yields
// a 0.20 profit buying on A and selling on B.
func TestEvaluateFeeAdjustedSpread(t *testing.T) {
	agg := NewAggregator("BTC")
	agg.UpdatePrice("alpha", 100.00, 100.10)
	agg.UpdatePrice("beta", 100.30, 100.40)

	sink := &captureSink{}
	ev, rec := newTestEvaluator(agg, 0.001, sink)

	ev.evaluate(context.Background())
	assert.Empty(t, sink.all(), "zero net profit must not emit")
	assert.Zero(t, rec.opportunities)

	agg.UpdatePrice("beta", 100.50, 100.60)
	ev.evaluate(context.Background())

	opps := sink.all()
	require.Len(t, opps, 1)
	opp := opps[0]
	assert.Equal(t, "alpha", opp.BuyVenue)
	assert.Equal(t, 100.10, opp.BuyPrice)
	assert.Equal(t, "beta", opp.SellVenue)
	assert.Equal(t, 100.50, opp.SellPrice)
	assert.Equal(t, "0.20", opp.Profit.StringFixed(2))
	assert.Equal(t, "first", opp.Label)
	assert.Equal(t, "BTC", opp.Symbol)
	assert.NotEmpty(t, opp.ID)
	assert.Equal(t, 1, rec.opportunities)
}

func TestEvaluateRequiresTwoConnectedVenues(t *testing.T) {
	agg := NewAggregator("BTC")
	agg.UpdatePrice("alpha", 100.00, 100.10)
	agg.UpdatePrice("beta", 200.00, 200.10)
	agg.SetStatus("beta", StatusDisconnected)

	sink := &captureSink{}
	ev, _ := newTestEvaluator(agg, 0, sink)
	ev.evaluate(context.Background())

	assert.Empty(t, sink.all())
}

// A profitable spread resting on a 45s-old quote disconnects the older venue
// instead of emitting.
func TestEvaluateStaleQuoteDisconnectsOlderVenue(t *testing.T) {
	agg := NewAggregator("BTC")
	base := time.Now()

	agg.now = func() time.Time { return base }
	agg.UpdatePrice("alpha", 100.00, 100.10)
	agg.now = func() time.Time { return base.Add(45 * time.Second) }
	agg.UpdatePrice("beta", 100.50, 100.60)

	sink := &captureSink{}
	ev, rec := newTestEvaluator(agg, 0.001, sink)
	ev.now = func() time.Time { return base.Add(45 * time.Second) }

	ev.evaluate(context.Background())

	assert.Empty(t, sink.all(), "stale pair must not emit")
	st, ok := agg.StatusOf("alpha")
	require.True(t, ok)
	assert.Equal(t, StatusDisconnected, st)
	st, _ = agg.StatusOf("beta")
	assert.Equal(t, StatusConnected, st)
	assert.Equal(t, []string{"alpha"}, rec.stale)
}

func TestEvaluateBothQuotesOldDisconnectsOlder(t *testing.T) {
	agg := NewAggregator("BTC")
	base := time.Now()

	agg.now = func() time.Time { return base }
	agg.UpdatePrice("alpha", 100.00, 100.10)
	agg.now = func() time.Time { return base.Add(5 * time.Second) }
	agg.UpdatePrice("beta", 100.50, 100.60)

	sink := &captureSink{}
	ev, rec := newTestEvaluator(agg, 0.001, sink)
	// Both quotes are now far older than staleAfter but within 30s of each
	// other; only the older one goes.
	ev.now = func() time.Time { return base.Add(2 * time.Minute) }

	ev.evaluate(context.Background())

	assert.Empty(t, sink.all())
	assert.Equal(t, []string{"alpha"}, rec.stale)
	st, _ := agg.StatusOf("beta")
	assert.Equal(t, StatusConnected, st)
}

func TestFirstOpportunityTracking(t *testing.T) {
	agg := NewAggregator("BTC")
	agg.UpdatePrice("alpha", 100.00, 100.10)
	agg.UpdatePrice("beta", 100.50, 100.60)

	sink := &captureSink{}
	ev, _ := newTestEvaluator(agg, 0.001, sink)

	ev.evaluate(context.Background())
	ev.evaluate(context.Background())

	opps := sink.all()
	require.Len(t, opps, 2)
	assert.Equal(t, "first", opps[0].Label)
	assert.Equal(t, "persisting", opps[1].Label)

	// Pair change restarts the run.
	agg.UpdatePrice("gamma", 100.80, 100.90)
	ev.evaluate(context.Background())
	opps = sink.all()
	require.Len(t, opps, 3)
	assert.Equal(t, "gamma", opps[2].SellVenue)
	assert.Equal(t, "first", opps[2].Label)

	// A non-positive tick clears the tracker.
	agg.Remove("gamma")
	agg.UpdatePrice("beta", 100.00, 100.05)
	ev.evaluate(context.Background())
	require.Len(t, sink.all(), 3)

	agg.UpdatePrice("beta", 100.50, 100.60)
	ev.evaluate(context.Background())
	opps = sink.all()
	require.Len(t, opps, 4)
	assert.Equal(t, "first", opps[3].Label)
}

// 20.05 * 0.9 = 18.045, which banker's rounding takes to 18.04 (even digit)
// rather than 18.05.
func TestProfitUsesBankersRounding(t *testing.T) {
	agg := NewAggregator("BTC")
	agg.UpdatePrice("alpha", 9.00, 10.00)
	agg.UpdatePrice("beta", 20.05, 21.00)

	sink := &captureSink{}
	ev, _ := newTestEvaluator(agg, 0.1, sink)
	ev.evaluate(context.Background())

	opps := sink.all()
	require.Len(t, opps, 1)
	// adjBid = 18.04, adjAsk = 10 * 1.1 = 11.00, profit = 7.04.
	assert.Equal(t, "7.04", opps[0].Profit.StringFixed(2))
}

func TestSinkErrorsDoNotStopFanout(t *testing.T) {
	agg := NewAggregator("BTC")
	agg.UpdatePrice("alpha", 100.00, 100.10)
	agg.UpdatePrice("beta", 100.50, 100.60)

	failing := &captureSink{err: errors.New("disk full")}
	healthy := &captureSink{}
	ev, rec := newTestEvaluator(agg, 0.001, failing, healthy)

	ev.evaluate(context.Background())

	assert.Len(t, healthy.all(), 1)
	assert.Equal(t, 1, rec.opportunities)
}

func TestRunStopsOnCancel(t *testing.T) {
	agg := NewAggregator("BTC")
	ev := NewEvaluator(agg, EvaluatorConfig{Tick: time.Millisecond}, nil, zerolog.Nop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ev.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("evaluator did not stop")
	}
}
