// Package venue implements the per-exchange websocket clients. Each client
// maintains a local order book from a snapshot plus the venue's delta stream
// and publishes its best bid/ask pair to the aggregator, surviving
// disconnects within a bounded retry budget.
package venue

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/arbwatch/arbwatch/internal/net/rest"
	"github.com/arbwatch/arbwatch/internal/watch"
)

// Names lists the supported venues in default order.
func Names() []string {
	return []string{"binance", "coinbase", "bybit", "kraken", "kucoin"}
}

// Board is the aggregator surface a client writes to. Implemented by
// watch.Aggregator.
type Board interface {
	UpdatePrice(venue string, bid, ask float64)
	SetStatus(venue string, status watch.Status)
	StatusOf(venue string) (watch.Status, bool)
	Remove(venue string)
}

// Recorder receives lifecycle events for metrics. Implementations must not
// block; all methods may be called from client goroutines.
type Recorder interface {
	WSMessage(venue string)
	Reconnect(venue, reason string)
	BookReset(venue, reason string)
	SnapshotFetch(venue string, ok bool)
}

type nopRecorder struct{}

func (nopRecorder) WSMessage(string)           {}
func (nopRecorder) Reconnect(string, string)   {}
func (nopRecorder) BookReset(string, string)   {}
func (nopRecorder) SnapshotFetch(string, bool) {}

// Config bounds the shared client lifecycle.
type Config struct {
	// StaleTime is both the read deadline on the stream and the quote age
	// beyond which the evaluator treats a venue as dead.
	StaleTime time.Duration
	// MaxReconnects bounds each retry counter (connect, snapshot, update).
	MaxReconnects int
	// Backoff is the fixed sleep between reconnect attempts.
	Backoff time.Duration
	// DisconnectHold is the sleep after an externally requested disconnect.
	DisconnectHold time.Duration
	// HandshakeTimeout bounds the websocket dial.
	HandshakeTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		StaleTime:        30 * time.Second,
		MaxReconnects:    5,
		Backoff:          5 * time.Second,
		DisconnectHold:   60 * time.Second,
		HandshakeTimeout: 10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.StaleTime <= 0 {
		c.StaleTime = def.StaleTime
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = def.MaxReconnects
	}
	if c.Backoff <= 0 {
		c.Backoff = def.Backoff
	}
	if c.DisconnectHold <= 0 {
		c.DisconnectHold = def.DisconnectHold
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	return c
}

// Options carries the constructor inputs shared by every client.
type Options struct {
	Board    Board
	Symbol   string // configured symbol, e.g. "BTC"
	Config   Config
	Logger   zerolog.Logger
	Recorder Recorder     // optional
	REST     *rest.Client // required by binance, kraken and kucoin
}

// Client is one venue's session loop. Run blocks until the context is
// canceled or the retry budget saturates (ErrStopped).
type Client interface {
	Name() string
	Run(ctx context.Context) error
}

// Venue-format symbols derived from the configured symbol.
func binancePair(symbol string) string  { return strings.ToLower(symbol) + "usdt" }
func coinbasePair(symbol string) string { return strings.ToUpper(symbol) + "-USD" }
func bybitPair(symbol string) string    { return strings.ToUpper(symbol) + "USDT" }
func krakenPair(symbol string) string   { return strings.ToUpper(symbol) + "/USD" }
func kucoinPair(symbol string) string   { return strings.ToUpper(symbol) + "-USDT" }

// levels converts wire rows of [price, size, ...] into snapshot rows,
// skipping malformed entries.
func levels(rows [][]string) [][2]string {
	out := make([][2]string, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		out = append(out, [2]string{row[0], row[1]})
	}
	return out
}
