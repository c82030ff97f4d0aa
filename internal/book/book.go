package book

import (
	"fmt"
	"sort"
	"strconv"
)

// Side selects one half of the book.
type Side int

const (
	Bid Side = iota
	Ask
)

func (s Side) String() string {
	if s == Bid {
		return "bid"
	}
	return "ask"
}

// Book is a local L2 order book assembled from a venue snapshot plus its
// delta stream. Levels are keyed by the venue's exact wire text for the
// price so that dedup and checksum behavior match what the venue computes;
// ordering always uses the numeric value. A Book belongs to a single venue
// client goroutine and is not safe for concurrent use.
type Book struct {
	bids    map[string]string
	asks    map[string]string
	lastSeq int64
}

func New() *Book {
	return &Book{
		bids: make(map[string]string),
		asks: make(map[string]string),
	}
}

// Reset drops all levels and the sequence cursor.
func (b *Book) Reset() {
	b.bids = make(map[string]string)
	b.asks = make(map[string]string)
	b.lastSeq = 0
}

// LoadSnapshot replaces the book with the given (price, size) rows and sets
// the sequence cursor.
func (b *Book) LoadSnapshot(bids, asks [][2]string, seq int64) error {
	b.Reset()
	for _, row := range bids {
		if err := b.Apply(Bid, row[0], row[1]); err != nil {
			return err
		}
	}
	for _, row := range asks {
		if err := b.Apply(Ask, row[0], row[1]); err != nil {
			return err
		}
	}
	b.lastSeq = seq
	return nil
}

// Apply sets or removes one level. A size that parses to numeric zero
// removes the level; removing an absent level is a no-op, so zero-size
// deltas are idempotent.
func (b *Book) Apply(side Side, price, size string) error {
	if _, err := strconv.ParseFloat(price, 64); err != nil {
		return fmt.Errorf("bad price %q: %w", price, err)
	}
	qty, err := strconv.ParseFloat(size, 64)
	if err != nil {
		return fmt.Errorf("bad size %q at price %s: %w", size, price, err)
	}
	levels := b.bids
	if side == Ask {
		levels = b.asks
	}
	if qty == 0 {
		delete(levels, price)
		return nil
	}
	levels[price] = size
	return nil
}

func (b *Book) Seq() int64       { return b.lastSeq }
func (b *Book) SetSeq(seq int64) { b.lastSeq = seq }

// Ready reports whether both sides hold at least one level.
func (b *Book) Ready() bool {
	return len(b.bids) > 0 && len(b.asks) > 0
}

// Depth returns the current number of bid and ask levels.
func (b *Book) Depth() (bids, asks int) {
	return len(b.bids), len(b.asks)
}

// Best returns the numerically highest bid and lowest ask. ok is false
// while either side is empty.
func (b *Book) Best() (bid, ask float64, ok bool) {
	if !b.Ready() {
		return 0, 0, false
	}
	first := true
	for price := range b.bids {
		v, _ := strconv.ParseFloat(price, 64)
		if first || v > bid {
			bid = v
			first = false
		}
	}
	first = true
	for price := range b.asks {
		v, _ := strconv.ParseFloat(price, 64)
		if first || v < ask {
			ask = v
			first = false
		}
	}
	return bid, ask, true
}

// Crossed reports whether the book is in an impossible state, best bid at
// or above best ask. A crossed book means the delta stream desynced and the
// owner must reset from a snapshot before publishing again.
func (b *Book) Crossed() bool {
	bid, ask, ok := b.Best()
	return ok && bid >= ask
}

// Truncate keeps only the top depth levels per side: highest bids, lowest
// asks. Venues that stream a fixed-depth book expect the local copy to be
// re-truncated after every update.
func (b *Book) Truncate(depth int) {
	if len(b.bids) > depth {
		keep := sortedPrices(b.bids, false)[:depth]
		b.bids = keepLevels(b.bids, keep)
	}
	if len(b.asks) > depth {
		keep := sortedPrices(b.asks, true)[:depth]
		b.asks = keepLevels(b.asks, keep)
	}
}

// sortedPrices returns the price keys of levels ordered numerically,
// ascending or descending.
func sortedPrices(levels map[string]string, asc bool) []string {
	prices := make([]string, 0, len(levels))
	for p := range levels {
		prices = append(prices, p)
	}
	sort.Slice(prices, func(i, j int) bool {
		a, _ := strconv.ParseFloat(prices[i], 64)
		c, _ := strconv.ParseFloat(prices[j], 64)
		if asc {
			return a < c
		}
		return a > c
	})
	return prices
}

func keepLevels(levels map[string]string, keys []string) map[string]string {
	next := make(map[string]string, len(keys))
	for _, k := range keys {
		next[k] = levels[k]
	}
	return next
}
