package watch

import (
	"encoding/json"
	"sync"
	"time"
)

// Status is a venue's connection state as seen by the aggregator.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnected
	// StatusStopped is terminal: the venue client exhausted its retry
	// budget and exited. The process keeps running without it.
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusConnected:
		return "connected"
	case StatusStopped:
		return "stopped"
	default:
		return "disconnected"
	}
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Quote is one venue's most recent best pair. Prices are zero (and
// serialized as null) while the venue has never published.
type Quote struct {
	Bid       float64
	Ask       float64
	UpdatedAt time.Time
	Status    Status
}

func (q Quote) MarshalJSON() ([]byte, error) {
	type wire struct {
		Bid       *float64 `json:"bid"`
		Ask       *float64 `json:"ask"`
		Timestamp *float64 `json:"timestamp"`
		Status    Status   `json:"status"`
	}
	w := wire{Status: q.Status}
	if q.Bid > 0 {
		w.Bid = &q.Bid
	}
	if q.Ask > 0 {
		w.Ask = &q.Ask
	}
	if !q.UpdatedAt.IsZero() {
		ts := float64(q.UpdatedAt.UnixNano()) / 1e9
		w.Timestamp = &ts
	}
	return json.Marshal(w)
}

// Best identifies the venue holding one side of the best pair.
type Best struct {
	Venue string
	Price float64
	At    time.Time
}

// Snapshot is a point-in-time copy of the aggregator, safe to hand to
// publishers and HTTP handlers.
type Snapshot struct {
	Symbol  string
	TakenAt time.Time
	Venues  []string // first-seen order
	Quotes  map[string]Quote
}

// Aggregator holds the latest quote per venue for one symbol. Each venue
// client is the only writer of its own entry; the opportunity evaluator
// additionally writes statuses. All operations are atomic with respect to
// each other, so readers never observe a half-updated quote.
type Aggregator struct {
	mu     sync.RWMutex
	symbol string
	order  []string
	quotes map[string]Quote
	now    func() time.Time

	updates chan Snapshot
}

func NewAggregator(symbol string) *Aggregator {
	return &Aggregator{
		symbol:  symbol,
		quotes:  make(map[string]Quote),
		now:     time.Now,
		updates: make(chan Snapshot, 16),
	}
}

func (a *Aggregator) Symbol() string { return a.symbol }

// Updates delivers a snapshot after every mutation. Sends never block;
// a slow consumer just misses intermediate states.
func (a *Aggregator) Updates() <-chan Snapshot { return a.updates }

// UpdatePrice publishes a venue's new best pair and marks it Connected.
func (a *Aggregator) UpdatePrice(venue string, bid, ask float64) {
	a.mu.Lock()
	a.ensureOrderLocked(venue)
	a.quotes[venue] = Quote{Bid: bid, Ask: ask, UpdatedAt: a.now(), Status: StatusConnected}
	snap := a.snapshotLocked()
	a.mu.Unlock()
	a.notify(snap)
}

// SetStatus transitions a venue's status without touching its prices,
// creating an empty entry when the venue is unknown.
func (a *Aggregator) SetStatus(venue string, status Status) {
	a.mu.Lock()
	a.ensureOrderLocked(venue)
	q := a.quotes[venue]
	q.Status = status
	a.quotes[venue] = q
	snap := a.snapshotLocked()
	a.mu.Unlock()
	a.notify(snap)
}

// StatusOf returns the venue's current status; ok is false for venues the
// aggregator has never seen.
func (a *Aggregator) StatusOf(venue string) (Status, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	q, ok := a.quotes[venue]
	if !ok {
		return StatusDisconnected, false
	}
	return q.Status, true
}

// Remove forgets a venue entirely. Used when a venue's session state is
// invalidated and stale prices must not linger until reconnect.
func (a *Aggregator) Remove(venue string) {
	a.mu.Lock()
	delete(a.quotes, venue)
	for i, v := range a.order {
		if v == venue {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
	snap := a.snapshotLocked()
	a.mu.Unlock()
	a.notify(snap)
}

// ConnectedCount reports how many venues currently qualify for evaluation.
func (a *Aggregator) ConnectedCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	n := 0
	for _, q := range a.quotes {
		if q.Status == StatusConnected {
			n++
		}
	}
	return n
}

// BestOpportunity scans connected venues with positive prices and returns
// the highest bid and the lowest ask. Comparisons are strict, so on equal
// prices the venue seen first wins. ok is false unless both sides were
// found.
func (a *Aggregator) BestOpportunity() (bid, ask Best, ok bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, venue := range a.order {
		q := a.quotes[venue]
		if q.Status != StatusConnected || q.Bid <= 0 || q.Ask <= 0 {
			continue
		}
		if q.Bid > bid.Price {
			bid = Best{Venue: venue, Price: q.Bid, At: q.UpdatedAt}
		}
		if ask.Venue == "" || q.Ask < ask.Price {
			ask = Best{Venue: venue, Price: q.Ask, At: q.UpdatedAt}
		}
	}
	return bid, ask, bid.Venue != "" && ask.Venue != ""
}

// Snapshot returns a deep copy of the current state.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.snapshotLocked()
}

func (a *Aggregator) snapshotLocked() Snapshot {
	snap := Snapshot{
		Symbol:  a.symbol,
		TakenAt: a.now(),
		Venues:  append([]string(nil), a.order...),
		Quotes:  make(map[string]Quote, len(a.quotes)),
	}
	for v, q := range a.quotes {
		snap.Quotes[v] = q
	}
	return snap
}

func (a *Aggregator) ensureOrderLocked(venue string) {
	if _, ok := a.quotes[venue]; ok {
		return
	}
	a.order = append(a.order, venue)
}

func (a *Aggregator) notify(snap Snapshot) {
	select {
	case a.updates <- snap:
	default:
	}
}
