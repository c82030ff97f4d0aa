package venue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/arbwatch/arbwatch/internal/book"
)

// Coinbase consumes Advanced Trade level2. The initial snapshot arrives
// in-band, so there is no REST leg. Every frame on the connection carries a
// sequence_num that increments by one across all channels; any break means
// an unknown number of book changes were lost, so the venue's entry is
// removed outright and the connection rebuilt from scratch.
type Coinbase struct {
	lifecycle
	wsURL string
}

func NewCoinbase(opts Options) *Coinbase {
	return &Coinbase{
		lifecycle: newLifecycle("coinbase", coinbasePair(opts.Symbol), opts),
		wsURL:     "wss://advanced-trade-ws.coinbase.com",
	}
}

func (c *Coinbase) Name() string { return c.name }

func (c *Coinbase) Run(ctx context.Context) error {
	return c.supervise(ctx, c.session)
}

type coinbaseSubscribe struct {
	Type       string   `json:"type"`
	Channel    string   `json:"channel"`
	ProductIDs []string `json:"product_ids,omitempty"`
}

type coinbaseFrame struct {
	Channel     string          `json:"channel"`
	SequenceNum *int64          `json:"sequence_num"`
	Events      []coinbaseEvent `json:"events"`
}

type coinbaseEvent struct {
	Type      string           `json:"type"`
	ProductID string           `json:"product_id"`
	Updates   []coinbaseChange `json:"updates"`
}

type coinbaseChange struct {
	Side        string `json:"side"`
	PriceLevel  string `json:"price_level"`
	NewQuantity string `json:"new_quantity"`
}

func (c *Coinbase) session(ctx context.Context) error {
	conn, err := c.dial(ctx, c.wsURL)
	if err != nil {
		return c.connectFailed(err)
	}
	defer conn.Close()

	subs := []coinbaseSubscribe{
		{Type: "subscribe", Channel: "level2", ProductIDs: []string{c.pair}},
		{Type: "subscribe", Channel: "heartbeats"},
	}
	for _, sub := range subs {
		if err := conn.WriteJSON(sub); err != nil {
			return c.connectFailed(fmt.Errorf("subscribe %s: %w", sub.Channel, err))
		}
	}

	rd := newReader(conn)
	defer rd.stop()

	// Connection-scoped; the first sequenced frame must carry 0.
	var wantSeq int64

	for {
		if c.externallyDisconnected() {
			return errHold
		}
		raw, err := c.nextFrame(ctx, rd, c.cfg.StaleTime)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !c.book.Ready() {
				return c.connectFailed(err)
			}
			return c.updateFailed(err)
		}
		var frame coinbaseFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			return c.updateFailed(fmt.Errorf("decode frame: %w", err))
		}
		if frame.SequenceNum != nil {
			if *frame.SequenceNum != wantSeq {
				// The lost frames may have carried book changes, so the
				// board must forget this venue until the next snapshot.
				c.rec.BookReset(c.name, "sequence")
				c.log.Warn().Int64("want", wantSeq).Int64("got", *frame.SequenceNum).
					Msg("sequence break, removing venue and reconnecting")
				c.board.Remove(c.name)
				return &sessionError{kind: failUpdate,
					err: fmt.Errorf("sequence break: want %d got %d", wantSeq, *frame.SequenceNum)}
			}
			wantSeq++
		}
		if frame.Channel != "l2_data" {
			continue
		}
		changed, err := c.applyEvents(frame.Events)
		if err != nil {
			return c.updateFailed(err)
		}
		if !changed {
			continue
		}
		if err := c.publish(); err != nil {
			return c.updateFailed(err)
		}
	}
}

func (c *Coinbase) applyEvents(events []coinbaseEvent) (bool, error) {
	changed := false
	for _, ev := range events {
		switch ev.Type {
		case "snapshot":
			fresh := !c.book.Ready()
			var bids, asks [][2]string
			for _, chg := range ev.Updates {
				lvl := [2]string{chg.PriceLevel, chg.NewQuantity}
				if chg.Side == "bid" {
					bids = append(bids, lvl)
				} else {
					asks = append(asks, lvl)
				}
			}
			if err := c.book.LoadSnapshot(bids, asks, 0); err != nil {
				return false, fmt.Errorf("load snapshot: %w", err)
			}
			if fresh {
				c.established()
			}
			changed = true
		case "update":
			if !c.book.Ready() {
				continue
			}
			for _, chg := range ev.Updates {
				side := book.Bid
				if chg.Side != "bid" {
					side = book.Ask
				}
				if err := c.book.Apply(side, chg.PriceLevel, chg.NewQuantity); err != nil {
					return false, fmt.Errorf("apply %s %s: %w", chg.Side, chg.PriceLevel, err)
				}
			}
			changed = true
		}
	}
	return changed, nil
}
