package venue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/arbwatch/arbwatch/internal/book"
)

// Bybit consumes the v5 spot orderbook.50 stream. The first snapshot frame
// establishes the book at cursor u; the server may push a fresh snapshot
// (or a delta with u==1) mid-stream, which replaces the book without
// publishing until a delta moves the best pair again.
type Bybit struct {
	lifecycle
	wsURL string
}

func NewBybit(opts Options) *Bybit {
	return &Bybit{
		lifecycle: newLifecycle("bybit", bybitPair(opts.Symbol), opts),
		wsURL:     "wss://stream.bybit.com/v5/public/spot",
	}
}

func (c *Bybit) Name() string { return c.name }

func (c *Bybit) Run(ctx context.Context) error {
	return c.supervise(ctx, c.session)
}

type bybitSubscribe struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
}

type bybitFrame struct {
	Topic   string         `json:"topic"`
	Type    string         `json:"type"`
	TS      int64          `json:"ts"`
	Op      string         `json:"op"`
	Success *bool          `json:"success"`
	RetMsg  string         `json:"ret_msg"`
	Data    *bybitBookData `json:"data"`
}

type bybitBookData struct {
	Symbol   string     `json:"s"`
	Bids     [][]string `json:"b"`
	Asks     [][]string `json:"a"`
	UpdateID int64      `json:"u"`
	Seq      int64      `json:"seq"`
}

func (c *Bybit) session(ctx context.Context) error {
	conn, err := c.dial(ctx, c.wsURL)
	if err != nil {
		return c.connectFailed(err)
	}
	defer conn.Close()

	topic := "orderbook.50." + c.pair
	if err := conn.WriteJSON(bybitSubscribe{Op: "subscribe", Args: []string{topic}}); err != nil {
		return c.connectFailed(fmt.Errorf("subscribe: %w", err))
	}

	rd := newReader(conn)
	defer rd.stop()

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
		var frame bybitFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			return c.updateFailed(fmt.Errorf("decode frame: %w", err))
		}
		if frame.Op != "" {
			if frame.Success != nil && !*frame.Success {
				return c.connectFailed(fmt.Errorf("subscribe rejected: %s", frame.RetMsg))
			}
			continue
		}
		if frame.Topic != topic || frame.Data == nil {
			continue
		}
		data := frame.Data

		if !c.book.Ready() {
			if frame.Type != "snapshot" {
				continue
			}
			if err := c.loadBook(data); err != nil {
				return c.updateFailed(err)
			}
			c.established()
			if err := c.publish(); err != nil {
				return c.updateFailed(err)
			}
			continue
		}

		// Reset check first: a reset snapshot may carry a cursor at or
		// below the one we hold, and must still replace the book.
		if frame.Type == "snapshot" || data.UpdateID == 1 {
			c.rec.BookReset(c.name, "reset")
			c.log.Warn().Int64("u", data.UpdateID).Msg("mid-stream reset, replacing book")
			if err := c.loadBook(data); err != nil {
				return c.updateFailed(err)
			}
			continue
		}
		if data.UpdateID <= c.book.Seq() {
			continue
		}
		for _, row := range data.Bids {
			if len(row) < 2 {
				continue
			}
			if err := c.book.Apply(book.Bid, row[0], row[1]); err != nil {
				return c.updateFailed(err)
			}
		}
		for _, row := range data.Asks {
			if len(row) < 2 {
				continue
			}
			if err := c.book.Apply(book.Ask, row[0], row[1]); err != nil {
				return c.updateFailed(err)
			}
		}
		c.book.SetSeq(data.UpdateID)
		if err := c.publish(); err != nil {
			return c.updateFailed(err)
		}
	}
}

func (c *Bybit) loadBook(data *bybitBookData) error {
	if err := c.book.LoadSnapshot(levels(data.Bids), levels(data.Asks), data.UpdateID); err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	return nil
}
