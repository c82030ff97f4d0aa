package venue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/arbwatch/arbwatch/internal/book"
	"github.com/arbwatch/arbwatch/internal/net/rest"
)

// Binance follows the diff-depth stream. A REST snapshot anchors the U/u
// sequence cursors: buffered events at or before lastUpdateId are dropped,
// the first applied event must straddle lastUpdateId+1, and any later gap
// forces a fresh snapshot on the same socket.
type Binance struct {
	lifecycle
	rest    *rest.Client
	wsURL   string
	restURL string
}

func NewBinance(opts Options) *Binance {
	pair := binancePair(opts.Symbol)
	return &Binance{
		lifecycle: newLifecycle("binance", pair, opts),
		rest:      opts.REST,
		wsURL:     "wss://stream.binance.com:9443/ws/" + pair + "@depth@100ms",
		restURL:   "https://api.binance.com",
	}
}

func (c *Binance) Name() string { return c.name }

func (c *Binance) Run(ctx context.Context) error {
	return c.supervise(ctx, c.session)
}

type binanceDepthEvent struct {
	EventType     string     `json:"e"`
	EventTime     int64      `json:"E"`
	Symbol        string     `json:"s"`
	FirstUpdateID int64      `json:"U"`
	FinalUpdateID int64      `json:"u"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
}

type binanceDepthSnapshot struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

func (c *Binance) session(ctx context.Context) error {
	conn, err := c.dial(ctx, c.wsURL)
	if err != nil {
		return c.connectFailed(err)
	}
	defer conn.Close()
	rd := newReader(conn)
	defer rd.stop()

	// Hold the first event before anchoring so the snapshot is guaranteed
	// to overlap the stream.
	first, err := c.nextFrame(ctx, rd, c.cfg.StaleTime)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return c.connectFailed(err)
	}
	buffered := [][]byte{first}
	for {
		msg, ok := rd.tryNext()
		if !ok {
			break
		}
		buffered = append(buffered, msg)
	}

	if err := c.loadSnapshot(ctx); err != nil {
		return err
	}
	for _, raw := range buffered {
		if err := c.handleEvent(ctx, raw, false); err != nil {
			return err
		}
	}
	c.established()
	if err := c.publish(); err != nil {
		if err := c.resync(ctx, "crossed"); err != nil {
			return err
		}
	}

	for {
		if c.externallyDisconnected() {
			return errHold
		}
		raw, err := c.nextFrame(ctx, rd, c.cfg.StaleTime)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return c.updateFailed(err)
		}
		if err := c.handleEvent(ctx, raw, true); err != nil {
			return err
		}
	}
}

func (c *Binance) handleEvent(ctx context.Context, raw []byte, publishAfter bool) error {
	var ev binanceDepthEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return c.updateFailed(fmt.Errorf("decode depth event: %w", err))
	}
	if ev.EventType != "depthUpdate" {
		return nil
	}
	applied, err := c.applyEvent(ev)
	if errors.Is(err, errResync) {
		return c.resync(ctx, "gap")
	}
	if err != nil {
		return c.updateFailed(err)
	}
	if !applied || !publishAfter {
		return nil
	}
	if err := c.publish(); err != nil {
		return c.resync(ctx, "crossed")
	}
	return nil
}

// applyEvent applies one depth event against the sequence cursor. Events
// ending at or before the cursor are dropped; an event starting past
// cursor+1 is a gap. Everything else applies (overlap with the snapshot is
// harmless, sizes are absolute) and advances the cursor to u.
func (c *Binance) applyEvent(ev binanceDepthEvent) (bool, error) {
	seq := c.book.Seq()
	if ev.FinalUpdateID <= seq {
		return false, nil
	}
	if ev.FirstUpdateID > seq+1 {
		return false, fmt.Errorf("%w: event U=%d past cursor %d", errResync, ev.FirstUpdateID, seq)
	}
	for _, row := range ev.Bids {
		if len(row) < 2 {
			continue
		}
		if err := c.book.Apply(book.Bid, row[0], row[1]); err != nil {
			return false, err
		}
	}
	for _, row := range ev.Asks {
		if len(row) < 2 {
			continue
		}
		if err := c.book.Apply(book.Ask, row[0], row[1]); err != nil {
			return false, err
		}
	}
	c.book.SetSeq(ev.FinalUpdateID)
	return true, nil
}

func (c *Binance) loadSnapshot(ctx context.Context) error {
	url := fmt.Sprintf("%s/api/v3/depth?symbol=%s&limit=100", c.restURL, strings.ToUpper(c.pair))
	var snap binanceDepthSnapshot
	err := c.rest.GetJSON(ctx, c.name, url, nil, &snap)
	c.rec.SnapshotFetch(c.name, err == nil)
	if err != nil {
		return c.snapshotFailed(fmt.Errorf("depth snapshot: %w", err))
	}
	if err := c.book.LoadSnapshot(levels(snap.Bids), levels(snap.Asks), snap.LastUpdateID); err != nil {
		return c.snapshotFailed(fmt.Errorf("load snapshot: %w", err))
	}
	c.log.Info().Int64("last_update_id", snap.LastUpdateID).Msg("snapshot applied")
	return nil
}

// resync re-anchors the book mid-session. No publish happens until the next
// applied delta.
func (c *Binance) resync(ctx context.Context, reason string) error {
	c.rec.BookReset(c.name, reason)
	c.log.Warn().Str("reason", reason).Int64("seq", c.book.Seq()).Msg("book desync, re-anchoring from snapshot")
	return c.loadSnapshot(ctx)
}
