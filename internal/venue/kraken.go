package venue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/arbwatch/arbwatch/internal/book"
	"github.com/arbwatch/arbwatch/internal/net/rest"
)

const krakenDepth = 25

// Kraken consumes the v2 book channel. The snapshot arrives in-band; price
// and qty are decoded as json.Number so the checksum sees the exact wire
// text. Quiet markets are kept alive by an application ping after 10 s of
// silence, answered by a matching pong within 5 s or the session ends.
//
// Each update carries a CRC32 over the top ten levels per side. On a
// mismatch the book is rebuilt from the REST Depth endpoint; REST renders
// numbers with different trailing zeros than the stream, so verification
// stays off for the rest of that session.
type Kraken struct {
	lifecycle
	rest    *rest.Client
	wsURL   string
	restURL string

	idleEvery time.Duration
	pongWait  time.Duration

	verify bool
	reqID  int64
}

func NewKraken(opts Options) *Kraken {
	return &Kraken{
		lifecycle: newLifecycle("kraken", krakenPair(opts.Symbol), opts),
		rest:      opts.REST,
		wsURL:     "wss://ws.kraken.com/v2",
		restURL:   "https://api.kraken.com",
		idleEvery: 10 * time.Second,
		pongWait:  5 * time.Second,
	}
}

func (c *Kraken) Name() string { return c.name }

func (c *Kraken) Run(ctx context.Context) error {
	return c.supervise(ctx, c.session)
}

type krakenSubscribe struct {
	Method string                `json:"method"`
	Params krakenSubscribeParams `json:"params"`
}

type krakenSubscribeParams struct {
	Channel  string   `json:"channel"`
	Symbol   []string `json:"symbol"`
	Depth    int      `json:"depth"`
	Snapshot bool     `json:"snapshot"`
}

type krakenPing struct {
	Method string `json:"method"`
	ReqID  int64  `json:"req_id"`
}

type krakenFrame struct {
	Channel string           `json:"channel"`
	Type    string           `json:"type"`
	Method  string           `json:"method"`
	Success *bool            `json:"success"`
	Error   string           `json:"error"`
	ReqID   int64            `json:"req_id"`
	Data    []krakenBookData `json:"data"`
}

type krakenBookData struct {
	Symbol   string        `json:"symbol"`
	Bids     []krakenLevel `json:"bids"`
	Asks     []krakenLevel `json:"asks"`
	Checksum *uint32       `json:"checksum"`
}

type krakenLevel struct {
	Price json.Number `json:"price"`
	Qty   json.Number `json:"qty"`
}

type krakenDepthResponse struct {
	Error  []string                   `json:"error"`
	Result map[string]krakenDepthBook `json:"result"`
}

// REST Depth rows are [price, volume, timestamp] with price and volume as
// quoted strings.
type krakenDepthBook struct {
	Bids [][]json.Number `json:"bids"`
	Asks [][]json.Number `json:"asks"`
}

func (c *Kraken) session(ctx context.Context) error {
	c.verify = true

	conn, err := c.dial(ctx, c.wsURL)
	if err != nil {
		return c.connectFailed(err)
	}
	defer conn.Close()

	sub := krakenSubscribe{
		Method: "subscribe",
		Params: krakenSubscribeParams{
			Channel:  "book",
			Symbol:   []string{c.pair},
			Depth:    krakenDepth,
			Snapshot: true,
		},
	}
	if err := conn.WriteJSON(sub); err != nil {
		return c.connectFailed(fmt.Errorf("subscribe: %w", err))
	}

	rd := newReader(conn)
	defer rd.stop()

	awaitingPong := false
	for {
		if c.externallyDisconnected() {
			return errHold
		}
		wait := c.idleEvery
		if awaitingPong {
			wait = c.pongWait
		}
		raw, err := c.nextFrame(ctx, rd, wait)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !errors.Is(err, errStale) {
				if !c.book.Ready() {
					return c.connectFailed(err)
				}
				return c.updateFailed(err)
			}
			if awaitingPong {
				return c.updateFailed(fmt.Errorf("no pong for req_id %d within %s", c.reqID, c.pongWait))
			}
			c.reqID++
			if err := conn.WriteJSON(krakenPing{Method: "ping", ReqID: c.reqID}); err != nil {
				return c.updateFailed(fmt.Errorf("ping: %w", err))
			}
			awaitingPong = true
			continue
		}

		var frame krakenFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			return c.updateFailed(fmt.Errorf("decode frame: %w", err))
		}
		switch {
		case frame.Method == "pong":
			if awaitingPong && frame.ReqID == c.reqID {
				awaitingPong = false
			}
			continue
		case frame.Method == "subscribe":
			if frame.Success != nil && !*frame.Success {
				return c.connectFailed(fmt.Errorf("subscribe rejected: %s", frame.Error))
			}
			continue
		case frame.Channel != "book" || len(frame.Data) == 0:
			continue
		}
		data := frame.Data[0]

		switch frame.Type {
		case "snapshot":
			if err := c.loadBook(data); err != nil {
				return c.updateFailed(err)
			}
			if bad := c.verifyChecksum(data.Checksum); bad != nil {
				if err := c.restResync(ctx, *data.Checksum); err != nil {
					return err
				}
			}
			c.established()
			if err := c.publish(); err != nil {
				return c.updateFailed(err)
			}
		case "update":
			if !c.book.Ready() {
				continue
			}
			if err := c.applyRows(data); err != nil {
				return c.updateFailed(err)
			}
			c.book.Truncate(krakenDepth)
			if bad := c.verifyChecksum(data.Checksum); bad != nil {
				if err := c.restResync(ctx, *data.Checksum); err != nil {
					return err
				}
				continue
			}
			if err := c.publish(); err != nil {
				return c.updateFailed(err)
			}
		}
	}
}

func (c *Kraken) loadBook(data krakenBookData) error {
	bids := make([][2]string, 0, len(data.Bids))
	for _, lvl := range data.Bids {
		bids = append(bids, [2]string{lvl.Price.String(), lvl.Qty.String()})
	}
	asks := make([][2]string, 0, len(data.Asks))
	for _, lvl := range data.Asks {
		asks = append(asks, [2]string{lvl.Price.String(), lvl.Qty.String()})
	}
	if err := c.book.LoadSnapshot(bids, asks, 0); err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	return nil
}

func (c *Kraken) applyRows(data krakenBookData) error {
	for _, lvl := range data.Bids {
		if err := c.book.Apply(book.Bid, lvl.Price.String(), lvl.Qty.String()); err != nil {
			return err
		}
	}
	for _, lvl := range data.Asks {
		if err := c.book.Apply(book.Ask, lvl.Price.String(), lvl.Qty.String()); err != nil {
			return err
		}
	}
	return nil
}

// verifyChecksum compares the book against the frame's CRC32. nil means
// verification passed, was disabled, or the frame carried no checksum.
func (c *Kraken) verifyChecksum(want *uint32) error {
	if !c.verify || want == nil {
		return nil
	}
	if got := c.book.Checksum(); got != *want {
		return fmt.Errorf("%w: checksum %d != %d", errResync, got, *want)
	}
	return nil
}

// restResync rebuilds the book from the REST Depth endpoint after a
// checksum mismatch and disables verification for the rest of the session.
// No publish happens until the next clean update.
func (c *Kraken) restResync(ctx context.Context, want uint32) error {
	c.rec.BookReset(c.name, "checksum")
	c.log.Warn().Uint32("want", want).Uint32("got", c.book.Checksum()).
		Msg("checksum mismatch, rebuilding from REST depth")

	q := url.Values{}
	q.Set("pair", c.pair)
	q.Set("count", strconv.Itoa(krakenDepth))
	var depth krakenDepthResponse
	err := c.rest.GetJSON(ctx, c.name, c.restURL+"/0/public/Depth?"+q.Encode(), nil, &depth)
	c.rec.SnapshotFetch(c.name, err == nil && len(depth.Error) == 0)
	if err != nil {
		return c.snapshotFailed(fmt.Errorf("depth snapshot: %w", err))
	}
	if len(depth.Error) > 0 {
		return c.snapshotFailed(fmt.Errorf("depth snapshot: %v", depth.Error))
	}

	// One pair requested, one entry returned; the key spelling varies.
	var bk krakenDepthBook
	found := false
	for _, entry := range depth.Result {
		bk = entry
		found = true
		break
	}
	if !found {
		return c.snapshotFailed(fmt.Errorf("depth snapshot: empty result"))
	}
	toRows := func(rows [][]json.Number) [][2]string {
		out := make([][2]string, 0, len(rows))
		for _, row := range rows {
			if len(row) < 2 {
				continue
			}
			out = append(out, [2]string{row[0].String(), row[1].String()})
		}
		return out
	}
	if err := c.book.LoadSnapshot(toRows(bk.Bids), toRows(bk.Asks), 0); err != nil {
		return c.snapshotFailed(fmt.Errorf("load snapshot: %w", err))
	}
	// REST prints trailing zeros the stream omits, so checksums can no
	// longer be reproduced from this book.
	c.verify = false
	return nil
}
