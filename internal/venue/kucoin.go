package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/arbwatch/arbwatch/internal/book"
	"github.com/arbwatch/arbwatch/internal/net/rest"
)

// KuCoin bridges the public level2 stream with the signed v3 REST snapshot.
// A bullet-public token opens the socket; deltas are buffered for about a
// second while the snapshot is fetched, then replayed across its sequence.
// Delta rows are (price, size, sequence) where price "0" is a sequence
// filler to be skipped. Quiet markets need an application ping every 15 s
// or the server drops the connection.
type KuCoin struct {
	lifecycle
	rest       *rest.Client
	signer     *Signer
	apiURL     string
	fallbackWS string
	bufferFor  time.Duration
	pingEvery  time.Duration
}

func NewKuCoin(opts Options, signer *Signer) *KuCoin {
	return &KuCoin{
		lifecycle:  newLifecycle("kucoin", kucoinPair(opts.Symbol), opts),
		rest:       opts.REST,
		signer:     signer,
		apiURL:     "https://api.kucoin.com",
		fallbackWS: "wss://ws-api-spot.kucoin.com",
		bufferFor:  time.Second,
		pingEvery:  15 * time.Second,
	}
}

func (c *KuCoin) Name() string { return c.name }

func (c *KuCoin) Run(ctx context.Context) error {
	return c.supervise(ctx, c.session)
}

type kucoinBullet struct {
	Code string `json:"code"`
	Data struct {
		Token           string `json:"token"`
		InstanceServers []struct {
			Endpoint     string `json:"endpoint"`
			PingInterval int    `json:"pingInterval"`
		} `json:"instanceServers"`
	} `json:"data"`
}

type kucoinSubscribe struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	Topic          string `json:"topic"`
	PrivateChannel bool   `json:"privateChannel"`
	Response       bool   `json:"response"`
}

type kucoinPing struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

type kucoinFrame struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Topic   string          `json:"topic"`
	Subject string          `json:"subject"`
	Data    json.RawMessage `json:"data"`
}

type kucoinL2Change struct {
	SequenceStart int64  `json:"sequenceStart"`
	SequenceEnd   int64  `json:"sequenceEnd"`
	Symbol        string `json:"symbol"`
	Changes       struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
	} `json:"changes"`
}

// The v3 snapshot carries its sequence as a string.
type kucoinSnapshot struct {
	Code string `json:"code"`
	Data struct {
		Sequence string     `json:"sequence"`
		Bids     [][]string `json:"bids"`
		Asks     [][]string `json:"asks"`
	} `json:"data"`
}

func (c *KuCoin) session(ctx context.Context) error {
	wsURL, err := c.bulletToken(ctx)
	if err != nil {
		return c.connectFailed(err)
	}
	conn, err := c.dial(ctx, wsURL)
	if err != nil {
		return c.connectFailed(err)
	}
	defer conn.Close()

	sub := kucoinSubscribe{
		ID:       uuid.NewString(),
		Type:     "subscribe",
		Topic:    "/market/level2:" + c.pair,
		Response: true,
	}
	if err := conn.WriteJSON(sub); err != nil {
		return c.connectFailed(fmt.Errorf("subscribe: %w", err))
	}

	rd := newReader(conn)
	defer rd.stop()

	// Collect deltas while the snapshot is in flight so its sequence is
	// guaranteed to land inside the buffered window.
	var buffered [][]byte
	window := time.NewTimer(c.bufferFor)
	defer window.Stop()
buffering:
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-rd.errs:
			return c.connectFailed(fmt.Errorf("read: %w", err))
		case msg := <-rd.frames:
			c.rec.WSMessage(c.name)
			buffered = append(buffered, msg)
		case <-window.C:
			break buffering
		}
	}

	if err := c.fetchSnapshot(ctx); err != nil {
		return err
	}
	for {
		msg, ok := rd.tryNext()
		if !ok {
			break
		}
		buffered = append(buffered, msg)
	}
	for _, raw := range buffered {
		if err := c.handleFrame(ctx, raw, false); err != nil {
			return err
		}
	}
	c.established()
	if err := c.publish(); err != nil {
		return c.updateFailed(err)
	}

	stop := make(chan struct{})
	defer close(stop)
	go c.keepalive(conn, stop)

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
		if err := c.handleFrame(ctx, raw, true); err != nil {
			return err
		}
	}
}

func (c *KuCoin) handleFrame(ctx context.Context, raw []byte, publishAfter bool) error {
	var frame kucoinFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return c.updateFailed(fmt.Errorf("decode frame: %w", err))
	}
	switch frame.Type {
	case "welcome", "ack", "pong":
		return nil
	case "error":
		return c.updateFailed(fmt.Errorf("server error: %s", frame.Data))
	}
	if len(frame.Data) == 0 {
		return nil
	}
	var data kucoinL2Change
	if err := json.Unmarshal(frame.Data, &data); err != nil {
		return c.updateFailed(fmt.Errorf("decode l2 change: %w", err))
	}

	seq := c.book.Seq()
	if data.SequenceEnd <= seq {
		return nil
	}
	if data.SequenceStart > seq+1 {
		c.rec.BookReset(c.name, "gap")
		c.log.Warn().Int64("start", data.SequenceStart).Int64("seq", seq).
			Msg("sequence gap, refetching snapshot")
		return c.fetchSnapshot(ctx)
	}
	for _, row := range data.Changes.Bids {
		if len(row) < 2 || row[0] == "0" || row[0] == "" {
			continue
		}
		if err := c.book.Apply(book.Bid, row[0], row[1]); err != nil {
			return c.updateFailed(err)
		}
	}
	for _, row := range data.Changes.Asks {
		if len(row) < 2 || row[0] == "0" || row[0] == "" {
			continue
		}
		if err := c.book.Apply(book.Ask, row[0], row[1]); err != nil {
			return c.updateFailed(err)
		}
	}
	c.book.SetSeq(data.SequenceEnd)
	if !publishAfter {
		return nil
	}
	if err := c.publish(); err != nil {
		return c.updateFailed(err)
	}
	return nil
}

func (c *KuCoin) bulletToken(ctx context.Context) (string, error) {
	var bullet kucoinBullet
	if err := c.rest.PostJSON(ctx, c.name, c.apiURL+"/api/v1/bullet-public", nil, &bullet); err != nil {
		return "", fmt.Errorf("bullet token: %w", err)
	}
	if bullet.Code != "200000" {
		return "", fmt.Errorf("bullet token: code %s", bullet.Code)
	}
	endpoint := c.fallbackWS
	if len(bullet.Data.InstanceServers) > 0 && bullet.Data.InstanceServers[0].Endpoint != "" {
		endpoint = bullet.Data.InstanceServers[0].Endpoint
	}
	return endpoint + "?token=" + url.QueryEscape(bullet.Data.Token) + "&connectId=" + uuid.NewString(), nil
}

func (c *KuCoin) fetchSnapshot(ctx context.Context) error {
	path := "/api/v3/market/orderbook/level2?symbol=" + c.pair
	var snap kucoinSnapshot
	err := c.rest.GetJSON(ctx, c.name, c.apiURL+path, c.signer.Headers(http.MethodGet, path, ""), &snap)
	if err == nil && snap.Code != "200000" {
		err = fmt.Errorf("code %s", snap.Code)
	}
	c.rec.SnapshotFetch(c.name, err == nil)
	if err != nil {
		return c.snapshotFailed(fmt.Errorf("level2 snapshot: %w", err))
	}
	seq, err := strconv.ParseInt(snap.Data.Sequence, 10, 64)
	if err != nil {
		return c.snapshotFailed(fmt.Errorf("parse sequence %q: %w", snap.Data.Sequence, err))
	}
	if err := c.book.LoadSnapshot(levels(snap.Data.Bids), levels(snap.Data.Asks), seq); err != nil {
		return c.snapshotFailed(fmt.Errorf("load snapshot: %w", err))
	}
	c.log.Info().Int64("sequence", seq).Msg("snapshot applied")
	return nil
}

// keepalive sends application pings so quiet markets survive the server's
// idle timeout. A failed write closes the connection, which surfaces as a
// read error in the session loop.
func (c *KuCoin) keepalive(conn *websocket.Conn, stop <-chan struct{}) {
	t := time.NewTicker(c.pingEvery)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if err := conn.WriteJSON(kucoinPing{ID: uuid.NewString(), Type: "ping"}); err != nil {
				c.log.Warn().Err(err).Msg("ping write failed, closing connection")
				conn.Close()
				return
			}
		}
	}
}
