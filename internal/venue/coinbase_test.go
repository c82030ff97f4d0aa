package venue

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/arbwatch/arbwatch/internal/watch"
)

func coinbaseScript(conn *websocket.Conn, frames []string) {
	// level2 and heartbeats subscriptions arrive before anything is sent
	conn.ReadMessage()
	conn.ReadMessage()
	for _, f := range frames {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
			return
		}
	}
	conn.ReadMessage()
}

// A sequence_num break removes the venue's entry outright and rebuilds the
// connection; the next in-band snapshot restores it.
func TestCoinbaseSequenceBreakRemovesAndReconnects(t *testing.T) {
	firstConn := []string{
		`{"channel":"subscriptions","sequence_num":0,"events":[]}`,
		`{"channel":"l2_data","sequence_num":1,"events":[{"type":"snapshot","product_id":"BTC-USD","updates":[{"side":"bid","price_level":"100.00","new_quantity":"1"},{"side":"offer","price_level":"100.10","new_quantity":"1"}]}]}`,
		`{"channel":"l2_data","sequence_num":3,"events":[{"type":"update","product_id":"BTC-USD","updates":[{"side":"bid","price_level":"100.02","new_quantity":"1"}]}]}`,
	}
	secondConn := []string{
		`{"channel":"subscriptions","sequence_num":0,"events":[]}`,
		`{"channel":"l2_data","sequence_num":1,"events":[{"type":"snapshot","product_id":"BTC-USD","updates":[{"side":"bid","price_level":"100.05","new_quantity":"1"},{"side":"offer","price_level":"100.15","new_quantity":"1"}]}]}`,
	}
	ws := newWSServer(t, func(conn *websocket.Conn, _ *http.Request, connNo int) {
		if connNo == 1 {
			coinbaseScript(conn, firstConn)
			return
		}
		coinbaseScript(conn, secondConn)
	})

	board := newTestBoard()
	rec := newTestRecorder()
	c := NewCoinbase(testOptions(board, rec))
	c.wsURL = ws.URL()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		u, ok := board.lastUpdate()
		return ok && u.bid == 100.05 && u.ask == 100.15
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, 1, board.removedCount())
	require.Equal(t, 2, ws.connCount())
	require.True(t, rec.sawReset("sequence"))
	require.True(t, rec.sawReconnect("update"))
	require.Equal(t, watch.StatusConnected, board.status("coinbase"))

	// The frame after the break never reached the book.
	for _, u := range board.allUpdates() {
		require.NotEqual(t, 100.02, u.bid)
	}

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

// Updates walk the book within one connection as long as sequence_num stays
// contiguous; offer rows remove at quantity zero.
func TestCoinbaseAppliesContiguousUpdates(t *testing.T) {
	frames := []string{
		`{"channel":"subscriptions","sequence_num":0,"events":[]}`,
		`{"channel":"l2_data","sequence_num":1,"events":[{"type":"snapshot","product_id":"BTC-USD","updates":[{"side":"bid","price_level":"100.00","new_quantity":"1"},{"side":"offer","price_level":"100.10","new_quantity":"1"},{"side":"offer","price_level":"100.12","new_quantity":"2"}]}]}`,
		`{"channel":"heartbeats","sequence_num":2,"events":[]}`,
		`{"channel":"l2_data","sequence_num":3,"events":[{"type":"update","product_id":"BTC-USD","updates":[{"side":"offer","price_level":"100.10","new_quantity":"0"}]}]}`,
	}
	ws := newWSServer(t, func(conn *websocket.Conn, _ *http.Request, _ int) {
		coinbaseScript(conn, frames)
	})

	board := newTestBoard()
	c := NewCoinbase(testOptions(board, newTestRecorder()))
	c.wsURL = ws.URL()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		u, ok := board.lastUpdate()
		return ok && u.bid == 100.00 && u.ask == 100.12
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, ws.connCount())
	require.Zero(t, board.removedCount())

	updates := board.allUpdates()
	require.Equal(t, priceUpdate{"coinbase", 100.00, 100.10}, updates[0])

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}
