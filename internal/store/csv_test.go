package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbwatch/arbwatch/internal/watch"
)

func testOpportunity(at time.Time) watch.Opportunity {
	return watch.Opportunity{
		ID:         "op-1",
		Symbol:     "BTC",
		BuyVenue:   "kraken",
		BuyPrice:   100.1,
		SellVenue:  "binance",
		SellPrice:  113.2,
		Profit:     decimal.RequireFromString("12.34"),
		Label:      "first",
		DetectedAt: at,
	}
}

func TestCSVWritesHeaderAndRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opportunities.csv")
	s, err := NewCSV(path)
	require.NoError(t, err)
	defer s.Close()

	at := time.Date(2024, 3, 1, 12, 30, 45, 0, time.UTC)
	require.NoError(t, s.Record(context.Background(), testOpportunity(at)))

	second := testOpportunity(at.Add(time.Second))
	second.Profit = decimal.RequireFromString("0.5")
	require.NoError(t, s.Record(context.Background(), second))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	want := "ts,symbol,buy_venue,buy_price,sell_venue,sell_price,spread\n" +
		"2024-03-01 12:30:45,BTC,kraken,100.1,binance,113.2,12.34\n" +
		"2024-03-01 12:30:46,BTC,kraken,100.1,binance,113.2,0.50\n"
	assert.Equal(t, want, string(raw))
}

func TestCSVReopenAppendsWithoutHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opportunities.csv")
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	s, err := NewCSV(path)
	require.NoError(t, err)
	require.NoError(t, s.Record(context.Background(), testOpportunity(at)))
	require.NoError(t, s.Close())

	s, err = NewCSV(path)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Record(context.Background(), testOpportunity(at.Add(time.Minute))))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	want := "ts,symbol,buy_venue,buy_price,sell_venue,sell_price,spread\n" +
		"2024-03-01 12:00:00,BTC,kraken,100.1,binance,113.2,12.34\n" +
		"2024-03-01 12:01:00,BTC,kraken,100.1,binance,113.2,12.34\n"
	assert.Equal(t, want, string(raw))
}

func TestCSVCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "opportunities.csv")
	s, err := NewCSV(path)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err)
}
