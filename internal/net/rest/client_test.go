package rest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbwatch/arbwatch/internal/net/breaker"
	"github.com/arbwatch/arbwatch/internal/net/ratelimit"
)

func newTestClient() *Client {
	settings := breaker.DefaultSettings()
	settings.ConsecutiveFailures = 3
	return New(ratelimit.NewLimiter(100, 100), breaker.NewSet(settings, zerolog.Nop()), zerolog.Nop())
}

func TestGetJSONDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		w.Write([]byte(`{"lastUpdateId":160,"bids":[["0.0024","10"]],"asks":[["0.0026","100"]]}`))
	}))
	defer srv.Close()

	var out struct {
		LastUpdateID int64      `json:"lastUpdateId"`
		Bids         [][]string `json:"bids"`
	}
	err := newTestClient().GetJSON(context.Background(), "binance", srv.URL, nil, &out)
	require.NoError(t, err)
	assert.Equal(t, int64(160), out.LastUpdateID)
	require.Len(t, out.Bids, 1)
	assert.Equal(t, "0.0024", out.Bids[0][0])
}

func TestGetJSONSendsHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key123", r.Header.Get("KC-API-KEY"))
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	headers := http.Header{}
	headers.Set("KC-API-KEY", "key123")
	var out map[string]interface{}
	err := newTestClient().GetJSON(context.Background(), "kucoin", srv.URL, headers, &out)
	require.NoError(t, err)
}

func TestPostJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		w.Write([]byte(`{"code":"200000"}`))
	}))
	defer srv.Close()

	var out struct {
		Code string `json:"code"`
	}
	err := newTestClient().PostJSON(context.Background(), "kucoin", srv.URL, nil, &out)
	require.NoError(t, err)
	assert.Equal(t, "200000", out.Code)
}

func TestNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"code":-1121,"msg":"Invalid symbol."}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	var out map[string]interface{}
	err := newTestClient().GetJSON(context.Background(), "binance", srv.URL, nil, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.Contains(t, err.Error(), "Invalid symbol")
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := newTestClient()
	for i := 0; i < 3; i++ {
		var out map[string]interface{}
		err := client.GetJSON(context.Background(), "bybit", srv.URL, nil, &out)
		require.Error(t, err)
	}

	// The fourth request must be rejected without reaching the server.
	var out map[string]interface{}
	err := client.GetJSON(context.Background(), "bybit", srv.URL, nil, &out)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
}
