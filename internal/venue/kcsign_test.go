package venue

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Vectors generated with a reference HMAC-SHA256 implementation using
// secret "test-secret".
func TestSignerHeaders(t *testing.T) {
	signer := NewSigner("test-key", "test-secret", "test-passphrase")
	signer.now = func() time.Time { return time.UnixMilli(1700000000000) }

	h := signer.Headers("GET", "/api/v3/market/orderbook/level2?symbol=BTC-USDT", "")

	assert.Equal(t, "test-key", h.Get("KC-API-KEY"))
	assert.Equal(t, "UbgWiL7WdjQOVBl1OLuMgUbTl9VlKFsjFbLedtCDPrY=", h.Get("KC-API-PASSPHRASE"))
	assert.Equal(t, "1700000000000", h.Get("KC-API-TIMESTAMP"))
	assert.Equal(t, "ra7ZPjYUxOQ4plUJ30nnU6rYi1MYrk4CNx8rTCO8mKU=", h.Get("KC-API-SIGN"))
	assert.Equal(t, "3", h.Get("KC-API-KEY-VERSION"))
}

func TestSignerCoversBody(t *testing.T) {
	signer := NewSigner("test-key", "test-secret", "test-passphrase")
	signer.now = func() time.Time { return time.UnixMilli(1700000000000) }

	h := signer.Headers("POST", "/api/v1/orders", `{"side":"buy"}`)
	assert.Equal(t, "tl1GMC7r5egklnMzWKk4eWLzvL21to+qC95629r41Gw=", h.Get("KC-API-SIGN"))
}

func TestSignerTimestampTracksClock(t *testing.T) {
	signer := NewSigner("k", "s", "p")

	before := time.Now().UnixMilli()
	h := signer.Headers("GET", "/x", "")
	after := time.Now().UnixMilli()

	ts, err := strconv.ParseInt(h.Get("KC-API-TIMESTAMP"), 10, 64)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, ts, before)
	assert.LessOrEqual(t, ts, after)
}
