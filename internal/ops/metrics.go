// Package ops exposes the process over HTTP for operators: prometheus
// metrics, a health probe, and the live aggregator snapshot.
package ops

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arbwatch/arbwatch/internal/watch"
)

// Metrics is the process-wide metric set on a private registry. It fans in
// through the narrow recorder interfaces the venue clients, the evaluator
// and the status publisher already expect, so none of them import this
// package.
type Metrics struct {
	registry *prometheus.Registry

	wsMessages       *prometheus.CounterVec
	reconnects       *prometheus.CounterVec
	bookResets       *prometheus.CounterVec
	snapshotFetches  *prometheus.CounterVec
	bestBid          *prometheus.GaugeVec
	bestAsk          *prometheus.GaugeVec
	connected        *prometheus.GaugeVec
	opportunities    prometheus.Counter
	staleDisconnects *prometheus.CounterVec
	publishFailures  *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		wsMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbwatch_ws_messages_total",
			Help: "WebSocket frames received per venue.",
		}, []string{"venue"}),

		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbwatch_ws_reconnects_total",
			Help: "Reconnect attempts per venue by failure kind.",
		}, []string{"venue", "reason"}),

		bookResets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbwatch_book_resets_total",
			Help: "In-session order book resets per venue by cause.",
		}, []string{"venue", "reason"}),

		snapshotFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbwatch_snapshot_fetches_total",
			Help: "REST depth snapshot fetches per venue.",
		}, []string{"venue", "result"}),

		bestBid: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "arbwatch_best_bid",
			Help: "Latest best bid per venue.",
		}, []string{"venue"}),

		bestAsk: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "arbwatch_best_ask",
			Help: "Latest best ask per venue.",
		}, []string{"venue"}),

		connected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "arbwatch_venue_connected",
			Help: "1 while the venue is connected, else 0.",
		}, []string{"venue"}),

		opportunities: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arbwatch_opportunities_total",
			Help: "Detected arbitrage opportunities.",
		}),

		staleDisconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbwatch_stale_disconnects_total",
			Help: "Venues disconnected by the evaluator for stale quotes.",
		}, []string{"venue"}),

		publishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbwatch_status_publish_failures_total",
			Help: "Status publish failures per sink.",
		}, []string{"sink"}),
	}

	m.registry.MustRegister(
		m.wsMessages,
		m.reconnects,
		m.bookResets,
		m.snapshotFetches,
		m.bestBid,
		m.bestAsk,
		m.connected,
		m.opportunities,
		m.staleDisconnects,
		m.publishFailures,
	)
	return m
}

// WSMessage implements venue.Recorder.
func (m *Metrics) WSMessage(venue string) {
	m.wsMessages.WithLabelValues(venue).Inc()
}

func (m *Metrics) Reconnect(venue, reason string) {
	m.reconnects.WithLabelValues(venue, reason).Inc()
}

func (m *Metrics) BookReset(venue, reason string) {
	m.bookResets.WithLabelValues(venue, reason).Inc()
}

func (m *Metrics) SnapshotFetch(venue string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	m.snapshotFetches.WithLabelValues(venue, result).Inc()
}

// Opportunity implements watch.Recorder.
func (m *Metrics) Opportunity() {
	m.opportunities.Inc()
}

func (m *Metrics) StaleDisconnect(venue string) {
	m.staleDisconnects.WithLabelValues(venue).Inc()
}

// PublishFailure implements status.Recorder.
func (m *Metrics) PublishFailure(sink string) {
	m.publishFailures.WithLabelValues(sink).Inc()
}

// ObserveSnapshot refreshes the per-venue gauges from an aggregator
// snapshot. The snapshot consumer calls this once per publish.
func (m *Metrics) ObserveSnapshot(snap watch.Snapshot) {
	for venue, q := range snap.Quotes {
		m.bestBid.WithLabelValues(venue).Set(q.Bid)
		m.bestAsk.WithLabelValues(venue).Set(q.Ask)
		up := 0.0
		if q.Status == watch.StatusConnected {
			up = 1
		}
		m.connected.WithLabelValues(venue).Set(up)
	}
}

// Handler serves the private registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
