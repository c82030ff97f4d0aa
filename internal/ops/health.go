package ops

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/arbwatch/arbwatch/internal/watch"
)

// healthResponse summarizes the process for probes. The detector stays
// useful with two connected venues, so "ok" requires at least that many.
type healthResponse struct {
	Status    string            `json:"status"`
	Symbol    string            `json:"symbol"`
	Uptime    string            `json:"uptime"`
	Connected int               `json:"connected"`
	Venues    map[string]string `json:"venues"`
}

type healthHandler struct {
	agg     *watch.Aggregator
	started time.Time
	log     zerolog.Logger
}

func (h *healthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	snap := h.agg.Snapshot()

	connected := 0
	venues := make(map[string]string, len(snap.Quotes))
	for venue, q := range snap.Quotes {
		venues[venue] = q.Status.String()
		if q.Status == watch.StatusConnected {
			connected++
		}
	}

	status := "ok"
	switch {
	case connected == 0:
		status = "down"
	case connected < 2:
		status = "degraded"
	}

	code := http.StatusOK
	if status == "down" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, healthResponse{
		Status:    status,
		Symbol:    snap.Symbol,
		Uptime:    time.Since(h.started).Round(time.Second).String(),
		Connected: connected,
		Venues:    venues,
	}, h.log)
}

// statusResponse mirrors the document the status publisher writes, so
// operators without redis access can curl the same view.
type statusResponse struct {
	Symbol    string                 `json:"symbol"`
	TakenAt   time.Time              `json:"taken_at"`
	Exchanges map[string]watch.Quote `json:"exchanges"`
}

type statusHandler struct {
	agg *watch.Aggregator
	log zerolog.Logger
}

func (h *statusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	snap := h.agg.Snapshot()
	writeJSON(w, http.StatusOK, statusResponse{
		Symbol:    snap.Symbol,
		TakenAt:   snap.TakenAt,
		Exchanges: snap.Quotes,
	}, h.log)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}, log zerolog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("ops response encode failed")
	}
}
