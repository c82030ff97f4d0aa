package ops

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/arbwatch/arbwatch/internal/watch"
)

// Server is the read-only operator endpoint. It binds 127.0.0.1 by default;
// exposing it wider is an explicit operator choice via OPS_ADDR.
type Server struct {
	http *http.Server
	log  zerolog.Logger
}

func NewServer(addr string, agg *watch.Aggregator, metrics *Metrics, logger zerolog.Logger) *Server {
	logger = logger.With().Str("component", "ops").Logger()
	started := time.Now()

	r := mux.NewRouter()
	r.Handle("/healthz", &healthHandler{agg: agg, started: started, log: logger}).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.Handle("/status", &statusHandler{agg: agg, log: logger}).Methods(http.MethodGet)

	return &Server{
		http: &http.Server{
			Addr:         addr,
			Handler:      r,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		log: logger,
	}
}

// Run serves until the context is canceled, then shuts down gracefully.
// A bind failure is returned so the caller can log it; it should not kill
// the watcher.
func (s *Server) Run(ctx context.Context) error {
	errs := make(chan error, 1)
	go func() {
		errs <- s.http.ListenAndServe()
	}()
	s.log.Info().Str("addr", s.http.Addr).Msg("ops server listening")

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutCtx)
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
