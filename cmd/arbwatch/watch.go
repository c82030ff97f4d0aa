package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/arbwatch/arbwatch/internal/config"
	"github.com/arbwatch/arbwatch/internal/net/breaker"
	"github.com/arbwatch/arbwatch/internal/net/ratelimit"
	"github.com/arbwatch/arbwatch/internal/net/rest"
	"github.com/arbwatch/arbwatch/internal/ops"
	"github.com/arbwatch/arbwatch/internal/status"
	"github.com/arbwatch/arbwatch/internal/store"
	"github.com/arbwatch/arbwatch/internal/venue"
	"github.com/arbwatch/arbwatch/internal/watch"
)

func watchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch [symbol]",
		Short: "Watch venue order books for arbitrage opportunities",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags(), args)
			if err != nil {
				return err
			}
			return runWatch(cmd.Context(), cfg)
		},
	}
	config.BindFlags(cmd.Flags())
	return cmd
}

func runWatch(ctx context.Context, cfg *config.Config) error {
	logger := log.With().Str("symbol", cfg.Symbol).Logger()
	logger.Info().
		Strs("exchanges", cfg.Exchanges).
		Dur("stale_time", cfg.StaleTime).
		Int("max_reconnects", cfg.MaxReconnects).
		Float64("taker_fee", cfg.TakerFee).
		Msg("starting watcher")

	agg := watch.NewAggregator(cfg.Symbol)
	metrics := ops.NewMetrics()

	restClient := rest.New(
		ratelimit.NewLimiter(10, 20),
		breaker.NewSet(breaker.DefaultSettings(), logger),
		logger,
	)

	publisher := status.New(cfg.Symbol, cfg.RedisURL, cfg.DataDir, logger, metrics)
	defer publisher.Close()

	csvSink, err := store.NewCSV(cfg.CSVPath)
	if err != nil {
		return err
	}
	defer csvSink.Close()
	sinks := []watch.Sink{csvSink}

	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgres(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return err
		}
		defer pg.Close()
		sinks = append(sinks, pg)
	}

	evaluator := watch.NewEvaluator(agg, watch.EvaluatorConfig{
		TakerFee:   cfg.TakerFee,
		StaleAfter: cfg.StaleTime,
	}, sinks, logger, metrics)

	clients, err := buildClients(cfg, agg, metrics, restClient, logger)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup

	if cfg.OpsAddr != "" {
		srv := ops.NewServer(cfg.OpsAddr, agg, metrics, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("ops server failed")
			}
		}()
	}

	for _, client := range clients {
		wg.Add(1)
		go func(c venue.Client) {
			defer wg.Done()
			err := c.Run(ctx)
			switch {
			case err == nil, errors.Is(err, context.Canceled):
			case errors.Is(err, venue.ErrStopped):
				// The remaining venues keep the watcher useful.
				logger.Warn().Str("venue", c.Name()).Msg("venue stopped after exhausting reconnects")
			default:
				logger.Error().Err(err).Str("venue", c.Name()).Msg("venue client exited")
			}
		}(client)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := evaluator.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("evaluator exited")
		}
	}()

	// Single snapshot consumer: refreshes gauges and feeds the dashboards.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case snap := <-agg.Updates():
				metrics.ObserveSnapshot(snap)
				publisher.Publish(ctx, snap)
			}
		}
	}()

	<-ctx.Done()
	wg.Wait()
	logger.Info().Msg("watcher stopped")
	return nil
}

func buildClients(cfg *config.Config, agg *watch.Aggregator, metrics *ops.Metrics, restClient *rest.Client, logger zerolog.Logger) ([]venue.Client, error) {
	opts := venue.Options{
		Board:  agg,
		Symbol: cfg.Symbol,
		Config: venue.Config{
			StaleTime:     cfg.StaleTime,
			MaxReconnects: cfg.MaxReconnects,
		},
		Logger:   logger,
		Recorder: metrics,
		REST:     restClient,
	}

	clients := make([]venue.Client, 0, len(cfg.Exchanges))
	for _, name := range cfg.Exchanges {
		switch name {
		case "binance":
			clients = append(clients, venue.NewBinance(opts))
		case "coinbase":
			clients = append(clients, venue.NewCoinbase(opts))
		case "bybit":
			clients = append(clients, venue.NewBybit(opts))
		case "kraken":
			clients = append(clients, venue.NewKraken(opts))
		case "kucoin":
			signer := venue.NewSigner(cfg.KuCoin.Key, cfg.KuCoin.Secret, cfg.KuCoin.Passphrase)
			clients = append(clients, venue.NewKuCoin(opts, signer))
		default:
			return nil, fmt.Errorf("unknown exchange %q", name)
		}
	}
	return clients, nil
}
