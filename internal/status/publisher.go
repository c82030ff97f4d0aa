// Package status publishes aggregator snapshots for dashboards: a redis key
// with a short TTL as the primary sink and an atomically replaced JSON file
// as the fallback. Publisher errors are logged and counted, never returned
// to the watch loop.
package status

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/arbwatch/arbwatch/internal/watch"
)

const (
	redisTTL  = 60 * time.Second
	opTimeout = 500 * time.Millisecond
)

// Recorder counts publish failures per sink ("redis" or "file").
type Recorder interface {
	PublishFailure(sink string)
}

type nopRecorder struct{}

func (nopRecorder) PublishFailure(string) {}

// Payload is the document dashboards read from redis or the status file.
// Exchanges reuses the aggregator quote encoding: bid, ask and timestamp
// are null while a venue is not Connected.
type Payload struct {
	Symbol             string                 `json:"symbol"`
	LastUpdate         float64                `json:"last_update"`
	LastUpdateReadable string                 `json:"last_update_readable"`
	Exchanges          map[string]watch.Quote `json:"exchanges"`
}

// Publisher writes one payload per snapshot. It is driven by the single
// snapshot consumer goroutine and is not safe for concurrent use.
type Publisher struct {
	symbol string
	key    string
	dir    string
	path   string
	rdb    *redis.Client
	log    zerolog.Logger
	rec    Recorder

	failures int // consecutive publishes with every sink failing
}

// New probes redis once at startup. An empty or unreachable REDIS_URL
// degrades the publisher to file-only; that is normal for local runs.
func New(symbol, redisURL, dir string, logger zerolog.Logger, rec Recorder) *Publisher {
	symbol = strings.ToUpper(symbol)
	if rec == nil {
		rec = nopRecorder{}
	}
	p := &Publisher{
		symbol: symbol,
		key:    "status:" + symbol,
		dir:    dir,
		path:   filepath.Join(dir, "status_"+symbol+".json"),
		log:    logger.With().Str("component", "status").Logger(),
		rec:    rec,
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		p.log.Warn().Err(err).Str("dir", dir).Msg("status dir not writable")
	}
	if redisURL == "" {
		p.log.Info().Msg("no redis url, publishing status to file only")
		return p
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		p.log.Warn().Err(err).Msg("bad redis url, publishing status to file only")
		return p
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		p.log.Warn().Err(err).Msg("redis unreachable, publishing status to file only")
		client.Close()
		return p
	}
	p.rdb = client
	p.log.Info().Str("key", p.key).Msg("publishing status to redis and file")
	return p
}

// Publish serializes the snapshot into every active sink. One sink failing
// is a warning; every active sink failing twice in a row is an error.
func (p *Publisher) Publish(ctx context.Context, snap watch.Snapshot) {
	body, err := json.Marshal(p.payload(snap))
	if err != nil {
		p.log.Error().Err(err).Msg("status payload marshal failed")
		return
	}

	var redisErr error
	if p.rdb != nil {
		redisErr = p.publishRedis(ctx, body)
		if redisErr != nil {
			p.rec.PublishFailure("redis")
			p.log.Warn().Err(redisErr).Msg("redis status publish failed")
		}
	}
	fileErr := p.writeFile(body)
	if fileErr != nil {
		p.rec.PublishFailure("file")
		p.log.Warn().Err(fileErr).Str("path", p.path).Msg("status file write failed")
	}

	if fileErr != nil && (p.rdb == nil || redisErr != nil) {
		p.failures++
		if p.failures >= 2 {
			p.log.Error().Int("consecutive", p.failures).Msg("status publish failing on all sinks")
		}
		return
	}
	p.failures = 0
}

func (p *Publisher) Close() {
	if p.rdb != nil {
		p.rdb.Close()
	}
}

func (p *Publisher) payload(snap watch.Snapshot) Payload {
	return Payload{
		Symbol:             p.symbol,
		LastUpdate:         float64(snap.TakenAt.UnixNano()) / 1e9,
		LastUpdateReadable: snap.TakenAt.Format("2006-01-02 15:04:05"),
		Exchanges:          snap.Quotes,
	}
}

func (p *Publisher) publishRedis(ctx context.Context, body []byte) error {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return p.rdb.Set(opCtx, p.key, body, redisTTL).Err()
}

// writeFile replaces the status file atomically so the dashboard never
// reads a torn document.
func (p *Publisher) writeFile(body []byte) error {
	tmp, err := os.CreateTemp(p.dir, "status_*.tmp")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	return os.Rename(name, p.path)
}
