package venue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/arbwatch/arbwatch/internal/book"
	"github.com/arbwatch/arbwatch/internal/watch"
)

// ErrStopped is returned by Run when a retry counter saturates. The venue is
// marked Stopped on the board and the rest of the process keeps running.
var ErrStopped = errors.New("venue stopped: retry budget exhausted")

// errStale means no frame arrived within the stale window.
var errStale = errors.New("stream stale")

// errHold means the board shows this venue externally Disconnected while the
// book is established; the client closes and holds before reconnecting.
var errHold = errors.New("externally disconnected")

// errResync marks a detected book desync (sequence gap or crossed book).
// Clients either rebuild from a snapshot in-session or surface it as an
// update failure.
var errResync = errors.New("book desync")

type failKind int

const (
	failConnect failKind = iota
	failSnapshot
	failUpdate
)

func (k failKind) String() string {
	switch k {
	case failConnect:
		return "connect"
	case failSnapshot:
		return "snapshot"
	default:
		return "update"
	}
}

// sessionError classifies a session failure against one retry counter.
type sessionError struct {
	kind failKind
	err  error
}

func (e *sessionError) Error() string { return e.err.Error() }
func (e *sessionError) Unwrap() error { return e.err }

// lifecycle is the chassis embedded by every venue client: board
// bookkeeping, the supervised reconnect loop with its three bounded
// counters, the frame pump and the change-gated publisher.
type lifecycle struct {
	name   string
	pair   string // venue-format symbol
	symbol string // configured symbol
	board  Board
	cfg    Config
	log    zerolog.Logger
	rec    Recorder
	dialer *websocket.Dialer
	book   *book.Book

	lastBid   float64
	lastAsk   float64
	published bool

	connects  int
	snapshots int
	updates   int
}

func newLifecycle(name, pair string, opts Options) lifecycle {
	cfg := opts.Config.withDefaults()
	rec := opts.Recorder
	if rec == nil {
		rec = nopRecorder{}
	}
	return lifecycle{
		name:   name,
		pair:   pair,
		symbol: strings.ToUpper(opts.Symbol),
		board:  opts.Board,
		cfg:    cfg,
		log:    opts.Logger.With().Str("venue", name).Logger(),
		rec:    rec,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		book:   book.New(),
	}
}

// supervise drives session until the context ends or a counter saturates.
// Sessions return nil only via context cancellation paths; every other exit
// is classified against a counter, backed off and retried.
func (l *lifecycle) supervise(ctx context.Context, session func(context.Context) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		l.beginSession()
		err := session(ctx)
		if err == nil || ctx.Err() != nil {
			return ctx.Err()
		}

		hold := l.cfg.Backoff
		reason := "hold"
		if errors.Is(err, errHold) {
			hold = l.cfg.DisconnectHold
			l.log.Warn().Dur("hold", hold).Msg("disconnect requested, holding before reconnect")
		} else {
			kind := failUpdate
			var se *sessionError
			if errors.As(err, &se) {
				kind = se.kind
			}
			reason = kind.String()
			var attempts int
			switch kind {
			case failConnect:
				l.connects++
				attempts = l.connects
			case failSnapshot:
				l.snapshots++
				attempts = l.snapshots
			default:
				l.updates++
				attempts = l.updates
			}
			if attempts >= l.cfg.MaxReconnects {
				l.board.SetStatus(l.name, watch.StatusStopped)
				l.log.Error().Err(err).Str("kind", reason).Int("attempts", attempts).
					Msg("retry budget exhausted, stopping venue")
				return ErrStopped
			}
			l.log.Warn().Err(err).Str("kind", reason).Int("attempt", attempts).
				Dur("backoff", hold).Msg("session ended, reconnecting")
		}
		l.rec.Reconnect(l.name, reason)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(hold):
		}
	}
}

// beginSession resets per-session state: a fresh book and an open publish
// gate so the first post-snapshot publish always goes through.
func (l *lifecycle) beginSession() {
	l.book.Reset()
	l.lastBid, l.lastAsk = 0, 0
	l.published = false
}

func (l *lifecycle) dial(ctx context.Context, url string) (*websocket.Conn, error) {
	conn, resp, err := l.dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	l.log.Info().Str("url", url).Msg("websocket connected")
	return conn, nil
}

// connectFailed marks the venue Disconnected and classifies err against the
// connect counter. snapshotFailed and updateFailed are the analogs for the
// other counters.
func (l *lifecycle) connectFailed(err error) error {
	l.board.SetStatus(l.name, watch.StatusDisconnected)
	return &sessionError{kind: failConnect, err: err}
}

func (l *lifecycle) snapshotFailed(err error) error {
	l.board.SetStatus(l.name, watch.StatusDisconnected)
	return &sessionError{kind: failSnapshot, err: err}
}

func (l *lifecycle) updateFailed(err error) error {
	l.board.SetStatus(l.name, watch.StatusDisconnected)
	return &sessionError{kind: failUpdate, err: err}
}

// established resets the connect and snapshot counters once a session has a
// synchronized book.
func (l *lifecycle) established() {
	l.connects = 0
	l.snapshots = 0
	l.log.Info().Int64("seq", l.book.Seq()).Msg("book established")
}

// publish pushes the current best pair to the board if it changed since the
// last publish. A crossed book is desync: nothing is published and the
// caller must resync.
func (l *lifecycle) publish() error {
	bid, ask, ok := l.book.Best()
	if !ok {
		return nil
	}
	if bid >= ask {
		return fmt.Errorf("%w: crossed book %.8f >= %.8f", errResync, bid, ask)
	}
	if l.published && bid == l.lastBid && ask == l.lastAsk {
		return nil
	}
	l.board.UpdatePrice(l.name, bid, ask)
	l.lastBid, l.lastAsk = bid, ask
	l.published = true
	l.updates = 0
	return nil
}

// externallyDisconnected reports whether something else (the evaluator's
// staleness policy) marked this venue Disconnected while our book is
// established. The owning session must close and hold.
func (l *lifecycle) externallyDisconnected() bool {
	if !l.book.Ready() || !l.published {
		return false
	}
	status, ok := l.board.StatusOf(l.name)
	return ok && status == watch.StatusDisconnected
}

// reader pumps frames from a connection into a channel so sessions can
// multiplex reads with timers and cancellation. Closing the connection ends
// the pump; stop reaps the goroutine.
type reader struct {
	frames chan []byte
	errs   chan error
	done   chan struct{}
	once   sync.Once
}

func newReader(conn *websocket.Conn) *reader {
	r := &reader{
		frames: make(chan []byte, 256),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}
	go func() {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				select {
				case r.errs <- err:
				case <-r.done:
				}
				return
			}
			select {
			case r.frames <- msg:
			case <-r.done:
				return
			}
		}
	}()
	return r
}

func (r *reader) stop() {
	r.once.Do(func() { close(r.done) })
}

// tryNext drains one buffered frame without blocking.
func (r *reader) tryNext() ([]byte, bool) {
	select {
	case msg := <-r.frames:
		return msg, true
	default:
		return nil, false
	}
}

// nextFrame waits for the next frame, the context, a read error, or the
// wait deadline (errStale).
func (l *lifecycle) nextFrame(ctx context.Context, rd *reader, wait time.Duration) ([]byte, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-rd.errs:
		return nil, fmt.Errorf("read: %w", err)
	case msg := <-rd.frames:
		l.rec.WSMessage(l.name)
		return msg, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: no frame within %s", errStale, wait)
	}
}
