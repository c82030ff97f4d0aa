// Package rest provides the shared JSON client used for venue snapshot and
// token endpoints. Every request passes the per-host rate limiter and the
// per-venue circuit breaker before it reaches the wire.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/arbwatch/arbwatch/internal/net/breaker"
	"github.com/arbwatch/arbwatch/internal/net/ratelimit"
)

const requestTimeout = 10 * time.Second

// Client is safe for concurrent use by multiple venue clients.
type Client struct {
	http     *http.Client
	limiter  *ratelimit.Limiter
	breakers *breaker.Set
	log      zerolog.Logger
}

// New creates a REST client. The limiter and breaker set are shared across
// all venues so one misbehaving endpoint cannot starve the others.
func New(limiter *ratelimit.Limiter, breakers *breaker.Set, logger zerolog.Logger) *Client {
	return &Client{
		http:     &http.Client{Timeout: requestTimeout},
		limiter:  limiter,
		breakers: breakers,
		log:      logger,
	}
}

// GetJSON performs a GET against rawURL and decodes the response body into out.
// The venue name selects the circuit breaker; headers may be nil.
func (c *Client) GetJSON(ctx context.Context, venue, rawURL string, headers http.Header, out interface{}) error {
	return c.do(ctx, venue, http.MethodGet, rawURL, headers, out)
}

// PostJSON performs a bodyless POST against rawURL and decodes the response
// body into out. KuCoin's bullet-public token endpoint is the only caller.
func (c *Client) PostJSON(ctx context.Context, venue, rawURL string, headers http.Header, out interface{}) error {
	return c.do(ctx, venue, http.MethodPost, rawURL, headers, out)
}

func (c *Client) do(ctx context.Context, venue, method, rawURL string, headers http.Header, out interface{}) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	if err := c.limiter.Wait(ctx, u.Host); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	start := time.Now()
	_, err = c.breakers.Execute(venue, func() (interface{}, error) {
		return nil, c.request(ctx, method, rawURL, headers, out)
	})
	c.log.Debug().
		Str("venue", venue).
		Str("method", method).
		Str("url", rawURL).
		Dur("elapsed", time.Since(start)).
		Err(err).
		Msg("rest request")
	return err
}

func (c *Client) request(ctx context.Context, method, rawURL string, headers http.Header, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	for key, values := range headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, rawURL, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
