package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// venueStatus and statusDoc mirror what the watcher publishes to redis and
// the status file.
type venueStatus struct {
	Bid       *float64 `json:"bid"`
	Ask       *float64 `json:"ask"`
	Timestamp *float64 `json:"timestamp"`
	Status    string   `json:"status"`
}

type statusDoc struct {
	Symbol             string                 `json:"symbol"`
	LastUpdate         float64                `json:"last_update"`
	LastUpdateReadable string                 `json:"last_update_readable"`
	Exchanges          map[string]venueStatus `json:"exchanges"`
}

func statusCmd() *cobra.Command {
	var (
		redisURL string
		dataDir  string
	)
	cmd := &cobra.Command{
		Use:   "status [symbol]",
		Short: "Print the watcher's last published venue status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			symbol := "BTC"
			if v := os.Getenv("SYMBOL"); v != "" {
				symbol = v
			}
			if len(args) > 0 && strings.TrimSpace(args[0]) != "" {
				symbol = args[0]
			}
			symbol = strings.ToUpper(strings.TrimSpace(symbol))

			if redisURL == "" {
				redisURL = os.Getenv("REDIS_URL")
			}
			if !cmd.Flags().Changed("data-dir") {
				if v := os.Getenv("ARBWATCH_DATA_DIR"); v != "" {
					dataDir = v
				}
			}

			doc, source, err := loadStatus(cmd.Context(), symbol, redisURL, dataDir)
			if err != nil {
				return err
			}
			renderStatus(cmd.OutOrStdout(), doc, source)
			return nil
		},
	}
	cmd.Flags().StringVar(&redisURL, "redis-url", "", "redis to read from (defaults to REDIS_URL)")
	cmd.Flags().StringVar(&dataDir, "data-dir", "logs", "directory holding the status file fallback")
	return cmd
}

// loadStatus prefers redis and falls back to the status file, the same
// order the watcher publishes in.
func loadStatus(ctx context.Context, symbol, redisURL, dataDir string) (*statusDoc, string, error) {
	if redisURL != "" {
		if doc, err := loadRedisStatus(ctx, symbol, redisURL); err == nil {
			return doc, "redis", nil
		}
	}

	path := filepath.Join(dataDir, "status_"+symbol+".json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("no status available for %s (is the watcher running?): %w", symbol, err)
	}
	var doc statusDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, "", fmt.Errorf("parse %s: %w", path, err)
	}
	return &doc, path, nil
}

func loadRedisStatus(ctx context.Context, symbol, redisURL string) (*statusDoc, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	defer client.Close()

	opCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	raw, err := client.Get(opCtx, "status:"+symbol).Bytes()
	if err != nil {
		return nil, err
	}
	var doc statusDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func renderStatus(w io.Writer, doc *statusDoc, source string) {
	if f, ok := w.(*os.File); !ok || !term.IsTerminal(int(f.Fd())) {
		color.NoColor = true
	}

	published := unixFloat(doc.LastUpdate)
	age := ""
	if doc.LastUpdate > 0 {
		age = fmt.Sprintf(" (%s ago)", time.Since(published).Round(time.Second))
	}
	fmt.Fprintf(w, "%s via %s, updated %s%s\n\n",
		color.New(color.Bold).Sprint(doc.Symbol), source, doc.LastUpdateReadable, age)

	venues := make([]string, 0, len(doc.Exchanges))
	for v := range doc.Exchanges {
		venues = append(venues, v)
	}
	sort.Strings(venues)

	fmt.Fprintf(w, "  %-10s %-13s %12s %12s %8s\n", "VENUE", "STATUS", "BID", "ASK", "AGE")
	for _, v := range venues {
		e := doc.Exchanges[v]
		fmt.Fprintf(w, "  %-10s %s %12s %12s %8s\n",
			v, colorStatus(e.Status), price(e.Bid), price(e.Ask), quoteAge(e.Timestamp))
	}

	if doc.LastUpdate > 0 && time.Since(published) > time.Minute {
		fmt.Fprintln(w, color.YellowString("\n  status is older than 60s; the watcher may be down"))
	}
}

// colorStatus pads before coloring so ANSI escapes do not break alignment.
func colorStatus(s string) string {
	padded := fmt.Sprintf("%-13s", s)
	switch s {
	case "connected":
		return color.GreenString(padded)
	case "stopped":
		return color.RedString(padded)
	default:
		return color.YellowString(padded)
	}
}

func price(p *float64) string {
	if p == nil {
		return "-"
	}
	return strconv.FormatFloat(*p, 'f', -1, 64)
}

func quoteAge(ts *float64) string {
	if ts == nil || *ts <= 0 {
		return "-"
	}
	return time.Since(unixFloat(*ts)).Round(time.Second).String()
}

func unixFloat(v float64) time.Time {
	sec := int64(v)
	return time.Unix(sec, int64((v-float64(sec))*1e9))
}
