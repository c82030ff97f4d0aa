// Package store persists detected opportunities. The CSV sink is always on;
// the Postgres sink joins it when a DATABASE_URL is configured.
package store

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/arbwatch/arbwatch/internal/watch"
)

var csvHeader = []string{"ts", "symbol", "buy_venue", "buy_price", "sell_venue", "sell_price", "spread"}

// CSV appends one row per opportunity. Prices are the raw venue prices;
// spread is the fee-adjusted profit at two decimals. Each row is flushed as
// it is written so a crash loses at most the row in flight.
type CSV struct {
	mu sync.Mutex
	f  *os.File
	w  *csv.Writer
}

// NewCSV opens the file for appending, creating it (and its directory) with
// a header row when it does not exist yet.
func NewCSV(path string) (*CSV, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create csv dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open csv: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat csv: %w", err)
	}
	s := &CSV{f: f, w: csv.NewWriter(f)}
	if info.Size() == 0 {
		if err := s.write(csvHeader); err != nil {
			f.Close()
			return nil, fmt.Errorf("write csv header: %w", err)
		}
	}
	return s, nil
}

func (s *CSV) Record(_ context.Context, opp watch.Opportunity) error {
	row := []string{
		opp.DetectedAt.Format("2006-01-02 15:04:05"),
		opp.Symbol,
		opp.BuyVenue,
		strconv.FormatFloat(opp.BuyPrice, 'f', -1, 64),
		opp.SellVenue,
		strconv.FormatFloat(opp.SellPrice, 'f', -1, 64),
		opp.Profit.StringFixed(2),
	}
	if err := s.write(row); err != nil {
		return fmt.Errorf("write csv row: %w", err)
	}
	return nil
}

func (s *CSV) write(row []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Write(row); err != nil {
		return err
	}
	s.w.Flush()
	return s.w.Error()
}

func (s *CSV) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}
