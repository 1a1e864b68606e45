// Package discovery periodically scans an externally produced file of
// "symbols of interest" and nominates the matching instrument keys for
// upstream subscription.
package discovery

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang-tick-streamer/internal/instrument"
	"golang-tick-streamer/internal/logger"
)

// Subscriber is the subset of the connection manager the scanner drives.
type Subscriber interface {
	Subscribe(instrumentKeys []string)
	IsConnected() bool
}

// Scanner polls the newest scan file on a fixed interval, maps discovered
// tickers to instrument keys via the shared instrument table, and hands them
// to the subscriber. While the upstream connection is down it retries on a
// shorter wait instead of burning full-rate scans.
type Scanner struct {
	dir       string
	pattern   string
	interval  time.Duration
	retryWait time.Duration
	lookup    *instrument.Map
	sub       Subscriber
	log       *logger.Entry
}

// NewScanner wires a scanner to the instrument table and subscriber.
func NewScanner(dir, pattern string, interval, retryWait time.Duration, lookup *instrument.Map, sub Subscriber, log *logger.Log) *Scanner {
	return &Scanner{
		dir:       dir,
		pattern:   pattern,
		interval:  interval,
		retryWait: retryWait,
		lookup:    lookup,
		sub:       sub,
		log:       log.WithComponent("discovery"),
	}
}

// Run loops until the context is cancelled. Any failure to read the scan
// source yields an empty key list and the loop continues.
func (s *Scanner) Run(ctx context.Context) {
	s.log.WithFields(logger.Fields{"dir": s.dir, "pattern": s.pattern, "interval": s.interval.String()}).Info("symbol discovery started")

	for {
		wait := s.interval

		if !s.sub.IsConnected() {
			s.log.Debug("feed not connected, deferring symbol scan")
			wait = s.retryWait
		} else {
			keys, err := s.Scan()
			if err != nil {
				s.log.WithError(err).Warn("symbol scan failed")
			} else if len(keys) > 0 {
				s.log.WithFields(logger.Fields{"keys": len(keys)}).Info("nominating discovered instruments")
				s.sub.Subscribe(keys)
			}
		}

		select {
		case <-ctx.Done():
			s.log.Info("symbol discovery stopped")
			return
		case <-time.After(wait):
		}
	}
}

// Scan reads the newest matching scan file and returns the instrument keys
// for its tickers. A missing file is not an error; it yields no keys.
func (s *Scanner) Scan() ([]string, error) {
	path, err := s.newestScanFile()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return nil, nil
	}

	tickers, err := readTickers(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	return s.lookup.KeysForSymbols(tickers), nil
}

// newestScanFile picks the most recently modified file matching the pattern.
func (s *Scanner) newestScanFile() (string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, s.pattern))
	if err != nil {
		return "", fmt.Errorf("bad scan pattern: %w", err)
	}

	var newest string
	var newestMod time.Time
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(newestMod) {
			newest = match
			newestMod = info.ModTime()
		}
	}
	return newest, nil
}

// readTickers extracts the unique values of the ticker column.
func readTickers(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	tickerCol := -1
	for i, name := range header {
		if name == "ticker" {
			tickerCol = i
			break
		}
	}
	if tickerCol < 0 {
		return nil, fmt.Errorf("missing ticker column")
	}

	seen := make(map[string]struct{})
	var tickers []string
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read record: %w", err)
		}
		if tickerCol >= len(record) {
			continue
		}
		ticker := record[tickerCol]
		if ticker == "" {
			continue
		}
		if _, dup := seen[ticker]; dup {
			continue
		}
		seen[ticker] = struct{}{}
		tickers = append(tickers, ticker)
	}
	return tickers, nil
}
