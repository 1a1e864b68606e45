// Package instrument owns the static instrument-key to trading-symbol table.
// The table is loaded once at startup and shared by reference; components
// must not re-derive their own copies.
package instrument

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"

	"golang-tick-streamer/internal/logger"
)

// UnknownSymbol is returned for any instrument key absent from the table.
const UnknownSymbol = "UNKNOWN"

// Map resolves instrument keys to trading symbols and back. Read-only after
// construction, safe for concurrent use.
type Map struct {
	symbolByKey map[string]string
	keyBySymbol map[string]string
}

// LoadMap reads the instruments reference file (CSV with instrument_key and
// tradingsymbol columns). A missing or unreadable file degrades to an empty
// map: every lookup then resolves to UNKNOWN rather than failing startup.
func LoadMap(path string, log *logger.Log) *Map {
	m := &Map{
		symbolByKey: make(map[string]string),
		keyBySymbol: make(map[string]string),
	}

	entry := log.WithComponent("instrument")

	file, err := os.Open(path)
	if err != nil {
		entry.WithError(err).Warnf("instruments file not readable, all symbols will resolve to %s", UnknownSymbol)
		return m
	}
	defer file.Close()

	if err := m.load(file); err != nil {
		entry.WithError(err).Warn("failed to parse instruments file, continuing with partial table")
	}

	entry.Infof("instrument table loaded with %d entries from %s", len(m.symbolByKey), path)
	return m
}

func (m *Map) load(r io.Reader) error {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return fmt.Errorf("failed to read header: %w", err)
	}

	keyCol, symbolCol := -1, -1
	for i, name := range header {
		switch name {
		case "instrument_key":
			keyCol = i
		case "tradingsymbol":
			symbolCol = i
		}
	}
	if keyCol < 0 || symbolCol < 0 {
		return fmt.Errorf("missing instrument_key/tradingsymbol columns")
	}

	for {
		record, err := reader.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read record: %w", err)
		}
		if keyCol >= len(record) || symbolCol >= len(record) {
			continue
		}

		key, symbol := record[keyCol], record[symbolCol]
		if key == "" || symbol == "" {
			continue
		}
		m.symbolByKey[key] = symbol
		m.keyBySymbol[symbol] = key
	}
}

// Symbol resolves an instrument key to its trading symbol. A miss yields
// UNKNOWN, never an error.
func (m *Map) Symbol(instrumentKey string) string {
	if symbol, ok := m.symbolByKey[instrumentKey]; ok {
		return symbol
	}
	return UnknownSymbol
}

// KeysForSymbols maps trading symbols to instrument keys, dropping symbols
// absent from the table.
func (m *Map) KeysForSymbols(symbols []string) []string {
	var keys []string
	for _, symbol := range symbols {
		if key, ok := m.keyBySymbol[symbol]; ok {
			keys = append(keys, key)
		}
	}
	return keys
}

// Size returns the number of loaded instruments.
func (m *Map) Size() int {
	return len(m.symbolByKey)
}
