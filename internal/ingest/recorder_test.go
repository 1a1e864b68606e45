package ingest

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang-tick-streamer/internal/instrument"
	"golang-tick-streamer/internal/logger"
	"golang-tick-streamer/internal/storage"
)

func quietLogger() *logger.Log {
	log := logger.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestRecorder(t *testing.T) (*Recorder, string) {
	t.Helper()
	dir := t.TempDir()

	instrumentsPath := filepath.Join(dir, "instruments.csv")
	if err := os.WriteFile(instrumentsPath, []byte("instrument_key,tradingsymbol\nNSE_EQ|A,ACO\n"), 0644); err != nil {
		t.Fatal(err)
	}

	journalPath := filepath.Join(dir, "ticks.jsonl")
	journal, err := storage.OpenJournal(journalPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { journal.Close() })

	log := quietLogger()
	lookup := instrument.LoadMap(instrumentsPath, log)
	return NewRecorder(journal, lookup, nil, log), journalPath
}

func TestProcessEnrichesOnceForJournalAndFanout(t *testing.T) {
	recorder, journalPath := newTestRecorder(t)

	raw := []byte(`{"feeds":{"NSE_EQ|A":{"ltpc":{"ltp":1.5,"ltt":"t","ltq":"2","cp":1}},"NSE_EQ|Z":{"ltpc":{"ltp":9,"ltt":"t","ltq":"1","cp":8}}},"currentTs":"ts"}`)

	enriched, ok := recorder.Process(raw)
	if !ok {
		t.Fatal("expected batch to be accepted")
	}

	// The batch handed back for fan-out carries the resolved tickers.
	if got := enriched.Feeds["NSE_EQ|A"].Ticker; got != "ACO" {
		t.Errorf("fan-out ticker = %q, want ACO", got)
	}
	if got := enriched.Feeds["NSE_EQ|Z"].Ticker; got != instrument.UnknownSymbol {
		t.Errorf("fan-out ticker for unknown key = %q, want %s", got, instrument.UnknownSymbol)
	}

	// The journal line carries the identical enrichment.
	file, err := os.Open(journalPath)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()
	scanner := bufio.NewScanner(file)
	if !scanner.Scan() {
		t.Fatal("expected one journal line")
	}
	line := scanner.Text()
	if !strings.Contains(line, `"ticker":"ACO"`) || !strings.Contains(line, `"ticker":"UNKNOWN"`) {
		t.Errorf("journal line missing enrichment: %s", line)
	}
}

func TestProcessDropsMalformedBatch(t *testing.T) {
	recorder, journalPath := newTestRecorder(t)

	cases := [][]byte{
		[]byte(`not json`),
		[]byte(`{"currentTs":"1"}`),
		[]byte(`{"feeds":{"NSE_EQ|A":null}}`),
	}
	for _, raw := range cases {
		if _, ok := recorder.Process(raw); ok {
			t.Errorf("expected drop for %s", raw)
		}
	}

	processed, dropped := recorder.Stats()
	if processed != 0 || dropped != int64(len(cases)) {
		t.Errorf("stats = (%d, %d), want (0, %d)", processed, dropped, len(cases))
	}

	data, err := os.ReadFile(journalPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 0 {
		t.Errorf("dropped batches must not reach the journal: %s", data)
	}
}

func TestProcessPreservesOrderPerInstrument(t *testing.T) {
	recorder, journalPath := newTestRecorder(t)

	raws := []string{
		`{"feeds":{"NSE_EQ|A":{"ltpc":{"ltp":1,"ltt":"t","ltq":"1","cp":0}}}}`,
		`{"feeds":{"NSE_EQ|A":{"ltpc":{"ltp":2,"ltt":"t","ltq":"1","cp":1}}}}`,
		`{"feeds":{"NSE_EQ|A":{"ltpc":{"ltp":3,"ltt":"t","ltq":"1","cp":2}}}}`,
	}
	for _, raw := range raws {
		if _, ok := recorder.Process([]byte(raw)); !ok {
			t.Fatal("unexpected drop")
		}
	}

	log := quietLogger()
	history := storage.NewHistory(journalPath, log)
	history.Load()

	ticks := history.Ticks("NSE_EQ|A")
	if len(ticks) != 3 {
		t.Fatalf("expected 3 ticks, got %d", len(ticks))
	}
	for i, want := range []float64{1, 2, 3} {
		if ticks[i].LastPrice != want {
			t.Errorf("tick %d = %v, want %v", i, ticks[i].LastPrice, want)
		}
	}
}
