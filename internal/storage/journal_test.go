package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"golang-tick-streamer/internal/tick"
)

func testBatch(key string, price float64) *tick.Batch {
	return &tick.Batch{
		Feeds: map[string]*tick.Feed{
			key: {
				LTPC:   &tick.Tick{LastPrice: price, LastTradeAt: "1718089200000", LastQuantity: 1, PrevClose: price - 1},
				Ticker: "TEST",
			},
		},
		CurrentTs: "1718089201000",
	}
}

func TestJournalAppendPreservesArrivalOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ticks.jsonl")
	journal, err := OpenJournal(path)
	if err != nil {
		t.Fatal(err)
	}
	defer journal.Close()

	const n = 25
	for i := 0; i < n; i++ {
		if err := journal.Append(testBatch("NSE_EQ|X", float64(i))); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if journal.Appends() != n {
		t.Errorf("Appends = %d, want %d", journal.Appends(), n)
	}

	file, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	line := 0
	for scanner.Scan() {
		var batch tick.Batch
		if err := json.Unmarshal(scanner.Bytes(), &batch); err != nil {
			t.Fatalf("line %d is not self-contained JSON: %v", line, err)
		}
		if got := batch.Feeds["NSE_EQ|X"].LTPC.LastPrice; got != float64(line) {
			t.Fatalf("line %d: price %v, order not preserved", line, got)
		}
		line++
	}
	if line != n {
		t.Errorf("expected %d lines, got %d", n, line)
	}
}

func TestJournalAppendsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ticks.jsonl")

	for i := 0; i < 2; i++ {
		journal, err := OpenJournal(path)
		if err != nil {
			t.Fatal(err)
		}
		if err := journal.Append(testBatch("NSE_EQ|X", float64(i))); err != nil {
			t.Fatal(err)
		}
		journal.Close()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := 0
	for _, b := range data {
		if b == '\n' {
			lines++
		}
	}
	if lines != 2 {
		t.Errorf("expected 2 lines after reopen, got %d (%s)", lines, data)
	}
}

func TestOpenJournalCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "ticks.jsonl")

	journal, err := OpenJournal(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	journal.Close()

	if _, err := os.Stat(path); err != nil {
		t.Errorf("journal file not created: %v", err)
	}
}

func TestJournalLinesMatchWireShape(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ticks.jsonl")
	journal, err := OpenJournal(path)
	if err != nil {
		t.Fatal(err)
	}
	defer journal.Close()

	if err := journal.Append(testBatch("NSE_EQ|X", 101.5)); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	var shape struct {
		Feeds map[string]struct {
			LTPC struct {
				LTP float64 `json:"ltp"`
				LTT string  `json:"ltt"`
				LTQ string  `json:"ltq"`
				CP  float64 `json:"cp"`
			} `json:"ltpc"`
			Ticker string `json:"ticker"`
		} `json:"feeds"`
		CurrentTs string `json:"currentTs"`
	}
	if err := json.Unmarshal(data[:len(data)-1], &shape); err != nil {
		t.Fatalf("line does not match wire shape: %v", err)
	}

	feed := shape.Feeds["NSE_EQ|X"]
	if feed.LTPC.LTP != 101.5 || feed.LTPC.LTQ != "1" || feed.Ticker != "TEST" {
		t.Errorf("unexpected wire content: %+v", feed)
	}
	if fmt.Sprint(shape.CurrentTs) == "" {
		t.Error("missing currentTs")
	}
}
