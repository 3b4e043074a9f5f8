package main

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"acctsync/internal/core"
	"acctsync/internal/exchange"
)

// pagedSource returns at most limit fills at or after since, oldest first.
type pagedSource struct {
	fills []core.Event
	limit int
	calls int
}

func (p *pagedSource) OrderFills(_ context.Context, since time.Time, _ exchange.Credentials) ([]core.Event, error) {
	p.calls++
	var out []core.Event
	for _, ev := range p.fills {
		if ev.Time.Before(since) {
			continue
		}
		out = append(out, ev)
		if len(out) == p.limit {
			break
		}
	}
	return out, nil
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open(%s) error = %v", path, err)
	}
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		n++
	}
	return n
}

func TestExportFillsPagesAndSplitsByDay(t *testing.T) {
	day1 := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	src := &pagedSource{limit: 2}
	for i := 0; i < 5; i++ {
		src.fills = append(src.fills, core.Event{
			Type:    core.EventFill,
			OrderID: "o1",
			TradeID: strconv.Itoa(i),
			Base:    "BTC",
			Quote:   "USDT",
			Side:    core.Buy,
			Volume:  0.1,
			Price:   100,
			Time:    day1.Add(time.Duration(i) * 30 * time.Minute),
		})
	}
	dir := t.TempDir()
	w, err := newDateWriter(dir)
	if err != nil {
		t.Fatalf("newDateWriter() error = %v", err)
	}
	total, requests, err := exportFills(context.Background(), src, exchange.Credentials{}, day1.Add(-time.Hour), day1.Add(24*time.Hour), w)
	if err != nil {
		t.Fatalf("exportFills() error = %v", err)
	}
	if err := w.close(); err != nil {
		t.Fatalf("close() error = %v", err)
	}
	if total != 5 {
		t.Fatalf("total = %d, want 5", total)
	}
	if requests < 3 {
		t.Fatalf("requests = %d, want at least 3 pages", requests)
	}
	if got := countLines(t, filepath.Join(dir, "2026-03-01.jsonl")); got != 2 {
		t.Fatalf("2026-03-01 lines = %d, want 2", got)
	}
	if got := countLines(t, filepath.Join(dir, "2026-03-02.jsonl")); got != 3 {
		t.Fatalf("2026-03-02 lines = %d, want 3", got)
	}
}

func TestExportFillsSkipsOutsideWindow(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	src := &pagedSource{limit: 10, fills: []core.Event{
		{Type: core.EventFill, OrderID: "o1", TradeID: "1", Time: at},
		{Type: core.EventFill, OrderID: "o1", TradeID: "2", Time: at.Add(2 * time.Hour)},
	}}
	w, err := newDateWriter(t.TempDir())
	if err != nil {
		t.Fatalf("newDateWriter() error = %v", err)
	}
	defer w.close()
	total, _, err := exportFills(context.Background(), src, exchange.Credentials{}, at, at.Add(time.Hour), w)
	if err != nil {
		t.Fatalf("exportFills() error = %v", err)
	}
	if total != 1 {
		t.Fatalf("total = %d, want 1", total)
	}
}

func TestResolveWindowDateOnlyEndIsInclusive(t *testing.T) {
	start, end, err := resolveWindow(0, "2026-03-01", "2026-03-02")
	if err != nil {
		t.Fatalf("resolveWindow() error = %v", err)
	}
	if !start.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("start = %s", start)
	}
	if !end.Equal(time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("end = %s", end)
	}
	if _, _, err := resolveWindow(0, "2026-03-01", ""); err == nil {
		t.Fatalf("resolveWindow() with only start error = nil, want non-nil")
	}
}
