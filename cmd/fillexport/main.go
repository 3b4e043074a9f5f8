package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"acctsync/internal/config"
	"acctsync/internal/conn"
	"acctsync/internal/core"
	"acctsync/internal/exchange"
	"acctsync/internal/exchange/binance"
)

const defaultOutDir = "data/fills"

type fillLine struct {
	Time      string             `json:"time"`
	Timestamp int64              `json:"timestamp"`
	OrderID   string             `json:"order_id"`
	TradeID   string             `json:"trade_id"`
	Base      string             `json:"base"`
	Quote     string             `json:"quote"`
	Side      core.Side          `json:"side"`
	Volume    float64            `json:"volume"`
	Price     float64            `json:"price"`
	Fees      map[string]float64 `json:"fees,omitempty"`
}

type dateWriter struct {
	root        string
	currentDate string
	currentFile *os.File
}

func newDateWriter(root string) (*dateWriter, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &dateWriter{root: root}, nil
}

func (w *dateWriter) write(date string, line []byte) error {
	if err := w.rotate(date); err != nil {
		return err
	}
	_, err := w.currentFile.Write(append(line, '\n'))
	return err
}

func (w *dateWriter) rotate(date string) error {
	if date == w.currentDate && w.currentFile != nil {
		return nil
	}
	if err := w.close(); err != nil {
		return err
	}
	path := filepath.Join(w.root, date+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	w.currentFile = f
	w.currentDate = date
	return nil
}

func (w *dateWriter) close() error {
	if w == nil || w.currentFile == nil {
		return nil
	}
	if err := w.currentFile.Sync(); err != nil {
		_ = w.currentFile.Close()
		w.currentFile = nil
		return err
	}
	err := w.currentFile.Close()
	w.currentFile = nil
	return err
}

// fillSource is the slice of exchange.Client the export pages through.
type fillSource interface {
	OrderFills(ctx context.Context, since time.Time, creds exchange.Credentials) ([]core.Event, error)
}

func main() {
	var (
		configPath string
		envPath    string
		days       int
		startRaw   string
		endRaw     string
		outDir     string
	)
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.StringVar(&envPath, "env", "", "optional .env file with credentials")
	flag.IntVar(&days, "days", 7, "how many days to export back from now")
	flag.StringVar(&startRaw, "start", "", "start time (YYYY-MM-DD or RFC3339, UTC)")
	flag.StringVar(&endRaw, "end", "", "end time (YYYY-MM-DD or RFC3339, UTC), inclusive for date")
	flag.StringVar(&outDir, "out-dir", defaultOutDir, "output root dir")
	flag.Parse()

	cfg, err := config.LoadWithEnv(configPath, envPath)
	if err != nil {
		fatal(err.Error())
	}
	if cfg.Mode != config.ModeTestnet && cfg.Mode != config.ModeLive {
		fatal("fillexport requires mode=testnet or mode=live")
	}
	start, end, err := resolveWindow(days, startRaw, endRaw)
	if err != nil {
		fatal(err.Error())
	}

	mgr := conn.New(binance.ConnOptions(cfg.Exchange))
	client, err := binance.NewClient(cfg.Exchange, cfg.Markets, mgr)
	if err != nil {
		fatal(err.Error())
	}
	creds := exchange.Credentials{
		APIKey:     cfg.Exchange.APIKey,
		APISecret:  cfg.Exchange.APISecret,
		SubAccount: cfg.Exchange.SubAccount,
	}

	targetDir := filepath.Join(outDir, strings.ToLower(string(cfg.Mode)), client.Name(), cfg.InstanceID)
	writer, err := newDateWriter(targetDir)
	if err != nil {
		fatal(err.Error())
	}
	defer func() {
		if closeErr := writer.close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "close writer failed: %v\n", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("exporting fills from=%s to=%s\n", start.Format(time.RFC3339), end.Add(-time.Millisecond).Format(time.RFC3339))
	total, requests, err := exportFills(ctx, client, creds, start, end, writer)
	if err != nil {
		fatal(err.Error())
	}
	fmt.Printf("done: fills=%d requests=%d output=%s\n", total, requests, targetDir)
}

// exportFills pages through src from start until a page brings nothing new,
// writing every fill in [start, end) once, grouped by UTC day.
func exportFills(ctx context.Context, src fillSource, creds exchange.Credentials, start, end time.Time, w *dateWriter) (int, int, error) {
	seen := make(map[string]struct{})
	since := start
	total := 0
	requests := 0
	for since.Before(end) {
		batch, err := src.OrderFills(ctx, since, creds)
		if err != nil {
			return total, requests, err
		}
		requests++
		sort.Slice(batch, func(i, j int) bool { return batch[i].Time.Before(batch[j].Time) })
		fresh := 0
		next := since
		for _, ev := range batch {
			if ev.Type != core.EventFill || ev.Time.Before(since) || !ev.Time.Before(end) {
				continue
			}
			key := ev.OrderID + "|" + ev.TradeID
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			ts := ev.Time.UTC()
			encoded, err := json.Marshal(fillLine{
				Time:      ts.Format(time.RFC3339Nano),
				Timestamp: ts.UnixMilli(),
				OrderID:   ev.OrderID,
				TradeID:   ev.TradeID,
				Base:      ev.Base,
				Quote:     ev.Quote,
				Side:      ev.Side,
				Volume:    ev.Volume,
				Price:     ev.Price,
				Fees:      ev.Fees,
			})
			if err != nil {
				return total, requests, err
			}
			if err := w.write(ts.Format("2006-01-02"), encoded); err != nil {
				return total, requests, err
			}
			total++
			fresh++
			if ts.After(next) {
				next = ts
			}
		}
		if fresh == 0 {
			break
		}
		since = next.Add(time.Millisecond)
		if requests%20 == 0 {
			fmt.Printf("progress: requests=%d fills=%d last=%s\n", requests, total, next.Format(time.RFC3339))
		}
		if err := sleep(ctx, 120*time.Millisecond); err != nil {
			return total, requests, err
		}
	}
	return total, requests, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func resolveWindow(days int, startRaw, endRaw string) (time.Time, time.Time, error) {
	startRaw = strings.TrimSpace(startRaw)
	endRaw = strings.TrimSpace(endRaw)
	if startRaw == "" && endRaw == "" {
		if days < 1 {
			return time.Time{}, time.Time{}, errors.New("days must be >= 1")
		}
		end := time.Now().UTC()
		return end.AddDate(0, 0, -days), end, nil
	}
	if startRaw == "" || endRaw == "" {
		return time.Time{}, time.Time{}, errors.New("start and end must be provided together")
	}
	start, startDateOnly, err := parseRangeTime(startRaw)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start: %w", err)
	}
	end, endDateOnly, err := parseRangeTime(endRaw)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end: %w", err)
	}
	if startDateOnly {
		start = time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	}
	if endDateOnly {
		end = time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, errors.New("end must be after start")
	}
	return start.UTC(), end.UTC(), nil
}

func parseRangeTime(raw string) (time.Time, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false, errors.New("empty")
	}
	if len(raw) == len("2006-01-02") {
		t, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return time.Time{}, false, err
		}
		return t, true, nil
	}
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02 15:04",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), false, nil
		}
	}
	return time.Time{}, false, errors.New("unsupported time format")
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
