package store

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"acctsync/internal/core"
	"acctsync/internal/order"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func TestStoreRuntimeStatusRoundTrip(t *testing.T) {
	s := newStore(t)
	started := time.Now().UTC().Add(-time.Minute)
	disc := time.Now().UTC().Add(-10 * time.Second)
	in := RuntimeStatus{
		Mode:              "testnet",
		Exchange:          "binance",
		InstanceID:        "acct1",
		PID:               1234,
		State:             "degraded",
		StartedAt:         started,
		LastError:         "dial timeout",
		ReconnectAttempts: 2,
		DisconnectedAt:    &disc,
		OpenOrders:        3,
	}
	if err := s.SaveRuntimeStatus(in); err != nil {
		t.Fatalf("SaveRuntimeStatus() error = %v", err)
	}

	out, ok, err := s.LoadRuntimeStatus()
	if err != nil || !ok {
		t.Fatalf("LoadRuntimeStatus() = ok %v err %v", ok, err)
	}
	if out.Mode != in.Mode || out.Exchange != in.Exchange || out.InstanceID != in.InstanceID {
		t.Fatalf("LoadRuntimeStatus() mismatch basic fields: got %+v want %+v", out, in)
	}
	if out.State != in.State || out.PID != in.PID || out.LastError != in.LastError || out.ReconnectAttempts != in.ReconnectAttempts || out.OpenOrders != 3 {
		t.Fatalf("LoadRuntimeStatus() mismatch status fields: got %+v want %+v", out, in)
	}
	if out.UpdatedAt.IsZero() {
		t.Fatalf("updated_at should be set")
	}
	if out.DisconnectedAt == nil {
		t.Fatalf("disconnected_at should be set")
	}
}

func TestStoreLoadMissingFiles(t *testing.T) {
	s := newStore(t)
	if _, ok, err := s.LoadRuntimeStatus(); err != nil || ok {
		t.Fatalf("LoadRuntimeStatus() = ok %v err %v, want false nil", ok, err)
	}
	if _, ok, err := s.LoadBalance(); err != nil || ok {
		t.Fatalf("LoadBalance() = ok %v err %v, want false nil", ok, err)
	}
	if _, ok, err := s.LoadOpenOrders(); err != nil || ok {
		t.Fatalf("LoadOpenOrders() = ok %v err %v, want false nil", ok, err)
	}
}

func TestStoreBalanceAndOpenOrders(t *testing.T) {
	s := newStore(t)
	if err := s.SaveBalance("sim", map[string]float64{"BTC": 1.5}); err != nil {
		t.Fatalf("SaveBalance() error = %v", err)
	}
	bal, ok, err := s.LoadBalance()
	if err != nil || !ok {
		t.Fatalf("LoadBalance() = ok %v err %v", ok, err)
	}
	if bal.Exchange != "sim" || bal.Balance["BTC"] != 1.5 || bal.SnapshotID == "" {
		t.Fatalf("LoadBalance() = %+v", bal)
	}

	open := order.New("b", "BTC", "USD", core.Buy, core.Limit, 2)
	open.SetPrice(99.5)
	done := order.New("a", "BTC", "USD", core.Sell, core.Market, 1)
	done.Update(core.Event{Type: core.EventUpdate, OrderID: "a", Status: core.StatusClosed})
	if err := s.SaveOpenOrders([]*order.Order{open, done}); err != nil {
		t.Fatalf("SaveOpenOrders() error = %v", err)
	}
	snap, ok, err := s.LoadOpenOrders()
	if err != nil || !ok {
		t.Fatalf("LoadOpenOrders() = ok %v err %v", ok, err)
	}
	if len(snap.Orders) != 1 {
		t.Fatalf("LoadOpenOrders() orders = %+v, want only the open one", snap.Orders)
	}
	rec := snap.Orders[0]
	if rec.ID != "b" || rec.Price != 99.5 || rec.Remaining != 2 || rec.State != order.StateOpen {
		t.Fatalf("order record = %+v", rec)
	}
}

func TestStoreEmptyOpenOrdersFileIsAnError(t *testing.T) {
	s := newStore(t)
	if err := os.WriteFile(s.ordersPath(), []byte("  \n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.LoadOpenOrders(); err == nil {
		t.Fatalf("LoadOpenOrders() error = nil, want empty snapshot error")
	}
}

func TestAppendFillJournalsOncePerTrade(t *testing.T) {
	root := t.TempDir()
	s, err := New(root)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	day := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	ev := core.Event{Type: core.EventFill, OrderID: "o1", TradeID: "t1", Volume: 0.4, Price: 100, Time: day}
	for i := 0; i < 2; i++ {
		if err := s.AppendFill(ev); err != nil {
			t.Fatalf("AppendFill() error = %v", err)
		}
	}

	// a fresh store sees the ledger written by the first one
	again, err := New(root)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := again.AppendFill(ev); err != nil {
		t.Fatalf("AppendFill() error = %v", err)
	}
	ev.TradeID = "t2"
	if err := again.AppendFill(ev); err != nil {
		t.Fatalf("AppendFill() error = %v", err)
	}

	fills, err := again.ReadFills(day)
	if err != nil {
		t.Fatalf("ReadFills() error = %v", err)
	}
	if len(fills) != 2 || fills[0].TradeID != "t1" || fills[1].TradeID != "t2" {
		t.Fatalf("ReadFills() = %+v, want t1 and t2", fills)
	}
	data, err := os.ReadFile(filepath.Join(root, "trades", "2026-05-04.jsonl"))
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	if got := strings.Count(string(data), "\n"); got != 2 {
		t.Fatalf("journal lines = %d, want 2", got)
	}
}

func TestLedgerTrimsOldestKeys(t *testing.T) {
	s := newStore(t)
	s.ledgerLoaded = true
	s.ledger = make(map[string]struct{})
	now := time.Now().UTC()
	for i := 0; i <= ledgerMaxEntries; i++ {
		s.ledger[keyN(i)] = struct{}{}
		s.ledgerEntries = append(s.ledgerEntries, fillLedgerEntry{Key: keyN(i), SeenAt: now})
	}
	if err := s.trimLedgerLocked(); err != nil {
		t.Fatalf("trimLedgerLocked() error = %v", err)
	}
	if len(s.ledgerEntries) != ledgerTrimToEntries {
		t.Fatalf("entries = %d, want %d", len(s.ledgerEntries), ledgerTrimToEntries)
	}
	if _, ok := s.ledger[keyN(0)]; ok {
		t.Fatalf("oldest key survived trim")
	}
	if _, ok := s.ledger[keyN(ledgerMaxEntries)]; !ok {
		t.Fatalf("newest key lost in trim")
	}
}

func keyN(i int) string {
	return "o|" + strconv.Itoa(i)
}
