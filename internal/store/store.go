// Package store persists what an operator needs after a restart: runtime
// status, the last balance and open orders, and a daily journal of fills.
package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"acctsync/internal/core"
	"acctsync/internal/order"
)

var storeLog = logrus.WithField("component", "store")

type BalanceSnapshot struct {
	SnapshotID string             `json:"snapshot_id"`
	Exchange   string             `json:"exchange"`
	Balance    map[string]float64 `json:"balance"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// OrderRecord is the persisted view of one tracked order.
type OrderRecord struct {
	ID        string         `json:"id"`
	Base      string         `json:"base"`
	Quote     string         `json:"quote"`
	Side      core.Side      `json:"side"`
	Kind      core.OrderKind `json:"kind"`
	Price     float64        `json:"price,omitempty"`
	Volume    float64        `json:"volume"`
	Remaining float64        `json:"remaining"`
	State     order.State    `json:"state"`
}

type OpenOrdersSnapshot struct {
	SnapshotID string        `json:"snapshot_id"`
	Orders     []OrderRecord `json:"orders"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

type RuntimeStatus struct {
	Mode              string     `json:"mode"`
	Exchange          string     `json:"exchange"`
	InstanceID        string     `json:"instance_id"`
	PID               int        `json:"pid"`
	State             string     `json:"state"`
	StartedAt         time.Time  `json:"started_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	LastError         string     `json:"last_error,omitempty"`
	ReconnectAttempts int        `json:"reconnect_attempts,omitempty"`
	DisconnectedAt    *time.Time `json:"disconnected_at,omitempty"`
	OpenOrders        int        `json:"open_orders"`
	PendingEvents     int        `json:"pending_events,omitempty"`
}

type fillLedgerEntry struct {
	Key    string    `json:"key"`
	SeenAt time.Time `json:"seen_at"`
}

// Store is safe for concurrent use.
type Store struct {
	root string
	mu   sync.Mutex

	ledgerLoaded  bool
	ledger        map[string]struct{}
	ledgerEntries []fillLedgerEntry
}

const (
	ledgerMaxEntries    = 10000
	ledgerTrimToEntries = 8000
)

func New(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("state dir required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrap(err, "create state dir")
	}
	return &Store{root: root}, nil
}

func (s *Store) SaveBalance(exchangeName string, balance map[string]float64) error {
	now := time.Now().UTC()
	snap := BalanceSnapshot{
		SnapshotID: newSnapshotID(now),
		Exchange:   exchangeName,
		Balance:    balance,
		UpdatedAt:  now,
	}
	if snap.Balance == nil {
		snap.Balance = map[string]float64{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSONAtomic(s.balancePath(), snap)
}

func (s *Store) LoadBalance() (BalanceSnapshot, bool, error) {
	var snap BalanceSnapshot
	ok, err := readJSON(s.balancePath(), &snap)
	return snap, ok, err
}

// SaveOpenOrders records the orders still open, sorted by id.
func (s *Store) SaveOpenOrders(orders []*order.Order) error {
	now := time.Now().UTC()
	snap := OpenOrdersSnapshot{
		SnapshotID: newSnapshotID(now),
		Orders:     make([]OrderRecord, 0, len(orders)),
		UpdatedAt:  now,
	}
	for _, o := range orders {
		if !o.IsOpen() {
			continue
		}
		snap.Orders = append(snap.Orders, recordOf(o))
	}
	sort.Slice(snap.Orders, func(i, j int) bool { return snap.Orders[i].ID < snap.Orders[j].ID })
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSONAtomic(s.ordersPath(), snap)
}

func (s *Store) LoadOpenOrders() (OpenOrdersSnapshot, bool, error) {
	data, err := os.ReadFile(s.ordersPath())
	if err != nil {
		if os.IsNotExist(err) {
			return OpenOrdersSnapshot{}, false, nil
		}
		return OpenOrdersSnapshot{}, false, err
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return OpenOrdersSnapshot{}, false, errors.New("open orders snapshot is empty")
	}
	var snap OpenOrdersSnapshot
	if err := json.Unmarshal(trimmed, &snap); err != nil {
		return OpenOrdersSnapshot{}, false, errors.Wrap(err, "decode open orders snapshot")
	}
	if snap.Orders == nil {
		snap.Orders = make([]OrderRecord, 0)
	}
	return snap, true, nil
}

func recordOf(o *order.Order) OrderRecord {
	price, _ := o.Price()
	return OrderRecord{
		ID:        o.ID(),
		Base:      o.Base(),
		Quote:     o.Quote(),
		Side:      o.Side(),
		Kind:      o.Kind(),
		Price:     price,
		Volume:    o.Volume(),
		Remaining: o.Remaining(),
		State:     o.State(),
	}
}

func (s *Store) SaveRuntimeStatus(status RuntimeStatus) error {
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSONAtomic(s.runtimeStatusPath(), status)
}

func (s *Store) LoadRuntimeStatus() (RuntimeStatus, bool, error) {
	var status RuntimeStatus
	ok, err := readJSON(s.runtimeStatusPath(), &status)
	return status, ok, err
}

// AppendFill writes ev to trades/<date>.jsonl unless its trade was journaled
// before, including by an earlier run.
func (s *Store) AppendFill(ev core.Event) error {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	key := ""
	if ev.TradeID != "" {
		key = ev.OrderID + "|" + ev.TradeID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if key != "" {
		if err := s.loadLedgerLocked(); err != nil {
			return err
		}
		if _, ok := s.ledger[key]; ok {
			return nil
		}
	}

	dir := filepath.Join(s.root, "trades")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, ev.Time.UTC().Format("2006-01-02")+".jsonl")
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := appendLine(path, data); err != nil {
		return err
	}
	if key == "" {
		return nil
	}
	return s.recordLedgerLocked(key, ev.Time)
}

// ReadFills returns the fills journaled on the given UTC day.
func (s *Store) ReadFills(day time.Time) ([]core.Event, error) {
	path := filepath.Join(s.root, "trades", day.UTC().Format("2006-01-02")+".jsonl")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	var out []core.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev core.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			storeLog.WithError(err).WithField("path", path).Warn("skipping bad journal line")
			continue
		}
		out = append(out, ev)
	}
	return out, scanner.Err()
}

func (s *Store) recordLedgerLocked(key string, seenAt time.Time) error {
	entry := fillLedgerEntry{Key: key, SeenAt: seenAt.UTC()}
	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := appendLine(s.ledgerPath(), line); err != nil {
		return err
	}
	s.ledger[key] = struct{}{}
	s.ledgerEntries = append(s.ledgerEntries, entry)
	if len(s.ledgerEntries) > ledgerMaxEntries {
		return s.trimLedgerLocked()
	}
	return nil
}

func (s *Store) trimLedgerLocked() error {
	keep := ledgerTrimToEntries
	if keep > len(s.ledgerEntries) {
		keep = len(s.ledgerEntries)
	}
	kept := append([]fillLedgerEntry(nil), s.ledgerEntries[len(s.ledgerEntries)-keep:]...)
	if err := writeJSONLinesAtomic(s.ledgerPath(), kept); err != nil {
		return err
	}
	s.ledgerEntries = kept
	s.ledger = make(map[string]struct{}, len(kept))
	for _, entry := range kept {
		s.ledger[entry.Key] = struct{}{}
	}
	return nil
}

func (s *Store) loadLedgerLocked() error {
	if s.ledgerLoaded {
		return nil
	}
	s.ledger = make(map[string]struct{})
	s.ledgerEntries = nil
	f, err := os.Open(s.ledgerPath())
	if err != nil {
		if os.IsNotExist(err) {
			s.ledgerLoaded = true
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	for scanner.Scan() {
		var entry fillLedgerEntry
		if err := json.Unmarshal(bytes.TrimSpace(scanner.Bytes()), &entry); err != nil {
			continue
		}
		key := strings.TrimSpace(entry.Key)
		if key == "" {
			continue
		}
		if _, ok := s.ledger[key]; ok {
			continue
		}
		entry.Key = key
		s.ledger[key] = struct{}{}
		s.ledgerEntries = append(s.ledgerEntries, entry)
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if len(s.ledgerEntries) > ledgerMaxEntries {
		if err := s.trimLedgerLocked(); err != nil {
			return err
		}
	}
	s.ledgerLoaded = true
	return nil
}

func (s *Store) balancePath() string       { return filepath.Join(s.root, "balance.json") }
func (s *Store) ordersPath() string        { return filepath.Join(s.root, "open_orders.json") }
func (s *Store) runtimeStatusPath() string { return filepath.Join(s.root, "runtime_status.json") }
func (s *Store) ledgerPath() string        { return filepath.Join(s.root, "fill_ledger.jsonl") }

func readJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, errors.Wrapf(err, "decode %s", filepath.Base(path))
	}
	return true, nil
}

func appendLine(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

func writeJSONAtomic(path string, v any) error {
	return writeAtomic(path, func(enc *json.Encoder) error {
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	})
}

func writeJSONLinesAtomic(path string, entries []fillLedgerEntry) error {
	return writeAtomic(path, func(enc *json.Encoder) error {
		for _, entry := range entries {
			if err := enc.Encode(entry); err != nil {
				return err
			}
		}
		return nil
	})
}

// writeAtomic writes through a temp file in the target's directory and
// renames it into place.
func writeAtomic(path string, encode func(*json.Encoder) error) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "tmp-*")
	if err != nil {
		return err
	}
	fail := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := encode(json.NewEncoder(tmp)); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	syncDir(dir, path)
	return nil
}

func syncDir(dir, path string) {
	d, err := os.Open(dir)
	if err != nil {
		storeLog.WithError(err).WithFields(logrus.Fields{"dir": dir, "target": path}).Warn("dir fsync skipped")
		return
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		storeLog.WithError(err).WithFields(logrus.Fields{"dir": dir, "target": path}).Warn("dir fsync failed")
	}
}

func newSnapshotID(now time.Time) string {
	return strconv.FormatInt(now.UnixNano(), 36)
}
