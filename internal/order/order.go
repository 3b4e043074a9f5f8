// Package order holds the per-order fill and close state machine.
package order

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"acctsync/internal/core"
)

// DefaultTolerance absorbs float and exchange rounding when comparing volumes.
const DefaultTolerance = 1e-5

var orderLog = logrus.WithField("component", "order")

// State is the lifecycle stage reported by Order.State.
type State string

const (
	StateOpen           State = "OPEN"
	StateCompleted      State = "COMPLETED"
	StateClosedUnfilled State = "CLOSED_UNFILLED"
)

// Order is one exchange order as seen from the account. All methods are safe
// for concurrent use.
type Order struct {
	mu sync.Mutex

	id    string
	base  string
	quote string
	side  core.Side
	kind  core.OrderKind

	volume    float64
	remaining float64
	filled    float64
	totalFees map[string]float64
	fills     map[string]core.Delta

	open                bool
	completed           bool
	reportedFill        float64
	hasReportedFill     bool
	priorFilled         float64
	modifying           bool
	price               float64
	hasPrice            bool
	cancelledByExchange bool
	tolerance           float64

	filledSig *Signal
	closedSig *Signal
}

// New returns an open order with nothing filled, remaining equal to volume
// and the default tolerance.
func New(id, base, quote string, side core.Side, kind core.OrderKind, volume float64) *Order {
	return &Order{
		id:        id,
		base:      base,
		quote:     quote,
		side:      side,
		kind:      kind,
		volume:    volume,
		remaining: volume,
		totalFees: make(map[string]float64),
		fills:     make(map[string]core.Delta),
		open:      true,
		tolerance: DefaultTolerance,
		filledSig: NewSignal(),
		closedSig: NewSignal(),
	}
}

// Update applies one FILL or UPDATE event and returns the balance change it
// implies. The delta always carries the base and quote keys.
func (o *Order) Update(ev core.Event) core.Delta {
	o.mu.Lock()
	defer o.mu.Unlock()

	delta := core.Delta{o.base: 0, o.quote: 0}
	switch ev.Type {
	case core.EventFill:
		o.applyFill(ev, delta)
	case core.EventUpdate:
		o.applyStatus(ev)
	default:
		orderLog.WithFields(logrus.Fields{"order_id": o.id, "type": ev.Type}).Warn("ignoring unknown event type")
	}
	return delta
}

func (o *Order) applyFill(ev core.Event, delta core.Delta) {
	if _, seen := o.fills[ev.TradeID]; seen {
		return
	}
	if o.completed {
		orderLog.WithFields(logrus.Fields{
			"order_id": o.id,
			"trade_id": ev.TradeID,
			"volume":   ev.Volume,
		}).Warn("fill after completion not applied to order")
		return
	}

	delta.Add(core.FillDelta(o.side, o.base, o.quote, ev.Volume, ev.Price, ev.Fees))
	for asset, fee := range ev.Fees {
		o.totalFees[asset] += fee
	}
	o.remaining -= ev.Volume
	o.filled += ev.Volume

	snapshot := make(core.Delta, len(delta))
	snapshot.Add(delta)
	o.fills[ev.TradeID] = snapshot

	orderLog.WithFields(logrus.Fields{
		"order_id":  o.id,
		"base":      o.base,
		"quote":     o.quote,
		"trade_id":  ev.TradeID,
		"remaining": o.remaining,
	}).Debug("order fill")

	if o.remaining <= o.tolerance || o.reportedMatchesLocked() {
		o.completed = true
		o.open = false
		o.filledSig.Fire()
	}
}

func (o *Order) applyStatus(ev core.Event) {
	if ev.Status != core.StatusClosed || ev.OrderID != o.id || o.modifying {
		return
	}
	o.open = false
	o.closedSig.Fire()
	o.reportedFill = o.priorFilled + ev.FilledSize
	o.hasReportedFill = true
	if o.reportedMatchesLocked() {
		if o.volume-o.remaining > o.tolerance {
			o.completed = true
		}
		o.filledSig.Fire()
	}
	if o.reportedFill == 0 && !o.hasPrice {
		o.cancelledByExchange = true
		orderLog.WithFields(logrus.Fields{
			"order_id": o.id,
			"base":     o.base,
			"quote":    o.quote,
		}).Warn("order cancelled by exchange with no fill")
	}
}

// reportedMatchesLocked compares the exchange-confirmed filled size with the
// locally applied fills. One-sided: an over-fill also matches.
func (o *Order) reportedMatchesLocked() bool {
	return o.hasReportedFill && o.reportedFill-o.tolerance <= o.volume-o.remaining
}

// Amend applies an accepted amendment. The order keeps its fills. priorFilled
// is what the exchange filled under the replaced id; it is added to every
// later close report so the reported fill stays cumulative. Volume becomes
// the larger of the local and exchange filled sizes plus newRemaining, so
// fills still in flight for the old id keep counting against it.
func (o *Order) Amend(newID string, newPrice, newRemaining, priorFilled float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if newID != "" && newID != o.id {
		o.id = newID
		if priorFilled > 0 {
			o.priorFilled += priorFilled
		}
	}
	if newPrice > 0 {
		o.price = newPrice
		o.hasPrice = true
	}
	if newRemaining >= 0 {
		done := o.filled
		if o.priorFilled > done {
			done = o.priorFilled
		}
		o.volume = done + newRemaining
		o.remaining = o.volume - o.filled
	}
}

// BeginModify marks an amendment in flight. Close events are ignored until
// EndModify.
func (o *Order) BeginModify() {
	o.mu.Lock()
	o.modifying = true
	o.mu.Unlock()
}

// EndModify clears the flag set by BeginModify.
func (o *Order) EndModify() {
	o.mu.Lock()
	o.modifying = false
	o.mu.Unlock()
}

// SetPrice records the limit price. An order with a price is never flagged
// as cancelled by the exchange.
func (o *Order) SetPrice(price float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.price = price
	o.hasPrice = true
}

// SetTolerance replaces DefaultTolerance for this order. Non-positive values
// are ignored.
func (o *Order) SetTolerance(tol float64) {
	if tol <= 0 {
		return
	}
	o.mu.Lock()
	o.tolerance = tol
	o.mu.Unlock()
}

func (o *Order) ID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.id
}

func (o *Order) Base() string            { return o.base }
func (o *Order) Quote() string           { return o.quote }
func (o *Order) Side() core.Side         { return o.side }
func (o *Order) Kind() core.OrderKind    { return o.kind }
func (o *Order) Filled() <-chan struct{} { return o.filledSig.Done() }
func (o *Order) Closed() <-chan struct{} { return o.closedSig.Done() }

func (o *Order) Volume() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.volume
}

func (o *Order) Remaining() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.remaining
}

func (o *Order) FilledVolume() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.filled
}

func (o *Order) TotalFees() map[string]float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]float64, len(o.totalFees))
	for k, v := range o.totalFees {
		out[k] = v
	}
	return out
}

// HasFill reports whether tradeID has already been applied.
func (o *Order) HasFill(tradeID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.fills[tradeID]
	return ok
}

// FillDelta returns the balance change recorded for tradeID.
func (o *Order) FillDelta(tradeID string) (core.Delta, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	d, ok := o.fills[tradeID]
	if !ok {
		return nil, false
	}
	out := make(core.Delta, len(d))
	out.Add(d)
	return out, true
}

func (o *Order) Price() (float64, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.price, o.hasPrice
}

// ReportedFill is the exchange-confirmed filled size across every id the
// order has had.
func (o *Order) ReportedFill() (float64, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.reportedFill, o.hasReportedFill
}

// AwaitingFills reports whether the exchange closed the order with a filled
// size the local fills have not reached yet.
func (o *Order) AwaitingFills() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return !o.completed && o.hasReportedFill && !o.reportedMatchesLocked()
}

func (o *Order) IsOpen() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.open
}

func (o *Order) IsCompleted() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.completed
}

func (o *Order) IsModifying() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.modifying
}

func (o *Order) CancelledByExchange() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancelledByExchange
}

func (o *Order) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch {
	case o.completed:
		return StateCompleted
	case o.open:
		return StateOpen
	default:
		return StateClosedUnfilled
	}
}

// WaitFilled blocks until the fill-completion signal fires or ctx ends.
func (o *Order) WaitFilled(ctx context.Context) error {
	return o.filledSig.Wait(ctx)
}

// WaitClosed blocks until the exchange reports the order closed or ctx ends.
func (o *Order) WaitClosed(ctx context.Context) error {
	return o.closedSig.Wait(ctx)
}

func (o *Order) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return fmt.Sprintf("%s %s %s/%s %s vol=%g remaining=%g", o.kind, o.side, o.base, o.quote, o.id, o.volume, o.remaining)
}
