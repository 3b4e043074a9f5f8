package account

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"acctsync/internal/core"
	"acctsync/internal/order"
)

// EventSource yields raw push messages in arrival order.
type EventSource interface {
	NextEvent(ctx context.Context) ([]byte, error)
}

// Run drains src until it reports ErrConnectionClosed or ctx ends, both of
// which return nil. Any other source error is returned. Errors in a single
// message are logged and alerted; they never stop the loop.
func (a *Account) Run(ctx context.Context, src EventSource) error {
	if a.Balance() == nil {
		if err := a.RefreshBalance(ctx); err != nil {
			a.log.WithError(err).Warn("initial balance fetch failed, starting empty")
			a.alerts.Important(EventBalanceRefreshFailed, map[string]string{"error": err.Error()})
		}
	}
	for {
		raw, err := src.NextEvent(ctx)
		if err != nil {
			if errors.Is(err, core.ErrConnectionClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := a.HandleMessage(raw); err != nil {
			a.log.WithError(err).WithField("raw", truncate(raw, 512)).Warn("dispatch error")
			a.alerts.Important(EventDispatchError, map[string]string{"error": err.Error()})
		}
	}
}

// HandleMessage decodes one raw push message and dispatches its events.
func (a *Account) HandleMessage(raw []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic while dispatching: %v", r)
		}
	}()
	events, err := a.client.DecodeEvent(raw)
	if err != nil {
		return errors.Wrap(err, "decode")
	}
	for _, ev := range events {
		a.Dispatch(ev)
	}
	return nil
}

// Dispatch applies one typed event. A fill moves the balance whether or not
// its order is known, once per trade. Events for unknown orders are buffered
// until AddOrder; an id still unknown after reconcile passes is reported by
// RefreshFills.
func (a *Account) Dispatch(ev core.Event) {
	if ev.OrderID == "" {
		a.log.WithField("type", ev.Type).Debug("event without order id ignored")
		return
	}
	a.mu.Lock()
	id := a.resolveLocked(ev.OrderID)
	o := a.orders[id]
	fresh := false
	if ev.Type == core.EventFill {
		fresh = a.applyFillBalanceLocked(ev, o)
	}
	if o == nil {
		if fresh || ev.Type != core.EventFill || !a.bufferedFillLocked(ev.OrderID, ev.TradeID) {
			a.unhandled[ev.OrderID] = append(a.unhandled[ev.OrderID], ev)
		}
		a.mu.Unlock()
		if ev.Type == core.EventFill {
			a.log.WithFields(logrus.Fields{
				"event":    EventOutOfSync,
				"order_id": ev.OrderID,
				"trade_id": ev.TradeID,
				"volume":   ev.Volume,
			}).Debug("fill for unknown order buffered")
		}
		if fresh {
			a.journalFill(ev)
		}
		return
	}
	a.applyToOrderLocked(o, ev, a.fillQueues[id])
	a.mu.Unlock()

	if fresh {
		a.journalFill(ev)
	}
}

// applyFillBalanceLocked moves the balance for a fill not applied before and
// reports whether it was new. Base and quote come from the order when known.
func (a *Account) applyFillBalanceLocked(ev core.Event, o *order.Order) bool {
	if a.fillAppliedLocked(ev, o) {
		return false
	}
	base, quote, side := ev.Base, ev.Quote, ev.Side
	if o != nil {
		base, quote, side = o.Base(), o.Quote(), o.Side()
	}
	if base == "" || quote == "" || !side.Valid() {
		a.log.WithFields(logrus.Fields{
			"order_id": ev.OrderID,
			"trade_id": ev.TradeID,
		}).Warn("fill without market or side, balance not updated")
		return true
	}
	a.applyBalanceLocked(core.FillDelta(side, base, quote, ev.Volume, ev.Price, ev.Fees))
	return true
}

// fillAppliedLocked reports whether ev already moved the balance and records
// it in the seen set. A known order's trade ledger and the events buffered
// for an unknown id are authoritative; the bounded seen set only decides for
// orders that are gone or completed. An empty trade id counts as one trade,
// matching how the order records it.
func (a *Account) fillAppliedLocked(ev core.Event, o *order.Order) bool {
	if o != nil && o.HasFill(ev.TradeID) {
		return true
	}
	if a.bufferedFillLocked(ev.OrderID, ev.TradeID) {
		return true
	}
	seen := a.applied.Seen(tradeKey(ev.OrderID, ev.TradeID), a.now())
	if o != nil && !o.IsCompleted() {
		return false
	}
	return seen
}

func (a *Account) bufferedFillLocked(orderID, tradeID string) bool {
	for _, ev := range a.unhandled[orderID] {
		if ev.Type == core.EventFill && ev.TradeID == tradeID {
			return true
		}
	}
	return false
}

func (a *Account) journalFill(ev core.Event) {
	if a.journal == nil {
		return
	}
	if err := a.journal.AppendFill(ev); err != nil {
		a.log.WithError(err).WithField("trade_id", ev.TradeID).Warn("journal append failed")
	}
}

// reportUnknownOrder alerts once for an id whose buffered events outlived
// reconcile passes without the order being registered.
func (a *Account) reportUnknownOrder(id string, pending []core.Event) {
	volume := 0.0
	for _, ev := range pending {
		if ev.Type == core.EventFill {
			volume += ev.Volume
		}
	}
	a.log.WithFields(logrus.Fields{
		"event":    EventOutOfSync,
		"order_id": id,
		"pending":  len(pending),
		"volume":   volume,
	}).Warn("events for unknown order still buffered")
	a.alerts.Important(EventOutOfSync, map[string]string{
		"order_id": id,
		"pending":  fmt.Sprintf("%d", len(pending)),
		"volume":   fmt.Sprintf("%g", volume),
	})
}

func (a *Account) reportOutOfSync(ev core.Event, msg string) {
	a.log.WithFields(logrus.Fields{
		"event":    EventOutOfSync,
		"order_id": ev.OrderID,
		"trade_id": ev.TradeID,
		"volume":   ev.Volume,
	}).Warn(msg)
	a.alerts.Important(EventOutOfSync, map[string]string{
		"order_id": ev.OrderID,
		"trade_id": ev.TradeID,
		"volume":   fmt.Sprintf("%g", ev.Volume),
	})
}

func truncate(raw []byte, n int) string {
	if len(raw) <= n {
		return string(raw)
	}
	return string(raw[:n]) + "..."
}
