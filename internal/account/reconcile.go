package account

import (
	"context"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"acctsync/internal/core"
)

// RefreshFills replays REST fills since the given time that the stream did
// not deliver. A fill dated before the last balance fetch is already part of
// that balance and only updates its order. Fills for unknown orders are
// reported once as out of sync, as are buffered stream events whose order id
// is still unknown one full pass after the pass that first saw them.
func (a *Account) RefreshFills(ctx context.Context, since time.Time) (int, error) {
	fills, err := a.client.OrderFills(ctx, since, a.creds)
	if err != nil {
		return 0, err
	}
	replayed := 0
	for _, f := range fills {
		if f.Type == "" {
			f.Type = core.EventFill
		}
		if f.Type != core.EventFill || f.OrderID == "" {
			continue
		}
		if f.TradeID == "" {
			a.log.WithField("order_id", f.OrderID).Warn("rest fill without trade id skipped")
			continue
		}
		a.mu.Lock()
		id := a.resolveLocked(f.OrderID)
		o := a.orders[id]
		if o != nil && o.HasFill(f.TradeID) {
			a.mu.Unlock()
			continue
		}
		fresh := false
		if f.Time.IsZero() || a.balanceAt.IsZero() || f.Time.After(a.balanceAt) {
			fresh = a.applyFillBalanceLocked(f, o)
		} else {
			fresh = !a.fillAppliedLocked(f, o)
		}
		if o == nil {
			a.mu.Unlock()
			if fresh {
				a.reportOutOfSync(f, "rest fill for unknown order")
				a.journalFill(f)
			}
			continue
		}
		a.applyToOrderLocked(o, f, a.fillQueues[id])
		a.mu.Unlock()
		replayed++
		if fresh {
			a.journalFill(f)
		}
	}
	if replayed > 0 {
		a.log.WithFields(logrus.Fields{
			"since":    since,
			"replayed": replayed,
		}).Info("replayed missed fills")
	}

	a.mu.Lock()
	stale := a.sweepUnknownLocked()
	a.mu.Unlock()
	for _, u := range stale {
		a.reportUnknownOrder(u.id, u.pending)
	}
	return replayed, nil
}

type unknownOrder struct {
	id      string
	pending []core.Event
}

// sweepUnknownLocked counts one more reconcile pass for every buffered order
// id and returns the ids reaching their second pass.
func (a *Account) sweepUnknownLocked() []unknownOrder {
	for id := range a.unknownPasses {
		if _, ok := a.unhandled[id]; !ok {
			delete(a.unknownPasses, id)
		}
	}
	var stale []unknownOrder
	for id, pending := range a.unhandled {
		a.unknownPasses[id]++
		if a.unknownPasses[id] == 2 {
			stale = append(stale, unknownOrder{id: id, pending: append([]core.Event(nil), pending...)})
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].id < stale[j].id })
	return stale
}
