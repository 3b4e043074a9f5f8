package account

import (
	"context"
	stderrors "errors"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"acctsync/internal/core"
	"acctsync/internal/exchange"
	"acctsync/internal/order"
)

// MarketOrderParams sizes the order by Volume (base) or QuoteVolume. Fills,
// when set, receives every fill of the order.
type MarketOrderParams struct {
	Base        string
	Quote       string
	Side        core.Side
	Volume      float64
	QuoteVolume float64
	Fills       *FillQueue
}

type LimitOrderParams struct {
	Base   string
	Quote  string
	Side   core.Side
	Price  float64
	Volume float64
	Fills  *FillQueue
}

// ChangeParams holds the requested amendment; nil leaves a field unchanged.
// Size is the new open size.
type ChangeParams struct {
	Price *float64
	Size  *float64
}

// MarketOrder places and registers a market order. On any placement failure
// nothing is registered and the order is nil.
func (a *Account) MarketOrder(ctx context.Context, p MarketOrderParams) (*order.Order, error) {
	if p.Volume <= 0 && p.QuoteVolume <= 0 {
		return nil, errors.Wrap(core.ErrInvalidArgument, "volume or quote volume required")
	}
	if !p.Side.Valid() || p.Base == "" || p.Quote == "" {
		return nil, errors.Wrap(core.ErrInvalidArgument, "market and side required")
	}
	o, err := a.client.PlaceMarketOrder(ctx, exchange.MarketOrderRequest{
		Base:        p.Base,
		Quote:       p.Quote,
		Side:        p.Side,
		Volume:      p.Volume,
		QuoteVolume: p.QuoteVolume,
	}, a.creds)
	return a.register(o, err, p.Fills, "market")
}

// LimitOrder places and registers a limit order. Price and volume must both
// be positive.
func (a *Account) LimitOrder(ctx context.Context, p LimitOrderParams) (*order.Order, error) {
	if p.Price <= 0 || p.Volume <= 0 {
		return nil, errors.Wrap(core.ErrInvalidArgument, "price and volume required")
	}
	if !p.Side.Valid() || p.Base == "" || p.Quote == "" {
		return nil, errors.Wrap(core.ErrInvalidArgument, "market and side required")
	}
	o, err := a.client.PlaceLimitOrder(ctx, exchange.LimitOrderRequest{
		Base:   p.Base,
		Quote:  p.Quote,
		Side:   p.Side,
		Price:  p.Price,
		Volume: p.Volume,
	}, a.creds)
	return a.register(o, err, p.Fills, "limit")
}

func (a *Account) register(o *order.Order, err error, fills *FillQueue, kind string) (*order.Order, error) {
	if err != nil {
		a.log.WithError(err).WithField("kind", kind).Warn("order placement failed")
		return nil, err
	}
	if o == nil {
		return nil, errors.Wrapf(core.ErrOrderRejected, "%s order: exchange returned no order", kind)
	}
	a.addOrder(o, fills)
	a.log.WithFields(logrus.Fields{
		"order_id": o.ID(),
		"kind":     kind,
		"side":     o.Side(),
		"volume":   o.Volume(),
	}).Info("order placed")
	return o, nil
}

// CancelOrder asks the exchange to cancel o. The order closes when the
// exchange's status event arrives.
func (a *Account) CancelOrder(ctx context.Context, o *order.Order) error {
	return a.client.CancelOrder(ctx, exchange.CancelRequest{
		ID:    o.ID(),
		Base:  o.Base(),
		Quote: o.Quote(),
	}, a.creds)
}

// CancelAllOrders cancels every open order and returns the joined errors.
func (a *Account) CancelAllOrders(ctx context.Context) error {
	var errs []error
	for _, o := range a.OpenOrders() {
		if err := a.CancelOrder(ctx, o); err != nil {
			errs = append(errs, errors.Wrapf(err, "cancel %s", o.ID()))
		}
	}
	return stderrors.Join(errs...)
}

// ChangeOrder amends the price and/or open size of o. It reports false
// without calling the exchange when nothing would change: no field given,
// a price that renders like the current one, or nothing left open. On
// success the order is re-keyed under the id the exchange assigned; its old
// id stays resolvable. Close events are ignored while the call is in flight.
func (a *Account) ChangeOrder(ctx context.Context, o *order.Order, p ChangeParams) (bool, error) {
	o.BeginModify()
	defer o.EndModify()

	price := p.Price
	if price != nil {
		if cur, ok := o.Price(); ok {
			if r, err := a.client.PriceRenderer(o.Base(), o.Quote()); err == nil && r.Render(*price) == r.Render(cur) {
				price = nil
			}
		}
	}
	if price == nil && p.Size == nil {
		return false, nil
	}
	if p.Size == nil && o.Remaining() <= a.tolerance {
		return false, nil
	}
	if !o.IsOpen() {
		return false, nil
	}

	oldID := o.ID()
	am, err := a.client.ChangeOrder(ctx, exchange.AmendRequest{
		ID:    oldID,
		Base:  o.Base(),
		Quote: o.Quote(),
		Price: price,
		Size:  p.Size,
	}, a.creds)
	if err != nil {
		a.log.WithError(err).WithField("order_id", oldID).Warn("order change failed")
		return false, err
	}

	remaining := am.Remaining
	if remaining <= 0 && p.Size == nil {
		remaining = -1
	}
	newPrice := am.Price
	if newPrice <= 0 && price != nil {
		newPrice = *price
	}
	o.Amend(am.ID, newPrice, remaining, am.PriorFilled)
	a.rekey(o, oldID)
	a.log.WithFields(logrus.Fields{
		"old_id": oldID,
		"new_id": o.ID(),
		"price":  newPrice,
	}).Info("order changed")
	return true, nil
}

// rekey moves o from oldID to its current id, keeps oldID as an alias, and
// replays events that arrived for the new id before it was known.
func (a *Account) rekey(o *order.Order, oldID string) {
	newID := o.ID()
	if newID == oldID {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.orders, oldID)
	a.orders[newID] = o
	for old, cur := range a.aliases {
		if cur == oldID {
			a.aliases[old] = newID
		}
	}
	a.aliases[oldID] = newID
	fills := a.fillQueues[oldID]
	delete(a.fillQueues, oldID)
	if fills != nil {
		a.fillQueues[newID] = fills
	}

	pending := a.unhandled[newID]
	delete(a.unhandled, newID)
	delete(a.unknownPasses, newID)
	if len(pending) == 0 {
		return
	}
	o.EndModify()
	for _, ev := range pending {
		a.applyToOrderLocked(o, ev, fills)
	}
}
