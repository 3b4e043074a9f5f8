// Package sim is an in-memory exchange for paper trading and tests. It keeps
// the account's own orders, fills them against a settable market price, and
// pushes the resulting events onto its stream.
package sim

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"acctsync/internal/core"
	"acctsync/internal/exchange"
	"acctsync/internal/order"
)

var simLog = logrus.WithField("component", "sim")

type Market struct {
	Base  string
	Quote string
	Price decimal.Decimal
	Tick  decimal.Decimal
}

type Options struct {
	Balances map[string]decimal.Decimal
	Markets  []Market
	// FeeRate is charged in the quote asset on every fill.
	FeeRate decimal.Decimal
	Now     func() time.Time
}

type simOrder struct {
	id     string
	base   string
	quote  string
	side   core.Side
	kind   core.OrderKind
	price  decimal.Decimal
	volume decimal.Decimal
	filled decimal.Decimal
	open   bool
}

func (o *simOrder) remaining() decimal.Decimal {
	return o.volume.Sub(o.filled)
}

// Exchange implements exchange.Client. All methods are safe for concurrent
// use.
type Exchange struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
	markets  map[string]*Market
	orders   map[string]*simOrder
	fills    []core.Event
	feeRate  decimal.Decimal
	now      func() time.Time

	stream *Stream
}

var _ exchange.Client = (*Exchange)(nil)

func New(opts Options) *Exchange {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	e := &Exchange{
		balances: make(map[string]decimal.Decimal, len(opts.Balances)),
		markets:  make(map[string]*Market, len(opts.Markets)),
		orders:   make(map[string]*simOrder),
		feeRate:  opts.FeeRate,
		now:      now,
		stream:   newStream(),
	}
	for asset, v := range opts.Balances {
		e.balances[asset] = v
	}
	for i := range opts.Markets {
		m := opts.Markets[i]
		e.markets[marketKey(m.Base, m.Quote)] = &m
	}
	return e
}

func marketKey(base, quote string) string {
	return strings.ToUpper(base) + "/" + strings.ToUpper(quote)
}

func (e *Exchange) Name() string { return "sim" }

// Stream is the push side of the exchange.
func (e *Exchange) Stream() *Stream { return e.stream }

func (e *Exchange) market(base, quote string) (*Market, error) {
	m, ok := e.markets[marketKey(base, quote)]
	if !ok {
		return nil, errors.Wrapf(core.ErrInvalidArgument, "unknown market %s/%s", base, quote)
	}
	return m, nil
}

func (e *Exchange) PlaceMarketOrder(ctx context.Context, req exchange.MarketOrderRequest, _ exchange.Credentials) (*order.Order, error) {
	if !req.Side.Valid() || (req.Volume <= 0 && req.QuoteVolume <= 0) {
		return nil, errors.Wrap(core.ErrInvalidArgument, "market order needs side and volume or quote volume")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	m, err := e.market(req.Base, req.Quote)
	if err != nil {
		return nil, err
	}
	if !m.Price.IsPositive() {
		return nil, errors.Wrapf(core.ErrOrderRejected, "no price for %s/%s", req.Base, req.Quote)
	}
	volume := decimal.NewFromFloat(req.Volume)
	if req.Volume <= 0 {
		volume = decimal.NewFromFloat(req.QuoteVolume).Div(m.Price)
	}
	if err := e.checkFunds(m, req.Side, volume, m.Price); err != nil {
		return nil, err
	}
	so := &simOrder{
		id:     uuid.NewString(),
		base:   m.Base,
		quote:  m.Quote,
		side:   req.Side,
		kind:   core.Market,
		volume: volume,
		open:   true,
	}
	e.orders[so.id] = so
	e.publishStatus(so, core.StatusNew)
	e.fill(so, volume, m.Price, nil)
	return order.New(so.id, so.base, so.quote, so.side, so.kind, volume.InexactFloat64()), nil
}

func (e *Exchange) PlaceLimitOrder(ctx context.Context, req exchange.LimitOrderRequest, _ exchange.Credentials) (*order.Order, error) {
	if !req.Side.Valid() || req.Price <= 0 || req.Volume <= 0 {
		return nil, errors.Wrap(core.ErrInvalidArgument, "limit order needs side, price and volume")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	m, err := e.market(req.Base, req.Quote)
	if err != nil {
		return nil, err
	}
	price := decimal.NewFromFloat(req.Price)
	volume := decimal.NewFromFloat(req.Volume)
	if err := e.checkFunds(m, req.Side, volume, price); err != nil {
		return nil, err
	}
	so := &simOrder{
		id:     uuid.NewString(),
		base:   m.Base,
		quote:  m.Quote,
		side:   req.Side,
		kind:   core.Limit,
		price:  price,
		volume: volume,
		open:   true,
	}
	e.orders[so.id] = so
	e.publishStatus(so, core.StatusNew)
	o := order.New(so.id, so.base, so.quote, so.side, so.kind, req.Volume)
	o.SetPrice(req.Price)
	return o, nil
}

func (e *Exchange) checkFunds(m *Market, side core.Side, volume, price decimal.Decimal) error {
	if side == core.Buy {
		if e.balances[m.Quote].LessThan(volume.Mul(price)) {
			return errors.Wrapf(core.ErrInsufficientBalance, "%s", m.Quote)
		}
		return nil
	}
	if e.balances[m.Base].LessThan(volume) {
		return errors.Wrapf(core.ErrInsufficientBalance, "%s", m.Base)
	}
	return nil
}

func (e *Exchange) CancelOrder(ctx context.Context, req exchange.CancelRequest, _ exchange.Credentials) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	so, ok := e.orders[req.ID]
	if !ok || !so.open {
		return errors.Wrapf(core.ErrOrderNotFound, "order %s", req.ID)
	}
	e.closeOrder(so)
	return nil
}

// ChangeOrder replaces the order under a new id. The replacement starts with
// nothing filled; the original's filled size is returned as PriorFilled.
func (e *Exchange) ChangeOrder(ctx context.Context, req exchange.AmendRequest, _ exchange.Credentials) (exchange.Amendment, error) {
	if req.Price == nil && req.Size == nil {
		return exchange.Amendment{}, errors.Wrap(core.ErrInvalidArgument, "price or size required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	old, ok := e.orders[req.ID]
	if !ok || !old.open {
		return exchange.Amendment{}, errors.Wrapf(core.ErrOrderNotFound, "order %s", req.ID)
	}
	if old.kind != core.Limit {
		return exchange.Amendment{}, errors.Wrap(core.ErrInvalidArgument, "only limit orders can be changed")
	}
	price := old.price
	if req.Price != nil {
		price = decimal.NewFromFloat(*req.Price)
	}
	remaining := old.remaining()
	if req.Size != nil {
		remaining = decimal.NewFromFloat(*req.Size)
	}
	if !price.IsPositive() || !remaining.IsPositive() {
		return exchange.Amendment{}, errors.Wrap(core.ErrInvalidArgument, "price and size must be positive")
	}
	e.closeOrder(old)
	repl := &simOrder{
		id:     uuid.NewString(),
		base:   old.base,
		quote:  old.quote,
		side:   old.side,
		kind:   old.kind,
		price:  price,
		volume: remaining,
		open:   true,
	}
	e.orders[repl.id] = repl
	e.publishStatus(repl, core.StatusNew)
	return exchange.Amendment{
		ID:          repl.id,
		Price:       price.InexactFloat64(),
		Remaining:   remaining.InexactFloat64(),
		PriorFilled: old.filled.InexactFloat64(),
	}, nil
}

func (e *Exchange) AccountBalance(ctx context.Context, _ exchange.Credentials) (map[string]float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]float64, len(e.balances))
	for asset, v := range e.balances {
		out[asset] = v.InexactFloat64()
	}
	return out, nil
}

func (e *Exchange) OrderFills(ctx context.Context, since time.Time, _ exchange.Credentials) ([]core.Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]core.Event, 0, len(e.fills))
	for _, f := range e.fills {
		if f.Time.Before(since) {
			continue
		}
		out = append(out, cloneEvent(f))
	}
	return out, nil
}

func (e *Exchange) PriceRenderer(base, quote string) (exchange.PriceRenderer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, err := e.market(base, quote)
	if err != nil {
		return nil, err
	}
	return core.TickRenderer{Tick: m.Tick}, nil
}

// DecodeEvent reads the canonical JSON form of core.Event the stream emits.
func (e *Exchange) DecodeEvent(raw []byte) ([]core.Event, error) {
	var ev core.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, errors.Wrap(err, "decode sim event")
	}
	switch ev.Type {
	case core.EventFill, core.EventUpdate:
		return []core.Event{ev}, nil
	default:
		return nil, errors.Errorf("unknown sim event type %q", ev.Type)
	}
}

// SetPrice moves the market and fills every resting limit order it crosses.
func (e *Exchange) SetPrice(base, quote string, price float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, err := e.market(base, quote)
	if err != nil {
		return err
	}
	m.Price = decimal.NewFromFloat(price)
	for _, so := range e.openOrdersLocked(m.Base, m.Quote) {
		if so.kind != core.Limit || !crosses(so, m.Price) {
			continue
		}
		e.fill(so, so.remaining(), so.price, nil)
	}
	return nil
}

func crosses(so *simOrder, price decimal.Decimal) bool {
	switch so.side {
	case core.Buy:
		return price.Cmp(so.price) <= 0
	case core.Sell:
		return price.Cmp(so.price) >= 0
	default:
		return false
	}
}

// Fill executes volume of order id at price. A nil fees map charges the
// configured rate. The order closes once nothing remains.
func (e *Exchange) Fill(id string, volume, price float64, fees map[string]float64) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	so, ok := e.orders[id]
	if !ok || !so.open {
		return "", errors.Wrapf(core.ErrOrderNotFound, "order %s", id)
	}
	if volume <= 0 || price <= 0 {
		return "", errors.Wrap(core.ErrInvalidArgument, "fill volume and price must be positive")
	}
	return e.fill(so, decimal.NewFromFloat(volume), decimal.NewFromFloat(price), fees), nil
}

// Close ends an order on the exchange's initiative, as an expiry or a
// self-trade prevention would.
func (e *Exchange) Close(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	so, ok := e.orders[id]
	if !ok || !so.open {
		return errors.Wrapf(core.ErrOrderNotFound, "order %s", id)
	}
	e.closeOrder(so)
	return nil
}

// Publish pushes an arbitrary event onto the stream.
func (e *Exchange) Publish(ev core.Event) {
	e.stream.publish(ev)
}

// OpenOrderIDs lists the ids of orders still resting, sorted.
func (e *Exchange) OpenOrderIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var ids []string
	for id, so := range e.orders {
		if so.open {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (e *Exchange) openOrdersLocked(base, quote string) []*simOrder {
	var out []*simOrder
	for _, so := range e.orders {
		if so.open && so.base == base && so.quote == quote {
			out = append(out, so)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (e *Exchange) fill(so *simOrder, volume, price decimal.Decimal, fees map[string]float64) string {
	if volume.GreaterThan(so.remaining()) {
		volume = so.remaining()
	}
	notional := volume.Mul(price)
	if fees == nil && e.feeRate.IsPositive() {
		fees = map[string]float64{so.quote: notional.Mul(e.feeRate).InexactFloat64()}
	}
	if so.side == core.Buy {
		e.balances[so.base] = e.balances[so.base].Add(volume)
		e.balances[so.quote] = e.balances[so.quote].Sub(notional)
	} else {
		e.balances[so.base] = e.balances[so.base].Sub(volume)
		e.balances[so.quote] = e.balances[so.quote].Add(notional)
	}
	for asset, fee := range fees {
		e.balances[asset] = e.balances[asset].Sub(decimal.NewFromFloat(fee))
	}
	so.filled = so.filled.Add(volume)

	ev := core.Event{
		Type:    core.EventFill,
		OrderID: so.id,
		Base:    so.base,
		Quote:   so.quote,
		Side:    so.side,
		TradeID: uuid.NewString(),
		Volume:  volume.InexactFloat64(),
		Price:   price.InexactFloat64(),
		Fees:    fees,
		Time:    e.now(),
	}
	e.fills = append(e.fills, cloneEvent(ev))
	e.stream.publish(ev)
	simLog.WithFields(logrus.Fields{
		"order_id": so.id,
		"trade_id": ev.TradeID,
		"volume":   ev.Volume,
		"price":    ev.Price,
	}).Debug("sim fill")

	if !so.remaining().IsPositive() {
		e.closeOrder(so)
	}
	return ev.TradeID
}

func (e *Exchange) closeOrder(so *simOrder) {
	so.open = false
	e.publishStatus(so, core.StatusClosed)
}

func (e *Exchange) publishStatus(so *simOrder, status core.OrderStatus) {
	e.stream.publish(core.Event{
		Type:       core.EventUpdate,
		OrderID:    so.id,
		Base:       so.base,
		Quote:      so.quote,
		Side:       so.side,
		Status:     status,
		FilledSize: so.filled.InexactFloat64(),
		Time:       e.now(),
	})
}

func cloneEvent(ev core.Event) core.Event {
	if ev.Fees != nil {
		fees := make(map[string]float64, len(ev.Fees))
		for k, v := range ev.Fees {
			fees[k] = v
		}
		ev.Fees = fees
	}
	return ev
}
