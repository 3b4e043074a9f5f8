// Package account keeps a local view of one exchange account: its balance
// and the orders placed through it, fed by the exchange's push stream and
// reconciled against REST.
package account

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"acctsync/internal/alert"
	"acctsync/internal/core"
	"acctsync/internal/exchange"
	"acctsync/internal/order"
	"acctsync/internal/queue"
)

const (
	defaultSeenTradesMax = 50000
	defaultSeenTradesTTL = 24 * time.Hour
)

// Alert event names.
const (
	EventOutOfSync            = "out_of_sync"
	EventDispatchError        = "dispatch_error"
	EventCancelledByExchange  = "order_cancelled_by_exchange"
	EventBalanceRefreshFailed = "balance_refresh_failed"
)

// Journal records every fill the account applies to its balance.
type Journal interface {
	AppendFill(ev core.Event) error
}

// FillQueue receives the fills of one order as they are applied.
type FillQueue = queue.Queue[core.Event]

type Options struct {
	Alerts  alert.Alerter
	Journal Journal
	Logger  *logrus.Entry
	// Tolerance overrides order.DefaultTolerance for every registered order.
	Tolerance     float64
	SeenTradesMax int
	SeenTradesTTL time.Duration
	Now           func() time.Time
}

type Account struct {
	client    exchange.Client
	creds     exchange.Credentials
	alerts    alert.Alerter
	journal   Journal
	log       *logrus.Entry
	tolerance float64
	now       func() time.Time

	mu         sync.Mutex
	balance    map[string]float64
	balanceAt  time.Time
	orders     map[string]*order.Order
	aliases    map[string]string
	unhandled  map[string][]core.Event
	fillQueues map[string]*FillQueue
	applied    *seenTracker
	// reconcile passes each buffered order id has stayed unknown through
	unknownPasses map[string]int
}

func New(client exchange.Client, creds exchange.Credentials, opts Options) *Account {
	log := opts.Logger
	if log == nil {
		log = logrus.WithField("component", "account")
	}
	alerts := opts.Alerts
	if alerts == nil {
		alerts = alert.NewLogAlerter(log)
	}
	tol := opts.Tolerance
	if tol <= 0 {
		tol = order.DefaultTolerance
	}
	seenMax := opts.SeenTradesMax
	if seenMax <= 0 {
		seenMax = defaultSeenTradesMax
	}
	seenTTL := opts.SeenTradesTTL
	if seenTTL <= 0 {
		seenTTL = defaultSeenTradesTTL
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Account{
		client:     client,
		creds:      creds,
		alerts:     alerts,
		journal:    opts.Journal,
		log:        log,
		tolerance:  tol,
		now:        now,
		orders:     make(map[string]*order.Order),
		aliases:    make(map[string]string),
		unhandled:  make(map[string][]core.Event),
		fillQueues: make(map[string]*FillQueue),
		applied:    newSeenTracker(seenMax, seenTTL),

		unknownPasses: make(map[string]int),
	}
}

// RefreshBalance replaces the local balance with the exchange's.
func (a *Account) RefreshBalance(ctx context.Context) error {
	bal, err := a.client.AccountBalance(ctx, a.creds)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.balance = make(map[string]float64, len(bal))
	for asset, v := range bal {
		a.balance[asset] = v
	}
	a.balanceAt = a.now()
	a.mu.Unlock()
	return nil
}

// Balance returns a copy of the local balance, nil before the first fetch.
func (a *Account) Balance() map[string]float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.balance == nil {
		return nil
	}
	out := make(map[string]float64, len(a.balance))
	for asset, v := range a.balance {
		out[asset] = v
	}
	return out
}

// Order looks an order up by its current id or any id it had before an
// amendment.
func (a *Account) Order(id string) (*order.Order, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	o, ok := a.orders[a.resolveLocked(id)]
	return o, ok
}

// Orders returns every tracked order sorted by id.
func (a *Account) Orders() []*order.Order {
	a.mu.Lock()
	out := make([]*order.Order, 0, len(a.orders))
	for _, o := range a.orders {
		out = append(out, o)
	}
	a.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (a *Account) OpenOrders() []*order.Order {
	var out []*order.Order
	for _, o := range a.Orders() {
		if o.IsOpen() {
			out = append(out, o)
		}
	}
	return out
}

// AddOrder registers o after replaying, in arrival order, every event that
// was buffered for its id before it was known.
func (a *Account) AddOrder(o *order.Order) {
	a.addOrder(o, nil)
}

func (a *Account) addOrder(o *order.Order, fills *FillQueue) {
	o.SetTolerance(a.tolerance)
	id := o.ID()

	a.mu.Lock()
	if fills != nil {
		a.fillQueues[id] = fills
	}
	pending := a.unhandled[id]
	delete(a.unhandled, id)
	delete(a.unknownPasses, id)
	for _, ev := range pending {
		a.applyToOrderLocked(o, ev, fills)
	}
	a.orders[id] = o
	a.mu.Unlock()

	if len(pending) > 0 {
		a.log.WithFields(logrus.Fields{"order_id": id, "replayed": len(pending)}).Debug("replayed buffered events")
	}
}

// applyToOrderLocked feeds ev to o and forwards a newly applied fill to its
// queue. Balance changes are handled by the caller.
func (a *Account) applyToOrderLocked(o *order.Order, ev core.Event, fills *FillQueue) {
	newFill := ev.Type == core.EventFill && !o.HasFill(ev.TradeID)
	wasCancelled := o.CancelledByExchange()
	o.Update(ev)
	if newFill && fills != nil {
		fills.Push(ev)
	}
	if !wasCancelled && o.CancelledByExchange() {
		a.alerts.Important(EventCancelledByExchange, map[string]string{
			"order_id": o.ID(),
			"base":     o.Base(),
			"quote":    o.Quote(),
		})
	}
}

// RemoveClosedOrders drops every order that is no longer open together with
// its aliases and fill queue binding. An order the exchange closed with fills
// not yet delivered is kept until they arrive.
func (a *Account) RemoveClosedOrders() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	removed := 0
	for id, o := range a.orders {
		if o.IsOpen() || o.AwaitingFills() {
			continue
		}
		delete(a.orders, id)
		delete(a.fillQueues, id)
		removed++
	}
	for old, cur := range a.aliases {
		if _, ok := a.orders[cur]; !ok {
			delete(a.aliases, old)
		}
	}
	return removed
}

// PendingEvents is the number of buffered events for orders not yet known.
func (a *Account) PendingEvents() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, evs := range a.unhandled {
		n += len(evs)
	}
	return n
}

func (a *Account) resolveLocked(id string) string {
	if cur, ok := a.aliases[id]; ok {
		return cur
	}
	return id
}

func (a *Account) applyBalanceLocked(d core.Delta) {
	if a.balance == nil {
		a.balance = make(map[string]float64, len(d))
	}
	for asset, v := range d {
		a.balance[asset] += v
	}
}

// String renders the positive holdings as a table.
func (a *Account) String() string {
	bal := a.Balance()
	assets := make([]string, 0, len(bal))
	for asset, v := range bal {
		if v > 0 {
			assets = append(assets, asset)
		}
	}
	sort.Strings(assets)
	var b strings.Builder
	fmt.Fprintf(&b, "%s account\n", a.client.Name())
	fmt.Fprintf(&b, "%-10s %18s\n", "asset", "amount")
	for _, asset := range assets {
		fmt.Fprintf(&b, "%-10s %18.8f\n", asset, bal[asset])
	}
	return b.String()
}
