package account

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"acctsync/internal/core"
	"acctsync/internal/exchange"
	"acctsync/internal/order"
	"acctsync/internal/queue"
)

const eps = 1e-9

// fakeClient answers from fields set by each test.
type fakeClient struct {
	mu       sync.Mutex
	balance  map[string]float64
	balErr   error
	fills    []core.Event
	placed   *order.Order
	placeErr error
	cancels  []string
	cancelFn func(id string) error
	changes  []exchange.AmendRequest
	changeFn func(req exchange.AmendRequest) (exchange.Amendment, error)
	market   []exchange.MarketOrderRequest
}

func (f *fakeClient) Name() string { return "fake" }

func (f *fakeClient) PlaceMarketOrder(_ context.Context, req exchange.MarketOrderRequest, _ exchange.Credentials) (*order.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.market = append(f.market, req)
	return f.placed, f.placeErr
}

func (f *fakeClient) PlaceLimitOrder(_ context.Context, _ exchange.LimitOrderRequest, _ exchange.Credentials) (*order.Order, error) {
	return f.placed, f.placeErr
}

func (f *fakeClient) CancelOrder(_ context.Context, req exchange.CancelRequest, _ exchange.Credentials) error {
	f.mu.Lock()
	f.cancels = append(f.cancels, req.ID)
	fn := f.cancelFn
	f.mu.Unlock()
	if fn != nil {
		return fn(req.ID)
	}
	return nil
}

func (f *fakeClient) ChangeOrder(_ context.Context, req exchange.AmendRequest, _ exchange.Credentials) (exchange.Amendment, error) {
	f.mu.Lock()
	f.changes = append(f.changes, req)
	fn := f.changeFn
	f.mu.Unlock()
	return fn(req)
}

func (f *fakeClient) AccountBalance(context.Context, exchange.Credentials) (map[string]float64, error) {
	if f.balErr != nil {
		return nil, f.balErr
	}
	out := make(map[string]float64, len(f.balance))
	for k, v := range f.balance {
		out[k] = v
	}
	return out, nil
}

func (f *fakeClient) OrderFills(context.Context, time.Time, exchange.Credentials) ([]core.Event, error) {
	return f.fills, nil
}

func (f *fakeClient) PriceRenderer(string, string) (exchange.PriceRenderer, error) {
	return core.TickRenderer{Tick: decimal.New(1, -2)}, nil
}

func (f *fakeClient) DecodeEvent(raw []byte) ([]core.Event, error) {
	if string(raw) == "panic" {
		panic("bad frame")
	}
	var evs []core.Event
	if err := json.Unmarshal(raw, &evs); err != nil {
		return nil, err
	}
	return evs, nil
}

type alertRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *alertRecorder) Important(event string, _ map[string]string) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *alertRecorder) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == event {
			n++
		}
	}
	return n
}

type journalRecorder struct {
	fills []core.Event
}

func (j *journalRecorder) AppendFill(ev core.Event) error {
	j.fills = append(j.fills, ev)
	return nil
}

// sliceSource replays messages and then reports the connection closed.
type sliceSource struct {
	msgs [][]byte
	end  error
}

func (s *sliceSource) NextEvent(context.Context) ([]byte, error) {
	if len(s.msgs) == 0 {
		if s.end != nil {
			return nil, s.end
		}
		return nil, core.ErrConnectionClosed
	}
	m := s.msgs[0]
	s.msgs = s.msgs[1:]
	return m, nil
}

func newAccount(t *testing.T, client *fakeClient) (*Account, *alertRecorder, *journalRecorder, *logtest.Hook) {
	t.Helper()
	logger, hook := logtest.NewNullLogger()
	alerts := &alertRecorder{}
	journal := &journalRecorder{}
	a := New(client, exchange.Credentials{APIKey: "k"}, Options{
		Alerts:  alerts,
		Journal: journal,
		Logger:  logrus.NewEntry(logger),
	})
	return a, alerts, journal, hook
}

func fill(id, trade string, vol, price float64, fees map[string]float64) core.Event {
	return core.Event{Type: core.EventFill, OrderID: id, TradeID: trade, Volume: vol, Price: price, Fees: fees}
}

func closed(id string, filled float64) core.Event {
	return core.Event{Type: core.EventUpdate, OrderID: id, Status: core.StatusClosed, FilledSize: filled}
}

func frame(t *testing.T, evs ...core.Event) []byte {
	t.Helper()
	raw, err := json.Marshal(evs)
	require.NoError(t, err)
	return raw
}

func TestBuyScenarioMovesBalance(t *testing.T) {
	a, _, journal, _ := newAccount(t, &fakeClient{balance: map[string]float64{"USD": 1000}})
	require.NoError(t, a.RefreshBalance(context.Background()))

	o := order.New("o1", "BTC", "USD", core.Buy, core.Limit, 1.0)
	o.SetPrice(100)
	a.AddOrder(o)

	fee := map[string]float64{"USD": 0.1}
	a.Dispatch(fill("o1", "t1", 0.4, 100, fee))
	a.Dispatch(fill("o1", "t2", 0.6, 100, fee))

	bal := a.Balance()
	assert.InDelta(t, 1.0, bal["BTC"], eps)
	assert.InDelta(t, 1000-100.2, bal["USD"], eps)
	assert.InDelta(t, 0, o.Remaining(), 1e-5)
	assert.True(t, o.IsCompleted())
	assert.Len(t, journal.fills, 2)
}

func TestDuplicateFillAppliedOnce(t *testing.T) {
	a, _, journal, _ := newAccount(t, &fakeClient{balance: map[string]float64{}})
	o := order.New("o1", "BTC", "USD", core.Buy, core.Limit, 1.0)
	a.AddOrder(o)

	ev := fill("o1", "t1", 0.4, 100, nil)
	a.Dispatch(ev)
	before := a.Balance()
	a.Dispatch(ev)

	assert.Equal(t, before, a.Balance())
	assert.InDelta(t, 0.4, o.FilledVolume(), eps)
	assert.Len(t, journal.fills, 1)
}

func TestConservationOverManyFills(t *testing.T) {
	a, _, _, _ := newAccount(t, &fakeClient{})
	o := order.New("o1", "ETH", "USDT", core.Sell, core.Limit, 5)
	a.AddOrder(o)
	sum := 0.0
	for i, v := range []float64{0.1, 0.25, 0.333, 1.7, 0.9} {
		a.Dispatch(fill("o1", "t"+string(rune('a'+i)), v, 2000, nil))
		sum += v
	}
	assert.InDelta(t, sum, o.Volume()-o.Remaining(), 1e-5)
	assert.InDelta(t, -sum, a.Balance()["ETH"], eps)
	assert.InDelta(t, sum*2000, a.Balance()["USDT"], 1e-6)
}

func TestFillBeforeRegistrationIsReplayed(t *testing.T) {
	a, alerts, _, _ := newAccount(t, &fakeClient{})
	ev := fill("x", "t1", 0.5, 100, nil)
	ev.Base, ev.Quote, ev.Side = "BTC", "USD", core.Buy
	a.Dispatch(ev)
	assert.Equal(t, 1, a.PendingEvents())
	assert.Equal(t, 0, alerts.count(EventOutOfSync))

	fills := queue.New[core.Event]()
	o := order.New("x", "BTC", "USD", core.Buy, core.Limit, 1.0)
	a.addOrder(o, fills)

	assert.Equal(t, 0, a.PendingEvents())
	assert.InDelta(t, 0.5, o.FilledVolume(), eps)
	assert.True(t, o.HasFill("t1"))
	assert.Equal(t, 1, fills.Len())
	// the balance moved once, on arrival
	assert.InDelta(t, 0.5, a.Balance()["BTC"], eps)
}

func TestUnknownOrderFillStillUpdatesBalance(t *testing.T) {
	a, alerts, _, hook := newAccount(t, &fakeClient{balance: map[string]float64{"USD": 500}})
	a.log.Logger.SetLevel(logrus.DebugLevel)
	ev := fill("z", "t9", 1, 100, map[string]float64{"USD": 0.5})
	ev.Base, ev.Quote, ev.Side = "BTC", "USD", core.Buy

	src := &sliceSource{msgs: [][]byte{frame(t, ev), []byte("not json"), []byte("panic")}}
	require.NoError(t, a.Run(context.Background(), src))

	bal := a.Balance()
	assert.InDelta(t, 1, bal["BTC"], eps)
	assert.InDelta(t, 500-100.5, bal["USD"], eps)
	assert.Equal(t, 0, alerts.count(EventOutOfSync))
	assert.Equal(t, 2, alerts.count(EventDispatchError))
	assert.Equal(t, 1, a.PendingEvents())

	levels := func() []logrus.Level {
		var out []logrus.Level
		for _, entry := range hook.AllEntries() {
			if entry.Data["event"] == EventOutOfSync {
				out = append(out, entry.Level)
			}
		}
		return out
	}
	assert.Equal(t, []logrus.Level{logrus.DebugLevel}, levels())

	for i := 0; i < 2; i++ {
		_, err := a.RefreshFills(context.Background(), time.Time{})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, alerts.count(EventOutOfSync))
	assert.Equal(t, []logrus.Level{logrus.DebugLevel, logrus.WarnLevel}, levels())
}

func TestUnknownOrderAlertedOnlyAfterFullReconcilePass(t *testing.T) {
	a, alerts, _, _ := newAccount(t, &fakeClient{})
	for _, id := range []string{"late", "lost"} {
		ev := fill(id, "t-"+id, 0.1, 100, nil)
		ev.Base, ev.Quote, ev.Side = "BTC", "USD", core.Buy
		a.Dispatch(ev)
	}

	_, err := a.RefreshFills(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 0, alerts.count(EventOutOfSync))

	// the place response for "late" arrives between passes
	a.AddOrder(order.New("late", "BTC", "USD", core.Buy, core.Limit, 1))

	for i := 0; i < 3; i++ {
		_, err = a.RefreshFills(context.Background(), time.Time{})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, alerts.count(EventOutOfSync))
	assert.Equal(t, 1, a.PendingEvents())
}

func TestBalanceDedupeOutlivesSeenSet(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	a := New(&fakeClient{balance: map[string]float64{"USD": 1000}}, exchange.Credentials{}, Options{
		Alerts:        &alertRecorder{},
		Logger:        logrus.NewEntry(logger),
		SeenTradesMax: 1,
	})
	require.NoError(t, a.RefreshBalance(context.Background()))
	o := order.New("o1", "BTC", "USD", core.Buy, core.Limit, 1.0)
	a.AddOrder(o)

	a.Dispatch(fill("o1", "t1", 0.4, 100, nil))
	a.Dispatch(fill("o1", "t2", 0.2, 100, nil))
	require.Equal(t, 1, a.applied.Len())
	// t1 has been evicted from the seen set by t2
	a.Dispatch(fill("o1", "t1", 0.4, 100, nil))

	assert.InDelta(t, 0.6, o.FilledVolume(), eps)
	assert.InDelta(t, 0.6, a.Balance()["BTC"], eps)
	assert.InDelta(t, 1000-60, a.Balance()["USD"], eps)
}

func TestFillWithoutTradeIDMovesBalanceOnce(t *testing.T) {
	a, _, journal, _ := newAccount(t, &fakeClient{})
	o := order.New("o1", "BTC", "USD", core.Buy, core.Limit, 1.0)
	a.AddOrder(o)
	a.Dispatch(fill("o1", "", 0.3, 100, nil))
	a.Dispatch(fill("o1", "", 0.3, 100, nil))
	assert.InDelta(t, 0.3, o.FilledVolume(), eps)
	assert.InDelta(t, 0.3, a.Balance()["BTC"], eps)

	ev := fill("u", "", 0.2, 100, nil)
	ev.Base, ev.Quote, ev.Side = "BTC", "USD", core.Buy
	a.Dispatch(ev)
	a.Dispatch(ev)
	assert.Equal(t, 1, a.PendingEvents())
	assert.InDelta(t, 0.5, a.Balance()["BTC"], eps)

	u := order.New("u", "BTC", "USD", core.Buy, core.Limit, 1.0)
	a.AddOrder(u)
	a.Dispatch(ev)
	assert.InDelta(t, 0.2, u.FilledVolume(), eps)
	assert.InDelta(t, 0.5, a.Balance()["BTC"], eps)
	assert.Len(t, journal.fills, 2)
}

func TestCloseBeforeFills(t *testing.T) {
	a, _, _, _ := newAccount(t, &fakeClient{})
	o := order.New("o1", "BTC", "USD", core.Buy, core.Limit, 1.0)
	o.SetPrice(100)
	a.AddOrder(o)

	a.Dispatch(closed("o1", 0.7))
	assert.False(t, o.IsOpen())
	assert.False(t, o.IsCompleted())

	a.Dispatch(fill("o1", "t1", 0.3, 100, nil))
	assert.False(t, o.IsCompleted())
	a.Dispatch(fill("o1", "t2", 0.4, 100, nil))
	assert.True(t, o.IsCompleted())
	select {
	case <-o.Filled():
	default:
		t.Fatal("filled signal not fired")
	}
}

func TestFillsBeforeClose(t *testing.T) {
	a, _, _, _ := newAccount(t, &fakeClient{})
	o := order.New("o1", "BTC", "USD", core.Sell, core.Limit, 1.0)
	o.SetPrice(100)
	a.AddOrder(o)

	a.Dispatch(fill("o1", "t1", 0.2, 100, nil))
	a.Dispatch(fill("o1", "t2", 0.3, 100, nil))
	assert.False(t, o.IsCompleted())
	a.Dispatch(closed("o1", 0.5))
	assert.True(t, o.IsCompleted())
	assert.False(t, o.IsOpen())
}

func TestCancelledByExchangeAlerts(t *testing.T) {
	a, alerts, _, _ := newAccount(t, &fakeClient{})
	o := order.New("m1", "BTC", "USD", core.Buy, core.Market, 1.0)
	a.AddOrder(o)
	a.Dispatch(closed("m1", 0))
	a.Dispatch(closed("m1", 0))
	assert.True(t, o.CancelledByExchange())
	assert.Equal(t, 1, alerts.count(EventCancelledByExchange))
}

func TestMarketOrderValidation(t *testing.T) {
	client := &fakeClient{}
	a, _, _, _ := newAccount(t, client)
	ctx := context.Background()

	_, err := a.MarketOrder(ctx, MarketOrderParams{Base: "BTC", Quote: "USD", Side: core.Buy})
	assert.True(t, errors.Is(err, core.ErrInvalidArgument))
	_, err = a.LimitOrder(ctx, LimitOrderParams{Base: "BTC", Quote: "USD", Side: core.Buy, Volume: 1})
	assert.True(t, errors.Is(err, core.ErrInvalidArgument))
	_, err = a.MarketOrder(ctx, MarketOrderParams{Base: "BTC", Quote: "USD", Side: "HOLD", Volume: 1})
	assert.True(t, errors.Is(err, core.ErrInvalidArgument))
	assert.Empty(t, client.market)
}

func TestMarketOrderRegistersAndBindsQueue(t *testing.T) {
	placed := order.New("m1", "BTC", "USD", core.Buy, core.Market, 0.5)
	client := &fakeClient{placed: placed}
	a, _, _, _ := newAccount(t, client)

	fills := queue.New[core.Event]()
	o, err := a.MarketOrder(context.Background(), MarketOrderParams{
		Base: "BTC", Quote: "USD", Side: core.Buy, QuoteVolume: 50, Fills: fills,
	})
	require.NoError(t, err)
	require.Same(t, placed, o)
	got, ok := a.Order("m1")
	require.True(t, ok)
	assert.Same(t, placed, got)

	a.Dispatch(fill("m1", "t1", 0.5, 100, nil))
	ev, err := fills.Pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "t1", ev.TradeID)
	assert.True(t, o.IsCompleted())
}

func TestPlacementFailureRegistersNothing(t *testing.T) {
	reqErr := &core.RequestError{Method: "POST", Path: "/order", Status: 400}
	client := &fakeClient{placeErr: reqErr}
	a, _, _, _ := newAccount(t, client)

	o, err := a.LimitOrder(context.Background(), LimitOrderParams{Base: "BTC", Quote: "USD", Side: core.Sell, Price: 100, Volume: 1})
	assert.Nil(t, o)
	assert.True(t, errors.Is(err, core.ErrRequestFailed))
	assert.Empty(t, a.Orders())

	client.placeErr = nil
	_, err = a.MarketOrder(context.Background(), MarketOrderParams{Base: "BTC", Quote: "USD", Side: core.Sell, Volume: 1})
	assert.True(t, errors.Is(err, core.ErrOrderRejected))
}

func TestChangeOrderRekeysAndIgnoresStaleClose(t *testing.T) {
	client := &fakeClient{}
	a, _, _, _ := newAccount(t, client)
	o := order.New("old", "BTC", "USD", core.Buy, core.Limit, 1.0)
	o.SetPrice(100)
	fills := queue.New[core.Event]()
	a.addOrder(o, fills)
	a.Dispatch(fill("old", "t1", 0.4, 100, nil))

	client.changeFn = func(req exchange.AmendRequest) (exchange.Amendment, error) {
		assert.True(t, o.IsModifying())
		// the exchange closes the replaced order while the call is in flight
		a.Dispatch(closed("old", 0.4))
		return exchange.Amendment{ID: "new", Price: *req.Price, Remaining: 0.6}, nil
	}
	price := 101.0
	changed, err := a.ChangeOrder(context.Background(), o, ChangeParams{Price: &price})
	require.NoError(t, err)
	require.True(t, changed)

	assert.True(t, o.IsOpen())
	assert.False(t, o.IsModifying())
	assert.Equal(t, "new", o.ID())
	got, ok := a.Order("new")
	require.True(t, ok)
	assert.Same(t, o, got)
	got, ok = a.Order("old")
	require.True(t, ok)
	assert.Same(t, o, got)
	p, _ := o.Price()
	assert.InDelta(t, 101, p, eps)
	assert.InDelta(t, 1.0, o.Volume(), eps)

	// a late close for the old id is ignored after the re-key too
	a.Dispatch(closed("old", 0.4))
	assert.True(t, o.IsOpen())

	a.Dispatch(fill("new", "t2", 0.6, 101, nil))
	assert.True(t, o.IsCompleted())
	assert.Equal(t, 2, fills.Len())
}

func TestChangeOrderReplaysEventsForNewID(t *testing.T) {
	client := &fakeClient{}
	a, _, _, _ := newAccount(t, client)
	o := order.New("old", "BTC", "USD", core.Buy, core.Limit, 1.0)
	o.SetPrice(100)
	a.AddOrder(o)

	client.changeFn = func(req exchange.AmendRequest) (exchange.Amendment, error) {
		// the new order trades before the amendment response arrives
		ev := fill("new", "t1", 0.25, 99, nil)
		ev.Base, ev.Quote, ev.Side = "BTC", "USD", core.Buy
		a.Dispatch(ev)
		return exchange.Amendment{ID: "new", Price: 99, Remaining: 1.0}, nil
	}
	price := 99.0
	changed, err := a.ChangeOrder(context.Background(), o, ChangeParams{Price: &price})
	require.NoError(t, err)
	require.True(t, changed)
	assert.InDelta(t, 0.25, o.FilledVolume(), eps)
	assert.InDelta(t, 0.75, o.Remaining(), eps)
	assert.Equal(t, 0, a.PendingEvents())
	assert.InDelta(t, 0.25, a.Balance()["BTC"], eps)
}

func TestCloseAfterChangeCountsReplacedOrderFills(t *testing.T) {
	client := &fakeClient{}
	a, _, _, _ := newAccount(t, client)
	o := order.New("old", "BTC", "USD", core.Buy, core.Limit, 1.0)
	o.SetPrice(100)
	a.AddOrder(o)
	a.Dispatch(fill("old", "t1", 0.4, 100, nil))

	client.changeFn = func(req exchange.AmendRequest) (exchange.Amendment, error) {
		return exchange.Amendment{ID: "new", Price: *req.Price, Remaining: 0.6, PriorFilled: 0.4}, nil
	}
	price := 101.0
	changed, err := a.ChangeOrder(context.Background(), o, ChangeParams{Price: &price})
	require.NoError(t, err)
	require.True(t, changed)

	// the replacement reports its own 0.3 before that fill is delivered
	a.Dispatch(closed("new", 0.3))
	assert.False(t, o.IsCompleted())
	assert.True(t, o.AwaitingFills())
	assert.Equal(t, 0, a.RemoveClosedOrders())

	a.Dispatch(fill("new", "t2", 0.3, 101, nil))
	assert.True(t, o.IsCompleted())
	assert.Equal(t, 1, a.RemoveClosedOrders())
}

func TestChangeOrderNoOps(t *testing.T) {
	client := &fakeClient{changeFn: func(exchange.AmendRequest) (exchange.Amendment, error) {
		t.Fatal("exchange must not be called")
		return exchange.Amendment{}, nil
	}}
	a, _, _, _ := newAccount(t, client)
	o := order.New("o1", "BTC", "USD", core.Buy, core.Limit, 1.0)
	o.SetPrice(100)
	a.AddOrder(o)

	changed, err := a.ChangeOrder(context.Background(), o, ChangeParams{})
	require.NoError(t, err)
	assert.False(t, changed)

	same := 100.001
	changed, err = a.ChangeOrder(context.Background(), o, ChangeParams{Price: &same})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.False(t, o.IsModifying())
}

func TestChangeOrderError(t *testing.T) {
	client := &fakeClient{changeFn: func(exchange.AmendRequest) (exchange.Amendment, error) {
		return exchange.Amendment{}, &core.RequestError{Method: "POST", Path: "/amend", Status: 500}
	}}
	a, _, _, _ := newAccount(t, client)
	o := order.New("o1", "BTC", "USD", core.Buy, core.Limit, 1.0)
	a.AddOrder(o)
	size := 0.5
	changed, err := a.ChangeOrder(context.Background(), o, ChangeParams{Size: &size})
	assert.False(t, changed)
	assert.True(t, errors.Is(err, core.ErrRequestFailed))
	assert.Equal(t, "o1", o.ID())
	assert.False(t, o.IsModifying())
}

func TestRefreshFillsReplaysMissedTrades(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	client := &fakeClient{balance: map[string]float64{"USD": 1000}}
	a, alerts, journal, _ := newAccount(t, client)
	a.now = func() time.Time { return now }
	require.NoError(t, a.RefreshBalance(context.Background()))

	o := order.New("o1", "BTC", "USD", core.Buy, core.Limit, 1.0)
	a.AddOrder(o)
	a.Dispatch(fill("o1", "t1", 0.2, 100, nil))

	older := fill("o1", "t0", 0.1, 100, nil)
	older.Time = now.Add(-time.Minute)
	missed := fill("o1", "t2", 0.3, 100, nil)
	missed.Time = now.Add(time.Minute)
	stranger := fill("q", "t3", 1, 100, nil)
	stranger.Base, stranger.Quote, stranger.Side = "BTC", "USD", core.Sell
	stranger.Time = now.Add(time.Minute)
	client.fills = []core.Event{fill("o1", "t1", 0.2, 100, nil), older, missed, stranger}

	n, err := a.RefreshFills(context.Background(), now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.InDelta(t, 0.6, o.FilledVolume(), eps)
	// t0 predates the balance snapshot; t3 belongs to no known order
	assert.InDelta(t, 0.2+0.3-1, a.Balance()["BTC"], eps)
	assert.Equal(t, 1, alerts.count(EventOutOfSync))
	assert.Len(t, journal.fills, 4)

	n, err = a.RefreshFills(context.Background(), now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, alerts.count(EventOutOfSync))
}

func TestRemoveClosedOrders(t *testing.T) {
	a, _, _, _ := newAccount(t, &fakeClient{})
	open := order.New("a", "BTC", "USD", core.Buy, core.Limit, 1)
	open.SetPrice(1)
	done := order.New("b", "BTC", "USD", core.Buy, core.Limit, 1)
	done.SetPrice(1)
	a.AddOrder(open)
	a.AddOrder(done)
	a.Dispatch(closed("b", 0))

	assert.Equal(t, 1, a.RemoveClosedOrders())
	assert.Len(t, a.Orders(), 1)
	_, ok := a.Order("b")
	assert.False(t, ok)
	assert.Equal(t, 0, a.RemoveClosedOrders())
}

func TestRemoveClosedOrdersKeepsOrderAwaitingFills(t *testing.T) {
	a, alerts, _, _ := newAccount(t, &fakeClient{})
	o := order.New("o1", "BTC", "USD", core.Buy, core.Limit, 1.0)
	o.SetPrice(100)
	a.AddOrder(o)

	a.Dispatch(closed("o1", 1.0))
	require.False(t, o.IsOpen())
	assert.Equal(t, 0, a.RemoveClosedOrders())

	a.Dispatch(fill("o1", "t1", 1.0, 100, nil))
	assert.Equal(t, order.StateCompleted, o.State())
	assert.Equal(t, 0, a.PendingEvents())
	assert.Equal(t, 0, alerts.count(EventOutOfSync))
	assert.NoError(t, o.WaitFilled(context.Background()))
	assert.Equal(t, 1, a.RemoveClosedOrders())
}

func TestCancelAllOrdersJoinsErrors(t *testing.T) {
	client := &fakeClient{cancelFn: func(id string) error {
		if id == "b" {
			return core.ErrOrderNotFound
		}
		return nil
	}}
	a, _, _, _ := newAccount(t, client)
	for _, id := range []string{"a", "b"} {
		a.AddOrder(order.New(id, "BTC", "USD", core.Buy, core.Limit, 1))
	}
	err := a.CancelAllOrders(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrOrderNotFound))
	assert.ElementsMatch(t, []string{"a", "b"}, client.cancels)
}

func TestRunStopsOnSourceError(t *testing.T) {
	a, alerts, _, _ := newAccount(t, &fakeClient{balErr: errors.New("down")})
	boom := errors.Wrap(core.ErrConnection, "read")
	err := a.Run(context.Background(), &sliceSource{end: boom})
	assert.True(t, errors.Is(err, core.ErrConnection))
	assert.Equal(t, 1, alerts.count(EventBalanceRefreshFailed))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, a.Run(ctx, &sliceSource{end: context.Canceled}))
}

func TestString(t *testing.T) {
	a, _, _, _ := newAccount(t, &fakeClient{balance: map[string]float64{"BTC": 0.5, "USD": 10, "ETH": 0}})
	require.NoError(t, a.RefreshBalance(context.Background()))
	s := a.String()
	assert.True(t, strings.HasPrefix(s, "fake account\n"))
	assert.Contains(t, s, "BTC")
	assert.Contains(t, s, "0.50000000")
	assert.NotContains(t, s, "ETH")
	assert.Less(t, strings.Index(s, "BTC"), strings.Index(s, "USD"))
}
