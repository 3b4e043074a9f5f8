package order

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"acctsync/internal/core"
)

func fill(id, trade string, volume, price float64, fees map[string]float64) core.Event {
	return core.Event{
		Type:    core.EventFill,
		OrderID: id,
		Base:    "BTC",
		Quote:   "USD",
		Side:    core.Buy,
		TradeID: trade,
		Volume:  volume,
		Price:   price,
		Fees:    fees,
	}
}

func closed(id string, filled float64) core.Event {
	return core.Event{Type: core.EventUpdate, OrderID: id, Status: core.StatusClosed, FilledSize: filled}
}

func TestBuyOrderTwoFillsCompletes(t *testing.T) {
	o := New("1", "BTC", "USD", core.Buy, core.Limit, 1.0)
	total := core.Delta{}

	total.Add(o.Update(fill("1", "t1", 0.4, 100, map[string]float64{"USD": 0.1})))
	assert.False(t, o.IsCompleted())
	total.Add(o.Update(fill("1", "t2", 0.6, 100, map[string]float64{"USD": 0.1})))

	assert.InDelta(t, 0, o.Remaining(), 1e-9)
	assert.True(t, o.IsCompleted())
	assert.False(t, o.IsOpen())
	assert.Equal(t, StateCompleted, o.State())
	assert.InDelta(t, 1.0, total["BTC"], 1e-9)
	assert.InDelta(t, -100.2, total["USD"], 1e-9)
	assert.InDelta(t, 0.2, o.TotalFees()["USD"], 1e-9)
	select {
	case <-o.Filled():
	default:
		t.Fatal("fill signal not fired")
	}
	select {
	case <-o.Closed():
		t.Fatal("close signal fired without a status update")
	default:
	}
}

func TestSellDeltaSignsAndFeeAsset(t *testing.T) {
	o := New("s", "ETH", "USDT", core.Sell, core.Market, 2)
	d := o.Update(core.Event{
		Type: core.EventFill, OrderID: "s", TradeID: "x", Volume: 0.5, Price: 2000,
		Fees: map[string]float64{"BNB": 0.01},
	})
	assert.InDelta(t, -0.5, d["ETH"], 1e-9)
	assert.InDelta(t, 1000, d["USDT"], 1e-9)
	assert.InDelta(t, -0.01, d["BNB"], 1e-9)
	assert.InDelta(t, 1.5, o.Remaining(), 1e-9)
}

func TestDuplicateFillIsNoOp(t *testing.T) {
	o := New("1", "BTC", "USD", core.Buy, core.Limit, 1.0)
	first := o.Update(fill("1", "t1", 0.4, 100, nil))
	second := o.Update(fill("1", "t1", 0.4, 100, nil))

	assert.InDelta(t, 0.4, first["BTC"], 1e-9)
	assert.Equal(t, core.Delta{"BTC": 0, "USD": 0}, second)
	assert.InDelta(t, 0.6, o.Remaining(), 1e-9)
	assert.InDelta(t, 0.4, o.FilledVolume(), 1e-9)
}

func TestConservationOverManyFills(t *testing.T) {
	o := New("1", "BTC", "USD", core.Buy, core.Limit, 10)
	sum := 0.0
	vols := []float64{0.1, 0.25, 1.3333333, 0.07, 2.2}
	for i, v := range vols {
		o.Update(fill("1", string(rune('a'+i)), v, 100, nil))
		sum += v
		assert.InDelta(t, sum, o.Volume()-o.Remaining(), 1e-5)
	}
	assert.True(t, o.IsOpen())
}

func TestCloseBeforeFinalFillCompletes(t *testing.T) {
	o := New("1", "BTC", "USD", core.Buy, core.Limit, 1.0)
	o.Update(fill("1", "t1", 0.4, 100, nil))
	o.Update(closed("1", 0.7))

	assert.False(t, o.IsOpen())
	assert.False(t, o.IsCompleted())
	select {
	case <-o.Closed():
	default:
		t.Fatal("close signal not fired")
	}

	o.Update(fill("1", "t2", 0.3, 100, nil))
	assert.True(t, o.IsCompleted())
	assert.Equal(t, StateCompleted, o.State())
	assert.NoError(t, o.WaitFilled(context.Background()))
}

func TestFillsBeforeCloseComplete(t *testing.T) {
	o := New("1", "BTC", "USD", core.Buy, core.Limit, 1.0)
	o.Update(fill("1", "t1", 0.3, 100, nil))
	o.Update(fill("1", "t2", 0.2, 100, nil))
	o.Update(closed("1", 0.5))

	assert.True(t, o.IsCompleted())
	assert.Equal(t, StateCompleted, o.State())
	reported, ok := o.ReportedFill()
	require.True(t, ok)
	assert.InDelta(t, 0.5, reported, 1e-9)
	assert.NoError(t, o.WaitFilled(context.Background()))
	assert.NoError(t, o.WaitClosed(context.Background()))
}

func TestCloseWithPartialFillIsClosedUnfilled(t *testing.T) {
	o := New("1", "BTC", "USD", core.Buy, core.Limit, 1.0)
	o.Update(fill("1", "t1", 0.3, 100, nil))
	o.Update(closed("1", 0.8))
	assert.Equal(t, StateClosedUnfilled, o.State())
	assert.False(t, o.filledSig.Fired())
}

func TestStatusIgnoredWhileModifyingOrForOtherID(t *testing.T) {
	o := New("1", "BTC", "USD", core.Buy, core.Limit, 1.0)
	o.BeginModify()
	o.Update(closed("1", 0))
	assert.True(t, o.IsOpen())
	o.EndModify()

	o.Update(closed("other", 0))
	assert.True(t, o.IsOpen())

	o.Update(core.Event{Type: core.EventUpdate, OrderID: "1", Status: core.StatusNew})
	assert.True(t, o.IsOpen())
}

func TestExchangeCancelWithoutPriceIsFlagged(t *testing.T) {
	hook := test.NewLocal(orderLog.Logger)
	defer hook.Reset()

	o := New("1", "BTC", "USD", core.Buy, core.Market, 1.0)
	o.Update(closed("1", 0))

	assert.True(t, o.CancelledByExchange())
	assert.Equal(t, StateClosedUnfilled, o.State())
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	assert.Equal(t, "order cancelled by exchange with no fill", hook.LastEntry().Message)

	priced := New("2", "BTC", "USD", core.Buy, core.Limit, 1.0)
	priced.SetPrice(100)
	priced.Update(closed("2", 0))
	assert.False(t, priced.CancelledByExchange())
}

func TestFillAfterCompletionNotApplied(t *testing.T) {
	o := New("1", "BTC", "USD", core.Buy, core.Limit, 1.0)
	o.Update(fill("1", "t1", 1.0, 100, nil))
	require.True(t, o.IsCompleted())

	d := o.Update(fill("1", "t2", 0.1, 100, nil))
	assert.Equal(t, core.Delta{"BTC": 0, "USD": 0}, d)
	assert.InDelta(t, 1.0, o.FilledVolume(), 1e-9)
	assert.False(t, o.HasFill("t2"))
}

func TestToleranceAbsorbsResidue(t *testing.T) {
	o := New("1", "BTC", "USD", core.Buy, core.Limit, 1.0)
	o.Update(fill("1", "t1", 0.999995, 100, nil))
	assert.True(t, o.IsCompleted())

	strict := New("2", "BTC", "USD", core.Buy, core.Limit, 1.0)
	strict.SetTolerance(1e-9)
	strict.Update(fill("2", "t1", 0.999995, 100, nil))
	assert.False(t, strict.IsCompleted())
}

func TestAmendKeepsFillAccounting(t *testing.T) {
	o := New("1", "BTC", "USD", core.Buy, core.Limit, 1.0)
	o.Update(fill("1", "t1", 0.4, 100, nil))
	o.Amend("2", 99.5, 0.3, 0.4)

	assert.Equal(t, "2", o.ID())
	price, ok := o.Price()
	require.True(t, ok)
	assert.InDelta(t, 99.5, price, 1e-9)
	assert.InDelta(t, 0.7, o.Volume(), 1e-9)
	assert.InDelta(t, o.Volume()-o.FilledVolume(), o.Remaining(), 1e-9)

	o.Update(fill("2", "t2", 0.3, 99.5, nil))
	assert.True(t, o.IsCompleted())
}

func TestCloseAfterAmendAddsPriorFilled(t *testing.T) {
	o := New("1", "BTC", "USD", core.Buy, core.Limit, 1.0)
	o.Update(fill("1", "t1", 0.3, 100, nil))
	// 0.2 more filled under "1" before the replace; its fill is still in flight
	o.Amend("2", 101, 0.5, 0.5)
	assert.InDelta(t, 1.0, o.Volume(), 1e-9)
	assert.InDelta(t, 0.7, o.Remaining(), 1e-9)
	o.Update(fill("2", "t2", 0.3, 101, nil))

	// the new id reports only its own fills
	o.Update(closed("2", 0.5))
	reported, ok := o.ReportedFill()
	require.True(t, ok)
	assert.InDelta(t, 1.0, reported, 1e-9)
	assert.False(t, o.IsCompleted())
	assert.True(t, o.AwaitingFills())

	o.Update(fill("1", "t1b", 0.2, 100, nil))
	assert.False(t, o.IsCompleted())
	o.Update(fill("2", "t3", 0.2, 101, nil))
	assert.True(t, o.IsCompleted())
	assert.False(t, o.AwaitingFills())
}

func TestAmendKeepingIDAddsNoPriorFilled(t *testing.T) {
	o := New("1", "BTC", "USD", core.Buy, core.Limit, 1.0)
	o.Update(fill("1", "t1", 0.4, 100, nil))
	o.Amend("1", 99, 0.6, 0.4)
	o.Update(closed("1", 0.4))
	reported, _ := o.ReportedFill()
	assert.InDelta(t, 0.4, reported, 1e-9)
	assert.Equal(t, StateCompleted, o.State())
	assert.False(t, o.AwaitingFills())
}

func TestAwaitingFillsOnlyWhileReportAhead(t *testing.T) {
	o := New("1", "BTC", "USD", core.Buy, core.Limit, 1.0)
	o.SetPrice(100)
	assert.False(t, o.AwaitingFills())

	o.Update(closed("1", 0.6))
	assert.True(t, o.AwaitingFills())
	o.Update(fill("1", "t1", 0.6, 100, nil))
	assert.False(t, o.AwaitingFills())
	assert.True(t, o.IsCompleted())

	cancelled := New("2", "BTC", "USD", core.Buy, core.Limit, 1.0)
	cancelled.SetPrice(100)
	cancelled.Update(closed("2", 0))
	assert.False(t, cancelled.AwaitingFills())
}

func TestSignalsBroadcastToEveryWaiter(t *testing.T) {
	o := New("1", "BTC", "USD", core.Buy, core.Limit, 1.0)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, 6)
	for i := 0; i < 3; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); errs <- o.WaitFilled(ctx) }()
		go func() { defer wg.Done(); errs <- o.WaitClosed(ctx) }()
	}
	o.Update(fill("1", "t1", 1.0, 100, nil))
	o.Update(closed("1", 1.0))
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestWaitFilledHonoursContext(t *testing.T) {
	o := New("1", "BTC", "USD", core.Buy, core.Limit, 1.0)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, o.WaitFilled(ctx), context.DeadlineExceeded)
}

func TestSignalFiresOnce(t *testing.T) {
	s := NewSignal()
	assert.True(t, s.Fire())
	assert.False(t, s.Fire())
	assert.True(t, s.Fired())
}
