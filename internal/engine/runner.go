// Package engine keeps an account's push session alive: it reconnects with
// backoff, reconciles fills missed while disconnected, and persists runtime
// status for operators.
package engine

import (
	"context"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"acctsync/internal/account"
	"acctsync/internal/alert"
	"acctsync/internal/exchange"
	"acctsync/internal/safety"
	"acctsync/internal/store"
)

var errStreamClosed = errors.New("push stream closed")

const (
	defaultMinBackoff = time.Second
	defaultMaxBackoff = 30 * time.Second
)

// Session is the push side of an exchange connection. It can be reopened
// after it ends.
type Session interface {
	Connect(ctx context.Context) error
	Close() error
	NextEvent(ctx context.Context) ([]byte, error)
}

type Runner struct {
	Account *account.Account
	Session Session
	// Subscriber, when set, is asked for the user-data stream after every
	// connect.
	Subscriber exchange.Subscriber
	Creds      exchange.Credentials

	Mode       string
	Exchange   string
	InstanceID string

	Heartbeat time.Duration
	Reconcile time.Duration
	Lookback  time.Duration

	MinBackoff time.Duration
	MaxBackoff time.Duration

	Store   *store.Store
	Breaker *safety.Breaker
	Alerts  alert.Alerter
	Log     *logrus.Entry

	// reconcileFloor is the first balance snapshot. Fills before it are
	// never replayed.
	reconcileFloor time.Time
}

type runState struct {
	startedAt    time.Time
	attempts     int
	disconnected time.Time
	backoff      time.Duration
}

// Run connects and dispatches until ctx ends, reconnecting whenever the
// session drops. It returns ctx's error, or a non-circuit error from the
// breaker.
func (r *Runner) Run(ctx context.Context) (runErr error) {
	st := &runState{startedAt: time.Now().UTC(), backoff: r.minBackoff()}

	r.persistRuntimeStatus("starting", st, nil)
	defer func() {
		err := runErr
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		r.persistRuntimeStatus("stopped", st, err)
		r.persistSnapshots()
	}()

	for {
		reconnect := st.attempts > 0
		if reconnect {
			if allowErr := r.Breaker.AllowReconnect(); allowErr != nil {
				r.persistRuntimeStatus("degraded", st, allowErr)
				wait := time.Second
				if rem := r.Breaker.ReconnectCooldownRemaining(); rem > wait {
					wait = rem
				}
				if err := sleep(ctx, wait); err != nil {
					return err
				}
				continue
			}
		}
		err := r.runOnce(ctx, st, reconnect)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if st.disconnected.IsZero() {
			st.disconnected = time.Now().UTC()
			r.logger().WithError(err).Warn("user stream disconnected")
			r.alertImportant("user_stream_disconnected", map[string]string{"reason": errText(err)})
		}
		st.attempts++
		r.persistRuntimeStatus("degraded", st, err)
		trip := r.Breaker.RecordReconnect(err)
		if trip != nil && !errors.Is(trip, safety.ErrCircuitOpen) {
			return trip
		}
		wait := st.backoff
		if trip != nil {
			if rem := r.Breaker.ReconnectCooldownRemaining(); rem > wait {
				wait = rem
			}
		}
		if err := sleep(ctx, wait); err != nil {
			return err
		}
		st.backoff *= 2
		if limit := r.maxBackoff(); st.backoff > limit {
			st.backoff = limit
		}
	}
}

// runOnce runs one session. It always returns an error explaining why the
// session ended.
func (r *Runner) runOnce(ctx context.Context, st *runState, reconnect bool) error {
	if err := r.Account.RefreshBalance(ctx); err != nil {
		return errors.Wrap(err, "refresh balance")
	}
	if r.reconcileFloor.IsZero() {
		r.reconcileFloor = time.Now().UTC()
	}
	if err := r.Session.Connect(ctx); err != nil {
		return err
	}
	defer r.Session.Close()
	if r.Subscriber != nil {
		if err := r.Subscriber.SubscribeUserData(ctx, r.Creds); err != nil {
			return errors.Wrap(err, "subscribe user data")
		}
	}
	log := r.logger().WithField("session", uuid.NewString())
	log.Info("user stream connected")

	since := r.reconcileFloor
	if reconnect && !st.disconnected.IsZero() {
		since = st.disconnected.Add(-r.lookback())
	}
	r.refreshFills(ctx, since)
	if reconnect {
		down := time.Since(st.disconnected).Round(time.Second)
		log.WithFields(logrus.Fields{
			"attempts": st.attempts,
			"down":     down,
		}).Info("user stream reconnected")
		r.alertImportant("user_stream_reconnected", map[string]string{
			"reconnect_attempts": strconv.Itoa(st.attempts),
			"down_duration":      down.String(),
		})
		st.attempts = 0
		st.disconnected = time.Time{}
		st.backoff = r.minBackoff()
	}
	_ = r.Breaker.RecordReconnect(nil)
	r.persistRuntimeStatus("running", st, nil)

	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.maintain(runCtx, st)
	}()
	err := r.Account.Run(runCtx, r.Session)
	cancel()
	wg.Wait()
	if err == nil {
		return errStreamClosed
	}
	return err
}

// maintain runs the heartbeat and periodic reconciliation of one session.
func (r *Runner) maintain(ctx context.Context, st *runState) {
	var heartbeat <-chan time.Time
	if r.Heartbeat > 0 {
		ticker := time.NewTicker(r.Heartbeat)
		defer ticker.Stop()
		heartbeat = ticker.C
	}
	var reconcileTick <-chan time.Time
	if r.Reconcile > 0 {
		ticker := time.NewTicker(r.Reconcile)
		defer ticker.Stop()
		reconcileTick = ticker.C
	}
	for {
		select {
		case <-heartbeat:
			r.persistRuntimeStatus("running", st, nil)
			r.persistSnapshots()
			if n := r.Account.RemoveClosedOrders(); n > 0 {
				r.logger().WithField("removed", n).Debug("pruned closed orders")
			}
		case <-reconcileTick:
			r.refreshFills(ctx, time.Now().UTC().Add(-r.lookback()))
		case <-ctx.Done():
			return
		}
	}
}

func (r *Runner) refreshFills(ctx context.Context, since time.Time) {
	if since.Before(r.reconcileFloor) {
		since = r.reconcileFloor
	}
	n, err := r.Account.RefreshFills(ctx, since)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		r.logger().WithError(err).Warn("fill reconciliation failed")
		r.alertImportant("reconcile_fills_failed", map[string]string{"err": err.Error()})
		return
	}
	if n > 0 {
		r.alertImportant("reconcile_replayed_fills", map[string]string{
			"replayed": strconv.Itoa(n),
			"since":    since.Format(time.RFC3339),
		})
	}
}

func (r *Runner) persistSnapshots() {
	if r.Store == nil {
		return
	}
	if bal := r.Account.Balance(); bal != nil {
		if err := r.Store.SaveBalance(r.Exchange, bal); err != nil {
			r.logger().WithError(err).Warn("balance snapshot write failed")
		}
	}
	if err := r.Store.SaveOpenOrders(r.Account.OpenOrders()); err != nil {
		r.logger().WithError(err).Warn("open orders snapshot write failed")
	}
}

func (r *Runner) persistRuntimeStatus(state string, st *runState, lastErr error) {
	if r.Store == nil {
		return
	}
	mode := r.Mode
	if mode == "" {
		mode = "live"
	}
	instanceID := r.InstanceID
	if instanceID == "" {
		instanceID = "default"
	}
	status := store.RuntimeStatus{
		Mode:              mode,
		Exchange:          r.Exchange,
		InstanceID:        instanceID,
		PID:               os.Getpid(),
		State:             state,
		StartedAt:         st.startedAt,
		ReconnectAttempts: st.attempts,
		OpenOrders:        len(r.Account.OpenOrders()),
		PendingEvents:     r.Account.PendingEvents(),
	}
	if !st.disconnected.IsZero() {
		t := st.disconnected
		status.DisconnectedAt = &t
	}
	if lastErr != nil {
		status.LastError = lastErr.Error()
	}
	if err := r.Store.SaveRuntimeStatus(status); err != nil {
		r.logger().WithError(err).Warn("runtime status write failed")
	}
}

func (r *Runner) alertImportant(event string, fields map[string]string) {
	if r.Alerts == nil {
		return
	}
	r.Alerts.Important(event, fields)
}

func (r *Runner) logger() *logrus.Entry {
	if r.Log != nil {
		return r.Log
	}
	return logrus.WithField("component", "engine")
}

func (r *Runner) lookback() time.Duration {
	if r.Lookback > 0 {
		return r.Lookback
	}
	return 15 * time.Minute
}

func (r *Runner) minBackoff() time.Duration {
	if r.MinBackoff > 0 {
		return r.MinBackoff
	}
	return defaultMinBackoff
}

func (r *Runner) maxBackoff() time.Duration {
	if r.MaxBackoff > 0 {
		return r.MaxBackoff
	}
	return defaultMaxBackoff
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
