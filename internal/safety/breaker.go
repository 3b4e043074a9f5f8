// Package safety trips circuits on repeated exchange failures so a broken
// venue is not hammered with orders or reconnects.
package safety

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"acctsync/internal/alert"
	"acctsync/internal/config"
	"acctsync/internal/core"
	"acctsync/internal/exchange"
	"acctsync/internal/order"
)

var ErrCircuitOpen = errors.New("circuit breaker open")

var breakerLog = logrus.WithField("component", "breaker")

type circuitState string

const (
	circuitClosed   circuitState = "closed"
	circuitOpen     circuitState = "open"
	circuitHalfOpen circuitState = "half_open"
)

const (
	actionPlace     = "place order"
	actionCancel    = "cancel order"
	actionReconnect = "reconnect"
)

const (
	defaultReconnectCooldown    = 30 * time.Second
	defaultReconnectProbePasses = 1
)

type circuit struct {
	name        string
	maxFailures int
	failures    int
	state       circuitState
	openedAt    time.Time
	openErr     error
	probePasses int
}

// Breaker counts consecutive failures per action. Order circuits stay open
// once tripped until Reset; the reconnect circuit half-opens after its
// cooldown and closes again after enough successful probes.
type Breaker struct {
	enabled bool

	mu        sync.Mutex
	place     circuit
	cancel    circuit
	reconnect circuit

	reconnectCooldown    time.Duration
	reconnectProbePasses int
	now                  func() time.Time

	alerter alert.Alerter
}

func NewBreaker(enabled bool, maxPlaceFailures, maxCancelFailures, maxReconnectFailures int) *Breaker {
	return &Breaker{
		enabled:              enabled,
		place:                circuit{name: actionPlace, maxFailures: maxPlaceFailures, state: circuitClosed},
		cancel:               circuit{name: actionCancel, maxFailures: maxCancelFailures, state: circuitClosed},
		reconnect:            circuit{name: actionReconnect, maxFailures: maxReconnectFailures, state: circuitClosed},
		reconnectCooldown:    defaultReconnectCooldown,
		reconnectProbePasses: defaultReconnectProbePasses,
		now:                  func() time.Time { return time.Now().UTC() },
	}
}

// FromConfig builds a breaker with the configured thresholds and reconnect
// recovery.
func FromConfig(cfg config.CircuitBreakerConfig) *Breaker {
	b := NewBreaker(cfg.Enabled, cfg.MaxPlaceFailures, cfg.MaxCancelFailures, cfg.MaxReconnectFailures)
	b.SetReconnectRecovery(time.Duration(cfg.ReconnectCooldownSec)*time.Second, cfg.ReconnectProbePasses)
	return b
}

func (b *Breaker) SetReconnectRecovery(cooldown time.Duration, probePasses int) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if cooldown <= 0 {
		cooldown = defaultReconnectCooldown
	}
	if probePasses < 1 {
		probePasses = defaultReconnectProbePasses
	}
	b.reconnectCooldown = cooldown
	b.reconnectProbePasses = probePasses
}

func (b *Breaker) SetAlerter(alerter alert.Alerter) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.alerter = alerter
}

func (b *Breaker) RecordPlace(err error) error {
	if b == nil {
		return nil
	}
	return b.record(&b.place, err)
}

func (b *Breaker) RecordCancel(err error) error {
	if b == nil {
		return nil
	}
	return b.record(&b.cancel, err)
}

func (b *Breaker) RecordReconnect(err error) error {
	if b == nil {
		return nil
	}
	return b.record(&b.reconnect, err)
}

// AllowPlace returns the trip error while the place circuit is open.
func (b *Breaker) AllowPlace() error {
	return b.allowLatched(&b.place)
}

func (b *Breaker) AllowCancel() error {
	return b.allowLatched(&b.cancel)
}

func (b *Breaker) allowLatched(c *circuit) error {
	if b == nil || !b.enabled {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.state != circuitOpen {
		return nil
	}
	return c.openErr
}

// AllowReconnect fails during the cooldown after a trip. Once the cooldown
// has passed the circuit half-opens and the next attempt is a probe.
func (b *Breaker) AllowReconnect() error {
	if b == nil || !b.enabled {
		return nil
	}
	b.mu.Lock()
	c := &b.reconnect
	if c.state != circuitOpen {
		b.mu.Unlock()
		return nil
	}
	if b.now().Sub(c.openedAt) < b.reconnectCooldown {
		err := c.openErr
		b.mu.Unlock()
		return err
	}
	c.state = circuitHalfOpen
	c.probePasses = 0
	c.failures = 0
	c.openErr = nil
	alerter := b.alerter
	cooldown := b.reconnectCooldown
	b.mu.Unlock()

	breakerLog.WithFields(logrus.Fields{
		"action":   actionReconnect,
		"cooldown": cooldown,
	}).Info("circuit half open")
	notify(alerter, "circuit_breaker_half_open", map[string]string{
		"action":       actionReconnect,
		"cooldown_sec": strconv.FormatInt(int64(cooldown/time.Second), 10),
	})
	return nil
}

func (b *Breaker) ReconnectCooldownRemaining() time.Duration {
	if b == nil || !b.enabled {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.reconnect.state != circuitOpen {
		return 0
	}
	elapsed := b.now().Sub(b.reconnect.openedAt)
	if elapsed >= b.reconnectCooldown {
		return 0
	}
	return b.reconnectCooldown - elapsed
}

// Reset closes every circuit.
func (b *Breaker) Reset() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range []*circuit{&b.place, &b.cancel, &b.reconnect} {
		c.state = circuitClosed
		c.failures = 0
		c.openErr = nil
		c.openedAt = time.Time{}
		c.probePasses = 0
	}
}

func (b *Breaker) record(c *circuit, err error) error {
	if !b.enabled {
		return nil
	}
	b.mu.Lock()
	if c.maxFailures < 1 {
		b.mu.Unlock()
		return nil
	}
	alerter := b.alerter

	if err == nil {
		prevFailures, prevState := c.failures, c.state
		recovered := false
		switch c.state {
		case circuitHalfOpen:
			c.probePasses++
			if c.probePasses >= b.reconnectProbePasses {
				recovered = true
				c.state = circuitClosed
				c.failures = 0
				c.openErr = nil
				c.openedAt = time.Time{}
				c.probePasses = 0
			}
		case circuitClosed:
			if c.failures > 0 {
				recovered = true
				c.failures = 0
			}
		}
		b.mu.Unlock()
		if recovered {
			breakerLog.WithFields(logrus.Fields{
				"action":            c.name,
				"previous_failures": prevFailures,
				"from_state":        prevState,
			}).Info("circuit recovered")
			notify(alerter, "circuit_breaker_recovered", map[string]string{
				"action":                        c.name,
				"previous_consecutive_failures": strconv.Itoa(prevFailures),
				"from_state":                    string(prevState),
			})
		}
		return nil
	}

	switch c.state {
	case circuitOpen:
		openErr := c.openErr
		b.mu.Unlock()
		return openErr
	case circuitHalfOpen:
		openErr := b.tripLocked(c, err, c.maxFailures, "probe_failed")
		b.mu.Unlock()
		b.reportTrip(alerter, c, err, "half_open", c.maxFailures)
		return openErr
	}

	c.failures++
	failures, limit := c.failures, c.maxFailures
	if failures < limit {
		b.mu.Unlock()
		if limit > 1 && failures == limit-1 && c.name != actionReconnect {
			breakerLog.WithError(err).WithFields(logrus.Fields{
				"action":               c.name,
				"consecutive_failures": failures,
				"threshold":            limit,
			}).Warn("circuit near trip")
			notify(alerter, "circuit_breaker_near_trip", map[string]string{
				"action":               c.name,
				"consecutive_failures": strconv.Itoa(failures),
				"threshold":            strconv.Itoa(limit),
				"last_error":           err.Error(),
			})
		}
		return nil
	}
	openErr := b.tripLocked(c, err, failures, "consecutive_failures")
	b.mu.Unlock()
	b.reportTrip(alerter, c, err, "closed", failures)
	return openErr
}

func (b *Breaker) tripLocked(c *circuit, err error, failures int, reason string) error {
	c.state = circuitOpen
	c.openedAt = b.now()
	c.probePasses = 0
	c.failures = failures
	if c.name == actionReconnect {
		c.openErr = errors.Wrapf(ErrCircuitOpen, "%s failed %d consecutive times, cooldown=%s, reason=%s, last error: %v",
			c.name, failures, b.reconnectCooldown, reason, err)
	} else {
		c.openErr = errors.Wrapf(ErrCircuitOpen, "%s failed %d consecutive times, reason=%s, last error: %v",
			c.name, failures, reason, err)
	}
	return c.openErr
}

func (b *Breaker) reportTrip(alerter alert.Alerter, c *circuit, err error, phase string, failures int) {
	breakerLog.WithError(err).WithFields(logrus.Fields{
		"action":               c.name,
		"phase":                phase,
		"consecutive_failures": failures,
	}).Error("circuit tripped")
	notify(alerter, "circuit_breaker_trip", map[string]string{
		"action":               c.name,
		"phase":                phase,
		"consecutive_failures": strconv.Itoa(failures),
		"last_error":           err.Error(),
	})
}

func notify(alerter alert.Alerter, event string, fields map[string]string) {
	if alerter != nil {
		alerter.Important(event, fields)
	}
}

// counts reports whether err says something about the exchange's health.
// Caller mistakes and cancellations do not.
func counts(err error) bool {
	if err == nil {
		return true
	}
	return !errors.Is(err, core.ErrInvalidArgument) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, core.ErrInsufficientBalance)
}

// GuardedClient refuses order calls while their circuit is open and records
// the outcome of every call it lets through. Reads pass straight through.
type GuardedClient struct {
	exchange.Client
	breaker *Breaker
}

func NewGuardedClient(inner exchange.Client, breaker *Breaker) *GuardedClient {
	return &GuardedClient{Client: inner, breaker: breaker}
}

func (g *GuardedClient) PlaceMarketOrder(ctx context.Context, req exchange.MarketOrderRequest, creds exchange.Credentials) (*order.Order, error) {
	if err := g.breaker.AllowPlace(); err != nil {
		return nil, err
	}
	o, err := g.Client.PlaceMarketOrder(ctx, req, creds)
	return o, g.recordPlace(err)
}

func (g *GuardedClient) PlaceLimitOrder(ctx context.Context, req exchange.LimitOrderRequest, creds exchange.Credentials) (*order.Order, error) {
	if err := g.breaker.AllowPlace(); err != nil {
		return nil, err
	}
	o, err := g.Client.PlaceLimitOrder(ctx, req, creds)
	return o, g.recordPlace(err)
}

// ChangeOrder shares the place circuit; an amendment is a replacement order
// on most venues.
func (g *GuardedClient) ChangeOrder(ctx context.Context, req exchange.AmendRequest, creds exchange.Credentials) (exchange.Amendment, error) {
	if err := g.breaker.AllowPlace(); err != nil {
		return exchange.Amendment{}, err
	}
	am, err := g.Client.ChangeOrder(ctx, req, creds)
	return am, g.recordPlace(err)
}

func (g *GuardedClient) CancelOrder(ctx context.Context, req exchange.CancelRequest, creds exchange.Credentials) error {
	if err := g.breaker.AllowCancel(); err != nil {
		return err
	}
	err := g.Client.CancelOrder(ctx, req, creds)
	if !counts(err) || errors.Is(err, core.ErrOrderNotFound) {
		return err
	}
	if trip := g.breaker.RecordCancel(err); trip != nil {
		return trip
	}
	return err
}

func (g *GuardedClient) recordPlace(err error) error {
	if !counts(err) {
		return err
	}
	if trip := g.breaker.RecordPlace(err); trip != nil {
		return trip
	}
	return err
}
