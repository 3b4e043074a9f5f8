package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"acctsync/internal/account"
	"acctsync/internal/config"
	"acctsync/internal/conn"
	"acctsync/internal/core"
	"acctsync/internal/exchange"
	"acctsync/internal/exchange/binance"
	"acctsync/internal/logger"
	"acctsync/internal/order"
)

type checkStatus string

const (
	statusPass checkStatus = "PASS"
	statusFail checkStatus = "FAIL"
)

type checkResult struct {
	Name       string      `json:"name"`
	Status     checkStatus `json:"status"`
	DurationMs int64       `json:"duration_ms"`
	Detail     string      `json:"detail,omitempty"`
	Error      string      `json:"error,omitempty"`
}

type report struct {
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Mode       config.Mode   `json:"mode"`
	Symbol     string        `json:"symbol"`
	Checks     []checkResult `json:"checks"`
}

type selectedChecks struct {
	preflight bool
	stream    bool
	lifecycle bool
	reconnect bool
}

func main() {
	var (
		configPath   string
		envPath      string
		timeoutSec   int
		streamWait   int
		outJSONPath  string
		allowLiveRun bool
		checkFlag    string
	)
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.StringVar(&envPath, "env", "", "optional .env file with credentials")
	flag.IntVar(&timeoutSec, "timeout-sec", 180, "total timeout seconds")
	flag.IntVar(&streamWait, "stream-wait-sec", 10, "wait seconds for user stream checks")
	flag.StringVar(&outJSONPath, "out-json", "", "optional output report path")
	flag.BoolVar(&allowLiveRun, "allow-live", false, "allow running checks when mode=live")
	flag.StringVar(&checkFlag, "check", "default", "checks to run: default | comma list (preflight,stream,lifecycle,reconnect)")
	flag.Parse()

	cfg, err := config.LoadWithEnv(configPath, envPath)
	if err != nil {
		fatal(err.Error())
	}
	if cfg.Mode != config.ModeTestnet && cfg.Mode != config.ModeLive {
		fatal("acctcheck requires mode=testnet or mode=live")
	}
	if cfg.Mode == config.ModeLive && !allowLiveRun {
		fatal("mode=live blocked by default; set -allow-live=true to continue")
	}
	if len(cfg.Markets) == 0 {
		fatal("acctcheck needs at least one market")
	}
	checks, err := parseCheckFlag(checkFlag)
	if err != nil {
		fatal(err.Error())
	}
	if timeoutSec < 30 {
		timeoutSec = 30
	}
	if streamWait < 3 {
		streamWait = 3
	}
	if err := logger.Init(logger.Config{Level: cfg.Log.Level}); err != nil {
		fatal(err.Error())
	}
	defer logger.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutSec)*time.Second)
	defer cancel()

	mgr := conn.New(binance.ConnOptions(cfg.Exchange))
	client, err := binance.NewClient(cfg.Exchange, cfg.Markets, mgr)
	if err != nil {
		fatal(err.Error())
	}
	c := &checker{
		market:     cfg.Markets[0],
		mgr:        mgr,
		client:     client,
		streamWait: time.Duration(streamWait) * time.Second,
		creds: exchange.Credentials{
			APIKey:     cfg.Exchange.APIKey,
			APISecret:  cfg.Exchange.APISecret,
			SubAccount: cfg.Exchange.SubAccount,
		},
	}
	c.acct = account.New(client, c.creds, account.Options{Tolerance: cfg.Account.Tolerance.AsFloat()})
	defer c.stopSession()

	r := report{
		StartedAt: time.Now().UTC(),
		Mode:      cfg.Mode,
		Symbol:    c.market.Symbol(),
	}
	run := func(name string, fn func() (string, error)) {
		start := time.Now()
		detail, err := fn()
		cr := checkResult{
			Name:       name,
			DurationMs: time.Since(start).Milliseconds(),
			Detail:     detail,
		}
		if err != nil {
			cr.Status = statusFail
			cr.Error = err.Error()
		} else {
			cr.Status = statusPass
		}
		r.Checks = append(r.Checks, cr)
		if cr.Status == statusPass {
			fmt.Printf("[PASS] %s (%dms)", name, cr.DurationMs)
			if cr.Detail != "" {
				fmt.Printf(" - %s", cr.Detail)
			}
			fmt.Println()
		} else {
			fmt.Printf("[FAIL] %s (%dms) - %s\n", name, cr.DurationMs, cr.Error)
		}
	}

	if checks.preflight {
		run("exchange_preflight", func() (string, error) { return c.preflight(ctx) })
	}
	if checks.stream {
		run("user_stream_subscribe", func() (string, error) { return c.stream(ctx) })
	}
	if checks.lifecycle {
		run("order_lifecycle_place_cancel", func() (string, error) { return c.lifecycle(ctx) })
	}
	if checks.reconnect {
		run("user_stream_reconnect", func() (string, error) { return c.reconnect(ctx) })
	}

	if c.placed != nil && c.placed.IsOpen() {
		_ = c.acct.CancelOrder(context.Background(), c.placed)
	}

	r.FinishedAt = time.Now().UTC()
	printSummary(r)
	if outJSONPath != "" {
		if err := writeReport(outJSONPath, r); err != nil {
			fatal(err.Error())
		}
		fmt.Printf("report written: %s\n", outJSONPath)
	}
	for _, cr := range r.Checks {
		if cr.Status == statusFail {
			c.stopSession()
			os.Exit(1)
		}
	}
}

// checker drives one account through the checks over a real exchange
// session.
type checker struct {
	market     config.MarketConfig
	mgr        *conn.Manager
	client     *binance.Client
	acct       *account.Account
	creds      exchange.Credentials
	streamWait time.Duration

	rules       core.Rules
	rulesLoaded bool
	placed      *order.Order

	runCancel context.CancelFunc
	runDone   chan error
}

func (c *checker) preflight(ctx context.Context) (string, error) {
	if err := c.client.LoadMarkets(ctx); err != nil {
		return "", err
	}
	rules, err := c.client.GetRules(ctx, c.market.Base, c.market.Quote)
	if err != nil {
		return "", err
	}
	c.rules = rules
	c.rulesLoaded = true
	if err := c.acct.RefreshBalance(ctx); err != nil {
		return "", err
	}
	bal := c.acct.Balance()
	return fmt.Sprintf("minQty=%s minNotional=%s tick=%s %s=%g %s=%g",
		rules.MinQty, rules.MinNotional, rules.PriceTick,
		c.market.Base, bal[c.market.Base], c.market.Quote, bal[c.market.Quote]), nil
}

// startSession connects, subscribes and runs the account dispatcher in the
// background.
func (c *checker) startSession(ctx context.Context) error {
	if c.runDone != nil {
		select {
		case err := <-c.runDone:
			c.runDone = nil
			if err != nil {
				return err
			}
		default:
			return nil
		}
	}
	if err := c.mgr.Connect(ctx); err != nil {
		return err
	}
	if err := c.client.SubscribeUserData(ctx, c.creds); err != nil {
		_ = c.mgr.Close()
		return err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.acct.Run(runCtx, c.mgr) }()
	c.runCancel = cancel
	c.runDone = done
	return nil
}

func (c *checker) stopSession() {
	if c.runCancel != nil {
		c.runCancel()
		c.runCancel = nil
	}
	_ = c.mgr.Close()
	if c.runDone != nil {
		<-c.runDone
		c.runDone = nil
	}
}

func (c *checker) stream(ctx context.Context) (string, error) {
	if err := c.startSession(ctx); err != nil {
		return "", err
	}
	select {
	case err := <-c.runDone:
		c.runDone = nil
		if err == nil {
			err = errors.New("user stream closed unexpectedly")
		}
		return "", err
	case <-time.After(c.streamWait):
		return fmt.Sprintf("no stream errors during %s window pending=%d", c.streamWait, c.acct.PendingEvents()), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// lifecycle places a small limit far below the configured reference price,
// cancels it and waits for the close to arrive over the push stream.
func (c *checker) lifecycle(ctx context.Context) (string, error) {
	if !c.rulesLoaded {
		if _, err := c.preflight(ctx); err != nil {
			return "", err
		}
	}
	if c.market.Price.Cmp(decimal.Zero) <= 0 {
		return "", errors.New("market price is required as the reference for the check order")
	}
	if err := c.startSession(ctx); err != nil {
		return "", err
	}
	price := core.RoundDown(c.market.Price.Mul(decimal.RequireFromString("0.5")), c.rules.PriceTick)
	qty, err := tinyLimitQty(c.rules, price)
	if err != nil {
		return "", err
	}
	have := decimal.NewFromFloat(c.acct.Balance()[c.market.Quote])
	if notional := price.Mul(qty); have.Cmp(notional) < 0 {
		return "", fmt.Errorf("insufficient quote for check order: need=%s have=%s", notional, have)
	}

	o, err := c.acct.LimitOrder(ctx, account.LimitOrderParams{
		Base:   c.market.Base,
		Quote:  c.market.Quote,
		Side:   core.Buy,
		Price:  price.InexactFloat64(),
		Volume: qty.InexactFloat64(),
	})
	if err != nil {
		return "", err
	}
	c.placed = o
	q, err := c.client.QueryOrder(ctx, c.market.Symbol(), o.ID(), c.creds)
	if err != nil {
		return "", err
	}
	if err := c.acct.CancelOrder(ctx, o); err != nil {
		return "", fmt.Errorf("cancel order failed: %w", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, c.streamWait)
	defer cancel()
	if err := o.WaitClosed(waitCtx); err != nil {
		return "", fmt.Errorf("close not observed on user stream: %w", err)
	}
	return fmt.Sprintf("id=%s qty=%s price=%s status=%s state=%s", o.ID(), qty, price, q.Status, o.State()), nil
}

func (c *checker) reconnect(ctx context.Context) (string, error) {
	okRounds := 0
	for i := 0; i < 2; i++ {
		c.stopSession()
		roundCtx, roundCancel := context.WithTimeout(ctx, 5*time.Second)
		err := c.startSession(roundCtx)
		roundCancel()
		if err != nil {
			return "", fmt.Errorf("round %d subscribe failed: %w", i+1, err)
		}
		select {
		case err := <-c.runDone:
			c.runDone = nil
			if err == nil {
				err = errors.New("stream closed unexpectedly")
			}
			return "", fmt.Errorf("round %d stream error: %w", i+1, err)
		case <-time.After(2 * time.Second):
			okRounds++
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return fmt.Sprintf("reconnect rounds passed=%d", okRounds), nil
}

func parseCheckFlag(raw string) (selectedChecks, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" || raw == "default" || raw == "all" {
		return selectedChecks{preflight: true, stream: true, lifecycle: true, reconnect: true}, nil
	}
	var out selectedChecks
	for _, p := range strings.Split(raw, ",") {
		name := strings.TrimSpace(p)
		switch name {
		case "":
			continue
		case "preflight", "exchange_preflight":
			out.preflight = true
		case "stream", "user_stream", "user_stream_subscribe":
			out.stream = true
		case "lifecycle", "order_lifecycle", "order_lifecycle_place_cancel":
			out.lifecycle = true
		case "reconnect", "user_stream_reconnect":
			out.reconnect = true
		default:
			return selectedChecks{}, fmt.Errorf("unknown check: %s", name)
		}
	}
	if out == (selectedChecks{}) {
		return selectedChecks{}, errors.New("no checks selected")
	}
	return out, nil
}

// tinyLimitQty is the smallest quantity that clears the market's minimums
// at price.
func tinyLimitQty(rules core.Rules, price decimal.Decimal) (decimal.Decimal, error) {
	if price.Cmp(decimal.Zero) <= 0 {
		return decimal.Zero, errors.New("invalid price")
	}
	qty := rules.MinQty
	if rules.MinNotional.Cmp(decimal.Zero) > 0 {
		if byNotional := rules.MinNotional.Div(price); byNotional.Cmp(qty) > 0 {
			qty = byNotional
		}
	}
	qty = roundQtyUp(qty, rules.QtyStep)
	if qty.Cmp(decimal.Zero) <= 0 {
		return decimal.Zero, errors.New("calculated qty <= 0")
	}
	_, qty, err := core.NormalizeLimit(core.Limit, price, qty, rules)
	if err != nil {
		return decimal.Zero, err
	}
	return qty, nil
}

func roundQtyUp(qty, step decimal.Decimal) decimal.Decimal {
	if qty.Cmp(decimal.Zero) <= 0 {
		return decimal.Zero
	}
	if step.Cmp(decimal.Zero) <= 0 {
		return qty
	}
	return qty.Div(step).Ceil().Mul(step)
}

func printSummary(r report) {
	pass := 0
	fail := 0
	for _, c := range r.Checks {
		if c.Status == statusPass {
			pass++
		} else {
			fail++
		}
	}
	fmt.Printf("\nsummary mode=%s symbol=%s pass=%d fail=%d duration=%s\n",
		r.Mode,
		r.Symbol,
		pass,
		fail,
		r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String(),
	)
}

func writeReport(path string, r report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, strings.TrimSpace(msg))
	os.Exit(1)
}
