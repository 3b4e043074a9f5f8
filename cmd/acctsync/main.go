package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"acctsync/internal/account"
	"acctsync/internal/alert"
	"acctsync/internal/config"
	"acctsync/internal/conn"
	"acctsync/internal/engine"
	"acctsync/internal/exchange"
	"acctsync/internal/exchange/binance"
	"acctsync/internal/exchange/sim"
	"acctsync/internal/logger"
	"acctsync/internal/safety"
	"acctsync/internal/store"
)

func main() {
	var configPath, envPath string
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.StringVar(&envPath, "env", "", "optional .env file with credentials")
	flag.Parse()

	if err := run(configPath, envPath); err != nil {
		fatal(err.Error())
	}
}

func run(configPath, envPath string) error {
	cfg, err := config.LoadWithEnv(configPath, envPath)
	if err != nil {
		return err
	}
	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
		JSON:       cfg.Log.JSON,
	}); err != nil {
		return err
	}
	defer logger.Close()
	log := logrus.WithFields(logrus.Fields{"component": "main", "mode": cfg.Mode, "instance": cfg.InstanceID})

	manager := buildAlertManager(cfg)
	alerts := buildAlerter(manager)
	if manager != nil {
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := manager.Close(closeCtx); err != nil {
				fmt.Fprintf(os.Stderr, "close alert manager failed: %v\n", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v, err := buildVenue(ctx, cfg, alerts)
	if err != nil {
		return err
	}

	var st *store.Store
	if cfg.State.Dir != "" {
		dir := stateDir(cfg, v.name)
		st, err = store.New(dir)
		if err != nil {
			return err
		}
		lockTakeover := true
		if cfg.State.LockTakeover != nil {
			lockTakeover = *cfg.State.LockTakeover
		}
		lock, err := store.AcquireInstanceLock(dir, store.LockOptions{
			Takeover:   lockTakeover,
			StaleAfter: time.Duration(cfg.State.LockStaleSec) * time.Second,
		})
		if err != nil {
			return err
		}
		defer func() {
			if relErr := lock.Release(); relErr != nil {
				fmt.Fprintf(os.Stderr, "release instance lock failed: %v\n", relErr)
			}
		}()
	}

	breaker := safety.FromConfig(cfg.CircuitBreaker)
	breaker.SetAlerter(alerts)
	creds := exchange.Credentials{
		APIKey:     cfg.Exchange.APIKey,
		APISecret:  cfg.Exchange.APISecret,
		SubAccount: cfg.Exchange.SubAccount,
	}
	opts := account.Options{
		Alerts:        alerts,
		Tolerance:     cfg.Account.Tolerance.AsFloat(),
		SeenTradesMax: cfg.Account.SeenTradesMax,
		SeenTradesTTL: time.Duration(cfg.Account.SeenTradesTTLSec) * time.Second,
	}
	if st != nil {
		opts.Journal = st
	}
	acct := account.New(safety.NewGuardedClient(v.client, breaker), creds, opts)

	runner := &engine.Runner{
		Account:    acct,
		Session:    v.session,
		Subscriber: v.subscriber,
		Creds:      creds,
		Mode:       string(cfg.Mode),
		Exchange:   v.name,
		InstanceID: cfg.InstanceID,
		Heartbeat:  time.Duration(cfg.Observability.Runtime.HeartbeatSec) * time.Second,
		Reconcile:  time.Duration(cfg.Account.ReconcileIntervalSec) * time.Second,
		Lookback:   time.Duration(cfg.Account.ReconcileLookbackSec) * time.Second,
		Store:      st,
		Breaker:    breaker,
		Alerts:     alerts,
	}
	log.WithField("exchange", v.name).Info("account sync starting")
	err = runner.Run(ctx)
	fmt.Println(acct.String())
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("account sync stopped")
	return nil
}

// venue is the exchange side of one run: the order client, the push session
// it streams through, and the subscriber that asks for user data.
type venue struct {
	name       string
	client     exchange.Client
	session    engine.Session
	subscriber exchange.Subscriber
}

func buildVenue(ctx context.Context, cfg config.Config, alerts alert.Alerter) (venue, error) {
	switch cfg.Mode {
	case config.ModePaper:
		ex := buildPaperExchange(cfg)
		return venue{name: ex.Name(), client: ex, session: ex.Stream()}, nil
	case config.ModeTestnet, config.ModeLive:
		mgr := conn.New(binance.ConnOptions(cfg.Exchange))
		client, err := binance.NewClient(cfg.Exchange, cfg.Markets, mgr)
		if err != nil {
			return venue{}, err
		}
		client.SetAlerter(alerts)
		if err := client.LoadMarkets(ctx); err != nil {
			return venue{}, err
		}
		return venue{name: client.Name(), client: client, session: mgr, subscriber: client}, nil
	default:
		return venue{}, fmt.Errorf("unsupported mode %q", cfg.Mode)
	}
}

func buildPaperExchange(cfg config.Config) *sim.Exchange {
	balances := make(map[string]decimal.Decimal, len(cfg.Paper.Balances))
	for asset, amount := range cfg.Paper.Balances {
		balances[strings.ToUpper(asset)] = amount.Decimal
	}
	markets := make([]sim.Market, 0, len(cfg.Markets))
	for _, m := range cfg.Markets {
		markets = append(markets, sim.Market{
			Base:  m.Base,
			Quote: m.Quote,
			Price: m.Price.Decimal,
			Tick:  m.Tick.Decimal,
		})
	}
	return sim.New(sim.Options{Balances: balances, Markets: markets})
}

func stateDir(cfg config.Config, exchangeName string) string {
	return filepath.Join(cfg.State.Dir, strings.ToLower(string(cfg.Mode)), exchangeName, cfg.InstanceID)
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

func buildAlertManager(cfg config.Config) *alert.Manager {
	tg := cfg.Observability.Telegram
	if !tg.Enabled {
		return nil
	}
	notifier := alert.NewTelegramNotifier(
		tg.Enabled,
		tg.BotToken,
		tg.ChatID,
		tg.APIBaseURL,
		time.Duration(tg.TimeoutSec)*time.Second,
	)
	return alert.NewManagerWithOptions(string(cfg.Mode), cfg.InstanceID, notifier, alert.ManagerOptions{
		DropReportInterval: time.Duration(cfg.Observability.Runtime.AlertDropReportSec) * time.Second,
		RepeatWindow:       time.Duration(cfg.Observability.Runtime.AlertRepeatWindowSec) * time.Second,
	})
}

// buildAlerter always logs alerts and forwards them to the manager when one
// is configured.
func buildAlerter(manager *alert.Manager) alert.Alerter {
	sinks := alert.Multi{alert.NewLogAlerter(nil)}
	if manager != nil {
		sinks = append(sinks, manager)
	}
	return sinks
}
