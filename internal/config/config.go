package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Mode string

type UserStreamAuth string

const (
	ModePaper   Mode = "paper"
	ModeTestnet Mode = "testnet"
	ModeLive    Mode = "live"
)

const (
	UserStreamAuthSignature UserStreamAuth = "signature"
	UserStreamAuthSession   UserStreamAuth = "session"
)

// Environment variables that take precedence over the credentials in the file.
const (
	EnvAPIKey     = "ACCTSYNC_API_KEY"
	EnvAPISecret  = "ACCTSYNC_API_SECRET"
	EnvSubAccount = "ACCTSYNC_SUB_ACCOUNT"
)

type Config struct {
	Mode           Mode                 `yaml:"mode"`
	InstanceID     string               `yaml:"instance_id"`
	Markets        []MarketConfig       `yaml:"markets"`
	Exchange       ExchangeConfig       `yaml:"exchange"`
	Account        AccountConfig        `yaml:"account"`
	Paper          PaperConfig          `yaml:"paper"`
	State          StateConfig          `yaml:"state"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Log            LogConfig            `yaml:"log"`
	Observability  ObservabilityConfig  `yaml:"observability"`
}

// MarketConfig names one traded pair. Price and Tick are only used by the
// paper exchange.
type MarketConfig struct {
	Base  string  `yaml:"base"`
	Quote string  `yaml:"quote"`
	Price Decimal `yaml:"price"`
	Tick  Decimal `yaml:"tick"`
}

func (m MarketConfig) Symbol() string {
	return m.Base + m.Quote
}

type ExchangeConfig struct {
	APIKey            string         `yaml:"api_key"`
	APISecret         string         `yaml:"api_secret"`
	SubAccount        string         `yaml:"sub_account"`
	RestBaseURL       string         `yaml:"rest_base_url"`
	WSBaseURL         string         `yaml:"ws_base_url"`
	UserStreamAuth    UserStreamAuth `yaml:"user_stream_auth"`
	WSEd25519KeyPath  string         `yaml:"ws_ed25519_private_key_path"`
	RecvWindowMs      int64          `yaml:"recv_window_ms"`
	HTTPTimeoutSec    int64          `yaml:"http_timeout_sec"`
	WSKeepaliveSec    int64          `yaml:"ws_keepalive_sec"`
	ClientOrderPrefix string         `yaml:"client_order_prefix"`
}

type AccountConfig struct {
	Tolerance            Decimal `yaml:"tolerance"`
	ReconcileIntervalSec int64   `yaml:"reconcile_interval_sec"`
	ReconcileLookbackSec int64   `yaml:"reconcile_lookback_sec"`
	SeenTradesMax        int     `yaml:"seen_trades_max"`
	SeenTradesTTLSec     int64   `yaml:"seen_trades_ttl_sec"`
}

type PaperConfig struct {
	Balances map[string]Decimal `yaml:"balances"`
}

type StateConfig struct {
	Dir          string `yaml:"dir"`
	LockTakeover *bool  `yaml:"lock_takeover"`
	LockStaleSec int64  `yaml:"lock_stale_sec"`
}

type CircuitBreakerConfig struct {
	Enabled              bool  `yaml:"enabled"`
	MaxPlaceFailures     int   `yaml:"max_place_failures"`
	MaxCancelFailures    int   `yaml:"max_cancel_failures"`
	MaxReconnectFailures int   `yaml:"max_reconnect_failures"`
	ReconnectCooldownSec int64 `yaml:"reconnect_cooldown_sec"`
	ReconnectProbePasses int   `yaml:"reconnect_probe_passes"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
	JSON       bool   `yaml:"json"`
}

type ObservabilityConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
}

type TelegramConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BotToken   string `yaml:"bot_token"`
	ChatID     string `yaml:"chat_id"`
	APIBaseURL string `yaml:"api_base_url"`
	TimeoutSec int64  `yaml:"timeout_sec"`
}

type RuntimeConfig struct {
	HeartbeatSec         int64 `yaml:"heartbeat_sec"`
	AlertDropReportSec   int64 `yaml:"alert_drop_report_sec"`
	AlertRepeatWindowSec int64 `yaml:"alert_repeat_window_sec"`
}

// LoadWithEnv reads envFile (if it exists) into the process environment and
// then loads path. Variables already set in the environment win.
func LoadWithEnv(path, envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}
	return Load(path)
}

func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return Config{}, fmt.Errorf("config must contain a single YAML document")
		}
		return Config{}, err
	}
	cfg.applyEnv()
	cfg.normalize()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v, ok := os.LookupEnv(EnvAPIKey); ok && v != "" {
		c.Exchange.APIKey = v
	}
	if v, ok := os.LookupEnv(EnvAPISecret); ok && v != "" {
		c.Exchange.APISecret = v
	}
	if v, ok := os.LookupEnv(EnvSubAccount); ok && v != "" {
		c.Exchange.SubAccount = v
	}
}

func (c *Config) normalize() {
	c.Mode = Mode(strings.ToLower(strings.TrimSpace(string(c.Mode))))
	c.InstanceID = strings.ToLower(strings.TrimSpace(c.InstanceID))
	for i := range c.Markets {
		c.Markets[i].Base = strings.ToUpper(strings.TrimSpace(c.Markets[i].Base))
		c.Markets[i].Quote = strings.ToUpper(strings.TrimSpace(c.Markets[i].Quote))
	}
	if len(c.Paper.Balances) > 0 {
		balances := make(map[string]Decimal, len(c.Paper.Balances))
		for asset, v := range c.Paper.Balances {
			balances[strings.ToUpper(strings.TrimSpace(asset))] = v
		}
		c.Paper.Balances = balances
	}
	c.Exchange.APIKey = strings.TrimSpace(c.Exchange.APIKey)
	c.Exchange.APISecret = strings.TrimSpace(c.Exchange.APISecret)
	c.Exchange.SubAccount = strings.TrimSpace(c.Exchange.SubAccount)
	c.Exchange.RestBaseURL = strings.TrimSpace(c.Exchange.RestBaseURL)
	c.Exchange.WSBaseURL = strings.TrimSpace(c.Exchange.WSBaseURL)
	c.Exchange.WSEd25519KeyPath = strings.TrimSpace(c.Exchange.WSEd25519KeyPath)
	c.Exchange.ClientOrderPrefix = strings.TrimSpace(c.Exchange.ClientOrderPrefix)
	c.State.Dir = strings.TrimSpace(c.State.Dir)
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.File = strings.TrimSpace(c.Log.File)
	c.Observability.Telegram.BotToken = strings.TrimSpace(c.Observability.Telegram.BotToken)
	c.Observability.Telegram.ChatID = strings.TrimSpace(c.Observability.Telegram.ChatID)
	c.Observability.Telegram.APIBaseURL = strings.TrimSpace(c.Observability.Telegram.APIBaseURL)
	auth := strings.ToLower(strings.TrimSpace(string(c.Exchange.UserStreamAuth)))
	if auth == "apikey" {
		auth = "session"
	}
	c.Exchange.UserStreamAuth = UserStreamAuth(auth)
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModePaper
	}
	if c.InstanceID == "" {
		c.InstanceID = "default"
	}
	if c.Exchange.UserStreamAuth == "" {
		c.Exchange.UserStreamAuth = UserStreamAuthSignature
	}
	if c.Exchange.RecvWindowMs == 0 {
		c.Exchange.RecvWindowMs = 5000
	}
	if c.Exchange.HTTPTimeoutSec == 0 {
		c.Exchange.HTTPTimeoutSec = 15
	}
	if c.Exchange.WSKeepaliveSec == 0 {
		c.Exchange.WSKeepaliveSec = 30
	}
	if c.Exchange.ClientOrderPrefix == "" {
		c.Exchange.ClientOrderPrefix = c.InstanceID
	}
	if c.Account.Tolerance.Cmp(decimal.Zero) == 0 {
		c.Account.Tolerance = Decimal{decimal.RequireFromString("0.00001")}
	}
	if c.Account.ReconcileIntervalSec == 0 {
		c.Account.ReconcileIntervalSec = 60
	}
	if c.Account.ReconcileLookbackSec == 0 {
		c.Account.ReconcileLookbackSec = 900
	}
	if c.Account.SeenTradesMax == 0 {
		c.Account.SeenTradesMax = 50000
	}
	if c.Account.SeenTradesTTLSec == 0 {
		c.Account.SeenTradesTTLSec = 86400
	}
	if c.CircuitBreaker.MaxPlaceFailures == 0 {
		c.CircuitBreaker.MaxPlaceFailures = 5
	}
	if c.CircuitBreaker.MaxCancelFailures == 0 {
		c.CircuitBreaker.MaxCancelFailures = 5
	}
	if c.CircuitBreaker.MaxReconnectFailures == 0 {
		c.CircuitBreaker.MaxReconnectFailures = 10
	}
	if c.CircuitBreaker.ReconnectCooldownSec == 0 {
		c.CircuitBreaker.ReconnectCooldownSec = 30
	}
	if c.CircuitBreaker.ReconnectProbePasses == 0 {
		c.CircuitBreaker.ReconnectProbePasses = 1
	}
	if c.State.Dir == "" {
		c.State.Dir = "state"
	}
	if c.State.LockTakeover == nil {
		enabled := true
		c.State.LockTakeover = &enabled
	}
	if c.State.LockStaleSec == 0 {
		c.State.LockStaleSec = 600
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 100
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 5
	}
	if c.Log.MaxAgeDays == 0 {
		c.Log.MaxAgeDays = 14
	}
	if c.Observability.Telegram.APIBaseURL == "" {
		c.Observability.Telegram.APIBaseURL = "https://api.telegram.org"
	}
	if c.Observability.Telegram.TimeoutSec == 0 {
		c.Observability.Telegram.TimeoutSec = 10
	}
	if c.Observability.Runtime.AlertDropReportSec == 0 {
		c.Observability.Runtime.AlertDropReportSec = 60
	}
	if c.Observability.Runtime.AlertRepeatWindowSec == 0 {
		c.Observability.Runtime.AlertRepeatWindowSec = 30
	}
	if c.Exchange.RestBaseURL == "" {
		switch c.Mode {
		case ModeTestnet:
			c.Exchange.RestBaseURL = "https://testnet.binance.vision"
		case ModeLive:
			c.Exchange.RestBaseURL = "https://api.binance.com"
		}
	}
	if c.Exchange.WSBaseURL == "" {
		switch c.Mode {
		case ModeTestnet:
			c.Exchange.WSBaseURL = "wss://ws-api.testnet.binance.vision/ws-api/v3"
		case ModeLive:
			c.Exchange.WSBaseURL = "wss://ws-api.binance.com/ws-api/v3"
		}
	}
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModePaper, ModeTestnet, ModeLive:
	default:
		return fmt.Errorf("mode must be paper, testnet, or live")
	}
	if !isValidInstanceID(c.InstanceID) {
		return fmt.Errorf("instance_id must match [a-z0-9_-], length 1..24")
	}
	if len(c.Markets) == 0 {
		return fmt.Errorf("at least one market is required")
	}
	seen := make(map[string]bool, len(c.Markets))
	for i, m := range c.Markets {
		if !isValidAsset(m.Base) || !isValidAsset(m.Quote) {
			return fmt.Errorf("markets[%d] base/quote must match [A-Z0-9], length 2..10", i)
		}
		if seen[m.Symbol()] {
			return fmt.Errorf("markets[%d] duplicates %s", i, m.Symbol())
		}
		seen[m.Symbol()] = true
		if m.Price.Cmp(decimal.Zero) < 0 {
			return fmt.Errorf("markets[%d].price must be >= 0", i)
		}
		if m.Tick.Cmp(decimal.Zero) < 0 {
			return fmt.Errorf("markets[%d].tick must be >= 0", i)
		}
		if c.Mode == ModePaper && m.Price.Cmp(decimal.Zero) <= 0 {
			return fmt.Errorf("markets[%d].price is required in paper mode", i)
		}
	}
	for asset, v := range c.Paper.Balances {
		if v.Cmp(decimal.Zero) < 0 {
			return fmt.Errorf("paper.balances.%s must be >= 0", asset)
		}
	}
	if c.Account.Tolerance.Cmp(decimal.Zero) <= 0 || c.Account.Tolerance.Cmp(decimal.RequireFromString("0.01")) > 0 {
		return fmt.Errorf("account.tolerance must be > 0 and <= 0.01")
	}
	if c.Account.ReconcileIntervalSec < 0 || c.Account.ReconcileIntervalSec > 3600 {
		return fmt.Errorf("account.reconcile_interval_sec must be between 0 and 3600")
	}
	if c.Account.ReconcileIntervalSec > 0 && c.Account.ReconcileIntervalSec < 10 {
		return fmt.Errorf("account.reconcile_interval_sec must be 0 or >= 10")
	}
	if c.Account.ReconcileLookbackSec < 60 || c.Account.ReconcileLookbackSec > 86400 {
		return fmt.Errorf("account.reconcile_lookback_sec must be between 60 and 86400")
	}
	if c.Account.SeenTradesMax < 100 {
		return fmt.Errorf("account.seen_trades_max must be >= 100")
	}
	if c.Account.SeenTradesTTLSec < 60 {
		return fmt.Errorf("account.seen_trades_ttl_sec must be >= 60")
	}
	if c.CircuitBreaker.Enabled {
		if c.CircuitBreaker.MaxPlaceFailures < 1 {
			return fmt.Errorf("circuit_breaker.max_place_failures must be >= 1")
		}
		if c.CircuitBreaker.MaxCancelFailures < 1 {
			return fmt.Errorf("circuit_breaker.max_cancel_failures must be >= 1")
		}
		if c.CircuitBreaker.MaxReconnectFailures < 1 {
			return fmt.Errorf("circuit_breaker.max_reconnect_failures must be >= 1")
		}
		if c.CircuitBreaker.ReconnectCooldownSec < 1 || c.CircuitBreaker.ReconnectCooldownSec > 3600 {
			return fmt.Errorf("circuit_breaker.reconnect_cooldown_sec must be between 1 and 3600")
		}
		if c.CircuitBreaker.ReconnectProbePasses < 1 || c.CircuitBreaker.ReconnectProbePasses > 20 {
			return fmt.Errorf("circuit_breaker.reconnect_probe_passes must be between 1 and 20")
		}
	}
	switch c.Log.Level {
	case "trace", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level must be one of trace, debug, info, warn, error")
	}
	if c.Log.MaxSizeMB < 1 || c.Log.MaxBackups < 0 || c.Log.MaxAgeDays < 0 {
		return fmt.Errorf("log rotation settings must be positive")
	}
	if c.Observability.Runtime.HeartbeatSec < 0 || c.Observability.Runtime.HeartbeatSec > 3600 {
		return fmt.Errorf("observability.runtime.heartbeat_sec must be between 0 and 3600")
	}
	if c.Observability.Runtime.AlertDropReportSec < 0 || c.Observability.Runtime.AlertDropReportSec > 3600 {
		return fmt.Errorf("observability.runtime.alert_drop_report_sec must be between 0 and 3600")
	}
	if c.Observability.Runtime.AlertRepeatWindowSec < 0 || c.Observability.Runtime.AlertRepeatWindowSec > 3600 {
		return fmt.Errorf("observability.runtime.alert_repeat_window_sec must be between 0 and 3600")
	}
	if c.Observability.Telegram.Enabled {
		if c.Observability.Telegram.BotToken == "" {
			return fmt.Errorf("observability.telegram.bot_token is required when telegram enabled")
		}
		if c.Observability.Telegram.ChatID == "" {
			return fmt.Errorf("observability.telegram.chat_id is required when telegram enabled")
		}
		if c.Observability.Telegram.TimeoutSec < 1 || c.Observability.Telegram.TimeoutSec > 120 {
			return fmt.Errorf("observability.telegram.timeout_sec must be between 1 and 120")
		}
		if err := validateURL(c.Observability.Telegram.APIBaseURL, "http", "https"); err != nil {
			return fmt.Errorf("observability.telegram.api_base_url %v", err)
		}
	}
	if c.State.LockStaleSec < 0 || c.State.LockStaleSec > 86400 {
		return fmt.Errorf("state.lock_stale_sec must be between 0 and 86400")
	}
	if c.Mode != ModePaper {
		if c.Exchange.APIKey == "" || c.Exchange.APISecret == "" {
			return fmt.Errorf("exchange api_key/api_secret are required for %s mode", c.Mode)
		}
		if c.Exchange.RestBaseURL == "" || c.Exchange.WSBaseURL == "" {
			return fmt.Errorf("exchange rest_base_url/ws_base_url are required for %s mode", c.Mode)
		}
		if c.Exchange.RecvWindowMs < 1 || c.Exchange.RecvWindowMs > 60000 {
			return fmt.Errorf("exchange recv_window_ms must be between 1 and 60000")
		}
		if c.Exchange.HTTPTimeoutSec < 1 || c.Exchange.HTTPTimeoutSec > 120 {
			return fmt.Errorf("exchange http_timeout_sec must be between 1 and 120")
		}
		if c.Exchange.WSKeepaliveSec < 1 || c.Exchange.WSKeepaliveSec > 3600 {
			return fmt.Errorf("exchange ws_keepalive_sec must be between 1 and 3600")
		}
		if err := validateURL(c.Exchange.RestBaseURL, "http", "https"); err != nil {
			return fmt.Errorf("exchange rest_base_url %v", err)
		}
		if err := validateURL(c.Exchange.WSBaseURL, "ws", "wss"); err != nil {
			return fmt.Errorf("exchange ws_base_url %v", err)
		}
		if c.Exchange.UserStreamAuth != UserStreamAuthSignature && c.Exchange.UserStreamAuth != UserStreamAuthSession {
			return fmt.Errorf("exchange user_stream_auth must be signature or session")
		}
		if c.Exchange.UserStreamAuth == UserStreamAuthSession && c.Exchange.WSEd25519KeyPath == "" {
			return fmt.Errorf("exchange ws_ed25519_private_key_path is required for session auth")
		}
	}
	return nil
}

func isValidInstanceID(v string) bool {
	if len(v) < 1 || len(v) > 24 {
		return false
	}
	for _, r := range v {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

func isValidAsset(v string) bool {
	if len(v) < 2 || len(v) > 10 {
		return false
	}
	for _, r := range v {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			continue
		}
		return false
	}
	return true
}

func validateURL(raw string, schemes ...string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("must be a valid URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("must include scheme and host")
	}
	for _, s := range schemes {
		if parsed.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme must be %s", strings.Join(schemes, " or "))
}
