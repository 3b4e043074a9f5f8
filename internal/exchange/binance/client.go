package binance

import (
	"context"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"acctsync/internal/alert"
	"acctsync/internal/config"
	"acctsync/internal/conn"
	"acctsync/internal/core"
	"acctsync/internal/exchange"
)

type AuthType int

const (
	AuthNone AuthType = iota
	AuthAPIKey
	AuthSigned
)

// Client implements exchange.Client for Binance spot. Orders go over the WS
// API while the shared socket is up and over REST otherwise; everything else
// is REST.
type Client struct {
	mgr               *conn.Manager
	log               *logrus.Entry
	recvWindow        time.Duration
	clientOrderPrefix string
	userStreamAuth    string
	ed25519Key        ed25519.PrivateKey
	symbols           []string

	mu         sync.Mutex
	alerter    alert.Alerter
	markets    map[string]marketInfo
	wsDegraded bool
}

type Options struct {
	RecvWindowMs      int64
	ClientOrderPrefix string
	UserStreamAuth    string
	Ed25519Key        ed25519.PrivateKey
	// Symbols are the markets whose fills OrderFills reconciles.
	Symbols []string
	Alerter alert.Alerter
	Logger  *logrus.Entry
}

var _ exchange.Client = (*Client)(nil)
var _ exchange.Subscriber = (*Client)(nil)

// NewClient builds a client from the exchange section of the config. The
// Ed25519 key is only loaded for session-authenticated user streams.
func NewClient(cfg config.ExchangeConfig, markets []config.MarketConfig, mgr *conn.Manager) (*Client, error) {
	opts := Options{
		RecvWindowMs:      cfg.RecvWindowMs,
		ClientOrderPrefix: cfg.ClientOrderPrefix,
		UserStreamAuth:    string(cfg.UserStreamAuth),
	}
	for _, m := range markets {
		opts.Symbols = append(opts.Symbols, m.Symbol())
	}
	if strings.EqualFold(opts.UserStreamAuth, string(config.UserStreamAuthSession)) {
		key, err := loadEd25519PrivateKey(cfg.WSEd25519KeyPath)
		if err != nil {
			return nil, err
		}
		opts.Ed25519Key = key
	}
	return New(mgr, opts), nil
}

func New(mgr *conn.Manager, opts Options) *Client {
	userStreamAuth := strings.ToLower(strings.TrimSpace(opts.UserStreamAuth))
	if userStreamAuth == "" {
		userStreamAuth = string(config.UserStreamAuthSignature)
	}
	log := opts.Logger
	if log == nil {
		log = logrus.WithField("component", "binance")
	}
	return &Client{
		mgr:               mgr,
		log:               log,
		recvWindow:        time.Duration(opts.RecvWindowMs) * time.Millisecond,
		clientOrderPrefix: normalizeClientOrderPrefix(opts.ClientOrderPrefix),
		userStreamAuth:    userStreamAuth,
		ed25519Key:        opts.Ed25519Key,
		symbols:           append([]string(nil), opts.Symbols...),
		alerter:           opts.Alerter,
		markets:           make(map[string]marketInfo),
	}
}

// ConnOptions maps the exchange config onto the shared transport.
func ConnOptions(cfg config.ExchangeConfig) conn.Options {
	return conn.Options{
		RestBaseURL: cfg.RestBaseURL,
		WSURL:       cfg.WSBaseURL,
		HTTPTimeout: time.Duration(cfg.HTTPTimeoutSec) * time.Second,
		Keepalive:   time.Duration(cfg.WSKeepaliveSec) * time.Second,
		Logger:      logrus.WithField("component", "binance_conn"),
	}
}

func (c *Client) SetAlerter(alerter alert.Alerter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerter = alerter
}

func (c *Client) alertImportant(event string, fields map[string]string) {
	c.mu.Lock()
	alerter := c.alerter
	c.mu.Unlock()
	if alerter == nil {
		return
	}
	alerter.Important(event, fields)
}

func (c *Client) markWSDegraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wsDegraded {
		return false
	}
	c.wsDegraded = true
	return true
}

func (c *Client) clearWSDegraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.wsDegraded {
		return false
	}
	c.wsDegraded = false
	return true
}

func (c *Client) OwnsClientID(clientID string) bool {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return false
	}
	if clientID == c.clientOrderPrefix {
		return true
	}
	return strings.HasPrefix(clientID, c.clientOrderPrefix+"-")
}

func normalizeClientOrderPrefix(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	b := strings.Builder{}
	for _, r := range v {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			b.WriteRune(r)
		}
	}
	out := b.String()
	if out == "" {
		return "as"
	}
	if len(out) > 20 {
		out = out[:20]
	}
	return out
}

func (c *Client) Name() string { return "binance" }

// LoadMarkets fetches exchangeInfo for symbols (all configured symbols when
// none are given) and caches their filters.
func (c *Client) LoadMarkets(ctx context.Context, symbols ...string) error {
	if len(symbols) == 0 {
		symbols = c.symbols
	}
	if len(symbols) == 0 {
		return nil
	}
	list, err := json.Marshal(symbols)
	if err != nil {
		return err
	}
	params := url.Values{}
	params.Set("symbols", string(list))
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/exchangeInfo", params, AuthNone, exchange.Credentials{})
	if err != nil {
		return err
	}
	var resp exchangeInfoResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return errors.Wrap(err, "decode exchangeInfo")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range resp.Symbols {
		c.markets[s.Symbol] = parseSymbolInfo(s)
	}
	return nil
}

func (c *Client) market(ctx context.Context, symbol string) (marketInfo, error) {
	c.mu.Lock()
	info, ok := c.markets[symbol]
	c.mu.Unlock()
	if ok {
		return info, nil
	}
	if err := c.LoadMarkets(ctx, symbol); err != nil {
		return marketInfo{}, err
	}
	c.mu.Lock()
	info, ok = c.markets[symbol]
	c.mu.Unlock()
	if !ok {
		return marketInfo{}, errors.Wrapf(core.ErrInvalidArgument, "unknown symbol %s", symbol)
	}
	return info, nil
}

func (c *Client) cachedMarket(symbol string) (marketInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.markets[symbol]
	return info, ok
}

// GetRules returns the trading filters of base/quote.
func (c *Client) GetRules(ctx context.Context, base, quote string) (core.Rules, error) {
	info, err := c.market(ctx, symbolOf(base, quote))
	if err != nil {
		return core.Rules{}, err
	}
	return info.rules, nil
}

// PriceRenderer uses the cached tick size; call LoadMarkets first. An
// unknown market renders at full precision.
func (c *Client) PriceRenderer(base, quote string) (exchange.PriceRenderer, error) {
	info, ok := c.cachedMarket(symbolOf(base, quote))
	if !ok {
		return core.TickRenderer{}, nil
	}
	return core.TickRenderer{Tick: info.rules.PriceTick}, nil
}

func (c *Client) CancelOrder(ctx context.Context, req exchange.CancelRequest, creds exchange.Credentials) error {
	if req.ID == "" {
		return errors.Wrap(core.ErrInvalidArgument, "order id required")
	}
	params := url.Values{}
	params.Set("symbol", symbolOf(req.Base, req.Quote))
	params.Set("orderId", req.ID)
	_, err := c.doRequest(ctx, http.MethodDelete, "/api/v3/order", params, AuthSigned, creds)
	return err
}

// ChangeOrder amends via cancelReplace, which gives the order a new id. A
// missing price or size is taken from the live order. PriorFilled is the
// cancelled order's executed quantity.
func (c *Client) ChangeOrder(ctx context.Context, req exchange.AmendRequest, creds exchange.Credentials) (exchange.Amendment, error) {
	if req.ID == "" || (req.Price == nil && req.Size == nil) {
		return exchange.Amendment{}, errors.Wrap(core.ErrInvalidArgument, "order id and price or size required")
	}
	symbol := symbolOf(req.Base, req.Quote)
	live, err := c.QueryOrder(ctx, symbol, req.ID, creds)
	if err != nil {
		return exchange.Amendment{}, err
	}
	price := live.Price
	size := live.OrigQty.Sub(live.ExecutedQty)
	if req.Price != nil {
		price = decimal.NewFromFloat(*req.Price)
	}
	if req.Size != nil {
		size = decimal.NewFromFloat(*req.Size)
	}
	if rules, err := c.GetRules(ctx, req.Base, req.Quote); err == nil {
		price, size, err = core.NormalizeLimit(core.Limit, price, size, rules)
		if err != nil {
			return exchange.Amendment{}, errors.Wrap(core.ErrInvalidArgument, err.Error())
		}
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", live.Side)
	params.Set("type", string(core.Limit))
	params.Set("timeInForce", "GTC")
	params.Set("cancelReplaceMode", "STOP_ON_FAILURE")
	params.Set("cancelOrderId", req.ID)
	params.Set("price", price.String())
	params.Set("quantity", size.String())
	params.Set("newClientOrderId", newClientOrderID(c.clientOrderPrefix))
	body, err := c.doRequest(ctx, http.MethodPost, "/api/v3/order/cancelReplace", params, AuthSigned, creds)
	if err != nil {
		return exchange.Amendment{}, err
	}
	var resp cancelReplaceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return exchange.Amendment{}, errors.Wrap(err, "decode cancelReplace")
	}
	if resp.NewOrderResponse == nil {
		return exchange.Amendment{}, errors.Wrapf(core.ErrOrderRejected, "cancelReplace %s: %s", req.ID, resp.NewOrderResult)
	}
	prior := live.ExecutedQty
	if resp.CancelResponse != nil && resp.CancelResponse.ExecutedQty != "" {
		prior = parseDecimal(resp.CancelResponse.ExecutedQty)
	}
	return exchange.Amendment{
		ID:          strconv.FormatInt(resp.NewOrderResponse.OrderID, 10),
		Price:       price.InexactFloat64(),
		Remaining:   size.InexactFloat64(),
		PriorFilled: prior.InexactFloat64(),
	}, nil
}

type OrderQuery struct {
	ID          string
	ClientID    string
	Symbol      string
	Side        string
	Type        string
	Status      string
	Price       decimal.Decimal
	OrigQty     decimal.Decimal
	ExecutedQty decimal.Decimal
	UpdateTime  time.Time
}

func (c *Client) QueryOrder(ctx context.Context, symbol, orderID string, creds exchange.Credentials) (OrderQuery, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)
	return c.queryOrder(ctx, params, creds)
}

func (c *Client) queryOrderByClientID(ctx context.Context, symbol, clientID string, creds exchange.Credentials) (OrderQuery, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", clientID)
	return c.queryOrder(ctx, params, creds)
}

func (c *Client) queryOrder(ctx context.Context, params url.Values, creds exchange.Credentials) (OrderQuery, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/order", params, AuthSigned, creds)
	if err != nil {
		return OrderQuery{}, err
	}
	var resp orderQueryResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return OrderQuery{}, errors.Wrap(err, "decode order")
	}
	q := OrderQuery{
		ID:          strconv.FormatInt(resp.OrderID, 10),
		ClientID:    resp.ClientOrderID,
		Symbol:      resp.Symbol,
		Side:        resp.Side,
		Type:        resp.Type,
		Status:      resp.Status,
		Price:       parseDecimal(resp.Price),
		OrigQty:     parseDecimal(resp.OrigQty),
		ExecutedQty: parseDecimal(resp.ExecutedQty),
	}
	if resp.UpdateTime > 0 {
		q.UpdateTime = time.UnixMilli(resp.UpdateTime)
	}
	return q, nil
}

// AccountBalance reports free plus locked per asset, skipping empty assets.
func (c *Client) AccountBalance(ctx context.Context, creds exchange.Credentials) (map[string]float64, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/account", url.Values{}, AuthSigned, creds)
	if err != nil {
		return nil, err
	}
	var resp accountResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errors.Wrap(err, "decode account")
	}
	out := make(map[string]float64, len(resp.Balances))
	for _, b := range resp.Balances {
		total := parseDecimal(b.Free).Add(parseDecimal(b.Locked))
		if total.IsZero() {
			continue
		}
		out[b.Asset] = total.InexactFloat64()
	}
	return out, nil
}

// OrderFills lists trades since the given time for every configured symbol.
func (c *Client) OrderFills(ctx context.Context, since time.Time, creds exchange.Credentials) ([]core.Event, error) {
	var out []core.Event
	for _, symbol := range c.symbols {
		params := url.Values{}
		params.Set("symbol", symbol)
		if !since.IsZero() {
			params.Set("startTime", strconv.FormatInt(since.UnixMilli(), 10))
		}
		params.Set("limit", "1000")
		body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/myTrades", params, AuthSigned, creds)
		if err != nil {
			return nil, err
		}
		var trades []myTradeResponse
		if err := json.Unmarshal(body, &trades); err != nil {
			return nil, errors.Wrap(err, "decode myTrades")
		}
		base, quote := c.splitSymbol(symbol)
		for _, t := range trades {
			side := core.Sell
			if t.IsBuyer {
				side = core.Buy
			}
			ev := core.Event{
				Type:    core.EventFill,
				OrderID: strconv.FormatInt(t.OrderID, 10),
				Base:    base,
				Quote:   quote,
				Side:    side,
				TradeID: strconv.FormatInt(t.ID, 10),
				Volume:  parseDecimal(t.Qty).InexactFloat64(),
				Price:   parseDecimal(t.Price).InexactFloat64(),
				Time:    time.UnixMilli(t.Time),
			}
			if fee := parseDecimal(t.Commission); !fee.IsZero() && t.CommissionAsset != "" {
				ev.Fees = map[string]float64{t.CommissionAsset: fee.InexactFloat64()}
			}
			out = append(out, ev)
		}
	}
	return out, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, params url.Values, auth AuthType, creds exchange.Credentials) ([]byte, error) {
	headers := map[string]string{}
	if auth == AuthAPIKey || auth == AuthSigned {
		if creds.APIKey == "" {
			return nil, errors.Wrap(core.ErrInvalidArgument, "api key required")
		}
		headers["X-MBX-APIKEY"] = creds.APIKey
	}
	if auth == AuthSigned {
		if creds.APISecret == "" {
			return nil, errors.Wrap(core.ErrInvalidArgument, "api secret required")
		}
		params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		if c.recvWindow > 0 {
			params.Set("recvWindow", strconv.FormatInt(c.recvWindow.Milliseconds(), 10))
		}
		params.Set("signature", sign(creds.APISecret, params.Encode()))
	}
	var (
		body []byte
		err  error
	)
	switch method {
	case http.MethodGet:
		body, err = c.mgr.RestGet(ctx, path, params, headers)
	case http.MethodDelete:
		body, err = c.mgr.RestDelete(ctx, path, params, headers)
	default:
		body, err = c.mgr.RestPost(ctx, path, params, headers)
	}
	if err != nil {
		return nil, classifyRequestError(err)
	}
	return body, nil
}

// sign is the HMAC-SHA256 of the encoded query, hex encoded.
func sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func symbolOf(base, quote string) string {
	return strings.ToUpper(base + quote)
}

var knownQuotes = []string{"USDT", "FDUSD", "USDC", "TUSD", "BUSD", "BTC", "ETH", "BNB", "EUR", "TRY", "BRL"}

// splitSymbol resolves a symbol to base/quote from the market cache, falling
// back to the first known quote suffix.
func (c *Client) splitSymbol(symbol string) (string, string) {
	if info, ok := c.cachedMarket(symbol); ok {
		return info.base, info.quote
	}
	for _, q := range knownQuotes {
		if len(symbol) > len(q) && strings.HasSuffix(symbol, q) {
			return strings.TrimSuffix(symbol, q), q
		}
	}
	return symbol, ""
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
