package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"acctsync/internal/config"
	"acctsync/internal/core"
	"acctsync/internal/exchange"
	"acctsync/internal/order"
)

type orderSpec struct {
	symbol   string
	side     core.Side
	kind     core.OrderKind
	price    decimal.Decimal
	qty      decimal.Decimal
	quoteQty decimal.Decimal
	clientID string
}

type placedOrder struct {
	id          string
	clientID    string
	origQty     decimal.Decimal
	executedQty decimal.Decimal
}

func (c *Client) PlaceLimitOrder(ctx context.Context, req exchange.LimitOrderRequest, creds exchange.Credentials) (*order.Order, error) {
	if !req.Side.Valid() || req.Price <= 0 || req.Volume <= 0 {
		return nil, errors.Wrap(core.ErrInvalidArgument, "limit order needs side, price and volume")
	}
	rules, err := c.GetRules(ctx, req.Base, req.Quote)
	if err != nil {
		return nil, err
	}
	price, qty, err := core.NormalizeLimit(core.Limit, decimal.NewFromFloat(req.Price), decimal.NewFromFloat(req.Volume), rules)
	if err != nil {
		return nil, errors.Wrap(core.ErrInvalidArgument, err.Error())
	}
	spec := orderSpec{
		symbol: symbolOf(req.Base, req.Quote),
		side:   req.Side,
		kind:   core.Limit,
		price:  price,
		qty:    qty,
	}
	placed, err := c.placeOrder(ctx, spec, creds)
	if err != nil {
		return nil, err
	}
	o := order.New(placed.id, req.Base, req.Quote, req.Side, core.Limit, qty.InexactFloat64())
	o.SetPrice(price.InexactFloat64())
	return o, nil
}

// PlaceMarketOrder sizes by base volume when given, otherwise by quote
// volume. The order's volume is what the exchange reports as ordered.
func (c *Client) PlaceMarketOrder(ctx context.Context, req exchange.MarketOrderRequest, creds exchange.Credentials) (*order.Order, error) {
	if !req.Side.Valid() || (req.Volume <= 0 && req.QuoteVolume <= 0) {
		return nil, errors.Wrap(core.ErrInvalidArgument, "market order needs side and volume or quote volume")
	}
	spec := orderSpec{
		symbol: symbolOf(req.Base, req.Quote),
		side:   req.Side,
		kind:   core.Market,
	}
	if req.Volume > 0 {
		rules, err := c.GetRules(ctx, req.Base, req.Quote)
		if err != nil {
			return nil, err
		}
		_, qty, err := core.NormalizeLimit(core.Market, decimal.Zero, decimal.NewFromFloat(req.Volume), rules)
		if err != nil {
			return nil, errors.Wrap(core.ErrInvalidArgument, err.Error())
		}
		spec.qty = qty
	} else {
		spec.quoteQty = decimal.NewFromFloat(req.QuoteVolume)
	}
	placed, err := c.placeOrder(ctx, spec, creds)
	if err != nil {
		return nil, err
	}
	volume := spec.qty
	if placed.origQty.IsPositive() {
		volume = placed.origQty
	} else if volume.IsZero() {
		volume = placed.executedQty
	}
	return order.New(placed.id, req.Base, req.Quote, req.Side, core.Market, volume.InexactFloat64()), nil
}

// placeOrder tries the WS API first. Transport failures fall back to REST;
// an answer from the exchange is final.
func (c *Client) placeOrder(ctx context.Context, spec orderSpec, creds exchange.Credentials) (placedOrder, error) {
	if spec.clientID == "" {
		spec.clientID = newClientOrderID(c.clientOrderPrefix)
	}
	placed, err := c.placeOrderWS(ctx, spec, creds)
	if err == nil {
		if c.clearWSDegraded() {
			c.alertImportant("ws_order_recovered", map[string]string{"symbol": spec.symbol})
		}
		return placed, nil
	}
	if _, answered := AsAPIError(err); answered {
		c.alertRejected(spec, err)
		return placedOrder{}, err
	}
	if c.markWSDegraded() {
		c.log.WithError(err).Warn("ws order placement unavailable, using rest")
	}
	c.alertImportant("ws_order_fallback_to_rest", map[string]string{
		"symbol":    spec.symbol,
		"side":      string(spec.side),
		"type":      string(spec.kind),
		"client_id": spec.clientID,
		"ws_error":  err.Error(),
	})
	placed, restErr := c.placeOrderREST(ctx, spec, creds)
	if restErr != nil {
		c.alertImportant("rest_order_failed", map[string]string{
			"symbol":    spec.symbol,
			"side":      string(spec.side),
			"type":      string(spec.kind),
			"client_id": spec.clientID,
			"rest_err":  restErr.Error(),
		})
	}
	return placed, restErr
}

func (c *Client) placeOrderWS(ctx context.Context, spec orderSpec, creds exchange.Credentials) (placedOrder, error) {
	if c.mgr == nil || !c.mgr.Connected() {
		return placedOrder{}, errors.Wrap(core.ErrConnectionClosed, "order socket not connected")
	}
	params, err := c.wsOrderParams(spec, creds)
	if err != nil {
		return placedOrder{}, err
	}
	result, err := c.callWS(ctx, "order.place", params)
	if err != nil {
		return placedOrder{}, err
	}
	return decodePlaced(result, spec.clientID)
}

func orderValues(spec orderSpec) map[string]interface{} {
	params := map[string]interface{}{
		"symbol":           spec.symbol,
		"side":             string(spec.side),
		"type":             string(spec.kind),
		"newClientOrderId": spec.clientID,
		"newOrderRespType": "RESULT",
	}
	if spec.quoteQty.IsPositive() {
		params["quoteOrderQty"] = spec.quoteQty.String()
	} else {
		params["quantity"] = spec.qty.String()
	}
	if spec.kind == core.Limit {
		params["timeInForce"] = "GTC"
		params["price"] = spec.price.String()
	}
	return params
}

func (c *Client) wsOrderParams(spec orderSpec, creds exchange.Credentials) (map[string]interface{}, error) {
	params := orderValues(spec)
	params["timestamp"] = time.Now().UnixMilli()
	if c.recvWindow > 0 {
		params["recvWindow"] = c.recvWindow.Milliseconds()
	}
	if c.userStreamAuth == string(config.UserStreamAuthSession) {
		return params, nil
	}
	if creds.APIKey == "" || creds.APISecret == "" {
		return nil, errors.Wrap(core.ErrInvalidArgument, "api key/secret required")
	}
	params["apiKey"] = creds.APIKey
	values := url.Values{}
	for k, v := range params {
		values.Set(k, fmt.Sprint(v))
	}
	params["signature"] = sign(creds.APISecret, values.Encode())
	return params, nil
}

func (c *Client) placeOrderREST(ctx context.Context, spec orderSpec, creds exchange.Credentials) (placedOrder, error) {
	params := url.Values{}
	for k, v := range orderValues(spec) {
		params.Set(k, fmt.Sprint(v))
	}
	body, err := c.doRequest(ctx, http.MethodPost, "/api/v3/order", params, AuthSigned, creds)
	if err != nil {
		c.alertRejected(spec, err)
		if errors.Is(err, core.ErrDuplicateOrder) {
			if existing, qErr := c.queryOrderByClientID(ctx, spec.symbol, spec.clientID, creds); qErr == nil {
				return placedOrder{
					id:          existing.ID,
					clientID:    existing.ClientID,
					origQty:     existing.OrigQty,
					executedQty: existing.ExecutedQty,
				}, nil
			}
		}
		return placedOrder{}, err
	}
	return decodePlaced(body, spec.clientID)
}

func (c *Client) alertRejected(spec orderSpec, err error) {
	apiErr, ok := AsAPIError(err)
	if !ok || !isRejectOrExpireStatus(apiErr.Msg) {
		return
	}
	c.alertImportant("order_rejected_or_expired", map[string]string{
		"symbol":     spec.symbol,
		"side":       string(spec.side),
		"type":       string(spec.kind),
		"client_id":  spec.clientID,
		"error_code": strconv.Itoa(apiErr.Code),
		"error_msg":  apiErr.Msg,
	})
}

func decodePlaced(data []byte, clientID string) (placedOrder, error) {
	var resp orderResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return placedOrder{}, errors.Wrap(err, "decode order response")
	}
	if resp.OrderID == 0 {
		return placedOrder{}, errors.New("order response without orderId")
	}
	placed := placedOrder{
		id:          strconv.FormatInt(resp.OrderID, 10),
		clientID:    resp.ClientOrderID,
		origQty:     parseDecimal(resp.OrigQty),
		executedQty: parseDecimal(resp.ExecutedQty),
	}
	if placed.clientID == "" {
		placed.clientID = clientID
	}
	return placed, nil
}

func isRejectOrExpireStatus(v string) bool {
	s := strings.ToUpper(v)
	return strings.Contains(s, "REJECT") || strings.Contains(s, "EXPIRE")
}

var orderSeq uint64

func newClientOrderID(prefix string) string {
	if prefix == "" {
		prefix = "as"
	}
	tsPart := strconv.FormatInt(time.Now().UnixNano(), 36)
	seqPart := strconv.FormatUint(atomic.AddUint64(&orderSeq, 1), 36)
	suffix := tsPart + "-" + seqPart
	maxPrefix := 36 - 1 - len(suffix)
	if maxPrefix < 1 {
		maxPrefix = 1
	}
	if len(prefix) > maxPrefix {
		prefix = prefix[:maxPrefix]
	}
	return prefix + "-" + suffix
}
