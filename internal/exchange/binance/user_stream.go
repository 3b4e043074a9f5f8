package binance

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"acctsync/internal/config"
	"acctsync/internal/core"
	"acctsync/internal/exchange"
)

type executionReport struct {
	EventType       string `json:"e"`
	EventTime       int64  `json:"E"`
	Symbol          string `json:"s"`
	ClientOrderID   string `json:"c"`
	Side            string `json:"S"`
	OrderType       string `json:"o"`
	OrderPrice      string `json:"p"`
	OrderQty        string `json:"q"`
	ExecutionType   string `json:"x"`
	OrderStatus     string `json:"X"`
	OrderID         int64  `json:"i"`
	LastExecQty     string `json:"l"`
	CumulativeQty   string `json:"z"`
	LastExecPrice   string `json:"L"`
	Commission      string `json:"n"`
	CommissionAsset string `json:"N"`
	TransactionTime int64  `json:"T"`
	TradeID         int64  `json:"t"`
}

// userDataFrame is a push frame of a WS API user data subscription.
type userDataFrame struct {
	SubscriptionID *int64          `json:"subscriptionId"`
	Event          json.RawMessage `json:"event"`
}

var terminalStatuses = map[string]bool{
	"FILLED":           true,
	"CANCELED":         true,
	"REJECTED":         true,
	"EXPIRED":          true,
	"EXPIRED_IN_MATCH": true,
}

// SubscribeUserData subscribes the shared socket to the account's user data
// stream. Connect the manager first; after a reconnect call it again.
func (c *Client) SubscribeUserData(ctx context.Context, creds exchange.Credentials) error {
	if c.userStreamAuth == string(config.UserStreamAuthSession) {
		params, err := c.sessionLogonParams(creds)
		if err != nil {
			return err
		}
		if _, err := c.callWS(ctx, "session.logon", params); err != nil {
			return errors.Wrap(err, "session.logon")
		}
		if _, err := c.callWS(ctx, "userDataStream.subscribe", nil); err != nil {
			return errors.Wrap(err, "userDataStream.subscribe")
		}
		return nil
	}
	params, err := c.userStreamParams(creds)
	if err != nil {
		return err
	}
	if _, err := c.callWS(ctx, "userDataStream.subscribe.signature", params); err != nil {
		return errors.Wrap(err, "userDataStream.subscribe.signature")
	}
	return nil
}

func (c *Client) userStreamParams(creds exchange.Credentials) (map[string]interface{}, error) {
	if creds.APIKey == "" || creds.APISecret == "" {
		return nil, errors.Wrap(core.ErrInvalidArgument, "api key/secret required")
	}
	ts := time.Now().UnixMilli()
	values := c.authValues(creds.APIKey, ts)
	return c.authParams(creds.APIKey, ts, sign(creds.APISecret, values.Encode())), nil
}

func (c *Client) sessionLogonParams(creds exchange.Credentials) (map[string]interface{}, error) {
	if creds.APIKey == "" {
		return nil, errors.Wrap(core.ErrInvalidArgument, "api key required")
	}
	if c.ed25519Key == nil {
		return nil, errors.New("ed25519 key not loaded")
	}
	ts := time.Now().UnixMilli()
	values := c.authValues(creds.APIKey, ts)
	return c.authParams(creds.APIKey, ts, signEd25519(values.Encode(), c.ed25519Key)), nil
}

func (c *Client) authValues(apiKey string, ts int64) url.Values {
	values := url.Values{}
	values.Set("apiKey", apiKey)
	values.Set("timestamp", strconv.FormatInt(ts, 10))
	if c.recvWindow > 0 {
		values.Set("recvWindow", strconv.FormatInt(c.recvWindow.Milliseconds(), 10))
	}
	return values
}

func (c *Client) authParams(apiKey string, ts int64, signature string) map[string]interface{} {
	params := map[string]interface{}{
		"apiKey":    apiKey,
		"timestamp": ts,
		"signature": signature,
	}
	if c.recvWindow > 0 {
		params["recvWindow"] = c.recvWindow.Milliseconds()
	}
	return params
}

// DecodeEvent maps one push frame to order events. Frames other than
// execution reports decode to nothing. A trade yields a FILL; a terminal
// order status additionally yields a CLOSED update carrying the cumulative
// filled size.
func (c *Client) DecodeEvent(raw []byte) ([]core.Event, error) {
	payload := json.RawMessage(raw)
	var frame userDataFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, errors.Wrap(err, "decode push frame")
	}
	if frame.SubscriptionID != nil && len(frame.Event) > 0 {
		payload = frame.Event
	}
	var msg executionReport
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, errors.Wrap(err, "decode execution report")
	}
	if msg.EventType != "executionReport" {
		return nil, nil
	}

	base, quote := c.splitSymbol(msg.Symbol)
	ts := msg.TransactionTime
	if ts == 0 {
		ts = msg.EventTime
	}
	common := core.Event{
		OrderID: strconv.FormatInt(msg.OrderID, 10),
		Base:    base,
		Quote:   quote,
		Side:    core.Side(msg.Side),
		Time:    time.UnixMilli(ts),
	}

	var out []core.Event
	switch msg.ExecutionType {
	case "NEW":
		ev := common
		ev.Type = core.EventUpdate
		ev.Status = core.StatusNew
		out = append(out, ev)
	case "TRADE":
		qty := parseDecimal(msg.LastExecQty)
		if !qty.IsPositive() {
			break
		}
		price := parseDecimal(msg.LastExecPrice)
		if !price.IsPositive() {
			price = parseDecimal(msg.OrderPrice)
		}
		ev := common
		ev.Type = core.EventFill
		ev.TradeID = strconv.FormatInt(msg.TradeID, 10)
		ev.Volume = qty.InexactFloat64()
		ev.Price = price.InexactFloat64()
		if fee := parseDecimal(msg.Commission); fee.IsPositive() && msg.CommissionAsset != "" {
			ev.Fees = map[string]float64{msg.CommissionAsset: fee.InexactFloat64()}
		}
		out = append(out, ev)
	}
	if terminalStatuses[msg.OrderStatus] {
		ev := common
		ev.Type = core.EventUpdate
		ev.Status = core.StatusClosed
		ev.FilledSize = parseDecimal(msg.CumulativeQty).InexactFloat64()
		out = append(out, ev)
	}
	return out, nil
}
