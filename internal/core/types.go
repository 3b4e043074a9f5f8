package core

import "time"

type Side string

type OrderKind string

type EventType string

type OrderStatus string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

const (
	Limit  OrderKind = "LIMIT"
	Market OrderKind = "MARKET"
)

const (
	EventFill   EventType = "FILL"
	EventUpdate EventType = "UPDATE"
)

// Statuses carried by UPDATE events. Only StatusClosed changes local state;
// every exchange terminal state (filled, cancelled, expired, rejected) is
// reported as closed together with the cumulative filled size.
const (
	StatusNew    OrderStatus = "NEW"
	StatusOpen   OrderStatus = "OPEN"
	StatusClosed OrderStatus = "CLOSED"
)

// Event is the typed form of one push message relevant to an order.
type Event struct {
	Type       EventType          `json:"type"`
	OrderID    string             `json:"id"`
	Base       string             `json:"base,omitempty"`
	Quote      string             `json:"quote,omitempty"`
	Side       Side               `json:"side,omitempty"`
	TradeID    string             `json:"trade_id,omitempty"`
	Volume     float64            `json:"volume,omitempty"`
	Price      float64            `json:"price,omitempty"`
	Fees       map[string]float64 `json:"fees,omitempty"`
	Status     OrderStatus        `json:"status,omitempty"`
	FilledSize float64            `json:"filled_size,omitempty"`
	Time       time.Time          `json:"time,omitempty"`
}

// Delta is a signed balance change keyed by asset.
type Delta map[string]float64

// Add accumulates other into d.
func (d Delta) Add(other Delta) {
	for asset, v := range other {
		d[asset] += v
	}
}

func (s Side) Valid() bool {
	return s == Buy || s == Sell
}

func (s Side) Sign() float64 {
	if s == Sell {
		return -1
	}
	return 1
}

// FillDelta is the balance change of one fill: base moves by the signed
// volume, quote by the inverse times price, and each fee is debited.
func FillDelta(side Side, base, quote string, volume, price float64, fees map[string]float64) Delta {
	sign := side.Sign()
	d := Delta{base: 0, quote: 0}
	d[base] += sign * volume
	d[quote] -= sign * volume * price
	for asset, fee := range fees {
		d[asset] -= fee
	}
	return d
}
