package exchange

import (
	"context"
	"time"

	"acctsync/internal/core"
	"acctsync/internal/order"
)

// Credentials identify the account an exchange call acts for. SubAccount is
// empty for the main account.
type Credentials struct {
	APIKey     string
	APISecret  string
	SubAccount string
}

// MarketOrderRequest sizes the order either in base units (Volume) or in
// quote units (QuoteVolume). Exactly one should be positive.
type MarketOrderRequest struct {
	Base        string
	Quote       string
	Side        core.Side
	Volume      float64
	QuoteVolume float64
}

type LimitOrderRequest struct {
	Base   string
	Quote  string
	Side   core.Side
	Price  float64
	Volume float64
}

type CancelRequest struct {
	ID    string
	Base  string
	Quote string
}

// AmendRequest changes price, size, or both. Size is the new open
// (remaining) size; the filled part is never touched.
type AmendRequest struct {
	ID    string
	Base  string
	Quote string
	Price *float64
	Size  *float64
}

// Amendment is the exchange's view of an order after an accepted amendment.
// PriorFilled is the filled size of the replaced order id. Status events for
// the new id report FilledSize for that id alone, so a client that keeps the
// id must return zero here.
type Amendment struct {
	ID          string
	Price       float64
	Remaining   float64
	PriorFilled float64
}

// PriceRenderer formats a price at the market's tick precision.
type PriceRenderer interface {
	Render(price float64) string
}

// Client performs the exchange calls an account needs. Network and auth
// failures surface as *core.RequestError.
//
// The FilledSize of a status event counts the fills of the order id the
// event names, never fills made under an id it replaced.
type Client interface {
	Name() string
	PlaceMarketOrder(ctx context.Context, req MarketOrderRequest, creds Credentials) (*order.Order, error)
	PlaceLimitOrder(ctx context.Context, req LimitOrderRequest, creds Credentials) (*order.Order, error)
	CancelOrder(ctx context.Context, req CancelRequest, creds Credentials) error
	ChangeOrder(ctx context.Context, req AmendRequest, creds Credentials) (Amendment, error)
	AccountBalance(ctx context.Context, creds Credentials) (map[string]float64, error)
	OrderFills(ctx context.Context, since time.Time, creds Credentials) ([]core.Event, error)
	PriceRenderer(base, quote string) (PriceRenderer, error)
	// DecodeEvent turns one raw push message into zero or more typed events.
	DecodeEvent(raw []byte) ([]core.Event, error)
}

// Subscriber is implemented by clients whose push stream needs an explicit
// user-data subscription after connecting.
type Subscriber interface {
	SubscribeUserData(ctx context.Context, creds Credentials) error
}
