package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/triframe/triframe/internal/domain"
)

// Port-level errors.
var (
	ErrNotConnected  = fmt.Errorf("broker not connected")
	ErrUnknownBroker = fmt.Errorf("unknown broker code")
	ErrNoSession     = fmt.Errorf("no active session")
	ErrCircuitOpen   = fmt.Errorf("broker circuit open")
	ErrRateLimited   = fmt.Errorf("broker call rate limited")
	ErrNotSupported  = fmt.Errorf("operation not supported")
)

// OrderState is the normalized order status vocabulary. Adapters translate
// broker-native strings into it; anything unrecognized maps to StateUnknown.
type OrderState string

const (
	StateOpen           OrderState = "OPEN"
	StatePending        OrderState = "PENDING"
	StateComplete       OrderState = "COMPLETE"
	StateRejected       OrderState = "REJECTED"
	StateCancelled      OrderState = "CANCELLED"
	StateTriggerPending OrderState = "TRIGGER_PENDING"
	StateUnknown        OrderState = "UNKNOWN"
)

// Terminal reports whether the broker will never move the order again.
func (s OrderState) Terminal() bool {
	return s == StateComplete || s == StateRejected || s == StateCancelled
}

// OrderSide is the submitted direction.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderRequest is a normalized order submission. ClientOrderID is the
// idempotency key: adapters MUST pass it in the broker's documented
// idempotency field, and a retried request with the same ClientOrderID
// returns the existing order instead of creating a duplicate.
type OrderRequest struct {
	ClientOrderID string    `json:"client_order_id"`
	Symbol        string    `json:"symbol"`
	Side          OrderSide `json:"side"`
	Qty           int64     `json:"qty"`
	LimitPrice    float64   `json:"limit_price"`
	ProductType   string    `json:"product_type"`
}

// OrderResponse is the synchronous answer to a placement or modification.
// Accepted orders carry the broker-assigned id; rejections carry the reason.
type OrderResponse struct {
	BrokerOrderID string     `json:"broker_order_id,omitempty"`
	Status        OrderState `json:"status"`
	RejectReason  string     `json:"reject_reason,omitempty"`
}

// Accepted reports whether the broker took the order.
func (r OrderResponse) Accepted() bool {
	return r.Status != StateRejected && r.BrokerOrderID != ""
}

// OrderStatus is the normalized polled state of one order.
type OrderStatus struct {
	Status       OrderState `json:"status"`
	FilledQty    int64      `json:"filled_qty"`
	AvgFillPrice float64    `json:"avg_fill_price"`
	Timestamp    time.Time  `json:"timestamp"`
	RejectReason string     `json:"reject_reason,omitempty"`
}

// TickHandler consumes one parsed tick on the feed's read goroutine. It must
// not block; the stream layer behind it only deduplicates and enqueues.
type TickHandler func(domain.Tick)

// DataBroker is the market data side of a brokerage integration.
type DataBroker interface {
	Authenticate(ctx context.Context) error
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, symbols []string) error
	OnTick(handler TickHandler)
	HistoricalCandles(ctx context.Context, symbol string, tf domain.Timeframe, from, to time.Time) ([]domain.Candle, error)
	Disconnect() error
}

// OrderBroker is the execution side of a brokerage integration.
type OrderBroker interface {
	Authenticate(ctx context.Context) error
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResponse, error)
	CancelOrder(ctx context.Context, brokerOrderID string) error
	ModifyOrder(ctx context.Context, brokerOrderID string, price float64, qty int64) (OrderResponse, error)
	OrderStatus(ctx context.Context, brokerOrderID, clientOrderID string) (OrderStatus, error)
}
