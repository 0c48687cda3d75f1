// Package paper is the in-process simulated brokerage. It backs BETA runs
// and the engine tests: deterministic ids, scriptable rejections and fills,
// and the same clientOrderId idempotency contract a production adapter must
// honor.
package paper

import (
	"context"
	"fmt"
	"sync"

	"github.com/triframe/triframe/internal/broker"
	"github.com/triframe/triframe/internal/clockwork"
	"github.com/triframe/triframe/internal/domain"
)

type order struct {
	req    broker.OrderRequest
	resp   broker.OrderResponse
	status broker.OrderStatus
}

// Broker implements broker.OrderBroker against in-memory state.
type Broker struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	seq      int64
	orders   map[string]*order // by client order id
	byBroker map[string]string // broker order id -> client order id
	nextErr  error
	reject   string
	autoFill bool
}

func NewBroker(clock clockwork.Clock) *Broker {
	return &Broker{
		clock:    clock,
		orders:   make(map[string]*order),
		byBroker: make(map[string]string),
	}
}

// FailNext makes the next call return a transport error instead of an
// answer.
func (b *Broker) FailNext(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextErr = err
}

// RejectNext makes the next placement come back synchronously rejected.
func (b *Broker) RejectNext(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reject = reason
}

// SetAutoFill completes every accepted order immediately at its limit price.
func (b *Broker) SetAutoFill(on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.autoFill = on
}

func (b *Broker) Authenticate(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.takeErr()
}

// PlaceOrder accepts or rejects synchronously. A repeated ClientOrderID
// returns the stored response unchanged, never a second order.
func (b *Broker) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeErr(); err != nil {
		return broker.OrderResponse{}, err
	}
	if existing, ok := b.orders[req.ClientOrderID]; ok {
		return existing.resp, nil
	}

	now := b.clock.Now()
	o := &order{req: req}
	if b.reject != "" {
		o.resp = broker.OrderResponse{Status: broker.StateRejected, RejectReason: b.reject}
		o.status = broker.OrderStatus{Status: broker.StateRejected, RejectReason: b.reject, Timestamp: now}
		b.reject = ""
		b.orders[req.ClientOrderID] = o
		return o.resp, nil
	}

	b.seq++
	brokerID := fmt.Sprintf("P-%06d", b.seq)
	o.resp = broker.OrderResponse{BrokerOrderID: brokerID, Status: broker.StateOpen}
	o.status = broker.OrderStatus{Status: broker.StateOpen, Timestamp: now}
	b.orders[req.ClientOrderID] = o
	b.byBroker[brokerID] = req.ClientOrderID

	if b.autoFill {
		o.status = broker.OrderStatus{
			Status:       broker.StateComplete,
			FilledQty:    req.Qty,
			AvgFillPrice: req.LimitPrice,
			Timestamp:    now,
		}
	}
	return o.resp, nil
}

func (b *Broker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeErr(); err != nil {
		return err
	}
	o := b.byBrokerID(brokerOrderID)
	if o == nil {
		return fmt.Errorf("%w: order %s", domain.ErrNotFound, brokerOrderID)
	}
	if o.status.Status.Terminal() {
		return domain.PermanentBrokerError("cancel", fmt.Sprintf("order %s already %s", brokerOrderID, o.status.Status))
	}
	o.status = broker.OrderStatus{Status: broker.StateCancelled, Timestamp: b.clock.Now()}
	return nil
}

func (b *Broker) ModifyOrder(ctx context.Context, brokerOrderID string, price float64, qty int64) (broker.OrderResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeErr(); err != nil {
		return broker.OrderResponse{}, err
	}
	o := b.byBrokerID(brokerOrderID)
	if o == nil {
		return broker.OrderResponse{}, fmt.Errorf("%w: order %s", domain.ErrNotFound, brokerOrderID)
	}
	if o.status.Status.Terminal() {
		return broker.OrderResponse{}, domain.PermanentBrokerError("modify", fmt.Sprintf("order %s already %s", brokerOrderID, o.status.Status))
	}
	o.req.LimitPrice = price
	o.req.Qty = qty
	return broker.OrderResponse{BrokerOrderID: brokerOrderID, Status: o.status.Status}, nil
}

// OrderStatus resolves by broker id first, then client id. An id the broker
// has never seen reports UNKNOWN rather than an error; the reconciler owns
// the age-based timeout decision.
func (b *Broker) OrderStatus(ctx context.Context, brokerOrderID, clientOrderID string) (broker.OrderStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeErr(); err != nil {
		return broker.OrderStatus{}, err
	}
	if o := b.byBrokerID(brokerOrderID); o != nil {
		return o.status, nil
	}
	if o, ok := b.orders[clientOrderID]; ok {
		return o.status, nil
	}
	return broker.OrderStatus{Status: broker.StateUnknown}, nil
}

// Fill scripts a (possibly partial) execution for an accepted order.
func (b *Broker) Fill(clientOrderID string, qty int64, price float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[clientOrderID]
	if !ok {
		return fmt.Errorf("%w: order %s", domain.ErrNotFound, clientOrderID)
	}
	if o.status.Status.Terminal() {
		return fmt.Errorf("order %s already %s", clientOrderID, o.status.Status)
	}
	state := broker.StateOpen
	if qty >= o.req.Qty {
		qty = o.req.Qty
		state = broker.StateComplete
	}
	o.status = broker.OrderStatus{
		Status:       state,
		FilledQty:    qty,
		AvgFillPrice: domain.Round2(price),
		Timestamp:    b.clock.Now(),
	}
	return nil
}

// RejectOpen scripts a broker-side rejection of a previously accepted order.
func (b *Broker) RejectOpen(clientOrderID, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[clientOrderID]
	if !ok {
		return fmt.Errorf("%w: order %s", domain.ErrNotFound, clientOrderID)
	}
	o.status = broker.OrderStatus{Status: broker.StateRejected, RejectReason: reason, Timestamp: b.clock.Now()}
	return nil
}

// OrderCount reports how many distinct orders the broker holds.
func (b *Broker) OrderCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.orders)
}

func (b *Broker) byBrokerID(brokerOrderID string) *order {
	clientID, ok := b.byBroker[brokerOrderID]
	if !ok {
		return nil
	}
	return b.orders[clientID]
}

// takeErr consumes a scripted transport failure. Caller holds the lock.
func (b *Broker) takeErr() error {
	if b.nextErr == nil {
		return nil
	}
	err := b.nextErr
	b.nextErr = nil
	return err
}
