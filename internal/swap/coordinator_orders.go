// Package swap - Order operations for the Coordinator.
package swap

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/crosslock-exchange/crosslock/internal/hashlock"
	"github.com/crosslock-exchange/crosslock/internal/ledger"
	"github.com/crosslock-exchange/crosslock/internal/storage"
)

// CreateOrderRequest describes one side of an intended swap. The maker offers
// source_amount of source_token on the source ledger and wants
// destination_amount of destination_token on the destination ledger.
type CreateOrderRequest struct {
	Maker string `json:"maker"`

	// Taker restricts matching to one counterparty; empty accepts anyone.
	// Either way the field is filled with the actual counterparty's maker
	// when the order pairs.
	Taker string `json:"taker,omitempty"`

	SourceLedger      string        `json:"source_ledger"`
	SourceToken       string        `json:"source_token"`
	SourceAmount      uint64        `json:"source_amount"`
	DestinationLedger string        `json:"destination_ledger"`
	DestinationToken  string        `json:"destination_token"`
	DestinationAmount uint64        `json:"destination_amount"`
	Timelock          time.Duration `json:"timelock,omitempty"`

	// Hashlock commits to an externally held secret. When empty the
	// coordinator generates the secret and keeps it until settlement.
	Hashlock string `json:"hashlock,omitempty"`
}

func (c *Coordinator) validateOrderRequest(req *CreateOrderRequest) error {
	if req.Maker == "" {
		return fmt.Errorf("maker address is required")
	}
	if req.SourceAmount == 0 || req.DestinationAmount == 0 {
		return fmt.Errorf("amounts must be positive")
	}
	if req.SourceLedger == req.DestinationLedger {
		return fmt.Errorf("source and destination ledger must differ")
	}

	src, ok := ledger.Get(req.SourceLedger, c.network)
	if !ok {
		return fmt.Errorf("%w: %s", ledger.ErrUnknownLedger, req.SourceLedger)
	}
	dst, ok := ledger.Get(req.DestinationLedger, c.network)
	if !ok {
		return fmt.Errorf("%w: %s", ledger.ErrUnknownLedger, req.DestinationLedger)
	}

	if err := ledger.CheckAddress(req.SourceLedger, c.network, req.Maker); err != nil {
		return fmt.Errorf("maker address: %w", err)
	}
	// A designated taker is the counter order's maker, so it lives on this
	// order's destination ledger.
	if req.Taker != "" {
		if err := ledger.CheckAddress(req.DestinationLedger, c.network, req.Taker); err != nil {
			return fmt.Errorf("taker address: %w", err)
		}
	}
	if req.SourceAmount < src.MinHTLCAmount {
		return fmt.Errorf("source amount %d below ledger minimum %d", req.SourceAmount, src.MinHTLCAmount)
	}
	if req.DestinationAmount < dst.MinHTLCAmount {
		return fmt.Errorf("destination amount %d below ledger minimum %d", req.DestinationAmount, dst.MinHTLCAmount)
	}

	return nil
}

// CreateOrder validates, persists, and immediately tries to match a new
// order. The returned order carries the counter order id when a match was
// found.
func (c *Coordinator) CreateOrder(req *CreateOrderRequest) (*storage.Order, error) {
	if err := c.validateOrderRequest(req); err != nil {
		return nil, err
	}

	timelock := req.Timelock
	if timelock == 0 {
		timelock = c.cfg.DefaultTimelock
	}
	if timelock < c.cfg.MinTimelock || timelock > c.cfg.MaxTimelock {
		return nil, fmt.Errorf("timelock %s outside allowed range [%s, %s]",
			timelock, c.cfg.MinTimelock, c.cfg.MaxTimelock)
	}

	var lock hashlock.Hashlock
	var secret hashlock.Secret
	haveSecret := false

	if req.Hashlock != "" {
		var err error
		lock, err = hashlock.FromHex(req.Hashlock)
		if err != nil {
			return nil, fmt.Errorf("hashlock: %w", err)
		}
	} else {
		var err error
		secret, err = hashlock.GenerateSecret()
		if err != nil {
			return nil, fmt.Errorf("failed to generate secret: %w", err)
		}
		lock = hashlock.Of(secret)
		haveSecret = true
	}

	now := time.Now()
	order := &storage.Order{
		ID:                uuid.New().String(),
		Status:            storage.StatusCreated,
		Maker:             req.Maker,
		Taker:             req.Taker,
		SourceLedger:      req.SourceLedger,
		SourceToken:       req.SourceToken,
		SourceAmount:      req.SourceAmount,
		DestinationLedger: req.DestinationLedger,
		DestinationToken:  req.DestinationToken,
		DestinationAmount: req.DestinationAmount,
		Hashlock:          lock.Hex(),
		Timelock:          timelock,
		CreatedAt:         now,
		ExpiresAt:         now.Add(timelock),
	}

	if err := c.store.CreateOrder(order); err != nil {
		return nil, err
	}
	if haveSecret {
		if err := c.store.SetOrderSecret(order.ID, secret.Hex()); err != nil {
			return nil, err
		}
	}

	c.log.Info("Order created", "order", order.ID,
		"pair", order.SourceLedger+"->"+order.DestinationLedger,
		"expires", order.ExpiresAt)
	c.emitEvent(order.ID, "created", nil)

	if counter, err := c.matchOrder(order); err == nil {
		order.CounterOrderID = counter.ID
	}

	return c.store.GetOrder(order.ID)
}

// GetOrder retrieves an order by id.
func (c *Coordinator) GetOrder(orderID string) (*storage.Order, error) {
	return c.store.GetOrder(orderID)
}

// ListOrders returns orders matching the filter.
func (c *Coordinator) ListOrders(filter storage.OrderFilter) ([]*storage.Order, error) {
	return c.store.ListOrders(filter)
}

// CancelOrder cancels an order that has not yet locked any funds. A paired
// order can no longer be cancelled: its counterpart may already be acting
// on the pairing.
func (c *Coordinator) CancelOrder(orderID string) error {
	unlock := c.lockOrder(orderID)
	defer unlock()

	order, err := c.store.GetOrder(orderID)
	if err != nil {
		return err
	}

	if order.Status != storage.StatusCreated {
		return fmt.Errorf("%w: cannot cancel in status %s", ErrInvalidTransition, order.Status)
	}
	if order.CounterOrderID != "" {
		return fmt.Errorf("cannot cancel a matched order")
	}

	if err := c.transition(orderID, storage.StatusCreated, storage.StatusCancelled); err != nil {
		return err
	}

	c.log.Info("Order cancelled", "order", orderID)
	return nil
}

// LegStatus is the observed on-chain state of one HTLC leg.
type LegStatus struct {
	HTLCID string `json:"htlc_id,omitempty"`
	State  string `json:"state,omitempty"`
}

// OrderStatusInfo reports the order's status alongside the live state of
// both legs and the audited transition history.
type OrderStatusInfo struct {
	OrderID        string                `json:"order_id"`
	Status         storage.OrderStatus   `json:"status"`
	CounterOrderID string                `json:"counter_order_id,omitempty"`
	SourceLeg      LegStatus             `json:"source_leg"`
	DestinationLeg LegStatus             `json:"destination_leg"`
	ExpiresAt      time.Time             `json:"expires_at"`
	Expired        bool                  `json:"expired"`
	Transitions    []*storage.Transition `json:"transitions,omitempty"`
}

// Status returns the full status view of an order, including live HTLC
// state read through the gateways.
func (c *Coordinator) Status(orderID string) (*OrderStatusInfo, error) {
	order, err := c.store.GetOrder(orderID)
	if err != nil {
		return nil, err
	}

	info := &OrderStatusInfo{
		OrderID:        order.ID,
		Status:         order.Status,
		CounterOrderID: order.CounterOrderID,
		SourceLeg:      LegStatus{HTLCID: order.SourceHTLCID},
		DestinationLeg: LegStatus{HTLCID: order.DestinationHTLCID},
		ExpiresAt:      order.ExpiresAt,
		Expired:        order.IsExpired(time.Now()),
	}

	if order.SourceHTLCID != "" {
		if gw, err := c.gateways.Get(order.SourceLedger); err == nil {
			if h, err := gw.HTLCStatus(c.ctx, order.SourceHTLCID); err == nil {
				info.SourceLeg.State = h.State.String()
			}
		}
	}
	if order.DestinationHTLCID != "" {
		if gw, err := c.gateways.Get(order.DestinationLedger); err == nil {
			if h, err := gw.HTLCStatus(c.ctx, order.DestinationHTLCID); err == nil {
				info.DestinationLeg.State = h.State.String()
			}
		}
	}

	transitions, err := c.store.Transitions(orderID)
	if err == nil {
		info.Transitions = transitions
	}

	return info, nil
}
