// Package swap - Coordinator manages swap orders and orchestrates HTLCs.
package swap

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/crosslock-exchange/crosslock/internal/config"
	"github.com/crosslock-exchange/crosslock/internal/gateway"
	"github.com/crosslock-exchange/crosslock/internal/ledger"
	"github.com/crosslock-exchange/crosslock/internal/nonce"
	"github.com/crosslock-exchange/crosslock/internal/storage"
	"github.com/crosslock-exchange/crosslock/pkg/logging"
)

const lockStripes = 64

// Event is delivered to registered handlers on order state changes.
type Event struct {
	OrderID   string      `json:"order_id"`
	EventType string      `json:"event_type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// EventHandler receives coordinator events.
type EventHandler func(Event)

// Coordinator owns the swap order lifecycle. All mutations of one order are
// serialized through a striped lock keyed by order id; gateway calls happen
// while holding that stripe so two workers never race the same order's
// chain operations.
type Coordinator struct {
	store     *storage.Storage
	gateways  *gateway.Registry
	allocator *nonce.Allocator
	cfg       *config.SwapConfig
	retry     *config.RetryConfig
	network   ledger.Network

	stripes [lockStripes]sync.Mutex

	mu            sync.RWMutex
	eventHandlers []EventHandler

	log    *logging.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// CoordinatorConfig carries the coordinator's dependencies.
type CoordinatorConfig struct {
	Store     *storage.Storage
	Gateways  *gateway.Registry
	Allocator *nonce.Allocator
	Swap      *config.SwapConfig
	Retry     *config.RetryConfig
	Network   ledger.Network
	Logger    *logging.Logger
}

// NewCoordinator creates a coordinator.
func NewCoordinator(cfg *CoordinatorConfig) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())

	swapCfg := cfg.Swap
	if swapCfg == nil {
		swapCfg = config.DefaultSwapConfig()
	}

	retryCfg := cfg.Retry
	if retryCfg == nil {
		retryCfg = config.DefaultRetryConfig()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}

	network := cfg.Network
	if network == "" {
		network = ledger.Mainnet
	}

	return &Coordinator{
		store:     cfg.Store,
		gateways:  cfg.Gateways,
		allocator: cfg.Allocator,
		cfg:       swapCfg,
		retry:     retryCfg,
		network:   network,
		log:       logger.Component("swap"),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Network returns the ledger network the coordinator operates on.
func (c *Coordinator) Network() ledger.Network {
	return c.network
}

// Ledgers returns the tags of all registered gateways.
func (c *Coordinator) Ledgers() []string {
	return c.gateways.Ledgers()
}

// callGateway runs one gateway mutation, retrying transient failures with
// exponential backoff. Other failures surface immediately.
func (c *Coordinator) callGateway(op string, fn func() error) error {
	var err error
	for attempt := 0; attempt < c.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			c.log.Warn("Retrying gateway call", "op", op, "attempt", attempt, "error", err)
			select {
			case <-c.ctx.Done():
				return c.ctx.Err()
			case <-time.After(c.retry.Backoff(attempt - 1)):
			}
		}
		err = fn()
		if err == nil || !errors.Is(err, gateway.ErrTransient) {
			return err
		}
	}
	return err
}

// lockOrder acquires the stripe for an order id.
func (c *Coordinator) lockOrder(orderID string) func() {
	h := fnv.New32a()
	h.Write([]byte(orderID))
	stripe := &c.stripes[h.Sum32()%lockStripes]
	stripe.Lock()
	return stripe.Unlock
}

// lockPair acquires both orders' stripes in a stable sequence so two workers
// locking the same pair from opposite ends cannot deadlock.
func (c *Coordinator) lockPair(idA, idB string) func() {
	ha := fnv.New32a()
	ha.Write([]byte(idA))
	hb := fnv.New32a()
	hb.Write([]byte(idB))

	sa := ha.Sum32() % lockStripes
	sb := hb.Sum32() % lockStripes

	if sa == sb {
		c.stripes[sa].Lock()
		return c.stripes[sa].Unlock
	}
	if sa > sb {
		sa, sb = sb, sa
	}
	c.stripes[sa].Lock()
	c.stripes[sb].Lock()
	first, second := sa, sb
	return func() {
		c.stripes[second].Unlock()
		c.stripes[first].Unlock()
	}
}

// OnEvent registers an event handler.
func (c *Coordinator) OnEvent(handler EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eventHandlers = append(c.eventHandlers, handler)
}

// emitEvent delivers an event to all handlers asynchronously.
func (c *Coordinator) emitEvent(orderID, eventType string, data interface{}) {
	event := Event{
		OrderID:   orderID,
		EventType: eventType,
		Data:      data,
		Timestamp: time.Now(),
	}

	c.mu.RLock()
	handlers := make([]EventHandler, len(c.eventHandlers))
	copy(handlers, c.eventHandlers)
	c.mu.RUnlock()

	for _, handler := range handlers {
		go handler(event)
	}
}

// Recover resumes in-flight orders after a restart: it re-reads non-terminal
// orders and expires any whose timelock already passed. HTLCs created before
// the restart are picked up again by the expiry monitor.
func (c *Coordinator) Recover() error {
	orders, err := c.store.NonTerminalOrders()
	if err != nil {
		return err
	}

	now := time.Now()
	for _, order := range orders {
		if order.IsExpired(now) && CanTransition(order.Status, storage.StatusExpired) {
			if err := c.transition(order.ID, order.Status, storage.StatusExpired); err != nil {
				c.log.Warn("Failed to expire order during recovery", "order", order.ID, "error", err)
			}
		}
	}

	c.log.Info("Recovery complete", "open_orders", len(orders))
	return nil
}

// Stop shuts down the coordinator and its background monitors.
func (c *Coordinator) Stop() {
	c.cancel()
}
