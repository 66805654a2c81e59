// Package swap coordinates cross-chain atomic swaps: order lifecycle, HTLC
// orchestration across both legs, matching, and expiry handling.
package swap

import (
	"errors"
	"fmt"

	"github.com/crosslock-exchange/crosslock/internal/storage"
)

// Swap errors
var (
	ErrOrderNotFound     = storage.ErrOrderNotFound
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotPaired         = errors.New("order has no counter order")
	ErrOrderExpired      = errors.New("order has expired")
	ErrOrderTerminal     = errors.New("order is in a terminal state")
	ErrSecretUnknown     = errors.New("secret not yet revealed")
)

// validTransitions is the order lifecycle. Claims on the two legs can land
// in either sequence, so both interleavings are reachable; transitions only
// ever move forward.
var validTransitions = map[storage.OrderStatus][]storage.OrderStatus{
	storage.StatusCreated: {
		storage.StatusSourceHTLCCreated,
		storage.StatusCancelled,
		storage.StatusExpired,
	},
	storage.StatusSourceHTLCCreated: {
		storage.StatusSourceHTLCClaimed,
		storage.StatusDestinationHTLCCreated,
		storage.StatusExpired,
		storage.StatusRefunded,
	},
	storage.StatusDestinationHTLCCreated: {
		storage.StatusSourceHTLCClaimed,
		storage.StatusDestinationHTLCClaimed,
		storage.StatusExpired,
		storage.StatusRefunded,
	},
	storage.StatusSourceHTLCClaimed: {
		storage.StatusDestinationHTLCCreated,
		storage.StatusDestinationHTLCClaimed,
		storage.StatusCompleted,
		storage.StatusExpired,
		storage.StatusRefunded,
	},
	storage.StatusDestinationHTLCClaimed: {
		storage.StatusSourceHTLCClaimed,
		storage.StatusCompleted,
		storage.StatusExpired,
		storage.StatusRefunded,
	},
	storage.StatusExpired: {
		storage.StatusRefunded,
	},
	// Completed, Cancelled, Refunded are terminal
	storage.StatusCompleted: {},
	storage.StatusCancelled: {},
	storage.StatusRefunded:  {},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to storage.OrderStatus) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transitions returns the statuses reachable from the given one.
func Transitions(from storage.OrderStatus) []storage.OrderStatus {
	allowed := validTransitions[from]
	out := make([]storage.OrderStatus, len(allowed))
	copy(out, allowed)
	return out
}

// transition performs a checked status change against storage. The storage
// layer's compare-and-set guarantees the from-status still holds, so two
// racing callers cannot both win.
func (c *Coordinator) transition(orderID string, from, to storage.OrderStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	if err := c.store.UpdateOrderStatus(orderID, from, to); err != nil {
		return err
	}

	c.log.Debug("Order transitioned", "order", orderID, "from", from, "to", to)
	c.emitEvent(orderID, "status_changed", map[string]string{
		"from": string(from),
		"to":   string(to),
	})

	return nil
}
