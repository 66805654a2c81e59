// Package swap - Full settlement orchestration.
package swap

import (
	"fmt"
	"time"

	"github.com/crosslock-exchange/crosslock/internal/storage"
)

// CompleteSwap settles a matched order end to end: it ensures both legs are
// locked, then claims the destination leg first (revealing the secret on
// chain) and the source leg with the now-public secret. Safe to call again
// after a partial failure; already-finished steps are skipped.
func (c *Coordinator) CompleteSwap(orderID string, secretHex string) error {
	order, err := c.store.GetOrder(orderID)
	if err != nil {
		return err
	}
	if order.CounterOrderID == "" {
		return ErrNotPaired
	}
	if order.Status.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrOrderTerminal, order.Status)
	}
	if order.IsExpired(time.Now()) {
		return ErrOrderExpired
	}

	// Lock both legs if not already done.
	if order.SourceHTLCID == "" {
		if _, err := c.CreateLegHTLC(orderID, LegSource); err != nil {
			return fmt.Errorf("source leg: %w", err)
		}
	}
	order, err = c.store.GetOrder(orderID)
	if err != nil {
		return err
	}
	if order.DestinationHTLCID == "" {
		if _, err := c.CreateLegHTLC(orderID, LegDestination); err != nil {
			return fmt.Errorf("destination leg: %w", err)
		}
	}

	// Claim destination first: this reveals the secret, after which the
	// source claim cannot be blocked.
	if err := c.ClaimLeg(orderID, LegDestination, secretHex); err != nil {
		return fmt.Errorf("destination claim: %w", err)
	}
	if err := c.ClaimLeg(orderID, LegSource, secretHex); err != nil {
		return fmt.Errorf("source claim: %w", err)
	}

	order, err = c.store.GetOrder(orderID)
	if err != nil {
		return err
	}
	if order.Status != storage.StatusCompleted {
		return fmt.Errorf("settlement incomplete: order in status %s", order.Status)
	}

	return nil
}
