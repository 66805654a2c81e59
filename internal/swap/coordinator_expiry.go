// Package swap - Expiry monitoring for the Coordinator.
package swap

import (
	"errors"
	"time"

	"github.com/crosslock-exchange/crosslock/internal/gateway"
	"github.com/crosslock-exchange/crosslock/internal/storage"
)

// ExpiryResult reports what the sweep did for one order.
type ExpiryResult struct {
	OrderID  string
	Expired  bool
	Refunded bool
	Err      error
}

// CheckExpiries sweeps non-terminal orders: orders past their timelock are
// marked Expired, and any funds still locked on either leg are refunded.
// The status is re-read per order so a swap that settles mid-sweep is left
// alone.
func (c *Coordinator) CheckExpiries() []ExpiryResult {
	orders, err := c.store.NonTerminalOrders()
	if err != nil {
		c.log.Error("Expiry sweep failed to list orders", "error", err)
		return nil
	}

	now := time.Now()
	var results []ExpiryResult

	for _, stale := range orders {
		if !stale.IsExpired(now) {
			continue
		}
		results = append(results, c.expireOrder(stale.ID))
	}

	return results
}

func (c *Coordinator) expireOrder(orderID string) ExpiryResult {
	result := ExpiryResult{OrderID: orderID}

	unlock := c.lockOrder(orderID)
	defer unlock()

	order, err := c.store.GetOrder(orderID)
	if err != nil {
		result.Err = err
		return result
	}

	// Re-check under the stripe: the order may have settled since the scan.
	if order.Status.IsTerminal() || !order.IsExpired(time.Now()) {
		return result
	}

	if CanTransition(order.Status, storage.StatusExpired) {
		if err := c.transition(orderID, order.Status, storage.StatusExpired); err != nil {
			if !errors.Is(err, storage.ErrOrderConflict) {
				result.Err = err
				return result
			}
			// Lost the race to a settlement path; leave the order alone.
			return result
		}
		result.Expired = true
	} else if order.Status != storage.StatusExpired {
		return result
	}

	refunded := c.refundExpiredLegs(order, &result)
	if refunded {
		if err := c.transition(orderID, storage.StatusExpired, storage.StatusRefunded); err == nil {
			result.Refunded = true
			c.emitEvent(orderID, "refunded", nil)
		}
	}

	return result
}

// refundExpiredLegs refunds whichever legs still hold funds. Returns true
// when every leg that had a lock is now settled back.
func (c *Coordinator) refundExpiredLegs(order *storage.Order, result *ExpiryResult) bool {
	allSettled := true

	for _, leg := range []struct {
		ledger string
		htlcID string
	}{
		{order.SourceLedger, order.SourceHTLCID},
		{order.DestinationLedger, order.DestinationHTLCID},
	} {
		if leg.htlcID == "" {
			continue
		}

		gw, err := c.gateways.Get(leg.ledger)
		if err != nil {
			result.Err = err
			allSettled = false
			continue
		}

		h, err := gw.HTLCStatus(c.ctx, leg.htlcID)
		if err != nil {
			result.Err = err
			allSettled = false
			continue
		}
		if h.State != gateway.HTLCStateActive {
			continue
		}

		if err := gw.RefundHTLC(c.ctx, leg.htlcID); err != nil {
			switch {
			case errors.Is(err, gateway.ErrAlreadyRefunded), errors.Is(err, gateway.ErrAlreadyClaimed):
				// Settled between the status read and the refund.
			case errors.Is(err, gateway.ErrNotExpired):
				// Chain clock lags ours; the next sweep retries.
				allSettled = false
			default:
				if recordErr := c.store.RecordRefundFailure(order.ID, err.Error()); recordErr != nil {
					c.log.Warn("Failed to record refund failure", "order", order.ID, "error", recordErr)
				}
				result.Err = err
				allSettled = false
			}
			continue
		}

		c.log.Info("Expired leg refunded", "order", order.ID, "htlc", leg.htlcID)
	}

	return allSettled && (order.SourceHTLCID != "" || order.DestinationHTLCID != "")
}

// StartExpiryMonitor launches the background sweep at the configured
// interval. It stops when the coordinator does.
func (c *Coordinator) StartExpiryMonitor() {
	go func() {
		ticker := time.NewTicker(c.cfg.ExpiryInterval)
		defer ticker.Stop()

		for {
			select {
			case <-c.ctx.Done():
				return
			case <-ticker.C:
				results := c.CheckExpiries()
				for _, r := range results {
					if r.Err != nil {
						c.log.Warn("Expiry handling failed", "order", r.OrderID, "error", r.Err)
					}
				}
			}
		}
	}()
}
