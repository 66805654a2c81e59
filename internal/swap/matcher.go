// Package swap - Order matching.
package swap

import (
	"errors"
	"fmt"
	"time"

	"github.com/crosslock-exchange/crosslock/internal/storage"
	"github.com/crosslock-exchange/crosslock/pkg/helpers"
)

// ErrNoMatch indicates no compatible counter order exists right now.
var ErrNoMatch = errors.New("no compatible counter order")

// Compatible reports whether two orders form mirror legs of one swap: what
// one side offers is what the other side wants, on the same ledger and
// token, with amounts within the configured tolerance.
func (c *Coordinator) Compatible(a, b *storage.Order, now time.Time) bool {
	if a.ID == b.ID || a.Maker == b.Maker {
		return false
	}
	if a.Taker != "" && a.Taker != b.Maker {
		return false
	}
	if b.Taker != "" && b.Taker != a.Maker {
		return false
	}
	if a.Status != storage.StatusCreated || b.Status != storage.StatusCreated {
		return false
	}
	if a.CounterOrderID != "" || b.CounterOrderID != "" {
		return false
	}
	if a.IsExpired(now) || b.IsExpired(now) {
		return false
	}

	if a.SourceLedger != b.DestinationLedger || a.DestinationLedger != b.SourceLedger {
		return false
	}
	if a.SourceToken != b.DestinationToken || a.DestinationToken != b.SourceToken {
		return false
	}

	tol := c.cfg.MatchToleranceBps
	if !helpers.WithinToleranceBps(a.SourceAmount, b.DestinationAmount, tol) {
		return false
	}
	if !helpers.WithinToleranceBps(a.DestinationAmount, b.SourceAmount, tol) {
		return false
	}

	return true
}

// CompatibleOrders returns every open order that could pair with the given
// one, oldest first.
func (c *Coordinator) CompatibleOrders(orderID string) ([]*storage.Order, error) {
	order, err := c.store.GetOrder(orderID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	candidates, err := c.store.PendingOrders(now)
	if err != nil {
		return nil, err
	}

	var matches []*storage.Order
	for _, candidate := range candidates {
		if c.Compatible(order, candidate, now) {
			matches = append(matches, candidate)
		}
	}
	return matches, nil
}

// matchOrder scans open orders oldest-first for a compatible counterpart and
// links the pair atomically. Losing a pairing race to a concurrent matcher
// just moves on to the next candidate.
func (c *Coordinator) matchOrder(order *storage.Order) (*storage.Order, error) {
	now := time.Now()

	for attempt := 0; attempt < c.cfg.MatchRetries; attempt++ {
		candidates, err := c.store.PendingOrders(now)
		if err != nil {
			return nil, err
		}

		matched := false
		for _, candidate := range candidates {
			if !c.Compatible(order, candidate, now) {
				continue
			}

			err := c.store.LinkCounterOrders(order.ID, candidate.ID, order.Version, candidate.Version)
			if err != nil {
				if errors.Is(err, storage.ErrOrderConflict) {
					matched = true // candidate was taken, rescan
					break
				}
				return nil, fmt.Errorf("failed to link orders: %w", err)
			}

			// Both legs settle under one hashlock; the older order's
			// commitment is canonical and the new order adopts it.
			if err := c.store.AdoptHashlock(order.ID, candidate.Hashlock, candidate.Secret); err != nil {
				return nil, fmt.Errorf("failed to adopt hashlock: %w", err)
			}

			c.log.Info("Orders matched", "order", order.ID, "counter", candidate.ID)
			c.emitEvent(order.ID, "matched", map[string]string{"counter_order_id": candidate.ID})
			c.emitEvent(candidate.ID, "matched", map[string]string{"counter_order_id": order.ID})

			return c.store.GetOrder(candidate.ID)
		}

		if !matched {
			return nil, ErrNoMatch
		}

		// Our own view may be stale too after losing the race.
		order, err = c.store.GetOrder(order.ID)
		if err != nil {
			return nil, err
		}
		if order.CounterOrderID != "" {
			return c.store.GetOrder(order.CounterOrderID)
		}
	}

	return nil, ErrNoMatch
}
