// Package swap - HTLC leg operations for the Coordinator.
package swap

import (
	"errors"
	"fmt"
	"time"

	"github.com/crosslock-exchange/crosslock/internal/gateway"
	"github.com/crosslock-exchange/crosslock/internal/hashlock"
	"github.com/crosslock-exchange/crosslock/internal/storage"
)

// Leg identifies one side of a swap order.
type Leg string

const (
	LegSource      Leg = "source"
	LegDestination Leg = "destination"
)

func parseLeg(s string) (Leg, error) {
	switch Leg(s) {
	case LegSource:
		return LegSource, nil
	case LegDestination:
		return LegDestination, nil
	default:
		return "", fmt.Errorf("unknown leg %q", s)
	}
}

// ParseLeg converts a wire string into a Leg.
func ParseLeg(s string) (Leg, error) { return parseLeg(s) }

// destinationExpiry returns the shortened timelock for the destination leg.
// It must expire before the source leg does, otherwise the taker could claim
// the source HTLC at the last moment and leave no time to claim the
// destination with the revealed secret.
func destinationExpiry(order *storage.Order) time.Time {
	return order.CreatedAt.Add(order.Timelock / 2)
}

// CreateLegHTLC locks funds for one leg of a matched order. The source leg
// must be locked first; the destination leg mirrors the counter order's
// funds and carries a shorter timelock.
//
// The same on-chain HTLC serves both orders of the pair, so the reference
// and status are recorded on both sides.
func (c *Coordinator) CreateLegHTLC(orderID string, leg Leg) (string, error) {
	order, err := c.store.GetOrder(orderID)
	if err != nil {
		return "", err
	}
	if order.CounterOrderID == "" {
		return "", ErrNotPaired
	}

	unlock := c.lockPair(orderID, order.CounterOrderID)
	defer unlock()

	// Re-read under the stripe.
	order, err = c.store.GetOrder(orderID)
	if err != nil {
		return "", err
	}
	counter, err := c.store.GetOrder(order.CounterOrderID)
	if err != nil {
		return "", err
	}

	if order.Status.IsTerminal() {
		return "", fmt.Errorf("%w: %s", ErrOrderTerminal, order.Status)
	}
	if order.IsExpired(time.Now()) {
		return "", ErrOrderExpired
	}

	lock, err := hashlock.FromHex(order.Hashlock)
	if err != nil {
		return "", fmt.Errorf("stored hashlock: %w", err)
	}

	var params gateway.HTLCParams
	var ledgerTag string

	switch leg {
	case LegSource:
		if order.Status != storage.StatusCreated {
			return "", fmt.Errorf("%w: source leg requires status %s, have %s",
				ErrInvalidTransition, storage.StatusCreated, order.Status)
		}
		if order.SourceHTLCID != "" {
			return order.SourceHTLCID, nil
		}
		ledgerTag = order.SourceLedger
		params = gateway.HTLCParams{
			Sender:   order.Maker,
			Receiver: counter.Maker,
			Token:    order.SourceToken,
			Amount:   order.SourceAmount,
			Hashlock: lock,
			Expiry:   order.ExpiresAt,
		}

	case LegDestination:
		if order.Status != storage.StatusSourceHTLCCreated && order.Status != storage.StatusSourceHTLCClaimed {
			return "", fmt.Errorf("%w: destination leg requires the source leg first, have %s",
				ErrInvalidTransition, order.Status)
		}
		if order.DestinationHTLCID != "" {
			return order.DestinationHTLCID, nil
		}
		expiry := destinationExpiry(order)
		if time.Now().After(expiry) {
			return "", fmt.Errorf("%w: destination window closed at %s", ErrOrderExpired, expiry)
		}
		ledgerTag = order.DestinationLedger
		params = gateway.HTLCParams{
			Sender:   counter.Maker,
			Receiver: order.Maker,
			Token:    order.DestinationToken,
			Amount:   order.DestinationAmount,
			Hashlock: lock,
			Expiry:   expiry,
		}

	default:
		return "", fmt.Errorf("unknown leg %q", leg)
	}

	gw, err := c.gateways.Get(ledgerTag)
	if err != nil {
		return "", err
	}

	var htlcID string
	err = c.callGateway("create_htlc", func() error {
		var cerr error
		htlcID, cerr = gw.CreateHTLC(c.ctx, params)
		return cerr
	})
	if err != nil {
		return "", fmt.Errorf("failed to create %s htlc: %w", leg, err)
	}

	if err := c.recordLegHTLC(order, counter, leg, htlcID); err != nil {
		return "", err
	}

	c.emitEvent(order.ID, "htlc_created", map[string]string{"leg": string(leg), "htlc_id": htlcID})
	return htlcID, nil
}

// recordLegHTLC stores the HTLC reference and advances status on both orders
// of the pair. One on-chain lock is the source leg of one order and the
// destination leg of its counterpart.
func (c *Coordinator) recordLegHTLC(order, counter *storage.Order, leg Leg, htlcID string) error {
	var ownLeg, counterLeg storage.HTLCLeg
	var ownTo, counterTo storage.OrderStatus

	if leg == LegSource {
		ownLeg, counterLeg = storage.LegSource, storage.LegDestination
		ownTo, counterTo = storage.StatusSourceHTLCCreated, storage.StatusDestinationHTLCCreated
	} else {
		ownLeg, counterLeg = storage.LegDestination, storage.LegSource
		ownTo, counterTo = storage.StatusDestinationHTLCCreated, storage.StatusSourceHTLCCreated
	}

	if err := c.store.SetOrderHTLC(order.ID, ownLeg, htlcID); err != nil {
		return err
	}
	if err := c.store.SetOrderHTLC(counter.ID, counterLeg, htlcID); err != nil {
		return err
	}

	if CanTransition(order.Status, ownTo) {
		if err := c.transition(order.ID, order.Status, ownTo); err != nil {
			return err
		}
	}
	if CanTransition(counter.Status, counterTo) {
		if err := c.transition(counter.ID, counter.Status, counterTo); err != nil {
			c.log.Warn("Failed to mirror htlc status on counter order",
				"order", counter.ID, "error", err)
		}
	}

	return nil
}

// ClaimLeg claims the HTLC on one leg. The secret may be supplied by the
// caller or come from the coordinator's stored copy; claiming always
// persists the secret, since the chain exposes it from then on anyway.
func (c *Coordinator) ClaimLeg(orderID string, leg Leg, secretHex string) error {
	order, err := c.store.GetOrder(orderID)
	if err != nil {
		return err
	}
	if order.CounterOrderID == "" {
		return ErrNotPaired
	}

	unlock := c.lockPair(orderID, order.CounterOrderID)
	defer unlock()

	order, err = c.store.GetOrder(orderID)
	if err != nil {
		return err
	}
	counter, err := c.store.GetOrder(order.CounterOrderID)
	if err != nil {
		return err
	}

	secret, err := c.resolveSecret(order, secretHex)
	if err != nil {
		return err
	}

	lock, err := hashlock.FromHex(order.Hashlock)
	if err != nil {
		return fmt.Errorf("stored hashlock: %w", err)
	}
	if !hashlock.Verify(secret, lock) {
		return gateway.ErrInvalidSecret
	}

	var ledgerTag, htlcID string
	switch leg {
	case LegSource:
		ledgerTag, htlcID = order.SourceLedger, order.SourceHTLCID
	case LegDestination:
		ledgerTag, htlcID = order.DestinationLedger, order.DestinationHTLCID
	default:
		return fmt.Errorf("unknown leg %q", leg)
	}
	if htlcID == "" {
		return fmt.Errorf("%s leg has no htlc", leg)
	}

	gw, err := c.gateways.Get(ledgerTag)
	if err != nil {
		return err
	}

	err = c.callGateway("claim_htlc", func() error {
		return gw.ClaimHTLC(c.ctx, htlcID, secret)
	})
	if err != nil {
		if !errors.Is(err, gateway.ErrAlreadyClaimed) {
			return fmt.Errorf("failed to claim %s htlc: %w", leg, err)
		}
		// Claimed out-of-band: fall through and record the outcome.
	}

	if err := c.store.SetOrderSecret(order.ID, secret.Hex()); err != nil && !errors.Is(err, storage.ErrSecretAlreadySet) {
		return err
	}
	if err := c.store.SetOrderSecret(counter.ID, secret.Hex()); err != nil && !errors.Is(err, storage.ErrSecretAlreadySet) {
		return err
	}

	c.recordLegClaim(order, counter, leg)
	c.emitEvent(order.ID, "htlc_claimed", map[string]string{"leg": string(leg), "htlc_id": htlcID})

	c.maybeComplete(order.ID)
	c.maybeComplete(counter.ID)

	return nil
}

// recordLegClaim advances claim status on both orders of the pair.
func (c *Coordinator) recordLegClaim(order, counter *storage.Order, leg Leg) {
	var ownTo, counterTo storage.OrderStatus
	if leg == LegSource {
		ownTo, counterTo = storage.StatusSourceHTLCClaimed, storage.StatusDestinationHTLCClaimed
	} else {
		ownTo, counterTo = storage.StatusDestinationHTLCClaimed, storage.StatusSourceHTLCClaimed
	}

	if CanTransition(order.Status, ownTo) {
		if err := c.transition(order.ID, order.Status, ownTo); err != nil {
			c.log.Warn("Failed to record claim status", "order", order.ID, "error", err)
		}
	}
	if CanTransition(counter.Status, counterTo) {
		if err := c.transition(counter.ID, counter.Status, counterTo); err != nil {
			c.log.Warn("Failed to mirror claim status on counter order",
				"order", counter.ID, "error", err)
		}
	}
}

// resolveSecret returns the supplied secret, or the stored one when the
// coordinator generated it at order creation.
func (c *Coordinator) resolveSecret(order *storage.Order, secretHex string) (hashlock.Secret, error) {
	if secretHex != "" {
		return hashlock.SecretFromHex(secretHex)
	}
	if order.Secret != "" {
		return hashlock.SecretFromHex(order.Secret)
	}
	return hashlock.Secret{}, ErrSecretUnknown
}

// maybeComplete transitions an order to Completed once both legs are
// claimed. Caller holds the pair stripe.
func (c *Coordinator) maybeComplete(orderID string) {
	order, err := c.store.GetOrder(orderID)
	if err != nil {
		return
	}
	if order.Status != storage.StatusSourceHTLCClaimed && order.Status != storage.StatusDestinationHTLCClaimed {
		return
	}
	if order.SourceHTLCID == "" || order.DestinationHTLCID == "" {
		return
	}

	if !c.legClaimed(order.SourceLedger, order.SourceHTLCID) {
		return
	}
	if !c.legClaimed(order.DestinationLedger, order.DestinationHTLCID) {
		return
	}

	if err := c.transition(order.ID, order.Status, storage.StatusCompleted); err != nil {
		c.log.Warn("Failed to complete order", "order", order.ID, "error", err)
		return
	}

	c.log.Info("Swap completed", "order", order.ID)
	c.emitEvent(order.ID, "completed", nil)
}

func (c *Coordinator) legClaimed(ledgerTag, htlcID string) bool {
	gw, err := c.gateways.Get(ledgerTag)
	if err != nil {
		return false
	}
	h, err := gw.HTLCStatus(c.ctx, htlcID)
	if err != nil {
		return false
	}
	return h.State == gateway.HTLCStateClaimed
}

// RefundLeg refunds an expired HTLC leg back to its sender and records the
// refund on both orders of the pair.
func (c *Coordinator) RefundLeg(orderID string, leg Leg) error {
	order, err := c.store.GetOrder(orderID)
	if err != nil {
		return err
	}

	var unlock func()
	if order.CounterOrderID != "" {
		unlock = c.lockPair(orderID, order.CounterOrderID)
	} else {
		unlock = c.lockOrder(orderID)
	}
	defer unlock()

	order, err = c.store.GetOrder(orderID)
	if err != nil {
		return err
	}

	var ledgerTag, htlcID string
	switch leg {
	case LegSource:
		ledgerTag, htlcID = order.SourceLedger, order.SourceHTLCID
	case LegDestination:
		ledgerTag, htlcID = order.DestinationLedger, order.DestinationHTLCID
	default:
		return fmt.Errorf("unknown leg %q", leg)
	}
	if htlcID == "" {
		return fmt.Errorf("%s leg has no htlc", leg)
	}

	gw, err := c.gateways.Get(ledgerTag)
	if err != nil {
		return err
	}

	err = c.callGateway("refund_htlc", func() error {
		return gw.RefundHTLC(c.ctx, htlcID)
	})
	if err != nil {
		if errors.Is(err, gateway.ErrAlreadyRefunded) {
			// Already settled on chain: record and move on.
		} else {
			if recordErr := c.store.RecordRefundFailure(order.ID, err.Error()); recordErr != nil {
				c.log.Warn("Failed to record refund failure", "order", order.ID, "error", recordErr)
			}
			return fmt.Errorf("failed to refund %s htlc: %w", leg, err)
		}
	}

	if CanTransition(order.Status, storage.StatusRefunded) {
		if err := c.transition(order.ID, order.Status, storage.StatusRefunded); err != nil {
			return err
		}
	}

	c.log.Info("Leg refunded", "order", order.ID, "leg", leg, "htlc", htlcID)
	c.emitEvent(order.ID, "htlc_refunded", map[string]string{"leg": string(leg), "htlc_id": htlcID})
	return nil
}
