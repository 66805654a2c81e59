package swap

import (
	"testing"
	"time"

	"github.com/stellar/go/keypair"
)

func TestMatchingIsFIFO(t *testing.T) {
	e := newTestEnv(t)

	// Two identical offers on the evm side; the oldest must win the match.
	first, err := e.coord.CreateOrder(e.orderRequestA())
	if err != nil {
		t.Fatalf("Failed to create first order: %v", err)
	}
	second, err := e.coord.CreateOrder(e.orderRequestA())
	if err != nil {
		t.Fatalf("Failed to create second order: %v", err)
	}

	taker, err := e.coord.CreateOrder(e.orderRequestB())
	if err != nil {
		t.Fatalf("Failed to create taker order: %v", err)
	}

	if taker.CounterOrderID != first.ID {
		t.Errorf("Expected oldest order matched first, got %s (first=%s second=%s)",
			taker.CounterOrderID, first.ID, second.ID)
	}

	second, _ = e.coord.GetOrder(second.ID)
	if second.CounterOrderID != "" {
		t.Errorf("Expected second order still unpaired")
	}
}

func TestMatchingWithinTolerance(t *testing.T) {
	e := newTestEnv(t)
	e.coord.cfg.MatchToleranceBps = 100 // 1%

	if _, err := e.coord.CreateOrder(e.orderRequestA()); err != nil {
		t.Fatalf("Failed to create order: %v", err)
	}

	// Counter order offers 0.5% less than asked; within tolerance.
	req := e.orderRequestB()
	req.SourceAmount = 19900000
	req.DestinationAmount = 1990000000000000

	taker, err := e.coord.CreateOrder(req)
	if err != nil {
		t.Fatalf("Failed to create taker order: %v", err)
	}
	if taker.CounterOrderID == "" {
		t.Error("Expected match within tolerance")
	}
}

func TestMatchingRejectsOutsideTolerance(t *testing.T) {
	e := newTestEnv(t)
	e.coord.cfg.MatchToleranceBps = 10 // 0.1%

	if _, err := e.coord.CreateOrder(e.orderRequestA()); err != nil {
		t.Fatalf("Failed to create order: %v", err)
	}

	// 5% off; well outside tolerance.
	req := e.orderRequestB()
	req.SourceAmount = 19000000
	req.DestinationAmount = 1900000000000000

	taker, err := e.coord.CreateOrder(req)
	if err != nil {
		t.Fatalf("Failed to create taker order: %v", err)
	}
	if taker.CounterOrderID != "" {
		t.Error("Expected no match outside tolerance")
	}
}

func TestMatchingRequiresMirroredPair(t *testing.T) {
	e := newTestEnv(t)

	if _, err := e.coord.CreateOrder(e.orderRequestA()); err != nil {
		t.Fatalf("Failed to create order: %v", err)
	}

	// Same direction as the resting order, not its mirror.
	other, err := e.coord.CreateOrder(e.orderRequestA())
	if err != nil {
		t.Fatalf("Failed to create second order: %v", err)
	}
	if other.CounterOrderID != "" {
		t.Error("Expected no match for a same-direction order")
	}

	// Mirror ledgers but a different token pair.
	req := e.orderRequestB()
	req.DestinationToken = "0x2222222222222222222222222222222222222222"
	mismatched, err := e.coord.CreateOrder(req)
	if err != nil {
		t.Fatalf("Failed to create mismatched order: %v", err)
	}
	if mismatched.CounterOrderID != "" {
		t.Error("Expected no match across different tokens")
	}
}

func TestDesignatedTakerRestrictsMatching(t *testing.T) {
	e := newTestEnv(t)

	// Reserved for a counterparty who never shows up.
	reserved := e.orderRequestA()
	reserved.Taker = keypair.MustRandom().Address()
	if _, err := e.coord.CreateOrder(reserved); err != nil {
		t.Fatalf("Failed to create reserved order: %v", err)
	}

	b, err := e.coord.CreateOrder(e.orderRequestB())
	if err != nil {
		t.Fatalf("Failed to create counter order: %v", err)
	}
	if b.CounterOrderID != "" {
		t.Fatalf("Expected no match against a reserved order, got %s", b.CounterOrderID)
	}

	// An order reserved for B's maker pairs with it.
	open := e.orderRequestA()
	open.Taker = e.makerB
	a, err := e.coord.CreateOrder(open)
	if err != nil {
		t.Fatalf("Failed to create designated order: %v", err)
	}
	if a.CounterOrderID != b.ID {
		t.Errorf("Expected designated order matched to %s, got %q", b.ID, a.CounterOrderID)
	}
}

func TestMatchingFillsTaker(t *testing.T) {
	e := newTestEnv(t)
	a, b := e.matchedPair(t)

	if a.Taker != e.makerB {
		t.Errorf("Expected order A taker %q, got %q", e.makerB, a.Taker)
	}
	if b.Taker != e.makerA {
		t.Errorf("Expected order B taker %q, got %q", e.makerA, b.Taker)
	}
}

func TestCompatibleRejectsSameMaker(t *testing.T) {
	e := newTestEnv(t)
	now := time.Now()

	a, err := e.coord.CreateOrder(e.orderRequestA())
	if err != nil {
		t.Fatalf("Failed to create order: %v", err)
	}

	// A perfect mirror from the same maker must not self-match.
	b := *a
	b.ID = "mirror"
	b.SourceLedger, b.DestinationLedger = a.DestinationLedger, a.SourceLedger
	b.SourceToken, b.DestinationToken = a.DestinationToken, a.SourceToken
	b.SourceAmount, b.DestinationAmount = a.DestinationAmount, a.SourceAmount

	if e.coord.Compatible(a, &b, now) {
		t.Error("Expected no self-match across one maker's own orders")
	}

	b.Maker = e.makerB
	if !e.coord.Compatible(a, &b, now) {
		t.Error("Expected match once makers differ")
	}
}

func TestCompatibleOrdersListing(t *testing.T) {
	e := newTestEnv(t)
	e.coord.cfg.MatchToleranceBps = 0

	resting, err := e.coord.CreateOrder(e.orderRequestA())
	if err != nil {
		t.Fatalf("Failed to create order: %v", err)
	}

	// A non-mirror order should not appear.
	if _, err := e.coord.CreateOrder(e.orderRequestA()); err != nil {
		t.Fatalf("Failed to create second order: %v", err)
	}

	matches, err := e.coord.CompatibleOrders(resting.ID)
	if err != nil {
		t.Fatalf("Failed to list compatible orders: %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("Expected no compatible orders yet, got %d", len(matches))
	}
}

func TestMatchedOrdersNotRematched(t *testing.T) {
	e := newTestEnv(t)
	a, b := e.matchedPair(t)

	// A third mirror order arrives; neither side of the settled pair may
	// be matched again.
	third, err := e.coord.CreateOrder(e.orderRequestB())
	if err != nil {
		t.Fatalf("Failed to create third order: %v", err)
	}
	if third.CounterOrderID == a.ID || third.CounterOrderID == b.ID {
		t.Errorf("Expected paired orders excluded from matching, got %s", third.CounterOrderID)
	}
}

func TestCompatibleSkipsExpired(t *testing.T) {
	e := newTestEnv(t)
	now := time.Now()

	a, err := e.coord.CreateOrder(e.orderRequestA())
	if err != nil {
		t.Fatalf("Failed to create order: %v", err)
	}
	b := *a
	b.ID = "other"
	b.Maker = e.makerB
	b.SourceLedger, b.DestinationLedger = a.DestinationLedger, a.SourceLedger
	b.SourceToken, b.DestinationToken = a.DestinationToken, a.SourceToken
	b.SourceAmount, b.DestinationAmount = a.DestinationAmount, a.SourceAmount
	b.ExpiresAt = now.Add(-time.Minute)

	if e.coord.Compatible(a, &b, now) {
		t.Error("Expected expired order incompatible")
	}

	b.ExpiresAt = now.Add(time.Hour)
	if !e.coord.Compatible(a, &b, now) {
		t.Error("Expected live mirror order compatible")
	}
}
