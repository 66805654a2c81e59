package storage

import (
	"errors"
	"testing"
	"time"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()

	s, err := New(&Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	return s
}

func testOrder(id string) *Order {
	now := time.Now()
	return &Order{
		ID:                id,
		Status:            StatusCreated,
		Maker:             "0x1111111111111111111111111111111111111111",
		SourceLedger:      "evm",
		SourceToken:       "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
		SourceAmount:      1000000,
		DestinationLedger: "stellar",
		DestinationToken:  "USDC:GA5ZSEJYB37JRC5AVCIA5MOP4RHTM335X2KGX3IHOJAPP5RE34K4KZVN",
		DestinationAmount: 1000000,
		Hashlock:          "aa00000000000000000000000000000000000000000000000000000000000011",
		Timelock:          time.Hour,
		CreatedAt:         now,
		ExpiresAt:         now.Add(time.Hour),
	}
}

func TestCreateAndGetOrder(t *testing.T) {
	s := newTestStorage(t)

	order := testOrder("order-1")
	if err := s.CreateOrder(order); err != nil {
		t.Fatalf("Failed to create order: %v", err)
	}

	got, err := s.GetOrder("order-1")
	if err != nil {
		t.Fatalf("Failed to get order: %v", err)
	}

	if got.Status != StatusCreated {
		t.Errorf("Expected status %s, got %s", StatusCreated, got.Status)
	}
	if got.SourceAmount != order.SourceAmount {
		t.Errorf("Expected source amount %d, got %d", order.SourceAmount, got.SourceAmount)
	}
	if got.Hashlock != order.Hashlock {
		t.Errorf("Expected hashlock %s, got %s", order.Hashlock, got.Hashlock)
	}
	if got.Secret != "" {
		t.Errorf("Expected empty secret, got %q", got.Secret)
	}
	if got.CounterOrderID != "" {
		t.Errorf("Expected no counter order, got %q", got.CounterOrderID)
	}
	if got.Timelock != time.Hour {
		t.Errorf("Expected timelock %v, got %v", time.Hour, got.Timelock)
	}
}

func TestGetOrderNotFound(t *testing.T) {
	s := newTestStorage(t)

	_, err := s.GetOrder("missing")
	if !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("Expected ErrOrderNotFound, got %v", err)
	}
}

func TestUpdateOrderStatus(t *testing.T) {
	s := newTestStorage(t)

	order := testOrder("order-1")
	if err := s.CreateOrder(order); err != nil {
		t.Fatalf("Failed to create order: %v", err)
	}

	if err := s.UpdateOrderStatus("order-1", StatusCreated, StatusSourceHTLCCreated); err != nil {
		t.Fatalf("Failed to update status: %v", err)
	}

	got, err := s.GetOrder("order-1")
	if err != nil {
		t.Fatalf("Failed to get order: %v", err)
	}
	if got.Status != StatusSourceHTLCCreated {
		t.Errorf("Expected status %s, got %s", StatusSourceHTLCCreated, got.Status)
	}
	if got.Version != 1 {
		t.Errorf("Expected version 1, got %d", got.Version)
	}

	// Stale from-status must conflict
	err = s.UpdateOrderStatus("order-1", StatusCreated, StatusCancelled)
	if !errors.Is(err, ErrOrderConflict) {
		t.Errorf("Expected ErrOrderConflict, got %v", err)
	}
}

func TestUpdateOrderStatusRecordsTransition(t *testing.T) {
	s := newTestStorage(t)

	if err := s.CreateOrder(testOrder("order-1")); err != nil {
		t.Fatalf("Failed to create order: %v", err)
	}

	if err := s.UpdateOrderStatus("order-1", StatusCreated, StatusSourceHTLCCreated); err != nil {
		t.Fatalf("Failed to update status: %v", err)
	}
	if err := s.UpdateOrderStatus("order-1", StatusSourceHTLCCreated, StatusSourceHTLCClaimed); err != nil {
		t.Fatalf("Failed to update status: %v", err)
	}

	transitions, err := s.Transitions("order-1")
	if err != nil {
		t.Fatalf("Failed to list transitions: %v", err)
	}
	if len(transitions) != 2 {
		t.Fatalf("Expected 2 transitions, got %d", len(transitions))
	}
	if transitions[0].From != StatusCreated || transitions[0].To != StatusSourceHTLCCreated {
		t.Errorf("Unexpected first transition: %s -> %s", transitions[0].From, transitions[0].To)
	}
	if transitions[1].From != StatusSourceHTLCCreated || transitions[1].To != StatusSourceHTLCClaimed {
		t.Errorf("Unexpected second transition: %s -> %s", transitions[1].From, transitions[1].To)
	}
}

func TestListOrdersFilters(t *testing.T) {
	s := newTestStorage(t)

	a := testOrder("order-a")
	a.CreatedAt = time.Now().Add(-2 * time.Minute)

	b := testOrder("order-b")
	b.SourceLedger = "solana"
	b.CreatedAt = time.Now().Add(-time.Minute)

	for _, o := range []*Order{a, b} {
		if err := s.CreateOrder(o); err != nil {
			t.Fatalf("Failed to create order: %v", err)
		}
	}

	all, err := s.ListOrders(OrderFilter{})
	if err != nil {
		t.Fatalf("Failed to list orders: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("Expected 2 orders, got %d", len(all))
	}
	if all[0].ID != "order-a" {
		t.Errorf("Expected oldest order first, got %s", all[0].ID)
	}

	evm, err := s.ListOrders(OrderFilter{SourceLedger: "evm"})
	if err != nil {
		t.Fatalf("Failed to list orders: %v", err)
	}
	if len(evm) != 1 || evm[0].ID != "order-a" {
		t.Errorf("Expected only order-a for evm source, got %d orders", len(evm))
	}

	status := StatusCreated
	created, err := s.ListOrders(OrderFilter{Status: &status, Limit: 1})
	if err != nil {
		t.Fatalf("Failed to list orders: %v", err)
	}
	if len(created) != 1 {
		t.Errorf("Expected limit to apply, got %d orders", len(created))
	}
}

func TestPendingOrdersExcludesExpiredAndPaired(t *testing.T) {
	s := newTestStorage(t)

	now := time.Now()

	fresh := testOrder("fresh")
	fresh.CreatedAt = now.Add(-3 * time.Minute)

	expired := testOrder("expired")
	expired.CreatedAt = now.Add(-2 * time.Hour)
	expired.ExpiresAt = now.Add(-time.Hour)

	paired := testOrder("paired")
	paired.CreatedAt = now.Add(-time.Minute)

	other := testOrder("other")
	other.CreatedAt = now.Add(-time.Minute)

	for _, o := range []*Order{fresh, expired, paired, other} {
		if err := s.CreateOrder(o); err != nil {
			t.Fatalf("Failed to create order: %v", err)
		}
	}

	if err := s.LinkCounterOrders("paired", "other", 0, 0); err != nil {
		t.Fatalf("Failed to link orders: %v", err)
	}

	pending, err := s.PendingOrders(now)
	if err != nil {
		t.Fatalf("Failed to list pending orders: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "fresh" {
		t.Fatalf("Expected only fresh order pending, got %d orders", len(pending))
	}
}

func TestLinkCounterOrders(t *testing.T) {
	s := newTestStorage(t)

	for _, id := range []string{"order-a", "order-b"} {
		o := testOrder(id)
		if id == "order-b" {
			o.Maker = "0x2222222222222222222222222222222222222222"
		}
		if err := s.CreateOrder(o); err != nil {
			t.Fatalf("Failed to create order: %v", err)
		}
	}

	if err := s.LinkCounterOrders("order-a", "order-b", 0, 0); err != nil {
		t.Fatalf("Failed to link orders: %v", err)
	}

	a, _ := s.GetOrder("order-a")
	b, _ := s.GetOrder("order-b")

	if a.CounterOrderID != "order-b" {
		t.Errorf("Expected order-a linked to order-b, got %q", a.CounterOrderID)
	}
	if b.CounterOrderID != "order-a" {
		t.Errorf("Expected order-b linked to order-a, got %q", b.CounterOrderID)
	}
	if a.Taker != b.Maker {
		t.Errorf("Expected order-a taker %q, got %q", b.Maker, a.Taker)
	}
	if b.Taker != a.Maker {
		t.Errorf("Expected order-b taker %q, got %q", a.Maker, b.Taker)
	}
}

func TestLinkCounterOrdersBothOrNeither(t *testing.T) {
	s := newTestStorage(t)

	for _, id := range []string{"order-a", "order-b", "order-c"} {
		if err := s.CreateOrder(testOrder(id)); err != nil {
			t.Fatalf("Failed to create order: %v", err)
		}
	}

	if err := s.LinkCounterOrders("order-a", "order-b", 0, 0); err != nil {
		t.Fatalf("Failed to link orders: %v", err)
	}

	// order-b is taken: linking c against it must fail and leave c untouched
	err := s.LinkCounterOrders("order-c", "order-b", 0, 0)
	if !errors.Is(err, ErrOrderConflict) {
		t.Fatalf("Expected ErrOrderConflict, got %v", err)
	}

	c, _ := s.GetOrder("order-c")
	if c.CounterOrderID != "" {
		t.Errorf("Expected order-c unlinked after failed pairing, got %q", c.CounterOrderID)
	}
}

func TestLinkCounterOrdersStaleVersion(t *testing.T) {
	s := newTestStorage(t)

	for _, id := range []string{"order-a", "order-b"} {
		if err := s.CreateOrder(testOrder(id)); err != nil {
			t.Fatalf("Failed to create order: %v", err)
		}
	}

	// Bump order-a's version behind the caller's back
	if err := s.UpdateOrderStatus("order-a", StatusCreated, StatusCancelled); err != nil {
		t.Fatalf("Failed to update status: %v", err)
	}

	err := s.LinkCounterOrders("order-a", "order-b", 0, 0)
	if !errors.Is(err, ErrOrderConflict) {
		t.Errorf("Expected ErrOrderConflict on stale version, got %v", err)
	}
}

func TestSetOrderHTLC(t *testing.T) {
	s := newTestStorage(t)

	if err := s.CreateOrder(testOrder("order-1")); err != nil {
		t.Fatalf("Failed to create order: %v", err)
	}

	if err := s.SetOrderHTLC("order-1", LegSource, "htlc-src-1"); err != nil {
		t.Fatalf("Failed to set source htlc: %v", err)
	}
	if err := s.SetOrderHTLC("order-1", LegDestination, "htlc-dst-1"); err != nil {
		t.Fatalf("Failed to set destination htlc: %v", err)
	}

	// Idempotent for the same value
	if err := s.SetOrderHTLC("order-1", LegSource, "htlc-src-1"); err != nil {
		t.Errorf("Expected same-value rewrite to succeed, got %v", err)
	}

	// Different value must conflict
	err := s.SetOrderHTLC("order-1", LegSource, "htlc-src-2")
	if !errors.Is(err, ErrOrderConflict) {
		t.Errorf("Expected ErrOrderConflict, got %v", err)
	}

	got, _ := s.GetOrder("order-1")
	if got.SourceHTLCID != "htlc-src-1" {
		t.Errorf("Expected source htlc htlc-src-1, got %s", got.SourceHTLCID)
	}
	if got.DestinationHTLCID != "htlc-dst-1" {
		t.Errorf("Expected destination htlc htlc-dst-1, got %s", got.DestinationHTLCID)
	}
}

func TestSetOrderSecret(t *testing.T) {
	s := newTestStorage(t)

	if err := s.CreateOrder(testOrder("order-1")); err != nil {
		t.Fatalf("Failed to create order: %v", err)
	}

	secret := "bb00000000000000000000000000000000000000000000000000000000000022"
	if err := s.SetOrderSecret("order-1", secret); err != nil {
		t.Fatalf("Failed to set secret: %v", err)
	}

	// Same value is a no-op
	if err := s.SetOrderSecret("order-1", secret); err != nil {
		t.Errorf("Expected same-value rewrite to succeed, got %v", err)
	}

	// Different value is rejected
	err := s.SetOrderSecret("order-1", "cc00000000000000000000000000000000000000000000000000000000000033")
	if !errors.Is(err, ErrSecretAlreadySet) {
		t.Errorf("Expected ErrSecretAlreadySet, got %v", err)
	}

	got, _ := s.GetOrder("order-1")
	if got.Secret != secret {
		t.Errorf("Expected secret %s, got %s", secret, got.Secret)
	}
}

func TestAdoptHashlock(t *testing.T) {
	s := newTestStorage(t)

	if err := s.CreateOrder(testOrder("order-1")); err != nil {
		t.Fatalf("Failed to create order: %v", err)
	}

	lock := "dd00000000000000000000000000000000000000000000000000000000000044"
	secret := "ee00000000000000000000000000000000000000000000000000000000000055"

	if err := s.AdoptHashlock("order-1", lock, secret); err != nil {
		t.Fatalf("Failed to adopt hashlock: %v", err)
	}

	got, _ := s.GetOrder("order-1")
	if got.Hashlock != lock {
		t.Errorf("Expected adopted hashlock, got %s", got.Hashlock)
	}
	if got.Secret != secret {
		t.Errorf("Expected adopted secret, got %s", got.Secret)
	}

	if err := s.AdoptHashlock("missing", lock, ""); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("Expected ErrOrderNotFound, got %v", err)
	}
}

func TestAdoptHashlockClearsStaleSecret(t *testing.T) {
	s := newTestStorage(t)

	if err := s.CreateOrder(testOrder("order-1")); err != nil {
		t.Fatalf("Failed to create order: %v", err)
	}
	if err := s.SetOrderSecret("order-1", "ee00000000000000000000000000000000000000000000000000000000000055"); err != nil {
		t.Fatalf("Failed to set secret: %v", err)
	}

	// Adopting a foreign hashlock without its secret must not leave the old
	// secret behind, or the stored pair would no longer hash together.
	lock := "dd00000000000000000000000000000000000000000000000000000000000044"
	if err := s.AdoptHashlock("order-1", lock, ""); err != nil {
		t.Fatalf("Failed to adopt hashlock: %v", err)
	}

	got, _ := s.GetOrder("order-1")
	if got.Hashlock != lock {
		t.Errorf("Expected adopted hashlock, got %s", got.Hashlock)
	}
	if got.Secret != "" {
		t.Errorf("Expected secret cleared after adoption, got %q", got.Secret)
	}
}

func TestRecordRefundFailure(t *testing.T) {
	s := newTestStorage(t)

	if err := s.CreateOrder(testOrder("order-1")); err != nil {
		t.Fatalf("Failed to create order: %v", err)
	}

	if err := s.RecordRefundFailure("order-1", "rpc timeout"); err != nil {
		t.Fatalf("Failed to record refund failure: %v", err)
	}
	if err := s.RecordRefundFailure("order-1", "still down"); err != nil {
		t.Fatalf("Failed to record refund failure: %v", err)
	}

	got, _ := s.GetOrder("order-1")
	if got.RefundAttempts != 2 {
		t.Errorf("Expected 2 refund attempts, got %d", got.RefundAttempts)
	}
	if got.LastRefundError != "still down" {
		t.Errorf("Expected last error preserved, got %q", got.LastRefundError)
	}
}

func TestCountOrders(t *testing.T) {
	s := newTestStorage(t)

	for _, id := range []string{"a", "b", "c"} {
		if err := s.CreateOrder(testOrder(id)); err != nil {
			t.Fatalf("Failed to create order: %v", err)
		}
	}
	if err := s.UpdateOrderStatus("a", StatusCreated, StatusCancelled); err != nil {
		t.Fatalf("Failed to update status: %v", err)
	}

	total, err := s.CountOrders(nil)
	if err != nil {
		t.Fatalf("Failed to count orders: %v", err)
	}
	if total != 3 {
		t.Errorf("Expected 3 orders, got %d", total)
	}

	status := StatusCreated
	created, err := s.CountOrders(&status)
	if err != nil {
		t.Fatalf("Failed to count orders: %v", err)
	}
	if created != 2 {
		t.Errorf("Expected 2 created orders, got %d", created)
	}
}
