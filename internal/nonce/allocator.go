// Package nonce serializes transaction nonce assignment per signer address.
//
// Every outbound transaction on an account-based ledger carries a nonce, and
// two transactions built concurrently from the same chain view will collide.
// The allocator owns the counter: callers ask for the next value instead of
// reading the chain, so concurrent HTLC operations from one signer never race.
package nonce

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/crosslock-exchange/crosslock/internal/storage"
	"github.com/crosslock-exchange/crosslock/pkg/logging"
)

// Allocator errors
var (
	ErrNotInitialized = errors.New("signer not initialized")
	ErrStaleReconcile = errors.New("chain nonce behind local counter")
	ErrNonceConflict  = errors.New("nonce already consumed on chain")
)

// ChainNonceReader reads the current account nonce from a ledger.
// Satisfied by the gateway for account-based ledgers.
type ChainNonceReader interface {
	AccountNonce(ctx context.Context, address string) (uint64, error)
}

type signerState struct {
	mu        sync.Mutex
	next      uint64
	confirmed uint64
	ready     bool
}

// Allocator hands out strictly increasing nonces per signer. State is
// persisted so a restart resumes from the last allocated value rather than
// re-reading a possibly stale chain view.
type Allocator struct {
	mu      sync.Mutex
	signers map[string]*signerState
	store   *storage.Storage
	logger  *logging.Logger
}

// NewAllocator creates an allocator backed by the given storage.
func NewAllocator(store *storage.Storage, logger *logging.Logger) *Allocator {
	return &Allocator{
		signers: make(map[string]*signerState),
		store:   store,
		logger:  logger.Component("nonce"),
	}
}

// signer returns the in-memory state for an address, creating it lazily.
func (a *Allocator) signer(address string) *signerState {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.signers[address]
	if !ok {
		st = &signerState{}
		a.signers[address] = st
	}
	return st
}

// Initialize seeds the counter for a signer. Persisted state wins over the
// chain view when it is ahead, so nonces allocated before a crash are never
// reissued. Safe to call more than once.
func (a *Allocator) Initialize(ctx context.Context, address string, reader ChainNonceReader) error {
	st := a.signer(address)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.ready {
		return nil
	}

	chainNonce, err := reader.AccountNonce(ctx, address)
	if err != nil {
		return fmt.Errorf("failed to read account nonce for %s: %w", address, err)
	}

	next := chainNonce
	confirmed := chainNonce

	row, err := a.store.GetNonceRow(address)
	switch {
	case err == nil:
		if row.Next > next {
			next = row.Next
		}
		if row.Confirmed > confirmed {
			confirmed = row.Confirmed
		}
	case errors.Is(err, storage.ErrNonceRowNotFound):
		// first sight of this signer
	default:
		return fmt.Errorf("failed to load nonce state for %s: %w", address, err)
	}

	if err := a.store.SaveNonceRow(address, next, confirmed); err != nil {
		return err
	}

	st.next = next
	st.confirmed = confirmed
	st.ready = true

	a.logger.Debug("Initialized signer", "address", address, "next", next, "confirmed", confirmed)
	return nil
}

// Next allocates the next nonce for a signer. Each call returns a distinct,
// strictly increasing value; the advance is persisted before it is handed out.
func (a *Allocator) Next(address string) (uint64, error) {
	st := a.signer(address)
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.ready {
		return 0, fmt.Errorf("%w: %s", ErrNotInitialized, address)
	}

	n := st.next
	if err := a.store.SaveNonceRow(address, n+1, st.confirmed); err != nil {
		return 0, fmt.Errorf("failed to persist nonce advance: %w", err)
	}
	st.next = n + 1

	return n, nil
}

// Confirm records that a transaction with the given nonce landed on chain.
func (a *Allocator) Confirm(address string, nonce uint64) error {
	st := a.signer(address)
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.ready {
		return fmt.Errorf("%w: %s", ErrNotInitialized, address)
	}

	if nonce+1 <= st.confirmed {
		return nil
	}

	if err := a.store.SaveNonceRow(address, st.next, nonce+1); err != nil {
		return fmt.Errorf("failed to persist confirmation: %w", err)
	}
	st.confirmed = nonce + 1

	return nil
}

// Reconcile re-reads the chain nonce and resolves divergence. A chain ahead
// of the local counter means transactions were sent outside the allocator,
// so the counter jumps forward. A chain behind the local counter means
// allocated nonces never landed (a failed send), so the counter rolls back
// and the gap closes; an in-flight transaction that still lands after the
// rollback surfaces as a nonce conflict on the reissued value and is
// retried. A chain behind the confirmed watermark is a reorg or a wrong
// endpoint and is reported, not silently adopted.
func (a *Allocator) Reconcile(ctx context.Context, address string, reader ChainNonceReader) error {
	st := a.signer(address)
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.ready {
		return fmt.Errorf("%w: %s", ErrNotInitialized, address)
	}

	chainNonce, err := reader.AccountNonce(ctx, address)
	if err != nil {
		return fmt.Errorf("failed to read account nonce for %s: %w", address, err)
	}

	if chainNonce < st.confirmed {
		return fmt.Errorf("%w: chain %d, confirmed %d", ErrStaleReconcile, chainNonce, st.confirmed)
	}

	switch {
	case chainNonce > st.next:
		a.logger.Warn("Chain nonce ahead of local counter, jumping forward",
			"address", address, "local", st.next, "chain", chainNonce)
	case chainNonce < st.next:
		a.logger.Warn("Reclaiming allocated nonces that never landed",
			"address", address, "local", st.next, "chain", chainNonce)
	}
	st.next = chainNonce
	st.confirmed = chainNonce

	if err := a.store.SaveNonceRow(address, st.next, st.confirmed); err != nil {
		return fmt.Errorf("failed to persist reconciliation: %w", err)
	}

	return nil
}

// Pending returns how many allocated nonces have not yet been confirmed.
func (a *Allocator) Pending(address string) (uint64, error) {
	st := a.signer(address)
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.ready {
		return 0, fmt.Errorf("%w: %s", ErrNotInitialized, address)
	}

	return st.next - st.confirmed, nil
}
