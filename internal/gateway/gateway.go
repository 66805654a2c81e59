// Package gateway abstracts HTLC operations across heterogeneous ledgers.
//
// Each supported ledger gets one Gateway implementation that knows how to
// lock funds under a hashlock, claim them with the preimage, and refund them
// after expiry. The coordinator never talks to a chain directly; it resolves
// a gateway from the registry by ledger tag and works through this interface.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/crosslock-exchange/crosslock/internal/hashlock"
)

// Gateway errors. Implementations wrap chain-specific failures into these so
// the coordinator can branch on them with errors.Is.
var (
	ErrHTLCNotFound    = errors.New("htlc not found")
	ErrHTLCExists      = errors.New("htlc already exists")
	ErrInvalidSecret   = errors.New("secret does not match hashlock")
	ErrAlreadyClaimed  = errors.New("htlc already claimed")
	ErrAlreadyRefunded = errors.New("htlc already refunded")
	ErrNotExpired      = errors.New("htlc timelock has not expired")
	ErrExpired         = errors.New("htlc timelock has expired")
	ErrInsufficient    = errors.New("insufficient balance")
	ErrTransient       = errors.New("transient chain error")
	ErrNonceConflict   = errors.New("transaction nonce conflict")
	ErrUnsupported     = errors.New("operation not supported on this ledger")
)

// HTLCState is the on-chain lifecycle of a hashed-timelock contract.
type HTLCState uint8

const (
	HTLCStateUnknown HTLCState = iota
	HTLCStateActive
	HTLCStateClaimed
	HTLCStateRefunded
)

func (s HTLCState) String() string {
	switch s {
	case HTLCStateActive:
		return "active"
	case HTLCStateClaimed:
		return "claimed"
	case HTLCStateRefunded:
		return "refunded"
	default:
		return "unknown"
	}
}

// HTLCParams carries everything needed to lock funds on one leg.
type HTLCParams struct {
	Sender   string
	Receiver string
	Token    string
	Amount   uint64
	Hashlock hashlock.Hashlock
	Expiry   time.Time
}

func (p *HTLCParams) Validate() error {
	if p.Sender == "" || p.Receiver == "" {
		return fmt.Errorf("sender and receiver are required")
	}
	if p.Amount == 0 {
		return fmt.Errorf("amount must be positive")
	}
	if p.Hashlock.IsZero() {
		return fmt.Errorf("hashlock is required")
	}
	if p.Expiry.IsZero() {
		return fmt.Errorf("expiry is required")
	}
	return nil
}

// HTLC is the observed on-chain state of one lock.
type HTLC struct {
	ID       string
	Sender   string
	Receiver string
	Token    string
	Amount   uint64
	Hashlock hashlock.Hashlock
	Expiry   time.Time
	State    HTLCState

	// Secret is non-zero once the HTLC was claimed and the preimage is
	// visible on chain.
	Secret hashlock.Secret
}

// Gateway is the per-ledger adapter the coordinator drives.
type Gateway interface {
	// Ledger returns the registry tag of the ledger this gateway serves.
	Ledger() string

	// CreateHTLC locks funds under the hashlock and returns the HTLC id.
	CreateHTLC(ctx context.Context, params HTLCParams) (string, error)

	// ClaimHTLC releases the funds to the receiver by revealing the secret.
	ClaimHTLC(ctx context.Context, htlcID string, secret hashlock.Secret) error

	// RefundHTLC returns the funds to the sender after expiry.
	RefundHTLC(ctx context.Context, htlcID string) error

	// HTLCStatus reads the current on-chain state of a lock.
	HTLCStatus(ctx context.Context, htlcID string) (*HTLC, error)

	// Balance reads the token balance of an address. Empty token means the
	// ledger's native asset.
	Balance(ctx context.Context, address, token string) (uint64, error)

	// AccountNonce reads the account's transaction counter, for ledgers
	// that have one. Sequence-free ledgers return ErrUnsupported.
	AccountNonce(ctx context.Context, address string) (uint64, error)

	Close() error
}

// Registry resolves gateways by ledger tag.
type Registry struct {
	mu       sync.RWMutex
	gateways map[string]Gateway
}

// ErrGatewayNotFound indicates no gateway is registered for a ledger tag.
var ErrGatewayNotFound = errors.New("no gateway for ledger")

func NewRegistry() *Registry {
	return &Registry{gateways: make(map[string]Gateway)}
}

// Register adds a gateway. Re-registering a tag replaces the previous entry.
func (r *Registry) Register(gw Gateway) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gateways[gw.Ledger()] = gw
}

// Get resolves the gateway for a ledger tag.
func (r *Registry) Get(ledger string) (Gateway, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	gw, ok := r.gateways[ledger]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrGatewayNotFound, ledger)
	}
	return gw, nil
}

// Ledgers returns the tags of all registered gateways.
func (r *Registry) Ledgers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tags := make([]string, 0, len(r.gateways))
	for tag := range r.gateways {
		tags = append(tags, tag)
	}
	return tags
}

// Close closes every registered gateway, returning the first error.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for _, gw := range r.gateways {
		if err := gw.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
