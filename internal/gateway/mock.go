package gateway

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crosslock-exchange/crosslock/internal/hashlock"
)

// MockGateway is an in-memory gateway for tests and dry runs. It enforces
// the same HTLC semantics as the chain adapters (hashlock check, expiry
// check, single claim) and supports per-operation fault injection.
type MockGateway struct {
	ledger string

	mu           sync.Mutex
	htlcs        map[string]*HTLC
	balances     map[string]uint64 // "address|token" -> amount
	nonces       map[string]uint64
	permitNonces map[string]uint64 // "token|owner" -> next permit nonce

	// Fault injection: non-nil errors are returned by the matching call.
	// CreateErrOnce is consumed by a single call.
	CreateErr     error
	CreateErrOnce error
	ClaimErr      error
	RefundErr     error
	StatusErr     error

	// Clock allows tests to control expiry evaluation.
	Clock func() time.Time
}

// NewMockGateway creates a mock gateway for the given ledger tag.
func NewMockGateway(ledger string) *MockGateway {
	return &MockGateway{
		ledger:       ledger,
		htlcs:        make(map[string]*HTLC),
		balances:     make(map[string]uint64),
		nonces:       make(map[string]uint64),
		permitNonces: make(map[string]uint64),
		Clock:        time.Now,
	}
}

func (g *MockGateway) Ledger() string { return g.ledger }

func balanceKey(address, token string) string { return address + "|" + token }

// SetBalance seeds a balance for an address.
func (g *MockGateway) SetBalance(address, token string, amount uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.balances[balanceKey(address, token)] = amount
}

// SetAccountNonce seeds the chain nonce for an address.
func (g *MockGateway) SetAccountNonce(address string, nonce uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nonces[address] = nonce
}

func (g *MockGateway) CreateHTLC(_ context.Context, params HTLCParams) (string, error) {
	g.mu.Lock()
	if g.CreateErrOnce != nil {
		err := g.CreateErrOnce
		g.CreateErrOnce = nil
		g.mu.Unlock()
		return "", err
	}
	g.mu.Unlock()

	if g.CreateErr != nil {
		return "", g.CreateErr
	}
	if err := params.Validate(); err != nil {
		return "", err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	key := balanceKey(params.Sender, params.Token)
	if g.balances[key] < params.Amount {
		return "", fmt.Errorf("%w: have %d, need %d", ErrInsufficient, g.balances[key], params.Amount)
	}
	g.balances[key] -= params.Amount

	id := uuid.New().String()
	g.htlcs[id] = &HTLC{
		ID:       id,
		Sender:   params.Sender,
		Receiver: params.Receiver,
		Token:    params.Token,
		Amount:   params.Amount,
		Hashlock: params.Hashlock,
		Expiry:   params.Expiry,
		State:    HTLCStateActive,
	}

	return id, nil
}

func (g *MockGateway) ClaimHTLC(_ context.Context, htlcID string, secret hashlock.Secret) error {
	if g.ClaimErr != nil {
		return g.ClaimErr
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	h, ok := g.htlcs[htlcID]
	if !ok {
		return ErrHTLCNotFound
	}

	switch h.State {
	case HTLCStateClaimed:
		return ErrAlreadyClaimed
	case HTLCStateRefunded:
		return ErrAlreadyRefunded
	}

	if g.Clock().After(h.Expiry) {
		return fmt.Errorf("%w: expired at %s", ErrExpired, h.Expiry)
	}
	if !hashlock.Verify(secret, h.Hashlock) {
		return ErrInvalidSecret
	}

	h.State = HTLCStateClaimed
	h.Secret = secret
	g.balances[balanceKey(h.Receiver, h.Token)] += h.Amount

	return nil
}

func (g *MockGateway) RefundHTLC(_ context.Context, htlcID string) error {
	if g.RefundErr != nil {
		return g.RefundErr
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	h, ok := g.htlcs[htlcID]
	if !ok {
		return ErrHTLCNotFound
	}

	switch h.State {
	case HTLCStateClaimed:
		return ErrAlreadyClaimed
	case HTLCStateRefunded:
		return ErrAlreadyRefunded
	}

	if g.Clock().Before(h.Expiry) {
		return fmt.Errorf("%w: expires at %s", ErrNotExpired, h.Expiry)
	}

	h.State = HTLCStateRefunded
	g.balances[balanceKey(h.Sender, h.Token)] += h.Amount

	return nil
}

func (g *MockGateway) HTLCStatus(_ context.Context, htlcID string) (*HTLC, error) {
	if g.StatusErr != nil {
		return nil, g.StatusErr
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	h, ok := g.htlcs[htlcID]
	if !ok {
		return nil, ErrHTLCNotFound
	}

	copied := *h
	return &copied, nil
}

func (g *MockGateway) Balance(_ context.Context, address, token string) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.balances[balanceKey(address, token)], nil
}

func (g *MockGateway) AccountNonce(_ context.Context, address string) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.nonces[address], nil
}

// Permit relay surface, mirroring the EVM gateway so gasless approvals can be
// exercised end to end against the mock.

const (
	mockChainID      = 1337
	mockContractAddr = "0x00000000000000000000000000000000C0FFEE00"
	mockTokenName    = "Mock Token"
)

func permitKey(token, owner string) string { return token + "|" + owner }

func (g *MockGateway) ChainID() *big.Int { return big.NewInt(mockChainID) }

func (g *MockGateway) ContractAddress() string { return mockContractAddr }

func (g *MockGateway) TokenName(_ context.Context, _ string) (string, error) {
	return mockTokenName, nil
}

func (g *MockGateway) PermitNonce(_ context.Context, token, owner string) (*big.Int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return new(big.Int).SetUint64(g.permitNonces[permitKey(token, owner)]), nil
}

func (g *MockGateway) ExecutePermit(_ context.Context, token, owner string, value, deadline *big.Int, v uint8, r, s [32]byte) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := permitKey(token, owner)
	g.permitNonces[key]++
	return fmt.Sprintf("0xmockpermit%s%d", owner, g.permitNonces[key]), nil
}

func (g *MockGateway) Close() error { return nil }

var _ Gateway = (*MockGateway)(nil)
