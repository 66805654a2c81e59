// Package ledger defines parameters and address handling for the supported ledgers.
// The set of ledgers is closed: EVM, Solana, and Stellar. All ledger-specific
// values are hardcoded here - no external configuration needed.
package ledger

import (
	"errors"
	"fmt"
	"sync"
)

// Common errors
var (
	ErrUnknownLedger  = errors.New("unknown ledger")
	ErrInvalidAddress = errors.New("invalid address")
)

// Network represents mainnet or testnet.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
)

// Type represents the ledger family.
type Type string

const (
	TypeEVM     Type = "evm"     // Ethereum and EVM chains (smart contracts)
	TypeSolana  Type = "solana"  // Solana (on-chain programs)
	TypeStellar Type = "stellar" // Stellar (native assets, claimable balances)
)

// Params contains all parameters for a ledger.
type Params struct {
	// Identity
	Tag      string // "evm", "solana", "stellar"
	Name     string // Ethereum, Solana, Stellar
	Type     Type
	Decimals uint8 // native unit decimals (18 wei, 9 lamports, 7 stroops)

	// EVM-only
	ChainID uint64

	// Stellar-only
	NetworkPassphrase string

	// Minimum HTLC amount in smallest unit
	MinHTLCAmount uint64

	// ValidateAddress checks a ledger-native address string.
	ValidateAddress func(addr string) error
}

var (
	mu       sync.RWMutex
	registry = make(map[string]*Params)
)

func key(tag string, network Network) string {
	return tag + "/" + string(network)
}

// Register adds ledger params to the registry. Called from init() in the
// per-ledger files; later registrations for the same key panic.
func Register(tag string, network Network, p *Params) {
	mu.Lock()
	defer mu.Unlock()
	k := key(tag, network)
	if _, exists := registry[k]; exists {
		panic(fmt.Sprintf("ledger %s already registered", k))
	}
	registry[k] = p
}

// Get returns the params for a ledger tag on a network.
func Get(tag string, network Network) (*Params, bool) {
	mu.RLock()
	defer mu.RUnlock()
	p, ok := registry[key(tag, network)]
	return p, ok
}

// Supported returns the tags of all ledgers registered for a network.
func Supported(network Network) []string {
	mu.RLock()
	defer mu.RUnlock()
	var tags []string
	for _, p := range registry {
		if _, ok := registry[key(p.Tag, network)]; ok {
			tags = append(tags, p.Tag)
		}
	}
	return dedupe(tags)
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// CheckAddress validates an address for the given ledger tag and network.
func CheckAddress(tag string, network Network, addr string) error {
	p, ok := Get(tag, network)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLedger, tag)
	}
	if p.ValidateAddress == nil {
		return nil
	}
	if err := p.ValidateAddress(addr); err != nil {
		return fmt.Errorf("%w on %s: %v", ErrInvalidAddress, tag, err)
	}
	return nil
}
