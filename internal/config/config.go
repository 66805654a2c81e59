// Package config provides centralized configuration for the crosslock coordinator.
// Exchange parameters (timeouts, tolerances, contract addresses) are defined
// here; runtime settings (RPC endpoints, data dir) come from the YAML file.
package config

import "time"

// =============================================================================
// Swap parameters
// =============================================================================

// SwapConfig holds orchestration parameters for atomic swaps.
type SwapConfig struct {
	// DefaultTimelock is applied when an order submission omits one.
	DefaultTimelock time.Duration

	// MinTimelock rejects submissions whose funds could be stuck too briefly
	// to drive both legs.
	MinTimelock time.Duration

	// MaxTimelock bounds how long funds may be locked.
	MaxTimelock time.Duration

	// MatchToleranceBps is the amount tolerance for order pairing, in basis
	// points. 0 requires exact mirror amounts.
	MatchToleranceBps uint32

	// ExpiryInterval is how often the expiry monitor sweeps.
	ExpiryInterval time.Duration

	// MatchRetries bounds optimistic re-scans after a concurrent match loss.
	MatchRetries int
}

// DefaultSwapConfig returns the default swap parameters.
func DefaultSwapConfig() *SwapConfig {
	return &SwapConfig{
		DefaultTimelock:   time.Hour,
		MinTimelock:       10 * time.Minute,
		MaxTimelock:       72 * time.Hour,
		MatchToleranceBps: 0,
		ExpiryInterval:    30 * time.Second,
		MatchRetries:      3,
	}
}

// =============================================================================
// Retry/backoff parameters for gateway calls
// =============================================================================

// RetryConfig holds backoff parameters for transient gateway failures.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryConfig returns the default retry parameters.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts: 5,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
	}
}

// Backoff returns the delay before the given attempt (0-based), doubling from
// BaseDelay and capped at MaxDelay.
func (r *RetryConfig) Backoff(attempt int) time.Duration {
	d := r.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= r.MaxDelay {
			return r.MaxDelay
		}
	}
	return d
}

// =============================================================================
// HTLC contract/program addresses per ledger
// =============================================================================

// EVM HTLC contract addresses by chain ID.
var evmHTLCContracts = map[uint64]string{
	1:        "0x9a1fc8C0369D49f3Ad4eEB9f92b5C1e6A2C0E6b3",
	11155111: "0x5FbDB2315678afecb367f032d93F642f64180aa3",
}

// GetEVMHTLCContract returns the HTLC contract address for an EVM chain ID,
// or "" if none is deployed.
func GetEVMHTLCContract(chainID uint64) string {
	return evmHTLCContracts[chainID]
}

// Solana HTLC program IDs by network.
var solanaHTLCPrograms = map[string]string{
	"mainnet": "HtLcProgRAmPubKey1111111111111111111111111",
	"testnet": "HtLcProgRAmPubKey1111111111111111111111111",
}

// GetSolanaHTLCProgram returns the HTLC program ID for a network.
func GetSolanaHTLCProgram(networkName string) string {
	return solanaHTLCPrograms[networkName]
}
