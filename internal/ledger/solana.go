package ledger

import (
	"fmt"

	"filippo.io/edwards25519"
	"github.com/btcsuite/btcd/btcutil/base58"
)

func validateSolanaAddress(addr string) error {
	raw := base58.Decode(addr)
	if len(raw) != 32 {
		return fmt.Errorf("decoded length %d, want 32", len(raw))
	}
	return nil
}

// SolanaAddressOnCurve reports whether the address is a valid ed25519 point.
// Wallet addresses are on-curve; program-derived addresses are deliberately
// off-curve and cannot sign.
func SolanaAddressOnCurve(addr string) bool {
	raw := base58.Decode(addr)
	if len(raw) != 32 {
		return false
	}
	_, err := new(edwards25519.Point).SetBytes(raw)
	return err == nil
}

// SolanaAddressFromPubKey encodes a 32-byte ed25519 public key as a base58 address.
func SolanaAddressFromPubKey(pub []byte) (string, error) {
	if len(pub) != 32 {
		return "", fmt.Errorf("public key length %d, want 32", len(pub))
	}
	return base58.Encode(pub), nil
}

func init() {
	// Solana Mainnet
	Register("solana", Mainnet, &Params{
		Tag:             "solana",
		Name:            "Solana",
		Type:            TypeSolana,
		Decimals:        9,
		MinHTLCAmount:   1000000, // 0.001 SOL
		ValidateAddress: validateSolanaAddress,
	})

	// Solana Devnet
	Register("solana", Testnet, &Params{
		Tag:             "solana",
		Name:            "Solana Devnet",
		Type:            TypeSolana,
		Decimals:        9,
		MinHTLCAmount:   1000,
		ValidateAddress: validateSolanaAddress,
	})
}
