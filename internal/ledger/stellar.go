package ledger

import (
	"fmt"

	"github.com/stellar/go/network"
	"github.com/stellar/go/strkey"
)

func validateStellarAddress(addr string) error {
	if strkey.IsValidEd25519PublicKey(addr) {
		return nil
	}
	if strkey.IsValidMuxedAccountEd25519PublicKey(addr) {
		return nil
	}
	return fmt.Errorf("not a valid stellar account: %s", addr)
}

func init() {
	// Stellar Pubnet
	Register("stellar", Mainnet, &Params{
		Tag:               "stellar",
		Name:              "Stellar",
		Type:              TypeStellar,
		Decimals:          7,
		NetworkPassphrase: network.PublicNetworkPassphrase,
		MinHTLCAmount:     10000000, // 1 XLM in stroops
		ValidateAddress:   validateStellarAddress,
	})

	// Stellar Testnet
	Register("stellar", Testnet, &Params{
		Tag:               "stellar",
		Name:              "Stellar Testnet",
		Type:              TypeStellar,
		Decimals:          7,
		NetworkPassphrase: network.TestNetworkPassphrase,
		MinHTLCAmount:     10000,
		ValidateAddress:   validateStellarAddress,
	})
}
