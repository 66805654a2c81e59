package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

func validateEVMAddress(addr string) error {
	if !common.IsHexAddress(addr) {
		return fmt.Errorf("not a hex address: %s", addr)
	}
	return nil
}

func init() {
	// Ethereum Mainnet
	Register("evm", Mainnet, &Params{
		Tag:             "evm",
		Name:            "Ethereum",
		Type:            TypeEVM,
		Decimals:        18,
		ChainID:         1,
		MinHTLCAmount:   1000000000000000, // 0.001 ETH
		ValidateAddress: validateEVMAddress,
	})

	// Sepolia
	Register("evm", Testnet, &Params{
		Tag:             "evm",
		Name:            "Ethereum Sepolia",
		Type:            TypeEVM,
		Decimals:        18,
		ChainID:         11155111,
		MinHTLCAmount:   1000000000000, // relaxed for test funds
		ValidateAddress: validateEVMAddress,
	})
}
