package ledger

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
)

func TestRegistryLookup(t *testing.T) {
	for _, tag := range []string{"evm", "solana", "stellar"} {
		for _, net := range []Network{Mainnet, Testnet} {
			p, ok := Get(tag, net)
			if !ok {
				t.Fatalf("Get(%s, %s) not found", tag, net)
			}
			if p.Tag != tag {
				t.Errorf("Tag = %s, want %s", p.Tag, tag)
			}
			if p.ValidateAddress == nil {
				t.Errorf("%s has no address validator", tag)
			}
		}
	}

	if _, ok := Get("bitcoin", Mainnet); ok {
		t.Error("Get(bitcoin) should not be registered")
	}
}

func TestEVMAddressValidation(t *testing.T) {
	if err := CheckAddress("evm", Mainnet, "0x71C7656EC7ab88b098defB751B7401B5f6d8976F"); err != nil {
		t.Errorf("valid EVM address rejected: %v", err)
	}
	if err := CheckAddress("evm", Mainnet, "not-an-address"); err == nil {
		t.Error("invalid EVM address accepted")
	}
}

func TestSolanaAddressValidation(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}

	addr, err := SolanaAddressFromPubKey(pub)
	if err != nil {
		t.Fatalf("SolanaAddressFromPubKey() error = %v", err)
	}

	if err := CheckAddress("solana", Mainnet, addr); err != nil {
		t.Errorf("valid solana address rejected: %v", err)
	}
	if !SolanaAddressOnCurve(addr) {
		t.Error("ed25519 public key should be on curve")
	}

	if err := CheckAddress("solana", Mainnet, "tooShort"); err == nil {
		t.Error("invalid solana address accepted")
	}
}

func TestStellarAddressValidation(t *testing.T) {
	// Well-known friendbot account format
	if err := CheckAddress("stellar", Testnet, "GAIH3ULLFQ4DGSECF2AR555KZ4KNDGEKN4AFI4SU2M7B43MGK3QJZNSR"); err != nil {
		t.Errorf("valid stellar address rejected: %v", err)
	}
	if err := CheckAddress("stellar", Testnet, "XINVALID"); err == nil {
		t.Error("invalid stellar address accepted")
	}
}

func TestSupported(t *testing.T) {
	tags := Supported(Mainnet)
	if len(tags) != 3 {
		t.Errorf("Supported(Mainnet) = %v, want 3 ledgers", tags)
	}
}
