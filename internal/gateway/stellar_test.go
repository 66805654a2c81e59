package gateway

import (
	"errors"
	"testing"

	"github.com/stellar/go/keypair"
	"github.com/stellar/go/network"
	"github.com/stellar/go/strkey"
	"github.com/stellar/go/txnbuild"

	"github.com/crosslock-exchange/crosslock/internal/hashlock"
	"github.com/crosslock-exchange/crosslock/pkg/logging"
)

func newTestStellarGateway(t *testing.T) *StellarGateway {
	t.Helper()

	g, err := NewStellarGateway(StellarConfig{
		Ledger:            "stellar",
		HorizonURL:        "http://127.0.0.1:8000",
		NetworkPassphrase: network.TestNetworkPassphrase,
		SignerSeed:        keypair.MustRandom().Seed(),
		Logger:            logging.Default(),
	})
	if err != nil {
		t.Fatalf("Failed to create gateway: %v", err)
	}
	return g
}

func TestNewStellarGatewayRejectsBadSeed(t *testing.T) {
	_, err := NewStellarGateway(StellarConfig{
		Ledger:     "stellar",
		SignerSeed: "not-a-seed",
		Logger:     logging.Default(),
	})
	if err == nil {
		t.Fatal("Expected error for invalid seed")
	}
}

func TestEscrowKeypairDeterministic(t *testing.T) {
	g := newTestStellarGateway(t)

	sender := keypair.MustRandom().Address()
	receiver := keypair.MustRandom().Address()
	secret, _ := hashlock.GenerateSecret()
	lock := hashlock.Of(secret)

	kp1, err := g.escrowKeypair(sender, receiver, lock)
	if err != nil {
		t.Fatalf("Failed to derive keypair: %v", err)
	}
	kp2, err := g.escrowKeypair(sender, receiver, lock)
	if err != nil {
		t.Fatalf("Failed to derive keypair again: %v", err)
	}
	if kp1.Address() != kp2.Address() {
		t.Error("Expected deterministic escrow derivation")
	}

	// Different lock parameters give a different escrow.
	other, _ := hashlock.GenerateSecret()
	kp3, err := g.escrowKeypair(sender, receiver, hashlock.Of(other))
	if err != nil {
		t.Fatalf("Failed to derive third keypair: %v", err)
	}
	if kp3.Address() == kp1.Address() {
		t.Error("Expected different escrow for different hashlock")
	}
}

func TestParseStellarAsset(t *testing.T) {
	issuer := keypair.MustRandom().Address()

	asset, err := parseStellarAsset("USDC:" + issuer)
	if err != nil {
		t.Fatalf("Failed to parse credit asset: %v", err)
	}
	credit, ok := asset.(txnbuild.CreditAsset)
	if !ok || credit.Code != "USDC" || credit.Issuer != issuer {
		t.Errorf("Unexpected asset: %+v", asset)
	}

	asset, err = parseStellarAsset("")
	if err != nil {
		t.Fatalf("Failed to parse native asset: %v", err)
	}
	if !asset.IsNative() {
		t.Error("Expected native asset for empty token")
	}

	if _, err := parseStellarAsset("USDC"); err == nil {
		t.Error("Expected error for asset without issuer")
	}
}

func TestDecodeHashXSigner(t *testing.T) {
	secret, _ := hashlock.GenerateSecret()
	lock := hashlock.Of(secret)

	encoded, err := strkey.Encode(strkey.VersionByteHashX, lock[:])
	if err != nil {
		t.Fatalf("Failed to encode hashx: %v", err)
	}

	decoded, err := decodeHashXSigner(encoded)
	if err != nil {
		t.Fatalf("Failed to decode hashx signer: %v", err)
	}
	if decoded != lock {
		t.Error("Round-tripped hashlock does not match")
	}

	if _, err := decodeHashXSigner("GABC"); err == nil {
		t.Error("Expected error for non-hashx key")
	}
}

func TestMapStellarError(t *testing.T) {
	cases := []struct {
		msg  string
		want error
	}{
		{"horizon error: tx_too_early", ErrNotExpired},
		{"horizon error: tx_too_late", ErrExpired},
		{"result: op_underfunded", ErrInsufficient},
		{"result: tx_bad_seq", ErrNonceConflict},
		{"post failed: connection refused", ErrTransient},
	}

	for _, c := range cases {
		got := mapStellarError(errors.New(c.msg))
		if !errors.Is(got, c.want) {
			t.Errorf("mapStellarError(%q) = %v, want %v", c.msg, got, c.want)
		}
	}

	if mapStellarError(nil) != nil {
		t.Error("Expected nil passthrough")
	}

	plain := errors.New("something else")
	if got := mapStellarError(plain); got != plain {
		t.Errorf("Expected unknown errors unchanged, got %v", got)
	}
}
