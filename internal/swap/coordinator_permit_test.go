package swap

import (
	"encoding/hex"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/crosslock-exchange/crosslock/internal/gateway"
)

func TestPermitDigestRecovery(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	owner := crypto.PubkeyToAddress(key.PublicKey)

	digest := permitDigest(
		"USD Coin",
		big.NewInt(1),
		common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"),
		owner,
		common.HexToAddress("0x3333333333333333333333333333333333333333"),
		big.NewInt(1000000),
		big.NewInt(0),
		big.NewInt(time.Now().Add(time.Hour).Unix()),
	)

	sig, err := crypto.Sign(digest, key)
	if err != nil {
		t.Fatalf("Failed to sign digest: %v", err)
	}

	pubkey, err := crypto.SigToPub(digest, sig)
	if err != nil {
		t.Fatalf("Failed to recover pubkey: %v", err)
	}
	if crypto.PubkeyToAddress(*pubkey) != owner {
		t.Error("Recovered address does not match signer")
	}
}

func TestPermitDigestDependsOnEveryField(t *testing.T) {
	token := common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	owner := common.HexToAddress("0x1111111111111111111111111111111111111111")
	spender := common.HexToAddress("0x2222222222222222222222222222222222222222")

	base := permitDigest("USD Coin", big.NewInt(1), token, owner, spender,
		big.NewInt(100), big.NewInt(0), big.NewInt(9999999999))

	variants := [][]byte{
		permitDigest("Tether USD", big.NewInt(1), token, owner, spender,
			big.NewInt(100), big.NewInt(0), big.NewInt(9999999999)),
		permitDigest("USD Coin", big.NewInt(137), token, owner, spender,
			big.NewInt(100), big.NewInt(0), big.NewInt(9999999999)),
		permitDigest("USD Coin", big.NewInt(1), token, owner, spender,
			big.NewInt(101), big.NewInt(0), big.NewInt(9999999999)),
		permitDigest("USD Coin", big.NewInt(1), token, owner, spender,
			big.NewInt(100), big.NewInt(1), big.NewInt(9999999999)),
		permitDigest("USD Coin", big.NewInt(1), token, owner, spender,
			big.NewInt(100), big.NewInt(0), big.NewInt(8888888888)),
	}

	for i, v := range variants {
		if string(v) == string(base) {
			t.Errorf("Variant %d produced the same digest", i)
		}
	}
}

func TestParsePermitSignature(t *testing.T) {
	raw := make([]byte, 65)
	raw[64] = 27

	sig, err := parsePermitSignature("0x" + hex.EncodeToString(raw))
	if err != nil {
		t.Fatalf("Failed to parse signature: %v", err)
	}
	if sig[64] != 0 {
		t.Errorf("Expected v normalized to 0, got %d", sig[64])
	}

	raw[64] = 1
	sig, err = parsePermitSignature(hex.EncodeToString(raw))
	if err != nil {
		t.Fatalf("Failed to parse signature without prefix: %v", err)
	}
	if sig[64] != 1 {
		t.Errorf("Expected v kept as 1, got %d", sig[64])
	}

	if _, err := parsePermitSignature("0xdeadbeef"); err == nil {
		t.Error("Expected error for short signature")
	}
	raw[64] = 5
	if _, err := parsePermitSignature(hex.EncodeToString(raw)); err == nil {
		t.Error("Expected error for invalid recovery byte")
	}
}

func TestExecutePermitSerializesNonces(t *testing.T) {
	e := newTestEnv(t)

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	owner := crypto.PubkeyToAddress(key.PublicKey)
	deadline := time.Now().Add(time.Hour).Unix()

	// Sign against the mock gateway's EIP-712 domain.
	permitReq := func(nonce uint64) *PermitRequest {
		digest := permitDigest(
			"Mock Token",
			big.NewInt(1337),
			common.HexToAddress(testEVMToken),
			owner,
			common.HexToAddress("0x00000000000000000000000000000000C0FFEE00"),
			big.NewInt(1000000),
			new(big.Int).SetUint64(nonce),
			big.NewInt(deadline),
		)
		sig, err := crypto.Sign(digest, key)
		if err != nil {
			t.Fatalf("Failed to sign digest: %v", err)
		}
		return &PermitRequest{
			Ledger:    "evm",
			Token:     testEVMToken,
			Owner:     owner.Hex(),
			Value:     1000000,
			Nonce:     nonce,
			Deadline:  deadline,
			Signature: "0x" + hex.EncodeToString(sig),
		}
	}

	tx, err := e.coord.ExecutePermit(permitReq(0))
	if err != nil {
		t.Fatalf("Failed to relay permit: %v", err)
	}
	if tx == "" {
		t.Fatal("Expected a transaction hash")
	}

	// Replaying a spent nonce is rejected before anything is relayed.
	if _, err := e.coord.ExecutePermit(permitReq(0)); !errors.Is(err, gateway.ErrNonceConflict) {
		t.Fatalf("Expected ErrNonceConflict for reused nonce, got %v", err)
	}

	// The rejection does not wedge the owner: the next nonce still relays.
	if _, err := e.coord.ExecutePermit(permitReq(1)); err != nil {
		t.Fatalf("Expected next nonce to relay after conflict: %v", err)
	}
}

func TestExecutePermitValidation(t *testing.T) {
	e := newTestEnv(t)

	// Non-EVM ledgers cannot relay permits.
	_, err := e.coord.ExecutePermit(&PermitRequest{
		Ledger:   "stellar",
		Token:    e.stellarToken,
		Owner:    e.makerB,
		Deadline: time.Now().Add(time.Hour).Unix(),
	})
	if err == nil {
		t.Error("Expected permit on stellar to be rejected")
	}

	// Expired deadlines are rejected before any chain reads.
	_, err = e.coord.ExecutePermit(&PermitRequest{
		Ledger:   "evm",
		Token:    testEVMToken,
		Owner:    e.makerA,
		Deadline: time.Now().Add(-time.Minute).Unix(),
	})
	if err != ErrPermitDeadline {
		t.Errorf("Expected ErrPermitDeadline, got %v", err)
	}
}
