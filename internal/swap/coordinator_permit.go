// Package swap - Gasless approval relay (EIP-2612 permits).
package swap

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/sha3"

	"github.com/crosslock-exchange/crosslock/internal/gateway"
	"github.com/crosslock-exchange/crosslock/internal/ledger"
)

// Permit errors
var (
	ErrPermitSignature = errors.New("permit signature does not recover to owner")
	ErrPermitDeadline  = errors.New("permit deadline has passed")
)

// permitRelay is the gateway surface needed to relay EIP-2612 permits.
type permitRelay interface {
	ChainID() *big.Int
	ContractAddress() string
	TokenName(ctx context.Context, token string) (string, error)
	PermitNonce(ctx context.Context, token, owner string) (*big.Int, error)
	ExecutePermit(ctx context.Context, token, owner string, value, deadline *big.Int, v uint8, r, s [32]byte) (string, error)
}

// permitNonceReader adapts a token's EIP-2612 nonce view to the allocator's
// chain reader, so permit nonces reconcile the same way transaction nonces do.
type permitNonceReader struct {
	relay permitRelay
	token string
	owner string
}

func (r permitNonceReader) AccountNonce(ctx context.Context, _ string) (uint64, error) {
	n, err := r.relay.PermitNonce(ctx, r.token, r.owner)
	if err != nil {
		return 0, err
	}
	return n.Uint64(), nil
}

// permitNonceKey namespaces permit nonce state per token and owner, keeping
// it apart from the signer's transaction nonces in the same allocator.
func permitNonceKey(ledgerTag, token, owner string) string {
	return "permit:" + ledgerTag + ":" + token + ":" + owner
}

var (
	eip712DomainTypehash = keccak([]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))
	permitTypehash       = keccak([]byte("Permit(address owner,address spender,uint256 value,uint256 nonce,uint256 deadline)"))
)

// PermitRequest is a signed EIP-2612 approval the owner wants relayed. The
// owner signs off-chain; the coordinator pays the gas to land it.
type PermitRequest struct {
	Ledger    string `json:"ledger"`
	Token     string `json:"token"`
	Owner     string `json:"owner"`
	Value     uint64 `json:"value"`
	Nonce     uint64 `json:"nonce"`
	Deadline  int64  `json:"deadline"`
	Signature string `json:"signature"` // 65-byte hex r||s||v
}

// ExecutePermit verifies a signed permit against the token's current EIP-712
// domain and relays it, granting the HTLC contract an allowance without the
// owner holding gas. Only EVM-type ledgers support permits.
//
// Permit nonces are issued by the allocator, keyed per token and owner, so
// two concurrent relays for the same owner cannot sign over the same value.
// The request's nonce must match the issued one; a reused or out-of-sequence
// nonce is rejected with ErrNonceConflict.
func (c *Coordinator) ExecutePermit(req *PermitRequest) (string, error) {
	params, ok := ledger.Get(req.Ledger, c.network)
	if !ok {
		return "", fmt.Errorf("%w: %s", ledger.ErrUnknownLedger, req.Ledger)
	}
	if params.Type != ledger.TypeEVM {
		return "", fmt.Errorf("%w: permits require an EVM ledger, %s is %s",
			gateway.ErrUnsupported, req.Ledger, params.Type)
	}

	if req.Deadline < time.Now().Unix() {
		return "", ErrPermitDeadline
	}

	gw, err := c.gateways.Get(req.Ledger)
	if err != nil {
		return "", err
	}
	relay, ok := gw.(permitRelay)
	if !ok {
		return "", fmt.Errorf("%w: gateway for %s cannot relay permits", gateway.ErrUnsupported, req.Ledger)
	}
	if c.allocator == nil {
		return "", fmt.Errorf("permit relay requires a nonce allocator")
	}

	sig, err := parsePermitSignature(req.Signature)
	if err != nil {
		return "", err
	}

	tokenName, err := relay.TokenName(c.ctx, req.Token)
	if err != nil {
		return "", fmt.Errorf("failed to read token name: %w", err)
	}

	key := permitNonceKey(req.Ledger, req.Token, req.Owner)
	reader := permitNonceReader{relay: relay, token: req.Token, owner: req.Owner}
	if err := c.allocator.Initialize(c.ctx, key, reader); err != nil {
		return "", err
	}
	permitNonce, err := c.allocator.Next(key)
	if err != nil {
		return "", err
	}
	reclaim := func() {
		if rerr := c.allocator.Reconcile(c.ctx, key, reader); rerr != nil {
			c.log.Warn("Failed to reconcile permit nonce", "owner", req.Owner, "error", rerr)
		}
	}

	if req.Nonce != permitNonce {
		reclaim()
		return "", fmt.Errorf("%w: permit nonce %d, next is %d",
			gateway.ErrNonceConflict, req.Nonce, permitNonce)
	}

	digest := permitDigest(
		tokenName,
		relay.ChainID(),
		common.HexToAddress(req.Token),
		common.HexToAddress(req.Owner),
		common.HexToAddress(relay.ContractAddress()),
		new(big.Int).SetUint64(req.Value),
		new(big.Int).SetUint64(permitNonce),
		big.NewInt(req.Deadline),
	)

	pubkey, err := crypto.SigToPub(digest, sig)
	if err != nil {
		reclaim()
		return "", fmt.Errorf("%w: %v", ErrPermitSignature, err)
	}
	if crypto.PubkeyToAddress(*pubkey) != common.HexToAddress(req.Owner) {
		reclaim()
		return "", ErrPermitSignature
	}

	var r, s [32]byte
	copy(r[:], sig[0:32])
	copy(s[:], sig[32:64])
	v := sig[64] + 27

	txHash, err := relay.ExecutePermit(c.ctx, req.Token, req.Owner,
		new(big.Int).SetUint64(req.Value), big.NewInt(req.Deadline), v, r, s)
	if err != nil {
		reclaim()
		return "", err
	}

	if err := c.allocator.Confirm(key, permitNonce); err != nil {
		c.log.Warn("Failed to confirm permit nonce", "owner", req.Owner, "error", err)
	}

	c.log.Info("Permit relayed", "token", req.Token, "owner", req.Owner, "tx", txHash)
	return txHash, nil
}

// permitDigest builds the EIP-712 digest the owner signed.
func permitDigest(tokenName string, chainID *big.Int, token, owner, spender common.Address, value, nonce, deadline *big.Int) []byte {
	domain := keccak(bytes.Join([][]byte{
		eip712DomainTypehash,
		keccak([]byte(tokenName)),
		keccak([]byte("1")),
		pad32(chainID),
		padAddr(token),
	}, nil))

	structHash := keccak(bytes.Join([][]byte{
		permitTypehash,
		padAddr(owner),
		padAddr(spender),
		pad32(value),
		pad32(nonce),
		pad32(deadline),
	}, nil))

	return keccak(bytes.Join([][]byte{{0x19, 0x01}, domain, structHash}, nil))
}

func keccak(data []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return h.Sum(nil)
}

func pad32(n *big.Int) []byte {
	out := make([]byte, 32)
	n.FillBytes(out)
	return out
}

func padAddr(a common.Address) []byte {
	out := make([]byte, 32)
	copy(out[12:], a.Bytes())
	return out
}

// parsePermitSignature decodes a 65-byte r||s||v signature, normalizing the
// recovery byte to 0/1.
func parsePermitSignature(sigHex string) ([]byte, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(sig) != 65 {
		return nil, fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	if sig[64] > 1 {
		return nil, fmt.Errorf("invalid recovery byte %d", sig[64])
	}
	return sig, nil
}
