package gateway

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/crosslock-exchange/crosslock/internal/hashlock"
	"github.com/crosslock-exchange/crosslock/internal/nonce"
	"github.com/crosslock-exchange/crosslock/pkg/logging"
)

// htlcABI is the interface of the CrossLock HTLC contract.
const htlcABI = `[
	{"type":"function","name":"createHTLC","inputs":[
		{"name":"id","type":"bytes32"},
		{"name":"receiver","type":"address"},
		{"name":"token","type":"address"},
		{"name":"amount","type":"uint256"},
		{"name":"hashlock","type":"bytes32"},
		{"name":"timelock","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"claim","inputs":[
		{"name":"id","type":"bytes32"},
		{"name":"secret","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"refund","inputs":[
		{"name":"id","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"getHTLC","inputs":[
		{"name":"id","type":"bytes32"}],"outputs":[
		{"name":"sender","type":"address"},
		{"name":"receiver","type":"address"},
		{"name":"token","type":"address"},
		{"name":"amount","type":"uint256"},
		{"name":"hashlock","type":"bytes32"},
		{"name":"timelock","type":"uint256"},
		{"name":"state","type":"uint8"},
		{"name":"secret","type":"bytes32"}],"stateMutability":"view"}
]`

// erc20ABI covers the calls the gateway needs against token contracts,
// including the EIP-2612 permit entry point.
const erc20ABI = `[
	{"type":"function","name":"balanceOf","inputs":[
		{"name":"owner","type":"address"}],"outputs":[
		{"name":"","type":"uint256"}],"stateMutability":"view"},
	{"type":"function","name":"allowance","inputs":[
		{"name":"owner","type":"address"},
		{"name":"spender","type":"address"}],"outputs":[
		{"name":"","type":"uint256"}],"stateMutability":"view"},
	{"type":"function","name":"nonces","inputs":[
		{"name":"owner","type":"address"}],"outputs":[
		{"name":"","type":"uint256"}],"stateMutability":"view"},
	{"type":"function","name":"name","inputs":[],"outputs":[
		{"name":"","type":"string"}],"stateMutability":"view"},
	{"type":"function","name":"permit","inputs":[
		{"name":"owner","type":"address"},
		{"name":"spender","type":"address"},
		{"name":"value","type":"uint256"},
		{"name":"deadline","type":"uint256"},
		{"name":"v","type":"uint8"},
		{"name":"r","type":"bytes32"},
		{"name":"s","type":"bytes32"}],"outputs":[]}
]`

const (
	htlcGasLimit   = 300000
	claimGasLimit  = 150000
	refundGasLimit = 120000
	permitGasLimit = 100000
)

// NonceSource serializes nonce assignment for outbound transactions.
// Implemented by the nonce allocator.
type NonceSource interface {
	Next(address string) (uint64, error)
	Confirm(address string, nonce uint64) error
	Reconcile(ctx context.Context, address string, reader nonce.ChainNonceReader) error
}

// EVMGateway drives an HTLC contract on an EVM chain.
type EVMGateway struct {
	ledger     string
	client     *ethclient.Client
	chainID    *big.Int
	contract   common.Address
	htlcABI    abi.ABI
	tokenABI   abi.ABI
	signerKey  *ecdsa.PrivateKey
	signerAddr common.Address
	nonces     NonceSource
	logger     *logging.Logger
}

// EVMConfig configures an EVM gateway.
type EVMConfig struct {
	Ledger       string
	RPCURL       string
	ContractAddr string
	SignerKeyHex string
	Nonces       NonceSource
	Logger       *logging.Logger
}

// NewEVMGateway connects to an EVM chain and binds the HTLC contract.
func NewEVMGateway(ctx context.Context, cfg EVMConfig) (*EVMGateway, error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}

	parsedHTLC, err := abi.JSON(strings.NewReader(htlcABI))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to parse HTLC ABI: %w", err)
	}
	parsedERC20, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.SignerKeyHex, "0x"))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to parse signer key: %w", err)
	}

	return &EVMGateway{
		ledger:     cfg.Ledger,
		client:     client,
		chainID:    chainID,
		contract:   common.HexToAddress(cfg.ContractAddr),
		htlcABI:    parsedHTLC,
		tokenABI:   parsedERC20,
		signerKey:  key,
		signerAddr: crypto.PubkeyToAddress(key.PublicKey),
		nonces:     cfg.Nonces,
		logger:     cfg.Logger.Component("gateway-evm"),
	}, nil
}

func (g *EVMGateway) Ledger() string { return g.ledger }

// SignerAddress returns the relay signer's address.
func (g *EVMGateway) SignerAddress() string {
	return g.signerAddr.Hex()
}

// ContractAddress returns the HTLC contract address.
func (g *EVMGateway) ContractAddress() string {
	return g.contract.Hex()
}

// ChainID returns the connected chain's id.
func (g *EVMGateway) ChainID() *big.Int {
	return new(big.Int).Set(g.chainID)
}

// ComputeHTLCID derives the contract's deterministic lock id.
func ComputeHTLCID(sender, receiver common.Address, h hashlock.Hashlock, expiry time.Time) [32]byte {
	timelock := make([]byte, 32)
	big.NewInt(expiry.Unix()).FillBytes(timelock)

	var id [32]byte
	copy(id[:], crypto.Keccak256(sender.Bytes(), receiver.Bytes(), h[:], timelock))
	return id
}

// CreateHTLC locks ERC20 funds in the HTLC contract.
func (g *EVMGateway) CreateHTLC(ctx context.Context, params HTLCParams) (string, error) {
	if err := params.Validate(); err != nil {
		return "", err
	}

	sender := common.HexToAddress(params.Sender)
	receiver := common.HexToAddress(params.Receiver)
	id := ComputeHTLCID(sender, receiver, params.Hashlock, params.Expiry)

	data, err := g.htlcABI.Pack("createHTLC",
		id,
		receiver,
		common.HexToAddress(params.Token),
		new(big.Int).SetUint64(params.Amount),
		[32]byte(params.Hashlock),
		big.NewInt(params.Expiry.Unix()),
	)
	if err != nil {
		return "", fmt.Errorf("failed to pack createHTLC: %w", err)
	}

	txHash, err := g.sendTx(ctx, g.contract, data, htlcGasLimit)
	if err != nil {
		return "", mapEVMError(err)
	}

	g.logger.Info("HTLC created", "id", hex.EncodeToString(id[:]), "tx", txHash)
	return hex.EncodeToString(id[:]), nil
}

// ClaimHTLC claims the lock by revealing the secret.
func (g *EVMGateway) ClaimHTLC(ctx context.Context, htlcID string, secret hashlock.Secret) error {
	id, err := parseHTLCID(htlcID)
	if err != nil {
		return err
	}

	data, err := g.htlcABI.Pack("claim", id, [32]byte(secret))
	if err != nil {
		return fmt.Errorf("failed to pack claim: %w", err)
	}

	txHash, err := g.sendTx(ctx, g.contract, data, claimGasLimit)
	if err != nil {
		return mapEVMError(err)
	}

	g.logger.Info("HTLC claimed", "id", htlcID, "tx", txHash)
	return nil
}

// RefundHTLC refunds an expired lock to its sender.
func (g *EVMGateway) RefundHTLC(ctx context.Context, htlcID string) error {
	id, err := parseHTLCID(htlcID)
	if err != nil {
		return err
	}

	data, err := g.htlcABI.Pack("refund", id)
	if err != nil {
		return fmt.Errorf("failed to pack refund: %w", err)
	}

	txHash, err := g.sendTx(ctx, g.contract, data, refundGasLimit)
	if err != nil {
		return mapEVMError(err)
	}

	g.logger.Info("HTLC refunded", "id", htlcID, "tx", txHash)
	return nil
}

// HTLCStatus reads the lock from the contract.
func (g *EVMGateway) HTLCStatus(ctx context.Context, htlcID string) (*HTLC, error) {
	id, err := parseHTLCID(htlcID)
	if err != nil {
		return nil, err
	}

	out, err := g.viewCall(ctx, g.contract, g.htlcABI, "getHTLC", id)
	if err != nil {
		return nil, mapEVMError(err)
	}

	sender := out[0].(common.Address)
	if sender == (common.Address{}) {
		return nil, ErrHTLCNotFound
	}

	h := &HTLC{
		ID:       htlcID,
		Sender:   sender.Hex(),
		Receiver: out[1].(common.Address).Hex(),
		Token:    out[2].(common.Address).Hex(),
		Amount:   out[3].(*big.Int).Uint64(),
		Hashlock: hashlock.Hashlock(out[4].([32]byte)),
		Expiry:   time.Unix(out[5].(*big.Int).Int64(), 0),
		State:    HTLCState(out[6].(uint8)),
		Secret:   hashlock.Secret(out[7].([32]byte)),
	}

	return h, nil
}

// Balance reads an ERC20 balance, or the native balance for an empty token.
func (g *EVMGateway) Balance(ctx context.Context, address, token string) (uint64, error) {
	addr := common.HexToAddress(address)

	if token == "" {
		bal, err := g.client.BalanceAt(ctx, addr, nil)
		if err != nil {
			return 0, mapEVMError(err)
		}
		return bal.Uint64(), nil
	}

	out, err := g.viewCall(ctx, common.HexToAddress(token), g.tokenABI, "balanceOf", addr)
	if err != nil {
		return 0, mapEVMError(err)
	}
	return out[0].(*big.Int).Uint64(), nil
}

// Allowance reads the ERC20 allowance granted to the HTLC contract.
func (g *EVMGateway) Allowance(ctx context.Context, owner, token string) (uint64, error) {
	out, err := g.viewCall(ctx, common.HexToAddress(token), g.tokenABI, "allowance",
		common.HexToAddress(owner), g.contract)
	if err != nil {
		return 0, mapEVMError(err)
	}
	return out[0].(*big.Int).Uint64(), nil
}

// AccountNonce reads the pending transaction count for an address.
func (g *EVMGateway) AccountNonce(ctx context.Context, address string) (uint64, error) {
	nonce, err := g.client.PendingNonceAt(ctx, common.HexToAddress(address))
	if err != nil {
		return 0, mapEVMError(err)
	}
	return nonce, nil
}

// PermitNonce reads the token's EIP-2612 nonce for an owner.
func (g *EVMGateway) PermitNonce(ctx context.Context, token, owner string) (*big.Int, error) {
	out, err := g.viewCall(ctx, common.HexToAddress(token), g.tokenABI, "nonces",
		common.HexToAddress(owner))
	if err != nil {
		return nil, mapEVMError(err)
	}
	return out[0].(*big.Int), nil
}

// TokenName reads the token's name, used in the EIP-712 domain.
func (g *EVMGateway) TokenName(ctx context.Context, token string) (string, error) {
	out, err := g.viewCall(ctx, common.HexToAddress(token), g.tokenABI, "name")
	if err != nil {
		return "", mapEVMError(err)
	}
	return out[0].(string), nil
}

// ExecutePermit relays a signed EIP-2612 permit, granting the HTLC contract
// an allowance without the owner spending gas. The signature must already be
// verified by the caller.
func (g *EVMGateway) ExecutePermit(ctx context.Context, token, owner string, value *big.Int, deadline *big.Int, v uint8, r, s [32]byte) (string, error) {
	data, err := g.tokenABI.Pack("permit",
		common.HexToAddress(owner),
		g.contract,
		value,
		deadline,
		v, r, s,
	)
	if err != nil {
		return "", fmt.Errorf("failed to pack permit: %w", err)
	}

	txHash, err := g.sendTx(ctx, common.HexToAddress(token), data, permitGasLimit)
	if err != nil {
		return "", mapEVMError(err)
	}

	g.logger.Info("Permit relayed", "token", token, "owner", owner, "tx", txHash)
	return txHash, nil
}

func (g *EVMGateway) Close() error {
	g.client.Close()
	return nil
}

// sendTx signs and broadcasts a contract call from the relay signer, using
// the nonce allocator when one is wired. An allocated nonce that fails to
// reach the chain is reclaimed through Reconcile, otherwise every later
// transaction would queue behind the gap.
func (g *EVMGateway) sendTx(ctx context.Context, to common.Address, data []byte, gasLimit uint64) (string, error) {
	gasPrice, err := g.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get gas price: %w", err)
	}

	var txNonce uint64
	if g.nonces != nil {
		txNonce, err = g.nonces.Next(g.signerAddr.Hex())
	} else {
		txNonce, err = g.client.PendingNonceAt(ctx, g.signerAddr)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get nonce: %w", err)
	}

	tx := types.NewTransaction(txNonce, to, big.NewInt(0), gasLimit, gasPrice, data)

	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(g.chainID), g.signerKey)
	if err != nil {
		g.reclaimNonce(ctx)
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := g.client.SendTransaction(ctx, signedTx); err != nil {
		g.reclaimNonce(ctx)
		return "", err
	}

	if g.nonces != nil {
		if err := g.nonces.Confirm(g.signerAddr.Hex(), txNonce); err != nil {
			g.logger.Warn("Failed to confirm nonce", "nonce", txNonce, "error", err)
		}
	}

	return signedTx.Hash().Hex(), nil
}

// reclaimNonce resynchronizes the allocator with the chain after a failed
// send. The gateway itself serves as the chain nonce reader.
func (g *EVMGateway) reclaimNonce(ctx context.Context) {
	if g.nonces == nil {
		return
	}
	if err := g.nonces.Reconcile(ctx, g.signerAddr.Hex(), g); err != nil {
		g.logger.Warn("Failed to reconcile nonce state after send failure", "error", err)
	}
}

func (g *EVMGateway) viewCall(ctx context.Context, to common.Address, contractABI abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}

	result, err := g.client.CallContract(ctx, callMsg(to, data), nil)
	if err != nil {
		return nil, err
	}

	out, err := contractABI.Unpack(method, result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", method, err)
	}
	return out, nil
}

func callMsg(to common.Address, data []byte) ethereum.CallMsg {
	return ethereum.CallMsg{To: &to, Data: data}
}

func parseHTLCID(htlcID string) ([32]byte, error) {
	var id [32]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(htlcID, "0x"))
	if err != nil || len(raw) != 32 {
		return id, fmt.Errorf("%w: invalid id %q", ErrHTLCNotFound, htlcID)
	}
	copy(id[:], raw)
	return id, nil
}

// mapEVMError folds node and revert errors into gateway sentinels.
func mapEVMError(err error) error {
	if err == nil {
		return nil
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "already claimed"):
		return fmt.Errorf("%w: %v", ErrAlreadyClaimed, err)
	case strings.Contains(msg, "already refunded"):
		return fmt.Errorf("%w: %v", ErrAlreadyRefunded, err)
	case strings.Contains(msg, "invalid secret"), strings.Contains(msg, "hashlock mismatch"):
		return fmt.Errorf("%w: %v", ErrInvalidSecret, err)
	case strings.Contains(msg, "not expired"):
		return fmt.Errorf("%w: %v", ErrNotExpired, err)
	case strings.Contains(msg, "expired"):
		return fmt.Errorf("%w: %v", ErrExpired, err)
	case strings.Contains(msg, "insufficient funds"), strings.Contains(msg, "insufficient balance"),
		strings.Contains(msg, "transfer amount exceeds"):
		return fmt.Errorf("%w: %v", ErrInsufficient, err)
	case strings.Contains(msg, "nonce too low"), strings.Contains(msg, "replacement transaction"):
		return fmt.Errorf("%w: %v", ErrNonceConflict, err)
	case strings.Contains(msg, "connection"), strings.Contains(msg, "timeout"),
		strings.Contains(msg, "eof"), strings.Contains(msg, "temporarily"):
		return fmt.Errorf("%w: %v", ErrTransient, err)
	default:
		return err
	}
}

var _ Gateway = (*EVMGateway)(nil)
