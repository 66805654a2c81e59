package gateway

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil/base58"

	"github.com/crosslock-exchange/crosslock/internal/hashlock"
	"github.com/crosslock-exchange/crosslock/pkg/logging"
)

// Instruction tags of the CrossLock HTLC program.
const (
	solIxCreate byte = 0
	solIxClaim  byte = 1
	solIxRefund byte = 2
)

// On-chain state bytes of an HTLC account.
const (
	solStateActive   byte = 1
	solStateClaimed  byte = 2
	solStateRefunded byte = 3
)

// SolanaGateway drives the CrossLock HTLC program over Solana JSON-RPC.
type SolanaGateway struct {
	ledger     string
	rpcURL     string
	program    string
	signerKey  ed25519.PrivateKey
	signerAddr string
	httpClient *http.Client
	requestID  atomic.Uint64
	logger     *logging.Logger
}

// SolanaConfig configures a Solana gateway.
type SolanaConfig struct {
	Ledger     string
	RPCURL     string
	ProgramID  string
	SignerSeed []byte // 32-byte ed25519 seed
	Logger     *logging.Logger
}

// NewSolanaGateway creates a gateway for the given RPC endpoint and program.
func NewSolanaGateway(cfg SolanaConfig) (*SolanaGateway, error) {
	if len(cfg.SignerSeed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signer seed must be %d bytes, got %d", ed25519.SeedSize, len(cfg.SignerSeed))
	}

	key := ed25519.NewKeyFromSeed(cfg.SignerSeed)
	pub := key.Public().(ed25519.PublicKey)

	return &SolanaGateway{
		ledger:     cfg.Ledger,
		rpcURL:     cfg.RPCURL,
		program:    cfg.ProgramID,
		signerKey:  key,
		signerAddr: base58.Encode(pub),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     cfg.Logger.Component("gateway-solana"),
	}, nil
}

func (g *SolanaGateway) Ledger() string { return g.ledger }

// SignerAddress returns the base58 address of the relay signer.
func (g *SolanaGateway) SignerAddress() string { return g.signerAddr }

// DeriveHTLCAddress computes the program-derived address holding one lock's
// state. Deterministic in the lock parameters, so both parties agree on it
// without coordination.
func DeriveHTLCAddress(program, sender, receiver string, h hashlock.Hashlock) string {
	hash := sha256.New()
	hash.Write([]byte("htlc"))
	hash.Write(base58.Decode(program))
	hash.Write(base58.Decode(sender))
	hash.Write(base58.Decode(receiver))
	hash.Write(h[:])
	return base58.Encode(hash.Sum(nil))
}

// CreateHTLC locks funds in a new HTLC program account.
func (g *SolanaGateway) CreateHTLC(ctx context.Context, params HTLCParams) (string, error) {
	if err := params.Validate(); err != nil {
		return "", err
	}

	htlcAddr := DeriveHTLCAddress(g.program, params.Sender, params.Receiver, params.Hashlock)

	data := make([]byte, 0, 1+32+8+8)
	data = append(data, solIxCreate)
	data = append(data, params.Hashlock[:]...)
	data = binary.LittleEndian.AppendUint64(data, params.Amount)
	data = binary.LittleEndian.AppendUint64(data, uint64(params.Expiry.Unix()))

	accounts := []string{g.signerAddr, htlcAddr, params.Receiver}
	if params.Token != "" {
		accounts = append(accounts, params.Token)
	}

	sig, err := g.sendInstruction(ctx, accounts, data)
	if err != nil {
		return "", mapSolanaError(err)
	}

	g.logger.Info("HTLC created", "address", htlcAddr, "signature", sig)
	return htlcAddr, nil
}

// ClaimHTLC reveals the secret to release the locked funds.
func (g *SolanaGateway) ClaimHTLC(ctx context.Context, htlcID string, secret hashlock.Secret) error {
	data := make([]byte, 0, 1+32)
	data = append(data, solIxClaim)
	data = append(data, secret[:]...)

	sig, err := g.sendInstruction(ctx, []string{g.signerAddr, htlcID}, data)
	if err != nil {
		return mapSolanaError(err)
	}

	g.logger.Info("HTLC claimed", "address", htlcID, "signature", sig)
	return nil
}

// RefundHTLC returns the funds to the sender after expiry.
func (g *SolanaGateway) RefundHTLC(ctx context.Context, htlcID string) error {
	sig, err := g.sendInstruction(ctx, []string{g.signerAddr, htlcID}, []byte{solIxRefund})
	if err != nil {
		return mapSolanaError(err)
	}

	g.logger.Info("HTLC refunded", "address", htlcID, "signature", sig)
	return nil
}

// htlcAccountLayout is the byte layout of an HTLC state account:
//
//	sender(32) receiver(32) token(32) amount(8) hashlock(32) expiry(8) state(1) secret(32)
const htlcAccountSize = 32 + 32 + 32 + 8 + 32 + 8 + 1 + 32

// HTLCStatus reads and decodes the HTLC state account.
func (g *SolanaGateway) HTLCStatus(ctx context.Context, htlcID string) (*HTLC, error) {
	result, err := g.rpcCall(ctx, "getAccountInfo", []interface{}{
		htlcID,
		map[string]interface{}{"encoding": "base64"},
	})
	if err != nil {
		return nil, mapSolanaError(err)
	}

	var info struct {
		Value *struct {
			Data  []string `json:"data"`
			Owner string   `json:"owner"`
		} `json:"value"`
	}
	if err := json.Unmarshal(result, &info); err != nil {
		return nil, fmt.Errorf("failed to parse account info: %w", err)
	}
	if info.Value == nil || len(info.Value.Data) == 0 {
		return nil, ErrHTLCNotFound
	}

	raw, err := base64.StdEncoding.DecodeString(info.Value.Data[0])
	if err != nil {
		return nil, fmt.Errorf("failed to decode account data: %w", err)
	}
	if len(raw) < htlcAccountSize {
		return nil, fmt.Errorf("htlc account too short: %d bytes", len(raw))
	}

	h := &HTLC{
		ID:       htlcID,
		Sender:   base58.Encode(raw[0:32]),
		Receiver: base58.Encode(raw[32:64]),
		Amount:   binary.LittleEndian.Uint64(raw[96:104]),
		Expiry:   time.Unix(int64(binary.LittleEndian.Uint64(raw[136:144])), 0),
	}

	if token := raw[64:96]; !bytes.Equal(token, make([]byte, 32)) {
		h.Token = base58.Encode(token)
	}
	copy(h.Hashlock[:], raw[104:136])

	switch raw[144] {
	case solStateActive:
		h.State = HTLCStateActive
	case solStateClaimed:
		h.State = HTLCStateClaimed
		copy(h.Secret[:], raw[145:177])
	case solStateRefunded:
		h.State = HTLCStateRefunded
	default:
		h.State = HTLCStateUnknown
	}

	return h, nil
}

// Balance reads lamports for an empty token, or the SPL token balance.
func (g *SolanaGateway) Balance(ctx context.Context, address, token string) (uint64, error) {
	if token == "" {
		result, err := g.rpcCall(ctx, "getBalance", []interface{}{address})
		if err != nil {
			return 0, mapSolanaError(err)
		}

		var resp struct {
			Value uint64 `json:"value"`
		}
		if err := json.Unmarshal(result, &resp); err != nil {
			return 0, fmt.Errorf("failed to parse balance: %w", err)
		}
		return resp.Value, nil
	}

	result, err := g.rpcCall(ctx, "getTokenAccountsByOwner", []interface{}{
		address,
		map[string]interface{}{"mint": token},
		map[string]interface{}{"encoding": "jsonParsed"},
	})
	if err != nil {
		return 0, mapSolanaError(err)
	}

	var resp struct {
		Value []struct {
			Account struct {
				Data struct {
					Parsed struct {
						Info struct {
							TokenAmount struct {
								Amount string `json:"amount"`
							} `json:"tokenAmount"`
						} `json:"info"`
					} `json:"parsed"`
				} `json:"data"`
			} `json:"account"`
		} `json:"value"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return 0, fmt.Errorf("failed to parse token accounts: %w", err)
	}

	var total uint64
	for _, acct := range resp.Value {
		var amount uint64
		fmt.Sscanf(acct.Account.Data.Parsed.Info.TokenAmount.Amount, "%d", &amount)
		total += amount
	}
	return total, nil
}

// AccountNonce is not meaningful on Solana, which uses recent blockhashes
// for transaction replay protection instead of account counters.
func (g *SolanaGateway) AccountNonce(_ context.Context, _ string) (uint64, error) {
	return 0, ErrUnsupported
}

func (g *SolanaGateway) Close() error {
	g.httpClient.CloseIdleConnections()
	return nil
}

// sendInstruction builds, signs, and broadcasts a single-instruction
// transaction against the HTLC program.
func (g *SolanaGateway) sendInstruction(ctx context.Context, accounts []string, data []byte) (string, error) {
	blockhash, err := g.recentBlockhash(ctx)
	if err != nil {
		return "", err
	}

	msg := g.buildMessage(accounts, data, blockhash)
	sig := ed25519.Sign(g.signerKey, msg)

	var tx bytes.Buffer
	tx.Write(compactU16(1))
	tx.Write(sig)
	tx.Write(msg)

	result, err := g.rpcCall(ctx, "sendTransaction", []interface{}{
		base64.StdEncoding.EncodeToString(tx.Bytes()),
		map[string]interface{}{"encoding": "base64"},
	})
	if err != nil {
		return "", err
	}

	var txSig string
	if err := json.Unmarshal(result, &txSig); err != nil {
		return "", fmt.Errorf("failed to parse signature: %w", err)
	}
	return txSig, nil
}

// buildMessage serializes a legacy transaction message with one instruction.
// The signer is always the fee payer and the program id is the last account.
func (g *SolanaGateway) buildMessage(accounts []string, data []byte, blockhash string) []byte {
	keys := append([]string{}, accounts...)
	keys = append(keys, g.program)

	var msg bytes.Buffer

	// Header: 1 signature, 0 readonly-signed, 1 readonly-unsigned (program)
	msg.Write([]byte{1, 0, 1})

	msg.Write(compactU16(len(keys)))
	for _, key := range keys {
		raw := base58.Decode(key)
		padded := make([]byte, 32)
		copy(padded, raw)
		msg.Write(padded)
	}

	raw := base58.Decode(blockhash)
	padded := make([]byte, 32)
	copy(padded, raw)
	msg.Write(padded)

	// One instruction: program index, account indices, data
	msg.Write(compactU16(1))
	msg.WriteByte(byte(len(keys) - 1))
	msg.Write(compactU16(len(accounts)))
	for i := range accounts {
		msg.WriteByte(byte(i))
	}
	msg.Write(compactU16(len(data)))
	msg.Write(data)

	return msg.Bytes()
}

func (g *SolanaGateway) recentBlockhash(ctx context.Context) (string, error) {
	result, err := g.rpcCall(ctx, "getLatestBlockhash", []interface{}{})
	if err != nil {
		return "", err
	}

	var resp struct {
		Value struct {
			Blockhash string `json:"blockhash"`
		} `json:"value"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return "", fmt.Errorf("failed to parse blockhash: %w", err)
	}
	return resp.Value.Blockhash, nil
}

func (g *SolanaGateway) rpcCall(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	id := g.requestID.Add(1)

	request := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	}

	payload, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", g.rpcURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var response struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	if response.Error != nil {
		return nil, fmt.Errorf("RPC error %d: %s", response.Error.Code, response.Error.Message)
	}

	return response.Result, nil
}

// compactU16 encodes the shortvec length prefix used by Solana messages.
func compactU16(n int) []byte {
	var out []byte
	for {
		b := byte(n & 0x7f)
		n >>= 7
		if n == 0 {
			out = append(out, b)
			return out
		}
		out = append(out, b|0x80)
	}
}

// mapSolanaError folds RPC failures into gateway sentinels.
func mapSolanaError(err error) error {
	if err == nil {
		return nil
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "alreadyclaimed"), strings.Contains(msg, "already claimed"):
		return fmt.Errorf("%w: %v", ErrAlreadyClaimed, err)
	case strings.Contains(msg, "alreadyrefunded"), strings.Contains(msg, "already refunded"):
		return fmt.Errorf("%w: %v", ErrAlreadyRefunded, err)
	case strings.Contains(msg, "invalidsecret"), strings.Contains(msg, "invalid secret"):
		return fmt.Errorf("%w: %v", ErrInvalidSecret, err)
	case strings.Contains(msg, "notexpired"), strings.Contains(msg, "not expired"):
		return fmt.Errorf("%w: %v", ErrNotExpired, err)
	case strings.Contains(msg, "insufficient"):
		return fmt.Errorf("%w: %v", ErrInsufficient, err)
	case strings.Contains(msg, "blockhash not found"), strings.Contains(msg, "node is behind"),
		strings.Contains(msg, "timeout"), strings.Contains(msg, "connection"):
		return fmt.Errorf("%w: %v", ErrTransient, err)
	default:
		return err
	}
}

var _ Gateway = (*SolanaGateway)(nil)
