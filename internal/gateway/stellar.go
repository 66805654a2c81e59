package gateway

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/stellar/go/amount"
	"github.com/stellar/go/clients/horizonclient"
	"github.com/stellar/go/keypair"
	"github.com/stellar/go/strkey"
	"github.com/stellar/go/txnbuild"

	"github.com/crosslock-exchange/crosslock/internal/hashlock"
	"github.com/crosslock-exchange/crosslock/pkg/logging"
)

// Data entry keys on the escrow account. The HTLC state lives in account
// data so it survives without any off-chain bookkeeping.
const (
	stellarKeySender   = "htlc_sender"
	stellarKeyReceiver = "htlc_receiver"
	stellarKeyExpiry   = "htlc_expiry"
	stellarKeyState    = "htlc_state"
	stellarKeySecret   = "htlc_secret"
)

const stellarBaseFee = txnbuild.MinBaseFee * 10

// StellarGateway implements HTLCs as escrow accounts. The escrow carries a
// SHA-256 hash signer, so the claim transaction is authorized by the secret
// preimage itself, and a preauthorized refund transaction that only becomes
// valid after expiry.
type StellarGateway struct {
	ledger     string
	horizon    *horizonclient.Client
	passphrase string
	signer     *keypair.Full
	logger     *logging.Logger
}

// StellarConfig configures a Stellar gateway.
type StellarConfig struct {
	Ledger            string
	HorizonURL        string
	NetworkPassphrase string
	SignerSeed        string // S... strkey seed
	Logger            *logging.Logger
}

// NewStellarGateway creates a gateway over the given Horizon endpoint.
func NewStellarGateway(cfg StellarConfig) (*StellarGateway, error) {
	kp, err := keypair.ParseFull(cfg.SignerSeed)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signer seed: %w", err)
	}

	return &StellarGateway{
		ledger:     cfg.Ledger,
		horizon:    &horizonclient.Client{HorizonURL: cfg.HorizonURL},
		passphrase: cfg.NetworkPassphrase,
		signer:     kp,
		logger:     cfg.Logger.Component("gateway-stellar"),
	}, nil
}

func (g *StellarGateway) Ledger() string { return g.ledger }

// SignerAddress returns the relay signer's account id.
func (g *StellarGateway) SignerAddress() string { return g.signer.Address() }

// escrowKeypair derives the escrow account deterministically from the lock
// parameters, so the gateway can reconstruct it after a restart.
func (g *StellarGateway) escrowKeypair(sender, receiver string, h hashlock.Hashlock) (*keypair.Full, error) {
	digest := sha256.New()
	digest.Write([]byte("crosslock-escrow"))
	digest.Write([]byte(sender))
	digest.Write([]byte(receiver))
	digest.Write(h[:])

	var seed [32]byte
	copy(seed[:], digest.Sum(nil))

	kp, err := keypair.FromRawSeed(seed)
	if err != nil {
		return nil, fmt.Errorf("failed to derive escrow keypair: %w", err)
	}
	return kp, nil
}

// parseStellarAsset turns "CODE:ISSUER" into a credit asset; empty means XLM.
func parseStellarAsset(token string) (txnbuild.Asset, error) {
	if token == "" {
		return txnbuild.NativeAsset{}, nil
	}

	parts := strings.SplitN(token, ":", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid asset %q, want CODE:ISSUER", token)
	}
	return txnbuild.CreditAsset{Code: parts[0], Issuer: parts[1]}, nil
}

// CreateHTLC funds a fresh escrow account and locks it under the hashlock.
//
// Three transactions: fund the escrow and move the asset in, then rewrite the
// escrow's signers so that only the preimage (claim) or the preauthorized
// refund (after expiry) can move funds out.
func (g *StellarGateway) CreateHTLC(ctx context.Context, params HTLCParams) (string, error) {
	if err := params.Validate(); err != nil {
		return "", err
	}

	escrow, err := g.escrowKeypair(params.Sender, params.Receiver, params.Hashlock)
	if err != nil {
		return "", err
	}

	asset, err := parseStellarAsset(params.Token)
	if err != nil {
		return "", err
	}

	signerAcct, err := g.horizon.AccountDetail(horizonclient.AccountRequest{AccountID: g.signer.Address()})
	if err != nil {
		return "", mapStellarError(err)
	}

	amountStr := amount.StringFromInt64(int64(params.Amount))

	// Fund the escrow, establish the trustline if needed, move the asset in,
	// and record the lock parameters as data entries.
	fundOps := []txnbuild.Operation{
		&txnbuild.CreateAccount{
			Destination: escrow.Address(),
			Amount:      "5", // reserves for signers, trustline, data entries
		},
	}
	if !asset.IsNative() {
		line, err := asset.ToChangeTrustAsset()
		if err != nil {
			return "", fmt.Errorf("failed to build trustline asset: %w", err)
		}
		fundOps = append(fundOps, &txnbuild.ChangeTrust{
			Line:          line,
			SourceAccount: escrow.Address(),
		})
	}
	fundOps = append(fundOps,
		&txnbuild.Payment{
			Destination: escrow.Address(),
			Amount:      amountStr,
			Asset:       asset,
		},
		&txnbuild.ManageData{
			Name:          stellarKeySender,
			Value:         []byte(params.Sender),
			SourceAccount: escrow.Address(),
		},
		&txnbuild.ManageData{
			Name:          stellarKeyReceiver,
			Value:         []byte(params.Receiver),
			SourceAccount: escrow.Address(),
		},
		&txnbuild.ManageData{
			Name:          stellarKeyExpiry,
			Value:         []byte(strconv.FormatInt(params.Expiry.Unix(), 10)),
			SourceAccount: escrow.Address(),
		},
		&txnbuild.ManageData{
			Name:          stellarKeyState,
			Value:         []byte("active"),
			SourceAccount: escrow.Address(),
		},
	)

	if err := g.submit(ctx, &signerAcct, fundOps, g.signer, escrow); err != nil {
		return "", mapStellarError(err)
	}

	escrowAcct, err := g.horizon.AccountDetail(horizonclient.AccountRequest{AccountID: escrow.Address()})
	if err != nil {
		return "", mapStellarError(err)
	}

	// Preauthorize the refund while the escrow master key still signs.
	refundTx, err := g.buildRefundTx(&escrowAcct, params, asset, amountStr)
	if err != nil {
		return "", err
	}
	refundHash, err := refundTx.Hash(g.passphrase)
	if err != nil {
		return "", fmt.Errorf("failed to hash refund tx: %w", err)
	}

	preauthKey, err := strkey.Encode(strkey.VersionByteHashTx, refundHash[:])
	if err != nil {
		return "", fmt.Errorf("failed to encode preauth signer: %w", err)
	}
	hashXKey, err := strkey.Encode(strkey.VersionByteHashX, params.Hashlock[:])
	if err != nil {
		return "", fmt.Errorf("failed to encode hashx signer: %w", err)
	}

	zero := txnbuild.Threshold(0)
	one := txnbuild.Threshold(1)
	lockOps := []txnbuild.Operation{
		&txnbuild.SetOptions{
			Signer: &txnbuild.Signer{Address: hashXKey, Weight: 1},
		},
		&txnbuild.SetOptions{
			Signer:          &txnbuild.Signer{Address: preauthKey, Weight: 1},
			MasterWeight:    &zero,
			LowThreshold:    &one,
			MediumThreshold: &one,
			HighThreshold:   &one,
		},
	}

	if err := g.submit(ctx, &escrowAcct, lockOps, escrow); err != nil {
		return "", mapStellarError(err)
	}

	g.logger.Info("HTLC created", "escrow", escrow.Address(), "expiry", params.Expiry)
	return escrow.Address(), nil
}

// buildRefundTx pays the locked asset back to the sender after expiry. It is
// hashed and preauthorized at creation time; RefundHTLC rebuilds the exact
// same transaction to submit it.
func (g *StellarGateway) buildRefundTx(escrowAcct txnbuild.Account, params HTLCParams, asset txnbuild.Asset, amountStr string) (*txnbuild.Transaction, error) {
	// Sequence is consumed by the lock transaction between now and refund:
	// the refund runs at current sequence + 2.
	seq, err := escrowAcct.GetSequenceNumber()
	if err != nil {
		return nil, fmt.Errorf("failed to get escrow sequence: %w", err)
	}
	source := txnbuild.NewSimpleAccount(escrowAcct.GetAccountID(), seq+1)

	tx, err := txnbuild.NewTransaction(txnbuild.TransactionParams{
		SourceAccount:        &source,
		IncrementSequenceNum: true,
		BaseFee:              stellarBaseFee,
		Preconditions: txnbuild.Preconditions{
			TimeBounds: txnbuild.NewTimebounds(params.Expiry.Unix(), txnbuild.TimeoutInfinite),
		},
		Operations: []txnbuild.Operation{
			&txnbuild.Payment{
				Destination: params.Sender,
				Amount:      amountStr,
				Asset:       asset,
			},
			&txnbuild.ManageData{
				Name:  stellarKeyState,
				Value: []byte("refunded"),
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build refund tx: %w", err)
	}
	return tx, nil
}

// ClaimHTLC pays the escrowed funds to the receiver, authorizing the
// transaction with the secret preimage.
func (g *StellarGateway) ClaimHTLC(ctx context.Context, htlcID string, secret hashlock.Secret) error {
	state, err := g.HTLCStatus(ctx, htlcID)
	if err != nil {
		return err
	}
	switch state.State {
	case HTLCStateClaimed:
		return ErrAlreadyClaimed
	case HTLCStateRefunded:
		return ErrAlreadyRefunded
	}

	if !hashlock.Verify(secret, state.Hashlock) {
		return ErrInvalidSecret
	}

	asset, err := parseStellarAsset(state.Token)
	if err != nil {
		return err
	}

	escrowAcct, err := g.horizon.AccountDetail(horizonclient.AccountRequest{AccountID: htlcID})
	if err != nil {
		return mapStellarError(err)
	}

	tx, err := txnbuild.NewTransaction(txnbuild.TransactionParams{
		SourceAccount:        &escrowAcct,
		IncrementSequenceNum: true,
		BaseFee:              stellarBaseFee,
		Preconditions: txnbuild.Preconditions{
			TimeBounds: txnbuild.NewTimeout(300),
		},
		Operations: []txnbuild.Operation{
			&txnbuild.Payment{
				Destination: state.Receiver,
				Amount:      amount.StringFromInt64(int64(state.Amount)),
				Asset:       asset,
			},
			&txnbuild.ManageData{
				Name:  stellarKeyState,
				Value: []byte("claimed"),
			},
			&txnbuild.ManageData{
				Name:  stellarKeySecret,
				Value: []byte(secret.Hex()),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to build claim tx: %w", err)
	}

	tx, err = tx.SignHashX(secret[:])
	if err != nil {
		return fmt.Errorf("failed to sign with preimage: %w", err)
	}

	if _, err := g.horizon.SubmitTransaction(tx); err != nil {
		return mapStellarError(err)
	}

	g.logger.Info("HTLC claimed", "escrow", htlcID)
	return nil
}

// RefundHTLC rebuilds and submits the preauthorized refund transaction.
func (g *StellarGateway) RefundHTLC(ctx context.Context, htlcID string) error {
	state, err := g.HTLCStatus(ctx, htlcID)
	if err != nil {
		return err
	}
	switch state.State {
	case HTLCStateClaimed:
		return ErrAlreadyClaimed
	case HTLCStateRefunded:
		return ErrAlreadyRefunded
	}
	if time.Now().Before(state.Expiry) {
		return fmt.Errorf("%w: expires at %s", ErrNotExpired, state.Expiry)
	}

	asset, err := parseStellarAsset(state.Token)
	if err != nil {
		return err
	}

	escrowAcct, err := g.horizon.AccountDetail(horizonclient.AccountRequest{AccountID: htlcID})
	if err != nil {
		return mapStellarError(err)
	}

	params := HTLCParams{
		Sender:   state.Sender,
		Receiver: state.Receiver,
		Amount:   state.Amount,
		Expiry:   state.Expiry,
	}

	// Rebuild at the preauthorized sequence: the account's current sequence
	// already reflects the consumed lock transaction.
	seq, err := escrowAcct.GetSequenceNumber()
	if err != nil {
		return fmt.Errorf("failed to get escrow sequence: %w", err)
	}
	source := txnbuild.NewSimpleAccount(htlcID, seq-1)
	tx, err := g.buildRefundTx(&source, params, asset, amount.StringFromInt64(int64(state.Amount)))
	if err != nil {
		return err
	}

	if _, err := g.horizon.SubmitTransaction(tx); err != nil {
		return mapStellarError(err)
	}

	g.logger.Info("HTLC refunded", "escrow", htlcID)
	return nil
}

// HTLCStatus reconstructs the lock state from the escrow account's data
// entries and balances.
func (g *StellarGateway) HTLCStatus(ctx context.Context, htlcID string) (*HTLC, error) {
	acct, err := g.horizon.AccountDetail(horizonclient.AccountRequest{AccountID: htlcID})
	if err != nil {
		if horizonclient.IsNotFoundError(err) {
			return nil, ErrHTLCNotFound
		}
		return nil, mapStellarError(err)
	}

	h := &HTLC{ID: htlcID, State: HTLCStateUnknown}

	if v, err := acct.GetData(stellarKeySender); err == nil {
		h.Sender = string(v)
	}
	if v, err := acct.GetData(stellarKeyReceiver); err == nil {
		h.Receiver = string(v)
	}
	if v, err := acct.GetData(stellarKeyExpiry); err == nil {
		if unix, err := strconv.ParseInt(string(v), 10, 64); err == nil {
			h.Expiry = time.Unix(unix, 0)
		}
	}
	if v, err := acct.GetData(stellarKeyState); err == nil {
		switch string(v) {
		case "active":
			h.State = HTLCStateActive
		case "claimed":
			h.State = HTLCStateClaimed
		case "refunded":
			h.State = HTLCStateRefunded
		}
	}
	if v, err := acct.GetData(stellarKeySecret); err == nil {
		if secret, err := hashlock.SecretFromHex(string(v)); err == nil {
			h.Secret = secret
		}
	}

	// The hashlock is the escrow's sha256 hash signer.
	for _, signer := range acct.Signers {
		if signer.Type == "sha256_hash" {
			if raw, err := decodeHashXSigner(signer.Key); err == nil {
				h.Hashlock = raw
			}
		}
	}

	// Balance of the locked asset. Native XLM excludes the reserve buffer.
	for _, bal := range acct.Balances {
		stroops, err := amount.ParseInt64(bal.Balance)
		if err != nil {
			continue
		}
		if bal.Asset.Type == "native" {
			continue
		}
		h.Token = bal.Asset.Code + ":" + bal.Asset.Issuer
		h.Amount = uint64(stroops)
	}
	if h.Token == "" && h.State == HTLCStateActive {
		for _, bal := range acct.Balances {
			if bal.Asset.Type == "native" {
				if stroops, err := amount.ParseInt64(bal.Balance); err == nil {
					h.Amount = uint64(stroops)
				}
			}
		}
	}

	return h, nil
}

// Balance reads an account's balance of the given asset, in stroops.
func (g *StellarGateway) Balance(ctx context.Context, address, token string) (uint64, error) {
	acct, err := g.horizon.AccountDetail(horizonclient.AccountRequest{AccountID: address})
	if err != nil {
		return 0, mapStellarError(err)
	}

	for _, bal := range acct.Balances {
		match := false
		if token == "" {
			match = bal.Asset.Type == "native"
		} else {
			parts := strings.SplitN(token, ":", 2)
			match = len(parts) == 2 && bal.Asset.Code == parts[0] && bal.Asset.Issuer == parts[1]
		}
		if match {
			stroops, err := amount.ParseInt64(bal.Balance)
			if err != nil {
				return 0, fmt.Errorf("failed to parse balance: %w", err)
			}
			return uint64(stroops), nil
		}
	}

	return 0, nil
}

// AccountNonce returns the account's sequence number.
func (g *StellarGateway) AccountNonce(ctx context.Context, address string) (uint64, error) {
	acct, err := g.horizon.AccountDetail(horizonclient.AccountRequest{AccountID: address})
	if err != nil {
		return 0, mapStellarError(err)
	}

	seq, err := acct.GetSequenceNumber()
	if err != nil {
		return 0, fmt.Errorf("failed to get sequence: %w", err)
	}
	return uint64(seq), nil
}

func (g *StellarGateway) Close() error { return nil }

// submit builds, signs, and submits a transaction from the given source.
func (g *StellarGateway) submit(ctx context.Context, source txnbuild.Account, ops []txnbuild.Operation, signers ...*keypair.Full) error {
	tx, err := txnbuild.NewTransaction(txnbuild.TransactionParams{
		SourceAccount:        source,
		IncrementSequenceNum: true,
		BaseFee:              stellarBaseFee,
		Preconditions: txnbuild.Preconditions{
			TimeBounds: txnbuild.NewTimeout(300),
		},
		Operations: ops,
	})
	if err != nil {
		return fmt.Errorf("failed to build transaction: %w", err)
	}

	tx, err = tx.Sign(g.passphrase, signers...)
	if err != nil {
		return fmt.Errorf("failed to sign transaction: %w", err)
	}

	_, err = g.horizon.SubmitTransaction(tx)
	return err
}

// decodeHashXSigner recovers the hashlock from a sha256_hash signer strkey.
func decodeHashXSigner(key string) (hashlock.Hashlock, error) {
	var h hashlock.Hashlock

	raw, err := strkey.Decode(strkey.VersionByteHashX, key)
	if err != nil {
		return h, fmt.Errorf("failed to decode hashx signer: %w", err)
	}
	if len(raw) != hashlock.Size {
		return h, fmt.Errorf("hashx signer has %d bytes, want %d", len(raw), hashlock.Size)
	}

	copy(h[:], raw)
	return h, nil
}

// mapStellarError folds Horizon failures into gateway sentinels.
func mapStellarError(err error) error {
	if err == nil {
		return nil
	}

	if horizonclient.IsNotFoundError(err) {
		return fmt.Errorf("%w: %v", ErrHTLCNotFound, err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "tx_too_early"):
		return fmt.Errorf("%w: %v", ErrNotExpired, err)
	case strings.Contains(msg, "tx_too_late"):
		return fmt.Errorf("%w: %v", ErrExpired, err)
	case strings.Contains(msg, "op_underfunded"), strings.Contains(msg, "op_low_reserve"):
		return fmt.Errorf("%w: %v", ErrInsufficient, err)
	case strings.Contains(msg, "tx_bad_seq"):
		return fmt.Errorf("%w: %v", ErrNonceConflict, err)
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "connection"):
		return fmt.Errorf("%w: %v", ErrTransient, err)
	default:
		return err
	}
}

var _ Gateway = (*StellarGateway)(nil)
