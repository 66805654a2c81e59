package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/crosslock-exchange/crosslock/internal/swap"
)

// ========================================
// Swap settlement handlers
// ========================================

// SwapLegParams identifies one leg of an order's swap.
type SwapLegParams struct {
	OrderID string `json:"order_id"`
	Leg     string `json:"leg"` // "source" or "destination"
}

// SwapHTLCResult is the response for swap_createHTLC.
type SwapHTLCResult struct {
	OrderID string `json:"order_id"`
	Leg     string `json:"leg"`
	HTLCID  string `json:"htlc_id"`
}

func (s *Server) swapCreateHTLC(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SwapLegParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.OrderID == "" {
		return nil, fmt.Errorf("order_id is required")
	}

	leg, err := swap.ParseLeg(p.Leg)
	if err != nil {
		return nil, err
	}

	htlcID, err := s.coordinator.CreateLegHTLC(p.OrderID, leg)
	if err != nil {
		return nil, err
	}

	s.log.Info("HTLC created", "order", p.OrderID, "leg", p.Leg, "htlc", htlcID)
	return &SwapHTLCResult{OrderID: p.OrderID, Leg: p.Leg, HTLCID: htlcID}, nil
}

// SwapClaimParams is the parameters for swap_claim. The secret may be
// omitted when the coordinator holds it or it was already revealed.
type SwapClaimParams struct {
	OrderID string `json:"order_id"`
	Leg     string `json:"leg"`
	Secret  string `json:"secret,omitempty"`
}

func (s *Server) swapClaim(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SwapClaimParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.OrderID == "" {
		return nil, fmt.Errorf("order_id is required")
	}

	leg, err := swap.ParseLeg(p.Leg)
	if err != nil {
		return nil, err
	}

	if err := s.coordinator.ClaimLeg(p.OrderID, leg, p.Secret); err != nil {
		return nil, err
	}

	s.log.Info("HTLC claimed", "order", p.OrderID, "leg", p.Leg)
	return s.coordinator.Status(p.OrderID)
}

func (s *Server) swapRefund(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SwapLegParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.OrderID == "" {
		return nil, fmt.Errorf("order_id is required")
	}

	leg, err := swap.ParseLeg(p.Leg)
	if err != nil {
		return nil, err
	}

	if err := s.coordinator.RefundLeg(p.OrderID, leg); err != nil {
		return nil, err
	}

	s.log.Info("HTLC refunded", "order", p.OrderID, "leg", p.Leg)
	return s.coordinator.Status(p.OrderID)
}

// SwapCompleteParams is the parameters for swap_complete.
type SwapCompleteParams struct {
	OrderID string `json:"order_id"`
	Secret  string `json:"secret,omitempty"`
}

func (s *Server) swapComplete(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SwapCompleteParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.OrderID == "" {
		return nil, fmt.Errorf("order_id is required")
	}

	if err := s.coordinator.CompleteSwap(p.OrderID, p.Secret); err != nil {
		return nil, err
	}

	s.log.Info("Swap completed", "order", p.OrderID)
	return s.coordinator.Status(p.OrderID)
}

// TransitionInfo is one audited status change in RPC responses.
type TransitionInfo struct {
	From string `json:"from"`
	To   string `json:"to"`
	At   int64  `json:"at"`
}

// SwapTransitionsResult is the response for swap_transitions.
type SwapTransitionsResult struct {
	OrderID     string           `json:"order_id"`
	Transitions []TransitionInfo `json:"transitions"`
}

func (s *Server) swapTransitions(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p OrderGetParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.ID == "" {
		return nil, fmt.Errorf("id is required")
	}

	// Confirm the order exists before reading its history.
	if _, err := s.coordinator.GetOrder(p.ID); err != nil {
		return nil, err
	}

	transitions, err := s.store.Transitions(p.ID)
	if err != nil {
		return nil, err
	}

	infos := make([]TransitionInfo, 0, len(transitions))
	for _, tr := range transitions {
		infos = append(infos, TransitionInfo{
			From: string(tr.From),
			To:   string(tr.To),
			At:   tr.At.Unix(),
		})
	}
	return &SwapTransitionsResult{OrderID: p.ID, Transitions: infos}, nil
}

// WalletBalanceParams is the parameters for wallet_getBalance.
type WalletBalanceParams struct {
	Ledger  string `json:"ledger"`
	Address string `json:"address"`
	Token   string `json:"token,omitempty"`
}

// WalletBalanceResult is the response for wallet_getBalance.
type WalletBalanceResult struct {
	Ledger  string `json:"ledger"`
	Address string `json:"address"`
	Token   string `json:"token,omitempty"`
	Balance uint64 `json:"balance"`
}

func (s *Server) walletGetBalance(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p WalletBalanceParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.Ledger == "" || p.Address == "" {
		return nil, fmt.Errorf("ledger and address are required")
	}

	gw, err := s.gateways.Get(p.Ledger)
	if err != nil {
		return nil, err
	}

	balance, err := gw.Balance(ctx, p.Address, p.Token)
	if err != nil {
		return nil, err
	}

	return &WalletBalanceResult{
		Ledger:  p.Ledger,
		Address: p.Address,
		Token:   p.Token,
		Balance: balance,
	}, nil
}

// SwapExpiryResult is the response for swap_checkExpiries.
type SwapExpiryResult struct {
	Checked []swap.ExpiryResult `json:"checked"`
	Count   int                 `json:"count"`
}

func (s *Server) swapCheckExpiries(ctx context.Context, params json.RawMessage) (interface{}, error) {
	results := s.coordinator.CheckExpiries()
	return &SwapExpiryResult{Checked: results, Count: len(results)}, nil
}

// ========================================
// Gasless approval handlers
// ========================================

// PermitExecuteParams is the parameters for permit_execute.
type PermitExecuteParams struct {
	Ledger    string `json:"ledger"`
	Token     string `json:"token"`
	Owner     string `json:"owner"`
	Value     uint64 `json:"value"`
	Nonce     uint64 `json:"nonce"` // Must match the allocator-issued value
	Deadline  int64  `json:"deadline"`
	Signature string `json:"signature"` // 65-byte hex r||s||v
}

// PermitExecuteResult is the response for permit_execute.
type PermitExecuteResult struct {
	TxHash string `json:"tx_hash"`
}

func (s *Server) permitExecute(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p PermitExecuteParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.Token == "" || p.Owner == "" || p.Signature == "" {
		return nil, fmt.Errorf("token, owner, and signature are required")
	}

	txHash, err := s.coordinator.ExecutePermit(&swap.PermitRequest{
		Ledger:    p.Ledger,
		Token:     p.Token,
		Owner:     p.Owner,
		Value:     p.Value,
		Nonce:     p.Nonce,
		Deadline:  p.Deadline,
		Signature: p.Signature,
	})
	if err != nil {
		return nil, err
	}

	return &PermitExecuteResult{TxHash: txHash}, nil
}
