package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/crosslock-exchange/crosslock/internal/ledger"
	"github.com/crosslock-exchange/crosslock/internal/storage"
	"github.com/crosslock-exchange/crosslock/internal/swap"
)

// ========================================
// Order handlers
// ========================================

// OrderCreateParams is the parameters for orders_create.
type OrderCreateParams struct {
	Maker             string `json:"maker"`
	Taker             string `json:"taker,omitempty"`    // Optional designated counterparty
	SourceLedger      string `json:"source_ledger"`      // e.g., "evm"
	SourceToken       string `json:"source_token"`       // Token contract or asset id
	SourceAmount      uint64 `json:"source_amount"`      // In smallest unit
	DestinationLedger string `json:"destination_ledger"` // e.g., "stellar"
	DestinationToken  string `json:"destination_token"`
	DestinationAmount uint64 `json:"destination_amount"`
	TimelockMinutes   int    `json:"timelock_minutes"` // Optional, default per config
	Hashlock          string `json:"hashlock"`         // Optional external commitment
}

// OrderInfo represents order information in RPC responses. The secret is
// never exposed here, only the hashlock commitment is.
type OrderInfo struct {
	ID                string `json:"id"`
	Status            string `json:"status"`
	Maker             string `json:"maker"`
	Taker             string `json:"taker,omitempty"`
	SourceLedger      string `json:"source_ledger"`
	SourceToken       string `json:"source_token"`
	SourceAmount      uint64 `json:"source_amount"`
	DestinationLedger string `json:"destination_ledger"`
	DestinationToken  string `json:"destination_token"`
	DestinationAmount uint64 `json:"destination_amount"`
	Hashlock          string `json:"hashlock"`
	SourceHTLCID      string `json:"source_htlc_id,omitempty"`
	DestinationHTLCID string `json:"destination_htlc_id,omitempty"`
	CounterOrderID    string `json:"counter_order_id,omitempty"`
	CreatedAt         int64  `json:"created_at"`
	ExpiresAt         int64  `json:"expires_at"`
}

func orderToInfo(o *storage.Order) OrderInfo {
	return OrderInfo{
		ID:                o.ID,
		Status:            string(o.Status),
		Maker:             o.Maker,
		Taker:             o.Taker,
		SourceLedger:      o.SourceLedger,
		SourceToken:       o.SourceToken,
		SourceAmount:      o.SourceAmount,
		DestinationLedger: o.DestinationLedger,
		DestinationToken:  o.DestinationToken,
		DestinationAmount: o.DestinationAmount,
		Hashlock:          o.Hashlock,
		SourceHTLCID:      o.SourceHTLCID,
		DestinationHTLCID: o.DestinationHTLCID,
		CounterOrderID:    o.CounterOrderID,
		CreatedAt:         o.CreatedAt.Unix(),
		ExpiresAt:         o.ExpiresAt.Unix(),
	}
}

func (s *Server) ordersCreate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p OrderCreateParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}

	req := &swap.CreateOrderRequest{
		Maker:             p.Maker,
		Taker:             p.Taker,
		SourceLedger:      p.SourceLedger,
		SourceToken:       p.SourceToken,
		SourceAmount:      p.SourceAmount,
		DestinationLedger: p.DestinationLedger,
		DestinationToken:  p.DestinationToken,
		DestinationAmount: p.DestinationAmount,
		Timelock:          time.Duration(p.TimelockMinutes) * time.Minute,
		Hashlock:          p.Hashlock,
	}

	order, err := s.coordinator.CreateOrder(req)
	if err != nil {
		return nil, err
	}

	s.log.Info("Order created",
		"id", order.ID,
		"offer", fmt.Sprintf("%d %s", order.SourceAmount, order.SourceLedger),
		"want", fmt.Sprintf("%d %s", order.DestinationAmount, order.DestinationLedger),
		"matched", order.CounterOrderID != "",
	)

	return orderToInfo(order), nil
}

// OrderGetParams is the parameters for orders_get and other by-id methods.
type OrderGetParams struct {
	ID string `json:"id"`
}

func (s *Server) ordersGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p OrderGetParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.ID == "" {
		return nil, fmt.Errorf("id is required")
	}

	order, err := s.coordinator.GetOrder(p.ID)
	if err != nil {
		return nil, err
	}
	return orderToInfo(order), nil
}

// OrderListParams is the parameters for orders_list.
type OrderListParams struct {
	Status            string `json:"status,omitempty"`
	SourceLedger      string `json:"source_ledger,omitempty"`
	DestinationLedger string `json:"destination_ledger,omitempty"`
	Maker             string `json:"maker,omitempty"`
	Unpaired          bool   `json:"unpaired,omitempty"`
	Limit             int    `json:"limit,omitempty"`
}

// OrderListResult is the response for orders_list.
type OrderListResult struct {
	Orders []OrderInfo `json:"orders"`
	Count  int         `json:"count"`
}

func (s *Server) ordersList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p OrderListParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
	}

	filter := storage.OrderFilter{
		SourceLedger:      p.SourceLedger,
		DestinationLedger: p.DestinationLedger,
		Maker:             p.Maker,
		Unpaired:          p.Unpaired,
		Limit:             p.Limit,
	}
	if p.Status != "" {
		status := storage.OrderStatus(p.Status)
		filter.Status = &status
	}

	orders, err := s.coordinator.ListOrders(filter)
	if err != nil {
		return nil, err
	}

	infos := make([]OrderInfo, 0, len(orders))
	for _, order := range orders {
		infos = append(infos, orderToInfo(order))
	}
	return &OrderListResult{Orders: infos, Count: len(infos)}, nil
}

func (s *Server) ordersCancel(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p OrderGetParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.ID == "" {
		return nil, fmt.Errorf("id is required")
	}

	if err := s.coordinator.CancelOrder(p.ID); err != nil {
		return nil, err
	}

	s.log.Info("Order cancelled", "id", p.ID)
	return map[string]string{"id": p.ID, "status": string(storage.StatusCancelled)}, nil
}

func (s *Server) ordersCompatible(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p OrderGetParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.ID == "" {
		return nil, fmt.Errorf("id is required")
	}

	matches, err := s.coordinator.CompatibleOrders(p.ID)
	if err != nil {
		return nil, err
	}

	infos := make([]OrderInfo, 0, len(matches))
	for _, order := range matches {
		infos = append(infos, orderToInfo(order))
	}
	return &OrderListResult{Orders: infos, Count: len(infos)}, nil
}

func (s *Server) ordersStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p OrderGetParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.ID == "" {
		return nil, fmt.Errorf("id is required")
	}

	return s.coordinator.Status(p.ID)
}

// ========================================
// Node handlers
// ========================================

// NodeStatusResult is the response for node_status.
type NodeStatusResult struct {
	Running   bool     `json:"running"`
	Version   string   `json:"version"`
	Uptime    string   `json:"uptime"`
	Ledgers   []string `json:"ledgers"`
	Orders    int      `json:"orders"`
	WSClients int      `json:"ws_clients"`
}

func (s *Server) nodeStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	count, err := s.store.CountOrders(nil)
	if err != nil {
		return nil, err
	}

	wsClients := 0
	if s.wsHub != nil {
		wsClients = s.wsHub.ClientCount()
	}

	return &NodeStatusResult{
		Running:   true,
		Version:   Version,
		Uptime:    time.Since(s.startedAt).Round(time.Second).String(),
		Ledgers:   s.gateways.Ledgers(),
		Orders:    count,
		WSClients: wsClients,
	}, nil
}

// LedgerInfo describes one configured ledger.
type LedgerInfo struct {
	Tag           string `json:"tag"`
	Type          string `json:"type"`
	MinHTLCAmount uint64 `json:"min_htlc_amount"`
	Connected     bool   `json:"connected"`
}

func (s *Server) nodeLedgers(ctx context.Context, params json.RawMessage) (interface{}, error) {
	infos := make([]LedgerInfo, 0)
	for _, tag := range s.coordinator.Ledgers() {
		p, ok := ledger.Get(tag, s.coordinator.Network())
		if !ok {
			continue
		}
		_, err := s.gateways.Get(tag)
		infos = append(infos, LedgerInfo{
			Tag:           tag,
			Type:          string(p.Type),
			MinHTLCAmount: p.MinHTLCAmount,
			Connected:     err == nil,
		})
	}
	return infos, nil
}
