package rpc

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stellar/go/keypair"

	"github.com/crosslock-exchange/crosslock/internal/config"
	"github.com/crosslock-exchange/crosslock/internal/gateway"
	"github.com/crosslock-exchange/crosslock/internal/storage"
	"github.com/crosslock-exchange/crosslock/internal/swap"
	"github.com/crosslock-exchange/crosslock/pkg/logging"
)

const (
	testEVMMaker = "0x1111111111111111111111111111111111111111"
	testEVMToken = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()

	store, err := storage.New(&storage.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	evm := gateway.NewMockGateway("evm")
	stellar := gateway.NewMockGateway("stellar")
	registry := gateway.NewRegistry()
	registry.Register(evm)
	registry.Register(stellar)

	coord := swap.NewCoordinator(&swap.CoordinatorConfig{
		Store:    store,
		Gateways: registry,
		Swap:     config.DefaultSwapConfig(),
		Logger:   logging.Default(),
	})
	t.Cleanup(coord.Stop)

	evm.SetBalance(testEVMMaker, testEVMToken, 1e18)

	issuer := keypair.MustRandom()
	return NewServer(store, registry, coord), "USDC:" + issuer.Address()
}

// call posts one JSON-RPC request through the HTTP handler and decodes the
// response.
func call(t *testing.T, s *Server, method string, params interface{}) *Response {
	t.Helper()

	req := Request{JSONRPC: "2.0", Method: method, ID: 1}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			t.Fatalf("Failed to marshal params: %v", err)
		}
		req.Params = data
	}

	body, _ := json.Marshal(req)
	r := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	w := httptest.NewRecorder()

	s.handleRPC(w, r)

	var resp Response
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return &resp
}

func createParams(token string) OrderCreateParams {
	return OrderCreateParams{
		Maker:             testEVMMaker,
		SourceLedger:      "evm",
		SourceToken:       testEVMToken,
		SourceAmount:      2000000000000000,
		DestinationLedger: "stellar",
		DestinationToken:  token,
		DestinationAmount: 20000000,
	}
}

func TestMethodNotFound(t *testing.T) {
	s, _ := newTestServer(t)

	resp := call(t, s, "orders_frobnicate", nil)
	if resp.Error == nil || resp.Error.Code != MethodNotFound {
		t.Errorf("Expected MethodNotFound error, got %+v", resp.Error)
	}
}

func TestInvalidJSONRPCVersion(t *testing.T) {
	s, _ := newTestServer(t)

	body := []byte(`{"jsonrpc":"1.0","method":"node_status","id":1}`)
	r := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.handleRPC(w, r)

	var resp Response
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Error == nil || resp.Error.Code != InvalidRequest {
		t.Errorf("Expected InvalidRequest error, got %+v", resp.Error)
	}
}

func TestParseError(t *testing.T) {
	s, _ := newTestServer(t)

	r := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte("{not json")))
	w := httptest.NewRecorder()
	s.handleRPC(w, r)

	var resp Response
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Error == nil || resp.Error.Code != ParseError {
		t.Errorf("Expected ParseError, got %+v", resp.Error)
	}
}

func TestOrdersCreateAndGet(t *testing.T) {
	s, stellarToken := newTestServer(t)

	resp := call(t, s, "orders_create", createParams(stellarToken))
	if resp.Error != nil {
		t.Fatalf("orders_create failed: %+v", resp.Error)
	}

	var info OrderInfo
	raw, _ := json.Marshal(resp.Result)
	if err := json.Unmarshal(raw, &info); err != nil {
		t.Fatalf("Failed to decode order info: %v", err)
	}
	if info.ID == "" || info.Status != "created" {
		t.Errorf("Unexpected order info: %+v", info)
	}
	if info.Hashlock == "" {
		t.Error("Expected hashlock in response")
	}

	got := call(t, s, "orders_get", OrderGetParams{ID: info.ID})
	if got.Error != nil {
		t.Fatalf("orders_get failed: %+v", got.Error)
	}
}

func TestOrdersCreateRejectsBadParams(t *testing.T) {
	s, stellarToken := newTestServer(t)

	p := createParams(stellarToken)
	p.SourceAmount = 0
	resp := call(t, s, "orders_create", p)
	if resp.Error == nil {
		t.Error("Expected error for zero amount")
	}
}

func TestOrdersList(t *testing.T) {
	s, stellarToken := newTestServer(t)

	call(t, s, "orders_create", createParams(stellarToken))
	call(t, s, "orders_create", createParams(stellarToken))

	resp := call(t, s, "orders_list", OrderListParams{Status: "created"})
	if resp.Error != nil {
		t.Fatalf("orders_list failed: %+v", resp.Error)
	}

	var result OrderListResult
	raw, _ := json.Marshal(resp.Result)
	json.Unmarshal(raw, &result)
	if result.Count != 2 {
		t.Errorf("Expected 2 orders, got %d", result.Count)
	}
}

func TestOrdersCancel(t *testing.T) {
	s, stellarToken := newTestServer(t)

	resp := call(t, s, "orders_create", createParams(stellarToken))
	var info OrderInfo
	raw, _ := json.Marshal(resp.Result)
	json.Unmarshal(raw, &info)

	cancel := call(t, s, "orders_cancel", OrderGetParams{ID: info.ID})
	if cancel.Error != nil {
		t.Fatalf("orders_cancel failed: %+v", cancel.Error)
	}

	got := call(t, s, "orders_get", OrderGetParams{ID: info.ID})
	raw, _ = json.Marshal(got.Result)
	json.Unmarshal(raw, &info)
	if info.Status != "cancelled" {
		t.Errorf("Expected cancelled, got %s", info.Status)
	}
}

func TestSwapCreateHTLCRequiresLeg(t *testing.T) {
	s, stellarToken := newTestServer(t)

	resp := call(t, s, "orders_create", createParams(stellarToken))
	var info OrderInfo
	raw, _ := json.Marshal(resp.Result)
	json.Unmarshal(raw, &info)

	htlc := call(t, s, "swap_createHTLC", SwapLegParams{OrderID: info.ID, Leg: "sideways"})
	if htlc.Error == nil {
		t.Error("Expected error for bad leg name")
	}
}

func TestNodeStatus(t *testing.T) {
	s, stellarToken := newTestServer(t)
	call(t, s, "orders_create", createParams(stellarToken))

	resp := call(t, s, "node_status", nil)
	if resp.Error != nil {
		t.Fatalf("node_status failed: %+v", resp.Error)
	}

	var status NodeStatusResult
	raw, _ := json.Marshal(resp.Result)
	json.Unmarshal(raw, &status)
	if !status.Running || status.Orders != 1 {
		t.Errorf("Unexpected status: %+v", status)
	}
	if len(status.Ledgers) != 2 {
		t.Errorf("Expected 2 ledgers, got %v", status.Ledgers)
	}
}

func TestNodeLedgers(t *testing.T) {
	s, _ := newTestServer(t)

	resp := call(t, s, "node_ledgers", nil)
	if resp.Error != nil {
		t.Fatalf("node_ledgers failed: %+v", resp.Error)
	}

	var infos []LedgerInfo
	raw, _ := json.Marshal(resp.Result)
	json.Unmarshal(raw, &infos)
	if len(infos) != 2 {
		t.Fatalf("Expected 2 ledgers, got %d", len(infos))
	}
	for _, info := range infos {
		if !info.Connected {
			t.Errorf("Expected ledger %s connected", info.Tag)
		}
		if info.MinHTLCAmount == 0 {
			t.Errorf("Expected minimum amount for %s", info.Tag)
		}
	}
}

func TestPermitExecuteRejectsMissingFields(t *testing.T) {
	s, _ := newTestServer(t)

	resp := call(t, s, "permit_execute", PermitExecuteParams{Ledger: "evm"})
	if resp.Error == nil {
		t.Error("Expected error for missing token/owner/signature")
	}
}

func TestSwapTransitions(t *testing.T) {
	s, stellarToken := newTestServer(t)

	resp := call(t, s, "orders_create", createParams(stellarToken))
	var info OrderInfo
	raw, _ := json.Marshal(resp.Result)
	json.Unmarshal(raw, &info)

	call(t, s, "orders_cancel", OrderGetParams{ID: info.ID})

	trans := call(t, s, "swap_transitions", OrderGetParams{ID: info.ID})
	if trans.Error != nil {
		t.Fatalf("swap_transitions failed: %+v", trans.Error)
	}

	var result SwapTransitionsResult
	raw, _ = json.Marshal(trans.Result)
	json.Unmarshal(raw, &result)
	if len(result.Transitions) != 1 {
		t.Fatalf("Expected 1 transition, got %d", len(result.Transitions))
	}
	if result.Transitions[0].From != "created" || result.Transitions[0].To != "cancelled" {
		t.Errorf("Unexpected transition: %+v", result.Transitions[0])
	}

	missing := call(t, s, "swap_transitions", OrderGetParams{ID: "no-such-order"})
	if missing.Error == nil {
		t.Error("Expected error for unknown order")
	}
}

func TestWalletGetBalance(t *testing.T) {
	s, _ := newTestServer(t)

	resp := call(t, s, "wallet_getBalance", WalletBalanceParams{
		Ledger:  "evm",
		Address: testEVMMaker,
		Token:   testEVMToken,
	})
	if resp.Error != nil {
		t.Fatalf("wallet_getBalance failed: %+v", resp.Error)
	}

	var result WalletBalanceResult
	raw, _ := json.Marshal(resp.Result)
	json.Unmarshal(raw, &result)
	if result.Balance != 1e18 {
		t.Errorf("Expected balance 1e18, got %d", result.Balance)
	}

	bad := call(t, s, "wallet_getBalance", WalletBalanceParams{Ledger: "dogecoin", Address: "x"})
	if bad.Error == nil {
		t.Error("Expected error for unknown ledger")
	}
}

func TestWebSocketHub(t *testing.T) {
	hub := NewWSHub()

	if hub.ClientCount() != 0 {
		t.Errorf("initial ClientCount = %d, want 0", hub.ClientCount())
	}

	go hub.Run()

	// Broadcast with no clients must not block.
	hub.Broadcast(EventOrderCreated, map[string]string{"id": "x"})
}
