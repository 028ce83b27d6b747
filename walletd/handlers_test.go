package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/mesmerverse/nwc-wallet/walletd/ledger"
	"github.com/mesmerverse/nwc-wallet/walletd/storage"
)

// stubLedger reports a fixed balance.
type stubLedger struct {
	ledger.DevLedger
	balance    uint64
	balanceErr error
}

func (s *stubLedger) Balance(context.Context) (uint64, error) {
	return s.balance, s.balanceErr
}

type recordingNotifier struct {
	events []PaymentEvent
}

func (n *recordingNotifier) PaymentSent(ev PaymentEvent) {
	n.events = append(n.events, ev)
}

func setupHandlers(t *testing.T, l ledger.Ledger) (*Handlers, *recordingNotifier) {
	t.Helper()
	n := &recordingNotifier{}
	return NewHandlers(l, setupTestStore(t), ServerInfo{Alias: "walletd", Color: "#123456", Pubkey: "abc"}, n, nil), n
}

func dispatch(t *testing.T, h *Handlers, method, params string) *Response {
	t.Helper()
	req := &Request{Method: method}
	if params != "" {
		req.Params = json.RawMessage(params)
	}
	conn := &storage.Connection{ID: "conn-1"}
	return h.Dispatch(context.Background(), conn, "req-1", req)
}

func TestGetBalanceConversion(t *testing.T) {
	tests := []struct {
		name    string
		balance uint64
		want    uint64
		code    string
	}{
		{"zero", 0, 0, ""},
		{"one", 1, UnitFactor, ""},
		{"largest representable", math.MaxUint64 / UnitFactor, (math.MaxUint64 / UnitFactor) * UnitFactor, ""},
		{"overflow", math.MaxUint64/UnitFactor + 1, 0, CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := setupHandlers(t, &stubLedger{balance: tt.balance})
			resp := dispatch(t, h, MethodGetBalance, "")

			if tt.code != "" {
				if resp.Error == nil || resp.Error.Code != tt.code {
					t.Fatalf("Expected %s, got %+v", tt.code, resp)
				}
				return
			}
			if resp.Error != nil {
				t.Fatalf("Unexpected error: %v", resp.Error)
			}
			got := resp.Result.(balanceResult).Balance
			if got != tt.want {
				t.Errorf("Expected balance %d, got %d", tt.want, got)
			}
		})
	}
}

func TestGetBalanceLedgerFailure(t *testing.T) {
	h, _ := setupHandlers(t, &stubLedger{balanceErr: errors.New("rpc down")})
	resp := dispatch(t, h, MethodGetBalance, "")
	if resp.Error == nil || resp.Error.Code != CodeInternal {
		t.Errorf("Expected INTERNAL, got %+v", resp)
	}
}

func TestGetInfo(t *testing.T) {
	h, _ := setupHandlers(t, ledger.NewDevLedger(0))
	resp := dispatch(t, h, MethodGetInfo, "")
	if resp.Error != nil {
		t.Fatalf("Unexpected error: %v", resp.Error)
	}
	info := resp.Result.(infoResult)
	if info.Alias != "walletd" || info.Pubkey != "abc" || info.Network != "devnet" {
		t.Errorf("Unexpected info %+v", info)
	}
	if len(info.Methods) != len(SupportedMethods) {
		t.Errorf("Expected %d methods, got %d", len(SupportedMethods), len(info.Methods))
	}
}

func TestMakeInvoiceThenPayConsumesAmountOnce(t *testing.T) {
	l := ledger.NewDevLedger(100)
	h, notifier := setupHandlers(t, l)

	resp := dispatch(t, h, MethodMakeInvoice, `{"amount":7000,"description":"coffee"}`)
	if resp.Error != nil {
		t.Fatalf("make_invoice failed: %v", resp.Error)
	}
	inv := resp.Result.(makeInvoiceResult)
	if inv.Type != "incoming" || inv.Amount != 7000 || inv.Description != "coffee" || inv.ExpiresAt != nil {
		t.Errorf("Unexpected invoice %+v", inv)
	}

	resp = dispatch(t, h, MethodPayInvoice, fmt.Sprintf(`{"invoice":%q}`, inv.Invoice))
	if resp.Error != nil {
		t.Fatalf("First pay failed: %v", resp.Error)
	}
	transfers := l.Transfers()
	if len(transfers) != 1 || transfers[0].Amount != 7 {
		t.Fatalf("Expected one transfer of 7 units, got %+v", transfers)
	}
	if resp.Result.(payInvoiceResult).Preimage != transfers[0].ID {
		t.Error("Expected transfer id as preimage")
	}
	if len(notifier.events) != 1 || notifier.events[0].Amount != 7 {
		t.Errorf("Expected one payment notification, got %+v", notifier.events)
	}

	resp = dispatch(t, h, MethodPayInvoice, fmt.Sprintf(`{"invoice":%q}`, inv.Invoice))
	if resp.Error == nil || resp.Error.Code != CodeOther || !strings.Contains(resp.Error.Message, "amount") {
		t.Errorf("Expected missing amount error, got %+v", resp)
	}
	if len(l.Transfers()) != 1 {
		t.Error("Expected no second transfer")
	}
}

func TestMakeInvoiceDefaults(t *testing.T) {
	h, _ := setupHandlers(t, ledger.NewDevLedger(0))
	resp := dispatch(t, h, MethodMakeInvoice, "")
	if resp.Error != nil {
		t.Fatalf("make_invoice failed: %v", resp.Error)
	}
	inv := resp.Result.(makeInvoiceResult)
	if inv.Amount != 0 || inv.Description == "" {
		t.Errorf("Unexpected invoice %+v", inv)
	}

	resp = dispatch(t, h, MethodMakeInvoice, `{"amount":1500}`)
	if resp.Error == nil || resp.Error.Code != CodeOther {
		t.Errorf("Expected OTHER for fractional amount, got %+v", resp)
	}
}

func TestPayInvoiceAmountPriority(t *testing.T) {
	l := ledger.NewDevLedger(100)
	h, _ := setupHandlers(t, l)
	dest, _ := l.ReceivingAddress(context.Background())

	resp := dispatch(t, h, MethodPayInvoice, fmt.Sprintf(`{"invoice":%q,"amount":3000,"amount_base":9}`, dest))
	if resp.Error != nil {
		t.Fatalf("pay failed: %v", resp.Error)
	}
	resp = dispatch(t, h, MethodPayInvoice, fmt.Sprintf(`{"invoice":%q,"amount_base":4}`, dest))
	if resp.Error != nil {
		t.Fatalf("pay failed: %v", resp.Error)
	}

	transfers := l.Transfers()
	if len(transfers) != 2 || transfers[0].Amount != 3 || transfers[1].Amount != 4 {
		t.Errorf("Unexpected transfers %+v", transfers)
	}
}

func TestPayInvoiceErrors(t *testing.T) {
	l := ledger.NewDevLedger(5)
	h, _ := setupHandlers(t, l)
	dest, _ := l.ReceivingAddress(context.Background())

	tests := []struct {
		name   string
		params string
		code   string
	}{
		{"missing destination", `{"amount":1000}`, CodeOther},
		{"malformed destination", `{"invoice":"lnbc1xyz","amount":1000}`, CodeOther},
		{"zero amount", fmt.Sprintf(`{"invoice":%q,"amount":0}`, dest), CodeOther},
		{"fractional amount", fmt.Sprintf(`{"invoice":%q,"amount":1001}`, dest), CodeOther},
		{"bad params", `[1,2]`, CodeOther},
		{"insufficient funds", fmt.Sprintf(`{"invoice":%q,"amount":6000}`, dest), CodePaymentFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := dispatch(t, h, MethodPayInvoice, tt.params)
			if resp.Error == nil || resp.Error.Code != tt.code {
				t.Errorf("Expected %s, got %+v", tt.code, resp)
			}
			if resp.ResultType != MethodPayInvoice {
				t.Errorf("Expected result type %s, got %s", MethodPayInvoice, resp.ResultType)
			}
		})
	}
	if len(l.Transfers()) != 0 {
		t.Error("Expected no transfers")
	}
}

func TestDispatchUnknownMethod(t *testing.T) {
	h, _ := setupHandlers(t, ledger.NewDevLedger(0))
	resp := dispatch(t, h, "multi_pay_invoice", "")
	if resp.Error == nil || resp.Error.Code != CodeNotImplemented {
		t.Errorf("Expected NOT_IMPLEMENTED, got %+v", resp)
	}
}

func TestResponseJSONShape(t *testing.T) {
	ok, _ := json.Marshal(&Response{ResultType: MethodGetBalance, Result: balanceResult{Balance: 1000}})
	if string(ok) != `{"result_type":"get_balance","result":{"balance":1000}}` {
		t.Errorf("Unexpected success JSON: %s", ok)
	}
	failed, _ := json.Marshal(errorResponse(MethodPayInvoice, rpcErr(CodePaymentFailed, "no route")))
	if string(failed) != `{"result_type":"pay_invoice","error":{"code":"PAYMENT_FAILED","message":"no route"}}` {
		t.Errorf("Unexpected error JSON: %s", failed)
	}
}
