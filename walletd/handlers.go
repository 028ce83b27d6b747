package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/nwc-wallet/walletd/ledger"
	"github.com/mesmerverse/nwc-wallet/walletd/storage"
)

// Wire method names.
const (
	MethodPayInvoice  = "pay_invoice"
	MethodGetBalance  = "get_balance"
	MethodGetInfo     = "get_info"
	MethodMakeInvoice = "make_invoice"
)

// SupportedMethods is advertised in get_info and the capability announcement.
var SupportedMethods = []string{MethodPayInvoice, MethodGetBalance, MethodGetInfo, MethodMakeInvoice}

// Error codes carried in error responses.
const (
	CodeUnauthorized   = "UNAUTHORIZED"
	CodeNotImplemented = "NOT_IMPLEMENTED"
	CodeRateLimited    = "RATE_LIMITED"
	CodePaymentFailed  = "PAYMENT_FAILED"
	CodeInternal       = "INTERNAL"
	CodeOther          = "OTHER"
)

// UnitFactor converts ledger units to the protocol's finer unit.
const UnitFactor = 1000

func isKnownMethod(method string) bool {
	for _, m := range SupportedMethods {
		if m == method {
			return true
		}
	}
	return false
}

// Request is a decrypted request payload.
type Request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// Response is the payload encrypted back to the client.
type Response struct {
	ResultType string    `json:"result_type"`
	Result     any       `json:"result,omitempty"`
	Error      *RPCError `json:"error,omitempty"`
}

// RPCError is a protocol error with a stable code.
type RPCError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return e.Code + ": " + e.Message
}

func rpcErr(code, format string, args ...any) *RPCError {
	return &RPCError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func errorResponse(method string, err *RPCError) *Response {
	return &Response{ResultType: method, Error: err}
}

type payInvoiceParams struct {
	Invoice    string  `json:"invoice"`
	Amount     *uint64 `json:"amount,omitempty"`
	AmountBase *uint64 `json:"amount_base,omitempty"`
}

type payInvoiceResult struct {
	Preimage string `json:"preimage"`
}

type balanceResult struct {
	Balance uint64 `json:"balance"`
}

type infoResult struct {
	Alias         string   `json:"alias"`
	Color         string   `json:"color"`
	Pubkey        string   `json:"pubkey"`
	Network       string   `json:"network"`
	Methods       []string `json:"methods"`
	Notifications []string `json:"notifications"`
}

type makeInvoiceParams struct {
	Amount      uint64 `json:"amount"`
	Description string `json:"description"`
}

type makeInvoiceResult struct {
	Type        string `json:"type"`
	Invoice     string `json:"invoice"`
	Description string `json:"description"`
	Amount      uint64 `json:"amount"`
	CreatedAt   int64  `json:"created_at"`
	ExpiresAt   *int64 `json:"expires_at"`
}

// PaymentEvent describes a completed transfer.
type PaymentEvent struct {
	ConnectionID string    `json:"connection_id"`
	RequestID    string    `json:"request_id"`
	Address      string    `json:"address"`
	Amount       uint64    `json:"amount"`
	TransferID   string    `json:"transfer_id"`
	Network      string    `json:"network"`
	At           time.Time `json:"at"`
}

// PaymentNotifier is told about every successful transfer.
type PaymentNotifier interface {
	PaymentSent(ev PaymentEvent)
}

// ServerInfo is the static metadata get_info returns.
type ServerInfo struct {
	Alias  string
	Color  string
	Pubkey string
}

// Handlers implements the wallet methods on top of a ledger.
type Handlers struct {
	ledger   ledger.Ledger
	invoices InvoiceAmounts
	info     ServerInfo
	notifier PaymentNotifier
	metrics  *Metrics
}

// NewHandlers wires the method handlers. notifier may be nil.
func NewHandlers(l ledger.Ledger, invoices InvoiceAmounts, info ServerInfo, notifier PaymentNotifier, metrics *Metrics) *Handlers {
	return &Handlers{
		ledger:   l,
		invoices: invoices,
		info:     info,
		notifier: notifier,
		metrics:  metrics,
	}
}

// Dispatch runs the handler for req.Method. It never returns nil.
func (h *Handlers) Dispatch(ctx context.Context, conn *storage.Connection, requestID string, req *Request) *Response {
	var result any
	var rerr *RPCError

	switch req.Method {
	case MethodPayInvoice:
		result, rerr = h.payInvoice(ctx, conn, requestID, req.Params)
	case MethodGetBalance:
		result, rerr = h.getBalance(ctx)
	case MethodGetInfo:
		result = h.getInfo()
	case MethodMakeInvoice:
		result, rerr = h.makeInvoice(ctx, req.Params)
	default:
		rerr = rpcErr(CodeNotImplemented, "method %q is not supported", req.Method)
	}

	if rerr != nil {
		return errorResponse(req.Method, rerr)
	}
	return &Response{ResultType: req.Method, Result: result}
}

// toLedgerUnits converts a protocol amount. Amounts must be whole ledger units.
func toLedgerUnits(amount uint64) (uint64, *RPCError) {
	if amount%UnitFactor != 0 {
		return 0, rpcErr(CodeOther, "amount %d is not a multiple of %d", amount, UnitFactor)
	}
	return amount / UnitFactor, nil
}

// toProtocolUnits converts a ledger amount, failing rather than wrapping.
func toProtocolUnits(amount uint64) (uint64, error) {
	if amount > math.MaxUint64/UnitFactor {
		return 0, fmt.Errorf("amount %d overflows protocol units", amount)
	}
	return amount * UnitFactor, nil
}

func decodeParams(raw json.RawMessage, v any) *RPCError {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return rpcErr(CodeOther, "invalid params: %v", err)
	}
	return nil
}

func (h *Handlers) payInvoice(ctx context.Context, conn *storage.Connection, requestID string, raw json.RawMessage) (any, *RPCError) {
	var p payInvoiceParams
	if rerr := decodeParams(raw, &p); rerr != nil {
		return nil, rerr
	}

	address := strings.TrimSpace(p.Invoice)
	if address == "" {
		return nil, rpcErr(CodeOther, "missing destination address")
	}
	if err := h.ledger.ValidateAddress(address); err != nil {
		return nil, rpcErr(CodeOther, "malformed destination address: %v", err)
	}

	var amount uint64
	switch {
	case p.Amount != nil && *p.Amount > 0:
		units, rerr := toLedgerUnits(*p.Amount)
		if rerr != nil {
			return nil, rerr
		}
		amount = units
	case p.AmountBase != nil && *p.AmountBase > 0:
		amount = *p.AmountBase
	default:
		stored, ok, err := h.invoices.TakeInvoiceAmount(address)
		if err != nil {
			log.Error().Err(err).Str("address", address).Msg("Failed to read invoice amount")
			return nil, rpcErr(CodeInternal, "failed to read stored invoice amount")
		}
		if ok {
			amount = stored
		}
	}
	if amount == 0 {
		return nil, rpcErr(CodeOther, "missing or zero amount")
	}

	transferID, err := h.ledger.Send(ctx, amount, address)
	if err != nil {
		h.metrics.payment("failed")
		log.Warn().Err(err).
			Str("connection_id", conn.ID).
			Str("address", address).
			Uint64("amount", amount).
			Msg("Payment failed")
		return nil, rpcErr(CodePaymentFailed, "%s", err.Error())
	}

	h.metrics.payment("sent")
	log.Info().
		Str("connection_id", conn.ID).
		Str("address", address).
		Uint64("amount", amount).
		Str("transfer_id", transferID).
		Msg("Payment sent")

	if h.notifier != nil {
		h.notifier.PaymentSent(PaymentEvent{
			ConnectionID: conn.ID,
			RequestID:    requestID,
			Address:      address,
			Amount:       amount,
			TransferID:   transferID,
			Network:      h.ledger.Network(),
			At:           time.Now(),
		})
	}
	return payInvoiceResult{Preimage: transferID}, nil
}

func (h *Handlers) getBalance(ctx context.Context) (any, *RPCError) {
	units, err := h.ledger.Balance(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to get balance")
		return nil, rpcErr(CodeInternal, "failed to get balance")
	}
	balance, err := toProtocolUnits(units)
	if err != nil {
		log.Error().Err(err).Msg("Balance conversion failed")
		return nil, rpcErr(CodeInternal, "balance out of range")
	}
	return balanceResult{Balance: balance}, nil
}

func (h *Handlers) getInfo() any {
	return infoResult{
		Alias:         h.info.Alias,
		Color:         h.info.Color,
		Pubkey:        h.info.Pubkey,
		Network:       h.ledger.Network(),
		Methods:       SupportedMethods,
		Notifications: []string{},
	}
}

func (h *Handlers) makeInvoice(ctx context.Context, raw json.RawMessage) (any, *RPCError) {
	var p makeInvoiceParams
	if rerr := decodeParams(raw, &p); rerr != nil {
		return nil, rerr
	}

	var units uint64
	if p.Amount > 0 {
		var rerr *RPCError
		if units, rerr = toLedgerUnits(p.Amount); rerr != nil {
			return nil, rerr
		}
	}

	address, err := h.ledger.ReceivingAddress(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to allocate receiving address")
		return nil, rpcErr(CodeInternal, "failed to allocate receiving address")
	}

	if units > 0 {
		if err := h.invoices.PutInvoiceAmount(address, units); err != nil {
			log.Error().Err(err).Msg("Failed to store invoice amount")
			return nil, rpcErr(CodeInternal, "failed to record invoice amount")
		}
	}

	description := p.Description
	if description == "" {
		description = "Payment to " + h.info.Alias
	}
	return makeInvoiceResult{
		Type:        "incoming",
		Invoice:     address,
		Description: description,
		Amount:      p.Amount,
		CreatedAt:   time.Now().Unix(),
		ExpiresAt:   nil,
	}, nil
}
