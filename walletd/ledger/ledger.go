// Package ledger is the wallet's view of the payment rail: balance, a
// receiving address and outgoing transfers. Amounts are whole ledger units.
package ledger

import (
	"context"
	"errors"
)

var (
	ErrInvalidAddress    = errors.New("invalid address")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrZeroAmount        = errors.New("amount must be greater than zero")
)

// Ledger is implemented by every payment backend.
type Ledger interface {
	// Balance returns the spendable balance.
	Balance(ctx context.Context) (uint64, error)
	// ReceivingAddress returns an address that can be paid any amount.
	ReceivingAddress(ctx context.Context) (string, error)
	// Send transfers amount to address and returns a transfer id.
	Send(ctx context.Context, amount uint64, address string) (string, error)
	// ValidateAddress returns ErrInvalidAddress if address cannot be paid.
	ValidateAddress(address string) error
	// Network names the chain or environment, e.g. "mainnet".
	Network() string
}
