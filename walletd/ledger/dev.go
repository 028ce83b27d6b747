package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// DevLedger is an in-process ledger for local runs and tests. It accepts
// the same address format as the EVM ledger.
type DevLedger struct {
	mu        sync.Mutex
	balance   uint64
	address   string
	transfers []Transfer
}

// Transfer is one completed DevLedger send.
type Transfer struct {
	ID      string
	Amount  uint64
	Address string
}

// NewDevLedger returns a ledger holding balance units.
func NewDevLedger(balance uint64) *DevLedger {
	id := uuid.New()
	return &DevLedger{
		balance: balance,
		address: common.BytesToAddress(id[:]).Hex(),
	}
}

func (d *DevLedger) Network() string { return "devnet" }

func (d *DevLedger) ReceivingAddress(ctx context.Context) (string, error) {
	return d.address, nil
}

func (d *DevLedger) ValidateAddress(address string) error {
	if !common.IsHexAddress(address) {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	return nil
}

func (d *DevLedger) Balance(ctx context.Context) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.balance, nil
}

func (d *DevLedger) Send(ctx context.Context, amount uint64, address string) (string, error) {
	if amount == 0 {
		return "", ErrZeroAmount
	}
	if err := d.ValidateAddress(address); err != nil {
		return "", err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if amount > d.balance {
		return "", fmt.Errorf("%w: need %d, have %d", ErrInsufficientFunds, amount, d.balance)
	}
	d.balance -= amount
	t := Transfer{ID: uuid.NewString(), Amount: amount, Address: address}
	d.transfers = append(d.transfers, t)
	return t.ID, nil
}

// Credit adds amount to the balance.
func (d *DevLedger) Credit(amount uint64) {
	d.mu.Lock()
	d.balance += amount
	d.mu.Unlock()
}

// Transfers returns a copy of every completed send.
func (d *DevLedger) Transfers() []Transfer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Transfer(nil), d.transfers...)
}
