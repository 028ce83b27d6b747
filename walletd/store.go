package main

import (
	"time"

	"github.com/mesmerverse/nwc-wallet/walletd/storage"
)

// ConnectionStore is the durable record of paired applications plus the
// pending-secret cell. *storage.SQLiteStorage implements it.
type ConnectionStore interface {
	ListConnections() ([]storage.Connection, error)
	GetConnection(id string) (*storage.Connection, error)
	AddConnection(c *storage.Connection) error
	RemoveConnection(idOrKey string) error
	FindByCounterpartyKey(key string) (*storage.Connection, error)
	UnusedConnections() ([]storage.Connection, error)
	ClaimConnection(id, key string, now time.Time) (*storage.Connection, error)
	RenameConnection(id, name string) error
	TouchLastUsed(id string, t time.Time) error

	PendingSecret() (string, error)
	SetPendingSecret(secret string) error
}

// InvoiceAmounts is the side table make_invoice writes and pay_invoice consumes.
type InvoiceAmounts interface {
	PutInvoiceAmount(address string, amount uint64) error
	TakeInvoiceAmount(address string) (uint64, bool, error)
}

// EventLog is the durable half of the request log.
type EventLog interface {
	ClaimEvent(eventID, connectionID string, createdAt, now time.Time) (*storage.EventRecord, bool, error)
	CompleteEvent(eventID, response string) error
	PruneEvents(cutoff time.Time) (int64, error)
}

var (
	_ ConnectionStore = (*storage.SQLiteStorage)(nil)
	_ InvoiceAmounts  = (*storage.SQLiteStorage)(nil)
	_ EventLog        = (*storage.SQLiteStorage)(nil)
)

// IdentityStore persists the server's signing key.
type IdentityStore interface {
	IdentityKey() (string, error)
	SetIdentityKey(keyHex string) error
}

var _ IdentityStore = (*storage.SQLiteStorage)(nil)
