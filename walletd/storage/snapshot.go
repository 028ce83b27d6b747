package storage

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// SnapshotVersion is bumped whenever the snapshot layout changes.
const SnapshotVersion = 1

// Snapshot is the portable form of the store used for backups. The
// processed request log is ephemeral and not included.
type Snapshot struct {
	Version        int                  `cbor:"1,keyasint"`
	CreatedAt      int64                `cbor:"2,keyasint"`
	Connections    []ConnectionSnapshot `cbor:"3,keyasint"`
	Scratch        map[string]string    `cbor:"4,keyasint"`
	InvoiceAmounts map[string]string    `cbor:"5,keyasint"`
}

// ConnectionSnapshot is one connections row.
type ConnectionSnapshot struct {
	ID              string   `cbor:"1,keyasint"`
	Name            string   `cbor:"2,keyasint"`
	Secret          string   `cbor:"3,keyasint"`
	CounterpartyKey string   `cbor:"4,keyasint"`
	Relay           string   `cbor:"5,keyasint"`
	Permissions     []string `cbor:"6,keyasint"`
	CreatedAt       int64    `cbor:"7,keyasint"`
	LastUsed        int64    `cbor:"8,keyasint,omitempty"`
}

var snapshotEncMode cbor.EncMode

func init() {
	var err error
	snapshotEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("storage: CBOR encoder initialization failed: " + err.Error())
	}
}

// Export serializes the store as a deterministic CBOR snapshot.
func (s *SQLiteStorage) Export() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Version:        SnapshotVersion,
		CreatedAt:      time.Now().Unix(),
		Scratch:        make(map[string]string),
		InvoiceAmounts: make(map[string]string),
	}

	conns, err := s.queryConnections(`SELECT ` + connectionColumns + ` FROM connections ORDER BY created_at ASC, rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to export connections: %w", err)
	}
	for _, c := range conns {
		cs := ConnectionSnapshot{
			ID:              c.ID,
			Name:            c.Name,
			Secret:          c.Secret,
			CounterpartyKey: c.CounterpartyKey,
			Relay:           c.Relay,
			Permissions:     c.Permissions,
			CreatedAt:       c.CreatedAt.Unix(),
		}
		if c.LastUsed != nil {
			cs.LastUsed = c.LastUsed.Unix()
		}
		snap.Connections = append(snap.Connections, cs)
	}

	if err := s.exportPairs(`SELECT key, value FROM scratch`, snap.Scratch); err != nil {
		return nil, fmt.Errorf("failed to export scratch: %w", err)
	}
	if err := s.exportPairs(`SELECT address, amount FROM invoice_amounts`, snap.InvoiceAmounts); err != nil {
		return nil, fmt.Errorf("failed to export invoice amounts: %w", err)
	}

	return snapshotEncMode.Marshal(snap)
}

func (s *SQLiteStorage) exportPairs(query string, into map[string]string) error {
	rows, err := s.db.Query(query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return err
		}
		into[k] = v
	}
	return rows.Err()
}

// Import replaces the store's contents with a snapshot produced by Export.
func (s *SQLiteStorage) Import(data []byte) error {
	var snap Snapshot
	if err := cbor.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if snap.Version != SnapshotVersion {
		return fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin import: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"connections", "scratch", "invoice_amounts"} {
		if _, err := tx.Exec(`DELETE FROM ` + table); err != nil {
			return fmt.Errorf("failed to clear table %s: %w", table, err)
		}
	}

	for _, c := range snap.Connections {
		var lastUsed any
		if c.LastUsed != 0 {
			lastUsed = c.LastUsed
		}
		_, err := tx.Exec(`
			INSERT INTO connections (`+connectionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, c.ID, c.Name, c.Secret, c.CounterpartyKey, c.Relay, joinPermissions(c.Permissions), c.CreatedAt, lastUsed)
		if err != nil {
			return fmt.Errorf("failed to import connection %s: %w", c.ID, err)
		}
	}

	now := time.Now().Unix()
	for k, v := range snap.Scratch {
		if _, err := tx.Exec(`INSERT INTO scratch (key, value, updated_at) VALUES (?, ?, ?)`, k, v, now); err != nil {
			return fmt.Errorf("failed to import scratch %s: %w", k, err)
		}
	}
	for addr, amount := range snap.InvoiceAmounts {
		if _, err := tx.Exec(`INSERT INTO invoice_amounts (address, amount, created_at) VALUES (?, ?, ?)`, addr, amount, now); err != nil {
			return fmt.Errorf("failed to import invoice amount: %w", err)
		}
	}

	return tx.Commit()
}
