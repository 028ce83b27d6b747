package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrKeyBound       = errors.New("counterparty key already bound to another connection")
	ErrAlreadyClaimed = errors.New("connection already claimed")
)

const (
	scratchPendingSecret = "pending_secret"
	scratchIdentityKey   = "identity_key"
)

// Connection is a paired, or not yet paired, client application.
type Connection struct {
	ID              string
	Name            string
	Secret          string // hex, never logged
	CounterpartyKey string
	Relay           string
	Permissions     []string
	CreatedAt       time.Time
	LastUsed        *time.Time
}

// Unused reports whether the connection has never served a request.
func (c *Connection) Unused() bool {
	return c.LastUsed == nil
}

// HasPermission reports whether method is in the connection's permission set.
func (c *Connection) HasPermission(method string) bool {
	for _, p := range c.Permissions {
		if p == method {
			return true
		}
	}
	return false
}

// MarshalZerologObject logs the connection without its secret.
func (c *Connection) MarshalZerologObject(e *zerolog.Event) {
	e.Str("id", c.ID).
		Str("name", c.Name).
		Str("counterparty", shortKey(c.CounterpartyKey)).
		Str("relay", c.Relay).
		Bool("unused", c.Unused())
}

// EventStatus is the processing state of a request event.
type EventStatus string

const (
	EventInFlight EventStatus = "in_flight"
	EventDone     EventStatus = "done"
)

// EventRecord is one entry of the processed request log.
type EventRecord struct {
	EventID      string
	ConnectionID string
	Status       EventStatus
	Response     string    // signed response event JSON, set once done
	CreatedAt    time.Time // the request event's own timestamp
	ProcessedAt  time.Time
}

// SQLiteStorage is the wallet server's durable store: connections, scratch
// cells, pending invoice amounts and the processed request log.
type SQLiteStorage struct {
	db     *sql.DB
	dbPath string

	mu sync.RWMutex
}

// NewSQLiteStorage opens (creating if needed) the database at dbPath.
// ":memory:" gives a throwaway database.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}
	// One connection: keeps :memory: databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	s := &SQLiteStorage{db: db, dbPath: dbPath}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStorage) initSchema() error {
	schema := `
	-- Paired and pending client applications.
	-- counterparty_key is UNIQUE: one key binds at most one connection.
	CREATE TABLE IF NOT EXISTS connections (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		secret TEXT NOT NULL UNIQUE,
		counterparty_key TEXT NOT NULL UNIQUE,
		relay TEXT NOT NULL DEFAULT '',
		permissions TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		last_used INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_connections_unused ON connections(created_at DESC) WHERE last_used IS NULL;

	-- Single-value cells: pending pairing secret, server identity key.
	CREATE TABLE IF NOT EXISTS scratch (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	-- Amounts remembered by make_invoice, consumed once by pay_invoice.
	-- Stored as decimal text: amounts are unsigned 64-bit.
	CREATE TABLE IF NOT EXISTS invoice_amounts (
		address TEXT PRIMARY KEY,
		amount TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	-- Request log for duplicate suppression across relays and restarts.
	CREATE TABLE IF NOT EXISTS processed_events (
		event_id TEXT PRIMARY KEY,
		connection_id TEXT NOT NULL,
		status TEXT NOT NULL CHECK(status IN ('in_flight', 'done')),
		response TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL DEFAULT 0,
		processed_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_processed_events_cleanup ON processed_events(processed_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return s.addColumnIfMissing("processed_events", "created_at", "INTEGER NOT NULL DEFAULT 0")
}

// addColumnIfMissing upgrades tables created by an older schema.
func (s *SQLiteStorage) addColumnIfMissing(table, column, decl string) error {
	rows, err := s.db.Query(`SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return fmt.Errorf("failed to inspect %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	if _, err := s.db.Exec(`ALTER TABLE ` + table + ` ADD COLUMN ` + column + ` ` + decl); err != nil {
		return fmt.Errorf("failed to add %s.%s: %w", table, column, err)
	}
	return nil
}

// ===============================
// Connection Operations
// ===============================

const connectionColumns = `id, name, secret, counterparty_key, relay, permissions, created_at, last_used`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnection(row rowScanner) (*Connection, error) {
	var c Connection
	var perms string
	var createdAt int64
	var lastUsed sql.NullInt64
	if err := row.Scan(&c.ID, &c.Name, &c.Secret, &c.CounterpartyKey, &c.Relay, &perms, &createdAt, &lastUsed); err != nil {
		return nil, err
	}
	c.Permissions = splitPermissions(perms)
	c.CreatedAt = time.Unix(createdAt, 0)
	if lastUsed.Valid {
		t := time.Unix(lastUsed.Int64, 0)
		c.LastUsed = &t
	}
	return &c, nil
}

func (s *SQLiteStorage) queryConnections(query string, args ...any) ([]Connection, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conns []Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		conns = append(conns, *c)
	}
	return conns, rows.Err()
}

func (s *SQLiteStorage) queryConnection(query string, args ...any) (*Connection, error) {
	c, err := scanConnection(s.db.QueryRow(query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// ListConnections returns every connection, oldest first.
func (s *SQLiteStorage) ListConnections() ([]Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conns, err := s.queryConnections(`SELECT ` + connectionColumns + ` FROM connections ORDER BY created_at ASC, rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	return conns, nil
}

// AddConnection persists a new connection.
func (s *SQLiteStorage) AddConnection(c *Connection) error {
	if c.ID == "" || c.Secret == "" || c.CounterpartyKey == "" {
		return fmt.Errorf("connection requires id, secret and counterparty key")
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM connections WHERE counterparty_key = ?`, c.CounterpartyKey).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check counterparty key: %w", err)
	}
	if exists > 0 {
		return ErrKeyBound
	}

	_, err := s.db.Exec(`
		INSERT INTO connections (`+connectionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.Name, c.Secret, c.CounterpartyKey, c.Relay, joinPermissions(c.Permissions),
		c.CreatedAt.Unix(), nullableUnix(c.LastUsed))
	if err != nil {
		return fmt.Errorf("failed to add connection: %w", err)
	}
	return nil
}

// GetConnection returns the connection with the given id.
func (s *SQLiteStorage) GetConnection(id string) (*Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryConnection(`SELECT `+connectionColumns+` FROM connections WHERE id = ?`, id)
}

// RemoveConnection deletes the connection whose id or counterparty key is idOrKey.
func (s *SQLiteStorage) RemoveConnection(idOrKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`DELETE FROM connections WHERE id = ? OR counterparty_key = ?`, idOrKey, idOrKey)
	if err != nil {
		return fmt.Errorf("failed to remove connection: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// FindByCounterpartyKey returns the connection bound to key.
func (s *SQLiteStorage) FindByCounterpartyKey(key string) (*Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryConnection(`SELECT `+connectionColumns+` FROM connections WHERE counterparty_key = ?`, key)
}

// FindBySecret returns the connection created with secret.
func (s *SQLiteStorage) FindBySecret(secret string) (*Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryConnection(`SELECT `+connectionColumns+` FROM connections WHERE secret = ?`, secret)
}

// UnusedConnections returns connections that have never served a request,
// newest first.
func (s *SQLiteStorage) UnusedConnections() ([]Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conns, err := s.queryConnections(`SELECT ` + connectionColumns + ` FROM connections WHERE last_used IS NULL ORDER BY created_at DESC, rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list unused connections: %w", err)
	}
	return conns, nil
}

// ClaimConnection binds an unused connection to key and marks it used, in
// one transaction. It fails with ErrAlreadyClaimed if the connection is no
// longer unused and ErrKeyBound if key belongs to another connection. A
// pending secret that belongs to the claimed connection is cleared.
func (s *SQLiteStorage) ClaimConnection(id, key string, now time.Time) (*Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim: %w", err)
	}
	defer tx.Rollback()

	var bound int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM connections WHERE counterparty_key = ? AND id != ?`, key, id).Scan(&bound); err != nil {
		return nil, fmt.Errorf("failed to check counterparty key: %w", err)
	}
	if bound > 0 {
		return nil, ErrKeyBound
	}

	result, err := tx.Exec(`
		UPDATE connections
		SET counterparty_key = ?, last_used = ?
		WHERE id = ? AND last_used IS NULL
	`, key, now.Unix(), id)
	if err != nil {
		return nil, fmt.Errorf("failed to claim connection: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		var exists int
		tx.QueryRow(`SELECT COUNT(*) FROM connections WHERE id = ?`, id).Scan(&exists)
		if exists == 0 {
			return nil, ErrNotFound
		}
		return nil, ErrAlreadyClaimed
	}

	c, err := scanConnection(tx.QueryRow(`SELECT `+connectionColumns+` FROM connections WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("failed to load claimed connection: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM scratch WHERE key = ? AND value = ?`, scratchPendingSecret, c.Secret); err != nil {
		return nil, fmt.Errorf("failed to clear pending secret: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return c, nil
}

// RenameConnection sets a connection's display name.
func (s *SQLiteStorage) RenameConnection(id, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`UPDATE connections SET name = ? WHERE id = ?`, name, id)
	if err != nil {
		return fmt.Errorf("failed to rename connection: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchLastUsed records that the connection served a request at t.
func (s *SQLiteStorage) TouchLastUsed(id string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`UPDATE connections SET last_used = ? WHERE id = ?`, t.Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to touch connection: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ===============================
// Scratch Cells
// ===============================

func (s *SQLiteStorage) getScratch(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	err := s.db.QueryRow(`SELECT value FROM scratch WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", key, err)
	}
	return value, nil
}

func (s *SQLiteStorage) putScratch(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO scratch (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// SetPendingSecret replaces the pending pairing secret.
func (s *SQLiteStorage) SetPendingSecret(secret string) error {
	return s.putScratch(scratchPendingSecret, secret)
}

// PendingSecret returns the pending pairing secret, or "" if there is none.
func (s *SQLiteStorage) PendingSecret() (string, error) {
	v, err := s.getScratch(scratchPendingSecret)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return v, err
}

// ClearPendingSecret removes the pending pairing secret.
func (s *SQLiteStorage) ClearPendingSecret() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM scratch WHERE key = ?`, scratchPendingSecret); err != nil {
		return fmt.Errorf("failed to clear pending secret: %w", err)
	}
	return nil
}

// IdentityKey returns the server's hex private key, or ErrNotFound.
func (s *SQLiteStorage) IdentityKey() (string, error) {
	return s.getScratch(scratchIdentityKey)
}

// SetIdentityKey stores the server's hex private key.
func (s *SQLiteStorage) SetIdentityKey(keyHex string) error {
	return s.putScratch(scratchIdentityKey, keyHex)
}

// ===============================
// Invoice Amounts
// ===============================

// PutInvoiceAmount remembers amount for address, replacing any earlier one.
func (s *SQLiteStorage) PutInvoiceAmount(address string, amount uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO invoice_amounts (address, amount, created_at) VALUES (?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET amount = excluded.amount, created_at = excluded.created_at
	`, address, strconv.FormatUint(amount, 10), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to store invoice amount: %w", err)
	}
	return nil
}

// TakeInvoiceAmount returns and deletes the amount remembered for address.
// ok is false when there is none.
func (s *SQLiteStorage) TakeInvoiceAmount(address string) (amount uint64, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, false, fmt.Errorf("failed to begin: %w", err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRow(`SELECT amount FROM invoice_amounts WHERE address = ?`, address).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read invoice amount: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM invoice_amounts WHERE address = ?`, address); err != nil {
		return 0, false, fmt.Errorf("failed to consume invoice amount: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("failed to commit: %w", err)
	}

	amount, err = strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt invoice amount %q: %w", raw, err)
	}
	return amount, true, nil
}

// ===============================
// Processed Request Log
// ===============================

// ClaimEvent records eventID, created at createdAt, as in flight for
// connectionID. If the event was already recorded, claimed is false and the
// existing record is returned.
func (s *SQLiteStorage) ClaimEvent(eventID, connectionID string, createdAt, now time.Time) (rec *EventRecord, claimed bool, err error) {
	if eventID == "" {
		return nil, false, fmt.Errorf("empty event id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`
		INSERT OR IGNORE INTO processed_events (event_id, connection_id, status, created_at, processed_at)
		VALUES (?, ?, ?, ?, ?)
	`, eventID, connectionID, string(EventInFlight), createdAt.Unix(), now.Unix())
	if err != nil {
		return nil, false, fmt.Errorf("failed to claim event: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 1 {
		return &EventRecord{
			EventID:      eventID,
			ConnectionID: connectionID,
			Status:       EventInFlight,
			CreatedAt:    time.Unix(createdAt.Unix(), 0),
			ProcessedAt:  now,
		}, true, nil
	}

	rec, err = s.lookupEvent(eventID)
	if err != nil {
		return nil, false, err
	}
	return rec, false, nil
}

// CompleteEvent marks eventID done and stores the response sent for it.
func (s *SQLiteStorage) CompleteEvent(eventID, response string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`
		UPDATE processed_events SET status = ?, response = ? WHERE event_id = ?
	`, string(EventDone), response, eventID)
	if err != nil {
		return fmt.Errorf("failed to complete event: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// LookupEvent returns the log record for eventID.
func (s *SQLiteStorage) LookupEvent(eventID string) (*EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookupEvent(eventID)
}

func (s *SQLiteStorage) lookupEvent(eventID string) (*EventRecord, error) {
	var rec EventRecord
	var status string
	var createdAt, processedAt int64
	err := s.db.QueryRow(`
		SELECT event_id, connection_id, status, response, created_at, processed_at
		FROM processed_events WHERE event_id = ?
	`, eventID).Scan(&rec.EventID, &rec.ConnectionID, &status, &rec.Response, &createdAt, &processedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up event: %w", err)
	}
	rec.Status = EventStatus(status)
	rec.CreatedAt = time.Unix(createdAt, 0)
	rec.ProcessedAt = time.Unix(processedAt, 0)
	return &rec, nil
}

// PruneEvents removes log records whose event timestamp and processing time
// are both before cutoff. An event dated ahead of our clock is kept until its
// own timestamp passes cutoff.
func (s *SQLiteStorage) PruneEvents(cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`DELETE FROM processed_events WHERE MAX(processed_at, created_at) < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to prune processed events: %w", err)
	}
	deleted, _ := result.RowsAffected()
	return deleted, nil
}

// Close closes the database.
func (s *SQLiteStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func joinPermissions(perms []string) string {
	return strings.Join(perms, ",")
}

func splitPermissions(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

func nullableUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func shortKey(key string) string {
	if len(key) > 16 {
		return key[:16]
	}
	return key
}
