package storage

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func setupTestStorage(t *testing.T) (*SQLiteStorage, func()) {
	t.Helper()
	s, err := NewSQLiteStorage(":memory:")
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	return s, func() { s.Close() }
}

func testConnection(n int, created time.Time) *Connection {
	return &Connection{
		ID:              fmt.Sprintf("conn-%d", n),
		Name:            fmt.Sprintf("App %d", n),
		Secret:          fmt.Sprintf("%064x", n),
		CounterpartyKey: fmt.Sprintf("key-%d", n),
		Relay:           "wss://relay.example",
		Permissions:     []string{"pay_invoice", "get_balance"},
		CreatedAt:       created,
	}
}

func TestConnectionCRUD(t *testing.T) {
	s, cleanup := setupTestStorage(t)
	defer cleanup()

	base := time.Unix(1700000000, 0)
	c1 := testConnection(1, base)
	c2 := testConnection(2, base.Add(time.Minute))
	for _, c := range []*Connection{c1, c2} {
		if err := s.AddConnection(c); err != nil {
			t.Fatalf("Failed to add connection: %v", err)
		}
	}

	dup := testConnection(3, base)
	dup.CounterpartyKey = c1.CounterpartyKey
	if err := s.AddConnection(dup); !errors.Is(err, ErrKeyBound) {
		t.Errorf("Expected ErrKeyBound for duplicate key, got %v", err)
	}

	conns, err := s.ListConnections()
	if err != nil {
		t.Fatalf("Failed to list connections: %v", err)
	}
	if len(conns) != 2 || conns[0].ID != c1.ID || conns[1].ID != c2.ID {
		t.Fatalf("Expected [conn-1 conn-2], got %+v", conns)
	}
	if !conns[0].HasPermission("pay_invoice") || conns[0].HasPermission("make_invoice") {
		t.Errorf("Permissions not preserved: %v", conns[0].Permissions)
	}

	byKey, err := s.FindByCounterpartyKey(c2.CounterpartyKey)
	if err != nil || byKey.ID != c2.ID {
		t.Errorf("FindByCounterpartyKey: got %v, %v", byKey, err)
	}
	bySecret, err := s.FindBySecret(c1.Secret)
	if err != nil || bySecret.ID != c1.ID {
		t.Errorf("FindBySecret: got %v, %v", bySecret, err)
	}
	if _, err := s.FindByCounterpartyKey("nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	if err := s.RenameConnection(c1.ID, "Renamed"); err != nil {
		t.Fatalf("Failed to rename: %v", err)
	}
	got, _ := s.GetConnection(c1.ID)
	if got.Name != "Renamed" {
		t.Errorf("Expected name 'Renamed', got '%s'", got.Name)
	}

	// Remove by id, then by counterparty key.
	if err := s.RemoveConnection(c1.ID); err != nil {
		t.Fatalf("Failed to remove by id: %v", err)
	}
	if err := s.RemoveConnection(c2.CounterpartyKey); err != nil {
		t.Fatalf("Failed to remove by key: %v", err)
	}
	if err := s.RemoveConnection(c2.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound on second remove, got %v", err)
	}
}

func TestUnusedConnectionsNewestFirst(t *testing.T) {
	s, cleanup := setupTestStorage(t)
	defer cleanup()

	base := time.Unix(1700000000, 0)
	for i := 1; i <= 3; i++ {
		if err := s.AddConnection(testConnection(i, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("Failed to add connection: %v", err)
		}
	}
	if err := s.TouchLastUsed("conn-2", base.Add(time.Hour)); err != nil {
		t.Fatalf("Failed to touch: %v", err)
	}

	unused, err := s.UnusedConnections()
	if err != nil {
		t.Fatalf("Failed to list unused: %v", err)
	}
	if len(unused) != 2 || unused[0].ID != "conn-3" || unused[1].ID != "conn-1" {
		t.Errorf("Expected [conn-3 conn-1], got %+v", unused)
	}

	touched, _ := s.GetConnection("conn-2")
	if touched.Unused() || !touched.LastUsed.Equal(base.Add(time.Hour)) {
		t.Errorf("Expected last_used to be set, got %v", touched.LastUsed)
	}
}

func TestClaimConnection(t *testing.T) {
	s, cleanup := setupTestStorage(t)
	defer cleanup()

	now := time.Unix(1700000000, 0)
	c := testConnection(1, now)
	other := testConnection(2, now)
	s.AddConnection(c)
	s.AddConnection(other)
	if err := s.SetPendingSecret(c.Secret); err != nil {
		t.Fatalf("Failed to set pending secret: %v", err)
	}

	if _, err := s.ClaimConnection(c.ID, other.CounterpartyKey, now); !errors.Is(err, ErrKeyBound) {
		t.Errorf("Expected ErrKeyBound when key belongs to another connection, got %v", err)
	}

	claimed, err := s.ClaimConnection(c.ID, "observed-key", now)
	if err != nil {
		t.Fatalf("Failed to claim: %v", err)
	}
	if claimed.CounterpartyKey != "observed-key" || claimed.Unused() {
		t.Errorf("Claim did not rebind and mark used: %+v", claimed)
	}
	if pending, _ := s.PendingSecret(); pending != "" {
		t.Errorf("Expected pending secret cleared after claim, got %q", pending)
	}

	if _, err := s.ClaimConnection(c.ID, "late-key", now); !errors.Is(err, ErrAlreadyClaimed) {
		t.Errorf("Expected ErrAlreadyClaimed, got %v", err)
	}
	if _, err := s.ClaimConnection("missing", "k", now); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestClaimConnectionConcurrent(t *testing.T) {
	s, cleanup := setupTestStorage(t)
	defer cleanup()

	s.AddConnection(testConnection(1, time.Now()))

	const workers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := s.ClaimConnection("conn-1", fmt.Sprintf("sender-%d", i), time.Now()); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("Expected exactly one successful claim, got %d", wins)
	}
}

func TestPendingSecretAndIdentity(t *testing.T) {
	s, cleanup := setupTestStorage(t)
	defer cleanup()

	if v, err := s.PendingSecret(); err != nil || v != "" {
		t.Errorf("Expected empty pending secret, got %q, %v", v, err)
	}
	s.SetPendingSecret("first")
	s.SetPendingSecret("second")
	if v, _ := s.PendingSecret(); v != "second" {
		t.Errorf("Expected overwritten pending secret, got %q", v)
	}
	s.ClearPendingSecret()
	if v, _ := s.PendingSecret(); v != "" {
		t.Errorf("Expected cleared pending secret, got %q", v)
	}

	if _, err := s.IdentityKey(); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for missing identity, got %v", err)
	}
	s.SetIdentityKey("abcd")
	if v, _ := s.IdentityKey(); v != "abcd" {
		t.Errorf("Expected identity 'abcd', got %q", v)
	}
}

func TestInvoiceAmountConsumedOnce(t *testing.T) {
	s, cleanup := setupTestStorage(t)
	defer cleanup()

	tests := []uint64{0, 1, math.MaxUint64}
	for _, amount := range tests {
		if err := s.PutInvoiceAmount("0xabc", amount); err != nil {
			t.Fatalf("Failed to put amount: %v", err)
		}
		got, ok, err := s.TakeInvoiceAmount("0xabc")
		if err != nil || !ok || got != amount {
			t.Errorf("TakeInvoiceAmount = %d, %v, %v; want %d", got, ok, err, amount)
		}
		if _, ok, _ := s.TakeInvoiceAmount("0xabc"); ok {
			t.Errorf("Amount %d was returned twice", amount)
		}
	}
}

func TestProcessedEvents(t *testing.T) {
	s, cleanup := setupTestStorage(t)
	defer cleanup()

	now := time.Unix(1700000000, 0)
	rec, claimed, err := s.ClaimEvent("ev1", "conn-1", now, now)
	if err != nil || !claimed || rec.Status != EventInFlight {
		t.Fatalf("First claim: %+v, %v, %v", rec, claimed, err)
	}

	rec, claimed, err = s.ClaimEvent("ev1", "conn-1", now, now)
	if err != nil || claimed {
		t.Fatalf("Second claim should not succeed: %v, %v", claimed, err)
	}
	if rec.Status != EventInFlight {
		t.Errorf("Expected in_flight, got %s", rec.Status)
	}

	if err := s.CompleteEvent("ev1", `{"id":"resp"}`); err != nil {
		t.Fatalf("Failed to complete event: %v", err)
	}
	rec, _ = s.LookupEvent("ev1")
	if rec.Status != EventDone || rec.Response != `{"id":"resp"}` {
		t.Errorf("Unexpected record after completion: %+v", rec)
	}

	s.ClaimEvent("ev2", "conn-1", now.Add(2*time.Hour), now.Add(2*time.Hour))
	deleted, err := s.PruneEvents(now.Add(time.Hour))
	if err != nil || deleted != 1 {
		t.Errorf("Expected 1 pruned event, got %d, %v", deleted, err)
	}
	if _, err := s.LookupEvent("ev1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ev1 pruned, got %v", err)
	}
	if _, err := s.LookupEvent("ev2"); err != nil {
		t.Errorf("Expected ev2 kept, got %v", err)
	}
}

func TestPruneEventsKeepsFutureDatedEvents(t *testing.T) {
	s, cleanup := setupTestStorage(t)
	defer cleanup()

	now := time.Unix(1700000000, 0)
	if _, _, err := s.ClaimEvent("ahead", "conn-1", now.Add(59*time.Second), now); err != nil {
		t.Fatalf("ClaimEvent failed: %v", err)
	}
	rec, err := s.LookupEvent("ahead")
	if err != nil || !rec.CreatedAt.Equal(now.Add(59*time.Second)) {
		t.Fatalf("Expected created_at stored, got %+v, %v", rec, err)
	}

	// Processed before the cutoff, but the event itself is dated after it.
	deleted, err := s.PruneEvents(now.Add(30 * time.Second))
	if err != nil || deleted != 0 {
		t.Errorf("Expected nothing pruned, got %d, %v", deleted, err)
	}
	deleted, _ = s.PruneEvents(now.Add(time.Minute))
	if deleted != 1 {
		t.Errorf("Expected record pruned once its timestamp passed, got %d", deleted)
	}
}

func TestExportImport(t *testing.T) {
	src, cleanup := setupTestStorage(t)
	defer cleanup()

	now := time.Unix(1700000000, 0)
	src.AddConnection(testConnection(1, now))
	src.AddConnection(testConnection(2, now.Add(time.Second)))
	src.TouchLastUsed("conn-2", now.Add(time.Minute))
	src.SetIdentityKey("identity")
	src.PutInvoiceAmount("0xabc", 42)
	src.ClaimEvent("ev1", "conn-1", now, now)

	data, err := src.Export()
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	dst, cleanup2 := setupTestStorage(t)
	defer cleanup2()
	dst.AddConnection(testConnection(9, now))

	if err := dst.Import(data); err != nil {
		t.Fatalf("Import failed: %v", err)
	}

	conns, _ := dst.ListConnections()
	if len(conns) != 2 {
		t.Fatalf("Expected 2 connections after import, got %d", len(conns))
	}
	if !conns[0].Unused() || conns[1].Unused() {
		t.Errorf("last_used not preserved: %+v", conns)
	}
	if v, _ := dst.IdentityKey(); v != "identity" {
		t.Errorf("Expected identity restored, got %q", v)
	}
	if amount, ok, _ := dst.TakeInvoiceAmount("0xabc"); !ok || amount != 42 {
		t.Errorf("Expected invoice amount 42, got %d (%v)", amount, ok)
	}
	if _, err := dst.LookupEvent("ev1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Processed events should not be part of a snapshot, got %v", err)
	}
}

func TestConnectionLogOmitsSecret(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	c := testConnection(7, time.Now())
	logger.Info().Object("connection", c).Msg("Test")

	out := buf.String()
	if strings.Contains(out, c.Secret) {
		t.Errorf("Secret leaked into log output: %s", out)
	}
	if !strings.Contains(out, c.ID) {
		t.Errorf("Expected connection id in log output: %s", out)
	}
}
