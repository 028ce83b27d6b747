package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mesmerverse/nwc-wallet/walletd/ledger"
	"github.com/mesmerverse/nwc-wallet/walletd/nostr"
	"github.com/mesmerverse/nwc-wallet/walletd/storage"
)

// testRelay accepts subscriptions, acknowledges every EVENT and records
// both.
type testRelay struct {
	srv *httptest.Server

	mu        sync.Mutex
	conns     map[*websocket.Conn]string // subscription id per connection
	filters   []map[string]json.RawMessage
	published []nostr.Event

	writeMu sync.Mutex
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()
	r := &testRelay{conns: make(map[*websocket.Conn]string)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		r.serve(conn)
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *testRelay) URL() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http")
}

func (r *testRelay) serve(conn *websocket.Conn) {
	defer conn.Close()
	r.mu.Lock()
	r.conns[conn] = ""
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.conns, conn)
		r.mu.Unlock()
	}()

	for {
		var msg []json.RawMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if len(msg) < 2 {
			continue
		}
		var typ string
		json.Unmarshal(msg[0], &typ)

		switch typ {
		case "REQ":
			var subID string
			var filter map[string]json.RawMessage
			json.Unmarshal(msg[1], &subID)
			if len(msg) > 2 {
				json.Unmarshal(msg[2], &filter)
			}
			r.mu.Lock()
			r.conns[conn] = subID
			r.filters = append(r.filters, filter)
			r.mu.Unlock()
		case "EVENT":
			var ev nostr.Event
			json.Unmarshal(msg[1], &ev)
			r.mu.Lock()
			r.published = append(r.published, ev)
			r.mu.Unlock()
			r.write(conn, []any{"OK", ev.ID, true, ""})
		}
	}
}

func (r *testRelay) write(conn *websocket.Conn, v any) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	conn.WriteJSON(v)
}

// deliver pushes ev to every subscriber as if another client published it.
func (r *testRelay) deliver(ev *nostr.Event) {
	r.mu.Lock()
	subs := make(map[*websocket.Conn]string, len(r.conns))
	for c, id := range r.conns {
		subs[c] = id
	}
	r.mu.Unlock()
	for c, id := range subs {
		if id != "" {
			r.write(c, []any{"EVENT", id, ev})
		}
	}
}

// dropAll closes every client connection from the relay side.
func (r *testRelay) dropAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for c := range r.conns {
		c.Close()
	}
}

func (r *testRelay) lastFilter() map[string]json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.filters) == 0 {
		return nil
	}
	return r.filters[len(r.filters)-1]
}

func (r *testRelay) filterCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.filters)
}

func (r *testRelay) announcements() []nostr.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []nostr.Event
	for _, ev := range r.published {
		if ev.Kind == nostr.KindInfo {
			out = append(out, ev)
		}
	}
	return out
}

func (r *testRelay) connCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func setupServer(t *testing.T, baseline ...string) (*Server, *storage.SQLiteStorage) {
	t.Helper()
	store := setupTestStore(t)
	key, err := LoadOrCreateIdentity(store)
	if err != nil {
		t.Fatalf("LoadOrCreateIdentity failed: %v", err)
	}

	cfg := DefaultConfig().Server
	cfg.Relays = baseline
	cfg.PairingRelay = baseline[0]
	cfg.PublishTimeoutSec = 2

	s, err := NewServer(ServerOptions{
		Config:   cfg,
		Key:      key,
		Store:    store,
		Events:   store,
		Invoices: store,
		Ledger:   ledger.NewDevLedger(0),
		Metrics:  NewMetrics(),
	})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	t.Cleanup(func() { s.Stop() })
	return s, store
}

func authorsOf(t *testing.T, filter map[string]json.RawMessage) []string {
	t.Helper()
	raw, ok := filter["authors"]
	if !ok {
		return nil
	}
	var authors []string
	if err := json.Unmarshal(raw, &authors); err != nil {
		t.Fatalf("Bad authors clause: %v", err)
	}
	return authors
}

func TestLoadOrCreateIdentityIsStable(t *testing.T) {
	store := setupTestStore(t)
	first, err := LoadOrCreateIdentity(store)
	if err != nil {
		t.Fatalf("LoadOrCreateIdentity failed: %v", err)
	}
	second, err := LoadOrCreateIdentity(store)
	if err != nil {
		t.Fatalf("LoadOrCreateIdentity failed: %v", err)
	}
	if string(first) != string(second) {
		t.Error("Expected the same identity on second load")
	}
}

func TestServerStartAnnouncesAndSubscribes(t *testing.T) {
	relay := newTestRelay(t)
	s, _ := setupServer(t, relay.URL())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if s.State() != StateRunning {
		t.Fatalf("Expected running, got %s", s.State())
	}
	if !s.Ready() {
		t.Error("Expected ready with one relay connected")
	}

	waitFor(t, "subscription", func() bool { return relay.filterCount() == 1 })
	filter := relay.lastFilter()
	if string(filter["kinds"]) != "[23194]" {
		t.Errorf("Unexpected kinds %s", filter["kinds"])
	}
	if string(filter["#p"]) != `["`+s.PublicKey()+`"]` {
		t.Errorf("Unexpected #p %s", filter["#p"])
	}
	if _, ok := filter["since"]; !ok {
		t.Error("Expected since clause")
	}

	anns := relay.announcements()
	if len(anns) != 1 {
		t.Fatalf("Expected 1 announcement, got %d", len(anns))
	}
	ann := anns[0]
	if err := ann.Verify(); err != nil {
		t.Errorf("Announcement does not verify: %v", err)
	}
	if ann.TagValue("relay") != nostr.NormalizeURL(relay.URL()) {
		t.Errorf("Expected relay tag, got %v", ann.Tags)
	}
	if ann.TagValue("encryption") != "nip44_v2 nip04" {
		t.Errorf("Unexpected encryption tag %q", ann.TagValue("encryption"))
	}
	var content announcementContent
	if err := json.Unmarshal([]byte(ann.Content), &content); err != nil {
		t.Fatalf("Announcement content is not JSON: %v", err)
	}
	if len(content.Methods) != len(SupportedMethods) {
		t.Errorf("Expected %d methods, got %v", len(SupportedMethods), content.Methods)
	}

	// Starting again while running is a no-op.
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Second start failed: %v", err)
	}
	if relay.filterCount() != 1 {
		t.Error("Expected no resubscription on repeated start")
	}
}

func TestServerStartWithUnreachableRelay(t *testing.T) {
	relay := newTestRelay(t)
	s, _ := setupServer(t, relay.URL(), "ws://127.0.0.1:1")

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if s.State() != StateRunning {
		t.Errorf("Expected running despite a failed relay, got %s", s.State())
	}
	if got := s.ConnectedRelays(); len(got) != 1 {
		t.Errorf("Expected 1 connected relay, got %v", got)
	}
}

func TestServerStartWithNoRelays(t *testing.T) {
	s, _ := setupServer(t, "ws://127.0.0.1:1")

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if s.State() != StateRunning {
		t.Errorf("Expected running with zero relays, got %s", s.State())
	}
	if s.Ready() {
		t.Error("Expected not ready with zero relays")
	}
}

func TestServerReloadReflectsConnections(t *testing.T) {
	baseline := newTestRelay(t)
	extra := newTestRelay(t)
	s, store := setupServer(t, baseline.URL())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	relays, _ := s.Subscription()
	if len(relays) != 1 {
		t.Fatalf("Expected only the baseline relay, got %v", relays)
	}

	// An unused connection on a new relay: the relay joins the set and the
	// authors clause is dropped because the client key is not known yet.
	_, conn, err := s.CreatePairing(context.Background(), extra.URL(), "phone")
	if err != nil {
		t.Fatalf("CreatePairing failed: %v", err)
	}
	relays, filter := s.Subscription()
	if len(relays) != 2 {
		t.Errorf("Expected baseline and connection relay, got %v", relays)
	}
	if len(filter.Authors) != 0 {
		t.Errorf("Expected no authors while a connection is unused, got %v", filter.Authors)
	}
	waitFor(t, "subscription on connection relay", func() bool { return extra.filterCount() == 1 })
	if authors := authorsOf(t, extra.lastFilter()); authors != nil {
		t.Errorf("Expected no authors clause on the wire, got %v", authors)
	}

	// Once bound, the filter pins the author.
	if err := store.TouchLastUsed(conn.ID, time.Now()); err != nil {
		t.Fatalf("TouchLastUsed failed: %v", err)
	}
	if err := s.Reload(context.Background()); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	waitFor(t, "resubscription", func() bool { return baseline.filterCount() == 3 })
	if authors := authorsOf(t, baseline.lastFilter()); len(authors) != 1 || authors[0] != conn.CounterpartyKey {
		t.Errorf("Expected authors [%s], got %v", conn.CounterpartyKey, authors)
	}

	// Removing the connection takes its relay out of the set.
	if err := s.RemoveConnection(context.Background(), conn.ID); err != nil {
		t.Fatalf("RemoveConnection failed: %v", err)
	}
	relays, filter = s.Subscription()
	if len(relays) != 1 || len(filter.Authors) != 0 {
		t.Errorf("Expected baseline only and no authors, got %v %v", relays, filter.Authors)
	}
	waitFor(t, "connection relay closed", func() bool { return extra.connCount() == 0 })
}

func TestServerConnectionURLAndRename(t *testing.T) {
	relay := newTestRelay(t)
	s, store := setupServer(t, relay.URL())

	url, conn, err := s.CreatePairing(context.Background(), "", "phone")
	if err != nil {
		t.Fatalf("CreatePairing failed: %v", err)
	}
	got, err := s.ConnectionURL(conn.ID)
	if err != nil || got != url {
		t.Errorf("Expected the pairing URL back, got %q, %v", got, err)
	}

	if err := s.RenameConnection(conn.ID, "laptop"); err != nil {
		t.Fatalf("RenameConnection failed: %v", err)
	}
	conns, err := s.ListConnections()
	if err != nil || len(conns) != 1 || conns[0].Name != "laptop" {
		t.Errorf("Expected renamed connection listed, got %+v, %v", conns, err)
	}

	store.TouchLastUsed(conn.ID, time.Now())
	if _, err := s.ConnectionURL(conn.ID); err == nil {
		t.Error("Expected no URL for a used connection")
	}
	if _, err := s.ConnectionURL("missing"); err == nil {
		t.Error("Expected error for an unknown connection")
	}
}

func TestServerReconnectsDroppedRelay(t *testing.T) {
	relay := newTestRelay(t)
	s, _ := setupServer(t, relay.URL())
	s.reconnectInitial = 20 * time.Millisecond

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "subscription", func() bool { return relay.filterCount() == 1 })
	before, _ := json.Marshal(relay.lastFilter())

	relay.dropAll()

	waitFor(t, "resubscription", func() bool { return relay.filterCount() == 2 && s.Ready() })
	after, _ := json.Marshal(relay.lastFilter())
	if string(before) != string(after) {
		t.Errorf("Expected the same filter after reconnect, got %s then %s", before, after)
	}
	if s.State() != StateRunning {
		t.Errorf("Expected still running, got %s", s.State())
	}
}

func TestServerStop(t *testing.T) {
	relay := newTestRelay(t)
	s, _ := setupServer(t, relay.URL())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "connection", func() bool { return relay.connCount() == 1 })

	if err := s.Stop(); err != nil {
		t.Errorf("Stop returned %v", err)
	}
	if s.State() != StateStopped {
		t.Errorf("Expected stopped, got %s", s.State())
	}
	if len(s.ConnectedRelays()) != 0 {
		t.Error("Expected no connected relays after stop")
	}
	waitFor(t, "relay to see close", func() bool { return relay.connCount() == 0 })

	// Stop is idempotent.
	if err := s.Stop(); err != nil {
		t.Errorf("Second stop returned %v", err)
	}
}

func TestServerAnswersRequestEndToEnd(t *testing.T) {
	relay := newTestRelay(t)
	s, _ := setupServer(t, relay.URL())

	_, conn, err := s.CreatePairing(context.Background(), relay.URL(), "cli")
	if err != nil {
		t.Fatalf("CreatePairing failed: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "subscription", func() bool { return relay.filterCount() == 1 })

	clientKey, _ := mustKey(t)
	content, _ := nostr.Encrypt(nostr.SchemeNIP44, clientKey, s.PublicKey(), `{"method":"get_info"}`)
	req := &nostr.Event{
		CreatedAt: time.Now().Unix(),
		Kind:      nostr.KindRequest,
		Tags:      []nostr.Tag{{"p", s.PublicKey()}},
		Content:   content,
	}
	req.Sign(clientKey)

	relay.deliver(req)

	waitFor(t, "response", func() bool {
		relay.mu.Lock()
		defer relay.mu.Unlock()
		for _, ev := range relay.published {
			if ev.Kind == nostr.KindResponse && ev.TagValue("e") == req.ID {
				return true
			}
		}
		return false
	})
	if c, _ := s.store.FindByCounterpartyKey(req.PubKey); c == nil || c.ID != conn.ID {
		t.Error("Expected the pending connection to be bound to the client")
	}
}

func TestRelaySetDedupes(t *testing.T) {
	conns := []storage.Connection{
		{Relay: "wss://b.relay/"},
		{Relay: "wss://a.relay"},
		{Relay: ""},
	}
	got := relaySet([]string{"wss://a.relay", " wss://c.relay "}, conns)
	want := []string{"wss://a.relay", "wss://b.relay", "wss://c.relay"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Expected %v, got %v", want, got)
	}
}
