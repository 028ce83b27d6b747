package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/mesmerverse/nwc-wallet/walletd/ledger"
	"github.com/mesmerverse/nwc-wallet/walletd/nostr"
	"github.com/mesmerverse/nwc-wallet/walletd/storage"
)

const (
	relayConnectTimeout = 15 * time.Second
	maxParallelConnects = 8
	pruneInterval       = 10 * time.Minute

	// Dropped or unreachable relays are redialed with exponential backoff.
	reconnectInitial = time.Second
	reconnectMax     = 5 * time.Minute
)

// State is the server lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// ServerOptions wires a Server.
type ServerOptions struct {
	Config   ServerConfig
	Key      []byte
	Store    ConnectionStore
	Events   EventLog
	Invoices InvoiceAmounts
	Ledger   ledger.Ledger
	Notifier PaymentNotifier
	Metrics  *Metrics
	Dialer   *websocket.Dialer
}

// Server owns the relay pool and the request pipeline.
type Server struct {
	cfg     ServerConfig
	pubkey  string
	store   ConnectionStore
	pool    *nostr.RelayPool
	router  *Router
	log     *RequestLog
	pairing *PairingManager
	metrics *Metrics
	key     []byte

	// lifecycleMu serializes Start, Stop and Reload.
	lifecycleMu sync.Mutex
	state       atomic.Int32

	cancelMu sync.Mutex
	cancel   context.CancelFunc
	loops    sync.WaitGroup

	filterMu sync.RWMutex
	filter   nostr.Filter
	relays   []string

	reconnectInitial time.Duration
}

// LoadOrCreateIdentity returns the persisted server key, generating and
// storing one on first use.
func LoadOrCreateIdentity(store IdentityStore) ([]byte, error) {
	keyHex, err := store.IdentityKey()
	if err == nil {
		key, err := hex.DecodeString(keyHex)
		if err != nil || len(key) != nostr.KeySize {
			return nil, fmt.Errorf("stored identity key is corrupt")
		}
		return key, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to load identity key: %w", err)
	}

	key, err := nostr.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate identity key: %w", err)
	}
	if err := store.SetIdentityKey(hex.EncodeToString(key)); err != nil {
		return nil, fmt.Errorf("failed to store identity key: %w", err)
	}
	log.Info().Msg("Generated new server identity")
	return key, nil
}

// NewServer builds a stopped server.
func NewServer(opts ServerOptions) (*Server, error) {
	pubkey, err := nostr.PublicKey(opts.Key)
	if err != nil {
		return nil, fmt.Errorf("invalid server key: %w", err)
	}

	s := &Server{
		cfg:     opts.Config,
		pubkey:  pubkey,
		store:   opts.Store,
		metrics: opts.Metrics,
		key:     opts.Key,
		log:     NewRequestLog(opts.Events, opts.Config.requestLogHorizon()),
		pairing: NewPairingManager(opts.Store, opts.Config.PairingRelay, opts.Config.Permissions),

		reconnectInitial: reconnectInitial,
	}

	s.pool = nostr.NewRelayPool(func(relayURL string, ev *nostr.Event) {
		s.router.HandleEvent(relayURL, ev)
	}, nostr.PoolOptions{
		Dialer:         opts.Dialer,
		PublishTimeout: opts.Config.publishTimeout(),
		OnStateChange: func(relayURL string, connected bool) {
			s.metrics.setRelays(len(s.pool.Connected()))
			if !connected && s.State() == StateRunning {
				log.Warn().Str("relay", relayURL).Msg("Relay connection lost")
			}
		},
	})

	info := ServerInfo{Alias: opts.Config.Name, Color: opts.Config.Color, Pubkey: pubkey}
	handlers := NewHandlers(opts.Ledger, opts.Invoices, info, opts.Notifier, opts.Metrics)
	s.router = NewRouter(RouterOptions{
		Key:       opts.Key,
		ServerPub: pubkey,
		Store:     opts.Store,
		Handlers:  handlers,
		Log:       s.log,
		Publisher: NewResponsePublisher(s.pool, opts.Key, opts.Config.publishTimeout()),
		RateLimit: opts.Config.RateLimit,
		Metrics:   opts.Metrics,
	})

	s.metrics.setState(StateStopped)
	return s, nil
}

// PublicKey returns the server identity.
func (s *Server) PublicKey() string {
	return s.pubkey
}

// State returns the current lifecycle state.
func (s *Server) State() State {
	return State(s.state.Load())
}

func (s *Server) setState(st State) {
	s.state.Store(int32(st))
	s.metrics.setState(st)
	log.Debug().Str("state", st.String()).Msg("Server state changed")
}

// Ready reports whether the server is running with at least one relay.
func (s *Server) Ready() bool {
	return s.State() == StateRunning && len(s.pool.Connected()) > 0
}

// ConnectedRelays lists relays with a live connection.
func (s *Server) ConnectedRelays() []string {
	return s.pool.Connected()
}

// Subscription returns the relay set and filter computed by the last start.
func (s *Server) Subscription() ([]string, nostr.Filter) {
	s.filterMu.RLock()
	defer s.filterMu.RUnlock()
	return append([]string(nil), s.relays...), s.filter
}

// Start connects to every relay and announces the server. Relay failures
// are logged, not returned: the server runs with whatever relays answered.
func (s *Server) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	return s.startLocked(ctx)
}

// Stop closes every relay. In-flight connects are cancelled; in-flight
// requests are left to finish.
func (s *Server) Stop() error {
	s.cancelInFlight()
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	return s.stopLocked()
}

// Reload restarts the server so the relay set and subscription filter
// reflect the current connections.
func (s *Server) Reload(ctx context.Context) error {
	s.cancelInFlight()
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	log.Info().Msg("Reloading server")
	if err := s.stopLocked(); err != nil {
		log.Warn().Err(err).Msg("Errors while stopping for reload")
	}
	return s.startLocked(ctx)
}

func (s *Server) cancelInFlight() {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Server) startLocked(ctx context.Context) error {
	if s.State() == StateRunning {
		return nil
	}
	s.setState(StateStarting)

	conns, err := s.store.ListConnections()
	if err != nil {
		s.setState(StateStopped)
		return fmt.Errorf("failed to load connections: %w", err)
	}

	relays := relaySet(s.cfg.Relays, conns)
	filter := s.requestFilter(conns, time.Now())
	s.filterMu.Lock()
	s.relays = relays
	s.filter = filter
	s.filterMu.Unlock()

	// runCtx lives until stop; connects are also bounded by the caller.
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancelMu.Lock()
	s.cancel = cancel
	s.cancelMu.Unlock()

	connectCtx, cancelConnect := context.WithCancel(runCtx)
	stopAfter := context.AfterFunc(ctx, cancelConnect)

	g := new(errgroup.Group)
	g.SetLimit(maxParallelConnects)
	for _, url := range relays {
		g.Go(func() error {
			cctx, done := context.WithTimeout(connectCtx, relayConnectTimeout)
			defer done()
			if err := s.pool.Connect(cctx, url, filter); err != nil {
				log.Warn().Err(err).Str("relay", url).Msg("Failed to connect to relay")
			}
			return nil
		})
	}
	g.Wait()
	stopAfter()
	cancelConnect()

	s.setState(StateRunning)
	connected := s.pool.Connected()
	s.metrics.setRelays(len(connected))
	log.Info().
		Int("relays", len(connected)).
		Int("configured", len(relays)).
		Int("connections", len(conns)).
		Str("pubkey", s.pubkey).
		Msg("Server running")

	s.announce(connected)

	s.loops.Add(2)
	go s.pruneLoop(runCtx)
	go s.reconnectLoop(runCtx)
	return nil
}

func (s *Server) stopLocked() error {
	if s.State() == StateStopped {
		return nil
	}
	s.setState(StateStopping)

	s.cancelMu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.cancelMu.Unlock()
	s.loops.Wait()

	err := s.pool.CloseAll()
	s.setState(StateStopped)
	s.metrics.setRelays(0)
	log.Info().Msg("Server stopped")
	return err
}

// requestFilter selects requests addressed to us. Authors are pinned only
// when every connection is bound to a known key.
func (s *Server) requestFilter(conns []storage.Connection, now time.Time) nostr.Filter {
	f := nostr.Filter{
		Kinds: []int{nostr.KindRequest},
		Tags:  map[string][]string{"p": {s.pubkey}},
	}
	if lb := s.cfg.lookback(); lb > 0 {
		f.Since = now.Add(-lb).Unix()
	}

	authors := make([]string, 0, len(conns))
	for _, c := range conns {
		if c.Unused() {
			return f
		}
		authors = append(authors, c.CounterpartyKey)
	}
	if len(authors) > 0 {
		sort.Strings(authors)
		f.Authors = authors
	}
	return f
}

// relaySet is the baseline relays plus every connection's relay.
func relaySet(baseline []string, conns []storage.Connection) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(u string) {
		u = nostr.NormalizeURL(u)
		if u == "" {
			return
		}
		if _, ok := seen[u]; ok {
			return
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	for _, u := range baseline {
		add(u)
	}
	for _, c := range conns {
		add(c.Relay)
	}
	sort.Strings(out)
	return out
}

type announcementContent struct {
	Methods       []string `json:"methods"`
	Notifications []string `json:"notifications"`
}

// buildAnnouncement signs the capability event listing relays.
func (s *Server) buildAnnouncement(relays []string) (*nostr.Event, error) {
	content, err := json.Marshal(announcementContent{
		Methods:       SupportedMethods,
		Notifications: []string{},
	})
	if err != nil {
		return nil, err
	}

	tags := make([]nostr.Tag, 0, len(relays)+1)
	for _, r := range relays {
		tags = append(tags, nostr.Tag{"relay", r})
	}
	schemes := make([]string, 0, len(nostr.SupportedSchemes))
	for _, sc := range nostr.SupportedSchemes {
		schemes = append(schemes, string(sc))
	}
	tags = append(tags, nostr.Tag{"encryption", strings.Join(schemes, " ")})

	ev := &nostr.Event{
		CreatedAt: time.Now().Unix(),
		Kind:      nostr.KindInfo,
		Tags:      tags,
		Content:   string(content),
	}
	if err := ev.Sign(s.key); err != nil {
		return nil, err
	}
	return ev, nil
}

// announce publishes the capability event on every connected relay.
// Failures are logged.
func (s *Server) announce(relays []string) {
	ev, err := s.buildAnnouncement(relays)
	if err != nil {
		log.Error().Err(err).Msg("Failed to build announcement")
		return
	}
	if len(relays) == 0 {
		log.Warn().Msg("No relays connected, announcement not delivered")
		return
	}

	var published atomic.Int32
	var wg sync.WaitGroup
	for _, url := range relays {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.publishTimeout()+time.Second)
			defer cancel()
			if err := s.pool.Publish(ctx, url, ev); err != nil {
				log.Warn().Err(err).Str("relay", url).Msg("Failed to publish announcement")
				return
			}
			published.Add(1)
		}()
	}
	wg.Wait()
	log.Info().Int32("relays", published.Load()).Msg("Capabilities announced")
}

func (s *Server) pruneLoop(ctx context.Context) {
	defer s.loops.Done()

	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := s.log.Prune(now)
			if err != nil {
				log.Warn().Err(err).Msg("Failed to prune request log")
				continue
			}
			if n > 0 {
				log.Debug().Int64("pruned", n).Msg("Pruned request log")
			}
		}
	}
}

// reconnectLoop redials every relay of the current subscription that has no
// live connection, with the filter of the last start. Each relay backs off
// on its own.
func (s *Server) reconnectLoop(ctx context.Context) {
	defer s.loops.Done()

	ticker := time.NewTicker(s.reconnectInitial)
	defer ticker.Stop()

	backoffs := make(map[string]*backoff.ExponentialBackOff)
	due := make(map[string]time.Time)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		relays, filter := s.Subscription()
		for _, url := range relays {
			if s.pool.IsConnected(url) {
				delete(backoffs, url)
				delete(due, url)
				continue
			}

			b := backoffs[url]
			if b == nil {
				b = s.newRelayBackoff()
				backoffs[url] = b
				due[url] = time.Now().Add(b.NextBackOff())
				continue
			}
			if time.Now().Before(due[url]) {
				continue
			}

			cctx, done := context.WithTimeout(ctx, relayConnectTimeout)
			err := s.pool.Connect(cctx, url, filter)
			done()
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				wait := b.NextBackOff()
				due[url] = time.Now().Add(wait)
				log.Warn().Err(err).Str("relay", url).Dur("retry_in", wait).Msg("Relay reconnect failed")
				continue
			}
			log.Info().Str("relay", url).Msg("Relay reconnected")
			delete(backoffs, url)
			delete(due, url)
		}
	}
}

func (s *Server) newRelayBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.reconnectInitial
	b.MaxInterval = reconnectMax
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// ===============================
// Connection management
// ===============================

// CreatePairing adds an unused connection and restarts so the new relay
// and the widened filter take effect.
func (s *Server) CreatePairing(ctx context.Context, relay, name string) (string, *storage.Connection, error) {
	url, conn, err := s.pairing.CreatePairingAndConnection(s.pubkey, relay, name)
	if err != nil {
		return "", nil, err
	}
	if s.State() != StateStopped {
		if err := s.Reload(ctx); err != nil {
			return url, conn, fmt.Errorf("pairing created but reload failed: %w", err)
		}
	}
	return url, conn, nil
}

// PairingURL rebuilds the URL of an existing unused connection.
func (s *Server) PairingURL(conn *storage.Connection) string {
	return s.pairing.ReconstructPairingURL(s.pubkey, conn)
}

// ConnectionURL returns the pairing URL of connection id. Once a connection
// has been used its secret is gone and there is no URL to give out.
func (s *Server) ConnectionURL(id string) (string, error) {
	conn, err := s.store.GetConnection(id)
	if err != nil {
		return "", err
	}
	if !conn.Unused() {
		return "", fmt.Errorf("connection %s is already paired", conn.ID)
	}
	return s.PairingURL(conn), nil
}

// ListConnections returns every stored connection.
func (s *Server) ListConnections() ([]storage.Connection, error) {
	return s.store.ListConnections()
}

// RenameConnection changes a connection's display name. The subscription
// does not depend on names, so no reload is needed.
func (s *Server) RenameConnection(id, name string) error {
	return s.store.RenameConnection(id, name)
}

// RemoveConnection deletes a connection by id or counterparty key and
// restarts so its relay and key leave the subscription.
func (s *Server) RemoveConnection(ctx context.Context, idOrKey string) error {
	if err := s.store.RemoveConnection(idOrKey); err != nil {
		return err
	}
	log.Info().Str("connection", idOrKey).Msg("Connection removed")
	if s.State() != StateStopped {
		return s.Reload(ctx)
	}
	return nil
}
