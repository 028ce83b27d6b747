package nostr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	defaultPublishTimeout = 10 * time.Second
	writeTimeout          = 10 * time.Second
	pingInterval          = 30 * time.Second
	pongTimeout           = 60 * time.Second
	readTimeout           = 90 * time.Second
	eventBufferSize       = 256
)

var ErrNotConnected = errors.New("relay not connected")

// PublishError is returned when a relay refuses an event or the write fails.
type PublishError struct {
	Relay   string
	EventID string
	Reason  string
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("relay %s rejected event %s: %s", e.Relay, shortID(e.EventID), e.Reason)
}

// EventHandler receives every event matching a pool subscription. Events
// from one relay are delivered in order on that relay's goroutine; events
// from different relays are delivered concurrently.
type EventHandler func(relayURL string, ev *Event)

// PoolOptions configures a RelayPool.
type PoolOptions struct {
	Dialer         *websocket.Dialer
	PublishTimeout time.Duration
	// OnStateChange is called after a relay connects or goes away.
	OnStateChange func(relayURL string, connected bool)
}

// RelayPool owns one websocket connection per relay URL.
type RelayPool struct {
	handler EventHandler
	opts    PoolOptions

	mu     sync.RWMutex
	relays map[string]*relayConn
}

type okResult struct {
	accepted bool
	reason   string
}

type relayConn struct {
	pool  *RelayPool
	url   string
	conn  *websocket.Conn
	subID string

	writeMu sync.Mutex

	mu         sync.Mutex
	closed     bool
	lastPong   time.Time
	okHandlers map[string]chan okResult

	events chan *Event
	done   chan struct{}
}

// NewRelayPool creates an empty pool delivering events to handler.
func NewRelayPool(handler EventHandler, opts PoolOptions) *RelayPool {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = defaultPublishTimeout
	}
	return &RelayPool{
		handler: handler,
		opts:    opts,
		relays:  make(map[string]*relayConn),
	}
}

// NormalizeURL trims whitespace and a trailing slash so one relay maps to one key.
func NormalizeURL(relayURL string) string {
	return strings.TrimSuffix(strings.TrimSpace(relayURL), "/")
}

// Connect dials relayURL and subscribes with filter. Connecting to a relay
// that is already connected is a no-op.
func (p *RelayPool) Connect(ctx context.Context, relayURL string, filter Filter) error {
	relayURL = NormalizeURL(relayURL)
	if !strings.HasPrefix(relayURL, "ws://") && !strings.HasPrefix(relayURL, "wss://") {
		return fmt.Errorf("invalid relay URL %q: must start with ws:// or wss://", relayURL)
	}
	if p.IsConnected(relayURL) {
		return nil
	}

	log.Debug().Str("relay", relayURL).Msg("Connecting to relay")
	conn, _, err := p.opts.Dialer.DialContext(ctx, relayURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to relay %s: %w", relayURL, err)
	}

	rc := &relayConn{
		pool:       p,
		url:        relayURL,
		conn:       conn,
		subID:      "walletd-" + uuid.NewString()[:8],
		lastPong:   time.Now(),
		okHandlers: make(map[string]chan okResult),
		events:     make(chan *Event, eventBufferSize),
		done:       make(chan struct{}),
	}
	conn.SetPongHandler(func(string) error {
		rc.mu.Lock()
		rc.lastPong = time.Now()
		rc.mu.Unlock()
		return nil
	})

	p.mu.Lock()
	if existing := p.relays[relayURL]; existing != nil && !existing.isClosed() {
		p.mu.Unlock()
		conn.Close()
		return nil
	}
	p.relays[relayURL] = rc
	p.mu.Unlock()

	if err := rc.writeJSON([]any{"REQ", rc.subID, filter}); err != nil {
		p.remove(rc)
		rc.close()
		return fmt.Errorf("failed to subscribe on relay %s: %w", relayURL, err)
	}

	go rc.readLoop()
	go rc.dispatchLoop()
	go rc.pingLoop()

	log.Info().Str("relay", relayURL).Str("sub_id", rc.subID).Msg("Subscribed to relay")
	if p.opts.OnStateChange != nil {
		p.opts.OnStateChange(relayURL, true)
	}
	return nil
}

// Publish sends ev to relayURL and waits for the relay's OK.
func (p *RelayPool) Publish(ctx context.Context, relayURL string, ev *Event) error {
	relayURL = NormalizeURL(relayURL)

	p.mu.RLock()
	rc := p.relays[relayURL]
	p.mu.RUnlock()
	if rc == nil || rc.isClosed() {
		return fmt.Errorf("%w: %s", ErrNotConnected, relayURL)
	}

	okCh := make(chan okResult, 1)
	rc.mu.Lock()
	rc.okHandlers[ev.ID] = okCh
	rc.mu.Unlock()
	defer func() {
		rc.mu.Lock()
		delete(rc.okHandlers, ev.ID)
		rc.mu.Unlock()
	}()

	if err := rc.writeJSON([]any{"EVENT", ev}); err != nil {
		return &PublishError{Relay: relayURL, EventID: ev.ID, Reason: err.Error()}
	}

	timer := time.NewTimer(p.opts.PublishTimeout)
	defer timer.Stop()

	select {
	case res := <-okCh:
		if !res.accepted {
			return &PublishError{Relay: relayURL, EventID: ev.ID, Reason: res.reason}
		}
		return nil
	case <-timer.C:
		return &PublishError{Relay: relayURL, EventID: ev.ID, Reason: "timed out waiting for OK"}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsConnected reports whether relayURL has a live connection.
func (p *RelayPool) IsConnected(relayURL string) bool {
	p.mu.RLock()
	rc := p.relays[NormalizeURL(relayURL)]
	p.mu.RUnlock()
	return rc != nil && !rc.isClosed()
}

// Connected returns the URLs of all live connections, sorted.
func (p *RelayPool) Connected() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	urls := make([]string, 0, len(p.relays))
	for url, rc := range p.relays {
		if !rc.isClosed() {
			urls = append(urls, url)
		}
	}
	sort.Strings(urls)
	return urls
}

// CloseAll closes every connection. A failure to close one relay is logged
// and does not stop the others from being closed.
func (p *RelayPool) CloseAll() error {
	p.mu.Lock()
	relays := p.relays
	p.relays = make(map[string]*relayConn)
	p.mu.Unlock()

	var errs []error
	for url, rc := range relays {
		if err := rc.close(); err != nil {
			log.Warn().Err(err).Str("relay", url).Msg("Failed to close relay connection")
			errs = append(errs, fmt.Errorf("relay %s: %w", url, err))
			continue
		}
		log.Debug().Str("relay", url).Msg("Relay connection closed")
	}
	return errors.Join(errs...)
}

func (p *RelayPool) remove(rc *relayConn) {
	p.mu.Lock()
	if p.relays[rc.url] == rc {
		delete(p.relays, rc.url)
	}
	p.mu.Unlock()
}

func (rc *relayConn) isClosed() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.closed
}

func (rc *relayConn) writeJSON(v any) error {
	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()
	rc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := rc.conn.WriteJSON(v)
	rc.conn.SetWriteDeadline(time.Time{})
	return err
}

// close tears down the connection once; later calls return nil.
func (rc *relayConn) close() error {
	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return nil
	}
	rc.closed = true
	for id, ch := range rc.okHandlers {
		select {
		case ch <- okResult{accepted: false, reason: "connection closed"}:
		default:
		}
		delete(rc.okHandlers, id)
	}
	rc.mu.Unlock()
	close(rc.done)

	// Best effort: the relay may already be gone.
	rc.writeJSON([]any{"CLOSE", rc.subID})
	rc.writeMu.Lock()
	rc.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	rc.writeMu.Unlock()

	if err := rc.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (rc *relayConn) readLoop() {
	defer func() {
		rc.pool.remove(rc)
		wasOpen := !rc.isClosed()
		rc.close()
		if wasOpen && rc.pool.opts.OnStateChange != nil {
			rc.pool.opts.OnStateChange(rc.url, false)
		}
	}()

	for {
		rc.conn.SetReadDeadline(time.Now().Add(readTimeout))
		var msg []json.RawMessage
		if err := rc.conn.ReadJSON(&msg); err != nil {
			if !rc.isClosed() {
				log.Warn().Err(err).Str("relay", rc.url).Msg("Relay read failed")
			}
			return
		}
		if len(msg) < 2 {
			continue
		}

		var msgType string
		if err := json.Unmarshal(msg[0], &msgType); err != nil {
			continue
		}

		switch msgType {
		case "EVENT":
			rc.handleEvent(msg)
		case "OK":
			rc.handleOK(msg)
		case "EOSE":
			log.Debug().Str("relay", rc.url).Msg("Relay end of stored events")
		case "NOTICE":
			var notice string
			json.Unmarshal(msg[1], &notice)
			log.Info().Str("relay", rc.url).Str("notice", notice).Msg("Relay notice")
		case "CLOSED":
			var reason string
			if len(msg) >= 3 {
				json.Unmarshal(msg[2], &reason)
			}
			log.Warn().Str("relay", rc.url).Str("reason", reason).Msg("Relay closed subscription")
		default:
			log.Debug().Str("relay", rc.url).Str("type", msgType).Msg("Ignoring relay message")
		}
	}
}

func (rc *relayConn) handleEvent(msg []json.RawMessage) {
	if len(msg) < 3 {
		return
	}
	var subID string
	if err := json.Unmarshal(msg[1], &subID); err != nil || subID != rc.subID {
		return
	}
	var ev Event
	if err := json.Unmarshal(msg[2], &ev); err != nil {
		log.Debug().Err(err).Str("relay", rc.url).Msg("Malformed event from relay")
		return
	}

	select {
	case rc.events <- &ev:
	case <-rc.done:
	default:
		log.Warn().Str("relay", rc.url).Str("event_id", shortID(ev.ID)).Msg("Event buffer full, dropping event")
	}
}

func (rc *relayConn) handleOK(msg []json.RawMessage) {
	if len(msg) < 3 {
		return
	}
	var eventID string
	var res okResult
	json.Unmarshal(msg[1], &eventID)
	json.Unmarshal(msg[2], &res.accepted)
	if len(msg) >= 4 {
		json.Unmarshal(msg[3], &res.reason)
	}

	rc.mu.Lock()
	ch := rc.okHandlers[eventID]
	rc.mu.Unlock()
	if ch != nil {
		select {
		case ch <- res:
		default:
		}
	}
}

func (rc *relayConn) dispatchLoop() {
	for {
		select {
		case <-rc.done:
			return
		case ev := <-rc.events:
			if rc.pool.handler != nil {
				rc.pool.handler(rc.url, ev)
			}
		}
	}
}

func (rc *relayConn) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rc.done:
			return
		case <-ticker.C:
		}

		rc.mu.Lock()
		lastPong := rc.lastPong
		rc.mu.Unlock()
		if time.Since(lastPong) > pongTimeout {
			log.Warn().Str("relay", rc.url).Msg("Relay connection dead (no pong)")
			rc.conn.Close()
			return
		}

		rc.writeMu.Lock()
		err := rc.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
		rc.writeMu.Unlock()
		if err != nil {
			log.Debug().Err(err).Str("relay", rc.url).Msg("Relay ping failed")
			rc.conn.Close()
			return
		}
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
