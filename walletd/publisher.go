package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/nwc-wallet/walletd/nostr"
	"github.com/mesmerverse/nwc-wallet/walletd/storage"
)

// RelayPublisher is the part of the relay pool responses go through.
type RelayPublisher interface {
	Publish(ctx context.Context, relayURL string, ev *nostr.Event) error
	IsConnected(relayURL string) bool
}

// ResponsePublisher encrypts responses and sends them back on the relay
// the request arrived on.
type ResponsePublisher struct {
	pool    RelayPublisher
	key     []byte
	timeout time.Duration
}

// NewResponsePublisher signs and encrypts with key.
func NewResponsePublisher(pool RelayPublisher, key []byte, timeout time.Duration) *ResponsePublisher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ResponsePublisher{pool: pool, key: key, timeout: timeout}
}

// Build encrypts resp for conn with scheme and signs the response event
// that answers request.
func (p *ResponsePublisher) Build(conn *storage.Connection, request *nostr.Event, scheme nostr.Scheme, resp *Response) (*nostr.Event, error) {
	payload, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to encode response: %w", err)
	}
	content, err := nostr.Encrypt(scheme, p.key, conn.CounterpartyKey, string(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt response: %w", err)
	}

	ev := &nostr.Event{
		CreatedAt: time.Now().Unix(),
		Kind:      nostr.KindResponse,
		Tags: []nostr.Tag{
			{"p", conn.CounterpartyKey},
			{"e", request.ID},
		},
		Content: content,
	}
	if err := ev.Sign(p.key); err != nil {
		return nil, err
	}
	return ev, nil
}

// Publish sends ev to relayURL. A relay that is no longer connected means
// the response is dropped: the client listens for it on that relay only.
func (p *ResponsePublisher) Publish(relayURL string, ev *nostr.Event) {
	if !p.pool.IsConnected(relayURL) {
		log.Warn().
			Str("relay", relayURL).
			Str("event_id", shortEventID(ev.ID)).
			Msg("Relay disconnected, dropping response")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	if err := p.pool.Publish(ctx, relayURL, ev); err != nil {
		log.Warn().Err(err).
			Str("relay", relayURL).
			Str("event_id", shortEventID(ev.ID)).
			Msg("Failed to publish response")
		return
	}
	log.Debug().
		Str("relay", relayURL).
		Str("event_id", shortEventID(ev.ID)).
		Msg("Response published")
}
