package main

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/nwc-wallet/walletd/nostr"
	"github.com/mesmerverse/nwc-wallet/walletd/storage"
)

const pairingScheme = "nostr+walletconnect://"

var ErrMalformedURL = errors.New("malformed pairing URL")

// PairingInfo is the content of a pairing URL.
type PairingInfo struct {
	ServerKey string
	Relay     string
	Secret    string
}

// GenerateSecret returns 32 random bytes, hex encoded.
func GenerateSecret() (string, error) {
	b, err := nostr.RandomBytes(32)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// DeriveCounterpartyKey returns the identity a client holding secret is
// expected to use: the public key of sha256(secret).
func DeriveCounterpartyKey(secret string) (string, error) {
	raw, err := hex.DecodeString(secret)
	if err != nil {
		return "", fmt.Errorf("secret is not hex: %w", err)
	}
	sum := sha256.Sum256(raw)
	return nostr.PublicKey(sum[:])
}

// directCounterpartyKey is the identity of a client that uses the secret
// itself as its private key.
func directCounterpartyKey(secret string) (string, error) {
	raw, err := hex.DecodeString(secret)
	if err != nil {
		return "", fmt.Errorf("secret is not hex: %w", err)
	}
	return nostr.PublicKey(raw)
}

// secretMatches reports whether sender is a key a holder of secret could present.
func secretMatches(secret, sender string) bool {
	if k, err := DeriveCounterpartyKey(secret); err == nil && k == sender {
		return true
	}
	if k, err := directCounterpartyKey(secret); err == nil && k == sender {
		return true
	}
	return false
}

// BuildPairingURL serializes a pairing URL.
func BuildPairingURL(serverKey, relay, secret string) string {
	q := url.Values{}
	q.Set("relay", relay)
	q.Set("secret", secret)
	return pairingScheme + serverKey + "?" + q.Encode()
}

// ParsePairingURL is the inverse of BuildPairingURL.
func ParsePairingURL(raw string) (*PairingInfo, error) {
	if !strings.HasPrefix(raw, pairingScheme) {
		return nil, fmt.Errorf("%w: must start with %s", ErrMalformedURL, pairingScheme)
	}
	// url.Parse does not accept the custom scheme.
	u, err := url.Parse("https://" + strings.TrimPrefix(raw, pairingScheme))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedURL, err)
	}

	info := &PairingInfo{
		ServerKey: u.Host,
		Relay:     u.Query().Get("relay"),
		Secret:    u.Query().Get("secret"),
	}
	switch {
	case info.ServerKey == "":
		return nil, fmt.Errorf("%w: missing server key", ErrMalformedURL)
	case info.Relay == "":
		return nil, fmt.Errorf("%w: missing relay", ErrMalformedURL)
	case info.Secret == "":
		return nil, fmt.Errorf("%w: missing secret", ErrMalformedURL)
	}
	return info, nil
}

// PairingManager creates connections and the URLs that hand them to clients.
type PairingManager struct {
	store        ConnectionStore
	defaultRelay string
	permissions  []string
}

// NewPairingManager returns a manager granting permissions to new connections.
func NewPairingManager(store ConnectionStore, defaultRelay string, permissions []string) *PairingManager {
	return &PairingManager{
		store:        store,
		defaultRelay: defaultRelay,
		permissions:  permissions,
	}
}

// CreatePairingAndConnection persists a new unused connection and returns
// the URL to show the user. An empty relay uses the default pairing relay.
func (m *PairingManager) CreatePairingAndConnection(serverKey, relay, name string) (string, *storage.Connection, error) {
	if relay == "" {
		relay = m.defaultRelay
	}
	relay = nostr.NormalizeURL(relay)

	secret, err := GenerateSecret()
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate secret: %w", err)
	}
	key, err := DeriveCounterpartyKey(secret)
	if err != nil {
		return "", nil, fmt.Errorf("failed to derive counterparty key: %w", err)
	}
	if name == "" {
		name = "App " + secret[:6]
	}

	conn := &storage.Connection{
		ID:              uuid.NewString(),
		Name:            name,
		Secret:          secret,
		CounterpartyKey: key,
		Relay:           relay,
		Permissions:     append([]string(nil), m.permissions...),
	}
	if err := m.store.AddConnection(conn); err != nil {
		return "", nil, fmt.Errorf("failed to store connection: %w", err)
	}
	if err := m.store.SetPendingSecret(secret); err != nil {
		log.Warn().Err(err).Msg("Failed to record pending secret")
	}

	log.Info().Object("connection", conn).Msg("Pairing created")
	return BuildPairingURL(serverKey, relay, secret), conn, nil
}

// ReconstructPairingURL rebuilds the URL for an existing connection.
func (m *PairingManager) ReconstructPairingURL(serverKey string, conn *storage.Connection) string {
	relay := conn.Relay
	if relay == "" {
		relay = m.defaultRelay
	}
	return BuildPairingURL(serverKey, relay, conn.Secret)
}
