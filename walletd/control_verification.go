package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"
)

// Control commands must be Ed25519 signed by the operator key, so holding
// NATS credentials alone is not enough to pair or remove connections.

const (
	// maxControlCommandAge bounds how long a signed command stays usable.
	maxControlCommandAge = 5 * time.Minute

	// maxControlClockSkew allows commands issued slightly in our future.
	maxControlClockSkew = time.Minute

	// Command ids are remembered for longer than any command stays valid.
	commandIDRetention = 2 * maxControlCommandAge
	maxCommandIDs      = 10000
)

var (
	ErrControlMalformed = errors.New("malformed control command")
	ErrControlSignature = errors.New("invalid control command signature")
	ErrControlExpired   = errors.New("control command has expired")
	ErrControlFuture    = errors.New("control command issued in the future")
	ErrControlReplay    = errors.New("control command already executed")
	ErrControlAction    = errors.New("control command does not match subject")
)

// SignedControlCommand is a control request plus the operator's signature
// over every other field.
type SignedControlCommand struct {
	CommandID string         `json:"command_id"`
	Command   string         `json:"command"`
	Params    ControlRequest `json:"params"`
	IssuedAt  string         `json:"issued_at"`
	ExpiresAt string         `json:"expires_at"`
	Signature string         `json:"signature,omitempty"`
}

// signingPayload is the command's canonical JSON without the signature.
func (c *SignedControlCommand) signingPayload() ([]byte, error) {
	unsigned := *c
	unsigned.Signature = ""
	return json.Marshal(unsigned)
}

// SignControlCommand builds a command for action valid from now.
func SignControlCommand(key ed25519.PrivateKey, action string, params ControlRequest, now time.Time) (*SignedControlCommand, error) {
	cmd := &SignedControlCommand{
		CommandID: uuid.NewString(),
		Command:   action,
		Params:    params,
		IssuedAt:  now.UTC().Format(time.RFC3339),
		ExpiresAt: now.Add(maxControlCommandAge).UTC().Format(time.RFC3339),
	}
	payload, err := cmd.signingPayload()
	if err != nil {
		return nil, fmt.Errorf("failed to encode control command: %w", err)
	}
	cmd.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(key, payload))
	return cmd, nil
}

// ControlVerifier checks signatures, validity windows and command ids.
type ControlVerifier struct {
	publicKey ed25519.PublicKey

	// mu makes the seen check and insert one step.
	mu   sync.Mutex
	seen *expirable.LRU[string, time.Time]

	now func() time.Time
}

// NewControlVerifier accepts commands signed by publicKey.
func NewControlVerifier(publicKey ed25519.PublicKey) *ControlVerifier {
	return &ControlVerifier{
		publicKey: publicKey,
		seen:      expirable.NewLRU[string, time.Time](maxCommandIDs, nil, commandIDRetention),
		now:       time.Now,
	}
}

// Verify parses data as a signed command for action and accepts it once.
func (v *ControlVerifier) Verify(action string, data []byte) (*SignedControlCommand, error) {
	var cmd SignedControlCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrControlMalformed, err)
	}
	if cmd.CommandID == "" || cmd.Command == "" || cmd.Signature == "" {
		return nil, fmt.Errorf("%w: command_id, command and signature are required", ErrControlMalformed)
	}
	if cmd.Command != action {
		return nil, fmt.Errorf("%w: signed for %q", ErrControlAction, cmd.Command)
	}

	issuedAt, err := time.Parse(time.RFC3339, cmd.IssuedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: issued_at: %v", ErrControlMalformed, err)
	}
	expiresAt, err := time.Parse(time.RFC3339, cmd.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("%w: expires_at: %v", ErrControlMalformed, err)
	}

	signature, err := base64.StdEncoding.DecodeString(cmd.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrControlSignature, err)
	}
	payload, err := cmd.signingPayload()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrControlMalformed, err)
	}
	if !ed25519.Verify(v.publicKey, payload, signature) {
		log.Warn().
			Str("command_id", cmd.CommandID).
			Str("command", cmd.Command).
			Msg("Rejected control command with a bad signature")
		return nil, ErrControlSignature
	}

	now := v.now()
	age := now.Sub(issuedAt)
	if expiresAt.Before(now) || age > maxControlCommandAge {
		return nil, ErrControlExpired
	}
	if age < -maxControlClockSkew {
		return nil, ErrControlFuture
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.seen.Contains(cmd.CommandID) {
		log.Warn().Str("command_id", cmd.CommandID).Msg("Rejected replayed control command")
		return nil, ErrControlReplay
	}
	v.seen.Add(cmd.CommandID, issuedAt)

	log.Info().
		Str("command_id", cmd.CommandID).
		Str("command", cmd.Command).
		Msg("Control command verified")
	return &cmd, nil
}

// ParseControlPublicKey decodes a base64 Ed25519 public key, raw or in
// SPKI DER form.
func ParseControlPublicKey(s string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("failed to decode control public key: %w", err)
	}
	// SPKI for Ed25519 is a 12 byte header followed by the key.
	if len(raw) == 44 {
		raw = raw[12:]
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("control public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// LoadControlKey reads a base64 Ed25519 seed or private key from path.
func LoadControlKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read control key: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to decode control key: %w", err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	default:
		return nil, fmt.Errorf("control key must be a %d byte seed or %d byte private key", ed25519.SeedSize, ed25519.PrivateKeySize)
	}
}

// GenerateControlKey writes a new private key to path and returns the
// base64 public key to configure on the server.
func GenerateControlKey(path string) (string, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("failed to generate control key: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return "", fmt.Errorf("failed to create control key file: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(base64.StdEncoding.EncodeToString(priv.Seed()) + "\n"); err != nil {
		return "", fmt.Errorf("failed to write control key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(pub), nil
}
