// Package nostr implements the relay-protocol primitives walletd speaks:
// secp256k1 identities, signed events, request filters, the two content
// encryption schemes, and a pool of websocket relay connections.
package nostr

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// KeySize is the length of a private key and of an x-only public key.
const KeySize = 32

var ErrInvalidKey = errors.New("invalid key")

// GeneratePrivateKey returns a fresh secp256k1 private key.
func GeneratePrivateKey() ([]byte, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	return priv.Serialize(), nil
}

// RandomBytes reads n bytes from the system CSPRNG.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return b, nil
}

// PublicKey returns the hex x-only public key for priv.
func PublicKey(priv []byte) (string, error) {
	if len(priv) != KeySize {
		return "", fmt.Errorf("%w: private key must be %d bytes", ErrInvalidKey, KeySize)
	}
	sk, _ := btcec.PrivKeyFromBytes(priv)
	return hex.EncodeToString(schnorr.SerializePubKey(sk.PubKey())), nil
}

// ParsePublicKey decodes a hex x-only public key.
func ParsePublicKey(pubHex string) (*btcec.PublicKey, error) {
	if len(pubHex) != 2*KeySize {
		return nil, fmt.Errorf("%w: public key must be %d hex characters", ErrInvalidKey, 2*KeySize)
	}
	raw, err := hex.DecodeString(pubHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	pk, err := schnorr.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return pk, nil
}

// IsPublicKey reports whether s is a well-formed x-only public key.
func IsPublicKey(s string) bool {
	_, err := ParsePublicKey(s)
	return err == nil
}

// sharedX computes the ECDH x-coordinate between priv and the peer's public key.
// Both encryption schemes start from this value.
func sharedX(priv []byte, peerPub string) ([]byte, error) {
	if len(priv) != KeySize {
		return nil, fmt.Errorf("%w: private key must be %d bytes", ErrInvalidKey, KeySize)
	}
	pk, err := ParsePublicKey(peerPub)
	if err != nil {
		return nil, err
	}
	sk, _ := btcec.PrivKeyFromBytes(priv)
	return btcec.GenerateSharedSecret(sk, pk), nil
}
