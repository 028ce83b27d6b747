package nostr

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// Event kinds used by the wallet-connect protocol.
const (
	KindInfo     = 13194
	KindRequest  = 23194
	KindResponse = 23195
)

var ErrInvalidEvent = errors.New("invalid event")

// Tag is a single event tag, e.g. ["p", "<pubkey>"].
type Tag []string

// Event is a signed relay event.
type Event struct {
	ID        string `json:"id"`
	PubKey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      int    `json:"kind"`
	Tags      []Tag  `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig"`
}

// TagValue returns the first value of the first tag named name.
func (e *Event) TagValue(name string) string {
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}

// CreatedTime returns CreatedAt as a time.Time.
func (e *Event) CreatedTime() time.Time {
	return time.Unix(e.CreatedAt, 0)
}

// serialize produces the canonical [0,pubkey,created_at,kind,tags,content]
// array the event id is the hash of.
func (e *Event) serialize() ([]byte, error) {
	tags := e.Tags
	if tags == nil {
		tags = []Tag{}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode([]any{0, e.PubKey, e.CreatedAt, e.Kind, tags, e.Content}); err != nil {
		return nil, fmt.Errorf("failed to serialize event: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func (e *Event) hash() ([]byte, error) {
	serialized, err := e.serialize()
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(serialized)
	return sum[:], nil
}

// Sign sets PubKey, ID and Sig from priv.
func (e *Event) Sign(priv []byte) error {
	if len(priv) != KeySize {
		return fmt.Errorf("%w: private key must be %d bytes", ErrInvalidKey, KeySize)
	}
	sk, _ := btcec.PrivKeyFromBytes(priv)
	e.PubKey = hex.EncodeToString(schnorr.SerializePubKey(sk.PubKey()))
	if e.Tags == nil {
		e.Tags = []Tag{}
	}

	id, err := e.hash()
	if err != nil {
		return err
	}
	sig, err := schnorr.Sign(sk, id)
	if err != nil {
		return fmt.Errorf("failed to sign event: %w", err)
	}

	e.ID = hex.EncodeToString(id)
	e.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// Verify checks that ID is the hash of the event and Sig is a valid
// signature by PubKey over it.
func (e *Event) Verify() error {
	id, err := e.hash()
	if err != nil {
		return err
	}
	if hex.EncodeToString(id) != e.ID {
		return fmt.Errorf("%w: id mismatch", ErrInvalidEvent)
	}

	sigBytes, err := hex.DecodeString(e.Sig)
	if err != nil {
		return fmt.Errorf("%w: signature is not hex", ErrInvalidEvent)
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	pk, err := ParsePublicKey(e.PubKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if !sig.Verify(id, pk) {
		return fmt.Errorf("%w: bad signature", ErrInvalidEvent)
	}
	return nil
}

// Filter selects events on a relay subscription.
type Filter struct {
	Kinds   []int
	Authors []string
	Tags    map[string][]string // keyed without the '#', e.g. "p"
	Since   int64
}

// MarshalJSON renders tag constraints as "#<name>" keys.
func (f Filter) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, 4+len(f.Tags))
	if len(f.Kinds) > 0 {
		m["kinds"] = f.Kinds
	}
	if len(f.Authors) > 0 {
		m["authors"] = f.Authors
	}
	for name, values := range f.Tags {
		m["#"+name] = values
	}
	if f.Since > 0 {
		m["since"] = f.Since
	}
	return json.Marshal(m)
}
