package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func setupVerifier(t *testing.T, now time.Time) (*ControlVerifier, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	v := NewControlVerifier(pub)
	v.now = func() time.Time { return now }
	return v, priv
}

func encodeCommand(t *testing.T, cmd *SignedControlCommand) []byte {
	t.Helper()
	data, err := json.Marshal(cmd)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestControlVerifierWindow(t *testing.T) {
	now := time.Unix(1700000000, 0)
	v, key := setupVerifier(t, now)

	tests := []struct {
		name   string
		issued time.Time
		want   error
	}{
		{"fresh", now, nil},
		{"slightly ahead", now.Add(30 * time.Second), nil},
		{"too old", now.Add(-6 * time.Minute), ErrControlExpired},
		{"far ahead", now.Add(2 * time.Minute), ErrControlFuture},
	}
	for _, tt := range tests {
		cmd, err := SignControlCommand(key, "status", ControlRequest{}, tt.issued)
		if err != nil {
			t.Fatalf("SignControlCommand failed: %v", err)
		}
		_, err = v.Verify("status", encodeCommand(t, cmd))
		if tt.want == nil && err != nil {
			t.Errorf("%s: unexpected error %v", tt.name, err)
		}
		if tt.want != nil && !errors.Is(err, tt.want) {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.want, err)
		}
	}
}

func TestControlVerifierRejectsTampering(t *testing.T) {
	now := time.Now()
	v, key := setupVerifier(t, now)

	cmd, _ := SignControlCommand(key, "remove", ControlRequest{Connection: "conn-1"}, now)
	cmd.Params.Connection = "conn-2"
	if _, err := v.Verify("remove", encodeCommand(t, cmd)); !errors.Is(err, ErrControlSignature) {
		t.Errorf("Expected signature error for altered params, got %v", err)
	}

	cmd, _ = SignControlCommand(key, "remove", ControlRequest{Connection: "conn-1"}, now)
	cmd.ExpiresAt = now.Add(time.Hour).UTC().Format(time.RFC3339)
	if _, err := v.Verify("remove", encodeCommand(t, cmd)); !errors.Is(err, ErrControlSignature) {
		t.Errorf("Expected signature error for extended expiry, got %v", err)
	}

	cmd, _ = SignControlCommand(key, "remove", ControlRequest{Connection: "conn-1"}, now)
	cmd.Signature = "not base64!"
	if _, err := v.Verify("remove", encodeCommand(t, cmd)); !errors.Is(err, ErrControlSignature) {
		t.Errorf("Expected signature error for undecodable signature, got %v", err)
	}
}

func TestControlVerifierReplay(t *testing.T) {
	now := time.Now()
	v, key := setupVerifier(t, now)

	cmd, _ := SignControlCommand(key, "reload", ControlRequest{}, now)
	data := encodeCommand(t, cmd)
	if _, err := v.Verify("reload", data); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if _, err := v.Verify("reload", data); !errors.Is(err, ErrControlReplay) {
		t.Errorf("Expected replay error, got %v", err)
	}

	// A new command for the same action has its own id.
	cmd, _ = SignControlCommand(key, "reload", ControlRequest{}, now)
	if _, err := v.Verify("reload", encodeCommand(t, cmd)); err != nil {
		t.Errorf("Expected second command accepted, got %v", err)
	}
}

func TestParseControlPublicKey(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(rand.Reader)

	raw := base64.StdEncoding.EncodeToString(pub)
	got, err := ParseControlPublicKey(raw)
	if err != nil || !got.Equal(pub) {
		t.Errorf("Expected raw key parsed, got %x, %v", got, err)
	}

	spki := append(make([]byte, 12), pub...)
	got, err = ParseControlPublicKey(base64.StdEncoding.EncodeToString(spki))
	if err != nil || !got.Equal(pub) {
		t.Errorf("Expected SPKI key parsed, got %x, %v", got, err)
	}

	if _, err := ParseControlPublicKey("c2hvcnQ="); err == nil {
		t.Error("Expected short key rejected")
	}
	if _, err := ParseControlPublicKey("***"); err == nil {
		t.Error("Expected bad base64 rejected")
	}
}

func TestGenerateAndLoadControlKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "control.key")

	pubB64, err := GenerateControlKey(path)
	if err != nil {
		t.Fatalf("GenerateControlKey failed: %v", err)
	}
	if _, err := GenerateControlKey(path); err == nil {
		t.Error("Expected existing key file to be left alone")
	}

	key, err := LoadControlKey(path)
	if err != nil {
		t.Fatalf("LoadControlKey failed: %v", err)
	}
	pub, err := ParseControlPublicKey(pubB64)
	if err != nil {
		t.Fatalf("ParseControlPublicKey failed: %v", err)
	}

	v := NewControlVerifier(pub)
	cmd, _ := SignControlCommand(key, "status", ControlRequest{}, time.Now())
	if _, err := v.Verify("status", encodeCommand(t, cmd)); err != nil {
		t.Errorf("Expected command signed with the loaded key to verify, got %v", err)
	}
}
