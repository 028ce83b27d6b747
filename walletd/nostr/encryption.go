package nostr

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/bits"
	"strings"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
)

// Scheme identifies a content encryption scheme.
type Scheme string

const (
	SchemeNIP04 Scheme = "nip04"
	SchemeNIP44 Scheme = "nip44_v2"
)

// SupportedSchemes is advertised in the capability announcement.
var SupportedSchemes = []Scheme{SchemeNIP44, SchemeNIP04}

var (
	ErrDecrypt           = errors.New("decryption failed")
	ErrUnsupportedScheme = errors.New("unsupported encryption scheme")
)

const (
	nip04IVSeparator = "?iv="

	nip44Version     = 2
	nip44NonceSize   = 32
	nip44MACSize     = 32
	nip44MinPlain    = 1
	nip44MaxPlain    = 65535
	nip44MinPayload  = 132
	nip44MaxPayload  = 87472
	nip44MinDecoded  = 99
	nip44MaxDecoded  = 65603
	nip44MessageKeys = 76
)

var nip44Salt = []byte("nip44-v2")

// DetectScheme guesses the scheme a piece of content was encrypted with.
func DetectScheme(content string) Scheme {
	if strings.Contains(content, nip04IVSeparator) {
		return SchemeNIP04
	}
	return SchemeNIP44
}

// Encrypt encrypts plaintext from priv to peerPub using scheme.
func Encrypt(scheme Scheme, priv []byte, peerPub string, plaintext string) (string, error) {
	shared, err := sharedX(priv, peerPub)
	if err != nil {
		return "", err
	}

	switch scheme {
	case SchemeNIP04:
		return nip04Encrypt(shared, []byte(plaintext))
	case SchemeNIP44:
		nonce, err := RandomBytes(nip44NonceSize)
		if err != nil {
			return "", err
		}
		return nip44Encrypt(nip44ConversationKey(shared), []byte(plaintext), nonce)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedScheme, scheme)
	}
}

// Decrypt decrypts content sent by peerPub to priv and reports the scheme used.
func Decrypt(priv []byte, peerPub string, content string) (string, Scheme, error) {
	shared, err := sharedX(priv, peerPub)
	if err != nil {
		return "", "", err
	}

	scheme := DetectScheme(content)
	var plaintext []byte
	switch scheme {
	case SchemeNIP04:
		plaintext, err = nip04Decrypt(shared, content)
	default:
		plaintext, err = nip44Decrypt(nip44ConversationKey(shared), content)
	}
	if err != nil {
		return "", scheme, err
	}
	return string(plaintext), scheme, nil
}

// NIP-04: AES-256-CBC keyed by the raw ECDH x-coordinate.

func nip04Encrypt(key, plaintext []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("cipher creation failed: %w", err)
	}
	iv, err := RandomBytes(aes.BlockSize)
	if err != nil {
		return "", err
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return base64.StdEncoding.EncodeToString(ciphertext) + nip04IVSeparator + base64.StdEncoding.EncodeToString(iv), nil
}

func nip04Decrypt(key []byte, content string) ([]byte, error) {
	parts := strings.SplitN(content, nip04IVSeparator, 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("%w: missing iv", ErrDecrypt)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext is not base64", ErrDecrypt)
	}
	iv, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil || len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("%w: bad iv", ErrDecrypt)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: bad ciphertext length", ErrDecrypt)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher creation failed: %w", err)
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	return pkcs7Unpad(plaintext, aes.BlockSize)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(bytes.Clone(data), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, fmt.Errorf("%w: bad padding", ErrDecrypt)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("%w: bad padding", ErrDecrypt)
		}
	}
	return data[:len(data)-n], nil
}

// NIP-44 v2: HKDF-SHA256 conversation key, ChaCha20, HMAC-SHA256 over nonce||ciphertext.

func nip44ConversationKey(shared []byte) []byte {
	return hkdf.Extract(sha256.New, shared, nip44Salt)
}

func nip44MessageKeysFor(conversationKey, nonce []byte) (chachaKey, chachaNonce, hmacKey []byte, err error) {
	keys := make([]byte, nip44MessageKeys)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, conversationKey, nonce), keys); err != nil {
		return nil, nil, nil, fmt.Errorf("key derivation failed: %w", err)
	}
	return keys[0:32], keys[32:44], keys[44:76], nil
}

// nip44PaddedLen rounds a plaintext length up to the scheme's padding buckets.
func nip44PaddedLen(n int) int {
	if n <= 32 {
		return 32
	}
	nextPower := 1 << bits.Len(uint(n-1))
	chunk := 32
	if nextPower > 256 {
		chunk = nextPower / 8
	}
	return chunk * ((n-1)/chunk + 1)
}

func nip44Encrypt(conversationKey, plaintext, nonce []byte) (string, error) {
	if len(plaintext) < nip44MinPlain || len(plaintext) > nip44MaxPlain {
		return "", fmt.Errorf("plaintext length %d out of range", len(plaintext))
	}
	chachaKey, chachaNonce, hmacKey, err := nip44MessageKeysFor(conversationKey, nonce)
	if err != nil {
		return "", err
	}

	padded := make([]byte, 2+nip44PaddedLen(len(plaintext)))
	binary.BigEndian.PutUint16(padded, uint16(len(plaintext)))
	copy(padded[2:], plaintext)

	stream, err := chacha20.NewUnauthenticatedCipher(chachaKey, chachaNonce)
	if err != nil {
		return "", fmt.Errorf("cipher creation failed: %w", err)
	}
	ciphertext := make([]byte, len(padded))
	stream.XORKeyStream(ciphertext, padded)

	payload := make([]byte, 0, 1+len(nonce)+len(ciphertext)+nip44MACSize)
	payload = append(payload, nip44Version)
	payload = append(payload, nonce...)
	payload = append(payload, ciphertext...)
	payload = append(payload, nip44MAC(hmacKey, nonce, ciphertext)...)

	return base64.StdEncoding.EncodeToString(payload), nil
}

func nip44Decrypt(conversationKey []byte, content string) ([]byte, error) {
	if content == "" || content[0] == '#' {
		return nil, fmt.Errorf("%w: unknown payload version", ErrUnsupportedScheme)
	}
	if len(content) < nip44MinPayload || len(content) > nip44MaxPayload {
		return nil, fmt.Errorf("%w: payload size %d", ErrDecrypt, len(content))
	}
	data, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return nil, fmt.Errorf("%w: payload is not base64", ErrDecrypt)
	}
	if len(data) < nip44MinDecoded || len(data) > nip44MaxDecoded {
		return nil, fmt.Errorf("%w: decoded size %d", ErrDecrypt, len(data))
	}
	if data[0] != nip44Version {
		return nil, fmt.Errorf("%w: version %d", ErrUnsupportedScheme, data[0])
	}

	nonce := data[1 : 1+nip44NonceSize]
	ciphertext := data[1+nip44NonceSize : len(data)-nip44MACSize]
	mac := data[len(data)-nip44MACSize:]

	chachaKey, chachaNonce, hmacKey, err := nip44MessageKeysFor(conversationKey, nonce)
	if err != nil {
		return nil, err
	}
	if !hmac.Equal(mac, nip44MAC(hmacKey, nonce, ciphertext)) {
		return nil, fmt.Errorf("%w: invalid MAC", ErrDecrypt)
	}

	stream, err := chacha20.NewUnauthenticatedCipher(chachaKey, chachaNonce)
	if err != nil {
		return nil, fmt.Errorf("cipher creation failed: %w", err)
	}
	padded := make([]byte, len(ciphertext))
	stream.XORKeyStream(padded, ciphertext)

	n := int(binary.BigEndian.Uint16(padded))
	if n < nip44MinPlain || len(padded) != 2+nip44PaddedLen(n) {
		return nil, fmt.Errorf("%w: invalid padding", ErrDecrypt)
	}
	return padded[2 : 2+n], nil
}

func nip44MAC(key, nonce, ciphertext []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(nonce)
	h.Write(ciphertext)
	return h.Sum(nil)
}
