package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/sha3"
)

const (
	XKeySize   = chacha20poly1305.KeySize    // 32
	XNonceSize = chacha20poly1305.NonceSizeX // 24

	// MinKeySize is the shortest shared key accepted from a key file.
	MinKeySize = 16
)

// -----------------------------------------------------------------------------
// SHA-3
// -----------------------------------------------------------------------------

func SHA3_256(msg []byte) []byte {
	sum := sha3.Sum256(msg)
	return sum[:]
}

// KDF derives a 32-byte key from a domain label and the given parts.
func KDF(label string, parts ...[]byte) []byte {
	buf := make([]byte, 0, len(label))
	buf = append(buf, []byte(label)...)
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return SHA3_256(buf)
}

// -----------------------------------------------------------------------------
// XChaCha20-Poly1305 AEAD
// -----------------------------------------------------------------------------

// XSeal generates a random 24-byte nonce and seals plaintext under key32.
func XSeal(key32, plaintext, aad []byte) (nonce24 []byte, ciphertext []byte, err error) {
	if len(key32) != XKeySize {
		return nil, nil, fmt.Errorf("bad key size: need %d", XKeySize)
	}
	aead, err := chacha20poly1305.NewX(key32)
	if err != nil {
		return nil, nil, err
	}
	nonce := make([]byte, XNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	return nonce, aead.Seal(nil, nonce, plaintext, aad), nil
}

func XOpen(key32, nonce24, ciphertext, aad []byte) ([]byte, error) {
	if len(key32) != XKeySize {
		return nil, fmt.Errorf("bad key size: need %d", XKeySize)
	}
	if len(nonce24) != XNonceSize {
		return nil, fmt.Errorf("bad nonce size: need %d", XNonceSize)
	}
	aead, err := chacha20poly1305.NewX(key32)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce24, ciphertext, aad)
}

// -----------------------------------------------------------------------------
// Shared key storage
// -----------------------------------------------------------------------------

func GenerateKey() ([]byte, error) {
	key := make([]byte, XKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

func SaveKey(path string, key []byte) error {
	if len(key) < MinKeySize {
		return errors.New("key too short")
	}
	return os.WriteFile(path, []byte(hex.EncodeToString(key)), 0600)
}

// LoadKey reads a hex encoded key file. Files that are not hex are used as
// raw key material.
func LoadKey(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		key = raw
	}
	if len(key) < MinKeySize {
		return nil, fmt.Errorf("key file %s: need at least %d bytes", path, MinKeySize)
	}
	return key, nil
}
