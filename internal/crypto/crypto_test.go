package crypto

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestKDFDeterminismAndContext(t *testing.T) {
	a1 := KDF("slurmgo:test:a", []byte("ikm"))
	a2 := KDF("slurmgo:test:a", []byte("ikm"))
	if !bytes.Equal(a1, a2) {
		t.Fatalf("KDF not deterministic")
	}
	b := KDF("slurmgo:test:b", []byte("ikm"))
	if bytes.Equal(a1, b) {
		t.Fatalf("expected different keys for different labels")
	}
	if len(a1) != XKeySize {
		t.Fatalf("KDF len=%d want %d", len(a1), XKeySize)
	}
}

func TestXSealOpenTamperFails(t *testing.T) {
	key := KDF("k")
	nonce, ct, err := XSeal(key, []byte("hello"), []byte("aad"))
	if err != nil {
		t.Fatalf("XSeal failed: %v", err)
	}
	pt, err := XOpen(key, nonce, ct, []byte("aad"))
	if err != nil || string(pt) != "hello" {
		t.Fatalf("XOpen=%q err=%v", pt, err)
	}
	if _, err := XOpen(key, nonce, ct, []byte("other")); err == nil {
		t.Fatalf("expected aad mismatch to fail")
	}
	ct[0] ^= 0xff
	if _, err := XOpen(key, nonce, ct, []byte("aad")); err == nil {
		t.Fatalf("expected tampered ciphertext to fail")
	}
}

func TestKeyFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cluster.key")
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	if err := SaveKey(path, key); err != nil {
		t.Fatalf("SaveKey failed: %v", err)
	}
	got, err := LoadKey(path)
	if err != nil {
		t.Fatalf("LoadKey failed: %v", err)
	}
	if !bytes.Equal(key, got) {
		t.Fatalf("key mismatch")
	}
	short := filepath.Join(dir, "short.key")
	if err := os.WriteFile(short, []byte("abc"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadKey(short); err == nil {
		t.Fatalf("expected short key to be rejected")
	}
}

func newTestSealed(t *testing.T, cluster string, now func() time.Time) *Sealed {
	t.Helper()
	s, err := NewSealed([]byte("0123456789abcdef0123456789abcdef"), SealedOptions{
		Cluster: cluster,
		TTL:     time.Minute,
		UID:     42,
		GID:     7,
		Host:    "ctl",
		Now:     now,
	})
	if err != nil {
		t.Fatalf("NewSealed failed: %v", err)
	}
	return s
}

func TestSealedCredentialRoundTrip(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := newTestSealed(t, "alpha", func() time.Time { return now })
	c, err := s.Create()
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	raw, err := s.Pack(c)
	if err != nil {
		t.Fatalf("Pack failed: %v", err)
	}
	got, err := s.Unpack(raw)
	if err != nil {
		t.Fatalf("Unpack failed: %v", err)
	}
	if got.UID != 42 || got.GID != 7 || got.Host != "ctl" || !got.Issued.Equal(now) || got.TTL != time.Minute {
		t.Fatalf("unexpected credential: %+v", got)
	}
	if err := s.Verify(got); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
}

func TestSealedCredentialRejectsOtherCluster(t *testing.T) {
	now := func() time.Time { return time.Unix(1_700_000_000, 0) }
	a := newTestSealed(t, "alpha", now)
	b := newTestSealed(t, "beta", now)
	c, err := a.Create()
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	raw, _ := a.Pack(c)
	if _, err := b.Unpack(raw); !errors.Is(err, ErrCredentialInvalid) {
		t.Fatalf("expected ErrCredentialInvalid, got %v", err)
	}
	if _, err := a.Unpack(raw[:XNonceSize]); !errors.Is(err, ErrCredentialInvalid) {
		t.Fatalf("expected short credential to be invalid, got %v", err)
	}
}

func TestSealedCredentialExpiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := newTestSealed(t, "alpha", func() time.Time { return now })
	c, err := s.Create()
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if err := s.Verify(c); !errors.Is(err, ErrCredentialExpired) {
		t.Fatalf("expected ErrCredentialExpired, got %v", err)
	}
	now = now.Add(-time.Hour)
	if err := s.Verify(c); !errors.Is(err, ErrCredentialInvalid) {
		t.Fatalf("expected future credential to be invalid, got %v", err)
	}
}

func TestSealedDestroyClearsToken(t *testing.T) {
	s := newTestSealed(t, "alpha", nil)
	c, err := s.Create()
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	s.Destroy(c)
	s.Destroy(c)
	if _, err := s.Pack(c); !errors.Is(err, ErrCredentialDestroy) {
		t.Fatalf("expected ErrCredentialDestroy, got %v", err)
	}
}
