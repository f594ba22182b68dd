package crypto

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"slurmgo/internal/pack"
)

const (
	credentialVersion  uint16 = 1
	labelCredentialKey        = "slurmgo:cred:key:v1"

	DefaultCredentialTTL = 5 * time.Minute
	// clockSkew is tolerated on the issue time of incoming credentials.
	clockSkew = 30 * time.Second
)

var (
	ErrCredentialInvalid = errors.New("credential invalid")
	ErrCredentialExpired = errors.New("credential expired")
	ErrCredentialDestroy = errors.New("credential destroyed")
)

// Credential is an opaque authentication token carried in every message
// header. Packed bytes are produced by the provider that created it.
type Credential struct {
	UID    uint32
	GID    uint32
	Host   string
	Issued time.Time
	TTL    time.Duration

	mu     sync.Mutex
	sealed []byte
}

func (c *Credential) Expires() time.Time {
	return c.Issued.Add(c.TTL)
}

// CredentialProvider creates, serializes and checks credentials. Destroy
// releases any key material held by a credential.
type CredentialProvider interface {
	Create() (*Credential, error)
	Pack(c *Credential) ([]byte, error)
	Unpack(b []byte) (*Credential, error)
	Verify(c *Credential) error
	Destroy(c *Credential)
}

type SealedOptions struct {
	Cluster string
	TTL     time.Duration
	UID     uint32
	GID     uint32
	Host    string
	Now     func() time.Time
}

// Sealed issues credentials sealed with XChaCha20-Poly1305 under a key
// derived from a shared cluster key.
type Sealed struct {
	key  []byte
	aad  []byte
	opts SealedOptions
}

func NewSealed(sharedKey []byte, opts SealedOptions) (*Sealed, error) {
	if len(sharedKey) < MinKeySize {
		return nil, fmt.Errorf("shared key: need at least %d bytes", MinKeySize)
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultCredentialTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Host == "" {
		opts.Host, _ = os.Hostname()
	}
	return &Sealed{
		key:  KDF(labelCredentialKey, sharedKey, []byte(opts.Cluster)),
		aad:  BuildAAD(opts.Cluster, credentialVersion),
		opts: opts,
	}, nil
}

// NewSealedFromFile loads the shared key from path.
func NewSealedFromFile(path string, opts SealedOptions) (*Sealed, error) {
	key, err := LoadKey(path)
	if err != nil {
		return nil, err
	}
	return NewSealed(key, opts)
}

func (s *Sealed) Create() (*Credential, error) {
	c := &Credential{
		UID:    s.opts.UID,
		GID:    s.opts.GID,
		Host:   s.opts.Host,
		Issued: s.opts.Now().Truncate(time.Second),
		TTL:    s.opts.TTL,
	}
	b := pack.New(32 + len(c.Host))
	b.PackU16(credentialVersion)
	b.PackU32(c.UID)
	b.PackU32(c.GID)
	b.PackU64(uint64(c.Issued.Unix()))
	b.PackU32(uint32(c.TTL / time.Second))
	b.PackStr(c.Host)
	nonce, ct, err := XSeal(s.key, b.Bytes(), s.aad)
	if err != nil {
		return nil, fmt.Errorf("seal credential: %w", err)
	}
	c.sealed = append(nonce, ct...)
	return c, nil
}

func (s *Sealed) Pack(c *Credential) ([]byte, error) {
	if c == nil {
		return nil, ErrCredentialInvalid
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed == nil {
		return nil, ErrCredentialDestroy
	}
	return append([]byte(nil), c.sealed...), nil
}

func (s *Sealed) Unpack(raw []byte) (*Credential, error) {
	if len(raw) <= XNonceSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrCredentialInvalid, len(raw))
	}
	plain, err := XOpen(s.key, raw[:XNonceSize], raw[XNonceSize:], s.aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCredentialInvalid, err)
	}
	b := pack.From(plain)
	version, err := b.UnpackU16()
	if err != nil || version != credentialVersion {
		return nil, fmt.Errorf("%w: version", ErrCredentialInvalid)
	}
	c := &Credential{sealed: append([]byte(nil), raw...)}
	var issued uint64
	var ttl uint32
	if c.UID, err = b.UnpackU32(); err == nil {
		if c.GID, err = b.UnpackU32(); err == nil {
			if issued, err = b.UnpackU64(); err == nil {
				if ttl, err = b.UnpackU32(); err == nil {
					c.Host, err = b.UnpackStr()
				}
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCredentialInvalid, err)
	}
	c.Issued = time.Unix(int64(issued), 0)
	c.TTL = time.Duration(ttl) * time.Second
	return c, nil
}

func (s *Sealed) Verify(c *Credential) error {
	if c == nil {
		return ErrCredentialInvalid
	}
	now := s.opts.Now()
	if c.Issued.After(now.Add(clockSkew)) {
		return fmt.Errorf("%w: issued in the future", ErrCredentialInvalid)
	}
	if now.After(c.Expires()) {
		return fmt.Errorf("%w: at %s", ErrCredentialExpired, c.Expires().UTC().Format(time.RFC3339))
	}
	return nil
}

func (s *Sealed) Destroy(c *Credential) {
	if c == nil {
		return
	}
	c.mu.Lock()
	for i := range c.sealed {
		c.sealed[i] = 0
	}
	c.sealed = nil
	c.mu.Unlock()
}
