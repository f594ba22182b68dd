// Package rpc implements the single-hop exchange and the hierarchical fanout
// that spreads one request over a tree of daemons and gathers one result per
// node.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"slurmgo/internal/crypto"
	"slurmgo/internal/logging"
	"slurmgo/internal/metrics"
	"slurmgo/internal/network"
	"slurmgo/internal/proto"
)

const (
	DefaultTreeWidth  = 16
	DefaultMsgTimeout = 10 * time.Second
	DefaultMaxWorkers = 256
)

// ErrResourceExhausted is returned when no branch worker slot frees up
// before the caller's deadline.
var ErrResourceExhausted = errors.New("no forward worker available")

// Resolver maps a node name to a dialable address.
type Resolver interface {
	Resolve(ctx context.Context, name string) (string, error)
}

// ResolverFunc adapts a plain function to Resolver.
type ResolverFunc func(ctx context.Context, name string) (string, error)

func (f ResolverFunc) Resolve(ctx context.Context, name string) (string, error) {
	return f(ctx, name)
}

type Options struct {
	TreeWidth  int
	MsgTimeout time.Duration
	MaxWorkers int
	// OrigAddr is stamped on requests this client originates.
	OrigAddr string

	Dialer   network.Dialer
	Resolver Resolver
	// Creds may be nil, in which case no credential is attached or checked.
	Creds   crypto.CredentialProvider
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

type Client struct {
	dialer   network.Dialer
	resolver Resolver
	creds    crypto.CredentialProvider
	log      *zap.Logger
	metrics  *metrics.Metrics
	origAddr string
	sem      *semaphore.Weighted

	mu         sync.RWMutex
	treeWidth  int
	msgTimeout time.Duration
}

func NewClient(opts Options) (*Client, error) {
	if opts.Dialer == nil {
		return nil, errors.New("rpc: dialer required")
	}
	if opts.Resolver == nil {
		return nil, errors.New("rpc: resolver required")
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = DefaultMaxWorkers
	}
	c := &Client{
		dialer:   opts.Dialer,
		resolver: opts.Resolver,
		creds:    opts.Creds,
		log:      logging.OrNop(opts.Logger),
		metrics:  opts.Metrics,
		origAddr: opts.OrigAddr,
		sem:      semaphore.NewWeighted(int64(opts.MaxWorkers)),
	}
	c.Reconfigure(opts.TreeWidth, opts.MsgTimeout)
	return c, nil
}

// Reconfigure replaces the tree width and message timeout. Operations already
// running keep the values they started with.
func (c *Client) Reconfigure(treeWidth int, msgTimeout time.Duration) {
	if treeWidth <= 0 {
		treeWidth = DefaultTreeWidth
	}
	if msgTimeout <= 0 {
		msgTimeout = DefaultMsgTimeout
	}
	c.mu.Lock()
	c.treeWidth = treeWidth
	c.msgTimeout = msgTimeout
	c.mu.Unlock()
}

// settings is the per-operation snapshot of tunables.
type settings struct {
	width   int
	timeout time.Duration
}

func (c *Client) settings(timeout time.Duration) settings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := settings{width: c.treeWidth, timeout: timeout}
	if s.timeout <= 0 {
		s.timeout = c.msgTimeout
	}
	return s
}

func (c *Client) TreeWidth() int {
	return c.settings(0).width
}

func (c *Client) MsgTimeout() time.Duration {
	return c.settings(0).timeout
}

func (c *Client) Metrics() *metrics.Metrics {
	return c.metrics
}

// sign attaches a fresh credential unless h already carries one.
func (c *Client) sign(h *proto.Header) error {
	if c.creds == nil || len(h.Credential) > 0 {
		return nil
	}
	cred, err := c.creds.Create()
	if err != nil {
		return fmt.Errorf("%w: create credential: %v", proto.ErrAuth, err)
	}
	defer c.creds.Destroy(cred)
	raw, err := c.creds.Pack(cred)
	if err != nil {
		return fmt.Errorf("%w: pack credential: %v", proto.ErrAuth, err)
	}
	h.Credential = raw
	return nil
}

// Verify checks the credential carried by h. With no provider configured it
// accepts everything and returns a nil credential.
func (c *Client) Verify(h *proto.Header) (*crypto.Credential, error) {
	if c.creds == nil {
		return nil, nil
	}
	if len(h.Credential) == 0 {
		return nil, fmt.Errorf("%w: missing credential", proto.ErrAuth)
	}
	cred, err := c.creds.Unpack(h.Credential)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", proto.ErrAuth, err)
	}
	if err := c.creds.Verify(cred); err != nil {
		c.creds.Destroy(cred)
		return nil, fmt.Errorf("%w: %v", proto.ErrAuth, err)
	}
	return cred, nil
}

// Release destroys a credential returned by Verify.
func (c *Client) Release(cred *crypto.Credential) {
	if c.creds != nil && cred != nil {
		c.creds.Destroy(cred)
	}
}

// Respond stamps a locally built response with this node's credential.
func (c *Client) Respond(resp *proto.Message) error {
	if resp.Header.Version == 0 {
		resp.Header.Version = proto.ProtocolVersion
	}
	return c.sign(&resp.Header)
}
