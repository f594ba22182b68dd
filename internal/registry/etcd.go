package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"slurmgo/internal/logging"
)

const (
	DefaultEtcdPrefix      = "/slurmgo/nodes/"
	DefaultEtcdDialTimeout = 5 * time.Second
	DefaultLeaseTTL        = 10
)

type EtcdOptions struct {
	Endpoints   []string
	Prefix      string
	DialTimeout time.Duration
	// LeaseTTL is in seconds.
	LeaseTTL int64
	Logger   *zap.Logger
}

// Etcd keeps a watched cache of node addresses stored under a key prefix.
// Daemons register themselves with a leased key so entries vanish when a
// daemon stops renewing.
type Etcd struct {
	cli    *clientv3.Client
	prefix string
	ttl    int64
	log    *zap.Logger

	mu    sync.RWMutex
	addrs map[string]string
	lease clientv3.LeaseID

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEtcd connects, loads the current entries and starts watching for
// changes.
func NewEtcd(ctx context.Context, opts EtcdOptions) (*Etcd, error) {
	if len(opts.Endpoints) == 0 {
		return nil, fmt.Errorf("registry: no etcd endpoints")
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultEtcdDialTimeout
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   opts.Endpoints,
		DialTimeout: opts.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("registry: etcd client: %w", err)
	}
	e := newEtcd(cli, opts)
	if err := e.load(ctx); err != nil {
		_ = cli.Close()
		return nil, err
	}
	wctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.wg.Add(1)
	go e.watch(wctx)
	return e, nil
}

func newEtcd(cli *clientv3.Client, opts EtcdOptions) *Etcd {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = DefaultEtcdPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	ttl := opts.LeaseTTL
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &Etcd{
		cli:    cli,
		prefix: prefix,
		ttl:    ttl,
		log:    logging.OrNop(opts.Logger).Named("registry"),
		addrs:  make(map[string]string),
		cancel: func() {},
	}
}

func (e *Etcd) key(name string) string {
	return e.prefix + name
}

func (e *Etcd) nameOf(key []byte) (string, bool) {
	name, ok := strings.CutPrefix(string(key), e.prefix)
	if !ok || name == "" {
		return "", false
	}
	return name, true
}

// apply records one change. An empty value with del unset is ignored.
func (e *Etcd) apply(del bool, key, value []byte) {
	name, ok := e.nameOf(key)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if del {
		delete(e.addrs, name)
		return
	}
	if len(value) == 0 {
		return
	}
	e.addrs[name] = string(value)
}

func (e *Etcd) load(ctx context.Context) error {
	resp, err := e.cli.Get(ctx, e.prefix, clientv3.WithPrefix())
	if err != nil {
		return fmt.Errorf("registry: load %s: %w", e.prefix, err)
	}
	for _, kv := range resp.Kvs {
		e.apply(false, kv.Key, kv.Value)
	}
	e.log.Debug("registry loaded", zap.Int("nodes", len(resp.Kvs)))
	return nil
}

func (e *Etcd) watch(ctx context.Context) {
	defer e.wg.Done()
	for {
		ch := e.cli.Watch(ctx, e.prefix, clientv3.WithPrefix())
		for wr := range ch {
			if err := wr.Err(); err != nil {
				e.log.Warn("registry watch error", zap.Error(err))
				continue
			}
			for _, ev := range wr.Events {
				e.apply(ev.Type == clientv3.EventTypeDelete, ev.Kv.Key, ev.Kv.Value)
			}
		}
		if ctx.Err() != nil {
			return
		}
		// the watch channel closed underneath us; reload and watch again
		if err := e.load(ctx); err != nil {
			e.log.Warn("registry reload failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}

// Resolve answers from the watched cache and falls back to a direct read.
func (e *Etcd) Resolve(ctx context.Context, name string) (string, error) {
	e.mu.RLock()
	addr, ok := e.addrs[name]
	e.mu.RUnlock()
	if ok {
		return addr, nil
	}
	resp, err := e.cli.Get(ctx, e.key(name))
	if err != nil {
		return "", fmt.Errorf("registry: get %s: %w", name, err)
	}
	if len(resp.Kvs) == 0 {
		return "", fmt.Errorf("%w: %s", ErrUnknownNode, name)
	}
	kv := resp.Kvs[0]
	e.apply(false, kv.Key, kv.Value)
	return string(kv.Value), nil
}

// Nodes returns a copy of the cached table.
func (e *Etcd) Nodes() map[string]string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]string, len(e.addrs))
	for k, v := range e.addrs {
		out[k] = v
	}
	return out
}

// Register publishes name → addr under a lease kept alive until ctx ends
// or Close is called.
func (e *Etcd) Register(ctx context.Context, name, addr string) error {
	lease, err := e.cli.Grant(ctx, e.ttl)
	if err != nil {
		return fmt.Errorf("registry: grant lease: %w", err)
	}
	if _, err := e.cli.Put(ctx, e.key(name), addr, clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("registry: register %s: %w", name, err)
	}
	ka, err := e.cli.KeepAlive(ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("registry: keepalive: %w", err)
	}
	e.mu.Lock()
	e.lease = lease.ID
	e.mu.Unlock()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for range ka {
		}
		e.log.Debug("registry lease ended", zap.String("node", name))
	}()
	e.log.Info("registered node", zap.String("node", name), zap.String("addr", addr), zap.Int64("ttl", e.ttl))
	return nil
}

// Close revokes the registration lease, if any, and closes the client.
func (e *Etcd) Close() error {
	e.mu.RLock()
	lease := e.lease
	e.mu.RUnlock()
	if lease != 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if _, err := e.cli.Revoke(ctx, lease); err != nil {
			e.log.Debug("revoke lease failed", zap.Error(err))
		}
		cancel()
	}
	e.cancel()
	err := e.cli.Close()
	e.wg.Wait()
	return err
}
