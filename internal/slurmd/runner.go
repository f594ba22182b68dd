// Package slurmd runs the node daemon: it accepts requests, forwards them to
// the subtree they name, executes them locally and replies with every
// result.
package slurmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"slurmgo/internal/config"
	"slurmgo/internal/crypto"
	"slurmgo/internal/logging"
	"slurmgo/internal/metrics"
	"slurmgo/internal/network"
	"slurmgo/internal/pprofutil"
	"slurmgo/internal/registry"
	"slurmgo/internal/rpc"
)

// Version is reported in node status replies.
var Version = "dev"

type Options struct {
	// Name is this node's name in hostlists. Defaults to the hostname.
	Name   string
	Config *config.Config
	// Reload returns a fresh configuration on RequestReconfigure.
	Reload  func() (*config.Config, error)
	Logger  *zap.Logger
	Metrics *metrics.Metrics

	// Listener, Dialer, Resolver and Creds replace what Config would build.
	Listener network.Listener
	Dialer   network.Dialer
	Resolver rpc.Resolver
	Creds    crypto.CredentialProvider

	Getenv func(string) string
}

type Runner struct {
	Name    string
	Metrics *metrics.Metrics

	log      *zap.Logger
	client   *rpc.Client
	server   *rpc.Server
	reload   func() (*config.Config, error)
	getenv   func(string) string
	listener network.Listener
	dialer   network.Dialer
	resolver rpc.Resolver
	static   *registry.Static
	fallback *registry.Static
	started  time.Time

	mu          sync.RWMutex
	cfg         *config.Config
	etcd        *registry.Etcd
	listenAddr  string
	metricsAddr string
	cancel      context.CancelFunc

	shutdownRequested atomic.Bool
}

func NewRunner(opts Options) (*Runner, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("slurmd: missing config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("slurmd: %w", err)
	}
	name := opts.Name
	if name == "" {
		h, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("slurmd: node name: %w", err)
		}
		name = h
	}
	log := opts.Logger
	if log == nil {
		l, err := logging.New(logging.Options{Debug: cfg.Debug, JSON: cfg.LogJSON})
		if err != nil {
			return nil, err
		}
		log = l
	}
	log = log.With(zap.String("node", name))
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}

	creds := opts.Creds
	if creds == nil && cfg.AuthKeyFile != "" {
		s, err := crypto.NewSealedFromFile(cfg.AuthKeyFile, crypto.SealedOptions{
			Cluster: cfg.ClusterName,
			TTL:     cfg.CredentialTTL,
			Host:    name,
		})
		if err != nil {
			return nil, fmt.Errorf("slurmd: auth key: %w", err)
		}
		creds = s
	}
	if creds == nil {
		log.Warn("no auth_key_file configured; requests are not authenticated")
	}

	r := &Runner{
		Name:     name,
		Metrics:  m,
		log:      log,
		reload:   opts.Reload,
		getenv:   getenv,
		listener: opts.Listener,
		resolver: opts.Resolver,
		static:   registry.NewStatic(cfg.Nodes, 0),
		fallback: registry.NewStatic(nil, cfg.SlurmdPort),
		started:  time.Now(),
		cfg:      cfg,
	}
	dialer, err := r.buildDialer(opts.Dialer, cfg)
	if err != nil {
		return nil, err
	}
	r.dialer = dialer
	client, err := rpc.NewClient(rpc.Options{
		TreeWidth:  cfg.TreeWidth,
		MsgTimeout: cfg.MsgTimeout,
		MaxWorkers: cfg.MaxForwardWorkers,
		OrigAddr:   name,
		Dialer:     dialer,
		Resolver:   rpc.ResolverFunc(r.resolve),
		Creds:      creds,
		Logger:     log,
		Metrics:    m,
	})
	if err != nil {
		return nil, err
	}
	r.client = client
	r.server = rpc.NewServer(client, r.handle)
	return r, nil
}

func tlsOptions(cfg *config.Config) network.TLSOptions {
	return network.TLSOptions{
		DevTLS:   cfg.DevTLS,
		CertFile: cfg.TLSCert,
		KeyFile:  cfg.TLSKey,
		CAFile:   cfg.TLSCA,
	}
}

func (r *Runner) buildDialer(d network.Dialer, cfg *config.Config) (network.Dialer, error) {
	if d != nil {
		return d, nil
	}
	if cfg.Transport == config.TransportTCP {
		return network.TCPDialer{Timeout: cfg.MsgTimeout}, nil
	}
	qd, err := network.NewQUICDialer(tlsOptions(cfg), r.log)
	if err != nil {
		return nil, fmt.Errorf("slurmd: quic dialer: %w", err)
	}
	return qd, nil
}

func (r *Runner) listen(cfg *config.Config) (network.Listener, error) {
	if r.listener != nil {
		return r.listener, nil
	}
	lopts := network.ListenOptions{MaxConnsPerHost: cfg.MaxConnsPerHost, Logger: r.log}
	if cfg.Transport == config.TransportTCP {
		return network.ListenTCP(cfg.Addr(), lopts)
	}
	return network.ListenQUIC(cfg.Addr(), tlsOptions(cfg), lopts)
}

// resolve consults the configured table, then etcd, then name:slurmd_port.
func (r *Runner) resolve(ctx context.Context, name string) (string, error) {
	if r.resolver != nil {
		return r.resolver.Resolve(ctx, name)
	}
	r.mu.RLock()
	etcd := r.etcd
	r.mu.RUnlock()
	chain := registry.Chain{r.static}
	if etcd != nil {
		chain = append(chain, etcd)
	}
	chain = append(chain, r.fallback)
	return chain.Resolve(ctx, name)
}

func (r *Runner) Client() *rpc.Client {
	return r.client
}

func (r *Runner) Config() *config.Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// Addr is the bound listen address once Run has started.
func (r *Runner) Addr() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listenAddr
}

// MetricsAddr is the bound metrics address, if one was configured.
func (r *Runner) MetricsAddr() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.metricsAddr
}

// Stop ends a running Run.
func (r *Runner) Stop() {
	r.mu.RLock()
	cancel := r.cancel
	r.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

// Run serves requests until ctx ends or a shutdown request arrives. The
// bound address is sent on ready once the listener is up.
func (r *Runner) Run(ctx context.Context, ready chan<- string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.mu.Lock()
	r.cancel = cancel
	cfg := r.cfg
	r.mu.Unlock()

	ln, err := r.listen(cfg)
	if err != nil {
		return fmt.Errorf("slurmd: listen: %w", err)
	}
	addr := ln.Addr()
	r.mu.Lock()
	r.listenAddr = addr
	r.mu.Unlock()
	if qd, ok := r.dialer.(*network.QUICDialer); ok {
		defer qd.Close()
	}

	if len(cfg.Etcd.Endpoints) > 0 {
		r.startRegistry(ctx, cfg, addr)
		defer r.stopRegistry()
	}
	if _, err := pprofutil.Start(ctx, r.getenv, r.log); err != nil {
		r.log.Warn("pprof not started", zap.Error(err))
	}
	if cfg.MetricsAddr != "" {
		if err := r.serveMetrics(ctx, cfg.MetricsAddr); err != nil {
			_ = ln.Close()
			return err
		}
	}
	if cfg.SnapshotPath != "" {
		go r.snapshotLoop(ctx, cfg.SnapshotPath, cfg.SnapshotInterval)
	}

	r.log.Info("slurmd listening",
		zap.String("addr", addr),
		zap.String("transport", cfg.Transport),
		zap.Int("tree_width", cfg.TreeWidth),
		zap.Duration("msg_timeout", cfg.MsgTimeout))
	if ready != nil {
		select {
		case ready <- addr:
		default:
		}
	}
	err = network.Serve(ctx, ln, r.serveConn, network.ServeOptions{
		MaxStreamsPerHost: cfg.MaxStreamsPerHost,
		Logger:            r.log,
		Metrics:           r.Metrics,
	})
	if cfg.SnapshotPath != "" {
		r.writeSnapshot(cfg.SnapshotPath)
	}
	r.log.Info("slurmd stopped", zap.Bool("shutdown_request", r.shutdownRequested.Load()))
	return err
}

// serveConn runs one request and stops the daemon afterwards when it asked
// for shutdown, so the request's subtree is forwarded first.
func (r *Runner) serveConn(ctx context.Context, conn network.Conn) {
	r.server.ServeConn(ctx, conn)
	if r.shutdownRequested.Load() {
		r.Stop()
	}
}

func (r *Runner) startRegistry(ctx context.Context, cfg *config.Config, addr string) {
	e, err := registry.NewEtcd(ctx, registry.EtcdOptions{
		Endpoints:   cfg.Etcd.Endpoints,
		Prefix:      cfg.Etcd.Prefix,
		DialTimeout: cfg.Etcd.DialTimeout,
		LeaseTTL:    cfg.Etcd.LeaseTTL,
		Logger:      r.log,
	})
	if err != nil {
		r.log.Warn("etcd registry unavailable", zap.Error(err))
		return
	}
	if err := e.Register(ctx, r.Name, advertiseAddr(addr, r.Name)); err != nil {
		r.log.Warn("etcd registration failed", zap.Error(err))
	}
	r.mu.Lock()
	r.etcd = e
	r.mu.Unlock()
}

func (r *Runner) stopRegistry() {
	r.mu.Lock()
	e := r.etcd
	r.etcd = nil
	r.mu.Unlock()
	if e != nil {
		_ = e.Close()
	}
}

// advertiseAddr replaces an unspecified listen host with the node name.
func advertiseAddr(listen, name string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		return net.JoinHostPort(name, port)
	}
	return listen
}

func (r *Runner) serveMetrics(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("slurmd: metrics listen: %w", err)
	}
	r.mu.Lock()
	r.metricsAddr = ln.Addr().String()
	r.mu.Unlock()
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.log.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})
	return nil
}

func (r *Runner) snapshotLoop(ctx context.Context, path string, interval time.Duration) {
	if interval <= 0 {
		interval = config.DefaultSnapshotInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.writeSnapshot(path)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Runner) writeSnapshot(path string) {
	if err := r.Metrics.WriteSnapshot(path); err != nil {
		r.log.Debug("metrics snapshot failed", zap.String("path", path), zap.Error(err))
	}
}
