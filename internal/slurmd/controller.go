package slurmd

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"slurmgo/internal/config"
	"slurmgo/internal/crypto"
	"slurmgo/internal/logging"
	"slurmgo/internal/network"
	"slurmgo/internal/registry"
	"slurmgo/internal/rpc"
)

// NewController builds a client for a process that originates requests
// without serving any. The returned func releases its transport and
// registry connections.
func NewController(ctx context.Context, cfg *config.Config, origAddr string, log *zap.Logger) (*rpc.Client, func(), error) {
	log = logging.OrNop(log)
	var creds crypto.CredentialProvider
	if cfg.AuthKeyFile != "" {
		s, err := crypto.NewSealedFromFile(cfg.AuthKeyFile, crypto.SealedOptions{
			Cluster: cfg.ClusterName,
			TTL:     cfg.CredentialTTL,
			Host:    origAddr,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("auth key: %w", err)
		}
		creds = s
	}

	var closers []func()
	release := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	var dialer network.Dialer = network.TCPDialer{Timeout: cfg.MsgTimeout}
	if cfg.Transport == config.TransportQUIC {
		qd, err := network.NewQUICDialer(tlsOptions(cfg), log)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, qd.Close)
		dialer = qd
	}

	chain := registry.Chain{registry.NewStatic(cfg.Nodes, 0)}
	if len(cfg.Etcd.Endpoints) > 0 {
		e, err := registry.NewEtcd(ctx, registry.EtcdOptions{
			Endpoints:   cfg.Etcd.Endpoints,
			Prefix:      cfg.Etcd.Prefix,
			DialTimeout: cfg.Etcd.DialTimeout,
			Logger:      log,
		})
		if err != nil {
			log.Warn("etcd registry unavailable", zap.Error(err))
		} else {
			closers = append(closers, func() { _ = e.Close() })
			chain = append(chain, e)
		}
	}
	chain = append(chain, registry.NewStatic(nil, cfg.SlurmdPort))

	client, err := rpc.NewClient(rpc.Options{
		TreeWidth:  cfg.TreeWidth,
		MsgTimeout: cfg.MsgTimeout,
		MaxWorkers: cfg.MaxForwardWorkers,
		OrigAddr:   origAddr,
		Dialer:     dialer,
		Resolver:   chain,
		Creds:      creds,
		Logger:     log,
	})
	if err != nil {
		release()
		return nil, nil, err
	}
	return client, release, nil
}
