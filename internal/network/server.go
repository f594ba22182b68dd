package network

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"slurmgo/internal/logging"
	"slurmgo/internal/metrics"
)

// Handler serves one accepted stream. The server closes c afterwards.
type Handler func(ctx context.Context, c Conn)

type ServeOptions struct {
	MaxStreamsPerHost int
	Logger            *zap.Logger
	Metrics           *metrics.Metrics
}

// Serve accepts streams until ctx is done or ln fails, running h for each in
// its own goroutine. It closes ln and waits for running handlers on return.
func Serve(ctx context.Context, ln Listener, h Handler, opts ServeOptions) error {
	log := logging.OrNop(opts.Logger)
	limiter := newIPLimiter(0, opts.MaxStreamsPerHost)
	rl := logging.NewLimiter(limiterLogInterval)

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		c, err := ln.Accept()
		if err != nil {
			_ = ln.Close()
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, ErrClosed) {
				return ErrClosed
			}
			return err
		}
		host := HostOf(c.RemoteAddr())
		if !limiter.acquireStream(host) {
			opts.Metrics.IncDropByReason("stream_limit")
			rl.Debug(log, "stream_limit:"+host, "stream over per-host limit", zap.String("remote", c.RemoteAddr()))
			_ = c.Close()
			continue
		}
		opts.Metrics.AddStreams(1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer opts.Metrics.AddStreams(-1)
			defer limiter.releaseStream(host)
			defer c.Close()
			h(ctx, c)
		}()
	}
}
