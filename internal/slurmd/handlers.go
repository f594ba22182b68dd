package slurmd

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"slurmgo/internal/proto"
	"slurmgo/internal/rpc"
)

func (r *Runner) handle(ctx context.Context, req *rpc.Request) *proto.Message {
	h := req.Msg.Header
	switch h.MsgType {
	case proto.RequestPing:
		return nil
	case proto.RequestNodeStatus:
		return r.nodeStatus()
	case proto.RequestReconfigure:
		return proto.NewRC(r.reconfigure())
	case proto.RequestShutdown:
		r.log.Info("shutdown requested", zap.String("from", h.OrigAddr))
		r.shutdownRequested.Store(true)
		return nil
	}
	r.log.Debug("unsupported request", zap.String("type", proto.MsgTypeName(h.MsgType)), zap.String("from", h.OrigAddr))
	return proto.NewRC(fmt.Errorf("%w: %s", proto.ErrUnexpectedMsgType, proto.MsgTypeName(h.MsgType)))
}

func (r *Runner) nodeStatus() *proto.Message {
	st := proto.NodeStatus{
		Hostname:  r.Name,
		Version:   Version,
		UptimeSec: uint64(time.Since(r.started) / time.Second),
		BootTime:  r.started.Unix(),
	}
	return proto.NewMessage(proto.ResponseNodeStatus, proto.EncodeNodeStatus(st))
}

// reconfigure reloads the configuration and applies what can change at
// runtime: tree width, message timeout and the static node table.
func (r *Runner) reconfigure() error {
	if r.reload == nil {
		r.log.Info("reconfigure requested; no reload source")
		return nil
	}
	cfg, err := r.reload()
	if err != nil {
		r.log.Warn("reconfigure failed", zap.Error(err))
		return fmt.Errorf("%w: reload: %v", proto.ErrFormat, err)
	}
	r.client.Reconfigure(cfg.TreeWidth, cfg.MsgTimeout)
	r.static.Replace(cfg.Nodes)
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
	r.log.Info("reconfigured",
		zap.Int("tree_width", cfg.TreeWidth),
		zap.Duration("msg_timeout", cfg.MsgTimeout),
		zap.Int("nodes", len(cfg.Nodes)))
	return nil
}
