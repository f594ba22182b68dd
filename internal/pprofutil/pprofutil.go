// Package pprofutil runs an optional profiling listener for the daemon.
package pprofutil

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"
	"time"

	"go.uber.org/zap"

	"slurmgo/internal/logging"
)

const defaultAddr = "127.0.0.1:6060"

// Start serves /debug/pprof/ when SLURMGO_PPROF=1 until ctx ends. It returns
// the bound address, or "" when profiling is off. Binding outside loopback
// needs SLURMGO_PPROF_ALLOW_PUBLIC=1.
func Start(ctx context.Context, getenv func(string) string, log *zap.Logger) (string, error) {
	if strings.TrimSpace(getenv("SLURMGO_PPROF")) != "1" {
		return "", nil
	}
	log = logging.OrNop(log)
	addr := strings.TrimSpace(getenv("SLURMGO_PPROF_ADDR"))
	if addr == "" {
		addr = defaultAddr
	}
	allowPublic := strings.TrimSpace(getenv("SLURMGO_PPROF_ALLOW_PUBLIC")) == "1"
	if !allowPublic && !isLoopbackBind(addr) {
		return "", fmt.Errorf("SLURMGO_PPROF_ADDR must be loopback unless SLURMGO_PPROF_ALLOW_PUBLIC=1: %s", addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("pprof listen failed: %w", err)
	}
	actual := ln.Addr().String()

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		_ = srv.Serve(ln)
	}()
	context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})
	log.Info("pprof enabled", zap.String("url", "http://"+actual+"/debug/pprof/"))
	return actual, nil
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
