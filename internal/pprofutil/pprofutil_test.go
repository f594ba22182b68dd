package pprofutil

import (
	"context"
	"net/http"
	"testing"
)

func TestIsLoopbackBind(t *testing.T) {
	cases := []struct {
		addr string
		ok   bool
	}{
		{addr: "127.0.0.1:6060", ok: true},
		{addr: "localhost:6060", ok: true},
		{addr: "[::1]:6060", ok: true},
		{addr: "0.0.0.0:6060", ok: false},
		{addr: "192.168.1.10:6060", ok: false},
		{addr: "bad-addr", ok: false},
	}
	for _, tc := range cases {
		if got := isLoopbackBind(tc.addr); got != tc.ok {
			t.Fatalf("isLoopbackBind(%q)=%v want %v", tc.addr, got, tc.ok)
		}
	}
}

func envOf(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestStartDisabled(t *testing.T) {
	addr, err := Start(context.Background(), envOf(nil), nil)
	if err != nil || addr != "" {
		t.Fatalf("disabled start: addr=%q err=%v", addr, err)
	}
}

func TestStartRejectsPublicBind(t *testing.T) {
	_, err := Start(context.Background(), envOf(map[string]string{
		"SLURMGO_PPROF":      "1",
		"SLURMGO_PPROF_ADDR": "0.0.0.0:0",
	}), nil)
	if err == nil {
		t.Fatalf("expected public bind to be rejected")
	}
}

func TestStartServesIndex(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addr, err := Start(ctx, envOf(map[string]string{
		"SLURMGO_PPROF":      "1",
		"SLURMGO_PPROF_ADDR": "127.0.0.1:0",
	}), nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	resp, err := http.Get("http://" + addr + "/debug/pprof/")
	if err != nil {
		t.Fatalf("get index: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
}
