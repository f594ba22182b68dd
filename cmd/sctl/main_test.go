package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"go.uber.org/zap"

	"slurmgo/internal/config"
	"slurmgo/internal/crypto"
	"slurmgo/internal/network"
	"slurmgo/internal/proto"
	"slurmgo/internal/rpc"
	"slurmgo/internal/slurmd"
)

var testKey = []byte("sctl-test-key-0123456789abcdef00")

func identity() rpc.Resolver {
	return rpc.ResolverFunc(func(_ context.Context, name string) (string, error) { return name, nil })
}

func sealed(t *testing.T) crypto.CredentialProvider {
	t.Helper()
	s, err := crypto.NewSealed(testKey, crypto.SealedOptions{Cluster: "slurmgo", Host: "sctl-test"})
	if err != nil {
		t.Fatalf("sealed: %v", err)
	}
	return s
}

// fakeCluster starts daemons on an in-memory network and points newClient
// at it.
func fakeCluster(t *testing.T, names ...string) *network.MemNetwork {
	t.Helper()
	color.NoColor = true
	mem := network.NewMemNetwork()
	ctx, cancel := context.WithCancel(context.Background())
	var done []chan error
	t.Cleanup(func() {
		cancel()
		for _, ch := range done {
			<-ch
		}
	})
	for _, name := range names {
		ln, err := mem.Listen(name)
		if err != nil {
			t.Fatalf("listen %s: %v", name, err)
		}
		cfg := config.Default()
		cfg.Transport = config.TransportTCP
		cfg.TreeWidth = 2
		r, err := slurmd.NewRunner(slurmd.Options{
			Name:     name,
			Config:   cfg,
			Logger:   zap.NewNop(),
			Listener: ln,
			Dialer:   mem,
			Resolver: identity(),
			Creds:    sealed(t),
			Getenv:   func(string) string { return "" },
		})
		if err != nil {
			t.Fatalf("runner %s: %v", name, err)
		}
		ready := make(chan string, 1)
		ch := make(chan error, 1)
		done = append(done, ch)
		go func() { ch <- r.Run(ctx, ready) }()
		select {
		case <-ready:
		case <-time.After(2 * time.Second):
			t.Fatalf("node %s did not start", name)
		}
	}

	prevClient, prevEnv := newClient, getenv
	t.Cleanup(func() { newClient, getenv = prevClient, prevEnv })
	getenv = func(k string) string {
		if k == "SLURMGO_TRANSPORT" {
			return config.TransportTCP
		}
		return ""
	}
	newClient = func(_ context.Context, cfg *config.Config, log *zap.Logger) (*rpc.Client, func(), error) {
		c, err := rpc.NewClient(rpc.Options{
			TreeWidth:  cfg.TreeWidth,
			MsgTimeout: time.Second,
			OrigAddr:   "sctl",
			Dialer:     mem,
			Resolver:   identity(),
			Creds:      sealed(t),
			Logger:     log,
		})
		return c, func() {}, err
	}
	return mem
}

func TestHelp(t *testing.T) {
	var out bytes.Buffer
	if code := run([]string{"--help"}, &out, &out); code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if !strings.Contains(out.String(), "sctl") {
		t.Fatalf("expected help output to mention sctl")
	}
}

func TestUsageErrors(t *testing.T) {
	cases := [][]string{
		{"frobnicate", "n1"},
		{"ping"},
		{"ping", "n[1-"},
		{"ping", "n1", "n2"},
	}
	for _, args := range cases {
		var out, errOut bytes.Buffer
		if code := run(args, &out, &errOut); code != 1 {
			t.Fatalf("%v: expected exit code 1, got %d", args, code)
		}
	}
}

func TestPingAll(t *testing.T) {
	fakeCluster(t, "n1", "n2", "n3")
	var out, errOut bytes.Buffer
	if code := run([]string{"ping", "n[1-3]"}, &out, &errOut); code != 0 {
		t.Fatalf("ping failed: %s\n%s", out.String(), errOut.String())
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %q", out.String())
	}
	for i, line := range lines {
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[0] != []string{"n1", "n2", "n3"}[i] || fields[1] != "ok" {
			t.Fatalf("line %d: %q", i, line)
		}
	}
	if !strings.Contains(errOut.String(), "3 nodes, 0 failed") {
		t.Fatalf("summary: %q", errOut.String())
	}
}

func TestStatusReportsHost(t *testing.T) {
	fakeCluster(t, "n1", "n2")
	var out, errOut bytes.Buffer
	if code := run([]string{"status", "--width", "3", "n[1-2]"}, &out, &errOut); code != 0 {
		t.Fatalf("status failed: %s", errOut.String())
	}
	if !strings.Contains(out.String(), "host=n2 version="+slurmd.Version) {
		t.Fatalf("output: %q", out.String())
	}
}

func TestFailedNodeSetsExitCode(t *testing.T) {
	mem := fakeCluster(t, "n1", "n2", "n3")
	mem.SetDown("n2", true)
	var out, errOut bytes.Buffer
	if code := run([]string{"ping", "n[1-3]"}, &out, &errOut); code != 1 {
		t.Fatalf("expected exit code 1, got %d: %s", code, out.String())
	}
	var failedLine string
	for _, line := range strings.Split(out.String(), "\n") {
		if strings.HasPrefix(line, "n2") {
			failedLine = line
		}
	}
	if !strings.Contains(failedLine, "FAILED") || !strings.Contains(failedLine, proto.ErrConnection.Error()) {
		t.Fatalf("n2 line: %q", failedLine)
	}
}

func TestShutdownReportsDelivery(t *testing.T) {
	fakeCluster(t, "n1", "n2")
	var out, errOut bytes.Buffer
	if code := run([]string{"shutdown", "n[1-2]"}, &out, &errOut); code != 0 {
		t.Fatalf("shutdown failed: %s", errOut.String())
	}
	if strings.Count(out.String(), " ok") != 2 {
		t.Fatalf("output: %q", out.String())
	}
}

func TestConfigFile(t *testing.T) {
	fakeCluster(t, "n1")
	path := filepath.Join(t.TempDir(), "c.yaml")
	if err := os.WriteFile(path, []byte("tree_width: 0\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	var out, errOut bytes.Buffer
	if code := run([]string{"ping", "--config", path, "n1"}, &out, &errOut); code != 1 {
		t.Fatalf("expected invalid config to fail")
	}
	if !strings.Contains(errOut.String(), "tree_width") {
		t.Fatalf("stderr: %q", errOut.String())
	}
}

func TestDescribe(t *testing.T) {
	detail, err := describe(proto.Result{MsgType: proto.ResponseRC, Payload: proto.EncodeRC(proto.RC{Code: proto.CodeAuth})})
	if err == nil || detail != "" {
		t.Fatalf("expected remote rc to be an error")
	}
	_, err = describe(proto.Result{MsgType: proto.ResponseForwardFailed})
	if err != proto.ErrForwardFailed {
		t.Fatalf("got %v", err)
	}
}
