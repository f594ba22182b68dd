package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"go.uber.org/zap"

	"slurmgo/internal/config"
	"slurmgo/internal/hostlist"
	"slurmgo/internal/logging"
	"slurmgo/internal/proto"
	"slurmgo/internal/rpc"
	"slurmgo/internal/slurmd"
)

var commands = map[string]uint16{
	"ping":        proto.RequestPing,
	"status":      proto.RequestNodeStatus,
	"reconfigure": proto.RequestReconfigure,
	"shutdown":    proto.RequestShutdown,
}

// newClient is replaced in tests.
var newClient = func(ctx context.Context, cfg *config.Config, log *zap.Logger) (*rpc.Client, func(), error) {
	host, _ := os.Hostname()
	return slurmd.NewController(ctx, cfg, host, log)
}

var getenv = os.Getenv

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	msgType, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
	fs := flag.NewFlagSet(args[0], flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "config file (YAML)")
	timeout := fs.Duration("timeout", 0, "per-hop timeout (default: msg_timeout)")
	width := fs.Int("width", 0, "tree width (default: tree_width)")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args[1:]); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "expected exactly one hostlist argument")
		return 1
	}
	nodes, err := hostlist.Expand(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(stderr, "bad hostlist: %v\n", err)
		return 1
	}
	cfg, err := config.LoadWithEnv(*cfgPath, getenv)
	if err != nil {
		fmt.Fprintf(stderr, "load config failed: %v\n", err)
		return 1
	}
	level := "warn"
	if *debug || cfg.Debug {
		level = "debug"
	}
	log, err := logging.New(logging.Options{Level: level, Output: stderr})
	if err != nil {
		fmt.Fprintf(stderr, "logger: %v\n", err)
		return 1
	}
	defer func() { _ = log.Sync() }()

	ctx := context.Background()
	client, release, err := newClient(ctx, cfg, log)
	if err != nil {
		fmt.Fprintf(stderr, "client: %v\n", err)
		return 1
	}
	defer release()
	if *width > 0 {
		client.Reconfigure(*width, client.MsgTimeout())
	}

	start := time.Now()
	results, err := client.Fanout(ctx, nodes, proto.NewMessage(msgType, nil), *timeout)
	if err != nil {
		fmt.Fprintf(stderr, "%s failed: %v\n", args[0], err)
		return 1
	}
	failed := printResults(stdout, results)
	fmt.Fprintf(stderr, "%s: %d nodes, %d failed, %s\n", args[0], len(results), failed, time.Since(start).Round(time.Millisecond))
	if failed > 0 {
		return 1
	}
	return 0
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: sctl <ping|status|reconfigure|shutdown> [--config <file>] [--timeout <dur>] [--width <n>] <hostlist>")
	fmt.Fprintln(w, "  hostlist: node[01-16],login1")
}

// printResults writes one line per node and returns how many failed.
func printResults(w io.Writer, results []proto.Result) int {
	okText := color.New(color.FgGreen).SprintFunc()
	failText := color.New(color.FgRed, color.Bold).SprintFunc()
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	failed := 0
	for _, r := range results {
		detail, err := describe(r)
		if err != nil {
			failed++
			fmt.Fprintf(tw, "%s\t%s\t%v\n", r.NodeName, failText("FAILED"), err)
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.NodeName, okText("ok"), detail)
	}
	_ = tw.Flush()
	return failed
}

// describe renders a successful result, or returns the node's error.
func describe(r proto.Result) (string, error) {
	if r.Failed() {
		if err := proto.ErrorForCode(r.Err); err != nil {
			return "", err
		}
		return "", proto.ErrForwardFailed
	}
	switch r.MsgType {
	case proto.ResponseNodeStatus:
		st, err := proto.DecodeNodeStatus(r.Payload)
		if err != nil {
			return "", err
		}
		uptime := time.Duration(st.UptimeSec) * time.Second
		return fmt.Sprintf("host=%s version=%s uptime=%s", st.Hostname, st.Version, uptime), nil
	case proto.ResponseRC:
		rc, err := proto.DecodeRC(r.Payload)
		if err != nil {
			return "", err
		}
		if rc.Code != proto.CodeOK {
			return "", proto.ErrorForCode(rc.Code)
		}
		return "", nil
	}
	return proto.MsgTypeName(r.MsgType), nil
}
