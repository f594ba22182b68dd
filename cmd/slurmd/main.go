package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"slurmgo/internal/config"
	"slurmgo/internal/crypto"
	"slurmgo/internal/logging"
	"slurmgo/internal/slurmd"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runDaemon(args[1:], stdout, stderr)
	case "keygen":
		return runKeygen(args[1:], stdout, stderr)
	case "version":
		fmt.Fprintf(stdout, "slurmd %s\n", slurmd.Version)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: slurmd <run|keygen|version> [args]")
	fmt.Fprintln(w, "  run    --config <file> [--name <node>] [--addr <ip:port>] [--devtls] [--debug]")
	fmt.Fprintln(w, "  keygen --out <file>")
	fmt.Fprintln(w, "  version")
}

func runDaemon(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "config file (YAML)")
	name := fs.String("name", "", "node name (default: hostname)")
	addr := fs.String("addr", "", "listen addr, overrides listen_addr")
	devTLS := fs.Bool("devtls", false, "use deterministic dev TLS certs (unsafe)")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	load := func() (*config.Config, error) {
		cfg, err := config.LoadWithEnv(*cfgPath, func(k string) string {
			switch {
			case k == "SLURMGO_LISTEN_ADDR" && *addr != "":
				return *addr
			case k == "SLURMGO_DEVTLS" && *devTLS:
				return "1"
			case k == "SLURMGO_DEBUG" && *debug:
				return "1"
			}
			return os.Getenv(k)
		})
		if err != nil {
			return nil, err
		}
		return cfg, nil
	}
	cfg, err := load()
	if err != nil {
		fmt.Fprintf(stderr, "load config failed: %v\n", err)
		return 1
	}
	if cfg.DevTLS {
		fmt.Fprintln(stderr, "WARNING: using deterministic dev TLS certificates")
	}
	log, err := logging.New(logging.Options{Debug: cfg.Debug, JSON: cfg.LogJSON, Output: stderr})
	if err != nil {
		fmt.Fprintf(stderr, "logger: %v\n", err)
		return 1
	}
	defer func() { _ = log.Sync() }()

	runner, err := slurmd.NewRunner(slurmd.Options{
		Name:   *name,
		Config: cfg,
		Reload: load,
		Logger: log,
	})
	if err != nil {
		fmt.Fprintf(stderr, "start failed: %v\n", err)
		return 1
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ready := make(chan string, 1)
	go func() {
		if a, ok := <-ready; ok {
			fmt.Fprintf(stdout, "READY addr=%s node=%s\n", a, runner.Name)
		}
	}()
	if err := runner.Run(ctx, ready); err != nil {
		fmt.Fprintf(stderr, "run failed: %v\n", err)
		return 1
	}
	return 0
}

func runKeygen(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	fs.SetOutput(stderr)
	out := fs.String("out", "", "key file to write")
	force := fs.Bool("force", false, "overwrite an existing key file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *out == "" {
		fmt.Fprintln(stderr, "missing --out")
		return 1
	}
	if _, err := os.Stat(*out); err == nil && !*force {
		fmt.Fprintf(stderr, "%s exists; pass --force to overwrite\n", *out)
		return 1
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		fmt.Fprintf(stderr, "keygen failed: %v\n", err)
		return 1
	}
	if err := crypto.SaveKey(*out, key); err != nil {
		fmt.Fprintf(stderr, "write key failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "wrote %s\n", *out)
	return 0
}
