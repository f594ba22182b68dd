// Package config loads daemon and controller settings from a YAML file with
// SLURMGO_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	TransportQUIC = "quic"
	TransportTCP  = "tcp"

	DefaultClusterName       = "slurmgo"
	DefaultTreeWidth         = 16
	DefaultMsgTimeout        = 10 * time.Second
	DefaultSlurmdPort        = 6818
	DefaultCredentialTTL     = 5 * time.Minute
	DefaultMaxForwardWorkers = 256
	DefaultMaxStreamsPerHost = 64
	DefaultMaxConnsPerHost   = 16
	DefaultSnapshotInterval  = 30 * time.Second

	maxTreeWidth = 0xfffe
)

type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	Prefix      string        `yaml:"prefix"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	LeaseTTL    int64         `yaml:"lease_ttl"`
}

type Config struct {
	ClusterName string        `yaml:"cluster_name"`
	TreeWidth   int           `yaml:"tree_width"`
	MsgTimeout  time.Duration `yaml:"msg_timeout"`
	SlurmdPort  int           `yaml:"slurmd_port"`
	ListenAddr  string        `yaml:"listen_addr"`
	Transport   string        `yaml:"transport"`

	DevTLS  bool   `yaml:"dev_tls"`
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`
	TLSCA   string `yaml:"tls_ca"`

	AuthKeyFile   string        `yaml:"auth_key_file"`
	CredentialTTL time.Duration `yaml:"credential_ttl"`

	MaxForwardWorkers int `yaml:"max_forward_workers"`
	MaxStreamsPerHost int `yaml:"max_streams_per_host"`
	MaxConnsPerHost   int `yaml:"max_conns_per_host"`

	// Nodes maps node names to addresses. Names not listed resolve through
	// etcd, then to name:slurmd_port.
	Nodes map[string]string `yaml:"nodes"`
	Etcd  EtcdConfig        `yaml:"etcd"`

	MetricsAddr      string        `yaml:"metrics_addr"`
	SnapshotPath     string        `yaml:"snapshot_path"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`

	Debug   bool `yaml:"debug"`
	LogJSON bool `yaml:"log_json"`
}

func Default() *Config {
	return &Config{
		ClusterName:       DefaultClusterName,
		TreeWidth:         DefaultTreeWidth,
		MsgTimeout:        DefaultMsgTimeout,
		SlurmdPort:        DefaultSlurmdPort,
		Transport:         TransportQUIC,
		CredentialTTL:     DefaultCredentialTTL,
		MaxForwardWorkers: DefaultMaxForwardWorkers,
		MaxStreamsPerHost: DefaultMaxStreamsPerHost,
		MaxConnsPerHost:   DefaultMaxConnsPerHost,
		SnapshotInterval:  DefaultSnapshotInterval,
		Nodes:             map[string]string{},
	}
}

// Load reads path (optional when empty) on top of Default, applies the
// environment and validates the result.
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, os.Getenv)
}

func LoadWithEnv(path string, getenv func(string) string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		if err := cfg.parse(data); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML on top of Default without consulting the environment.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.parse(data); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) parse(data []byte) error {
	if err := yaml.Unmarshal(data, c); err != nil {
		return err
	}
	if c.Nodes == nil {
		c.Nodes = map[string]string{}
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	var errs []error
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	flag := func(key string, dst *bool) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v == "1" || strings.EqualFold(v, "true")
		}
	}

	str("SLURMGO_CLUSTER_NAME", &c.ClusterName)
	num("SLURMGO_TREE_WIDTH", &c.TreeWidth)
	dur("SLURMGO_MSG_TIMEOUT", &c.MsgTimeout)
	num("SLURMGO_SLURMD_PORT", &c.SlurmdPort)
	str("SLURMGO_LISTEN_ADDR", &c.ListenAddr)
	str("SLURMGO_TRANSPORT", &c.Transport)
	flag("SLURMGO_DEVTLS", &c.DevTLS)
	str("SLURMGO_AUTH_KEY_FILE", &c.AuthKeyFile)
	num("SLURMGO_MAX_FORWARD_WORKERS", &c.MaxForwardWorkers)
	str("SLURMGO_METRICS_ADDR", &c.MetricsAddr)
	str("SLURMGO_SNAPSHOT_PATH", &c.SnapshotPath)
	flag("SLURMGO_DEBUG", &c.Debug)
	if v := strings.TrimSpace(getenv("SLURMGO_ETCD_ENDPOINTS")); v != "" {
		c.Etcd.Endpoints = splitList(v)
	}
	if len(errs) > 0 {
		return fmt.Errorf("config env: %w", errors.Join(errs...))
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.ClusterName == "" {
		errs = append(errs, errors.New("cluster_name is empty"))
	}
	if c.TreeWidth < 1 || c.TreeWidth > maxTreeWidth {
		errs = append(errs, fmt.Errorf("tree_width %d out of range 1-%d", c.TreeWidth, maxTreeWidth))
	}
	if c.MsgTimeout <= 0 {
		errs = append(errs, fmt.Errorf("msg_timeout %s must be positive", c.MsgTimeout))
	}
	if c.SlurmdPort < 0 || c.SlurmdPort > 0xffff {
		errs = append(errs, fmt.Errorf("slurmd_port %d out of range", c.SlurmdPort))
	}
	switch c.Transport {
	case TransportQUIC, TransportTCP:
	default:
		errs = append(errs, fmt.Errorf("transport %q is not quic or tcp", c.Transport))
	}
	if c.Transport == TransportQUIC && !c.DevTLS && (c.TLSCert == "" || c.TLSKey == "") {
		errs = append(errs, errors.New("quic transport needs dev_tls or tls_cert and tls_key"))
	}
	if c.CredentialTTL < 0 {
		errs = append(errs, errors.New("credential_ttl is negative"))
	}
	if c.MaxForwardWorkers < 1 {
		errs = append(errs, fmt.Errorf("max_forward_workers %d must be at least 1", c.MaxForwardWorkers))
	}
	for name, addr := range c.Nodes {
		if name == "" || addr == "" {
			errs = append(errs, fmt.Errorf("nodes entry %q: empty name or address", name))
		}
	}
	return errors.Join(errs...)
}

// Addr returns the listen address, defaulting to every interface on
// slurmd_port.
func (c *Config) Addr() string {
	if c.ListenAddr != "" {
		return c.ListenAddr
	}
	return fmt.Sprintf(":%d", c.SlurmdPort)
}
