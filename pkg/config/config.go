package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultConfigPath = "/etc/gpu-watchdog/config.yaml"

// Config represents the runtime configuration for the GPU watchdog. It is
// constructed once at startup and injected into every component; nothing
// reads ambient process state.
type Config struct {
	Groups           []GroupConfig `yaml:"groups"`
	Probe            ProbeConfig   `yaml:"probe"`
	Reboot           RebootConfig  `yaml:"reboot"`
	NotifyTimeoutSec int           `yaml:"notify_timeout_sec"`
	FailureThreshold int           `yaml:"failure_threshold"`
	CheckIntervalSec int           `yaml:"check_interval_sec"`
	Store            StoreConfig   `yaml:"store"`
	Etcd             *EtcdConfig   `yaml:"etcd"`
	Lock             LockConfig    `yaml:"lock"`
	Windows          WindowsConfig `yaml:"windows"`
	Guards           GuardsConfig  `yaml:"guards"`
	Metrics          MetricsConfig `yaml:"metrics"`
	KillSwitchFile   string        `yaml:"kill_switch_file"`
	DryRun           bool          `yaml:"dry_run"`
}

// GroupConfig names a monitored host group and its notification destination.
type GroupConfig struct {
	Name            string `yaml:"name"`
	SlackWebhookURL string `yaml:"slack_webhook_url"`
}

// ProbeConfig describes how availability is checked for a group. The argv
// must reference the {group} placeholder.
type ProbeConfig struct {
	Cmd        []string `yaml:"cmd"`
	TimeoutSec int      `yaml:"timeout_sec"`
}

// RebootConfig describes how a deferred reboot is issued for a host. The
// argv must reference the {host} placeholder; {delay} expands to the delay
// in whole minutes.
type RebootConfig struct {
	Cmd        []string `yaml:"cmd"`
	DelayMin   int      `yaml:"delay_min"`
	TimeoutSec int      `yaml:"timeout_sec"`
}

// StoreConfig selects where the watchdog state document lives.
type StoreConfig struct {
	Type    string `yaml:"type"`
	Path    string `yaml:"path"`
	EtcdKey string `yaml:"etcd_key"`
}

// Store backend types.
const (
	StoreTypeFile = "file"
	StoreTypeEtcd = "etcd"
)

// EtcdConfig configures the shared etcd endpoints used by the etcd store and
// the cycle lock.
type EtcdConfig struct {
	Endpoints      []string       `yaml:"endpoints"`
	Namespace      string         `yaml:"namespace"`
	DialTimeoutSec int            `yaml:"dial_timeout_sec"`
	TLS            *EtcdTLSConfig `yaml:"tls"`
}

// EtcdTLSConfig configures optional TLS settings for connecting to etcd.
type EtcdTLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	Insecure bool   `yaml:"insecure_skip_verify"`
}

// LockConfig configures the optional single-active-watchdog lock.
type LockConfig struct {
	Enabled bool   `yaml:"enabled"`
	Key     string `yaml:"key"`
	TTLSec  int    `yaml:"ttl_sec"`
}

// WindowsConfig enumerates optional allow/deny reboot windows.
type WindowsConfig struct {
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`
}

// GuardsConfig holds the guard rails applied before new reboots are issued.
type GuardsConfig struct {
	// MaxUnhealthyFraction suppresses new reboots for a group when more than
	// this fraction of its host universe reports the GPU unavailable; a
	// systemic fault should page a human, not mass-reboot a fleet.
	MaxUnhealthyFraction *float64 `yaml:"max_unhealthy_fraction"`
	// MaxRebootsPerCycle bounds how many new reboots one cycle may issue
	// across all groups. Zero means unlimited.
	MaxRebootsPerCycle int `yaml:"max_reboots_per_cycle"`
}

// MetricsConfig defines observability exposure options for watch mode.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// ValidationError aggregates multiple configuration validation failures.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Is(target error) bool {
	var other *ValidationError
	return errors.As(target, &other)
}

// Load reads, parses, and validates a configuration from disk.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	return decode(f)
}

func decode(r io.Reader) (*Config, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	var cfg Config
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks for semantic correctness in the configuration.
func (c *Config) Validate() error {
	problems := make([]string, 0)

	if len(c.Groups) == 0 {
		problems = append(problems, "at least one group must be configured")
	}
	seen := make(map[string]struct{}, len(c.Groups))
	for i, group := range c.Groups {
		name := strings.TrimSpace(group.Name)
		if name == "" {
			problems = append(problems, fmt.Sprintf("groups[%d]: name is required", i))
			continue
		}
		if _, dup := seen[name]; dup {
			problems = append(problems, fmt.Sprintf("groups[%d]: duplicate group name %q", i, name))
		}
		seen[name] = struct{}{}
	}

	if len(c.Probe.Cmd) == 0 {
		problems = append(problems, "probe.cmd must specify the availability check command")
	} else if !argvContains(c.Probe.Cmd, "{group}") {
		problems = append(problems, "probe.cmd must reference the {group} placeholder")
	}
	if c.Probe.TimeoutSec < 0 {
		problems = append(problems, "probe.timeout_sec must be non-negative")
	}

	if len(c.Reboot.Cmd) == 0 {
		problems = append(problems, "reboot.cmd must specify the reboot command")
	} else if !argvContains(c.Reboot.Cmd, "{host}") {
		problems = append(problems, "reboot.cmd must reference the {host} placeholder")
	}
	if c.Reboot.DelayMin <= 0 {
		problems = append(problems, "reboot.delay_min must be greater than zero")
	}
	if c.Reboot.TimeoutSec < 0 {
		problems = append(problems, "reboot.timeout_sec must be non-negative")
	}

	if c.NotifyTimeoutSec <= 0 {
		problems = append(problems, "notify_timeout_sec must be greater than zero")
	}
	if c.FailureThreshold <= 0 {
		problems = append(problems, "failure_threshold must be greater than zero")
	}
	if c.CheckIntervalSec <= 0 {
		problems = append(problems, "check_interval_sec must be greater than zero")
	}

	switch c.Store.Type {
	case StoreTypeFile:
		if strings.TrimSpace(c.Store.Path) == "" {
			problems = append(problems, "store.path is required for the file store")
		}
	case StoreTypeEtcd:
		if strings.TrimSpace(c.Store.EtcdKey) == "" {
			problems = append(problems, "store.etcd_key is required for the etcd store")
		}
		if c.Etcd == nil || len(c.Etcd.Endpoints) == 0 {
			problems = append(problems, "etcd.endpoints must be set for the etcd store")
		}
	default:
		problems = append(problems, fmt.Sprintf("store.type %q is not supported", c.Store.Type))
	}

	if c.Lock.Enabled {
		if strings.TrimSpace(c.Lock.Key) == "" {
			problems = append(problems, "lock.key is required when the lock is enabled")
		}
		if c.Lock.TTLSec <= 0 {
			problems = append(problems, "lock.ttl_sec must be greater than zero when the lock is enabled")
		}
		if c.Etcd == nil || len(c.Etcd.Endpoints) == 0 {
			problems = append(problems, "etcd.endpoints must be set when the lock is enabled")
		}
	}

	if c.Etcd != nil && c.Etcd.TLS != nil && c.Etcd.TLS.Enabled {
		if strings.TrimSpace(c.Etcd.TLS.CAFile) == "" {
			problems = append(problems, "etcd.tls.ca_file is required when TLS is enabled")
		}
		if strings.TrimSpace(c.Etcd.TLS.CertFile) == "" {
			problems = append(problems, "etcd.tls.cert_file is required when TLS is enabled")
		}
		if strings.TrimSpace(c.Etcd.TLS.KeyFile) == "" {
			problems = append(problems, "etcd.tls.key_file is required when TLS is enabled")
		}
	}

	if c.Guards.MaxUnhealthyFraction != nil {
		if *c.Guards.MaxUnhealthyFraction <= 0 || *c.Guards.MaxUnhealthyFraction > 1 {
			problems = append(problems, "guards.max_unhealthy_fraction must be within (0,1]")
		}
	}
	if c.Guards.MaxRebootsPerCycle < 0 {
		problems = append(problems, "guards.max_reboots_per_cycle must be non-negative")
	}

	if c.Metrics.Enabled && strings.TrimSpace(c.Metrics.Listen) == "" {
		problems = append(problems, "metrics.listen must be set when metrics.enabled is true")
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Probe.TimeoutSec == 0 {
		c.Probe.TimeoutSec = 120
	}
	if c.Reboot.DelayMin == 0 {
		c.Reboot.DelayMin = 2
	}
	if c.Reboot.TimeoutSec == 0 {
		c.Reboot.TimeoutSec = 60
	}
	if c.NotifyTimeoutSec == 0 {
		c.NotifyTimeoutSec = 5
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 2
	}
	if c.CheckIntervalSec == 0 {
		c.CheckIntervalSec = 300
	}
	if strings.TrimSpace(c.Store.Type) == "" {
		c.Store.Type = StoreTypeFile
	}
	if c.Store.Type == StoreTypeFile && strings.TrimSpace(c.Store.Path) == "" {
		c.Store.Path = "/var/lib/gpu-watchdog/state.json"
	}
	if c.Lock.Enabled {
		if strings.TrimSpace(c.Lock.Key) == "" {
			c.Lock.Key = "/gpu-watchdog/lock"
		}
		if c.Lock.TTLSec == 0 {
			c.Lock.TTLSec = 60
		}
	}
	if c.Etcd != nil && c.Etcd.DialTimeoutSec == 0 {
		c.Etcd.DialTimeoutSec = 5
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = "127.0.0.1:9090"
	}
	if c.KillSwitchFile == "" {
		c.KillSwitchFile = "/etc/gpu-watchdog/disable"
	}
}

func argvContains(argv []string, placeholder string) bool {
	for _, arg := range argv {
		if strings.Contains(arg, placeholder) {
			return true
		}
	}
	return false
}

// GroupNames returns the configured group identifiers in declaration order.
func (c *Config) GroupNames() []string {
	names := make([]string, 0, len(c.Groups))
	for _, group := range c.Groups {
		names = append(names, group.Name)
	}
	return names
}

// Webhooks returns the group-to-destination mapping for the notifier. Groups
// without a webhook are omitted; notifying them is a local, non-fatal error.
func (c *Config) Webhooks() map[string]string {
	webhooks := make(map[string]string, len(c.Groups))
	for _, group := range c.Groups {
		if strings.TrimSpace(group.SlackWebhookURL) != "" {
			webhooks[group.Name] = group.SlackWebhookURL
		}
	}
	return webhooks
}

// RebootDelay returns how far in the future remote reboots are scheduled.
func (c *Config) RebootDelay() time.Duration {
	return time.Duration(c.Reboot.DelayMin) * time.Minute
}

// ProbeTimeout returns the per-group probe command timeout.
func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.Probe.TimeoutSec) * time.Second
}

// RebootTimeout returns the reboot command timeout.
func (c *Config) RebootTimeout() time.Duration {
	return time.Duration(c.Reboot.TimeoutSec) * time.Second
}

// NotifyTimeout bounds a single notification delivery.
func (c *Config) NotifyTimeout() time.Duration {
	return time.Duration(c.NotifyTimeoutSec) * time.Second
}

// CheckInterval returns the spacing between cycles in watch mode.
func (c *Config) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSec) * time.Second
}

// LockTTL returns the etcd lock TTL as a duration.
func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.Lock.TTLSec) * time.Second
}

// EtcdDialTimeout returns the etcd client dial timeout.
func (c *Config) EtcdDialTimeout() time.Duration {
	if c.Etcd == nil {
		return 0
	}
	return time.Duration(c.Etcd.DialTimeoutSec) * time.Second
}

// EtcdTLS materialises the optional TLS configuration for etcd connections.
func (c *Config) EtcdTLS() (*tls.Config, error) {
	if c.Etcd == nil || c.Etcd.TLS == nil || !c.Etcd.TLS.Enabled {
		return nil, nil
	}
	settings := c.Etcd.TLS

	cert, err := tls.LoadX509KeyPair(settings.CertFile, settings.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load etcd client keypair: %w", err)
	}
	caPEM, err := os.ReadFile(settings.CAFile)
	if err != nil {
		return nil, fmt.Errorf("read etcd CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("parse etcd CA file %s", settings.CAFile)
	}

	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		RootCAs:            pool,
		InsecureSkipVerify: settings.Insecure,
	}, nil
}
