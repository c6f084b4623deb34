package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/arohanajit/nodeclient/internal/nodes"
	"github.com/arohanajit/nodeclient/internal/transport"
)

// ClientConfig holds all configuration settings for the client
type ClientConfig struct {
	// Cluster identity checks
	ClusterName       string `yaml:"cluster_name"`
	IgnoreClusterName bool   `yaml:"ignore_cluster_name"` // Accept nodes from any cluster
	MinNodeVersion    string `yaml:"min_node_version"`    // Oldest node version accepted, empty accepts all

	// Initial listed addresses (host:port)
	Addresses []string `yaml:"addresses"`

	// Connection settings
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	PingTimeout          time.Duration `yaml:"ping_timeout"`
	PingInterval         time.Duration `yaml:"ping_interval"`          // Time between sampling cycles
	PingFailureThreshold int           `yaml:"ping_failure_threshold"` // Missed pings before a node is disconnected
	SampleConcurrency    int           `yaml:"sample_concurrency"`
	SchedulerWorkers     int           `yaml:"scheduler_workers"`

	// Dispatch settings
	MaxAttempts    int           `yaml:"max_attempts"` // 0 tries every connected node once
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// Address discovery through etcd, disabled when no endpoints are set
	EtcdEndpoints []string `yaml:"etcd_endpoints"`
	EtcdPrefix    string   `yaml:"etcd_prefix"`

	// Admin API
	ListenAddr string `yaml:"listen_addr"`
}

// DefaultConfig returns a ClientConfig with default values
func DefaultConfig() ClientConfig {
	return ClientConfig{
		ClusterName:          "nodeclient",
		ConnectTimeout:       5 * time.Second,
		PingTimeout:          5 * time.Second,
		PingInterval:         5 * time.Second, // Default to 5 seconds
		PingFailureThreshold: 3,
		SampleConcurrency:    8,
		SchedulerWorkers:     16,
		MaxAttempts:          0,
		RequestTimeout:       30 * time.Second,
		EtcdPrefix:           "/services/nodeclient/nodes/",
		ListenAddr:           "0.0.0.0:8080",
	}
}

// LoadConfig loads configuration from environment variables on top of the
// defaults. Malformed values are reported rather than ignored.
func LoadConfig() (ClientConfig, error) {
	config := DefaultConfig()
	err := applyEnv(&config)
	return config, err
}

// LoadConfigFile reads a YAML file over the defaults, then applies environment overrides
func LoadConfigFile(path string) (ClientConfig, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return config, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	err = applyEnv(&config)
	return config, err
}

// applyEnv applies every set variable it can parse and returns an error
// naming each one it could not
func applyEnv(config *ClientConfig) error {
	var errs error

	if clusterName := os.Getenv("CLUSTER_NAME"); clusterName != "" {
		config.ClusterName = clusterName
	}

	if ignore := os.Getenv("IGNORE_CLUSTER_NAME"); ignore != "" {
		b, err := strconv.ParseBool(ignore)
		if err != nil {
			errs = multierr.Append(errs, envError("IGNORE_CLUSTER_NAME", ignore, err))
		} else {
			config.IgnoreClusterName = b
		}
	}

	if minVersion := os.Getenv("MIN_NODE_VERSION"); minVersion != "" {
		config.MinNodeVersion = minVersion
	}

	if addresses := os.Getenv("TRANSPORT_ADDRESSES"); addresses != "" {
		config.Addresses = splitList(addresses)
	}

	errs = multierr.Combine(errs,
		setDuration("CONNECT_TIMEOUT", &config.ConnectTimeout),
		setDuration("PING_TIMEOUT", &config.PingTimeout),
		setDuration("PING_INTERVAL", &config.PingInterval),
		setDuration("REQUEST_TIMEOUT", &config.RequestTimeout),
		setInt("PING_FAILURE_THRESHOLD", &config.PingFailureThreshold),
		setInt("SAMPLE_CONCURRENCY", &config.SampleConcurrency),
		setInt("SCHEDULER_WORKERS", &config.SchedulerWorkers),
		setInt("MAX_ATTEMPTS", &config.MaxAttempts),
	)

	if endpoints := os.Getenv("ETCD_ENDPOINTS"); endpoints != "" {
		config.EtcdEndpoints = splitList(endpoints)
	}
	if prefix := os.Getenv("ETCD_PREFIX"); prefix != "" {
		config.EtcdPrefix = prefix
	}

	if listen := os.Getenv("LISTEN_ADDR"); listen != "" {
		config.ListenAddr = listen
	}
	return errs
}

func envError(key, value string, err error) error {
	return fmt.Errorf("invalid %s %q: %w", key, value, err)
}

func setDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return envError(key, v, err)
	}
	*dst = d
	return nil
}

func setInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return envError(key, v, err)
	}
	*dst = n
	return nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks if the configuration is valid
func (c ClientConfig) Validate() error {
	durations := map[string]time.Duration{
		"connect_timeout": c.ConnectTimeout,
		"ping_timeout":    c.PingTimeout,
		"ping_interval":   c.PingInterval,
		"request_timeout": c.RequestTimeout,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %v", name, d)
		}
	}

	if c.PingFailureThreshold < 1 {
		return fmt.Errorf("ping_failure_threshold must be at least 1, got %d", c.PingFailureThreshold)
	}
	if c.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts cannot be negative, got %d", c.MaxAttempts)
	}
	if c.SampleConcurrency < 1 || c.SchedulerWorkers < 1 {
		return fmt.Errorf("sample_concurrency and scheduler_workers must be at least 1")
	}
	if !c.IgnoreClusterName && c.ClusterName == "" {
		return fmt.Errorf("cluster_name is required unless ignore_cluster_name is set")
	}
	if c.MinNodeVersion != "" && !nodes.ValidVersion(c.MinNodeVersion) {
		return fmt.Errorf("min_node_version %q is not a valid version", c.MinNodeVersion)
	}
	if _, err := c.ListedAddresses(); err != nil {
		return err
	}
	return nil
}

// ListedAddresses parses the configured addresses
func (c ClientConfig) ListedAddresses() ([]transport.Address, error) {
	return transport.ParseAddresses(c.Addresses)
}

// Filter builds the node filter described by the configuration
func (c ClientConfig) Filter() nodes.Filter {
	var filters []nodes.Filter
	if !c.IgnoreClusterName {
		filters = append(filters, nodes.ClusterNameFilter(c.ClusterName))
	}
	if c.MinNodeVersion != "" {
		filters = append(filters, nodes.MinVersionFilter(c.MinNodeVersion))
	}
	return nodes.AllOf(filters...)
}
