// Package config provides configuration management for the relay server.
// It handles loading and parsing YAML configuration files, and provides
// structured access to application settings including listener address,
// credential storage, load-balancing strategy, and upstream addressing.
package config

import (
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/kiro-relay/kiro-relay/internal/degrade"
	"github.com/kiro-relay/kiro-relay/internal/modelmap"
	"github.com/kiro-relay/kiro-relay/internal/pool"
)

const (
	// DefaultCredentialRefreshTimeout is the default for CredentialRefreshTimeout.
	DefaultCredentialRefreshTimeout = 30 * time.Second
	// DefaultCredentialSyncInterval is the default for CredentialSyncInterval.
	DefaultCredentialSyncInterval = 5 * time.Second
	// DefaultMaxRetryInterval caps the cross-account retry backoff.
	DefaultMaxRetryInterval = 30 * time.Second
)

// LoadBalancing nests the pool's selection strategy under its own key the
// way the teacher nests RemoteManagement and TLS under theirs.
type LoadBalancing struct {
	// Strategy selects one of pool.PolicyRoundRobin, pool.PolicyRandom, or
	// pool.PolicyLeastUsed. Defaults to round-robin when empty or unknown.
	Strategy string `yaml:"strategy"`
}

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// Host is the network host/interface the API server binds to. Empty
	// binds all interfaces.
	Host string `yaml:"host"`
	// Port is the network port the API server listens on.
	Port int `yaml:"port"`

	// AuthDir is the directory containing the shared accounts file, mirroring
	// the teacher's AuthDir. When AccountsFile is relative it is resolved
	// against this directory.
	AuthDir string `yaml:"auth-dir"`
	// AccountsFile names the shared accounts JSON file. When set, the pool
	// runs in shared mode and accepts no direct mutation API calls.
	AccountsFile string `yaml:"accounts-file"`

	// CompatMode selects the degradation retry engine's transformation
	// list: strict, balanced, or relaxed. Defaults to balanced.
	CompatMode string `yaml:"compat-mode"`

	// LoadBalancing selects the account pool's selection strategy.
	LoadBalancing LoadBalancing `yaml:"load-balancing"`

	// AdminKey is the management secret for /api/admin/*, plaintext in the
	// file on disk and bcrypt-hashed in memory immediately after load.
	AdminKey string `yaml:"admin-key"`

	// Region is the upstream AWS region used to build the generate and
	// refresh endpoint hosts.
	Region string `yaml:"region"`
	// KiroVersion is embedded in the composite User-Agent header.
	KiroVersion string `yaml:"kiro-version"`
	// MachineIDPrefix seeds the per-account machine id used in outbound
	// headers and refresh payloads.
	MachineIDPrefix string `yaml:"machine-id-prefix"`
	// ProxyURL is an optional upstream HTTP(S) proxy for all outbound calls.
	ProxyURL string `yaml:"proxy-url"`

	// ModelMappings is the inline resolution table consulted by
	// internal/modelmap.Resolver.
	ModelMappings []modelmap.Mapping `yaml:"model-mappings"`

	// RequestRetry bounds how many accounts a single inbound request may
	// rotate through before giving up.
	RequestRetry int `yaml:"request-retry"`
	// MaxRetryInterval caps the backoff between cross-account retries.
	MaxRetryInterval time.Duration `yaml:"max-retry-interval"`

	// Debug enables debug-level logging.
	Debug bool `yaml:"debug"`
	// LoggingToFile tees logs to a file (appended to, not rotated) in
	// addition to stderr.
	LoggingToFile bool `yaml:"logging-to-file"`

	// CredentialRefreshTimeout defaults to 30s. Token refresh calls use the
	// fixed credstore.RefreshTimeout and do not read this value.
	CredentialRefreshTimeout time.Duration `yaml:"credential-refresh-timeout"`
	// CredentialSyncInterval defaults to 5s. The shared-file synchronizer
	// polls at the fixed syncfile.PollInterval and does not read this value.
	CredentialSyncInterval time.Duration `yaml:"credential-sync-interval"`
}

// Load reads, parses, and normalizes the YAML configuration file at path.
// It is the sole entry point for obtaining a Config, mirroring the
// teacher's config.LoadConfig.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyDefaults()

	if cfg.AdminKey != "" && !looksLikeBcrypt(cfg.AdminKey) {
		hashed, err := hashSecret(cfg.AdminKey)
		if err != nil {
			return nil, fmt.Errorf("config: hash admin key: %w", err)
		}
		cfg.AdminKey = hashed
	}

	log.Debugf("config: loaded %s (accounts-file=%q strategy=%q compat-mode=%q)", path, cfg.AccountsFile, cfg.LoadBalancing.Strategy, cfg.CompatMode)
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LoadBalancing.Strategy == "" {
		c.LoadBalancing.Strategy = string(pool.PolicyRoundRobin)
	}
	if c.CompatMode == "" {
		c.CompatMode = string(degrade.CompatBalanced)
	}
	if c.CredentialRefreshTimeout == 0 {
		c.CredentialRefreshTimeout = DefaultCredentialRefreshTimeout
	}
	if c.CredentialSyncInterval == 0 {
		c.CredentialSyncInterval = DefaultCredentialSyncInterval
	}
	if c.MaxRetryInterval == 0 {
		c.MaxRetryInterval = DefaultMaxRetryInterval
	}
	if c.RequestRetry <= 0 {
		c.RequestRetry = 3
	}
}

// Policy returns the configured load-balancing strategy as a pool.Policy,
// falling back to round-robin for an unrecognized value.
func (c *Config) Policy() pool.Policy {
	switch pool.Policy(c.LoadBalancing.Strategy) {
	case pool.PolicyRandom:
		return pool.PolicyRandom
	case pool.PolicyLeastUsed:
		return pool.PolicyLeastUsed
	default:
		return pool.PolicyRoundRobin
	}
}

// Compat returns the configured compatibility mode as a degrade.CompatMode,
// falling back to balanced for an unrecognized value.
func (c *Config) Compat() degrade.CompatMode {
	switch degrade.CompatMode(c.CompatMode) {
	case degrade.CompatStrict:
		return degrade.CompatStrict
	case degrade.CompatRelaxed:
		return degrade.CompatRelaxed
	default:
		return degrade.CompatBalanced
	}
}

// CheckAdminKey reports whether candidate matches the loaded (bcrypt-hashed)
// admin key. An empty configured key rejects every candidate.
func (c *Config) CheckAdminKey(candidate string) bool {
	if c.AdminKey == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(c.AdminKey), []byte(candidate)) == nil
}

// looksLikeBcrypt returns true if the provided string appears to already be
// a bcrypt hash.
func looksLikeBcrypt(s string) bool {
	return len(s) > 4 && (s[:4] == "$2a$" || s[:4] == "$2b$" || s[:4] == "$2y$")
}

// hashSecret hashes the given secret using bcrypt.
func hashSecret(secret string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}
