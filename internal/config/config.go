// Package config handles mailgw configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/textfortress/mailgw/internal/credstore"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/mailgw/config.yaml, /config/config.yaml,
// /etc/mailgw/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mailgw", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/mailgw/config.yaml")
	return paths
}

// searchPathsFunc is indirected so tests can override it without
// touching the real filesystem paths on the developer's machine.
var searchPathsFunc = DefaultSearchPaths

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches searchPathsFunc() and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	paths := searchPathsFunc()
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", paths)
}

// Config holds all mailgw configuration.
type Config struct {
	Accounts    []AccountConfig   `yaml:"accounts"`
	Pool        PoolConfig        `yaml:"pool"`
	Cache       CacheConfig       `yaml:"cache"`
	Attachments AttachmentsConfig `yaml:"attachments"`
	MCP         MCPConfig         `yaml:"mcp"`
	Agent       AgentConfig       `yaml:"agent"`
	LogLevel    string            `yaml:"log_level"`
}

// AccountConfig describes a single IMAP account and its pool sizing.
type AccountConfig struct {
	// ID is a stable identifier used in tool parameters, cache rows,
	// and logging (e.g. "personal", "work"). Required.
	ID string `yaml:"id"`

	// Email is the account's address, used for attachment storage
	// paths. Defaults to Username when empty.
	Email string `yaml:"email"`

	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// PasswordEncrypted holds a credstore-sealed password (hex
	// "nonce||ciphertext") for deployments that don't want plaintext
	// credentials in the config file. Decrypted into Password during
	// Load when MAILGW_CREDENTIAL_KEY is set; ignored otherwise.
	PasswordEncrypted string `yaml:"password_encrypted"`

	TLS bool `yaml:"tls"`

	// Default marks the account the sync loop and agent executor use
	// when no account id is supplied in a request.
	Default bool `yaml:"default"`

	// MinConnections/MaxConnections override Pool's defaults for this
	// account only. Zero means "use Pool.MinConnections/MaxConnections".
	MinConnections int `yaml:"min_connections"`
	MaxConnections int `yaml:"max_connections"`
}

// PoolConfig holds default connection pool sizing, shared across
// accounts unless overridden per-account.
type PoolConfig struct {
	MinConnections      int           `yaml:"min_connections"`
	MaxConnections      int           `yaml:"max_connections"`
	IdleTimeout         time.Duration `yaml:"idle_timeout"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	AcquireTimeout      time.Duration `yaml:"acquire_timeout"`
}

// CacheConfig controls the mail cache's durable store and memory overlay.
type CacheConfig struct {
	DatabasePath        string `yaml:"database_path"`
	MaxMemoryItems      int    `yaml:"max_memory_items"`
	MaxCacheSizeMB      int    `yaml:"max_cache_size_mb"`
	MaxEmailAgeDays     int    `yaml:"max_email_age_days"`
	SyncIntervalSeconds int    `yaml:"sync_interval_seconds"`
}

// AttachmentsConfig controls the attachment store's filesystem root.
type AttachmentsConfig struct {
	StorageRoot string `yaml:"storage_root"`
}

// MCPConfig controls the JSON-RPC dispatcher's transports.
type MCPConfig struct {
	HTTPAddress  string `yaml:"http_address"`
	StdioEnabled bool   `yaml:"stdio_enabled"`
	APIKey       string `yaml:"api_key"`
}

// AgentConfig controls the agent executor's defaults.
type AgentConfig struct {
	MaxIterations int `yaml:"max_iterations"`
}

// Configured reports whether at least one account has the minimum
// IMAP configuration required to connect (host and username).
func (c Config) Configured() bool {
	for _, a := range c.Accounts {
		if a.Host != "" && a.Username != "" {
			return true
		}
	}
	return false
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates
// the result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${IMAP_PASSWORD}). This is a
	// convenience for container deployments; the recommended approach
	// is to put secrets in the environment, not the file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	if err := cfg.decryptAccountPasswords(); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// decryptAccountPasswords unseals any PasswordEncrypted account field
// into Password, using the master key from MAILGW_CREDENTIAL_KEY.
// Accounts with no PasswordEncrypted are left untouched; if none of the
// configured accounts use it, a missing key is not an error.
func (c *Config) decryptAccountPasswords() error {
	needsKey := false
	for _, a := range c.Accounts {
		if a.PasswordEncrypted != "" {
			needsKey = true
			break
		}
	}
	if !needsKey {
		return nil
	}

	key, ok, err := credstore.KeyFromEnv()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if !ok {
		return fmt.Errorf("config: one or more accounts set password_encrypted but %s is not set", "MAILGW_CREDENTIAL_KEY")
	}

	for i := range c.Accounts {
		if c.Accounts[i].PasswordEncrypted == "" {
			continue
		}
		plaintext, err := credstore.Decrypt(c.Accounts[i].PasswordEncrypted, key)
		if err != nil {
			return fmt.Errorf("config: account %q: %w", c.Accounts[i].ID, err)
		}
		c.Accounts[i].Password = plaintext
	}
	return nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.Pool.MinConnections == 0 {
		c.Pool.MinConnections = 2
	}
	if c.Pool.MaxConnections == 0 {
		c.Pool.MaxConnections = 10
	}
	if c.Pool.IdleTimeout == 0 {
		c.Pool.IdleTimeout = 5 * time.Minute
	}
	if c.Pool.HealthCheckInterval == 0 {
		c.Pool.HealthCheckInterval = 30 * time.Second
	}
	if c.Pool.AcquireTimeout == 0 {
		c.Pool.AcquireTimeout = 10 * time.Second
	}

	if c.Cache.DatabasePath == "" {
		c.Cache.DatabasePath = "data/mail_cache.db"
	}
	if c.Cache.MaxMemoryItems == 0 {
		c.Cache.MaxMemoryItems = 1000
	}
	if c.Cache.MaxCacheSizeMB == 0 {
		c.Cache.MaxCacheSizeMB = 1000
	}
	if c.Cache.MaxEmailAgeDays == 0 {
		c.Cache.MaxEmailAgeDays = 30
	}
	if c.Cache.SyncIntervalSeconds == 0 {
		c.Cache.SyncIntervalSeconds = 300
	}

	if c.Attachments.StorageRoot == "" {
		c.Attachments.StorageRoot = "attachments"
	}

	if c.MCP.HTTPAddress == "" {
		c.MCP.HTTPAddress = ":8090"
	}
	if c.MCP.APIKey == "" {
		c.MCP.APIKey = os.Getenv("MAILGW_API_KEY")
	}

	if c.Agent.MaxIterations == 0 {
		c.Agent.MaxIterations = maxIterationsDefault()
	}

	for i := range c.Accounts {
		if c.Accounts[i].Port == 0 {
			c.Accounts[i].Port = 993
		}
		if !c.Accounts[i].TLS && c.Accounts[i].Port != 143 {
			c.Accounts[i].TLS = true
		}
		if c.Accounts[i].Email == "" {
			c.Accounts[i].Email = c.Accounts[i].Username
		}
		if c.Accounts[i].MinConnections == 0 {
			c.Accounts[i].MinConnections = c.Pool.MinConnections
		}
		if c.Accounts[i].MaxConnections == 0 {
			c.Accounts[i].MaxConnections = c.Pool.MaxConnections
		}
	}
}

// maxIterationsDefault returns the agent executor's default iteration
// cap, overridable via AGENT_MAX_ITERATIONS so operators can bound
// runaway tool-calling loops without editing the config file.
func maxIterationsDefault() int {
	const fallback = 1000
	v := os.Getenv("AGENT_MAX_ITERATIONS")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

// Validate checks that the configuration is internally consistent.
// It runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	ids := make(map[string]bool, len(c.Accounts))
	defaults := 0
	for i, a := range c.Accounts {
		if a.ID == "" {
			return fmt.Errorf("accounts[%d].id must not be empty", i)
		}
		if ids[a.ID] {
			return fmt.Errorf("accounts[%d].id %q is a duplicate", i, a.ID)
		}
		ids[a.ID] = true

		if a.Host == "" {
			return fmt.Errorf("accounts[%d] (%s): host is required", i, a.ID)
		}
		if a.Username == "" {
			return fmt.Errorf("accounts[%d] (%s): username is required", i, a.ID)
		}
		if a.Port < 1 || a.Port > 65535 {
			return fmt.Errorf("accounts[%d] (%s): port %d out of range (1-65535)", i, a.ID, a.Port)
		}
		if a.MaxConnections < a.MinConnections {
			return fmt.Errorf("accounts[%d] (%s): max_connections (%d) < min_connections (%d)", i, a.ID, a.MaxConnections, a.MinConnections)
		}
		if a.Default {
			defaults++
		}
	}
	if defaults > 1 {
		return fmt.Errorf("at most one account may be marked default, found %d", defaults)
	}

	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// DefaultAccountID returns the id of the account marked default, or the
// first configured account's id if none is marked, or "" if there are
// no accounts.
func (c *Config) DefaultAccountID() string {
	for _, a := range c.Accounts {
		if a.Default {
			return a.ID
		}
	}
	if len(c.Accounts) > 0 {
		return c.Accounts[0].ID
	}
	return ""
}
