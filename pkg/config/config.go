// Package config loads the gate's YAML configuration and hot-reloads the
// admission knobs when the file changes on disk.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Limits holds the admission-control knobs. This sub-struct is the part the
// config watcher swaps live.
type Limits struct {
	MaxConcurrentPerIP    int `yaml:"max_concurrent_per_ip"`
	MaxAccountsPerIP      int `yaml:"max_accounts_per_ip"`
	MaxAccountsPerMachine int `yaml:"max_accounts_per_machine"`
	LogoutGraceSeconds    int `yaml:"logout_grace_seconds"`

	ThrottleEnabled   bool `yaml:"throttle_enabled"`
	ConcurrentEnabled bool `yaml:"concurrent_enabled"`
	TotalEnabled      bool `yaml:"total_enabled"`
	HardwareEnabled   bool `yaml:"hardware_enabled"`

	AutoCreateAccounts bool   `yaml:"auto_create_accounts"`
	LockdownLevel      string `yaml:"lockdown_level"`
	// GrandfatherBefore exempts accounts created before this RFC 3339
	// timestamp from the total-IP and hardware limiters. Empty disables it.
	GrandfatherBefore string `yaml:"grandfather_before"`
}

// Config is the whole server configuration.
type Config struct {
	ShardName string `yaml:"shard_name"`
	Port      int    `yaml:"port"`

	// --- Data ---
	DataDir  string `yaml:"data_dir"`
	BoltPath string `yaml:"bolt_path"`
	SQLPath  string `yaml:"sql_path"` // empty disables the SQLite mirror

	// --- Admission ---
	Limits Limits `yaml:"limits"`

	// --- Web listener (websocket transport, admin API, metrics) ---
	WebEnabled  bool     `yaml:"web_enabled"`
	WebPort     int      `yaml:"web_port"`
	WebHost     string   `yaml:"web_host"`
	CORSOrigins []string `yaml:"cors_origins"`

	// --- TLS ---
	TLS     bool   `yaml:"tls"`
	Domain  string `yaml:"domain"` // Let's Encrypt when set
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`
	CertDir string `yaml:"cert_dir"`
	TLSPort int    `yaml:"tls_port"`

	// --- Admin API ---
	AdminEnabled bool   `yaml:"admin_enabled"`
	JWTSecret    string `yaml:"jwt_secret"`
	JWTExpiry    int    `yaml:"jwt_expiry"` // seconds

	// --- IP info enrichment ---
	IPInfoURL string `yaml:"ipinfo_url"` // empty disables enrichment

	// --- Misc ---
	IdleTimeout int `yaml:"idle_timeout"` // seconds
	// DecisionRetentionHours bounds the mirrored decisions table.
	DecisionRetentionHours int `yaml:"decision_retention_hours"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		ShardName: "shardgate",
		Port:      2593,
		DataDir:   "data",
		Limits: Limits{
			MaxConcurrentPerIP:    1,
			MaxAccountsPerIP:      1,
			MaxAccountsPerMachine: 1,
			LogoutGraceSeconds:    30,
			ThrottleEnabled:       true,
			ConcurrentEnabled:     true,
			TotalEnabled:          true,
			HardwareEnabled:       true,
			AutoCreateAccounts:    true,
			LockdownLevel:         "player",
		},
		WebPort:                8080,
		JWTExpiry:              int((24 * time.Hour).Seconds()),
		IdleTimeout:            int(time.Hour.Seconds()),
		DecisionRetentionHours: 24 * 30,
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: bad port %d", c.Port)
	}
	if c.WebEnabled && (c.WebPort <= 0 || c.WebPort > 65535) {
		return fmt.Errorf("config: bad web_port %d", c.WebPort)
	}
	if c.Limits.GrandfatherBefore != "" {
		if _, err := time.Parse(time.RFC3339, c.Limits.GrandfatherBefore); err != nil {
			return fmt.Errorf("config: bad grandfather_before: %w", err)
		}
	}
	return nil
}

// GrandfatherCutoff parses the grandfather timestamp; zero when unset.
func (l Limits) GrandfatherCutoff() time.Time {
	if l.GrandfatherBefore == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, l.GrandfatherBefore)
	if err != nil {
		return time.Time{}
	}
	return t
}

// LogoutGrace returns the grace window as a duration.
func (l Limits) LogoutGrace() time.Duration {
	return time.Duration(l.LogoutGraceSeconds) * time.Second
}
