package config

import (
	"fmt"
	"log"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/migadu/sievemgr/consts"
	"github.com/migadu/sievemgr/helpers"
	"github.com/migadu/sievemgr/sasl"
)

// Connection security of an account.
const (
	SecurityNone     = "none"     // plaintext, STARTTLS is not attempted
	SecurityStartTLS = "starttls" // plaintext connect, then STARTTLS is required
	SecurityTLS      = "tls"      // implicit TLS from the first byte
)

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output string `toml:"output"` // Log output: "stderr", "stdout", "syslog", or file path
	Format string `toml:"format"` // Log format: "json" or "console"
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", "error"
}

// MetricsConfig controls the Prometheus textfile written after each run.
type MetricsConfig struct {
	// Textfile is a path in the node_exporter textfile collector directory.
	// Empty disables the export.
	Textfile string `toml:"textfile"`
}

// TLSConfig holds certificate validation settings of an account.
type TLSConfig struct {
	ServerName     string `toml:"server_name"`      // Name checked against the certificate, defaults to host
	CAFile         string `toml:"ca_file"`          // PEM bundle used instead of the system roots
	ClientCertFile string `toml:"client_cert_file"` // Client certificate for SASL EXTERNAL
	ClientKeyFile  string `toml:"client_key_file"`
	// PinnedFingerprints are SHA-256 fingerprints of accepted server
	// certificates, hex with or without colons.
	PinnedFingerprints []string `toml:"pinned_fingerprints"`
	// AllowedErrors are validation errors ignored for a pinned certificate:
	// "self-signed", "unknown-authority", "expired", "hostname-mismatch", "invalid".
	AllowedErrors []string `toml:"allowed_errors"`
	MinVersion    string   `toml:"min_version"` // "1.2" (default) or "1.3"
}

// AccountConfig describes one ManageSieve account.
type AccountConfig struct {
	Name     string `toml:"name"`
	Host     string `toml:"host"`
	Port     int    `toml:"port"`     // Default 4190
	Security string `toml:"security"` // "none", "starttls" (default) or "tls"

	Username      string `toml:"username"` // Empty skips authentication
	Password      string `toml:"password"`
	PasswordFile  string `toml:"password_file"` // Read when password is empty
	Authorization string `toml:"authorization"` // Identity to act as, needs an authorizable mechanism
	Mechanism     string `toml:"mechanism"`     // Force a SASL mechanism

	Timeout         string `toml:"timeout"`          // Per command, default "30s"
	IdleInterval    string `toml:"idle_interval"`    // Keep-alive interval, default "5m"
	Keepalive       bool   `toml:"keepalive"`        // Send NOOP when idle
	MaxRedirects    int    `toml:"max_redirects"`    // REFERRAL hops, default 5
	ConnectRetries  int    `toml:"connect_retries"`  // Default 3, negative disables retries
	ValidateLocally bool   `toml:"validate_locally"` // Check scripts before uploading

	TLS TLSConfig `toml:"tls"`
}

// Config is the configuration file of sievemgr.
type Config struct {
	Logging  LoggingConfig   `toml:"logging"`
	Metrics  MetricsConfig   `toml:"metrics"`
	Accounts []AccountConfig `toml:"account"`
}

// NewDefaultConfig creates a configuration with default values
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "warn",
		},
	}
}

// Account returns the account called name, or the first account when name
// is empty.
func (c *Config) Account(name string) (*AccountConfig, error) {
	if len(c.Accounts) == 0 {
		return nil, fmt.Errorf("no account configured")
	}
	if name == "" {
		return &c.Accounts[0], nil
	}
	for i := range c.Accounts {
		if c.Accounts[i].Name == name {
			return &c.Accounts[i], nil
		}
	}
	return nil, fmt.Errorf("account '%s' not found", name)
}

// Validate checks every account.
func (c *Config) Validate() error {
	seen := make(map[string]bool)
	for i := range c.Accounts {
		a := &c.Accounts[i]
		if err := a.Validate(); err != nil {
			return err
		}
		if seen[a.Name] {
			return fmt.Errorf("duplicate account name '%s'", a.Name)
		}
		seen[a.Name] = true
	}
	return nil
}

// Validate checks the account for settings that cannot work.
func (a *AccountConfig) Validate() error {
	if a.Name == "" {
		return fmt.Errorf("account without name")
	}
	if a.Host == "" {
		return fmt.Errorf("account '%s': host is required", a.Name)
	}
	if a.Port < 0 || a.Port > 65535 {
		return fmt.Errorf("account '%s': invalid port %d", a.Name, a.Port)
	}
	switch a.GetSecurity() {
	case SecurityNone, SecurityStartTLS, SecurityTLS:
	default:
		return fmt.Errorf("account '%s': invalid security '%s' (expected none, starttls or tls)", a.Name, a.Security)
	}
	if a.Mechanism != "" && !sasl.Supported(a.Mechanism) {
		return fmt.Errorf("account '%s': unsupported SASL mechanism '%s'", a.Name, a.Mechanism)
	}
	if a.Password != "" && a.PasswordFile != "" {
		return fmt.Errorf("account '%s': password and password_file are mutually exclusive", a.Name)
	}
	if _, err := a.GetTimeout(); err != nil {
		return fmt.Errorf("account '%s': invalid timeout: %w", a.Name, err)
	}
	if _, err := a.GetIdleInterval(); err != nil {
		return fmt.Errorf("account '%s': invalid idle_interval: %w", a.Name, err)
	}
	if (a.TLS.ClientCertFile == "") != (a.TLS.ClientKeyFile == "") {
		return fmt.Errorf("account '%s': client_cert_file and client_key_file must be set together", a.Name)
	}
	switch a.TLS.MinVersion {
	case "", "1.2", "1.3":
	default:
		return fmt.Errorf("account '%s': invalid tls min_version '%s'", a.Name, a.TLS.MinVersion)
	}
	return nil
}

// GetPort returns the configured port or the ManageSieve default.
func (a *AccountConfig) GetPort() int {
	if a.Port == 0 {
		return consts.DefaultPort
	}
	return a.Port
}

// GetSecurity returns the normalized security mode, starttls by default.
func (a *AccountConfig) GetSecurity() string {
	if a.Security == "" {
		return SecurityStartTLS
	}
	return strings.ToLower(a.Security)
}

// GetTimeout parses the command timeout.
func (a *AccountConfig) GetTimeout() (time.Duration, error) {
	if a.Timeout == "" {
		return consts.DefaultTimeout, nil
	}
	return helpers.ParseDuration(a.Timeout)
}

// GetTimeoutWithDefault returns the command timeout, falling back to the
// default when the value does not parse.
func (a *AccountConfig) GetTimeoutWithDefault() time.Duration {
	d, err := a.GetTimeout()
	if err != nil {
		return consts.DefaultTimeout
	}
	return d
}

// GetIdleInterval parses the keep-alive interval.
func (a *AccountConfig) GetIdleInterval() (time.Duration, error) {
	if a.IdleInterval == "" {
		return consts.DefaultIdleInterval, nil
	}
	return helpers.ParseDuration(a.IdleInterval)
}

func (a *AccountConfig) GetIdleIntervalWithDefault() time.Duration {
	d, err := a.GetIdleInterval()
	if err != nil {
		return consts.DefaultIdleInterval
	}
	return d
}

func (a *AccountConfig) GetMaxRedirects() int {
	if a.MaxRedirects <= 0 {
		return consts.DefaultMaxRedirects
	}
	return a.MaxRedirects
}

// GetConnectRetries returns how often a failed connect is retried.
func (a *AccountConfig) GetConnectRetries() int {
	switch {
	case a.ConnectRetries < 0:
		return 0
	case a.ConnectRetries == 0:
		return consts.DefaultConnectRetries
	}
	return a.ConnectRetries
}

// GetPassword returns the password, reading password_file if needed.
func (a *AccountConfig) GetPassword() (string, error) {
	if a.Password != "" || a.PasswordFile == "" {
		return a.Password, nil
	}
	data, err := os.ReadFile(a.PasswordFile)
	if err != nil {
		return "", fmt.Errorf("failed to read password file: %w", err)
	}
	return strings.TrimRight(string(data), "\r\n"), nil
}

// LoadConfigFromFile loads configuration from a TOML file and trims
// whitespace from all string fields. Unknown keys are reported and ignored.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		return enhanceConfigError(err)
	}

	if undecoded := metadata.Undecoded(); len(undecoded) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range undecoded {
			log.Printf("WARNING:   - %s", key)
		}
	}

	trimStringFields(reflect.ValueOf(cfg).Elem())
	return nil
}

// enhanceConfigError adds a hint to common TOML mistakes.
func enhanceConfigError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "has already been defined"):
		return fmt.Errorf("%w\n\nHINT: a key appears twice in the same section", err)
	case strings.Contains(msg, "expected value but found \"f\""),
		strings.Contains(msg, "expected value but found \"t\""):
		return fmt.Errorf("%w\n\nHINT: boolean values must be exactly 'true' or 'false'", err)
	case strings.Contains(msg, "incompatible types"):
		return fmt.Errorf("%w\n\nHINT: numbers such as port must not be quoted, durations must be", err)
	}
	return err
}

// trimStringFields recursively trims whitespace from all string fields in a struct
func trimStringFields(v reflect.Value) {
	if !v.IsValid() || !v.CanSet() {
		return
	}
	switch v.Kind() {
	case reflect.String:
		v.SetString(strings.TrimSpace(v.String()))
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			trimStringFields(v.Index(i))
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			trimStringFields(v.Field(i))
		}
	case reflect.Ptr:
		if !v.IsNil() {
			trimStringFields(v.Elem())
		}
	}
}
