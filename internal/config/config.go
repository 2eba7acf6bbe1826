package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/johndauphine/mention-anonymizer/internal/driver"
	"github.com/johndauphine/mention-anonymizer/internal/plan"
	"github.com/johndauphine/mention-anonymizer/internal/schema"
)

// expandTilde expands ~ or ~/ at the start of a path to the user's home directory
func expandTilde(path string) string {
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// Config holds all configuration for the anonymizer
type Config struct {
	Database   DatabaseConfig    `yaml:"database"`
	Anonymizer AnonymizerConfig  `yaml:"anonymizer"`
	State      StateConfig       `yaml:"state"`
	Schema     schema.Definition `yaml:"schema"`
	Slack      SlackConfig       `yaml:"slack"`
	Metrics    MetricsConfig     `yaml:"metrics"`
}

// SlackConfig holds Slack notification settings
type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
	Username   string `yaml:"username"`
	Enabled    bool   `yaml:"enabled"`
}

// MetricsConfig controls the node-exporter textfile written after each command.
type MetricsConfig struct {
	TextfilePath string `yaml:"textfile_path"`
}

// DatabaseConfig holds the connection settings of the database being anonymized
type DatabaseConfig struct {
	Type            string `yaml:"type"` // mysql (default), postgres, mssql, sqlite
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	Database        string `yaml:"database"` // file path for sqlite
	User            string `yaml:"user"`
	Password        string `yaml:"password"`
	DSN             string `yaml:"dsn"`               // overrides the fields above when set
	SSLMode         string `yaml:"ssl_mode"`          // PostgreSQL
	TLS             string `yaml:"tls"`               // MySQL: true, skip-verify, preferred or a registered name
	Encrypt         string `yaml:"encrypt"`           // MSSQL: disable, false, true (default: true)
	TrustServerCert bool   `yaml:"trust_server_cert"` // MSSQL
	MaxConnections  int    `yaml:"max_connections"`
	ApplicationName string `yaml:"application_name"`
}

// AnonymizerConfig holds engine behavior settings
type AnonymizerConfig struct {
	MaxChunkSize   int           `yaml:"max_chunk_size"`
	OnMention      string        `yaml:"on_mention"`      // trigger-only (default) or disabled
	CaseLogContent []string      `yaml:"caselog_content"` // "email" also masks the email address
	ContactClass   string        `yaml:"contact_class"`
	SliceDuration  time.Duration `yaml:"slice_duration"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	MaxRetryDelay  time.Duration `yaml:"max_retry_delay"`
	MaxSlices      int           `yaml:"max_slices"` // 0 means unlimited
}

// StateConfig selects where action progress is persisted
type StateConfig struct {
	Backend     string        `yaml:"backend"` // sqlite (default), file, redis, memory
	DataDir     string        `yaml:"data_dir"`
	File        string        `yaml:"file"`
	RedisURL    string        `yaml:"redis_url"`
	KeyPrefix   string        `yaml:"key_prefix"`
	LockTTL     time.Duration `yaml:"lock_ttl"`
	HistoryDays int           `yaml:"history_days"`
}

// LoadOptions controls configuration loading behavior.
type LoadOptions struct {
	SuppressWarnings bool
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	return LoadWithOptions(path, LoadOptions{})
}

// LoadWithOptions reads configuration from a YAML file with options.
func LoadWithOptions(path string, opts LoadOptions) (*Config, error) {
	// Check file permissions before reading (warns if insecure)
	if warning := PermissionWarning(path, "Config"); warning != "" && !opts.SuppressWarnings {
		fmt.Fprint(os.Stderr, warning)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return LoadBytes(data)
}

// LoadBytes reads configuration from YAML bytes.
func LoadBytes(data []byte) (*Config, error) {
	expanded, err := expandSecrets(string(data))
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

var templatePattern = regexp.MustCompile(`\$\{(file|env):([^}]+)\}|\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandSecrets resolves ${file:PATH}, ${env:VAR} and ${VAR} references.
// File contents are trimmed. A missing variable expands to "".
func expandSecrets(s string) (string, error) {
	var firstErr error
	out := templatePattern.ReplaceAllStringFunc(s, func(m string) string {
		v, err := expandTemplateValue(m)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		return v
	})
	return out, firstErr
}

// expandTemplateValue expands a single value that may be a secret template.
func expandTemplateValue(v string) (string, error) {
	if v == "" {
		return v, nil
	}
	m := templatePattern.FindStringSubmatch(v)
	if m == nil || m[0] != v {
		return v, nil
	}
	switch {
	case m[1] == "file":
		data, err := os.ReadFile(expandTilde(m[2]))
		if err != nil {
			return "", fmt.Errorf("reading secret file: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	case m[1] == "env":
		return os.Getenv(m[2]), nil
	default:
		return os.Getenv(m[3]), nil
	}
}

func (c *Config) applyDefaults() {
	db := &c.Database
	if db.Type == "" {
		db.Type = "mysql"
	}
	if d, err := driver.Get(db.Type); err == nil {
		db.Type = d.Name()
		defaults := d.Defaults()
		if db.Port == 0 {
			db.Port = defaults.Port
		}
		if db.SSLMode == "" {
			db.SSLMode = defaults.SSLMode
		}
		if db.Encrypt == "" && defaults.Encrypt {
			db.Encrypt = "true"
		}
	}
	if db.MaxConnections == 0 {
		db.MaxConnections = 4
	}
	if db.ApplicationName == "" {
		db.ApplicationName = "mention-anonymizer"
	}

	a := &c.Anonymizer
	if a.MaxChunkSize == 0 {
		a.MaxChunkSize = 1000
	}
	if a.OnMention == "" {
		a.OnMention = plan.ModeTriggerOnly
	}
	if a.ContactClass == "" {
		a.ContactClass = "Contact"
	}
	if a.SliceDuration == 0 {
		a.SliceDuration = 30 * time.Second
	}
	if a.RetryDelay == 0 {
		a.RetryDelay = 5 * time.Second
	}
	if a.MaxRetryDelay == 0 {
		a.MaxRetryDelay = 5 * time.Minute
	}

	s := &c.State
	if s.Backend == "" {
		s.Backend = "sqlite"
	}
	if s.DataDir == "" {
		home, _ := os.UserHomeDir()
		s.DataDir = filepath.Join(home, ".mention-anonymizer")
	} else {
		s.DataDir = expandTilde(s.DataDir)
	}
	s.File = expandTilde(s.File)
	if s.KeyPrefix == "" {
		s.KeyPrefix = "anonymizer:"
	}
	if s.LockTTL == 0 {
		s.LockTTL = 2 * a.SliceDuration
		if s.LockTTL < time.Minute {
			s.LockTTL = time.Minute
		}
	}
	if s.HistoryDays == 0 {
		s.HistoryDays = 30
	}
}

func (c *Config) validate() error {
	db := c.Database
	if !driver.IsRegistered(db.Type) {
		return fmt.Errorf("database.type %q is not supported (available: %s)", db.Type, strings.Join(driver.Available(), ", "))
	}
	if db.DSN == "" {
		if db.Database == "" {
			return fmt.Errorf("database.database is required")
		}
		if db.Type != "sqlite" && db.Host == "" {
			return fmt.Errorf("database.host is required")
		}
	}

	a := c.Anonymizer
	if a.MaxChunkSize < 1 {
		return fmt.Errorf("anonymizer.max_chunk_size must be at least 1, got %d", a.MaxChunkSize)
	}
	if a.OnMention != plan.ModeTriggerOnly && a.OnMention != plan.ModeDisabled {
		return fmt.Errorf("anonymizer.on_mention must be '%s' or '%s'", plan.ModeTriggerOnly, plan.ModeDisabled)
	}
	if a.MaxSlices < 0 {
		return fmt.Errorf("anonymizer.max_slices must not be negative")
	}

	switch c.State.Backend {
	case "sqlite", "file", "yaml", "memory":
	case "redis":
		if c.State.RedisURL == "" {
			return fmt.Errorf("state.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("state.backend must be one of sqlite, file, redis, memory, got '%s'", c.State.Backend)
	}

	if _, err := schema.NewStaticCatalog(c.Schema); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	return nil
}

// Catalog builds the schema catalog described by the schema section.
func (c *Config) Catalog() (*schema.StaticCatalog, error) {
	return schema.NewStaticCatalog(c.Schema)
}

// PlanOptions returns the planner settings.
func (c *Config) PlanOptions() plan.Options {
	return plan.Options{
		OnMention:      c.Anonymizer.OnMention,
		CaseLogContent: c.Anonymizer.CaseLogContent,
		ContactClass:   c.Anonymizer.ContactClass,
		Users:          c.Schema.Users,
	}
}

// ConnConfig returns the driver connection settings.
func (c *Config) ConnConfig() driver.ConnConfig {
	db := c.Database
	opts := map[string]any{
		"application_name":       db.ApplicationName,
		"sslmode":                db.SSLMode,
		"tls":                    db.TLS,
		"trustServerCertificate": db.TrustServerCert,
	}
	if db.Encrypt != "" {
		opts["encrypt"] = db.Encrypt == "true"
	}
	return driver.ConnConfig{
		Host:     db.Host,
		Port:     db.Port,
		Database: db.Database,
		User:     db.User,
		Password: db.Password,
		Options:  opts,
	}
}

// DSN returns the database connection string
func (c *Config) DSN() (string, error) {
	if c.Database.DSN != "" {
		return c.Database.DSN, nil
	}
	d, err := driver.Get(c.Database.Type)
	if err != nil {
		return "", err
	}
	cc := c.ConnConfig()
	return d.Dialect().BuildDSN(cc.Host, cc.Port, cc.Database, cc.User, cc.Password, cc.Options), nil
}

// Sanitized returns a copy of the config with sensitive fields redacted
func (c *Config) Sanitized() *Config {
	sanitized := *c // shallow copy

	if sanitized.Database.Password != "" {
		sanitized.Database.Password = "[REDACTED]"
	}
	if sanitized.Database.DSN != "" {
		sanitized.Database.DSN = "[REDACTED]"
	}
	if sanitized.State.RedisURL != "" {
		sanitized.State.RedisURL = "[REDACTED]"
	}
	if sanitized.Slack.WebhookURL != "" {
		sanitized.Slack.WebhookURL = "[REDACTED]"
	}

	return &sanitized
}
