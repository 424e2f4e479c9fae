package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultMaxConnections = 10
	DefaultQueryTimeoutMs = 30000
	DefaultRowLimit       = 1000
	DefaultMaxRows        = 10000
)

// ConnectionConfig describes one database and the limits applied to it.
// ConnectionString wins over the discrete fields when set.
type ConnectionConfig struct {
	Dialect          string   `yaml:"dialect" toml:"dialect"`
	Driver           string   `yaml:"driver" toml:"driver"`
	ConnectionString string   `yaml:"connection_string" toml:"connection_string"`
	Host             string   `yaml:"host" toml:"host"`
	Port             int      `yaml:"port" toml:"port"`
	Database         string   `yaml:"database" toml:"database"`
	User             string   `yaml:"user" toml:"user"`
	Password         string   `yaml:"password" toml:"password"`
	SSLMode          string   `yaml:"sslmode" toml:"sslmode"`
	Schema           string   `yaml:"schema" toml:"schema"`
	MaxConnections   int      `yaml:"max_connections" toml:"max_connections"`
	QueryTimeoutMs   int      `yaml:"query_timeout_ms" toml:"query_timeout_ms"`
	AllowedTables    []string `yaml:"allowed_tables" toml:"allowed_tables"`
	RowLimit         int      `yaml:"row_limit" toml:"row_limit"`
	MaxRows          int      `yaml:"max_rows" toml:"max_rows"`
}

// QueryTimeout is QueryTimeoutMs as a duration.
func (c ConnectionConfig) QueryTimeout() time.Duration {
	return time.Duration(c.QueryTimeoutMs) * time.Millisecond
}

type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
	File   string `yaml:"file" toml:"file"`
}

type Config struct {
	Database    ConnectionConfig `yaml:"database" toml:"database"`
	Logging     LoggingConfig    `yaml:"logging" toml:"logging"`
	MetricsAddr string           `yaml:"metrics_addr" toml:"metrics_addr"`
}

func NewConfig() *Config {
	return &Config{}
}

// LoadConfig reads .env (when present), then the config file at path (when
// non-empty), then environment overrides, and validates the result.
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("error loading .env: %w", err)
	}

	conf := NewConfig()
	if path != "" {
		if err := conf.decodeFile(path); err != nil {
			return nil, err
		}
	}

	if err := conf.applyEnv(); err != nil {
		return nil, err
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func (c *Config) decodeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}
	content := expandEnvVars(string(data))

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal([]byte(content), c); err != nil {
			return fmt.Errorf("error loading config YAML: %w", err)
		}
	case ".toml":
		if _, err := toml.Decode(content, c); err != nil {
			return fmt.Errorf("error loading config TOML: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file extension: %s", filepath.Ext(path))
	}
	return nil
}

// applyEnv overlays MCP_* environment variables on the file values.
func (c *Config) applyEnv() error {
	db := &c.Database

	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) error {
		v := os.Getenv(key)
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, v, err)
		}
		*dst = n
		return nil
	}

	setString("MCP_DB_DIALECT", &db.Dialect)
	setString("MCP_DB_DRIVER", &db.Driver)
	setString("MCP_DB_DSN", &db.ConnectionString)
	setString("MCP_DB_HOST", &db.Host)
	setString("MCP_DB_NAME", &db.Database)
	setString("MCP_DB_USER", &db.User)
	setString("MCP_DB_PASSWORD", &db.Password)
	setString("MCP_DB_SSLMODE", &db.SSLMode)
	setString("MCP_DB_SCHEMA", &db.Schema)
	setString("MCP_LOG_LEVEL", &c.Logging.Level)
	setString("MCP_LOG_FILE", &c.Logging.File)
	setString("MCP_METRICS_ADDR", &c.MetricsAddr)

	for key, dst := range map[string]*int{
		"MCP_DB_PORT":         &db.Port,
		"MCP_MAX_CONNECTIONS": &db.MaxConnections,
		"MCP_QUERY_TIMEOUT":   &db.QueryTimeoutMs,
		"MCP_ROW_LIMIT":       &db.RowLimit,
		"MCP_MAX_ROWS":        &db.MaxRows,
	} {
		if err := setInt(key, dst); err != nil {
			return err
		}
	}

	if v := os.Getenv("MCP_ALLOWED_TABLES"); v != "" {
		db.AllowedTables = splitList(v)
	}
	return nil
}

// Validate fills defaults and rejects values the gateway cannot run with.
func (c *Config) Validate() error {
	db := &c.Database

	if db.Dialect == "" {
		db.Dialect = "postgres"
	}
	db.Dialect = strings.ToLower(db.Dialect)
	if !slices.Contains(SupportedDialects(), db.Dialect) {
		return fmt.Errorf("%s is not in supported dialects %v", db.Dialect, SupportedDialects())
	}

	if db.MaxConnections == 0 {
		db.MaxConnections = DefaultMaxConnections
	}
	if db.QueryTimeoutMs == 0 {
		db.QueryTimeoutMs = DefaultQueryTimeoutMs
	}
	if db.RowLimit == 0 {
		db.RowLimit = DefaultRowLimit
	}
	if db.MaxRows == 0 {
		db.MaxRows = DefaultMaxRows
	}

	switch {
	case db.MaxConnections < 0:
		return fmt.Errorf("max_connections must be positive, got %d", db.MaxConnections)
	case db.QueryTimeoutMs < 0:
		return fmt.Errorf("query_timeout_ms must be positive, got %d", db.QueryTimeoutMs)
	case db.RowLimit < 0:
		return fmt.Errorf("row_limit must be positive, got %d", db.RowLimit)
	case db.MaxRows < db.RowLimit:
		return fmt.Errorf("max_rows (%d) must not be below row_limit (%d)", db.MaxRows, db.RowLimit)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if !slices.Contains([]string{"text", "json"}, c.Logging.Format) {
		return fmt.Errorf("%s is not in valid log formats [text json]", c.Logging.Format)
	}
	return nil
}

// envVarRegex matches ${VAR} and ${VAR:-default}.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars substitutes environment references; undefined variables
// without a default expand to the empty string.
func expandEnvVars(content string) string {
	return envVarRegex.ReplaceAllStringFunc(content, func(match string) string {
		varName := match[2 : len(match)-1]

		defaultVal := ""
		if idx := strings.Index(varName, ":-"); idx != -1 {
			defaultVal = varName[idx+2:]
			varName = varName[:idx]
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultVal
	})
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func portString(port int) string {
	if port == 0 {
		return ""
	}
	return strconv.Itoa(port)
}
