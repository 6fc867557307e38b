package cli

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	maxWalkDepth = 25
)

// Config represents the tablegate configuration from tablegate.yaml.
type Config struct {
	// Schema is the schema file compiled against. Empty means the schema is
	// introspected from the database on every run.
	Schema string `mapstructure:"schema"`

	// Policies is a YAML or JSON file mapping table names to policies.
	// Empty means every table is unrestricted.
	Policies string `mapstructure:"policies"`

	// LogLevel is one of debug, info, warn or error.
	LogLevel string `mapstructure:"log_level"`

	// Database configuration
	Database DatabaseConfig `mapstructure:"database"`

	// Per-command configuration
	Compile    CompileConfig    `mapstructure:"compile"`
	Introspect IntrospectConfig `mapstructure:"introspect"`
	Doctor     DoctorConfig     `mapstructure:"doctor"`

	// origins records where each file setting was taken from.
	origins map[string]string
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslmode"`
}

// CompileConfig holds request compilation settings.
type CompileConfig struct {
	DefaultLimit   int  `mapstructure:"default_limit"`
	RemotePolicies bool `mapstructure:"remote_policies"`
}

// IntrospectConfig holds schema introspection settings.
type IntrospectConfig struct {
	Schema string   `mapstructure:"schema"`
	Tables []string `mapstructure:"tables"`
	Output string   `mapstructure:"output"`
}

// DoctorConfig holds doctor command settings.
type DoctorConfig struct {
	Verbose bool `mapstructure:"verbose"`
}

// LoadConfig discovers and loads configuration with proper precedence:
// flags > env > config file > defaults.
//
// Returns the loaded config, the path to the config file (empty if none found),
// and any error encountered.
func LoadConfig(explicitConfigPath string) (*Config, string, error) {
	v := viper.New()

	// 1. Set defaults first (lowest precedence)
	setDefaults(v)

	// 2. Set up environment variable binding
	v.SetEnvPrefix("TABLEGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 3. Find and load config file
	configPath, err := findConfigFile(explicitConfigPath)
	if err != nil {
		return nil, "", err
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, configPath, fmt.Errorf("reading config file: %w", err)
		}
	}

	// 4. Unmarshal into Config struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, configPath, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.origins = map[string]string{}
	for _, key := range fileKeys {
		cfg.origins[key] = origin(v, key)
	}

	return &cfg, configPath, nil
}

// fileKeys are the settings that name files read at run time.
var fileKeys = []string{"schema", "policies"}

// Setting origins.
const (
	OriginDefault = "default"
	OriginFile    = "config file"
	OriginEnv     = "env"
)

func origin(v *viper.Viper, key string) string {
	if _, ok := os.LookupEnv("TABLEGATE_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))); ok {
		return OriginEnv
	}
	if v.InConfig(key) {
		return OriginFile
	}
	return OriginDefault
}

func setDefaults(v *viper.Viper) {
	// Top-level defaults
	v.SetDefault("schema", "schema.yaml")
	v.SetDefault("policies", "")
	v.SetDefault("log_level", "warn")

	// Database defaults
	v.SetDefault("database.url", "")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "")
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.sslmode", "prefer")

	// Compile defaults
	v.SetDefault("compile.default_limit", 1000)
	v.SetDefault("compile.remote_policies", false)

	// Introspect defaults
	v.SetDefault("introspect.schema", "")
	v.SetDefault("introspect.tables", []string{})
	v.SetDefault("introspect.output", "")

	// Doctor defaults
	v.SetDefault("doctor.verbose", false)
}

// findConfigFile finds the config file to use.
// If explicitPath is provided, it validates the file exists.
// Otherwise, it walks up from cwd looking for tablegate.yaml or tablegate.yml,
// stopping at a .git directory or after maxWalkDepth levels.
func findConfigFile(explicitPath string) (string, error) {
	if explicitPath != "" {
		if _, err := os.Stat(explicitPath); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicitPath)
		}
		return explicitPath, nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting cwd: %w", err)
	}

	dir := cwd
	for range maxWalkDepth {
		for _, name := range []string{"tablegate.yaml", "tablegate.yml"} {
			path := filepath.Join(dir, name)
			if _, err := os.Stat(path); err == nil {
				return path, nil
			}
		}

		// Stop at the repository root
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			break
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", nil // No config found, use defaults
}

// HasDatabase reports whether any database connection setting is present.
func (c *Config) HasDatabase() bool {
	return c.Database.URL != "" || c.Database.Host != ""
}

// DSN returns the database connection string.
// If database.url is set, it's returned directly.
// Otherwise, builds a DSN from discrete fields.
func (c *Config) DSN() (string, error) {
	db := c.Database

	if db.URL != "" {
		return db.URL, nil
	}

	if db.Host == "" {
		return "", fmt.Errorf("database.host is required when database.url is not set")
	}
	if db.Name == "" {
		return "", fmt.Errorf("database.name is required when database.url is not set")
	}
	if db.User == "" {
		return "", fmt.Errorf("database.user is required when database.url is not set")
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", db.Host, db.Port),
		Path:   "/" + db.Name,
	}

	if db.Password != "" {
		u.User = url.UserPassword(db.User, db.Password)
	} else {
		u.User = url.User(db.User)
	}

	if db.SSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.SSLMode)
		u.RawQuery = q.Encode()
	}

	return u.String(), nil
}

// ResolvedIntrospectSchema returns the PostgreSQL schema to introspect.
// The database URL's search_path is not consulted; an empty result means
// current_schema().
func (c *Config) ResolvedIntrospectSchema(flag string) string {
	if flag != "" {
		return flag
	}
	return c.Introspect.Schema
}

// FileSetting describes a setting that names a file.
type FileSetting struct {
	Key    string `json:"key"`
	Value  string `json:"value"`
	Path   string `json:"path,omitempty"`
	Origin string `json:"origin"`
	Exists bool   `json:"exists"`
}

// Files reports the schema and policies settings: their value, the absolute
// path they resolve to, where the value came from and whether the file
// exists. An empty value has no path.
func (c *Config) Files() []FileSetting {
	values := map[string]string{"schema": c.Schema, "policies": c.Policies}
	out := make([]FileSetting, 0, len(fileKeys))
	for _, key := range fileKeys {
		fs := FileSetting{Key: key, Value: values[key], Origin: c.origins[key]}
		if fs.Origin == "" {
			fs.Origin = OriginDefault
		}
		if fs.Value != "" {
			fs.Path = fs.Value
			if abs, err := filepath.Abs(fs.Value); err == nil {
				fs.Path = abs
			}
			if info, err := os.Stat(fs.Path); err == nil && !info.IsDir() {
				fs.Exists = true
			}
		}
		out = append(out, fs)
	}
	return out
}

// RedactedDSN returns the connection string with its password masked, or
// an empty string when no database is configured.
func (c *Config) RedactedDSN() string {
	if !c.HasDatabase() {
		return ""
	}
	dsn, err := c.DSN()
	if err != nil {
		return ""
	}
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" {
		return "(set)"
	}
	return u.Redacted()
}

// Redacted returns a copy of the config safe to print.
func (c *Config) Redacted() Config {
	out := *c
	out.origins = nil
	if out.Database.Password != "" {
		out.Database.Password = "xxxxx"
	}
	if out.Database.URL != "" {
		if u, err := url.Parse(out.Database.URL); err == nil && u.Scheme != "" {
			out.Database.URL = u.Redacted()
		}
	}
	return out
}
