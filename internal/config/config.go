package config

import (
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/funnyzak/viewaudit/internal/view"
	"github.com/spf13/viper"
)

// ErrMissingSetting is returned when a value required by a command is absent.
var ErrMissingSetting = errors.New("missing required setting")

// Config application configuration structure
type Config struct {
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
	Output    OutputConfig    `yaml:"output" mapstructure:"output"`
	Backend   BackendConfig   `yaml:"backend" mapstructure:"backend"`
	Extract   ExtractConfig   `yaml:"extract" mapstructure:"extract"`
	Replay    ReplayConfig    `yaml:"replay" mapstructure:"replay"`
	Correlate CorrelateConfig `yaml:"correlate" mapstructure:"correlate"`
	Storage   StorageConfig   `yaml:"storage" mapstructure:"storage"`
	Metrics   MetricsConfig   `yaml:"metrics" mapstructure:"metrics"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
}

// LogConfig log configuration
type LogConfig struct {
	Level       string        `yaml:"level" mapstructure:"level"`
	FileLogging FileLogConfig `yaml:"file_logging" mapstructure:"file_logging"`
}

// FileLogConfig file log configuration
type FileLogConfig struct {
	Enable     bool   `yaml:"enable" mapstructure:"enable"`
	Path       string `yaml:"path" mapstructure:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `yaml:"compress" mapstructure:"compress"`
}

// OutputConfig controls CLI output style
type OutputConfig struct {
	Mode    string `yaml:"mode" mapstructure:"mode"`
	Silence bool   `yaml:"silence" mapstructure:"silence"`
}

// BackendConfig describes the two database instances being compared.
// Both share one set of credentials.
type BackendConfig struct {
	ProdURL               string `yaml:"prod_url" mapstructure:"prod_url"`
	NewURL                string `yaml:"new_url" mapstructure:"new_url"`
	Username              string `yaml:"username" mapstructure:"username"`
	Password              string `yaml:"password" mapstructure:"password"`
	Database              string `yaml:"database" mapstructure:"database"`
	Timeout               int    `yaml:"timeout" mapstructure:"timeout"`
	MaxIdleConns          int    `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	MaxIdleConnsPerHost   int    `yaml:"max_idle_conns_per_host" mapstructure:"max_idle_conns_per_host"`
	MaxConnsPerHost       int    `yaml:"max_conns_per_host" mapstructure:"max_conns_per_host"`
	IdleConnTimeout       int    `yaml:"idle_conn_timeout" mapstructure:"idle_conn_timeout"`
	ResponseHeaderTimeout int    `yaml:"response_header_timeout" mapstructure:"response_header_timeout"`
	TLSHandshakeTimeout   int    `yaml:"tls_handshake_timeout" mapstructure:"tls_handshake_timeout"`
	TLSInsecureSkipVerify bool   `yaml:"tls_insecure_skip_verify" mapstructure:"tls_insecure_skip_verify"`
}

// ExtractConfig access log mining settings
type ExtractConfig struct {
	LogFile      string `yaml:"log_file" mapstructure:"log_file"`
	MaxLineBytes int    `yaml:"max_line_bytes" mapstructure:"max_line_bytes"`
}

// ReplayConfig dual-backend replay settings
type ReplayConfig struct {
	ArchiveDir string        `yaml:"archive_dir" mapstructure:"archive_dir"`
	Delay      time.Duration `yaml:"delay" mapstructure:"delay"`
}

// CorrelateConfig match correlation settings
type CorrelateConfig struct {
	ArchiveDir  string   `yaml:"archive_dir" mapstructure:"archive_dir"`
	Concurrency int      `yaml:"concurrency" mapstructure:"concurrency"`
	Views       []string `yaml:"views" mapstructure:"views"`
	ReportPath  string   `yaml:"report_path" mapstructure:"report_path"`
	FieldsPath  string   `yaml:"fields_path" mapstructure:"fields_path"`
}

// StorageConfig replay ledger parameters
type StorageConfig struct {
	Enable     bool   `yaml:"enable" mapstructure:"enable"`
	Driver     string `yaml:"driver" mapstructure:"driver"`
	Path       string `yaml:"path" mapstructure:"path"`
	MaxRecords int    `yaml:"max_records" mapstructure:"max_records"`
}

// MetricsConfig exposes prometheus metrics while a run is in progress.
// An empty Listen disables the endpoint.
type MetricsConfig struct {
	Listen string `yaml:"listen" mapstructure:"listen"`
}

// ServerConfig read-only API server configuration
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LoadConfig load configuration
// If v is nil, a new viper instance will be created
func LoadConfig(configPath string, v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
	}

	setDefaults(v)

	v.SetEnvPrefix("VIEWAUDIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindLegacyEnv(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.viewaudit")
		v.AddConfigPath("/etc/viewaudit")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("No config file found, using defaults")
		} else {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	} else {
		log.Printf("Config file loaded: %s", v.ConfigFileUsed())
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	// Unmarshal does not see values that only exist as env bindings.
	applyDefaults(&config, v)

	return &config, nil
}

// bindLegacyEnv keeps the environment names used by the earlier audit
// scripts working alongside the VIEWAUDIT_ prefixed ones.
func bindLegacyEnv(v *viper.Viper) {
	v.BindEnv("extract.log_file", "VIEWAUDIT_EXTRACT_LOG_FILE", "LOG_FILE")
	v.BindEnv("backend.prod_url", "VIEWAUDIT_BACKEND_PROD_URL", "PROD_LIKE_INSTANCE")
	v.BindEnv("backend.new_url", "VIEWAUDIT_BACKEND_NEW_URL", "NEW_VIEWS_INSTANCE")
	v.BindEnv("backend.username", "VIEWAUDIT_BACKEND_USERNAME", "COUCHDB_USER")
	v.BindEnv("backend.password", "VIEWAUDIT_BACKEND_PASSWORD", "COUCHDB_PASSWORD")
}

// applyDefaults fills zero-value fields from viper.
// Command line flags are handled separately in main.go.
func applyDefaults(cfg *Config, v *viper.Viper) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = v.GetString("log.level")
	}
	cfg.Log.FileLogging.Enable = v.GetBool("log.file_logging.enable")
	cfg.Log.FileLogging.Compress = v.GetBool("log.file_logging.compress")
	if cfg.Log.FileLogging.Path == "" {
		cfg.Log.FileLogging.Path = v.GetString("log.file_logging.path")
	}
	if cfg.Log.FileLogging.MaxSizeMB == 0 {
		cfg.Log.FileLogging.MaxSizeMB = v.GetInt("log.file_logging.max_size_mb")
	}
	if cfg.Log.FileLogging.MaxBackups == 0 {
		cfg.Log.FileLogging.MaxBackups = v.GetInt("log.file_logging.max_backups")
	}
	if cfg.Log.FileLogging.MaxAgeDays == 0 {
		cfg.Log.FileLogging.MaxAgeDays = v.GetInt("log.file_logging.max_age_days")
	}

	if cfg.Output.Mode == "" {
		cfg.Output.Mode = v.GetString("output.mode")
	}
	cfg.Output.Silence = v.GetBool("output.silence")

	if cfg.Backend.ProdURL == "" {
		cfg.Backend.ProdURL = v.GetString("backend.prod_url")
	}
	if cfg.Backend.NewURL == "" {
		cfg.Backend.NewURL = v.GetString("backend.new_url")
	}
	if cfg.Backend.Username == "" {
		cfg.Backend.Username = v.GetString("backend.username")
	}
	if cfg.Backend.Password == "" {
		cfg.Backend.Password = v.GetString("backend.password")
	}
	if cfg.Backend.Database == "" {
		cfg.Backend.Database = v.GetString("backend.database")
	}
	if cfg.Backend.Timeout == 0 {
		cfg.Backend.Timeout = v.GetInt("backend.timeout")
	}
	if cfg.Backend.MaxIdleConns == 0 {
		cfg.Backend.MaxIdleConns = v.GetInt("backend.max_idle_conns")
	}
	if cfg.Backend.MaxIdleConnsPerHost == 0 {
		cfg.Backend.MaxIdleConnsPerHost = v.GetInt("backend.max_idle_conns_per_host")
	}
	if cfg.Backend.MaxConnsPerHost == 0 {
		cfg.Backend.MaxConnsPerHost = v.GetInt("backend.max_conns_per_host")
	}
	if cfg.Backend.IdleConnTimeout == 0 {
		cfg.Backend.IdleConnTimeout = v.GetInt("backend.idle_conn_timeout")
	}
	if cfg.Backend.ResponseHeaderTimeout == 0 {
		cfg.Backend.ResponseHeaderTimeout = v.GetInt("backend.response_header_timeout")
	}
	if cfg.Backend.TLSHandshakeTimeout == 0 {
		cfg.Backend.TLSHandshakeTimeout = v.GetInt("backend.tls_handshake_timeout")
	}
	cfg.Backend.TLSInsecureSkipVerify = v.GetBool("backend.tls_insecure_skip_verify")

	if cfg.Extract.LogFile == "" {
		cfg.Extract.LogFile = v.GetString("extract.log_file")
	}
	if cfg.Extract.MaxLineBytes == 0 {
		cfg.Extract.MaxLineBytes = v.GetInt("extract.max_line_bytes")
	}

	if cfg.Replay.ArchiveDir == "" {
		cfg.Replay.ArchiveDir = v.GetString("replay.archive_dir")
	}
	if cfg.Replay.Delay == 0 {
		cfg.Replay.Delay = v.GetDuration("replay.delay")
	}

	if cfg.Correlate.ArchiveDir == "" {
		cfg.Correlate.ArchiveDir = v.GetString("correlate.archive_dir")
	}
	if cfg.Correlate.Concurrency == 0 {
		cfg.Correlate.Concurrency = v.GetInt("correlate.concurrency")
	}
	if len(cfg.Correlate.Views) == 0 {
		cfg.Correlate.Views = v.GetStringSlice("correlate.views")
	}
	if cfg.Correlate.ReportPath == "" {
		cfg.Correlate.ReportPath = v.GetString("correlate.report_path")
	}
	if cfg.Correlate.FieldsPath == "" {
		cfg.Correlate.FieldsPath = v.GetString("correlate.fields_path")
	}

	cfg.Storage.Enable = v.GetBool("storage.enable")
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = v.GetString("storage.driver")
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = v.GetString("storage.path")
	}
	if cfg.Storage.MaxRecords == 0 {
		cfg.Storage.MaxRecords = v.GetInt("storage.max_records")
	}

	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = v.GetString("metrics.listen")
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = v.GetInt("server.port")
	}
}

// setDefaults set default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file_logging.enable", false)
	v.SetDefault("log.file_logging.path", "./viewaudit.log")
	v.SetDefault("log.file_logging.max_size_mb", 10)
	v.SetDefault("log.file_logging.max_backups", 5)
	v.SetDefault("log.file_logging.max_age_days", 30)
	v.SetDefault("log.file_logging.compress", true)

	v.SetDefault("output.mode", "console")
	v.SetDefault("output.silence", false)

	v.SetDefault("backend.database", "medic")
	v.SetDefault("backend.timeout", 60)
	v.SetDefault("backend.max_idle_conns", 20)
	v.SetDefault("backend.max_idle_conns_per_host", 10)
	v.SetDefault("backend.max_conns_per_host", 10)
	v.SetDefault("backend.idle_conn_timeout", 90)
	v.SetDefault("backend.response_header_timeout", 60)
	v.SetDefault("backend.tls_handshake_timeout", 10)
	v.SetDefault("backend.tls_insecure_skip_verify", false)

	v.SetDefault("extract.max_line_bytes", 1024*1024)

	v.SetDefault("replay.archive_dir", "./responses")
	v.SetDefault("replay.delay", "500ms")

	v.SetDefault("correlate.archive_dir", "./responses")
	v.SetDefault("correlate.concurrency", 5)
	v.SetDefault("correlate.views", view.Names())
	v.SetDefault("correlate.report_path", "./found.json")
	v.SetDefault("correlate.fields_path", "./found_fields.json")

	v.SetDefault("storage.enable", true)
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.path", "./data/viewaudit.db")
	v.SetDefault("storage.max_records", 100000)

	v.SetDefault("metrics.listen", "")
	v.SetDefault("server.port", 38989)
}

// Validate checks the shape of the configuration. Presence of the values a
// particular command needs is checked by the Require* helpers.
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	if c.Log.FileLogging.Enable {
		if c.Log.FileLogging.Path == "" {
			return fmt.Errorf("log file path cannot be empty when file logging is enabled")
		}
		if c.Log.FileLogging.MaxSizeMB < 1 {
			return fmt.Errorf("log file max size must be at least 1MB")
		}
		if c.Log.FileLogging.MaxBackups < 0 {
			return fmt.Errorf("log file max backups cannot be negative")
		}
		if c.Log.FileLogging.MaxAgeDays < 0 {
			return fmt.Errorf("log file max age cannot be negative")
		}
	}

	switch strings.ToLower(c.Output.Mode) {
	case "", "console", "json":
		if c.Output.Mode == "" {
			c.Output.Mode = "console"
		}
	default:
		return fmt.Errorf("output mode must be 'console' or 'json'")
	}

	for name, raw := range map[string]string{"backend.prod_url": c.Backend.ProdURL, "backend.new_url": c.Backend.NewURL} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s must be an absolute URL, got %q", name, raw)
		}
	}
	if strings.TrimSpace(c.Backend.Database) == "" {
		return fmt.Errorf("backend database cannot be empty")
	}
	if c.Backend.Timeout < 0 {
		return fmt.Errorf("backend timeout cannot be negative")
	}

	if c.Extract.MaxLineBytes < 0 {
		return fmt.Errorf("extract max_line_bytes cannot be negative")
	}
	if c.Replay.Delay < 0 {
		return fmt.Errorf("replay delay cannot be negative")
	}

	if c.Correlate.Concurrency < 1 {
		return fmt.Errorf("correlate concurrency must be at least 1")
	}
	for i, name := range c.Correlate.Views {
		if _, err := view.Parse(name); err != nil {
			return fmt.Errorf("correlate view %d: %w", i+1, err)
		}
	}

	if c.Storage.Enable {
		switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
		case "", "sqlite", "sqlite3":
			if strings.TrimSpace(c.Storage.Driver) == "" {
				c.Storage.Driver = "sqlite"
			}
		default:
			return fmt.Errorf("storage driver must be sqlite")
		}
		if strings.TrimSpace(c.Storage.Path) == "" {
			return fmt.Errorf("storage path cannot be empty")
		}
		if c.Storage.MaxRecords < 0 {
			return fmt.Errorf("storage max_records cannot be negative")
		}
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", c.Server.Port)
	}

	return nil
}

// RequireBackends reports which backend settings are missing.
func (c *Config) RequireBackends() error {
	var missing []string
	if c.Backend.ProdURL == "" {
		missing = append(missing, "backend.prod_url")
	}
	if c.Backend.NewURL == "" {
		missing = append(missing, "backend.new_url")
	}
	if c.Backend.Username == "" {
		missing = append(missing, "backend.username")
	}
	if c.Backend.Password == "" {
		missing = append(missing, "backend.password")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingSetting, strings.Join(missing, ", "))
	}
	return nil
}

// RequireProdBackend checks the settings needed to fetch documents from the
// production instance only.
func (c *Config) RequireProdBackend() error {
	var missing []string
	if c.Backend.ProdURL == "" {
		missing = append(missing, "backend.prod_url")
	}
	if c.Backend.Username == "" {
		missing = append(missing, "backend.username")
	}
	if c.Backend.Password == "" {
		missing = append(missing, "backend.password")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingSetting, strings.Join(missing, ", "))
	}
	return nil
}

// RequireLogFile ensures an access log has been configured.
func (c *Config) RequireLogFile() error {
	if strings.TrimSpace(c.Extract.LogFile) == "" {
		return fmt.Errorf("%w: extract.log_file", ErrMissingSetting)
	}
	return nil
}
