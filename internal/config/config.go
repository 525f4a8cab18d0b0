package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Config holds all configuration for querybench
type Config struct {
	Log           LogConfig
	Prometheus    PrometheusConfig
	Elasticsearch ElasticsearchConfig
	Bench         BenchConfig
	Server        ServerConfig
	Schedule      ScheduleConfig
	Storage       StorageConfig
	History       HistoryConfig
}

type LogConfig struct {
	Level  string
	Format string
}

type PrometheusConfig struct {
	URL         string
	Timeout     time.Duration // fallback per-call timeout
	Username    string
	Password    string
	BearerToken string
}

type ElasticsearchConfig struct {
	Addresses []string
	Username  string
	Password  string
	APIKey    string
	Timeout   time.Duration // fallback per-call timeout
}

type BenchConfig struct {
	Runs              int
	InterRunDelay     time.Duration
	WarmupRuns        int
	QueriesFile       string // empty means the built-in catalog
	PrintResults      bool
	ShapeTimeouts     bool // 15s instant / 120s range unless a query sets its own
	WaitReady         bool
	ReadyTimeout      time.Duration
	ToleranceAbsolute float64
	ToleranceRelative float64
	Output            string // text or json
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  int
	WriteTimeout int
	TLSEnabled   bool
	TLSCertFile  string
	TLSKeyFile   string
}

// ScheduleConfig controls rounds in serve mode.
type ScheduleConfig struct {
	Enabled    bool
	Cron       string
	RunOnStart bool
}

type StorageConfig struct {
	ArchiveEnabled bool
	Compress       bool // gzip the archived report
	ExportArrow    bool // write samples as an Arrow IPC stream
	Backend        string
	LocalPath      string
	// S3/MinIO configuration
	S3Bucket    string
	S3Region    string
	S3Endpoint  string // Custom endpoint for MinIO (e.g., "http://localhost:9000")
	S3AccessKey string
	S3SecretKey string
	S3UseSSL    bool
	S3PathStyle bool // required for MinIO
	// Azure Blob Storage configuration
	AzureConnectionString   string
	AzureAccountName        string
	AzureAccountKey         string
	AzureSASToken           string
	AzureContainer          string
	AzureEndpoint           string // Azurite
	AzureUseManagedIdentity bool
}

type HistoryConfig struct {
	Enabled    bool
	DBPath     string
	KeepRounds int // 0 keeps every round
}

// Load reads defaults, then the optional config file, then QUERYBENCH_*
// environment variables. configFile overrides the search path when set.
func Load(configFile string) (*Config, error) {
	v := New()
	return FromViper(v, configFile)
}

// New returns a viper instance with defaults and environment binding, ready
// for command-line flags to be bound on top.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("QUERYBENCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// FromViper reads the config file into v and builds a Config.
func FromViper(v *viper.Viper, configFile string) (*Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("querybench")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/querybench/")
		v.AddConfigPath("$HOME/.querybench/")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || configFile != "" {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found is OK, use defaults
	}

	cfg := &Config{
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Prometheus: PrometheusConfig{
			URL:         v.GetString("prometheus.url"),
			Timeout:     v.GetDuration("prometheus.timeout"),
			Username:    v.GetString("prometheus.username"),
			Password:    v.GetString("prometheus.password"),
			BearerToken: v.GetString("prometheus.bearer_token"),
		},
		Elasticsearch: ElasticsearchConfig{
			Addresses: v.GetStringSlice("elasticsearch.addresses"),
			Username:  v.GetString("elasticsearch.username"),
			Password:  v.GetString("elasticsearch.password"),
			APIKey:    v.GetString("elasticsearch.api_key"),
			Timeout:   v.GetDuration("elasticsearch.timeout"),
		},
		Bench: BenchConfig{
			Runs:              v.GetInt("bench.runs"),
			InterRunDelay:     v.GetDuration("bench.inter_run_delay"),
			WarmupRuns:        v.GetInt("bench.warmup_runs"),
			QueriesFile:       v.GetString("bench.queries_file"),
			PrintResults:      v.GetBool("bench.print_results"),
			ShapeTimeouts:     v.GetBool("bench.shape_timeouts"),
			WaitReady:         v.GetBool("bench.wait_ready"),
			ReadyTimeout:      v.GetDuration("bench.ready_timeout"),
			ToleranceAbsolute: v.GetFloat64("bench.tolerance_absolute"),
			ToleranceRelative: v.GetFloat64("bench.tolerance_relative"),
			Output:            strings.ToLower(v.GetString("bench.output")),
		},
		Server: ServerConfig{
			Host:         v.GetString("server.host"),
			Port:         v.GetInt("server.port"),
			ReadTimeout:  v.GetInt("server.read_timeout"),
			WriteTimeout: v.GetInt("server.write_timeout"),
			TLSEnabled:   v.GetBool("server.tls_enabled"),
			TLSCertFile:  v.GetString("server.tls_cert_file"),
			TLSKeyFile:   v.GetString("server.tls_key_file"),
		},
		Schedule: ScheduleConfig{
			Enabled:    v.GetBool("schedule.enabled"),
			Cron:       v.GetString("schedule.cron"),
			RunOnStart: v.GetBool("schedule.run_on_start"),
		},
		Storage: StorageConfig{
			ArchiveEnabled:          v.GetBool("storage.archive_enabled"),
			Compress:                v.GetBool("storage.compress"),
			ExportArrow:             v.GetBool("storage.export_arrow"),
			Backend:                 strings.ToLower(v.GetString("storage.backend")),
			LocalPath:               v.GetString("storage.local_path"),
			S3Bucket:                v.GetString("storage.s3_bucket"),
			S3Region:                v.GetString("storage.s3_region"),
			S3Endpoint:              v.GetString("storage.s3_endpoint"),
			S3AccessKey:             v.GetString("storage.s3_access_key"),
			S3SecretKey:             v.GetString("storage.s3_secret_key"),
			S3UseSSL:                v.GetBool("storage.s3_use_ssl"),
			S3PathStyle:             v.GetBool("storage.s3_path_style"),
			AzureConnectionString:   v.GetString("storage.azure_connection_string"),
			AzureAccountName:        v.GetString("storage.azure_account_name"),
			AzureAccountKey:         v.GetString("storage.azure_account_key"),
			AzureSASToken:           v.GetString("storage.azure_sas_token"),
			AzureContainer:          v.GetString("storage.azure_container"),
			AzureEndpoint:           v.GetString("storage.azure_endpoint"),
			AzureUseManagedIdentity: v.GetBool("storage.azure_use_managed_identity"),
		},
		History: HistoryConfig{
			Enabled:    v.GetBool("history.enabled"),
			DBPath:     v.GetString("history.db_path"),
			KeepRounds: v.GetInt("history.keep_rounds"),
		},
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("prometheus.url", "http://localhost:9090")
	v.SetDefault("prometheus.timeout", "30s")

	v.SetDefault("elasticsearch.addresses", []string{"http://localhost:9200"})
	v.SetDefault("elasticsearch.timeout", "30s")

	v.SetDefault("bench.runs", 5)
	v.SetDefault("bench.inter_run_delay", "500ms")
	v.SetDefault("bench.warmup_runs", 0)
	v.SetDefault("bench.queries_file", "")
	v.SetDefault("bench.print_results", false)
	v.SetDefault("bench.shape_timeouts", true)
	v.SetDefault("bench.wait_ready", false)
	v.SetDefault("bench.ready_timeout", "60s")
	v.SetDefault("bench.tolerance_absolute", 0.001)
	v.SetDefault("bench.tolerance_relative", 0.001)
	v.SetDefault("bench.output", "text")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 30)
	v.SetDefault("server.tls_enabled", false)

	v.SetDefault("schedule.enabled", true)
	v.SetDefault("schedule.cron", "*/15 * * * *")
	v.SetDefault("schedule.run_on_start", true)

	v.SetDefault("storage.archive_enabled", false)
	v.SetDefault("storage.compress", true)
	v.SetDefault("storage.export_arrow", true)
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.local_path", "./data/reports")
	v.SetDefault("storage.s3_region", "us-east-1")
	v.SetDefault("storage.s3_use_ssl", true)
	v.SetDefault("storage.s3_path_style", false)

	v.SetDefault("history.enabled", false)
	v.SetDefault("history.db_path", "./data/querybench.db")
	v.SetDefault("history.keep_rounds", 2000)
}

// Validate reports every invalid setting at once.
func (cfg *Config) Validate() error {
	var result *multierror.Error
	add := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	b := cfg.Bench
	if b.Runs < 1 {
		add("bench.runs must be at least 1, got %d", b.Runs)
	}
	if b.WarmupRuns < 0 {
		add("bench.warmup_runs cannot be negative")
	}
	if b.InterRunDelay < 0 {
		add("bench.inter_run_delay cannot be negative")
	}
	if b.ToleranceAbsolute < 0 || b.ToleranceRelative < 0 {
		add("bench tolerances cannot be negative")
	}
	if b.WaitReady && b.ReadyTimeout <= 0 {
		add("bench.ready_timeout must be positive when bench.wait_ready is set")
	}
	switch b.Output {
	case "text", "json":
	default:
		add("unknown bench.output %q (use text or json)", b.Output)
	}

	if cfg.Prometheus.URL == "" {
		add("prometheus.url is required")
	}
	if cfg.Prometheus.Timeout < 0 {
		add("prometheus.timeout cannot be negative")
	}
	if len(cfg.Elasticsearch.Addresses) == 0 {
		add("elasticsearch.addresses is required")
	}
	if cfg.Elasticsearch.Timeout < 0 {
		add("elasticsearch.timeout cannot be negative")
	}

	if cfg.Storage.ArchiveEnabled {
		switch cfg.Storage.Backend {
		case "local":
		case "s3", "minio":
			if cfg.Storage.S3Bucket == "" {
				add("storage.s3_bucket is required for the %s backend", cfg.Storage.Backend)
			}
		case "azure", "azblob":
			if cfg.Storage.AzureContainer == "" {
				add("storage.azure_container is required for the azure backend")
			}
		default:
			add("unknown storage.backend %q", cfg.Storage.Backend)
		}
	}

	if cfg.Schedule.Enabled {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		if _, err := parser.Parse(cfg.Schedule.Cron); err != nil {
			add("invalid schedule.cron %q: %v", cfg.Schedule.Cron, err)
		}
	}

	if cfg.History.Enabled && cfg.History.DBPath == "" {
		add("history.db_path is required when history is enabled")
	}
	if cfg.History.KeepRounds < 0 {
		add("history.keep_rounds cannot be negative")
	}

	return result.ErrorOrNil()
}

// ValidateTLS checks the certificate and key files when TLS is enabled.
func (cfg *ServerConfig) ValidateTLS() error {
	if !cfg.TLSEnabled {
		return nil
	}
	if cfg.TLSCertFile == "" {
		return fmt.Errorf("TLS enabled but server.tls_cert_file not specified")
	}
	if cfg.TLSKeyFile == "" {
		return fmt.Errorf("TLS enabled but server.tls_key_file not specified")
	}
	for _, f := range []struct{ kind, path string }{{"certificate", cfg.TLSCertFile}, {"key", cfg.TLSKeyFile}} {
		info, err := os.Stat(f.path)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("TLS %s file not found: %s", f.kind, f.path)
			}
			return fmt.Errorf("cannot access TLS %s file %s: %w", f.kind, f.path, err)
		}
		if info.IsDir() {
			return fmt.Errorf("TLS %s path is a directory, not a file: %s", f.kind, f.path)
		}
	}
	return nil
}
