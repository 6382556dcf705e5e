package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/meridian-advisors/dealdesk/internal/store"
)

// Config holds the full application configuration.
type Config struct {
	Store     store.Options   `yaml:"store" mapstructure:"store"`
	Auth      AuthConfig      `yaml:"auth" mapstructure:"auth"`
	Services  ServicesConfig  `yaml:"services" mapstructure:"services"`
	Valuation ValuationConfig `yaml:"valuation" mapstructure:"valuation"`
	Corpus    CorpusConfig    `yaml:"corpus" mapstructure:"corpus"`
	Ingest    IngestConfig    `yaml:"ingest" mapstructure:"ingest"`
	Tracker   TrackerConfig   `yaml:"tracker" mapstructure:"tracker"`
	Client    ClientConfig    `yaml:"client" mapstructure:"client"`
	Retention RetentionConfig `yaml:"retention" mapstructure:"retention"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// AuthConfig holds the shared-secret credential attached to every
// downstream call and required on inbound API requests.
type AuthConfig struct {
	ServiceKey string `yaml:"service_key" mapstructure:"service_key"`
}

// ServicesConfig names the fixed downstream analysis services.
type ServicesConfig struct {
	Classification ServiceEndpoint `yaml:"classification" mapstructure:"classification"`
	Peers          ServiceEndpoint `yaml:"peers" mapstructure:"peers"`
	DueDiligence   ServiceEndpoint `yaml:"due_diligence" mapstructure:"due_diligence"`
}

// ServiceEndpoint configures one downstream service call.
type ServiceEndpoint struct {
	URL         string `yaml:"url" mapstructure:"url"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// Timeout returns the endpoint's call budget.
func (e ServiceEndpoint) Timeout() time.Duration {
	return time.Duration(e.TimeoutSecs) * time.Second
}

// ValuationConfig selects the valuation stage registry: an explicit YAML
// registry file wins, otherwise the standard methods under base_url.
type ValuationConfig struct {
	RegistryPath string `yaml:"registry_path" mapstructure:"registry_path"`
	BaseURL      string `yaml:"base_url" mapstructure:"base_url"`
}

// CorpusConfig configures the document corpus gateway.
type CorpusConfig struct {
	BaseURL       string `yaml:"base_url" mapstructure:"base_url"`
	TopK          int    `yaml:"top_k" mapstructure:"top_k"`
	DefaultCorpus string `yaml:"default_corpus" mapstructure:"default_corpus"`
}

// IngestConfig holds default chunking parameters for batch ingestion.
type IngestConfig struct {
	ChunkSize     int `yaml:"chunk_size" mapstructure:"chunk_size"`
	ChunkOverlap  int `yaml:"chunk_overlap" mapstructure:"chunk_overlap"`
	RatePerMinute int `yaml:"rate_per_minute" mapstructure:"rate_per_minute"`
}

// TrackerConfig bounds long-running operation polling.
type TrackerConfig struct {
	IntervalSecs int `yaml:"interval_secs" mapstructure:"interval_secs"`
	MaxWaitMins  int `yaml:"max_wait_mins" mapstructure:"max_wait_mins"`
}

// Interval returns the poll cadence.
func (t TrackerConfig) Interval() time.Duration {
	return time.Duration(t.IntervalSecs) * time.Second
}

// MaxWait returns the wall-clock bound on polling.
func (t TrackerConfig) MaxWait() time.Duration {
	return time.Duration(t.MaxWaitMins) * time.Minute
}

// ClientConfig tunes the shared HTTP client used for downstream calls.
type ClientConfig struct {
	TimeoutSecs    int `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries     int `yaml:"max_retries" mapstructure:"max_retries"`
	RetryDelaySecs int `yaml:"retry_delay_secs" mapstructure:"retry_delay_secs"`
	HostRate       int `yaml:"host_rate" mapstructure:"host_rate"`
}

// RetentionConfig controls pruning of persisted jobs.
type RetentionConfig struct {
	MaxAgeDays int `yaml:"max_age_days" mapstructure:"max_age_days"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("DEALDESK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("services.classification.timeout_secs", 30)
	v.SetDefault("services.peers.timeout_secs", 30)
	v.SetDefault("services.due_diligence.timeout_secs", 120)
	v.SetDefault("corpus.top_k", 5)
	v.SetDefault("corpus.default_corpus", "deals")
	v.SetDefault("ingest.chunk_size", 512)
	v.SetDefault("ingest.chunk_overlap", 64)
	v.SetDefault("ingest.rate_per_minute", 300)
	v.SetDefault("tracker.interval_secs", 10)
	v.SetDefault("tracker.max_wait_mins", 30)
	v.SetDefault("client.timeout_secs", 30)
	v.SetDefault("client.max_retries", 2)
	v.SetDefault("client.retry_delay_secs", 1)
	v.SetDefault("client.host_rate", 20)
	v.SetDefault("retention.max_age_days", 90)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the fields a command mode depends on. Modes: "analyze"
// needs the downstream service endpoints, "ingest" needs the corpus gateway,
// "serve" needs both plus a listen port.
func (c *Config) Validate(mode string) error {
	var problems []string

	needAnalysis := func() {
		if c.Services.Classification.URL == "" {
			problems = append(problems, "services.classification.url is required")
		}
		if c.Services.Peers.URL == "" {
			problems = append(problems, "services.peers.url is required")
		}
		if c.Services.DueDiligence.URL == "" {
			problems = append(problems, "services.due_diligence.url is required")
		}
		if c.Valuation.RegistryPath == "" && c.Valuation.BaseURL == "" {
			problems = append(problems, "valuation.registry_path or valuation.base_url is required")
		}
		if c.Auth.ServiceKey == "" {
			problems = append(problems, "auth.service_key is required")
		}
	}
	needCorpus := func() {
		if c.Corpus.BaseURL == "" {
			problems = append(problems, "corpus.base_url is required")
		}
		if c.Auth.ServiceKey == "" {
			problems = append(problems, "auth.service_key is required")
		}
	}

	switch mode {
	case "analyze":
		needAnalysis()
	case "ingest":
		needCorpus()
	case "serve":
		needAnalysis()
		needCorpus()
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Client.MaxRetries < 0 {
		problems = append(problems, "client.max_retries must be >= 0")
	}
	if c.Tracker.IntervalSecs < 0 || c.Tracker.MaxWaitMins < 0 {
		problems = append(problems, "tracker values must be >= 0")
	}

	if len(problems) > 0 {
		seen := make(map[string]bool, len(problems))
		uniq := problems[:0]
		for _, p := range problems {
			if !seen[p] {
				seen[p] = true
				uniq = append(uniq, p)
			}
		}
		return eris.Errorf("config: %s", strings.Join(uniq, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
