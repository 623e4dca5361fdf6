package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Sink       SinkConfig       `yaml:"sink" mapstructure:"sink"`
	Universe   UniverseConfig   `yaml:"universe" mapstructure:"universe"`
	ACS        ACSConfig        `yaml:"acs" mapstructure:"acs"`
	SNAPRetail SNAPRetailConfig `yaml:"snap_retail" mapstructure:"snap_retail"`
	Basket     BasketConfig     `yaml:"basket" mapstructure:"basket"`
	Classifier ClassifierConfig `yaml:"classifier" mapstructure:"classifier"`
	Refresh    RefreshConfig    `yaml:"refresh" mapstructure:"refresh"`
	Bands      BandsConfig      `yaml:"bands" mapstructure:"bands"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the local durable store backing the provider
// cache, quota ledger, and universe snapshot.
type StoreConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// SinkConfig configures the downstream record sink.
type SinkConfig struct {
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	Table       string `yaml:"table" mapstructure:"table"`
}

// UniverseConfig configures the reference key source.
type UniverseConfig struct {
	SourceURL   string `yaml:"source_url" mapstructure:"source_url"`
	SourcePath  string `yaml:"source_path" mapstructure:"source_path"`
	StateFIPS   string `yaml:"state_fips" mapstructure:"state_fips"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// ProviderConfig holds the knobs shared by every external provider.
type ProviderConfig struct {
	BaseURL       string  `yaml:"base_url" mapstructure:"base_url"`
	Key           string  `yaml:"key" mapstructure:"key"`
	MonthlyQuota  int     `yaml:"monthly_quota" mapstructure:"monthly_quota"`
	CacheTTLHours int     `yaml:"cache_ttl_hours" mapstructure:"cache_ttl_hours"`
	TimeoutSecs   int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RatePerSec    float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
}

// TTL returns the cache freshness window for the provider.
func (p ProviderConfig) TTL() time.Duration {
	return time.Duration(p.CacheTTLHours) * time.Hour
}

// Timeout returns the per-call timeout for the provider.
func (p ProviderConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSecs) * time.Second
}

// ACSConfig configures the demographic attribute provider.
type ACSConfig struct {
	ProviderConfig `yaml:",inline" mapstructure:",squash"`
	Vintage        string `yaml:"vintage" mapstructure:"vintage"`
}

// SNAPRetailConfig configures the retailer count provider.
type SNAPRetailConfig struct {
	ProviderConfig `yaml:",inline" mapstructure:",squash"`
}

// BasketConfig configures the grocery pricing provider.
type BasketConfig struct {
	ProviderConfig `yaml:",inline" mapstructure:",squash"`
	ItemsPath      string `yaml:"items_path" mapstructure:"items_path"`
}

// ClassifierConfig configures the external risk classifier.
type ClassifierConfig struct {
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// RefreshConfig configures the batch fetch orchestrator and scheduler.
type RefreshConfig struct {
	BatchSize         int `yaml:"batch_size" mapstructure:"batch_size"`
	Workers           int `yaml:"workers" mapstructure:"workers"`
	IntervalHours     int `yaml:"interval_hours" mapstructure:"interval_hours"`
	DrainTimeoutSecs  int `yaml:"drain_timeout_secs" mapstructure:"drain_timeout_secs"`
	ResyncEveryPasses int `yaml:"resync_every_passes" mapstructure:"resync_every_passes"`
}

// BandsConfig holds the affordability band thresholds. Ascending,
// left-inclusive; scores at or above Moderate are at_risk.
type BandsConfig struct {
	Excellent float64 `yaml:"excellent" mapstructure:"excellent"`
	Good      float64 `yaml:"good" mapstructure:"good"`
	Moderate  float64 `yaml:"moderate" mapstructure:"moderate"`
}

// ServerConfig configures the operational status server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// acsVintageURLs maps an ACS vintage to its 5-year estimates endpoint.
var acsVintageURLs = map[string]string{
	"2022": "https://api.census.gov/data/2022/acs/acs5",
	"2023": "https://api.census.gov/data/2023/acs/acs5",
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("FOODATLAS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.path", "foodatlas.db")
	v.SetDefault("sink.table", "public.food_access_records")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)

	v.SetDefault("universe.source_url", "https://www2.census.gov/geo/docs/maps-data/data/rel2020/zcta520/tab20_zcta520_county20_natl.txt")
	v.SetDefault("universe.state_fips", "34")
	v.SetDefault("universe.timeout_secs", 60)

	v.SetDefault("acs.vintage", "2022")
	v.SetDefault("acs.monthly_quota", 500)
	v.SetDefault("acs.cache_ttl_hours", 24*30)
	v.SetDefault("acs.timeout_secs", 10)
	v.SetDefault("acs.rate_per_sec", 5)

	v.SetDefault("snap_retail.base_url", "https://api.snap-retailer-locator.usda.example/v1")
	v.SetDefault("snap_retail.monthly_quota", 2000)
	v.SetDefault("snap_retail.cache_ttl_hours", 24*14)
	v.SetDefault("snap_retail.timeout_secs", 10)
	v.SetDefault("snap_retail.rate_per_sec", 5)

	// Pricing is the heaviest quota consumer (keys x items), so it is
	// cached the longest.
	v.SetDefault("basket.base_url", "https://www.searchapi.io/api/v1")
	v.SetDefault("basket.monthly_quota", 10000)
	v.SetDefault("basket.cache_ttl_hours", 24*30)
	v.SetDefault("basket.timeout_secs", 15)
	v.SetDefault("basket.rate_per_sec", 2)
	v.SetDefault("basket.items_path", "basket.yaml")

	v.SetDefault("classifier.timeout_secs", 10)

	v.SetDefault("refresh.batch_size", 50)
	v.SetDefault("refresh.workers", 8)
	v.SetDefault("refresh.interval_hours", 24)
	v.SetDefault("refresh.drain_timeout_secs", 30)
	v.SetDefault("refresh.resync_every_passes", 7)

	v.SetDefault("bands.excellent", 1.5)
	v.SetDefault("bands.good", 3.0)
	v.SetDefault("bands.moderate", 4.0)

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

	if cfg.ACS.BaseURL == "" {
		u, ok := acsVintageURLs[cfg.ACS.Vintage]
		if !ok {
			return nil, eris.Errorf("config: unknown acs vintage %q", cfg.ACS.Vintage)
		}
		cfg.ACS.BaseURL = u
	}

	return &cfg, nil
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
