// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Store     StoreConfig     `mapstructure:"store"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Media     MediaConfig     `mapstructure:"media"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls the status HTTP server.
type ServerConfig struct {
	Addr string     `mapstructure:"addr"`
	Auth AuthConfig `mapstructure:"auth"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlerConfig governs per-run orchestrator behavior.
type CrawlerConfig struct {
	MaxPostsPerRun   int  `mapstructure:"max_posts_per_run"`
	MaxDays          int  `mapstructure:"max_days"`
	StableDays       int  `mapstructure:"stable_days"`
	OverlapThreshold int  `mapstructure:"overlap_threshold"`
	LowWaterMark     int  `mapstructure:"low_water_mark"`
	DelaySeconds     int  `mapstructure:"delay_seconds"`
	DownloadImages   bool `mapstructure:"download_images"`
	Concurrency      int  `mapstructure:"concurrency"`
}

// GatewayConfig configures the mobile API fetch gateway.
type GatewayConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	UserAgent      string `mapstructure:"user_agent"`
	Cookie         string `mapstructure:"cookie"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	CommentPages   int    `mapstructure:"comment_pages"`
}

// StoreConfig selects and configures the dedup store backend.
type StoreConfig struct {
	// Engine is one of "memory", "sqlite", "postgres".
	Engine       string `mapstructure:"engine"`
	Path         string `mapstructure:"path"`
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// CacheConfig selects and configures the response cache blob backend.
type CacheConfig struct {
	// Backend is one of "memory", "local", "gcs".
	Backend        string `mapstructure:"backend"`
	Dir            string `mapstructure:"dir"`
	GCSBucket      string `mapstructure:"gcs_bucket"`
	Prefix         string `mapstructure:"prefix"`
	AuthorTTLHours int    `mapstructure:"author_ttl_hours"`
}

// MediaConfig controls local media downloads.
type MediaConfig struct {
	Dir string `mapstructure:"dir"`
}

// PublisherConfig holds metadata for run-summary notifications.
type PublisherConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("crawler.max_posts_per_run", 50)
	v.SetDefault("crawler.max_days", 0)
	v.SetDefault("crawler.stable_days", 1)
	v.SetDefault("crawler.overlap_threshold", 5)
	v.SetDefault("crawler.low_water_mark", 0)
	v.SetDefault("crawler.delay_seconds", 2)
	v.SetDefault("crawler.download_images", false)
	v.SetDefault("crawler.concurrency", 2)
	v.SetDefault("gateway.base_url", "https://m.weibo.cn")
	v.SetDefault("gateway.timeout_seconds", 10)
	v.SetDefault("gateway.comment_pages", 3)
	v.SetDefault("store.engine", "sqlite")
	v.SetDefault("store.path", "weibo.db")
	v.SetDefault("cache.backend", "local")
	v.SetDefault("cache.dir", "cache")
	v.SetDefault("cache.prefix", "responses")
	v.SetDefault("cache.author_ttl_hours", 24)
	v.SetDefault("media.dir", "media")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	switch c.Store.Engine {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path must be set for the sqlite engine")
		}
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn must be set for the postgres engine")
		}
	default:
		return fmt.Errorf("store.engine must be one of memory, sqlite, postgres")
	}
	switch c.Cache.Backend {
	case "memory":
	case "local":
		if c.Cache.Dir == "" {
			return fmt.Errorf("cache.dir must be set for the local backend")
		}
	case "gcs":
		if c.Cache.GCSBucket == "" {
			return fmt.Errorf("cache.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("cache.backend must be one of memory, local, gcs")
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Crawler.StableDays < 0 {
		return fmt.Errorf("crawler.stable_days must be >= 0")
	}
	if c.Gateway.TimeoutSeconds <= 0 {
		return fmt.Errorf("gateway.timeout_seconds must be > 0")
	}
	if c.Publisher.Enabled && (c.Publisher.ProjectID == "" || c.Publisher.TopicName == "") {
		return fmt.Errorf("publisher.project_id and publisher.topic_name must be set when publishing is enabled")
	}
	if c.Server.Auth.Enabled && c.Server.Auth.APIKey == "" {
		return fmt.Errorf("server.auth.api_key must be set when auth is enabled")
	}
	return nil
}

// CrawlDelay converts the configured politeness delay into a duration.
func (c Config) CrawlDelay() time.Duration {
	return time.Duration(c.Crawler.DelaySeconds) * time.Second
}

// GatewayTimeout converts the configured fetch timeout into a duration.
func (c Config) GatewayTimeout() time.Duration {
	return time.Duration(c.Gateway.TimeoutSeconds) * time.Second
}

// AuthorTTL converts the configured author cache TTL into a duration.
func (c Config) AuthorTTL() time.Duration {
	return time.Duration(c.Cache.AuthorTTLHours) * time.Hour
}
