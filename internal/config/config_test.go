package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Fatalf("expected default addr :8080, got %q", cfg.Server.Addr)
	}
	if cfg.Store.Engine != "sqlite" || cfg.Store.Path != "weibo.db" {
		t.Fatalf("expected sqlite defaults, got %+v", cfg.Store)
	}
	if cfg.Crawler.MaxPostsPerRun != 50 || cfg.Crawler.StableDays != 1 {
		t.Fatalf("expected crawler defaults, got %+v", cfg.Crawler)
	}
	if cfg.Gateway.BaseURL != "https://m.weibo.cn" {
		t.Fatalf("expected gateway base url default, got %q", cfg.Gateway.BaseURL)
	}
	if got := cfg.AuthorTTL(); got != 24*time.Hour {
		t.Fatalf("expected author ttl 24h, got %v", got)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  addr: ":9090"
  auth:
    enabled: true
    api_key: secret
crawler:
  max_posts_per_run: 25
  max_days: 30
  stable_days: 3
  overlap_threshold: 8
  delay_seconds: 4
  download_images: true
  concurrency: 6
gateway:
  base_url: https://proxy.example.com
  cookie: "SUB=abc"
  timeout_seconds: 20
  comment_pages: 5
store:
  engine: postgres
  dsn: postgres://crawler@localhost/weibo
cache:
  backend: gcs
  gcs_bucket: crawl-cache
  prefix: raw
  author_ttl_hours: 6
publisher:
  enabled: true
  project_id: my-project
  topic_name: crawl-runs
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Fatalf("expected addr :9090, got %q", cfg.Server.Addr)
	}
	if !cfg.Server.Auth.Enabled || cfg.Server.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Crawler.MaxPostsPerRun != 25 || cfg.Crawler.StableDays != 3 || !cfg.Crawler.DownloadImages {
		t.Fatalf("expected crawler overrides to apply: %+v", cfg.Crawler)
	}
	if cfg.Store.Engine != "postgres" || cfg.Store.DSN == "" {
		t.Fatalf("expected postgres store config: %+v", cfg.Store)
	}
	if cfg.Cache.Backend != "gcs" || cfg.Cache.GCSBucket != "crawl-cache" {
		t.Fatalf("expected gcs cache config: %+v", cfg.Cache)
	}
	if !cfg.Publisher.Enabled || cfg.Publisher.TopicName != "crawl-runs" {
		t.Fatalf("expected publisher overrides: %+v", cfg.Publisher)
	}
	if got := cfg.CrawlDelay(); got != 4*time.Second {
		t.Fatalf("expected crawl delay 4s, got %v", got)
	}
	if got := cfg.GatewayTimeout(); got != 20*time.Second {
		t.Fatalf("expected gateway timeout 20s, got %v", got)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:  ServerConfig{Addr: ":8080"},
		Crawler: CrawlerConfig{Concurrency: 1},
		Gateway: GatewayConfig{TimeoutSeconds: 10},
		Store:   StoreConfig{Engine: "memory"},
		Cache:   CacheConfig{Backend: "memory"},
	}

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "unknown store engine",
			cfg: func() Config {
				c := base
				c.Store.Engine = "mysql"
				return c
			}(),
			want: "store.engine",
		},
		{
			name: "sqlite missing path",
			cfg: func() Config {
				c := base
				c.Store.Engine = "sqlite"
				return c
			}(),
			want: "store.path",
		},
		{
			name: "postgres missing dsn",
			cfg: func() Config {
				c := base
				c.Store.Engine = "postgres"
				return c
			}(),
			want: "store.dsn",
		},
		{
			name: "unknown cache backend",
			cfg: func() Config {
				c := base
				c.Cache.Backend = "redis"
				return c
			}(),
			want: "cache.backend",
		},
		{
			name: "gcs missing bucket",
			cfg: func() Config {
				c := base
				c.Cache.Backend = "gcs"
				return c
			}(),
			want: "cache.gcs_bucket",
		},
		{
			name: "invalid concurrency",
			cfg: func() Config {
				c := base
				c.Crawler.Concurrency = 0
				return c
			}(),
			want: "crawler.concurrency",
		},
		{
			name: "invalid timeout",
			cfg: func() Config {
				c := base
				c.Gateway.TimeoutSeconds = 0
				return c
			}(),
			want: "gateway.timeout_seconds",
		},
		{
			name: "publisher missing topic",
			cfg: func() Config {
				c := base
				c.Publisher.Enabled = true
				c.Publisher.ProjectID = "my-project"
				return c
			}(),
			want: "publisher.project_id and publisher.topic_name",
		},
		{
			name: "auth missing api key",
			cfg: func() Config {
				c := base
				c.Server.Auth.Enabled = true
				return c
			}(),
			want: "server.auth.api_key",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
