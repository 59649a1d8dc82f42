// Package main wires together the crawler service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/rawer886/weibo-crawler/internal/api"
	"github.com/rawer886/weibo-crawler/internal/blob"
	gcsblob "github.com/rawer886/weibo-crawler/internal/blob/gcs"
	localblob "github.com/rawer886/weibo-crawler/internal/blob/local"
	memoryblob "github.com/rawer886/weibo-crawler/internal/blob/memory"
	"github.com/rawer886/weibo-crawler/internal/cache"
	"github.com/rawer886/weibo-crawler/internal/clock/system"
	"github.com/rawer886/weibo-crawler/internal/config"
	"github.com/rawer886/weibo-crawler/internal/crawl"
	"github.com/rawer886/weibo-crawler/internal/gateway/mobileapi"
	"github.com/rawer886/weibo-crawler/internal/id/uuid"
	"github.com/rawer886/weibo-crawler/internal/logging"
	"github.com/rawer886/weibo-crawler/internal/media"
	pubsubpublisher "github.com/rawer886/weibo-crawler/internal/publisher/pubsub"
	memorystore "github.com/rawer886/weibo-crawler/internal/store/memory"
	"github.com/rawer886/weibo-crawler/internal/store/postgres"
	"github.com/rawer886/weibo-crawler/internal/store/sqlite"
)

// storeBackend is the full store surface the binary needs: dedup records,
// progress cursors and the API read path.
type storeBackend interface {
	api.Store
	crawl.ProgressStore
}

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	authors := flag.String("authors", "", "Comma-separated author IDs to crawl")
	mode := flag.String("mode", crawl.ModeHistory, "Crawl mode: history or new")
	serve := flag.Bool("serve", false, "Keep the status server running after the crawl finishes")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		logger.Fatal("store init failed", zap.Error(err))
	}
	defer closeStore()

	cacheBlob, err := buildCacheBlob(ctx, cfg)
	if err != nil {
		logger.Fatal("cache backend init failed", zap.Error(err))
	}

	clock := system.New()
	idGen := uuid.New()
	responseCache := cache.New(cacheBlob, clock, cfg.Cache.Prefix, logger.Named("cache"))

	gateway, err := mobileapi.New(mobileapi.Config{
		BaseURL:        cfg.Gateway.BaseURL,
		UserAgent:      cfg.Gateway.UserAgent,
		Cookie:         cfg.Gateway.Cookie,
		RequestTimeout: cfg.GatewayTimeout(),
		CommentPages:   cfg.Gateway.CommentPages,
	}, clock, logger.Named("gateway"))
	if err != nil {
		logger.Fatal("gateway init failed", zap.Error(err))
	}
	cachedGateway := crawl.NewCachedGateway(gateway, responseCache, cfg.AuthorTTL(), logger.Named("cache"))

	var mediaFetcher crawl.MediaFetcher
	if cfg.Crawler.DownloadImages {
		mediaBlob, err := localblob.New(localblob.Config{BaseDir: cfg.Media.Dir})
		if err != nil {
			logger.Fatal("media storage init failed", zap.Error(err))
		}
		mediaFetcher = media.New(mediaBlob, media.Config{UserAgent: cfg.Gateway.UserAgent}, logger.Named("media"))
	}

	var publisher crawl.Publisher
	if cfg.Publisher.Enabled {
		client, err := pubsub.NewClient(ctx, cfg.Publisher.ProjectID)
		if err != nil {
			logger.Fatal("pubsub client init failed", zap.Error(err))
		}
		defer func() {
			_ = client.Close()
		}()
		publisher = pubsubpublisher.New(client.Publisher(cfg.Publisher.TopicName))
	}

	orch := crawl.New(
		cachedGateway,
		store,
		store,
		publisher,
		mediaFetcher,
		clock,
		idGen,
		crawl.Options{
			MaxPostsPerRun:   cfg.Crawler.MaxPostsPerRun,
			MaxDays:          cfg.Crawler.MaxDays,
			StableDays:       cfg.Crawler.StableDays,
			OverlapThreshold: cfg.Crawler.OverlapThreshold,
			LowWaterMark:     cfg.Crawler.LowWaterMark,
			Delay:            cfg.CrawlDelay(),
			DownloadImages:   cfg.Crawler.DownloadImages,
			Topic:            cfg.Publisher.TopicName,
		},
		logger.Named("crawl"),
	)

	apiServer := api.NewServer(store, store, cfg.Server, logger.Named("api"))
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("status server started", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status server error", zap.Error(err))
			stop()
		}
	}()

	if reqs := parseRequests(*authors, *mode); len(reqs) > 0 {
		runner := crawl.NewRunner(orch, cfg.Crawler.Concurrency, logger.Named("runner"))
		summaries := runner.Run(ctx, reqs)
		for _, sum := range summaries {
			logger.Info("run finished",
				zap.String("run_id", sum.RunID),
				zap.String("author_id", sum.AuthorID),
				zap.String("mode", sum.Mode),
				zap.Int("posts_inserted", sum.PostsInserted),
				zap.Int("posts_updated", sum.PostsUpdated),
				zap.Int("comments_inserted", sum.CommentsInserted),
				zap.Int("fetch_errors", sum.FetchErrors),
			)
		}
		if !*serve {
			stop()
		}
	} else if !*serve {
		logger.Info("no authors given; serving status API until interrupted")
	}

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func parseRequests(authors, mode string) []crawl.Request {
	var reqs []crawl.Request
	for _, id := range strings.Split(authors, ",") {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		reqs = append(reqs, crawl.Request{AuthorID: id, Mode: mode})
	}
	return reqs
}

func buildStore(ctx context.Context, cfg config.Config) (storeBackend, func(), error) {
	switch cfg.Store.Engine {
	case "memory":
		return memorystore.New(), func() {}, nil
	case "sqlite":
		store, err := sqlite.Open(ctx, cfg.Store.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	case "postgres":
		store, err := postgres.New(ctx, postgres.Config{
			DSN:      cfg.Store.DSN,
			MaxConns: int32(cfg.Store.MaxOpenConns),
		})
		if err != nil {
			return nil, nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store engine %q", cfg.Store.Engine)
	}
}

func buildCacheBlob(ctx context.Context, cfg config.Config) (blob.Store, error) {
	switch cfg.Cache.Backend {
	case "memory":
		return memoryblob.NewBlobStore(), nil
	case "local":
		return localblob.New(localblob.Config{BaseDir: cfg.Cache.Dir})
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create storage client: %w", err)
		}
		return gcsblob.New(client, gcsblob.Config{Bucket: cfg.Cache.GCSBucket})
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}
}
