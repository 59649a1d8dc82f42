// Package media downloads post images and videos into blob storage.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/rawer886/weibo-crawler/internal/blob"
)

// Config controls the media fetcher transport.
type Config struct {
	// UserAgent is sent with every download request.
	UserAgent string
	// Prefix is the blob path prefix media objects are stored under.
	Prefix string
	// RequestTimeout bounds one download.
	RequestTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Prefix == "" {
		c.Prefix = "media"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	return c
}

// Fetcher downloads media URLs and persists them via a blob store. Download
// failures are logged and skipped; a post with one broken image still keeps
// the rest.
type Fetcher struct {
	base   *colly.Collector
	store  blob.Store
	cfg    Config
	logger *zap.Logger
}

// New constructs a Fetcher writing into store.
func New(store blob.Store, cfg Config, logger *zap.Logger) *Fetcher {
	cfg = cfg.withDefaults()

	opts := []colly.CollectorOption{}
	if cfg.UserAgent != "" {
		opts = append(opts, colly.UserAgent(cfg.UserAgent))
	}
	base := colly.NewCollector(opts...)
	base.AllowURLRevisit = true
	base.SetRequestTimeout(cfg.RequestTimeout)

	return &Fetcher{
		base:   base,
		store:  store,
		cfg:    cfg,
		logger: logger,
	}
}

// FetchMedia downloads each URL and returns the stored locations, in input
// order minus failures.
func (f *Fetcher) FetchMedia(ctx context.Context, postID string, urls []string) ([]string, error) {
	var out []string
	for i, raw := range urls {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		location, err := f.fetchOne(ctx, postID, i, raw)
		if err != nil {
			f.logger.Warn("media download failed",
				zap.String("post_id", postID),
				zap.String("url", raw),
				zap.Error(err),
			)
			continue
		}
		out = append(out, location)
	}
	return out, nil
}

func (f *Fetcher) fetchOne(ctx context.Context, postID string, index int, rawURL string) (string, error) {
	collector := f.base.Clone()

	resultCh := make(chan downloadResult, 1)
	var once sync.Once
	send := func(res downloadResult) {
		once.Do(func() { resultCh <- res })
	}

	collector.OnResponse(func(r *colly.Response) {
		send(downloadResult{
			body:        append([]byte{}, r.Body...),
			contentType: r.Headers.Get("Content-Type"),
		})
	})
	collector.OnError(func(_ *colly.Response, err error) {
		if err == nil {
			err = errors.New("unknown transport error")
		}
		send(downloadResult{err: err})
	})

	if err := collector.Visit(rawURL); err != nil {
		return "", err
	}
	collector.Wait()

	select {
	case res := <-resultCh:
		if res.err != nil {
			return "", res.err
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		contentType := res.contentType
		if contentType == "" {
			contentType = http.DetectContentType(res.body)
		}
		objPath := f.objectPath(postID, index, rawURL)
		return f.store.PutObject(ctx, objPath, contentType, bytes.NewReader(res.body))
	default:
		return "", errors.New("download produced no result")
	}
}

// objectPath derives a stable per-post object path from the source URL so a
// re-crawl overwrites rather than duplicates.
func (f *Fetcher) objectPath(postID string, index int, rawURL string) string {
	name := fmt.Sprintf("%02d", index)
	if u, err := url.Parse(rawURL); err == nil {
		if base := path.Base(u.Path); base != "" && base != "/" && base != "." {
			name = fmt.Sprintf("%02d_%s", index, base)
		}
	}
	return path.Join(f.cfg.Prefix, postID, name)
}

type downloadResult struct {
	body        []byte
	contentType string
	err         error
}
