// Package cache implements the persistent response cache over a blob store.
package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rawer886/weibo-crawler/internal/blob"
	"github.com/rawer886/weibo-crawler/internal/crawl"
)

// envelope wraps a cached payload with its write time so freshness can be
// judged on read.
type envelope struct {
	WrittenAt time.Time       `json:"written_at"`
	Payload   json.RawMessage `json:"payload"`
}

// Cache stores fetched responses keyed by request fingerprint. Any read
// problem (missing object, unreadable envelope, stale entry) degrades to a
// miss; writes are best-effort and never fail the caller.
type Cache struct {
	store  blob.Store
	clock  crawl.Clock
	prefix string
	logger *zap.Logger
}

// New builds a Cache over store. prefix namespaces the cache inside a shared
// bucket or directory; empty means the root.
func New(store blob.Store, clock crawl.Clock, prefix string, logger *zap.Logger) *Cache {
	return &Cache{
		store:  store,
		clock:  clock,
		prefix: prefix,
		logger: logger,
	}
}

// Get returns the cached payload for fingerprint if one exists and satisfies
// maxAge. A maxAge of zero never matches, crawl.MaxAgeForever always does.
func (c *Cache) Get(ctx context.Context, fingerprint string, maxAge time.Duration) ([]byte, bool) {
	if maxAge == 0 {
		return nil, false
	}

	raw, err := c.store.GetObject(ctx, c.objectPath(fingerprint))
	if err != nil {
		if !errors.Is(err, blob.ErrObjectNotFound) {
			c.logger.Warn("cache read failed", zap.String("fingerprint", fingerprint), zap.Error(err))
		}
		return nil, false
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.logger.Warn("discarding corrupt cache entry", zap.String("fingerprint", fingerprint), zap.Error(err))
		return nil, false
	}
	if env.WrittenAt.IsZero() || len(env.Payload) == 0 {
		return nil, false
	}

	if maxAge != crawl.MaxAgeForever && c.clock.Now().Sub(env.WrittenAt) > maxAge {
		return nil, false
	}
	return env.Payload, true
}

// Set stores the payload under fingerprint, overwriting any previous entry.
// Failures are logged and swallowed: the cache never blocks ingestion.
func (c *Cache) Set(ctx context.Context, fingerprint string, payload []byte) {
	env := envelope{
		WrittenAt: c.clock.Now(),
		Payload:   json.RawMessage(payload),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		c.logger.Warn("marshal cache envelope failed", zap.String("fingerprint", fingerprint), zap.Error(err))
		return
	}
	if _, err := c.store.PutObject(ctx, c.objectPath(fingerprint), "application/json", bytes.NewReader(raw)); err != nil {
		c.logger.Warn("cache write failed", zap.String("fingerprint", fingerprint), zap.Error(err))
	}
}

// objectPath shards entries by fingerprint prefix to keep directory listings
// manageable on filesystem backends.
func (c *Cache) objectPath(fingerprint string) string {
	shard := "00"
	if len(fingerprint) >= 2 {
		shard = fingerprint[:2]
	}
	if c.prefix == "" {
		return fmt.Sprintf("%s/%s.json", shard, fingerprint)
	}
	return fmt.Sprintf("%s/%s/%s.json", c.prefix, shard, fingerprint)
}
