package crawl

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

// CachedGateway decorates a FetchGateway with the response cache so repeated
// runs do not re-fetch unchanged history.
//
// Caching policy, matching how the remote data behaves:
//   - author info: cached with a configured TTL
//   - first list page (no cursor): always fetched live, but the response is
//     still written so duplicate storms hit the cache
//   - cursor list pages: immutable history, cached forever
//   - post detail and comments: never cached; engagement must stay fresh
type CachedGateway struct {
	next      FetchGateway
	cache     ResponseCache
	authorTTL time.Duration
	logger    *zap.Logger
}

// NewCachedGateway wraps next with cache. authorTTL controls how long author
// metadata is reused.
func NewCachedGateway(next FetchGateway, cache ResponseCache, authorTTL time.Duration, logger *zap.Logger) *CachedGateway {
	return &CachedGateway{
		next:      next,
		cache:     cache,
		authorTTL: authorTTL,
		logger:    logger,
	}
}

// Fingerprint hashes a logical request into a cache key. The hashing scheme
// is an implementation detail, not a contract.
func Fingerprint(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// FetchAuthorInfo returns author metadata, reusing a cached copy inside the
// configured TTL.
func (g *CachedGateway) FetchAuthorInfo(ctx context.Context, authorID string) (Author, error) {
	fp := Fingerprint("author", authorID)
	if payload, ok := g.cache.Get(ctx, fp, g.authorTTL); ok {
		var author Author
		if err := json.Unmarshal(payload, &author); err == nil {
			CacheHits.Inc()
			return author, nil
		}
		// Corrupt payload degrades to a live fetch.
		g.logger.Debug("discarding corrupt cached author record", zap.String("author_id", authorID))
	}
	CacheMisses.Inc()

	author, err := g.next.FetchAuthorInfo(ctx, authorID)
	if err != nil {
		return Author{}, err
	}
	g.writeBack(ctx, fp, author)
	return author, nil
}

// FetchListPage returns one list page, serving cursor pages from the cache
// when available.
func (g *CachedGateway) FetchListPage(ctx context.Context, authorID, sinceCursor string) (ListPage, error) {
	fp := Fingerprint("list", authorID, sinceCursor)

	maxAge := MaxAgeForever
	if sinceCursor == "" {
		// The newest page changes between runs; read live, write back.
		maxAge = 0
	}
	if payload, ok := g.cache.Get(ctx, fp, maxAge); ok {
		var page ListPage
		if err := json.Unmarshal(payload, &page); err == nil {
			CacheHits.Inc()
			return page, nil
		}
		g.logger.Debug("discarding corrupt cached list page",
			zap.String("author_id", authorID),
			zap.String("cursor", sinceCursor),
		)
	}
	CacheMisses.Inc()

	page, err := g.next.FetchListPage(ctx, authorID, sinceCursor)
	if err != nil {
		return ListPage{}, err
	}
	g.writeBack(ctx, fp, page)
	return page, nil
}

// FetchPostDetail is a passthrough; detail records carry engagement counts
// that must stay fresh.
func (g *CachedGateway) FetchPostDetail(ctx context.Context, authorID, postID string) (PostDetail, error) {
	return g.next.FetchPostDetail(ctx, authorID, postID)
}

// FetchComments is a passthrough for the same reason as FetchPostDetail.
func (g *CachedGateway) FetchComments(ctx context.Context, authorID, postID string) ([]Comment, error) {
	return g.next.FetchComments(ctx, authorID, postID)
}

func (g *CachedGateway) writeBack(ctx context.Context, fingerprint string, record any) {
	payload, err := json.Marshal(record)
	if err != nil {
		g.logger.Warn("marshal cache payload failed", zap.Error(err))
		return
	}
	g.cache.Set(ctx, fingerprint, payload)
}
