package crawl

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PostsInserted tracks posts newly created by scan or detail phases.
	PostsInserted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crawler_posts_inserted_total",
		Help: "The total number of posts inserted into the store.",
	})
	// PostsUpdated tracks posts whose detail fields were overwritten.
	PostsUpdated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crawler_posts_updated_total",
		Help: "The total number of posts updated by detail fetches.",
	})
	// CommentsInserted tracks newly stored comments.
	CommentsInserted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crawler_comments_inserted_total",
		Help: "The total number of comments inserted into the store.",
	})
	// CommentsUpdated tracks like-count refreshes of existing comments.
	CommentsUpdated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crawler_comments_updated_total",
		Help: "The total number of comment like-count updates.",
	})
	// FetchErrors tracks gateway calls that failed.
	FetchErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crawler_fetch_errors_total",
		Help: "The total number of failed fetch gateway calls.",
	})
	// CacheHits tracks response cache hits.
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crawler_cache_hits_total",
		Help: "The total number of response cache hits.",
	})
	// CacheMisses tracks response cache misses, including TTL expiries.
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crawler_cache_misses_total",
		Help: "The total number of response cache misses.",
	})
)
