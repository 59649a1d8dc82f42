package crawl

import (
	"context"
	"hash/fnv"
	"sync"

	"go.uber.org/zap"
)

// AuthorCrawler executes one crawl run for one author. Satisfied by
// *Orchestrator.
type AuthorCrawler interface {
	CrawlAuthor(ctx context.Context, authorID, mode string) (RunSummary, error)
}

// Request names one author to crawl and how.
type Request struct {
	AuthorID string
	Mode     string
}

// Runner fans crawl requests out over a fixed worker pool. Requests for the
// same author are pinned to the same worker by a stable hash, so one author
// is never crawled concurrently with itself; cursor and dedup writes for an
// author stay serialized.
type Runner struct {
	crawler     AuthorCrawler
	concurrency int
	logger      *zap.Logger
}

// NewRunner builds a Runner over the given crawler. Concurrency below one is
// clamped to one.
func NewRunner(crawler AuthorCrawler, concurrency int, logger *zap.Logger) *Runner {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Runner{crawler: crawler, concurrency: concurrency, logger: logger}
}

// Run processes all requests and blocks until every worker drains its share.
// A failed run is logged and does not stop the others; the returned slice
// holds the summaries of runs that completed, in no particular order.
func (r *Runner) Run(ctx context.Context, reqs []Request) []RunSummary {
	lanes := make([][]Request, r.concurrency)
	for _, req := range reqs {
		lane := laneFor(req.AuthorID, r.concurrency)
		lanes[lane] = append(lanes[lane], req)
	}

	var mu sync.Mutex
	var summaries []RunSummary
	var wg sync.WaitGroup
	for i, lane := range lanes {
		if len(lane) == 0 {
			continue
		}
		wg.Add(1)
		go func(worker int, lane []Request) {
			defer wg.Done()
			for _, req := range lane {
				if ctx.Err() != nil {
					r.logger.Info("worker stopping, context finished", zap.Int("worker", worker))
					return
				}
				sum, err := r.crawler.CrawlAuthor(ctx, req.AuthorID, req.Mode)
				if err != nil {
					r.logger.Error("author crawl failed",
						zap.Int("worker", worker),
						zap.String("author_id", req.AuthorID),
						zap.String("mode", req.Mode),
						zap.Error(err),
					)
					continue
				}
				mu.Lock()
				summaries = append(summaries, sum)
				mu.Unlock()
			}
		}(i, lane)
	}
	wg.Wait()
	return summaries
}

func laneFor(authorID string, lanes int) int {
	h := fnv.New32a()
	h.Write([]byte(authorID))
	return int(h.Sum32() % uint32(lanes))
}
