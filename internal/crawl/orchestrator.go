package crawl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Crawl modes accepted by CrawlAuthor.
const (
	// ModeHistory scans backward from the persisted cursor and detail-fetches
	// posts that have passed the stability window.
	ModeHistory = "history"
	// ModeNew catches up to live content, stopping once enough consecutive
	// already-stored posts are seen.
	ModeNew = "new"
)

// Options controls per-run orchestrator behavior.
type Options struct {
	// MaxPostsPerRun caps ingestion per run; the next run resumes.
	MaxPostsPerRun int
	// MaxDays is the retention cutoff: posts older than this are not scanned.
	MaxDays int
	// StableDays is the comment-capture delay. Posts younger than this keep
	// their comments flagged pending.
	StableDays int
	// OverlapThreshold is the consecutive already-stored post count that
	// terminates the new-content phase. A heuristic, not a completeness
	// proof.
	OverlapThreshold int
	// LowWaterMark triggers one extra scan when the detail candidate queue
	// runs short.
	LowWaterMark int
	// Delay is the base politeness delay between detail candidates,
	// randomized to [0.5d, 1.5d).
	Delay time.Duration
	// DownloadImages enables the media fetcher hook.
	DownloadImages bool
	// Topic is the event topic run summaries are published to; empty
	// disables publishing.
	Topic string
}

func (o Options) withDefaults() Options {
	if o.MaxPostsPerRun <= 0 {
		o.MaxPostsPerRun = 50
	}
	if o.StableDays <= 0 {
		o.StableDays = 1
	}
	if o.OverlapThreshold <= 0 {
		o.OverlapThreshold = 5
	}
	if o.LowWaterMark < 0 {
		o.LowWaterMark = 0
	}
	return o
}

// Orchestrator drives the Scan and Detail phases for one author at a time.
// It persists no "current state" field: each run re-derives what to do from
// the progress and dedup stores, which makes interrupted runs safe to repeat.
type Orchestrator struct {
	gateway   FetchGateway
	scanner   *ListScanner
	store     DedupStore
	progress  ProgressStore
	publisher Publisher
	media     MediaFetcher
	clock     Clock
	idGen     IDGenerator
	pause     pauseController
	opts      Options
	logger    *zap.Logger
}

// New constructs an Orchestrator. publisher and media may be nil.
func New(
	gateway FetchGateway,
	store DedupStore,
	progress ProgressStore,
	publisher Publisher,
	media MediaFetcher,
	clock Clock,
	idGen IDGenerator,
	opts Options,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		gateway:   gateway,
		scanner:   NewListScanner(gateway, logger),
		store:     store,
		progress:  progress,
		publisher: publisher,
		media:     media,
		clock:     clock,
		idGen:     idGen,
		pause:     &timerPauseController{},
		opts:      opts.withDefaults(),
		logger:    logger,
	}
}

// CrawlAuthor runs one full pass for one author in the given mode and
// returns the run summary. Gateway failures inside the run are isolated per
// candidate; only failures that prevent the run from starting at all (author
// lookup, progress read) surface as errors.
func (o *Orchestrator) CrawlAuthor(ctx context.Context, authorID, mode string) (RunSummary, error) {
	runID, err := o.idGen.NewID()
	if err != nil {
		return RunSummary{}, fmt.Errorf("generate run id: %w", err)
	}
	sum := RunSummary{
		RunID:     runID,
		AuthorID:  authorID,
		Mode:      mode,
		StartedAt: o.clock.Now(),
	}

	author, err := o.gateway.FetchAuthorInfo(ctx, authorID)
	if err != nil {
		return sum, fmt.Errorf("fetch author %s: %w", authorID, err)
	}
	author.UpdatedAt = o.clock.Now()
	if err := o.store.UpsertAuthor(ctx, author); err != nil {
		return sum, &PersistenceError{Op: "upsert author", Err: err}
	}
	o.logger.Info("author refreshed",
		zap.String("author_id", authorID),
		zap.String("display_name", author.DisplayName),
		zap.Int("followers", author.FollowerCount),
	)

	switch mode {
	case ModeNew:
		err = o.RunNewContentPhase(ctx, authorID, &sum)
	case ModeHistory:
		err = o.runHistory(ctx, authorID, &sum)
	default:
		return sum, fmt.Errorf("unknown crawl mode %q", mode)
	}

	sum.FinishedAt = o.clock.Now()
	o.publishSummary(ctx, sum)
	return sum, err
}

func (o *Orchestrator) runHistory(ctx context.Context, authorID string, sum *RunSummary) error {
	progress, _, err := o.progress.Progress(ctx, authorID)
	if err != nil {
		return &PersistenceError{Op: "read progress", Err: err}
	}
	cursor := progress.ListScanCursor

	for sum.PostsInserted < o.opts.MaxPostsPerRun {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, nextCursor, more, err := o.RunScanPhase(ctx, authorID, cursor, sum)
		if err != nil {
			return err
		}
		// Pagination within the run follows the page's own cursor; a page
		// that fails to move it (stub-free ad pages, a remote echoing the
		// same cursor) ends the scan rather than spinning on it.
		if !more || nextCursor == cursor {
			break
		}
		cursor = nextCursor
	}
	return o.RunDetailPhase(ctx, authorID, sum)
}

// RunScanPhase ingests the list page at sinceCursor (empty = newest): it
// fetches the page, inserts stubs idempotently, and only then advances the
// persisted cursor to the oldest stored stub. If the process dies between
// fetch and persist, the next run re-fetches the same page, which is safe
// because stub ingestion is insert-if-absent. It returns the count of newly
// inserted stubs, the next page's cursor, and whether more pages remain.
func (o *Orchestrator) RunScanPhase(ctx context.Context, authorID, sinceCursor string, sum *RunSummary) (int, string, bool, error) {
	stubs, nextCursor, reachedCutoff, err := o.scanner.ScanPage(ctx, authorID, sinceCursor, o.cutoff())
	if err != nil {
		FetchErrors.Inc()
		sum.FetchErrors++
		return 0, "", false, err
	}
	if reachedCutoff {
		sum.ReachedCutoff = true
	}

	inserted := 0
	oldestPersisted := ""
	for _, stub := range stubs {
		result, err := o.store.InsertStubIfAbsent(ctx, stub)
		if err != nil {
			// The cursor must not advance past un-persisted data; stop here
			// and let the next run re-fetch this page.
			o.logger.Error("insert stub failed",
				zap.String("post_id", stub.ID),
				zap.Error(err),
			)
			break
		}
		oldestPersisted = stub.ID
		switch result {
		case Inserted:
			inserted++
			sum.PostsInserted++
			PostsInserted.Inc()
		case Skipped:
			sum.PostsSkipped++
		}
	}

	if oldestPersisted != "" && oldestPersisted != sinceCursor {
		if err := o.progress.SaveCursor(ctx, authorID, oldestPersisted); err != nil {
			return inserted, "", false, &PersistenceError{Op: "save cursor", Err: err}
		}
	}

	o.logger.Info("scan page complete",
		zap.String("author_id", authorID),
		zap.Int("stubs", len(stubs)),
		zap.Int("inserted", inserted),
		zap.Bool("reached_cutoff", reachedCutoff),
	)

	more := nextCursor != "" && !reachedCutoff
	return inserted, nextCursor, more, nil
}

// RunDetailPhase refreshes settled pending comments, then detail-fetches up
// to MaxPostsPerRun stable Pending posts, newest first. A gateway error for
// one candidate is logged and skipped; the post stays Pending and is retried
// next run. Store write failures are fatal for that item only.
func (o *Orchestrator) RunDetailPhase(ctx context.Context, authorID string, sum *RunSummary) error {
	if err := o.refreshPendingComments(ctx, authorID, sum); err != nil {
		return err
	}

	stableBefore := o.stableBefore()
	candidates, err := o.store.ListPendingDetails(ctx, authorID, stableBefore, o.opts.MaxPostsPerRun)
	if err != nil {
		return &PersistenceError{Op: "list pending details", Err: err}
	}

	if len(candidates) < o.opts.LowWaterMark {
		progress, _, perr := o.progress.Progress(ctx, authorID)
		if perr != nil {
			o.logger.Warn("replenish scan failed", zap.String("author_id", authorID), zap.Error(perr))
		} else if _, _, _, err := o.RunScanPhase(ctx, authorID, progress.ListScanCursor, sum); err != nil {
			o.logger.Warn("replenish scan failed", zap.String("author_id", authorID), zap.Error(err))
		} else {
			candidates, err = o.store.ListPendingDetails(ctx, authorID, stableBefore, o.opts.MaxPostsPerRun)
			if err != nil {
				return &PersistenceError{Op: "list pending details", Err: err}
			}
		}
	}

	o.logger.Info("detail phase starting",
		zap.String("author_id", authorID),
		zap.Int("candidates", len(candidates)),
	)

	for i, post := range candidates {
		if err := ctx.Err(); err != nil {
			// Cooperative cancellation: no new candidate after the signal.
			return err
		}
		if i > 0 {
			o.pause.Pause(ctx, jitterDelay(o.opts.Delay))
		}
		o.ingestDetail(ctx, post.AuthorID, post.ID, sum)
	}
	return nil
}

// RunNewContentPhase walks list pages newest-first and stops after
// OverlapThreshold consecutive already-stored posts or the per-run cap,
// whichever comes first. Fresh posts are detail-fetched immediately; the
// stability window marks their comments pending as usual.
func (o *Orchestrator) RunNewContentPhase(ctx context.Context, authorID string, sum *RunSummary) error {
	var fresh []PostStub
	cursor := ""
	consecutiveKnown := 0

scan:
	for len(fresh) < o.opts.MaxPostsPerRun {
		if err := ctx.Err(); err != nil {
			return err
		}
		stubs, nextCursor, reachedCutoff, err := o.scanner.ScanPage(ctx, authorID, cursor, o.cutoff())
		if err != nil {
			FetchErrors.Inc()
			sum.FetchErrors++
			return err
		}
		if reachedCutoff {
			sum.ReachedCutoff = true
		}

		for _, stub := range stubs {
			exists, err := o.store.PostExists(ctx, stub.ID)
			if err != nil {
				return &PersistenceError{Op: "post exists", Err: err}
			}
			if exists {
				consecutiveKnown++
				sum.PostsSkipped++
				if consecutiveKnown >= o.opts.OverlapThreshold {
					o.logger.Info("overlap with stored history detected",
						zap.String("author_id", authorID),
						zap.Int("consecutive_known", consecutiveKnown),
					)
					break scan
				}
				continue
			}
			consecutiveKnown = 0
			fresh = append(fresh, stub)
			if len(fresh) >= o.opts.MaxPostsPerRun {
				break scan
			}
		}

		if nextCursor == "" || reachedCutoff {
			break
		}
		cursor = nextCursor
	}

	if len(fresh) == 0 {
		o.logger.Info("no new posts", zap.String("author_id", authorID))
		return nil
	}
	o.logger.Info("new posts discovered",
		zap.String("author_id", authorID),
		zap.Int("count", len(fresh)),
	)

	for i, stub := range fresh {
		if err := ctx.Err(); err != nil {
			return err
		}
		if i > 0 {
			o.pause.Pause(ctx, jitterDelay(o.opts.Delay))
		}
		if _, err := o.store.InsertStubIfAbsent(ctx, stub); err != nil {
			o.logger.Error("insert stub failed", zap.String("post_id", stub.ID), zap.Error(err))
			continue
		}
		sum.PostsInserted++
		PostsInserted.Inc()
		o.ingestDetail(ctx, authorID, stub.ID, sum)
	}
	return nil
}

// ingestDetail fetches and persists the full record plus comments for one
// post. Errors are contained: fetch failures skip the candidate, store
// failures abort only this item.
func (o *Orchestrator) ingestDetail(ctx context.Context, authorID, postID string, sum *RunSummary) {
	detail, err := o.gateway.FetchPostDetail(ctx, authorID, postID)
	if err != nil {
		FetchErrors.Inc()
		sum.FetchErrors++
		o.logger.Warn("detail fetch failed, will retry next run",
			zap.String("post_id", postID),
			zap.Error(err),
		)
		return
	}

	now := o.clock.Now()
	insideWindow := detail.Stub.PublishedAt.After(o.stableBefore())

	post := Post{
		ID:               postID,
		AuthorID:         authorID,
		PublishedAt:      detail.Stub.PublishedAt,
		RepostCount:      detail.Stub.RepostCount,
		CommentCount:     detail.Stub.CommentCount,
		LikeCount:        detail.Stub.LikeCount,
		IsRepost:         detail.Stub.IsRepost,
		SourceURL:        detail.Stub.SourceURL,
		Content:          detail.Content,
		RepostAuthorID:   detail.RepostAuthorID,
		RepostAuthorName: detail.RepostAuthorName,
		RepostContent:    detail.RepostContent,
		Media:            detail.Media,
		VideoURL:         detail.VideoURL,
		CommentPending:   insideWindow,
		CrawledAt:        now,
	}
	// An empty fetch leaves the post Pending so a later run retries it.
	if post.HasContent() {
		post.DetailStatus = DetailDone
	} else {
		post.DetailStatus = DetailPending
		o.logger.Warn("detail fetch returned no content", zap.String("post_id", postID))
	}

	if o.opts.DownloadImages && o.media != nil && len(post.Media) > 0 {
		local, err := o.media.FetchMedia(ctx, postID, post.Media)
		if err != nil {
			o.logger.Warn("media download failed", zap.String("post_id", postID), zap.Error(err))
		} else {
			post.LocalMedia = local
		}
	}

	result, err := o.store.UpsertDetail(ctx, post)
	if err != nil {
		o.logger.Error("upsert detail failed", zap.String("post_id", postID), zap.Error(err))
		return
	}
	switch result {
	case UpsertInserted:
		sum.PostsInserted++
		PostsInserted.Inc()
	case UpsertUpdated:
		sum.PostsUpdated++
		PostsUpdated.Inc()
	}

	if err := o.ingestComments(ctx, authorID, postID, sum); err != nil {
		// Comments could not be captured; flag the post so a later run
		// re-fetches them.
		o.logger.Warn("comment fetch failed, flagging for refresh",
			zap.String("post_id", postID),
			zap.Error(err),
		)
		if err := o.store.SetCommentPending(ctx, postID, true); err != nil {
			o.logger.Error("set comment pending failed", zap.String("post_id", postID), zap.Error(err))
		}
	}

	if insideWindow {
		o.logger.Info("post inside stability window, comments flagged pending",
			zap.String("post_id", postID),
			zap.Int("stable_days", o.opts.StableDays),
		)
	}
}

// ingestComments fetches, validates and persists the comment thread for one
// post. Existing comments only get their like counts refreshed.
func (o *Orchestrator) ingestComments(ctx context.Context, authorID, postID string, sum *RunSummary) error {
	comments, err := o.gateway.FetchComments(ctx, authorID, postID)
	if err != nil {
		FetchErrors.Inc()
		sum.FetchErrors++
		return err
	}

	comments = EnsureCommentIDs(postID, comments)
	// Ranking is a pure function; building the tree up front validates the
	// reply references before anything is persisted.
	BuildThread(comments)

	for _, comment := range comments {
		result, err := o.store.InsertCommentIfAbsent(ctx, comment)
		if err != nil {
			o.logger.Error("insert comment failed",
				zap.String("comment_id", comment.CommentID),
				zap.Error(err),
			)
			continue
		}
		switch result {
		case Inserted:
			sum.CommentsInserted++
			CommentsInserted.Inc()
		case Skipped:
			updated, err := o.store.UpdateCommentLikes(ctx, comment.CommentID, comment.LikeCount)
			if err != nil {
				o.logger.Error("update comment likes failed",
					zap.String("comment_id", comment.CommentID),
					zap.Error(err),
				)
				continue
			}
			if updated {
				sum.CommentsUpdated++
				CommentsUpdated.Inc()
			}
		}
	}

	o.logger.Info("comments ingested",
		zap.String("post_id", postID),
		zap.Int("fetched", len(comments)),
	)
	return nil
}

// refreshPendingComments re-fetches comments for posts that were inside the
// stability window when first ingested and have since settled, clearing the
// pending flag on success.
func (o *Orchestrator) refreshPendingComments(ctx context.Context, authorID string, sum *RunSummary) error {
	posts, err := o.store.ListPendingComments(ctx, authorID, o.stableBefore())
	if err != nil {
		return &PersistenceError{Op: "list pending comments", Err: err}
	}
	if len(posts) == 0 {
		return nil
	}
	o.logger.Info("refreshing settled comment threads",
		zap.String("author_id", authorID),
		zap.Int("posts", len(posts)),
	)

	for i, post := range posts {
		if err := ctx.Err(); err != nil {
			return err
		}
		if i > 0 {
			o.pause.Pause(ctx, jitterDelay(o.opts.Delay))
		}
		if err := o.ingestComments(ctx, authorID, post.ID, sum); err != nil {
			o.logger.Warn("pending comment refresh failed, keeping flag",
				zap.String("post_id", post.ID),
				zap.Error(err),
			)
			continue
		}
		if err := o.store.SetCommentPending(ctx, post.ID, false); err != nil {
			o.logger.Error("clear comment pending failed", zap.String("post_id", post.ID), zap.Error(err))
		}
	}
	return nil
}

func (o *Orchestrator) publishSummary(ctx context.Context, sum RunSummary) {
	if o.publisher == nil || o.opts.Topic == "" {
		return
	}
	if _, err := o.publisher.Publish(ctx, o.opts.Topic, sum); err != nil {
		o.logger.Warn("publish run summary failed", zap.String("run_id", sum.RunID), zap.Error(err))
	}
}

// cutoff returns the retention boundary, or the zero time when unbounded.
func (o *Orchestrator) cutoff() time.Time {
	if o.opts.MaxDays <= 0 {
		return time.Time{}
	}
	return o.clock.Now().AddDate(0, 0, -o.opts.MaxDays)
}

// stableBefore returns the stability boundary: posts published before it are
// considered settled.
func (o *Orchestrator) stableBefore() time.Time {
	return o.clock.Now().AddDate(0, 0, -o.opts.StableDays)
}

// IsRetryable reports whether an orchestrator error should be retried on the
// next run rather than treated as a configuration problem.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return IsTransient(err)
}
