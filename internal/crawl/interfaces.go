package crawl

import (
	"context"
	"time"
)

// FetchGateway supplies raw, typed records from the remote source. The core
// never parses markup; implementations live behind this interface.
type FetchGateway interface {
	// FetchAuthorInfo returns author metadata, or ErrNotFound.
	FetchAuthorInfo(ctx context.Context, authorID string) (Author, error)
	// FetchListPage returns one page of list stubs starting below sinceCursor.
	// An empty sinceCursor starts from the newest content.
	FetchListPage(ctx context.Context, authorID, sinceCursor string) (ListPage, error)
	// FetchPostDetail returns the full post record, or ErrNotFound.
	FetchPostDetail(ctx context.Context, authorID, postID string) (PostDetail, error)
	// FetchComments returns the flat comment list for one post.
	FetchComments(ctx context.Context, authorID, postID string) ([]Comment, error)
}

// ResponseCache is a persistent fingerprint -> payload store with
// caller-specified freshness. maxAge semantics:
//
//	MaxAgeForever  accept any cached value regardless of age
//	0              always miss on read; writes still happen on success
//	> 0            true TTL: entries older than maxAge are a miss
//
// Corrupt entries degrade to a miss. Writes are best-effort.
type ResponseCache interface {
	Get(ctx context.Context, fingerprint string, maxAge time.Duration) ([]byte, bool)
	Set(ctx context.Context, fingerprint string, payload []byte)
}

// MaxAgeForever accepts a cached entry of any age. Used for immutable
// historical pages.
const MaxAgeForever time.Duration = -1

// DedupStore holds the canonical Author/Post/Comment records with idempotent
// insert-or-skip and explicit-update operations. All operations are
// single-row; every one is independently idempotent, so a crash mid-batch
// leaves safe partial progress.
type DedupStore interface {
	UpsertAuthor(ctx context.Context, author Author) error
	// InsertStubIfAbsent creates a Pending post from a stub. It never
	// overwrites an existing row.
	InsertStubIfAbsent(ctx context.Context, stub PostStub) (InsertResult, error)
	// UpsertDetail overwrites content/engagement fields of an existing post
	// (or inserts it), preserving ID and creation metadata.
	UpsertDetail(ctx context.Context, post Post) (UpsertResult, error)
	PostExists(ctx context.Context, postID string) (bool, error)
	GetPost(ctx context.Context, postID string) (Post, error)
	// ListPendingDetails returns up to limit Pending posts for the author
	// published before the given time, newest first.
	ListPendingDetails(ctx context.Context, authorID string, publishedBefore time.Time, limit int) ([]Post, error)
	// ListPendingComments returns posts flagged CommentPending that are now
	// past the stability window, newest first.
	ListPendingComments(ctx context.Context, authorID string, publishedBefore time.Time) ([]Post, error)
	SetCommentPending(ctx context.Context, postID string, pending bool) error
	InsertCommentIfAbsent(ctx context.Context, comment Comment) (InsertResult, error)
	// UpdateCommentLikes refreshes the like count of an existing comment and
	// reports whether a row was touched.
	UpdateCommentLikes(ctx context.Context, commentID string, likes int) (bool, error)
	ListComments(ctx context.Context, postID string) ([]Comment, error)
	Stats(ctx context.Context) (StoreStats, error)
}

// ProgressStore persists the per-author resumable list-scan cursor.
type ProgressStore interface {
	// Progress returns the stored progress row and whether one exists.
	Progress(ctx context.Context, authorID string) (CrawlProgress, bool, error)
	SaveCursor(ctx context.Context, authorID, cursor string) error
}

// Publisher pushes run summaries to an event sink (Pub/Sub or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// MediaFetcher downloads post/comment media and returns local paths. Image
// handling is an external collaborator; failures are logged and swallowed.
type MediaFetcher interface {
	FetchMedia(ctx context.Context, postID string, urls []string) ([]string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
