// Package crawl defines the core ingestion types shared across subsystems.
package crawl

import "time"

// DetailStatus represents the detail-fetch lifecycle of a post.
type DetailStatus string

// Detail status values persisted in the dedup store. A post only ever moves
// Pending -> Done, never backward.
const (
	DetailPending DetailStatus = "pending"
	DetailDone    DetailStatus = "done"
)

// Author is the content owner being tracked. Upserted whenever fetched; no
// history is kept.
type Author struct {
	ID            string    `json:"id"`
	DisplayName   string    `json:"display_name"`
	Description   string    `json:"description,omitempty"`
	FollowerCount int       `json:"follower_count"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// PostStub is the partial post record returned by list scanning. The dedup
// store turns it into a Pending post; the detail phase fills in the rest.
type PostStub struct {
	ID           string    `json:"id"`
	AuthorID     string    `json:"author_id"`
	PublishedAt  time.Time `json:"published_at"`
	RepostCount  int       `json:"repost_count"`
	CommentCount int       `json:"comment_count"`
	LikeCount    int       `json:"like_count"`
	IsRepost     bool      `json:"is_repost"`
	SourceURL    string    `json:"source_url"`
	Content      string    `json:"content,omitempty"`
}

// Post is the canonical persisted post record.
type Post struct {
	ID               string       `json:"id"`
	AuthorID         string       `json:"author_id"`
	PublishedAt      time.Time    `json:"published_at"`
	RepostCount      int          `json:"repost_count"`
	CommentCount     int          `json:"comment_count"`
	LikeCount        int          `json:"like_count"`
	IsRepost         bool         `json:"is_repost"`
	SourceURL        string       `json:"source_url"`
	DetailStatus     DetailStatus `json:"detail_status"`
	CommentPending   bool         `json:"comment_pending"`
	Content          string       `json:"content,omitempty"`
	RepostAuthorID   string       `json:"repost_author_id,omitempty"`
	RepostAuthorName string       `json:"repost_author_name,omitempty"`
	RepostContent    string       `json:"repost_content,omitempty"`
	Media            []string     `json:"media,omitempty"`
	VideoURL         string       `json:"video_url,omitempty"`
	LocalMedia       []string     `json:"local_media,omitempty"`
	CrawledAt        time.Time    `json:"crawled_at"`
}

// HasContent reports whether the detail fetch produced anything worth marking
// the post Done for. An empty fetch leaves the post Pending so a later run
// retries it.
func (p Post) HasContent() bool {
	return p.Content != "" || len(p.Media) > 0 || p.VideoURL != ""
}

// PostDetail is the full record returned by a detail fetch.
type PostDetail struct {
	Stub             PostStub `json:"stub"`
	Content          string   `json:"content"`
	RepostAuthorID   string   `json:"repost_author_id,omitempty"`
	RepostAuthorName string   `json:"repost_author_name,omitempty"`
	RepostContent    string   `json:"repost_content,omitempty"`
	Media            []string `json:"media,omitempty"`
	VideoURL         string   `json:"video_url,omitempty"`
}

// Comment is one comment under a post. Comments are append-only with a single
// mutable field, LikeCount, refreshed on re-fetch.
type Comment struct {
	CommentID          string    `json:"comment_id"`
	PostID             string    `json:"post_id"`
	AuthorID           string    `json:"author_id,omitempty"`
	DisplayName        string    `json:"display_name,omitempty"`
	Content            string    `json:"content"`
	PublishedAt        time.Time `json:"published_at"`
	LikeCount          int       `json:"like_count"`
	IsAuthorReply      bool      `json:"is_author_reply"`
	ReplyToCommentID   string    `json:"reply_to_comment_id,omitempty"`
	ReplyToAuthorID    string    `json:"reply_to_author_id,omitempty"`
	ReplyToDisplayName string    `json:"reply_to_display_name,omitempty"`
	Media              []string  `json:"media,omitempty"`
}

// CrawlProgress holds the resumable list-scan cursor for one author. The
// cursor moves monotonically toward older content across runs.
type CrawlProgress struct {
	AuthorID       string    `json:"author_id"`
	ListScanCursor string    `json:"list_scan_cursor"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ListPage is one page of list stubs as returned by the fetch gateway.
// NextCursor is empty when the remote source reports no further pages.
type ListPage struct {
	Stubs      []PostStub `json:"stubs"`
	NextCursor string     `json:"next_cursor,omitempty"`
}

// InsertResult reports whether an insert-if-absent call created a row.
type InsertResult int

// Insert-if-absent outcomes.
const (
	Inserted InsertResult = iota
	Skipped
)

// UpsertResult reports whether an upsert created or overwrote a row.
type UpsertResult int

// Upsert outcomes.
const (
	UpsertInserted UpsertResult = iota
	UpsertUpdated
)

// StoreStats summarizes dedup store contents for the status API.
type StoreStats struct {
	Authors       int            `json:"authors"`
	Posts         int            `json:"posts"`
	Comments      int            `json:"comments"`
	PostsByAuthor map[string]int `json:"posts_by_author,omitempty"`
}

// RunSummary is the user-visible outcome of one crawl run for one author.
type RunSummary struct {
	RunID            string    `json:"run_id"`
	AuthorID         string    `json:"author_id"`
	Mode             string    `json:"mode"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at"`
	PostsInserted    int       `json:"posts_inserted"`
	PostsUpdated     int       `json:"posts_updated"`
	PostsSkipped     int       `json:"posts_skipped"`
	CommentsInserted int       `json:"comments_inserted"`
	CommentsUpdated  int       `json:"comments_updated"`
	FetchErrors      int       `json:"fetch_errors"`
	ReachedCutoff    bool      `json:"reached_cutoff"`
}
