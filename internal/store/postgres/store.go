// Package postgres provides Postgres-backed persistence for shared
// deployments where several crawler instances write into one database.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rawer886/weibo-crawler/internal/crawl"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// dbPool is the subset of pgxpool.Pool the store uses; pgxmock satisfies it
// in tests.
type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements the dedup and progress store contracts over Postgres.
type Store struct {
	pool dbPool
	now  func() time.Time
}

// New connects a Store using the provided config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool, now: time.Now}, nil
}

// NewWithPool constructs a Store from an existing pool (primarily for
// testing).
func NewWithPool(pool dbPool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool, now: time.Now}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Migrate applies the schema. Idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS authors (
	id             TEXT PRIMARY KEY,
	display_name   TEXT NOT NULL,
	description    TEXT NOT NULL DEFAULT '',
	follower_count INTEGER NOT NULL DEFAULT 0,
	updated_at     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS posts (
	id                 TEXT PRIMARY KEY,
	author_id          TEXT NOT NULL,
	published_at       TIMESTAMPTZ NOT NULL,
	repost_count       INTEGER NOT NULL DEFAULT 0,
	comment_count      INTEGER NOT NULL DEFAULT 0,
	like_count         INTEGER NOT NULL DEFAULT 0,
	is_repost          BOOLEAN NOT NULL DEFAULT FALSE,
	source_url         TEXT NOT NULL DEFAULT '',
	detail_status      TEXT NOT NULL DEFAULT 'pending',
	comment_pending    BOOLEAN NOT NULL DEFAULT FALSE,
	content            TEXT NOT NULL DEFAULT '',
	repost_author_id   TEXT NOT NULL DEFAULT '',
	repost_author_name TEXT NOT NULL DEFAULT '',
	repost_content     TEXT NOT NULL DEFAULT '',
	media              TEXT[] NOT NULL DEFAULT '{}',
	video_url          TEXT NOT NULL DEFAULT '',
	local_media        TEXT[] NOT NULL DEFAULT '{}',
	crawled_at         TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_posts_pending
	ON posts (author_id, detail_status, published_at DESC);
CREATE INDEX IF NOT EXISTS idx_posts_comment_pending
	ON posts (author_id, comment_pending, published_at DESC);

CREATE TABLE IF NOT EXISTS comments (
	comment_id            TEXT PRIMARY KEY,
	post_id               TEXT NOT NULL,
	author_id             TEXT NOT NULL DEFAULT '',
	display_name          TEXT NOT NULL DEFAULT '',
	content               TEXT NOT NULL DEFAULT '',
	published_at          TIMESTAMPTZ NOT NULL,
	like_count            INTEGER NOT NULL DEFAULT 0,
	is_author_reply       BOOLEAN NOT NULL DEFAULT FALSE,
	reply_to_comment_id   TEXT NOT NULL DEFAULT '',
	reply_to_author_id    TEXT NOT NULL DEFAULT '',
	reply_to_display_name TEXT NOT NULL DEFAULT '',
	media                 TEXT[] NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_comments_post ON comments (post_id);

CREATE TABLE IF NOT EXISTS crawl_progress (
	author_id        TEXT PRIMARY KEY,
	list_scan_cursor TEXT NOT NULL DEFAULT '',
	updated_at       TIMESTAMPTZ NOT NULL
);`
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// UpsertAuthor stores the latest author snapshot.
func (s *Store) UpsertAuthor(ctx context.Context, author crawl.Author) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO authors (id, display_name, description, follower_count, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			description = EXCLUDED.description,
			follower_count = EXCLUDED.follower_count,
			updated_at = EXCLUDED.updated_at`,
		author.ID, author.DisplayName, author.Description, author.FollowerCount, author.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert author: %w", err)
	}
	return nil
}

// GetAuthor returns the stored author, or crawl.ErrNotFound.
func (s *Store) GetAuthor(ctx context.Context, authorID string) (crawl.Author, error) {
	var author crawl.Author
	err := s.pool.QueryRow(ctx, `
		SELECT id, display_name, description, follower_count, updated_at
		FROM authors WHERE id = $1`, authorID,
	).Scan(&author.ID, &author.DisplayName, &author.Description, &author.FollowerCount, &author.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawl.Author{}, crawl.ErrNotFound
	}
	if err != nil {
		return crawl.Author{}, fmt.Errorf("get author: %w", err)
	}
	return author, nil
}

// InsertStubIfAbsent creates a Pending post row, leaving an existing row
// untouched.
func (s *Store) InsertStubIfAbsent(ctx context.Context, stub crawl.PostStub) (crawl.InsertResult, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO posts (
			id, author_id, published_at, repost_count, comment_count, like_count,
			is_repost, source_url, detail_status, content, crawled_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING`,
		stub.ID, stub.AuthorID, stub.PublishedAt, stub.RepostCount, stub.CommentCount,
		stub.LikeCount, stub.IsRepost, stub.SourceURL, string(crawl.DetailPending), stub.Content, s.now(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert stub: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawl.Skipped, nil
	}
	return crawl.Inserted, nil
}

// UpsertDetail overwrites the full post record, inserting when absent. The
// xmax trick distinguishes a fresh insert from a conflict update.
func (s *Store) UpsertDetail(ctx context.Context, post crawl.Post) (crawl.UpsertResult, error) {
	var inserted bool
	err := s.pool.QueryRow(ctx, `
		INSERT INTO posts (
			id, author_id, published_at, repost_count, comment_count, like_count,
			is_repost, source_url, detail_status, comment_pending, content,
			repost_author_id, repost_author_name, repost_content,
			media, video_url, local_media, crawled_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (id) DO UPDATE SET
			published_at = EXCLUDED.published_at,
			repost_count = EXCLUDED.repost_count,
			comment_count = EXCLUDED.comment_count,
			like_count = EXCLUDED.like_count,
			is_repost = EXCLUDED.is_repost,
			source_url = EXCLUDED.source_url,
			detail_status = EXCLUDED.detail_status,
			comment_pending = EXCLUDED.comment_pending,
			content = EXCLUDED.content,
			repost_author_id = EXCLUDED.repost_author_id,
			repost_author_name = EXCLUDED.repost_author_name,
			repost_content = EXCLUDED.repost_content,
			media = EXCLUDED.media,
			video_url = EXCLUDED.video_url,
			local_media = EXCLUDED.local_media,
			crawled_at = EXCLUDED.crawled_at
		RETURNING (xmax = 0)`,
		post.ID, post.AuthorID, post.PublishedAt, post.RepostCount, post.CommentCount,
		post.LikeCount, post.IsRepost, post.SourceURL, string(post.DetailStatus), post.CommentPending,
		post.Content, post.RepostAuthorID, post.RepostAuthorName, post.RepostContent,
		post.Media, post.VideoURL, post.LocalMedia, post.CrawledAt,
	).Scan(&inserted)
	if err != nil {
		return 0, fmt.Errorf("upsert detail: %w", err)
	}
	if inserted {
		return crawl.UpsertInserted, nil
	}
	return crawl.UpsertUpdated, nil
}

// PostExists reports whether the post is stored.
func (s *Store) PostExists(ctx context.Context, postID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM posts WHERE id = $1)`, postID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("post exists: %w", err)
	}
	return exists, nil
}

const postColumns = `
	id, author_id, published_at, repost_count, comment_count, like_count,
	is_repost, source_url, detail_status, comment_pending, content,
	repost_author_id, repost_author_name, repost_content,
	media, video_url, local_media, crawled_at`

// GetPost returns the stored post, or crawl.ErrNotFound.
func (s *Store) GetPost(ctx context.Context, postID string) (crawl.Post, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+postColumns+` FROM posts WHERE id = $1`, postID)
	post, err := scanPost(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawl.Post{}, crawl.ErrNotFound
	}
	if err != nil {
		return crawl.Post{}, fmt.Errorf("get post: %w", err)
	}
	return post, nil
}

// ListPendingDetails returns up to limit Pending posts published before the
// given time, newest first.
func (s *Store) ListPendingDetails(ctx context.Context, authorID string, publishedBefore time.Time, limit int) ([]crawl.Post, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+postColumns+`
		FROM posts
		WHERE author_id = $1 AND detail_status = $2 AND published_at < $3
		ORDER BY published_at DESC
		LIMIT $4`,
		authorID, string(crawl.DetailPending), publishedBefore, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending details: %w", err)
	}
	return collectPosts(rows)
}

// ListPendingComments returns posts flagged for comment refresh that have
// settled, newest first.
func (s *Store) ListPendingComments(ctx context.Context, authorID string, publishedBefore time.Time) ([]crawl.Post, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+postColumns+`
		FROM posts
		WHERE author_id = $1 AND comment_pending AND published_at < $2
		ORDER BY published_at DESC`,
		authorID, publishedBefore,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending comments: %w", err)
	}
	return collectPosts(rows)
}

// SetCommentPending toggles the comment refresh flag.
func (s *Store) SetCommentPending(ctx context.Context, postID string, pending bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE posts SET comment_pending = $1 WHERE id = $2`, pending, postID)
	if err != nil {
		return fmt.Errorf("set comment pending: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawl.ErrNotFound
	}
	return nil
}

// InsertCommentIfAbsent stores the comment, leaving an existing row
// untouched.
func (s *Store) InsertCommentIfAbsent(ctx context.Context, comment crawl.Comment) (crawl.InsertResult, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO comments (
			comment_id, post_id, author_id, display_name, content, published_at,
			like_count, is_author_reply, reply_to_comment_id, reply_to_author_id,
			reply_to_display_name, media
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (comment_id) DO NOTHING`,
		comment.CommentID, comment.PostID, comment.AuthorID, comment.DisplayName,
		comment.Content, comment.PublishedAt, comment.LikeCount, comment.IsAuthorReply,
		comment.ReplyToCommentID, comment.ReplyToAuthorID, comment.ReplyToDisplayName, comment.Media,
	)
	if err != nil {
		return 0, fmt.Errorf("insert comment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawl.Skipped, nil
	}
	return crawl.Inserted, nil
}

// UpdateCommentLikes refreshes the like count of an existing comment.
func (s *Store) UpdateCommentLikes(ctx context.Context, commentID string, likes int) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE comments SET like_count = $1 WHERE comment_id = $2`, likes, commentID)
	if err != nil {
		return false, fmt.Errorf("update comment likes: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListComments returns all stored comments for the post, unranked.
func (s *Store) ListComments(ctx context.Context, postID string) ([]crawl.Comment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT comment_id, post_id, author_id, display_name, content, published_at,
			like_count, is_author_reply, reply_to_comment_id, reply_to_author_id,
			reply_to_display_name, media
		FROM comments WHERE post_id = $1
		ORDER BY published_at ASC`, postID,
	)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	var out []crawl.Comment
	for rows.Next() {
		var c crawl.Comment
		if err := rows.Scan(
			&c.CommentID, &c.PostID, &c.AuthorID, &c.DisplayName, &c.Content, &c.PublishedAt,
			&c.LikeCount, &c.IsAuthorReply, &c.ReplyToCommentID, &c.ReplyToAuthorID,
			&c.ReplyToDisplayName, &c.Media,
		); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return out, nil
}

// Stats summarizes store contents.
func (s *Store) Stats(ctx context.Context) (crawl.StoreStats, error) {
	var stats crawl.StoreStats
	if err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM authors),
			(SELECT COUNT(*) FROM posts),
			(SELECT COUNT(*) FROM comments)`,
	).Scan(&stats.Authors, &stats.Posts, &stats.Comments); err != nil {
		return crawl.StoreStats{}, fmt.Errorf("count rows: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT author_id, COUNT(*) FROM posts GROUP BY author_id`)
	if err != nil {
		return crawl.StoreStats{}, fmt.Errorf("count posts by author: %w", err)
	}
	defer rows.Close()

	stats.PostsByAuthor = make(map[string]int)
	for rows.Next() {
		var authorID string
		var count int
		if err := rows.Scan(&authorID, &count); err != nil {
			return crawl.StoreStats{}, fmt.Errorf("scan author count: %w", err)
		}
		stats.PostsByAuthor[authorID] = count
	}
	if err := rows.Err(); err != nil {
		return crawl.StoreStats{}, fmt.Errorf("iterate author counts: %w", err)
	}
	return stats, nil
}

// Progress returns the stored cursor row for the author.
func (s *Store) Progress(ctx context.Context, authorID string) (crawl.CrawlProgress, bool, error) {
	var p crawl.CrawlProgress
	err := s.pool.QueryRow(ctx, `
		SELECT author_id, list_scan_cursor, updated_at
		FROM crawl_progress WHERE author_id = $1`, authorID,
	).Scan(&p.AuthorID, &p.ListScanCursor, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawl.CrawlProgress{AuthorID: authorID}, false, nil
	}
	if err != nil {
		return crawl.CrawlProgress{}, false, fmt.Errorf("get progress: %w", err)
	}
	return p, true, nil
}

// SaveCursor stores the resumable list-scan cursor.
func (s *Store) SaveCursor(ctx context.Context, authorID, cursor string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO crawl_progress (author_id, list_scan_cursor, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (author_id) DO UPDATE SET
			list_scan_cursor = EXCLUDED.list_scan_cursor,
			updated_at = EXCLUDED.updated_at`,
		authorID, cursor, s.now(),
	)
	if err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}

func scanPost(row pgx.Row) (crawl.Post, error) {
	var p crawl.Post
	var status string
	err := row.Scan(
		&p.ID, &p.AuthorID, &p.PublishedAt, &p.RepostCount, &p.CommentCount, &p.LikeCount,
		&p.IsRepost, &p.SourceURL, &status, &p.CommentPending, &p.Content,
		&p.RepostAuthorID, &p.RepostAuthorName, &p.RepostContent,
		&p.Media, &p.VideoURL, &p.LocalMedia, &p.CrawledAt,
	)
	if err != nil {
		return crawl.Post{}, err
	}
	p.DetailStatus = crawl.DetailStatus(status)
	return p, nil
}

func collectPosts(rows pgx.Rows) ([]crawl.Post, error) {
	defer rows.Close()
	var out []crawl.Post
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		out = append(out, post)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate posts: %w", err)
	}
	return out, nil
}
