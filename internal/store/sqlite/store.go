// Package sqlite persists crawl records in a local SQLite database. It is
// the default engine for single-machine deployments; the postgres package
// covers shared ones.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	// Driver registration.
	_ "github.com/mattn/go-sqlite3"

	"github.com/rawer886/weibo-crawler/internal/crawl"
)

const schema = `
CREATE TABLE IF NOT EXISTS authors (
	id             TEXT PRIMARY KEY,
	display_name   TEXT NOT NULL,
	description    TEXT NOT NULL DEFAULT '',
	follower_count INTEGER NOT NULL DEFAULT 0,
	updated_at     TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS posts (
	id                 TEXT PRIMARY KEY,
	author_id          TEXT NOT NULL,
	published_at       TIMESTAMP NOT NULL,
	repost_count       INTEGER NOT NULL DEFAULT 0,
	comment_count      INTEGER NOT NULL DEFAULT 0,
	like_count         INTEGER NOT NULL DEFAULT 0,
	is_repost          INTEGER NOT NULL DEFAULT 0,
	source_url         TEXT NOT NULL DEFAULT '',
	detail_status      TEXT NOT NULL DEFAULT 'pending',
	comment_pending    INTEGER NOT NULL DEFAULT 0,
	content            TEXT NOT NULL DEFAULT '',
	repost_author_id   TEXT NOT NULL DEFAULT '',
	repost_author_name TEXT NOT NULL DEFAULT '',
	repost_content     TEXT NOT NULL DEFAULT '',
	media              TEXT NOT NULL DEFAULT '[]',
	video_url          TEXT NOT NULL DEFAULT '',
	local_media        TEXT NOT NULL DEFAULT '[]',
	crawled_at         TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_posts_pending
	ON posts (author_id, detail_status, published_at);
CREATE INDEX IF NOT EXISTS idx_posts_comment_pending
	ON posts (author_id, comment_pending, published_at);

CREATE TABLE IF NOT EXISTS comments (
	comment_id            TEXT PRIMARY KEY,
	post_id               TEXT NOT NULL,
	author_id             TEXT NOT NULL DEFAULT '',
	display_name          TEXT NOT NULL DEFAULT '',
	content               TEXT NOT NULL DEFAULT '',
	published_at          TIMESTAMP NOT NULL,
	like_count            INTEGER NOT NULL DEFAULT 0,
	is_author_reply       INTEGER NOT NULL DEFAULT 0,
	reply_to_comment_id   TEXT NOT NULL DEFAULT '',
	reply_to_author_id    TEXT NOT NULL DEFAULT '',
	reply_to_display_name TEXT NOT NULL DEFAULT '',
	media                 TEXT NOT NULL DEFAULT '[]'
);

CREATE INDEX IF NOT EXISTS idx_comments_post ON comments (post_id);

CREATE TABLE IF NOT EXISTS crawl_progress (
	author_id        TEXT PRIMARY KEY,
	list_scan_cursor TEXT NOT NULL DEFAULT '',
	updated_at       TIMESTAMP NOT NULL
);
`

// Store implements the dedup and progress store contracts over SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the database at path and applies the schema.
// Use ":memory:" for an ephemeral database.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_loc=UTC", path)
	if path == ":memory:" {
		dsn = ":memory:?_loc=UTC"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// SQLite serializes writers; extra connections just queue on the lock.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		closeErr := db.Close()
		if closeErr != nil {
			return nil, fmt.Errorf("apply schema: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertAuthor stores the latest author snapshot.
func (s *Store) UpsertAuthor(ctx context.Context, author crawl.Author) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO authors (id, display_name, description, follower_count, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			display_name = excluded.display_name,
			description = excluded.description,
			follower_count = excluded.follower_count,
			updated_at = excluded.updated_at`,
		author.ID, author.DisplayName, author.Description, author.FollowerCount, author.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert author: %w", err)
	}
	return nil
}

// GetAuthor returns the stored author, or crawl.ErrNotFound.
func (s *Store) GetAuthor(ctx context.Context, authorID string) (crawl.Author, error) {
	var author crawl.Author
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, description, follower_count, updated_at
		FROM authors WHERE id = ?`, authorID,
	).Scan(&author.ID, &author.DisplayName, &author.Description, &author.FollowerCount, &author.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
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
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO posts (
			id, author_id, published_at, repost_count, comment_count, like_count,
			is_repost, source_url, detail_status, content, crawled_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		stub.ID, stub.AuthorID, stub.PublishedAt.UTC(), stub.RepostCount, stub.CommentCount,
		stub.LikeCount, stub.IsRepost, stub.SourceURL, string(crawl.DetailPending), stub.Content, s.now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert stub: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("insert stub rows affected: %w", err)
	}
	if affected == 0 {
		return crawl.Skipped, nil
	}
	return crawl.Inserted, nil
}

// UpsertDetail overwrites the full post record, inserting when absent.
func (s *Store) UpsertDetail(ctx context.Context, post crawl.Post) (crawl.UpsertResult, error) {
	media, err := marshalList(post.Media)
	if err != nil {
		return 0, err
	}
	localMedia, err := marshalList(post.LocalMedia)
	if err != nil {
		return 0, err
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM posts WHERE id = ?)`, post.ID,
	).Scan(&exists); err != nil {
		return 0, fmt.Errorf("check post exists: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO posts (
			id, author_id, published_at, repost_count, comment_count, like_count,
			is_repost, source_url, detail_status, comment_pending, content,
			repost_author_id, repost_author_name, repost_content,
			media, video_url, local_media, crawled_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			published_at = excluded.published_at,
			repost_count = excluded.repost_count,
			comment_count = excluded.comment_count,
			like_count = excluded.like_count,
			is_repost = excluded.is_repost,
			source_url = excluded.source_url,
			detail_status = excluded.detail_status,
			comment_pending = excluded.comment_pending,
			content = excluded.content,
			repost_author_id = excluded.repost_author_id,
			repost_author_name = excluded.repost_author_name,
			repost_content = excluded.repost_content,
			media = excluded.media,
			video_url = excluded.video_url,
			local_media = excluded.local_media,
			crawled_at = excluded.crawled_at`,
		post.ID, post.AuthorID, post.PublishedAt.UTC(), post.RepostCount, post.CommentCount,
		post.LikeCount, post.IsRepost, post.SourceURL, string(post.DetailStatus), post.CommentPending,
		post.Content, post.RepostAuthorID, post.RepostAuthorName, post.RepostContent,
		media, post.VideoURL, localMedia, post.CrawledAt.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("upsert detail: %w", err)
	}
	if exists {
		return crawl.UpsertUpdated, nil
	}
	return crawl.UpsertInserted, nil
}

// PostExists reports whether the post is stored.
func (s *Store) PostExists(ctx context.Context, postID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM posts WHERE id = ?)`, postID,
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
	row := s.db.QueryRowContext(ctx,
		`SELECT `+postColumns+` FROM posts WHERE id = ?`, postID)
	post, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
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
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+postColumns+`
		FROM posts
		WHERE author_id = ? AND detail_status = ? AND published_at < ?
		ORDER BY published_at DESC
		LIMIT ?`,
		authorID, string(crawl.DetailPending), publishedBefore.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending details: %w", err)
	}
	return collectPosts(rows)
}

// ListPendingComments returns posts flagged for comment refresh that have
// settled, newest first.
func (s *Store) ListPendingComments(ctx context.Context, authorID string, publishedBefore time.Time) ([]crawl.Post, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+postColumns+`
		FROM posts
		WHERE author_id = ? AND comment_pending = 1 AND published_at < ?
		ORDER BY published_at DESC`,
		authorID, publishedBefore.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("list pending comments: %w", err)
	}
	return collectPosts(rows)
}

// SetCommentPending toggles the comment refresh flag.
func (s *Store) SetCommentPending(ctx context.Context, postID string, pending bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE posts SET comment_pending = ? WHERE id = ?`, pending, postID)
	if err != nil {
		return fmt.Errorf("set comment pending: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set comment pending rows affected: %w", err)
	}
	if affected == 0 {
		return crawl.ErrNotFound
	}
	return nil
}

// InsertCommentIfAbsent stores the comment, leaving an existing row
// untouched.
func (s *Store) InsertCommentIfAbsent(ctx context.Context, comment crawl.Comment) (crawl.InsertResult, error) {
	media, err := marshalList(comment.Media)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO comments (
			comment_id, post_id, author_id, display_name, content, published_at,
			like_count, is_author_reply, reply_to_comment_id, reply_to_author_id,
			reply_to_display_name, media
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		comment.CommentID, comment.PostID, comment.AuthorID, comment.DisplayName,
		comment.Content, comment.PublishedAt.UTC(), comment.LikeCount, comment.IsAuthorReply,
		comment.ReplyToCommentID, comment.ReplyToAuthorID, comment.ReplyToDisplayName, media,
	)
	if err != nil {
		return 0, fmt.Errorf("insert comment: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("insert comment rows affected: %w", err)
	}
	if affected == 0 {
		return crawl.Skipped, nil
	}
	return crawl.Inserted, nil
}

// UpdateCommentLikes refreshes the like count of an existing comment.
func (s *Store) UpdateCommentLikes(ctx context.Context, commentID string, likes int) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE comments SET like_count = ? WHERE comment_id = ?`, likes, commentID)
	if err != nil {
		return false, fmt.Errorf("update comment likes: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update comment likes rows affected: %w", err)
	}
	return affected > 0, nil
}

// ListComments returns all stored comments for the post, unranked.
func (s *Store) ListComments(ctx context.Context, postID string) ([]crawl.Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT comment_id, post_id, author_id, display_name, content, published_at,
			like_count, is_author_reply, reply_to_comment_id, reply_to_author_id,
			reply_to_display_name, media
		FROM comments WHERE post_id = ?
		ORDER BY published_at ASC`, postID,
	)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	var out []crawl.Comment
	for rows.Next() {
		var c crawl.Comment
		var media string
		if err := rows.Scan(
			&c.CommentID, &c.PostID, &c.AuthorID, &c.DisplayName, &c.Content, &c.PublishedAt,
			&c.LikeCount, &c.IsAuthorReply, &c.ReplyToCommentID, &c.ReplyToAuthorID,
			&c.ReplyToDisplayName, &media,
		); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		if c.Media, err = unmarshalList(media); err != nil {
			return nil, err
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
	if err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM authors),
			(SELECT COUNT(*) FROM posts),
			(SELECT COUNT(*) FROM comments)`,
	).Scan(&stats.Authors, &stats.Posts, &stats.Comments); err != nil {
		return crawl.StoreStats{}, fmt.Errorf("count rows: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
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
	err := s.db.QueryRowContext(ctx, `
		SELECT author_id, list_scan_cursor, updated_at
		FROM crawl_progress WHERE author_id = ?`, authorID,
	).Scan(&p.AuthorID, &p.ListScanCursor, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return crawl.CrawlProgress{AuthorID: authorID}, false, nil
	}
	if err != nil {
		return crawl.CrawlProgress{}, false, fmt.Errorf("get progress: %w", err)
	}
	return p, true, nil
}

// SaveCursor stores the resumable list-scan cursor.
func (s *Store) SaveCursor(ctx context.Context, authorID, cursor string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO crawl_progress (author_id, list_scan_cursor, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (author_id) DO UPDATE SET
			list_scan_cursor = excluded.list_scan_cursor,
			updated_at = excluded.updated_at`,
		authorID, cursor, s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(row rowScanner) (crawl.Post, error) {
	var p crawl.Post
	var status string
	var media, localMedia string
	err := row.Scan(
		&p.ID, &p.AuthorID, &p.PublishedAt, &p.RepostCount, &p.CommentCount, &p.LikeCount,
		&p.IsRepost, &p.SourceURL, &status, &p.CommentPending, &p.Content,
		&p.RepostAuthorID, &p.RepostAuthorName, &p.RepostContent,
		&media, &p.VideoURL, &localMedia, &p.CrawledAt,
	)
	if err != nil {
		return crawl.Post{}, err
	}
	p.DetailStatus = crawl.DetailStatus(status)
	if p.Media, err = unmarshalList(media); err != nil {
		return crawl.Post{}, err
	}
	if p.LocalMedia, err = unmarshalList(localMedia); err != nil {
		return crawl.Post{}, err
	}
	return p, nil
}

func collectPosts(rows *sql.Rows) ([]crawl.Post, error) {
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

func marshalList(list []string) (string, error) {
	if len(list) == 0 {
		return "[]", nil
	}
	raw, err := json.Marshal(list)
	if err != nil {
		return "", fmt.Errorf("marshal list column: %w", err)
	}
	return string(raw), nil
}

func unmarshalList(raw string) ([]string, error) {
	if raw == "" || raw == "[]" {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil, fmt.Errorf("unmarshal list column: %w", err)
	}
	return list, nil
}
