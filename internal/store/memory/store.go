// Package memory keeps crawl records in process memory for development and
// tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rawer886/weibo-crawler/internal/crawl"
)

// Store is a map-backed implementation of the dedup and progress store
// contracts. Safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	authors  map[string]crawl.Author
	posts    map[string]crawl.Post
	comments map[string]crawl.Comment
	progress map[string]crawl.CrawlProgress
	now      func() time.Time
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		authors:  make(map[string]crawl.Author),
		posts:    make(map[string]crawl.Post),
		comments: make(map[string]crawl.Comment),
		progress: make(map[string]crawl.CrawlProgress),
		now:      time.Now,
	}
}

// UpsertAuthor stores the latest author snapshot, overwriting any previous
// one.
func (s *Store) UpsertAuthor(_ context.Context, author crawl.Author) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authors[author.ID] = author
	return nil
}

// GetAuthor returns the stored author, or crawl.ErrNotFound.
func (s *Store) GetAuthor(_ context.Context, authorID string) (crawl.Author, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	author, ok := s.authors[authorID]
	if !ok {
		return crawl.Author{}, crawl.ErrNotFound
	}
	return author, nil
}

// InsertStubIfAbsent creates a Pending post from the stub, skipping when the
// post already exists.
func (s *Store) InsertStubIfAbsent(_ context.Context, stub crawl.PostStub) (crawl.InsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.posts[stub.ID]; ok {
		return crawl.Skipped, nil
	}
	s.posts[stub.ID] = crawl.Post{
		ID:           stub.ID,
		AuthorID:     stub.AuthorID,
		PublishedAt:  stub.PublishedAt,
		RepostCount:  stub.RepostCount,
		CommentCount: stub.CommentCount,
		LikeCount:    stub.LikeCount,
		IsRepost:     stub.IsRepost,
		SourceURL:    stub.SourceURL,
		Content:      stub.Content,
		DetailStatus: crawl.DetailPending,
		CrawledAt:    s.now(),
	}
	return crawl.Inserted, nil
}

// UpsertDetail overwrites the full post record, inserting when absent.
func (s *Store) UpsertDetail(_ context.Context, post crawl.Post) (crawl.UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, existed := s.posts[post.ID]
	s.posts[post.ID] = post
	if existed {
		return crawl.UpsertUpdated, nil
	}
	return crawl.UpsertInserted, nil
}

// PostExists reports whether the post is stored.
func (s *Store) PostExists(_ context.Context, postID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.posts[postID]
	return ok, nil
}

// GetPost returns the stored post, or crawl.ErrNotFound.
func (s *Store) GetPost(_ context.Context, postID string) (crawl.Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	post, ok := s.posts[postID]
	if !ok {
		return crawl.Post{}, crawl.ErrNotFound
	}
	return post, nil
}

// ListPendingDetails returns up to limit Pending posts published before the
// given time, newest first.
func (s *Store) ListPendingDetails(_ context.Context, authorID string, publishedBefore time.Time, limit int) ([]crawl.Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawl.Post
	for _, p := range s.posts {
		if p.AuthorID == authorID && p.DetailStatus == crawl.DetailPending && p.PublishedAt.Before(publishedBefore) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PublishedAt.After(out[j].PublishedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListPendingComments returns posts flagged for comment refresh that have
// settled, newest first.
func (s *Store) ListPendingComments(_ context.Context, authorID string, publishedBefore time.Time) ([]crawl.Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawl.Post
	for _, p := range s.posts {
		if p.AuthorID == authorID && p.CommentPending && p.PublishedAt.Before(publishedBefore) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PublishedAt.After(out[j].PublishedAt) })
	return out, nil
}

// SetCommentPending toggles the comment refresh flag.
func (s *Store) SetCommentPending(_ context.Context, postID string, pending bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[postID]
	if !ok {
		return crawl.ErrNotFound
	}
	p.CommentPending = pending
	s.posts[postID] = p
	return nil
}

// InsertCommentIfAbsent stores the comment, skipping when its ID exists.
func (s *Store) InsertCommentIfAbsent(_ context.Context, comment crawl.Comment) (crawl.InsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.comments[comment.CommentID]; ok {
		return crawl.Skipped, nil
	}
	s.comments[comment.CommentID] = comment
	return crawl.Inserted, nil
}

// UpdateCommentLikes refreshes the like count of an existing comment.
func (s *Store) UpdateCommentLikes(_ context.Context, commentID string, likes int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.comments[commentID]
	if !ok {
		return false, nil
	}
	c.LikeCount = likes
	s.comments[commentID] = c
	return true, nil
}

// ListComments returns all comments stored for the post, unranked.
func (s *Store) ListComments(_ context.Context, postID string) ([]crawl.Comment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawl.Comment
	for _, c := range s.comments {
		if c.PostID == postID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CommentID < out[j].CommentID })
	return out, nil
}

// Stats summarizes store contents.
func (s *Store) Stats(_ context.Context) (crawl.StoreStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byAuthor := make(map[string]int)
	for _, p := range s.posts {
		byAuthor[p.AuthorID]++
	}
	return crawl.StoreStats{
		Authors:       len(s.authors),
		Posts:         len(s.posts),
		Comments:      len(s.comments),
		PostsByAuthor: byAuthor,
	}, nil
}

// Progress returns the stored cursor row for the author.
func (s *Store) Progress(_ context.Context, authorID string) (crawl.CrawlProgress, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.progress[authorID]
	if !ok {
		return crawl.CrawlProgress{AuthorID: authorID}, false, nil
	}
	return p, true, nil
}

// SaveCursor stores the resumable list-scan cursor.
func (s *Store) SaveCursor(_ context.Context, authorID, cursor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress[authorID] = crawl.CrawlProgress{
		AuthorID:       authorID,
		ListScanCursor: cursor,
		UpdatedAt:      s.now(),
	}
	return nil
}
