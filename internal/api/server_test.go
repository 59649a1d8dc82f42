package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rawer886/weibo-crawler/internal/config"
	"github.com/rawer886/weibo-crawler/internal/crawl"
	"github.com/rawer886/weibo-crawler/internal/store/memory"
)

func newTestServer(t *testing.T, cfg config.ServerConfig) (*Server, *memory.Store) {
	t.Helper()
	store := memory.New()
	return NewServer(store, store, cfg, zap.NewNop()), store
}

func doRequest(t *testing.T, s *Server, method, target string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, vals := range header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthAndReadiness(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, config.ServerConfig{})

	rec := doRequest(t, s, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = doRequest(t, s, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, config.ServerConfig{})
	rec := doRequest(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Body.String())
}

func TestGetStats(t *testing.T) {
	t.Parallel()

	s, store := newTestServer(t, config.ServerConfig{})
	ctx := context.Background()
	require.NoError(t, store.UpsertAuthor(ctx, crawl.Author{ID: "u1", DisplayName: "tester"}))
	_, err := store.InsertStubIfAbsent(ctx, crawl.PostStub{ID: "p1", AuthorID: "u1"})
	require.NoError(t, err)

	rec := doRequest(t, s, http.MethodGet, "/v1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats crawl.StoreStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Equal(t, 1, stats.Authors)
	require.Equal(t, 1, stats.Posts)
}

func TestGetAuthorProgress(t *testing.T) {
	t.Parallel()

	s, store := newTestServer(t, config.ServerConfig{})
	ctx := context.Background()

	rec := doRequest(t, s, http.MethodGet, "/v1/authors/u1/progress", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, store.UpsertAuthor(ctx, crawl.Author{ID: "u1", DisplayName: "tester"}))
	require.NoError(t, store.SaveCursor(ctx, "u1", "cursor-42"))

	rec = doRequest(t, s, http.MethodGet, "/v1/authors/u1/progress", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp authorProgressResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "tester", resp.Author.DisplayName)
	require.Equal(t, "cursor-42", resp.ListScanCursor)
	require.NotNil(t, resp.UpdatedAt)
}

func TestGetPost(t *testing.T) {
	t.Parallel()

	s, store := newTestServer(t, config.ServerConfig{})
	ctx := context.Background()

	rec := doRequest(t, s, http.MethodGet, "/v1/posts/p1", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	_, err := store.InsertStubIfAbsent(ctx, crawl.PostStub{ID: "p1", AuthorID: "u1", Content: "hello"})
	require.NoError(t, err)

	rec = doRequest(t, s, http.MethodGet, "/v1/posts/p1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var post crawl.Post
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &post))
	require.Equal(t, "hello", post.Content)
	require.Equal(t, crawl.DetailPending, post.DetailStatus)
}

func TestGetPostComments(t *testing.T) {
	t.Parallel()

	s, store := newTestServer(t, config.ServerConfig{})
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	rec := doRequest(t, s, http.MethodGet, "/v1/posts/p1/comments", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	_, err := store.InsertStubIfAbsent(ctx, crawl.PostStub{ID: "p1", AuthorID: "u1"})
	require.NoError(t, err)

	seed := []crawl.Comment{
		{CommentID: "c1", PostID: "p1", Content: "quiet root", LikeCount: 2, PublishedAt: base},
		{CommentID: "c2", PostID: "p1", Content: "popular root", LikeCount: 9, PublishedAt: base.Add(time.Minute)},
		{CommentID: "c3", PostID: "p1", Content: "reply", LikeCount: 1, ReplyToCommentID: "c2", PublishedAt: base.Add(2 * time.Minute)},
	}
	for _, c := range seed {
		_, err := store.InsertCommentIfAbsent(ctx, c)
		require.NoError(t, err)
	}

	rec = doRequest(t, s, http.MethodGet, "/v1/posts/p1/comments", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp postCommentsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "p1", resp.PostID)
	require.Equal(t, 3, resp.Count)
	require.Len(t, resp.Comments, 2)
	require.Equal(t, "c2", resp.Comments[0].Comment.CommentID)
	require.Len(t, resp.Comments[0].Replies, 1)
	require.Equal(t, "c3", resp.Comments[0].Replies[0].Comment.CommentID)
	require.Equal(t, "c1", resp.Comments[1].Comment.CommentID)
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	cfg := config.ServerConfig{Auth: config.AuthConfig{Enabled: true, APIKey: "secret"}}
	s, _ := newTestServer(t, cfg)

	rec := doRequest(t, s, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	header := http.Header{}
	header.Set("X-API-Key", "secret")
	rec = doRequest(t, s, http.MethodGet, "/healthz", header)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/healthz?api_key=secret", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}
