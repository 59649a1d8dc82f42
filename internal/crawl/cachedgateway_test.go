package crawl

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// recordingCache tracks Get/Set calls and serves a fixed payload map.
type recordingCache struct {
	entries map[string][]byte
	gets    []time.Duration
	sets    int
}

func newRecordingCache() *recordingCache {
	return &recordingCache{entries: make(map[string][]byte)}
}

func (c *recordingCache) Get(_ context.Context, fingerprint string, maxAge time.Duration) ([]byte, bool) {
	c.gets = append(c.gets, maxAge)
	if maxAge == 0 {
		return nil, false
	}
	payload, ok := c.entries[fingerprint]
	return payload, ok
}

func (c *recordingCache) Set(_ context.Context, fingerprint string, payload []byte) {
	c.sets++
	c.entries[fingerprint] = payload
}

func TestCachedGatewayListPages(t *testing.T) {
	t.Parallel()

	t.Run("first page always reads live but writes back", func(t *testing.T) {
		t.Parallel()
		inner := &fakeGateway{pages: map[string]ListPage{
			"": {Stubs: []PostStub{{ID: "p1", AuthorID: "u1"}}, NextCursor: "c1"},
		}}
		cache := newRecordingCache()
		g := NewCachedGateway(inner, cache, time.Hour, zap.NewNop())

		for i := 0; i < 2; i++ {
			page, err := g.FetchListPage(context.Background(), "u1", "")
			require.NoError(t, err)
			require.Equal(t, "c1", page.NextCursor)
		}

		require.Equal(t, 2, inner.listCalls, "newest page must not be served from cache")
		require.Equal(t, 2, cache.sets)
		require.Equal(t, []time.Duration{0, 0}, cache.gets)
	})

	t.Run("cursor pages are cached forever", func(t *testing.T) {
		t.Parallel()
		inner := &fakeGateway{pages: map[string]ListPage{
			"c1": {Stubs: []PostStub{{ID: "p2", AuthorID: "u1"}}},
		}}
		cache := newRecordingCache()
		g := NewCachedGateway(inner, cache, time.Hour, zap.NewNop())

		first, err := g.FetchListPage(context.Background(), "u1", "c1")
		require.NoError(t, err)
		second, err := g.FetchListPage(context.Background(), "u1", "c1")
		require.NoError(t, err)

		require.Equal(t, first, second)
		require.Equal(t, 1, inner.listCalls, "second read must come from cache")
		require.Equal(t, []time.Duration{MaxAgeForever, MaxAgeForever}, cache.gets)
	})

	t.Run("corrupt cached page degrades to a live fetch", func(t *testing.T) {
		t.Parallel()
		inner := &fakeGateway{pages: map[string]ListPage{
			"c1": {Stubs: []PostStub{{ID: "p2", AuthorID: "u1"}}},
		}}
		cache := newRecordingCache()
		cache.entries[Fingerprint("list", "u1", "c1")] = []byte("{not json")
		g := NewCachedGateway(inner, cache, time.Hour, zap.NewNop())

		page, err := g.FetchListPage(context.Background(), "u1", "c1")
		require.NoError(t, err)
		require.Len(t, page.Stubs, 1)
		require.Equal(t, 1, inner.listCalls)
	})
}

func TestCachedGatewayAuthor(t *testing.T) {
	t.Parallel()

	inner := &fakeGateway{author: Author{ID: "u1", DisplayName: "tester"}}
	cache := newRecordingCache()
	g := NewCachedGateway(inner, cache, time.Hour, zap.NewNop())

	first, err := g.FetchAuthorInfo(context.Background(), "u1")
	require.NoError(t, err)
	second, err := g.FetchAuthorInfo(context.Background(), "u1")
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.Equal(t, 1, inner.authorCalls, "second read must come from cache")
	require.Equal(t, []time.Duration{time.Hour, time.Hour}, cache.gets)
}

func TestCachedGatewayPassthrough(t *testing.T) {
	t.Parallel()

	inner := &fakeGateway{
		details: map[string]PostDetail{
			"p1": {Stub: PostStub{ID: "p1", AuthorID: "u1"}, Content: "hello"},
		},
		comments: map[string][]Comment{
			"p1": {{CommentID: "c1", PostID: "p1", Content: "hi"}},
		},
	}
	cache := newRecordingCache()
	g := NewCachedGateway(inner, cache, time.Hour, zap.NewNop())

	for i := 0; i < 2; i++ {
		_, err := g.FetchPostDetail(context.Background(), "u1", "p1")
		require.NoError(t, err)
		_, err = g.FetchComments(context.Background(), "u1", "p1")
		require.NoError(t, err)
	}

	require.Len(t, inner.detailCalls, 2, "detail fetches are never cached")
	require.Empty(t, cache.gets)
	require.Zero(t, cache.sets)
}
