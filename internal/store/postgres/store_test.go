package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/rawer886/weibo-crawler/internal/crawl"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewWithPool(mock)
	require.NoError(t, err)
	return store, mock
}

func TestInsertStubIfAbsent(t *testing.T) {
	t.Parallel()
	publishedAt := time.Unix(1700000000, 0).UTC()
	stub := crawl.PostStub{
		ID:          "p1",
		AuthorID:    "u1",
		PublishedAt: publishedAt,
		LikeCount:   7,
	}

	t.Run("fresh row reports Inserted", func(t *testing.T) {
		t.Parallel()
		store, mock := newMockStore(t)
		mock.ExpectExec("INSERT INTO posts").
			WithArgs(stub.ID, stub.AuthorID, stub.PublishedAt, stub.RepostCount, stub.CommentCount,
				stub.LikeCount, stub.IsRepost, stub.SourceURL, "pending", stub.Content, pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		res, err := store.InsertStubIfAbsent(context.Background(), stub)
		require.NoError(t, err)
		require.Equal(t, crawl.Inserted, res)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("conflict reports Skipped", func(t *testing.T) {
		t.Parallel()
		store, mock := newMockStore(t)
		mock.ExpectExec("INSERT INTO posts").
			WithArgs(stub.ID, stub.AuthorID, stub.PublishedAt, stub.RepostCount, stub.CommentCount,
				stub.LikeCount, stub.IsRepost, stub.SourceURL, "pending", stub.Content, pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 0))

		res, err := store.InsertStubIfAbsent(context.Background(), stub)
		require.NoError(t, err)
		require.Equal(t, crawl.Skipped, res)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestUpsertDetail(t *testing.T) {
	t.Parallel()
	crawledAt := time.Unix(1700000000, 0).UTC()
	post := crawl.Post{
		ID:           "p1",
		AuthorID:     "u1",
		PublishedAt:  crawledAt.AddDate(0, 0, -2),
		Content:      "full text",
		DetailStatus: crawl.DetailDone,
		Media:        []string{"https://img.example/a.jpg"},
		CrawledAt:    crawledAt,
	}

	expect := func(mock pgxmock.PgxPoolIface, inserted bool) {
		mock.ExpectQuery("INSERT INTO posts").
			WithArgs(post.ID, post.AuthorID, post.PublishedAt, post.RepostCount, post.CommentCount,
				post.LikeCount, post.IsRepost, post.SourceURL, "done", post.CommentPending,
				post.Content, post.RepostAuthorID, post.RepostAuthorName, post.RepostContent,
				post.Media, post.VideoURL, post.LocalMedia, post.CrawledAt).
			WillReturnRows(pgxmock.NewRows([]string{"?column?"}).AddRow(inserted))
	}

	t.Run("fresh row reports UpsertInserted", func(t *testing.T) {
		t.Parallel()
		store, mock := newMockStore(t)
		expect(mock, true)

		res, err := store.UpsertDetail(context.Background(), post)
		require.NoError(t, err)
		require.Equal(t, crawl.UpsertInserted, res)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("conflict update reports UpsertUpdated", func(t *testing.T) {
		t.Parallel()
		store, mock := newMockStore(t)
		expect(mock, false)

		res, err := store.UpsertDetail(context.Background(), post)
		require.NoError(t, err)
		require.Equal(t, crawl.UpsertUpdated, res)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestListPendingDetails(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	before := time.Unix(1700000000, 0).UTC()
	publishedAt := before.AddDate(0, 0, -3)

	rows := pgxmock.NewRows([]string{
		"id", "author_id", "published_at", "repost_count", "comment_count", "like_count",
		"is_repost", "source_url", "detail_status", "comment_pending", "content",
		"repost_author_id", "repost_author_name", "repost_content",
		"media", "video_url", "local_media", "crawled_at",
	}).AddRow(
		"p1", "u1", publishedAt, 0, 4, 12,
		false, "https://m.example/p1", "pending", false, "",
		"", "", "",
		[]string{}, "", []string{}, before,
	)

	mock.ExpectQuery("SELECT(.|\n)*FROM posts").
		WithArgs("u1", "pending", before, 50).
		WillReturnRows(rows)

	posts, err := store.ListPendingDetails(context.Background(), "u1", before, 50)
	require.NoError(t, err)
	require.Len(t, posts, 1)
	require.Equal(t, "p1", posts[0].ID)
	require.Equal(t, crawl.DetailPending, posts[0].DetailStatus)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetCommentPending(t *testing.T) {
	t.Parallel()

	t.Run("updates the flag", func(t *testing.T) {
		t.Parallel()
		store, mock := newMockStore(t)
		mock.ExpectExec("UPDATE posts SET comment_pending").
			WithArgs(false, "p1").
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		require.NoError(t, store.SetCommentPending(context.Background(), "p1", false))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown post is ErrNotFound", func(t *testing.T) {
		t.Parallel()
		store, mock := newMockStore(t)
		mock.ExpectExec("UPDATE posts SET comment_pending").
			WithArgs(true, "ghost").
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		require.ErrorIs(t, store.SetCommentPending(context.Background(), "ghost", true), crawl.ErrNotFound)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestCommentOperations(t *testing.T) {
	t.Parallel()
	publishedAt := time.Unix(1700000000, 0).UTC()
	comment := crawl.Comment{
		CommentID:   "c1",
		PostID:      "p1",
		DisplayName: "fan",
		Content:     "nice",
		PublishedAt: publishedAt,
		LikeCount:   3,
	}

	t.Run("insert if absent", func(t *testing.T) {
		t.Parallel()
		store, mock := newMockStore(t)
		mock.ExpectExec("INSERT INTO comments").
			WithArgs(comment.CommentID, comment.PostID, comment.AuthorID, comment.DisplayName,
				comment.Content, comment.PublishedAt, comment.LikeCount, comment.IsAuthorReply,
				comment.ReplyToCommentID, comment.ReplyToAuthorID, comment.ReplyToDisplayName, comment.Media).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		res, err := store.InsertCommentIfAbsent(context.Background(), comment)
		require.NoError(t, err)
		require.Equal(t, crawl.Inserted, res)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("like refresh reports whether a row matched", func(t *testing.T) {
		t.Parallel()
		store, mock := newMockStore(t)
		mock.ExpectExec("UPDATE comments SET like_count").
			WithArgs(9, "c1").
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		updated, err := store.UpdateCommentLikes(context.Background(), "c1", 9)
		require.NoError(t, err)
		require.True(t, updated)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestProgress(t *testing.T) {
	t.Parallel()

	t.Run("missing row reports not found without error", func(t *testing.T) {
		t.Parallel()
		store, mock := newMockStore(t)
		mock.ExpectQuery("SELECT author_id, list_scan_cursor, updated_at").
			WithArgs("u1").
			WillReturnError(pgx.ErrNoRows)

		_, ok, err := store.Progress(context.Background(), "u1")
		require.NoError(t, err)
		require.False(t, ok)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("save cursor upserts", func(t *testing.T) {
		t.Parallel()
		store, mock := newMockStore(t)
		mock.ExpectExec("INSERT INTO crawl_progress").
			WithArgs("u1", "p42", pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		require.NoError(t, store.SaveCursor(context.Background(), "u1", "p42"))
		require.NoError(t, mock.ExpectationsWereMet())
	})
}
