// Package mobileapi implements the fetch gateway against the mobile JSON
// endpoints of the source platform.
package mobileapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/rawer886/weibo-crawler/internal/crawl"
)

// mobileUA matches what the mobile site expects; desktop agents get a
// different, markup-heavy response.
const mobileUA = "Mozilla/5.0 (iPhone; CPU iPhone OS 14_0 like Mac OS X) AppleWebKit/605.1.15"

// Config controls the gateway transport.
type Config struct {
	// BaseURL is the mobile API origin. Defaults to the public one; tests
	// point it at a local server.
	BaseURL string
	// UserAgent overrides the default mobile user agent.
	UserAgent string
	// Cookie is sent verbatim with every request; some endpoints require a
	// logged-in session.
	Cookie string
	// RequestTimeout bounds one HTTP round trip.
	RequestTimeout time.Duration
	// CommentPages caps comment pagination per post.
	CommentPages int
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = "https://m.weibo.cn"
	}
	if c.UserAgent == "" {
		c.UserAgent = mobileUA
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.CommentPages <= 0 {
		c.CommentPages = 3
	}
	return c
}

// Gateway fetches author, list, detail and comment records over the mobile
// JSON API.
type Gateway struct {
	base   *colly.Collector
	cfg    Config
	clock  crawl.Clock
	logger *zap.Logger
}

// New constructs a configured Gateway.
func New(cfg Config, clock crawl.Clock, logger *zap.Logger) (*Gateway, error) {
	cfg = cfg.withDefaults()

	base := colly.NewCollector(colly.UserAgent(cfg.UserAgent))
	base.AllowURLRevisit = true
	base.WithTransport(&http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.RequestTimeout,
		ForceAttemptHTTP2:     true,
	})
	base.SetRequestTimeout(cfg.RequestTimeout)

	return &Gateway{
		base:   base,
		cfg:    cfg,
		clock:  clock,
		logger: logger,
	}, nil
}

// FetchAuthorInfo returns author metadata from the profile endpoint.
func (g *Gateway) FetchAuthorInfo(ctx context.Context, authorID string) (crawl.Author, error) {
	endpoint := fmt.Sprintf("%s/api/container/getIndex?type=uid&value=%s",
		g.cfg.BaseURL, url.QueryEscape(authorID))
	referer := fmt.Sprintf("%s/u/%s", g.cfg.BaseURL, authorID)

	body, err := g.fetchJSON(ctx, endpoint, referer)
	if err != nil {
		return crawl.Author{}, crawl.Transient("fetch author info", err)
	}
	author, err := parseAuthor(body, authorID)
	if err != nil {
		return crawl.Author{}, err
	}
	author.UpdatedAt = g.clock.Now()
	return author, nil
}

// FetchListPage returns one page of post stubs for the author's content
// container. An empty sinceCursor requests the newest page.
func (g *Gateway) FetchListPage(ctx context.Context, authorID, sinceCursor string) (crawl.ListPage, error) {
	endpoint := fmt.Sprintf("%s/api/container/getIndex?containerid=107603%s",
		g.cfg.BaseURL, url.QueryEscape(authorID))
	if sinceCursor != "" {
		endpoint += "&since_id=" + url.QueryEscape(sinceCursor)
	}

	body, err := g.fetchJSON(ctx, endpoint, g.cfg.BaseURL+"/")
	if err != nil {
		return crawl.ListPage{}, crawl.Transient("fetch list page", err)
	}
	return parseListPage(body, authorID, g.clock.Now(), g.logger)
}

// FetchPostDetail returns the full post record, expanding truncated text.
func (g *Gateway) FetchPostDetail(ctx context.Context, authorID, postID string) (crawl.PostDetail, error) {
	endpoint := fmt.Sprintf("%s/statuses/show?id=%s", g.cfg.BaseURL, url.QueryEscape(postID))

	body, err := g.fetchJSON(ctx, endpoint, g.cfg.BaseURL+"/")
	if err != nil {
		return crawl.PostDetail{}, crawl.Transient("fetch post detail", err)
	}
	return parsePostDetail(body, authorID, g.clock.Now())
}

// FetchComments returns the flat comment list for one post, following the
// hot-flow pagination up to the configured page cap.
func (g *Gateway) FetchComments(ctx context.Context, authorID, postID string) ([]crawl.Comment, error) {
	var out []crawl.Comment
	maxID := ""

	for page := 0; page < g.cfg.CommentPages; page++ {
		endpoint := fmt.Sprintf("%s/comments/hotflow?id=%s&mid=%s&max_id_type=0",
			g.cfg.BaseURL, url.QueryEscape(postID), url.QueryEscape(postID))
		if maxID != "" {
			endpoint += "&max_id=" + url.QueryEscape(maxID)
		}

		body, err := g.fetchJSON(ctx, endpoint, g.cfg.BaseURL+"/")
		if err != nil {
			// A later page failing should not lose the pages already parsed.
			if len(out) > 0 {
				g.logger.Warn("comment pagination aborted",
					zap.String("post_id", postID),
					zap.Int("page", page),
					zap.Error(err),
				)
				return out, nil
			}
			return nil, crawl.Transient("fetch comments", err)
		}

		comments, nextMaxID, err := parseComments(body, postID, authorID, g.clock.Now(), g.logger)
		if err != nil {
			if len(out) > 0 {
				return out, nil
			}
			return nil, err
		}
		out = append(out, comments...)
		if nextMaxID == "" || nextMaxID == "0" || len(comments) == 0 {
			break
		}
		maxID = nextMaxID
	}
	return out, nil
}

// fetchJSON performs one GET via a cloned collector and returns the raw
// response body.
func (g *Gateway) fetchJSON(ctx context.Context, endpoint, referer string) ([]byte, error) {
	collector := g.base.Clone()

	resultCh := make(chan fetchResult, 1)
	var once sync.Once
	send := func(res fetchResult) {
		once.Do(func() { resultCh <- res })
	}

	collector.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Referer", referer)
		r.Headers.Set("Accept", "application/json")
		if g.cfg.Cookie != "" {
			r.Headers.Set("Cookie", g.cfg.Cookie)
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		send(fetchResult{body: append([]byte{}, r.Body...)})
	})
	collector.OnError(func(_ *colly.Response, err error) {
		if err == nil {
			err = errors.New("unknown transport error")
		}
		send(fetchResult{err: err})
	})

	if err := collector.Visit(endpoint); err != nil {
		return nil, err
	}
	collector.Wait()

	select {
	case res := <-resultCh:
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return res.body, res.err
	default:
		return nil, errors.New("fetch produced no result")
	}
}

type fetchResult struct {
	body []byte
	err  error
}
