package mobileapi

import (
	"encoding/json"
	"fmt"
	"html"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rawer886/weibo-crawler/internal/crawl"
)

// flexID accepts both string and numeric JSON identifiers; the API is not
// consistent about which it sends.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" || s == "" {
		*f = ""
		return nil
	}
	if s[0] == '"' {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		*f = flexID(str)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

type apiEnvelope struct {
	OK   int             `json:"ok"`
	Data json.RawMessage `json:"data"`
}

type apiUser struct {
	ID             flexID `json:"id"`
	ScreenName     string `json:"screen_name"`
	Description    string `json:"description"`
	FollowersCount int    `json:"followers_count"`
}

type apiPic struct {
	URL   string `json:"url"`
	Large struct {
		URL string `json:"url"`
	} `json:"large"`
}

func (p apiPic) bestURL() string {
	if p.Large.URL != "" {
		return p.Large.URL
	}
	return p.URL
}

type apiMblog struct {
	ID              flexID    `json:"id"`
	Mid             flexID    `json:"mid"`
	Text            string    `json:"text"`
	CreatedAt       string    `json:"created_at"`
	RepostsCount    int       `json:"reposts_count"`
	CommentsCount   int       `json:"comments_count"`
	AttitudesCount  int       `json:"attitudes_count"`
	IsLongText      bool      `json:"isLongText"`
	LongText        *struct {
		LongTextContent string `json:"longTextContent"`
	} `json:"longText"`
	RetweetedStatus *struct {
		Text string   `json:"text"`
		User *apiUser `json:"user"`
		Pics []apiPic `json:"pics"`
	} `json:"retweeted_status"`
	Pics     []apiPic `json:"pics"`
	PageInfo *struct {
		Type      string `json:"type"`
		MediaInfo struct {
			StreamURL string `json:"stream_url"`
		} `json:"media_info"`
	} `json:"page_info"`
}

func (m apiMblog) postID() string {
	if m.ID != "" {
		return string(m.ID)
	}
	return string(m.Mid)
}

// parseAuthor extracts author metadata from the profile payload.
func parseAuthor(body []byte, authorID string) (crawl.Author, error) {
	var env apiEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return crawl.Author{}, &crawl.ParseError{Field: "author envelope", Err: err}
	}
	if env.OK != 1 {
		return crawl.Author{}, crawl.ErrNotFound
	}

	var data struct {
		UserInfo *apiUser `json:"userInfo"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return crawl.Author{}, &crawl.ParseError{Field: "userInfo", Err: err}
	}
	if data.UserInfo == nil {
		return crawl.Author{}, crawl.ErrNotFound
	}
	return crawl.Author{
		ID:            authorID,
		DisplayName:   data.UserInfo.ScreenName,
		Description:   data.UserInfo.Description,
		FollowerCount: data.UserInfo.FollowersCount,
	}, nil
}

// parseListPage extracts post stubs from the container payload. Non-post
// cards (search bars, ad slots) and records with unreadable timestamps are
// skipped; only a malformed envelope fails the page.
func parseListPage(body []byte, authorID string, now time.Time, logger *zap.Logger) (crawl.ListPage, error) {
	var env apiEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return crawl.ListPage{}, &crawl.ParseError{Field: "list envelope", Err: err}
	}
	if env.OK != 1 {
		// The API reports "ok: 0" for an empty tail page as well as for
		// missing containers; both mean no more content here.
		return crawl.ListPage{}, nil
	}

	var data struct {
		Cards []struct {
			CardType int       `json:"card_type"`
			Mblog    *apiMblog `json:"mblog"`
		} `json:"cards"`
		CardlistInfo struct {
			SinceID flexID `json:"since_id"`
		} `json:"cardlistInfo"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return crawl.ListPage{}, &crawl.ParseError{Field: "cards", Err: err}
	}

	page := crawl.ListPage{NextCursor: string(data.CardlistInfo.SinceID)}
	for _, card := range data.Cards {
		if card.CardType != 9 || card.Mblog == nil {
			continue
		}
		mblog := card.Mblog
		id := mblog.postID()
		if id == "" {
			continue
		}
		publishedAt, err := parseWeiboTime(mblog.CreatedAt, now)
		if err != nil {
			logger.Warn("skipping post stub with unreadable timestamp",
				zap.String("post_id", id),
				zap.String("created_at", mblog.CreatedAt),
				zap.Error(err))
			continue
		}
		page.Stubs = append(page.Stubs, crawl.PostStub{
			ID:           id,
			AuthorID:     authorID,
			PublishedAt:  publishedAt,
			RepostCount:  mblog.RepostsCount,
			CommentCount: mblog.CommentsCount,
			LikeCount:    mblog.AttitudesCount,
			IsRepost:     mblog.RetweetedStatus != nil,
			SourceURL:    fmt.Sprintf("https://weibo.com/%s/%s", authorID, id),
			Content:      cleanHTML(mblog.Text),
		})
	}
	return page, nil
}

// parsePostDetail extracts the full post record, preferring the expanded
// long text when the list view truncated it.
func parsePostDetail(body []byte, authorID string, now time.Time) (crawl.PostDetail, error) {
	var env apiEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return crawl.PostDetail{}, &crawl.ParseError{Field: "detail envelope", Err: err}
	}
	if env.OK != 1 {
		return crawl.PostDetail{}, crawl.ErrNotFound
	}

	var mblog apiMblog
	if err := json.Unmarshal(env.Data, &mblog); err != nil {
		return crawl.PostDetail{}, &crawl.ParseError{Field: "mblog", Err: err}
	}

	id := mblog.postID()
	publishedAt, err := parseWeiboTime(mblog.CreatedAt, now)
	if err != nil {
		return crawl.PostDetail{}, err
	}

	content := mblog.Text
	if mblog.LongText != nil && mblog.LongText.LongTextContent != "" {
		content = mblog.LongText.LongTextContent
	}

	detail := crawl.PostDetail{
		Stub: crawl.PostStub{
			ID:           id,
			AuthorID:     authorID,
			PublishedAt:  publishedAt,
			RepostCount:  mblog.RepostsCount,
			CommentCount: mblog.CommentsCount,
			LikeCount:    mblog.AttitudesCount,
			IsRepost:     mblog.RetweetedStatus != nil,
			SourceURL:    fmt.Sprintf("https://weibo.com/%s/%s", authorID, id),
		},
		Content: cleanHTML(content),
	}

	if rt := mblog.RetweetedStatus; rt != nil {
		detail.RepostContent = cleanHTML(rt.Text)
		if rt.User != nil {
			detail.RepostAuthorID = string(rt.User.ID)
			detail.RepostAuthorName = rt.User.ScreenName
		}
		// Original post images come first, matching the source display order.
		for _, pic := range rt.Pics {
			if u := pic.bestURL(); u != "" {
				detail.Media = append(detail.Media, u)
			}
		}
	}
	for _, pic := range mblog.Pics {
		if u := pic.bestURL(); u != "" {
			detail.Media = append(detail.Media, u)
		}
	}
	if mblog.PageInfo != nil && mblog.PageInfo.Type == "video" {
		detail.VideoURL = mblog.PageInfo.MediaInfo.StreamURL
	}
	return detail, nil
}

var replyPrefix = regexp.MustCompile(`^回复\s*@([^:：\s]+)\s*[:：]\s*`)

// parseComments extracts one hot-flow page. The second return value is the
// max_id cursor for the next page; "0" or empty means the flow is exhausted.
// A comment that fails to parse is skipped without failing the page.
func parseComments(body []byte, postID, authorID string, now time.Time, logger *zap.Logger) ([]crawl.Comment, string, error) {
	var env apiEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, "", &crawl.ParseError{Field: "comments envelope", Err: err}
	}
	if env.OK != 1 {
		// Closed or empty comment sections come back not-ok; that is an
		// empty thread, not a failure.
		return nil, "", nil
	}

	var data struct {
		Data  []apiComment `json:"data"`
		MaxID flexID       `json:"max_id"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, "", &crawl.ParseError{Field: "comment data", Err: err}
	}

	out := make([]crawl.Comment, 0, len(data.Data))
	for _, item := range data.Data {
		comment, err := item.toComment(postID, authorID, now)
		if err != nil {
			logger.Warn("skipping unparseable comment",
				zap.String("post_id", postID),
				zap.String("comment_id", string(item.ID)),
				zap.Error(err))
			continue
		}
		out = append(out, comment)
	}
	return out, string(data.MaxID), nil
}

type apiComment struct {
	ID        flexID   `json:"id"`
	RootID    flexID   `json:"rootid"`
	Text      string   `json:"text"`
	CreatedAt string   `json:"created_at"`
	LikeCount int      `json:"like_count"`
	User      *apiUser `json:"user"`
	ReplyUser *apiUser `json:"reply_user"`
	Pic       *apiPic  `json:"pic"`
}

func (c apiComment) toComment(postID, authorID string, now time.Time) (crawl.Comment, error) {
	publishedAt, err := parseWeiboTime(c.CreatedAt, now)
	if err != nil {
		return crawl.Comment{}, err
	}

	comment := crawl.Comment{
		CommentID:   string(c.ID),
		PostID:      postID,
		Content:     cleanHTML(c.Text),
		PublishedAt: publishedAt,
		LikeCount:   c.LikeCount,
	}
	if c.User != nil {
		comment.AuthorID = string(c.User.ID)
		comment.DisplayName = c.User.ScreenName
		comment.IsAuthorReply = string(c.User.ID) == authorID
	}
	if c.RootID != "" && c.RootID != c.ID {
		comment.ReplyToCommentID = string(c.RootID)
	}
	if c.ReplyUser != nil {
		comment.ReplyToAuthorID = string(c.ReplyUser.ID)
		comment.ReplyToDisplayName = c.ReplyUser.ScreenName
	}
	// The reply target may only be present as a text prefix.
	if m := replyPrefix.FindStringSubmatch(comment.Content); m != nil {
		if comment.ReplyToDisplayName == "" {
			comment.ReplyToDisplayName = m[1]
		}
		comment.Content = strings.TrimSpace(comment.Content[len(m[0]):])
	}
	if c.Pic != nil {
		if u := c.Pic.bestURL(); u != "" {
			comment.Media = []string{u}
		}
	}
	return comment, nil
}

var (
	tagPattern        = regexp.MustCompile(`<[^>]+>`)
	spacePattern      = regexp.MustCompile(`\s+`)
	minutesAgoPattern = regexp.MustCompile(`(\d+)\s*分钟前`)
	hoursAgoPattern   = regexp.MustCompile(`(\d+)\s*小时前`)
	yesterdayPattern  = regexp.MustCompile(`昨天\s*(\d{1,2}):(\d{2})`)
	monthDayPattern   = regexp.MustCompile(`^(\d{1,2})-(\d{1,2})$`)
)

// cleanHTML strips markup, decodes entities and collapses whitespace.
func cleanHTML(raw string) string {
	if raw == "" {
		return ""
	}
	text := tagPattern.ReplaceAllString(raw, "")
	text = html.UnescapeString(text)
	text = spacePattern.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// rfc2822Layout is the absolute format the API settles on for older posts.
const rfc2822Layout = "Mon Jan 02 15:04:05 -0700 2006"

// parseWeiboTime resolves the API's mix of relative and absolute time
// strings against now.
func parseWeiboTime(raw string, now time.Time) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, &crawl.ParseError{Field: "created_at", Err: fmt.Errorf("empty time string")}
	}

	if strings.Contains(s, "刚刚") {
		return now, nil
	}
	if m := minutesAgoPattern.FindStringSubmatch(s); m != nil {
		minutes, _ := strconv.Atoi(m[1])
		return now.Add(-time.Duration(minutes) * time.Minute), nil
	}
	if m := hoursAgoPattern.FindStringSubmatch(s); m != nil {
		hours, _ := strconv.Atoi(m[1])
		return now.Add(-time.Duration(hours) * time.Hour), nil
	}
	if m := yesterdayPattern.FindStringSubmatch(s); m != nil {
		hour, _ := strconv.Atoi(m[1])
		minute, _ := strconv.Atoi(m[2])
		yesterday := now.AddDate(0, 0, -1)
		return time.Date(yesterday.Year(), yesterday.Month(), yesterday.Day(),
			hour, minute, 0, 0, now.Location()), nil
	}
	if m := monthDayPattern.FindStringSubmatch(s); m != nil {
		month, _ := strconv.Atoi(m[1])
		day, _ := strconv.Atoi(m[2])
		return time.Date(now.Year(), time.Month(month), day, 0, 0, 0, 0, now.Location()), nil
	}
	if t, err := time.Parse(rfc2822Layout, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Time{}, &crawl.ParseError{Field: "created_at", Err: fmt.Errorf("unrecognized time %q", raw)}
}
