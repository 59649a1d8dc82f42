package crawl

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

// ThreadNode is one comment with its direct replies, ranked for display.
type ThreadNode struct {
	Comment Comment      `json:"comment"`
	Replies []ThreadNode `json:"replies,omitempty"`
}

// BuildThread arranges a flat comment list into a reply tree. Top-level
// comments are ranked by like count descending, ties broken by publish time
// ascending; replies under each comment use the same ordering. A comment
// whose ReplyToCommentID references nothing in the input is promoted to a
// top-level node rather than dropped, so a truncated parent thread never
// hides its replies.
func BuildThread(comments []Comment) []ThreadNode {
	byID := make(map[string]bool, len(comments))
	for _, c := range comments {
		byID[c.CommentID] = true
	}

	children := make(map[string][]Comment)
	var roots []Comment
	for _, c := range comments {
		parent := c.ReplyToCommentID
		if parent == "" || !byID[parent] {
			roots = append(roots, c)
			continue
		}
		children[parent] = append(children[parent], c)
	}

	var build func(list []Comment) []ThreadNode
	build = func(list []Comment) []ThreadNode {
		rank(list)
		nodes := make([]ThreadNode, 0, len(list))
		for _, c := range list {
			nodes = append(nodes, ThreadNode{
				Comment: c,
				Replies: build(children[c.CommentID]),
			})
		}
		if len(nodes) == 0 {
			return nil
		}
		return nodes
	}
	return build(roots)
}

// FlattenThread returns the tree in display order, parents before their
// replies. Useful for plain-list renderings of a ranked thread.
func FlattenThread(nodes []ThreadNode) []Comment {
	var out []Comment
	var walk func([]ThreadNode)
	walk = func(ns []ThreadNode) {
		for _, n := range ns {
			out = append(out, n.Comment)
			walk(n.Replies)
		}
	}
	walk(nodes)
	return out
}

func rank(list []Comment) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].LikeCount != list[j].LikeCount {
			return list[i].LikeCount > list[j].LikeCount
		}
		return list[i].PublishedAt.Before(list[j].PublishedAt)
	})
}

// EnsureCommentIDs fills in a deterministic fallback identifier for comments
// the source returned without one, so deduplication still works. The
// fallback is derived from the post and the comment's observable fields;
// re-fetching the same comment reproduces the same ID. Two identical
// comments by the same display name under one post would collide, which in
// practice means ingesting them once.
func EnsureCommentIDs(postID string, comments []Comment) []Comment {
	for i, c := range comments {
		if c.CommentID != "" {
			continue
		}
		comments[i].CommentID = postID + "_" + contentFingerprint(c.Content, c.DisplayName)
	}
	return comments
}

func contentFingerprint(content, displayName string) string {
	h := sha256.New()
	h.Write([]byte(content))
	h.Write([]byte{'|'})
	h.Write([]byte(displayName))
	return hex.EncodeToString(h.Sum(nil))[:16]
}
