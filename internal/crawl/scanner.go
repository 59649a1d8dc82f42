package crawl

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// ListScanner fetches one page of list stubs per call and applies the
// retention cutoff. It owns no persistent state; the orchestrator persists
// the resuming cursor after store writes succeed.
type ListScanner struct {
	gateway FetchGateway
	logger  *zap.Logger
}

// NewListScanner builds a scanner over the (usually cache-decorated) gateway.
func NewListScanner(gateway FetchGateway, logger *zap.Logger) *ListScanner {
	return &ListScanner{gateway: gateway, logger: logger}
}

// ScanPage requests one page below sinceCursor (empty = newest) and filters
// it against cutoff. The cutoff check is per-record: stubs collected before
// the boundary item within the same page are kept; the boundary item and
// everything after it are discarded and reachedCutoff is reported.
func (s *ListScanner) ScanPage(
	ctx context.Context,
	authorID string,
	sinceCursor string,
	cutoff time.Time,
) (stubs []PostStub, nextCursor string, reachedCutoff bool, err error) {
	page, err := s.gateway.FetchListPage(ctx, authorID, sinceCursor)
	if err != nil {
		return nil, "", false, err
	}

	for _, stub := range page.Stubs {
		if !cutoff.IsZero() && stub.PublishedAt.Before(cutoff) {
			s.logger.Info("list scan reached retention cutoff",
				zap.String("author_id", authorID),
				zap.String("post_id", stub.ID),
				zap.Time("cutoff", cutoff),
			)
			reachedCutoff = true
			break
		}
		stubs = append(stubs, stub)
	}

	if reachedCutoff {
		return stubs, "", true, nil
	}
	return stubs, page.NextCursor, false, nil
}
