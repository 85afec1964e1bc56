// Package retrieval adapts the vector store for the chat path. Retrieval
// is an enhancement, not a hard dependency: backend failures and timeouts
// degrade to an empty result with a logged warning instead of aborting
// the turn.
package retrieval

import (
	"context"
	"time"

	"go.uber.org/zap"

	"hermit/internal/logging"
	"hermit/internal/types"
)

// Client issues read-only similarity queries with a bounded deadline.
type Client struct {
	index   types.VectorIndex
	timeout time.Duration
	logger  *zap.Logger
}

// NewClient creates a retrieval client. A zero timeout defaults to 5s.
func NewClient(index types.VectorIndex, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		index:   index,
		timeout: timeout,
		logger:  logging.Named("retrieval"),
	}
}

// Query returns up to topK fragments ranked highest relevance first.
// A nil index (retrieval disabled), a timeout, or a backend error all
// return an empty slice; the failure is reported as a warning only.
func (c *Client) Query(ctx context.Context, text string, topK int) []types.RetrievedFragment {
	if c.index == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	fragments, err := c.index.Query(ctx, text, topK)
	if err != nil {
		c.logger.Warn("retrieval degraded to empty result", zap.Error(err))
		return nil
	}
	return fragments
}
