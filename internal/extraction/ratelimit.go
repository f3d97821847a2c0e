package extraction

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimitedClient spaces out calls to another Client so a burst of uploads
// does not trip the provider's rate limits.
type RateLimitedClient struct {
	next    Client
	limiter *rate.Limiter
}

// NewRateLimitedClient allows perSecond calls per second with the given burst
func NewRateLimitedClient(next Client, perSecond float64, burst int) *RateLimitedClient {
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedClient{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

// Complete waits for a token and forwards the call
func (c *RateLimitedClient) Complete(ctx context.Context, prompt string, maxTokens int) (*Completion, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for inference rate limit: %w", err)
	}
	return c.next.Complete(ctx, prompt, maxTokens)
}

// Close closes the wrapped client
func (c *RateLimitedClient) Close() error {
	return c.next.Close()
}
