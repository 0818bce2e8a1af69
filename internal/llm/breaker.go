package llm

import (
	"context"

	"topic-chat/backend/pkg/resilience"
)

// BreakerProvider guards stream setup with a circuit breaker.
// Failures while reading an already open stream are not counted.
type BreakerProvider struct {
	Provider
	breaker *resilience.CircuitBreaker
}

func NewBreakerProvider(p Provider, breaker *resilience.CircuitBreaker) *BreakerProvider {
	return &BreakerProvider{Provider: p, breaker: breaker}
}

func (b *BreakerProvider) Stream(ctx context.Context, prompt Prompt) (FrameStream, error) {
	var (
		stream    FrameStream
		streamErr error
	)
	err := b.breaker.Execute(func() error {
		stream, streamErr = b.Provider.Stream(ctx, prompt)
		// a caller that went away says nothing about upstream health
		if streamErr != nil && ctx.Err() != nil {
			return nil
		}
		return streamErr
	})
	if err != nil {
		return nil, err
	}
	return stream, streamErr
}

// Breaker exposes the breaker for health reporting
func (b *BreakerProvider) Breaker() *resilience.CircuitBreaker {
	return b.breaker
}
