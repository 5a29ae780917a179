package llm

import (
	"context"

	"github.com/cascadelabs/cascade/internal/circuitbreaker"
)

// breakered guards dispatch with a circuit breaker. An open breaker fails
// Send fast, which the router sees as a tier error and answers with
// escalation rather than a crash.
type breakered struct {
	inner   Backend
	breaker *circuitbreaker.Breaker
}

// WithBreaker wraps backend with the given breaker. A nil breaker returns the
// backend unchanged.
func WithBreaker(backend Backend, breaker *circuitbreaker.Breaker) Backend {
	if breaker == nil {
		return backend
	}
	return &breakered{inner: backend, breaker: breaker}
}

func (b *breakered) Send(ctx context.Context, req Request) (Stream, error) {
	var stream Stream
	err := b.breaker.Execute(ctx, func() error {
		var sendErr error
		stream, sendErr = b.inner.Send(ctx, req)
		return sendErr
	})
	if err != nil {
		return nil, err
	}
	return stream, nil
}
