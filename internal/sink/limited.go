package sink

import (
	"context"

	"golang.org/x/time/rate"
)

// Limited wraps a Sink with a process-wide rate limiter. The external
// store throttles aggressively; one limiter shared by all flush groups
// keeps the engine under its quota.
type Limited struct {
	next    Sink
	limiter *rate.Limiter
}

func NewLimited(next Sink, qps float64, burst int) *Limited {
	return &Limited{next: next, limiter: rate.NewLimiter(rate.Limit(qps), burst)}
}

func (l *Limited) AppendRows(ctx context.Context, sinkID, batchToken string, rows [][]string) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return err
	}
	return l.next.AppendRows(ctx, sinkID, batchToken, rows)
}
