package sink

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Dummy simulates a flaky append-only store for local runs.
type Dummy struct {
	Latency time.Duration
	FailPct int
}

func NewDummy() *Dummy { return &Dummy{Latency: 80 * time.Millisecond, FailPct: 5} }

func (d *Dummy) AppendRows(ctx context.Context, sinkID, batchToken string, rows [][]string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d.Latency):
	}
	if rand.Intn(100) < d.FailPct {
		return errors.New("sink_temporary_error")
	}
	return nil
}
