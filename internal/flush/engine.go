package flush

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaydesk/dispatch-engine/internal/core"
	"github.com/relaydesk/dispatch-engine/internal/metrics"
	"github.com/relaydesk/dispatch-engine/internal/sink"
)

// Buffer is the slice of the log store the flusher needs.
type Buffer interface {
	BufferedRecords(ctx context.Context) ([]core.LogRecord, error)
	SetBatchToken(ctx context.Context, ids []int64, token string) error
	DeleteLogRecords(ctx context.Context, ids []int64) (int64, error)
}

type Options struct {
	TickInterval  time.Duration
	AppendTimeout time.Duration
}

func (o *Options) normalize() {
	if o.TickInterval <= 0 {
		o.TickInterval = 30 * time.Second
	}
	if o.AppendTimeout <= 0 {
		o.AppendTimeout = 45 * time.Second
	}
}

// Engine periodically drains the log buffer: group by sink, one batch
// append per group, delete only what was appended.
type Engine struct {
	buf  Buffer
	sink sink.Sink
	log  *zap.Logger
	opt  Options
}

func New(buf Buffer, s sink.Sink, log *zap.Logger, opt Options) *Engine {
	opt.normalize()
	return &Engine{buf: buf, sink: s, log: log, opt: opt}
}

func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.opt.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := e.Flush(ctx); err != nil {
			e.log.Warn("buffer scan failed", zap.Error(err))
		}
	}
}

// Flush performs one pass. Groups are independent: one sink's append
// failure leaves its records buffered for the next tick and never
// blocks or rolls back the other groups.
func (e *Engine) Flush(ctx context.Context) error {
	recs, err := e.buf.BufferedRecords(ctx)
	if err != nil {
		return err
	}
	metrics.BufferedRecords.Set(float64(len(recs)))
	if len(recs) == 0 {
		return nil
	}

	// Stable grouping: first-seen sink order, insertion order inside.
	groups := make(map[string][]core.LogRecord)
	var order []string
	for _, r := range recs {
		if _, ok := groups[r.SinkID]; !ok {
			order = append(order, r.SinkID)
		}
		groups[r.SinkID] = append(groups[r.SinkID], r)
	}

	var wg sync.WaitGroup
	for _, sinkID := range order {
		wg.Add(1)
		go func(sinkID string, group []core.LogRecord) {
			defer wg.Done()
			e.flushGroup(ctx, sinkID, group)
		}(sinkID, groups[sinkID])
	}
	wg.Wait()
	return nil
}

func (e *Engine) flushGroup(ctx context.Context, sinkID string, group []core.LogRecord) {
	// Partition by batch token. A stamped set is a previous attempt that
	// must retry verbatim under its token; records stamped later or not
	// yet stamped form their own batches. Mixing them would let a sink
	// that de-duplicates by token drop rows it has never seen.
	batches := make(map[string][]core.LogRecord)
	var order []string
	for _, r := range group {
		key := ""
		if r.BatchToken != nil {
			key = *r.BatchToken
		}
		if _, ok := batches[key]; !ok {
			order = append(order, key)
		}
		batches[key] = append(batches[key], r)
	}
	for _, token := range order {
		e.flushBatch(ctx, sinkID, token, batches[token])
	}
}

func (e *Engine) flushBatch(ctx context.Context, sinkID, token string, batch []core.LogRecord) {
	lg := e.log.With(zap.String("sink_id", sinkID), zap.Int("records", len(batch)))

	ids := make([]int64, len(batch))
	rows := make([][]string, len(batch))
	for i, r := range batch {
		ids[i] = r.ID
		rows[i] = r.Row()
	}
	// First attempt for this set mints the token; retries reuse it so
	// the sink can de-duplicate a crash between append and delete.
	if token == "" {
		token = uuid.NewString()
		if err := e.buf.SetBatchToken(ctx, ids, token); err != nil {
			lg.Warn("stamp batch token", zap.Error(err))
			return
		}
	}

	actx, cancel := context.WithTimeout(ctx, e.opt.AppendTimeout)
	defer cancel()
	start := time.Now()
	err := e.sink.AppendRows(actx, sinkID, token, rows)
	metrics.FlushDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.FlushTotal.WithLabelValues("error").Inc()
		lg.Warn("sink append failed, retrying next tick", zap.Error(err))
		return
	}

	deleted, err := e.buf.DeleteLogRecords(ctx, ids)
	if err != nil {
		// Appended but not deleted; the token makes the retry safe.
		metrics.FlushTotal.WithLabelValues("error").Inc()
		lg.Error("delete flushed records", zap.Error(err))
		return
	}
	metrics.FlushTotal.WithLabelValues("ok").Inc()
	metrics.FlushBatchSize.Observe(float64(len(batch)))
	lg.Info("flushed batch", zap.Int64("deleted", deleted))
}
