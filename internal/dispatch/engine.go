package dispatch

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/relaydesk/dispatch-engine/internal/core"
	"github.com/relaydesk/dispatch-engine/internal/filestore"
	"github.com/relaydesk/dispatch-engine/internal/metrics"
	"github.com/relaydesk/dispatch-engine/internal/prefs"
	"github.com/relaydesk/dispatch-engine/internal/session"
)

// Store is the slice of the queue store the dispatcher needs.
type Store interface {
	ClaimDueMessages(ctx context.Context, now time.Time, limit int) ([]core.ScheduledMessage, error)
	DeferNoSession(ctx context.Context, id string, until time.Time, maxDeferrals int) (expired bool, err error)
	MarkSentAt(ctx context.Context, id string, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, id string) error
	RecordItem(ctx context.Context, it core.ItemOutcome) error
	RecoverStuckSending(ctx context.Context, staleAfter time.Duration) (int64, error)
}

type Options struct {
	TickInterval   time.Duration // dispatch cadence
	BatchSize      int           // how many to claim per scan
	Concurrency    int           // concurrent messages per tick
	SendTimeout    time.Duration // per-item transport timeout
	TransportQPS   float64
	TransportBurst int
	DeferInterval  time.Duration // no-session push-forward (one hour)
	MaxDeferrals   int           // deferral ceiling before EXPIRED
	StarDelay      time.Duration // deferred star action delay
	StaleSending   time.Duration // SENDING older than this reverts at startup
	DBBackoffMin   time.Duration
	DBBackoffMax   time.Duration

	// Promotional footers; empty disables each.
	PromoContactCards    string
	PromoNewUnsubscribed string
}

func (o *Options) normalize() {
	if o.TickInterval <= 0 {
		o.TickInterval = time.Minute
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 16
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 30 * time.Second
	}
	if o.TransportQPS <= 0 {
		o.TransportQPS = 20
	}
	if o.TransportBurst <= 0 {
		o.TransportBurst = 40
	}
	if o.DeferInterval <= 0 {
		o.DeferInterval = time.Hour
	}
	if o.MaxDeferrals <= 0 {
		o.MaxDeferrals = 72
	}
	if o.StarDelay <= 0 {
		o.StarDelay = time.Second
	}
	if o.StaleSending <= 0 {
		o.StaleSending = 15 * time.Minute
	}
	if o.DBBackoffMin <= 0 {
		o.DBBackoffMin = 200 * time.Millisecond
	}
	if o.DBBackoffMax <= 0 {
		o.DBBackoffMax = 5 * time.Second
	}
}

// Engine is the periodic dispatcher: scan, claim, fan out, finalize.
type Engine struct {
	store   Store
	pool    session.Pool
	prefs   prefs.Service
	files   filestore.Store
	log     *zap.Logger
	opt     Options
	limiter *rate.Limiter
	stars   *starScheduler

	now func() time.Time
}

func New(store Store, pool session.Pool, prefSvc prefs.Service, files filestore.Store, log *zap.Logger, opt Options) *Engine {
	opt.normalize()
	return &Engine{
		store:   store,
		pool:    pool,
		prefs:   prefSvc,
		files:   files,
		log:     log,
		opt:     opt,
		limiter: rate.NewLimiter(rate.Limit(opt.TransportQPS), opt.TransportBurst),
		stars:   newStarScheduler(log),
		now:     time.Now,
	}
}

// Run drives ticks until the context is cancelled. A message abandoned
// in SENDING by a previous crash is put back to PENDING once at start.
func (e *Engine) Run(ctx context.Context) error {
	if n, err := e.store.RecoverStuckSending(ctx, e.opt.StaleSending); err != nil {
		e.log.Warn("recover stuck sending", zap.Error(err))
	} else if n > 0 {
		e.log.Info("recovered stuck messages", zap.Int64("count", n))
	}

	ticker := time.NewTicker(e.opt.TickInterval)
	defer ticker.Stop()
	defer e.stars.Stop()

	dbBackoff := e.opt.DBBackoffMin
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if _, err := e.ProcessTick(ctx); err != nil {
			// Backoff on DB errors (exponential + jitter)
			sleep := jitter(dbBackoff, 0.20)
			e.log.Warn("claim error", zap.Error(err), zap.Duration("backoff", sleep))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(sleep):
			}
			dbBackoff = minDur(e.opt.DBBackoffMax, time.Duration(float64(dbBackoff)*1.6))
			continue
		}
		dbBackoff = e.opt.DBBackoffMin // reset on success
	}
}

// ProcessTick claims every due message and dispatches the batch with
// bounded concurrency. Returns how many messages were claimed.
func (e *Engine) ProcessTick(ctx context.Context) (int, error) {
	total := 0
	for {
		claimed, err := e.store.ClaimDueMessages(ctx, e.now(), e.opt.BatchSize)
		if err != nil {
			metrics.ClaimTotal.WithLabelValues("error").Inc()
			return total, err
		}
		metrics.ClaimBatchSize.Observe(float64(len(claimed)))
		if len(claimed) == 0 {
			metrics.ClaimTotal.WithLabelValues("empty").Inc()
			return total, nil
		}
		metrics.ClaimTotal.WithLabelValues("ok").Inc()
		total += len(claimed)

		sem := make(chan struct{}, e.opt.Concurrency)
		var wg sync.WaitGroup
		for _, m := range claimed {
			select {
			case <-ctx.Done():
				wg.Wait()
				return total, ctx.Err()
			case sem <- struct{}{}:
			}
			wg.Add(1)
			go func(m core.ScheduledMessage) {
				defer wg.Done()
				defer func() { <-sem }()
				metrics.InFlight.Inc()
				defer metrics.InFlight.Dec()
				e.dispatchOne(ctx, m)
			}(m)
		}
		wg.Wait()

		if len(claimed) < e.opt.BatchSize {
			return total, nil
		}
	}
}

// dispatchOne owns the entire lifecycle of one claimed message. All
// status writes for a single message happen on this goroutine or on the
// per-item send goroutines it waits for; nothing else touches the row.
func (e *Engine) dispatchOne(ctx context.Context, m core.ScheduledMessage) {
	lg := e.log.With(zap.String("message_id", m.ID), zap.String("account_id", m.AccountID))

	sess, ok := e.pool.Resolve(m.AccountID)
	if !ok {
		// Transient: no live session. Defer, don't fail.
		expired, err := e.store.DeferNoSession(ctx, m.ID, e.now().Add(e.opt.DeferInterval), e.opt.MaxDeferrals)
		if err != nil {
			lg.Error("defer message", zap.Error(err))
			return
		}
		if expired {
			metrics.ExpireTotal.Inc()
			lg.Warn("message expired after deferral ceiling", zap.Int("deferrals", m.Deferrals+1))
			return
		}
		metrics.DeferTotal.Inc()
		lg.Info("no session, deferred", zap.Duration("by", e.opt.DeferInterval))
		return
	}

	ent := sess.Entitlement()
	if !ent.Subscribed && !ent.New {
		if err := e.store.MarkFailed(ctx, m.ID); err != nil {
			lg.Error("mark failed", zap.Error(err))
		}
		lg.Info("account not entitled, message failed")
		return
	}

	// Record the attempt before any transport call so a crash mid-fan-out
	// reads as attempted, not still pending.
	sentAt := e.now()
	moved, err := e.store.MarkSentAt(ctx, m.ID, sentAt)
	if err != nil {
		lg.Error("mark sent", zap.Error(err))
		return
	}
	if !moved {
		// recovered or failed under us between claim and here
		lg.Warn("message left SENDING before fan-out, skipping")
		return
	}

	pref, err := e.prefs.Get(ctx, m.AccountID)
	if err != nil {
		// Preferences are advisory; zero-value defaults on error.
		lg.Warn("load preferences", zap.Error(err))
	}

	var failed atomic.Bool
	var wg sync.WaitGroup

	sendItem := func(kind string, idx int, send func(context.Context) (string, error)) {
		defer wg.Done()
		sctx, cancel := context.WithTimeout(ctx, e.opt.SendTimeout)
		defer cancel()
		if err := e.limiter.Wait(sctx); err != nil {
			// context gone: process is shutting down, leave no outcome
			return
		}
		start := time.Now()
		ref, err := send(sctx)
		metrics.SendDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			failed.Store(true)
			metrics.SendTotal.WithLabelValues(kind, core.OutcomeFailed).Inc()
			_ = e.store.RecordItem(ctx, core.ItemOutcome{
				MessageID: m.ID, Kind: kind, Index: idx,
				Outcome: core.OutcomeFailed, Error: err.Error(), At: e.now(),
			})
			// Terminal and idempotent; last writer wins across items.
			_ = e.store.MarkFailed(ctx, m.ID)
			lg.Error("send failed", zap.String("kind", kind), zap.Int("index", idx), zap.Error(err))
			return
		}
		metrics.SendTotal.WithLabelValues(kind, core.OutcomeSent).Inc()
		_ = e.store.RecordItem(ctx, core.ItemOutcome{
			MessageID: m.ID, Kind: kind, Index: idx,
			Outcome: core.OutcomeSent, At: e.now(),
		})
		if pref.StarOutgoing {
			e.stars.Schedule(e.opt.StarDelay, func() {
				sctx, cancel := context.WithTimeout(context.Background(), e.opt.SendTimeout)
				defer cancel()
				if err := sess.Star(sctx, ref); err != nil {
					lg.Warn("star sent item", zap.Error(err))
				}
			})
		}
	}

	skipItem := func(kind string, idx int, reason string) {
		metrics.SendTotal.WithLabelValues(kind, core.OutcomeSkipped).Inc()
		_ = e.store.RecordItem(ctx, core.ItemOutcome{
			MessageID: m.ID, Kind: kind, Index: idx,
			Outcome: core.OutcomeSkipped, Error: reason, At: e.now(),
		})
	}

	if m.Body != "" {
		wg.Add(1)
		go sendItem(core.ItemText, 0, func(sctx context.Context) (string, error) {
			return sess.SendText(sctx, m.Receiver, m.Body)
		})
	}
	for i, card := range m.ContactCards {
		wg.Add(1)
		go sendItem(core.ItemContactCard, i, func(sctx context.Context) (string, error) {
			return sess.SendContactCard(sctx, m.Receiver, card)
		})
	}
	for i, att := range m.Attachments {
		if !e.files.Exists(att.FileID) {
			skipItem(core.ItemAttachment, i, "missing backing file")
			continue
		}
		media, err := e.files.Media(att.FileID, att.Name)
		if err != nil {
			skipItem(core.ItemAttachment, i, err.Error())
			continue
		}
		caption := att.Caption
		wg.Add(1)
		go sendItem(core.ItemAttachment, i, func(sctx context.Context) (string, error) {
			return sess.SendMedia(sctx, m.Receiver, media, caption)
		})
	}
	for i, poll := range m.Polls {
		p := session.Poll{Title: poll.Title, Options: poll.Options, IsMultiSelect: poll.IsMultiSelect}
		wg.Add(1)
		go sendItem(core.ItemPoll, i, func(sctx context.Context) (string, error) {
			return sess.SendPoll(sctx, m.Receiver, p)
		})
	}

	wg.Wait()

	// Promotional footers are best effort; their failure never touches
	// the message status.
	// Contact cards pick their footer exclusively; an unconfigured text
	// there never falls back to the new-unsubscribed one.
	promo := ""
	switch {
	case len(m.ContactCards) > 0:
		promo = e.opt.PromoContactCards
	case !ent.Subscribed && ent.New:
		promo = e.opt.PromoNewUnsubscribed
	}
	if promo != "" {
		sctx, cancel := context.WithTimeout(ctx, e.opt.SendTimeout)
		_, err := sess.SendText(sctx, m.Receiver, promo)
		cancel()
		outcome := core.OutcomeSent
		errText := ""
		if err != nil {
			outcome = core.OutcomeFailed
			errText = err.Error()
			lg.Warn("promo send failed", zap.Error(err))
		}
		metrics.SendTotal.WithLabelValues(core.ItemPromo, outcome).Inc()
		_ = e.store.RecordItem(ctx, core.ItemOutcome{
			MessageID: m.ID, Kind: core.ItemPromo, Index: 0,
			Outcome: outcome, Error: errText, At: e.now(),
		})
	}

	if failed.Load() {
		lg.Info("message finished with failed items")
	}
}

func jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	delta := int64(float64(d) * frac)
	if delta <= 0 {
		return d
	}
	// random in [-delta, +delta]
	n := rand.Int63n(2*delta+1) - delta
	return d + time.Duration(n)
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
