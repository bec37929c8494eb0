// Package worker drains the notification outbox through the dispatch gate.
package worker

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Cypherspark/wa-gate/internal/core"
	"github.com/Cypherspark/wa-gate/internal/gate"
	"github.com/Cypherspark/wa-gate/internal/metrics"
)

// JobStore is the slice of core.Store the worker needs.
type JobStore interface {
	ClaimQueuedJobs(ctx context.Context, limit int) ([]core.Claim, error)
	LoadJob(ctx context.Context, id string) (core.Job, error)
	MarkDispatched(ctx context.Context, id string, res core.DispatchResult) error
	MarkFailedWithRetry(ctx context.Context, id string, retryIn time.Duration) error
	MarkFailedPermanent(ctx context.Context, id, reason string) error
}

type Dispatcher interface {
	Dispatch(ctx context.Context, req gate.Request) core.DispatchResult
}

type WorkerOptions struct {
	BatchSize     int           // how many to claim per poll
	Concurrency   int           // number of dispatch goroutines
	PollInterval  time.Duration // how often to poll when work is found
	IdleSleep     time.Duration // sleep when queue empty
	DBBackoffMin  time.Duration
	DBBackoffMax  time.Duration
	ProviderQPS   float64       // sustained provider rate
	ProviderBurst int           // burst to allow short spikes
	JobTimeout    time.Duration // per-dispatch timeout
	MaxAttempts   int           // transient failures before a job fails for good
	RetryBase     time.Duration
	RetryMax      time.Duration
	Logger        zerolog.Logger
}

func (o WorkerOptions) withDefaults() WorkerOptions {
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 16
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 200 * time.Millisecond
	}
	if o.IdleSleep <= 0 {
		o.IdleSleep = 300 * time.Millisecond
	}
	if o.DBBackoffMin <= 0 {
		o.DBBackoffMin = 200 * time.Millisecond
	}
	if o.DBBackoffMax < o.DBBackoffMin {
		o.DBBackoffMax = 5 * time.Second
	}
	if o.ProviderQPS <= 0 {
		o.ProviderQPS = 50
	}
	if o.ProviderBurst <= 0 {
		o.ProviderBurst = 100
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 30 * time.Second
	}
	if o.RetryMax <= 0 {
		o.RetryMax = 10 * time.Minute
	}
	return o
}

// RunWorker polls the outbox until ctx is done, then waits for in-flight
// jobs and returns ctx.Err().
func RunWorker(ctx context.Context, store JobStore, g Dispatcher, opt WorkerOptions) error {
	opt = opt.withDefaults()
	// Rate limiter for provider (global for this worker process).
	limiter := rate.NewLimiter(rate.Limit(opt.ProviderQPS), opt.ProviderBurst)

	// Fixed-size worker pool.
	jobs := make(chan core.Claim, opt.BatchSize*2)
	var wg sync.WaitGroup
	wg.Add(opt.Concurrency)
	for i := 0; i < opt.Concurrency; i++ {
		go func() {
			defer wg.Done()
			for c := range jobs {
				processOne(ctx, store, g, limiter, c, opt)
			}
		}()
	}
	stop := func() error {
		close(jobs)
		wg.Wait()
		return ctx.Err()
	}

	// Poll loop: claim batches and dispatch.
	dbBackoff := opt.DBBackoffMin
	for {
		if ctx.Err() != nil {
			return stop()
		}

		claims, err := store.ClaimQueuedJobs(ctx, opt.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return stop()
			}
			metrics.ClaimTotal.WithLabelValues("error").Inc()
			// Backoff on DB errors (exponential + jitter)
			wait := jitter(dbBackoff, 0.20)
			opt.Logger.Warn().Err(err).Dur("backoff", wait).Msg("claim failed")
			sleep(ctx, wait)
			dbBackoff = minDur(opt.DBBackoffMax, time.Duration(float64(dbBackoff)*1.6))
			continue
		}
		dbBackoff = opt.DBBackoffMin // reset on success

		if len(claims) == 0 {
			metrics.ClaimTotal.WithLabelValues("empty").Inc()
			sleep(ctx, opt.IdleSleep)
			continue
		}
		metrics.ClaimTotal.WithLabelValues("ok").Inc()
		metrics.ClaimBatchSize.Observe(float64(len(claims)))

		// Claimed jobs are handed over even during shutdown; processOne
		// requeues them once ctx is done.
		for _, c := range claims {
			jobs <- c
		}

		// short cadence while there is flow
		sleep(ctx, opt.PollInterval)
	}
}

func processOne(ctx context.Context, store JobStore, g Dispatcher, limiter *rate.Limiter, c core.Claim, opt WorkerOptions) {
	id := c.ID
	metrics.InFlight.Inc()
	defer metrics.InFlight.Dec()
	logger := opt.Logger.With().Str("job_id", id).Logger()
	// Bookkeeping writes must land even while shutting down.
	bg := context.WithoutCancel(ctx)
	if ctx.Err() != nil {
		_ = store.MarkFailedWithRetry(bg, id, 0)
		return
	}

	job, err := store.LoadJob(ctx, id)
	if err != nil {
		if errors.Is(err, core.ErrJobNotFound) {
			logger.Error().Msg("claimed job vanished")
			return
		}
		retry(bg, store, id, c.Attempts, opt, logger, err)
		return
	}

	ev, err := job.DecodeEvent()
	if err != nil {
		fail(bg, store, id, err.Error(), logger)
		return
	}

	// Respect provider rate limit (global in this process).
	if err := limiter.Wait(ctx); err != nil {
		_ = store.MarkFailedWithRetry(bg, id, 0)
		return
	}

	dctx, cancel := context.WithTimeout(ctx, opt.JobTimeout)
	defer cancel()
	res := g.Dispatch(dctx, gate.Request{
		Phone:    job.Phone,
		TenantID: job.TenantID,
		Kind:     job.Kind,
		Message:  job.Message,
		Event:    ev,
		TicketID: job.TicketID,
	})

	if res.ErrorCode == core.ErrSessionStoreError.Error() {
		retry(bg, store, id, job.Attempts, opt, logger, errors.New(res.Reason))
		return
	}
	if err := store.MarkDispatched(bg, id, res); err != nil {
		logger.Error().Err(err).Str("outcome", string(res.Outcome)).Msg("record dispatch result")
	}
}

func retry(ctx context.Context, store JobStore, id string, attempts int, opt WorkerOptions, logger zerolog.Logger, cause error) {
	if attempts >= opt.MaxAttempts {
		fail(ctx, store, id, cause.Error(), logger)
		return
	}
	wait := backoff(opt.RetryBase, opt.RetryMax, attempts)
	metrics.RetryTotal.Inc()
	logger.Warn().Err(cause).Int("attempts", attempts).Dur("retry_in", wait).Msg("job requeued")
	if err := store.MarkFailedWithRetry(ctx, id, wait); err != nil {
		logger.Error().Err(err).Msg("requeue job")
	}
}

func fail(ctx context.Context, store JobStore, id, reason string, logger zerolog.Logger) {
	metrics.PermFailedTotal.Inc()
	logger.Error().Str("reason", reason).Msg("job failed permanently")
	if err := store.MarkFailedPermanent(ctx, id, reason); err != nil {
		logger.Error().Err(err).Msg("mark job failed")
	}
}

func backoff(base, max time.Duration, attempts int) time.Duration {
	d := base
	for i := 1; i < attempts && d < max; i++ {
		d *= 2
	}
	return jitter(minDur(d, max), 0.20)
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
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
	n := rand.Int64N(2*delta+1) - delta
	return d + time.Duration(n)
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
