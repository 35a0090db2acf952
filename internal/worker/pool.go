package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"bulkflow/internal/domain"
	"bulkflow/internal/queue"
)

type Handler interface {
	Handle(ctx context.Context, job domain.Job) error
}

type HandlerFunc func(ctx context.Context, job domain.Job) error

func (f HandlerFunc) Handle(ctx context.Context, job domain.Job) error { return f(ctx, job) }

// DeferredError asks the pool to run the job again after a delay instead of
// recording an outcome.
type DeferredError struct {
	After  time.Duration
	Reason string
}

func (e *DeferredError) Error() string { return "deferred: " + e.Reason }

// Defer returns a DeferredError for reason.
func Defer(after time.Duration, reason string) error {
	return &DeferredError{After: after, Reason: reason}
}

// Pool leases due jobs and runs them on at most size goroutines. A job's
// handler runs under a context bounded by the lock lifetime; a handler that
// ends on a context error keeps its lease so RecoverStale can requeue it.
type Pool struct {
	repo         queue.Repository
	handlers     map[string]Handler
	sem          chan struct{}
	stop         chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
	pollEvery    time.Duration
	lockLifetime time.Duration
	now          func() time.Time
}

func NewPool(repo queue.Repository, handlers map[string]Handler, size int, pollEvery, lockLifetime time.Duration) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		repo:         repo,
		handlers:     handlers,
		sem:          make(chan struct{}, size),
		stop:         make(chan struct{}),
		pollEvery:    pollEvery,
		lockLifetime: lockLifetime,
		now:          time.Now,
	}
}

// Run blocks until ctx is done or Stop is called, then waits for running
// handlers to return.
func (p *Pool) Run(ctx context.Context) {
	t := time.NewTicker(p.pollEvery)
	defer t.Stop()
	defer p.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-t.C:
			p.tick(ctx)
		}
	}
}

func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

func (p *Pool) tick(ctx context.Context) {
	now := p.now()
	if n, err := p.repo.RecoverStale(ctx, now, p.lockLifetime); err != nil {
		log.Error().Err(err).Msg("recover stale jobs")
	} else if n > 0 {
		log.Warn().Int("recovered", n).Msg("requeued jobs with expired locks")
	}
	for {
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		}
		job, err := p.repo.LeaseNext(ctx, now)
		if err != nil {
			<-p.sem
			if !errors.Is(err, queue.ErrEmpty) {
				log.Error().Err(err).Msg("lease next job")
			}
			return
		}
		p.wg.Add(1)
		go func(j domain.Job) {
			defer p.wg.Done()
			defer func() { <-p.sem }()
			p.run(ctx, j)
		}(job)
	}
}

func (p *Pool) run(ctx context.Context, j domain.Job) {
	logger := log.With().Str("job_id", j.ID).Str("job", j.Name).Str("campaign_id", j.CampaignID).Logger()
	h, ok := p.handlers[j.Name]
	if !ok {
		_ = p.repo.Fail(ctx, j.ID, "no handler", p.now())
		logger.Error().Msg("no handler registered")
		return
	}
	c, cancel := context.WithTimeout(ctx, p.lockLifetime)
	defer cancel()

	start := p.now()
	err := h.Handle(c, j)
	var deferred *DeferredError
	switch {
	case errors.As(err, &deferred):
		at := p.now().Add(deferred.After)
		if rerr := p.repo.Requeue(context.WithoutCancel(ctx), j.ID, at); rerr != nil {
			logger.Error().Err(rerr).Msg("requeue deferred job")
		}
		logger.Info().Str("reason", deferred.Reason).Time("run_at", at).Msg("job deferred")
	case err == nil:
		if err := p.repo.Succeed(context.WithoutCancel(ctx), j.ID, p.now()); err != nil {
			logger.Error().Err(err).Msg("mark job succeeded")
		}
		logger.Debug().Dur("took", p.now().Sub(start)).Msg("job finished")
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		logger.Warn().Err(err).Msg("job interrupted, lease left for recovery")
	default:
		if ferr := p.repo.Fail(context.WithoutCancel(ctx), j.ID, err.Error(), p.now()); ferr != nil {
			logger.Error().Err(ferr).Msg("mark job failed")
		}
		logger.Error().Err(err).Msg("job failed")
	}
}
