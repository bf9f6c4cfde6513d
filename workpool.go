package loom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

var (
	_ Queue            = (*Workpool)(nil)
	_ completionBinder = (*Workpool)(nil)
)

var ErrWorkpoolStopped = errors.New("workpool stopped")

const (
	defaultMaxBackoff         = time.Minute
	completionInitialInterval = 50 * time.Millisecond
	completionMaxInterval     = 5 * time.Second
)

type job struct {
	id       WorkID
	fnHandle string
	args     ActionArgs
	opts     EnqueueOptions
}

// Workpool is the in-process queue: it runs actions with bounded parallelism,
// retries failures with exponential backoff and reports every unit of work
// exactly once to the completion handler.
type Workpool struct {
	runner  ActionRunner
	handler CompletionHandler

	mu           sync.Mutex
	logger       *zap.Logger
	baseLogger   *zap.Logger
	sem          *semaphore.Weighted
	parallelism  int
	limiter      *rate.Limiter
	defaultRetry RetryBehavior
	maxBackoff   time.Duration
	// completionBackoff is the first delay between completion deliveries.
	completionBackoff time.Duration
	inflight          int
	idleWaiters       []chan struct{}
	stopped           bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type WorkpoolOption func(pool *Workpool)

func WithWorkpoolLogger(logger *zap.Logger) WorkpoolOption {
	return func(pool *Workpool) {
		pool.baseLogger = logger
	}
}

func WithWorkpoolParallelism(n int) WorkpoolOption {
	return func(pool *Workpool) {
		if n > 0 {
			pool.parallelism = n
		}
	}
}

// WithWorkpoolRateLimit caps how many attempts start per second.
func WithWorkpoolRateLimit(perSecond float64, burst int) WorkpoolOption {
	return func(pool *Workpool) {
		if perSecond > 0 {
			pool.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
		}
	}
}

func WithWorkpoolDefaultRetry(retry RetryBehavior) WorkpoolOption {
	return func(pool *Workpool) {
		pool.defaultRetry = retry
	}
}

func WithWorkpoolMaxBackoff(d time.Duration) WorkpoolOption {
	return func(pool *Workpool) {
		if d > 0 {
			pool.maxBackoff = d
		}
	}
}

func NewWorkpool(runner ActionRunner, opts ...WorkpoolOption) *Workpool {
	ctx, cancel := context.WithCancel(context.Background())
	pool := &Workpool{
		runner:            runner,
		parallelism:       DefaultMaxParallelism,
		defaultRetry:      DefaultRetryBehavior,
		maxBackoff:        defaultMaxBackoff,
		completionBackoff: completionInitialInterval,
		ctx:               ctx,
		cancel:            cancel,
	}
	for _, opt := range opts {
		opt(pool)
	}
	pool.baseLogger = orNop(pool.baseLogger).With(zap.String("component", "workpool"))
	pool.logger = pool.baseLogger
	pool.sem = semaphore.NewWeighted(int64(pool.parallelism))

	return pool
}

func (p *Workpool) SetCompletionHandler(handler CompletionHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = handler
}

// Configure applies persisted settings. A parallelism change affects work
// dispatched afterwards.
func (p *Workpool) Configure(settings Settings) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.logger = scopedLogger(p.baseLogger, settings.WorkpoolLogLevel)
	if settings.MaxParallelism > 0 && settings.MaxParallelism != p.parallelism {
		p.parallelism = settings.MaxParallelism
		p.sem = semaphore.NewWeighted(int64(p.parallelism))
	}
}

// EnqueueAction schedules work. Inside a transaction the work is dispatched
// only once the transaction commits.
func (p *Workpool) EnqueueAction(
	ctx context.Context,
	fnHandle string,
	args ActionArgs,
	opts EnqueueOptions,
) (WorkID, error) {
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		return "", ErrWorkpoolStopped
	}

	j := &job{
		id:       WorkID(uuid.NewString()),
		fnHandle: fnHandle,
		args:     args,
		opts:     opts,
	}
	AfterCommit(ctx, func() { p.dispatch(j) })

	return j.id, nil
}

func (p *Workpool) dispatch(j *job) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		go p.complete(j, RunResult{Kind: ResultCanceled, Error: "canceled"})

		return
	}
	p.inflight++
	sem := p.sem
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		defer p.done()

		result := p.execute(j, sem)
		p.complete(j, result)
	}()
}

func (p *Workpool) execute(j *job, sem *semaphore.Weighted) RunResult {
	retry := p.defaultRetry
	if j.opts.Retry != nil {
		retry = *j.opts.Retry
	}
	b := newBackOff(retry, p.maxBackoff)
	logger := p.currentLogger().With(zap.String(KeyWorkID, string(j.id)), zap.String("op", string(j.args.Op.Kind)))

	for attempt := 1; ; attempt++ {
		if p.ctx.Err() != nil {
			return RunResult{Kind: ResultCanceled, Error: "canceled"}
		}

		out, err := p.attempt(j, sem)
		if err == nil {
			return RunResult{Kind: ResultSuccess, ReturnValue: out}
		}
		if p.ctx.Err() != nil {
			return RunResult{Kind: ResultCanceled, Error: "canceled"}
		}

		var permanent *PermanentError
		if errors.As(err, &permanent) || (retry.MaxAttempts > 0 && attempt >= retry.MaxAttempts) {
			logger.Warn("work failed", zap.Int("attempt", attempt), zap.Error(err))

			return RunResult{Kind: ResultFailed, Error: err.Error()}
		}

		delay := b.NextBackOff()
		logger.Debug("retrying work", zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-p.ctx.Done():
			timer.Stop()

			return RunResult{Kind: ResultCanceled, Error: "canceled"}
		case <-timer.C:
		}
	}
}

func (p *Workpool) attempt(j *job, sem *semaphore.Weighted) (out json.RawMessage, err error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(p.ctx); err != nil {
			return nil, err
		}
	}
	if err := sem.Acquire(p.ctx, 1); err != nil {
		return nil, err
	}
	defer sem.Release(1)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in action %q: %v\n%s", j.fnHandle, r, debug.Stack())
		}
	}()

	return p.runner.RunAction(p.ctx, j.fnHandle, j.args)
}

// complete delivers the result. Transient handler failures are retried until
// the pool stops; the handler is transactional, so a failed delivery left no
// trace and the run would otherwise keep the target active forever.
func (p *Workpool) complete(j *job, result RunResult) {
	p.mu.Lock()
	handler := p.handler
	p.mu.Unlock()
	if handler == nil || j.opts.OnComplete == "" {
		return
	}

	ctx := context.WithoutCancel(p.ctx)
	logger := p.currentLogger().With(zap.String(KeyWorkID, string(j.id)), zap.String("callback", j.opts.OnComplete))
	b := newBackOff(RetryBehavior{
		InitialBackoffMs: p.completionBackoff.Milliseconds(),
		Base:             2,
	}, completionMaxInterval)

	for attempt := 1; ; attempt++ {
		err := handler.HandleCompletion(ctx, j.opts.OnComplete, j.id, result, j.opts.Context)
		if err == nil {
			return
		}
		if errors.Is(err, ErrIntegrity) || errors.Is(err, ErrInvalidRunStatus) {
			logger.Error("completion callback rejected", zap.Int("attempt", attempt), zap.Error(err))

			return
		}

		delay := b.NextBackOff()
		logger.Warn("completion callback failed, retrying",
			zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-p.ctx.Done():
			timer.Stop()
			logger.Error("completion callback abandoned, workpool stopped", zap.Int("attempt", attempt), zap.Error(err))

			return
		case <-timer.C:
		}
	}
}

func (p *Workpool) done() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.inflight--
	if p.inflight == 0 {
		for _, ch := range p.idleWaiters {
			close(ch)
		}
		p.idleWaiters = nil
	}
}

// WaitIdle blocks until no work is running or waiting for a retry.
func (p *Workpool) WaitIdle(ctx context.Context) error {
	p.mu.Lock()
	if p.inflight == 0 {
		p.mu.Unlock()

		return nil
	}
	ch := make(chan struct{})
	p.idleWaiters = append(p.idleWaiters, ch)
	p.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop cancels running work, which then completes as canceled, and waits for
// every completion to be delivered.
func (p *Workpool) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.currentLogger().Info("workpool stopped")

		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Workpool) currentLogger() *zap.Logger {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.logger
}

// newBackOff yields InitialBackoffMs * Base^(n-1) for the n-th retry.
func newBackOff(retry RetryBehavior, maxInterval time.Duration) *backoff.ExponentialBackOff {
	initial := time.Duration(retry.InitialBackoffMs) * time.Millisecond
	if initial <= 0 {
		initial = time.Duration(DefaultRetryBehavior.InitialBackoffMs) * time.Millisecond
	}
	multiplier := retry.Base
	if multiplier < 1 {
		multiplier = DefaultRetryBehavior.Base
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     initial,
		RandomizationFactor: 0,
		Multiplier:          multiplier,
		MaxInterval:         maxInterval,
	}
	b.Reset()

	return b
}
