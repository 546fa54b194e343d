// Package jobs is the background job coordinator: a persisted queue of
// enrichment and maintenance jobs, a poll loop that dispatches them to typed
// handlers, and retry with exponential backoff.
//
// A job moves pending -> running -> completed, back to pending for a retry,
// or to failed once its attempts are used up.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/WessleyAI/warmpath/engine/domain"
	"github.com/WessleyAI/warmpath/engine/enrich"
	"github.com/WessleyAI/warmpath/pkg/metrics"
	"github.com/WessleyAI/warmpath/pkg/natsutil"
	"github.com/WessleyAI/warmpath/pkg/resilience"
)

const (
	// DeadLetterSubject receives jobs that failed permanently.
	DeadLetterSubject = "warmpath.jobs.dlq"

	DefaultConcurrency  = 4
	DefaultPollInterval = 5 * time.Second
	// MaxBackoff caps the retry delay.
	MaxBackoff = 60 * time.Minute
	// staleAfter is how long a job may sit in running before Run treats its
	// worker as dead.
	staleAfter = 30 * time.Minute
)

// Priorities used by the built-in triggers. Higher runs first.
const (
	PriorityLow    = 1
	PriorityNormal = 5
	PriorityHigh   = 10
)

var (
	// ErrPermanent marks a handler error that must not be retried.
	ErrPermanent = errors.New("jobs: permanent failure")
	// ErrNoHandler is recorded on jobs whose type has no registered handler.
	ErrNoHandler = errors.New("jobs: no handler for job type")
	// ErrInvalidJob rejects an enqueue request.
	ErrInvalidJob = errors.New("jobs: invalid job")
)

// Handler executes one job. It must tolerate running again after a partial
// failure.
type Handler func(ctx context.Context, j domain.Job) error

// Backoff returns the delay before the retry that follows the given number
// of failed attempts.
type Backoff func(attempts int) time.Duration

// ExponentialBackoff waits 2^attempts minutes, capped at MaxBackoff.
func ExponentialBackoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts >= 6 {
		return MaxBackoff
	}
	return min(time.Duration(1<<attempts)*time.Minute, MaxBackoff)
}

// DeadJob is published to DeadLetterSubject.
type DeadJob struct {
	Job   domain.Job `json:"job"`
	Error string     `json:"error"`
}

// Coordinator dispatches queued jobs to handlers.
type Coordinator struct {
	queue       Queue
	handlers    map[domain.JobType]Handler
	limits      *resilience.SourceLimiter
	kinds       KindResolver
	now         func() time.Time
	backoff     Backoff
	concurrency int
	poll        time.Duration
	maxAttempts int
	dlq         natsutil.Publisher
	metrics     *metrics.Metrics
	log         *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// KindResolver maps a source kind to the registered source names.
// *enrich.Registry implements it.
type KindResolver interface {
	SourcesFor(kind enrich.Kind) []string
}

// WithLimiter holds back jobs whose sources have no budget left. The check
// consumes nothing: budget is spent by the fetches themselves, so l should
// be the limiter the handlers' source registry uses.
func WithLimiter(l *resilience.SourceLimiter) Option { return func(c *Coordinator) { c.limits = l } }

// WithKindResolver expands the source kinds a payload names into the
// sources registered for them before the budget check.
func WithKindResolver(r KindResolver) Option { return func(c *Coordinator) { c.kinds = r } }

// WithClock injects the time source.
func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

// WithBackoff replaces ExponentialBackoff.
func WithBackoff(b Backoff) Option { return func(c *Coordinator) { c.backoff = b } }

// WithConcurrency bounds concurrently executing jobs in Run.
func WithConcurrency(n int) Option { return func(c *Coordinator) { c.concurrency = n } }

// WithPollInterval sets how often Run looks for due jobs.
func WithPollInterval(d time.Duration) Option { return func(c *Coordinator) { c.poll = d } }

// WithMaxAttempts sets the default attempts for jobs enqueued without one.
func WithMaxAttempts(n int) Option { return func(c *Coordinator) { c.maxAttempts = n } }

// WithDeadLetter publishes permanently failed jobs to DeadLetterSubject.
func WithDeadLetter(p natsutil.Publisher) Option { return func(c *Coordinator) { c.dlq = p } }

// WithMetrics counts finished jobs.
func WithMetrics(m *metrics.Metrics) Option { return func(c *Coordinator) { c.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.log = l
		}
	}
}

// NewCoordinator creates a coordinator over q with no handlers.
func NewCoordinator(q Queue, opts ...Option) *Coordinator {
	c := &Coordinator{
		queue:       q,
		handlers:    make(map[domain.JobType]Handler),
		now:         time.Now,
		backoff:     ExponentialBackoff,
		concurrency: DefaultConcurrency,
		poll:        DefaultPollInterval,
		maxAttempts: domain.DefaultMaxAttempts,
		log:         slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.concurrency < 1 {
		c.concurrency = 1
	}
	return c
}

// Handle registers h for jobs of type t, replacing any previous handler.
func (c *Coordinator) Handle(t domain.JobType, h Handler) {
	c.handlers[t] = h
}

// Enqueue schedules payload at priority. A zero at means now.
func (c *Coordinator) Enqueue(ctx context.Context, payload domain.JobPayload, priority int, at time.Time) (string, error) {
	return c.enqueue(ctx, payload, priority, at, 0)
}

func (c *Coordinator) enqueue(ctx context.Context, payload domain.JobPayload, priority int, at time.Time, maxAttempts int) (string, error) {
	if payload == nil {
		return "", fmt.Errorf("%w: missing payload", ErrInvalidJob)
	}
	if maxAttempts <= 0 {
		maxAttempts = c.maxAttempts
	}
	now := c.now()
	if at.IsZero() {
		at = now
	}
	j := domain.Job{
		ID:          uuid.NewString(),
		Type:        payload.JobType(),
		Payload:     payload,
		Priority:    priority,
		MaxAttempts: maxAttempts,
		Status:      domain.JobPending,
		ScheduledAt: at,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := c.queue.Enqueue(ctx, j); err != nil {
		return "", err
	}
	c.log.Info("job enqueued", "job_id", j.ID, "type", j.Type, "priority", priority, "scheduled_at", at)
	return j.ID, nil
}

// EnqueueRequest is the wire form of an enqueue call, used by the HTTP API
// and the NATS trigger.
type EnqueueRequest struct {
	Type         domain.JobType  `json:"type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Priority     int             `json:"priority"`
	ScheduledFor *time.Time      `json:"scheduled_for,omitempty"`
	MaxAttempts  int             `json:"max_attempts,omitempty"`
}

// Submit decodes req's payload for its type and enqueues it.
func (c *Coordinator) Submit(ctx context.Context, req EnqueueRequest) (string, error) {
	p, err := domain.DecodePayload(req.Type, req.Payload)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidJob, err)
	}
	var at time.Time
	if req.ScheduledFor != nil {
		at = *req.ScheduledFor
	}
	return c.enqueue(ctx, p, req.Priority, at, req.MaxAttempts)
}

// Status counts jobs by state.
func (c *Coordinator) Status(ctx context.Context) (domain.QueueStatus, error) {
	return c.queue.Status(ctx)
}

// Job returns one job.
func (c *Coordinator) Job(ctx context.Context, id string) (domain.Job, error) {
	return c.queue.Get(ctx, id)
}

// Tick claims and runs at most one due job. It reports whether a job ran.
func (c *Coordinator) Tick(ctx context.Context) (bool, error) {
	j, err := c.queue.ClaimNext(ctx, c.now())
	if errors.Is(err, ErrEmpty) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	c.execute(ctx, j)
	return true, nil
}

// Run polls the queue until ctx is done, running up to the configured
// number of jobs at once. Jobs interrupted by shutdown go back to pending
// without spending an attempt.
func (c *Coordinator) Run(ctx context.Context) error {
	if n, err := c.queue.ResetRunning(ctx, c.now().Add(-staleAfter)); err != nil {
		c.log.Warn("jobs: reset stale jobs", "err", err)
	} else if n > 0 {
		c.log.Info("jobs: requeued stale jobs", "count", n)
	}

	var g errgroup.Group
	g.SetLimit(c.concurrency)
	t := time.NewTicker(c.poll)
	defer t.Stop()
	c.log.Info("job coordinator started", "concurrency", c.concurrency, "poll", c.poll)
	for {
		c.dispatch(ctx, &g)
		select {
		case <-ctx.Done():
			_ = g.Wait()
			c.log.Info("job coordinator stopped")
			return nil
		case <-t.C:
		}
	}
}

// dispatch claims due jobs until the queue is drained. g.Go blocks while
// every slot is busy.
func (c *Coordinator) dispatch(ctx context.Context, g *errgroup.Group) {
	for ctx.Err() == nil {
		j, err := c.queue.ClaimNext(ctx, c.now())
		if errors.Is(err, ErrEmpty) {
			return
		}
		if err != nil {
			c.log.Error("jobs: claim failed", "err", err)
			return
		}
		g.Go(func() error {
			c.execute(ctx, j)
			return nil
		})
	}
}

func (c *Coordinator) execute(ctx context.Context, j domain.Job) {
	start := c.now()
	log := c.log.With("job_id", j.ID, "type", j.Type, "attempt", j.Attempts+1)
	log.Debug("job started")
	err := c.run(ctx, j)
	c.finish(ctx, j, err, log)
	log.Debug("job finished", "duration", c.now().Sub(start))
}

func (c *Coordinator) run(ctx context.Context, j domain.Job) (err error) {
	h, ok := c.handlers[j.Type]
	if !ok {
		return fmt.Errorf("%w: %w %q", ErrPermanent, ErrNoHandler, j.Type)
	}
	if c.limits != nil && j.Payload != nil {
		if err := c.limits.CheckAll(c.budgetNames(j.Payload.Sources())); err != nil {
			return err
		}
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("jobs: handler panic: %v", r)
		}
	}()
	return h(ctx, j)
}

// budgetNames replaces each kind with the sources registered for it.
// Names that match no kind are kept as source names.
func (c *Coordinator) budgetNames(names []string) []string {
	if c.kinds == nil {
		return names
	}
	out := make([]string, 0, len(names))
	for _, n := range names {
		if srcs := c.kinds.SourcesFor(enrich.Kind(n)); len(srcs) > 0 {
			out = append(out, srcs...)
			continue
		}
		out = append(out, n)
	}
	return out
}

// finish records the outcome. State writes use a context detached from
// shutdown so an interrupted job is still released.
func (c *Coordinator) finish(ctx context.Context, j domain.Job, err error, log *slog.Logger) {
	wctx := context.WithoutCancel(ctx)
	now := c.now()
	typ := string(j.Type)

	if err == nil {
		if werr := c.queue.Complete(wctx, j.ID, now); werr != nil {
			log.Error("jobs: mark completed", "err", werr)
		}
		c.metrics.JobFinished(typ, "completed")
		log.Info("job completed")
		return
	}

	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		if werr := c.queue.Retry(wctx, j.ID, j.Attempts, now, j.LastError, now); werr != nil {
			log.Error("jobs: release interrupted job", "err", werr)
		}
		log.Info("job interrupted", "err", err)
		return
	}

	attempts := j.Attempts + 1
	if attempts >= j.MaxAttempts || errors.Is(err, ErrPermanent) {
		if werr := c.queue.Fail(wctx, j.ID, attempts, err.Error(), now); werr != nil {
			log.Error("jobs: mark failed", "err", werr)
		}
		c.metrics.JobFinished(typ, "failed")
		log.Error("job failed", "attempts", attempts, "err", err)
		c.deadLetter(wctx, j, attempts, err, now, log)
		return
	}

	delay := c.backoff(attempts)
	var le *resilience.LimitError
	if errors.As(err, &le) && le.RetryAfter > delay {
		delay = le.RetryAfter
	}
	if werr := c.queue.Retry(wctx, j.ID, attempts, now.Add(delay), err.Error(), now); werr != nil {
		log.Error("jobs: schedule retry", "err", werr)
	}
	c.metrics.JobFinished(typ, "retried")
	log.Warn("job retry scheduled", "attempts", attempts, "delay", delay, "err", err)
}

func (c *Coordinator) deadLetter(ctx context.Context, j domain.Job, attempts int, err error, now time.Time, log *slog.Logger) {
	if c.dlq == nil {
		return
	}
	j.Status = domain.JobFailed
	j.Attempts = attempts
	j.LastError = err.Error()
	j.UpdatedAt = now
	if perr := natsutil.Publish(ctx, c.dlq, DeadLetterSubject, DeadJob{Job: j, Error: err.Error()}); perr != nil {
		log.Warn("jobs: publish dead letter", "err", perr)
	}
}
