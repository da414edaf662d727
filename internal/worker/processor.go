package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"smm-fulfillment/internal/models"
	"smm-fulfillment/internal/notify"
	"smm-fulfillment/internal/queue"
	"smm-fulfillment/internal/telemetry"
)

// Options tunes the processor. Zero values fall back to the documented
// defaults.
type Options struct {
	Concurrency        int           // parallel handlers per queue, default 3
	JobTimeout         time.Duration // hard wall-clock budget per job, default 60s
	LockBusyDelay      time.Duration // requeue delay when the order lock is held
	CompensationGrace  time.Duration // budget for compensating a dead job
	PollInterval       time.Duration // idle sleep between dequeue attempts
	ScheduledBatchSize int64
}

func (o *Options) applyDefaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = 3
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = 60 * time.Second
	}
	if o.LockBusyDelay <= 0 {
		o.LockBusyDelay = 2 * time.Second
	}
	if o.CompensationGrace <= 0 {
		o.CompensationGrace = 10 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.ScheduledBatchSize <= 0 {
		o.ScheduledBatchSize = 100
	}
}

// Processor is the bounded-concurrency executor. It owns job
// lifecycle only: dequeue, lock, validate, dispatch, classify,
// ack/retry/dead-letter. Job semantics live in the StateMachine.
type Processor struct {
	opts     Options
	queue    *queue.Queue
	machine  *StateMachine
	locks    *LockRegistry
	retry    RetryPolicy
	notifier notify.Notifier
	log      logrus.FieldLogger
}

func NewProcessor(opts Options, q *queue.Queue, machine *StateMachine, retry RetryPolicy, notifier notify.Notifier, log logrus.FieldLogger) *Processor {
	opts.applyDefaults()
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Processor{
		opts:     opts,
		queue:    q,
		machine:  machine,
		locks:    NewLockRegistry(opts.JobTimeout),
		retry:    retry,
		notifier: notifier,
		log:      log,
	}
}

// Run blocks until ctx is cancelled, driving the maintenance loop and
// Concurrency worker loops.
func (p *Processor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.maintain(ctx) })
	for i := 0; i < p.opts.Concurrency; i++ {
		g.Go(func() error { return p.workerLoop(ctx) })
	}
	return g.Wait()
}

// maintain promotes due scheduled envelopes, reclaims expired leases,
// and keeps the depth gauge fresh.
func (p *Processor) maintain(ctx context.Context) error {
	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		now := time.Now()
		if _, err := p.queue.PromoteScheduled(ctx, now, p.opts.ScheduledBatchSize); err != nil && ctx.Err() == nil {
			p.log.WithError(err).Warn("promote scheduled")
		}
		if reclaimed, err := p.queue.RequeueExpired(ctx, now, 100); err != nil && ctx.Err() == nil {
			p.log.WithError(err).Warn("requeue expired")
		} else if len(reclaimed) > 0 {
			p.log.WithField("orders", reclaimed).Warn("reclaimed expired leases")
		}
		if depth, err := p.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}
	}
}

func (p *Processor) workerLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		d, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.WithError(err).Warn("dequeue")
			sleep(ctx, p.opts.PollInterval)
			continue
		}
		if d == nil {
			sleep(ctx, p.opts.PollInterval)
			continue
		}
		p.handle(ctx, d)
	}
}

// handle runs one delivery end to end.
func (p *Processor) handle(ctx context.Context, d *queue.Delivery) {
	env := d.Envelope
	log := p.log.WithFields(logrus.Fields{
		"order_id": env.OrderID,
		"job_type": env.JobType,
		"attempt":  env.Attempt,
	})

	// Structural rejection happens before any lock or collaborator
	// call and is never retried.
	if err := ValidateEnvelope(env); err != nil {
		log.WithError(err).Error("envelope rejected")
		p.ack(ctx, d, log)
		p.notify(models.ProcessingResult{
			OrderID: env.OrderID,
			Status:  models.StatusFailed,
			Message: err.Error(),
		}, log)
		telemetry.JobFailures.Inc()
		return
	}

	lease, ok := p.locks.Acquire(env.OrderID)
	if !ok {
		// Another handler owns this order; back off without burning
		// a retry attempt.
		if err := p.queue.Requeue(ctx, d, env, time.Now().Add(p.opts.LockBusyDelay)); err != nil {
			log.WithError(err).Error("requeue after lock busy")
		}
		telemetry.LockBusyRequeues.Inc()
		return
	}
	defer p.locks.Release(lease)

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	jobCtx, cancel := context.WithTimeout(ctx, p.opts.JobTimeout)
	res, err := p.machine.Handle(jobCtx, env)
	cancel()

	if err == nil {
		p.ack(ctx, d, log)
		p.notify(res, log)
		telemetry.JobSuccess.Inc()
		return
	}

	decision := p.retry.Decide(err, env.Attempt)
	switch decision.Action {
	case ActionRetry:
		next := env
		next.Attempt++
		if qerr := p.queue.Requeue(ctx, d, next, time.Now().Add(decision.Delay)); qerr != nil {
			log.WithError(qerr).Error("requeue for retry")
		}
		log.WithError(err).WithField("delay", decision.Delay).Info("job retried")
		telemetry.JobRetries.Inc()

	case ActionDeadLetter:
		// The job context may already be dead; compensation gets its
		// own bounded budget.
		graceCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.CompensationGrace)
		p.machine.Abandon(graceCtx, env, err)
		cancel()
		if qerr := p.queue.DeadLetterPush(ctx, d, err); qerr != nil {
			log.WithError(qerr).Error("dead-letter push")
		}
		log.WithError(err).Error("job dead-lettered")
		p.notify(models.ProcessingResult{
			OrderID: env.OrderID,
			Status:  models.StatusFailed,
			Message: "failed after retries: " + err.Error(),
		}, log)
		telemetry.JobDeadLetter.Inc()

	default: // ActionFail
		// Business and structural failures: the handler already
		// persisted the terminal state and ran its compensations.
		p.ack(ctx, d, log)
		log.WithError(err).Error("job failed terminally")
		if res.OrderID == "" {
			res = models.ProcessingResult{OrderID: env.OrderID, Status: models.StatusFailed, Message: err.Error()}
		}
		p.notify(res, log)
		telemetry.JobFailures.Inc()
	}
}

func (p *Processor) ack(ctx context.Context, d *queue.Delivery, log logrus.FieldLogger) {
	if err := p.queue.Ack(ctx, d); err != nil {
		log.WithError(err).Error("ack")
	}
}

// notify is fire-and-forget: a publish failure is logged, never
// surfaced to the job.
func (p *Processor) notify(res models.ProcessingResult, log logrus.FieldLogger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.notifier.Publish(ctx, res); err != nil {
		telemetry.NotifyFailures.Inc()
		log.WithError(err).Warn("notification publish failed")
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
