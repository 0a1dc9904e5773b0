package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/phrazzld/storyboard-worker/internal/artifact"
	"github.com/phrazzld/storyboard-worker/internal/events"
	"github.com/phrazzld/storyboard-worker/internal/generation"
	"github.com/phrazzld/storyboard-worker/internal/platform/logger"
	"github.com/phrazzld/storyboard-worker/internal/redact"
	"github.com/phrazzld/storyboard-worker/internal/store"
	"github.com/phrazzld/storyboard-worker/internal/task"
)

const releaseTimeout = 5 * time.Second

// CycleReport summarizes one cycle.
type CycleReport struct {
	Submitted int `json:"submitted"`
	// Deferred counts pending tasks left for a later cycle because the
	// generation service was at capacity.
	Deferred  int `json:"deferred"`
	Polled    int `json:"polled"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	TimedOut  int `json:"timed_out"`
	Retried   int `json:"retried"`
	// Skipped counts transitions refused as lifecycle violations.
	Skipped int `json:"skipped"`
	// LeaseLost counts claimed tasks dropped because the claim ran out before
	// their turn in the batch.
	LeaseLost int `json:"lease_lost"`
	// Errors counts infrastructure failures. Any error marks the cycle as failed.
	Errors      int           `json:"errors"`
	Interrupted bool          `json:"interrupted"`
	Duration    time.Duration `json:"duration"`
}

func (r CycleReport) idle() bool {
	return r.Submitted+r.Deferred+r.Polled+r.TimedOut+r.Retried+r.Skipped+r.LeaseLost+r.Errors == 0
}

func (r CycleReport) outcome() string {
	switch {
	case r.Interrupted:
		return "interrupted"
	case r.Errors > 0:
		return "error"
	}
	return "ok"
}

type phase struct {
	name string
	run  func(ctx context.Context, deps *Dependencies, r *CycleReport)
}

// RunCycle runs the submission, reconciliation, timeout and retry phases
// once, in that order. Cancelling ctx stops the cycle between units of work
// and releases any claims not yet worked on.
func (p *Processor) RunCycle(ctx context.Context) CycleReport {
	start := time.Now()
	var r CycleReport

	deps := p.dependencies()
	if deps == nil {
		r.Errors++
		p.logger.Error("cycle skipped", "error", ErrNotConnected)
		return r
	}

	phases := []phase{
		{"submission", p.submitPending},
		{"reconciliation", p.reconcileActive},
		{"timeout", p.expireTimedOut},
		{"retry", p.retryFailed},
	}
	for _, ph := range phases {
		if ctx.Err() != nil {
			r.Interrupted = true
			break
		}
		ph.run(ctx, deps, &r)
	}

	r.Duration = time.Since(start)
	p.finishCycle(r)
	return r
}

func (p *Processor) finishCycle(r CycleReport) {
	p.mu.Lock()
	p.cycles++
	p.lastCycleAt = p.now()
	p.lastReport = r
	p.mu.Unlock()

	p.metrics.cycles.WithLabelValues(r.outcome()).Inc()
	p.metrics.cycleDuration.Observe(r.Duration.Seconds())

	attrs := []any{
		"submitted", r.Submitted,
		"deferred", r.Deferred,
		"polled", r.Polled,
		"succeeded", r.Succeeded,
		"failed", r.Failed,
		"timed_out", r.TimedOut,
		"retried", r.Retried,
		"skipped", r.Skipped,
		"lease_lost", r.LeaseLost,
		"errors", r.Errors,
		"duration", r.Duration,
	}
	if r.idle() {
		p.logger.Debug("cycle complete", attrs...)
		return
	}
	p.logger.Info("cycle complete", attrs...)
}

func (p *Processor) claim(limit int) task.Claim {
	return task.Claim{Owner: p.cfg.OwnerID, Limit: limit, Lease: p.cfg.ClaimLease}
}

// each runs fn for every claimed task. Each unit gets its own context that
// survives cancellation of ctx, so a unit in progress always completes.
// The claim is renewed before every unit; a task whose claim has lapsed
// while earlier units ran is skipped.
func (p *Processor) each(
	ctx context.Context,
	deps *Dependencies,
	r *CycleReport,
	tasks []*task.Task,
	fn func(ctx context.Context, t *task.Task),
) {
	for i, t := range tasks {
		if ctx.Err() != nil {
			r.Interrupted = true
			p.release(deps, tasks[i:])
			return
		}

		log := p.logger.With(
			"task_id", t.ID,
			"status", t.Status,
			"kind", t.Kind,
			"external_id", t.ExternalID,
			"drama", t.Metadata.DramaName,
			"episode", t.Metadata.EpisodeNumber,
			"entity", t.Metadata.EntityName,
		)
		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.UnitTimeout)
		uctx = logger.WithLogger(uctx, log)
		if p.renew(uctx, deps, t, r) {
			fn(uctx, t)
		}
		cancel()
	}
}

// renew extends the claim on t to a full lease so the unit about to start
// finishes before it can expire. It reports whether the unit may run.
func (p *Processor) renew(ctx context.Context, deps *Dependencies, t *task.Task, r *CycleReport) bool {
	err := deps.Tasks.Renew(ctx, t.ID, p.cfg.OwnerID, p.cfg.ClaimLease)
	switch {
	case err == nil:
		return true
	case errors.Is(err, store.ErrClaimLost), errors.Is(err, store.ErrNotFound):
		r.LeaseLost++
		p.metrics.leaseLost.Inc()
		logger.FromContextOrDefault(ctx, p.logger).Warn("claim expired before processing, skipping task",
			"claim_expires_at", t.ClaimExpiresAt, "error", err)
	default:
		p.fail(ctx, r, "renew", err)
	}
	return false
}

// release hands unprocessed claims back on shutdown.
func (p *Processor) release(deps *Dependencies, tasks []*task.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	for _, t := range tasks {
		if err := deps.Tasks.Touch(ctx, t.ID, p.cfg.OwnerID); err != nil && !errors.Is(err, store.ErrClaimLost) {
			p.logger.Warn("failed to release claim", "task_id", t.ID, "error", err)
		}
	}
	p.logger.Info("released unprocessed claims", "count", len(tasks))
}

func (p *Processor) submitPending(ctx context.Context, deps *Dependencies, r *CycleReport) {
	tasks, err := deps.Tasks.ClaimPendingBatch(ctx, p.claim(p.cfg.MaxPendingBatch))
	if err != nil {
		p.fail(ctx, r, "claim_pending", err)
		return
	}

	atCapacity := false
	p.each(ctx, deps, r, tasks, func(ctx context.Context, t *task.Task) {
		if atCapacity {
			r.Deferred++
			p.touch(ctx, deps, t, r)
			return
		}
		atCapacity = p.submit(ctx, deps, t, r)
	})
}

// submit hands one task to the generation service. It reports whether the
// service is at capacity, in which case the rest of the batch is deferred.
func (p *Processor) submit(ctx context.Context, deps *Dependencies, t *task.Task, r *CycleReport) bool {
	log := logger.FromContextOrDefault(ctx, p.logger)

	sub, err := deps.Generator.Submit(ctx, t.Prompt, generation.Policy{
		RespectCeiling: true,
		AspectRatio:    t.AspectRatio,
	})
	switch {
	case err == nil:
		if p.transition(ctx, deps, t, task.StatusSubmitted, task.Fields{ExternalID: sub.ExternalID}, r) {
			r.Submitted++
			log.Info("task submitted", "job_id", sub.ExternalID, "remote_status", sub.Status)
			return false
		}
		deps.Generator.Abandon(sub.ExternalID)
		log.Error("accepted job could not be recorded and will be resubmitted", "job_id", sub.ExternalID)

	case errors.Is(err, generation.ErrCeilingReached):
		r.Deferred++
		log.Info("generation service at capacity, deferring submission", "reason", redact.Error(err))
		p.touch(ctx, deps, t, r)
		return true

	case errors.Is(err, generation.ErrRejected):
		msg := redact.Message(err, redact.DefaultMaxLength)
		log.Warn("submission rejected", "error", msg)
		if p.transition(ctx, deps, t, task.StatusFailed, task.Fields{ErrorMessage: msg}, r) {
			r.Failed++
		}

	default:
		p.fail(ctx, r, "submit", err)
		p.touch(ctx, deps, t, r)
	}
	return false
}

func (p *Processor) reconcileActive(ctx context.Context, deps *Dependencies, r *CycleReport) {
	tasks, err := deps.Tasks.ClaimActiveBatch(ctx, p.claim(p.cfg.MaxActiveBatch))
	if err != nil {
		p.fail(ctx, r, "claim_active", err)
		return
	}

	cutoff := p.now().Add(-p.cfg.TaskTimeout)
	p.each(ctx, deps, r, tasks, func(ctx context.Context, t *task.Task) {
		if t.TimedOut(cutoff) {
			p.expire(ctx, deps, t, r)
			return
		}
		p.reconcile(ctx, deps, t, r)
	})
}

func (p *Processor) reconcile(ctx context.Context, deps *Dependencies, t *task.Task, r *CycleReport) {
	log := logger.FromContextOrDefault(ctx, p.logger)

	res, err := deps.Generator.Poll(ctx, t.ExternalID)
	if err != nil {
		p.fail(ctx, r, "poll", err)
		p.touch(ctx, deps, t, r)
		return
	}
	r.Polled++

	switch res.Status {
	case generation.RemoteQueued:
		p.transition(ctx, deps, t, task.StatusQueued, task.Fields{}, r)
	case generation.RemoteRunning:
		p.transition(ctx, deps, t, task.StatusRunning, task.Fields{}, r)
	case generation.RemoteSuccess:
		if res.ResultLocation == "" {
			log.Warn("generation succeeded without an output")
			if p.transition(ctx, deps, t, task.StatusFailed,
				task.Fields{ErrorMessage: "generation service reported success without an output"}, r) {
				r.Failed++
			}
			return
		}
		p.finalize(ctx, deps, t, res.ResultLocation, r)
	case generation.RemoteFail, generation.RemoteCancel:
		msg := res.Error
		if msg == "" {
			msg = "generation service reported " + string(res.Status)
		}
		msg = redact.Message(errors.New(msg), redact.DefaultMaxLength)
		log.Warn("generation failed", "remote_status", res.Status, "error", msg)
		if p.transition(ctx, deps, t, task.StatusFailed, task.Fields{ErrorMessage: msg}, r) {
			r.Failed++
		}
	default:
		log.Warn("unrecognized remote status, polling again next cycle", "remote_status", res.Status)
		p.touch(ctx, deps, t, r)
	}
}

// finalize stores the artifact and only then marks the task SUCCESS, so a
// SUCCESS row always has a resolvable result reference.
func (p *Processor) finalize(ctx context.Context, deps *Dependencies, t *task.Task, location string, r *CycleReport) {
	log := logger.FromContextOrDefault(ctx, p.logger)

	art, err := deps.Generator.Download(ctx, location)
	if err != nil {
		p.holdRunning(ctx, deps, t, "download", err, r)
		return
	}

	key := artifact.KeyFor(p.cfg.KeyPrefix, t, artifact.ExtensionFor(art.ContentType))
	ref, err := deps.Artifacts.Put(ctx, artifact.Object{Key: key, Body: art.Body, ContentType: art.ContentType})
	if err != nil {
		p.holdRunning(ctx, deps, t, "upload", err, r)
		return
	}

	if p.transition(ctx, deps, t, task.StatusSuccess, task.Fields{ResultRef: ref.Key, ResultURL: ref.URL}, r) {
		r.Succeeded++
		log.Info("task succeeded", "result_ref", ref.Key, "bytes", len(art.Body))
	}
}

// holdRunning records an artifact failure and leaves the task RUNNING so
// the next cycle polls and finalizes it again.
func (p *Processor) holdRunning(ctx context.Context, deps *Dependencies, t *task.Task, op string, err error, r *CycleReport) {
	p.fail(ctx, r, op, err)
	p.transition(ctx, deps, t, task.StatusRunning, task.Fields{}, r)
}

func (p *Processor) expireTimedOut(ctx context.Context, deps *Dependencies, r *CycleReport) {
	cutoff := p.now().Add(-p.cfg.TaskTimeout)
	tasks, err := deps.Tasks.ClaimTimedOutBatch(ctx, p.claim(p.cfg.MaxActiveBatch), cutoff)
	if err != nil {
		p.fail(ctx, r, "claim_timed_out", err)
		return
	}
	p.each(ctx, deps, r, tasks, func(ctx context.Context, t *task.Task) {
		p.expire(ctx, deps, t, r)
	})
}

func (p *Processor) expire(ctx context.Context, deps *Dependencies, t *task.Task, r *CycleReport) {
	deps.Generator.Abandon(t.ExternalID)

	msg := fmt.Sprintf("no result within %s of submission", p.cfg.TaskTimeout)
	if p.transition(ctx, deps, t, task.StatusTimeout, task.Fields{ErrorMessage: msg}, r) {
		r.TimedOut++
		logger.FromContextOrDefault(ctx, p.logger).Warn("task timed out", "submitted_at", t.SubmittedAt)
	}
}

func (p *Processor) retryFailed(ctx context.Context, deps *Dependencies, r *CycleReport) {
	tasks, err := deps.Tasks.ClaimRetryableBatch(ctx, p.claim(p.cfg.MaxPendingBatch))
	if err != nil {
		p.fail(ctx, r, "claim_retryable", err)
		return
	}
	p.each(ctx, deps, r, tasks, func(ctx context.Context, t *task.Task) {
		if p.transition(ctx, deps, t, task.StatusPending, task.Fields{}, r) {
			r.Retried++
			logger.FromContextOrDefault(ctx, p.logger).Info("task queued for retry",
				"attempt", t.RetryCount+1,
				"max_retries", t.MaxRetries,
				"last_error", t.ErrorMessage)
		}
	})
}

// transition writes a status change and reports whether it was applied.
// Lifecycle violations are logged and skipped; they never count as
// infrastructure errors.
func (p *Processor) transition(
	ctx context.Context,
	deps *Dependencies,
	t *task.Task,
	to task.Status,
	f task.Fields,
	r *CycleReport,
) bool {
	log := logger.FromContextOrDefault(ctx, p.logger)

	err := deps.Tasks.Transition(ctx, t.ID, p.cfg.OwnerID, to, f)
	switch {
	case err == nil:
		p.metrics.transitions.WithLabelValues(string(t.Status), string(to)).Inc()
		if to.IsTerminal() {
			p.emit(ctx, t, to, f)
		}
		return true
	case task.IsInvariantViolation(err):
		r.Skipped++
		log.Error("illegal transition skipped", "from", t.Status, "to", to, "error", err)
		p.touch(ctx, deps, t, r)
	case errors.Is(err, store.ErrClaimLost), errors.Is(err, store.ErrNotFound):
		log.Warn("task changed hands before transition", "to", to, "error", err)
	default:
		p.fail(ctx, r, "transition", err)
	}
	return false
}

// touch records a poll without a status change and releases the claim.
func (p *Processor) touch(ctx context.Context, deps *Dependencies, t *task.Task, r *CycleReport) {
	err := deps.Tasks.Touch(ctx, t.ID, p.cfg.OwnerID)
	if err == nil || errors.Is(err, store.ErrClaimLost) || errors.Is(err, store.ErrNotFound) {
		return
	}
	p.fail(ctx, r, "touch", err)
}

func (p *Processor) emit(ctx context.Context, t *task.Task, to task.Status, f task.Fields) {
	if p.emitter == nil {
		return
	}

	now := p.now()
	outcome := *t
	if err := outcome.Apply(to, f, now); err != nil {
		return
	}
	event := events.NewTaskEvent(&outcome, now)
	if event == nil {
		return
	}
	if err := p.emitter.EmitEvent(ctx, event); err != nil {
		logger.FromContextOrDefault(ctx, p.logger).Warn("failed to emit task event",
			"event_type", event.Type,
			"error", err)
	}
}

// fail records an infrastructure error against the cycle.
func (p *Processor) fail(ctx context.Context, r *CycleReport, op string, err error) {
	r.Errors++
	p.metrics.adapterErrors.WithLabelValues(op).Inc()
	logger.FromContextOrDefault(ctx, p.logger).Error("operation failed",
		"operation", op,
		"transient", generation.IsTransient(err),
		"error", redact.Error(err))
}
