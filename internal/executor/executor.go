// Package executor runs claimed jobs: main-session jobs become durable
// system events, isolated jobs become agent turns whose output is posted back
// to the main session and optionally delivered to a chat surface. Exactly one
// run record is appended per invocation, whatever happens in between.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/adjutant-ai/adjutant/internal/agent"
	"github.com/adjutant-ai/adjutant/internal/bus"
	"github.com/adjutant-ai/adjutant/internal/clock"
	"github.com/adjutant-ai/adjutant/internal/cron"
	"github.com/adjutant-ai/adjutant/internal/delivery"
	"github.com/adjutant-ai/adjutant/internal/scheduler"
	"github.com/adjutant-ai/adjutant/internal/tracing"
)

// Defaults are the agent-level fallbacks under per-job overrides.
type Defaults struct {
	Model    string
	Thinking string

	// AgentTimeout caps the agent call when the job sets no timeoutSeconds.
	AgentTimeout time.Duration

	// RunTimeout caps the whole invocation including delivery.
	RunTimeout time.Duration
}

func (d *Defaults) fill() {
	if d.AgentTimeout <= 0 {
		d.AgentTimeout = 10 * time.Minute
	}
	if d.RunTimeout <= 0 {
		d.RunTimeout = 15 * time.Minute
	}
}

// Executor wires the run pipeline together.
type Executor struct {
	store    cron.Store
	runner   agent.Runner
	router   *delivery.Router
	events   *bus.SystemEventQueue
	disp     *scheduler.Dispatcher
	clk      clock.Clock
	defaults Defaults

	// wake signals the heartbeat/agent loop that a wake_mode=now event wants
	// immediate attention. Optional.
	wake func()

	tracer *tracing.Collector // optional; nil disables span emission
}

// SetTracer attaches a span collector; each completed run emits one span.
func (x *Executor) SetTracer(tr *tracing.Collector) { x.tracer = tr }

// New builds an executor. wake may be nil.
func New(store cron.Store, runner agent.Runner, router *delivery.Router,
	events *bus.SystemEventQueue, disp *scheduler.Dispatcher, clk clock.Clock,
	defaults Defaults, wake func()) *Executor {

	defaults.fill()
	if wake == nil {
		wake = func() {}
	}
	return &Executor{
		store:    store,
		runner:   runner,
		router:   router,
		events:   events,
		disp:     disp,
		clk:      clk,
		defaults: defaults,
		wake:     wake,
	}
}

// Dispatch is the engine's hand-off point: it admits the run into the lane
// dispatcher keyed by the job's session and returns immediately. An admission
// reject is itself a recorded run; scheduled work never fails silently.
func (x *Executor) Dispatch(job *cron.Job, rec *cron.RunRecord) {
	lane, key := x.laneFor(job)

	err := x.disp.Submit(lane, key, func(ctx context.Context) {
		x.Run(ctx, job, rec)
	})
	if err != nil {
		kind := cron.ErrKindInternal
		outcome := cron.OutcomeFailed
		if errors.Is(err, scheduler.ErrLaneQueueFull) {
			// The run never started; skipped, not failed.
			kind = cron.ErrKindLaneQueueFull
			outcome = cron.OutcomeSkipped
		}
		slog.Warn("executor: dispatch rejected",
			"job", job.ID, "run", rec.RunID, "lane", lane, "error", err)
		rec.Outcome = outcome
		rec.ErrorKind = kind
		rec.ErrorDetail = err.Error()
		x.complete(job, rec)
	}
}

func (x *Executor) laneFor(job *cron.Job) (lane, key string) {
	if job.IsIsolated() {
		return scheduler.LaneCron, agent.CronLaneKey(job.AgentID, job.ID)
	}
	return scheduler.LaneMain, agent.MainSessionKey(job.AgentID)
}

// Run executes one claimed job synchronously. Panics are contained: the run
// is recorded as internal and the engine stays up.
func (x *Executor) Run(ctx context.Context, job *cron.Job, rec *cron.RunRecord) {
	started := x.clk.NowMS()
	rec.StartedAtMS = &started

	ctx, cancel := context.WithTimeout(ctx, x.defaults.RunTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("executor: run panicked", "job", job.ID, "run", rec.RunID, "panic", r)
			rec.Outcome = cron.OutcomeFailed
			rec.ErrorKind = cron.ErrKindInternal
			rec.ErrorDetail = fmt.Sprintf("panic: %v", r)
		}
		x.complete(job, rec)
	}()

	if job.IsIsolated() {
		x.runIsolated(ctx, job, rec)
	} else {
		x.runMain(job, rec)
	}
}

// runMain enqueues the job's text as a durable system event. The run is ok
// once the event is on disk; the agent turn itself belongs to the heartbeat
// (or, for wake_mode=now, to the wake signal).
func (x *Executor) runMain(job *cron.Job, rec *cron.RunRecord) {
	err := x.events.Enqueue(bus.SystemEvent{
		SessionKey: agent.MainSessionKey(job.AgentID),
		Text:       job.Payload.Text,
		JobID:      job.ID,
		RunID:      rec.RunID,
	})
	if err != nil {
		rec.Outcome = cron.OutcomeFailed
		rec.ErrorKind = cron.ErrKindStorage
		rec.ErrorDetail = err.Error()
		return
	}

	rec.Outcome = cron.OutcomeOK
	rec.Summary = job.Payload.Text
	if job.WakeMode == cron.WakeModeNow {
		x.wake()
	}
}

// runIsolated performs the agent turn, posts the result back to the main
// session, then delivers if the payload asks for it.
func (x *Executor) runIsolated(ctx context.Context, job *cron.Job, rec *cron.RunRecord) {
	if ctx.Err() != nil {
		x.markCancelled(rec, ctx.Err())
		return
	}

	result, runErr := x.callAgent(ctx, job, rec)
	if runErr != nil {
		rec.Outcome = cron.OutcomeFailed
		rec.ErrorDetail = runErr.Error()
		switch {
		case errors.Is(runErr, context.Canceled):
			rec.Outcome = cron.OutcomeCancelled
			rec.ErrorKind = cron.ErrKindCancelled
		case agent.IsTimeout(runErr):
			rec.ErrorKind = cron.ErrKindAgentTimeout
		default:
			rec.ErrorKind = cron.ErrKindAgentError
		}
		// The user still learns the job ran; post the error summary.
		x.postToMain(job, rec, fmt.Sprintf("run failed: %s", runErr))
		return
	}

	if result.Usage != nil {
		rec.Usage = &cron.Usage{
			InputTokens:  result.Usage.InputTokens,
			OutputTokens: result.Usage.OutputTokens,
		}
	}
	rec.Summary = summarize(result.Text)

	x.postToMain(job, rec, result.Text)

	if ctx.Err() != nil {
		// Cancelled after the agent call: output already posted to main is
		// not retracted, but nothing further is sent.
		x.markCancelled(rec, ctx.Err())
		return
	}

	rec.Outcome = cron.OutcomeOK
	if job.Payload.WantsDelivery() {
		x.deliver(ctx, job, rec, result.Text)
	}
}

// callAgent applies override resolution and the retry-once-transient rule.
func (x *Executor) callAgent(ctx context.Context, job *cron.Job, rec *cron.RunRecord) (*agent.RunResult, error) {
	req := agent.RunRequest{
		SessionID: agent.CronRunSessionID(job.AgentID, job.ID, rec.RunID),
		Prompt:    fmt.Sprintf("[cron:%s %s] %s", job.ID, job.Name, job.Payload.Message),
		Model:     job.Payload.Model,
		Thinking:  job.Payload.Thinking,
		Timeout:   x.defaults.AgentTimeout,
	}
	if req.Model == "" {
		req.Model = x.defaults.Model
	}
	if req.Thinking == "" {
		req.Thinking = x.defaults.Thinking
	}
	if job.Payload.TimeoutSeconds > 0 {
		req.Timeout = time.Duration(job.Payload.TimeoutSeconds) * time.Second
	}

	callCtx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	result, err := x.runner.Run(callCtx, req)
	if err == nil {
		return result, nil
	}
	if !agent.IsRetryable(err) || ctx.Err() != nil {
		return nil, err
	}

	slog.Warn("executor: transient agent failure, retrying once",
		"job", job.ID, "run", rec.RunID, "error", err)

	retryCtx, cancel2 := context.WithTimeout(ctx, req.Timeout)
	defer cancel2()
	return x.runner.Run(retryCtx, req)
}

// postToMain appends the isolated run's outcome to the main session as a
// system event, honouring the job's isolation settings.
func (x *Executor) postToMain(job *cron.Job, rec *cron.RunRecord, text string) {
	iso := job.Isolation
	body := summarize(text)
	if iso.FullMode() {
		body = truncateHead(text, iso.MaxChars())
	}

	err := x.events.Enqueue(bus.SystemEvent{
		SessionKey: agent.MainSessionKey(job.AgentID),
		Text:       fmt.Sprintf("[%s %s] %s", iso.Prefix(), job.Name, body),
		JobID:      job.ID,
		RunID:      rec.RunID,
	})
	if err != nil {
		// Post-to-main is informational; losing it does not change the
		// run's outcome.
		slog.Warn("executor: post-to-main failed", "job", job.ID, "run", rec.RunID, "error", err)
	}
}

// deliver routes the output to a chat surface and records the result.
func (x *Executor) deliver(ctx context.Context, job *cron.Job, rec *cron.RunRecord, text string) {
	sessionKey := agent.MainSessionKey(job.AgentID)

	res := x.router.Send(ctx, &delivery.Request{
		SessionKey: sessionKey,
		Channel:    job.Payload.Channel,
		To:         job.Payload.To,
		Deliver:    job.Payload.Deliver,
		Text:       text,
		Meta: delivery.Metadata{
			JobID:   job.ID,
			RunID:   rec.RunID,
			JobName: job.Name,
		},
	})

	rec.Delivery = &cron.DeliveryRecord{
		Channel: res.Channel,
		To:      res.Target,
		Status:  res.Status,
	}
	if res.Err == nil {
		return
	}

	rec.Delivery.Error = res.Err.Error()
	if job.Payload.BestEffortDeliver {
		slog.Warn("executor: best-effort delivery failed",
			"job", job.ID, "run", rec.RunID, "error", res.Err)
		return
	}
	rec.Outcome = cron.OutcomeFailed
	rec.ErrorKind = cron.ErrKindDeliveryError
	rec.ErrorDetail = res.Err.Error()
}

func (x *Executor) markCancelled(rec *cron.RunRecord, err error) {
	rec.Outcome = cron.OutcomeCancelled
	rec.ErrorKind = cron.ErrKindCancelled
	if err != nil {
		rec.ErrorDetail = err.Error()
	}
}

// complete finalises the run record, appends it to history, updates the
// job's last-run state, and removes delete-after-run jobs that succeeded.
func (x *Executor) complete(job *cron.Job, rec *cron.RunRecord) {
	finished := x.clk.NowMS()
	rec.FinishedAtMS = &finished
	if rec.Outcome == "" {
		rec.Outcome = cron.OutcomeFailed
		rec.ErrorKind = cron.ErrKindInternal
	}

	if err := x.store.AppendRun(rec); err != nil {
		slog.Error("executor: run record append failed", "job", job.ID, "run", rec.RunID, "error", err)
	}
	if err := x.store.RecordResult(job.ID, finished, rec.Outcome, rec.ErrorDetail); err != nil {
		slog.Error("executor: result update failed", "job", job.ID, "error", err)
	}

	if job.DeleteAfterRun && rec.Outcome == cron.OutcomeOK {
		if err := x.store.Remove(job.ID); err != nil {
			slog.Error("executor: delete-after-run failed", "job", job.ID, "error", err)
		} else {
			slog.Info("executor: one-shot removed after successful run", "job", job.ID)
		}
	}

	x.emitRunSpan(job, rec)

	slog.Info("executor: run finished",
		"job", job.ID, "run", rec.RunID, "outcome", rec.Outcome, "errorKind", rec.ErrorKind)
}

func (x *Executor) emitRunSpan(job *cron.Job, rec *cron.RunRecord) {
	if x.tracer == nil {
		return
	}
	span := tracing.SpanData{
		TraceID:       tracing.NewTraceID(),
		Name:          "cron.run " + job.Name,
		SpanType:      tracing.SpanRun,
		JobID:         job.ID,
		RunID:         rec.RunID,
		AgentID:       job.AgentID,
		Status:        "ok",
		OutputPreview: rec.Summary,
		StartTime:     time.UnixMilli(rec.TriggeredAtMS),
	}
	if rec.StartedAtMS != nil {
		span.StartTime = time.UnixMilli(*rec.StartedAtMS)
	}
	if rec.FinishedAtMS != nil {
		span.EndTime = time.UnixMilli(*rec.FinishedAtMS)
	}
	if rec.Usage != nil {
		span.InputTokens = rec.Usage.InputTokens
		span.OutputTokens = rec.Usage.OutputTokens
	}
	if rec.Outcome != cron.OutcomeOK {
		span.Status = "error"
		span.Error = rec.ErrorKind
		if rec.ErrorDetail != "" {
			span.Error = rec.ErrorKind + ": " + rec.ErrorDetail
		}
	}
	x.tracer.EmitSpan(span)
}
