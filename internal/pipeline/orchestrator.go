// Package pipeline drives one inbound message through dedupe, preparation,
// and the retrying respond/deliver attempt loop. All concurrency control
// lives in the task store's conditional transitions; the orchestrator holds
// no locks and treats a lost race as a normal outcome.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/mailpilot/internal/identity"
	otelx "github.com/basket/mailpilot/internal/otel"
	"github.com/basket/mailpilot/internal/shared"
	"github.com/basket/mailpilot/internal/taskstore"
)

// DefaultBackoff is the fixed delay between failed attempts.
const DefaultBackoff = 5 * time.Second

// SleepFunc blocks for d or until ctx is done. Injectable so tests run the
// attempt loop without real sleeps.
type SleepFunc func(ctx context.Context, d time.Duration) error

func defaultSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Options configures optional orchestrator collaborators and tuning.
type Options struct {
	Recorder Recorder
	Model    string
	// OutboundFrom is the verified sender identity replies go out under.
	// It is never the inbound sender's address.
	OutboundFrom string
	Backoff      time.Duration
	Sleep        SleepFunc
	Logger       *slog.Logger
	Tracer       trace.Tracer
	Metrics      *otelx.Metrics
}

type Orchestrator struct {
	store        *taskstore.Store
	preparer     Preparer
	responder    Responder
	sender       Sender
	recorder     Recorder
	model        string
	outboundFrom string
	backoff      time.Duration
	sleep        SleepFunc
	log          *slog.Logger
	tracer       trace.Tracer
	metrics      *otelx.Metrics
}

func New(store *taskstore.Store, preparer Preparer, responder Responder, sender Sender, opts Options) *Orchestrator {
	o := &Orchestrator{
		store:        store,
		preparer:     preparer,
		responder:    responder,
		sender:       sender,
		recorder:     opts.Recorder,
		model:        opts.Model,
		outboundFrom: opts.OutboundFrom,
		backoff:      opts.Backoff,
		sleep:        opts.Sleep,
		log:          opts.Logger,
		tracer:       opts.Tracer,
		metrics:      opts.Metrics,
	}
	if o.backoff <= 0 {
		o.backoff = DefaultBackoff
	}
	if o.sleep == nil {
		o.sleep = defaultSleep
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	if o.tracer == nil {
		o.tracer = nooptrace.NewTracerProvider().Tracer(otelx.TracerName)
	}
	return o
}

// ProcessIncoming is the single entry point surrounding systems invoke: it
// takes raw message bytes and a retry budget and returns the terminal result
// of the invocation. Safe to call concurrently for the same or different
// messages.
func (o *Orchestrator) ProcessIncoming(ctx context.Context, raw []byte, maxRetries int) Result {
	start := time.Now()
	id := identity.Resolve(raw)

	ctx = shared.WithTaskID(ctx, id.TaskID)
	if shared.TraceID(ctx) == "-" {
		ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	}
	log := o.log.With(shared.LogAttrs(ctx)...)

	ctx, span := otelx.StartSpan(ctx, o.tracer, "pipeline.process",
		otelx.AttrTaskID.String(id.TaskID),
		otelx.AttrFingerprint.String(id.Fingerprint),
	)
	defer span.End()

	result := o.process(ctx, log, raw, id, maxRetries)

	if o.metrics != nil {
		o.metrics.PipelineDuration.Record(ctx, time.Since(start).Seconds())
	}
	if result.Success() {
		log.Info("task completed", "attempts", result.Attempts, "workspace_ref", result.WorkspaceRef)
	} else {
		span.SetAttributes(otelx.AttrFailureKind.String(string(result.Failure.Kind)))
		log.Warn("task not completed",
			"kind", string(result.Failure.Kind),
			"error", result.Failure.Message,
			"attempts", result.Attempts)
	}
	return result
}

func (o *Orchestrator) process(ctx context.Context, log *slog.Logger, raw []byte, id identity.Identity, maxRetries int) Result {
	// Dedupe check: a record in any non-pending state short-circuits the
	// invocation with no side effects.
	existing, err := o.store.Get(ctx, id.TaskID)
	if err != nil {
		return Result{TaskID: id.TaskID, Failure: failure(FailureStoreUnavailable, err.Error())}
	}
	if existing != nil {
		switch existing.Status {
		case taskstore.StatusCompleted:
			if o.metrics != nil {
				o.metrics.DuplicateDrops.Add(ctx, 1)
			}
			return Result{TaskID: id.TaskID, Failure: failure(FailureDuplicate, "message already processed")}
		case taskstore.StatusProcessing:
			return Result{TaskID: id.TaskID, Failure: failure(FailureAlreadyProcessing, "a prior delivery of this message is still in flight")}
		case taskstore.StatusFailed:
			return Result{TaskID: id.TaskID, Failure: failure(FailureFailedPreviously, "retries exhausted; reset the task to process again")}
		}
	}

	// Prepare before any record exists: a preparation failure must leave the
	// store untouched so resubmitting the same bytes starts clean.
	ws, err := o.preparer.Prepare(ctx, raw)
	if err != nil {
		return Result{TaskID: id.TaskID, Failure: failure(FailurePreparation, err.Error())}
	}

	budget := maxRetries
	if existing == nil {
		outcome, err := o.store.Create(ctx, taskstore.TaskRecord{
			TaskID:             id.TaskID,
			ContentFingerprint: id.Fingerprint,
			FromAddress:        ws.FromAddress,
			ToAddresses:        ws.ToAddresses,
			Subject:            ws.Subject,
			References:         ws.References,
			MaxRetries:         maxRetries,
		})
		if err != nil {
			return Result{TaskID: id.TaskID, WorkspaceRef: ws.Ref, Failure: failure(FailureStoreUnavailable, err.Error())}
		}
		if outcome == taskstore.CreateOutcomeCreated {
			log.Info("task created", "from", ws.FromAddress, "subject", ws.Subject, "max_retries", maxRetries)
			if o.recorder != nil {
				o.recorder.RecordInbound(ctx, MailMetadata{
					MessageID:   ws.MessageID,
					TaskID:      id.TaskID,
					FromAddress: ws.FromAddress,
					ToAddresses: ws.ToAddresses,
					Subject:     ws.Subject,
				})
			}
		} else {
			// Lost a creation race; the winner's budget governs.
			rec, err := o.store.Get(ctx, id.TaskID)
			if err != nil {
				return Result{TaskID: id.TaskID, WorkspaceRef: ws.Ref, Failure: failure(FailureStoreUnavailable, err.Error())}
			}
			if rec != nil {
				budget = rec.MaxRetries
			}
		}
	} else {
		budget = existing.MaxRetries
	}

	return o.attemptLoop(ctx, log, id, ws, budget)
}

func (o *Orchestrator) attemptLoop(ctx context.Context, log *slog.Logger, id identity.Identity, ws *Workspace, maxRetries int) Result {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		// Re-validate pending on every iteration: the loop has no memory of
		// legality beyond what the store confirms.
		tr, err := o.store.MarkProcessing(ctx, id.TaskID)
		if err != nil {
			return Result{TaskID: id.TaskID, WorkspaceRef: ws.Ref, Attempts: attempt, Failure: failure(FailureStoreUnavailable, err.Error())}
		}
		if !tr.Applied {
			// Attempts counts the attempt just started, even though it never
			// ran; callers deciding resubmission treat the rejection itself
			// as the attempt.
			return Result{
				TaskID:       id.TaskID,
				WorkspaceRef: ws.Ref,
				Attempts:     attempt + 1,
				Failure:      failure(FailureTaskNotPending, fmt.Sprintf("task not pending (%s)", tr.Reason)),
			}
		}
		if o.metrics != nil {
			o.metrics.PipelineAttempts.Add(ctx, 1, metric.WithAttributes(otelx.AttrAttempt.Int(attempt+1)))
		}

		kind, attemptErr := o.runAttempt(ctx, log, id, ws)
		action := NextAttemptAction(attempt, maxRetries, attemptErr != nil)
		if action == ActionTerminateSuccess {
			return Result{TaskID: id.TaskID, WorkspaceRef: ws.Ref, ReplySent: true, Attempts: attempt + 1}
		}
		if kind == FailureStoreUnavailable {
			// Fatal to the invocation; there is no store to record against.
			return Result{TaskID: id.TaskID, WorkspaceRef: ws.Ref, Attempts: attempt + 1, Failure: failure(kind, attemptErr.Error())}
		}

		// Record the failure before deciding retry-vs-terminal, so the error
		// history is authoritative even if this process dies right after.
		if _, err := o.store.MarkFailed(ctx, id.TaskID, attemptErr.Error()); err != nil {
			return Result{TaskID: id.TaskID, WorkspaceRef: ws.Ref, Attempts: attempt + 1, Failure: failure(FailureStoreUnavailable, err.Error())}
		}
		log.Warn("attempt failed", "attempt", attempt+1, "kind", string(kind), "error", attemptErr.Error())

		if action == ActionRetryAfterDelay {
			if err := o.sleep(ctx, o.backoff); err != nil {
				return Result{TaskID: id.TaskID, WorkspaceRef: ws.Ref, Attempts: attempt + 1, Failure: failure(kind, attemptErr.Error())}
			}
			continue
		}

		if o.metrics != nil {
			o.metrics.TasksExhausted.Add(ctx, 1)
		}
		return Result{TaskID: id.TaskID, WorkspaceRef: ws.Ref, Attempts: attempt + 1, Failure: failure(kind, attemptErr.Error())}
	}
	// Unreachable: every loop iteration returns or continues within budget.
	return Result{TaskID: id.TaskID, WorkspaceRef: ws.Ref, Failure: failure(FailureTaskNotPending, "attempt loop exhausted without terminal state")}
}

// runAttempt performs one respond+deliver pass and completes the task on
// success. The returned kind classifies the failure for the caller's result.
func (o *Orchestrator) runAttempt(ctx context.Context, log *slog.Logger, id identity.Identity, ws *Workspace) (FailureKind, error) {
	respStart := time.Now()
	reply, err := o.responder.Respond(ctx, ws.Ref, o.model)
	if o.metrics != nil {
		o.metrics.ResponderDuration.Record(ctx, time.Since(respStart).Seconds())
	}
	if err != nil {
		return FailureResponder, fmt.Errorf("responder: %w", err)
	}

	recipient, err := ResolveRecipient(ws.ReplyTo, ws.FromAddress)
	if err != nil {
		return FailureResolution, err
	}

	msg := OutboundMessage{
		FromAddress:    o.outboundFrom,
		ToAddresses:    []string{recipient},
		Subject:        NormalizeSubject(ws.Subject),
		ReplyRef:       reply.Ref,
		AttachmentsRef: reply.AttachmentsRef,
		InReplyTo:      ws.MessageID,
		References:     BuildReferences(ws.References, ws.MessageID),
	}

	sendStart := time.Now()
	deliveredID, err := o.sender.Deliver(ctx, msg)
	if o.metrics != nil {
		o.metrics.DeliveryDuration.Record(ctx, time.Since(sendStart).Seconds())
	}
	if err != nil {
		if o.metrics != nil {
			o.metrics.DeliveryErrors.Add(ctx, 1)
		}
		return FailureDelivery, fmt.Errorf("delivery: %w", err)
	}

	if _, err := o.store.MarkCompleted(ctx, id.TaskID, deliveredID, ws.Ref); err != nil {
		// The reply went out but the store is down; surface the store error
		// rather than pretending the task is resumable.
		return FailureStoreUnavailable, err
	}
	if o.recorder != nil {
		o.recorder.RecordOutbound(ctx, MailMetadata{
			MessageID:   deliveredID,
			TaskID:      id.TaskID,
			FromAddress: o.outboundFrom,
			ToAddresses: msg.ToAddresses,
			Subject:     msg.Subject,
		})
	}
	log.Info("reply delivered", "reply_id", deliveredID, "recipient", recipient)
	return "", nil
}
