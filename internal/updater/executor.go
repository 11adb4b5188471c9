package updater

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/RealZimboGuy/updateflow/pkg/updateflow/core"
	"github.com/RealZimboGuy/updateflow/pkg/updateflow/domain"
)

const instrumentationName = "github.com/RealZimboGuy/updateflow/updater"

// StepLogRepo persists the audit trail of step executions.
type StepLogRepo interface {
	Save(l *domain.StepLog) (int64, error)
}

// Request is one client call naming a step.
type Request struct {
	Workflow string
	Step     string
	Token    string
	Params   json.RawMessage
	User     *domain.User
}

type ResponseOption struct {
	Label      string
	NextStep   Step
	StateToken string
	URL        string
}

// Response is the encoded outcome of one step.
type Response struct {
	Workflow        string
	Step            Step
	Entry           bool // Step started the run
	RunID           string
	NextStep        Step
	StatusMessage   string
	StateToken      string
	Finished        bool
	ReturnURL       string
	Error           string
	ErrorDetails    string
	Severity        Severity
	RecoveryOptions []ResponseOption
}

// Executor verifies a request, runs the named step and re-encodes the outcome.
type Executor struct {
	registry   *Registry
	codec      *Codec
	lock       MaintenanceLock
	logs       StepLogRepo
	clock      core.Clock
	supportURL string

	tracer     trace.Tracer
	executions metric.Int64Counter
	duration   metric.Float64Histogram
}

func NewExecutor(registry *Registry, codec *Codec, lock MaintenanceLock, logs StepLogRepo, clock core.Clock, supportURL string) *Executor {
	if clock == nil {
		clock = core.NewRealClock()
	}
	meter := otel.Meter(instrumentationName)
	executions, _ := meter.Int64Counter(
		"updateflow.step.executions",
		metric.WithDescription("Number of executed workflow steps"),
		metric.WithUnit("{execution}"),
	)
	duration, _ := meter.Float64Histogram(
		"updateflow.step.duration",
		metric.WithDescription("Duration of workflow steps in seconds"),
		metric.WithUnit("s"),
	)
	return &Executor{
		registry:   registry,
		codec:      codec,
		lock:       lock,
		logs:       logs,
		clock:      clock,
		supportURL: supportURL,
		tracer:     otel.Tracer(instrumentationName),
		executions: executions,
		duration:   duration,
	}
}

func (e *Executor) Registry() *Registry { return e.registry }

// Execute runs one step. A returned error is a rejected request (see
// HTTPStatus); every step outcome, failures included, is a Response.
func (e *Executor) Execute(ctx context.Context, req Request) (*Response, error) {
	start := e.clock.Now()
	def, err := e.registry.Lookup(req.Workflow, Step(req.Step))
	if err != nil {
		e.rejected(ctx, req, "", err)
		return nil, err
	}
	if !req.User.HasPermission(def.Permission) {
		err := Reject(codeFor(ErrForbidden), ErrForbidden)
		e.rejected(ctx, req, "", err)
		return nil, err
	}
	env, err := e.open(req, def)
	if err != nil {
		e.rejected(ctx, req, "", err)
		return nil, err
	}
	runID := env.RunID

	ctx, span := e.tracer.Start(ctx, "updateflow.step",
		trace.WithAttributes(
			attribute.String("updateflow.workflow", req.Workflow),
			attribute.String("updateflow.step", string(def.Step)),
			attribute.String("updateflow.run_id", runID),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	ctx = context.WithValue(ctx, core.CtxKeyRunID, runID)
	logger := slog.Default().With("workflow", req.Workflow, "step", def.Step, "run_id", runID)
	sc := &StepContext{
		ctx:      ctx,
		Workflow: req.Workflow,
		Step:     def.Step,
		RunID:    runID,
		State:    env.Data,
		User:     req.User,
		Logger:   logger,
		params:   req.Params,
		kind:     def.Kind,
		seq:      env.Seq,
		lock:     e.lock,
		clock:    e.clock,
	}
	fail := func(err error) (*Response, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	logger.InfoContext(ctx, "Executing step", "kind", def.Kind.String())
	// a rejected request leaves the client with its old tokens only, so the
	// lock moves back to the sequence they were issued at
	rewind := func() {}
	var result Result
	switch def.Kind {
	case KindNormal:
		from, next, err := e.advance(ctx, runID)
		if err != nil {
			if !errors.Is(err, ErrLockLost) {
				return fail(fmt.Errorf("renew maintenance mode: %w", err))
			}
			logger.WarnContext(ctx, "Run no longer holds maintenance mode")
			result = e.lockLost()
			break
		}
		sc.seq = seqOf(next)
		rewind = func() { e.rewind(ctx, logger, next, from) }
	case KindFinish:
		holder := holderOf(runID, env.Seq)
		status, err := e.lock.Status(ctx)
		if err != nil {
			return fail(fmt.Errorf("read maintenance mode: %w", err))
		}
		if status.Locked && status.Holder != holder {
			if status.Run() == runID {
				err := Reject(codeFor(ErrStaleToken), ErrStaleToken)
				e.rejected(ctx, req, runID, err)
				return fail(err)
			}
			logger.WarnContext(ctx, "Run no longer holds maintenance mode", "holder", status.Run())
			result = e.lockLost()
			break
		}
		defer e.release(ctx, logger, holder)
	}
	if result.kind == 0 {
		result, err = e.run(def, sc)
		if err != nil {
			rewind()
			e.rejected(ctx, req, runID, err)
			return fail(err)
		}
	}

	result = e.validate(sc, result)
	resp, err := e.respond(sc, result)
	if err != nil {
		rewind()
		return fail(err)
	}
	resp.Entry = def.Kind == KindEntry

	e.record(sc, resp)
	outcome := outcomeOf(resp)
	if resp.Error != "" {
		span.SetStatus(codes.Error, resp.Error)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	attrs := metric.WithAttributes(
		attribute.String("workflow", req.Workflow),
		attribute.String("step", string(def.Step)),
		attribute.String("outcome", outcome),
	)
	e.executions.Add(ctx, 1, attrs)
	e.duration.Record(ctx, e.clock.Since(start).Seconds(), attrs)
	return resp, nil
}

// open verifies the token and binds it to the requested step.
func (e *Executor) open(req Request, def StepDef) (Envelope, error) {
	if req.Token == "" {
		if def.Kind != KindEntry {
			return Envelope{}, Reject(codeFor(ErrMissingToken), ErrMissingToken)
		}
		return Envelope{RunID: uuid.NewString(), Data: State{}}, nil
	}
	env, err := e.codec.Decode(req.Token)
	if err != nil {
		return Envelope{}, Reject(codeFor(err), err)
	}
	if env.Workflow != req.Workflow || env.Step != def.Step {
		return Envelope{}, Reject(codeFor(ErrStepMismatch),
			fmt.Errorf("%w: issued for %s/%s", ErrStepMismatch, env.Workflow, env.Step))
	}
	if env.RunID == "" {
		return Envelope{}, Reject(codeFor(ErrMalformed), fmt.Errorf("%w: missing run id", ErrMalformed))
	}
	if env.Seq < 0 {
		return Envelope{}, Reject(codeFor(ErrMalformed), fmt.Errorf("%w: negative step sequence", ErrMalformed))
	}
	return env, nil
}

// advance moves the lock of runID on to its next step sequence. Normal steps
// of the run may be replayed; finish tokens are bound to the sequence they
// were issued at, so an older finish token cannot release the lock.
func (e *Executor) advance(ctx context.Context, runID string) (string, string, error) {
	for attempt := 0; attempt < 3; attempt++ {
		status, err := e.lock.Status(ctx)
		if err != nil {
			return "", "", fmt.Errorf("read maintenance mode: %w", err)
		}
		if !status.Locked || status.Run() != runID {
			return "", "", ErrLockLost
		}
		next := holderOf(runID, seqOf(status.Holder)+1)
		err = e.lock.Renew(ctx, status.Holder, next)
		if !errors.Is(err, ErrLockLost) {
			return status.Holder, next, err
		}
		// another step of the same run moved the lock in between
	}
	return "", "", ErrLockLost
}

func (e *Executor) run(def StepDef, sc *StepContext) (result Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			sc.Logger.ErrorContext(sc.ctx, "Step panicked", "panic", rec, "stack", string(debug.Stack()))
			result, err = e.fatal(fmt.Sprint(rec)), nil
		}
	}()
	result, err = def.Handler(sc)
	if err != nil {
		var pe *ProtocolError
		if errors.As(err, &pe) {
			return Result{}, err
		}
		sc.Logger.ErrorContext(sc.ctx, "Step failed unexpectedly", "error", err)
		return e.fatal(err.Error()), nil
	}
	if result.kind == 0 {
		return e.fatal("step produced no result"), nil
	}
	return result, nil
}

// validate rejects results that leave the workflow's transition table.
func (e *Executor) validate(sc *StepContext, result Result) Result {
	switch {
	case result.IsNext():
		if !e.registry.Allowed(sc.Workflow, sc.Step, result.next) {
			sc.Logger.ErrorContext(sc.ctx, "Invalid transition", "to", result.next)
			return e.fatal(fmt.Sprintf("invalid transition from %s to %s", sc.Step, result.next))
		}
	case result.IsError():
		for _, opt := range result.err.Options {
			if opt.Step != "" && !e.registry.Allowed(sc.Workflow, sc.Step, opt.Step) {
				sc.Logger.ErrorContext(sc.ctx, "Invalid recovery option", "to", opt.Step)
				return e.fatal(fmt.Sprintf("invalid recovery option from %s to %s", sc.Step, opt.Step))
			}
		}
	}
	return result
}

func (e *Executor) respond(sc *StepContext, result Result) (*Response, error) {
	resp := &Response{Workflow: sc.Workflow, Step: sc.Step, RunID: sc.RunID}
	switch {
	case result.IsNext():
		token, err := e.issue(sc, result.next, nil)
		if err != nil {
			return nil, err
		}
		status := result.status
		if status == "" {
			status, _ = e.registry.StatusFor(sc.Workflow, result.next)
		}
		resp.NextStep = result.next
		resp.StatusMessage = status
		resp.StateToken = token
	case result.IsFinished():
		resp.Finished = true
		resp.StatusMessage = result.status
		resp.ReturnURL = result.returnURL
	default:
		se := result.err
		resp.Error = se.Message
		resp.ErrorDetails = se.Details
		resp.Severity = se.Severity
		// the top level token lets the client retry the failed step
		token, err := e.issue(sc, sc.Step, nil)
		if err != nil {
			return nil, err
		}
		resp.StateToken = token
		for _, opt := range se.Options {
			ro := ResponseOption{Label: opt.Label, URL: opt.URL}
			if opt.Step != "" {
				optToken, err := e.issue(sc, opt.Step, opt.Set)
				if err != nil {
					return nil, err
				}
				ro.NextStep = opt.Step
				ro.StateToken = optToken
			}
			resp.RecoveryOptions = append(resp.RecoveryOptions, ro)
		}
	}
	return resp, nil
}

func (e *Executor) issue(sc *StepContext, step Step, set State) (string, error) {
	data := sc.State.Clone()
	if set != nil {
		data.Merge(set)
	}
	token, err := e.codec.Encode(Envelope{Workflow: sc.Workflow, Step: step, RunID: sc.RunID, Seq: sc.seq, Data: data})
	if err != nil {
		return "", fmt.Errorf("issue token for %s: %w", step, err)
	}
	return token, nil
}

func (e *Executor) fatal(details string) Result {
	return Fail(StepError{
		Message:  "An unexpected error occurred. Manual intervention is required.",
		Details:  details,
		Severity: SeverityFatal,
		Options:  []RecoveryOption{Support(e.supportURL)},
	})
}

func (e *Executor) lockLost() Result {
	return Fail(StepError{
		Message:  "This update no longer holds maintenance mode. Another update may have taken over.",
		Severity: SeverityFatal,
		Options:  []RecoveryOption{Support(e.supportURL)},
	})
}

func (e *Executor) release(ctx context.Context, logger *slog.Logger, holder string) {
	err := e.lock.Release(context.WithoutCancel(ctx), holder)
	switch {
	case errors.Is(err, ErrLockLost):
		logger.InfoContext(ctx, "Maintenance mode was not held by this run")
	case err != nil:
		logger.ErrorContext(ctx, "Failed to release maintenance mode", "error", err)
	default:
		logger.InfoContext(ctx, "Maintenance mode released")
	}
}

func (e *Executor) rewind(ctx context.Context, logger *slog.Logger, from, to string) {
	if err := e.lock.Renew(context.WithoutCancel(ctx), from, to); err != nil {
		logger.WarnContext(ctx, "Failed to hand maintenance mode back to the previous step", "error", err)
	}
}

func (e *Executor) record(sc *StepContext, resp *Response) {
	outcome := outcomeOf(resp)
	text := resp.StatusMessage
	switch outcome {
	case domain.StepOutcomeNext:
		text = fmt.Sprintf("From %s to %s", sc.Step, resp.NextStep)
		sc.Logger.InfoContext(sc.ctx, "Transitioning step", "to", resp.NextStep)
	case domain.StepOutcomeFinished:
		sc.Logger.InfoContext(sc.ctx, "Workflow finished", "status", resp.StatusMessage)
	case domain.StepOutcomeError:
		text = resp.Error
		if resp.ErrorDetails != "" {
			text += ": " + resp.ErrorDetails
		}
		sc.Logger.WarnContext(sc.ctx, "Step failed", "severity", resp.Severity, "error", resp.Error, "details", resp.ErrorDetails)
	}
	e.saveLog(sc.ctx, &domain.StepLog{
		RunID:    sc.RunID,
		Workflow: sc.Workflow,
		Step:     string(sc.Step),
		Outcome:  outcome,
		Text:     text,
		Username: usernameOf(sc.User),
		DateTime: e.clock.Now(),
	})
}

func (e *Executor) rejected(ctx context.Context, req Request, runID string, err error) {
	slog.WarnContext(ctx, "Step request rejected", "workflow", req.Workflow, "step", req.Step, "code", ErrorCode(err), "error", err)
	e.saveLog(ctx, &domain.StepLog{
		RunID:    runID,
		Workflow: req.Workflow,
		Step:     req.Step,
		Outcome:  domain.StepOutcomeRejected,
		Text:     err.Error(),
		Username: usernameOf(req.User),
		DateTime: e.clock.Now(),
	})
}

func (e *Executor) saveLog(ctx context.Context, l *domain.StepLog) {
	if e.logs == nil {
		return
	}
	if _, err := e.logs.Save(l); err != nil {
		slog.WarnContext(ctx, "Failed to save step log", "error", err)
	}
}

func outcomeOf(resp *Response) string {
	switch {
	case resp.Finished:
		return domain.StepOutcomeFinished
	case resp.Error != "":
		return domain.StepOutcomeError
	default:
		return domain.StepOutcomeNext
	}
}

func usernameOf(u *domain.User) string {
	if u == nil {
		return ""
	}
	return u.Username
}
