// Package engine runs a template's step graph against one input, with
// conditions, retries, timeouts and bounded step parallelism.
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/batchflow/internal/log"
	"github.com/zjrosen/batchflow/internal/metrics"
	registry "github.com/zjrosen/batchflow/internal/registry/domain"
	"github.com/zjrosen/batchflow/internal/tracing"
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid engine config")

// Config bounds step execution.
type Config struct {
	// MaxParallelSteps caps concurrently running steps of one execution.
	// 0 means unlimited.
	MaxParallelSteps int `mapstructure:"max_parallel_steps"`

	// DefaultStepTimeout applies to steps that declare no timeout.
	// 0 means none.
	DefaultStepTimeout time.Duration `mapstructure:"default_step_timeout"`
}

// DefaultConfig returns unlimited parallelism and no default timeout.
func DefaultConfig() Config {
	return Config{}
}

// Validate checks the config.
func (c Config) Validate() error {
	if c.MaxParallelSteps < 0 {
		return fmt.Errorf("%w: max_parallel_steps cannot be negative", ErrInvalidConfig)
	}
	if c.DefaultStepTimeout < 0 {
		return fmt.Errorf("%w: default_step_timeout cannot be negative", ErrInvalidConfig)
	}
	return nil
}

// Engine executes templates. It holds no per-execution state and is safe
// for concurrent use.
type Engine struct {
	executor StepExecutor
	cfg      Config
	tracer   trace.Tracer
	metrics  *metrics.Collector
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithTracer records execution and step spans on t.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = tracing.OrNoop(t) }
}

// WithMetrics records step metrics on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = c }
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New creates an engine that runs every step through executor.
func New(executor StepExecutor, cfg Config, opts ...Option) (*Engine, error) {
	if executor == nil {
		return nil, fmt.Errorf("%w: executor cannot be nil", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		executor: executor,
		cfg:      cfg,
		tracer:   tracing.OrNoop(nil),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Run executes tmpl against input and returns the terminal execution.
// It never returns a non-terminal execution and never panics. Step
// failures are recorded in the execution, not returned.
func (e *Engine) Run(ctx context.Context, tmpl *registry.Template, input Input) (exec *Execution) {
	exec = &Execution{
		ID:          uuid.NewString(),
		InputID:     input.ID,
		Status:      ExecutionPending,
		StepResults: make(map[string]StepResult),
		StartedAt:   e.now(),
	}
	if tmpl == nil {
		e.reject(exec, nil, ErrNilTemplate)
		return exec
	}
	exec.TemplateID = tmpl.ID()

	ctx, span := tracing.StartExecution(ctx, e.tracer, exec.ID, input.ID, exec.TemplateID)
	defer func() {
		tracing.End(span, exec.Error, attribute.String(tracing.AttrExecutionStatus, string(exec.Status)))
	}()

	defer func() {
		if r := recover(); r != nil {
			log.Error(log.CatEngine, "Engine panic", "execution", exec.ID, "panic", r, "stack", string(debug.Stack()))
			e.abort(exec, tmpl, fmt.Errorf("%w: %v", ErrEnginePanic, r))
		}
	}()

	order, err := tmpl.Graph().TopologicalOrder()
	if err != nil {
		e.reject(exec, tmpl, err)
		return exec
	}
	if err := tmpl.Inputs().Check(input.Artifacts, input.Parameters); err != nil {
		e.reject(exec, tmpl, err)
		return exec
	}

	exec.transition(ExecutionRunning)
	exec.CurrentArtifacts = registry.AppendArtifacts(nil, input.Artifacts...)
	exec.OutputArtifacts = []registry.Artifact{}
	log.Debug(log.CatEngine, "Execution started", "execution", exec.ID, "template", exec.TemplateID, "input", input.ID, "steps", len(order))

	e.schedule(ctx, exec, tmpl, input, order)
	e.finish(exec, tmpl)
	return exec
}

// reject fails an execution before any step runs; every step is skipped.
func (e *Engine) reject(exec *Execution, tmpl *registry.Template, err error) {
	if tmpl != nil {
		for _, s := range tmpl.Graph().Steps() {
			e.resolve(exec, s, StepResult{StepID: s.ID(), Status: StepSkipped})
		}
	}
	exec.CurrentArtifacts = []registry.Artifact{}
	exec.OutputArtifacts = []registry.Artifact{}
	exec.Error = err
	exec.transition(ExecutionFailed)
	exec.FinishedAt = e.now()
	log.Warn(log.CatEngine, "Execution rejected", "execution", exec.ID, "template", exec.TemplateID, "error", err)
}

// abort marks every unresolved step failed with err and fails the
// execution.
func (e *Engine) abort(exec *Execution, tmpl *registry.Template, err error) {
	for _, s := range tmpl.Graph().Steps() {
		if _, done := exec.StepResults[s.ID()]; !done {
			e.resolve(exec, s, StepResult{StepID: s.ID(), Status: StepFailed, Error: err, ErrorMessage: err.Error()})
		}
	}
	exec.Error = err
	if !exec.Status.IsTerminal() {
		exec.Status = ExecutionFailed
	}
	exec.FinishedAt = e.now()
}

// finish derives the terminal status: failed iff a required step failed.
func (e *Engine) finish(exec *Execution, tmpl *registry.Template) {
	for _, id := range exec.StepOrder {
		r := exec.StepResults[id]
		if r.Status != StepFailed {
			continue
		}
		if s, ok := tmpl.Graph().Step(id); ok && s.Optional() {
			continue
		}
		exec.Error = fmt.Errorf("step %s failed: %w", id, r.Error)
		break
	}

	if exec.Error != nil {
		exec.transition(ExecutionFailed)
	} else {
		exec.transition(ExecutionCompleted)
	}
	exec.FinishedAt = e.now()
	log.Debug(log.CatEngine, "Execution finished", "execution", exec.ID, "status", exec.Status, "duration", exec.Duration())
}

// resolve records a terminal step result. Only the coordinator calls it.
func (e *Engine) resolve(exec *Execution, step *registry.Step, r StepResult) {
	if r.Status != StepSuccess {
		r.OutputArtifacts = []registry.Artifact{}
	}
	exec.StepResults[r.StepID] = r
	exec.StepOrder = append(exec.StepOrder, r.StepID)
	if r.Status == StepSuccess {
		exec.CurrentArtifacts = registry.AppendArtifacts(exec.CurrentArtifacts, r.OutputArtifacts...)
		exec.OutputArtifacts = registry.AppendArtifacts(exec.OutputArtifacts, r.OutputArtifacts...)
	}
	e.metrics.StepResolved(step.OperationRef(), string(r.Status), r.Attempts, r.ExecutionTime)
}

type stepDone struct {
	step   *registry.Step
	result StepResult
}

// schedule is the coordinator loop. It owns exec: step goroutines only
// report back over done.
func (e *Engine) schedule(ctx context.Context, exec *Execution, tmpl *registry.Template, input Input, order []*registry.Step) {
	pending := make(map[string]bool, len(order))
	for _, s := range order {
		pending[s.ID()] = true
	}
	graph := tmpl.Graph()
	// Buffered so step goroutines finish even if the coordinator aborts.
	done := make(chan stepDone, len(order))
	cancelled := ctx.Done()
	running := 0

	for len(pending) > 0 || running > 0 {
		if ctx.Err() == nil {
			for progressed := true; progressed; {
				progressed = false
				for _, s := range order {
					if !pending[s.ID()] || !e.depsResolved(exec, s) {
						continue
					}
					if !s.Condition().Evaluate(e.outcomes(exec, graph, s)) {
						delete(pending, s.ID())
						log.Debug(log.CatEngine, "Step skipped", "execution", exec.ID, "step", s.ID(), "condition", s.Condition().String())
						e.resolve(exec, s, StepResult{StepID: s.ID(), Status: StepSkipped})
						progressed = true
						continue
					}
					if e.cfg.MaxParallelSteps > 0 && running >= e.cfg.MaxParallelSteps {
						continue
					}
					delete(pending, s.ID())
					running++
					exec.CurrentStep = s.ID()
					call := StepCall{
						ExecutionID: exec.ID,
						InputID:     input.ID,
						Step:        s,
						Inputs:      e.stepInputs(exec, s, input),
					}
					go func() {
						res := StepResult{StepID: s.ID(), Status: StepFailed}
						defer func() {
							if r := recover(); r != nil {
								log.Error(log.CatEngine, "Step runner panic", "step", s.ID(), "panic", r, "stack", string(debug.Stack()))
								res.Error = fmt.Errorf("%w: %v", ErrEnginePanic, r)
								res.ErrorMessage = res.Error.Error()
							}
							done <- stepDone{step: s, result: res}
						}()
						res = e.runStep(ctx, call, input.Parameters)
					}()
				}
			}
		}

		if running == 0 {
			break
		}

		select {
		case d := <-done:
			running--
			e.resolve(exec, d.step, d.result)
		case <-cancelled:
			cancelled = nil
		}
	}

	if len(pending) > 0 {
		err := ctx.Err()
		if err == nil {
			err = errors.New("step never became ready")
		}
		for _, s := range order {
			if pending[s.ID()] {
				e.resolve(exec, s, StepResult{StepID: s.ID(), Status: StepFailed, Error: err, ErrorMessage: err.Error()})
			}
		}
	}
}

func (e *Engine) depsResolved(exec *Execution, s *registry.Step) bool {
	for _, dep := range s.DependsOn() {
		if _, ok := exec.StepResults[dep]; !ok {
			return false
		}
	}
	return true
}

func (e *Engine) outcomes(exec *Execution, graph *registry.Graph, s *registry.Step) []registry.Outcome {
	deps := graph.DependenciesOf(s.ID())
	out := make([]registry.Outcome, 0, len(deps))
	for _, dep := range deps {
		r := exec.StepResults[dep.ID()]
		out = append(out, registry.Outcome{
			StepID:    dep.ID(),
			Succeeded: r.Status == StepSuccess,
			Failed:    r.Status == StepFailed,
			Metrics:   r.Metrics,
		})
	}
	return out
}

// stepInputs collects the outputs of s's successful dependencies in
// dependsOn order. Roots, and steps whose dependencies produced nothing,
// get the input's artifacts.
func (e *Engine) stepInputs(exec *Execution, s *registry.Step, input Input) []registry.Artifact {
	var arts []registry.Artifact
	for _, dep := range s.DependsOn() {
		if r := exec.StepResults[dep]; r.Status == StepSuccess {
			arts = registry.AppendArtifacts(arts, r.OutputArtifacts...)
		}
	}
	if len(arts) == 0 {
		return registry.AppendArtifacts(nil, input.Artifacts...)
	}
	return arts
}

// runStep drives the attempts of one step under its retry policy and
// timeout. It runs on its own goroutine and touches no shared state.
func (e *Engine) runStep(ctx context.Context, call StepCall, inputParams registry.Parameters) StepResult {
	step := call.Step
	started := e.now()
	result := StepResult{StepID: step.ID(), StartedAt: started}

	ctx, span := tracing.StartStep(ctx, e.tracer, step.ID(), step.OperationRef())
	defer func() {
		tracing.End(span, result.Error,
			attribute.Int(tracing.AttrStepAttempts, result.Attempts),
			attribute.String(tracing.AttrStepStatus, string(result.Status)),
		)
	}()

	params, err := mergeParameters(step.Parameters(), inputParams)
	if err != nil {
		result.Status = StepFailed
		result.Error = fmt.Errorf("merge parameters: %w", err)
		result.ErrorMessage = result.Error.Error()
		return result
	}
	call.Parameters = params

	timeout := step.Timeout()
	if timeout == 0 {
		timeout = e.cfg.DefaultStepTimeout
	}
	perAttempt := step.TimeoutScope() == registry.TimeoutPerAttempt

	stepCtx := ctx
	if timeout > 0 && !perAttempt {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var (
		output  StepOutput
		lastErr error
	)
	operation := func() error {
		if err := stepCtx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		result.Attempts++
		call.Attempt = result.Attempts

		attemptCtx := stepCtx
		if timeout > 0 && perAttempt {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(stepCtx, timeout)
			defer cancel()
		}
		call.Timeout = 0
		if deadline, ok := attemptCtx.Deadline(); ok {
			call.Timeout = time.Until(deadline)
		}

		out, err := e.attempt(attemptCtx, call)
		if err == nil {
			output = out
			lastErr = nil
			return nil
		}
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			lastErr = perm.Err
			return err
		}
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w after %s: %w", ErrStepTimeout, timeout, err)
		}
		lastErr = err
		return err
	}
	notify := func(err error, next time.Duration) {
		span.AddEvent(tracing.EventStepRetry, trace.WithAttributes(
			attribute.Int(tracing.AttrStepAttempts, result.Attempts),
			attribute.String(tracing.AttrErrorMessage, err.Error()),
		))
		log.Debug(log.CatEngine, "Retrying step", "step", step.ID(), "attempt", result.Attempts, "delay", next, "error", err)
	}

	err = backoff.RetryNotify(operation, backoff.WithContext(newBackOff(step.RetryPolicy()), stepCtx), notify)
	result.ExecutionTime = e.now().Sub(started)

	if err == nil {
		result.Status = StepSuccess
		result.OutputArtifacts = registry.AppendArtifacts(nil, output.Artifacts...)
		result.Metrics = output.Metrics
		return result
	}

	// The retry loop reports the context error when the step budget or
	// the execution context ran out between attempts.
	switch {
	case ctx.Err() != nil:
		err = ctx.Err()
		if lastErr != nil && !errors.Is(lastErr, ctx.Err()) {
			err = fmt.Errorf("%w (last attempt: %w)", ctx.Err(), lastErr)
		}
	case errors.Is(stepCtx.Err(), context.DeadlineExceeded):
		if !errors.Is(lastErr, ErrStepTimeout) {
			err = fmt.Errorf("%w after %s", ErrStepTimeout, timeout)
			if lastErr != nil {
				err = fmt.Errorf("%w after %s: %w", ErrStepTimeout, timeout, lastErr)
			}
		} else {
			err = lastErr
		}
	case lastErr != nil:
		err = lastErr
	}

	result.Status = StepFailed
	result.Error = err
	result.ErrorMessage = err.Error()
	log.Debug(log.CatEngine, "Step failed", "execution", call.ExecutionID, "step", step.ID(), "attempts", result.Attempts, "error", err)
	return result
}

// attempt runs one executor call. A panicking executor becomes a failed
// attempt; one that ignores ctx is abandoned once ctx is done.
func (e *Engine) attempt(ctx context.Context, call StepCall) (StepOutput, error) {
	type reply struct {
		out StepOutput
		err error
	}
	ch := make(chan reply, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error(log.CatEngine, "Executor panic", "step", call.Step.ID(), "panic", r, "stack", string(debug.Stack()))
				ch <- reply{err: fmt.Errorf("%w: %v", ErrStepPanic, r)}
			}
		}()
		out, err := e.executor.Execute(ctx, call)
		ch <- reply{out: out, err: err}
	}()

	select {
	case r := <-ch:
		return r.out, r.err
	case <-ctx.Done():
		return StepOutput{}, ctx.Err()
	}
}
