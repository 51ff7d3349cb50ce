package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	registry "github.com/zjrosen/batchflow/internal/registry/domain"
)

// StepCall is everything an executor receives for one attempt of a step.
type StepCall struct {
	ExecutionID string
	InputID     string
	Step        *registry.Step
	Inputs      []registry.Artifact
	Parameters  registry.Parameters // step parameters with input parameters merged over them
	Timeout     time.Duration       // time left for this attempt, 0 when unbounded
	Attempt     int                 // 1-based
}

// StepOutput is what a successful attempt produces.
type StepOutput struct {
	Artifacts []registry.Artifact
	Metrics   map[string]float64
}

// StepExecutor performs the external operation behind a step. Execute is
// called concurrently and must honor ctx.
type StepExecutor interface {
	Execute(ctx context.Context, call StepCall) (StepOutput, error)
}

// ExecutorFunc adapts a function to StepExecutor.
type ExecutorFunc func(ctx context.Context, call StepCall) (StepOutput, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, call StepCall) (StepOutput, error) {
	return f(ctx, call)
}

// Permanent marks err as not worth retrying. The step fails on the
// current attempt regardless of its retry policy.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Router dispatches calls to executors by operation ref.
type Router struct {
	mu       sync.RWMutex
	routes   map[string]StepExecutor
	fallback StepExecutor
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{routes: make(map[string]StepExecutor)}
}

// Handle routes operationRef to exec, replacing any previous route.
func (r *Router) Handle(operationRef string, exec StepExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[operationRef] = exec
}

// HandleFunc routes operationRef to fn.
func (r *Router) HandleFunc(operationRef string, fn func(context.Context, StepCall) (StepOutput, error)) {
	r.Handle(operationRef, ExecutorFunc(fn))
}

// Fallback sets the executor used for refs without a route.
func (r *Router) Fallback(exec StepExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = exec
}

// Execute dispatches on call.Step.OperationRef(). An unrouted ref fails
// permanently with registry.ErrUnknownOperation.
func (r *Router) Execute(ctx context.Context, call StepCall) (StepOutput, error) {
	ref := call.Step.OperationRef()

	r.mu.RLock()
	exec, ok := r.routes[ref]
	if !ok {
		exec = r.fallback
	}
	r.mu.RUnlock()

	if exec == nil {
		return StepOutput{}, Permanent(fmt.Errorf("%w: no executor for %s", registry.ErrUnknownOperation, ref))
	}
	return exec.Execute(ctx, call)
}
