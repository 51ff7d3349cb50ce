package batch

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/zjrosen/batchflow/internal/cachemanager"
	"github.com/zjrosen/batchflow/internal/engine"
	"github.com/zjrosen/batchflow/internal/log"
	"github.com/zjrosen/batchflow/internal/metrics"
	"github.com/zjrosen/batchflow/internal/pubsub"
	registry "github.com/zjrosen/batchflow/internal/registry/domain"
	"github.com/zjrosen/batchflow/internal/tracing"
)

// TemplateSource resolves template ids.
type TemplateSource interface {
	Get(id string) (*registry.Template, error)
}

// Runner executes a template against one input. *engine.Engine
// implements it.
type Runner interface {
	Run(ctx context.Context, tmpl *registry.Template, input engine.Input) *engine.Execution
}

// BatchStore persists batches so they outlive the process. LoadOperation
// returns an error wrapping ErrBatchNotFound for unknown ids.
type BatchStore interface {
	SaveOperation(ctx context.Context, op *Operation) error
	AppendResult(ctx context.Context, id BatchID, seq int, r Result) error
	LoadOperation(ctx context.Context, id BatchID) (*Operation, error)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithSlotPool shares pool instead of creating one from Config.Concurrency.
func WithSlotPool(pool *SlotPool) Option {
	return func(s *Scheduler) {
		if pool != nil {
			s.slots = pool
		}
	}
}

// WithBatchStore persists batches and their results to store.
func WithBatchStore(store BatchStore) Option {
	return func(s *Scheduler) { s.store = store }
}

// WithTracer records a batch.run span per batch on t.
func WithTracer(t trace.Tracer) Option {
	return func(s *Scheduler) { s.tracer = tracing.OrNoop(t) }
}

// WithMetrics records batch and execution metrics on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Scheduler) { s.metrics = c }
}

// SubmitOption configures one submission.
type SubmitOption func(*Operation)

// WithOwner tags the batch with the submitting owner.
func WithOwner(owner string) SubmitOption {
	return func(op *Operation) { op.Owner = owner }
}

// batchRun is the live state of one unsettled batch.
type batchRun struct {
	mu sync.Mutex
	op Operation // guarded by mu

	tmpl     *registry.Template
	inputs   []Input
	ctx      context.Context // cancelled by Cancel; stops dispatching only
	cancel   context.CancelFunc
	span     trace.Span
	perBatch *semaphore.Weighted // nil without a per-batch cap
	inflight sync.WaitGroup
	settled  chan struct{}

	version   int        // guarded by mu; bumped per checkpoint
	persistMu sync.Mutex // serializes store writes
	persisted int        // guarded by persistMu
}

func (r *batchRun) snapshot() *Operation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.op.Clone()
}

// checkpoint returns a snapshot to persist and its version. Callers hold mu.
func (r *batchRun) checkpoint() (*Operation, int) {
	r.version++
	return r.op.Clone(), r.version
}

// Scheduler runs batches. All methods are safe for concurrent use.
type Scheduler struct {
	templates TemplateSource
	runner    Runner
	cfg       Config
	slots     *SlotPool
	store     BatchStore
	tracer    trace.Tracer
	metrics   *metrics.Collector
	events    *pubsub.Broker[Update]
	now       func() time.Time

	// retained holds settled batches until Retention expires; stored
	// reads through it to the BatchStore.
	retained *cachemanager.InMemoryCacheManager[BatchID, *Operation]
	stored   *cachemanager.ReadThroughCache[BatchID, *Operation]

	mu     sync.RWMutex
	active map[BatchID]*batchRun
	closed bool
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler that resolves templates from templates
// and runs each input through runner.
func NewScheduler(templates TemplateSource, runner Runner, cfg Config, opts ...Option) (*Scheduler, error) {
	if templates == nil || runner == nil {
		return nil, fmt.Errorf("%w: template source and runner are required", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Scheduler{
		templates: templates,
		runner:    runner,
		cfg:       cfg,
		tracer:    tracing.OrNoop(nil),
		events:    pubsub.NewBroker[Update](),
		now:       time.Now,
		active:    make(map[BatchID]*batchRun),
		retained:  cachemanager.NewInMemoryCacheManager[BatchID, *Operation]("batches", cfg.Retention, cfg.Retention),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.slots == nil {
		s.slots = NewSlotPool(cfg.Concurrency)
	}
	s.stored = cachemanager.NewReadThroughCache[BatchID, *Operation](s.retained, s.load)
	return s, nil
}

// Slots returns the slot pool.
func (s *Scheduler) Slots() *SlotPool {
	return s.slots
}

// Submit validates the inputs and starts a batch of templateID. Template
// lookup and input validation errors are returned before anything runs.
// Inputs without an id get a uuid. The returned snapshot is running.
func (s *Scheduler) Submit(ctx context.Context, templateID string, inputs []Input, opts ...SubmitOption) (*Operation, error) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, ErrSchedulerClosed
	}

	tmpl, err := s.templates.Get(templateID)
	if err != nil {
		return nil, err
	}
	if len(inputs) == 0 && !s.cfg.AllowEmptyBatches {
		return nil, ErrEmptyBatch
	}

	owned := make([]Input, len(inputs))
	ids := make([]string, len(inputs))
	seen := make(map[string]bool, len(inputs))
	for i, in := range inputs {
		in.Artifacts = registry.CloneArtifacts(in.Artifacts)
		in.Parameters = in.Parameters.Clone()
		in.Metadata = maps.Clone(in.Metadata)
		if in.ID == "" {
			in.ID = uuid.NewString()
		}
		if seen[in.ID] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateInputID, in.ID)
		}
		seen[in.ID] = true
		owned[i] = in
		ids[i] = in.ID
	}

	now := s.now()
	run := &batchRun{
		op: Operation{
			ID:         NewBatchID(),
			TemplateID: tmpl.ID(),
			Status:     StatusPending,
			Progress:   Progress{Total: len(owned)},
			Results:    []Result{},
			Inputs:     ids,
			CreatedAt:  now,
		},
		tmpl:    tmpl,
		inputs:  owned,
		settled: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(&run.op)
	}
	if s.cfg.MaxPerBatch > 0 {
		run.perBatch = semaphore.NewWeighted(int64(s.cfg.MaxPerBatch))
	}

	// The batch outlives the submitting request but keeps its trace.
	base := context.WithoutCancel(ctx)
	base, run.span = tracing.StartBatch(base, s.tracer, run.op.ID.String(), tmpl.ID(), len(owned))
	run.ctx, run.cancel = context.WithCancel(base)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		run.cancel()
		tracing.End(run.span, ErrSchedulerClosed)
		return nil, ErrSchedulerClosed
	}
	s.active[run.op.ID] = run
	s.wg.Add(1)
	s.mu.Unlock()

	run.mu.Lock()
	run.op.transition(StatusRunning)
	run.op.StartedAt = s.now()
	snap, version := run.checkpoint()
	s.events.Publish(EventSubmitted, s.update(run, "", nil))
	run.mu.Unlock()

	s.persist(run, snap, version)
	s.metrics.BatchSubmitted()
	log.Info(log.CatBatch, "Batch submitted", "batch", snap.ID, "template", snap.TemplateID, "inputs", len(owned), "owner", snap.Owner)

	go s.dispatch(run)
	return snap, nil
}

// dispatch starts the batch's inputs in order, then waits for the
// in-flight executions and settles the batch.
func (s *Scheduler) dispatch(run *batchRun) {
	defer s.wg.Done()

	err := s.startInputs(run)
	run.inflight.Wait()
	s.settle(run, err)
}

func (s *Scheduler) startInputs(run *batchRun) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(log.CatBatch, "Dispatcher panic", "batch", run.op.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", ErrDispatchPanic, r)
		}
	}()

	for _, in := range run.inputs {
		if run.ctx.Err() != nil {
			return nil
		}
		if run.perBatch != nil {
			if err := run.perBatch.Acquire(run.ctx, 1); err != nil {
				return nil
			}
		}
		if err := s.slots.Acquire(run.ctx); err != nil {
			s.releaseBatchSlot(run)
			return nil
		}
		if run.ctx.Err() != nil {
			s.slots.Release()
			s.releaseBatchSlot(run)
			return nil
		}
		s.metrics.SetSlotsInUse(s.slots.InUse())

		run.mu.Lock()
		run.op.Running++
		s.events.Publish(EventInputStarted, s.update(run, in.ID, nil))
		run.mu.Unlock()
		s.metrics.ExecutionStarted()
		log.Debug(log.CatBatch, "Input started", "batch", run.op.ID, "input", in.ID)

		run.inflight.Add(1)
		go func(in Input) {
			defer run.inflight.Done()
			defer func() {
				s.slots.Release()
				s.releaseBatchSlot(run)
				s.metrics.SetSlotsInUse(s.slots.InUse())
			}()
			s.record(run, s.runInput(run, in))
		}(in)
	}
	return nil
}

func (s *Scheduler) releaseBatchSlot(run *batchRun) {
	if run.perBatch != nil {
		run.perBatch.Release(1)
	}
}

// runInput executes one input. Cancelling the batch does not reach the
// execution; in-flight work finishes on its own terms.
func (s *Scheduler) runInput(run *batchRun, in Input) (res Result) {
	started := s.now()
	defer func() {
		if r := recover(); r != nil {
			log.Error(log.CatBatch, "Runner panic", "batch", run.op.ID, "input", in.ID, "panic", r, "stack", string(debug.Stack()))
			res = failedResult(in.ID, fmt.Errorf("%w: %v", engine.ErrEnginePanic, r), started, s.now())
		}
	}()

	exec := s.runner.Run(context.WithoutCancel(run.ctx), run.tmpl, in)
	if exec == nil {
		return failedResult(in.ID, errors.New("runner returned no execution"), started, s.now())
	}
	return resultFromExecution(exec)
}

func failedResult(inputID string, err error, started, finished time.Time) Result {
	return Result{
		InputID:         inputID,
		Status:          engine.ExecutionFailed,
		OutputArtifacts: []registry.Artifact{},
		StepResults:     map[string]engine.StepResult{},
		Error:           err.Error(),
		Duration:        finished.Sub(started),
		FinishedAt:      finished,
	}
}

// record appends a finished input's result and updates progress.
func (s *Scheduler) record(run *batchRun, res Result) {
	run.mu.Lock()
	run.op.Results = append(run.op.Results, res)
	seq := len(run.op.Results)
	if res.Succeeded() {
		run.op.Progress.Completed++
	} else {
		run.op.Progress.Failed++
	}
	run.op.Running--
	published := res.clone()
	s.events.Publish(EventInputFinished, s.update(run, res.InputID, &published))
	run.mu.Unlock()

	s.appendResult(run.ctx, run.op.ID, seq, res)
	s.metrics.ExecutionFinished(string(res.Status))
	log.Debug(log.CatBatch, "Input finished", "batch", run.op.ID, "input", res.InputID, "status", res.Status, "error", res.Error)
}

// settle makes the batch terminal and moves it to the retention cache.
func (s *Scheduler) settle(run *batchRun, err error) {
	run.mu.Lock()
	switch {
	case run.op.Status == StatusCancelled:
		run.op.Progress.Cancelled = run.op.Progress.Total - run.op.Progress.Done()
	case err != nil:
		run.op.transition(StatusFailed)
		run.op.Error = err.Error()
	default:
		run.op.transition(StatusCompleted)
	}
	run.op.Settled = true
	run.op.FinishedAt = s.now()
	snap, version := run.checkpoint()
	s.events.Publish(EventSettled, s.update(run, "", nil))
	run.mu.Unlock()

	s.persist(run, snap, version)
	s.metrics.BatchFinished(string(snap.Status))
	tracing.End(run.span, err, attribute.String(tracing.AttrBatchStatus, string(snap.Status)))

	s.mu.Lock()
	delete(s.active, snap.ID)
	s.retained.Set(context.Background(), snap.ID, snap, cachemanager.DefaultExpiration)
	s.mu.Unlock()

	run.cancel()
	close(run.settled)
	log.Info(log.CatBatch, "Batch settled", "batch", snap.ID, "status", snap.Status,
		"completed", snap.Progress.Completed, "failed", snap.Progress.Failed, "cancelled", snap.Progress.Cancelled)
}

// update builds an event payload. Callers hold run.mu.
func (s *Scheduler) update(run *batchRun, inputID string, res *Result) Update {
	return Update{
		BatchID:  run.op.ID,
		InputID:  inputID,
		Status:   run.op.Status,
		Progress: run.op.Progress,
		Running:  run.op.Running,
		Result:   res,
	}
}

// Cancel stops the batch from starting further inputs. In-flight
// executions finish and their results are kept. Cancelling a cancelled
// batch is a no-op.
func (s *Scheduler) Cancel(id BatchID) error {
	run, op := s.lookup(id)
	if run == nil {
		if op == nil {
			stored, err := s.Status(id)
			if err != nil {
				return err
			}
			op = stored
		}
		return terminalCancelError(op)
	}
	return s.cancelRun(run)
}

func terminalCancelError(op *Operation) error {
	switch {
	case op.Status == StatusCancelled:
		return nil
	case op.Status.IsTerminal():
		return fmt.Errorf("%w: %s is %s", ErrBatchTerminal, op.ID, op.Status)
	default:
		// Unsettled but not owned by this scheduler.
		return fmt.Errorf("%w: %s is not running here", ErrBatchNotFound, op.ID)
	}
}

func (s *Scheduler) cancelRun(run *batchRun) error {
	run.mu.Lock()
	if run.op.Status.IsTerminal() {
		op := run.op.Clone()
		run.mu.Unlock()
		return terminalCancelError(op)
	}
	run.op.transition(StatusCancelled)
	snap, version := run.checkpoint()
	s.events.Publish(EventCancelled, s.update(run, "", nil))
	run.mu.Unlock()

	run.cancel()
	run.span.AddEvent(tracing.EventBatchCancelled, trace.WithAttributes(
		attribute.Int("batch.done", snap.Progress.Done()),
		attribute.Int("batch.running", snap.Running),
	))
	s.persist(run, snap, version)
	log.Info(log.CatBatch, "Batch cancelled", "batch", snap.ID, "done", snap.Progress.Done(), "running", snap.Running)
	return nil
}

// lookup returns the live run or the retained snapshot for id.
func (s *Scheduler) lookup(id BatchID) (*batchRun, *Operation) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if run, ok := s.active[id]; ok {
		return run, nil
	}
	if op, ok := s.retained.Get(context.Background(), id); ok {
		return nil, op
	}
	return nil, nil
}

// Status returns a snapshot of the batch. Batches no longer in memory are
// read from the BatchStore.
func (s *Scheduler) Status(id BatchID) (*Operation, error) {
	run, op := s.lookup(id)
	switch {
	case run != nil:
		return run.snapshot(), nil
	case op != nil:
		return op.Clone(), nil
	}

	op, err := s.stored.Get(context.Background(), id, cachemanager.DefaultExpiration)
	if err != nil {
		return nil, err
	}
	return op.Clone(), nil
}

func (s *Scheduler) load(ctx context.Context, id BatchID) (*Operation, error) {
	if s.store == nil {
		return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, id)
	}
	op, err := s.store.LoadOperation(ctx, id)
	if err != nil {
		return nil, err
	}
	log.Debug(log.CatBatch, "Loaded batch from store", "batch", id, "status", op.Status)
	return op, nil
}

// Results returns the batch's results in completion order.
func (s *Scheduler) Results(id BatchID) ([]Result, error) {
	op, err := s.Status(id)
	if err != nil {
		return nil, err
	}
	return op.Results, nil
}

// Wait blocks until the batch settles or ctx is done.
func (s *Scheduler) Wait(ctx context.Context, id BatchID) (*Operation, error) {
	run, _ := s.lookup(id)
	if run == nil {
		return s.Status(id)
	}
	select {
	case <-run.settled:
		return run.snapshot(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Subscribe streams events for id, or for every batch when id is empty.
// Slow consumers miss events. The channel closes when ctx is done or the
// scheduler closes.
func (s *Scheduler) Subscribe(ctx context.Context, id BatchID) <-chan Event {
	var match func(Update) bool
	if id != "" {
		match = func(u Update) bool { return u.BatchID == id }
	}
	return s.events.Subscribe(ctx, match)
}

// List returns the batches held in memory, newest first.
func (s *Scheduler) List() []*Operation {
	s.mu.RLock()
	runs := make([]*batchRun, 0, len(s.active))
	for _, run := range s.active {
		runs = append(runs, run)
	}
	retained := s.retained.Items(context.Background())
	s.mu.RUnlock()

	out := make([]*Operation, 0, len(runs)+len(retained))
	for _, run := range runs {
		out = append(out, run.snapshot())
	}
	for _, op := range retained {
		out = append(out, op.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Close stops accepting submissions, cancels every running batch and
// waits for in-flight executions to finish or ctx to end. A later Close
// only waits.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	var runs []*batchRun
	if !s.closed {
		s.closed = true
		for _, run := range s.active {
			runs = append(runs, run)
		}
	}
	s.mu.Unlock()

	for _, run := range runs {
		_ = s.cancelRun(run)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.events.Close()
		log.Info(log.CatBatch, "Scheduler closed", "cancelled", len(runs))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// persist saves snap unless a later checkpoint of the run is already
// stored, so the store never goes back to an older state.
func (s *Scheduler) persist(run *batchRun, snap *Operation, version int) {
	run.persistMu.Lock()
	defer run.persistMu.Unlock()
	if version <= run.persisted {
		log.Debug(log.CatBatch, "Skipped stale batch snapshot", "batch", snap.ID, "status", snap.Status)
		return
	}
	run.persisted = version
	s.save(run.ctx, snap)
}

func (s *Scheduler) save(ctx context.Context, op *Operation) {
	if s.store == nil {
		return
	}
	if err := s.store.SaveOperation(context.WithoutCancel(ctx), op); err != nil {
		log.ErrorErr(log.CatBatch, "Persist batch failed", err, "batch", op.ID)
	}
}

func (s *Scheduler) appendResult(ctx context.Context, id BatchID, seq int, r Result) {
	if s.store == nil {
		return
	}
	if err := s.store.AppendResult(context.WithoutCancel(ctx), id, seq, r); err != nil {
		log.ErrorErr(log.CatBatch, "Persist result failed", err, "batch", id, "input", r.InputID)
	}
}
