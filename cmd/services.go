package cmd

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/zjrosen/batchflow/internal/batch"
	"github.com/zjrosen/batchflow/internal/config"
	"github.com/zjrosen/batchflow/internal/engine"
	"github.com/zjrosen/batchflow/internal/executor/httpop"
	"github.com/zjrosen/batchflow/internal/infrastructure/sqlite"
	"github.com/zjrosen/batchflow/internal/log"
	"github.com/zjrosen/batchflow/internal/metrics"
	registryapp "github.com/zjrosen/batchflow/internal/registry/application"
	registry "github.com/zjrosen/batchflow/internal/registry/domain"
	"github.com/zjrosen/batchflow/internal/templates"
	"github.com/zjrosen/batchflow/internal/tracing"
)

// ErrStoreDisabled is returned by commands that need the SQLite store
// when store.enabled is false.
var ErrStoreDisabled = errors.New("store is disabled (set store.enabled: true)")

// services is everything a command needs, wired from one Config.
type services struct {
	cfg       config.Config
	db        *sqlite.DB // nil when the store is disabled
	registry  *registryapp.RegistryService
	scheduler *batch.Scheduler
	tracing   *tracing.Provider
	metrics   *metrics.Collector
	promReg   *prometheus.Registry

	cancelWatch context.CancelFunc
	closeLog    func()
}

// newServices wires the store, registry, engine and scheduler. executor
// overrides the HTTP operation client when non-nil.
func newServices(ctx context.Context, c config.Config, executor engine.StepExecutor) (_ *services, err error) {
	s := &services{cfg: c}
	defer func() {
		if err != nil {
			_ = s.Close(context.Background())
		}
	}()

	if c.Log.Path != "" || c.Log.Debug {
		path := c.Log.Path
		if path == "" {
			path = filepath.Join(config.DefaultConfigDir(), "debug.log")
		}
		cleanup, err := log.Init(path)
		if err != nil {
			return nil, fmt.Errorf("initializing logging: %w", err)
		}
		s.closeLog = cleanup
		if c.Log.Debug {
			log.SetMinLevel(log.LevelDebug)
		}
	}

	s.tracing, err = tracing.NewProvider(c.Tracing)
	if err != nil {
		return nil, fmt.Errorf("initializing tracing: %w", err)
	}
	s.promReg = prometheus.NewRegistry()
	s.metrics = metrics.New(s.promReg)

	regOpts := []registryapp.Option{registryapp.WithCatalog(registry.DefaultCatalog())}
	if c.Store.Enabled {
		s.db, err = sqlite.NewDB(c.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("opening store: %w", err)
		}
		regOpts = append(regOpts, registryapp.WithTemplateStore(s.db.TemplateRepository()))
	}
	s.registry = registryapp.NewRegistryService(regOpts...)

	if _, err := s.registry.LoadBuiltins(ctx, templates.BuiltinFS()); err != nil {
		return nil, err
	}
	if _, err := s.registry.LoadFromStore(ctx); err != nil {
		return nil, err
	}
	if err := s.loadUserTemplates(ctx); err != nil {
		return nil, err
	}

	if executor == nil {
		client, err := httpop.New(c.Executor)
		if err != nil {
			return nil, fmt.Errorf("creating operation client: %w", err)
		}
		executor = client
	}
	eng, err := engine.New(executor, c.Engine,
		engine.WithTracer(s.tracing.Tracer()),
		engine.WithMetrics(s.metrics))
	if err != nil {
		return nil, fmt.Errorf("creating engine: %w", err)
	}

	schedOpts := []batch.Option{
		batch.WithTracer(s.tracing.Tracer()),
		batch.WithMetrics(s.metrics),
	}
	if s.db != nil {
		schedOpts = append(schedOpts, batch.WithBatchStore(s.db.BatchRepository()))
	}
	s.scheduler, err = batch.NewScheduler(s.registry, eng, c.Scheduler, schedOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating scheduler: %w", err)
	}
	return s, nil
}

func (s *services) loadUserTemplates(ctx context.Context) error {
	r := s.cfg.Registry
	if r.UserDir == "" {
		return nil
	}
	if !r.Watch {
		_, err := s.registry.LoadUserDir(ctx, r.UserDir, r.Owner)
		return err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	reloaded, err := s.registry.WatchUserDir(watchCtx, r.UserDir, r.Owner)
	if err != nil {
		cancel()
		return err
	}
	s.cancelWatch = cancel
	log.SafeGo("cmd.templateReloads", func() {
		for ids := range reloaded {
			log.Info(log.CatWatcher, "Reloaded user templates", "changed", len(ids))
		}
	})
	return nil
}

// batchStore returns the batch repository or ErrStoreDisabled.
func (s *services) batchStore() (*sqlite.BatchRepository, error) {
	if s.db == nil {
		return nil, ErrStoreDisabled
	}
	return s.db.BatchRepository(), nil
}

// Close stops the scheduler, flushes traces and closes the store, in that
// order.
func (s *services) Close(ctx context.Context) error {
	var errs []error
	if s.cancelWatch != nil {
		s.cancelWatch()
	}
	if s.scheduler != nil {
		if err := s.scheduler.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("closing scheduler: %w", err))
		}
	}
	if s.tracing != nil {
		if err := s.tracing.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flushing traces: %w", err))
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing store: %w", err))
		}
	}
	if s.closeLog != nil {
		s.closeLog()
	}
	return errors.Join(errs...)
}
