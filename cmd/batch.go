package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/zjrosen/batchflow/internal/batch"
	"github.com/zjrosen/batchflow/internal/log"
	"github.com/zjrosen/batchflow/internal/presentation"
)

// Exit statuses of batch run beyond 0 (all inputs completed) and 1
// (command error or failed batch).
const (
	exitInputsFailed = 2
	exitCancelled    = 3
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Run and inspect batches",
}

type runOptions struct {
	templateID  string
	inputsPath  string
	owner       string
	concurrency int
	maxPerBatch int
	metricsAddr string
	quiet       bool
}

var runOpts runOptions

var batchRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a template over a batch of inputs",
	Long: `Submit one batch and wait for it to settle.

Progress events are written to stderr as JSON lines; the final batch,
with every input's result, is written to stdout as JSON. Ctrl+C cancels
the batch: inputs not yet started are cancelled, running ones finish.

The inputs file is a YAML or JSON list (or a mapping with an "inputs"
key) of:

  - id: img-001
    artifacts: [s3://bucket/img-001.png]
    parameters: {prompt: "a red bicycle"}

Exit status is 0 when every input completed, 2 when any input failed,
3 when the batch was cancelled and 1 on errors.

Examples:
  batchflow batch run -t upscale-enhance -i inputs.yaml
  batchflow batch run -t alice/shots@v2 -i - --concurrency 8 < inputs.json
  batchflow batch run -t upscale-enhance -i inputs.yaml --metrics-addr :9090`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		inputs, err := readInputs(runOpts.inputsPath, cmd.InOrStdin())
		if err != nil {
			return err
		}
		if runOpts.concurrency > 0 {
			cfg.Scheduler.Concurrency = runOpts.concurrency
		}
		if runOpts.maxPerBatch > 0 {
			cfg.Scheduler.MaxPerBatch = runOpts.maxPerBatch
		}
		var op *batch.Operation
		err = withServices(cmd, func(ctx context.Context, s *services) error {
			op, err = runBatch(ctx, s, runOpts, inputs, cmd.OutOrStdout(), cmd.ErrOrStderr())
			return err
		})
		if err != nil {
			return err
		}
		return batchExit(op)
	},
}

// batchExit maps a settled batch to the command's exit status.
func batchExit(op *batch.Operation) error {
	switch op.Status {
	case batch.StatusCancelled:
		return &exitError{code: exitCancelled, err: fmt.Errorf("batch %s cancelled", op.ID)}
	case batch.StatusFailed:
		return fmt.Errorf("batch %s failed: %s", op.ID, op.Error)
	}
	if op.Progress.Failed > 0 {
		return &exitError{code: exitInputsFailed, err: fmt.Errorf("%d of %d inputs failed", op.Progress.Failed, op.Progress.Total)}
	}
	return nil
}

// runBatch submits inputs, streams events to events and writes the settled
// batch to out. SIGINT or SIGTERM cancels the batch.
func runBatch(ctx context.Context, s *services, opts runOptions, inputs []batch.Input, out, events io.Writer) (*batch.Operation, error) {
	if opts.metricsAddr != "" {
		addr, stop, err := serveMetrics(s, opts.metricsAddr)
		if err != nil {
			return nil, err
		}
		defer stop()
		_, _ = fmt.Fprintf(events, "Serving metrics on http://%s/metrics\n", addr)
	}

	subCtx, stopEvents := context.WithCancel(ctx)
	defer stopEvents()
	var stream <-chan batch.Event
	if !opts.quiet {
		stream = s.scheduler.Subscribe(subCtx, "")
	}

	owner := opts.owner
	if owner == "" {
		owner = s.cfg.Registry.Owner
	}
	op, err := s.scheduler.Submit(ctx, opts.templateID, inputs, batch.WithOwner(owner))
	if err != nil {
		return nil, err
	}

	printed := make(chan struct{})
	if stream != nil {
		log.SafeGo("cmd.printEvents", func() {
			defer close(printed)
			printEvents(stream, op.ID, events)
		})
	} else {
		close(printed)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	log.SafeGo("cmd.cancelOnSignal", func() {
		select {
		case sig := <-sigCh:
			_, _ = fmt.Fprintf(events, "Received %s, cancelling batch %s...\n", sig, op.ID)
			if err := s.scheduler.Cancel(op.ID); err != nil && !errors.Is(err, batch.ErrBatchTerminal) {
				log.ErrorErr(log.CatBatch, "Cancel on signal failed", err, "batch", op.ID)
			}
		case <-subCtx.Done():
		}
	})

	final, err := s.scheduler.Wait(ctx, op.ID)
	if err != nil {
		return nil, err
	}

	// Slow consumers may miss the settled event, so bound the drain.
	select {
	case <-printed:
	case <-time.After(time.Second):
	}
	stopEvents()

	if err := presentation.NewFormatter(out).FormatBatch(presentation.FromOperation(final, true)); err != nil {
		return nil, err
	}
	return final, nil
}

// printEvents writes id's events as JSON lines until it settles or the
// stream closes.
func printEvents(stream <-chan batch.Event, id batch.BatchID, w io.Writer) {
	f := presentation.NewFormatter(w)
	for ev := range stream {
		if ev.Payload.BatchID != id {
			continue
		}
		if err := f.FormatEvent(presentation.FromEvent(ev)); err != nil {
			log.ErrorErr(log.CatBatch, "Writing event failed", err)
			return
		}
		if ev.Type == batch.EventSettled {
			return
		}
	}
}

// serveMetrics exposes the scheduler's Prometheus registry on addr until
// the returned stop function is called. It returns the bound address.
func serveMetrics(s *services, addr string) (net.Addr, func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	log.SafeGo("cmd.metricsServer", func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.ErrorErr(log.CatBatch, "Metrics server stopped", err, "addr", addr)
		}
	})
	log.Info(log.CatBatch, "Serving metrics", "addr", ln.Addr().String())

	return ln.Addr(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}, nil
}

// readInputs decodes a YAML or JSON inputs file; "-" reads stdin. The
// document is either a list of inputs or a mapping with an inputs key.
func readInputs(path string, stdin io.Reader) ([]batch.Input, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path) //nolint:gosec // G304: path is a user-supplied inputs file
	}
	if err != nil {
		return nil, fmt.Errorf("reading inputs: %w", err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing inputs: %w", err)
	}
	if doc.Kind == 0 || len(doc.Content) == 0 {
		return []batch.Input{}, nil
	}

	root := doc.Content[0]
	var inputs []batch.Input
	switch root.Kind {
	case yaml.SequenceNode:
		err = root.Decode(&inputs)
	case yaml.MappingNode:
		var wrapped struct {
			Inputs []batch.Input `yaml:"inputs"`
		}
		err = root.Decode(&wrapped)
		inputs = wrapped.Inputs
	default:
		return nil, errors.New("parsing inputs: expected a list of inputs")
	}
	if err != nil {
		return nil, fmt.Errorf("parsing inputs: %w", err)
	}
	if inputs == nil {
		inputs = []batch.Input{}
	}
	return inputs, nil
}

var statusSummary bool

var batchStatusCmd = &cobra.Command{
	Use:   "status ID",
	Short: "Show a batch from the store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := batch.BatchID(args[0])
		if !id.IsValid() {
			return fmt.Errorf("%w: %q is not a batch id", batch.ErrBatchNotFound, args[0])
		}
		return withServices(cmd, func(_ context.Context, s *services) error {
			if s.db == nil {
				return ErrStoreDisabled
			}
			op, err := s.scheduler.Status(id)
			if err != nil {
				return err
			}
			return presentation.NewFormatter(cmd.OutOrStdout()).FormatBatch(presentation.FromOperation(op, !statusSummary))
		})
	},
}

var listLimit int

var batchListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent batches from the store, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withServices(cmd, func(ctx context.Context, s *services) error {
			store, err := s.batchStore()
			if err != nil {
				return err
			}
			ops, err := store.ListOperations(ctx, listLimit)
			if err != nil {
				return err
			}
			dtos := make([]presentation.BatchDTO, 0, len(ops))
			for _, op := range ops {
				dtos = append(dtos, presentation.FromOperation(op, false))
			}
			return presentation.NewFormatter(cmd.OutOrStdout()).FormatBatches(dtos)
		})
	},
}

var pruneOlderThan time.Duration

var batchPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete settled batches older than --older-than from the store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if pruneOlderThan <= 0 {
			return errors.New("--older-than must be positive")
		}
		return withServices(cmd, func(ctx context.Context, s *services) error {
			store, err := s.batchStore()
			if err != nil {
				return err
			}
			n, err := store.DeleteSettledBefore(ctx, time.Now().Add(-pruneOlderThan))
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d batches\n", n)
			return err
		})
	},
}

func init() {
	f := batchRunCmd.Flags()
	f.StringVarP(&runOpts.templateID, "template", "t", "", "Template id, e.g. upscale-enhance (required)")
	f.StringVarP(&runOpts.inputsPath, "inputs", "i", "", "YAML or JSON inputs file, - for stdin (required)")
	f.StringVarP(&runOpts.owner, "owner", "o", "", "Batch owner (default: registry.owner)")
	f.IntVar(&runOpts.concurrency, "concurrency", 0, "Override scheduler.concurrency")
	f.IntVar(&runOpts.maxPerBatch, "max-per-batch", 0, "Override scheduler.max_per_batch")
	f.StringVar(&runOpts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while running")
	f.BoolVarP(&runOpts.quiet, "quiet", "q", false, "Do not print progress events")
	_ = batchRunCmd.MarkFlagRequired("template")
	_ = batchRunCmd.MarkFlagRequired("inputs")

	batchStatusCmd.Flags().BoolVar(&statusSummary, "summary", false, "Omit per-input results")
	batchListCmd.Flags().IntVarP(&listLimit, "limit", "n", 20, "Maximum number of batches")
	batchPruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 30*24*time.Hour, "Age of settled batches to delete")

	batchCmd.AddCommand(batchRunCmd, batchStatusCmd, batchListCmd, batchPruneCmd)
	rootCmd.AddCommand(batchCmd)
}
