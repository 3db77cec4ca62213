package simulation

import (
	"context"
	"fmt"
	"sync"

	"github.com/gammazero/workerpool"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"satupdate/internal/config"
	"satupdate/internal/results"
	"satupdate/internal/utils"
)

// Runner runs every configured topology on a bounded worker pool and hands
// each finished experiment to the sinks.
type Runner struct {
	cfg    *config.MainConfig
	logs   *utils.LogxManager
	sinks  []results.Sink
	logger *zap.Logger

	sinkMu sync.Mutex
}

// NewRunner wires a runner. logs may be nil, in which case experiments only
// log to logger.
func NewRunner(cfg *config.MainConfig, logs *utils.LogxManager, logger *zap.Logger, sinks ...results.Sink) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{cfg: cfg, logs: logs, sinks: sinks, logger: logger}
}

// Run executes all topologies. Experiments that fail do not stop the
// others; their errors are returned together. The returned experiments
// keep configuration order and omit failed ones.
func (r *Runner) Run(ctx context.Context) ([]*results.ExperimentData, error) {
	workers := r.cfg.Workers
	if workers < 1 {
		workers = 1
	}
	wp := workerpool.New(workers)

	var (
		mu   sync.Mutex
		errs *multierror.Error
	)
	out := make([]*results.ExperimentData, len(r.cfg.Topologies))

	for i, spec := range r.cfg.Topologies {
		wp.Submit(func() {
			if ctx.Err() != nil {
				mu.Lock()
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", spec.Label(), ctx.Err()))
				mu.Unlock()
				return
			}
			exp, err := r.runOne(ctx, spec)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = multierror.Append(errs, err)
				return
			}
			out[i] = exp
		})
	}
	wp.StopWait()

	done := make([]*results.ExperimentData, 0, len(out))
	for _, exp := range out {
		if exp != nil {
			done = append(done, exp)
		}
	}
	return done, errs.ErrorOrNil()
}

func (r *Runner) runOne(ctx context.Context, spec config.TopologySpec) (*results.ExperimentData, error) {
	label := spec.Label()
	logger := r.loggerFor(label)
	defer logger.Sync()

	e, err := NewExperiment(r.cfg, spec, logger)
	if err != nil {
		return nil, err
	}
	exp, err := e.Run(ctx)
	if err != nil {
		return nil, err
	}
	if err := r.publish(ctx, exp); err != nil {
		return exp, fmt.Errorf("%s: %w", label, err)
	}
	return exp, nil
}

func (r *Runner) loggerFor(label string) *zap.Logger {
	console := r.logger.With(zap.String("topology", label))
	if r.logs == nil {
		return console
	}
	return zap.New(zapcore.NewTee(console.Core(), r.logs.Logger(label).Core()))
}

// publish writes exp to every sink, one experiment at a time.
func (r *Runner) publish(ctx context.Context, exp *results.ExperimentData) error {
	r.sinkMu.Lock()
	defer r.sinkMu.Unlock()

	var errs *multierror.Error
	for _, s := range r.sinks {
		if err := s.Write(ctx, exp); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// Close closes every sink.
func (r *Runner) Close() error {
	var errs *multierror.Error
	for _, s := range r.sinks {
		if err := s.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}
