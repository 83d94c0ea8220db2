// Package batch runs one operation per target with bounded parallelism and
// records exactly one report entry per target.
package batch

import (
	"context"
	"fmt"
	"time"

	"pvefleet/internal/fleet"
	"pvefleet/internal/logging"
	"pvefleet/internal/report"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"
)

// Target is one unit of work.
type Target struct {
	ID   int
	Name string
}

// Result carries optional detail for a finished target. A zero Outcome lets
// the runner derive the outcome from the returned error. Message is used only
// when there is no error.
type Result struct {
	Outcome report.Outcome
	Message string
	Warning string
}

// Func performs the operation for one target.
type Func func(ctx context.Context, t Target) (Result, error)

// Observer receives the outcome and duration of every target.
type Observer interface {
	Observe(operation string, outcome report.Outcome, d time.Duration)
}

// Runner dispatches targets onto a bounded worker pool.
type Runner struct {
	workers  int
	observer Observer
}

// Option configures a Runner.
type Option func(*Runner)

// WithObserver sets the outcome observer.
func WithObserver(o Observer) Option {
	return func(r *Runner) { r.observer = o }
}

// New creates a Runner with at most workers concurrent targets.
func New(workers int, opts ...Option) *Runner {
	if workers < 1 {
		workers = 1
	}
	r := &Runner{workers: workers}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes fn for every target and blocks until all have finished. One
// target's failure never stops its siblings. Targets not yet started when ctx
// is cancelled are recorded as Skipped.
func (r *Runner) Run(ctx context.Context, targets []Target, fn Func, rep *report.Report) {
	if len(targets) == 0 {
		return
	}

	workersCount := min(r.workers, len(targets))
	logging.Logger().Info("dispatching batch",
		zap.String("operation", rep.Operation()),
		zap.String("run_id", rep.ID()),
		zap.Int("targets", len(targets)),
		zap.Int("workers", workersCount))

	pool := pond.NewPool(workersCount)
	for _, t := range targets {
		pool.Submit(func() {
			r.runOne(ctx, t, fn, rep)
		})
	}
	pool.StopAndWait()
}

func (r *Runner) runOne(ctx context.Context, t Target, fn Func, rep *report.Report) {
	start := time.Now()
	entry := report.Entry{TargetID: t.ID, Name: t.Name}

	if err := ctx.Err(); err != nil {
		entry.Outcome = report.Skipped
		entry.Message = "run cancelled before the operation started"
	} else {
		res, err := r.call(ctx, t, fn)
		entry.Outcome = report.OutcomeFor(err)
		if res.Outcome != "" {
			entry.Outcome = res.Outcome
		}
		entry.Warning = res.Warning
		entry.Message = res.Message
		if err != nil {
			entry.Message = fleet.Describe(err)
			logging.Logger().Error("target failed",
				zap.String("operation", rep.Operation()),
				zap.Int("vmid", t.ID),
				zap.String("name", t.Name),
				zap.String("kind", string(fleet.KindOf(err))),
				zap.Error(err))
		}
	}
	entry.DurationMs = time.Since(start).Milliseconds()

	if r.observer != nil {
		r.observer.Observe(rep.Operation(), entry.Outcome, time.Since(start))
	}
	if err := rep.Record(entry); err != nil {
		logging.Logger().Error("failed to record report entry", zap.Int("vmid", t.ID), zap.Error(err))
	}
}

func (r *Runner) call(ctx context.Context, t Target, fn Func) (res Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			logging.Logger().Error("target operation panicked",
				zap.Int("vmid", t.ID),
				zap.Any("panic", p),
				zap.Stack("stack"))
			res = Result{Outcome: report.Failed}
			err = fmt.Errorf("internal error: %v", p)
		}
	}()
	return fn(ctx, t)
}
