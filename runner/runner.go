package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dhcgn/mht-to-html/config"
	"github.com/dhcgn/mht-to-html/model"
	"github.com/dhcgn/mht-to-html/state"
	"github.com/dhcgn/mht-to-html/stats"
)

type StageFunc func(context.Context) error

type Runner struct {
	cfg    config.Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	scanned chan model.Envelope
	jobs    chan model.Job

	subsMu      sync.Mutex
	subscribers []chan stats.Event

	tracker state.Tracker

	workWG  sync.WaitGroup
	statsWG sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeScanOnce   sync.Once
	closeJobsOnce   sync.Once
	closeEventsOnce sync.Once
	since           time.Time
}

func New(cfg config.Config, logger *slog.Logger) (*Runner, error) {
	tracker, err := state.NewFileTracker(cfg.StateDir, cfg.StateName(), !cfg.DryRun)
	if err != nil {
		return nil, fmt.Errorf("state tracker: %w", err)
	}
	return NewWithTracker(cfg, logger, tracker), nil
}

// NewWithTracker builds a Runner around an existing tracker.
func NewWithTracker(cfg config.Config, logger *slog.Logger, tracker state.Tracker) *Runner {
	ctx, cancel := context.WithCancel(context.Background())

	r := &Runner{
		cfg:     cfg,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		scanned: make(chan model.Envelope, 64),
		jobs:    make(chan model.Job, 64),
		tracker: tracker,
	}

	r.AddStage("bridge", r.bridge)
	return r
}

func (r *Runner) Config() config.Config {
	return r.cfg
}

func (r *Runner) Logger() *slog.Logger {
	return r.logger
}

func (r *Runner) Context() context.Context {
	return r.ctx
}

func (r *Runner) Tracker() state.Tracker {
	return r.tracker
}

func (r *Runner) ScanWriter() chan<- model.Envelope {
	return r.scanned
}

func (r *Runner) CloseScan() {
	r.closeScanOnce.Do(func() {
		close(r.scanned)
	})
}

func (r *Runner) Jobs() <-chan model.Job {
	return r.jobs
}

// EmitEvent delivers evt to every stats subscriber.
func (r *Runner) EmitEvent(evt stats.Event) {
	r.subsMu.Lock()
	subs := r.subscribers
	r.subsMu.Unlock()

	for _, ch := range subs {
		select {
		case <-r.ctx.Done():
			return
		case ch <- evt:
		}
	}
}

// SubscribeStats must be called before Start. Each subscriber receives its
// own copy of the event stream.
func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	ch := make(chan stats.Event, 128)
	r.subsMu.Lock()
	r.subscribers = append(r.subscribers, ch)
	r.subsMu.Unlock()

	r.statsWG.Add(1)
	go func() {
		defer r.statsWG.Done()
		if err := fn(r.ctx, ch); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stats: %w", name, err))
		}
	}()
}

func (r *Runner) AddStage(name string, fn StageFunc) {
	r.workWG.Add(1)
	go func() {
		defer r.workWG.Done()
		if err := fn(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stage: %w", name, err))
		}
	}()
}

func (r *Runner) Start() error {
	r.since = time.Now()

	r.workWG.Wait()
	r.closeEvents()
	r.statsWG.Wait()

	r.cancel()

	if err := r.tracker.Close(); err != nil {
		r.fail(fmt.Errorf("close state: %w", err))
	}

	err := r.firstErr()
	duration := time.Since(r.since)
	if err != nil {
		r.logger.Error("pipeline failed", "duration", duration, "err", err)
		return err
	}

	r.logger.Info("pipeline completed", "duration", duration)
	return nil
}

// bridge forwards scanned jobs to the converter. Scan errors are reported
// and do not stop the batch.
func (r *Runner) bridge(ctx context.Context) error {
	defer r.closeJobs()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case envelope, ok := <-r.scanned:
			if !ok {
				return nil
			}

			if envelope.Err != nil {
				r.logger.Error("scan failed", "path", envelope.Job.SourcePath, "err", envelope.Err)
				r.EmitEvent(stats.Event{Stage: stats.StageScan, Type: stats.EventTypeError, Path: envelope.Job.RelPath, Err: envelope.Err})
				continue
			}

			job := envelope.Job
			isArchive := job.Kind == model.JobConvert
			r.EmitEvent(stats.Event{Stage: stats.StageScan, Type: stats.EventTypeScanned, Path: job.RelPath, Archive: isArchive})

			if job.Kind == model.JobCopy && !r.cfg.CopyOthers {
				r.EmitEvent(stats.Event{Stage: stats.StageScan, Type: stats.EventTypeSkipped, Path: job.RelPath, Detail: "copy disabled"})
				continue
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case r.jobs <- job:
			}
		}
	}
}

func (r *Runner) closeJobs() {
	r.closeJobsOnce.Do(func() {
		close(r.jobs)
	})
}

func (r *Runner) closeEvents() {
	r.closeEventsOnce.Do(func() {
		r.subsMu.Lock()
		defer r.subsMu.Unlock()
		for _, ch := range r.subscribers {
			close(ch)
		}
	})
}

func (r *Runner) firstErr() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}

func (r *Runner) fail(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
		r.cancel()
	}
	r.errMu.Unlock()
}
