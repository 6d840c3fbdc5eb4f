// Package convert executes scanned jobs: MHT archives become standalone HTML
// files and everything else is copied.
package convert

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/dhcgn/mht-to-html/inline"
	"github.com/dhcgn/mht-to-html/mhtml"
	"github.com/dhcgn/mht-to-html/model"
	"github.com/dhcgn/mht-to-html/runner"
	"github.com/dhcgn/mht-to-html/state"
	"github.com/dhcgn/mht-to-html/stats"
)

type Options struct {
	Workers int
	DryRun  bool
	Force   bool
	Strict  bool
}

type Converter struct {
	opts     Options
	runner   *runner.Runner
	tracker  state.Tracker
	jobs     <-chan model.Job
	logger   *slog.Logger
	rewriter *inline.Rewriter
}

func NewConverter(opts Options, r *runner.Runner, logger *slog.Logger) (*Converter, error) {
	if opts.Workers <= 0 {
		return nil, fmt.Errorf("workers must be positive")
	}
	tracker := r.Tracker()
	if tracker == nil {
		return nil, fmt.Errorf("tracker must not be nil")
	}
	converter := &Converter{
		opts:     opts,
		runner:   r,
		tracker:  tracker,
		jobs:     r.Jobs(),
		logger:   logger,
		rewriter: &inline.Rewriter{Logger: logger},
	}
	r.AddStage("convert", converter.run)
	return converter, nil
}

// ToHTML turns one MHT archive into a self-contained HTML document.
func ToHTML(raw []byte, opts mhtml.Options, rw *inline.Rewriter) (string, inline.Report, error) {
	archive, err := mhtml.Parse(bytes.NewReader(raw), opts)
	if err != nil {
		return "", inline.Report{}, err
	}
	body, err := archive.HTMLBody()
	if err != nil {
		return "", inline.Report{}, err
	}
	if rw == nil {
		rw = &inline.Rewriter{}
	}
	html, report := rw.Rewrite(body, archive.Resources())
	return html, report, nil
}

func (c *Converter) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < c.opts.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case job, ok := <-c.jobs:
					if !ok {
						return nil
					}
					c.handle(job)
				}
			}
		})
	}
	return g.Wait()
}

func (c *Converter) handle(job model.Job) {
	isArchive := job.Kind == model.JobConvert
	evt, err := c.safeProcess(job)
	if err != nil {
		if c.logger != nil {
			c.logger.Error("conversion failed", "path", job.SourcePath, "err", err)
		}
		c.runner.EmitEvent(stats.Event{Stage: stats.StageConvert, Type: stats.EventTypeError, Path: job.RelPath, Archive: isArchive, Err: err})
		return
	}
	evt.Stage = stats.StageConvert
	evt.Path = job.RelPath
	evt.Archive = isArchive
	c.runner.EmitEvent(evt)
}

// safeProcess turns a panic while handling one file into that file's error.
func (c *Converter) safeProcess(job model.Job) (evt stats.Event, err error) {
	defer func() {
		if p := recover(); p != nil {
			evt, err = stats.Event{}, fmt.Errorf("panic while processing %s: %v", job.RelPath, p)
		}
	}()
	return c.process(job)
}

func (c *Converter) process(job model.Job) (stats.Event, error) {
	raw, err := os.ReadFile(job.SourcePath)
	if err != nil {
		return stats.Event{}, fmt.Errorf("read %s: %w", job.SourcePath, err)
	}

	key := state.Key(job.RelPath, raw)
	if !c.opts.Force && c.tracker.AlreadyProcessed(key) && exists(job.OutputPath) {
		if c.logger != nil {
			c.logger.Debug("unchanged since last run", "path", job.RelPath)
		}
		return stats.Event{Type: stats.EventTypeSkipped, Detail: "unchanged"}, nil
	}

	out := raw
	done := stats.EventTypeCopied
	if job.Kind == model.JobConvert {
		parseOpts := mhtml.Options{Strict: c.opts.Strict}
		if c.logger != nil {
			parseOpts.Logger = c.logger.With("path", job.RelPath)
		}
		html, report, err := ToHTML(raw, parseOpts, c.rewriter)
		if err != nil {
			return stats.Event{}, fmt.Errorf("convert %s: %w", job.RelPath, err)
		}
		if c.logger != nil {
			c.logger.Debug("rewrote references", "path", job.RelPath, "cid", report.CIDs, "location", report.Locations, "files", report.Files, "filesUnchanged", report.FilesSkipped)
		}
		out = []byte(html)
		done = stats.EventTypeConverted
	}

	if c.opts.DryRun {
		if err := c.tracker.MarkProcessed(key, job.OutputPath); err != nil {
			return stats.Event{}, err
		}
		if c.logger != nil {
			c.logger.Debug("dry-run", "path", job.RelPath, "output", job.OutputPath, "bytes", len(out))
		}
		return stats.Event{Type: stats.EventTypeDryRun}, nil
	}

	if err := writeFileAtomic(job.OutputPath, out, job.Mode); err != nil {
		return stats.Event{}, err
	}
	if err := c.tracker.MarkProcessed(key, job.OutputPath); err != nil {
		return stats.Event{}, err
	}

	if c.logger != nil {
		c.logger.Debug(string(done), "path", job.RelPath, "output", job.OutputPath)
	}
	return stats.Event{Type: done}, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// writeFileAtomic writes data next to path and renames it into place, so a
// failure never leaves a partial file behind.
func writeFileAtomic(path string, data []byte, mode fs.FileMode) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output folder: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if mode == 0 {
		mode = 0o644
	}
	if err := os.Chmod(tmp.Name(), mode); err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename into %s: %w", path, err)
	}
	return nil
}
