// Package scan walks the input tree and turns every file into a job.
package scan

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/dhcgn/mht-to-html/filter"
	"github.com/dhcgn/mht-to-html/model"
	"github.com/dhcgn/mht-to-html/runner"
)

// archiveExtensions are matched case-insensitively.
var archiveExtensions = map[string]bool{
	".mht":   true,
	".mhtml": true,
}

type Options struct {
	InputDir    string
	OutputDir   string
	IncludePath []string
	ExcludePath []string
}

type Walker interface {
	Stream(ctx context.Context, out chan<- model.Envelope) error
}

func NewWalker(opts Options, logger *slog.Logger) (Walker, error) {
	root := strings.TrimSpace(opts.InputDir)
	if root == "" {
		return nil, fmt.Errorf("input folder is empty")
	}
	if strings.TrimSpace(opts.OutputDir) == "" {
		return nil, fmt.Errorf("output folder is empty")
	}

	f, err := filter.New(filter.Options{IncludePath: opts.IncludePath, ExcludePath: opts.ExcludePath})
	if err != nil {
		return nil, err
	}

	return &treeWalker{
		root:   filepath.Clean(root),
		output: filepath.Clean(opts.OutputDir),
		filter: f,
		logger: logger,
	}, nil
}

type treeWalker struct {
	root   string
	output string
	filter *filter.Filter
	logger *slog.Logger
}

// IsArchive reports whether name has an MHT extension.
func IsArchive(name string) bool {
	return archiveExtensions[strings.ToLower(filepath.Ext(name))]
}

// OutputPath mirrors relPath under outputDir, renaming archives to .html.
func OutputPath(outputDir, relPath string) string {
	out := filepath.Join(outputDir, filepath.FromSlash(relPath))
	if IsArchive(relPath) {
		out = strings.TrimSuffix(out, filepath.Ext(out)) + ".html"
	}
	return out
}

func (w *treeWalker) Stream(ctx context.Context, out chan<- model.Envelope) error {
	return w.walk(ctx, func(job model.Job) error {
		return emitEnvelope(ctx, out, model.Envelope{Job: job})
	}, func(path string, err error) error {
		if w.logger != nil {
			w.logger.Error("scan error", "path", path, "err", err)
		}
		return emitEnvelope(ctx, out, model.Envelope{Job: model.Job{SourcePath: path, RelPath: w.rel(path)}, Err: err})
	})
}

// Count returns the number of jobs a Stream would produce.
func (w *treeWalker) Count(ctx context.Context) (int, error) {
	count := 0
	err := w.walk(ctx, func(model.Job) error {
		count++
		return nil
	}, func(string, error) error {
		return nil
	})
	return count, err
}

func (w *treeWalker) walk(ctx context.Context, onJob func(model.Job) error, onErr func(string, error) error) error {
	outputAbs, _ := filepath.Abs(w.output)

	return filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if path == w.root {
				return fmt.Errorf("open input folder: %w", err)
			}
			if emitErr := onErr(path, err); emitErr != nil {
				return emitErr
			}
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			if abs, absErr := filepath.Abs(path); absErr == nil && abs == outputAbs {
				if w.logger != nil {
					w.logger.Debug("skipping output folder inside input", "path", path)
				}
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel := w.rel(path)
		if !w.filter.Allows(rel) {
			if w.logger != nil {
				w.logger.Debug("filtered", "path", rel)
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return onErr(path, err)
		}

		kind := model.JobCopy
		if IsArchive(rel) {
			kind = model.JobConvert
		}
		return onJob(model.Job{
			Kind:       kind,
			SourcePath: path,
			RelPath:    rel,
			OutputPath: OutputPath(w.output, rel),
			Size:       info.Size(),
			Mode:       info.Mode().Perm(),
		})
	})
}

func (w *treeWalker) rel(path string) string {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

func emitEnvelope(ctx context.Context, out chan<- model.Envelope, env model.Envelope) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- env:
		return nil
	}
}

// Count walks the tree once without producing jobs, for progress reporting.
func Count(ctx context.Context, opts Options, logger *slog.Logger) (int, error) {
	w, err := NewWalker(opts, logger)
	if err != nil {
		return 0, err
	}
	return w.(*treeWalker).Count(ctx)
}

type Producer struct {
	walker Walker
	runner *runner.Runner
}

func NewProducer(opts Options, r *runner.Runner, logger *slog.Logger) (*Producer, error) {
	walker, err := NewWalker(opts, logger)
	if err != nil {
		return nil, err
	}
	producer := &Producer{walker: walker, runner: r}
	r.AddStage("scan", producer.run)
	return producer, nil
}

func (p *Producer) run(ctx context.Context) error {
	defer p.runner.CloseScan()
	return p.walker.Stream(ctx, p.runner.ScanWriter())
}
