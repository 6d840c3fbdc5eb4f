package progress

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/dhcgn/mht-to-html/stats"
)

// Bar tracks finished files of the input tree.
type Bar struct {
	pb      *pterm.ProgressbarPrinter
	total   int
	done    int
	mu      sync.Mutex
	enabled bool
}

// New creates a progress bar when logLevel is "info"; at other levels the
// log lines would tear the bar apart.
func New(total int, logLevel string) *Bar {
	bar := &Bar{
		total:   total,
		enabled: logLevel == "info" && total > 0,
	}

	if bar.enabled {
		pterm.Info.Printf("Files found: %d\n", total)
		pterm.Println()

		pb, _ := pterm.DefaultProgressbar.
			WithTotal(total).
			WithTitle("Converting").
			Start()
		bar.pb = pb
	}

	return bar
}

// Update advances the bar once per finished file.
func (b *Bar) Update(evt stats.Event) {
	if !b.enabled || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch evt.Type {
	case stats.EventTypeScanned:
		b.pb.UpdateTitle("Converting: " + shorten(evt.Path, 40))
	case stats.EventTypeConverted, stats.EventTypeCopied, stats.EventTypeDryRun, stats.EventTypeSkipped:
		b.advance()
	case stats.EventTypeError:
		if evt.Err != nil {
			pterm.Error.Printf("%s: %v\n", evt.Path, evt.Err)
		}
		// scan errors never reach the converter and were not counted
		if evt.Stage == stats.StageConvert {
			b.advance()
		}
	}
}

func (b *Bar) advance() {
	if b.done >= b.total {
		return
	}
	b.done++
	b.pb.Increment()
}

func shorten(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return "..." + string(r[len(r)-max+3:])
}

// Stop finalizes the progress bar.
func (b *Bar) Stop() {
	if !b.enabled || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pb.Current < b.total {
		b.pb.Current = b.total
	}
	_, _ = b.pb.Stop()
}

// Subscriber feeds the bar from the runner's event stream.
func (b *Bar) Subscriber(ctx context.Context, events <-chan stats.Event) error {
	defer b.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			b.Update(evt)
		}
	}
}

// ProgressReporter prints the end-of-run summary below the bar.
type ProgressReporter struct {
	bar       *Bar
	collector *stats.Collector
	logger    *slog.Logger
	started   time.Time
}

func NewProgressReporter(stream stats.EventStream, bar *Bar, logger *slog.Logger) *ProgressReporter {
	reporter := &ProgressReporter{
		bar:       bar,
		collector: stats.NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}

	if bar != nil && bar.enabled {
		stream.SubscribeStats("progress-bar", bar.Subscriber)
		stream.SubscribeStats("progress-stats", reporter.collectStats)
	}

	return reporter
}

func (pr *ProgressReporter) collectStats(ctx context.Context, events <-chan stats.Event) error {
	pr.collector.Run(ctx, events)

	summary := pr.collector.Snapshot()
	duration := time.Since(pr.started).Round(time.Millisecond)

	pterm.Println()
	pterm.DefaultSection.Println("Summary")
	pterm.Info.Printf("Duration: %v\n", duration)
	pterm.Info.Printf("Files found: %d (%d archives)\n", summary.Scanned, summary.Archives)
	pterm.Info.Printf("Converted: %d\n", summary.Converted)
	pterm.Info.Printf("Copied: %d\n", summary.Copied)
	pterm.Info.Printf("Skipped: %d (%d archives unchanged)\n", summary.Skipped, summary.UnchangedArchives)
	if summary.DryRun > 0 {
		pterm.Info.Printf("Dry-run: %d\n", summary.DryRun)
	}
	if summary.Errors > 0 {
		pterm.Warning.Printf("Errors: %d\n", summary.Errors)
		pterm.Error.Printf("Last error (%s): %v\n", summary.LastErrorPath, summary.LastError)
	}
	if summary.ArchivesDone() == summary.Archives {
		pterm.Success.Println(summary.Headline())
	} else {
		pterm.Warning.Println(summary.Headline())
	}

	return nil
}

// Summary returns what the reporter has seen so far.
func (pr *ProgressReporter) Summary() stats.Summary {
	return pr.collector.Snapshot()
}
