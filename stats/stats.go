package stats

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

type Stage string

const (
	StageScan    Stage = "scan"
	StageConvert Stage = "convert"
)

type EventType string

const (
	EventTypeScanned   EventType = "scanned"
	EventTypeConverted EventType = "converted"
	EventTypeCopied    EventType = "copied"
	EventTypeSkipped   EventType = "skipped"
	EventTypeDryRun    EventType = "dry_run"
	EventTypeError     EventType = "error"
)

type Event struct {
	Stage Stage
	Type  EventType
	Path  string
	// Archive marks events about .mht files, as opposed to mirrored files.
	Archive bool
	Err     error
	Detail  string
}

type Summary struct {
	Scanned       int
	Archives      int
	Converted     int
	Copied        int
	Skipped       int
	DryRun        int
	Errors        int
	ArchiveErrors int
	// archives skipped because their output is current, and archives
	// converted without writing
	UnchangedArchives int
	DryRunArchives    int
	LastError         error
	LastErrorPath     string
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"scanned", s.Scanned,
		"archives", s.Archives,
		"converted", s.Converted,
		"copied", s.Copied,
		"skipped", s.Skipped,
		"unchanged", s.UnchangedArchives,
		"dryRun", s.DryRun,
		"errors", s.Errors,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error(), "lastErrorPath", s.LastErrorPath)
	}
	return attrs
}

// ArchivesDone counts archives whose HTML file is current after the run.
func (s Summary) ArchivesDone() int {
	return s.Converted + s.UnchangedArchives + s.DryRunArchives
}

// Headline renders the "converted N/M" line printed at the end of a run.
func (s Summary) Headline() string {
	line := fmt.Sprintf("converted %d/%d archives", s.ArchivesDone(), s.Archives)
	if s.UnchangedArchives > 0 {
		line += fmt.Sprintf(" (%d unchanged)", s.UnchangedArchives)
	}
	if s.DryRunArchives > 0 {
		line += fmt.Sprintf(" (%d dry-run)", s.DryRunArchives)
	}
	return line
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.Apply(evt)
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

func (c *Collector) Apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeScanned:
		c.summary.Scanned++
		if evt.Archive {
			c.summary.Archives++
		}
	case EventTypeConverted:
		c.summary.Converted++
	case EventTypeCopied:
		c.summary.Copied++
	case EventTypeSkipped:
		c.summary.Skipped++
		if evt.Archive {
			c.summary.UnchangedArchives++
		}
	case EventTypeDryRun:
		c.summary.DryRun++
		if evt.Archive {
			c.summary.DryRunArchives++
		}
	case EventTypeError:
		c.summary.Errors++
		if evt.Archive {
			c.summary.ArchiveErrors++
		}
		if evt.Err != nil {
			c.summary.LastError = evt.Err
			c.summary.LastErrorPath = evt.Path
		}
	}
}

type EventStream interface {
	SubscribeStats(name string, fn func(context.Context, <-chan Event) error)
}

type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(stream EventStream, logger *slog.Logger) *Reporter {
	reporter := &Reporter{
		collector: NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
	stream.SubscribeStats("stats-reporter", reporter.consume)
	return reporter
}

func (r *Reporter) consume(ctx context.Context, events <-chan Event) error {
	r.collector.Run(ctx, events)
	summary := r.collector.Snapshot()
	attrs := append(summary.LogAttrs(), "duration", time.Since(r.started))
	if ctx.Err() != nil {
		if r.logger != nil {
			r.logger.Debug("stats collection stopped", append(attrs, "err", ctx.Err())...)
		}
		return ctx.Err()
	}
	if r.logger != nil {
		r.logger.Info(summary.Headline(), attrs...)
	}
	return nil
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}

// PrettyPrintTop prints the top N most frequent items in a map.
func PrettyPrintTop(m map[string]int, limit int) {
	for i, p := range TopN(m, limit) {
		fmt.Printf("%d. %s (%d)\n", i+1, p.Key, p.Value)
	}
}

type Pair struct {
	Key   string
	Value int
}

// TopN returns the limit most frequent items, ties broken by key.
func TopN(m map[string]int, limit int) []Pair {
	pairs := make([]Pair, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, Pair{k, v})
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Value != pairs[j].Value {
			return pairs[i].Value > pairs[j].Value
		}
		return pairs[i].Key < pairs[j].Key
	})

	if limit >= 0 && limit < len(pairs) {
		pairs = pairs[:limit]
	}
	return pairs
}
