package scan

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/dhcgn/mht-to-html/model"
)

func makeTree(t *testing.T, root string, files ...string) {
	t.Helper()
	for _, rel := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(rel), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
}

func collect(t *testing.T, opts Options) []model.Job {
	t.Helper()
	w, err := NewWalker(opts, nil)
	if err != nil {
		t.Fatalf("NewWalker: %v", err)
	}

	out := make(chan model.Envelope, 64)
	done := make(chan error, 1)
	go func() {
		done <- w.Stream(context.Background(), out)
		close(out)
	}()

	var jobs []model.Job
	for env := range out {
		if env.Err != nil {
			t.Errorf("unexpected scan error for %s: %v", env.Job.SourcePath, env.Err)
			continue
		}
		jobs = append(jobs, env.Job)
	}
	if err := <-done; err != nil {
		t.Fatalf("Stream: %v", err)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].RelPath < jobs[j].RelPath })
	return jobs
}

func TestIsArchive(t *testing.T) {
	cases := map[string]bool{
		"page.mht":     true,
		"PAGE.MHT":     true,
		"saved.mhtml":  true,
		"dir/a.Mht":    true,
		"page.html":    false,
		"page.mht.bak": false,
		"mht":          false,
		"archive.mhtx": false,
		"no-extension": false,
	}
	for name, want := range cases {
		if got := IsArchive(name); got != want {
			t.Errorf("IsArchive(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestOutputPath(t *testing.T) {
	out := filepath.Join("x", "out")
	if got, want := OutputPath(out, "a/b/page.MHT"), filepath.Join(out, "a", "b", "page.html"); got != want {
		t.Errorf("archive output = %q, want %q", got, want)
	}
	if got, want := OutputPath(out, "a/logo.png"), filepath.Join(out, "a", "logo.png"); got != want {
		t.Errorf("copy output = %q, want %q", got, want)
	}
}

func TestStreamClassifiesFiles(t *testing.T) {
	in := t.TempDir()
	out := t.TempDir()
	makeTree(t, in, "index.mht", "sub/deep/page.mhtml", "sub/logo.png", "readme.txt")

	jobs := collect(t, Options{InputDir: in, OutputDir: out})
	if len(jobs) != 4 {
		t.Fatalf("expected 4 jobs, got %d: %+v", len(jobs), jobs)
	}

	want := []struct {
		rel  string
		kind model.JobKind
		out  string
	}{
		{"index.mht", model.JobConvert, filepath.Join(out, "index.html")},
		{"readme.txt", model.JobCopy, filepath.Join(out, "readme.txt")},
		{"sub/deep/page.mhtml", model.JobConvert, filepath.Join(out, "sub", "deep", "page.html")},
		{"sub/logo.png", model.JobCopy, filepath.Join(out, "sub", "logo.png")},
	}
	for i, w := range want {
		job := jobs[i]
		if job.RelPath != w.rel || job.Kind != w.kind || job.OutputPath != w.out {
			t.Errorf("job %d = %+v, want rel=%s kind=%s out=%s", i, job, w.rel, w.kind, w.out)
		}
		if job.Size != int64(len(w.rel)) {
			t.Errorf("job %s size = %d, want %d", job.RelPath, job.Size, len(w.rel))
		}
	}
}

func TestStreamSkipsOutputInsideInput(t *testing.T) {
	in := t.TempDir()
	out := filepath.Join(in, "converted")
	makeTree(t, in, "a.mht", "converted/a.html", "converted/old.png")

	jobs := collect(t, Options{InputDir: in, OutputDir: out})
	if len(jobs) != 1 || jobs[0].RelPath != "a.mht" {
		t.Fatalf("expected only a.mht, got %+v", jobs)
	}
}

func TestStreamAppliesFilter(t *testing.T) {
	in := t.TempDir()
	makeTree(t, in, "keep/a.mht", "drop/b.mht", "keep/c.png")

	jobs := collect(t, Options{InputDir: in, OutputDir: t.TempDir(), ExcludePath: []string{`^drop/`}})
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %+v", jobs)
	}
	for _, job := range jobs {
		if filepath.Dir(job.RelPath) != "keep" {
			t.Errorf("unexpected job %s", job.RelPath)
		}
	}

	jobs = collect(t, Options{InputDir: in, OutputDir: t.TempDir(), IncludePath: []string{`(?i)\.mht$`}})
	if len(jobs) != 2 {
		t.Fatalf("expected 2 archives, got %+v", jobs)
	}
}

func TestCount(t *testing.T) {
	in := t.TempDir()
	makeTree(t, in, "a.mht", "b/c.mht", "b/d.gif")

	n, err := Count(context.Background(), Options{InputDir: in, OutputDir: t.TempDir()}, nil)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 3 {
		t.Fatalf("Count = %d, want 3", n)
	}
}

func TestMissingInputFails(t *testing.T) {
	w, err := NewWalker(Options{InputDir: filepath.Join(t.TempDir(), "missing"), OutputDir: t.TempDir()}, nil)
	if err != nil {
		t.Fatalf("NewWalker: %v", err)
	}
	out := make(chan model.Envelope, 1)
	if err := w.Stream(context.Background(), out); err == nil {
		t.Fatal("expected error for missing input folder")
	}
}

func TestNewWalkerValidation(t *testing.T) {
	if _, err := NewWalker(Options{OutputDir: "x"}, nil); err == nil {
		t.Error("expected error for empty input")
	}
	if _, err := NewWalker(Options{InputDir: "x"}, nil); err == nil {
		t.Error("expected error for empty output")
	}
	if _, err := NewWalker(Options{InputDir: "x", OutputDir: "y", IncludePath: []string{"a"}, ExcludePath: []string{"b"}}, nil); err == nil {
		t.Error("expected error for include and exclude together")
	}
}
