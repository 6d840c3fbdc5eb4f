// Package state remembers which input files an earlier run already wrote, so
// a re-run only touches new or changed files.
package state

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Tracker records finished jobs by key. Implementations are safe for
// concurrent use by the converter workers.
type Tracker interface {
	AlreadyProcessed(key string) bool
	MarkProcessed(key, outputPath string) error
	Snapshot() Snapshot
	Close() error
}

// Key identifies one version of one input file: the same content at another
// path, or changed content at the same path, yields a different key.
func Key(relPath string, content []byte) string {
	sum := sha256.Sum256(content)
	return relPath + ":" + hex.EncodeToString(sum[:])
}

type Snapshot struct {
	Processed int
}

// MemoryTracker keeps keys for the lifetime of the process only. Tests and
// dry runs use it directly.
type MemoryTracker struct {
	mu      sync.RWMutex
	outputs map[string]string
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{outputs: make(map[string]string)}
}

func (m *MemoryTracker) AlreadyProcessed(key string) bool {
	if key == "" {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.outputs[key]
	return ok
}

func (m *MemoryTracker) MarkProcessed(key, outputPath string) error {
	m.remember(key, outputPath)
	return nil
}

// remember stores key and reports whether it was new.
func (m *MemoryTracker) remember(key, outputPath string) bool {
	if key == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, seen := m.outputs[key]; seen {
		return false
	}
	m.outputs[key] = outputPath
	return true
}

func (m *MemoryTracker) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{Processed: len(m.outputs)}
}

func (m *MemoryTracker) Close() error {
	return nil
}

// entry is one line of the state file.
type entry struct {
	Key  string `json:"key"`
	Path string `json:"path"`
}

// FileTracker is a MemoryTracker backed by an append-only JSON Lines file,
// one entry per finished job.
type FileTracker struct {
	*MemoryTracker
	path string
	log  *journal
}

// NewFileTracker loads <stateDir>/<name>.jsonl. New keys are appended only
// when persist is set; otherwise the file is read and left alone.
func NewFileTracker(stateDir, name string, persist bool) (*FileTracker, error) {
	if strings.TrimSpace(stateDir) == "" {
		return nil, fmt.Errorf("state directory is empty")
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	t := &FileTracker{
		MemoryTracker: NewMemoryTracker(),
		path:          filepath.Join(stateDir, name+".jsonl"),
	}
	good, err := readEntries(t.path, func(e entry) { t.remember(e.Key, e.Path) })
	if err != nil {
		return nil, err
	}

	if persist {
		log, err := openJournal(t.path, good)
		if err != nil {
			return nil, err
		}
		t.log = log
	}
	return t, nil
}

func (t *FileTracker) MarkProcessed(key, outputPath string) error {
	if !t.remember(key, outputPath) || t.log == nil {
		return nil
	}
	return t.log.append(entry{Key: key, Path: outputPath})
}

// Flush pushes buffered entries to disk.
func (t *FileTracker) Flush() error {
	if t.log == nil {
		return nil
	}
	return t.log.flush()
}

// Close flushes and closes the state file. Later calls are no-ops.
func (t *FileTracker) Close() error {
	if t.log == nil {
		return nil
	}
	return t.log.close()
}

// readEntries calls fn for every entry in path and returns the length of the
// newline-terminated prefix. A missing file is an empty state. A final line
// without a newline is a write cut short by a crash and is dropped; any other
// unreadable line is an error.
func readEntries(path string, fn func(entry)) (int64, error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("open state file: %w", err)
	}
	defer file.Close()

	var good int64
	r := bufio.NewReader(file)
	for line := 1; ; line++ {
		raw, err := r.ReadBytes('\n')
		if err == io.EOF {
			// anything after the last newline is a torn write and is redone
			return good, nil
		}
		if err != nil {
			return 0, fmt.Errorf("read state file: %w", err)
		}

		if text := bytes.TrimSpace(raw); len(text) > 0 {
			var e entry
			if err := json.Unmarshal(text, &e); err != nil {
				return 0, fmt.Errorf("parse state line %d: %w", line, err)
			}
			if e.Key != "" {
				fn(e)
			}
		}
		good += int64(len(raw))
	}
}

// journal appends JSON lines to a file through a buffer.
type journal struct {
	mu   sync.Mutex
	file *os.File
	buf  *bufio.Writer
}

// openJournal opens path for appending after cutting it to size bytes, so a
// torn last line is never continued.
func openJournal(path string, size int64) (*journal, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open state file for append: %w", err)
	}
	if info, err := file.Stat(); err == nil && info.Size() > size {
		if err := file.Truncate(size); err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("truncate torn state file: %w", err)
		}
	}
	return &journal{file: file, buf: bufio.NewWriterSize(file, 64*1024)}, nil
}

func (j *journal) append(e entry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode state entry: %w", err)
	}
	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return fmt.Errorf("state file closed")
	}
	if _, err := j.buf.Write(line); err != nil {
		return fmt.Errorf("write state entry: %w", err)
	}
	return nil
}

func (j *journal) flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	return j.sync()
}

func (j *journal) close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}

	err := j.sync()
	if closeErr := j.file.Close(); closeErr != nil && err == nil {
		err = fmt.Errorf("close state file: %w", closeErr)
	}
	j.file, j.buf = nil, nil
	return err
}

// sync must be called with mu held.
func (j *journal) sync() error {
	if err := j.buf.Flush(); err != nil {
		return fmt.Errorf("flush state file: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("sync state file: %w", err)
	}
	return nil
}
