package model

import "io/fs"

// JobKind tells the converter what to do with a scanned file.
type JobKind string

const (
	JobConvert JobKind = "convert"
	JobCopy    JobKind = "copy"
)

// Job is a single file of the input tree and where its result goes.
type Job struct {
	Kind       JobKind
	SourcePath string
	// RelPath is slash-separated and relative to the input root.
	RelPath    string
	OutputPath string
	Size       int64
	Mode       fs.FileMode
}

// Envelope wraps a job alongside an optional error encountered while scanning.
type Envelope struct {
	Job Job
	Err error
}
