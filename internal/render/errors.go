package render

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingBinary is returned by NewEngine when the ffmpeg binary
	// cannot be resolved. It is raised once at startup, never per render.
	ErrMissingBinary = errors.New("ffmpeg binary not found")

	// ErrPipelineFailed marks a nonzero ffmpeg exit. Use errors.As with
	// *PipelineError to reach the exit code and stderr tail.
	ErrPipelineFailed = errors.New("render pipeline failed")

	// ErrIOFailure marks unreadable inputs or an unwritable output.
	ErrIOFailure = errors.New("render io failure")
)

// PipelineError carries the subprocess exit state and the tail of its
// stderr, which is where ffmpeg explains itself.
type PipelineError struct {
	ExitCode   int
	StderrTail string
}

func (e *PipelineError) Error() string {
	if e.StderrTail == "" {
		return fmt.Sprintf("ffmpeg exited with code %d", e.ExitCode)
	}
	return fmt.Sprintf("ffmpeg exited with code %d: %s", e.ExitCode, e.StderrTail)
}

func (e *PipelineError) Unwrap() error {
	return ErrPipelineFailed
}
