package render

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"sync"
)

const (
	// ffmpeg emits very long progress lines; the scanner buffer must hold
	// the longest one.
	scannerBufferSize = 1 << 20

	defaultStderrTailLines = 12
)

// Command is a typed subprocess invocation rendered to an argv vector at
// execution time. Line callbacks run on scanner goroutines and must not
// block.
type Command struct {
	Path              string
	Args              []string
	Dir               string
	StdoutLine        func(string)
	StderrLine        func(string)
	CaptureStderrTail int
}

// Result carries the subprocess outcome. ExitCode is -1 when the process
// never ran or was killed by a signal.
type Result struct {
	ExitCode   int
	StderrTail []string
}

// Run executes the command and blocks until it exits or ctx is done, in
// which case the process is killed. The returned error is the raw
// exec.Cmd.Wait error; callers map it to their own error kinds.
func (c Command) Run(ctx context.Context) (Result, error) {
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	if c.Dir != "" {
		cmd.Dir = c.Dir
	}

	tailLimit := c.CaptureStderrTail
	if tailLimit <= 0 {
		tailLimit = defaultStderrTailLines
	}
	tail := &lineTail{limit: tailLimit}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{ExitCode: -1}, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{ExitCode: -1}, err
	}

	if err := cmd.Start(); err != nil {
		return Result{ExitCode: -1}, err
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scanLines(stdout, func(line string) {
			if c.StdoutLine != nil {
				c.StdoutLine(line)
			}
		})
	}()
	go func() {
		defer wg.Done()
		scanLines(stderr, func(line string) {
			tail.push(line)
			if c.StderrLine != nil {
				c.StderrLine(line)
			}
		})
	}()
	wg.Wait()

	waitErr := cmd.Wait()
	result := Result{ExitCode: cmd.ProcessState.ExitCode(), StderrTail: tail.tail()}
	return result, waitErr
}

func scanLines(r io.Reader, emit func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), scannerBufferSize)
	for scanner.Scan() {
		emit(scanner.Text())
	}
}

// lineTail keeps the last limit lines pushed to it. A single scanner
// goroutine writes; tail() is only read after the process has exited.
type lineTail struct {
	mu    sync.Mutex
	limit int
	lines []string
}

func (t *lineTail) push(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.limit {
		t.lines = t.lines[len(t.lines)-t.limit:]
	}
}

func (t *lineTail) tail() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.lines))
	copy(out, t.lines)
	return out
}
