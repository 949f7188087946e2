// Package runner supervises external processes: the extractor, the
// formatter and the render service launched in background.
package runner

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotStarted = errors.New("command not started")
	ErrInProgress = errors.New("command in progress")
)

type StderrFunc func(ctx context.Context, line string)

type Runner struct {
	mx         sync.RWMutex
	cmd        *exec.Cmd
	cancelFunc context.CancelFunc
	result     Result
	waits      []chan Result
}

func New() *Runner {
	return &Runner{
		result: Result{Err: ErrNotStarted},
	}
}

type Command struct {
	Path    string
	Args    []string
	Env     []string
	Dir     string
	Timeout time.Duration
	// Detach starts the process in its own process group, it is not
	// killed when the context ends.
	Detach bool
}

type Result struct {
	Path    string
	Args    []string
	Env     []string
	Started time.Time
	Stopped time.Time
	State   *os.ProcessState
	Stdout  *bytes.Buffer
	Stderr  *bytes.Buffer
	Err     error
}

// ExitErr returns an error describing an unsuccessful result including the
// tail of its stderr, nil otherwise.
func (r Result) ExitErr() error {
	var reason string
	switch {
	case r.Err != nil:
		reason = r.Err.Error()
	case r.State == nil:
		reason = "state is nil"
	case r.State.ExitCode() != 0:
		reason = fmt.Sprintf("exit code %d", r.State.ExitCode())
	default:
		return nil
	}
	if r.Stderr != nil && r.Stderr.Len() > 0 {
		reason += ": " + lastLine(r.Stderr.String())
	}
	err := fmt.Errorf("%s: %s", r.Path, reason)
	if r.Err != nil {
		err = fmt.Errorf("%s: %w", r.Path, errors.Join(r.Err, errors.New(reason)))
	}
	return err
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// Start run the underlying process, it ensure only single instance of a binary is active
// returns ErrInProgress or an exec error, otherwise nil. Does NOT wait on
// command to finish, use WaitChan method instead.
// Note it spawn an internal gorutine which monitor the started command and stderr
func (r *Runner) Start(ctx context.Context, proto Command, stderrFunc StderrFunc) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd != nil {
		return ErrInProgress
	}

	r.result = Result{
		Path: proto.Path,
		Args: append([]string(nil), proto.Args...),
		Env:  append([]string(nil), proto.Env...),
		Err:  nil,
	}

	r.cancelFunc = nil
	switch {
	case proto.Detach:
		ctx = context.WithoutCancel(ctx)
	case proto.Timeout == 0:
		slog.DebugContext(ctx, "command has no timeout", "path", proto.Path)
	default:
		ctx, r.cancelFunc = context.WithTimeout(ctx, proto.Timeout)
	}

	r.cmd = exec.CommandContext(ctx, r.result.Path, r.result.Args...)
	r.cmd.Dir = proto.Dir
	if len(r.result.Env) > 0 {
		r.cmd.Env = append(os.Environ(), r.result.Env...)
	}
	if proto.Detach {
		detach(r.cmd)
	}

	var stderrBuf, buf bytes.Buffer
	r.result.Stderr = &stderrBuf
	r.result.Stdout = &buf
	var stderr io.ReadCloser
	switch {
	case proto.Detach:
		// a detached process outlives us, its output goes to the null device
	case stderrFunc != nil:
		var err error
		stderr, err = r.cmd.StderrPipe()
		if err != nil {
			r.cmd = nil
			return err
		}
		r.cmd.Stdout = &buf
	default:
		r.cmd.Stderr = &stderrBuf
		r.cmd.Stdout = &buf
	}

	r.result.Started = time.Now().UTC()
	if err := r.cmd.Start(); err != nil {
		r.result.Stopped = time.Now().UTC()
		r.result.Err = err
		r.cmd = nil
		if r.cancelFunc != nil {
			r.cancelFunc()
		}
		return err
	}

	var stderrDone chan struct{}
	if stderr != nil {
		stderrDone = make(chan struct{})
		go func() {
			defer close(stderrDone)
			r.processStderr(ctx, stderr, &stderrBuf, stderrFunc)
		}()
	}
	go r.wait(r.cmd, stderrDone)
	return nil
}

func (r *Runner) processStderr(ctx context.Context, stderr io.Reader, buf *bytes.Buffer, stderrFunc StderrFunc) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		buf.WriteString(line)
		buf.WriteByte('\n')
		stderrFunc(ctx, line)
	}
	err := scanner.Err()
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
		slog.ErrorContext(ctx, "processing stderr", "error", err)
	}
}

func (r *Runner) wait(cmd *exec.Cmd, stderrDone <-chan struct{}) {
	if stderrDone != nil {
		// the pipe must be drained before Wait closes it
		<-stderrDone
	}
	err := cmd.Wait()
	stopped := time.Now().UTC()

	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cancelFunc != nil {
		r.cancelFunc()
		r.cancelFunc = nil
	}
	r.result.Stopped = stopped
	r.result.State = cmd.ProcessState
	r.result.Err = err
	r.cmd = nil
	for _, ch := range r.waits {
		ch <- r.result
		close(ch)
	}
	r.waits = nil
}

// WaitChan returns the channel obtaining the result of a running
// program. The channel is closed once program ends. If nothing runs, the
// last result is delivered immediately.
func (r *Runner) WaitChan() <-chan Result {
	ch := make(chan Result, 1)
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd == nil {
		ch <- r.result
		close(ch)
		return ch
	}
	r.waits = append(r.waits, ch)
	return ch
}

// Result returns a last command result
// or result with ErrNotStarted/ErrInProgress
// if no command have been executed yet
func (r *Runner) Result() Result {
	r.mx.RLock()
	defer r.mx.RUnlock()
	if r.cmd != nil {
		res := r.result
		res.Err = ErrInProgress
		return res
	}
	return r.result
}

// Pid returns the process id of a running command or zero
func (r *Runner) Pid() int {
	r.mx.RLock()
	defer r.mx.RUnlock()
	if r.cmd == nil || r.cmd.Process == nil {
		return 0
	}
	return r.cmd.Process.Pid
}

// Run starts proto and waits for its result
func Run(ctx context.Context, proto Command, stderrFunc StderrFunc) Result {
	r := New()
	if err := r.Start(ctx, proto, stderrFunc); err != nil {
		return r.Result()
	}
	return <-r.WaitChan()
}
