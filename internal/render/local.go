package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/CZERTAINLY/snapdoc/internal/log"
	"github.com/CZERTAINLY/snapdoc/internal/metrics"
	"github.com/CZERTAINLY/snapdoc/internal/parallel"
	"github.com/CZERTAINLY/snapdoc/internal/progress"
	"github.com/CZERTAINLY/snapdoc/internal/runner"
	"github.com/CZERTAINLY/snapdoc/internal/stylesheet"
)

// progress units of a rendered document
const (
	workCompile   = 10
	workTransform = 80
	workOpen      = 10
	workTotal     = workCompile + workTransform + workOpen
)

// Local renders jobs in process on a bounded pool of goroutines.
type Local struct {
	engine   Engine
	cache    *stylesheet.Cache
	pool     *parallel.Pool
	opener   *runner.Command
	recorder metrics.Recorder
}

type LocalOption func(*Local)

// WithWorkers limits the number of concurrently rendered jobs
func WithWorkers(n int) LocalOption {
	return func(l *Local) {
		l.pool = parallel.NewPool(n)
	}
}

// WithOpener sets the command opening generated documents, the output
// path is appended to its arguments.
func WithOpener(cmd runner.Command) LocalOption {
	return func(l *Local) {
		l.opener = &cmd
	}
}

func WithRecorder(r metrics.Recorder) LocalOption {
	return func(l *Local) {
		if r != nil {
			l.recorder = r
		}
	}
}

// NewLocal returns a renderer using engine with compiled stylesheets taken
// from cache. A nil cache means a private one.
func NewLocal(engine Engine, cache *stylesheet.Cache, opts ...LocalOption) *Local {
	if cache == nil {
		cache = stylesheet.NewCache(engine)
	}
	opener := DefaultOpener()
	l := &Local{
		engine:   engine,
		cache:    cache,
		pool:     parallel.NewPool(parallel.DefaultLimit()),
		opener:   &opener,
		recorder: metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Local) Submit(ctx context.Context, job Job) {
	l.pool.Submit(func() {
		l.Render(ctx, job)
	})
}

// Wait blocks until all submitted jobs are finished
func (l *Local) Wait() {
	l.pool.Wait()
}

// Render renders the job synchronously
func (l *Local) Render(ctx context.Context, job Job) {
	node := job.Node
	name := filepath.Base(job.Output)
	ctx = log.ContextAttrs(ctx, log.Output(job.Output))
	if err := node.Start(fmt.Sprintf("Generating document %q...", name), workTotal); err != nil {
		slog.ErrorContext(ctx, "render job can't be started", log.Error(err))
		return
	}

	started := time.Now()
	l.recorder.JobStarted()
	outcome := metrics.OutcomeSuccess
	defer func() {
		l.recorder.JobFinished(outcome, time.Since(started))
	}()

	finish := func(err error) {
		switch {
		case errors.Is(err, progress.ErrCancelled) || (err != nil && node.IsCancelled()):
			outcome = metrics.OutcomeCancelled
			_ = node.Finish(fmt.Sprintf("Generation of document %q cancelled.", name), nil)
		case err != nil:
			outcome = metrics.OutcomeFailed
			err = fmt.Errorf("%w: %s: %w", ErrRenderFailed, name, err)
			slog.ErrorContext(ctx, "rendering failed", log.Error(err))
			_ = node.Finish(fmt.Sprintf("Generation of document %q failed.", name), err)
		default:
			_ = node.Finish(fmt.Sprintf("Document %q generated in %s.", name, time.Since(started).Round(time.Millisecond)), nil)
		}
	}

	if err := node.CheckCancelled(); err != nil {
		finish(err)
		return
	}

	node.Describe("Compiling stylesheet...")
	tmpl, err := l.cache.Compile(job.Stylesheet)
	if err != nil {
		finish(err)
		return
	}
	_ = node.Report(workCompile)

	if err := os.MkdirAll(filepath.Dir(job.Output), 0o755); err != nil {
		finish(err)
		return
	}

	transform, err := node.Child("transform", workTransform)
	if err != nil {
		finish(err)
		return
	}
	tctx, cancel := transform.Context(ctx)
	_ = transform.Start("Transforming...", 100)
	err = l.engine.Transform(tctx, tmpl, job, transform)
	cancel()
	if node.IsCancelled() {
		_ = transform.Finish("", nil)
	} else {
		_ = transform.Finish("", err)
	}
	if err != nil {
		finish(err)
		return
	}
	if err := node.CheckCancelled(); err != nil {
		finish(err)
		return
	}

	if job.Open && l.opener != nil {
		node.Describe(fmt.Sprintf("Opening document %q...", name))
		cmd := *l.opener
		cmd.Args = append(append([]string(nil), cmd.Args...), job.Output)
		cmd.Detach = true
		r := runner.New()
		if err := r.Start(context.WithoutCancel(ctx), cmd, nil); err != nil {
			slog.WarnContext(ctx, "document can't be opened", log.Error(err))
		}
	}
	_ = node.Report(workOpen)
	finish(nil)
}

// DefaultOpener returns the command opening a file in the desktop
// default application.
func DefaultOpener() runner.Command {
	switch runtime.GOOS {
	case "darwin":
		return runner.Command{Path: "open"}
	case "windows":
		return runner.Command{Path: "cmd", Args: []string{"/c", "start", ""}}
	default:
		return runner.Command{Path: "xdg-open"}
	}
}
