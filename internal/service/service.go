package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/CZERTAINLY/snapdoc/internal/log"
	"github.com/CZERTAINLY/snapdoc/internal/metrics"
	"github.com/CZERTAINLY/snapdoc/internal/parallel"
	"github.com/CZERTAINLY/snapdoc/internal/progress"
	"github.com/CZERTAINLY/snapdoc/internal/render"
	"github.com/CZERTAINLY/snapdoc/internal/runner"
	"github.com/CZERTAINLY/snapdoc/internal/stylesheet"
)

const shutdownTimeout = 30 * time.Second

type ServerConfig struct {
	Engine render.Engine
	// Styles is the styles root compiled on startup, empty disables the
	// warm up
	Styles       string
	IdleShutdown time.Duration
	Workers      int
	Opener       *runner.Command
}

// Server is the render service process. It renders jobs posted by clients
// on a shared stylesheet cache and streams the progress back.
type Server struct {
	styles     string
	cache      *stylesheet.Cache
	renderer   *render.Local
	accountant *Accountant
	registry   *prometheus.Registry
	mux        *http.ServeMux

	quit     chan struct{}
	quitOnce sync.Once
}

func NewServer(cfg ServerConfig) *Server {
	registry := prometheus.NewRegistry()
	recorder := metrics.NewPrometheusRecorder(registry)

	cache := stylesheet.NewCache(cfg.Engine, stylesheet.WithObserver(recorder.StylesheetCache))
	opts := []render.LocalOption{render.WithRecorder(recorder)}
	if cfg.Workers > 0 {
		opts = append(opts, render.WithWorkers(cfg.Workers))
	}
	if cfg.Opener != nil {
		opts = append(opts, render.WithOpener(*cfg.Opener))
	}

	s := &Server{
		styles:   cfg.Styles,
		cache:    cache,
		renderer: render.NewLocal(cfg.Engine, cache, opts...),
		registry: registry,
		quit:     make(chan struct{}),
	}
	s.accountant = NewAccountant(cfg.IdleShutdown, s.Quit)

	s.mux = http.NewServeMux()
	s.mux.HandleFunc("GET "+pathHealth, s.handleHealth)
	s.mux.HandleFunc("POST "+pathJobs, s.handleJob)
	s.mux.HandleFunc("POST "+pathShutdown, s.handleShutdown)
	s.mux.Handle("GET "+pathMetrics, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

// Accountant returns the job accounting of the server
func (s *Server) Accountant() *Accountant {
	return s.accountant
}

// Quit asks Serve to return
func (s *Server) Quit() {
	s.quitOnce.Do(func() {
		close(s.quit)
	})
}

// Serve serves the render service on ln until ctx is cancelled, a
// shutdown is requested or the service is idle.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.WarmUp(ctx)
	s.accountant.Start()
	defer s.accountant.Stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	slog.InfoContext(ctx, "render service started", "address", ln.Addr().String(), "pid", os.Getpid())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	case <-s.quit:
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(sctx)
	if errors.Is(err, context.DeadlineExceeded) {
		err = srv.Close()
	}
	s.renderer.Wait()
	if serr := <-errCh; !errors.Is(serr, http.ErrServerClosed) {
		err = errors.Join(err, serr)
	}
	slog.InfoContext(ctx, "render service stopped")
	return err
}

// WarmUp compiles all stylesheets of the styles root and returns the number
// of compiled ones. Failures are logged only, they are reported again on
// use.
func (s *Server) WarmUp(ctx context.Context) int {
	if s.styles == "" {
		return 0
	}
	compile := func(_ context.Context, path string) (string, error) {
		_, err := s.cache.Compile(path)
		return path, err
	}

	var n int
	for path, err := range parallel.NewMap(ctx, parallel.DefaultLimit(), compile).Iter(stylesheet.Walk(ctx, s.styles)) {
		if err != nil {
			slog.WarnContext(ctx, "stylesheet can't be compiled", log.Error(err))
			continue
		}
		slog.DebugContext(ctx, "stylesheet compiled", log.Style(path))
		n++
	}
	return n
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", contentTypeJSON)
	_ = json.NewEncoder(w).Encode(Health{
		Status: "ok",
		Pid:    os.Getpid(),
		Jobs:   s.accountant.Jobs(),
	})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	slog.InfoContext(r.Context(), "shutdown requested")
	w.WriteHeader(http.StatusAccepted)
	s.Quit()
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	var job render.Job
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		http.Error(w, "decoding job: "+err.Error(), http.StatusBadRequest)
		return
	}
	// the server notices a closed connection only once the body is consumed
	_, _ = io.Copy(io.Discard, r.Body)
	if job.Source == "" || job.Stylesheet == "" || job.Output == "" {
		http.Error(w, "job source, stylesheet and output are mandatory", http.StatusBadRequest)
		return
	}

	id := uuid.NewString()
	ctx := log.ContextAttrs(r.Context(), log.JobID(id))
	slog.DebugContext(ctx, "job received", log.Artifact(job.Source), log.Output(job.Output))

	s.accountant.JobStarted()
	defer s.accountant.JobFinished()

	w.Header().Set("Content-Type", contentTypeNDJSON)
	w.WriteHeader(http.StatusOK)
	stream := newStreamTransport(w)

	node := progress.New(id, progress.WithTransport(stream))
	job.Node = node
	// the client closing the request cancels the job
	stop := context.AfterFunc(ctx, node.RequestCancel)
	defer stop()

	s.renderer.Submit(ctx, job)
	<-stream.done
}

// streamTransport forwards node events to the NDJSON response. Writes
// after the finished event are dropped.
type streamTransport struct {
	mx      sync.Mutex
	enc     *json.Encoder
	flusher http.Flusher
	closed  bool
	done    chan struct{}
}

func newStreamTransport(w http.ResponseWriter) *streamTransport {
	flusher, _ := w.(http.Flusher)
	return &streamTransport{
		enc:     json.NewEncoder(w),
		flusher: flusher,
		done:    make(chan struct{}),
	}
}

func (t *streamTransport) send(ev Event) {
	t.mx.Lock()
	defer t.mx.Unlock()
	if t.closed {
		return
	}
	// a failed write means the client is gone, the node is cancelled
	// through the request context
	if err := t.enc.Encode(ev); err == nil && t.flusher != nil {
		t.flusher.Flush()
	}
	if ev.Type == EventFinished {
		t.closed = true
		close(t.done)
	}
}

func (t *streamTransport) Started(desc string, total float64) {
	t.send(Event{Type: EventStarted, Total: total, Message: desc})
}

func (t *streamTransport) Progressed(delta float64, msg string) {
	t.send(Event{Type: EventProgress, Delta: delta, Message: msg})
}

func (t *streamTransport) Finished(msg string, err error) {
	ev := Event{Type: EventFinished, Message: msg}
	if err != nil {
		ev.Error = err.Error()
	}
	t.send(ev)
}
