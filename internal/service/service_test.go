package service_test

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/snapdoc/internal/model"
	"github.com/CZERTAINLY/snapdoc/internal/progress"
	"github.com/CZERTAINLY/snapdoc/internal/render"
	"github.com/CZERTAINLY/snapdoc/internal/service"
	"github.com/CZERTAINLY/snapdoc/internal/stylesheet"
)

// copyEngine copies the source to the output, sources containing "fail"
// fail and sources containing "block" block until cancelled
type copyEngine struct {
	started chan struct{}
	once    sync.Once
}

func (*copyEngine) CompileSource(path string) (stylesheet.Template, error) {
	_, err := os.Stat(path)
	return path, err
}

func (e *copyEngine) LoadCompiled(path string) (stylesheet.Template, error) {
	return e.CompileSource(path)
}

func (e *copyEngine) Transform(ctx context.Context, _ stylesheet.Template, job render.Job, node *progress.Node) error {
	src, err := os.ReadFile(job.Source)
	if err != nil {
		return err
	}
	switch {
	case strings.Contains(string(src), "fail"):
		return errors.New("transform failed")
	case strings.Contains(string(src), "block"):
		e.once.Do(func() { close(e.started) })
		<-ctx.Done()
		return ctx.Err()
	}
	if err := node.ReportMsg("Copying...", 50); err != nil {
		return err
	}
	if err := os.WriteFile(job.Output, src, 0o644); err != nil {
		return err
	}
	return node.Report(50)
}

func newEngine() *copyEngine {
	return &copyEngine{started: make(chan struct{})}
}

// socketPath returns a path short enough for a unix socket
func socketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "snapdoc")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, "render.sock")
}

type testServer struct {
	*service.Server
	socket string
	done   chan error
}

func startServer(t *testing.T, socket string, engine render.Engine) *testServer {
	t.Helper()
	ln, err := net.Listen("unix", socket)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	s := &testServer{
		Server: service.NewServer(service.ServerConfig{Engine: engine, Workers: 2}),
		socket: socket,
		done:   make(chan error, 1),
	}
	go func() {
		s.done <- s.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-s.done
	})
	return s
}

type renderFixture struct {
	dir, style string
}

func newFixture(t *testing.T) renderFixture {
	t.Helper()
	dir := t.TempDir()
	style := filepath.Join(dir, "style.xsl")
	require.NoError(t, os.WriteFile(style, []byte("style"), 0o644))
	return renderFixture{dir: dir, style: style}
}

func (f renderFixture) job(t *testing.T, name, content string, node *progress.Node) render.Job {
	t.Helper()
	src := filepath.Join(f.dir, name+".xml")
	require.NoError(t, os.WriteFile(src, []byte(content), 0o644))
	return render.Job{
		Source:     src,
		Stylesheet: f.style,
		Output:     filepath.Join(f.dir, "out", name+".html"),
		Format:     "html",
		Node:       node,
	}
}

func TestServerRender(t *testing.T) {
	t.Parallel()
	socket := socketPath(t)
	startServer(t, socket, newEngine())
	f := newFixture(t)

	client := service.NewClient(socket)
	h, err := client.Health(t.Context())
	require.NoError(t, err)
	require.Equal(t, "ok", h.Status)
	require.Equal(t, os.Getpid(), h.Pid)
	require.Zero(t, h.Jobs)

	handle := service.NewHandle(client)
	root := progress.New("root")
	require.NoError(t, root.Start("", 2))

	ok, err := root.Child("ok", 1)
	require.NoError(t, err)
	okJob := f.job(t, "ok", "content", ok)
	handle.Submit(t.Context(), okJob)

	failed, err := root.Child("failed", 1)
	require.NoError(t, err)
	handle.Submit(t.Context(), f.job(t, "failed", "fail", failed))

	root.WaitChildren()

	require.NoError(t, ok.Err())
	require.InDelta(t, 1, ok.Completed(), 1e-9)
	require.Contains(t, ok.Message(), `Document "ok.html" generated`)
	b, err := os.ReadFile(okJob.Output)
	require.NoError(t, err)
	require.Equal(t, "content", string(b))

	require.ErrorIs(t, failed.Err(), render.ErrRenderFailed)
	var remote *service.RemoteError
	require.ErrorAs(t, failed.Err(), &remote)
	require.Contains(t, remote.Msg, "transform failed")
	require.True(t, root.HasError())
	require.InDelta(t, 2, root.Completed(), 1e-9)
}

func TestServerCancel(t *testing.T) {
	t.Parallel()
	socket := socketPath(t)
	engine := newEngine()
	srv := startServer(t, socket, engine)
	f := newFixture(t)

	node := progress.New("job")
	service.NewHandle(service.NewClient(socket)).Submit(t.Context(), f.job(t, "blocked", "block", node))
	<-engine.started
	require.Equal(t, 1, srv.Accountant().Jobs())

	node.RequestCancel()
	node.Wait()
	require.NoError(t, node.Err())
	require.Eventually(t, func() bool {
		return srv.Accountant().Jobs() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestServerShutdown(t *testing.T) {
	t.Parallel()
	socket := socketPath(t)
	srv := startServer(t, socket, newEngine())

	m := service.NewManager(socket, nil)
	m.Shutdown(t.Context())
	select {
	case err := <-srv.done:
		require.NoError(t, err)
		srv.done <- err
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}

	// best effort, nothing listens anymore
	m.Shutdown(t.Context())
	require.Equal(t, service.Unconnected, m.State())
}

func TestServerHandler(t *testing.T) {
	t.Parallel()
	srv := service.NewServer(service.ServerConfig{Engine: newEngine()})

	var testCases = []struct {
		scenario string
		method   string
		path     string
		body     string
		status   int
		contains string
	}{
		{"health", http.MethodGet, "/health", "", http.StatusOK, `"status":"ok"`},
		{"metrics", http.MethodGet, "/metrics", "", http.StatusOK, "snapdoc_render_jobs_in_flight"},
		{"malformed job", http.MethodPost, "/jobs", "{", http.StatusBadRequest, "decoding job"},
		{"incomplete job", http.MethodPost, "/jobs", `{"source":"a.xml"}`, http.StatusBadRequest, "mandatory"},
		{"wrong method", http.MethodGet, "/jobs", "", http.StatusMethodNotAllowed, ""},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequestWithContext(t.Context(), tt.method, tt.path, strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, req)
			require.Equal(t, tt.status, rec.Code)
			require.Contains(t, rec.Body.String(), tt.contains)
		})
	}
}

func TestWarmUp(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	for _, name := range []string{"a.xsl", "b.cxs", "nested/c.xsl", "resources/logo.xsl", "readme.txt"} {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(name), 0o644))
	}
	srv := service.NewServer(service.ServerConfig{Engine: newEngine(), Styles: root})
	require.Equal(t, 3, srv.WarmUp(t.Context()))
}

// recordingRenderer is the local fallback of the manager tests
type recordingRenderer struct {
	mx   sync.Mutex
	jobs []render.Job
}

func (r *recordingRenderer) Submit(_ context.Context, job render.Job) {
	r.mx.Lock()
	r.jobs = append(r.jobs, job)
	r.mx.Unlock()
}

func TestAcquireRunning(t *testing.T) {
	t.Parallel()
	socket := socketPath(t)
	startServer(t, socket, newEngine())

	var launched atomic.Int32
	launcher := service.LauncherFunc(func(context.Context) error {
		launched.Add(1)
		return nil
	})
	m := service.NewManager(socket, &recordingRenderer{}, service.WithLauncher(launcher))
	require.Equal(t, service.Unconnected, m.State())

	root := progress.New("root")
	require.NoError(t, root.Start("", 100))
	for range 2 {
		node, err := root.Child("acquire", 5)
		require.NoError(t, err)
		r, err := m.Acquire(t.Context(), node)
		require.NoError(t, err)
		require.IsType(t, &service.Handle{}, r)
		require.Equal(t, progress.Finished, node.State())
		require.Equal(t, "Render service already started.", node.Message())
	}
	require.Zero(t, launched.Load())
	require.Equal(t, service.Connected, m.State())
	require.InDelta(t, 10, root.Completed(), 1e-9)
}

func TestAcquireLaunch(t *testing.T) {
	t.Parallel()
	socket := socketPath(t)
	// a stale socket file is removed before launching
	require.NoError(t, os.WriteFile(socket, nil, 0o600))

	var launched atomic.Int32
	launcher := service.LauncherFunc(func(context.Context) error {
		launched.Add(1)
		startServer(t, socket, newEngine())
		return nil
	})
	m := service.NewManager(socket, &recordingRenderer{},
		service.WithLauncher(launcher),
		service.WithPollInterval(10*time.Millisecond),
	)

	node := progress.New("acquire")
	r, err := m.Acquire(t.Context(), node)
	require.NoError(t, err)
	require.IsType(t, &service.Handle{}, r)
	require.EqualValues(t, 1, launched.Load())
	require.Equal(t, service.Connected, m.State())
	require.Equal(t, "Render service started.", node.Message())
	// cleanup, launch and the first poll
	require.InDelta(t, 42, node.Completed(), 1e-9)
}

func TestAcquireUnavailable(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		launcher service.Launcher
		then     string
	}{
		{
			scenario: "launch fails",
			launcher: service.LauncherFunc(func(context.Context) error { return errors.New("no binary") }),
			then:     "no binary",
		},
		{
			scenario: "service never answers",
			launcher: service.LauncherFunc(func(context.Context) error { return nil }),
			then:     "no answer after 3 attempts",
		},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			fallback := &recordingRenderer{}
			m := service.NewManager(socketPath(t), fallback,
				service.WithLauncher(tt.launcher),
				service.WithStartAttempts(3),
				service.WithPollInterval(time.Millisecond),
			)

			root := progress.New("root")
			require.NoError(t, root.Start("", 100))
			node, err := root.Child("acquire", 5)
			require.NoError(t, err)

			r, err := m.Acquire(t.Context(), node)
			require.ErrorIs(t, err, service.ErrServiceUnavailable)
			require.ErrorContains(t, err, tt.then)
			require.Same(t, fallback, r)
			require.Equal(t, service.Unavailable, m.State())
			require.Equal(t, progress.Finished, node.State())
			require.False(t, root.HasError())
			require.InDelta(t, 5, root.Completed(), 1e-9)
		})
	}
}

func TestAcquireCancelled(t *testing.T) {
	t.Parallel()
	fallback := &recordingRenderer{}
	m := service.NewManager(socketPath(t), fallback,
		service.WithLauncher(service.LauncherFunc(func(context.Context) error { return nil })),
		service.WithPollInterval(time.Hour),
	)

	root := progress.New("root")
	require.NoError(t, root.Start("", 100))
	root.RequestCancel()
	node, err := root.Child("acquire", 5)
	require.NoError(t, err)

	r, err := m.Acquire(t.Context(), node)
	require.ErrorIs(t, err, progress.ErrCancelled)
	require.Same(t, fallback, r)
	require.Equal(t, progress.Finished, node.State())
}

func TestMemoryLimit(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		given string
		then  int64
		err   bool
	}{
		{"", 1024 << 20, false},
		{"1024m", 1024 << 20, false},
		{"2GiB", 2 << 30, false},
		{"512k", 512 << 10, false},
		{"4096", 4096, false},
		{"1.5g", 0, true},
		{"lots", 0, true},
	}
	for _, tt := range testCases {
		t.Run(tt.given, func(t *testing.T) {
			t.Parallel()
			limit, err := service.MemoryLimit(tt.given)
			if tt.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.then, limit)
		})
	}
}

func TestParseConfig(t *testing.T) {
	t.Parallel()

	cfg, err := service.ParseConfig(model.Service{})
	require.NoError(t, err)
	require.Equal(t, service.DefaultSocket(), cfg.Socket)
	require.Equal(t, int64(1024<<20), cfg.MaxMemory)
	require.Equal(t, 300*time.Second, cfg.IdleShutdown)
	require.Equal(t, service.DefaultStartAttempts, cfg.StartAttempts)

	cfg, err = service.ParseConfig(model.Service{
		Socket:        "/run/snapdoc.sock",
		MaxMemory:     "2g",
		IdleShutdown:  "1m30s",
		StartAttempts: 5,
	})
	require.NoError(t, err)
	require.Equal(t, "/run/snapdoc.sock", cfg.Socket)
	require.Equal(t, int64(2<<30), cfg.MaxMemory)
	require.Equal(t, 90*time.Second, cfg.IdleShutdown)
	require.Equal(t, 5, cfg.StartAttempts)

	_, err = service.ParseConfig(model.Service{IdleShutdown: "soon"})
	require.ErrorContains(t, err, "service.idle_shutdown")
}

func TestScheduler(t *testing.T) {
	t.Parallel()

	_, err := service.NewScheduler(t.Context(), "every now and then", func() {})
	require.Error(t, err)
	_, err = service.NewScheduler(t.Context(), "", func() {})
	require.Error(t, err)

	var runs atomic.Int32
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() {
		done <- service.RunScheduled(ctx, "1s", func(context.Context) { runs.Add(1) })
	}()
	require.Eventually(t, func() bool { return runs.Load() >= 1 }, 10*time.Second, 50*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	s, err := service.NewScheduler(t.Context(), "*/5 * * * *", func() {})
	require.NoError(t, err)
	require.NoError(t, s.Shutdown())
}
