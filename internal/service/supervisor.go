package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/CZERTAINLY/snapdoc/internal/log"
	"github.com/CZERTAINLY/snapdoc/internal/progress"
	"github.com/CZERTAINLY/snapdoc/internal/render"
)

var ErrServiceUnavailable = errors.New("render service unavailable")

const (
	DefaultStartAttempts = 20
	DefaultPollInterval  = time.Second

	// progress units of Acquire
	workAcquire = 100
	workCleanup = 20
	workLaunch  = 20
	workPolling = 40
)

type State int

const (
	Unconnected State = iota
	Starting
	Connected
	Unavailable
)

func (s State) String() string {
	switch s {
	case Unconnected:
		return "unconnected"
	case Starting:
		return "starting"
	case Connected:
		return "connected"
	case Unavailable:
		return "unavailable"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Manager discovers or launches the render service for one orchestration
// session. It is not a singleton, every session constructs its own.
type Manager struct {
	client   *Client
	launcher Launcher
	fallback render.Renderer
	attempts int
	interval time.Duration

	mx     sync.Mutex
	state  State
	handle *Handle
}

type ManagerOption func(*Manager)

func WithLauncher(l Launcher) ManagerOption {
	return func(m *Manager) {
		m.launcher = l
	}
}

func WithStartAttempts(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.attempts = n
		}
	}
}

func WithPollInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.interval = d
		}
	}
}

// NewManager returns a manager of the service listening on socket. The
// fallback renderer is returned whenever the service is unavailable.
func NewManager(socket string, fallback render.Renderer, opts ...ManagerOption) *Manager {
	m := &Manager{
		client:   NewClient(socket),
		launcher: ExecLauncher{Args: []string{"--socket", socket}},
		fallback: fallback,
		attempts: DefaultStartAttempts,
		interval: DefaultPollInterval,
		state:    Unconnected,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) State() State {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mx.Lock()
	m.state = s
	m.mx.Unlock()
}

// Acquire returns a renderer backed by the render service, it launches the
// service when none answers the probe. When the service can't be reached
// the fallback renderer is returned together with an error wrapping
// ErrServiceUnavailable, callers may ignore it. The node is started and
// finished by Acquire, falling back is not a failure of the node.
func (m *Manager) Acquire(ctx context.Context, node *progress.Node) (render.Renderer, error) {
	if err := node.Start("Connecting to render service...", workAcquire); err != nil {
		return m.fallback, err
	}

	if _, err := m.client.Health(ctx); err == nil {
		m.setState(Connected)
		_ = node.Finish("Render service already started.", nil)
		return m.connected(), nil
	}

	m.setState(Starting)
	node.Describe("Starting render service...")
	// a socket file left by a dead service makes the new one fail to listen
	if err := os.Remove(m.client.Socket()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.WarnContext(ctx, "removing stale socket", "socket", m.client.Socket(), log.Error(err))
	}
	_ = node.Report(workCleanup)

	if err := m.launcher.Launch(ctx); err != nil {
		return m.unavailable(ctx, node, err)
	}
	_ = node.Report(workLaunch)

	var lastErr error
	step := float64(workPolling) / float64(m.attempts)
	for range m.attempts {
		select {
		case <-ctx.Done():
			return m.cancelled(node, ctx.Err())
		case <-node.Done():
			return m.cancelled(node, progress.ErrCancelled)
		case <-time.After(m.interval):
		}
		_, lastErr = m.client.Health(ctx)
		_ = node.Report(step)
		if lastErr == nil {
			m.setState(Connected)
			_ = node.Finish("Render service started.", nil)
			return m.connected(), nil
		}
	}
	return m.unavailable(ctx, node, fmt.Errorf("no answer after %d attempts: %w", m.attempts, lastErr))
}

func (m *Manager) connected() *Handle {
	m.mx.Lock()
	defer m.mx.Unlock()
	if m.handle == nil {
		m.handle = NewHandle(m.client)
	}
	return m.handle
}

func (m *Manager) unavailable(ctx context.Context, node *progress.Node, err error) (render.Renderer, error) {
	m.setState(Unavailable)
	err = fmt.Errorf("%w: %w", ErrServiceUnavailable, err)
	slog.WarnContext(ctx, "rendering locally", log.Error(err))
	_ = node.Finish("Render service is not available, rendering locally.", nil)
	return m.fallback, err
}

func (m *Manager) cancelled(node *progress.Node, err error) (render.Renderer, error) {
	m.setState(Unconnected)
	_ = node.Finish("Connecting to render service cancelled.", nil)
	return m.fallback, err
}

// Shutdown asks a running service to exit. It is best effort, the service
// may be gone already.
func (m *Manager) Shutdown(ctx context.Context) {
	if err := m.client.Shutdown(ctx); err != nil {
		slog.DebugContext(ctx, "render service shutdown", log.Error(err))
	}
	m.mx.Lock()
	m.state = Unconnected
	m.handle = nil
	m.mx.Unlock()
}
