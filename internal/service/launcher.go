package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/CZERTAINLY/snapdoc/internal/model"
	"github.com/CZERTAINLY/snapdoc/internal/runner"
)

// ServeCommand is the hidden command running the render service
const ServeCommand = "_serve"

// Launcher starts a new render service process
type Launcher interface {
	Launch(ctx context.Context) error
}

type LauncherFunc func(ctx context.Context) error

func (f LauncherFunc) Launch(ctx context.Context) error {
	return f(ctx)
}

// ExecLauncher re-executes the current binary with the serve command. The
// process is detached, it outlives the client which launched it.
type ExecLauncher struct {
	// Executable defaults to os.Executable
	Executable string
	// Args are appended after the serve command
	Args      []string
	MaxMemory string
	Env       []string
}

func (l ExecLauncher) Launch(ctx context.Context) error {
	exe := l.Executable
	if exe == "" {
		var err error
		exe, err = os.Executable()
		if err != nil {
			return fmt.Errorf("resolving executable: %w", err)
		}
	}
	limit, err := MemoryLimit(l.MaxMemory)
	if err != nil {
		return err
	}

	cmd := runner.Command{
		Path:   exe,
		Args:   append([]string{ServeCommand}, l.Args...),
		Env:    append([]string{"GOMEMLIMIT=" + strconv.FormatInt(limit, 10)}, l.Env...),
		Detach: true,
	}
	r := runner.New()
	if err := r.Start(ctx, cmd, nil); err != nil {
		return fmt.Errorf("launching render service: %w", err)
	}
	slog.DebugContext(ctx, "render service launched", "pid", r.Pid(), "gomemlimit", limit)
	return nil
}

var memoryRx = regexp.MustCompile(`^([0-9]+)([kKmMgG]?)[iI]?[bB]?$`)

// MemoryLimit converts a max memory setting like 1024m or 2GiB to bytes.
// Units are binary, an empty value means model.DefaultMaxMemory.
func MemoryLimit(s string) (int64, error) {
	if s == "" {
		s = model.DefaultMaxMemory
	}
	m := memoryRx.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid max memory %q", s)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid max memory %q: %w", s, err)
	}
	var shift uint
	switch strings.ToLower(m[2]) {
	case "k":
		shift = 10
	case "m":
		shift = 20
	case "g":
		shift = 30
	}
	if n > (1<<62)>>shift {
		return 0, fmt.Errorf("max memory %q overflows", s)
	}
	return n << shift, nil
}
