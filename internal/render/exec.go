package render

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/CZERTAINLY/snapdoc/internal/progress"
	"github.com/CZERTAINLY/snapdoc/internal/runner"
	"github.com/CZERTAINLY/snapdoc/internal/stylesheet"
)

// DefaultFormat is the output format used when a job does not name one
const DefaultFormat = "pdf"

var ErrNoFormatter = errors.New("formatter command is not configured")

type execTemplate struct {
	path string
}

// ExecEngine delegates the transform and the page layout to an external
// formatter invoked once per document, in the manner of Apache FOP:
//
//	formatter [args] -xml source -xsl stylesheet [-param name value]... -<format> output
type ExecEngine struct {
	cmd runner.Command
}

func NewExecEngine(cmd runner.Command) *ExecEngine {
	return &ExecEngine{cmd: cmd}
}

// CompileSource only checks the stylesheet exists, the formatter compiles
// it on every run.
func (e *ExecEngine) CompileSource(path string) (stylesheet.Template, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s: not a regular file", path)
	}
	return execTemplate{path: path}, nil
}

func (e *ExecEngine) LoadCompiled(path string) (stylesheet.Template, error) {
	return e.CompileSource(path)
}

func (e *ExecEngine) Transform(ctx context.Context, tmpl stylesheet.Template, job Job, node *progress.Node) error {
	if e.cmd.Path == "" {
		return ErrNoFormatter
	}
	t, ok := tmpl.(execTemplate)
	if !ok {
		return fmt.Errorf("unexpected stylesheet type %T", tmpl)
	}

	cmd := e.cmd
	cmd.Args = e.args(t.path, job)
	res := runner.Run(ctx, cmd, func(_ context.Context, line string) {
		if line = strings.TrimSpace(line); line != "" {
			node.Describe(line)
		}
	})
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", progress.ErrCancelled, err)
	}
	if err := res.ExitErr(); err != nil {
		return err
	}
	return node.Report(100)
}

func (e *ExecEngine) args(style string, job Job) []string {
	format := job.Format
	if format == "" {
		format = DefaultFormat
	}
	args := append([]string(nil), e.cmd.Args...)
	args = append(args, "-xml", job.Source, "-xsl", style)
	for _, p := range job.Params {
		args = append(args, "-param", p.Name, p.Value)
	}

	sec := job.Security
	if sec.OwnerPassword != "" {
		args = append(args, "-o", sec.OwnerPassword)
	}
	if sec.UserPassword != "" {
		args = append(args, "-u", sec.UserPassword)
	}
	for _, flag := range []struct {
		on   bool
		name string
	}{
		{sec.NoPrint, "-noprint"},
		{sec.NoCopy, "-nocopy"},
		{sec.NoEdit, "-noedit"},
		{sec.NoAnnotations, "-noannotations"},
	} {
		if flag.on {
			args = append(args, flag.name)
		}
	}
	return append(args, "-"+strings.ToLower(format), job.Output)
}
