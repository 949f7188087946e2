package extract

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/CZERTAINLY/snapdoc/internal/progress"
	"github.com/CZERTAINLY/snapdoc/internal/runner"
)

// CommandExtractor runs an external extraction program. Arguments may
// contain the placeholders {model}, {artifact}, {followlinks},
// {lookundermasks}, {params} and {snapconf}. Each stderr line of the program is shown
// as a progress message. The produced artifact must carry a root marker.
type CommandExtractor struct {
	Command runner.Command
	Source  Source
}

func (e CommandExtractor) Extract(ctx context.Context, model string, fp Fingerprint, artifact string, node *progress.Node) ([]string, error) {
	ctx, cancel := node.Context(ctx)
	defer cancel()

	cmd := e.Command
	cmd.Args = expandArgs(e.Command.Args, map[string]string{
		"{model}":          model,
		"{artifact}":       artifact,
		"{followlinks}":    strconv.FormatBool(fp.FollowLinks),
		"{lookundermasks}": strconv.FormatBool(fp.LookUnderMasks),
		"{params}":         paramsArg(fp),
		"{snapconf}":       fp.Conf(),
	})

	started := time.Now()
	res := runner.Run(ctx, cmd, func(_ context.Context, line string) {
		node.Describe(line)
	})
	if node.IsCancelled() {
		return nil, progress.ErrCancelled
	}
	if err := res.ExitErr(); err != nil {
		return nil, err
	}

	m, err := ReadMarker(artifact)
	if err != nil {
		return nil, fmt.Errorf("artifact %s: %w", artifact, err)
	}
	_ = node.ReportMsg(fmt.Sprintf("Extracted in %s.", time.Since(started).Round(time.Millisecond)), 1)
	if len(m.Deps) == 0 {
		return []string{}, nil
	}
	deps := e.Source.Locate(m.Deps)
	if deps == nil {
		return nil, errors.New("locating referenced models")
	}
	return deps, nil
}

func expandArgs(args []string, repl map[string]string) []string {
	pairs := make([]string, 0, 2*len(repl))
	for k, v := range repl {
		pairs = append(pairs, k, v)
	}
	r := strings.NewReplacer(pairs...)
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = r.Replace(a)
	}
	return out
}

// paramsArg returns the parameters as k=v pairs separated by ;
func paramsArg(fp Fingerprint) string {
	parts := make([]string, 0, len(fp.Params))
	for _, k := range slices.Sorted(maps.Keys(fp.Params)) {
		parts = append(parts, k+"="+fp.Params[k])
	}
	return strings.Join(parts, ";")
}
