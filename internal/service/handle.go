package service

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/CZERTAINLY/snapdoc/internal/log"
	"github.com/CZERTAINLY/snapdoc/internal/render"
)

// RemoteError is an error reported by the render service
type RemoteError struct {
	Msg string
}

func (e *RemoteError) Error() string {
	return e.Msg
}

// Is makes errors.Is(err, render.ErrRenderFailed) hold for remote failures
func (e *RemoteError) Is(target error) bool {
	return target == render.ErrRenderFailed
}

// Handle renders jobs on a connected render service
type Handle struct {
	client *Client
}

func NewHandle(client *Client) *Handle {
	return &Handle{client: client}
}

// Submit starts the job node with a total of 1 and posts the job in the
// background. Events of the job stream are applied to the node, a
// cancelled node aborts the request.
func (h *Handle) Submit(ctx context.Context, job render.Job) {
	node := job.Node
	name := filepath.Base(job.Output)
	if err := node.Start(fmt.Sprintf("Generating document %q...", name), 1); err != nil {
		slog.ErrorContext(ctx, "render job can't be started", log.Error(err))
		return
	}

	go func() {
		rctx, cancel := node.Context(ctx)
		defer cancel()

		// progress of the remote node is scaled to the local total of 1
		total := 100.0
		finished := false
		err := h.client.Render(rctx, job, func(ev Event) {
			switch ev.Type {
			case EventStarted:
				if ev.Total > 0 {
					total = ev.Total
				}
				if ev.Message != "" {
					node.Describe(ev.Message)
				}
			case EventProgress:
				if ev.Message != "" {
					_ = node.ReportMsg(ev.Message, ev.Delta/total)
				} else {
					_ = node.Report(ev.Delta / total)
				}
			case EventFinished:
				finished = true
				var err error
				if ev.Error != "" {
					err = &RemoteError{Msg: ev.Error}
				}
				_ = node.Finish(ev.Message, err)
			}
		})
		if finished {
			return
		}
		if node.IsCancelled() {
			_ = node.Finish(fmt.Sprintf("Generation of document %q cancelled.", name), nil)
			return
		}
		err = fmt.Errorf("%w: %s: %w", render.ErrRenderFailed, name, err)
		slog.ErrorContext(ctx, "render service job failed", log.Output(job.Output), log.Error(err))
		_ = node.Finish(fmt.Sprintf("Generation of document %q failed.", name), err)
	}()
}
