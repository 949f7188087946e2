// Package render turns extraction artifacts into documents.
package render

import (
	"context"
	"errors"

	"github.com/CZERTAINLY/snapdoc/internal/model"
	"github.com/CZERTAINLY/snapdoc/internal/progress"
	"github.com/CZERTAINLY/snapdoc/internal/stylesheet"
)

var ErrRenderFailed = errors.New("render failed")

// Job is a request to render one document. It is a value, a submitted
// job is never modified.
type Job struct {
	Source     string                `json:"source"`
	Stylesheet string                `json:"stylesheet"`
	Params     []model.Param         `json:"params,omitempty"`
	Output     string                `json:"output"`
	Format     string                `json:"format,omitempty"`
	Security   model.SecurityOptions `json:"security,omitzero"`
	Open       bool                  `json:"open,omitempty"`
	// Node receives progress, errors and the completion of the job
	Node *progress.Node `json:"-"`
}

// Param returns the value of a stylesheet parameter
func (j Job) Param(name string) (string, bool) {
	for _, p := range j.Params {
		if p.Name == name {
			return p.Value, true
		}
	}
	return "", false
}

// Renderer renders jobs asynchronously. Submit returns immediately, the
// outcome of a job is reported through its node: the node is started
// and eventually finished, with an error if rendering failed.
type Renderer interface {
	Submit(ctx context.Context, job Job)
}

// Engine is the transform and page layout collaborator.
type Engine interface {
	stylesheet.Compiler
	// Transform renders job.Source with a compiled stylesheet into
	// job.Output. The node is running with a total of 100.
	Transform(ctx context.Context, tmpl stylesheet.Template, job Job, node *progress.Node) error
}
