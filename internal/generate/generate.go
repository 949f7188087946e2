// Package generate drives the generation of documents from models: the
// extraction of a model and of the models it references, and the render
// jobs of every configuration of a profile.
package generate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/CZERTAINLY/snapdoc/internal/extract"
	"github.com/CZERTAINLY/snapdoc/internal/log"
	"github.com/CZERTAINLY/snapdoc/internal/model"
	"github.com/CZERTAINLY/snapdoc/internal/progress"
	"github.com/CZERTAINLY/snapdoc/internal/render"
	"github.com/CZERTAINLY/snapdoc/internal/service"
	"github.com/CZERTAINLY/snapdoc/internal/stylesheet"
)

var ErrNoRenderer = errors.New("no renderer available")

// work units of the root node
const (
	workTotal   = 100
	workExtract = 25
	workAcquire = 5
	workRenders = 70
	// render-only runs
	workRender = 95
)

// Snapper extracts a model and returns its artifact with the referenced
// models. It starts and finishes node.
type Snapper interface {
	Snap(ctx context.Context, model string, fp extract.Fingerprint, node *progress.Node) (string, []string, error)
}

// Acquirer provides the renderer of a generation. It starts and finishes
// node. An error wrapping service.ErrServiceUnavailable comes with a usable
// fallback renderer.
type Acquirer interface {
	Acquire(ctx context.Context, node *progress.Node) (render.Renderer, error)
}

// LocalAcquirer always renders with the same renderer
type LocalAcquirer struct {
	Renderer render.Renderer
}

func (a LocalAcquirer) Acquire(_ context.Context, node *progress.Node) (render.Renderer, error) {
	if err := node.Start("Rendering in process...", 1); err != nil {
		return nil, err
	}
	_ = node.Finish("Rendering in process.", nil)
	return a.Renderer, nil
}

// Orchestrator generates the documents of a profile
type Orchestrator struct {
	Snapper  Snapper
	Services Acquirer
	// Styles is the root of stylesheets and their resources
	Styles string
	// SnapParams are the global extraction parameters
	SnapParams model.Params
	// Cwd returns the current directory, os.Getwd when nil
	Cwd func() (string, error)
	// Now is the clock of the currentdate parameter, time.Now when nil
	Now func() time.Time
}

// Document is the outcome of one render job
type Document struct {
	Model     string `json:"model"`
	Output    string `json:"output"`
	Err       error  `json:"-"`
	Cancelled bool   `json:"cancelled,omitempty"`
}

// Report is the outcome of a generation. Documents are listed in
// submission order, some of them may have failed.
type Report struct {
	Documents []Document
	Elapsed   time.Duration
	Cancelled bool
	// Err is the first error recorded by the generation
	Err error
}

// Failed returns the documents which failed
func (r Report) Failed() []Document {
	var ret []Document
	for _, d := range r.Documents {
		if d.Err != nil {
			ret = append(ret, d)
		}
	}
	return ret
}

// GenerateStrict generates the documents of profile and returns the first
// recorded error.
func (o *Orchestrator) GenerateStrict(ctx context.Context, modelPath string, profile *model.Profile, root *progress.Node) (Report, error) {
	report := o.Generate(ctx, modelPath, profile, root)
	return report, report.Err
}

// Generate generates the documents of profile for the model at modelPath.
// It is best effort: a failing branch is aborted, the others go on. root
// is started with 100 work units and finished once all render jobs are.
func (o *Orchestrator) Generate(ctx context.Context, modelPath string, profile *model.Profile, root *progress.Node) Report {
	started := time.Now()
	ctx = log.ContextAttrs(ctx, log.Model(modelPath), log.Profile(profile.ID))
	r, err := o.newRun(ctx, root, extract.FingerprintOf(profile.Snap, o.SnapParams))
	if err != nil {
		return Report{Err: err}
	}
	if err := root.Start("Initializing...", workTotal); err != nil {
		return Report{Err: err}
	}

	artifact, refs, ok := r.snap(modelPath, workExtract)
	if ok && r.acquire(workAcquire) && !root.IsCancelled() && len(profile.Renders) > 0 {
		parentDir := filepath.Dir(modelPath)
		share := float64(workRenders) / float64(len(profile.Renders))
		for _, conf := range profile.Renders {
			// each configuration renders the whole reference graph
			r.visited = map[string]bool{modelPath: true}
			out := conf.Output(modelPath, parentDir, r.cwd)
			subParentDir := conf.SubParentDir(out, parentDir)
			if !r.render(conf, modelPath, artifact, out, refs, subParentDir, share) {
				break
			}
		}
	}

	return r.finish(started,
		"Generation finished with error...",
		"Generation cancelled by user.",
		"Successful document(s) generation in %ds.")
}

// Render renders an existing artifact with one configuration, refs are the
// models referenced by the artifact.
func (o *Orchestrator) Render(ctx context.Context, artifact string, refs []string, conf *model.RenderConf, root *progress.Node) Report {
	started := time.Now()
	ctx = log.ContextAttrs(ctx, log.Artifact(artifact))
	r, err := o.newRun(ctx, root, extract.Fingerprint{})
	if err != nil {
		return Report{Err: err}
	}
	if err := root.Start("Initializing...", workTotal); err != nil {
		return Report{Err: err}
	}

	if r.acquire(workAcquire) && !root.IsCancelled() {
		parentDir := filepath.Dir(artifact)
		out := conf.Output(artifact, parentDir, r.cwd)
		subParentDir := conf.SubParentDir(out, parentDir)
		var refPaths string
		if conf.Dependencies != model.DependencyEmbed {
			refPaths, _ = r.refPaths(conf, out, refs, subParentDir)
		}
		r.submit(conf, artifact, artifact, out, refPaths, workRender)
	}

	return r.finish(started,
		"Rendering finished with error...",
		"Rendering cancelled by user.",
		"Successful document(s) rendering in %ds.")
}

// Extract extracts a model only
func (o *Orchestrator) Extract(ctx context.Context, modelPath string, snap model.SnapConf, node *progress.Node) (string, []string, error) {
	ctx = log.ContextAttrs(ctx, log.Model(modelPath))
	return o.Snapper.Snap(ctx, modelPath, extract.FingerprintOf(snap, o.SnapParams), node)
}

type pending struct {
	doc  Document
	node *progress.Node
}

// run is the state of one generation
type run struct {
	o        *Orchestrator
	ctx      context.Context
	root     *progress.Node
	fp       extract.Fingerprint
	cwd      string
	now      time.Time
	renderer render.Renderer

	mx      sync.Mutex
	errs    []error
	docs    []pending
	visited map[string]bool
}

func (o *Orchestrator) newRun(ctx context.Context, root *progress.Node, fp extract.Fingerprint) (*run, error) {
	getwd := o.Cwd
	if getwd == nil {
		getwd = os.Getwd
	}
	cwd, err := getwd()
	if err != nil {
		return nil, fmt.Errorf("getting working directory: %w", err)
	}
	now := time.Now
	if o.Now != nil {
		now = o.Now
	}
	return &run{
		o:       o,
		ctx:     ctx,
		root:    root,
		fp:      fp,
		cwd:     cwd,
		now:     now(),
		visited: make(map[string]bool),
	}, nil
}

func (r *run) record(err error) {
	if err == nil || errors.Is(err, progress.ErrCancelled) {
		return
	}
	r.mx.Lock()
	r.errs = append(r.errs, err)
	r.mx.Unlock()
}

// snap extracts a model on a child of the root consuming share
func (r *run) snap(modelPath string, share float64) (string, []string, bool) {
	r.visited[modelPath] = true
	node, err := r.root.Child("extract "+filepath.Base(modelPath), share)
	if err != nil {
		r.record(err)
		return "", nil, false
	}
	artifact, refs, err := r.o.Snapper.Snap(r.ctx, modelPath, r.fp, node)
	if err != nil {
		r.record(err)
		return "", nil, false
	}
	return artifact, refs, true
}

func (r *run) acquire(share float64) bool {
	node, err := r.root.Child("acquire", share)
	if err != nil {
		r.record(err)
		return false
	}
	renderer, err := r.o.Services.Acquire(r.ctx, node)
	switch {
	case renderer == nil:
		r.record(errors.Join(ErrNoRenderer, err))
		return false
	case errors.Is(err, service.ErrServiceUnavailable):
		slog.InfoContext(r.ctx, "rendering in process", log.Error(err))
	case errors.Is(err, progress.ErrCancelled) || errors.Is(err, context.Canceled):
		return false
	case err != nil:
		r.record(err)
		return false
	}
	r.renderer = renderer
	return true
}

// render submits the document of modelPath and follows its references
// according to the dependency policy of conf. It returns false when the
// branch has been aborted.
func (r *run) render(conf *model.RenderConf, modelPath, artifact, out string, refs []string, subParentDir string, share float64) bool {
	if r.root.IsCancelled() {
		return false
	}

	switch conf.Dependencies {
	case model.DependencySeparate:
		refPaths, refOuts := r.refPaths(conf, out, refs, subParentDir)
		w := share / (1 + 3*float64(len(refs)))
		r.submit(conf, modelPath, artifact, out, refPaths, w)
		sub := conf.SubConf()
		for i, ref := range refs {
			if r.visited[ref] {
				slog.DebugContext(r.ctx, "model already generated", log.Model(ref))
				_ = r.root.Report(3 * w)
				continue
			}
			subArtifact, subRefs, ok := r.snap(ref, w)
			if !ok {
				return false
			}
			subOut := refOuts[i]
			if !r.render(sub, ref, subArtifact, subOut, subRefs, sub.SubParentDir(subOut, subParentDir), 2*w) {
				return false
			}
		}
		return true

	case model.DependencyEmbed:
		w := share / (1 + float64(len(refs)))
		snapShare := w
		level := refs
		for len(level) > 0 {
			var next []string
			snapped := 0
			for _, ref := range level {
				if r.visited[ref] {
					_ = r.root.Report(snapShare)
					continue
				}
				_, subRefs, ok := r.snap(ref, snapShare/3)
				if !ok {
					return false
				}
				snapped++
				next = append(next, subRefs...)
			}
			// the unused two thirds of the level go to the next one
			rest := 2 * snapShare * float64(snapped) / 3
			if len(next) > 0 {
				snapShare = rest / float64(len(next))
			} else {
				_ = r.root.Report(rest)
			}
			level = next
		}
		r.submit(conf, modelPath, artifact, out, "", w)
		return true

	default:
		refPaths, _ := r.refPaths(conf, out, refs, subParentDir)
		r.submit(conf, modelPath, artifact, out, refPaths, share)
		return true
	}
}

// refPaths returns the refmdlpaths parameter linking the document at out
// to the documents of refs, and the outputs of these documents.
func (r *run) refPaths(conf *model.RenderConf, out string, refs []string, subParentDir string) (string, []string) {
	outs := make([]string, 0, len(refs))
	entries := make([]string, 0, len(refs))
	sub := conf.SubConf()
	for _, ref := range refs {
		refOut := sub.Output(ref, subParentDir, r.cwd)
		outs = append(outs, refOut)
		name := filepath.Base(ref)
		name = strings.TrimSuffix(name, filepath.Ext(name))
		entries = append(entries, name+"="+RelPath(filepath.Dir(out), refOut))
	}
	return strings.Join(entries, ";"), outs
}

func (r *run) submit(conf *model.RenderConf, modelPath, artifact, out, refPaths string, share float64) {
	node, err := r.root.Child("render "+filepath.Base(out), share)
	if err != nil {
		r.record(err)
		return
	}
	params := conf.StyleParams(stylesheet.Resources(r.o.Styles), xmlURI(artifact), refPaths, r.now)
	r.mx.Lock()
	r.docs = append(r.docs, pending{doc: Document{Model: modelPath, Output: out}, node: node})
	r.mx.Unlock()

	r.renderer.Submit(r.ctx, render.Job{
		Source:     artifact,
		Stylesheet: stylesheet.Resolve(r.o.Styles, conf.Style),
		Params:     params,
		Output:     out,
		Format:     conf.Format,
		Security:   conf.Security,
		Open:       conf.Action == model.PostActionOpen,
		Node:       node,
	})
}

// finish waits for all render jobs and finishes the root with one of
// the messages, success is a format taking the elapsed seconds.
func (r *run) finish(started time.Time, failed, cancelled, success string) Report {
	r.root.WaitChildren()
	elapsed := time.Since(started)

	report := Report{
		Elapsed:   elapsed,
		Cancelled: r.root.IsCancelled(),
	}
	r.mx.Lock()
	errs := append([]error(nil), r.errs...)
	for _, p := range r.docs {
		d := p.doc
		d.Err = p.node.Err()
		d.Cancelled = d.Err == nil && p.node.IsCancelled()
		if d.Err != nil {
			errs = append(errs, d.Err)
			slog.WarnContext(r.ctx, "document failed", log.Output(d.Output), log.Error(d.Err))
		} else if !d.Cancelled {
			slog.InfoContext(r.ctx, "document generated", log.Output(d.Output))
		}
		report.Documents = append(report.Documents, d)
	}
	r.mx.Unlock()
	if len(errs) > 0 {
		report.Err = errs[0]
	}

	switch {
	case r.root.HasError() || report.Err != nil:
		_ = r.root.Finish(failed, nil)
	case report.Cancelled:
		_ = r.root.Finish(cancelled, nil)
	default:
		_ = r.root.Finish(fmt.Sprintf(success, int(elapsed.Seconds())), nil)
	}
	return report
}

// xmlURI returns the file URI of the artifact directory
func xmlURI(artifact string) string {
	dir := filepath.ToSlash(filepath.Dir(artifact))
	if !strings.HasPrefix(dir, "/") {
		dir = "/" + dir
	}
	if !strings.HasSuffix(dir, "/") {
		dir += "/"
	}
	return (&url.URL{Scheme: "file", Path: dir}).String()
}
