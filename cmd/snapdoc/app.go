package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/CZERTAINLY/snapdoc/internal/extract"
	"github.com/CZERTAINLY/snapdoc/internal/generate"
	"github.com/CZERTAINLY/snapdoc/internal/log"
	"github.com/CZERTAINLY/snapdoc/internal/model"
	"github.com/CZERTAINLY/snapdoc/internal/progress"
	"github.com/CZERTAINLY/snapdoc/internal/render"
	"github.com/CZERTAINLY/snapdoc/internal/runner"
	"github.com/CZERTAINLY/snapdoc/internal/service"
	"github.com/CZERTAINLY/snapdoc/internal/store"
	"github.com/CZERTAINLY/snapdoc/internal/stylesheet"
)

// app is a generation session: one orchestrator with its renderers and
// the optional history database.
type app struct {
	orchestrator *generate.Orchestrator
	local        *render.Local
	history      *sql.DB
}

func newApp(ctx context.Context, cfg *model.Config, cfgPath string, local bool, modelDir string) (*app, error) {
	snapper, err := newSnapper(cfg.Extractor, modelDir)
	if err != nil {
		return nil, err
	}
	engine, err := newEngine(cfg.Render)
	if err != nil {
		return nil, err
	}
	opts, err := localOptions(cfg.Render)
	if err != nil {
		return nil, err
	}
	a := &app{
		local: render.NewLocal(engine, stylesheet.NewCache(engine), opts...),
	}

	var acquirer generate.Acquirer = generate.LocalAcquirer{Renderer: a.local}
	if !local {
		svc, err := service.ParseConfig(cfg.Service)
		if err != nil {
			return nil, err
		}
		launcher := service.ExecLauncher{
			Args:      []string{"--socket", svc.Socket, "--config", cfgPath},
			MaxMemory: cfg.Service.MaxMemory,
		}
		acquirer = service.NewManager(svc.Socket, a.local,
			service.WithLauncher(launcher),
			service.WithStartAttempts(svc.StartAttempts),
		)
	}

	if cfg.Service.History != "" {
		a.history, err = store.InitDB(ctx, cfg.Service.History)
		if err != nil {
			return nil, fmt.Errorf("opening history %s: %w", cfg.Service.History, err)
		}
	}

	a.orchestrator = &generate.Orchestrator{
		Snapper:    snapper,
		Services:   acquirer,
		Styles:     absPath(cfg.Render.Styles),
		SnapParams: cfg.Snap,
	}
	return a, nil
}

func (a *app) Close() {
	a.local.Wait()
	if a.history != nil {
		_ = a.history.Close()
	}
}

func rootNode(ctx context.Context, name string) *progress.Node {
	root := progress.New(name, progress.WithTransport(progress.NewLogTransport(ctx, nil)))
	context.AfterFunc(ctx, root.RequestCancel)
	return root
}

func (a *app) generate(ctx context.Context, out io.Writer, modelPath string, profile *model.Profile, strict bool) error {
	id := uuid.NewString()
	ctx = log.ContextAttrs(ctx, log.RunID(id))
	a.start(ctx, id, modelPath, profile.ID)

	root := rootNode(ctx, "generate")
	var (
		report generate.Report
		err    error
	)
	if strict {
		report, err = a.orchestrator.GenerateStrict(ctx, modelPath, profile, root)
	} else {
		report = a.orchestrator.Generate(ctx, modelPath, profile, root)
	}
	a.finish(ctx, id, report)
	printReport(out, report)
	if err != nil {
		return err
	}
	if report.Err != nil {
		slog.WarnContext(ctx, root.Message(), "failed", len(report.Failed()), log.Error(report.Err))
	}
	return nil
}

func (a *app) render(ctx context.Context, out io.Writer, artifact string, refs []string, conf *model.RenderConf) error {
	id := uuid.NewString()
	ctx = log.ContextAttrs(ctx, log.RunID(id))
	a.start(ctx, id, artifact, "")

	report := a.orchestrator.Render(ctx, artifact, refs, conf, rootNode(ctx, "render"))
	a.finish(ctx, id, report)
	printReport(out, report)
	return report.Err
}

func (a *app) extract(ctx context.Context, out io.Writer, modelPath string, snap model.SnapConf) error {
	artifact, deps, err := a.orchestrator.Extract(ctx, modelPath, snap, rootNode(ctx, "extract"))
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(out, artifact)
	for _, d := range deps {
		_, _ = fmt.Fprintf(out, "  %s\n", d)
	}
	return nil
}

func (a *app) start(ctx context.Context, id, modelPath, profile string) {
	if a.history == nil {
		return
	}
	if err := store.Start(ctx, a.history, id, modelPath, profile, time.Now()); err != nil {
		slog.WarnContext(ctx, "recording run start", log.Error(err))
	}
}

func (a *app) finish(ctx context.Context, id string, report generate.Report) {
	if a.history == nil {
		return
	}
	outcome := store.Outcome{
		Elapsed:   report.Elapsed,
		Cancelled: report.Cancelled,
		Err:       report.Err,
		Documents: make([]store.Document, 0, len(report.Documents)),
	}
	for _, d := range report.Documents {
		doc := store.Document{Model: d.Model, Output: d.Output, Success: d.Err == nil && !d.Cancelled}
		if d.Err != nil {
			reason := d.Err.Error()
			doc.FailureReason = &reason
		}
		outcome.Documents = append(outcome.Documents, doc)
	}
	// the run is recorded even when ctx is cancelled
	if err := store.Finish(context.WithoutCancel(ctx), a.history, id, outcome); err != nil {
		slog.WarnContext(ctx, "recording run outcome", log.Error(err))
	}
}

func printReport(out io.Writer, report generate.Report) {
	for _, d := range report.Documents {
		switch {
		case d.Err != nil:
			_, _ = fmt.Fprintf(out, "%s: %v\n", d.Output, d.Err)
		case d.Cancelled:
			_, _ = fmt.Fprintf(out, "%s: cancelled\n", d.Output)
		default:
			_, _ = fmt.Fprintln(out, d.Output)
		}
	}
}

func newSnapper(cfg model.Extractor, modelDir string) (*extract.Snapper, error) {
	if cfg.Command == nil {
		return nil, errors.New("extractor.command is not configured")
	}
	cmd, err := command(*cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("extractor.command: %w", err)
	}
	paths := cfg.ModelPaths
	if len(paths) == 0 {
		paths = []string{modelDir}
	}
	source := extract.FileSource{Paths: paths}
	return &extract.Snapper{
		Cache:       extract.Cache{Source: source, ExtractorVersion: cfg.Version},
		Extractor:   extract.CommandExtractor{Command: cmd, Source: source},
		ArtifactDir: absPath(cfg.ArtifactDir),
	}, nil
}

func newEngine(cfg model.Render) (render.Engine, error) {
	switch cfg.Engine {
	case model.EngineExec:
		if cfg.Exec == nil {
			return nil, errors.New("render.exec is mandatory for the exec engine")
		}
		cmd, err := command(*cfg.Exec)
		if err != nil {
			return nil, fmt.Errorf("render.exec: %w", err)
		}
		return render.NewExecEngine(cmd), nil
	case model.EngineTemplate, "":
		return render.NewTemplateEngine(), nil
	default:
		return nil, fmt.Errorf("unsupported render engine %q", cfg.Engine)
	}
}

func localOptions(cfg model.Render) ([]render.LocalOption, error) {
	if cfg.Opener == nil {
		return nil, nil
	}
	cmd, err := command(*cfg.Opener)
	if err != nil {
		return nil, fmt.Errorf("render.opener: %w", err)
	}
	return []render.LocalOption{render.WithOpener(cmd)}, nil
}

func serverConfig(cfg model.Render) (service.ServerConfig, error) {
	engine, err := newEngine(cfg)
	if err != nil {
		return service.ServerConfig{}, err
	}
	server := service.ServerConfig{
		Engine: engine,
		Styles: absPath(cfg.Styles),
	}
	if cfg.Opener != nil {
		cmd, err := command(*cfg.Opener)
		if err != nil {
			return service.ServerConfig{}, fmt.Errorf("render.opener: %w", err)
		}
		server.Opener = &cmd
	}
	return server, nil
}

func command(c model.Command) (runner.Command, error) {
	cmd := runner.Command{
		Path: c.Path,
		Args: c.Args,
		Env:  c.Environ(),
	}
	if c.Timeout != "" {
		d, err := service.ParseCueDuration(c.Timeout)
		if err != nil {
			return runner.Command{}, fmt.Errorf("parsing timeout: %w", err)
		}
		cmd.Timeout = d
	}
	return cmd, nil
}

// absPath resolves a configured path against the current directory
func absPath(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}
