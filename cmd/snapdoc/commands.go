package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/CZERTAINLY/snapdoc/internal/log"
	"github.com/CZERTAINLY/snapdoc/internal/model"
	"github.com/CZERTAINLY/snapdoc/internal/service"
	"github.com/CZERTAINLY/snapdoc/internal/store"
)

var (
	flagProfile  string
	flagStrict   bool
	flagLocal    bool
	flagSchedule string
	flagConf     int
	flagLimit    int
	flagSocket   string
)

func generateFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&flagProfile, "profile", "", "profile id or shortcut, the first profile by default")
	cmd.Flags().BoolVar(&flagStrict, "strict", false, "fail on the first error instead of generating what can be generated")
	cmd.Flags().BoolVar(&flagLocal, "local", false, "render in process, never use the render service")
	cmd.Flags().StringVar(&flagSchedule, "schedule", "", "repeat the generation on a schedule: a duration like 1h or a cron expression")
}

func renderFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&flagProfile, "profile", "", "profile id or shortcut, the first profile by default")
	cmd.Flags().IntVar(&flagConf, "conf", 0, "index of the render configuration of the profile")
	cmd.Flags().BoolVar(&flagLocal, "local", false, "render in process, never use the render service")
}

var generateCmd = &cobra.Command{
	Use:   "generate <model>",
	Short: "extracts a model and the models it references and renders their documents",
	Args:  cobra.ExactArgs(1),
	RunE:  doGenerate,
}

var renderCmd = &cobra.Command{
	Use:   "render <artifact> [referenced models...]",
	Short: "renders an already extracted artifact",
	Args:  cobra.MinimumNArgs(1),
	RunE:  doRender,
}

var extractCmd = &cobra.Command{
	Use:   "extract <model>",
	Short: "extracts a model and prints the artifact path",
	Args:  cobra.ExactArgs(1),
	RunE:  doExtract,
}

var shutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "stops the render service",
	RunE:  doShutdown,
}

var historyCmd = &cobra.Command{
	Use:   "history [run uuid]",
	Short: "lists past generations, or the documents of one of them",
	Args:  cobra.MaximumNArgs(1),
	RunE:  doHistory,
}

var serveCmd = &cobra.Command{
	Use:    service.ServeCommand,
	Short:  "internal command",
	RunE:   doServe,
	Hidden: true,
}

func doGenerate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	modelPath, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	profile, err := selectProfile(flagProfile)
	if err != nil {
		return err
	}

	ctx = log.ContextAttrs(ctx, slog.Group("snapdoc",
		slog.String("cmd", "generate"),
		slog.Int("pid", os.Getpid()),
	))

	a, err := newApp(ctx, config, configPath, flagLocal, filepath.Dir(modelPath))
	if err != nil {
		return err
	}
	defer a.Close()

	schedule := flagSchedule
	if schedule == "" {
		schedule = config.Service.Schedule
	}
	if schedule == "" {
		return a.generate(ctx, cmd.OutOrStdout(), modelPath, profile, flagStrict)
	}

	slog.InfoContext(ctx, "scheduled generation", "schedule", schedule)
	return service.RunScheduled(ctx, schedule, func(ctx context.Context) {
		if err := a.generate(ctx, cmd.OutOrStdout(), modelPath, profile, flagStrict); err != nil {
			slog.ErrorContext(ctx, "scheduled generation failed", log.Error(err))
		}
	})
}

func doRender(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	artifact, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	refs := make([]string, 0, len(args)-1)
	for _, ref := range args[1:] {
		ref, err := filepath.Abs(ref)
		if err != nil {
			return err
		}
		refs = append(refs, ref)
	}
	profile, err := selectProfile(flagProfile)
	if err != nil {
		return err
	}
	if flagConf < 0 || flagConf >= len(profile.Renders) {
		return fmt.Errorf("profile %q has no render configuration %d", profile.ID, flagConf)
	}

	ctx = log.ContextAttrs(ctx, slog.Group("snapdoc",
		slog.String("cmd", "render"),
		slog.Int("pid", os.Getpid()),
	))

	a, err := newApp(ctx, config, configPath, flagLocal, filepath.Dir(artifact))
	if err != nil {
		return err
	}
	defer a.Close()
	return a.render(ctx, cmd.OutOrStdout(), artifact, refs, profile.Renders[flagConf])
}

func doExtract(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	modelPath, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	var snap model.SnapConf
	if len(config.Profiles) > 0 {
		profile, err := selectProfile(flagProfile)
		if err != nil {
			return err
		}
		snap = profile.Snap
	}

	a, err := newApp(ctx, config, configPath, true, filepath.Dir(modelPath))
	if err != nil {
		return err
	}
	defer a.Close()
	return a.extract(ctx, cmd.OutOrStdout(), modelPath, snap)
}

func doShutdown(cmd *cobra.Command, _ []string) error {
	svc, err := service.ParseConfig(config.Service)
	if err != nil {
		return err
	}
	service.NewManager(svc.Socket, nil).Shutdown(cmd.Context())
	return nil
}

func doHistory(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if config.Service.History == "" {
		return errors.New("service.history is not configured")
	}
	db, err := store.InitDB(ctx, config.Service.History)
	if err != nil {
		return fmt.Errorf("opening history: %w", err)
	}
	defer func() {
		_ = db.Close()
	}()

	out := cmd.OutOrStdout()
	if len(args) == 1 {
		row, err := store.Get(ctx, db, args[0])
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(out, row.String())
		for _, d := range row.Documents {
			status := "ok"
			if !d.Success {
				status = "failed"
				if d.FailureReason != nil {
					status += ": " + *d.FailureReason
				}
			}
			_, _ = fmt.Fprintf(out, "  %s (%s)\n", d.Output, status)
		}
		return nil
	}

	runs, err := store.List(ctx, db, flagLimit)
	if err != nil {
		return err
	}
	for _, r := range runs {
		_, _ = fmt.Fprintln(out, r.String())
	}
	return nil
}

func doServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	ctx = log.ContextAttrs(ctx, slog.Group("snapdoc",
		slog.String("cmd", service.ServeCommand),
		slog.Int("pid", os.Getpid()),
	))

	svc, err := service.ParseConfig(config.Service)
	if err != nil {
		return err
	}
	if flagSocket != "" {
		svc.Socket = flagSocket
	}
	server, err := serverConfig(config.Render)
	if err != nil {
		return err
	}
	return service.Run(ctx, svc, server)
}

// selectProfile returns the profile named id, or the first one
func selectProfile(id string) (*model.Profile, error) {
	if id != "" {
		return config.Profile(id)
	}
	if len(config.Profiles) == 0 {
		return nil, fmt.Errorf("no profile configured in %s: %w", configPath, model.ErrProfileNotFound)
	}
	return config.Profiles[0], nil
}
