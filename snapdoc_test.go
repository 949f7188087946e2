package snapdoc_test

import (
	"bytes"
	"context"
	"embed"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var (
	//go:embed testing/*
	testingFS   embed.FS
	snapdocPath string

	// tmpDir is a function used to create a tempdir
	// -test.keepdir flag says test to use os.MkdirTemp
	// default is t.TempDir, which will be cleaned up
	tmpDir func(t *testing.T) string
)

const config = `
version: 0
service:
    history: history.db
    socket: %s
    start_attempts: 10
extractor:
    command:
        path: sh
        args: ["extractor.sh", "{model}", "{artifact}"]
    version: "1"
    artifact_dir: artifacts
render:
    engine: template
    styles: styles
profiles:
    - id: html
      shortcut: h
      renders:
        - format: html
          outdir: out
          gendep: true
    - id: embed
      renders:
        - format: html
          outdir: embedded
          gendep: embed
`

func TestMain(m *testing.M) {
	var keepTestDir bool
	flag.BoolVar(&keepTestDir, "test.keepdir", false, "use os.TempDir instead of t.TempDir to keep test artifacts")

	flag.Parse()

	if testing.Short() {
		slog.Warn("integration tests with -short are ignored")
		os.Exit(0)
	}

	if !keepTestDir {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			return t.TempDir()
		}
	} else {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			dir, err := os.MkdirTemp("", t.Name()+"*")
			require.NoError(t, err)
			_, err = fmt.Fprintf(t.Output(), "TEMPDIR %s: -test.keepdir used, so it won't be automatically deleted", dir)
			require.NoError(t, err)
			return dir
		}
	}

	if !isExecutable("snapdoc-ci") {
		slog.Error("cannot locate snapdoc-ci binary: run go build -race -cover -covermode=atomic -o snapdoc-ci ./cmd/snapdoc/ first")
		os.Exit(1)
	}

	var err error
	snapdocPath, err = filepath.Abs("snapdoc-ci")
	if err != nil {
		slog.Error("can't get abspath for snapdoc-ci", "error", err)
		os.Exit(1)
	}
	coverDir, err := filepath.Abs("coverage")
	if err != nil {
		slog.Error("can't get value for GOCOVERDIR for snapdoc-ci", "error", err)
		os.Exit(1)
	}
	err = rmRfMkdirp(coverDir)
	if err != nil {
		slog.Error("can't reset GOCOVERDIR for snapdoc-ci", "error", err, "coverdir", coverDir)
		os.Exit(1)
	}

	err = os.Setenv("GOCOVERDIR", coverDir)
	if err != nil {
		slog.Error("can't set GOCOVERDIR env variable", "error", err)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

func TestGenerate(t *testing.T) {
	dir := workspace(t)

	stdout := snapdoc(t, 0, "generate", "models/b.mdl", "--local")
	require.Equal(t, filepath.Join(dir, "models", "out", "b.html"), strings.TrimSpace(stdout))
	require.Contains(t, read(t, "models/out/b.html"), "<h1>B</h1>")

	// c.mdl references d.mdl which can't be extracted
	stdout = snapdoc(t, 0, "generate", "models/a.mdl", "--local", "--profile", "h")
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	require.ElementsMatch(t, []string{
		filepath.Join(dir, "models", "out", "a.html"),
		filepath.Join(dir, "models", "out", "b.html"),
		filepath.Join(dir, "models", "out", "c.html"),
	}, lines)
	a := read(t, "models/out/a.html")
	require.Contains(t, a, "<h1>A</h1>")
	require.Contains(t, a, "<p>b=b.html;c=c.html</p>")

	_ = snapdoc(t, 1, "generate", "models/a.mdl", "--local", "--strict")

	history := snapdoc(t, 0, "history")
	runs := strings.Split(strings.TrimSpace(history), "\n")
	require.Len(t, runs, 3)
	require.Contains(t, runs[0], "success: false")
	require.Contains(t, runs[1], "success: false")
	require.Contains(t, runs[2], filepath.Join(dir, "models", "b.mdl"))
	require.Contains(t, runs[2], "success: true")
}

func TestGenerateEmbed(t *testing.T) {
	dir := workspace(t)

	stdout := snapdoc(t, 0, "generate", "models/b.mdl", "--local", "--profile", "embed")
	require.Equal(t, filepath.Join(dir, "models", "embedded", "b.html"), strings.TrimSpace(stdout))

	// the extraction of d.mdl fails, nothing is rendered
	stdout = snapdoc(t, 0, "generate", "models/a.mdl", "--local", "--profile", "embed")
	require.Empty(t, strings.TrimSpace(stdout))
	require.NoFileExists(t, filepath.Join(dir, "models", "embedded", "a.html"))
}

func TestExtractAndRender(t *testing.T) {
	dir := workspace(t)

	stdout := snapdoc(t, 0, "extract", "models/c.mdl")
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	require.Len(t, lines, 2)
	artifact := lines[0]
	require.Equal(t, filepath.Join(dir, "artifacts", "c.xml"), artifact)
	require.Equal(t, filepath.Join(dir, "models", "d.mdl"), strings.TrimSpace(lines[1]))

	stdout = snapdoc(t, 0, "render", artifact, "models/d.mdl", "--local")
	require.Equal(t, filepath.Join(dir, "artifacts", "out", "c.html"), strings.TrimSpace(stdout))
	c := read(t, "artifacts/out/c.html")
	require.Contains(t, c, "<h1>C</h1>")
	require.Contains(t, c, "<p>d=../../models/out/d.html</p>")
}

func TestRenderService(t *testing.T) {
	dir := workspace(t)
	t.Cleanup(func() {
		cmd := exec.Command(snapdocPath, "shutdown", "--config", "snapdoc.yaml")
		cmd.Dir = dir
		_ = cmd.Run()
	})

	// the first generation launches the service, the second one reuses it
	for range 2 {
		stdout := snapdoc(t, 0, "generate", "models/b.mdl")
		require.Equal(t, filepath.Join(dir, "models", "out", "b.html"), strings.TrimSpace(stdout))
		require.Contains(t, read(t, "models/out/b.html"), "<h1>B</h1>")
	}
	_ = snapdoc(t, 0, "shutdown")
}

// workspace copies the fixtures into a new directory, writes the config
// and makes the directory current.
func workspace(t *testing.T) string {
	t.Helper()
	dir := chDir(t)
	sub, err := fs.Sub(testingFS, "testing")
	require.NoError(t, err)
	require.NoError(t, os.CopyFS(dir, sub))
	// unix socket paths are limited to around 100 bytes
	sockDir, err := os.MkdirTemp("", "snapdoc")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(sockDir) })
	creat(t, "snapdoc.yaml", fmt.Appendf(nil, config, filepath.Join(sockDir, "render.sock")))
	return dir
}

// snapdoc runs the binary with the config of the workspace and returns
// its stdout, the exit code must be code.
func snapdoc(t *testing.T, code int, args ...string) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 60*time.Second)
	t.Cleanup(cancel)
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, snapdocPath, append(args, "--config", "snapdoc.yaml")...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if code == 0 && err != nil {
		t.Logf("%s", stderr.String())
		require.NoError(t, err)
	}
	if code != 0 {
		require.Error(t, err)
		require.Equal(t, code, cmd.ProcessState.ExitCode())
	}
	return stdout.String()
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().Perm()&0111 != 0
}

func rmRfMkdirp(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return nil
}

func chDir(t *testing.T) string {
	t.Helper()
	tempdir := tmpDir(t)
	t.Chdir(tempdir)
	return tempdir
}

func creat(t *testing.T, path string, content []byte) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, f.Close())
	}()
	_, err = f.Write(content)
	require.NoError(t, err)
	err = f.Sync()
	require.NoError(t, err)
}

func read(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(b)
}
