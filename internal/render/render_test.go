package render_test

import (
	"compress/gzip"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/snapdoc/internal/metrics"
	"github.com/CZERTAINLY/snapdoc/internal/model"
	"github.com/CZERTAINLY/snapdoc/internal/progress"
	"github.com/CZERTAINLY/snapdoc/internal/render"
	"github.com/CZERTAINLY/snapdoc/internal/runner"
	"github.com/CZERTAINLY/snapdoc/internal/stylesheet"
)

// upperEngine writes the upper-cased source prefixed by the stylesheet
type upperEngine struct {
	err error
}

func (upperEngine) CompileSource(path string) (stylesheet.Template, error) {
	b, err := os.ReadFile(path)
	return string(b), err
}

func (e upperEngine) LoadCompiled(path string) (stylesheet.Template, error) {
	return e.CompileSource(path)
}

func (e upperEngine) Transform(ctx context.Context, tmpl stylesheet.Template, job render.Job, node *progress.Node) error {
	if e.err != nil {
		return e.err
	}
	src, err := os.ReadFile(job.Source)
	if err != nil {
		return err
	}
	if err := os.WriteFile(job.Output, []byte(tmpl.(string)+strings.ToUpper(string(src))), 0o644); err != nil {
		return err
	}
	return node.Report(100)
}

type countingRecorder struct {
	metrics.NoopRecorder
	outcomes []string
}

func (c *countingRecorder) JobFinished(outcome string, _ time.Duration) {
	c.outcomes = append(c.outcomes, outcome)
}

func fixture(t *testing.T) (dir, src, style string) {
	t.Helper()
	dir = t.TempDir()
	src = filepath.Join(dir, "model.xml")
	style = filepath.Join(dir, "style.xsl")
	require.NoError(t, os.WriteFile(src, []byte("hello"), 0o644))
	require.NoError(t, os.WriteFile(style, []byte("> "), 0o644))
	return dir, src, style
}

func TestLocalRender(t *testing.T) {
	t.Parallel()
	dir, src, style := fixture(t)

	rec := &countingRecorder{}
	l := render.NewLocal(upperEngine{}, nil, render.WithRecorder(rec))
	node := progress.New("job")
	job := render.Job{
		Source:     src,
		Stylesheet: style,
		Output:     filepath.Join(dir, "out", "model.html"),
		Node:       node,
	}
	l.Render(t.Context(), job)

	require.Equal(t, progress.Finished, node.State())
	require.NoError(t, node.Err())
	require.InDelta(t, 100, node.Completed(), 1e-9)
	require.Contains(t, node.Message(), `Document "model.html" generated`)

	b, err := os.ReadFile(job.Output)
	require.NoError(t, err)
	require.Equal(t, "> HELLO", string(b))
	require.Equal(t, []string{metrics.OutcomeSuccess}, rec.outcomes)
}

func TestLocalRenderFailure(t *testing.T) {
	t.Parallel()
	dir, src, style := fixture(t)

	var testCases = []struct {
		scenario string
		given    render.Job
		engine   upperEngine
	}{
		{
			scenario: "missing stylesheet",
			given:    render.Job{Source: src, Stylesheet: filepath.Join(dir, "nope.xsl"), Output: filepath.Join(dir, "a.html")},
		},
		{
			scenario: "engine failure",
			given:    render.Job{Source: src, Stylesheet: style, Output: filepath.Join(dir, "b.html")},
			engine:   upperEngine{err: errors.New("boom")},
		},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			rec := &countingRecorder{}
			node := progress.New("job")
			job := tt.given
			job.Node = node
			render.NewLocal(tt.engine, nil, render.WithRecorder(rec)).Render(t.Context(), job)

			require.Equal(t, progress.Finished, node.State())
			require.ErrorIs(t, node.Err(), render.ErrRenderFailed)
			require.True(t, node.HasError())
			require.Equal(t, []string{metrics.OutcomeFailed}, rec.outcomes)
		})
	}
}

func TestLocalRenderCancelled(t *testing.T) {
	t.Parallel()
	dir, src, style := fixture(t)

	parent := progress.New("root")
	require.NoError(t, parent.Start("", 1))
	parent.RequestCancel()
	node, err := parent.Child("job", 1)
	require.NoError(t, err)

	rec := &countingRecorder{}
	job := render.Job{Source: src, Stylesheet: style, Output: filepath.Join(dir, "c.html"), Node: node}
	render.NewLocal(upperEngine{}, nil, render.WithRecorder(rec)).Render(t.Context(), job)

	require.Equal(t, progress.Finished, node.State())
	require.NoError(t, node.Err())
	require.NoFileExists(t, job.Output)
	require.Equal(t, []string{metrics.OutcomeCancelled}, rec.outcomes)
}

func TestLocalSubmit(t *testing.T) {
	t.Parallel()
	dir, src, style := fixture(t)

	cache := stylesheet.NewCache(upperEngine{})
	l := render.NewLocal(upperEngine{}, cache, render.WithWorkers(2))
	root := progress.New("root")
	require.NoError(t, root.Start("", 3))
	for _, name := range []string{"a", "b", "c"} {
		node, err := root.Child(name, 1)
		require.NoError(t, err)
		l.Submit(t.Context(), render.Job{
			Source:     src,
			Stylesheet: style,
			Output:     filepath.Join(dir, name+".html"),
			Node:       node,
		})
	}
	root.WaitChildren()
	l.Wait()

	require.False(t, root.HasError())
	require.InDelta(t, 3, root.Completed(), 1e-9)
	require.Equal(t, 1, cache.Len())
}

func TestLocalOpen(t *testing.T) {
	t.Parallel()
	if _, err := exec.LookPath("true"); err != nil {
		t.Skipf("skipped, binary true not available: %v", err)
	}
	dir, src, style := fixture(t)

	node := progress.New("job")
	job := render.Job{Source: src, Stylesheet: style, Output: filepath.Join(dir, "d.html"), Open: true, Node: node}
	render.NewLocal(upperEngine{}, nil, render.WithOpener(runner.Command{Path: "true"})).Render(t.Context(), job)
	require.NoError(t, node.Err())
	require.InDelta(t, 100, node.Completed(), 1e-9)
}

func TestJobParam(t *testing.T) {
	t.Parallel()
	job := render.Job{Params: []model.Param{{Name: "gendep", Value: "true"}}}
	v, ok := job.Param("gendep")
	require.True(t, ok)
	require.Equal(t, "true", v)
	_, ok = job.Param("xmluri")
	require.False(t, ok)
}

const report = `<?xml version="1.0"?>
<model name="Car">
  <part id="1">Engine</part>
  <part id="2">Wheel</part>
</model>`

const page = `<h1>{{ doc.Attrs.name }}</h1>
{% for p in doc.Find("part") %}<li id="{{ p.Attr("id") }}">{{ p.Text }}</li>
{% endfor %}<p>{{ params.currentdate }}</p>`

func TestTemplateEngine(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	src := filepath.Join(dir, "car.xml")
	require.NoError(t, os.WriteFile(src, []byte(report), 0o644))

	source := filepath.Join(dir, "page.xsl")
	require.NoError(t, os.WriteFile(source, []byte(page), 0o644))

	compiled := filepath.Join(dir, "page.cxs")
	f, err := os.Create(compiled)
	require.NoError(t, err)
	zw := gzip.NewWriter(f)
	_, err = zw.Write([]byte(page))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	want := "<h1>Car</h1>\n<li id=\"1\">Engine</li>\n<li id=\"2\">Wheel</li>\n<p>01 Jan 2026</p>"

	for _, style := range []string{source, compiled} {
		t.Run(filepath.Ext(style), func(t *testing.T) {
			t.Parallel()
			out := filepath.Join(t.TempDir(), "car.html")
			node := progress.New("job")
			job := render.Job{
				Source:     src,
				Stylesheet: style,
				Output:     out,
				Format:     "html",
				Params:     []model.Param{{Name: "currentdate", Value: "01 Jan 2026"}},
				Node:       node,
			}
			render.NewLocal(render.NewTemplateEngine(), nil).Render(t.Context(), job)
			require.NoError(t, node.Err())
			require.InDelta(t, 100, node.Completed(), 1e-9)

			b, err := os.ReadFile(out)
			require.NoError(t, err)
			require.Equal(t, want, string(b))
		})
	}
}

func TestTemplateEngineErrors(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	style := filepath.Join(dir, "page.xsl")
	require.NoError(t, os.WriteFile(style, []byte(page), 0o644))
	broken := filepath.Join(dir, "broken.xml")
	require.NoError(t, os.WriteFile(broken, []byte("<model><part></model>"), 0o644))
	good := filepath.Join(dir, "good.xml")
	require.NoError(t, os.WriteFile(good, []byte(report), 0o644))

	var testCases = []struct {
		scenario string
		source   string
		format   string
		then     error
	}{
		{"pdf", good, "pdf", render.ErrUnsupportedFormat},
		{"malformed source", broken, "html", nil},
	}
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			node := progress.New("job")
			job := render.Job{
				Source:     tt.source,
				Stylesheet: style,
				Output:     filepath.Join(t.TempDir(), "out.html"),
				Format:     tt.format,
				Node:       node,
			}
			render.NewLocal(render.NewTemplateEngine(), nil).Render(t.Context(), job)
			require.ErrorIs(t, node.Err(), render.ErrRenderFailed)
			if tt.then != nil {
				require.ErrorIs(t, node.Err(), tt.then)
			}
			require.NoFileExists(t, job.Output)
		})
	}
}

func TestExecEngine(t *testing.T) {
	t.Parallel()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	dir, src, style := fixture(t)

	// the fake formatter logs its arguments and writes the last one
	script := `echo "formatting" >&2; printf '%s\n' "$*" > "$0.args"; for a; do out="$a"; done; echo done > "$out"`
	cmd := runner.Command{Path: sh, Args: []string{"-c", script, filepath.Join(dir, "fmt")}}

	node := progress.New("job")
	job := render.Job{
		Source:     src,
		Stylesheet: style,
		Output:     filepath.Join(dir, "model.pdf"),
		Params:     []model.Param{{Name: "gendep", Value: "false"}},
		Security:   model.SecurityOptions{OwnerPassword: "secret", NoPrint: true},
		Node:       node,
	}
	render.NewLocal(render.NewExecEngine(cmd), nil).Render(t.Context(), job)
	require.NoError(t, node.Err())
	require.FileExists(t, job.Output)

	args, err := os.ReadFile(filepath.Join(dir, "fmt.args"))
	require.NoError(t, err)
	require.Equal(t,
		"-xml "+src+" -xsl "+style+" -param gendep false -o secret -noprint -pdf "+job.Output+"\n",
		string(args))
}

func TestExecEngineFailure(t *testing.T) {
	t.Parallel()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	dir, src, style := fixture(t)

	cmd := runner.Command{Path: sh, Args: []string{"-c", `echo "no fonts" >&2; exit 3`, "fmt"}}
	node := progress.New("job")
	job := render.Job{Source: src, Stylesheet: style, Output: filepath.Join(dir, "model.pdf"), Node: node}
	render.NewLocal(render.NewExecEngine(cmd), nil).Render(t.Context(), job)
	require.ErrorIs(t, node.Err(), render.ErrRenderFailed)
	require.ErrorContains(t, node.Err(), "no fonts")

	node = progress.New("job")
	job.Node = node
	render.NewLocal(render.NewExecEngine(runner.Command{}), nil).Render(t.Context(), job)
	require.ErrorIs(t, node.Err(), render.ErrNoFormatter)
}
