package stylesheet_test

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CZERTAINLY/snapdoc/internal/stylesheet"
	"github.com/stretchr/testify/require"
)

type compiled struct {
	path   string
	loaded bool
}

type fakeCompiler struct {
	sources atomic.Int32
	loads   atomic.Int32
}

func (f *fakeCompiler) CompileSource(path string) (stylesheet.Template, error) {
	f.sources.Add(1)
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if string(b) == "broken" {
		return nil, errors.New("syntax error")
	}
	return &compiled{path: path}, nil
}

func (f *fakeCompiler) LoadCompiled(path string) (stylesheet.Template, error) {
	f.loads.Add(1)
	return &compiled{path: path, loaded: true}, nil
}

func TestCompile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p := filepath.Join(dir, "doc.xsl")
	require.NoError(t, os.WriteFile(p, []byte("<xsl/>"), 0o644))

	var hits, misses atomic.Int32
	compiler := &fakeCompiler{}
	cache := stylesheet.NewCache(compiler, stylesheet.WithObserver(func(hit bool) {
		if hit {
			hits.Add(1)
		} else {
			misses.Add(1)
		}
	}))

	first, err := cache.Compile(p)
	require.NoError(t, err)
	second, err := cache.Compile(p)
	require.NoError(t, err)
	require.Same(t, first, second)
	require.EqualValues(t, 1, compiler.sources.Load())

	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(p, future, future))
	third, err := cache.Compile(p)
	require.NoError(t, err)
	require.NotSame(t, first, third)
	require.EqualValues(t, 2, compiler.sources.Load())
	require.Equal(t, 1, cache.Len())

	require.EqualValues(t, 1, hits.Load())
	require.EqualValues(t, 2, misses.Load())
}

func TestCompileCompiled(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p := filepath.Join(dir, "doc.cxs")
	require.NoError(t, os.WriteFile(p, []byte("bin"), 0o644))

	compiler := &fakeCompiler{}
	cache := stylesheet.NewCache(compiler)
	tmpl, err := cache.Compile(p)
	require.NoError(t, err)
	require.True(t, tmpl.(*compiled).loaded)
	require.EqualValues(t, 0, compiler.sources.Load())
	require.EqualValues(t, 1, compiler.loads.Load())
}

func TestCompileErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cache := stylesheet.NewCache(&fakeCompiler{})

	_, err := cache.Compile(filepath.Join(dir, "missing.xsl"))
	require.ErrorIs(t, err, os.ErrNotExist)

	broken := filepath.Join(dir, "broken.xsl")
	require.NoError(t, os.WriteFile(broken, []byte("broken"), 0o644))
	_, err = cache.Compile(broken)
	require.ErrorContains(t, err, "syntax error")
	require.Zero(t, cache.Len())
}

func TestCompileConcurrent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p := filepath.Join(dir, "doc.xsl")
	require.NoError(t, os.WriteFile(p, []byte("<xsl/>"), 0o644))

	compiler := &fakeCompiler{}
	cache := stylesheet.NewCache(compiler)
	var wg sync.WaitGroup
	for range 16 {
		wg.Go(func() {
			_, err := cache.Compile(p)
			require.NoError(t, err)
		})
	}
	wg.Wait()
	require.GreaterOrEqual(t, compiler.sources.Load(), int32(1))
	require.Equal(t, 1, cache.Len())
}

func TestResolve(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "fast.cxs"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "fast.xsl"), nil, 0o644))

	require.Equal(t, filepath.Join(root, "fast.cxs"), stylesheet.Resolve(root, "fast"))
	require.Equal(t, filepath.Join(root, "slow.xsl"), stylesheet.Resolve(root, "slow"))
	require.Equal(t, filepath.Join(root, "x.xsl"), stylesheet.Resolve(root, "x.xsl"))
	require.Equal(t, "/abs/y.cxs", stylesheet.Resolve(root, "/abs/y.cxs"))
	require.Equal(t, filepath.Join(root, "resources"), stylesheet.Resources(root))
}
