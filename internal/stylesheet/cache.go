// Package stylesheet resolves style names to files and caches compiled
// stylesheets by their modification time.
package stylesheet

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	// CompiledExt is the extension of precompiled stylesheets
	CompiledExt = ".cxs"
	// SourceExt is the extension of stylesheet sources
	SourceExt = ".xsl"
	// ResourcesDir is the directory of stylesheet resources under the styles root
	ResourcesDir = "resources"
)

// Template is a compiled stylesheet, its concrete type is defined by the
// Compiler which produced it.
type Template any

// Compiler is the transform engine side of the cache
type Compiler interface {
	// CompileSource compiles a stylesheet source
	CompileSource(path string) (Template, error)
	// LoadCompiled loads a precompiled stylesheet
	LoadCompiled(path string) (Template, error)
}

type entry struct {
	tmpl    Template
	modTime time.Time
}

// Cache holds one compiled template per path. Concurrent misses for the
// same path may compile it more than once, the last one wins.
type Cache struct {
	compiler Compiler
	observer func(hit bool)

	mx      sync.Mutex
	entries map[string]entry
}

type Option func(*Cache)

// WithObserver registers a function called on every lookup
func WithObserver(f func(hit bool)) Option {
	return func(c *Cache) {
		c.observer = f
	}
}

func NewCache(compiler Compiler, opts ...Option) *Cache {
	c := &Cache{
		compiler: compiler,
		observer: func(bool) {},
		entries:  make(map[string]entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compile returns the compiled template of path. The template is compiled
// again when the file has been modified after the cached compilation.
func (c *Cache) Compile(path string) (Template, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stylesheet %s: %w", path, err)
	}
	modTime := info.ModTime()

	c.mx.Lock()
	e, ok := c.entries[abs]
	c.mx.Unlock()
	if ok && !modTime.After(e.modTime) {
		c.observer(true)
		return e.tmpl, nil
	}
	c.observer(false)

	var tmpl Template
	if strings.EqualFold(filepath.Ext(abs), CompiledExt) {
		tmpl, err = c.compiler.LoadCompiled(abs)
	} else {
		tmpl, err = c.compiler.CompileSource(abs)
	}
	if err != nil {
		return nil, fmt.Errorf("compiling stylesheet %s: %w", path, err)
	}

	c.mx.Lock()
	c.entries[abs] = entry{tmpl: tmpl, modTime: modTime}
	c.mx.Unlock()
	return tmpl, nil
}

// Len returns the number of cached stylesheets
func (c *Cache) Len() int {
	c.mx.Lock()
	defer c.mx.Unlock()
	return len(c.entries)
}

// Resolve returns the compiled stylesheet of a style if it exists under
// root, the stylesheet source path otherwise. Names which are already
// paths to a stylesheet file are returned unchanged.
func Resolve(root, name string) string {
	if ext := filepath.Ext(name); ext == CompiledExt || ext == SourceExt {
		if filepath.IsAbs(name) {
			return name
		}
		return filepath.Join(root, name)
	}
	compiled := filepath.Join(root, name+CompiledExt)
	if info, err := os.Stat(compiled); err == nil && info.Mode().IsRegular() {
		return compiled
	}
	return filepath.Join(root, name+SourceExt)
}

// Resources returns the resources directory of a styles root
func Resources(root string) string {
	return filepath.Join(root, ResourcesDir)
}
