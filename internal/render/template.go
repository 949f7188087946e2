package render

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/flosch/pongo2/v6"

	"github.com/CZERTAINLY/snapdoc/internal/model"
	"github.com/CZERTAINLY/snapdoc/internal/progress"
	"github.com/CZERTAINLY/snapdoc/internal/stylesheet"
)

var ErrUnsupportedFormat = errors.New("unsupported output format")

// progress units of a template transform
const (
	workRead    = 60
	workExecute = 40
)

// TemplateEngine renders documents in process with pongo2 templates. The
// source is exposed to templates as doc, a tree of Element, and the job
// parameters as params.
//
// Precompiled stylesheets (.cxs) are gzip packed template sources.
type TemplateEngine struct{}

func NewTemplateEngine() *TemplateEngine {
	return &TemplateEngine{}
}

func (TemplateEngine) CompileSource(path string) (stylesheet.Template, error) {
	set, err := newSet(path)
	if err != nil {
		return nil, err
	}
	return set.FromFile(filepath.Base(path))
}

func (TemplateEngine) LoadCompiled(path string) (stylesheet.Template, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	defer zr.Close()
	src, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	set, err := newSet(path)
	if err != nil {
		return nil, err
	}
	return set.FromBytes(src)
}

// includes are resolved relative to the stylesheet directory
func newSet(path string) (*pongo2.TemplateSet, error) {
	loader, err := pongo2.NewLocalFileSystemLoader(filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	return pongo2.NewSet(filepath.Base(path), loader), nil
}

func (TemplateEngine) Transform(ctx context.Context, tmpl stylesheet.Template, job Job, node *progress.Node) error {
	t, ok := tmpl.(*pongo2.Template)
	if !ok {
		return fmt.Errorf("unexpected stylesheet type %T", tmpl)
	}
	if strings.EqualFold(job.Format, "pdf") {
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, job.Format)
	}

	node.Describe("Reading source...")
	doc, err := readDocument(ctx, job.Source, node)
	if err != nil {
		return err
	}

	node.Describe("Writing document...")
	out, err := os.Create(job.Output)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(out)
	err = t.ExecuteWriterUnbuffered(pongo2.Context{
		"doc":    doc,
		"params": paramMap(job.Params),
	}, w)
	if err == nil {
		err = w.Flush()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(job.Output)
		return err
	}
	return node.Report(workExecute)
}

func paramMap(params []model.Param) map[string]string {
	ret := make(map[string]string, len(params))
	for _, p := range params {
		ret[p.Name] = p.Value
	}
	return ret
}

// Element is a node of a decoded XML document
type Element struct {
	Name     string
	Space    string
	Attrs    map[string]string
	Text     string
	Children []*Element
}

// Attr returns the value of an attribute or an empty string
func (e *Element) Attr(name string) string {
	return e.Attrs[name]
}

// Find returns the direct children with a local name
func (e *Element) Find(name string) []*Element {
	var ret []*Element
	for _, c := range e.Children {
		if c.Name == name {
			ret = append(ret, c)
		}
	}
	return ret
}

// First returns the first direct child with a local name or nil
func (e *Element) First(name string) *Element {
	for _, c := range e.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// cancellation is checked every checkEvery tokens
const checkEvery = 1024

func readDocument(ctx context.Context, path string, node *progress.Node) (*Element, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	cr := &countingReader{r: bufio.NewReader(f)}
	size := max(1, info.Size())
	var reported float64
	report := func() {
		done := workRead * float64(min(cr.n, size)) / float64(size)
		if done > reported {
			_ = node.Report(done - reported)
			reported = done
		}
	}

	dec := xml.NewDecoder(cr)
	root := &Element{}
	stack := []*Element{root}
	for i := 0; ; i++ {
		if i%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("%w: %w", progress.ErrCancelled, err)
			}
			report()
		}
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		top := stack[len(stack)-1]
		switch t := tok.(type) {
		case xml.StartElement:
			e := &Element{
				Name:  t.Name.Local,
				Space: t.Name.Space,
				Attrs: make(map[string]string, len(t.Attr)),
			}
			for _, a := range t.Attr {
				e.Attrs[a.Name.Local] = a.Value
			}
			top.Children = append(top.Children, e)
			stack = append(stack, e)
		case xml.EndElement:
			top.Text = strings.TrimSpace(top.Text)
			stack = stack[:len(stack)-1]
		case xml.CharData:
			top.Text += string(t)
		}
	}
	if len(root.Children) == 0 {
		return nil, fmt.Errorf("%s: no root element", path)
	}
	report()
	if rest := workRead - reported; rest > 0 {
		_ = node.Report(rest)
	}
	return root.Children[0], nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
