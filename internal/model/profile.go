package model

import (
	"encoding/json"
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"strconv"
	"time"
)

// Params are key/value pairs passed to the extractor or to a stylesheet
type Params map[string]string

// Param is a single ordered stylesheet parameter
type Param struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Profile is a named set of one extraction configuration and one or more
// render configurations applied to the same model.
type Profile struct {
	ID          string        `json:"id" yaml:"id"`
	Name        string        `json:"name,omitempty" yaml:"name,omitempty"`
	Description string        `json:"description,omitempty" yaml:"description,omitempty"`
	Shortcut    string        `json:"shortcut,omitempty" yaml:"shortcut,omitempty"`
	Snap        SnapConf      `json:"snap,omitzero" yaml:"snap,omitempty"`
	Renders     []*RenderConf `json:"renders" yaml:"renders"`
}

type SnapConf struct {
	FollowLinks    bool   `json:"follow_links,omitempty" yaml:"follow_links,omitempty"`
	LookUnderMasks bool   `json:"look_under_masks,omitempty" yaml:"look_under_masks,omitempty"`
	Params         Params `json:"params,omitempty" yaml:"params,omitempty"`
}

type RelativeTo string

const (
	RelativeToModel  RelativeTo = "model"
	RelativeToCurDir RelativeTo = "curdir"
	RelativeToParent RelativeTo = "parent"
)

type PostAction string

const (
	PostActionNone PostAction = "nop"
	PostActionOpen PostAction = "open"
)

// DependencyPolicy selects how documents referenced by a model are handled
type DependencyPolicy int

const (
	DependencyNone DependencyPolicy = iota
	DependencySeparate
	DependencyEmbed
)

func (d DependencyPolicy) String() string {
	switch d {
	case DependencySeparate:
		return "true"
	case DependencyEmbed:
		return "embed"
	default:
		return "false"
	}
}

func ParseDependencyPolicy(s string) (DependencyPolicy, error) {
	switch s {
	case "", "false":
		return DependencyNone, nil
	case "true":
		return DependencySeparate, nil
	case "embed":
		return DependencyEmbed, nil
	default:
		return DependencyNone, fmt.Errorf("unsupported dependency policy %q", s)
	}
}

func (d DependencyPolicy) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts both booleans and strings, yaml documents
// usually carry gendep: true unquoted.
func (d *DependencyPolicy) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	var s string
	switch x := v.(type) {
	case bool:
		s = strconv.FormatBool(x)
	case string:
		s = x
	case nil:
	default:
		return fmt.Errorf("unsupported dependency policy %s", b)
	}
	p, err := ParseDependencyPolicy(s)
	if err != nil {
		return err
	}
	*d = p
	return nil
}

func (d DependencyPolicy) MarshalYAML() (any, error) {
	return d.String(), nil
}

type SecurityOptions struct {
	OwnerPassword string `json:"owner_password,omitempty" yaml:"owner_password,omitempty"`
	UserPassword  string `json:"user_password,omitempty" yaml:"user_password,omitempty"`
	NoPrint       bool   `json:"no_print,omitempty" yaml:"no_print,omitempty"`
	NoCopy        bool   `json:"no_copy,omitempty" yaml:"no_copy,omitempty"`
	NoEdit        bool   `json:"no_edit,omitempty" yaml:"no_edit,omitempty"`
	NoAnnotations bool   `json:"no_annotations,omitempty" yaml:"no_annotations,omitempty"`
}

// Any reports whether any protection is requested
func (s SecurityOptions) Any() bool {
	return s != SecurityOptions{}
}

// RenderConf is one output configuration of a profile. Children are used
// for documents referenced by the model.
type RenderConf struct {
	Style        string           `json:"style,omitempty" yaml:"style,omitempty"`
	Format       string           `json:"format" yaml:"format"`
	OutDir       string           `json:"outdir,omitempty" yaml:"outdir,omitempty"`
	RelativeTo   RelativeTo       `json:"relto,omitempty" yaml:"relto,omitempty"`
	Suffix       string           `json:"suffix,omitempty" yaml:"suffix,omitempty"`
	Security     SecurityOptions  `json:"security,omitzero" yaml:"security,omitempty"`
	Action       PostAction       `json:"action,omitempty" yaml:"action,omitempty"`
	Dependencies DependencyPolicy `json:"gendep,omitempty" yaml:"gendep,omitempty"`
	Params       Params           `json:"params,omitempty" yaml:"params,omitempty"`
	Children     []*RenderConf    `json:"children,omitempty" yaml:"children,omitempty"`
}

// Inherit merges params into every render configuration of the profile,
// values already defined by a configuration win.
func (p *Profile) Inherit(params Params) {
	for _, rc := range p.Renders {
		rc.inherit(params)
	}
}

func (c *RenderConf) inherit(params Params) {
	merged := make(Params, len(params)+len(c.Params))
	maps.Copy(merged, params)
	maps.Copy(merged, c.Params)
	c.Params = merged
	if c.Style == "" {
		c.Style = DefaultStyle
	}
	if c.RelativeTo == "" {
		c.RelativeTo = RelativeToModel
	}
	if c.Action == "" {
		c.Action = PostActionNone
	}
	for _, child := range c.Children {
		child.inherit(c.Params)
	}
}

// SubConf returns the configuration used for documents referenced by
// the model rendered with c. It is the first child, or c itself when
// there are no children, whatever the referenced model is.
func (c *RenderConf) SubConf() *RenderConf {
	if len(c.Children) > 0 {
		return c.Children[0]
	}
	return c
}

// Output returns the absolute path of the document generated for model.
// A relative output directory is resolved against the model directory,
// cwd or parentDir according to RelativeTo.
func (c *RenderConf) Output(model, parentDir, cwd string) string {
	dir := c.OutDir
	if !filepath.IsAbs(dir) {
		var base string
		switch c.RelativeTo {
		case RelativeToCurDir:
			base = cwd
		case RelativeToParent:
			base = parentDir
		default:
			base = filepath.Dir(model)
		}
		if base == "" {
			base = filepath.Dir(model)
		}
		dir = filepath.Join(base, dir)
	}
	name := filepath.Base(model)
	name = name[:len(name)-len(filepath.Ext(name))]
	return filepath.Join(dir, name+c.Suffix+"."+c.Format)
}

// SubParentDir returns the parent directory passed to documents referenced
// from the document generated at out.
func (c *RenderConf) SubParentDir(out, parentDir string) string {
	if c.RelativeTo == RelativeToParent && parentDir != "" {
		return parentDir
	}
	return filepath.Dir(out)
}

// StyleParams returns the ordered stylesheet parameters: the built-in ones
// first, then user parameters sorted by name.
func (c *RenderConf) StyleParams(resources, xmlURI, refPaths string, now time.Time) []Param {
	params := []Param{
		{Name: "resourcespath", Value: resources},
		{Name: "currentdate", Value: now.Format("02 Jan 2006")},
		{Name: "gendep", Value: c.Dependencies.String()},
		{Name: "xmluri", Value: xmlURI},
		{Name: "refmdlpaths", Value: refPaths},
	}
	for _, k := range slices.Sorted(maps.Keys(c.Params)) {
		params = append(params, Param{Name: k, Value: c.Params[k]})
	}
	return params
}
