package model

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	EngineTemplate = "template"
	EngineExec     = "exec"

	DefaultMaxMemory     = "1024m"
	DefaultIdleShutdown  = "5m"
	DefaultStartAttempts = 20
	DefaultStyle         = "template"
)

var ErrProfileNotFound = errors.New("profile not found")

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	defs   cue.Value // all definitions of config.cue
	schema cue.Value // #Config
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	defs = compiled
	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version   int        `json:"version" yaml:"version"`
	Service   Service    `json:"service,omitzero" yaml:"service,omitempty"`
	Extractor Extractor  `json:"extractor,omitzero" yaml:"extractor,omitempty"`
	Render    Render     `json:"render,omitzero" yaml:"render,omitempty"`
	Snap      Params     `json:"snap_params,omitempty" yaml:"snap_params,omitempty"`
	Params    Params     `json:"render_params,omitempty" yaml:"render_params,omitempty"`
	Profiles  []*Profile `json:"profiles,omitempty" yaml:"profiles,omitempty"`
}

// Service configures the out of process render service and the client side
// which discovers or launches it.
type Service struct {
	Socket        string `json:"socket,omitempty" yaml:"socket,omitempty"`
	MaxMemory     string `json:"max_memory,omitempty" yaml:"max_memory,omitempty"`
	IdleShutdown  string `json:"idle_shutdown,omitempty" yaml:"idle_shutdown,omitempty"`
	StartAttempts int    `json:"start_attempts,omitempty" yaml:"start_attempts,omitempty"`
	Verbose       bool   `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	History       string `json:"history,omitempty" yaml:"history,omitempty"` // sqlite database path
	Schedule      string `json:"schedule,omitempty" yaml:"schedule,omitempty"`
}

type Extractor struct {
	Command     *Command `json:"command,omitempty" yaml:"command,omitempty"`
	Version     string   `json:"version,omitempty" yaml:"version,omitempty"`
	ArtifactDir string   `json:"artifact_dir,omitempty" yaml:"artifact_dir,omitempty"`
	ModelPaths  []string `json:"model_paths,omitempty" yaml:"model_paths,omitempty"`
}

type Render struct {
	Engine string   `json:"engine,omitempty" yaml:"engine,omitempty"` // "template" | "exec"
	Styles string   `json:"styles,omitempty" yaml:"styles,omitempty"`
	Exec   *Command `json:"exec,omitempty" yaml:"exec,omitempty"`
	Opener *Command `json:"opener,omitempty" yaml:"opener,omitempty"`
}

// Command describes an external program, env values starting with $
// are expanded from the environment.
type Command struct {
	Path    string            `json:"path" yaml:"path"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Timeout string            `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Environ returns the command environment in os/exec form
func (c Command) Environ() []string {
	env := make([]string, 0, len(c.Env))
	for k, v := range c.Env {
		if strings.HasPrefix(v, "$") {
			v = os.ExpandEnv(v)
		}
		env = append(env, strings.ToUpper(k)+"="+v)
	}
	return env
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
// Render parameters are inherited by all profiles.
func LoadConfig(r io.Reader) (*Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return nil, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return nil, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return nil, err
	}
	out.applyDefaults()
	for _, p := range out.Profiles {
		p.Inherit(out.Params)
	}

	return &out, nil
}

// DefaultConfig returns the configuration stored when no config file exists
func DefaultConfig() Config {
	cfg := Config{
		Version: 0,
		Profiles: []*Profile{
			{
				ID:          "html",
				Name:        "HTML",
				Description: "Single HTML document rendered with the built-in template engine",
				Renders: []*RenderConf{
					{Style: DefaultStyle, Format: "html"},
				},
			},
		},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Service.MaxMemory == "" {
		c.Service.MaxMemory = DefaultMaxMemory
	}
	if c.Service.IdleShutdown == "" {
		c.Service.IdleShutdown = DefaultIdleShutdown
	}
	if c.Service.StartAttempts == 0 {
		c.Service.StartAttempts = DefaultStartAttempts
	}
	if c.Render.Engine == "" {
		c.Render.Engine = EngineTemplate
	}
}

// Profile returns a profile by its id or shortcut
func (c *Config) Profile(id string) (*Profile, error) {
	for _, p := range c.Profiles {
		if p.ID == id || (p.Shortcut != "" && p.Shortcut == id) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("profile %q: %w", id, ErrProfileNotFound)
}
