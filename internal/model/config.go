package model

import (
	"io"
	"log/slog"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	DefaultRemote = "origin"
	DefaultBranch = "main"

	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
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

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version    int        `json:"version" yaml:"version"` // fixed 0 for now
	Repository Repository `json:"repository" yaml:"repository"`
	AutoFetch  *AutoFetch `json:"autofetch,omitempty" yaml:"autofetch,omitempty"`
	History    *History   `json:"history,omitempty" yaml:"history,omitempty"`
	Service    Service    `json:"service" yaml:"service"`
}

// Repository is the local repository and the remote branch jobs work with.
type Repository struct {
	Path   string `json:"path,omitempty" yaml:"path,omitempty"` // working directory if empty
	Remote string `json:"remote" yaml:"remote"`
	Branch string `json:"branch" yaml:"branch"`
	Auth   *Auth  `json:"auth,omitempty" yaml:"auth,omitempty"`
}

type Auth struct {
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
}

// AutoFetch periodically requests a fetch. Either Cron or Duration is used.
type AutoFetch struct {
	Enabled  *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Cron     string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`
}

type History struct {
	Enabled *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"` // sqlite database file
}

type Service struct {
	Verbose *bool   `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	Log     *string `json:"log,omitempty" yaml:"log,omitempty"` // "stderr"|"stdout"|"discard"|path
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
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

	return &out, nil
}

// DefaultConfig returns a configuration for the repository in the working
// directory of each run. The path is resolved by Request, so the stored
// default never binds to the directory it was created in.
func DefaultConfig() Config {
	return Config{
		Repository: Repository{
			Remote: DefaultRemote,
			Branch: DefaultBranch,
		},
		Service: Service{
			Log: ptr(LogStderr),
		},
	}
}

// Request returns the request configured repository jobs start with.
func (c Config) Request() Request {
	req := Request{
		Location: c.Repository.Path,
		Remote:   c.Repository.Remote,
		Branch:   c.Repository.Branch,
	}
	if req.Location == "" {
		req.Location = workDir()
	}
	if req.Remote == "" {
		req.Remote = DefaultRemote
	}
	if a := c.Repository.Auth; a != nil {
		req.Credential = &BasicAuthCredential{
			Username: a.Username,
			Password: a.Password,
		}
	}
	return req
}

func (c Config) Verbose() bool {
	return Get(c.Service.Verbose)
}

func (c Config) LogOutput() string {
	if c.Service.Log == nil {
		return LogStderr
	}
	return *c.Service.Log
}

func workDir() string {
	wd, err := os.Getwd()
	if err != nil {
		slog.Warn("can't get working directory: using .", "error", err)
		return "."
	}
	return wd
}

// Get dereferences an optional config value.
func Get[T any](pt *T) T {
	var zero T
	if pt == nil {
		return zero
	}
	return *pt
}

func ptr[T any](v T) *T {
	return &v
}
