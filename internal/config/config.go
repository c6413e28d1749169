// Package config loads ostforge settings and wires the build components
// from them.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/cochaviz/ostforge/arch"
	"github.com/cochaviz/ostforge/internal/build"
	"github.com/cochaviz/ostforge/internal/drivers"
)

// LocalConfigFile is looked up in the working directory before the user
// configuration directory.
const LocalConfigFile = "ostforge.yaml"

var DefaultConfigFile = filepath.Join("ostforge", "config.yaml")
var DefaultWorkDir = filepath.Join(xdg.CacheHome, "ostforge", "jobs")
var DefaultArtifactDir = filepath.Join(xdg.DataHome, "ostforge", "artifacts")
var DefaultStageTimeout = time.Hour
var DefaultCompression = drivers.Gzip

// Environment variables read by Load.
const (
	EnvRegistry       = "OSTFORGE_REGISTRY"
	EnvBackend        = "OSTFORGE_BACKEND"
	EnvCommitSHA      = "OSTFORGE_COMMIT_SHA"
	EnvPrivateKey     = "COSIGN_PRIVATE_KEY"
	EnvCosignPassword = "COSIGN_PASSWORD"
)

// commitEnv lists CI variables consulted when OSTFORGE_COMMIT_SHA is unset.
var commitEnv = []string{EnvCommitSHA, "GITHUB_SHA", "CI_COMMIT_SHA"}

// Config holds every setting of a build run.
type Config struct {
	Backend        string        `yaml:"backend"`
	Registry       string        `yaml:"registry"`
	Architectures  []string      `yaml:"architectures"`
	MaxConcurrency int           `yaml:"max-concurrency"`
	MaxAttempts    int           `yaml:"max-attempts"`
	InitialBackoff time.Duration `yaml:"initial-backoff"`
	StageTimeout   time.Duration `yaml:"stage-timeout"`
	Compression    string        `yaml:"compression"`
	Squash         bool          `yaml:"squash"`
	HostNetwork    bool          `yaml:"host-network"`
	Push           bool          `yaml:"push"`
	Rechunk        bool          `yaml:"rechunk"`
	ISO            bool          `yaml:"iso"`
	SigningKey     string        `yaml:"signing-key"`
	WorkDir        string        `yaml:"work-dir"`
	ArtifactDir    string        `yaml:"artifact-dir"`

	// Only taken from the environment.
	SigningPassword string `yaml:"-"`
	CommitSHA       string `yaml:"-"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		MaxAttempts:    build.DefaultMaxAttempts,
		InitialBackoff: build.DefaultInitialBackoff,
		StageTimeout:   DefaultStageTimeout,
		Compression:    string(DefaultCompression),
		Push:           true,
		WorkDir:        DefaultWorkDir,
		ArtifactDir:    DefaultArtifactDir,
	}
}

// LoadOptions locate the inputs of Load.
type LoadOptions struct {
	// Path is an explicit configuration file. When empty, ostforge.yaml in
	// the working directory and then the user configuration file are tried.
	Path string
	// EnvFile is loaded into the process environment when it exists.
	EnvFile string
	// Getenv reads the environment; os.Getenv when nil.
	Getenv func(string) string
}

// Load applies the configuration file and the environment on top of the
// defaults.
func Load(opts LoadOptions) (Config, error) {
	cfg := Default()

	path, err := locate(opts.Path)
	if err != nil {
		return cfg, err
	}
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return cfg, err
		}
	}

	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return cfg, fmt.Errorf("load %s: %w", opts.EnvFile, err)
		}
	}
	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	cfg.applyEnv(getenv)

	return cfg, cfg.Validate()
}

func locate(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if _, err := os.Stat(LocalConfigFile); err == nil {
		return LocalConfigFile, nil
	}
	path, err := xdg.SearchConfigFile(DefaultConfigFile)
	if err != nil {
		return "", nil
	}
	return path, nil
}

func decodeFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv(EnvRegistry); v != "" {
		c.Registry = v
	}
	if v := getenv(EnvBackend); v != "" {
		c.Backend = v
	}
	if v := getenv(EnvPrivateKey); v != "" {
		c.SigningKey = v
	}
	if v := getenv(EnvCosignPassword); v != "" {
		c.SigningPassword = v
	}
	for _, name := range commitEnv {
		if v := strings.TrimSpace(getenv(name)); v != "" {
			c.CommitSHA = v
			break
		}
	}
}

// Validate checks the values that are parsed later.
func (c Config) Validate() error {
	if c.Backend != "" {
		if _, err := drivers.ParseBackend(c.Backend); err != nil {
			return err
		}
	}
	if _, err := arch.ParseList(c.Architectures); err != nil {
		return err
	}
	switch drivers.Compression(c.Compression) {
	case "", drivers.Gzip, drivers.Zstd:
	default:
		return fmt.Errorf("unsupported compression %q (supported: gzip, zstd)", c.Compression)
	}
	if c.MaxConcurrency < 0 {
		return fmt.Errorf("max-concurrency must not be negative")
	}
	if c.MaxAttempts < 0 {
		return fmt.Errorf("max-attempts must not be negative")
	}
	return nil
}

// Arches returns the configured architectures, or the host architecture.
func (c Config) Arches() ([]arch.Architecture, error) {
	return arch.ParseList(c.Architectures)
}
