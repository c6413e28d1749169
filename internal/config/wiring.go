package config

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cochaviz/ostforge/arch"
	"github.com/cochaviz/ostforge/internal/artifacts"
	"github.com/cochaviz/ostforge/internal/batch"
	"github.com/cochaviz/ostforge/internal/build"
	"github.com/cochaviz/ostforge/internal/drivers"
	"github.com/cochaviz/ostforge/internal/iso"
	"github.com/cochaviz/ostforge/internal/logging"
	"github.com/cochaviz/ostforge/internal/rechunk"
	"github.com/cochaviz/ostforge/internal/recipe"
	"github.com/cochaviz/ostforge/internal/template"
)

// BuildRequest names what a build run produces.
type BuildRequest struct {
	Recipes       []string
	Arches        []arch.Architecture
	StopOnFailure bool
	// DryRun logs backend commands instead of running them.
	DryRun bool
	// Output receives backend output, prefixed per job.
	Output io.Writer
}

// Build detects a backend and builds every recipe for every architecture.
// The returned error is only set when no job could start.
func Build(ctx context.Context, cfg Config, req BuildRequest, logger *slog.Logger) (batch.Result, error) {
	logger = logging.Ensure(logger).With("component", "config")

	if len(req.Recipes) == 0 {
		return batch.Result{}, fmt.Errorf("at least one recipe is required")
	}
	arches := req.Arches
	if len(arches) == 0 {
		var err error
		if arches, err = cfg.Arches(); err != nil {
			return batch.Result{}, err
		}
	}

	runner := &drivers.ExecRunner{Logger: logger.With("component", "exec"), DryRun: req.DryRun}
	// Version probes change nothing on the host, so they run in dry runs too.
	probes := &drivers.ExecRunner{Logger: logger.With("component", "exec")}
	caps, err := Detect(ctx, cfg, probes, logger)
	if err != nil {
		return batch.Result{}, err
	}
	driver, err := drivers.New(caps, drivers.Options{
		Runner:      runner,
		Compression: drivers.Compression(cfg.Compression),
		Logger:      logger,
	})
	if err != nil {
		return batch.Result{}, err
	}

	orchestrator := &build.Orchestrator{
		Logger:     logger,
		Resolver:   &recipe.Resolver{Validator: recipe.SchemaValidator{}, Logger: logger},
		Driver:     driver,
		Workspaces: &build.LocalWorkspacePreparer{BaseDir: cfg.workDir()},
		Artifacts:  &artifacts.LocalArtifactStore{BaseDir: cfg.artifactDir()},
		Retry: build.RetryPolicy{
			MaxAttempts:    cfg.MaxAttempts,
			InitialBackoff: cfg.InitialBackoff,
		},
		StageTimeout: cfg.StageTimeout,
		Publish: build.PublishOptions{
			Push:      cfg.Push,
			Registry:  cfg.Registry,
			CommitSHA: cfg.CommitSHA,
		},
		Image: build.ImageOptions{
			Squash:      cfg.Squash,
			HostNetwork: cfg.HostNetwork,
		},
		Output: req.Output,
	}
	if cfg.SigningKey != "" {
		orchestrator.Signing = &drivers.KeyMaterial{PrivateKey: cfg.SigningKey, Password: cfg.SigningPassword}
	}
	if cfg.Rechunk {
		orchestrator.Rechunker = &rechunk.Rechunker{Runner: runner, Logger: logger}
	}
	if cfg.ISO {
		orchestrator.ISO = &iso.Generator{Logger: logger, SkipSignatureCheck: orchestrator.Signing == nil}
	}

	coordinator := &batch.Coordinator{
		Runner:         orchestrator,
		Logger:         logger,
		MaxConcurrency: cfg.MaxConcurrency,
		StopOnFailure:  req.StopOnFailure,
	}
	return coordinator.RunAll(ctx, req.Recipes, arches), nil
}

// Clean removes every stored artifact and the working directories that
// interrupted jobs left behind.
func Clean(cfg Config, logger *slog.Logger) error {
	logger = logging.Ensure(logger).With("component", "config")

	store := &artifacts.LocalArtifactStore{BaseDir: cfg.artifactDir()}
	if err := store.Clear(); err != nil {
		return fmt.Errorf("clear artifacts: %w", err)
	}
	if err := os.RemoveAll(cfg.workDir()); err != nil {
		return fmt.Errorf("remove job directories: %w", err)
	}
	logger.Info("removed build leftovers", "artifacts", cfg.artifactDir(), "jobs", cfg.workDir())
	return nil
}

func (c Config) workDir() string {
	if c.WorkDir == "" {
		return DefaultWorkDir
	}
	return c.WorkDir
}

func (c Config) artifactDir() string {
	if c.ArtifactDir == "" {
		return DefaultArtifactDir
	}
	return c.ArtifactDir
}

// Detect probes the host once for the configured or preferred backend.
func Detect(ctx context.Context, cfg Config, runner drivers.Runner, logger *slog.Logger) (drivers.Capabilities, error) {
	detector := &drivers.Detector{Runner: runner, Logger: logger}
	if cfg.Backend != "" {
		backend, err := drivers.ParseBackend(cfg.Backend)
		if err != nil {
			return drivers.Capabilities{}, err
		}
		detector.Preferred = backend
	}
	return detector.Detect(ctx)
}

// Generate resolves and renders one recipe.
func Generate(recipePath string, logger *slog.Logger) (*template.Definition, error) {
	resolver := &recipe.Resolver{Validator: recipe.SchemaValidator{}, Logger: logger}
	rec, err := resolver.Resolve(filepath.Base(recipePath), filepath.Dir(recipePath))
	if err != nil {
		return nil, err
	}
	return template.Render(rec)
}

// Validate reports every schema violation of the root document and, when
// there are none, whether the recipe resolves.
func Validate(recipePath string, logger *slog.Logger) ([]recipe.Violation, error) {
	data, err := os.ReadFile(recipePath)
	if err != nil {
		return nil, &recipe.ResolutionError{Kind: recipe.ErrFileNotFound, Path: recipePath, Err: err}
	}
	violations, err := recipe.SchemaValidator{}.Validate(recipePath, data)
	if err != nil || len(violations) > 0 {
		return violations, err
	}
	resolver := &recipe.Resolver{Logger: logger}
	_, err = resolver.Resolve(filepath.Base(recipePath), filepath.Dir(recipePath))
	return nil, err
}
