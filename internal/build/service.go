package build

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cochaviz/ostforge/internal/artifacts"
	"github.com/cochaviz/ostforge/internal/drivers"
	"github.com/cochaviz/ostforge/internal/logging"
	"github.com/cochaviz/ostforge/internal/recipe"
	"github.com/cochaviz/ostforge/internal/template"
)

// PublishOptions control the Pushing stage.
type PublishOptions struct {
	Push      bool
	Registry  string
	CommitSHA string
}

// ImageOptions are passed through to every build.
type ImageOptions struct {
	Squash      bool
	HostNetwork bool
}

// Orchestrator runs one job through resolve, render, build, sign, push and
// the optional post-push steps. An Orchestrator holds no per-job state and
// may run many jobs at once.
type Orchestrator struct {
	Logger     *slog.Logger
	Resolver   RecipeResolver
	Driver     drivers.Driver
	Workspaces WorkspacePreparer
	// Artifacts, when set, receives the rendered definition, any ISO and a
	// JSON report of every job.
	Artifacts artifacts.ArtifactStore

	Retry        RetryPolicy
	StageTimeout time.Duration
	Publish      PublishOptions
	Image        ImageOptions
	// Signing requests signing with this key even for recipes without a
	// signing module. Recipes with one use it as their private key.
	Signing *drivers.KeyMaterial

	Rechunker Rechunker
	ISO       ISOGenerator

	// Output receives backend output, one prefixed line at a time.
	Output io.Writer
	Now    func() time.Time
}

// Run executes job and returns its terminal state. Cancelling ctx lets a
// running backend invocation finish, then fails the job with ErrCancelled
// before the next stage starts. The job's working directory is removed
// before Run returns.
func (s *Orchestrator) Run(ctx context.Context, job Job) JobResult {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	run := &jobRun{
		s:      s,
		job:    job,
		logger: s.logger().With("job", shortID(job.ID), "recipe", job.Recipe, "arch", job.Arch.String()),
		result: JobResult{
			JobID:     job.ID,
			Recipe:    job.Recipe,
			Arch:      job.Arch,
			StartedAt: s.now(),
			Attempts:  map[State]int{},
		},
	}
	if s.Driver != nil {
		run.result.Backend = s.Driver.Backend()
	}

	stage, err := run.execute(ctx)
	if run.workspace != nil {
		if cleanupErr := run.workspace.Cleanup(); cleanupErr != nil {
			run.logger.Warn("failed to remove job workspace", "error", cleanupErr)
		}
	}
	if run.output != nil {
		_ = run.output.Flush()
	}

	result := run.finish(stage, err)
	s.storeReport(run.logger, result)
	return result
}

type jobRun struct {
	s         *Orchestrator
	job       Job
	logger    *slog.Logger
	result    JobResult
	workspace Workspace
	output    *logging.PrefixWriter
	// previous pins the primary destination as it was before pushing.
	previous string
}

func (r *jobRun) execute(ctx context.Context) (State, error) {
	s := r.s
	if s.Resolver == nil || s.Driver == nil || s.Workspaces == nil {
		return StatePending, errors.New("orchestrator is not fully configured")
	}

	if err := r.advance(ctx, StateResolving); err != nil {
		return StateResolving, err
	}
	rec, err := s.Resolver.Resolve(filepath.Base(r.job.Recipe), filepath.Dir(r.job.Recipe))
	if err != nil {
		return StateResolving, err
	}
	r.result.Name = rec.Name
	r.logger = r.logger.With("name", rec.Name)
	if s.Output != nil {
		r.output = logging.NewPrefixWriter(s.Output, logging.JobPrefix(rec.Name, r.job.Arch.String()))
		ctx = drivers.WithOutput(ctx, r.output)
	}

	if err := r.advance(ctx, StateRendering); err != nil {
		return StateRendering, err
	}
	def, err := template.Render(rec)
	if err != nil {
		return StateRendering, err
	}
	r.result.Definition = def.Digest()
	r.workspace, err = s.Workspaces.Prepare(r.job, def)
	if err != nil {
		return StateRendering, err
	}
	r.store(artifacts.DefinitionArtifact, "Containerfile.containerfile", def.Bytes())

	if err := r.advance(ctx, StateBuilding); err != nil {
		return StateBuilding, err
	}
	r.result.Image = LocalRef(rec.Name, r.job.Arch, r.job.ID)
	opts := drivers.BuildOpts{
		Containerfile: r.workspace.Containerfile(),
		ContextDir:    rec.ContextDir,
		Ref:           r.result.Image,
		Platform:      r.job.Arch.Platform(),
		Squash:        s.Image.Squash,
		HostNetwork:   s.Image.HostNetwork,
	}
	var image drivers.ImageHandle
	if err := r.retried(ctx, StateBuilding, func(ctx context.Context) error {
		var err error
		image, err = s.Driver.Build(ctx, opts)
		return err
	}); err != nil {
		return StateBuilding, err
	}

	if rec.HasSigning() || s.Signing != nil {
		if err := r.advance(ctx, StateSigning); err != nil {
			return StateSigning, err
		}
		if err := r.sign(ctx, &image); err != nil {
			return StateSigning, err
		}
	}

	published := image.Ref
	var dests []string
	if s.Publish.Push {
		if err := r.advance(ctx, StatePushing); err != nil {
			return StatePushing, err
		}
		dests, err = r.destinations(rec)
		if err != nil {
			return StatePushing, err
		}
		if s.Rechunker != nil {
			r.previous = r.previousVersion(ctx, dests[0])
		}
		if err := r.publish(ctx, StatePushing, image, dests); err != nil {
			return StatePushing, err
		}
		published = dests[0]
	}

	if s.Rechunker != nil {
		if err := r.advance(ctx, StateRechunking); err != nil {
			return StateRechunking, err
		}
		req := RechunkRequest{
			Image:    published,
			Previous: r.previous,
			Output:   r.result.Image + "-rechunked",
			Arch:     r.job.Arch,
			WorkDir:  r.workspace.Dir(),
		}
		outcome, err := r.collaborate(ctx, "rechunk", func(ctx context.Context) (Outcome, error) {
			return s.Rechunker.Rechunk(ctx, req)
		})
		if err != nil {
			return StateRechunking, err
		}
		if outcome.Image != "" {
			repacked := image
			repacked.Ref = outcome.Image
			if len(dests) == 0 {
				published = outcome.Image
			} else if err := r.publish(ctx, StateRechunking, repacked, dests); err != nil {
				return StateRechunking, err
			}
		}
	}

	if s.ISO != nil {
		if err := r.advance(ctx, StateISO); err != nil {
			return StateISO, err
		}
		req := ISORequest{Image: published, Name: rec.ImageName(), Arch: r.job.Arch, WorkDir: r.workspace.Dir()}
		if _, err := r.collaborate(ctx, "iso", func(ctx context.Context) (Outcome, error) {
			return s.ISO.Generate(ctx, req)
		}); err != nil {
			return StateISO, err
		}
	}

	return StateDone, nil
}

// sign checks the key material. Signatures are attached when the image is
// pushed. A signing failure is never retried.
func (r *jobRun) sign(ctx context.Context, image *drivers.ImageHandle) error {
	var key drivers.KeyMaterial
	if r.s.Signing != nil {
		key = *r.s.Signing
	}
	err := r.call(ctx, func(ctx context.Context) error {
		signed, err := r.s.Driver.Sign(ctx, *image, key)
		if err == nil {
			*image = signed
		}
		return err
	})
	if ctx.Err() != nil {
		return ErrCancelled
	}
	if err != nil {
		return err
	}
	r.result.Signed = true
	return nil
}

// destinations lists every reference the job publishes. The first one is
// the primary destination.
func (r *jobRun) destinations(rec *recipe.Recipe) ([]string, error) {
	repo, err := Repository(r.s.Publish.Registry, rec.ImageName())
	if err != nil {
		return nil, err
	}
	tags := GenerateTags(rec, TagOptions{
		Now:       r.s.now(),
		CommitSHA: r.s.Publish.CommitSHA,
		Arch:      r.job.Arch,
		MultiArch: r.job.MultiArch,
	})
	return Destinations(repo, tags)
}

// previousVersion pins what ref points at before this job moves it. A
// failed lookup rechunks without a previous version.
func (r *jobRun) previousVersion(ctx context.Context, ref string) string {
	var previous string
	err := r.call(ctx, func(ctx context.Context) error {
		var err error
		previous, err = r.s.Rechunker.Previous(ctx, ref)
		return err
	})
	if err != nil {
		r.logger.Warn("failed to resolve previous version", "ref", ref, "error", err)
		return ""
	}
	if previous != "" {
		r.logger.Debug("resolved previous version", "ref", ref, "previous", previous)
	}
	return previous
}

// publish tags image with every destination and pushes each one. Tagging
// is attempted once; pushes follow the retry policy.
func (r *jobRun) publish(ctx context.Context, state State, image drivers.ImageHandle, dests []string) error {
	err := r.call(ctx, func(ctx context.Context) error {
		return r.s.Driver.Tag(ctx, image, dests)
	})
	if ctx.Err() != nil {
		return ErrCancelled
	}
	if err != nil {
		return err
	}

	for _, dest := range dests {
		if err := r.retried(ctx, state, func(ctx context.Context) error {
			return r.s.Driver.Push(ctx, image, dest)
		}); err != nil {
			return err
		}
		if state == StatePushing {
			r.result.Destinations = append(r.result.Destinations, dest)
		}
	}
	return nil
}

func (r *jobRun) collaborate(ctx context.Context, name string, fn func(context.Context) (Outcome, error)) (Outcome, error) {
	var outcome Outcome
	err := r.call(ctx, func(ctx context.Context) error {
		var err error
		outcome, err = fn(ctx)
		return err
	})
	if d := strings.TrimSpace(outcome.Diagnostics); d != "" {
		r.result.Notes = append(r.result.Notes, name+": "+d)
	}
	if ctx.Err() != nil {
		return outcome, ErrCancelled
	}
	if err != nil {
		return outcome, fmt.Errorf("%s: %w", name, err)
	}
	if outcome.Artifact != "" && r.s.Artifacts != nil {
		stored, err := r.s.Artifacts.StoreArtifact(outcome.Artifact, artifacts.ISOArtifact, map[string]any{
			"job":  r.job.ID,
			"arch": r.job.Arch.String(),
		})
		if err != nil {
			r.logger.Warn("failed to store artifact", "collaborator", name, "error", err)
		} else {
			r.result.Notes = append(r.result.Notes, name+": stored "+stored.URI)
		}
	}
	return outcome, nil
}

// retried runs op until it succeeds, fails permanently or runs out of
// attempts. Only transient driver errors are retried.
func (r *jobRun) retried(ctx context.Context, state State, op func(context.Context) error) error {
	policy := r.s.Retry.withDefaults()
	for attempt := 1; ; attempt++ {
		r.result.Attempts[state]++
		err := r.call(ctx, op)
		if ctx.Err() != nil {
			return ErrCancelled
		}
		if err == nil {
			return nil
		}
		if !drivers.IsTransient(err) || attempt >= policy.MaxAttempts {
			return err
		}

		delay := policy.Backoff(attempt)
		r.logger.Warn("transient failure, retrying",
			"stage", state,
			"attempt", attempt,
			"max_attempts", policy.MaxAttempts,
			"backoff", delay,
			"error", err,
		)
		if err := policy.Sleep(ctx, delay); err != nil {
			return ErrCancelled
		}
	}
}

// call runs one backend invocation. The invocation is detached from ctx
// cancellation so a cancelled batch never interrupts a write half way; it
// is bounded by the stage timeout instead.
func (r *jobRun) call(ctx context.Context, op func(context.Context) error) error {
	callCtx := context.WithoutCancel(ctx)
	if r.s.StageTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, r.s.StageTimeout)
		defer cancel()
	}
	return op(callCtx)
}

func (r *jobRun) advance(ctx context.Context, state State) error {
	if ctx.Err() != nil {
		return ErrCancelled
	}
	r.result.Transitions = append(r.result.Transitions, state)
	r.logger.Info("entering stage", "stage", state)
	return nil
}

func (r *jobRun) finish(stage State, err error) JobResult {
	result := r.result
	result.FinishedAt = r.s.now()
	if err == nil {
		result.State = StateDone
		result.Transitions = append(result.Transitions, StateDone)
		r.logger.Info("job finished", "duration", result.FinishedAt.Sub(result.StartedAt))
		return result
	}

	result.State = StateFailed
	result.FailedStage = stage
	result.Cause = err
	result.CauseText = err.Error()
	result.Transitions = append(result.Transitions, StateFailed)
	r.logger.Error("job failed", "stage", stage, "error", err)
	return result
}

func (r *jobRun) store(kind artifacts.ArtifactKind, name string, content []byte) {
	if r.s.Artifacts == nil {
		return
	}
	if _, err := r.s.Artifacts.StoreBytes(name, content, kind, map[string]any{
		"job":    r.job.ID,
		"recipe": r.job.Recipe,
		"arch":   r.job.Arch.String(),
	}); err != nil {
		r.logger.Warn("failed to store artifact", "kind", kind, "error", err)
	}
}

func (s *Orchestrator) storeReport(logger *slog.Logger, result JobResult) {
	if s.Artifacts == nil {
		return
	}
	payload, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		logger.Warn("failed to encode job report", "error", err)
		return
	}
	if _, err := s.Artifacts.StoreBytes("report.json", payload, artifacts.ReportArtifact, map[string]any{
		"job":   result.JobID,
		"state": string(result.State),
	}); err != nil {
		logger.Warn("failed to store job report", "error", err)
	}
}

func (s *Orchestrator) logger() *slog.Logger {
	return logging.Ensure(s.Logger).With("component", "build")
}

func (s *Orchestrator) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
