// Package batch runs the build jobs of several recipes and architectures
// with bounded concurrency.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/cochaviz/ostforge/arch"
	"github.com/cochaviz/ostforge/internal/build"
	"github.com/cochaviz/ostforge/internal/logging"
)

// JobRunner runs a single job to a terminal state.
type JobRunner interface {
	Run(ctx context.Context, job build.Job) build.JobResult
}

// Outcome summarises a batch.
type Outcome string

const (
	Success        Outcome = "success"
	PartialFailure Outcome = "partial-failure"
)

// Key identifies a job within a batch.
type Key struct {
	Recipe string
	Arch   arch.Architecture
}

func (k Key) String() string {
	return k.Recipe + "/" + k.Arch.String()
}

// Result holds every job result in submission order.
type Result struct {
	Outcome Outcome
	Jobs    []build.JobResult
}

// Get returns the result of the job built for key.
func (r Result) Get(key Key) (build.JobResult, bool) {
	for _, job := range r.Jobs {
		if job.Recipe == key.Recipe && job.Arch == key.Arch {
			return job, true
		}
	}
	return build.JobResult{}, false
}

// Failed returns the results of every job that did not reach Done.
func (r Result) Failed() []build.JobResult {
	var out []build.JobResult
	for _, job := range r.Jobs {
		if !job.Succeeded() {
			out = append(out, job)
		}
	}
	return out
}

// Err returns nil for a successful batch and a *PartialFailureError
// otherwise.
func (r Result) Err() error {
	if r.Outcome == Success {
		return nil
	}
	return &PartialFailureError{Failed: r.Failed()}
}

// PartialFailureError lists every failed job with its stage and cause.
type PartialFailureError struct {
	Failed []build.JobResult
}

func (e *PartialFailureError) Error() string {
	parts := make([]string, 0, len(e.Failed))
	for _, job := range e.Failed {
		parts = append(parts, fmt.Sprintf("%s/%s failed at %s: %s", job.Recipe, job.Arch, job.FailedStage, job.CauseText))
	}
	return fmt.Sprintf("%d of the batch jobs failed: %s", len(e.Failed), strings.Join(parts, "; "))
}

// Coordinator fans a JobRunner out over recipes and architectures.
type Coordinator struct {
	Runner JobRunner
	Logger *slog.Logger
	// MaxConcurrency bounds running jobs; zero uses the number of CPUs.
	MaxConcurrency int
	// StopOnFailure cancels the rest of the batch once a job fails.
	StopOnFailure bool
}

// Jobs returns the cross product of recipes and architectures in recipe
// order, then architecture order.
func Jobs(recipes []string, arches []arch.Architecture) []build.Job {
	multiArch := len(arches) > 1
	jobs := make([]build.Job, 0, len(recipes)*len(arches))
	for _, r := range recipes {
		for _, a := range arches {
			jobs = append(jobs, build.Job{
				ID:        uuid.NewString(),
				Recipe:    r,
				Arch:      a,
				MultiArch: multiArch,
			})
		}
	}
	return jobs
}

// RunAll runs one job per recipe and architecture. Jobs are admitted in
// submission order. A failed job does not affect the others unless
// StopOnFailure is set. Cancelling ctx lets running jobs finish their
// current backend invocation; jobs not yet started fail as cancelled
// without running.
func (c *Coordinator) RunAll(ctx context.Context, recipes []string, arches []arch.Architecture) Result {
	return c.Run(ctx, Jobs(recipes, arches))
}

// Run executes jobs as RunAll does.
func (c *Coordinator) Run(ctx context.Context, jobs []build.Job) Result {
	logger := logging.Ensure(c.Logger).With("component", "batch")
	limit := c.MaxConcurrency
	if limit <= 0 {
		limit = runtime.NumCPU()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := semaphore.NewWeighted(int64(limit))
	results := make([]build.JobResult, len(jobs))
	var wg sync.WaitGroup

	logger.Info("starting batch", "jobs", len(jobs), "max_concurrency", limit)
	for i, job := range jobs {
		if err := sem.Acquire(ctx, 1); err != nil {
			results[i] = notStarted(job)
			continue
		}
		if ctx.Err() != nil {
			sem.Release(1)
			results[i] = notStarted(job)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			res := c.Runner.Run(ctx, job)
			results[i] = res
			if !res.Succeeded() && c.StopOnFailure && !res.Cancelled() {
				logger.Warn("stopping batch after failure", "job", Key{job.Recipe, job.Arch})
				cancel()
			}
		}()
	}
	wg.Wait()

	result := Result{Outcome: Success, Jobs: results}
	for _, res := range results {
		if !res.Succeeded() {
			result.Outcome = PartialFailure
			break
		}
	}
	logger.Info("batch finished", "outcome", result.Outcome, "failed", len(result.Failed()))
	return result
}

func notStarted(job build.Job) build.JobResult {
	return build.JobResult{
		JobID:       job.ID,
		Recipe:      job.Recipe,
		Arch:        job.Arch,
		State:       build.StateFailed,
		FailedStage: build.StatePending,
		Cause:       build.ErrCancelled,
		CauseText:   build.ErrCancelled.Error(),
		Transitions: []build.State{build.StateFailed},
	}
}
