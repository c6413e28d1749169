package batch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/cochaviz/ostforge/arch"
	"github.com/cochaviz/ostforge/internal/build"
	"github.com/cochaviz/ostforge/internal/logging"
)

type stubRunner struct {
	mu      sync.Mutex
	started []string
	fail    map[string]bool
	delay   time.Duration

	running atomic.Int32
	peak    atomic.Int32
}

func (r *stubRunner) Run(ctx context.Context, job build.Job) build.JobResult {
	label := job.Label()
	r.mu.Lock()
	r.started = append(r.started, label)
	r.mu.Unlock()

	n := r.running.Add(1)
	for {
		peak := r.peak.Load()
		if n <= peak || r.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	defer r.running.Add(-1)
	time.Sleep(r.delay)

	res := build.JobResult{JobID: job.ID, Recipe: job.Recipe, Arch: job.Arch, State: build.StateDone}
	if r.fail[label] {
		res.State = build.StateFailed
		res.FailedStage = build.StateBuilding
		res.Cause = errors.New("build failed (exit status 1)")
		res.CauseText = res.Cause.Error()
	}
	return res
}

func TestJobsCrossProductOrder(t *testing.T) {
	t.Parallel()

	jobs := Jobs([]string{"a.yml", "b.yml"}, []arch.Architecture{arch.AMD64, arch.ARM64})
	var got []string
	for _, job := range jobs {
		got = append(got, job.Label())
		if !job.MultiArch {
			t.Fatalf("expected multi-arch jobs")
		}
		if job.ID == "" {
			t.Fatalf("job without id")
		}
	}
	want := []string{"a.yml/amd64", "a.yml/arm64", "b.yml/amd64", "b.yml/arm64"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Jobs() mismatch (-want +got):\n%s", diff)
	}

	if Jobs([]string{"a.yml"}, []arch.Architecture{arch.AMD64})[0].MultiArch {
		t.Fatalf("single architecture batch should not be multi-arch")
	}
}

func TestRunAllIsolatesFailures(t *testing.T) {
	t.Parallel()

	runner := &stubRunner{fail: map[string]bool{"b.yml/amd64": true}}
	c := &Coordinator{Runner: runner, Logger: logging.Discard(), MaxConcurrency: 3}

	result := c.RunAll(context.Background(), []string{"a.yml", "b.yml", "c.yml"}, []arch.Architecture{arch.AMD64})
	if result.Outcome != PartialFailure {
		t.Fatalf("outcome = %s, want partial failure", result.Outcome)
	}
	failed := result.Failed()
	if len(failed) != 1 || failed[0].Recipe != "b.yml" {
		t.Fatalf("failed = %+v", failed)
	}
	for _, key := range []Key{{"a.yml", arch.AMD64}, {"c.yml", arch.AMD64}} {
		res, ok := result.Get(key)
		if !ok || !res.Succeeded() {
			t.Fatalf("job %s = %+v", key, res)
		}
	}

	err := result.Err()
	var partial *PartialFailureError
	if !errors.As(err, &partial) {
		t.Fatalf("Err() = %v, want PartialFailureError", err)
	}
	if !strings.Contains(err.Error(), "b.yml/amd64 failed at building: build failed (exit status 1)") {
		t.Fatalf("Err() = %q", err)
	}
}

func TestRunAllSuccess(t *testing.T) {
	t.Parallel()

	c := &Coordinator{Runner: &stubRunner{}, Logger: logging.Discard()}
	result := c.RunAll(context.Background(), []string{"a.yml"}, []arch.Architecture{arch.AMD64, arch.ARM64})
	if result.Outcome != Success || result.Err() != nil {
		t.Fatalf("outcome = %s, err = %v", result.Outcome, result.Err())
	}
	if len(result.Jobs) != 2 {
		t.Fatalf("jobs = %d", len(result.Jobs))
	}
}

func TestRunAllBoundsConcurrency(t *testing.T) {
	t.Parallel()

	runner := &stubRunner{delay: 20 * time.Millisecond}
	c := &Coordinator{Runner: runner, Logger: logging.Discard(), MaxConcurrency: 2}
	recipes := []string{"a", "b", "c", "d", "e", "f"}

	c.RunAll(context.Background(), recipes, []arch.Architecture{arch.AMD64})
	if peak := runner.peak.Load(); peak > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", peak)
	}
	if len(runner.started) != len(recipes) {
		t.Fatalf("started %d jobs", len(runner.started))
	}
}

func TestRunAllAdmitsInSubmissionOrder(t *testing.T) {
	t.Parallel()

	runner := &stubRunner{}
	c := &Coordinator{Runner: runner, Logger: logging.Discard(), MaxConcurrency: 1}
	c.RunAll(context.Background(), []string{"a", "b", "c"}, []arch.Architecture{arch.AMD64, arch.ARM64})

	want := []string{"a/amd64", "a/arm64", "b/amd64", "b/arm64", "c/amd64", "c/arm64"}
	if diff := cmp.Diff(want, runner.started); diff != "" {
		t.Fatalf("admission order mismatch (-want +got):\n%s", diff)
	}
}

func TestRunAllStopOnFailure(t *testing.T) {
	t.Parallel()

	runner := &stubRunner{fail: map[string]bool{"a/amd64": true}}
	c := &Coordinator{Runner: runner, Logger: logging.Discard(), MaxConcurrency: 1, StopOnFailure: true}

	result := c.RunAll(context.Background(), []string{"a", "b", "c"}, []arch.Architecture{arch.AMD64})
	if diff := cmp.Diff([]string{"a/amd64"}, runner.started); diff != "" {
		t.Fatalf("started mismatch (-want +got):\n%s", diff)
	}
	for _, key := range []Key{{"b", arch.AMD64}, {"c", arch.AMD64}} {
		res, _ := result.Get(key)
		if !res.Cancelled() || res.FailedStage != build.StatePending {
			t.Fatalf("job %s = %+v, want cancelled before start", key, res)
		}
	}
}

func TestRunAllCancelledDropsQueuedJobs(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runner := &stubRunner{}
	c := &Coordinator{Runner: runner, Logger: logging.Discard(), MaxConcurrency: 1}
	result := c.RunAll(ctx, []string{"a", "b"}, []arch.Architecture{arch.AMD64})

	if len(runner.started) != 0 {
		t.Fatalf("started jobs after cancellation: %v", runner.started)
	}
	if result.Outcome != PartialFailure {
		t.Fatalf("outcome = %s", result.Outcome)
	}
	for _, res := range result.Jobs {
		if !res.Cancelled() {
			t.Fatalf("job %s/%s not cancelled", res.Recipe, res.Arch)
		}
	}
}
