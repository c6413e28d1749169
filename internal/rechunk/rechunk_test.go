package rechunk

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/cochaviz/ostforge/arch"
	"github.com/cochaviz/ostforge/internal/build"
	"github.com/cochaviz/ostforge/internal/drivers"
	"github.com/cochaviz/ostforge/internal/logging"
)

type recordingRunner struct {
	commands []drivers.Command
	// queued results are handed out first, then result for every call.
	queued []drivers.Result
	result drivers.Result
	err    error
}

func (r *recordingRunner) Run(_ context.Context, cmd drivers.Command) (drivers.Result, error) {
	r.commands = append(r.commands, cmd)
	if len(r.queued) > 0 {
		next := r.queued[0]
		r.queued = r.queued[1:]
		return next, r.err
	}
	return r.result, r.err
}

func root() int { return 0 }

func TestRechunkRequiresRoot(t *testing.T) {
	t.Parallel()

	runner := &recordingRunner{}
	r := &Rechunker{Runner: runner, Logger: logging.Discard(), Geteuid: func() int { return 1000 }}
	_, err := r.Rechunk(context.Background(), build.RechunkRequest{Image: "ghcr.io/acme/os:latest"})
	if !errors.Is(err, ErrNotRoot) {
		t.Fatalf("Rechunk() error = %v, want ErrNotRoot", err)
	}
	if len(runner.commands) != 0 {
		t.Fatalf("ran commands without root: %v", runner.commands)
	}
}

func TestRechunkCommand(t *testing.T) {
	t.Parallel()

	runner := &recordingRunner{result: drivers.Result{Output: "a\nb\nc\nd\ne\nf\ng\n"}}
	r := &Rechunker{Runner: runner, Logger: logging.Discard(), Geteuid: root}

	outcome, err := r.Rechunk(context.Background(), build.RechunkRequest{
		Image:    "ghcr.io/acme/os:latest",
		Previous: "ghcr.io/acme/os@sha256:" + strings.Repeat("a", 64),
		Output:   "localhost/os:build-arm64-0123abcd-rechunked",
		Arch:     arch.ARM64,
		WorkDir:  "/tmp/job",
	})
	if err != nil {
		t.Fatalf("Rechunk() error = %v", err)
	}
	want := drivers.Command{Name: "podman", Args: []string{
		"run", "--rm", "--privileged",
		"--platform", "linux/arm64",
		"-v", "/tmp/job:/workspace:z",
		"-v", "/var/lib/containers:/var/lib/containers",
		"-e", "REF=ghcr.io/acme/os:latest",
		"-e", "OUT_REF=localhost/os:build-arm64-0123abcd-rechunked",
		"-e", "PREV_REF=ghcr.io/acme/os@sha256:" + strings.Repeat("a", 64),
		DefaultToolImage,
	}}
	if diff := cmp.Diff([]drivers.Command{want}, runner.commands); diff != "" {
		t.Fatalf("command mismatch (-want +got):\n%s", diff)
	}
	if outcome.Diagnostics != "c\nd\ne\nf\ng" {
		t.Fatalf("diagnostics = %q", outcome.Diagnostics)
	}
	if outcome.Image != "localhost/os:build-arm64-0123abcd-rechunked" {
		t.Fatalf("outcome image = %q", outcome.Image)
	}
}

func TestRechunkFailure(t *testing.T) {
	t.Parallel()

	runner := &recordingRunner{result: drivers.Result{ExitCode: 2, Output: "no space left on device\n"}}
	r := &Rechunker{Runner: runner, Logger: logging.Discard(), Geteuid: root}

	outcome, err := r.Rechunk(context.Background(), build.RechunkRequest{Image: "ghcr.io/acme/os:latest", Output: "localhost/os:out"})
	if err == nil || !strings.Contains(err.Error(), "status 2") {
		t.Fatalf("Rechunk() error = %v", err)
	}
	if outcome.Diagnostics != "no space left on device" {
		t.Fatalf("diagnostics = %q", outcome.Diagnostics)
	}
}

func TestPreviousPinsPublishedDigest(t *testing.T) {
	t.Parallel()

	digest := "sha256:" + strings.Repeat("b", 64)
	runner := &recordingRunner{queued: []drivers.Result{
		{Output: "Trying to pull ghcr.io/acme/os:latest...\n4f1e2d3c\n"},
		{Output: `["docker.io/library/other@sha256:` + strings.Repeat("c", 64) + `","ghcr.io/acme/os@` + digest + `"]` + "\n"},
	}}
	r := &Rechunker{Runner: runner, Logger: logging.Discard()}

	previous, err := r.Previous(context.Background(), "ghcr.io/acme/os:latest")
	if err != nil {
		t.Fatalf("Previous() error = %v", err)
	}
	if previous != "ghcr.io/acme/os@"+digest {
		t.Fatalf("Previous() = %q", previous)
	}
	want := []drivers.Command{
		{Name: "podman", Args: []string{"pull", "--quiet", "ghcr.io/acme/os:latest"}},
		{Name: "podman", Args: []string{"image", "inspect", "--format", "{{json .RepoDigests}}", "4f1e2d3c"}},
	}
	if diff := cmp.Diff(want, runner.commands); diff != "" {
		t.Fatalf("commands mismatch (-want +got):\n%s", diff)
	}
}

func TestPreviousOfUnpublishedImage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		output  string
		wantErr bool
	}{
		{name: "manifest unknown", output: "Error: initializing source: manifest unknown"},
		{name: "repository missing", output: "Error: reading manifest latest: name unknown: repository not found"},
		{name: "auth failure", output: "Error: unauthorized: authentication required", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			runner := &recordingRunner{result: drivers.Result{ExitCode: 125, Output: tc.output}}
			r := &Rechunker{Runner: runner, Logger: logging.Discard()}
			previous, err := r.Previous(context.Background(), "ghcr.io/acme/os:latest")
			if (err != nil) != tc.wantErr {
				t.Fatalf("Previous() error = %v, wantErr %v", err, tc.wantErr)
			}
			if previous != "" {
				t.Fatalf("Previous() = %q, want empty", previous)
			}
			if len(runner.commands) != 1 {
				t.Fatalf("ran %d commands, want only the pull", len(runner.commands))
			}
		})
	}
}
