package drivers

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// fakeRunner answers commands from a table keyed by "name arg0 arg1".
type fakeRunner struct {
	mu        sync.Mutex
	responses map[string]fakeResponse
	calls     []Command
}

type fakeResponse struct {
	result Result
	err    error
}

func (f *fakeRunner) Run(_ context.Context, cmd Command) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, cmd)

	key := cmd.Name
	if len(cmd.Args) > 0 {
		key += " " + cmd.Args[0]
	}
	if len(cmd.Args) > 1 {
		if r, ok := f.responses[key+" "+cmd.Args[1]]; ok {
			return r.result, r.err
		}
	}
	if r, ok := f.responses[key]; ok {
		return r.result, r.err
	}
	return Result{}, nil
}

func (f *fakeRunner) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.String())
	}
	return out
}

func lookPath(available ...string) func(string) (string, error) {
	return func(name string) (string, error) {
		for _, a := range available {
			if a == name {
				return name, nil
			}
		}
		return "", exec.ErrNotFound
	}
}

func ok(output string) fakeResponse {
	return fakeResponse{result: Result{Output: output}}
}

func TestDetectPrefersPodmanAndRunsOnce(t *testing.T) {
	runner := &fakeRunner{responses: map[string]fakeResponse{
		"podman version":  ok(`{"Client":{"Version":"4.9.3"}}`),
		"buildah version": ok(`{"version":"1.33.7"}`),
		"docker version":  ok(`{"Client":{"Version":"24.0.7"}}`),
		"docker buildx":   ok("github.com/docker/buildx v0.12.1 30feaa1"),
		"cosign version":  ok(`{"gitVersion":"v2.2.3"}`),
	}}
	d := &Detector{Runner: runner, LookPath: lookPath("podman", "buildah", "docker", "cosign")}

	caps, err := d.Detect(context.Background())
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if caps.Selected.Backend != Podman || caps.Selected.Version != "4.9.3" {
		t.Fatalf("selected = %+v", caps.Selected)
	}
	if len(caps.Backends) != 3 || !caps.Has(Docker) {
		t.Fatalf("backends = %+v", caps.Backends)
	}
	docker := caps.Backends[2]
	if !docker.Buildx || docker.BuildxVersion != "v0.12.1" {
		t.Fatalf("docker = %+v", docker)
	}
	if caps.Cosign == nil || caps.Cosign.Version != "2.2.3" {
		t.Fatalf("cosign = %+v", caps.Cosign)
	}

	calls := len(runner.commands())
	if _, err := d.Detect(context.Background()); err != nil {
		t.Fatalf("second Detect() error = %v", err)
	}
	if got := len(runner.commands()); got != calls {
		t.Fatalf("second Detect() probed again: %d calls, want %d", got, calls)
	}
}

func TestDetectRejectsOldPodman(t *testing.T) {
	runner := &fakeRunner{responses: map[string]fakeResponse{
		"podman version":  ok(`{"Client":{"Version":"3.4.4"}}`),
		"buildah version": ok(`{"version":"1.23.1"}`),
	}}
	d := &Detector{Runner: runner, LookPath: lookPath("podman", "buildah")}

	caps, err := d.Detect(context.Background())
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if caps.Selected.Backend != Buildah || caps.Has(Podman) {
		t.Fatalf("caps = %+v", caps)
	}
}

func TestDetectHonoursConfiguredBackend(t *testing.T) {
	runner := &fakeRunner{responses: map[string]fakeResponse{
		"podman version": ok(`{"Client":{"Version":"5.0.1"}}`),
		"docker version": ok(`{"Client":{"Version":"24.0.7"}}`),
		"docker buildx":  {result: Result{ExitCode: 1}},
	}}
	d := &Detector{Runner: runner, Preferred: Docker, LookPath: lookPath("podman", "docker")}

	caps, err := d.Detect(context.Background())
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if caps.Selected.Backend != Docker || caps.Selected.Buildx || caps.Has(Podman) {
		t.Fatalf("caps = %+v", caps)
	}
}

func TestDetectNoBackend(t *testing.T) {
	d := &Detector{Runner: &fakeRunner{}, LookPath: lookPath()}
	_, err := d.Detect(context.Background())
	if !errors.Is(err, ErrNoBackendAvailable) {
		t.Fatalf("Detect() error = %v, want ErrNoBackendAvailable", err)
	}
}

func newTestDriver(t *testing.T, info BackendInfo, runner Runner) Driver {
	t.Helper()
	d, err := New(Capabilities{
		Backends: []BackendInfo{info},
		Selected: info,
		Cosign:   &ToolInfo{Path: "cosign", Version: "2.2.3"},
	}, Options{Runner: runner, Compression: Zstd})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return d
}

func TestBuildArguments(t *testing.T) {
	opts := BuildOpts{
		Containerfile: "/work/Containerfile",
		ContextDir:    "/src",
		Ref:           "localhost/my-os:build",
		Platform:      "linux/arm64",
		Squash:        true,
	}
	tests := []struct {
		name string
		info BackendInfo
		want string
	}{
		{
			name: "podman",
			info: BackendInfo{Backend: Podman, Path: "podman"},
			want: "podman build --pull=true --platform linux/arm64 --layers=false -f /work/Containerfile -t localhost/my-os:build /src",
		},
		{
			name: "buildah",
			info: BackendInfo{Backend: Buildah, Path: "buildah"},
			want: "buildah build --pull=true --platform linux/arm64 --layers=false -f /work/Containerfile -t localhost/my-os:build /src",
		},
		{
			name: "docker buildx",
			info: BackendInfo{Backend: Docker, Path: "docker", Buildx: true},
			want: "docker buildx build --pull --platform linux/arm64 --load -f /work/Containerfile -t localhost/my-os:build /src",
		},
		{
			name: "docker",
			info: BackendInfo{Backend: Docker, Path: "docker"},
			want: "docker build --pull --platform linux/arm64 -f /work/Containerfile -t localhost/my-os:build /src",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			runner := &fakeRunner{}
			d := newTestDriver(t, tc.info, runner)

			handle, err := d.Build(context.Background(), opts)
			if err != nil {
				t.Fatalf("Build() error = %v", err)
			}
			if handle.Ref != opts.Ref || handle.Backend != tc.info.Backend {
				t.Fatalf("handle = %+v", handle)
			}
			if diff := cmp.Diff([]string{tc.want}, runner.commands()); diff != "" {
				t.Fatalf("commands mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBuildFailureIsTransientDriverError(t *testing.T) {
	runner := &fakeRunner{responses: map[string]fakeResponse{
		"podman build": {result: Result{ExitCode: 125, Output: "STEP 1/2\nError: manifest unknown\n"}},
	}}
	d := newTestDriver(t, BackendInfo{Backend: Podman, Path: "podman"}, runner)

	_, err := d.Build(context.Background(), BuildOpts{Ref: "x"})
	if !errors.Is(err, ErrBuildFailed) || !IsTransient(err) {
		t.Fatalf("Build() error = %v, want transient ErrBuildFailed", err)
	}
	var derr *DriverError
	if !errors.As(err, &derr) || derr.ExitCode != 125 || !strings.Contains(derr.Output, "manifest unknown") {
		t.Fatalf("driver error = %+v", derr)
	}
}

func TestTimeoutIsTransient(t *testing.T) {
	runner := &fakeRunner{responses: map[string]fakeResponse{
		"podman tag": {result: Result{ExitCode: -1}, err: fmt.Errorf("podman: %w", context.DeadlineExceeded)},
	}}
	d := newTestDriver(t, BackendInfo{Backend: Podman, Path: "podman"}, runner)

	err := d.Tag(context.Background(), ImageHandle{Ref: "x"}, []string{"y"})
	if !errors.Is(err, ErrTimeout) || !errors.Is(err, ErrTagFailed) || !IsTransient(err) {
		t.Fatalf("Tag() error = %v, want timed out ErrTagFailed", err)
	}
}

func TestTagAndPushArguments(t *testing.T) {
	runner := &fakeRunner{}
	d := newTestDriver(t, BackendInfo{Backend: Podman, Path: "podman"}, runner)
	handle := ImageHandle{Ref: "localhost/my-os:build", Backend: Podman}

	if err := d.Tag(context.Background(), handle, []string{"ghcr.io/me/my-os:latest", "ghcr.io/me/my-os:40"}); err != nil {
		t.Fatalf("Tag() error = %v", err)
	}
	if err := d.Push(context.Background(), handle, "ghcr.io/me/my-os:latest"); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	want := []string{
		"podman tag localhost/my-os:build ghcr.io/me/my-os:latest",
		"podman tag localhost/my-os:build ghcr.io/me/my-os:40",
		"podman push --compression-format=zstd ghcr.io/me/my-os:latest",
	}
	if diff := cmp.Diff(want, runner.commands()); diff != "" {
		t.Fatalf("commands mismatch (-want +got):\n%s", diff)
	}
}

func TestSignedPushAttachesSignature(t *testing.T) {
	runner := &fakeRunner{}
	d := newTestDriver(t, BackendInfo{Backend: Docker, Path: "docker"}, runner)

	signed, err := d.Sign(context.Background(), ImageHandle{Ref: "local"}, KeyMaterial{PrivateKey: "cosign.key", Password: "pw"})
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if signed.Signing == nil {
		t.Fatal("Sign() returned an unsigned handle")
	}
	if err := d.Push(context.Background(), signed, "ghcr.io/me/my-os:latest"); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	want := []string{
		"cosign public-key --key cosign.key",
		"docker push ghcr.io/me/my-os:latest",
		"cosign sign --yes --key cosign.key ghcr.io/me/my-os:latest",
	}
	if diff := cmp.Diff(want, runner.commands()); diff != "" {
		t.Fatalf("commands mismatch (-want +got):\n%s", diff)
	}
	if env := runner.calls[0].Env; len(env) != 1 || env[0] != "COSIGN_PASSWORD=pw" {
		t.Fatalf("cosign env = %v", env)
	}
}

func TestSignFailureIsNotTransient(t *testing.T) {
	runner := &fakeRunner{responses: map[string]fakeResponse{
		"cosign public-key": {result: Result{ExitCode: 1, Output: "Error: decrypt: encrypted: decryption failed"}},
	}}
	d := newTestDriver(t, BackendInfo{Backend: Podman, Path: "podman"}, runner)

	_, err := d.Sign(context.Background(), ImageHandle{Ref: "local"}, KeyMaterial{PrivateKey: "cosign.key"})
	if !errors.Is(err, ErrSignFailed) || IsTransient(err) {
		t.Fatalf("Sign() error = %v, want non-transient ErrSignFailed", err)
	}
}

func TestSignTimeoutDuringPushIsNotTransient(t *testing.T) {
	runner := &fakeRunner{responses: map[string]fakeResponse{
		"cosign sign": {result: Result{ExitCode: -1}, err: fmt.Errorf("cosign: %w", context.DeadlineExceeded)},
	}}
	d := newTestDriver(t, BackendInfo{Backend: Podman, Path: "podman"}, runner)
	signed := ImageHandle{Ref: "local", Signing: &KeyMaterial{PrivateKey: "cosign.key"}}

	err := d.Push(context.Background(), signed, "ghcr.io/me/my-os:latest")
	if !errors.Is(err, ErrSignFailed) || !errors.Is(err, ErrTimeout) {
		t.Fatalf("Push() error = %v, want timed out ErrSignFailed", err)
	}
	if IsTransient(err) {
		t.Fatalf("IsTransient(%v) = true", err)
	}
}

func TestExecRunnerCapturesExitCode(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	r := &ExecRunner{}

	result, err := r.Run(context.Background(), Command{Name: "sh", Args: []string{"-c", "echo out; echo err >&2; exit 3"}})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.ExitCode != 3 || !strings.Contains(result.Output, "out") || !strings.Contains(result.Output, "err") {
		t.Fatalf("result = %+v", result)
	}
}

func TestExecRunnerTimeout(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	r := &ExecRunner{GracePeriod: time.Second}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := r.Run(ctx, Command{Name: "sleep", Args: []string{"5"}})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run() error = %v, want deadline exceeded", err)
	}
}

func TestExecRunnerDryRun(t *testing.T) {
	r := &ExecRunner{DryRun: true}
	result, err := r.Run(context.Background(), Command{Name: "definitely-not-installed", Args: []string{"build"}})
	if err != nil || result.ExitCode != 0 {
		t.Fatalf("Run() = %+v, %v", result, err)
	}
}
