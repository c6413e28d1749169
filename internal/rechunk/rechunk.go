// Package rechunk repacks the layers of a pushed image with an external
// rechunk tool image so updates download less.
package rechunk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/distribution/reference"
	"golang.org/x/sys/unix"

	"github.com/cochaviz/ostforge/internal/build"
	"github.com/cochaviz/ostforge/internal/drivers"
	"github.com/cochaviz/ostforge/internal/logging"
)

// DefaultToolImage runs the rechunk algorithm.
const DefaultToolImage = "ghcr.io/hhd-dev/rechunk:v1.2.1"

// ErrNotRoot is returned when the process lacks the privileges the tool
// container needs to mount the image.
var ErrNotRoot = errors.New("rechunking requires root privileges")

var _ build.Rechunker = (*Rechunker)(nil)

// Rechunker runs the tool image with podman. The tool reads REF, compares it
// with PREV_REF and writes the repacked image to the local reference OUT_REF.
type Rechunker struct {
	Runner    drivers.Runner
	Logger    *slog.Logger
	Podman    string // Path of the podman binary; "podman" when empty.
	ToolImage string
	// Geteuid reports the effective user id; nil uses unix.Geteuid.
	Geteuid func() int
}

func (r *Rechunker) Rechunk(ctx context.Context, req build.RechunkRequest) (build.Outcome, error) {
	geteuid := r.Geteuid
	if geteuid == nil {
		geteuid = unix.Geteuid
	}
	if uid := geteuid(); uid != 0 {
		return build.Outcome{}, fmt.Errorf("%w (effective uid %d)", ErrNotRoot, uid)
	}
	if req.Image == "" || req.Output == "" {
		return build.Outcome{}, errors.New("rechunk: image and output references are required")
	}

	cmd := r.command(req)
	logger := logging.Ensure(r.Logger).With("component", "rechunk", "image", req.Image)
	logger.Info("rechunking image", "previous", req.Previous)

	result, err := r.runner().Run(ctx, cmd)
	outcome := build.Outcome{Diagnostics: tail(result.Output, 5)}
	if err != nil {
		return outcome, fmt.Errorf("run rechunk tool: %w", err)
	}
	if result.ExitCode != 0 {
		return outcome, fmt.Errorf("rechunk tool exited with status %d", result.ExitCode)
	}
	logger.Info("rechunked image", "output", req.Output, "duration", result.Duration)
	outcome.Image = req.Output
	return outcome, nil
}

// Previous pulls ref and returns its repository digest, so the version it
// names survives the tag being moved. A ref the registry does not know
// yields "".
func (r *Rechunker) Previous(ctx context.Context, ref string) (string, error) {
	named, err := reference.ParseNormalizedNamed(ref)
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", ref, err)
	}

	pull := drivers.Command{Name: r.podman(), Args: []string{"pull", "--quiet", ref}}
	result, err := r.runner().Run(ctx, pull)
	if err != nil {
		return "", fmt.Errorf("pull %s: %w", ref, err)
	}
	if result.ExitCode != 0 {
		if notPublished(result.Output) {
			return "", nil
		}
		return "", fmt.Errorf("pull %s exited with status %d: %s", ref, result.ExitCode, tail(result.Output, 1))
	}
	id := tail(result.Output, 1)
	if id == "" {
		// Dry runs report nothing.
		return "", nil
	}

	inspect := drivers.Command{Name: r.podman(), Args: []string{"image", "inspect", "--format", "{{json .RepoDigests}}", id}}
	result, err = r.runner().Run(ctx, inspect)
	if err != nil {
		return "", fmt.Errorf("inspect %s: %w", ref, err)
	}
	if result.ExitCode != 0 {
		return "", fmt.Errorf("inspect %s exited with status %d", ref, result.ExitCode)
	}
	var digests []string
	if err := json.Unmarshal([]byte(tail(result.Output, 1)), &digests); err != nil {
		return "", fmt.Errorf("parse digests of %s: %w", ref, err)
	}
	for _, d := range digests {
		parsed, err := reference.ParseNormalizedNamed(d)
		if err != nil {
			continue
		}
		if canonical, ok := parsed.(reference.Canonical); ok && canonical.Name() == named.Name() {
			return canonical.String(), nil
		}
	}
	return "", fmt.Errorf("no digest of %s recorded for %s", id, named.Name())
}

func notPublished(output string) bool {
	output = strings.ToLower(output)
	return strings.Contains(output, "manifest unknown") ||
		strings.Contains(output, "name unknown") ||
		strings.Contains(output, "not found")
}

func (r *Rechunker) runner() drivers.Runner {
	if r.Runner == nil {
		return &drivers.ExecRunner{Logger: r.Logger}
	}
	return r.Runner
}

func (r *Rechunker) podman() string {
	if r.Podman == "" {
		return "podman"
	}
	return r.Podman
}

func (r *Rechunker) command(req build.RechunkRequest) drivers.Command {
	tool := r.ToolImage
	if tool == "" {
		tool = DefaultToolImage
	}

	args := []string{"run", "--rm", "--privileged"}
	if req.Arch != "" {
		args = append(args, "--platform", req.Arch.Platform())
	}
	if req.WorkDir != "" {
		args = append(args, "-v", req.WorkDir+":/workspace:z")
	}
	args = append(args,
		"-v", "/var/lib/containers:/var/lib/containers",
		"-e", "REF="+req.Image,
		"-e", "OUT_REF="+req.Output,
	)
	if req.Previous != "" {
		args = append(args, "-e", "PREV_REF="+req.Previous)
	}
	args = append(args, tool)
	return drivers.Command{Name: r.podman(), Args: args}
}

func tail(output string, n int) string {
	lines := strings.Split(strings.TrimRight(output, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
