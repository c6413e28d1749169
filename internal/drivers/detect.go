package drivers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/mod/semver"

	"github.com/cochaviz/ostforge/internal/logging"
)

// minimumVersions lists the oldest supported release per backend. Podman 4
// is the first release built on buildah 1.24.
var minimumVersions = map[Backend]string{
	Podman: "v4.0.0",
}

// BackendInfo describes one backend found on the host.
type BackendInfo struct {
	Backend       Backend `json:"backend"`
	Path          string  `json:"path"`
	Version       string  `json:"version"`
	Buildx        bool    `json:"buildx,omitempty"`
	BuildxVersion string  `json:"buildx_version,omitempty"`
}

func (b BackendInfo) binary() string {
	if b.Path != "" {
		return b.Path
	}
	return string(b.Backend)
}

// ToolInfo describes a helper tool found on the host.
type ToolInfo struct {
	Path    string `json:"path"`
	Version string `json:"version"`
}

// Capabilities is the result of probing the host. It is computed once and
// only read afterwards.
type Capabilities struct {
	Backends []BackendInfo `json:"backends"`
	Selected BackendInfo   `json:"selected"`
	Cosign   *ToolInfo     `json:"cosign,omitempty"`
}

// Has reports whether b was found.
func (c Capabilities) Has(b Backend) bool {
	for _, info := range c.Backends {
		if info.Backend == b {
			return true
		}
	}
	return false
}

// Detector probes the host for backends on its first call and returns the
// same result on every later call.
type Detector struct {
	Runner Runner
	// Preferred restricts detection to one backend when set.
	Preferred Backend
	Logger    *slog.Logger
	// LookPath finds binaries; exec.LookPath when nil.
	LookPath func(string) (string, error)
	// ProbeTimeout bounds each version probe.
	ProbeTimeout time.Duration

	once sync.Once
	caps Capabilities
	err  error
}

// Detect returns the capability record, probing the host on first use.
func (d *Detector) Detect(ctx context.Context) (Capabilities, error) {
	d.once.Do(func() {
		d.caps, d.err = d.detect(ctx)
	})
	return d.caps, d.err
}

func (d *Detector) detect(ctx context.Context) (Capabilities, error) {
	logger := logging.Ensure(d.Logger).With("component", "detect")
	if d.Runner == nil {
		d.Runner = &ExecRunner{Logger: d.Logger}
	}
	if d.LookPath == nil {
		d.LookPath = exec.LookPath
	}
	if d.ProbeTimeout <= 0 {
		d.ProbeTimeout = 15 * time.Second
	}

	order := DefaultPreference
	if d.Preferred != "" {
		order = []Backend{d.Preferred}
	}

	var caps Capabilities
	for _, backend := range order {
		info, err := d.probe(ctx, backend)
		if err != nil {
			logger.Debug("backend unavailable", "backend", backend, "error", err)
			continue
		}
		logger.Debug("backend available", "backend", backend, "version", info.Version, "buildx", info.Buildx)
		caps.Backends = append(caps.Backends, info)
	}
	if len(caps.Backends) == 0 {
		detail := "none of docker, podman or buildah is usable"
		if d.Preferred != "" {
			detail = fmt.Sprintf("configured backend %s is not usable", d.Preferred)
		}
		return caps, &DriverError{Kind: ErrNoBackendAvailable, Op: "detect", Err: errors.New(detail)}
	}
	caps.Selected = caps.Backends[0]

	if cosign, err := d.probeCosign(ctx); err == nil {
		caps.Cosign = cosign
	} else {
		logger.Debug("cosign unavailable", "error", err)
	}

	logger.Info("selected build backend", "backend", caps.Selected.Backend, "version", caps.Selected.Version)
	return caps, nil
}

func (d *Detector) probe(ctx context.Context, backend Backend) (BackendInfo, error) {
	path, err := d.LookPath(string(backend))
	if err != nil {
		return BackendInfo{}, err
	}
	info := BackendInfo{Backend: backend, Path: path}

	var args []string
	switch backend {
	case Buildah:
		args = []string{"version", "--json"}
	default:
		args = []string{"version", "--format", "json"}
	}
	out, err := d.output(ctx, Command{Name: path, Args: args})
	if err != nil {
		return BackendInfo{}, err
	}
	if info.Version, err = parseVersion(backend, out); err != nil {
		return BackendInfo{}, err
	}

	if minimum, ok := minimumVersions[backend]; ok {
		v := canonicalVersion(info.Version)
		if !semver.IsValid(v) || semver.Compare(v, minimum) < 0 {
			return BackendInfo{}, fmt.Errorf("%s %s is older than the required %s", backend, info.Version, strings.TrimPrefix(minimum, "v"))
		}
	}

	if backend == Docker {
		if out, err := d.output(ctx, Command{Name: path, Args: []string{"buildx", "version"}}); err == nil {
			info.Buildx = true
			if fields := strings.Fields(out); len(fields) >= 2 {
				info.BuildxVersion = fields[1]
			}
		}
	}
	return info, nil
}

func (d *Detector) probeCosign(ctx context.Context) (*ToolInfo, error) {
	path, err := d.LookPath("cosign")
	if err != nil {
		return nil, err
	}
	out, err := d.output(ctx, Command{Name: path, Args: []string{"version", "--json"}})
	if err != nil {
		return nil, err
	}
	var v struct {
		GitVersion string `json:"gitVersion"`
	}
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		return nil, fmt.Errorf("parse cosign version: %w", err)
	}
	return &ToolInfo{Path: path, Version: strings.TrimPrefix(v.GitVersion, "v")}, nil
}

func (d *Detector) output(ctx context.Context, cmd Command) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.ProbeTimeout)
	defer cancel()

	result, err := d.Runner.Run(ctx, cmd)
	if err != nil {
		return "", err
	}
	if result.ExitCode != 0 {
		return "", fmt.Errorf("%s exited with status %d", cmd, result.ExitCode)
	}
	return result.Output, nil
}

// parseVersion reads the client version from `<backend> version` JSON.
func parseVersion(backend Backend, out string) (string, error) {
	var v struct {
		Version string `json:"version"`
		Client  struct {
			Version string `json:"Version"`
		} `json:"Client"`
	}
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		return "", fmt.Errorf("parse %s version: %w", backend, err)
	}
	version := v.Client.Version
	if backend == Buildah {
		version = v.Version
	}
	if version == "" {
		return "", fmt.Errorf("parse %s version: no version in output", backend)
	}
	return version, nil
}

func canonicalVersion(version string) string {
	if !strings.HasPrefix(version, "v") {
		version = "v" + version
	}
	return version
}
