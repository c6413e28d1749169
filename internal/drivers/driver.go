// Package drivers runs container builds through an external backend.
//
// A [Detector] probes the host once for docker, podman and buildah and
// produces an immutable [Capabilities] record. [New] turns that record into
// a [Driver] for the selected backend. Drivers never retry; retry policy is
// left to the caller. Every failure is a *[DriverError].
package drivers

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/cochaviz/ostforge/internal/logging"
)

// Backend names a container build tool.
type Backend string

const (
	Docker  Backend = "docker"
	Podman  Backend = "podman"
	Buildah Backend = "buildah"
)

// DefaultPreference is the probe order when no backend is configured.
var DefaultPreference = []Backend{Podman, Buildah, Docker}

// ParseBackend validates a backend name.
func ParseBackend(name string) (Backend, error) {
	b := Backend(name)
	if !slices.Contains(DefaultPreference, b) {
		return "", fmt.Errorf("unknown backend %q (supported: docker, podman, buildah)", name)
	}
	return b, nil
}

// Compression selects the layer compression used on push.
type Compression string

const (
	Gzip Compression = "gzip"
	Zstd Compression = "zstd"
)

// ImageHandle refers to a built image in the backend's local store.
type ImageHandle struct {
	Ref      string
	Backend  Backend
	Platform string
	// Signing is set by Sign. Pushes of a signed handle attach a signature
	// to every destination.
	Signing *KeyMaterial
}

// KeyMaterial locates the private signing key. Password, when set, unlocks
// it and is handed to cosign through the environment.
type KeyMaterial struct {
	PrivateKey string
	Password   string
}

// BuildOpts describes one build.
type BuildOpts struct {
	Containerfile string
	ContextDir    string
	Ref           string // Local reference given to the image.
	Platform      string // os/arch[/variant]; empty builds for the host.
	Squash        bool
	HostNetwork   bool
}

// Driver executes the build lifecycle primitives on one backend.
type Driver interface {
	Backend() Backend
	Build(ctx context.Context, opts BuildOpts) (ImageHandle, error)
	Tag(ctx context.Context, image ImageHandle, tags []string) error
	Push(ctx context.Context, image ImageHandle, destination string) error
	// Sign checks the key material and returns a handle whose pushes are
	// signed.
	Sign(ctx context.Context, image ImageHandle, key KeyMaterial) (ImageHandle, error)
}

// Options configure a driver created by New.
type Options struct {
	Runner      Runner
	Compression Compression
	Logger      *slog.Logger
}

// New returns a driver for the backend selected in caps.
func New(caps Capabilities, opts Options) (Driver, error) {
	if caps.Selected.Backend == "" {
		return nil, &DriverError{Kind: ErrNoBackendAvailable, Op: "select"}
	}
	if opts.Runner == nil {
		opts.Runner = &ExecRunner{Logger: opts.Logger}
	}
	if opts.Compression == "" {
		opts.Compression = Gzip
	}

	d := &commandDriver{
		info:        caps.Selected,
		runner:      opts.Runner,
		compression: opts.Compression,
		cosign:      caps.Cosign,
		logger:      logging.Ensure(opts.Logger).With("component", "driver", "backend", caps.Selected.Backend),
	}
	switch caps.Selected.Backend {
	case Podman, Buildah:
		d.buildArgs = ociBuildArgs
		d.pushArgs = ociPushArgs
	case Docker:
		d.buildArgs = dockerBuildArgs
		d.pushArgs = dockerPushArgs
	default:
		return nil, &DriverError{Kind: ErrNoBackendAvailable, Backend: caps.Selected.Backend, Op: "select"}
	}
	return d, nil
}
