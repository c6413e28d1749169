package drivers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
)

// commandDriver drives a backend binary. The backends differ only in how a
// build and a push are spelled on the command line.
type commandDriver struct {
	info        BackendInfo
	runner      Runner
	compression Compression
	cosign      *ToolInfo
	logger      *slog.Logger

	buildArgs func(info BackendInfo, opts BuildOpts) []string
	pushArgs  func(compression Compression, destination string) []string
}

func (d *commandDriver) Backend() Backend {
	return d.info.Backend
}

func (d *commandDriver) Build(ctx context.Context, opts BuildOpts) (ImageHandle, error) {
	if opts.Squash && d.info.Backend == Docker {
		d.logger.Warn("squash is not supported by docker builds, building with layers")
	}
	cmd := Command{Name: d.info.binary(), Args: d.buildArgs(d.info, opts), Dir: opts.ContextDir}
	if _, err := d.invoke(ctx, "build", ErrBuildFailed, cmd); err != nil {
		return ImageHandle{}, err
	}
	d.logger.Info("built image", "ref", opts.Ref, "platform", opts.Platform)
	return ImageHandle{Ref: opts.Ref, Backend: d.info.Backend, Platform: opts.Platform}, nil
}

func (d *commandDriver) Tag(ctx context.Context, image ImageHandle, tags []string) error {
	for _, tag := range tags {
		cmd := Command{Name: d.info.binary(), Args: []string{"tag", image.Ref, tag}}
		if _, err := d.invoke(ctx, "tag", ErrTagFailed, cmd); err != nil {
			return err
		}
	}
	d.logger.Debug("tagged image", "ref", image.Ref, "tags", len(tags))
	return nil
}

func (d *commandDriver) Push(ctx context.Context, image ImageHandle, destination string) error {
	cmd := Command{Name: d.info.binary(), Args: d.pushArgs(d.compression, destination)}
	if _, err := d.invoke(ctx, "push", ErrPushFailed, cmd); err != nil {
		return err
	}
	d.logger.Info("pushed image", "destination", destination)

	if image.Signing == nil {
		return nil
	}
	if err := d.cosignRun(ctx, *image.Signing, "sign", "--yes", "--key", image.Signing.PrivateKey, destination); err != nil {
		return err
	}
	d.logger.Info("signed image", "destination", destination)
	return nil
}

func (d *commandDriver) Sign(ctx context.Context, image ImageHandle, key KeyMaterial) (ImageHandle, error) {
	if key.PrivateKey == "" {
		return image, &DriverError{Kind: ErrSignFailed, Backend: d.info.Backend, Op: "sign", Err: errors.New("no private key configured")}
	}
	// Deriving the public key proves the key can be read and unlocked
	// before anything is pushed.
	if err := d.cosignRun(ctx, key, "public-key", "--key", key.PrivateKey); err != nil {
		return image, err
	}
	signed := image
	signed.Signing = &key
	return signed, nil
}

func (d *commandDriver) cosignRun(ctx context.Context, key KeyMaterial, args ...string) error {
	if d.cosign == nil {
		return &DriverError{Kind: ErrSignFailed, Backend: d.info.Backend, Op: "sign", Err: errors.New("cosign is not installed")}
	}
	cmd := Command{Name: d.cosign.Path, Args: args}
	if key.Password != "" {
		cmd.Env = []string{"COSIGN_PASSWORD=" + key.Password}
	}
	_, err := d.invoke(ctx, "sign", ErrSignFailed, cmd)
	return err
}

// invoke runs cmd and maps every failure to a DriverError of the given kind.
func (d *commandDriver) invoke(ctx context.Context, op string, kind error, cmd Command) (Result, error) {
	result, err := d.runner.Run(ctx, cmd)
	if err != nil {
		derr := &DriverError{Kind: kind, Backend: d.info.Backend, Op: op, ExitCode: result.ExitCode, Output: result.Output, Err: err}
		if errors.Is(err, context.DeadlineExceeded) {
			derr.Timeout = true
		}
		return result, derr
	}
	if result.ExitCode != 0 {
		return result, &DriverError{Kind: kind, Backend: d.info.Backend, Op: op, ExitCode: result.ExitCode, Output: result.Output}
	}
	d.logger.Debug("backend invocation finished", "op", op, "duration", result.Duration)
	return result, nil
}

// ociBuildArgs spells a podman or buildah build.
func ociBuildArgs(_ BackendInfo, opts BuildOpts) []string {
	args := []string{"build", "--pull=true"}
	if opts.Platform != "" {
		args = append(args, "--platform", opts.Platform)
	}
	if opts.HostNetwork {
		args = append(args, "--net=host")
	}
	args = append(args,
		"--layers="+strconv.FormatBool(!opts.Squash),
		"-f", opts.Containerfile,
		"-t", opts.Ref,
		opts.ContextDir,
	)
	return args
}

func ociPushArgs(compression Compression, destination string) []string {
	return []string{"push", fmt.Sprintf("--compression-format=%s", compression), destination}
}

// dockerBuildArgs uses buildx when it is installed. Buildx results are
// loaded into the local image store so they can be tagged and pushed.
func dockerBuildArgs(info BackendInfo, opts BuildOpts) []string {
	var args []string
	if info.Buildx {
		args = append(args, "buildx")
	}
	args = append(args, "build", "--pull")
	if opts.Platform != "" {
		args = append(args, "--platform", opts.Platform)
	}
	if info.Buildx {
		args = append(args, "--load")
	}
	if opts.HostNetwork {
		args = append(args, "--network=host")
	}
	return append(args, "-f", opts.Containerfile, "-t", opts.Ref, opts.ContextDir)
}

func dockerPushArgs(_ Compression, destination string) []string {
	return []string{"push", destination}
}
