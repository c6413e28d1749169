// Package iso writes installer seed images. The seed is a small ISO labelled
// OEMDRV carrying a kickstart that deploys the published image; Anaconda
// picks it up automatically when it is attached next to stock install media.
package iso

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/kdomanski/iso9660"

	"github.com/cochaviz/ostforge/internal/build"
	"github.com/cochaviz/ostforge/internal/logging"
)

// VolumeLabel is the label Anaconda scans for kickstart seeds.
const VolumeLabel = "OEMDRV"

// KickstartName is the kickstart file inside the seed.
const KickstartName = "ks.cfg"

var _ build.ISOGenerator = (*Generator)(nil)

var kickstartTemplate = template.Must(template.New("ks").Parse(`# Installs {{ .Image }}
text
lang {{ .Lang }}
keyboard {{ .Keyboard }}
timezone {{ .Timezone }} --utc
zerombr
clearpart --all --initlabel
autopart --noswap --type=plain
rootpw --lock
ostreecontainer --url={{ .Image }} --transport=registry{{ if .SkipSignatureCheck }} --no-signature-verification{{ end }}
reboot
`))

// Generator writes seed ISOs.
type Generator struct {
	Logger *slog.Logger
	// OutputDir receives the ISO; the request WorkDir is used when empty.
	OutputDir string

	Lang     string
	Keyboard string
	Timezone string
	// SkipSignatureCheck installs images that were pushed unsigned.
	SkipSignatureCheck bool
}

// Kickstart renders the kickstart for image.
func (g *Generator) Kickstart(image string) ([]byte, error) {
	if image == "" {
		return nil, errors.New("image reference is required")
	}
	data := struct {
		Image              string
		Lang               string
		Keyboard           string
		Timezone           string
		SkipSignatureCheck bool
	}{
		Image:              image,
		Lang:               orDefault(g.Lang, "en_US.UTF-8"),
		Keyboard:           orDefault(g.Keyboard, "us"),
		Timezone:           orDefault(g.Timezone, "UTC"),
		SkipSignatureCheck: g.SkipSignatureCheck,
	}
	var buf bytes.Buffer
	if err := kickstartTemplate.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render kickstart: %w", err)
	}
	return buf.Bytes(), nil
}

// Generate writes <name>-<arch>.iso and reports its path as the outcome
// artifact.
func (g *Generator) Generate(ctx context.Context, req build.ISORequest) (build.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return build.Outcome{}, err
	}
	kickstart, err := g.Kickstart(req.Image)
	if err != nil {
		return build.Outcome{}, err
	}

	outDir := g.OutputDir
	if outDir == "" {
		outDir = req.WorkDir
	}
	if outDir == "" {
		return build.Outcome{}, errors.New("iso output directory is not configured")
	}

	stagingDir, err := os.MkdirTemp(outDir, "iso-data-")
	if err != nil {
		return build.Outcome{}, fmt.Errorf("create iso staging directory: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	if err := os.WriteFile(filepath.Join(stagingDir, KickstartName), kickstart, 0o644); err != nil {
		return build.Outcome{}, fmt.Errorf("write kickstart: %w", err)
	}

	imagePath := filepath.Join(outDir, imageName(req))
	if err := createISOFromDirectory(stagingDir, imagePath, VolumeLabel); err != nil {
		return build.Outcome{}, err
	}

	logging.Ensure(g.Logger).With("component", "iso").Info("wrote installer seed", "path", imagePath, "image", req.Image)
	return build.Outcome{
		Diagnostics: "kickstart seed for " + req.Image,
		Artifact:    imagePath,
	}, nil
}

func createISOFromDirectory(sourceDir, imagePath, volumeLabel string) error {
	writer, err := iso9660.NewWriter()
	if err != nil {
		return fmt.Errorf("create iso writer: %w", err)
	}
	defer writer.Cleanup()

	if err := writer.AddLocalDirectory(sourceDir, "/"); err != nil {
		return fmt.Errorf("stage directory: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(imagePath), 0o755); err != nil {
		return fmt.Errorf("ensure image directory: %w", err)
	}
	out, err := os.OpenFile(imagePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create image file: %w", err)
	}

	if err := writer.WriteTo(out, volumeLabel); err != nil {
		out.Close()
		_ = os.Remove(imagePath)
		return fmt.Errorf("write iso: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(imagePath)
		return fmt.Errorf("finalize iso: %w", err)
	}
	return nil
}

func imageName(req build.ISORequest) string {
	name := strings.ToLower(req.Name)
	if name == "" {
		name = "installer"
	}
	if req.Arch != "" {
		name += "-" + req.Arch.Slug()
	}
	return name + ".iso"
}

func orDefault(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
