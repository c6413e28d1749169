package template

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/cochaviz/ostforge/internal/recipe"
)

// OSVersionPlaceholder is replaced with the recipe image version inside
// rpm-ostree repository URLs.
const OSVersionPlaceholder = "%OS_VERSION%"

// TestModuleLabel carries the source of a test-module.
const TestModuleLabel = "dev.ostforge.test-module.source"

const (
	filesDir      = "files"
	scriptsDir    = "scripts"
	scriptsMount  = "/tmp/scripts"
	reposDir      = "/etc/yum.repos.d"
	pubKeyDir     = "/etc/pki/containers"
	ostreeCommit  = "ostree container commit"
	rpmOstreeTool = "rpm-ostree"
)

// ErrUnresolved is returned when a recipe still contains from-file includes.
var ErrUnresolved = errors.New("recipe contains unresolved from-file modules")

// Render maps a resolved recipe to a build definition. Stages come first in
// declaration order, then the final stage. The output depends only on rec.
func Render(rec *recipe.Recipe) (*Definition, error) {
	r := renderer{recipe: rec}

	for _, stage := range rec.Stages {
		r.stage = stage.Name
		r.header(fmt.Sprintf("FROM %s AS %s", stage.From, stage.Name))
		if err := r.modules(stage.Modules); err != nil {
			return nil, fmt.Errorf("stage %s: %w", stage.Name, err)
		}
	}

	r.stage = ""
	r.header("FROM " + rec.BaseReference())
	for _, label := range imageLabels(rec) {
		r.header(label)
	}
	if err := r.modules(rec.Modules); err != nil {
		return nil, err
	}

	return &Definition{Recipe: rec.Name, Instructions: r.out}, nil
}

type renderer struct {
	recipe *recipe.Recipe
	stage  string
	out    []Instruction
	at     Attribution
}

func (r *renderer) header(text string) {
	r.out = append(r.out, Instruction{Stage: r.stage, Text: text})
}

func (r *renderer) emit(text string) {
	r.out = append(r.out, Instruction{Stage: r.stage, Origin: r.at, Text: text})
}

func (r *renderer) modules(modules []recipe.Module) error {
	for _, m := range modules {
		r.at = Attribution{Module: m.Origin, Type: m.Type()}

		switch cfg := m.Config.(type) {
		case recipe.FilesConfig:
			r.files(cfg)
		case recipe.ScriptConfig:
			r.scripts(cfg)
		case recipe.RpmOstreeConfig:
			r.rpmOstree(cfg)
		case recipe.SigningConfig:
			r.signing(cfg)
		case recipe.TestModuleConfig:
			r.emit(fmt.Sprintf("LABEL %s=%s", TestModuleLabel, strconv.Quote(cfg.Source)))
		case recipe.ContainerfileConfig:
			if err := r.containerfile(cfg); err != nil {
				return fmt.Errorf("module %s: %w", m.Origin, err)
			}
		case nil:
			return fmt.Errorf("module %s: %w", m.Origin, ErrUnresolved)
		default:
			return fmt.Errorf("module %s: unsupported module type %T", m.Origin, cfg)
		}
	}
	return nil
}

func (r *renderer) files(cfg recipe.FilesConfig) {
	for _, f := range cfg.Files {
		if f.From != "" {
			r.emit(fmt.Sprintf("COPY --from=%s %s %s", f.From, f.Source, f.Destination))
			continue
		}
		r.emit(fmt.Sprintf("COPY %s %s", path.Join(filesDir, f.Source), f.Destination))
	}
}

func (r *renderer) scripts(cfg recipe.ScriptConfig) {
	for _, script := range cfg.Scripts {
		r.emit(fmt.Sprintf("RUN --mount=type=bind,source=%s,target=%s cd %s && ./%s",
			scriptsDir, scriptsMount, scriptsMount, script))
	}
}

// rpmOstree registers repositories first, then installs and removes
// packages with one instruction each so the module adds as few layers as
// possible.
func (r *renderer) rpmOstree(cfg recipe.RpmOstreeConfig) {
	for _, repo := range cfg.Repos {
		url := strings.ReplaceAll(repo, OSVersionPlaceholder, r.recipe.ImageVersion)
		r.emit(fmt.Sprintf("RUN curl -fsSLo %s %s", path.Join(reposDir, path.Base(url)), url))
	}
	if len(cfg.Install) > 0 {
		r.emit(fmt.Sprintf("RUN %s install %s && %s", rpmOstreeTool, strings.Join(cfg.Install, " "), ostreeCommit))
	}
	if len(cfg.Remove) > 0 {
		r.emit(fmt.Sprintf("RUN %s override remove %s && %s", rpmOstreeTool, strings.Join(cfg.Remove, " "), ostreeCommit))
	}
}

func (r *renderer) signing(cfg recipe.SigningConfig) {
	dst := path.Join(pubKeyDir, r.recipe.ImageName()+".pub")
	r.emit(fmt.Sprintf("COPY %s %s", cfg.PublicKey(), dst))
}

func (r *renderer) containerfile(cfg recipe.ContainerfileConfig) error {
	if len(cfg.Fragments) != len(cfg.Containerfiles) {
		return fmt.Errorf("containerfile fragments not loaded: %w", ErrUnresolved)
	}
	for _, fragment := range cfg.Fragments {
		if text := strings.TrimRight(fragment.Content, "\n"); text != "" {
			r.emit(text)
		}
	}
	for _, snippet := range cfg.Snippets {
		r.emit(snippet)
	}
	return nil
}

// imageLabels returns the OCI annotation labels of the final stage sorted
// by key.
func imageLabels(rec *recipe.Recipe) []string {
	labels := map[string]string{
		ocispec.AnnotationTitle:         rec.Name,
		ocispec.AnnotationVersion:       rec.ImageVersion,
		ocispec.AnnotationBaseImageName: rec.BaseImage,
	}
	if rec.Description != "" {
		labels[ocispec.AnnotationDescription] = rec.Description
	}

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, fmt.Sprintf("LABEL %s=%s", k, strconv.Quote(labels[k])))
	}
	return out
}
