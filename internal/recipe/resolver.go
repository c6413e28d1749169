package recipe

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cochaviz/ostforge/internal/logging"
)

// MaxIncludeDepth bounds how many from-file includes may be nested.
const MaxIncludeDepth = 32

// Resolver turns recipe documents into canonical recipes. The zero value is
// ready to use.
type Resolver struct {
	// MaxDepth overrides MaxIncludeDepth when positive.
	MaxDepth int
	// Validator, when set, checks the raw root document before decoding.
	Validator Validator
	Logger    *slog.Logger
}

// Resolve loads rootDocument relative to baseDir with a default Resolver.
func Resolve(rootDocument, baseDir string) (*Recipe, error) {
	var r Resolver
	return r.Resolve(rootDocument, baseDir)
}

// Resolve loads rootDocument relative to baseDir, inlines every from-file
// include, loads containerfile fragments and checks stage references.
func (r *Resolver) Resolve(rootDocument, baseDir string) (*Recipe, error) {
	logger := logging.Ensure(r.Logger).With("component", "recipe")

	path, err := filepath.Abs(joinRelative(baseDir, rootDocument))
	if err != nil {
		return nil, &ResolutionError{Kind: ErrFileNotFound, Path: rootDocument, Err: err}
	}
	data, err := readDocument(path)
	if err != nil {
		return nil, err
	}

	if r.Validator != nil {
		violations, err := r.Validator.Validate(path, data)
		if err != nil {
			return nil, &ResolutionError{Kind: ErrInvalidDocument, Path: path, Err: err}
		}
		if len(violations) > 0 {
			return nil, &ResolutionError{
				Kind:       ErrSchemaViolation,
				Path:       path,
				Line:       violations[0].Line,
				Detail:     summarize(violations),
				Violations: violations,
			}
		}
	}

	var rec Recipe
	if err := decodeDocument(path, data, &rec); err != nil {
		return nil, err
	}
	rec.Path = path
	rec.ContextDir = filepath.Dir(path)
	stampModules(rec.Modules, path, "modules")
	stampStages(rec.Stages, path)

	res := &resolution{
		maxDepth: r.MaxDepth,
		root:     rec.ContextDir,
		docs:     map[string]*moduleList{},
	}
	if res.maxDepth <= 0 {
		res.maxDepth = MaxIncludeDepth
	}

	if rec.Stages, err = res.inlineStages(path, rec.Stages); err != nil {
		return nil, err
	}
	for i := range rec.Stages {
		stage := &rec.Stages[i]
		if stage.Modules, err = res.inlineModules(stage.Origin.Document, stage.Modules); err != nil {
			return nil, err
		}
		if err := loadFragments(stage.Modules); err != nil {
			return nil, err
		}
	}
	if rec.Modules, err = res.inlineModules(path, rec.Modules); err != nil {
		return nil, err
	}
	if err := loadFragments(rec.Modules); err != nil {
		return nil, err
	}
	if err := checkStages(&rec); err != nil {
		return nil, err
	}

	logger.Debug("resolved recipe",
		"recipe", rec.Name,
		"path", path,
		"stages", len(rec.Stages),
		"modules", len(rec.Modules),
		"includes", len(res.docs),
	)
	return &rec, nil
}

// resolution carries the state of one Resolve call.
type resolution struct {
	maxDepth int
	root     string
	docs     map[string]*moduleList
}

// frame is one document on the include chain. next indexes the entry to
// visit once control returns to this document.
type frame[T any] struct {
	path    string
	entries []T
	next    int
}

// inline expands includes depth first. The stack of frames is the active
// include chain, so a path reappearing on it is a cycle while the same
// document reached along two separate chains is not.
func inline[T any](res *resolution, root string, entries []T, include func(T) (string, Origin), load func(string) ([]T, error)) ([]T, error) {
	stack := []*frame[T]{{path: root, entries: entries}}
	out := make([]T, 0, len(entries))

	for len(stack) > 0 {
		top := stack[len(stack)-1]
		if top.next == len(top.entries) {
			stack = stack[:len(stack)-1]
			continue
		}
		entry := top.entries[top.next]
		top.next++

		ref, origin := include(entry)
		if ref == "" {
			out = append(out, entry)
			continue
		}

		target := filepath.Clean(joinRelative(filepath.Dir(top.path), ref))
		chain := make([]string, 0, len(stack)+1)
		for _, f := range stack {
			chain = append(chain, res.display(f.path))
		}
		chain = append(chain, res.display(target))

		for _, f := range stack {
			if f.path == target {
				return nil, &ResolutionError{
					Kind:   ErrCycleOrDepthExceeded,
					Path:   top.path,
					Line:   origin.Line,
					Detail: "include cycle " + strings.Join(chain, " -> "),
				}
			}
		}
		if len(stack) > res.maxDepth {
			return nil, &ResolutionError{
				Kind:   ErrCycleOrDepthExceeded,
				Path:   top.path,
				Line:   origin.Line,
				Detail: fmt.Sprintf("more than %d nested includes", res.maxDepth),
			}
		}

		children, err := load(target)
		if err != nil {
			var rerr *ResolutionError
			if errors.As(err, &rerr) && rerr.Kind == ErrFileNotFound && rerr.Line == 0 {
				rerr.Detail = fmt.Sprintf("included from %s line %d", res.display(top.path), origin.Line)
			}
			return nil, err
		}
		stack = append(stack, &frame[T]{path: target, entries: children})
	}
	return out, nil
}

func (res *resolution) inlineModules(root string, modules []Module) ([]Module, error) {
	return inline(res, root, modules,
		func(m Module) (string, Origin) { return m.FromFile, m.Origin },
		func(path string) ([]Module, error) {
			doc, err := res.load(path)
			if err != nil {
				return nil, err
			}
			if len(doc.Stages) > 0 {
				return nil, &ResolutionError{
					Kind:   ErrInvalidDocument,
					Path:   path,
					Detail: "stages are only read when a document is included from a stages list",
				}
			}
			return doc.Modules, nil
		},
	)
}

func (res *resolution) inlineStages(root string, stages []Stage) ([]Stage, error) {
	return inline(res, root, stages,
		func(s Stage) (string, Origin) { return s.FromFile, s.Origin },
		func(path string) ([]Stage, error) {
			doc, err := res.load(path)
			if err != nil {
				return nil, err
			}
			if len(doc.Modules) > 0 {
				return nil, &ResolutionError{
					Kind:   ErrInvalidDocument,
					Path:   path,
					Detail: "modules are only read when a document is included from a module list",
				}
			}
			return doc.Stages, nil
		},
	)
}

// load reads and decodes an included document once per resolution.
func (res *resolution) load(path string) (*moduleList, error) {
	if doc, ok := res.docs[path]; ok {
		return doc, nil
	}
	data, err := readDocument(path)
	if err != nil {
		return nil, err
	}
	var doc moduleList
	if err := decodeDocument(path, data, &doc); err != nil {
		return nil, err
	}
	stampModules(doc.Modules, path, "modules")
	stampStages(doc.Stages, path)
	res.docs[path] = &doc
	return &doc, nil
}

func (res *resolution) display(path string) string {
	if rel, err := filepath.Rel(res.root, path); err == nil && !strings.HasPrefix(rel, "..") {
		return rel
	}
	return path
}

func joinRelative(dir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

func readDocument(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &ResolutionError{Kind: ErrFileNotFound, Path: path}
		}
		return nil, &ResolutionError{Kind: ErrInvalidDocument, Path: path, Err: err}
	}
	return data, nil
}

// decodeDocument decodes the first YAML document in data into v.
func decodeDocument(path string, data []byte, v any) error {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return &ResolutionError{Kind: ErrInvalidDocument, Path: path, Err: err}
	}
	if len(bytes.TrimSpace(data)) == 0 || len(root.Content) == 0 {
		return &ResolutionError{Kind: ErrInvalidDocument, Path: path, Detail: "document is empty"}
	}
	if err := root.Content[0].Decode(v); err != nil {
		var derr *decodeError
		if errors.As(err, &derr) {
			return &ResolutionError{Kind: derr.kind, Path: path, Line: derr.line, Detail: derr.detail}
		}
		return &ResolutionError{Kind: ErrInvalidDocument, Path: path, Err: err}
	}
	return nil
}

func stampModules(modules []Module, path, prefix string) {
	for i := range modules {
		modules[i].Origin.Document = path
		modules[i].Origin.Location = fmt.Sprintf("%s[%d]", prefix, i)
	}
}

func stampStages(stages []Stage, path string) {
	for i := range stages {
		location := fmt.Sprintf("stages[%d]", i)
		stages[i].Origin.Document = path
		stages[i].Origin.Location = location
		stampModules(stages[i].Modules, path, location+".modules")
	}
}

// loadFragments reads the Containerfile of every named fragment. Fragments
// live next to the document that declares the module, under
// containerfiles/<name>/Containerfile.
func loadFragments(modules []Module) error {
	for i := range modules {
		cfg, ok := modules[i].Config.(ContainerfileConfig)
		if !ok || len(cfg.Containerfiles) == 0 {
			continue
		}
		origin := modules[i].Origin
		fragments := make([]Fragment, 0, len(cfg.Containerfiles))
		for _, name := range cfg.Containerfiles {
			if !filepath.IsLocal(name) {
				return &ResolutionError{
					Kind:   ErrInvalidDocument,
					Path:   origin.Document,
					Line:   origin.Line,
					Detail: fmt.Sprintf("containerfile name %q must stay inside the containerfiles directory", name),
				}
			}
			path := filepath.Join(filepath.Dir(origin.Document), "containerfiles", name, "Containerfile")
			content, err := os.ReadFile(path)
			if err != nil {
				kind := ErrInvalidDocument
				if errors.Is(err, fs.ErrNotExist) {
					kind = ErrFileNotFound
				}
				return &ResolutionError{
					Kind:   kind,
					Path:   origin.Document,
					Line:   origin.Line,
					Detail: fmt.Sprintf("containerfile %q: %s", name, path),
				}
			}
			fragments = append(fragments, Fragment{Name: name, Path: path, Content: string(content)})
		}
		cfg.Fragments = fragments
		modules[i].Config = cfg
	}
	return nil
}

// checkStages rejects duplicate stage names and references to stages that
// are not declared before the point of use. A stage's from naming a stage
// declared at or after it is treated the same way; any other from value is
// an image reference.
func checkStages(rec *Recipe) error {
	index := make(map[string]int, len(rec.Stages))
	for i, stage := range rec.Stages {
		if prev, dup := index[stage.Name]; dup {
			return &ResolutionError{
				Kind:   ErrDuplicateStageName,
				Path:   stage.Origin.Document,
				Line:   stage.Origin.Line,
				Detail: fmt.Sprintf("stage %q already declared at %s", stage.Name, rec.Stages[prev].Origin),
			}
		}
		index[stage.Name] = i
	}

	undeclared := func(origin Origin, format string, args ...any) error {
		return &ResolutionError{
			Kind:   ErrUndeclaredStageReference,
			Path:   origin.Document,
			Line:   origin.Line,
			Detail: fmt.Sprintf(format, args...),
		}
	}

	for i, stage := range rec.Stages {
		if j, ok := index[stage.From]; ok && j >= i {
			return undeclared(stage.Origin, "stage %q builds from stage %q which is not declared before it", stage.Name, stage.From)
		}
		for _, m := range stage.Modules {
			for _, ref := range m.StageRefs() {
				if j, ok := index[ref]; !ok || j >= i {
					return undeclared(m.Origin, "stage %q copies from stage %q which is not declared before it", stage.Name, ref)
				}
			}
		}
	}
	for _, m := range rec.Modules {
		for _, ref := range m.StageRefs() {
			if _, ok := index[ref]; !ok {
				return undeclared(m.Origin, "module copies from undeclared stage %q", ref)
			}
		}
	}
	return nil
}

// StageNames returns the declared stage names in order.
func (r *Recipe) StageNames() []string {
	names := make([]string, 0, len(r.Stages))
	for _, s := range r.Stages {
		names = append(names, s.Name)
	}
	return names
}
