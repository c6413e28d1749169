package recipe

import (
	"fmt"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ModuleType names a module variant.
type ModuleType string

const (
	TypeFiles         ModuleType = "files"
	TypeScript        ModuleType = "script"
	TypeRpmOstree     ModuleType = "rpm-ostree"
	TypeSigning       ModuleType = "signing"
	TypeTestModule    ModuleType = "test-module"
	TypeContainerfile ModuleType = "containerfile"
)

// fromFileKey marks a module or stage entry that includes another document.
const fromFileKey = "from-file"

// moduleFields lists the keys each module type accepts besides "type".
var moduleFields = map[ModuleType][]string{
	TypeFiles:         {"files"},
	TypeScript:        {"scripts"},
	TypeRpmOstree:     {"repos", "install", "remove"},
	TypeSigning:       {"key"},
	TypeTestModule:    {"source"},
	TypeContainerfile: {"containerfiles", "snippets"},
}

// ModuleTypes returns every known module type in a stable order.
func ModuleTypes() []ModuleType {
	return []ModuleType{TypeFiles, TypeScript, TypeRpmOstree, TypeSigning, TypeTestModule, TypeContainerfile}
}

// Known reports whether t is a module type this package understands.
func (t ModuleType) Known() bool {
	_, ok := moduleFields[t]
	return ok
}

// Config is the type specific part of a module. The set of implementations
// is closed: FilesConfig, ScriptConfig, RpmOstreeConfig, SigningConfig,
// TestModuleConfig and ContainerfileConfig.
type Config interface {
	Type() ModuleType
	check(line int) error
}

// FileCopy copies Source to Destination. When From names a stage the source
// is a path inside that stage instead of the build context.
type FileCopy struct {
	Source      string `yaml:"source"`
	Destination string `yaml:"destination"`
	From        string `yaml:"from,omitempty"`
}

func (f *FileCopy) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return invalidf(node.Line, "file entry must be a mapping")
	}
	if err := checkKeys(node, "file entry", "source", "destination", "from"); err != nil {
		return err
	}
	type plain FileCopy
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	if p.Source == "" || p.Destination == "" {
		return invalidf(node.Line, "file entry requires source and destination")
	}
	*f = FileCopy(p)
	return nil
}

type FilesConfig struct {
	Files []FileCopy `yaml:"files"`
}

func (FilesConfig) Type() ModuleType { return TypeFiles }

func (c FilesConfig) check(line int) error {
	if len(c.Files) == 0 {
		return invalidf(line, "files module requires at least one entry in files")
	}
	return nil
}

type ScriptConfig struct {
	Scripts []string `yaml:"scripts"`
}

func (ScriptConfig) Type() ModuleType { return TypeScript }

func (c ScriptConfig) check(line int) error {
	if len(c.Scripts) == 0 {
		return invalidf(line, "script module requires at least one entry in scripts")
	}
	if slices.Contains(c.Scripts, "") {
		return invalidf(line, "script module has an empty script reference")
	}
	return nil
}

type RpmOstreeConfig struct {
	Repos   []string `yaml:"repos,omitempty"`
	Install []string `yaml:"install,omitempty"`
	Remove  []string `yaml:"remove,omitempty"`
}

func (RpmOstreeConfig) Type() ModuleType { return TypeRpmOstree }

func (c RpmOstreeConfig) check(line int) error {
	for _, list := range [][]string{c.Repos, c.Install, c.Remove} {
		if slices.Contains(list, "") {
			return invalidf(line, "rpm-ostree module has an empty list entry")
		}
	}
	return nil
}

// DefaultSigningKey is the public key embedded when a signing module does
// not name one.
const DefaultSigningKey = "cosign.pub"

type SigningConfig struct {
	Key string `yaml:"key,omitempty"`
}

func (SigningConfig) Type() ModuleType { return TypeSigning }

func (SigningConfig) check(int) error { return nil }

// PublicKey returns the configured key path or the default.
func (c SigningConfig) PublicKey() string {
	if c.Key == "" {
		return DefaultSigningKey
	}
	return c.Key
}

type TestModuleConfig struct {
	Source string `yaml:"source"`
}

func (TestModuleConfig) Type() ModuleType { return TypeTestModule }

func (c TestModuleConfig) check(line int) error {
	if c.Source == "" {
		return invalidf(line, "test-module requires source")
	}
	return nil
}

// Fragment is a named Containerfile fragment loaded during resolution.
type Fragment struct {
	Name    string
	Path    string
	Content string
}

type ContainerfileConfig struct {
	Containerfiles []string `yaml:"containerfiles,omitempty"`
	Snippets       []string `yaml:"snippets,omitempty"`

	// Fragments holds the content of Containerfiles, in the same order,
	// once the module has been resolved.
	Fragments []Fragment `yaml:"-"`
}

func (ContainerfileConfig) Type() ModuleType { return TypeContainerfile }

func (c ContainerfileConfig) check(line int) error {
	if len(c.Containerfiles) == 0 && len(c.Snippets) == 0 {
		return invalidf(line, "containerfile module requires containerfiles or snippets")
	}
	if slices.Contains(c.Containerfiles, "") {
		return invalidf(line, "containerfile module has an empty fragment name")
	}
	return nil
}

// Origin locates a module in the document that declared it.
type Origin struct {
	Document string // Absolute path of the declaring document.
	Location string // Position within it, e.g. "modules[2]".
	Line     int
}

func (o Origin) String() string {
	if o.Document == "" {
		return o.Location
	}
	return o.Document + "#" + o.Location
}

// Module is one build step. Before resolution a module may be an include
// (FromFile set, Config nil); resolved recipes only contain typed modules.
type Module struct {
	FromFile string
	Config   Config
	Origin   Origin
}

// Type returns the module type, or "" for an unresolved include.
func (m Module) Type() ModuleType {
	if m.Config == nil {
		return ""
	}
	return m.Config.Type()
}

// StageRefs returns the stage names this module copies from.
func (m Module) StageRefs() []string {
	files, ok := m.Config.(FilesConfig)
	if !ok {
		return nil
	}
	var refs []string
	for _, f := range files.Files {
		if f.From != "" {
			refs = append(refs, f.From)
		}
	}
	return refs
}

func (m *Module) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return invalidf(node.Line, "module must be a mapping")
	}
	m.Origin.Line = node.Line

	if ref, ok := lookup(node, fromFileKey); ok {
		if err := checkKeys(node, "from-file module", fromFileKey); err != nil {
			return err
		}
		if ref.Kind != yaml.ScalarNode || strings.TrimSpace(ref.Value) == "" {
			return invalidf(ref.Line, "from-file requires a document path")
		}
		m.FromFile = ref.Value
		return nil
	}

	typeNode, ok := lookup(node, "type")
	if !ok {
		return invalidf(node.Line, "module requires type or from-file")
	}
	t := ModuleType(typeNode.Value)
	fields, known := moduleFields[t]
	if !known {
		return invalidf(typeNode.Line, "unknown module type %q", typeNode.Value)
	}
	if err := checkKeys(node, string(t)+" module", append([]string{"type"}, fields...)...); err != nil {
		return err
	}

	cfg, err := decodeConfig(t, node)
	if err != nil {
		return err
	}
	if err := cfg.check(node.Line); err != nil {
		return err
	}
	m.Config = cfg
	return nil
}

func decodeConfig(t ModuleType, node *yaml.Node) (Config, error) {
	switch t {
	case TypeFiles:
		var c FilesConfig
		err := node.Decode(&c)
		return c, err
	case TypeScript:
		var c ScriptConfig
		err := node.Decode(&c)
		return c, err
	case TypeRpmOstree:
		var c RpmOstreeConfig
		err := node.Decode(&c)
		return c, err
	case TypeSigning:
		var c SigningConfig
		err := node.Decode(&c)
		return c, err
	case TypeTestModule:
		var c TestModuleConfig
		err := node.Decode(&c)
		return c, err
	case TypeContainerfile:
		var c ContainerfileConfig
		err := node.Decode(&c)
		return c, err
	}
	return nil, invalidf(node.Line, "unknown module type %q", t)
}

// MarshalYAML writes the module back in document form, type first.
func (m Module) MarshalYAML() (any, error) {
	if m.Config == nil {
		if m.FromFile == "" {
			return nil, fmt.Errorf("module at %s has neither type nor from-file", m.Origin)
		}
		return map[string]string{fromFileKey: m.FromFile}, nil
	}

	var body yaml.Node
	if err := body.Encode(m.Config); err != nil {
		return nil, err
	}
	body.Style = 0
	head := []*yaml.Node{
		{Kind: yaml.ScalarNode, Tag: "!!str", Value: "type"},
		{Kind: yaml.ScalarNode, Tag: "!!str", Value: string(m.Type())},
	}
	body.Content = append(head, body.Content...)
	return &body, nil
}

// lookup returns the value node stored under key in a mapping node.
func lookup(node *yaml.Node, key string) (*yaml.Node, bool) {
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return node.Content[i+1], true
		}
	}
	return nil, false
}

// checkKeys fails on the first key of a mapping node that is not allowed.
func checkKeys(node *yaml.Node, context string, allowed ...string) error {
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i]
		if !slices.Contains(allowed, key.Value) {
			return unknownField(key.Line, context, key.Value)
		}
	}
	return nil
}
