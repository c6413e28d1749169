package recipe

import (
	"strings"

	"gopkg.in/yaml.v3"
)

var recipeFields = []string{"name", "description", "base-image", "image-version", "alt-tags", "stages", "modules"}

// Recipe is the root document. After [Resolve] Stages and Modules contain no
// includes and every containerfile module carries its fragments.
type Recipe struct {
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description,omitempty"`
	BaseImage    string   `yaml:"base-image"`
	ImageVersion string   `yaml:"image-version"`
	AltTags      []string `yaml:"alt-tags,omitempty"`
	Stages       []Stage  `yaml:"stages,omitempty"`
	Modules      []Module `yaml:"modules"`

	// Path is the absolute path of the root document and ContextDir its
	// directory, which is also the build context.
	Path       string `yaml:"-"`
	ContextDir string `yaml:"-"`
}

func (r *Recipe) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return invalidf(node.Line, "recipe must be a mapping")
	}
	if err := checkKeys(node, "recipe", recipeFields...); err != nil {
		return err
	}
	type plain Recipe
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	for _, req := range []struct{ key, value string }{
		{"name", p.Name},
		{"base-image", p.BaseImage},
		{"image-version", p.ImageVersion},
	} {
		if strings.TrimSpace(req.value) == "" {
			return invalidf(node.Line, "recipe requires %s", req.key)
		}
	}
	if _, ok := lookup(node, "modules"); !ok {
		return invalidf(node.Line, "recipe requires modules")
	}
	*r = Recipe(p)
	return nil
}

// ImageName is the recipe name as used in image references.
func (r *Recipe) ImageName() string {
	return strings.ToLower(r.Name)
}

// BaseReference is the final stage base image with its version tag.
func (r *Recipe) BaseReference() string {
	return r.BaseImage + ":" + r.ImageVersion
}

// HasSigning reports whether any final module embeds a signing key.
func (r *Recipe) HasSigning() bool {
	for _, m := range r.Modules {
		if m.Type() == TypeSigning {
			return true
		}
	}
	return false
}

// SigningKey returns the public key path of the first signing module.
func (r *Recipe) SigningKey() (string, bool) {
	for _, m := range r.Modules {
		if c, ok := m.Config.(SigningConfig); ok {
			return c.PublicKey(), true
		}
	}
	return "", false
}

// Stage is a named intermediate build stage. A stage entry may instead be an
// include, in which case FromFile is set and the stages of that document
// are spliced in its place.
type Stage struct {
	Name     string   `yaml:"name"`
	From     string   `yaml:"from"`
	Modules  []Module `yaml:"modules"`
	FromFile string   `yaml:"-"`
	Origin   Origin   `yaml:"-"`
}

func (s *Stage) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return invalidf(node.Line, "stage must be a mapping")
	}
	if ref, ok := lookup(node, fromFileKey); ok {
		if err := checkKeys(node, "from-file stage", fromFileKey); err != nil {
			return err
		}
		if ref.Kind != yaml.ScalarNode || strings.TrimSpace(ref.Value) == "" {
			return invalidf(ref.Line, "from-file requires a document path")
		}
		*s = Stage{FromFile: ref.Value, Origin: Origin{Line: node.Line}}
		return nil
	}
	if err := checkKeys(node, "stage", "name", "from", "modules"); err != nil {
		return err
	}
	type plain Stage
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	if p.Name == "" || p.From == "" {
		return invalidf(node.Line, "stage requires name and from")
	}
	p.Origin.Line = node.Line
	*s = Stage(p)
	return nil
}

func (s Stage) MarshalYAML() (any, error) {
	if s.FromFile != "" {
		return map[string]string{fromFileKey: s.FromFile}, nil
	}
	type plain Stage
	return plain(s), nil
}

// moduleList is the shape of a document referenced by from-file.
type moduleList struct {
	Modules []Module `yaml:"modules"`
	Stages  []Stage  `yaml:"stages"`
}

func (l *moduleList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return invalidf(node.Line, "module list document must be a mapping")
	}
	if err := checkKeys(node, "module list document", "modules", "stages"); err != nil {
		return err
	}
	if len(node.Content) == 0 {
		return invalidf(node.Line, "module list document requires modules or stages")
	}
	type plain moduleList
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*l = moduleList(p)
	return nil
}
