package recipe

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Violation is one schema problem found in a raw recipe document.
type Violation struct {
	Field   string `json:"field"`
	Line    int    `json:"line,omitempty"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	field := v.Field
	if field == "" {
		field = "<document>"
	}
	if v.Line > 0 {
		return fmt.Sprintf("%s (line %d): %s", field, v.Line, v.Message)
	}
	return field + ": " + v.Message
}

// Validator checks a raw recipe document before it is resolved.
type Validator interface {
	Validate(path string, data []byte) ([]Violation, error)
}

// SchemaValidator reports every shape problem in a recipe document instead
// of stopping at the first one. It only looks at the root document; included
// documents are checked by the resolver as they are loaded.
type SchemaValidator struct{}

// Validate returns the violations found in data. The error is non-nil only
// when data is not YAML at all.
func (SchemaValidator) Validate(path string, data []byte) ([]Violation, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	var c collector
	if len(root.Content) == 0 {
		c.add("", 0, "document is empty")
		return c.violations, nil
	}
	c.recipe(root.Content[0])
	return c.violations, nil
}

type collector struct {
	violations []Violation
}

func (c *collector) add(field string, line int, format string, args ...any) {
	c.violations = append(c.violations, Violation{Field: field, Line: line, Message: fmt.Sprintf(format, args...)})
}

func join(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "." + key
}

// fields walks the keys of a mapping, reporting unknown ones and returning
// the known ones by name.
func (c *collector) fields(node *yaml.Node, path string, allowed ...string) map[string]*yaml.Node {
	found := make(map[string]*yaml.Node, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		known := false
		for _, a := range allowed {
			if a == key.Value {
				known = true
				break
			}
		}
		if !known {
			c.add(join(path, key.Value), key.Line, "unknown field")
			continue
		}
		found[key.Value] = value
	}
	return found
}

func (c *collector) mapping(node *yaml.Node, path string) bool {
	if node.Kind != yaml.MappingNode {
		c.add(path, node.Line, "must be a mapping")
		return false
	}
	return true
}

func (c *collector) scalar(node *yaml.Node, path string, required bool) {
	if node.Kind != yaml.ScalarNode {
		c.add(path, node.Line, "must be a string")
		return
	}
	if required && strings.TrimSpace(node.Value) == "" {
		c.add(path, node.Line, "must not be empty")
	}
}

func (c *collector) stringList(node *yaml.Node, path string) {
	if node.Kind != yaml.SequenceNode {
		c.add(path, node.Line, "must be a list of strings")
		return
	}
	for i, item := range node.Content {
		c.scalar(item, fmt.Sprintf("%s[%d]", path, i), true)
	}
}

func (c *collector) required(found map[string]*yaml.Node, node *yaml.Node, path string, keys ...string) {
	for _, key := range keys {
		if _, ok := found[key]; !ok {
			c.add(join(path, key), node.Line, "is required")
		}
	}
}

func (c *collector) recipe(node *yaml.Node) {
	if !c.mapping(node, "") {
		return
	}
	found := c.fields(node, "", recipeFields...)
	c.required(found, node, "", "name", "base-image", "image-version", "modules")

	for _, key := range []string{"name", "base-image", "image-version"} {
		if v, ok := found[key]; ok {
			c.scalar(v, key, true)
		}
	}
	if v, ok := found["description"]; ok {
		c.scalar(v, "description", false)
	}
	if v, ok := found["alt-tags"]; ok {
		c.stringList(v, "alt-tags")
	}
	if v, ok := found["stages"]; ok {
		c.sequence(v, "stages", c.stage)
	}
	if v, ok := found["modules"]; ok {
		c.sequence(v, "modules", c.module)
	}
}

func (c *collector) sequence(node *yaml.Node, path string, item func(*yaml.Node, string)) {
	if node.Kind != yaml.SequenceNode {
		c.add(path, node.Line, "must be a list")
		return
	}
	for i, entry := range node.Content {
		item(entry, fmt.Sprintf("%s[%d]", path, i))
	}
}

func (c *collector) include(node *yaml.Node, path string) bool {
	ref, ok := lookup(node, fromFileKey)
	if !ok {
		return false
	}
	c.fields(node, path, fromFileKey)
	c.scalar(ref, join(path, fromFileKey), true)
	return true
}

func (c *collector) stage(node *yaml.Node, path string) {
	if !c.mapping(node, path) || c.include(node, path) {
		return
	}
	found := c.fields(node, path, "name", "from", "modules")
	c.required(found, node, path, "name", "from")
	for _, key := range []string{"name", "from"} {
		if v, ok := found[key]; ok {
			c.scalar(v, join(path, key), true)
		}
	}
	if v, ok := found["modules"]; ok {
		c.sequence(v, join(path, "modules"), c.module)
	}
}

func (c *collector) module(node *yaml.Node, path string) {
	if !c.mapping(node, path) || c.include(node, path) {
		return
	}
	typeNode, ok := lookup(node, "type")
	if !ok {
		c.add(path, node.Line, "requires type or from-file")
		return
	}
	t := ModuleType(typeNode.Value)
	allowed, known := moduleFields[t]
	if !known {
		c.add(join(path, "type"), typeNode.Line, "unknown module type %q", typeNode.Value)
		return
	}
	found := c.fields(node, path, append([]string{"type"}, allowed...)...)

	switch t {
	case TypeFiles:
		c.required(found, node, path, "files")
		if v, ok := found["files"]; ok {
			c.sequence(v, join(path, "files"), c.fileEntry)
		}
	case TypeScript:
		c.required(found, node, path, "scripts")
	case TypeTestModule:
		c.required(found, node, path, "source")
	case TypeContainerfile:
		if found["containerfiles"] == nil && found["snippets"] == nil {
			c.add(path, node.Line, "requires containerfiles or snippets")
		}
	}
	for _, key := range allowed {
		v, ok := found[key]
		if !ok {
			continue
		}
		switch key {
		case "scripts", "repos", "install", "remove", "containerfiles", "snippets":
			c.stringList(v, join(path, key))
		case "key", "source":
			c.scalar(v, join(path, key), true)
		}
	}
}

func (c *collector) fileEntry(node *yaml.Node, path string) {
	if !c.mapping(node, path) {
		return
	}
	found := c.fields(node, path, "source", "destination", "from")
	c.required(found, node, path, "source", "destination")
	for _, key := range []string{"source", "destination", "from"} {
		if v, ok := found[key]; ok {
			c.scalar(v, join(path, key), true)
		}
	}
}

// summarize joins the first few violations into one line.
func summarize(violations []Violation) string {
	const shown = 3
	parts := make([]string, 0, shown+1)
	for i, v := range violations {
		if i == shown {
			parts = append(parts, fmt.Sprintf("and %d more", len(violations)-shown))
			break
		}
		parts = append(parts, v.String())
	}
	return strings.Join(parts, "; ")
}
