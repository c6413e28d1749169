// Package template renders canonical recipes into Containerfile build
// definitions.
package template

import (
	"fmt"
	"os"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/cochaviz/ostforge/internal/recipe"
)

// Attribution names what produced an instruction. Header instructions
// (FROM and the image labels) have an empty Type.
type Attribution struct {
	Module recipe.Origin
	Type   recipe.ModuleType
}

// Instruction is one Containerfile instruction. Text may span several lines
// when it comes from a containerfile fragment.
type Instruction struct {
	Stage  string // Empty for the final stage.
	Origin Attribution
	Text   string
}

// Definition is a rendered build definition. It is not modified after
// Render returns.
type Definition struct {
	Recipe       string
	Instructions []Instruction
}

// String returns the Containerfile text. Stage blocks are separated by a
// blank line.
func (d *Definition) String() string {
	var b strings.Builder
	for i, inst := range d.Instructions {
		if i > 0 && inst.Stage != d.Instructions[i-1].Stage {
			b.WriteByte('\n')
		}
		b.WriteString(inst.Text)
		b.WriteByte('\n')
	}
	return b.String()
}

// Bytes returns String as a byte slice.
func (d *Definition) Bytes() []byte {
	return []byte(d.String())
}

// Digest identifies the rendered text.
func (d *Definition) Digest() digest.Digest {
	return digest.FromString(d.String())
}

// WriteFile writes the Containerfile text to path.
func (d *Definition) WriteFile(path string) error {
	if err := os.WriteFile(path, d.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write build definition: %w", err)
	}
	return nil
}

// Modules returns the origin of every module that produced instructions,
// in instruction order with consecutive repeats collapsed.
func (d *Definition) Modules() []recipe.Origin {
	var out []recipe.Origin
	for _, inst := range d.Instructions {
		if inst.Origin.Type == "" {
			continue
		}
		if n := len(out); n > 0 && out[n-1] == inst.Origin.Module {
			continue
		}
		out = append(out, inst.Origin.Module)
	}
	return out
}
