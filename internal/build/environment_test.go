package build

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cochaviz/ostforge/internal/template"
)

func TestLocalWorkspacePreparer(t *testing.T) {
	t.Parallel()

	base := filepath.Join(t.TempDir(), "jobs")
	preparer := &LocalWorkspacePreparer{BaseDir: base}
	def := &template.Definition{
		Recipe:       "os",
		Instructions: []template.Instruction{{Text: "FROM ghcr.io/example/base:40"}},
	}

	job := Job{ID: "0123abcd-0000-0000-0000-000000000000"}
	first, err := preparer.Prepare(job, def)
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	second, err := preparer.Prepare(job, def)
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if first.Dir() == second.Dir() {
		t.Fatalf("workspaces share directory %q", first.Dir())
	}
	if !strings.HasPrefix(filepath.Base(first.Dir()), "job-0123abcd-") {
		t.Fatalf("unexpected workspace name %q", first.Dir())
	}

	content, err := os.ReadFile(first.Containerfile())
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(content) != def.String() {
		t.Fatalf("containerfile = %q, want %q", content, def.String())
	}

	if err := first.Cleanup(); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if _, err := os.Stat(first.Dir()); !os.IsNotExist(err) {
		t.Fatalf("workspace still present: %v", err)
	}
	if _, err := os.Stat(second.Dir()); err != nil {
		t.Fatalf("sibling workspace removed: %v", err)
	}
}

func TestLocalWorkspacePreparerRequiresBaseDir(t *testing.T) {
	t.Parallel()

	if _, err := (&LocalWorkspacePreparer{}).Prepare(Job{}, &template.Definition{}); err == nil {
		t.Fatalf("expected error without base dir")
	}
}
