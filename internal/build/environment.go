package build

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cochaviz/ostforge/internal/template"
)

// Ensure LocalWorkspacePreparer implements the WorkspacePreparer interface.
var _ WorkspacePreparer = (*LocalWorkspacePreparer)(nil)

// containerfileName is the rendered definition inside a workspace.
const containerfileName = "Containerfile"

// LocalWorkspacePreparer creates one directory per job under BaseDir.
type LocalWorkspacePreparer struct {
	BaseDir string
}

// Prepare creates a fresh directory for job and writes the rendered
// definition into it. No two calls return the same directory.
func (p *LocalWorkspacePreparer) Prepare(job Job, definition *template.Definition) (Workspace, error) {
	if p.BaseDir == "" {
		return nil, errors.New("workspace base dir is not configured")
	}
	if err := os.MkdirAll(p.BaseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace base dir %q: %w", p.BaseDir, err)
	}

	prefix := "job-"
	if id := strings.ReplaceAll(job.ID, "-", ""); len(id) >= 8 {
		prefix += id[:8] + "-"
	}
	dir, err := os.MkdirTemp(p.BaseDir, prefix)
	if err != nil {
		return nil, fmt.Errorf("create workdir: %w", err)
	}

	ws := &localWorkspace{dir: dir}
	if err := definition.WriteFile(ws.Containerfile()); err != nil {
		_ = ws.Cleanup()
		return nil, err
	}
	return ws, nil
}

type localWorkspace struct {
	dir string
}

func (w *localWorkspace) Dir() string {
	return w.dir
}

func (w *localWorkspace) Containerfile() string {
	return filepath.Join(w.dir, containerfileName)
}

func (w *localWorkspace) Cleanup() error {
	if err := os.RemoveAll(w.dir); err != nil {
		return fmt.Errorf("remove workdir %q: %w", w.dir, err)
	}
	return nil
}
