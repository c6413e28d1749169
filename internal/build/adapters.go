package build

import (
	"context"

	"github.com/cochaviz/ostforge/arch"
	"github.com/cochaviz/ostforge/internal/recipe"
	"github.com/cochaviz/ostforge/internal/template"
)

// RecipeResolver loads a recipe document into its canonical form.
type RecipeResolver interface {
	Resolve(rootDocument, baseDir string) (*recipe.Recipe, error)
}

// WorkspacePreparer provisions the exclusive working directory of a job.
type WorkspacePreparer interface {
	Prepare(job Job, definition *template.Definition) (Workspace, error)
}

// Workspace is a job working directory. Cleanup removes it.
type Workspace interface {
	Dir() string
	Containerfile() string
	Cleanup() error
}

// Outcome is what a post-push collaborator reports back.
type Outcome struct {
	Diagnostics string
	// Artifact is a file the collaborator produced, if any.
	Artifact string
	// Image is a local image that replaces the published one. It is pushed
	// to every destination of the job.
	Image string
}

// RechunkRequest asks for the layers of Image to be repacked against
// Previous and written to the local reference Output.
type RechunkRequest struct {
	Image string
	// Previous pins the version published before this job by digest. It is
	// empty for a first publish.
	Previous string
	Output   string
	Arch     arch.Architecture
	WorkDir  string
}

// Rechunker repacks image layers after a push.
type Rechunker interface {
	// Previous returns a digest reference to what ref points at right now,
	// or "" when nothing was published under ref yet.
	Previous(ctx context.Context, ref string) (string, error)
	Rechunk(ctx context.Context, req RechunkRequest) (Outcome, error)
}

// ISORequest asks for an installer image that deploys Image.
type ISORequest struct {
	Image   string
	Name    string
	Arch    arch.Architecture
	WorkDir string
}

// ISOGenerator produces an installer image for a published image.
type ISOGenerator interface {
	Generate(ctx context.Context, req ISORequest) (Outcome, error)
}
