package artifacts

import "github.com/opencontainers/go-digest"

type ArtifactKind string

const (
	DefinitionArtifact ArtifactKind = "containerfile" // Rendered build definitions
	ISOArtifact        ArtifactKind = "iso"           // Installer seed images
	ReportArtifact     ArtifactKind = "report"        // JSON job reports
)

type Artifact struct {
	ID   string       `json:"id"`
	Kind ArtifactKind `json:"kind"`
	URI  string       `json:"uri"`

	Checksum    digest.Digest  `json:"checksum,omitempty"`
	ContentType string         `json:"content_type,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}
