package artifacts

// ArtifactStore keeps the files a build job produces.
type ArtifactStore interface {
	StoreArtifact(artifactPath string, kind ArtifactKind, metadata map[string]any) (Artifact, error)
	StoreBytes(name string, content []byte, kind ArtifactKind, metadata map[string]any) (Artifact, error)
	// Clear removes every stored artifact.
	Clear() error
}
