package artifacts

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
)

var _ ArtifactStore = (*LocalArtifactStore)(nil)

// LocalArtifactStore persists artifacts and metadata on disk under BaseDir.
// Each artifact gets a <id>.json metadata document next to it.
type LocalArtifactStore struct {
	BaseDir string
}

// StoreArtifact copies the file at artifactPath into the store.
func (store *LocalArtifactStore) StoreArtifact(artifactPath string, kind ArtifactKind, metadata map[string]any) (Artifact, error) {
	if artifactPath == "" {
		return Artifact{}, errors.New("artifact path is required")
	}
	src, err := os.Open(artifactPath)
	if err != nil {
		return Artifact{}, err
	}
	defer src.Close()

	return store.store(filepath.Ext(artifactPath), src, kind, metadata)
}

// StoreBytes writes content into the store. Only the extension of name is
// kept.
func (store *LocalArtifactStore) StoreBytes(name string, content []byte, kind ArtifactKind, metadata map[string]any) (Artifact, error) {
	return store.store(filepath.Ext(name), strings.NewReader(string(content)), kind, metadata)
}

func (store *LocalArtifactStore) store(ext string, src io.Reader, kind ArtifactKind, metadata map[string]any) (Artifact, error) {
	if store.BaseDir == "" {
		return Artifact{}, errors.New("base directory is not configured")
	}
	if err := os.MkdirAll(store.BaseDir, 0o755); err != nil {
		return Artifact{}, err
	}

	artifactID := uuid.NewString()
	destPath := filepath.Join(store.BaseDir, artifactID+ext)
	dst, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return Artifact{}, err
	}

	digester := digest.Canonical.Digester()
	if _, err := io.Copy(io.MultiWriter(dst, digester.Hash()), src); err != nil {
		dst.Close()
		return Artifact{}, fmt.Errorf("copy artifact: %w", err)
	}
	if err := dst.Close(); err != nil {
		return Artifact{}, err
	}

	artifact := Artifact{
		ID:          artifactID,
		Kind:        kind,
		URI:         fileURI(destPath),
		Checksum:    digester.Digest(),
		Metadata:    cloneMetadata(metadata),
		ContentType: detectContentType(destPath),
	}
	if err := store.writeMetadata(destPath, artifact); err != nil {
		return Artifact{}, err
	}
	return artifact, nil
}

// Clear removes all artifacts and metadata under the store's base directory.
func (store *LocalArtifactStore) Clear() error {
	entries, err := os.ReadDir(store.BaseDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(store.BaseDir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

func (store *LocalArtifactStore) writeMetadata(filePath string, artifact Artifact) error {
	payload, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(metadataPath(filePath), payload, 0o644)
}

func metadataPath(path string) string {
	return path + ".meta.json"
}

func detectContentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".iso":
		return "application/vnd.efi.iso"
	case ".json":
		return "application/json"
	case ".containerfile", ".txt":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}

func cloneMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	cloned := make(map[string]any, len(metadata))
	for k, v := range metadata {
		cloned[k] = v
	}
	return cloned
}
