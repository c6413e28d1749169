package build

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/cochaviz/ostforge/arch"
	"github.com/cochaviz/ostforge/internal/recipe"
)

func TestGenerateTags(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 14, 23, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		alt  []string
		opts TagOptions
		want []string
	}{
		{
			name: "defaults",
			opts: TagOptions{Now: now},
			want: []string{"latest", "20260314", "40", "20260314-40"},
		},
		{
			name: "commit sha",
			opts: TagOptions{Now: now, CommitSHA: "ABCDEF1234567"},
			want: []string{"latest", "20260314", "40", "20260314-40", "abcdef1-40"},
		},
		{
			name: "alt tags",
			alt:  []string{"Stable", "gts"},
			opts: TagOptions{Now: now, CommitSHA: "abc"},
			want: []string{
				"stable", "stable-40", "20260314-stable-40", "abc-stable-40",
				"gts", "gts-40", "20260314-gts-40", "abc-gts-40",
			},
		},
		{
			name: "duplicate alt tags",
			alt:  []string{"stable", "STABLE"},
			opts: TagOptions{Now: now},
			want: []string{"stable", "stable-40", "20260314-stable-40"},
		},
		{
			name: "multi arch",
			opts: TagOptions{Now: now, Arch: arch.ARMV7, MultiArch: true},
			want: []string{"latest-arm-v7", "20260314-arm-v7", "40-arm-v7", "20260314-40-arm-v7"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := &recipe.Recipe{Name: "os", ImageVersion: "40", AltTags: tt.alt}
			if diff := cmp.Diff(tt.want, GenerateTags(rec, tt.opts)); diff != "" {
				t.Fatalf("GenerateTags() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDestinations(t *testing.T) {
	t.Parallel()

	tests := []struct {
		registry string
		want     string
	}{
		{registry: "", want: "localhost/my-os:latest"},
		{registry: "ghcr.io/Acme/", want: "ghcr.io/acme/my-os:latest"},
		{registry: "quay.io", want: "quay.io/my-os:latest"},
	}
	for _, tt := range tests {
		repo, err := Repository(tt.registry, "my-os")
		if err != nil {
			t.Fatalf("Repository(%q) error = %v", tt.registry, err)
		}
		dests, err := Destinations(repo, []string{"latest"})
		if err != nil {
			t.Fatalf("Destinations() error = %v", err)
		}
		if dests[0] != tt.want {
			t.Fatalf("Destinations(%q) = %q, want %q", tt.registry, dests[0], tt.want)
		}
	}

	if _, err := Repository("ghcr.io", "bad name"); err == nil {
		t.Fatalf("expected error for invalid repository")
	}
}

func TestLocalRef(t *testing.T) {
	t.Parallel()

	got := LocalRef("My-OS", arch.ARMV7, "0123abcd-ef01-2345-6789-abcdefabcdef")
	if got != "localhost/my-os:build-arm-v7-0123abcd" {
		t.Fatalf("LocalRef() = %q", got)
	}
	if !strings.HasPrefix(LocalRef("os", arch.AMD64, "x"), "localhost/os:build-amd64-x") {
		t.Fatalf("short ids are kept whole")
	}
}
