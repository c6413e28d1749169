package arch

import (
	"fmt"
	"runtime"
	"sort"
	"strings"

	"github.com/containerd/platforms"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Architecture defines the set of image architectures a recipe can be built for.
// Values use the OCI/Go naming so they can be passed to --platform directly.
type Architecture string

const (
	AMD64   Architecture = "amd64"
	ARM64   Architecture = "arm64"
	ARMV7   Architecture = "arm/v7"
	I386    Architecture = "386"
	PPC64LE Architecture = "ppc64le"
	S390X   Architecture = "s390x"
	RISCV64 Architecture = "riscv64"
)

// Supported returns the full list of supported architectures.
func Supported() []Architecture {
	return []Architecture{
		AMD64,
		ARM64,
		ARMV7,
		I386,
		PPC64LE,
		S390X,
		RISCV64,
	}
}

// IsValid reports whether a matches a supported architecture value.
func (a Architecture) IsValid() bool {
	switch a {
	case AMD64, ARM64, ARMV7, I386, PPC64LE, S390X, RISCV64:
		return true
	default:
		return false
	}
}

// String returns the architecture as string.
func (a Architecture) String() string {
	return string(a)
}

// Platform returns the normalized OCI platform string, e.g. "linux/arm64".
func (a Architecture) Platform() string {
	return platforms.Format(a.Spec())
}

// Spec returns the OCI platform description for the architecture.
func (a Architecture) Spec() ocispec.Platform {
	name, variant, _ := strings.Cut(string(a), "/")
	return platforms.Normalize(ocispec.Platform{
		OS:           "linux",
		Architecture: name,
		Variant:      variant,
	})
}

// Slug returns a filesystem and tag safe form of the architecture ("arm-v7").
func (a Architecture) Slug() string {
	return strings.ReplaceAll(string(a), "/", "-")
}

// Native returns the architecture of the running host.
func Native() Architecture {
	if native := Normalize(runtime.GOARCH); native != "" {
		return native
	}
	return AMD64
}

// Parse returns the canonical Architecture for the provided string or an error if unsupported.
func Parse(value string) (Architecture, error) {
	if arch := Normalize(value); arch != "" {
		return arch, nil
	}
	return "", fmt.Errorf("unsupported architecture %q (supported: %s)", value, strings.Join(supportedStrings(), ", "))
}

// ParseList parses a list of architectures, dropping duplicates while keeping
// the first occurrence order. An empty list yields the native architecture.
func ParseList(values []string) ([]Architecture, error) {
	if len(values) == 0 {
		return []Architecture{Native()}, nil
	}

	seen := make(map[Architecture]struct{}, len(values))
	out := make([]Architecture, 0, len(values))
	for _, value := range values {
		a, err := Parse(value)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[a]; dup {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out, nil
}

// Normalize maps a possibly ambiguous string into a canonical Architecture. Returns ""
// when the string cannot be normalized.
func Normalize(value string) Architecture {
	normalized := strings.ToLower(strings.TrimSpace(value))
	normalized = strings.TrimPrefix(normalized, "linux/")
	switch normalized {
	case string(AMD64), "x86_64", "x86-64":
		return AMD64
	case string(ARM64), "aarch64", "arm64/v8":
		return ARM64
	case string(ARMV7), "arm", "armv7", "armv7l", "armhf", "arm-v7":
		return ARMV7
	case string(I386), "i386", "i686", "x86":
		return I386
	case string(PPC64LE), "ppc64el", "powerpc64le":
		return PPC64LE
	case string(S390X):
		return S390X
	case string(RISCV64):
		return RISCV64
	default:
		return ""
	}
}

func supportedStrings() []string {
	all := Supported()
	out := make([]string, 0, len(all))
	for _, a := range all {
		out = append(out, a.String())
	}
	sort.Strings(out)
	return out
}
