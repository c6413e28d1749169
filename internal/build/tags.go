package build

import (
	"fmt"
	"strings"
	"time"

	"github.com/distribution/reference"

	"github.com/cochaviz/ostforge/arch"
	"github.com/cochaviz/ostforge/internal/recipe"
)

// TimestampFormat is the layout of date tags.
const TimestampFormat = "20060102"

// LocalRegistry prefixes image names when no registry is configured.
const LocalRegistry = "localhost"

// TagOptions are the inputs of tag generation besides the recipe.
type TagOptions struct {
	Now       time.Time
	CommitSHA string
	// Arch is appended to every tag when MultiArch is set.
	Arch      arch.Architecture
	MultiArch bool
}

// GenerateTags returns the tags a recipe build is published under. Without
// alt-tags these are latest, the date, the OS version, date-version and
// sha-version. Every alt tag produces alt, alt-version, date-alt-version and
// sha-alt-version instead. The result is lowercase, free of duplicates and
// in generation order.
func GenerateTags(rec *recipe.Recipe, opts TagOptions) []string {
	version := rec.ImageVersion
	timestamp := opts.Now.UTC().Format(TimestampFormat)
	sha := shortSHA(opts.CommitSHA)

	var tags []string
	if len(rec.AltTags) == 0 {
		tags = append(tags, "latest", timestamp, version, timestamp+"-"+version)
		if sha != "" {
			tags = append(tags, sha+"-"+version)
		}
	} else {
		for _, alt := range rec.AltTags {
			tags = append(tags, alt, alt+"-"+version, timestamp+"-"+alt+"-"+version)
			if sha != "" {
				tags = append(tags, sha+"-"+alt+"-"+version)
			}
		}
	}

	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(tag)
		if opts.MultiArch {
			tag += "-" + opts.Arch.Slug()
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}

func shortSHA(sha string) string {
	sha = strings.TrimSpace(sha)
	if len(sha) > 7 {
		sha = sha[:7]
	}
	return sha
}

// Repository returns the normalized repository an image is published to.
func Repository(registry, name string) (reference.Named, error) {
	if registry == "" {
		registry = LocalRegistry
	}
	raw := strings.ToLower(strings.TrimSuffix(registry, "/") + "/" + name)
	named, err := reference.ParseNormalizedNamed(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid image repository %q: %w", raw, err)
	}
	return reference.TrimNamed(named), nil
}

// Destinations combines a repository with every tag.
func Destinations(repo reference.Named, tags []string) ([]string, error) {
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tagged, err := reference.WithTag(repo, tag)
		if err != nil {
			return nil, fmt.Errorf("invalid tag %q: %w", tag, err)
		}
		out = append(out, tagged.String())
	}
	return out, nil
}

// LocalRef is the reference a job's image is built under before tagging.
func LocalRef(name string, a arch.Architecture, jobID string) string {
	id := strings.ReplaceAll(jobID, "-", "")
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("%s/%s:build-%s-%s", LocalRegistry, strings.ToLower(name), a.Slug(), id)
}
