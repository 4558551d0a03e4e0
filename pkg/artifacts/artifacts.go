// Package artifacts archives the files a completed run produced. The
// scheduler records artifact paths on the JobRun; archival copies the
// matching files somewhere durable (a local archive directory or an S3
// bucket) and reports the stored locations back.
package artifacts

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/duskforge/nocturne/pkg/schedstore"
)

// Config selects and configures an archival backend.
type Config struct {
	// Backend is "file" or "s3". Empty disables archival.
	Backend string

	// Patterns filters which artifact paths are archived, matched with
	// doublestar globs against the path's base-relative form. Empty
	// archives everything.
	Patterns []string

	// Dir is the destination directory for the file backend.
	Dir string

	// S3 configures the s3 backend.
	S3 S3Config
}

// Store archives one run's artifacts and returns stored locations.
type Store interface {
	Archive(ctx context.Context, run *schedstore.JobRun) ([]string, error)
}

// New builds the configured backend, or (nil, nil) when archival is
// disabled.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "":
		return nil, nil
	case "file":
		return newFileStore(cfg.Dir, cfg.Patterns)
	case "s3":
		return newS3Store(ctx, cfg.S3, cfg.Patterns)
	default:
		return nil, fmt.Errorf("unknown artifact backend %q", cfg.Backend)
	}
}

// selectArtifacts applies the glob patterns to a run's artifact paths.
func selectArtifacts(paths []string, patterns []string) []string {
	if len(patterns) == 0 {
		return paths
	}

	var selected []string
	for _, p := range paths {
		name := filepath.ToSlash(filepath.Base(p))
		full := filepath.ToSlash(p)
		for _, pattern := range patterns {
			okName, _ := doublestar.Match(pattern, name)
			okFull, _ := doublestar.Match(pattern, full)
			if okName || okFull {
				selected = append(selected, p)
				break
			}
		}
	}
	return selected
}
