package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/duskforge/nocturne/pkg/schedstore"
)

// fileStore copies artifacts into <dir>/<run_id>/.
type fileStore struct {
	dir      string
	patterns []string
}

func newFileStore(dir string, patterns []string) (*fileStore, error) {
	if dir == "" {
		return nil, errors.New("file artifact backend requires a directory")
	}
	return &fileStore{dir: dir, patterns: patterns}, nil
}

func (s *fileStore) Archive(ctx context.Context, run *schedstore.JobRun) ([]string, error) {
	selected := selectArtifacts(run.Artifacts, s.patterns)
	if len(selected) == 0 {
		return nil, nil
	}

	runDir := filepath.Join(s.dir, run.RunID)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}

	var stored []string
	for _, src := range selected {
		if err := ctx.Err(); err != nil {
			return stored, err
		}
		dst := filepath.Join(runDir, filepath.Base(src))
		if err := copyFile(src, dst); err != nil {
			return stored, fmt.Errorf("archive %s: %w", src, err)
		}
		stored = append(stored, dst)
	}
	return stored, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
