package artifacts

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duskforge/nocturne/pkg/schedstore"
)

func writeFile(t *testing.T, path, content string) string {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestNewBackendSelection(t *testing.T) {
	ctx := context.Background()

	store, err := New(ctx, Config{})
	require.NoError(t, err)
	assert.Nil(t, store)

	store, err = New(ctx, Config{Backend: "file", Dir: t.TempDir()})
	require.NoError(t, err)
	assert.NotNil(t, store)

	_, err = New(ctx, Config{Backend: "file"})
	require.Error(t, err)

	_, err = New(ctx, Config{Backend: "carrier-pigeon"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown artifact backend")
}

func TestFileStoreArchivesPerRun(t *testing.T) {
	ctx := context.Background()
	src := t.TempDir()
	dst := t.TempDir()

	story := writeFile(t, filepath.Join(src, "story.md"), "it was a dark night")
	cards := writeFile(t, filepath.Join(src, "cards.json"), `{"cards":[]}`)

	store, err := New(ctx, Config{Backend: "file", Dir: dst})
	require.NoError(t, err)

	run := &schedstore.JobRun{RunID: "run_abc", Artifacts: []string{story, cards}}
	stored, err := store.Archive(ctx, run)
	require.NoError(t, err)
	require.Len(t, stored, 2)

	// Copies land under <dir>/<run_id>/ keeping the base name.
	assert.Equal(t, filepath.Join(dst, "run_abc", "story.md"), stored[0])
	content, err := os.ReadFile(stored[0])
	require.NoError(t, err)
	assert.Equal(t, "it was a dark night", string(content))
}

func TestFileStoreAppliesPatterns(t *testing.T) {
	ctx := context.Background()
	src := t.TempDir()
	dst := t.TempDir()

	story := writeFile(t, filepath.Join(src, "story.md"), "x")
	logFile := writeFile(t, filepath.Join(src, "debug.log"), "y")

	store, err := New(ctx, Config{Backend: "file", Dir: dst, Patterns: []string{"*.md"}})
	require.NoError(t, err)

	run := &schedstore.JobRun{RunID: "run_abc", Artifacts: []string{story, logFile}}
	stored, err := store.Archive(ctx, run)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "story.md", filepath.Base(stored[0]))
}

func TestFileStoreNothingSelected(t *testing.T) {
	ctx := context.Background()

	store, err := New(ctx, Config{Backend: "file", Dir: t.TempDir(), Patterns: []string{"*.md"}})
	require.NoError(t, err)

	run := &schedstore.JobRun{RunID: "run_abc", Artifacts: []string{"/out/debug.log"}}
	stored, err := store.Archive(ctx, run)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestFileStoreMissingSource(t *testing.T) {
	ctx := context.Background()

	store, err := New(ctx, Config{Backend: "file", Dir: t.TempDir()})
	require.NoError(t, err)

	run := &schedstore.JobRun{RunID: "run_abc", Artifacts: []string{"/nonexistent/story.md"}}
	_, err = store.Archive(ctx, run)
	require.Error(t, err)
}

func TestS3ConfigValidate(t *testing.T) {
	assert.Error(t, (&S3Config{}).validate())
	assert.Error(t, (&S3Config{Bucket: "b", AccessKeyID: "key"}).validate())
	assert.NoError(t, (&S3Config{Bucket: "b"}).validate())
	assert.NoError(t, (&S3Config{Bucket: "b", AccessKeyID: "k", SecretAccessKey: "s"}).validate())
}

func TestSelectArtifacts(t *testing.T) {
	paths := []string{
		"/out/story.md",
		"/out/cards.json",
		"/out/deep/nested/notes.md",
	}

	// No patterns selects everything.
	assert.Equal(t, paths, selectArtifacts(paths, nil))

	// Base-name match.
	got := selectArtifacts(paths, []string{"*.md"})
	assert.Equal(t, []string{"/out/story.md", "/out/deep/nested/notes.md"}, got)

	// Full-path match.
	got = selectArtifacts(paths, []string{"/out/**/*.md"})
	assert.Contains(t, got, "/out/deep/nested/notes.md")

	assert.Empty(t, selectArtifacts(paths, []string{"*.pdf"}))
}
