//go:build cloudintegration

package artifacts

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duskforge/nocturne/pkg/schedstore"
	"github.com/duskforge/nocturne/test/cloudtest"
)

func TestS3StoreArchive(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()
	bucket := cloudtest.CreateBucket(t, ctx)

	src := t.TempDir()
	story := filepath.Join(src, "story.md")
	require.NoError(t, os.WriteFile(story, []byte("it was a dark night"), 0o644))

	store, err := New(ctx, Config{
		Backend: "s3",
		S3: S3Config{
			Bucket:          bucket,
			Prefix:          "archive",
			Region:          cloudtest.Region,
			Endpoint:        cloudtest.Endpoint,
			AccessKeyID:     cloudtest.TestAccessKeyID,
			SecretAccessKey: cloudtest.TestSecretAccessKey,
			ForcePathStyle:  true,
		},
	})
	require.NoError(t, err)

	run := &schedstore.JobRun{RunID: "run_s3", Artifacts: []string{story}}
	stored, err := store.Archive(ctx, run)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "s3://"+bucket+"/archive/run_s3/story.md", stored[0])

	content := cloudtest.GetObject(t, ctx, bucket, "archive/run_s3/story.md")
	assert.Equal(t, "it was a dark night", string(content))
}

func TestS3StoreArchiveAppliesPatterns(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()
	bucket := cloudtest.CreateBucket(t, ctx)

	src := t.TempDir()
	story := filepath.Join(src, "story.md")
	logFile := filepath.Join(src, "debug.log")
	require.NoError(t, os.WriteFile(story, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(logFile, []byte("y"), 0o644))

	store, err := New(ctx, Config{
		Backend:  "s3",
		Patterns: []string{"*.md"},
		S3: S3Config{
			Bucket:          bucket,
			Region:          cloudtest.Region,
			Endpoint:        cloudtest.Endpoint,
			AccessKeyID:     cloudtest.TestAccessKeyID,
			SecretAccessKey: cloudtest.TestSecretAccessKey,
			ForcePathStyle:  true,
		},
	})
	require.NoError(t, err)

	run := &schedstore.JobRun{RunID: "run_s3", Artifacts: []string{story, logFile}}
	stored, err := store.Archive(ctx, run)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "s3://"+bucket+"/run_s3/story.md", stored[0])
}
