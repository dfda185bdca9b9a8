//go:build cloudintegration

package archive_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/fleetpatch/pkg/archive"
	"github.com/3leaps/fleetpatch/test/cloudtest"
)

func TestS3ArchiveAgainstMoto(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()
	bucket := cloudtest.CreateBucket(t, ctx)

	a, err := archive.Open(ctx, archive.Config{
		Backend: archive.BackendS3,
		Prefix:  "fleetpatch",
		S3:      cloudtest.ArchiveConfig(bucket),
	})
	require.NoError(t, err)
	defer func() { _ = a.Close() }()

	output := strings.Repeat("KB5031356 installed\n", 2000)
	ref, err := a.Put(ctx, "job-1/dev-1/cmd-1.log", []byte(output))
	require.NoError(t, err)
	assert.Equal(t, "s3://"+bucket+"/fleetpatch/job-1/dev-1/cmd-1.log", ref)

	got, err := a.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, output, string(got))

	_, err = a.Get(ctx, "s3://"+bucket+"/fleetpatch/job-1/dev-1/missing.log")
	assert.True(t, errors.Is(err, archive.ErrNotFound), "%v", err)
}

func TestS3ArchiveMissingBucket(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()

	a, err := archive.NewS3(ctx, cloudtest.ArchiveConfig("fleetpatch-no-such-bucket"), "")
	require.NoError(t, err)

	_, err = a.Put(ctx, "k", []byte("x"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, archive.ErrBucketNotFound), "%v", err)
}
