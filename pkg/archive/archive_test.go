package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockAPIError struct {
	code string
}

func (e *mockAPIError) Error() string                 { return fmt.Sprintf("%s: mock", e.code) }
func (e *mockAPIError) ErrorCode() string             { return e.code }
func (e *mockAPIError) ErrorMessage() string          { return "mock" }
func (e *mockAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultUnknown }

var _ smithy.APIError = (*mockAPIError)(nil)

type fakeS3 struct {
	objects map[string][]byte
	putErr  error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	a, err := Open(ctx, Config{})
	require.NoError(t, err)
	assert.Nil(t, a)

	a, err = Open(ctx, Config{Backend: "file", Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &File{}, a)

	_, err = Open(ctx, Config{Backend: "gcs"})
	assert.ErrorContains(t, err, "unsupported archive backend")

	_, err = Open(ctx, Config{Backend: "s3"})
	assert.ErrorContains(t, err, "bucket name is required")
}

func TestCleanKey(t *testing.T) {
	key, err := cleanKey("/outputs/", "/job-1/dev-1/cmd-1.log")
	require.NoError(t, err)
	assert.Equal(t, "outputs/job-1/dev-1/cmd-1.log", key)

	for _, bad := range []string{"", "  ", "../etc/passwd", "job/./x", "a/../../b"} {
		_, err := cleanKey("", bad)
		assert.True(t, errors.Is(err, ErrInvalidKey), bad)
	}
}

func TestFileArchive(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	a, err := NewFile(dir, "out")
	require.NoError(t, err)

	ref, err := a.Put(ctx, "job-1/dev-1/cmd-1.log", []byte("full output"))
	require.NoError(t, err)
	assert.Equal(t, "file://"+filepath.ToSlash(filepath.Join(dir, "out", "job-1", "dev-1", "cmd-1.log")), ref)

	got, err := a.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "full output", string(got))

	_, err = a.Get(ctx, "file://"+filepath.ToSlash(filepath.Join(dir, "out", "missing.log")))
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = a.Get(ctx, "file:///etc/passwd")
	assert.True(t, errors.Is(err, ErrUnknownRef))

	_, err = a.Get(ctx, "s3://bucket/key")
	assert.True(t, errors.Is(err, ErrUnknownRef))

	_, err = NewFile(" ", "")
	assert.Error(t, err)
}

func TestS3ConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     S3Config
		wantErr string
	}{
		{name: "empty bucket", cfg: S3Config{}, wantErr: "bucket name is required"},
		{name: "minimal", cfg: S3Config{Bucket: "outputs"}},
		{name: "explicit creds", cfg: S3Config{Bucket: "outputs", AccessKeyID: "AKIA", SecretAccessKey: "secret"}},
		{name: "key without secret", cfg: S3Config{Bucket: "outputs", AccessKeyID: "AKIA"}, wantErr: "must be provided together"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestResolveRegion(t *testing.T) {
	assert.Equal(t, "eu-west-1", resolveRegion("", "eu-west-1"))
	assert.Equal(t, DefaultAWSRegion, resolveRegion("", ""))
	assert.Equal(t, "", resolveRegion("http://localhost:9000", ""))
}

func TestS3Archive(t *testing.T) {
	ctx := context.Background()
	fake := &fakeS3{objects: map[string][]byte{}}
	a := &S3{client: fake, bucket: "outputs", prefix: "fleetpatch"}

	ref, err := a.Put(ctx, "job-1/dev-1/cmd-1.log", []byte("stdout"))
	require.NoError(t, err)
	assert.Equal(t, "s3://outputs/fleetpatch/job-1/dev-1/cmd-1.log", ref)

	got, err := a.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "stdout", string(got))

	_, err = a.Get(ctx, "s3://outputs/fleetpatch/missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = a.Get(ctx, "s3://other-bucket/x")
	assert.True(t, errors.Is(err, ErrUnknownRef))

	fake.putErr = &mockAPIError{code: "AccessDenied"}
	_, err = a.Put(ctx, "x", nil)
	assert.True(t, errors.Is(err, ErrAccessDenied))
}

func TestS3WrapError(t *testing.T) {
	a := &S3{bucket: "outputs"}
	tests := []struct {
		err  error
		want error
	}{
		{err: &types.NoSuchBucket{}, want: ErrBucketNotFound},
		{err: &mockAPIError{code: "NotFound"}, want: ErrNotFound},
		{err: &mockAPIError{code: "SignatureDoesNotMatch"}, want: ErrInvalidCredentials},
		{err: &mockAPIError{code: "SlowDown"}, want: ErrThrottled},
		{err: &mockAPIError{code: "InternalError"}, want: ErrUnavailable},
	}
	for _, tt := range tests {
		err := a.wrapError("Put", "k", tt.err)
		assert.True(t, errors.Is(err, tt.want), "%v", tt.err)

		var ae *Error
		require.True(t, errors.As(err, &ae))
		assert.Equal(t, "outputs", ae.Bucket)
	}

	plain := errors.New("connection reset")
	assert.True(t, errors.Is(a.wrapError("Get", "k", plain), plain))
}
