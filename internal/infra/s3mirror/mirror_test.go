package s3mirror

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"fetchq/internal/domain"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockS3 struct {
	PutObjectFunc func(context.Context, *s3.PutObjectInput, ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

func (m *mockS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.PutObjectFunc != nil {
		return m.PutObjectFunc(ctx, params, optFns...)
	}
	return &s3.PutObjectOutput{}, nil
}

func TestMirror_Key(t *testing.T) {
	root := t.TempDir()
	m := NewWithClient(&mockS3{}, "b", "/mirror/", root)

	assert.Equal(t, "mirror/a/b.jpg", m.Key(filepath.Join(root, "a", "b.jpg")))
	assert.Equal(t, "mirror/c.txt", m.Key("/elsewhere/c.txt"))
	assert.Equal(t, "mirror/..cache", m.Key(filepath.Join(root, "..cache")))
	assert.Equal(t, "mirror/..d/e.bin", m.Key(filepath.Join(root, "..d", "e.bin")))
	assert.Equal(t, "mirror/up.bin", m.Key(filepath.Join(filepath.Dir(root), "up.bin")))

	bare := NewWithClient(&mockS3{}, "b", "", root)
	assert.Equal(t, "x.bin", bare.Key(filepath.Join(root, "x.bin")))
}

func TestMirror_SaveUploadsSuccess(t *testing.T) {
	root := t.TempDir()
	local := filepath.Join(root, "img", "p0.png")
	content := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDRrest-of-image")
	require.NoError(t, os.MkdirAll(filepath.Dir(local), 0o755))
	require.NoError(t, os.WriteFile(local, content, 0o644))

	var got *s3.PutObjectInput
	var body []byte
	mock := &mockS3{PutObjectFunc: func(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
		got = in
		var err error
		body, err = io.ReadAll(in.Body)
		return &s3.PutObjectOutput{}, err
	}}

	m := NewWithClient(mock, "bucket", "fetchq", root)
	require.NoError(t, m.Save(context.Background(), domain.TaskInfo{
		Ref: "r1", URL: "https://i.example.net/p0.png", Path: local, Status: domain.StatusSuccess,
	}))

	require.NotNil(t, got)
	assert.Equal(t, "bucket", aws.ToString(got.Bucket))
	assert.Equal(t, "fetchq/img/p0.png", aws.ToString(got.Key))
	assert.Equal(t, "image/png", aws.ToString(got.ContentType))
	assert.Equal(t, int64(len(content)), aws.ToInt64(got.ContentLength))
	assert.Equal(t, "https://i.example.net/p0.png", got.Metadata["source-url"])
	assert.Equal(t, content, body, "body is rewound after sniffing")
}

func TestMirror_SaveIgnoresOtherStatuses(t *testing.T) {
	mock := &mockS3{PutObjectFunc: func(context.Context, *s3.PutObjectInput, ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
		t.Error("unexpected upload")
		return nil, nil
	}}
	m := NewWithClient(mock, "bucket", "", t.TempDir())

	for _, st := range []domain.TaskStatus{domain.StatusError, domain.StatusSkipped} {
		assert.NoError(t, m.Save(context.Background(), domain.TaskInfo{Path: "/x", Status: st}))
	}
}

func TestMirror_SaveErrors(t *testing.T) {
	root := t.TempDir()
	local := filepath.Join(root, "f.txt")
	require.NoError(t, os.WriteFile(local, []byte("hello"), 0o644))

	mock := &mockS3{PutObjectFunc: func(context.Context, *s3.PutObjectInput, ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
		return nil, errors.New("access denied")
	}}
	m := NewWithClient(mock, "bucket", "", root)

	err := m.Save(context.Background(), domain.TaskInfo{Path: local, Status: domain.StatusSuccess})
	assert.ErrorContains(t, err, "s3://bucket/f.txt")
	assert.ErrorContains(t, err, "access denied")

	err = m.Save(context.Background(), domain.TaskInfo{Path: filepath.Join(root, "gone"), Status: domain.StatusSuccess})
	assert.ErrorIs(t, err, os.ErrNotExist)
}
