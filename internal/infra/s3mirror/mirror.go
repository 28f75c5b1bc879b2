// Package s3mirror copies finished downloads into an S3 bucket.
package s3mirror

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"fetchq/internal/config"
	"fetchq/internal/domain"
	"fetchq/internal/ports"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gabriel-vasile/mimetype"
)

// API is the subset of the S3 client the mirror calls.
type API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

var (
	_ API              = (*s3.Client)(nil)
	_ ports.ResultSink = (*Mirror)(nil)
)

// Mirror uploads every successful download. Keys are the file's path relative
// to Root, under Prefix; files outside Root are keyed by base name.
type Mirror struct {
	client API
	bucket string
	prefix string
	root   string
}

// New loads AWS credentials from the default chain.
func New(ctx context.Context, cfg config.S3, root string) (*Mirror, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	if awsCfg.Region == "" {
		awsCfg.Region = "us-east-1"
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	return NewWithClient(client, cfg.Bucket, cfg.Prefix, root), nil
}

// NewWithClient is used with a custom or mocked client.
func NewWithClient(client API, bucket, prefix, root string) *Mirror {
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	return &Mirror{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/"), root: root}
}

// Key returns the object key for a local file.
func (m *Mirror) Key(local string) string {
	name := filepath.Base(local)
	if m.root != "" {
		if rel, err := filepath.Rel(m.root, local); err == nil && !escapes(rel) {
			name = filepath.ToSlash(rel)
		}
	}
	if m.prefix == "" {
		return name
	}
	return path.Join(m.prefix, name)
}

func escapes(rel string) bool {
	return rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (m *Mirror) Save(ctx context.Context, info domain.TaskInfo) error {
	if info.Status != domain.StatusSuccess || info.Path == "" {
		return nil
	}

	f, err := os.Open(info.Path)
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}

	ctype, err := detectContentType(f)
	if err != nil {
		return err
	}

	key := m.Key(info.Path)
	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(st.Size()),
		ContentType:   aws.String(ctype),
		Metadata: map[string]string{
			"source-url": info.URL,
			"ref":        info.Ref,
		},
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", m.bucket, key, err)
	}
	return nil
}

// detectContentType sniffs the first bytes of f and rewinds it.
func detectContentType(f *os.File) (string, error) {
	buf := make([]byte, 512)
	n, err := f.Read(buf)
	if err != nil && err != io.EOF {
		return "", err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	return mimetype.Detect(buf[:n]).String(), nil
}
