package content

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// DefaultMaxObjectSize caps how much of one object S3FS buffers.
const DefaultMaxObjectSize = 32 << 20

// ErrObjectTooLarge is returned when an object exceeds MaxObjectSize.
var ErrObjectTooLarge = errors.New("content: object too large")

// S3API is the subset of *s3.Client used by S3FS.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3FS serves objects under a bucket prefix as a read-only fs.FS.
//
// Objects are buffered in memory so files are seekable for range requests.
// Directories are not listed; only "." opens as a directory.
type S3FS struct {
	client S3API
	bucket string
	prefix string

	// Timeout bounds each S3 request. Default: 30s.
	Timeout time.Duration

	// MaxObjectSize bounds the bytes buffered per object.
	// Default: DefaultMaxObjectSize.
	MaxObjectSize int64
}

// NewS3 returns an S3FS reading bucket/prefix through client.
func NewS3(client S3API, bucket, prefix string) *S3FS {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &S3FS{
		client:        client,
		bucket:        bucket,
		prefix:        prefix,
		Timeout:       30 * time.Second,
		MaxObjectSize: DefaultMaxObjectSize,
	}
}

// NewS3FromConfig builds the client from the default AWS credential chain.
// An empty region keeps the chain's region.
//
//	root, err := content.NewS3FromConfig(ctx, "my-bucket", "app/", "eu-west-1")
func NewS3FromConfig(ctx context.Context, bucket, prefix, region string) (*S3FS, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("content: aws config: %w", err)
	}
	return NewS3(s3.NewFromConfig(cfg), bucket, prefix), nil
}

func (f *S3FS) key(name string) string {
	return f.prefix + name
}

func (f *S3FS) requestContext() (context.Context, context.CancelFunc) {
	if f.Timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), f.Timeout)
}

// Open implements fs.FS.
func (f *S3FS) Open(name string) (fs.File, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}
	if name == "." {
		return &s3File{info: dirInfo{}}, nil
	}

	ctx, cancel := f.requestContext()
	defer cancel()

	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(f.key(name)),
	})
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: mapS3Error(err)}
	}
	defer out.Body.Close()

	max := f.MaxObjectSize
	if max <= 0 {
		max = DefaultMaxObjectSize
	}
	if n := aws.ToInt64(out.ContentLength); n > max {
		return nil, &fs.PathError{Op: "open", Path: name, Err: ErrObjectTooLarge}
	}
	data, err := io.ReadAll(io.LimitReader(out.Body, max+1))
	if err != nil {
		return nil, &fs.PathError{Op: "read", Path: name, Err: err}
	}
	if int64(len(data)) > max {
		return nil, &fs.PathError{Op: "open", Path: name, Err: ErrObjectTooLarge}
	}

	return &s3File{
		Reader: bytes.NewReader(data),
		info: objectInfo{
			name:    path.Base(name),
			size:    int64(len(data)),
			modTime: aws.ToTime(out.LastModified),
		},
	}, nil
}

// Stat implements fs.StatFS with a HeadObject request.
func (f *S3FS) Stat(name string) (fs.FileInfo, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: fs.ErrInvalid}
	}
	if name == "." {
		return dirInfo{}, nil
	}

	ctx, cancel := f.requestContext()
	defer cancel()

	out, err := f.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(f.key(name)),
	})
	if err != nil {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: mapS3Error(err)}
	}
	return objectInfo{
		name:    path.Base(name),
		size:    aws.ToInt64(out.ContentLength),
		modTime: aws.ToTime(out.LastModified),
	}, nil
}

func mapS3Error(err error) error {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noKey) || errors.As(err, &notFound) {
		return fs.ErrNotExist
	}
	return err
}

type s3File struct {
	*bytes.Reader
	info fs.FileInfo
}

func (f *s3File) Stat() (fs.FileInfo, error) { return f.info, nil }

func (f *s3File) Read(p []byte) (int, error) {
	if f.Reader == nil {
		return 0, &fs.PathError{Op: "read", Path: f.info.Name(), Err: fs.ErrInvalid}
	}
	return f.Reader.Read(p)
}

func (f *s3File) Close() error { return nil }

type objectInfo struct {
	name    string
	size    int64
	modTime time.Time
}

func (i objectInfo) Name() string       { return i.name }
func (i objectInfo) Size() int64        { return i.size }
func (i objectInfo) Mode() fs.FileMode  { return 0o444 }
func (i objectInfo) ModTime() time.Time { return i.modTime }
func (i objectInfo) IsDir() bool        { return false }
func (i objectInfo) Sys() any           { return nil }

type dirInfo struct{}

func (dirInfo) Name() string       { return "." }
func (dirInfo) Size() int64        { return 0 }
func (dirInfo) Mode() fs.FileMode  { return fs.ModeDir | 0o555 }
func (dirInfo) ModTime() time.Time { return time.Time{} }
func (dirInfo) IsDir() bool        { return true }
func (dirInfo) Sys() any           { return nil }
