package documents

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

var ErrTooLarge = errors.New("document exceeds size limit")

// fetcher reads one stored document. contentType may be empty.
type fetcher interface {
	Fetch(ctx context.Context, location string, limit int64) (body []byte, contentType string, err error)
}

// S3Options configures the S3 client; Endpoint supports MinIO and other
// S3-compatible stores.
type S3Options struct {
	Region    string
	Endpoint  string
	PathStyle bool
}

// NewS3Client loads the default AWS credential chain.
func NewS3Client(ctx context.Context, opts S3Options) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(opts.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.PathStyle
	}), nil
}

// ObjectGetter is the subset of *s3.Client used for reads.
type ObjectGetter interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type s3Fetcher struct {
	client ObjectGetter
}

func (f *s3Fetcher) Fetch(ctx context.Context, location string, limit int64) ([]byte, string, error) {
	bucket, key, err := parseS3(location)
	if err != nil {
		return nil, "", err
	}
	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, "", fmt.Errorf("get object %s: %w", location, err)
	}
	defer out.Body.Close()
	body, err := readLimited(out.Body, limit)
	if err != nil {
		return nil, "", fmt.Errorf("read %s: %w", location, err)
	}
	return body, aws.ToString(out.ContentType), nil
}

func parseS3(location string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(location, "s3://")
	if !ok {
		return "", "", fmt.Errorf("not an s3 location: %q", location)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("s3 location needs bucket and key: %q", location)
	}
	return bucket, key, nil
}

type httpFetcher struct {
	client *http.Client
}

func (f *httpFetcher) Fetch(ctx context.Context, location string, limit int64) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("download document: status %d", resp.StatusCode)
	}
	body, err := readLimited(resp.Body, limit)
	if err != nil {
		return nil, "", err
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// localFetcher reads paths relative to root and refuses to leave it.
type localFetcher struct {
	root string
}

func (f *localFetcher) Fetch(_ context.Context, location string, limit int64) ([]byte, string, error) {
	path, err := f.resolve(location)
	if err != nil {
		return nil, "", err
	}
	in, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, "", fmt.Errorf("document missing: %w", err)
		}
		return nil, "", fmt.Errorf("open document: %w", err)
	}
	defer in.Close()
	body, err := readLimited(in, limit)
	if err != nil {
		return nil, "", err
	}
	return body, "", nil
}

func (f *localFetcher) resolve(location string) (string, error) {
	clean := filepath.Clean("/" + location)
	path := filepath.Join(f.root, clean)
	rel, err := filepath.Rel(f.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes document root", location)
	}
	return path, nil
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("%w (>%d bytes)", ErrTooLarge, limit)
	}
	return body, nil
}
