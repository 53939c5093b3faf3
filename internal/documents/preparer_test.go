package documents

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai-review-orchestrator/internal/models"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 255, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type fakeS3 struct {
	objects map[string][]byte
	gotKey  string
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.gotKey = aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)
	body, ok := f.objects[f.gotKey]
	if !ok {
		return nil, os.ErrNotExist
	}
	return &s3.GetObjectOutput{
		Body:        io.NopCloser(bytes.NewReader(body)),
		ContentType: aws.String("application/pdf"),
	}, nil
}

func TestPrepare_ImageModeDownscales(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "p1"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "p1", "scan.png"), pngBytes(t, 40, 10), 0o644))

	p := NewPreparer(Options{Root: root, MaxEdge: 20})
	files, err := p.Prepare(context.Background(), []models.FileMetadata{
		{FileName: "scan.png", StoragePath: "p1/scan.png", ProcessMode: models.ProcessImage},
	})
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "image/jpeg", files[0].ContentType)
	assert.Equal(t, 1, files[0].Meta.ConvertedImageCount)

	out, _, err := image.Decode(bytes.NewReader(files[0].Content))
	require.NoError(t, err)
	assert.Equal(t, 20, out.Bounds().Dx())
	assert.Equal(t, 5, out.Bounds().Dy())
}

func TestPrepare_TextModeKeepsBytes(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("hello"), 0o644))

	p := NewPreparer(Options{Root: root})
	files, err := p.Prepare(context.Background(), []models.FileMetadata{
		{FileName: "notes.txt", StoragePath: "notes.txt", ProcessMode: models.ProcessText, MimeType: "text/plain"},
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), files[0].Content)
	assert.Equal(t, "text/plain", files[0].ContentType)
	assert.Equal(t, int64(5), files[0].Meta.SizeBytes)
	assert.Zero(t, files[0].Meta.ConvertedImageCount)
}

func TestPrepare_RejectsEscapingPath(t *testing.T) {
	root := t.TempDir()
	p := NewPreparer(Options{Root: filepath.Join(root, "docs")})
	require.NoError(t, os.WriteFile(filepath.Join(root, "secret.txt"), []byte("x"), 0o644))

	_, err := p.Prepare(context.Background(), []models.FileMetadata{
		{FileName: "secret.txt", StoragePath: "../secret.txt", ProcessMode: models.ProcessText},
	})
	assert.Error(t, err)
}

func TestPrepare_SizeLimit(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "big.txt"), bytes.Repeat([]byte("a"), 64), 0o644))

	p := NewPreparer(Options{Root: root, MaxBytes: 16})
	_, err := p.Prepare(context.Background(), []models.FileMetadata{
		{FileName: "big.txt", StoragePath: "big.txt", ProcessMode: models.ProcessText},
	})
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestPrepare_S3(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{"bucket/p1/spec.pdf": []byte("%PDF-1.7")}}
	p := NewPreparer(Options{S3: fake})

	files, err := p.Prepare(context.Background(), []models.FileMetadata{
		{FileName: "spec.pdf", StoragePath: "s3://bucket/p1/spec.pdf", ProcessMode: models.ProcessImage},
	})
	require.NoError(t, err)
	assert.Equal(t, "bucket/p1/spec.pdf", fake.gotKey)
	assert.Equal(t, "application/pdf", files[0].ContentType)
	assert.Equal(t, []byte("%PDF-1.7"), files[0].Content, "non-image files pass through in image mode")

	_, err = NewPreparer(Options{}).Prepare(context.Background(), []models.FileMetadata{
		{FileName: "spec.pdf", StoragePath: "s3://bucket/p1/spec.pdf", ProcessMode: models.ProcessText},
	})
	assert.Error(t, err, "s3 location without a client")
}

func TestPrepare_HTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/doc.md" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/markdown")
		_, _ = w.Write([]byte("# title"))
	}))
	defer srv.Close()

	p := NewPreparer(Options{})
	files, err := p.Prepare(context.Background(), []models.FileMetadata{
		{FileName: "doc.md", StoragePath: srv.URL + "/doc.md", ProcessMode: models.ProcessText},
	})
	require.NoError(t, err)
	assert.Equal(t, "text/markdown", files[0].ContentType)

	_, err = p.Prepare(context.Background(), []models.FileMetadata{
		{FileName: "gone.md", StoragePath: srv.URL + "/gone.md", ProcessMode: models.ProcessText},
	})
	assert.Error(t, err)
}

func TestParseS3(t *testing.T) {
	bucket, key, err := parseS3("s3://b/dir/file.pdf")
	require.NoError(t, err)
	assert.Equal(t, "b", bucket)
	assert.Equal(t, "dir/file.pdf", key)

	_, _, err = parseS3("s3://only-bucket")
	assert.Error(t, err)
}
