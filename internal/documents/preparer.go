// Package documents loads the files attached to a task and normalizes images
// before they are handed to the workflow runner.
package documents

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"ai-review-orchestrator/internal/models"
)

// PreparedFile is a document ready for the runner.
type PreparedFile struct {
	Meta        models.FileMetadata `json:"meta"`
	ContentType string              `json:"content_type"`
	Content     []byte              `json:"content"`
}

type Options struct {
	Root     string
	MaxBytes int64
	// MaxEdge bounds the longer side of images prepared in image mode.
	MaxEdge int
	// S3 is optional; s3:// locations fail without it.
	S3          ObjectGetter
	HTTPTimeout time.Duration
	Logger      *slog.Logger
}

// Preparer fetches task files from S3, HTTP or the local document root.
type Preparer struct {
	local    fetcher
	s3       fetcher
	web      fetcher
	maxBytes int64
	maxEdge  int
	logger   *slog.Logger
}

func NewPreparer(opts Options) *Preparer {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 50 * 1024 * 1024
	}
	if opts.MaxEdge <= 0 {
		opts.MaxEdge = 2048
	}
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	p := &Preparer{
		local:    &localFetcher{root: opts.Root},
		web:      &httpFetcher{client: &http.Client{Timeout: opts.HTTPTimeout}},
		maxBytes: opts.MaxBytes,
		maxEdge:  opts.MaxEdge,
		logger:   opts.Logger,
	}
	if opts.S3 != nil {
		p.s3 = &s3Fetcher{client: opts.S3}
	}
	return p
}

// Prepare loads every file in order. Any failure fails the whole set since
// the runner cannot review a partial document.
func (p *Preparer) Prepare(ctx context.Context, files []models.FileMetadata) ([]PreparedFile, error) {
	out := make([]PreparedFile, 0, len(files))
	for _, meta := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f, err := p.prepare(ctx, meta)
		if err != nil {
			return nil, fmt.Errorf("prepare %s: %w", meta.FileName, err)
		}
		out = append(out, f)
	}
	return out, nil
}

func (p *Preparer) prepare(ctx context.Context, meta models.FileMetadata) (PreparedFile, error) {
	src, err := p.pick(meta.StoragePath)
	if err != nil {
		return PreparedFile{}, err
	}
	body, contentType, err := src.Fetch(ctx, meta.StoragePath, p.maxBytes)
	if err != nil {
		return PreparedFile{}, err
	}
	if contentType == "" {
		contentType = meta.MimeType
	}
	if contentType == "" {
		contentType = http.DetectContentType(body)
	}
	f := PreparedFile{Meta: meta, ContentType: contentType, Content: body}
	f.Meta.SizeBytes = int64(len(body))

	if meta.ProcessMode == models.ProcessImage && isImage(contentType, meta.FileName) {
		converted, err := p.normalizeImage(body)
		if err != nil {
			return PreparedFile{}, err
		}
		f.Content = converted
		f.ContentType = "image/jpeg"
		f.Meta.ConvertedImageCount = 1
		p.logger.Debug("image normalized", "file", meta.FileName, "bytes_in", len(body), "bytes_out", len(converted))
	}
	return f, nil
}

func (p *Preparer) pick(location string) (fetcher, error) {
	switch {
	case strings.HasPrefix(location, "s3://"):
		if p.s3 == nil {
			return nil, fmt.Errorf("s3 location %q but no S3 client configured", location)
		}
		return p.s3, nil
	case strings.HasPrefix(location, "http://"), strings.HasPrefix(location, "https://"):
		return p.web, nil
	}
	return p.local, nil
}

// normalizeImage shrinks the image to fit maxEdge and re-encodes it as JPEG.
// Smaller images are re-encoded without resizing.
func (p *Preparer) normalizeImage(body []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, fmt.Errorf("invalid image dimensions %dx%d", b.Dx(), b.Dy())
	}
	if b.Dx() > p.maxEdge || b.Dy() > p.maxEdge {
		img = imaging.Fit(img, p.maxEdge, p.maxEdge, imaging.Lanczos)
	}
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	return buf.Bytes(), nil
}

func isImage(contentType, name string) bool {
	if strings.HasPrefix(strings.ToLower(contentType), "image/") {
		return true
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png", ".jpg", ".jpeg", ".gif":
		return true
	}
	return false
}
