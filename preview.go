package mbest

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/nfnt/resize"
)

// DefaultThumbnailEdge bounds both thumbnail dimensions, in pixels.
const DefaultThumbnailEdge = 160

// PreviewKind says how an attachment preview renders.
type PreviewKind string

const (
	PreviewThumbnail PreviewKind = "thumbnail"
	PreviewIcon      PreviewKind = "icon"
)

// Preview is a displayable form of a locally selected file.
type Preview struct {
	Kind      PreviewKind
	Name      string
	MimeType  string
	Size      int64
	SizeLabel string

	// Thumbnail is a PNG, set when Kind is PreviewThumbnail.
	Thumbnail []byte
	Width     int
	Height    int

	// Icon is a generic icon key, set when Kind is PreviewIcon.
	Icon string

	Blob *LocalBlob
}

// Release revokes the blob backing the preview.
func (p Preview) Release() { p.Blob.Revoke() }

// PreviewBuilder turns local files into previews without network I/O.
type PreviewBuilder struct {
	blobs   *BlobRegistry
	maxEdge uint
}

func NewPreviewBuilder(blobs *BlobRegistry, maxEdge uint) *PreviewBuilder {
	if maxEdge == 0 {
		maxEdge = DefaultThumbnailEdge
	}
	return &PreviewBuilder{blobs: blobs, maxEdge: maxEdge}
}

// Build never fails: files whose image data cannot be decoded get an icon.
func (b *PreviewBuilder) Build(f LocalFile) Preview {
	mimeType := detectMimeType(f)
	p := Preview{
		Name:      f.Name,
		MimeType:  mimeType,
		Size:      int64(len(f.Data)),
		SizeLabel: humanize.Bytes(uint64(len(f.Data))),
		Blob:      b.blobs.Create(f.Data, mimeType),
	}
	if strings.HasPrefix(mimeType, "image/") {
		if thumb, w, h, err := b.thumbnail(f.Data); err == nil {
			p.Kind = PreviewThumbnail
			p.Thumbnail = thumb
			p.Width, p.Height = w, h
			return p
		}
	}
	p.Kind = PreviewIcon
	p.Icon = iconFor(mimeType)
	return p
}

func (b *PreviewBuilder) thumbnail(data []byte) ([]byte, int, int, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, 0, 0, err
	}
	thumb := resize.Thumbnail(b.maxEdge, b.maxEdge, img, resize.Lanczos3)
	var buf bytes.Buffer
	if err := png.Encode(&buf, thumb); err != nil {
		return nil, 0, 0, err
	}
	bounds := thumb.Bounds()
	return buf.Bytes(), bounds.Dx(), bounds.Dy(), nil
}

// LoadLocalFile reads path into a LocalFile.
func LoadLocalFile(path string) (LocalFile, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return LocalFile{}, fmt.Errorf("expand home: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return LocalFile{}, fmt.Errorf("read file: %w", err)
	}
	name := filepath.Base(path)
	return LocalFile{Name: name, MimeType: guessMimeType(name), Data: data}, nil
}

func detectMimeType(f LocalFile) string {
	if f.MimeType != "" && f.MimeType != "application/octet-stream" {
		return f.MimeType
	}
	if t := guessMimeType(f.Name); t != "application/octet-stream" {
		return t
	}
	if len(f.Data) > 0 {
		t := http.DetectContentType(f.Data)
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}

// guessMimeType returns MIME type from file extension.
func guessMimeType(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == "" {
		return "application/octet-stream"
	}
	// Not in every platform's builtin registry.
	fallback := map[string]string{
		".md": "text/markdown", ".csv": "text/csv", ".webp": "image/webp",
		".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	}
	if m, ok := fallback[ext]; ok {
		return m
	}
	t := mime.TypeByExtension(ext)
	if t != "" {
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}

func iconFor(mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return "image"
	case strings.HasPrefix(mimeType, "audio/"):
		return "audio"
	case strings.HasPrefix(mimeType, "video/"):
		return "video"
	case mimeType == "application/pdf":
		return "pdf"
	case strings.Contains(mimeType, "spreadsheet"), strings.Contains(mimeType, "excel"), mimeType == "text/csv":
		return "spreadsheet"
	case strings.Contains(mimeType, "word"), strings.Contains(mimeType, "document"), strings.HasPrefix(mimeType, "text/"):
		return "document"
	case strings.Contains(mimeType, "zip"), strings.Contains(mimeType, "tar"), strings.Contains(mimeType, "compressed"):
		return "archive"
	}
	return "file"
}
