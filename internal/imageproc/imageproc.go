// Package imageproc downloads a remote image and normalizes it to the
// canonical stored form: a square JPEG with the source centered on a
// white letterbox.
package imageproc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"io"
	"net/http"
	"time"

	// Registered decoders for the formats stores actually serve.
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	"github.com/google/uuid"
	xdraw "golang.org/x/image/draw"
)

const maxDownloadBytes = 20 << 20

// BlobStore is the subset of the blob repository the processor needs.
type BlobStore interface {
	Save(ctx context.Context, ownerID uuid.UUID, recordType, contentType string, data []byte, metadata json.RawMessage) (int64, error)
}

type Processor struct {
	blobs  BlobStore
	client *http.Client
	size   int
}

func New(blobs BlobStore, size int) *Processor {
	if size <= 0 {
		size = 512
	}
	return &Processor{
		blobs:  blobs,
		client: &http.Client{Timeout: 20 * time.Second},
		size:   size,
	}
}

// DownloadAndStore fetches url, letterboxes it to a size×size JPEG
// and stores the bytes. Callers treat any error here as non-fatal to
// the owning job.
func (p *Processor) DownloadAndStore(ctx context.Context, url string, ownerID uuid.UUID, recordType string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("download image: status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes))
	if err != nil {
		return 0, fmt.Errorf("read image body: %w", err)
	}

	normalized, err := Letterbox(raw, p.size)
	if err != nil {
		return 0, err
	}

	meta, _ := json.Marshal(map[string]any{
		"sourceUrl": url,
		"size":      p.size,
	})
	id, err := p.blobs.Save(ctx, ownerID, recordType, "image/jpeg", normalized, meta)
	if err != nil {
		return 0, fmt.Errorf("store image: %w", err)
	}
	return id, nil
}

// Letterbox decodes raw and re-encodes it as a size×size JPEG: the
// image is scaled to fit and centered on a white background.
func Letterbox(raw []byte, size int) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("decode image: empty dimensions")
	}

	scale := float64(size) / float64(w)
	if sh := float64(size) / float64(h); sh < scale {
		scale = sh
	}
	if scale > 1 {
		scale = 1 // never upscale
	}
	dw := int(float64(w) * scale)
	dh := int(float64(h) * scale)

	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)

	offset := image.Pt((size-dw)/2, (size-dh)/2)
	target := image.Rectangle{Min: offset, Max: offset.Add(image.Pt(dw, dh))}
	xdraw.CatmullRom.Scale(dst, target, src, bounds, xdraw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 85}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
