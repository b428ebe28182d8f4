package framesource

import (
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"sync/atomic"

	"golang.org/x/image/tiff"

	"github.com/hG3n/ar-core-marker-detection/internal/marker"
)

// Recorder writes luma planes to disk as grayscale images. A recorded
// directory replays with ReplaySource: file names sort in capture order.
//
// Thread-safe: Save may be called from multiple goroutines.
type Recorder struct {
	dir         string
	format      string
	jpegQuality int

	saved  atomic.Uint64
	failed atomic.Uint64
}

// NewRecorder creates dir if needed. format is "png", "jpeg" or "tiff";
// jpegQuality (1-100) only applies to jpeg.
func NewRecorder(dir, format string, jpegQuality int) (*Recorder, error) {
	switch format {
	case "png", "jpeg", "tiff":
	default:
		return nil, fmt.Errorf("unsupported format: %s (must be png, jpeg or tiff)", format)
	}
	if jpegQuality < 1 || jpegQuality > 100 {
		jpegQuality = jpeg.DefaultQuality
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &Recorder{dir: dir, format: format, jpegQuality: jpegQuality}, nil
}

// Save writes plane as frame_{seq:08d}.{ext} and returns the path.
func (r *Recorder) Save(plane marker.ImagePlane) (string, error) {
	img, err := grayFromPlane(plane)
	if err != nil {
		r.failed.Add(1)
		return "", err
	}

	ext := r.format
	if ext == "jpeg" {
		ext = "jpg"
	}
	path := filepath.Join(r.dir, fmt.Sprintf("frame_%08d.%s", plane.Seq, ext))

	f, err := os.Create(path)
	if err != nil {
		r.failed.Add(1)
		return "", fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()

	switch r.format {
	case "png":
		err = png.Encode(f, img)
	case "jpeg":
		err = jpeg.Encode(f, img, &jpeg.Options{Quality: r.jpegQuality})
	case "tiff":
		err = tiff.Encode(f, img, &tiff.Options{Compression: tiff.Deflate})
	}
	if err != nil {
		r.failed.Add(1)
		return "", fmt.Errorf("%s encode failed: %w", r.format, err)
	}

	r.saved.Add(1)
	return path, nil
}

// Stats returns current save statistics.
func (r *Recorder) Stats() (saved, failed uint64) {
	return r.saved.Load(), r.failed.Load()
}

// grayFromPlane drops the row padding of a luma plane.
func grayFromPlane(plane marker.ImagePlane) (*image.Gray, error) {
	if plane.Width <= 0 || plane.Height <= 0 {
		return nil, fmt.Errorf("invalid plane size %dx%d", plane.Width, plane.Height)
	}
	pixelStride := plane.PixelStride
	if pixelStride == 0 {
		pixelStride = 1
	}
	if plane.RowStride < plane.Width*pixelStride || len(plane.Data) < plane.LumaLength() {
		return nil, fmt.Errorf("luma buffer too short: %d bytes for %dx%d stride %d",
			len(plane.Data), plane.Width, plane.Height, plane.RowStride)
	}

	img := image.NewGray(image.Rect(0, 0, plane.Width, plane.Height))
	for y := 0; y < plane.Height; y++ {
		row := plane.Data[y*plane.RowStride:]
		dst := img.Pix[y*img.Stride : y*img.Stride+plane.Width]
		if pixelStride == 1 {
			copy(dst, row[:plane.Width])
			continue
		}
		for x := range dst {
			dst[x] = row[x*pixelStride]
		}
	}
	return img, nil
}
