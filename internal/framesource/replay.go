package framesource

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	xdraw "golang.org/x/image/draw"

	// decoders registered with image.Decode
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/hG3n/ar-core-marker-detection/internal/marker"
)

var replayExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true,
	".bmp": true, ".tif": true, ".tiff": true, ".webp": true,
}

// ReplayConfig configures a ReplaySource.
type ReplayConfig struct {
	// Dir holds the images, replayed in lexical order.
	Dir string
	// Width and Height of the published planes. Zero keeps each image's size.
	Width  int
	Height int
	FPS    float64
	// Loop restarts from the first image after the last one.
	Loop   bool
	Logger *slog.Logger
}

// ReplaySource publishes a directory of still images as luma frames at a
// fixed rate. It stands in for a camera on desktops and in tests.
//
// Images are decoded and converted once in NewReplaySource; each tick copies
// a prepared plane so published frames never share memory.
type ReplaySource struct {
	cfg     ReplayConfig
	mailbox *Mailbox
	logger  *slog.Logger
	planes  []marker.ImagePlane

	next      int
	published atomic.Uint64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewReplaySource loads and converts every supported image in cfg.Dir.
func NewReplaySource(cfg ReplayConfig, mailbox *Mailbox) (*ReplaySource, error) {
	if mailbox == nil {
		return nil, fmt.Errorf("frame source: mailbox is required")
	}
	if cfg.FPS <= 0 {
		return nil, fmt.Errorf("frame source: invalid FPS %.2f", cfg.FPS)
	}
	if cfg.Width < 0 || cfg.Height < 0 {
		return nil, fmt.Errorf("frame source: invalid resolution %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	paths, err := listImages(cfg.Dir)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("frame source: no images in %s", cfg.Dir)
	}

	planes := make([]marker.ImagePlane, 0, len(paths))
	for _, p := range paths {
		img, err := decodeFile(p)
		if err != nil {
			return nil, err
		}
		planes = append(planes, lumaFromImage(img, cfg.Width, cfg.Height))
	}

	cfg.Logger.Info("frame source: replay loaded", "dir", cfg.Dir, "images", len(planes), "fps", cfg.FPS)

	return &ReplaySource{cfg: cfg, mailbox: mailbox, logger: cfg.Logger, planes: planes}, nil
}

// Start publishes one frame per tick until ctx ends, Stop is called or the
// images run out (when not looping).
func (r *ReplaySource) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return fmt.Errorf("frame source: already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(time.Duration(float64(time.Second) / r.cfg.FPS))
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if !r.Step() {
					r.logger.Info("frame source: replay finished", "frames", r.published.Load())
					return
				}
			}
		}
	}()
	return nil
}

// Step publishes the next frame. It reports false once the images are
// exhausted and Loop is off. Not safe for concurrent use with itself.
func (r *ReplaySource) Step() bool {
	if r.next >= len(r.planes) {
		if !r.cfg.Loop {
			return false
		}
		r.next = 0
	}
	src := r.planes[r.next]
	r.next++

	plane := src
	plane.Data = append([]byte(nil), src.Data...)
	plane.Timestamp = time.Now()
	plane.TraceID = uuid.New().String()

	r.mailbox.Publish(plane)
	r.published.Add(1)
	return true
}

// Stop halts replay. Idempotent.
func (r *ReplaySource) Stop() error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel = nil
	r.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// Stats returns a snapshot of the counters.
func (r *ReplaySource) Stats() SourceStats {
	r.mu.Lock()
	running := r.cancel != nil
	r.mu.Unlock()
	return SourceStats{Frames: r.published.Load(), Connected: running}
}

func listImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("frame source: read replay dir: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !replayExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("frame source: open %s: %w", path, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("frame source: decode %s: %w", path, err)
	}
	return img, nil
}

// lumaFromImage converts img to an 8-bit luma plane, scaling to width x
// height when both are set. Row stride equals the width.
func lumaFromImage(img image.Image, width, height int) marker.ImagePlane {
	b := img.Bounds()
	if width == 0 || height == 0 {
		width, height = b.Dx(), b.Dy()
	}

	gray := image.NewGray(image.Rect(0, 0, width, height))
	if width == b.Dx() && height == b.Dy() {
		xdraw.Draw(gray, gray.Bounds(), img, b.Min, xdraw.Src)
	} else {
		xdraw.ApproxBiLinear.Scale(gray, gray.Bounds(), img, b, xdraw.Src, nil)
	}

	return marker.ImagePlane{
		Width:       width,
		Height:      height,
		RowStride:   gray.Stride,
		PixelStride: 1,
		Data:        gray.Pix,
	}
}
