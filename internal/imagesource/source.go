package imagesource

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/cshum/vipsgen/vips"
	"go.uber.org/zap"

	"gigamap/internal/tile"
)

// Source renders JPEG tiles of one catalogued image on demand.
// libvips must be started by the host before Fetch is called.
type Source struct {
	img     Image
	path    string
	maxZoom int
	logger  *zap.Logger
}

func NewSource(c *Catalog, id string) (*Source, error) {
	img, ok := c.Get(id)
	if !ok {
		return nil, fmt.Errorf("image not found: %s", id)
	}
	return &Source{
		img:     img,
		path:    c.FilePath(id),
		maxZoom: MaxZoom(img.Width, img.Height),
		logger:  c.logger,
	}, nil
}

func (s *Source) Image() Image { return s.img }

func (s *Source) MaxZoom() int { return s.maxZoom }

func (s *Source) Fetch(ctx context.Context, key tile.Key) ([]byte, error) {
	if key.Zoom > s.maxZoom {
		return nil, tile.Errorf(tile.InvalidKey, key, "zoom level %d exceeds max zoom %d", key.Zoom, s.maxZoom)
	}
	area, ok := TileArea(s.img.Width, s.img.Height, key.Zoom, key.X, key.Y, s.maxZoom)
	if !ok {
		return nil, tile.Errorf(tile.InvalidKey, key, "tile outside image bounds")
	}
	if err := ctx.Err(); err != nil {
		return nil, &tile.Error{Kind: tile.Cancelled, Key: key, Err: err}
	}

	data, err := s.render(area, key.Zoom)
	if err != nil {
		return nil, &tile.Error{Kind: tile.DecodeError, Key: key, Err: err}
	}
	s.logger.Debug("Rendered image tile",
		zap.String("image", s.img.ID),
		zap.Int("z", key.Zoom), zap.Int("x", key.X), zap.Int("y", key.Y),
		zap.Int("bytes", len(data)))
	return data, nil
}

func (s *Source) render(area Area, z int) ([]byte, error) {
	image, err := loadImage(s.path, false)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer image.Close()

	// Only the requested region is decoded.
	if err := image.ExtractArea(area.Left, area.Top, area.Width, area.Height); err != nil {
		return nil, fmt.Errorf("failed to extract area: %w", err)
	}

	// Same scale for every tile of a level, so edge tiles line up.
	resizeOpts := vips.DefaultResizeOptions()
	resizeOpts.Kernel = vips.KernelLanczos3
	if err := image.Resize(TileSize/PixelsPerTile(z, s.maxZoom), resizeOpts); err != nil {
		return nil, fmt.Errorf("failed to resize: %w", err)
	}

	// Edge tiles are padded from the top-left corner.
	if image.Width() < TileSize || image.Height() < TileSize {
		embedOpts := vips.DefaultEmbedOptions()
		embedOpts.Extend = vips.ExtendBackground
		embedOpts.Background = []float64{221, 221, 221} // #ddd
		if err := image.Embed(0, 0, TileSize, TileSize, embedOpts); err != nil {
			return nil, fmt.Errorf("failed to pad: %w", err)
		}
	}

	jpegOpts := vips.DefaultJpegsaveBufferOptions()
	jpegOpts.Q = 82
	jpegOpts.Interlace = false
	data, err := image.JpegsaveBuffer(jpegOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to export: %w", err)
	}
	return data, nil
}

func vipsDims(path string) (int, int, error) {
	image, err := loadImage(path, true)
	if err != nil {
		return 0, 0, err
	}
	defer image.Close()
	return image.Width(), image.Height(), nil
}

// loadImage opens path for random access, or sequential access when only the
// header is needed.
func loadImage(path string, sequential bool) (*vips.Image, error) {
	access := vips.AccessRandom
	if sequential {
		access = vips.AccessSequential
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".tif", ".tiff":
		opts := vips.DefaultTiffloadOptions()
		opts.Access = access
		return vips.NewTiffload(path, opts)
	case ".jpg", ".jpeg":
		opts := vips.DefaultJpegloadOptions()
		opts.Access = access
		return vips.NewJpegload(path, opts)
	case ".png":
		opts := vips.DefaultPngloadOptions()
		opts.Access = access
		return vips.NewPngload(path, opts)
	case ".webp":
		opts := vips.DefaultWebploadOptions()
		opts.Access = access
		return vips.NewWebpload(path, opts)
	default:
		return nil, fmt.Errorf("unsupported image format: %s", ext)
	}
}
