// Package decode turns raw tile bytes into RGBA pixels.
package decode

import (
	"bytes"
	"context"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"gigamap/internal/tile"
)

type Decoder interface {
	Decode(ctx context.Context, key tile.Key, data []byte) (*image.RGBA, error)
}

// ImageDecoder decodes PNG, JPEG, GIF, WebP, BMP and TIFF tiles. Tiles whose
// size differs from TileSize are resampled; a TileSize of zero keeps the
// source size.
type ImageDecoder struct {
	TileSize int
}

func NewImageDecoder(tileSize int) *ImageDecoder {
	return &ImageDecoder{TileSize: tileSize}
}

func (d *ImageDecoder) Decode(ctx context.Context, key tile.Key, data []byte) (*image.RGBA, error) {
	if len(data) == 0 {
		return nil, tile.Errorf(tile.DecodeError, key, "empty tile body")
	}
	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &tile.Error{Kind: tile.DecodeError, Key: key, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, &tile.Error{Kind: tile.Cancelled, Key: key, Err: err}
	}

	b := src.Bounds()
	if b.Empty() {
		return nil, tile.Errorf(tile.DecodeError, key, "%s image has no pixels", format)
	}

	size := d.TileSize
	if size <= 0 || (b.Dx() == size && b.Dy() == size) {
		if rgba, ok := src.(*image.RGBA); ok && b.Min == (image.Point{}) {
			return rgba, nil
		}
		dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
		return dst, nil
	}

	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst, nil
}

// SizeOf estimates the resident size of decoded pixels.
func SizeOf(img *image.RGBA) int64 {
	if img == nil {
		return 0
	}
	return int64(len(img.Pix))
}
