package raster

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var ErrEmptyImage = errors.New("raster: empty image")

// Image is a decoded overlay image with its full mip chain.
// Levels[0] is the base level; each following level halves both dimensions.
type Image struct {
	Key    string
	Levels []*image.RGBA
}

func (im *Image) Width() int  { return im.Levels[0].Rect.Dx() }
func (im *Image) Height() int { return im.Levels[0].Rect.Dy() }

// Decode decodes png, jpeg, webp, bmp or tiff data and builds mipmaps.
func Decode(key string, data []byte) (*Image, error) {
	if len(data) == 0 {
		return nil, ErrEmptyImage
	}
	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("raster %s: %w", key, err)
	}
	base := ToRGBA(src)
	if base.Rect.Empty() {
		return nil, fmt.Errorf("raster %s (%s): %w", key, format, ErrEmptyImage)
	}
	return &Image{Key: key, Levels: GenerateMipmaps(base)}, nil
}

// FromRGBA wraps already decoded pixels.
func FromRGBA(key string, w, h int, pix []byte) (*Image, error) {
	if w <= 0 || h <= 0 || len(pix) < w*h*4 {
		return nil, fmt.Errorf("raster %s: %w", key, ErrEmptyImage)
	}
	base := &image.RGBA{Pix: pix, Stride: w * 4, Rect: image.Rect(0, 0, w, h)}
	return &Image{Key: key, Levels: GenerateMipmaps(base)}, nil
}

// ToRGBA converts img to RGBA with its origin at (0,0).
func ToRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// GenerateMipmaps returns base followed by successively halved levels down to 1x1.
func GenerateMipmaps(base *image.RGBA) []*image.RGBA {
	levels := []*image.RGBA{base}
	cur := base
	for cur.Rect.Dx() > 1 || cur.Rect.Dy() > 1 {
		w := max(1, cur.Rect.Dx()/2)
		h := max(1, cur.Rect.Dy()/2)
		next := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.BiLinear.Scale(next, next.Rect, cur, cur.Rect, draw.Src, nil)
		levels = append(levels, next)
		cur = next
	}
	return levels
}
