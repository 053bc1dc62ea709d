package glscene

import (
	"fmt"
	"image"

	"github.com/go-gl/gl/v4.1-core/gl"

	"tilebridge/internal/bundle"
	"tilebridge/internal/raster"
)

// Textures uploads decoded images as mipmapped 2D textures. It implements
// raster.Uploader and must only be used on the GL thread.
type Textures struct{}

var _ raster.Uploader = Textures{}

func (Textures) Upload(img *raster.Image) (uint32, error) {
	if img == nil || len(img.Levels) == 0 {
		return 0, fmt.Errorf("upload: %w", raster.ErrEmptyImage)
	}
	return uploadLevels(img.Levels, gl.CLAMP_TO_EDGE), nil
}

func (Textures) Delete(hostID uint32) {
	if hostID != 0 {
		gl.DeleteTextures(1, &hostID)
	}
}

// uploadAlbedo uploads an embedded tile texture with repeat wrapping.
func uploadAlbedo(name string, t *bundle.Texture) (uint32, error) {
	img, err := raster.FromRGBA(name, t.Width, t.Height, t.Pixels)
	if err != nil {
		return 0, err
	}
	return uploadLevels(img.Levels, gl.REPEAT), nil
}

func uploadLevels(levels []*image.RGBA, wrap int32) uint32 {
	var texture uint32
	gl.GenTextures(1, &texture)
	gl.BindTexture(gl.TEXTURE_2D, texture)

	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_WRAP_S, wrap)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_WRAP_T, wrap)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MIN_FILTER, gl.LINEAR_MIPMAP_LINEAR)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MAG_FILTER, gl.LINEAR)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MAX_LEVEL, int32(len(levels)-1))

	gl.PixelStorei(gl.UNPACK_ALIGNMENT, 1)
	for level, rgba := range levels {
		size := rgba.Rect.Size()
		gl.TexImage2D(
			gl.TEXTURE_2D,
			int32(level),
			gl.RGBA,
			int32(size.X),
			int32(size.Y),
			0,
			gl.RGBA,
			gl.UNSIGNED_BYTE,
			gl.Ptr(rgba.Pix),
		)
	}

	gl.BindTexture(gl.TEXTURE_2D, 0)
	return texture
}
