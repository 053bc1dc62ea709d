package prepare

import (
	"context"
	"errors"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/glog"

	"tilebridge/internal/async"
	"tilebridge/internal/bundle"
	"tilebridge/internal/engine"
	"tilebridge/internal/raster"
)

// TextureCache hands out reference-counted overlay textures.
type TextureCache interface {
	Acquire(img *raster.Image) (*raster.Texture, error)
}

// PrepareRasterInLoadThread decodes an overlay image and its mipmaps off the main thread.
func (p *Preparer) PrepareRasterInLoadThread(ctx context.Context, key string, data []byte) *async.Future[*raster.Image] {
	return async.Run(p.loader, func() (*raster.Image, error) {
		defer p.tracker.Track("prepare.PrepareRasterInLoadThread")()
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return raster.Decode(key, data)
	})
}

// PrepareRasterInMainThread creates or shares the host texture for img and
// takes one reference on it.
func (p *Preparer) PrepareRasterInMainThread(img *raster.Image) (*raster.Texture, error) {
	if img == nil {
		return nil, nil
	}
	if p.textures == nil {
		return nil, errNoTextureCache
	}
	return p.textures.Acquire(img)
}

// FreeRaster drops the reference taken by PrepareRasterInMainThread.
func (p *Preparer) FreeRaster(img *raster.Image, tex *raster.Texture) {
	if tex != nil {
		tex.Release()
	}
}

// AttachRasterInMainThread binds tex as overlay overlayID on every surface
// that carries that overlay's uv set. Surfaces without it are left alone.
// Each bound surface holds its own texture reference.
func (p *Preparer) AttachRasterInMainThread(tile engine.Tile, overlayID int, tex *raster.Texture, translation, scale mgl64.Vec2) {
	b := bundleOf(tile)
	if b == nil || tex == nil {
		return
	}
	uvScale := mgl32.Vec3{float32(scale.X()), float32(-scale.Y()), 1}
	uvOffset := mgl32.Vec3{float32(translation.X()), float32(1 - translation.Y()), 0}
	bound := 0
	for _, s := range b.Surfaces {
		ch, ok := s.OverlayUVSets[overlayID]
		if !ok || s.Material == nil {
			continue
		}
		if s.Material.Overlays == nil {
			s.Material.Overlays = make(map[int]*bundle.OverlayBinding)
		}
		old := s.Material.Overlays[overlayID]
		if old == nil || old.Texture != tex {
			tex.Retain()
			if old != nil && old.Texture != nil {
				old.Texture.Release()
			}
		}
		s.Material.Overlays[overlayID] = &bundle.OverlayBinding{
			Texture: tex,
			UVSet:   ch,
			Scale:   uvScale,
			Offset:  uvOffset,
		}
		bound++
	}
	glog.V(2).Infof("bundle %s: overlay %d bound on %d/%d surfaces", b.Name, overlayID, bound, len(b.Surfaces))
}

// DetachRasterInMainThread removes overlay overlayID from the tile's surfaces.
// A nil tex detaches whatever texture is bound.
func (p *Preparer) DetachRasterInMainThread(tile engine.Tile, overlayID int, tex *raster.Texture) {
	b := bundleOf(tile)
	if b == nil {
		return
	}
	for _, s := range b.Surfaces {
		if s.Material == nil {
			continue
		}
		ov, ok := s.Material.Overlays[overlayID]
		if !ok || (tex != nil && ov.Texture != tex) {
			continue
		}
		if ov.Texture != nil {
			ov.Texture.Release()
		}
		delete(s.Material.Overlays, overlayID)
	}
}

var errNoTextureCache = errors.New("prepare: no texture cache configured")
