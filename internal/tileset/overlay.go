package tileset

import (
	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/glog"

	"tilebridge/internal/assets"
	"tilebridge/internal/async"
	"tilebridge/internal/raster"
)

// OverlaySource is a single image draped over tiles whose surfaces carry the
// matching _CESIUMOVERLAY_<Index> coordinates.
type OverlaySource struct {
	Index   int
	URL     string
	Headers map[string]string
	// Rectangle is the west/south/east/north extent of the image in radians.
	// A zero rectangle stretches the whole image over every tile.
	Rectangle [4]float64
}

type overlay struct {
	src     OverlaySource
	pending *async.Future[*raster.Image]
	img     *raster.Image
	tex     *raster.Texture
	failed  bool
}

func (o *overlay) ready() bool { return o.tex != nil }

// Overlays reports how many overlay layers are draped and how many failed to load.
func (ts *Tileset) Overlays() (ready, failed int) {
	for _, o := range ts.overlays {
		switch {
		case o.ready():
			ready++
		case o.failed:
			failed++
		}
	}
	return ready, failed
}

func (ts *Tileset) startOverlays(sources []OverlaySource) {
	for _, src := range sources {
		o := &overlay{src: src}
		key := src.URL
		o.pending = async.Chain(ts.accessor.Get(ts.ctx, src.URL, src.Headers), func(r *assets.Response) *async.Future[*raster.Image] {
			return ts.preparer.PrepareRasterInLoadThread(ts.ctx, key, r.Data)
		})
		ts.overlays = append(ts.overlays, o)
	}
}

// pollOverlays uploads overlay images that finished decoding and drapes them
// over the tiles already resident.
func (ts *Tileset) pollOverlays() {
	for _, o := range ts.overlays {
		if o.pending == nil {
			continue
		}
		img, err, ok := o.pending.Poll()
		if !ok {
			continue
		}
		o.pending = nil
		if err == nil {
			o.img = img
			o.tex, err = ts.preparer.PrepareRasterInMainThread(img)
		}
		if err != nil || o.tex == nil {
			o.failed = true
			glog.Errorf("overlay %d (%s): %v", o.src.Index, o.src.URL, err)
			continue
		}
		glog.Infof("overlay %d (%s): %dx%d", o.src.Index, o.src.URL, o.img.Width(), o.img.Height())
		for t := range ts.resident {
			ts.attachOverlay(t, o)
		}
	}
}

func (ts *Tileset) attachOverlays(t *Tile) {
	for _, o := range ts.overlays {
		if o.ready() {
			ts.attachOverlay(t, o)
		}
	}
}

func (ts *Tileset) attachOverlay(t *Tile, o *overlay) {
	translation, scale := overlayPlacement(t.rectangle, o.src.Rectangle)
	ts.preparer.AttachRasterInMainThread(t, o.src.Index, o.tex, translation, scale)
}

func (ts *Tileset) detachOverlays(t *Tile) {
	for _, o := range ts.overlays {
		if o.ready() {
			ts.preparer.DetachRasterInMainThread(t, o.src.Index, o.tex)
		}
	}
}

func (ts *Tileset) freeOverlays() {
	for _, o := range ts.overlays {
		if o.ready() {
			ts.preparer.FreeRaster(o.img, o.tex)
		}
		o.pending, o.img, o.tex = nil, nil, nil
	}
}

// overlayPlacement maps a tile's rectangle into the image rectangle. Tiles
// without a geographic rectangle, or images without one, use the whole image.
func overlayPlacement(tile *[4]float64, image [4]float64) (translation, scale mgl64.Vec2) {
	w, h := image[2]-image[0], image[3]-image[1]
	if tile == nil || w <= 0 || h <= 0 {
		return mgl64.Vec2{0, 0}, mgl64.Vec2{1, 1}
	}
	translation = mgl64.Vec2{(tile[0] - image[0]) / w, (tile[1] - image[1]) / h}
	scale = mgl64.Vec2{(tile[2] - tile[0]) / w, (tile[3] - tile[1]) / h}
	return translation, scale
}
