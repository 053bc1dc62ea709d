// Package engine declares the contract between the tile-selection engine and
// the code that prepares and displays its tiles.
package engine

import (
	"context"
	"fmt"

	"github.com/go-gl/mathgl/mgl64"

	"tilebridge/internal/async"
	"tilebridge/internal/bundle"
	"tilebridge/internal/model"
	"tilebridge/internal/raster"
	"tilebridge/internal/tileid"
)

// LoadState is the engine's per-tile load state.
type LoadState uint8

const (
	Unloaded LoadState = iota
	Loading
	ContentLoaded
	Done
	Failed
)

func (s LoadState) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loading:
		return "loading"
	case ContentLoaded:
		return "content-loaded"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Content is a tile's render content once loading finished.
type Content struct {
	Model *model.Model
	// Resources is the result of the preparation phases.
	Resources bundle.Prepared
}

// Tile is owned by the engine and only referenced by callers.
type Tile interface {
	ID() tileid.ID
	State() LoadState
	// Content returns nil until the tile is Done.
	Content() *Content
	// Transform is the tile's world transform.
	Transform() mgl64.Mat4
}

// ViewState describes one camera for tile selection.
type ViewState struct {
	Position mgl64.Vec3
	Forward  mgl64.Vec3
	Up       mgl64.Vec3
	Viewport [2]float64
	// HorizontalFOV and VerticalFOV are in radians.
	HorizontalFOV float64
	VerticalFOV   float64
}

// ViewUpdateResult is the selection produced by one UpdateView call.
type ViewUpdateResult struct {
	TilesToRenderThisFrame []Tile
	TilesFadingOut         []Tile

	TilesLoading  int
	TilesVisited  int
	TilesCulled   int
	TilesEvicted  int
	MaxDepthVisit int
}

// Tileset is the tile-selection engine.
type Tileset interface {
	UpdateView(views []ViewState) ViewUpdateResult
}

// LoadInput is what the engine hands to the load-thread phase.
type LoadInput struct {
	ID        tileid.ID
	Model     *model.Model
	Transform mgl64.Mat4
}

// ResourcePreparer is implemented by the host to turn decoded tiles into
// render resources and to free them on eviction.
type ResourcePreparer interface {
	PrepareInLoadThread(ctx context.Context, in LoadInput) *async.Future[bundle.Prepared]
	PrepareInMainThread(tile Tile, loadResult bundle.Prepared) bundle.Prepared
	Free(tile Tile, loadResult, mainResult *bundle.Prepared)

	PrepareRasterInLoadThread(ctx context.Context, key string, data []byte) *async.Future[*raster.Image]
	PrepareRasterInMainThread(img *raster.Image) (*raster.Texture, error)
	FreeRaster(img *raster.Image, tex *raster.Texture)
	AttachRasterInMainThread(tile Tile, overlayID int, tex *raster.Texture, translation, scale mgl64.Vec2)
	DetachRasterInMainThread(tile Tile, overlayID int, tex *raster.Texture)
}
