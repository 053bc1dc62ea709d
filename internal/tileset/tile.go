package tileset

import (
	"github.com/go-gl/mathgl/mgl64"

	"tilebridge/internal/async"
	"tilebridge/internal/bundle"
	"tilebridge/internal/engine"
	"tilebridge/internal/model"
	"tilebridge/internal/tileid"
)

type Refine uint8

const (
	RefineReplace Refine = iota
	RefineAdd
)

// Tile is one node of the tile tree. The tree is only touched on the main thread.
type Tile struct {
	id             tileid.ID
	parent         *Tile
	children       []*Tile
	volume         Volume
	geometricError float64
	refine         Refine
	transform      mgl64.Mat4
	contentURL     string
	// baseURL resolves child content of an external tileset.
	baseURL string
	upAxis  model.UpAxis
	// rectangle is west/south/east/north in radians for region-bounded tiles.
	rectangle *[4]float64

	state      engine.LoadState
	content    *engine.Content
	loadResult bundle.Prepared
	pending    *async.Future[loaded]
	lastUsed   uint64
}

var _ engine.Tile = (*Tile)(nil)

func (t *Tile) ID() tileid.ID            { return t.id }
func (t *Tile) State() engine.LoadState  { return t.state }
func (t *Tile) Content() *engine.Content { return t.content }
func (t *Tile) Transform() mgl64.Mat4    { return t.transform }
func (t *Tile) Children() []*Tile        { return t.children }
func (t *Tile) Parent() *Tile            { return t.parent }
func (t *Tile) GeometricError() float64  { return t.geometricError }
func (t *Tile) BoundingVolume() Volume   { return t.volume }
func (t *Tile) ContentURL() string       { return t.contentURL }
func (t *Tile) isLeaf() bool             { return len(t.children) == 0 }
func (t *Tile) hasGeometry() bool        { return t.content != nil && t.content.Resources.HasGeometry() }
func (t *Tile) settled() bool            { return t.state == engine.Done || t.state == engine.Failed }
func (t *Tile) needsLoad() bool          { return t.state == engine.Unloaded && t.contentURL != "" }
func (t *Tile) inFlight() bool           { return t.state == engine.Loading }

// loaded is what the load pipeline hands back to the main thread.
type loaded struct {
	model    *model.Model
	prepared bundle.Prepared
	external *tilesetJSON
	url      string
}
