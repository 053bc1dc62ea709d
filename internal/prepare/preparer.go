// Package prepare turns decoded tiles into render resources in two phases:
// a load phase on worker goroutines and a finishing phase on the main thread.
package prepare

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/glog"

	"tilebridge/internal/async"
	"tilebridge/internal/bundle"
	"tilebridge/internal/engine"
	"tilebridge/internal/georef"
	"tilebridge/internal/model"
	"tilebridge/internal/physics"
	"tilebridge/internal/profiling"
	"tilebridge/internal/tileid"
)

// Options gate what the preparer builds.
type Options struct {
	PhysicsMeshes bool
	SmoothNormals bool
	// OriginMatrixAuthoritative makes the root node matrix win over its TRS fields.
	OriginMatrixAuthoritative bool
}

// FreeListener is told on the main thread when a tile's bundle is freed.
// It takes ownership of the bundle and must destroy it.
type FreeListener interface {
	TileFreed(id tileid.ID, b *bundle.Bundle)
}

// Deps are the collaborators a Preparer runs on.
type Deps struct {
	// Loader runs load-thread work.
	Loader async.TaskProcessor
	// Physics runs collision shape construction. It should be a small pool of its own.
	Physics async.TaskProcessor
	// Main marshals work onto the main thread.
	Main     async.Dispatcher
	Georef   *georef.Reference
	Textures TextureCache
	Tracker  *profiling.Tracker
}

// Preparer implements engine.ResourcePreparer.
type Preparer struct {
	opts     Options
	loader   async.TaskProcessor
	physics  async.TaskProcessor
	main     async.Dispatcher
	georef   *georef.Reference
	textures TextureCache
	tracker  *profiling.Tracker

	mu       sync.RWMutex
	listener FreeListener
}

var _ engine.ResourcePreparer = (*Preparer)(nil)

func New(opts Options, deps Deps) *Preparer {
	p := &Preparer{
		opts:     opts,
		loader:   deps.Loader,
		physics:  deps.Physics,
		main:     deps.Main,
		georef:   deps.Georef,
		textures: deps.Textures,
		tracker:  deps.Tracker,
	}
	if p.loader == nil {
		p.loader = async.Inline{}
	}
	if p.physics == nil {
		p.physics = async.Inline{}
	}
	if p.main == nil {
		p.main = async.Immediate{}
	}
	return p
}

// SetFreeListener registers the registry owner notified by Free.
func (p *Preparer) SetFreeListener(l FreeListener) {
	p.mu.Lock()
	p.listener = l
	p.mu.Unlock()
}

func (p *Preparer) freeListener() FreeListener {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.listener
}

// PrepareInLoadThread builds the tile's bundle off the main thread. A tile
// without a model resolves Empty. Decode failures reject the future and never
// yield a partial bundle.
func (p *Preparer) PrepareInLoadThread(ctx context.Context, in engine.LoadInput) *async.Future[bundle.Prepared] {
	if in.Model == nil {
		return async.Resolved(bundle.Empty())
	}
	return async.Run(p.loader, func() (bundle.Prepared, error) {
		defer p.tracker.Track("prepare.PrepareInLoadThread")()
		if err := ctx.Err(); err != nil {
			return bundle.Prepared{}, err
		}
		b, err := p.buildBundle(in)
		if err != nil {
			return bundle.Prepared{}, fmt.Errorf("tile %s: %w", in.ID, err)
		}
		glog.V(2).Infof("tile %s: built %d surfaces, %d triangles", in.ID, len(b.Surfaces), b.TriangleCount())
		return bundle.Geometry(b), nil
	})
}

func (p *Preparer) buildBundle(in engine.LoadInput) (*bundle.Bundle, error) {
	surfaces, err := BuildSurfaces(in.Model, p.opts.SmoothNormals)
	if err != nil {
		return nil, err
	}
	xf, missing := RootTransform(in.Model.Root(), p.opts.OriginMatrixAuthoritative)
	if len(missing) > 0 {
		glog.Warningf("tile %s: root node has no %s, using identity", in.ID, strings.Join(missing, "/"))
	}

	b := bundle.New(in.ID.String())
	b.Surfaces = surfaces
	if p.georef.Georeferenced() {
		b.Georeferenced = true
		b.OriginalPosition = xf.Translation
		xf.Translation = mgl64.Vec3{}
	}
	b.Transform = xf
	return b, nil
}

// PrepareInMainThread places the bundle in the world and, when physics is
// enabled, schedules its collision shape. Repeated calls leave the bundle as
// the first call left it.
func (p *Preparer) PrepareInMainThread(tile engine.Tile, loadResult bundle.Prepared) bundle.Prepared {
	defer p.tracker.Track("prepare.PrepareInMainThread")()
	if !loadResult.HasGeometry() {
		return loadResult
	}
	b := loadResult.Bundle
	if b.MarkMainPrepared() {
		p.place(tile, b)
	}
	if p.opts.PhysicsMeshes {
		p.startCollision(b)
	}
	return loadResult
}

func (p *Preparer) place(tile engine.Tile, b *bundle.Bundle) {
	world := modelToWorld(tile.Transform(), modelOf(tile.Content()))

	local := b.Transform
	if b.Georeferenced {
		local.Translation = b.OriginalPosition
	}
	placed := DecomposeMatrix(world.Mul4(local.Mat4()))
	if !b.Georeferenced {
		b.Transform = placed
		return
	}
	b.OriginalPosition = placed.Translation
	scale := p.georef.ScaleFactor()
	placed.Scale = placed.Scale.Mul(scale)
	b.Transform = placed
	b.ApplyOrigin(p.georef.Origin(), scale)
}

func (p *Preparer) startCollision(b *bundle.Bundle) {
	if !b.BeginCollision() {
		return
	}
	p.physics.StartTask(func() {
		shape := physics.BuildConcaveShape(b)
		p.main.Post(func() {
			if !b.AttachCollision(shape) {
				glog.V(2).Infof("bundle %s: dropping collision shape", b.Name)
			}
		})
	})
}

// Free releases a tile's resources. It is safe with nil or non-geometry
// results and never panics; the bundle is handed to the free listener on the
// main thread, or destroyed there when nobody listens.
func (p *Preparer) Free(tile engine.Tile, loadResult, mainResult *bundle.Prepared) {
	var id tileid.ID
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("free %s: %v", id, r)
		}
	}()
	if tile != nil {
		id = tile.ID()
	}
	b := bundleFrom(mainResult)
	if b == nil {
		b = bundleFrom(loadResult)
	}
	if b == nil {
		return
	}
	p.main.Post(func() {
		if l := p.freeListener(); l != nil {
			l.TileFreed(id, b)
			return
		}
		b.Destroy()
	})
}

func bundleFrom(r *bundle.Prepared) *bundle.Bundle {
	if r == nil || r.Kind != bundle.KindGeometry {
		return nil
	}
	return r.Bundle
}

func modelOf(c *engine.Content) *model.Model {
	if c == nil {
		return nil
	}
	return c.Model
}

// bundleOf returns the live bundle of a tile, or nil.
func bundleOf(tile engine.Tile) *bundle.Bundle {
	if tile == nil {
		return nil
	}
	c := tile.Content()
	if c == nil || !c.Resources.HasGeometry() {
		return nil
	}
	return c.Resources.Bundle
}
