// Package viewdriver reconciles each frame's tile selection with the bundles
// attached to the host scene graph.
//
// All methods must be called on the main thread.
package viewdriver

import (
	"fmt"

	"github.com/golang/glog"

	"tilebridge/internal/bundle"
	"tilebridge/internal/credits"
	"tilebridge/internal/engine"
	"tilebridge/internal/georef"
	"tilebridge/internal/profiling"
	"tilebridge/internal/scene"
	"tilebridge/internal/tileid"
)

// State is the driver's view of a tile, independent of the engine's load state.
type State uint8

const (
	Absent State = iota
	Materializing
	Visible
	Hidden
	Freed
)

func (s State) String() string {
	switch s {
	case Absent:
		return "absent"
	case Materializing:
		return "materializing"
	case Visible:
		return "visible"
	case Hidden:
		return "hidden"
	case Freed:
		return "freed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

type Options struct {
	// PhysicsMeshes toggles collision with visibility.
	PhysicsMeshes bool
}

// Deps are injected at construction; the driver locates nothing on its own.
type Deps struct {
	Tileset engine.Tileset
	Scene   scene.Graph
	Georef  *georef.Reference
	Credits *credits.Aggregator
	Tracker *profiling.Tracker
}

type freedBundle struct {
	id     tileid.ID
	bundle *bundle.Bundle
}

// Driver owns the tile registry of one tileset.
type Driver struct {
	opts    Options
	tileset engine.Tileset
	scene   scene.Graph
	georef  *georef.Reference
	credits *credits.Aggregator
	tracker *profiling.Tracker

	reg           *registry
	updating      bool
	renderSet     map[tileid.ID]struct{}
	deferred      []freedBundle
	materializing map[tileid.ID]struct{}
	freed         map[tileid.ID]struct{}
	failedLogged  map[tileid.ID]struct{}
}

func New(opts Options, deps Deps) *Driver {
	return &Driver{
		opts:          opts,
		tileset:       deps.Tileset,
		scene:         deps.Scene,
		georef:        deps.Georef,
		credits:       deps.Credits,
		tracker:       deps.Tracker,
		reg:           newRegistry(),
		renderSet:     make(map[tileid.ID]struct{}),
		materializing: make(map[tileid.ID]struct{}),
		freed:         make(map[tileid.ID]struct{}),
		failedLogged:  make(map[tileid.ID]struct{}),
	}
}

// Len is the number of registered tiles.
func (d *Driver) Len() int { return d.reg.len() }

func (d *Driver) State(id tileid.ID) State {
	if e := d.reg.get(id); e != nil {
		if e.visible {
			return Visible
		}
		return Hidden
	}
	if _, ok := d.materializing[id]; ok {
		return Materializing
	}
	if _, ok := d.freed[id]; ok {
		return Freed
	}
	return Absent
}

// Node returns the scene node of a registered tile.
func (d *Driver) Node(id tileid.ID) (scene.NodeID, bool) {
	if e := d.reg.get(id); e != nil {
		return e.node, true
	}
	return 0, false
}

// NodeName is the scene node name used for a tile. It carries the full ID so
// tiles whose hashes collide still get distinct names.
func NodeName(id tileid.ID) string {
	return nodeName(id.Hash(), id)
}

func nodeName(hash uint64, id tileid.ID) string {
	return fmt.Sprintf("tile-%016x-%s", hash, id)
}

// Update runs one frame of view selection and reconciliation.
func (d *Driver) Update(cam Camera) (engine.ViewUpdateResult, error) {
	defer d.tracker.Track("viewdriver.Update")()

	d.applyDeferred()

	vs, err := ComputeViewState(cam, d.georef)
	if err != nil {
		return engine.ViewUpdateResult{}, err
	}

	d.updating = true
	clear(d.renderSet)
	result := d.tileset.UpdateView([]engine.ViewState{vs})
	for _, t := range result.TilesToRenderThisFrame {
		d.renderSet[t.ID()] = struct{}{}
	}
	for _, t := range result.TilesToRenderThisFrame {
		d.render(t)
	}
	for _, t := range result.TilesFadingOut {
		if _, ok := d.renderSet[t.ID()]; ok {
			continue
		}
		d.hide(t.ID())
	}
	d.updating = false

	// Frees that arrived during the pass are applied now, except for tiles
	// committed to render this frame.
	pending := d.deferred
	d.deferred = nil
	for _, f := range pending {
		if _, ok := d.renderSet[f.id]; ok {
			d.deferred = append(d.deferred, f)
			continue
		}
		d.erase(f.id, f.bundle)
	}

	if d.credits != nil {
		d.credits.EndFrame()
	}
	glog.V(2).Infof("view update: %d render, %d fading, %d loading, %d registered",
		len(result.TilesToRenderThisFrame), len(result.TilesFadingOut), result.TilesLoading, d.reg.len())
	return result, nil
}

func (d *Driver) render(t engine.Tile) {
	id := t.ID()
	switch t.State() {
	case engine.Failed:
		delete(d.materializing, id)
		if _, logged := d.failedLogged[id]; !logged {
			d.failedLogged[id] = struct{}{}
			glog.Errorf("tile %s failed to load, not rendering it", id)
		}
		return
	case engine.Done:
	default:
		d.materializing[id] = struct{}{}
		return
	}
	delete(d.materializing, id)

	c := t.Content()
	if c == nil || !c.Resources.HasGeometry() || c.Resources.Bundle.Destroyed() {
		return
	}
	b := c.Resources.Bundle
	if d.credits != nil && c.Model != nil {
		d.credits.Add(c.Model.Copyright)
	}

	e := d.reg.get(id)
	if e != nil && e.bundle != b {
		d.scene.Destroy(e.node)
		e = nil
	}
	if e == nil {
		node, err := d.scene.Attach(nodeName(d.reg.hash(id), id), b)
		if err != nil {
			glog.Errorf("tile %s: attach: %v", id, err)
			return
		}
		e = &entry{id: id, bundle: b, node: node}
		if old := d.reg.put(e); old != nil {
			glog.V(1).Infof("tile %s: resources replaced", id)
		}
		delete(d.freed, id)
	}
	d.show(e)
}

func (d *Driver) show(e *entry) {
	if e.visible {
		return
	}
	d.scene.SetVisible(e.node, true)
	e.visible = true
	if d.opts.PhysicsMeshes {
		e.bundle.SetCollisionEnabled(true)
	}
}

func (d *Driver) hide(id tileid.ID) {
	e := d.reg.get(id)
	if e == nil || !e.visible {
		return
	}
	d.scene.SetVisible(e.node, false)
	e.visible = false
	if d.opts.PhysicsMeshes {
		e.bundle.SetCollisionEnabled(false)
	}
}

// TileFreed erases a tile after the engine evicted it. It takes ownership of b.
func (d *Driver) TileFreed(id tileid.ID, b *bundle.Bundle) {
	if d.updating {
		d.deferred = append(d.deferred, freedBundle{id: id, bundle: b})
		return
	}
	d.erase(id, b)
}

func (d *Driver) applyDeferred() {
	pending := d.deferred
	d.deferred = nil
	for _, f := range pending {
		d.erase(f.id, f.bundle)
	}
}

func (d *Driver) erase(id tileid.ID, b *bundle.Bundle) {
	delete(d.materializing, id)
	e := d.reg.get(id)
	if e == nil || e.bundle != b {
		// Never registered, or superseded by a newer bundle.
		b.Destroy()
		return
	}
	d.reg.remove(id)
	d.scene.Destroy(e.node)
	b.Destroy()
	d.freed[id] = struct{}{}
	glog.V(2).Infof("tile %s: freed", id)
}

// RebaseOrigin re-places every registered bundle against the current georeference origin.
func (d *Driver) RebaseOrigin() {
	if !d.georef.Georeferenced() {
		return
	}
	origin, scale := d.georef.Origin(), d.georef.ScaleFactor()
	d.reg.each(func(e *entry) {
		e.bundle.ApplyOrigin(origin, scale)
	})
}

// Credits returns the credits of the last frame.
func (d *Driver) Credits() []string {
	if d.credits == nil {
		return nil
	}
	return d.credits.OnScreen()
}

// Close destroys every registered tile. Frees arriving later only destroy their bundle.
func (d *Driver) Close() {
	d.applyDeferred()
	var ids []tileid.ID
	d.reg.each(func(e *entry) { ids = append(ids, e.id) })
	for _, id := range ids {
		if e := d.reg.get(id); e != nil {
			d.erase(id, e.bundle)
		}
	}
}
