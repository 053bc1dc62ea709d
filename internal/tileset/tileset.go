// Package tileset is a tile-selection engine for explicit 3D Tiles tilesets.
// It selects tiles by screen-space error, streams their content through an
// asset accessor and hands decoded models to a resource preparer.
package tileset

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"sort"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/glog"

	"tilebridge/internal/assets"
	"tilebridge/internal/async"
	"tilebridge/internal/bundle"
	"tilebridge/internal/engine"
	"tilebridge/internal/model"
	"tilebridge/internal/profiling"
	"tilebridge/internal/tileid"
)

type Options struct {
	MaximumScreenSpaceError  float64
	MaxSimultaneousTileLoads int
	// MaximumCachedTiles bounds tiles holding resources; the least recently
	// used ones beyond it are freed.
	MaximumCachedTiles int
	PreloadAncestors   bool
	PreloadSiblings    bool
	ForbidHoles        bool
	Overlays           []OverlaySource
}

type Deps struct {
	Accessor assets.Accessor
	Decoder  model.Decoder
	Preparer engine.ResourcePreparer
	// Loader runs payload decoding.
	Loader  async.TaskProcessor
	Headers map[string]string
	Tracker *profiling.Tracker
}

// Tileset implements engine.Tileset. UpdateView and Close must be called on
// the main thread.
type Tileset struct {
	opts     Options
	accessor assets.Accessor
	decoder  model.Decoder
	preparer engine.ResourcePreparer
	loader   async.TaskProcessor
	headers  map[string]string
	tracker  *profiling.Tracker

	ctx    context.Context
	cancel context.CancelFunc

	url        string
	rootFuture *async.Future[*tilesetJSON]
	root       *Tile
	rootErr    error
	anon       int

	frame    uint64
	inflight map[*Tile]struct{}
	resident map[*Tile]struct{}
	rendered map[*Tile]struct{}
	overlays []*overlay
	closed   bool
}

var _ engine.Tileset = (*Tileset)(nil)

// New starts fetching the tileset document at rawURL.
func New(ctx context.Context, rawURL string, opts Options, deps Deps) *Tileset {
	ctx, cancel := context.WithCancel(ctx)
	ts := &Tileset{
		opts:     opts,
		accessor: deps.Accessor,
		decoder:  deps.Decoder,
		preparer: deps.Preparer,
		loader:   deps.Loader,
		headers:  deps.Headers,
		tracker:  deps.Tracker,
		ctx:      ctx,
		cancel:   cancel,
		url:      rawURL,
		inflight: make(map[*Tile]struct{}),
		resident: make(map[*Tile]struct{}),
		rendered: make(map[*Tile]struct{}),
	}
	if ts.loader == nil {
		ts.loader = async.Inline{}
	}
	if ts.opts.MaxSimultaneousTileLoads <= 0 {
		ts.opts.MaxSimultaneousTileLoads = 1
	}
	ts.startOverlays(opts.Overlays)
	ts.rootFuture = async.Then(ts.accessor.Get(ctx, rawURL, ts.headers), ts.loader, func(r *assets.Response) (*tilesetJSON, error) {
		return parseTileset(r.Data)
	})
	return ts
}

// Root is nil until the tileset document has loaded.
func (ts *Tileset) Root() *Tile { return ts.root }

// Err reports why the tileset document failed to load.
func (ts *Tileset) Err() error { return ts.rootErr }

// ResidentTiles is the number of tiles holding render resources.
func (ts *Tileset) ResidentTiles() int { return len(ts.resident) }

func (ts *Tileset) UpdateView(views []engine.ViewState) engine.ViewUpdateResult {
	defer ts.tracker.Track("tileset.UpdateView")()
	var res engine.ViewUpdateResult
	if !ts.closed {
		ts.pollOverlays()
	}
	if ts.closed || !ts.pollRoot() {
		if ts.rootErr == nil && !ts.closed {
			res.TilesLoading = 1
		}
		return res
	}
	ts.frame++
	ts.pollLoads()

	fs := newFrameState(views)
	if len(views) > 0 {
		ts.traverse(ts.root, 0, fs)
		ts.startLoads(fs)
	}

	current := make(map[*Tile]struct{}, len(fs.render))
	for _, t := range fs.render {
		current[t] = struct{}{}
		res.TilesToRenderThisFrame = append(res.TilesToRenderThisFrame, t)
	}
	for t := range ts.rendered {
		if _, ok := current[t]; !ok {
			res.TilesFadingOut = append(res.TilesFadingOut, t)
		}
	}
	ts.rendered = current

	res.TilesEvicted = ts.evict()
	res.TilesLoading = len(ts.inflight)
	res.TilesVisited = fs.visited
	res.TilesCulled = fs.culled
	res.MaxDepthVisit = fs.maxDepth
	return res
}

func (ts *Tileset) pollRoot() bool {
	if ts.root != nil {
		return true
	}
	if ts.rootErr != nil {
		return false
	}
	doc, err, ok := ts.rootFuture.Poll()
	if !ok {
		return false
	}
	if err == nil {
		ts.root, err = ts.buildTree(doc, nil, mgl64.Ident4(), ts.url)
	}
	if err != nil {
		ts.rootErr = fmt.Errorf("tileset %s: %w", ts.url, err)
		glog.Errorf("%v", ts.rootErr)
		return false
	}
	glog.Infof("tileset %s loaded", ts.url)
	return true
}

func (ts *Tileset) buildTree(doc *tilesetJSON, parent *Tile, parentXf mgl64.Mat4, baseURL string) (*Tile, error) {
	return ts.buildTile(doc.Root, parent, parentXf, baseURL, upAxis(doc.Asset.GltfUpAxis))
}

func (ts *Tileset) buildTile(j *tileJSON, parent *Tile, parentXf mgl64.Mat4, baseURL string, axis model.UpAxis) (*Tile, error) {
	local, err := parseTransform(j.Transform)
	if err != nil {
		return nil, err
	}
	xf := parentXf.Mul4(local)
	vol, err := volumeFromJSON(j.BoundingVolume, xf)
	if err != nil {
		return nil, err
	}
	t := &Tile{
		parent:         parent,
		volume:         vol,
		geometricError: j.GeometricError,
		transform:      xf,
		baseURL:        baseURL,
		upAxis:         axis,
	}
	if r := j.BoundingVolume.Region; len(r) == 6 {
		t.rectangle = &[4]float64{r[0], r[1], r[2], r[3]}
	}
	switch j.Refine {
	case "ADD", "add":
		t.refine = RefineAdd
	case "REPLACE", "replace":
		t.refine = RefineReplace
	default:
		if parent != nil {
			t.refine = parent.refine
		}
	}
	if uri := j.Content.uri(); uri != "" {
		if t.contentURL, err = resolveURL(baseURL, uri); err != nil {
			return nil, err
		}
		t.id = tileid.FromURL(t.contentURL)
	} else {
		ts.anon++
		t.id = tileid.FromURL(fmt.Sprintf("%s#%d", baseURL, ts.anon))
		t.state = engine.Done
		t.content = &engine.Content{Resources: bundle.Empty()}
	}
	for _, cj := range j.Children {
		c, err := ts.buildTile(cj, t, xf, baseURL, axis)
		if err != nil {
			return nil, err
		}
		t.children = append(t.children, c)
	}
	return t, nil
}

func resolveURL(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("base url %q: %w", base, err)
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("content url %q: %w", ref, err)
	}
	return b.ResolveReference(r).String(), nil
}

type priority uint8

const (
	priorityNormal priority = iota
	priorityPreload
)

type loadRequest struct {
	tile     *Tile
	priority priority
	distance float64
}

type frameState struct {
	views     []engine.ViewState
	frustums  []*frustum
	render    []*Tile
	requests  []loadRequest
	requested map[*Tile]bool
	visited   int
	culled    int
	maxDepth  int
}

func newFrameState(views []engine.ViewState) *frameState {
	fs := &frameState{views: views, requested: make(map[*Tile]bool)}
	for _, v := range views {
		fs.frustums = append(fs.frustums, newFrustum(v))
	}
	return fs
}

func (fs *frameState) visible(v Volume) bool {
	for _, f := range fs.frustums {
		if v.inFrustum(f) {
			return true
		}
	}
	return false
}

func (fs *frameState) distance(t *Tile) float64 {
	d := math.Inf(1)
	for _, v := range fs.views {
		d = math.Min(d, t.volume.Distance(v.Position))
	}
	return d
}

// sse is the largest screen-space error of t over all views, in pixels.
func (fs *frameState) sse(t *Tile) float64 {
	var worst float64
	for _, v := range fs.views {
		dist := t.volume.Distance(v.Position)
		if dist <= 0 {
			return math.Inf(1)
		}
		denom := 2 * math.Tan(v.VerticalFOV/2)
		worst = math.Max(worst, t.geometricError*v.Viewport[1]/(dist*denom))
	}
	return worst
}

func (fs *frameState) request(t *Tile, p priority) {
	if !t.needsLoad() || fs.requested[t] {
		return
	}
	fs.requested[t] = true
	fs.requests = append(fs.requests, loadRequest{tile: t, priority: p, distance: fs.distance(t)})
}

// traverse selects tiles under t. It returns false when t's area is not yet
// covered because content is still loading.
func (ts *Tileset) traverse(t *Tile, depth int, fs *frameState) bool {
	fs.visited++
	fs.maxDepth = max(fs.maxDepth, depth)
	if !fs.visible(t.volume) {
		fs.culled++
		if ts.opts.PreloadSiblings && t.parent != nil {
			fs.request(t, priorityPreload)
		}
		return true
	}
	t.lastUsed = ts.frame

	if t.isLeaf() || fs.sse(t) <= ts.opts.MaximumScreenSpaceError {
		return ts.selectTile(t, fs)
	}
	if t.refine == RefineAdd {
		ts.selectTile(t, fs)
	} else if ts.opts.PreloadAncestors {
		fs.request(t, priorityPreload)
	}

	if t.refine == RefineReplace && ts.opts.ForbidHoles && !ts.childrenReady(t, fs) {
		return ts.selectTile(t, fs)
	}

	mark := len(fs.render)
	ready := true
	for _, c := range t.children {
		if !ts.traverse(c, depth+1, fs) {
			ready = false
		}
	}
	if !ready && t.refine == RefineReplace && t.hasGeometry() {
		// Show the loaded parent until its children can replace it.
		fs.render = append(fs.render[:mark], t)
		return true
	}
	return ready
}

func (ts *Tileset) childrenReady(t *Tile, fs *frameState) bool {
	ready := true
	for _, c := range t.children {
		if c.settled() {
			continue
		}
		ready = false
		fs.request(c, priorityNormal)
	}
	return ready
}

func (ts *Tileset) selectTile(t *Tile, fs *frameState) bool {
	switch t.state {
	case engine.Done:
		if t.hasGeometry() {
			fs.render = append(fs.render, t)
		}
		return true
	case engine.Failed:
		fs.render = append(fs.render, t)
		return true
	case engine.Unloaded:
		fs.request(t, priorityNormal)
		return false
	default:
		return false
	}
}

func (ts *Tileset) startLoads(fs *frameState) {
	sort.SliceStable(fs.requests, func(i, j int) bool {
		a, b := fs.requests[i], fs.requests[j]
		if a.priority != b.priority {
			return a.priority < b.priority
		}
		return a.distance < b.distance
	})
	for _, r := range fs.requests {
		if len(ts.inflight) >= ts.opts.MaxSimultaneousTileLoads {
			return
		}
		ts.startLoad(r.tile)
	}
}

func (ts *Tileset) startLoad(t *Tile) {
	t.state = engine.Loading
	ts.inflight[t] = struct{}{}
	id, xf, axis, contentURL := t.id, t.transform, t.upAxis, t.contentURL

	fetch := ts.accessor.Get(ts.ctx, contentURL, ts.headers)
	decoded := async.Then(fetch, ts.loader, func(r *assets.Response) (loaded, error) {
		if looksLikeTileset(r.Data) {
			ext, err := parseTileset(r.Data)
			return loaded{external: ext, url: contentURL}, err
		}
		m, err := ts.decoder.Decode(r.Data)
		if err != nil {
			return loaded{}, err
		}
		m.UpAxis = axis
		return loaded{model: m, url: contentURL}, nil
	})
	t.pending = async.Chain(decoded, func(l loaded) *async.Future[loaded] {
		if l.model == nil {
			return async.Resolved(l)
		}
		in := engine.LoadInput{ID: id, Model: l.model, Transform: xf}
		return async.Then(ts.preparer.PrepareInLoadThread(ts.ctx, in), async.Inline{}, func(p bundle.Prepared) (loaded, error) {
			l.prepared = p
			return l, nil
		})
	})
}

// pollLoads finishes loads whose futures settled since the last frame.
func (ts *Tileset) pollLoads() {
	for t := range ts.inflight {
		l, err, ok := t.pending.Poll()
		if !ok {
			continue
		}
		delete(ts.inflight, t)
		t.pending = nil
		if err != nil {
			t.state = engine.Failed
			glog.Errorf("tile %s: %v", t.id, err)
			continue
		}
		if l.external != nil {
			ts.attachExternal(t, l)
			continue
		}
		t.state = engine.ContentLoaded
		t.loadResult = l.prepared
		t.content = &engine.Content{Model: l.model, Resources: l.prepared}
		t.content.Resources = ts.preparer.PrepareInMainThread(t, l.prepared)
		t.state = engine.Done
		if t.hasGeometry() {
			ts.resident[t] = struct{}{}
			ts.attachOverlays(t)
		}
	}
}

func (ts *Tileset) attachExternal(t *Tile, l loaded) {
	child, err := ts.buildTree(l.external, t, t.transform, l.url)
	if err != nil {
		t.state = engine.Failed
		glog.Errorf("tile %s: external tileset: %v", t.id, err)
		return
	}
	t.children = append(t.children, child)
	t.content = &engine.Content{Resources: bundle.Empty()}
	t.state = engine.Done
}

// evict frees the least recently used resident tiles beyond the cache limit.
// Tiles used this frame are kept.
func (ts *Tileset) evict() int {
	over := len(ts.resident) - ts.opts.MaximumCachedTiles
	if ts.opts.MaximumCachedTiles <= 0 || over <= 0 {
		return 0
	}
	var candidates []*Tile
	for t := range ts.resident {
		if t.lastUsed < ts.frame {
			candidates = append(candidates, t)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].lastUsed < candidates[j].lastUsed })
	n := 0
	for _, t := range candidates {
		if n == over {
			break
		}
		ts.unload(t)
		n++
	}
	return n
}

func (ts *Tileset) unload(t *Tile) {
	ts.detachOverlays(t)
	load, main := t.loadResult, t.content.Resources
	ts.preparer.Free(t, &load, &main)
	delete(ts.resident, t)
	delete(ts.rendered, t)
	t.loadResult = bundle.Prepared{}
	t.content = nil
	t.state = engine.Unloaded
}

// Close stops loading and frees every resident tile.
func (ts *Tileset) Close() {
	if ts.closed {
		return
	}
	ts.closed = true
	ts.cancel()
	for t := range ts.resident {
		ts.unload(t)
	}
	for t := range ts.inflight {
		delete(ts.inflight, t)
		t.pending = nil
		t.state = engine.Unloaded
	}
	ts.freeOverlays()
}
