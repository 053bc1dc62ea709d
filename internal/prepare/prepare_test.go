package prepare

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilebridge/internal/async"
	"tilebridge/internal/bundle"
	"tilebridge/internal/engine"
	"tilebridge/internal/georef"
	"tilebridge/internal/model"
	"tilebridge/internal/raster"
	"tilebridge/internal/tileid"
)

type fakeTile struct {
	id        tileid.ID
	state     engine.LoadState
	content   *engine.Content
	transform mgl64.Mat4
}

func (t *fakeTile) ID() tileid.ID            { return t.id }
func (t *fakeTile) State() engine.LoadState  { return t.state }
func (t *fakeTile) Content() *engine.Content { return t.content }
func (t *fakeTile) Transform() mgl64.Mat4    { return t.transform }

func floats(comps int, vals ...float32) *model.Accessor {
	return &model.Accessor{ComponentType: model.ComponentFloat, Components: comps, Count: len(vals) / comps, Floats: vals}
}

func indices(ct model.ComponentType, vals ...uint32) *model.Accessor {
	return &model.Accessor{ComponentType: ct, Components: 1, Count: len(vals), Uints: vals}
}

// triangleModel is one Z-up triangle with an identity root node.
func triangleModel() *model.Model {
	return &model.Model{
		Meshes: []model.Mesh{{Primitives: []model.Primitive{{
			Mode: model.Triangles,
			Attributes: map[string]*model.Accessor{
				model.AttrPosition: floats(3, 0, 0, 0, 1, 0, 0, 0, 1, 0),
			},
			Indices:  indices(model.ComponentUshort, 0, 1, 2),
			Material: -1,
		}}}},
		Nodes:     []model.Node{{Mesh: 0, Translation: []float64{0, 0, 0}, Rotation: []float64{0, 0, 0, 1}}},
		RootNodes: []int{0},
		UpAxis:    model.UpAxisZ,
	}
}

func wait(t *testing.T, f *async.Future[bundle.Prepared]) (bundle.Prepared, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return f.Wait(ctx)
}

func loadTile(t *testing.T, p *Preparer, m *model.Model) (*fakeTile, bundle.Prepared) {
	t.Helper()
	tile := &fakeTile{id: tileid.Quadtree(0, 0, 0), state: engine.Done, transform: mgl64.Ident4()}
	res, err := wait(t, p.PrepareInLoadThread(context.Background(), engine.LoadInput{ID: tile.id, Model: m, Transform: tile.transform}))
	require.NoError(t, err)
	tile.content = &engine.Content{Model: m, Resources: res}
	return tile, res
}

func TestLoadThreadWithoutModelIsEmpty(t *testing.T) {
	p := New(Options{}, Deps{})
	res, err := wait(t, p.PrepareInLoadThread(context.Background(), engine.LoadInput{ID: tileid.FromURL("x")}))
	require.NoError(t, err)
	assert.Equal(t, bundle.KindEmpty, res.Kind)
	assert.Nil(t, res.Bundle)
}

func TestLoadThreadRejectsMalformedGeometry(t *testing.T) {
	pool := async.NewWorkerPool("load", 2, 4)
	defer pool.Shutdown()
	p := New(Options{}, Deps{Loader: pool})

	m := triangleModel()
	m.Meshes[0].Primitives[0].Indices = indices(model.ComponentFloat, 0, 1, 2)
	res, err := wait(t, p.PrepareInLoadThread(context.Background(), engine.LoadInput{ID: tileid.FromURL("bad"), Model: m}))
	assert.ErrorIs(t, err, ErrUnsupportedIndexType)
	assert.Nil(t, res.Bundle)

	m = triangleModel()
	delete(m.Meshes[0].Primitives[0].Attributes, model.AttrPosition)
	_, err = wait(t, p.PrepareInLoadThread(context.Background(), engine.LoadInput{ID: tileid.FromURL("nopos"), Model: m}))
	assert.ErrorIs(t, err, ErrMissingPositions)
}

func TestLoadThreadHonoursCancelledContext(t *testing.T) {
	p := New(Options{}, Deps{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.PrepareInLoadThread(ctx, engine.LoadInput{Model: triangleModel()}).Wait(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMissingRootTransformIsIdentity(t *testing.T) {
	m := triangleModel()
	m.Nodes[0].Translation = nil
	m.Nodes[0].Rotation = nil
	p := New(Options{}, Deps{})
	_, res := loadTile(t, p, m)
	require.True(t, res.HasGeometry())
	assert.Equal(t, bundle.IdentityTransform(), res.Bundle.Transform)
}

func TestMatrixOnlyRootNodeRoundTrips(t *testing.T) {
	want := mgl64.Translate3D(1234.5, -98.25, 6.0e6).
		Mul4(mgl64.QuatRotate(0.7, mgl64.Vec3{0.3, 1, -0.2}.Normalize()).Mat4()).
		Mul4(mgl64.Scale3D(2, 2, 2))

	m := triangleModel()
	m.Nodes[0] = model.Node{Mesh: 0, Matrix: want[:]}
	p := New(Options{}, Deps{})
	_, res := loadTile(t, p, m)
	got := res.Bundle.Transform.Mat4()

	for _, pt := range []mgl64.Vec4{{0, 0, 0, 1}, {1, 0, 0, 1}, {0, 10, 0, 1}, {-3, 4, 5, 1}} {
		a := want.Mul4x1(pt).Vec3()
		b := got.Mul4x1(pt).Vec3()
		assert.LessOrEqual(t, a.Sub(b).Len(), 1e-6*a.Len(), "point %v", pt)
	}
}

func TestOriginMatrixDatasetPrefersMatrix(t *testing.T) {
	m := triangleModel()
	mat := mgl64.Translate3D(10, 20, 30)
	m.Nodes[0].Matrix = mat[:]

	plain := New(Options{}, Deps{})
	_, res := loadTile(t, plain, m)
	assert.Equal(t, mgl64.Vec3{}, res.Bundle.Transform.Translation)

	authoritative := New(Options{OriginMatrixAuthoritative: true}, Deps{})
	_, res = loadTile(t, authoritative, m)
	assert.InDelta(t, 10, res.Bundle.Transform.Translation.X(), 1e-9)
	assert.InDelta(t, 30, res.Bundle.Transform.Translation.Z(), 1e-9)
}

func TestMainThreadAppliesTileTransform(t *testing.T) {
	p := New(Options{}, Deps{})
	tile, res := loadTile(t, p, triangleModel())
	tile.transform = mgl64.Translate3D(100, 0, 0)
	out := p.PrepareInMainThread(tile, res)
	assert.InDelta(t, 100, out.Bundle.Transform.Translation.X(), 1e-9)

	// second call is a no-op
	p.PrepareInMainThread(tile, res)
	assert.InDelta(t, 100, out.Bundle.Transform.Translation.X(), 1e-9)
}

func TestMainThreadRebasesGeoreferencedTile(t *testing.T) {
	ref := georef.New(georef.Cartographic, mgl64.Vec3{1000, 0, 0}, 1)
	p := New(Options{}, Deps{Georef: ref})
	m := triangleModel()
	m.Nodes[0].Translation = []float64{5, 0, 0}
	m.RTCCenter = &mgl64.Vec3{0, 50, 0}
	tile, res := loadTile(t, p, m)
	require.True(t, res.Bundle.Georeferenced)
	assert.Equal(t, mgl64.Vec3{5, 0, 0}, res.Bundle.OriginalPosition)
	assert.Equal(t, mgl64.Vec3{}, res.Bundle.Transform.Translation)

	tile.transform = mgl64.Translate3D(1200, 0, 0)
	p.PrepareInMainThread(tile, res)
	b := res.Bundle
	assert.InDelta(t, 1205, b.OriginalPosition.X(), 1e-9)
	assert.InDelta(t, 50, b.OriginalPosition.Y(), 1e-9)
	assert.InDelta(t, 205, b.Transform.Translation.X(), 1e-9)

	ref.SetOrigin(mgl64.Vec3{1205, 50, 0})
	b.ApplyOrigin(ref.Origin(), ref.ScaleFactor())
	assert.InDelta(t, 0, b.Transform.Translation.Len(), 1e-9)
}

func TestMainThreadCollisionOnlyOnce(t *testing.T) {
	q := async.NewQueue()
	p := New(Options{PhysicsMeshes: true}, Deps{Main: q})
	tile, res := loadTile(t, p, triangleModel())

	p.PrepareInMainThread(tile, res)
	p.PrepareInMainThread(tile, res)
	assert.Equal(t, 1, q.Drain())
	shape := res.Bundle.Collision()
	require.NotNil(t, shape)
	assert.Equal(t, 1, shape.TriangleCount())

	p.PrepareInMainThread(tile, res)
	assert.Equal(t, 0, q.Drain())
	assert.Same(t, shape, res.Bundle.Collision())
}

func TestMainThreadWithoutPhysicsBuildsNoShape(t *testing.T) {
	q := async.NewQueue()
	p := New(Options{}, Deps{Main: q})
	tile, res := loadTile(t, p, triangleModel())
	p.PrepareInMainThread(tile, res)
	q.Drain()
	assert.Nil(t, res.Bundle.Collision())
}

func TestMainThreadPassesThroughNonGeometry(t *testing.T) {
	p := New(Options{PhysicsMeshes: true}, Deps{})
	tile := &fakeTile{transform: mgl64.Ident4()}
	assert.Equal(t, bundle.KindEmpty, p.PrepareInMainThread(tile, bundle.Empty()).Kind)
	failed := bundle.Failed(errors.New("x"))
	assert.Equal(t, failed, p.PrepareInMainThread(tile, failed))
}

type recordingListener struct {
	ids []tileid.ID
}

func (r *recordingListener) TileFreed(id tileid.ID, b *bundle.Bundle) {
	r.ids = append(r.ids, id)
	b.Destroy()
}

func TestFreeMarshalsToMainThread(t *testing.T) {
	q := async.NewQueue()
	p := New(Options{}, Deps{Main: q})
	l := &recordingListener{}
	p.SetFreeListener(l)
	tile, res := loadTile(t, p, triangleModel())
	main := p.PrepareInMainThread(tile, res)

	p.Free(tile, &res, &main)
	assert.Empty(t, l.ids)
	assert.False(t, res.Bundle.Destroyed())
	q.Drain()
	assert.Equal(t, []tileid.ID{tile.id}, l.ids)
	assert.True(t, res.Bundle.Destroyed())
}

func TestFreeBeforeMainThreadPhase(t *testing.T) {
	q := async.NewQueue()
	p := New(Options{}, Deps{Main: q})
	tile, res := loadTile(t, p, triangleModel())
	p.Free(tile, &res, nil)
	q.Drain()
	assert.True(t, res.Bundle.Destroyed())
}

func TestFreeToleratesNilAndEmpty(t *testing.T) {
	q := async.NewQueue()
	p := New(Options{}, Deps{Main: q})
	empty := bundle.Empty()
	failed := bundle.Failed(errors.New("decode"))
	assert.NotPanics(t, func() {
		p.Free(nil, nil, nil)
		p.Free(&fakeTile{}, &empty, nil)
		p.Free(&fakeTile{}, &failed, &empty)
	})
	assert.Equal(t, 0, q.Len())
}

type fakeUploader struct{ deletes int }

func (u *fakeUploader) Upload(*raster.Image) (uint32, error) { return 1, nil }
func (u *fakeUploader) Delete(uint32)                        { u.deletes++ }

func overlayModel() *model.Model {
	m := triangleModel()
	uv := floats(2, 0, 0, 1, 0, 0, 1)
	m.Meshes[0].Primitives = append(m.Meshes[0].Primitives, model.Primitive{
		Mode: model.Triangles,
		Attributes: map[string]*model.Accessor{
			model.AttrPosition:        floats(3, 0, 0, 0, 1, 0, 0, 0, 1, 0),
			model.OverlayAttribute(0): uv,
		},
		Material: -1,
	})
	return m
}

func TestAttachRasterOnlyTouchesOverlaySurfaces(t *testing.T) {
	up := &fakeUploader{}
	cache := raster.NewCache(up, 2)
	p := New(Options{}, Deps{Textures: cache})
	tile, res := loadTile(t, p, overlayModel())

	img, err := raster.FromRGBA("ov", 1, 1, []byte{1, 2, 3, 4})
	require.NoError(t, err)
	tex, err := p.PrepareRasterInMainThread(img)
	require.NoError(t, err)

	p.AttachRasterInMainThread(tile, 0, tex, mgl64.Vec2{0.25, 0.5}, mgl64.Vec2{2, 4})
	plain, overlaid := res.Bundle.Surfaces[0], res.Bundle.Surfaces[1]
	assert.Empty(t, plain.Material.Overlays)

	ov := overlaid.Material.Overlays[0]
	require.NotNil(t, ov)
	assert.Equal(t, 0, ov.UVSet)
	assert.InDelta(t, 2, ov.Scale.X(), 1e-6)
	assert.InDelta(t, -4, ov.Scale.Y(), 1e-6)
	assert.InDelta(t, 0.25, ov.Offset.X(), 1e-6)
	assert.InDelta(t, 0.5, ov.Offset.Y(), 1e-6)
	assert.Equal(t, 2, cache.Refs("ov"))

	// re-attaching the same texture does not add references
	p.AttachRasterInMainThread(tile, 0, tex, mgl64.Vec2{}, mgl64.Vec2{1, 1})
	assert.Equal(t, 2, cache.Refs("ov"))

	p.FreeRaster(img, tex)
	assert.True(t, tex.Live())
	p.DetachRasterInMainThread(tile, 0, tex)
	assert.False(t, tex.Live())
	assert.Equal(t, 1, up.deletes)
}

func TestAttachRasterWithoutOverlayUVIsNoop(t *testing.T) {
	cache := raster.NewCache(&fakeUploader{}, 1)
	p := New(Options{}, Deps{Textures: cache})
	tile, res := loadTile(t, p, triangleModel())
	img, err := raster.FromRGBA("ov", 1, 1, []byte{1, 2, 3, 4})
	require.NoError(t, err)
	tex, err := p.PrepareRasterInMainThread(img)
	require.NoError(t, err)

	before := *res.Bundle.Surfaces[0].Material
	assert.NotPanics(t, func() {
		p.AttachRasterInMainThread(tile, 3, tex, mgl64.Vec2{0.5, 0.5}, mgl64.Vec2{2, 2})
	})
	assert.Equal(t, before, *res.Bundle.Surfaces[0].Material)
	assert.Equal(t, 1, cache.Refs("ov"))
}

func TestDestroyReleasesAttachedOverlay(t *testing.T) {
	up := &fakeUploader{}
	cache := raster.NewCache(up, 1)
	p := New(Options{}, Deps{Textures: cache})
	tile, res := loadTile(t, p, overlayModel())
	img, err := raster.FromRGBA("ov", 1, 1, []byte{1, 2, 3, 4})
	require.NoError(t, err)
	tex, err := p.PrepareRasterInMainThread(img)
	require.NoError(t, err)
	p.AttachRasterInMainThread(tile, 0, tex, mgl64.Vec2{}, mgl64.Vec2{1, 1})

	p.Free(tile, &res, nil)
	assert.Equal(t, 1, cache.Refs("ov"))
	p.FreeRaster(img, tex)
	assert.Equal(t, 1, up.deletes)
}

func TestPrepareRasterInLoadThread(t *testing.T) {
	p := New(Options{}, Deps{})
	_, err := p.PrepareRasterInLoadThread(context.Background(), "bad", []byte("nope")).Wait(context.Background())
	assert.Error(t, err)

	tex, err := p.PrepareRasterInMainThread(nil)
	assert.NoError(t, err)
	assert.Nil(t, tex)
}
