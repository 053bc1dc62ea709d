// Package bundle defines the render resources produced for a tile.
package bundle

import (
	"sync"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/go-gl/mathgl/mgl64"

	"tilebridge/internal/raster"
)

type CullMode uint8

const (
	CullBack CullMode = iota
	CullDisabled
)

type Transparency uint8

const (
	TransparencyDisabled Transparency = iota
	TransparencyAlpha
	TransparencyScissor
)

// OverlayBinding attaches a raster overlay texture to a material.
type OverlayBinding struct {
	Texture *raster.Texture
	// UVSet is the surface uv channel (0 or 1) carrying the overlay coordinates.
	UVSet  int
	Scale  mgl32.Vec3
	Offset mgl32.Vec3
}

// Texture is an albedo image embedded in the tile payload.
type Texture struct {
	Width  int
	Height int
	Pixels []byte
}

type Material struct {
	Name         string
	Albedo       mgl32.Vec4
	AlbedoMap    *Texture
	Metallic     float32
	Roughness    float32
	Cull         CullMode
	Transparency Transparency
	AlphaCutoff  float32
	Unshaded     bool
	Overlays     map[int]*OverlayBinding
}

func NewMaterial(name string) *Material {
	return &Material{
		Name:      name,
		Albedo:    mgl32.Vec4{1, 1, 1, 1},
		Metallic:  1,
		Roughness: 1,
	}
}

// Surface is one triangle list with its material.
type Surface struct {
	Positions []mgl32.Vec3
	Normals   []mgl32.Vec3
	UV0       []mgl32.Vec2
	UV1       []mgl32.Vec2
	Indices   []uint32
	Material  *Material
	// OverlayUVSets maps each overlay index present on the surface to the uv
	// channel holding its coordinates, or -1 when no channel was free.
	OverlayUVSets map[int]int
}

// TriangleCount returns the number of triangles in the surface.
func (s *Surface) TriangleCount() int { return len(s.Indices) / 3 }

// Transform is a local translation, rotation and scale.
type Transform struct {
	Translation mgl64.Vec3
	Rotation    mgl64.Quat
	Scale       mgl64.Vec3
}

func IdentityTransform() Transform {
	return Transform{Rotation: mgl64.QuatIdent(), Scale: mgl64.Vec3{1, 1, 1}}
}

// Mat4 returns T * R * S.
func (t Transform) Mat4() mgl64.Mat4 {
	return mgl64.Translate3D(t.Translation.X(), t.Translation.Y(), t.Translation.Z()).
		Mul4(t.Rotation.Normalize().Mat4()).
		Mul4(mgl64.Scale3D(t.Scale.X(), t.Scale.Y(), t.Scale.Z()))
}

// Bundle holds everything the host renderer needs for one tile.
// Exactly one bundle exists per loaded tile; it is never shared.
type Bundle struct {
	Name      string
	Surfaces  []*Surface
	Transform Transform
	// OriginalPosition is the absolute position used for origin rebasing.
	OriginalPosition mgl64.Vec3
	Georeferenced    bool

	mu             sync.Mutex
	mainPrepared   bool
	collisionState collisionState
	collision      *CollisionShape
	// collisionOff is the last visibility the driver asked for. It outlives
	// the shape so a late-arriving shape starts in the right state.
	collisionOff bool
	destroyed    bool
}

type collisionState uint8

const (
	collisionNone collisionState = iota
	collisionPending
	collisionReady
)

func New(name string) *Bundle {
	return &Bundle{Name: name, Transform: IdentityTransform()}
}

// MarkMainPrepared records that the main-thread phase ran. It returns false
// if it already had.
func (b *Bundle) MarkMainPrepared() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mainPrepared {
		return false
	}
	b.mainPrepared = true
	return true
}

// BeginCollision claims the right to build the collision shape.
// Only the first caller on a live bundle gets true.
func (b *Bundle) BeginCollision() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed || b.collisionState != collisionNone {
		return false
	}
	b.collisionState = collisionPending
	return true
}

// AttachCollision stores the built shape. It returns false when the bundle was
// destroyed meanwhile or a shape is already attached.
func (b *Bundle) AttachCollision(s *CollisionShape) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed || b.collisionState == collisionReady {
		return false
	}
	s.Disabled = b.collisionOff
	b.collision = s
	b.collisionState = collisionReady
	return true
}

// Collision returns the attached shape, or nil.
func (b *Bundle) Collision() *CollisionShape {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.collision
}

// SetCollisionEnabled toggles the shape, or records the choice for a shape
// that is still being built.
func (b *Bundle) SetCollisionEnabled(enabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.collisionOff = !enabled
	if b.collision != nil {
		b.collision.Disabled = !enabled
	}
}

// ApplyOrigin places a georeferenced bundle relative to origin.
func (b *Bundle) ApplyOrigin(origin mgl64.Vec3, scale float64) {
	if !b.Georeferenced {
		return
	}
	b.Transform.Translation = b.OriginalPosition.Sub(origin).Mul(scale)
}

// Destroy releases overlay textures and drops the collision shape. Safe to call twice.
func (b *Bundle) Destroy() {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return
	}
	b.destroyed = true
	b.collision = nil
	b.mu.Unlock()

	for _, s := range b.Surfaces {
		if s.Material == nil {
			continue
		}
		for id, ov := range s.Material.Overlays {
			if ov.Texture != nil {
				ov.Texture.Release()
			}
			delete(s.Material.Overlays, id)
		}
	}
}

func (b *Bundle) Destroyed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.destroyed
}

// TriangleCount sums triangles across surfaces.
func (b *Bundle) TriangleCount() int {
	n := 0
	for _, s := range b.Surfaces {
		n += s.TriangleCount()
	}
	return n
}
