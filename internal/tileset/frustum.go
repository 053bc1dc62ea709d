package tileset

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"

	"tilebridge/internal/engine"
)

type plane struct {
	a, b, c, d float64
}

// frustum holds the side and near planes of one view; tiles are never culled
// by distance.
type frustum struct {
	planes [5]plane
}

func newFrustum(vs engine.ViewState) *frustum {
	aspect := 1.0
	if t := math.Tan(vs.VerticalFOV / 2); t > 0 {
		aspect = math.Tan(vs.HorizontalFOV/2) / t
	}
	proj := mgl64.Perspective(vs.VerticalFOV, aspect, 0.1, 1e10)
	view := mgl64.LookAtV(vs.Position, vs.Position.Add(vs.Forward), vs.Up)
	all := extractFrustumPlanes(proj.Mul4(view))
	f := &frustum{}
	copy(f.planes[:], all[:5])
	return f
}

// extractFrustumPlanes builds six planes from the combined projection*view matrix.
// Planes are returned in order: left, right, bottom, top, near, far.
func extractFrustumPlanes(clip mgl64.Mat4) [6]plane {
	m00, m01, m02, m03 := clip[0], clip[4], clip[8], clip[12]
	m10, m11, m12, m13 := clip[1], clip[5], clip[9], clip[13]
	m20, m21, m22, m23 := clip[2], clip[6], clip[10], clip[14]
	m30, m31, m32, m33 := clip[3], clip[7], clip[11], clip[15]

	return [6]plane{
		normalizePlane(plane{m30 + m00, m31 + m01, m32 + m02, m33 + m03}),
		normalizePlane(plane{m30 - m00, m31 - m01, m32 - m02, m33 - m03}),
		normalizePlane(plane{m30 + m10, m31 + m11, m32 + m12, m33 + m13}),
		normalizePlane(plane{m30 - m10, m31 - m11, m32 - m12, m33 - m13}),
		normalizePlane(plane{m30 + m20, m31 + m21, m32 + m22, m33 + m23}),
		normalizePlane(plane{m30 - m20, m31 - m21, m32 - m22, m33 - m23}),
	}
}

func normalizePlane(p plane) plane {
	l := math.Sqrt(p.a*p.a + p.b*p.b + p.c*p.c)
	if l == 0 {
		return p
	}
	return plane{p.a / l, p.b / l, p.c / l, p.d / l}
}

// intersectsAABB tests the positive vertex of the box against every plane.
func (f *frustum) intersectsAABB(min, max mgl64.Vec3) bool {
	for _, p := range f.planes {
		px := max.X()
		if p.a < 0 {
			px = min.X()
		}
		py := max.Y()
		if p.b < 0 {
			py = min.Y()
		}
		pz := max.Z()
		if p.c < 0 {
			pz = min.Z()
		}
		if p.a*px+p.b*py+p.c*pz+p.d < 0 {
			return false
		}
	}
	return true
}

func (f *frustum) intersectsSphere(c mgl64.Vec3, r float64) bool {
	for _, p := range f.planes {
		if p.a*c.X()+p.b*c.Y()+p.c*c.Z()+p.d < -r {
			return false
		}
	}
	return true
}
