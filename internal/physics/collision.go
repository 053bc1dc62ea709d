package physics

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/go-gl/mathgl/mgl64"

	"tilebridge/internal/bundle"
)

// BuildConcaveShape builds a triangle soup from every surface of b.
// Winding is reversed relative to the render winding: the physics engine
// treats the opposite side as the solid exterior.
func BuildConcaveShape(b *bundle.Bundle) *bundle.CollisionShape {
	shape := &bundle.CollisionShape{Faces: make([]mgl32.Vec3, 0, b.TriangleCount()*3)}
	for _, s := range b.Surfaces {
		n := uint32(len(s.Positions))
		for i := 0; i+2 < len(s.Indices); i += 3 {
			a, bb, c := s.Indices[i], s.Indices[i+1], s.Indices[i+2]
			if a >= n || bb >= n || c >= n {
				continue
			}
			shape.Faces = append(shape.Faces, s.Positions[c], s.Positions[bb], s.Positions[a])
		}
	}
	return shape
}

// RaycastResult stores the result of a ray test against a collision shape.
type RaycastResult struct {
	Position mgl64.Vec3
	Normal   mgl64.Vec3
	Distance float64
	Hit      bool
}

const epsilon = 1e-9

// Raycast intersects a world-space ray with shape placed by xf. Disabled shapes never hit.
// Triangles are tested from both sides.
func Raycast(shape *bundle.CollisionShape, xf mgl64.Mat4, origin, dir mgl64.Vec3, maxDist float64) RaycastResult {
	result := RaycastResult{Distance: maxDist}
	if shape == nil || shape.Disabled || dir.Len() == 0 {
		return RaycastResult{}
	}
	dir = dir.Normalize()
	for i := 0; i+2 < len(shape.Faces); i += 3 {
		v0 := xf.Mul4x1(vec4(shape.Faces[i])).Vec3()
		v1 := xf.Mul4x1(vec4(shape.Faces[i+1])).Vec3()
		v2 := xf.Mul4x1(vec4(shape.Faces[i+2])).Vec3()
		t, ok := intersectTriangle(origin, dir, v0, v1, v2)
		if !ok || t > result.Distance {
			continue
		}
		result.Hit = true
		result.Distance = t
		result.Position = origin.Add(dir.Mul(t))
		result.Normal = v1.Sub(v0).Cross(v2.Sub(v0)).Normalize()
	}
	if !result.Hit {
		return RaycastResult{}
	}
	return result
}

func vec4(v mgl32.Vec3) mgl64.Vec4 {
	return mgl64.Vec4{float64(v[0]), float64(v[1]), float64(v[2]), 1}
}

// intersectTriangle is the Möller–Trumbore test.
func intersectTriangle(origin, dir, v0, v1, v2 mgl64.Vec3) (float64, bool) {
	e1 := v1.Sub(v0)
	e2 := v2.Sub(v0)
	p := dir.Cross(e2)
	det := e1.Dot(p)
	if math.Abs(det) < epsilon {
		return 0, false
	}
	inv := 1 / det
	s := origin.Sub(v0)
	u := s.Dot(p) * inv
	if u < 0 || u > 1 {
		return 0, false
	}
	q := s.Cross(e1)
	v := dir.Dot(q) * inv
	if v < 0 || u+v > 1 {
		return 0, false
	}
	t := e2.Dot(q) * inv
	if t < 0 {
		return 0, false
	}
	return t, true
}
