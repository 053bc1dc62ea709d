package bundle

import "github.com/go-gl/mathgl/mgl32"

// CollisionShape is a concave triangle soup in the bundle's local space.
// Every three consecutive entries of Faces form one triangle.
type CollisionShape struct {
	Faces    []mgl32.Vec3
	Disabled bool
}

func (c *CollisionShape) TriangleCount() int { return len(c.Faces) / 3 }
