package prepare

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"

	"tilebridge/internal/bundle"
	"tilebridge/internal/model"
)

// RootTransform reads the root node transform. The node matrix is used when
// matrixAuthoritative is set or when the node has no TRS fields at all.
// missing lists the components that defaulted to identity.
func RootTransform(node *model.Node, matrixAuthoritative bool) (xf bundle.Transform, missing []string) {
	xf = bundle.IdentityTransform()
	if node == nil {
		return xf, []string{"node"}
	}
	hasTRS := node.Translation != nil || node.Rotation != nil || node.Scale != nil
	if node.HasMatrix() && (matrixAuthoritative || !hasTRS) {
		return DecomposeMatrix(mgl64.Mat4(*(*[16]float64)(node.Matrix))), nil
	}

	if len(node.Translation) == 3 {
		xf.Translation = mgl64.Vec3{node.Translation[0], node.Translation[1], node.Translation[2]}
	} else {
		missing = append(missing, "translation")
	}
	if len(node.Rotation) == 4 {
		// glTF stores (x, y, z, w)
		q := mgl64.Quat{W: node.Rotation[3], V: mgl64.Vec3{node.Rotation[0], node.Rotation[1], node.Rotation[2]}}
		if q.Len() > 0 {
			xf.Rotation = q.Normalize()
		}
	} else {
		missing = append(missing, "rotation")
	}
	if len(node.Scale) == 3 {
		xf.Scale = mgl64.Vec3{node.Scale[0], node.Scale[1], node.Scale[2]}
	}
	return xf, missing
}

// DecomposeMatrix splits an affine matrix into translation, rotation and scale
// such that T*R*S reproduces m. Reflections are folded into a negative x scale.
func DecomposeMatrix(m mgl64.Mat4) bundle.Transform {
	c0, c1, c2, c3 := m.Cols()
	sx, sy, sz := c0.Vec3().Len(), c1.Vec3().Len(), c2.Vec3().Len()
	if m.Mat3().Det() < 0 {
		sx = -sx
	}
	rot := mgl64.Ident4()
	if sx != 0 && sy != 0 && sz != 0 {
		rot.SetCol(0, c0.Mul(1/sx))
		rot.SetCol(1, c1.Mul(1/sy))
		rot.SetCol(2, c2.Mul(1/sz))
		rot.SetCol(3, mgl64.Vec4{0, 0, 0, 1})
	}
	return bundle.Transform{
		Translation: c3.Vec3(),
		Rotation:    mgl64.Mat4ToQuat(rot).Normalize(),
		Scale:       mgl64.Vec3{sx, sy, sz},
	}
}

// upAxisCorrection rotates a model's up axis onto +Z, the tile frame convention.
func upAxisCorrection(axis model.UpAxis) mgl64.Mat4 {
	switch axis {
	case model.UpAxisY:
		return mgl64.HomogRotate3DX(math.Pi / 2)
	case model.UpAxisX:
		return mgl64.HomogRotate3DY(-math.Pi / 2)
	default:
		return mgl64.Ident4()
	}
}

// modelToWorld composes the tile transform with the model's RTC centre and up-axis correction.
func modelToWorld(tile mgl64.Mat4, m *model.Model) mgl64.Mat4 {
	xf := tile
	axis := model.UpAxisY
	if m != nil {
		if m.RTCCenter != nil {
			c := *m.RTCCenter
			xf = xf.Mul4(mgl64.Translate3D(c.X(), c.Y(), c.Z()))
		}
		axis = m.UpAxis
	}
	return xf.Mul4(upAxisCorrection(axis))
}
