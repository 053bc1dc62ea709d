package glscene

import (
	"github.com/go-gl/gl/v4.1-core/gl"

	"tilebridge/internal/bundle"
)

const (
	// Position(3) + UV0(2) + Normal(3) + UV1(2)
	VertexSize = 10
	FloatSize  = 4
)

// interleave packs a surface into the vertex layout above. Missing channels are zero.
func interleave(s *bundle.Surface) []float32 {
	out := make([]float32, 0, len(s.Positions)*VertexSize)
	for i, p := range s.Positions {
		var u0, v0, u1, v1 float32
		var nx, ny, nz float32
		if i < len(s.UV0) {
			u0, v0 = s.UV0[i][0], s.UV0[i][1]
		}
		if i < len(s.Normals) {
			nx, ny, nz = s.Normals[i][0], s.Normals[i][1], s.Normals[i][2]
		}
		if i < len(s.UV1) {
			u1, v1 = s.UV1[i][0], s.UV1[i][1]
		}
		out = append(out, p[0], p[1], p[2], u0, v0, nx, ny, nz, u1, v1)
	}
	return out
}

// surfaceMesh is one surface uploaded to the GPU.
type surfaceMesh struct {
	VAO        uint32
	VBO        uint32
	EBO        uint32
	IndexCount int32
	Surface    *bundle.Surface
	// AlbedoMap is owned by the node, not the mesh.
	AlbedoMap uint32
}

func uploadSurface(s *bundle.Surface) *surfaceMesh {
	vertices := interleave(s)
	if len(vertices) == 0 || len(s.Indices) == 0 {
		return nil
	}

	m := &surfaceMesh{Surface: s, IndexCount: int32(len(s.Indices))}
	gl.GenVertexArrays(1, &m.VAO)
	gl.GenBuffers(1, &m.VBO)
	gl.GenBuffers(1, &m.EBO)

	gl.BindVertexArray(m.VAO)
	gl.BindBuffer(gl.ARRAY_BUFFER, m.VBO)
	gl.BufferData(gl.ARRAY_BUFFER, len(vertices)*FloatSize, gl.Ptr(vertices), gl.STATIC_DRAW)
	gl.BindBuffer(gl.ELEMENT_ARRAY_BUFFER, m.EBO)
	gl.BufferData(gl.ELEMENT_ARRAY_BUFFER, len(s.Indices)*4, gl.Ptr(s.Indices), gl.STATIC_DRAW)

	stride := int32(VertexSize * FloatSize)
	// Pos
	gl.EnableVertexAttribArray(0)
	gl.VertexAttribPointer(0, 3, gl.FLOAT, false, stride, gl.PtrOffset(0))
	// UV0
	gl.EnableVertexAttribArray(1)
	gl.VertexAttribPointer(1, 2, gl.FLOAT, false, stride, gl.PtrOffset(3*FloatSize))
	// Normal
	gl.EnableVertexAttribArray(2)
	gl.VertexAttribPointer(2, 3, gl.FLOAT, false, stride, gl.PtrOffset(5*FloatSize))
	// UV1
	gl.EnableVertexAttribArray(3)
	gl.VertexAttribPointer(3, 2, gl.FLOAT, false, stride, gl.PtrOffset(8*FloatSize))

	gl.BindVertexArray(0)
	return m
}

func (m *surfaceMesh) delete() {
	gl.DeleteVertexArrays(1, &m.VAO)
	gl.DeleteBuffers(1, &m.VBO)
	gl.DeleteBuffers(1, &m.EBO)
	*m = surfaceMesh{}
}
