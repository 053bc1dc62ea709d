// Package model holds the in-memory scene model produced by a Decoder from a tile payload.
package model

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-gl/mathgl/mgl64"
)

// Attribute semantics understood by the mesh builder.
const (
	AttrPosition  = "POSITION"
	AttrNormal    = "NORMAL"
	AttrTexcoord0 = "TEXCOORD_0"
	AttrTexcoord1 = "TEXCOORD_1"

	overlayPrefix = "_CESIUMOVERLAY_"
)

// OverlayAttribute returns the attribute name of the UV set used by raster overlay n.
func OverlayAttribute(n int) string {
	return overlayPrefix + strconv.Itoa(n)
}

// ParseOverlayAttribute reports the overlay index encoded in name, if any.
func ParseOverlayAttribute(name string) (int, bool) {
	if !strings.HasPrefix(name, overlayPrefix) {
		return 0, false
	}
	n, err := strconv.Atoi(name[len(overlayPrefix):])
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

type ComponentType uint8

const (
	ComponentUnknown ComponentType = iota
	ComponentByte
	ComponentUbyte
	ComponentShort
	ComponentUshort
	ComponentUint
	ComponentFloat
)

func (c ComponentType) String() string {
	switch c {
	case ComponentByte:
		return "byte"
	case ComponentUbyte:
		return "ubyte"
	case ComponentShort:
		return "short"
	case ComponentUshort:
		return "ushort"
	case ComponentUint:
		return "uint"
	case ComponentFloat:
		return "float"
	default:
		return "unknown"
	}
}

// Accessor is a decoded attribute or index buffer. Float attributes are widened
// into Floats (Count*Components values); index buffers are widened into Uints.
type Accessor struct {
	ComponentType ComponentType
	Components    int
	Count         int
	Floats        []float32
	Uints         []uint32
}

// Vec3 returns element i of a 3-component float accessor.
func (a *Accessor) Vec3(i int) [3]float32 {
	o := i * 3
	return [3]float32{a.Floats[o], a.Floats[o+1], a.Floats[o+2]}
}

// Vec2 returns element i of a 2-component float accessor.
func (a *Accessor) Vec2(i int) [2]float32 {
	o := i * 2
	return [2]float32{a.Floats[o], a.Floats[o+1]}
}

// CheckFloats validates that the accessor carries comps floats per element.
func (a *Accessor) CheckFloats(comps int) error {
	if a.Components != comps {
		return fmt.Errorf("expected %d components, got %d", comps, a.Components)
	}
	if len(a.Floats) < a.Count*comps {
		return fmt.Errorf("buffer holds %d floats, need %d", len(a.Floats), a.Count*comps)
	}
	return nil
}

type PrimitiveMode uint8

const (
	Triangles PrimitiveMode = iota
	Points
	Lines
	LineLoop
	LineStrip
	TriangleStrip
	TriangleFan
)

type Primitive struct {
	Mode       PrimitiveMode
	Attributes map[string]*Accessor
	Indices    *Accessor
	// Material indexes Model.Materials; -1 means the default material.
	Material int
}

type Mesh struct {
	Name       string
	Primitives []Primitive
}

type AlphaMode uint8

const (
	AlphaOpaque AlphaMode = iota
	AlphaMask
	AlphaBlend
)

type Material struct {
	Name            string
	BaseColorFactor [4]float64
	MetallicFactor  float64
	RoughnessFactor float64
	// BaseColorTexture indexes Model.Textures; -1 when absent.
	BaseColorTexture int
	DoubleSided      bool
	AlphaMode        AlphaMode
	AlphaCutoff      float64
}

// DefaultMaterial mirrors glTF defaults.
func DefaultMaterial() Material {
	return Material{
		BaseColorFactor:  [4]float64{1, 1, 1, 1},
		MetallicFactor:   1,
		RoughnessFactor:  1,
		BaseColorTexture: -1,
		AlphaCutoff:      0.5,
	}
}

// Image is decoded 8-bit RGBA pixel data.
type Image struct {
	Width  int
	Height int
	Pixels []byte
}

type Texture struct {
	// Source indexes Model.Images; -1 when the texture has no usable image.
	Source int
}

// Node carries either TRS components or a column-major matrix.
// Nil slices mean the component was not present in the payload.
type Node struct {
	Name        string
	Mesh        int
	Children    []int
	Translation []float64
	Rotation    []float64
	Scale       []float64
	Matrix      []float64
}

// HasMatrix reports whether the node carries a non-identity 4x4 matrix.
func (n *Node) HasMatrix() bool {
	if len(n.Matrix) != 16 {
		return false
	}
	return mgl64.Mat4(*(*[16]float64)(n.Matrix)) != mgl64.Ident4()
}

type UpAxis uint8

const (
	UpAxisY UpAxis = iota
	UpAxisX
	UpAxisZ
)

// Model is a decoded tile payload.
type Model struct {
	Meshes    []Mesh
	Materials []Material
	Textures  []Texture
	Images    []Image
	Nodes     []Node
	// RootNodes lists the nodes of the default scene.
	RootNodes []int
	RTCCenter *mgl64.Vec3
	UpAxis    UpAxis
	// Copyright is shown as an on-screen credit while the tile renders.
	Copyright string
}

// Root returns the first root node, or nil if the model has none.
func (m *Model) Root() *Node {
	if len(m.RootNodes) > 0 {
		i := m.RootNodes[0]
		if i >= 0 && i < len(m.Nodes) {
			return &m.Nodes[i]
		}
	}
	if len(m.Nodes) > 0 {
		return &m.Nodes[0]
	}
	return nil
}

// TextureImage resolves a texture index to its image.
func (m *Model) TextureImage(texture int) *Image {
	if texture < 0 || texture >= len(m.Textures) {
		return nil
	}
	src := m.Textures[texture].Source
	if src < 0 || src >= len(m.Images) {
		return nil
	}
	return &m.Images[src]
}

// Decoder parses a raw tile payload into a Model.
type Decoder interface {
	Decode(data []byte) (*Model, error)
}
