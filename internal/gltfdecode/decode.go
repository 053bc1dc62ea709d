// Package gltfdecode turns glTF, GLB and b3dm tile payloads into models.
package gltfdecode

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"image"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/glog"
	"github.com/qmuntal/gltf"
	"github.com/qmuntal/gltf/modeler"

	"tilebridge/internal/model"
	"tilebridge/internal/raster"
)

// DecodeError reports a payload that could not be turned into a model.
type DecodeError struct {
	Format string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Format, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

var ErrUnsupportedFormat = errors.New("unsupported payload format")

// Decoder implements model.Decoder.
type Decoder struct {
	// UpAxis is the up axis declared by the tileset for its glTF content.
	UpAxis model.UpAxis
}

var _ model.Decoder = Decoder{}

func (d Decoder) Decode(data []byte) (*model.Model, error) {
	switch {
	case bytes.HasPrefix(data, []byte("b3dm")):
		b, err := parseB3DM(data)
		if err != nil {
			return nil, &DecodeError{Format: "b3dm", Err: err}
		}
		m, err := d.decodeGLTF(b.glb)
		if err != nil {
			return nil, &DecodeError{Format: "b3dm", Err: err}
		}
		if b.rtcCenter != nil && m.RTCCenter == nil {
			m.RTCCenter = b.rtcCenter
		}
		return m, nil
	case bytes.HasPrefix(data, []byte("glTF")):
		m, err := d.decodeGLTF(data)
		if err != nil {
			return nil, &DecodeError{Format: "glb", Err: err}
		}
		return m, nil
	case len(bytes.TrimSpace(data)) > 0 && bytes.TrimSpace(data)[0] == '{':
		m, err := d.decodeGLTF(data)
		if err != nil {
			return nil, &DecodeError{Format: "gltf", Err: err}
		}
		return m, nil
	default:
		magic := data
		if len(magic) > 4 {
			magic = magic[:4]
		}
		return nil, &DecodeError{Format: fmt.Sprintf("%q", magic), Err: ErrUnsupportedFormat}
	}
}

func (d Decoder) decodeGLTF(data []byte) (*model.Model, error) {
	doc := new(gltf.Document)
	if err := gltf.NewDecoder(bytes.NewReader(data)).Decode(doc); err != nil {
		return nil, err
	}
	jsonChunk, err := jsonOf(data)
	if err != nil {
		return nil, err
	}
	presence, err := nodePresence(jsonChunk)
	if err != nil {
		return nil, err
	}

	m := &model.Model{UpAxis: d.UpAxis, Copyright: doc.Asset.Copyright}
	if m.Meshes, err = convertMeshes(doc); err != nil {
		return nil, err
	}
	m.Materials = convertMaterials(doc)
	m.Images = convertImages(doc)
	for _, t := range doc.Textures {
		src := -1
		if t.Source != nil {
			src = *t.Source
		}
		m.Textures = append(m.Textures, model.Texture{Source: src})
	}
	m.Nodes = convertNodes(doc, presence)
	m.RootNodes = rootNodes(doc)
	if c, ok := cesiumRTC(doc); ok {
		m.RTCCenter = &c
	}
	return m, nil
}

func convertMeshes(doc *gltf.Document) ([]model.Mesh, error) {
	out := make([]model.Mesh, 0, len(doc.Meshes))
	for mi, mesh := range doc.Meshes {
		mm := model.Mesh{Name: mesh.Name}
		for pi, prim := range mesh.Primitives {
			p, err := convertPrimitive(doc, prim)
			if err != nil {
				return nil, fmt.Errorf("mesh %d primitive %d: %w", mi, pi, err)
			}
			mm.Primitives = append(mm.Primitives, p)
		}
		out = append(out, mm)
	}
	return out, nil
}

func convertPrimitive(doc *gltf.Document, prim *gltf.Primitive) (model.Primitive, error) {
	p := model.Primitive{
		Mode:       primitiveMode(prim.Mode),
		Attributes: make(map[string]*model.Accessor, len(prim.Attributes)),
		Material:   -1,
	}
	if prim.Material != nil {
		p.Material = *prim.Material
	}
	for name, idx := range prim.Attributes {
		acr, err := accessorAt(doc, idx)
		if err != nil {
			return p, fmt.Errorf("%s: %w", name, err)
		}
		a, err := readAttribute(doc, name, acr)
		if err != nil {
			return p, fmt.Errorf("%s: %w", name, err)
		}
		if a != nil {
			p.Attributes[name] = a
		}
	}
	if prim.Indices != nil {
		acr, err := accessorAt(doc, *prim.Indices)
		if err != nil {
			return p, fmt.Errorf("indices: %w", err)
		}
		a := &model.Accessor{ComponentType: componentType(acr.ComponentType), Components: 1, Count: acr.Count}
		// Unsupported index types are rejected by the mesh builder, not here.
		switch acr.ComponentType {
		case gltf.ComponentUbyte, gltf.ComponentUshort, gltf.ComponentUint:
			if a.Uints, err = modeler.ReadIndices(doc, acr, nil); err != nil {
				return p, fmt.Errorf("indices: %w", err)
			}
		}
		p.Indices = a
	}
	return p, nil
}

func accessorAt(doc *gltf.Document, idx int) (*gltf.Accessor, error) {
	if idx < 0 || idx >= len(doc.Accessors) {
		return nil, fmt.Errorf("accessor %d out of range", idx)
	}
	return doc.Accessors[idx], nil
}

// readAttribute widens the vertex attributes the mesh builder understands.
// Other attributes are dropped.
func readAttribute(doc *gltf.Document, name string, acr *gltf.Accessor) (*model.Accessor, error) {
	out := &model.Accessor{ComponentType: componentType(acr.ComponentType), Count: acr.Count}
	_, isOverlay := model.ParseOverlayAttribute(name)
	switch {
	case name == model.AttrPosition:
		v, err := modeler.ReadPosition(doc, acr, nil)
		if err != nil {
			return nil, err
		}
		out.Components, out.Floats = 3, flatten3(v)
	case name == model.AttrNormal:
		v, err := modeler.ReadNormal(doc, acr, nil)
		if err != nil {
			return nil, err
		}
		out.Components, out.Floats = 3, flatten3(v)
	case name == model.AttrTexcoord0 || name == model.AttrTexcoord1 || isOverlay:
		v, err := modeler.ReadTextureCoord(doc, acr, nil)
		if err != nil {
			return nil, err
		}
		out.Components, out.Floats = 2, flatten2(v)
	default:
		return nil, nil
	}
	out.ComponentType = model.ComponentFloat
	return out, nil
}

func flatten3(v [][3]float32) []float32 {
	out := make([]float32, 0, len(v)*3)
	for _, e := range v {
		out = append(out, e[0], e[1], e[2])
	}
	return out
}

func flatten2(v [][2]float32) []float32 {
	out := make([]float32, 0, len(v)*2)
	for _, e := range v {
		out = append(out, e[0], e[1])
	}
	return out
}

func componentType(c gltf.ComponentType) model.ComponentType {
	switch c {
	case gltf.ComponentByte:
		return model.ComponentByte
	case gltf.ComponentUbyte:
		return model.ComponentUbyte
	case gltf.ComponentShort:
		return model.ComponentShort
	case gltf.ComponentUshort:
		return model.ComponentUshort
	case gltf.ComponentUint:
		return model.ComponentUint
	case gltf.ComponentFloat:
		return model.ComponentFloat
	default:
		return model.ComponentUnknown
	}
}

func primitiveMode(m gltf.PrimitiveMode) model.PrimitiveMode {
	switch m {
	case gltf.PrimitivePoints:
		return model.Points
	case gltf.PrimitiveLines:
		return model.Lines
	case gltf.PrimitiveLineLoop:
		return model.LineLoop
	case gltf.PrimitiveLineStrip:
		return model.LineStrip
	case gltf.PrimitiveTriangleStrip:
		return model.TriangleStrip
	case gltf.PrimitiveTriangleFan:
		return model.TriangleFan
	default:
		return model.Triangles
	}
}

func convertMaterials(doc *gltf.Document) []model.Material {
	out := make([]model.Material, 0, len(doc.Materials))
	for _, mat := range doc.Materials {
		m := model.DefaultMaterial()
		m.Name = mat.Name
		m.DoubleSided = mat.DoubleSided
		if pbr := mat.PBRMetallicRoughness; pbr != nil {
			if pbr.BaseColorFactor != nil {
				m.BaseColorFactor = *pbr.BaseColorFactor
			}
			if pbr.MetallicFactor != nil {
				m.MetallicFactor = *pbr.MetallicFactor
			}
			if pbr.RoughnessFactor != nil {
				m.RoughnessFactor = *pbr.RoughnessFactor
			}
			if pbr.BaseColorTexture != nil {
				m.BaseColorTexture = pbr.BaseColorTexture.Index
			}
		}
		switch mat.AlphaMode {
		case gltf.AlphaBlend:
			m.AlphaMode = model.AlphaBlend
		case gltf.AlphaMask:
			m.AlphaMode = model.AlphaMask
		default:
			m.AlphaMode = model.AlphaOpaque
		}
		if mat.AlphaCutoff != nil {
			m.AlphaCutoff = *mat.AlphaCutoff
		}
		out = append(out, m)
	}
	return out
}

// convertImages decodes embedded images. Images that fail to decode stay
// empty so texture indices keep lining up.
func convertImages(doc *gltf.Document) []model.Image {
	out := make([]model.Image, len(doc.Images))
	for i, img := range doc.Images {
		data, err := imageBytes(doc, img)
		if err != nil {
			glog.Warningf("image %d: %v", i, err)
			continue
		}
		src, _, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			glog.Warningf("image %d: %v", i, err)
			continue
		}
		rgba := raster.ToRGBA(src)
		out[i] = model.Image{Width: rgba.Rect.Dx(), Height: rgba.Rect.Dy(), Pixels: rgba.Pix}
	}
	return out
}

func imageBytes(doc *gltf.Document, img *gltf.Image) ([]byte, error) {
	if img.BufferView != nil {
		if *img.BufferView < 0 || *img.BufferView >= len(doc.BufferViews) {
			return nil, fmt.Errorf("buffer view %d out of range", *img.BufferView)
		}
		return modeler.ReadBufferView(doc, doc.BufferViews[*img.BufferView])
	}
	if img.IsEmbeddedResource() {
		return img.MarshalData()
	}
	return nil, fmt.Errorf("external image %q not supported", img.URI)
}

func convertNodes(doc *gltf.Document, presence []nodeFields) []model.Node {
	out := make([]model.Node, len(doc.Nodes))
	for i, n := range doc.Nodes {
		mn := model.Node{Name: n.Name, Mesh: -1, Children: n.Children}
		if n.Mesh != nil {
			mn.Mesh = *n.Mesh
		}
		var has nodeFields
		if i < len(presence) {
			has = presence[i]
		}
		if has.Translation != nil {
			mn.Translation = n.Translation[:]
		}
		if has.Rotation != nil {
			mn.Rotation = n.Rotation[:]
		}
		if has.Scale != nil {
			mn.Scale = n.Scale[:]
		}
		if has.Matrix != nil {
			mn.Matrix = n.Matrix[:]
		}
		out[i] = mn
	}
	return out
}

func rootNodes(doc *gltf.Document) []int {
	scene := 0
	if doc.Scene != nil {
		scene = *doc.Scene
	}
	if scene >= 0 && scene < len(doc.Scenes) {
		return doc.Scenes[scene].Nodes
	}
	return nil
}

func cesiumRTC(doc *gltf.Document) (mgl64.Vec3, bool) {
	ext, ok := doc.Extensions["CESIUM_RTC"]
	if !ok {
		return mgl64.Vec3{}, false
	}
	raw, ok := ext.(json.RawMessage)
	if !ok {
		var err error
		if raw, err = json.Marshal(ext); err != nil {
			return mgl64.Vec3{}, false
		}
	}
	var rtc struct {
		Center []float64 `json:"center"`
	}
	if err := json.Unmarshal(raw, &rtc); err != nil || len(rtc.Center) != 3 {
		glog.Warningf("ignoring malformed CESIUM_RTC extension")
		return mgl64.Vec3{}, false
	}
	return mgl64.Vec3{rtc.Center[0], rtc.Center[1], rtc.Center[2]}, true
}
