package prepare

import (
	"errors"
	"fmt"
	"sort"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/golang/glog"

	"tilebridge/internal/bundle"
	"tilebridge/internal/model"
)

var (
	ErrMissingPositions     = errors.New("primitive has no POSITION buffer")
	ErrUnsupportedIndexType = errors.New("unsupported index component type")
	ErrIndexOutOfRange      = errors.New("index out of range")
	ErrMalformedAttribute   = errors.New("malformed attribute buffer")
)

// BuildSurfaces converts every triangle primitive of m into a surface.
// Any malformed primitive fails the whole model.
func BuildSurfaces(m *model.Model, smoothNormals bool) ([]*bundle.Surface, error) {
	textures := make(map[int]*bundle.Texture)
	var out []*bundle.Surface
	for mi := range m.Meshes {
		mesh := &m.Meshes[mi]
		for pi := range mesh.Primitives {
			prim := &mesh.Primitives[pi]
			if prim.Mode != model.Triangles {
				glog.Warningf("mesh %d primitive %d: mode %d is not triangles, skipping", mi, pi, prim.Mode)
				continue
			}
			s, err := buildSurface(m, prim, smoothNormals, textures)
			if err != nil {
				return nil, fmt.Errorf("mesh %d primitive %d: %w", mi, pi, err)
			}
			out = append(out, s)
		}
	}
	return out, nil
}

func buildSurface(m *model.Model, prim *model.Primitive, smoothNormals bool, textures map[int]*bundle.Texture) (*bundle.Surface, error) {
	posAcc := prim.Attributes[model.AttrPosition]
	if posAcc == nil {
		return nil, ErrMissingPositions
	}
	if err := posAcc.CheckFloats(3); err != nil {
		return nil, fmt.Errorf("%w: POSITION: %v", ErrMalformedAttribute, err)
	}
	n := posAcc.Count
	src := materialFor(m, prim.Material)
	s := &bundle.Surface{
		Positions: make([]mgl32.Vec3, n),
		Material:  buildMaterial(m, src, textures),
	}
	for i := 0; i < n; i++ {
		s.Positions[i] = posAcc.Vec3(i)
	}

	indices, err := buildIndices(prim.Indices, n)
	if err != nil {
		return nil, err
	}
	s.Indices = indices

	if acc := prim.Attributes[model.AttrNormal]; acc != nil {
		if err := checkVertexAttr(acc, 3, n); err != nil {
			return nil, fmt.Errorf("%w: NORMAL: %v", ErrMalformedAttribute, err)
		}
		s.Normals = make([]mgl32.Vec3, n)
		for i := 0; i < n; i++ {
			nv := mgl32.Vec3(acc.Vec3(i))
			if src.DoubleSided {
				nv = nv.Mul(-1)
			}
			s.Normals[i] = nv
		}
	} else if smoothNormals {
		s.Normals = SmoothNormals(s.Positions, s.Indices)
	} else {
		s.Material.Unshaded = true
	}

	if err := assignUVs(prim, s, n); err != nil {
		return nil, err
	}
	return s, nil
}

// assignUVs fills UV0 and UV1 and records which channel carries each overlay.
// UV0 is TEXCOORD_0, or overlay 0 with v flipped. UV1 is TEXCOORD_1, or the
// lowest overlay not already in UV0.
func assignUVs(prim *model.Primitive, s *bundle.Surface, n int) error {
	var overlays []int
	for name := range prim.Attributes {
		if id, ok := model.ParseOverlayAttribute(name); ok {
			overlays = append(overlays, id)
		}
	}
	sort.Ints(overlays)
	if len(overlays) > 0 {
		s.OverlayUVSets = make(map[int]int, len(overlays))
		for _, id := range overlays {
			s.OverlayUVSets[id] = -1
		}
	}

	read := func(name string, flipV bool) ([]mgl32.Vec2, error) {
		acc := prim.Attributes[name]
		if err := checkVertexAttr(acc, 2, n); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedAttribute, name, err)
		}
		uv := make([]mgl32.Vec2, n)
		for i := 0; i < n; i++ {
			v := acc.Vec2(i)
			u, w := clamp01(v[0]), clamp01(v[1])
			if flipV {
				w = 1 - w
			}
			uv[i] = mgl32.Vec2{u, w}
		}
		return uv, nil
	}

	var err error
	if prim.Attributes[model.AttrTexcoord0] != nil {
		if s.UV0, err = read(model.AttrTexcoord0, false); err != nil {
			return err
		}
	} else if _, ok := s.OverlayUVSets[0]; ok {
		if s.UV0, err = read(model.OverlayAttribute(0), true); err != nil {
			return err
		}
		s.OverlayUVSets[0] = 0
	}

	if prim.Attributes[model.AttrTexcoord1] != nil {
		if s.UV1, err = read(model.AttrTexcoord1, false); err != nil {
			return err
		}
		return nil
	}
	for _, id := range overlays {
		if s.OverlayUVSets[id] != -1 {
			continue
		}
		if s.UV1, err = read(model.OverlayAttribute(id), true); err != nil {
			return err
		}
		s.OverlayUVSets[id] = 1
		break
	}
	return nil
}

func checkVertexAttr(acc *model.Accessor, comps, n int) error {
	if err := acc.CheckFloats(comps); err != nil {
		return err
	}
	if acc.Count != n {
		return fmt.Errorf("%d elements for %d vertices", acc.Count, n)
	}
	return nil
}

// buildIndices validates the index buffer and pads it to whole triangles by
// repeating the last index. A missing buffer yields sequential indices.
func buildIndices(acc *model.Accessor, vertexCount int) ([]uint32, error) {
	var out []uint32
	if acc == nil {
		out = make([]uint32, vertexCount, vertexCount+2)
		for i := range out {
			out[i] = uint32(i)
		}
	} else {
		switch acc.ComponentType {
		case model.ComponentUbyte, model.ComponentUshort, model.ComponentUint:
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedIndexType, acc.ComponentType)
		}
		if len(acc.Uints) < acc.Count {
			return nil, fmt.Errorf("%w: indices hold %d of %d", ErrMalformedAttribute, len(acc.Uints), acc.Count)
		}
		out = make([]uint32, acc.Count, acc.Count+2)
		for i := 0; i < acc.Count; i++ {
			idx := acc.Uints[i]
			if int(idx) >= vertexCount {
				return nil, fmt.Errorf("%w: %d >= %d vertices", ErrIndexOutOfRange, idx, vertexCount)
			}
			out[i] = idx
		}
	}
	if len(out) == 0 {
		return out, nil
	}
	for len(out)%3 != 0 {
		out = append(out, out[len(out)-1])
	}
	return out, nil
}

// SmoothNormals computes area-weighted vertex normals.
func SmoothNormals(positions []mgl32.Vec3, indices []uint32) []mgl32.Vec3 {
	normals := make([]mgl32.Vec3, len(positions))
	for i := 0; i+2 < len(indices); i += 3 {
		a, b, c := indices[i], indices[i+1], indices[i+2]
		face := positions[b].Sub(positions[a]).Cross(positions[c].Sub(positions[a]))
		normals[a] = normals[a].Add(face)
		normals[b] = normals[b].Add(face)
		normals[c] = normals[c].Add(face)
	}
	for i, nv := range normals {
		if nv.Len() > 0 {
			normals[i] = nv.Normalize()
		} else {
			normals[i] = mgl32.Vec3{0, 1, 0}
		}
	}
	return normals
}

func materialFor(m *model.Model, idx int) model.Material {
	if idx < 0 {
		return model.DefaultMaterial()
	}
	if idx >= len(m.Materials) {
		glog.Warningf("material %d out of range (%d materials), using default", idx, len(m.Materials))
		return model.DefaultMaterial()
	}
	return m.Materials[idx]
}

func buildMaterial(m *model.Model, src model.Material, textures map[int]*bundle.Texture) *bundle.Material {
	mat := bundle.NewMaterial(src.Name)
	f := src.BaseColorFactor
	mat.Albedo = mgl32.Vec4{float32(f[0]), float32(f[1]), float32(f[2]), float32(f[3])}
	mat.Metallic = float32(src.MetallicFactor)
	mat.Roughness = float32(src.RoughnessFactor)
	if src.DoubleSided {
		mat.Cull = bundle.CullDisabled
	}
	switch src.AlphaMode {
	case model.AlphaBlend:
		mat.Transparency = bundle.TransparencyAlpha
	case model.AlphaMask:
		mat.Transparency = bundle.TransparencyScissor
		mat.AlphaCutoff = float32(src.AlphaCutoff)
	default:
		mat.Transparency = bundle.TransparencyDisabled
	}
	if src.BaseColorTexture >= 0 {
		if tex, ok := textures[src.BaseColorTexture]; ok {
			mat.AlbedoMap = tex
		} else if img := m.TextureImage(src.BaseColorTexture); img != nil {
			tex := &bundle.Texture{Width: img.Width, Height: img.Height, Pixels: img.Pixels}
			textures[src.BaseColorTexture] = tex
			mat.AlbedoMap = tex
		}
	}
	return mat
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
