// Package glscene draws attached tile bundles with OpenGL 4.1.
package glscene

import (
	_ "embed"
	"sort"

	"github.com/go-gl/gl/v4.1-core/gl"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/glog"

	"tilebridge/internal/bundle"
	"tilebridge/internal/scene"
)

var (
	//go:embed shaders/tile.vert
	tileVertShader string
	//go:embed shaders/tile.frag
	tileFragShader string
)

type nodeMeshes struct {
	surfaces []*surfaceMesh
	albedo   map[*bundle.Texture]uint32
}

// Renderer is a scene.Graph that keeps GPU meshes for every attached node.
// Node records live in the embedded Memory; all methods run on the GL thread.
type Renderer struct {
	*scene.Memory

	shader   *Shader
	nodes    map[scene.NodeID]*nodeMeshes
	lightDir mgl32.Vec3
}

var _ scene.Graph = (*Renderer)(nil)

func New() (*Renderer, error) {
	shader, err := NewShader(tileVertShader, tileFragShader)
	if err != nil {
		return nil, err
	}
	gl.Enable(gl.DEPTH_TEST)
	gl.FrontFace(gl.CCW)
	gl.CullFace(gl.BACK)
	return &Renderer{
		Memory:   scene.NewMemory(),
		shader:   shader,
		nodes:    make(map[scene.NodeID]*nodeMeshes),
		lightDir: mgl32.Vec3{-0.4, -1, -0.3}.Normalize(),
	}, nil
}

// Attach records the node and uploads its surfaces.
func (r *Renderer) Attach(name string, b *bundle.Bundle) (scene.NodeID, error) {
	id, err := r.Memory.Attach(name, b)
	if err != nil {
		return 0, err
	}
	nm := &nodeMeshes{albedo: make(map[*bundle.Texture]uint32)}
	for _, s := range b.Surfaces {
		m := uploadSurface(s)
		if m == nil {
			continue
		}
		if s.Material != nil && s.Material.AlbedoMap != nil {
			m.AlbedoMap = r.albedoFor(nm, name, s.Material.AlbedoMap)
		}
		nm.surfaces = append(nm.surfaces, m)
	}
	r.nodes[id] = nm
	glog.V(2).Infof("glscene: attached %s with %d surfaces", name, len(nm.surfaces))
	return id, nil
}

func (r *Renderer) albedoFor(nm *nodeMeshes, name string, t *bundle.Texture) uint32 {
	if tex, ok := nm.albedo[t]; ok {
		return tex
	}
	tex, err := uploadAlbedo(name, t)
	if err != nil {
		glog.Warningf("glscene: %s: albedo texture: %v", name, err)
	}
	nm.albedo[t] = tex
	return tex
}

// Destroy deletes the node's GPU resources and its record.
func (r *Renderer) Destroy(id scene.NodeID) {
	if nm, ok := r.nodes[id]; ok {
		for _, m := range nm.surfaces {
			m.delete()
		}
		for _, tex := range nm.albedo {
			if tex != 0 {
				gl.DeleteTextures(1, &tex)
			}
		}
		delete(r.nodes, id)
	}
	r.Memory.Destroy(id)
}

// Draw renders every visible node, opaque surfaces first.
func (r *Renderer) Draw(view, proj mgl64.Mat4) {
	gl.ClearColor(0.53, 0.81, 0.92, 1.0)
	gl.Clear(gl.COLOR_BUFFER_BIT | gl.DEPTH_BUFFER_BIT)

	r.shader.Use()
	r.shader.SetMatrix4("view", mat32(view))
	r.shader.SetMatrix4("proj", mat32(proj))
	r.shader.SetVector3("lightDir", r.lightDir)
	r.shader.SetInt("albedoMap", 0)
	r.shader.SetInt("overlayMap", 1)

	var blended []drawItem
	for _, n := range r.Visible() {
		nm := r.nodes[n.ID]
		if nm == nil {
			continue
		}
		model := mat32(n.Bundle.Transform.Mat4())
		for _, m := range nm.surfaces {
			item := drawItem{model: model, mesh: m}
			if mat := m.Surface.Material; mat != nil && mat.Transparency == bundle.TransparencyAlpha {
				blended = append(blended, item)
				continue
			}
			r.drawSurface(item)
		}
	}

	if len(blended) > 0 {
		gl.Enable(gl.BLEND)
		gl.BlendFunc(gl.SRC_ALPHA, gl.ONE_MINUS_SRC_ALPHA)
		gl.DepthMask(false)
		for _, item := range blended {
			r.drawSurface(item)
		}
		gl.DepthMask(true)
		gl.Disable(gl.BLEND)
	}
	gl.BindVertexArray(0)
}

type drawItem struct {
	model mgl32.Mat4
	mesh  *surfaceMesh
}

func (r *Renderer) drawSurface(item drawItem) {
	m := item.mesh
	mat := m.Surface.Material
	if mat == nil {
		mat = bundle.NewMaterial("")
	}
	if mat.Cull == bundle.CullDisabled {
		gl.Disable(gl.CULL_FACE)
	} else {
		gl.Enable(gl.CULL_FACE)
	}

	r.shader.SetMatrix4("model", item.model)
	r.shader.SetVector4("albedo", mat.Albedo)
	r.shader.SetBool("unshaded", mat.Unshaded)
	cutoff := float32(0)
	if mat.Transparency == bundle.TransparencyScissor {
		cutoff = mat.AlphaCutoff
	}
	r.shader.SetFloat("alphaCutoff", cutoff)

	r.shader.SetBool("hasAlbedoMap", m.AlbedoMap != 0)
	gl.ActiveTexture(gl.TEXTURE0)
	gl.BindTexture(gl.TEXTURE_2D, m.AlbedoMap)

	ov := firstOverlay(mat)
	r.shader.SetBool("hasOverlay", ov != nil)
	gl.ActiveTexture(gl.TEXTURE1)
	if ov != nil {
		r.shader.SetMatrix3("overlayUV", overlayMatrix(ov))
		r.shader.SetBool("overlayOnUV0", ov.UVSet == 0)
		gl.BindTexture(gl.TEXTURE_2D, ov.Texture.HostID)
	} else {
		gl.BindTexture(gl.TEXTURE_2D, 0)
	}

	gl.BindVertexArray(m.VAO)
	gl.DrawElements(gl.TRIANGLES, m.IndexCount, gl.UNSIGNED_INT, gl.PtrOffset(0))
}

// Stats reports attached nodes and uploaded surfaces.
func (r *Renderer) Stats() (nodes, surfaces int) {
	for _, nm := range r.nodes {
		surfaces += len(nm.surfaces)
	}
	return len(r.nodes), surfaces
}

// Dispose deletes every node and the shader program.
func (r *Renderer) Dispose() {
	for id := range r.nodes {
		r.Destroy(id)
	}
	r.shader.Delete()
}

// firstOverlay returns the bound overlay with the lowest id.
func firstOverlay(mat *bundle.Material) *bundle.OverlayBinding {
	if len(mat.Overlays) == 0 {
		return nil
	}
	ids := make([]int, 0, len(mat.Overlays))
	for id, ov := range mat.Overlays {
		if ov != nil && ov.Texture != nil && ov.UVSet >= 0 {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	sort.Ints(ids)
	return mat.Overlays[ids[0]]
}

// overlayMatrix maps uv to uv*scale + offset.
func overlayMatrix(ov *bundle.OverlayBinding) mgl32.Mat3 {
	return mgl32.Mat3{
		ov.Scale[0], 0, 0,
		0, ov.Scale[1], 0,
		ov.Offset[0], ov.Offset[1], 1,
	}
}

func mat32(m mgl64.Mat4) mgl32.Mat4 {
	var out mgl32.Mat4
	for i := range m {
		out[i] = float32(m[i])
	}
	return out
}
