package gltfdecode

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/qmuntal/gltf"
	"github.com/qmuntal/gltf/modeler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilebridge/internal/model"
	"tilebridge/internal/prepare"
)

func buildGLB(t *testing.T) []byte {
	t.Helper()
	doc := gltf.NewDocument()
	doc.Asset.Copyright = "Example Data"
	pos := modeler.WritePosition(doc, [][3]float32{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}})
	uv := modeler.WriteTextureCoord(doc, [][2]float32{{0, 0}, {1, 0}, {0, 1}})
	idx := modeler.WriteIndices(doc, []uint16{0, 1, 2})
	doc.Meshes = []*gltf.Mesh{{
		Name: "tri",
		Primitives: []*gltf.Primitive{{
			Indices:    gltf.Index(idx),
			Attributes: map[string]int{model.AttrPosition: pos, model.OverlayAttribute(0): uv},
			Material:   gltf.Index(0),
		}},
	}}
	base := [4]float64{0.5, 0.25, 1, 1}
	doc.Materials = []*gltf.Material{{
		Name:        "roof",
		DoubleSided: true,
		AlphaMode:   gltf.AlphaBlend,
		PBRMetallicRoughness: &gltf.PBRMetallicRoughness{
			BaseColorFactor: &base,
		},
	}}
	doc.Nodes = []*gltf.Node{{
		Mesh:        gltf.Index(0),
		Translation: [3]float64{1, 2, 3},
		Rotation:    [4]float64{0, 0, 0, 1},
		Scale:       [3]float64{1, 1, 1},
		Matrix:      [16]float64{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1},
	}}
	doc.Scenes[0].Nodes = []int{0}

	var buf bytes.Buffer
	enc := gltf.NewEncoder(&buf)
	enc.AsBinary = true
	require.NoError(t, enc.Encode(doc))
	return buf.Bytes()
}

func wrapB3DM(glb []byte, featureTable string) []byte {
	for len(featureTable)%8 != 0 {
		featureTable += " "
	}
	total := b3dmHeaderLen + len(featureTable) + len(glb)
	out := make([]byte, b3dmHeaderLen, total)
	copy(out, "b3dm")
	le := binary.LittleEndian
	le.PutUint32(out[4:], 1)
	le.PutUint32(out[8:], uint32(total))
	le.PutUint32(out[12:], uint32(len(featureTable)))
	out = append(out, featureTable...)
	return append(out, glb...)
}

func TestDecodeGLB(t *testing.T) {
	m, err := Decoder{}.Decode(buildGLB(t))
	require.NoError(t, err)

	assert.Equal(t, "Example Data", m.Copyright)
	assert.Equal(t, model.UpAxisY, m.UpAxis)
	require.Len(t, m.Meshes, 1)
	prim := m.Meshes[0].Primitives[0]
	assert.Equal(t, model.Triangles, prim.Mode)
	assert.Equal(t, 0, prim.Material)
	require.Contains(t, prim.Attributes, model.AttrPosition)
	assert.Equal(t, 3, prim.Attributes[model.AttrPosition].Count)
	assert.Equal(t, []float32{0, 0, 0, 1, 0, 0, 0, 1, 0}, prim.Attributes[model.AttrPosition].Floats)
	require.Contains(t, prim.Attributes, model.OverlayAttribute(0))
	assert.Equal(t, 2, prim.Attributes[model.OverlayAttribute(0)].Components)
	require.NotNil(t, prim.Indices)
	assert.Equal(t, model.ComponentUshort, prim.Indices.ComponentType)
	assert.Equal(t, []uint32{0, 1, 2}, prim.Indices.Uints)

	require.Len(t, m.Materials, 1)
	mat := m.Materials[0]
	assert.Equal(t, [4]float64{0.5, 0.25, 1, 1}, mat.BaseColorFactor)
	assert.True(t, mat.DoubleSided)
	assert.Equal(t, model.AlphaBlend, mat.AlphaMode)
	assert.Equal(t, -1, mat.BaseColorTexture)

	require.Len(t, m.Nodes, 1)
	assert.Equal(t, []float64{1, 2, 3}, m.Nodes[0].Translation)
	assert.False(t, m.Nodes[0].HasMatrix())
	assert.Equal(t, []int{0}, m.RootNodes)
}

func TestDecodedModelBuildsSurfaces(t *testing.T) {
	m, err := Decoder{}.Decode(buildGLB(t))
	require.NoError(t, err)
	surfaces, err := prepare.BuildSurfaces(m, false)
	require.NoError(t, err)
	require.Len(t, surfaces, 1)
	assert.Equal(t, 1, surfaces[0].TriangleCount())
	assert.Equal(t, map[int]int{0: 0}, surfaces[0].OverlayUVSets)
}

func TestDecodeB3DM(t *testing.T) {
	data := wrapB3DM(buildGLB(t), `{"BATCH_LENGTH":0,"RTC_CENTER":[10,20,30]}`)
	m, err := Decoder{UpAxis: model.UpAxisZ}.Decode(data)
	require.NoError(t, err)
	require.NotNil(t, m.RTCCenter)
	assert.Equal(t, 10.0, m.RTCCenter.X())
	assert.Equal(t, 30.0, m.RTCCenter.Z())
	assert.Equal(t, model.UpAxisZ, m.UpAxis)
	assert.Len(t, m.Meshes, 1)
}

func TestParseLegacyB3DMHeader(t *testing.T) {
	glb := []byte("glTF-payload")
	data := make([]byte, 20)
	copy(data, "b3dm")
	le := binary.LittleEndian
	le.PutUint32(data[4:], 1)
	le.PutUint32(data[8:], uint32(20+len(glb)))
	le.PutUint32(data[12:], 0) // batchLength
	le.PutUint32(data[16:], 0) // batchTableByteLength
	data = append(data, glb...)

	b, err := parseB3DM(data)
	require.NoError(t, err)
	assert.Equal(t, glb, b.glb)
	assert.Nil(t, b.rtcCenter)
}

func TestParseB3DMRejectsBadLength(t *testing.T) {
	data := wrapB3DM([]byte("glTF"), "")
	binary.LittleEndian.PutUint32(data[8:], uint32(len(data)+10))
	_, err := parseB3DM(data)
	assert.Error(t, err)
}

const matrixOnlyGLTF = `{
  "asset": {"version": "2.0"},
  "extensionsUsed": ["CESIUM_RTC"],
  "extensions": {"CESIUM_RTC": {"center": [6378137, 0, 0]}},
  "scene": 0,
  "scenes": [{"nodes": [0]}],
  "nodes": [{"mesh": 0, "matrix": [2,0,0,0, 0,2,0,0, 0,0,2,0, 5,6,7,1]}],
  "meshes": [{"primitives": [{"attributes": {"POSITION": 0}}]}],
  "accessors": [{"bufferView": 0, "componentType": 5126, "count": 3, "type": "VEC3",
                 "min": [0,0,0], "max": [1,1,0]}],
  "bufferViews": [{"buffer": 0, "byteLength": 36}],
  "buffers": [{"byteLength": 36, "uri": "data:application/octet-stream;base64,AAAAAAAAAAAAAAAAAACAPwAAAAAAAAAAAAAAAAAAgD8AAAAA"}]
}`

func TestDecodeGLTFJSONMatrixNode(t *testing.T) {
	m, err := Decoder{}.Decode([]byte(matrixOnlyGLTF))
	require.NoError(t, err)

	require.NotNil(t, m.RTCCenter)
	assert.Equal(t, 6378137.0, m.RTCCenter.X())

	root := m.Root()
	require.NotNil(t, root)
	assert.Nil(t, root.Translation)
	assert.Nil(t, root.Rotation)
	assert.Nil(t, root.Scale)
	require.True(t, root.HasMatrix())

	xf, missing := prepare.RootTransform(root, false)
	assert.Empty(t, missing)
	assert.InDelta(t, 5, xf.Translation.X(), 1e-12)
	assert.InDelta(t, 2, xf.Scale.Y(), 1e-12)

	prim := m.Meshes[0].Primitives[0]
	assert.Nil(t, prim.Indices)
	assert.Equal(t, -1, prim.Material)
}

func TestDecodeRejectsUnknownPayload(t *testing.T) {
	_, err := Decoder{}.Decode([]byte("pnts\x01\x00\x00\x00"))
	var de *DecodeError
	require.True(t, errors.As(err, &de))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = Decoder{}.Decode([]byte("glTF\x02\x00\x00\x00garbage"))
	assert.Error(t, err)
}
