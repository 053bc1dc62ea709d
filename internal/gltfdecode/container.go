package gltfdecode

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-gl/mathgl/mgl64"
)

const (
	glbHeaderLen  = 12
	b3dmHeaderLen = 28
	chunkJSON     = 0x4E4F534A
)

type b3dm struct {
	glb       []byte
	rtcCenter *mgl64.Vec3
}

// parseB3DM unwraps the glb of a batched 3D model and reads the feature table.
func parseB3DM(data []byte) (b3dm, error) {
	if len(data) < b3dmHeaderLen {
		return b3dm{}, errors.New("truncated header")
	}
	le := binary.LittleEndian
	total := int(le.Uint32(data[8:]))
	ftJSON := int(le.Uint32(data[12:]))
	ftBin := int(le.Uint32(data[16:]))
	btJSON := int(le.Uint32(data[20:]))
	btBin := int(le.Uint32(data[24:]))
	header := b3dmHeaderLen

	// Legacy 20 and 24 byte headers. Reading the start of the glb or of the
	// batch table JSON as a length gives an implausibly large value.
	const legacy = 0x22000000
	switch {
	case btJSON >= legacy:
		header, ftJSON, ftBin, btJSON, btBin = 20, 0, 0, int(le.Uint32(data[16:])), 0
	case btBin >= legacy:
		header, ftJSON, ftBin, btJSON, btBin = 24, 0, 0, int(le.Uint32(data[12:])), int(le.Uint32(data[16:]))
	}
	if total > len(data) || total < header {
		return b3dm{}, fmt.Errorf("byte length %d does not match payload of %d", total, len(data))
	}
	glbStart := header + ftJSON + ftBin + btJSON + btBin
	if glbStart > total {
		return b3dm{}, errors.New("tables overrun payload")
	}
	out := b3dm{glb: data[glbStart:total]}
	if ftJSON > 0 {
		var ft struct {
			RTCCenter []float64 `json:"RTC_CENTER"`
		}
		if err := json.Unmarshal(data[header:header+ftJSON], &ft); err != nil {
			return b3dm{}, fmt.Errorf("feature table: %w", err)
		}
		if len(ft.RTCCenter) == 3 {
			c := mgl64.Vec3{ft.RTCCenter[0], ft.RTCCenter[1], ft.RTCCenter[2]}
			out.rtcCenter = &c
		}
	}
	return out, nil
}

// jsonOf returns the JSON document of a glb, or data itself for text glTF.
func jsonOf(data []byte) ([]byte, error) {
	if len(data) < 4 || string(data[:4]) != "glTF" {
		return data, nil
	}
	if len(data) < glbHeaderLen+8 {
		return nil, errors.New("truncated glb")
	}
	le := binary.LittleEndian
	n := int(le.Uint32(data[glbHeaderLen:]))
	if le.Uint32(data[glbHeaderLen+4:]) != chunkJSON {
		return nil, errors.New("glb: first chunk is not JSON")
	}
	start := glbHeaderLen + 8
	if start+n > len(data) {
		return nil, errors.New("glb: JSON chunk overruns payload")
	}
	return data[start : start+n], nil
}

// nodeFields records which transform properties a node spells out. The glTF
// library fills absent ones with defaults.
type nodeFields struct {
	Translation json.RawMessage `json:"translation"`
	Rotation    json.RawMessage `json:"rotation"`
	Scale       json.RawMessage `json:"scale"`
	Matrix      json.RawMessage `json:"matrix"`
}

func nodePresence(doc []byte) ([]nodeFields, error) {
	var d struct {
		Nodes []nodeFields `json:"nodes"`
	}
	if err := json.Unmarshal(doc, &d); err != nil {
		return nil, fmt.Errorf("nodes: %w", err)
	}
	return d.Nodes, nil
}
