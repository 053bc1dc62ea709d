package tileset

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-gl/mathgl/mgl64"

	"tilebridge/internal/model"
)

type tilesetJSON struct {
	Asset struct {
		Version    string `json:"version"`
		GltfUpAxis string `json:"gltfUpAxis"`
	} `json:"asset"`
	GeometricError float64   `json:"geometricError"`
	Root           *tileJSON `json:"root"`
}

type tileJSON struct {
	BoundingVolume boundingVolumeJSON `json:"boundingVolume"`
	GeometricError float64            `json:"geometricError"`
	Refine         string             `json:"refine"`
	Transform      []float64          `json:"transform"`
	Content        *contentJSON       `json:"content"`
	Children       []*tileJSON        `json:"children"`
}

type contentJSON struct {
	URI string `json:"uri"`
	// URL is the pre-1.0 spelling.
	URL string `json:"url"`
}

func (c *contentJSON) uri() string {
	if c == nil {
		return ""
	}
	if c.URI != "" {
		return c.URI
	}
	return c.URL
}

type boundingVolumeJSON struct {
	Box    []float64 `json:"box"`
	Sphere []float64 `json:"sphere"`
	Region []float64 `json:"region"`
}

var errNoRoot = errors.New("tileset has no root tile")

func parseTileset(data []byte) (*tilesetJSON, error) {
	var ts tilesetJSON
	if err := json.Unmarshal(data, &ts); err != nil {
		return nil, fmt.Errorf("tileset: %w", err)
	}
	if ts.Root == nil {
		return nil, errNoRoot
	}
	return &ts, nil
}

// looksLikeTileset reports whether a content payload is an external tileset.
func looksLikeTileset(data []byte) bool {
	for _, c := range data {
		switch c {
		case ' ', '\t', '\r', '\n':
			continue
		case '{':
			return true
		}
		return false
	}
	return false
}

func upAxis(s string) model.UpAxis {
	switch strings.ToUpper(s) {
	case "Z":
		return model.UpAxisZ
	case "X":
		return model.UpAxisX
	default:
		return model.UpAxisY
	}
}

func parseTransform(v []float64) (mgl64.Mat4, error) {
	if v == nil {
		return mgl64.Ident4(), nil
	}
	if len(v) != 16 {
		return mgl64.Ident4(), fmt.Errorf("transform has %d values, want 16", len(v))
	}
	return mgl64.Mat4(*(*[16]float64)(v)), nil
}
