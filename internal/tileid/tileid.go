package tileid

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
)

// Kind distinguishes the variants a tile can be identified by.
type Kind uint8

const (
	KindURL Kind = iota
	KindQuadtree
	KindOctree
	KindUpsampledQuadtree
)

func (k Kind) String() string {
	switch k {
	case KindURL:
		return "url"
	case KindQuadtree:
		return "quadtree"
	case KindOctree:
		return "octree"
	case KindUpsampledQuadtree:
		return "upsampled"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ID identifies a tile. It is comparable and can be used directly as a map key.
// Fields that do not apply to Kind are left zero.
type ID struct {
	Kind  Kind
	Level uint32
	X     uint32
	Y     uint32
	Z     uint32
	URL   string
}

func Quadtree(level, x, y uint32) ID {
	return ID{Kind: KindQuadtree, Level: level, X: x, Y: y}
}

func Octree(level, x, y, z uint32) ID {
	return ID{Kind: KindOctree, Level: level, X: x, Y: y, Z: z}
}

// Upsampled wraps a quadtree parent whose geometry was upsampled for a raster overlay.
func Upsampled(parent ID) ID {
	return ID{Kind: KindUpsampledQuadtree, Level: parent.Level, X: parent.X, Y: parent.Y}
}

func FromURL(url string) ID {
	return ID{Kind: KindURL, URL: url}
}

// Hash returns a stable 64-bit FNV-1a hash of the ID contents.
// Structurally different IDs may collide; pair the hash with == on lookup.
func (id ID) Hash() uint64 {
	h := fnv.New64a()
	var buf [17]byte
	buf[0] = byte(id.Kind)
	binary.LittleEndian.PutUint32(buf[1:], id.Level)
	binary.LittleEndian.PutUint32(buf[5:], id.X)
	binary.LittleEndian.PutUint32(buf[9:], id.Y)
	binary.LittleEndian.PutUint32(buf[13:], id.Z)
	_, _ = h.Write(buf[:])
	_, _ = h.Write([]byte(id.URL))
	return h.Sum64()
}

// String returns a deterministic name, used for scene nodes and logs.
func (id ID) String() string {
	switch id.Kind {
	case KindQuadtree:
		return fmt.Sprintf("L%d-X%d-Y%d", id.Level, id.X, id.Y)
	case KindOctree:
		return fmt.Sprintf("L%d-X%d-Y%d-Z%d", id.Level, id.X, id.Y, id.Z)
	case KindUpsampledQuadtree:
		return fmt.Sprintf("up:L%d-X%d-Y%d", id.Level, id.X, id.Y)
	default:
		return id.URL
	}
}
