// Package georef anchors engine space to an earth-centred origin.
package georef

import (
	"fmt"
	"math"
	"sync"

	"github.com/go-gl/mathgl/mgl64"
)

type OriginType uint8

const (
	// TrueOrigin keeps tiles in their native coordinates.
	TrueOrigin OriginType = iota
	// Cartographic places a chosen earth-centred point at the engine origin.
	Cartographic
)

func ParseOriginType(s string) (OriginType, error) {
	switch s {
	case "", "true_origin":
		return TrueOrigin, nil
	case "cartographic":
		return Cartographic, nil
	default:
		return TrueOrigin, fmt.Errorf("unknown origin type %q", s)
	}
}

// Reference is shared between the preparer and the view driver.
type Reference struct {
	mu     sync.RWMutex
	typ    OriginType
	origin mgl64.Vec3
	scale  float64
}

func New(typ OriginType, originECEF mgl64.Vec3, scale float64) *Reference {
	if scale <= 0 {
		scale = 1
	}
	return &Reference{typ: typ, origin: originECEF, scale: scale}
}

func (r *Reference) Georeferenced() bool {
	if r == nil {
		return false
	}
	return r.typ == Cartographic
}

func (r *Reference) Origin() mgl64.Vec3 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.origin
}

func (r *Reference) ScaleFactor() float64 {
	if r == nil {
		return 1
	}
	return r.scale
}

// SetOrigin moves the engine origin. Registered bundles must be rebased afterwards.
func (r *Reference) SetOrigin(ecef mgl64.Vec3) {
	r.mu.Lock()
	r.origin = ecef
	r.mu.Unlock()
}

// EngineToECEF converts an engine-space position to earth-centred coordinates.
func (r *Reference) EngineToECEF(p mgl64.Vec3) mgl64.Vec3 {
	if !r.Georeferenced() {
		return p
	}
	return r.Origin().Add(p.Mul(1 / r.scale))
}

// ECEFToEngine is the inverse of EngineToECEF.
func (r *Reference) ECEFToEngine(p mgl64.Vec3) mgl64.Vec3 {
	if !r.Georeferenced() {
		return p
	}
	return p.Sub(r.Origin()).Mul(r.scale)
}

const (
	wgs84A  = 6378137.0
	wgs84F  = 1 / 298.257223563
	wgs84E2 = wgs84F * (2 - wgs84F)
)

// CartographicToECEF converts WGS84 longitude/latitude in degrees and height in metres.
func CartographicToECEF(lonDeg, latDeg, height float64) mgl64.Vec3 {
	lon := mgl64.DegToRad(lonDeg)
	lat := mgl64.DegToRad(latDeg)
	sinLat := math.Sin(lat)
	n := wgs84A / math.Sqrt(1-wgs84E2*sinLat*sinLat)
	return mgl64.Vec3{
		(n + height) * math.Cos(lat) * math.Cos(lon),
		(n + height) * math.Cos(lat) * math.Sin(lon),
		(n*(1-wgs84E2) + height) * sinLat,
	}
}
