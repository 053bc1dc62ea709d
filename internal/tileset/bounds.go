package tileset

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"

	"tilebridge/internal/georef"
)

// Volume is a tile bounding volume in world space.
type Volume interface {
	// Distance from p to the volume; zero inside.
	Distance(p mgl64.Vec3) float64
	// Bounds returns an enclosing sphere.
	Bounds() (center mgl64.Vec3, radius float64)
	inFrustum(f *frustum) bool
}

// OrientedBox is a centre and three half-axis columns.
type OrientedBox struct {
	Center   mgl64.Vec3
	HalfAxes mgl64.Mat3
}

func (b OrientedBox) Distance(p mgl64.Vec3) float64 {
	d := p.Sub(b.Center)
	var sq float64
	for i := 0; i < 3; i++ {
		axis := b.HalfAxes.Col(i)
		half := axis.Len()
		if half == 0 {
			continue
		}
		proj := math.Abs(d.Dot(axis.Mul(1 / half)))
		if proj > half {
			sq += (proj - half) * (proj - half)
		}
	}
	return math.Sqrt(sq)
}

func (b OrientedBox) Bounds() (mgl64.Vec3, float64) {
	var sq float64
	for i := 0; i < 3; i++ {
		c := b.HalfAxes.Col(i)
		sq += c.Dot(c)
	}
	return b.Center, math.Sqrt(sq)
}

// extents is the half size of the axis-aligned box enclosing b.
func (b OrientedBox) extents() mgl64.Vec3 {
	var e mgl64.Vec3
	for i := 0; i < 3; i++ {
		c := b.HalfAxes.Col(i)
		e = e.Add(mgl64.Vec3{math.Abs(c.X()), math.Abs(c.Y()), math.Abs(c.Z())})
	}
	return e
}

func (b OrientedBox) inFrustum(f *frustum) bool {
	e := b.extents()
	return f.intersectsAABB(b.Center.Sub(e), b.Center.Add(e))
}

type Sphere struct {
	Center mgl64.Vec3
	Radius float64
}

func (s Sphere) Distance(p mgl64.Vec3) float64 {
	return math.Max(0, p.Sub(s.Center).Len()-s.Radius)
}

func (s Sphere) Bounds() (mgl64.Vec3, float64) { return s.Center, s.Radius }

func (s Sphere) inFrustum(f *frustum) bool {
	return f.intersectsSphere(s.Center, s.Radius)
}

// volumeFromJSON builds the world-space volume of a tile under xf.
// Regions are geographic and ignore xf.
func volumeFromJSON(bv boundingVolumeJSON, xf mgl64.Mat4) (Volume, error) {
	switch {
	case len(bv.Box) == 12:
		v := bv.Box
		center := xf.Mul4x1(mgl64.Vec4{v[0], v[1], v[2], 1}).Vec3()
		rot := xf.Mat3()
		var axes mgl64.Mat3
		for i := 0; i < 3; i++ {
			o := 3 + i*3
			axes.SetCol(i, rot.Mul3x1(mgl64.Vec3{v[o], v[o+1], v[o+2]}))
		}
		return OrientedBox{Center: center, HalfAxes: axes}, nil
	case len(bv.Sphere) == 4:
		v := bv.Sphere
		center := xf.Mul4x1(mgl64.Vec4{v[0], v[1], v[2], 1}).Vec3()
		scale := math.Max(xf.Col(0).Vec3().Len(), math.Max(xf.Col(1).Vec3().Len(), xf.Col(2).Vec3().Len()))
		return Sphere{Center: center, Radius: v[3] * scale}, nil
	case len(bv.Region) == 6:
		return regionSphere(bv.Region), nil
	default:
		return nil, fmt.Errorf("unsupported bounding volume %+v", bv)
	}
}

// regionSphere bounds a west/south/east/north/min/max region (radians, metres)
// by a sphere around its corner and edge points.
func regionSphere(r []float64) Sphere {
	west, south, east, north, minH, maxH := r[0], r[1], r[2], r[3], r[4], r[5]
	if east < west {
		east += 2 * math.Pi
	}
	var pts []mgl64.Vec3
	for _, lon := range []float64{west, (west + east) / 2, east} {
		for _, lat := range []float64{south, (south + north) / 2, north} {
			for _, h := range []float64{minH, maxH} {
				pts = append(pts, georef.CartographicToECEF(mgl64.RadToDeg(lon), mgl64.RadToDeg(lat), h))
			}
		}
	}
	var center mgl64.Vec3
	for _, p := range pts {
		center = center.Add(p)
	}
	center = center.Mul(1 / float64(len(pts)))
	var radius float64
	for _, p := range pts {
		radius = math.Max(radius, p.Sub(center).Len())
	}
	return Sphere{Center: center, Radius: radius}
}
