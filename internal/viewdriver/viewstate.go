package viewdriver

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"

	"tilebridge/internal/engine"
	"tilebridge/internal/georef"
)

// FOVMargin widens both fields of view so tiles near the viewport edge load
// before they become visible.
const FOVMargin = 1.2

// Camera is the host camera for one frame.
type Camera struct {
	// Transform is camera-to-world; the camera looks down its local -Z axis.
	Transform mgl64.Mat4
	// VerticalFOV in radians.
	VerticalFOV float64
	Width       float64
	Height      float64
}

// ComputeViewState converts the camera into the engine's view description.
// Positions go through the georeference when one is active.
func ComputeViewState(cam Camera, ref *georef.Reference) (engine.ViewState, error) {
	if cam.Width <= 0 || cam.Height <= 0 {
		return engine.ViewState{}, fmt.Errorf("invalid viewport %gx%g", cam.Width, cam.Height)
	}
	if cam.VerticalFOV <= 0 || cam.VerticalFOV >= math.Pi {
		return engine.ViewState{}, fmt.Errorf("invalid vertical fov %g", cam.VerticalFOV)
	}
	pos := cam.Transform.Col(3).Vec3()
	forward := cam.Transform.Col(2).Vec3().Mul(-1).Normalize()
	up := cam.Transform.Col(1).Vec3().Normalize()
	if ref.Georeferenced() {
		pos = ref.EngineToECEF(pos)
	}
	aspect := cam.Width / cam.Height
	hfov := 2 * math.Atan(aspect*math.Tan(cam.VerticalFOV/2))
	return engine.ViewState{
		Position:      pos,
		Forward:       forward,
		Up:            up,
		Viewport:      [2]float64{cam.Width, cam.Height},
		HorizontalFOV: hfov * FOVMargin,
		VerticalFOV:   cam.VerticalFOV * FOVMargin,
	}, nil
}
