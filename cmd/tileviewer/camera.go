package main

import (
	"math"

	"github.com/go-gl/glfw/v3.3/glfw"
	"github.com/go-gl/mathgl/mgl64"

	"tilebridge/internal/viewdriver"
)

// FlyCamera is a free-flying yaw/pitch camera with +Y up.
type FlyCamera struct {
	Position mgl64.Vec3
	Yaw      float64
	Pitch    float64
	// Speed is in units per second and scales with the mouse wheel.
	Speed float64
	FOV   float64
	Near  float64
	Far   float64

	firstMouse bool
	lastX      float64
	lastY      float64
}

func NewFlyCamera(fovDeg float64) *FlyCamera {
	return &FlyCamera{
		Yaw:        -90,
		Speed:      50,
		FOV:        fovDeg,
		Near:       0.5,
		Far:        1e7,
		firstMouse: true,
	}
}

func (c *FlyCamera) HandleMouseMovement(xpos, ypos float64) {
	if c.firstMouse {
		c.lastX, c.lastY = xpos, ypos
		c.firstMouse = false
		return
	}
	xoffset := (xpos - c.lastX) * 0.1
	yoffset := (c.lastY - ypos) * 0.1
	c.lastX, c.lastY = xpos, ypos

	c.Yaw += xoffset
	c.Pitch = math.Max(-89, math.Min(89, c.Pitch+yoffset))
}

func (c *FlyCamera) HandleScroll(yoff float64) {
	c.Speed = math.Max(1, c.Speed*math.Pow(1.25, yoff))
}

// ResetMouse drops the last cursor position, e.g. after the cursor was released.
func (c *FlyCamera) ResetMouse() { c.firstMouse = true }

func (c *FlyCamera) Front() mgl64.Vec3 {
	y := mgl64.DegToRad(c.Yaw)
	p := mgl64.DegToRad(c.Pitch)
	return mgl64.Vec3{math.Cos(y) * math.Cos(p), math.Sin(p), math.Sin(y) * math.Cos(p)}.Normalize()
}

// Move applies WASD/space/shift movement for dt seconds.
func (c *FlyCamera) Move(w *glfw.Window, dt float64) {
	front := c.Front()
	right := front.Cross(mgl64.Vec3{0, 1, 0}).Normalize()
	var dir mgl64.Vec3
	if w.GetKey(glfw.KeyW) == glfw.Press {
		dir = dir.Add(front)
	}
	if w.GetKey(glfw.KeyS) == glfw.Press {
		dir = dir.Sub(front)
	}
	if w.GetKey(glfw.KeyD) == glfw.Press {
		dir = dir.Add(right)
	}
	if w.GetKey(glfw.KeyA) == glfw.Press {
		dir = dir.Sub(right)
	}
	if w.GetKey(glfw.KeySpace) == glfw.Press {
		dir = dir.Add(mgl64.Vec3{0, 1, 0})
	}
	if w.GetKey(glfw.KeyLeftShift) == glfw.Press {
		dir = dir.Sub(mgl64.Vec3{0, 1, 0})
	}
	if dir.Len() == 0 {
		return
	}
	c.Position = c.Position.Add(dir.Normalize().Mul(c.Speed * dt))
}

// LookAt points the camera from eye towards target.
func (c *FlyCamera) LookAt(eye, target mgl64.Vec3) {
	c.Position = eye
	d := target.Sub(eye)
	if d.Len() == 0 {
		return
	}
	d = d.Normalize()
	c.Pitch = mgl64.RadToDeg(math.Asin(math.Max(-1, math.Min(1, d.Y()))))
	c.Yaw = mgl64.RadToDeg(math.Atan2(d.Z(), d.X()))
}

func (c *FlyCamera) ViewMatrix() mgl64.Mat4 {
	return mgl64.LookAtV(c.Position, c.Position.Add(c.Front()), mgl64.Vec3{0, 1, 0})
}

func (c *FlyCamera) ProjectionMatrix(width, height int) mgl64.Mat4 {
	return mgl64.Perspective(mgl64.DegToRad(c.FOV), float64(width)/float64(height), c.Near, c.Far)
}

// ViewCamera describes the camera for tile selection.
func (c *FlyCamera) ViewCamera(width, height int) viewdriver.Camera {
	return viewdriver.Camera{
		Transform:   c.ViewMatrix().Inv(),
		VerticalFOV: mgl64.DegToRad(c.FOV),
		Width:       float64(width),
		Height:      float64(height),
	}
}
