package main

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/faiface/mainthread"
	"github.com/go-gl/glfw/v3.3/glfw"
	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/glog"
	"github.com/xlab/closer"

	"tilebridge/internal/config"
	"tilebridge/internal/physics"
)

const pickDistance = 1e5

// Viewer runs the frame loop. Every method except Run executes on the GL thread.
type Viewer struct {
	cfg    config.Config
	window *glfw.Window
	c      *Components
	camera *FlyCamera
	pacer  *framePacer

	paused     bool
	framed     bool
	pickQueued bool

	width, height int
	lastTime      time.Time
	lastStats     time.Time
	frames        int
}

func run(cfg config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		v   *Viewer
		err error
	)
	mainthread.Call(func() { v, err = newViewer(ctx, cfg) })
	if err != nil {
		return err
	}

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			v.c.shutdown()
		})
	}
	closer.Bind(stop)

	for {
		var done bool
		mainthread.Call(func() { done = v.frame() })
		if done {
			break
		}
		v.pacer.Wait()
	}

	mainthread.Call(v.close)
	stop()
	return nil
}

func newViewer(ctx context.Context, cfg config.Config) (*Viewer, error) {
	window, err := setupWindow(cfg.Render)
	if err != nil {
		return nil, err
	}
	c, err := setupTiles(ctx, cfg)
	if err != nil {
		window.Destroy()
		glfw.Terminate()
		return nil, err
	}
	v := &Viewer{
		cfg:       cfg,
		window:    window,
		c:         c,
		camera:    NewFlyCamera(cfg.Render.FOV),
		pacer:     newFramePacer(cfg.Render.FPSLimit),
		lastTime:  time.Now(),
		lastStats: time.Now(),
	}
	v.width, v.height = window.GetFramebufferSize()
	v.setupInput()
	return v, nil
}

func (v *Viewer) setupInput() {
	v.window.SetCursorPosCallback(func(w *glfw.Window, xpos, ypos float64) {
		if !v.paused {
			v.camera.HandleMouseMovement(xpos, ypos)
		}
	})
	v.window.SetScrollCallback(func(w *glfw.Window, xoff, yoff float64) {
		v.camera.HandleScroll(yoff)
	})
	v.window.SetMouseButtonCallback(func(w *glfw.Window, button glfw.MouseButton, action glfw.Action, mods glfw.ModifierKey) {
		if !v.paused && button == glfw.MouseButtonLeft && action == glfw.Press {
			v.pickQueued = true
		}
	})
	v.window.SetFramebufferSizeCallback(func(w *glfw.Window, width, height int) {
		v.width, v.height = width, height
	})
	v.window.SetKeyCallback(func(w *glfw.Window, key glfw.Key, scancode int, action glfw.Action, mods glfw.ModifierKey) {
		if action != glfw.Press {
			return
		}
		switch key {
		case glfw.KeyEscape:
			v.paused = !v.paused
			if v.paused {
				w.SetInputMode(glfw.CursorMode, glfw.CursorNormal)
			} else {
				w.SetInputMode(glfw.CursorMode, glfw.CursorDisabled)
				v.camera.ResetMouse()
			}
		case glfw.KeyQ:
			w.SetShouldClose(true)
		case glfw.KeyR:
			v.framed = false
		case glfw.KeyO:
			v.rebaseOrigin()
		}
	})
}

// frame runs one iteration and reports whether the window should close.
func (v *Viewer) frame() bool {
	v.c.Tracker.BeginFrame()
	now := time.Now()
	dt := now.Sub(v.lastTime).Seconds()
	v.lastTime = now

	func() { defer v.c.Tracker.Track("glfw.PollEvents")(); glfw.PollEvents() }()
	if !v.paused {
		v.camera.Move(v.window, dt)
	}
	func() { defer v.c.Tracker.Track("main.Drain")(); v.c.Main.Drain() }()

	if !v.framed {
		v.frameRoot()
	}

	if v.width > 0 && v.height > 0 {
		for _, a := range v.c.Attributions {
			v.c.Credits.Add(a)
		}
		result, err := v.c.Driver.Update(v.camera.ViewCamera(v.width, v.height))
		if err != nil {
			glog.Warningf("view update: %v", err)
		}
		if v.pickQueued {
			v.pick()
		}
		func() {
			defer v.c.Tracker.Track("glscene.Draw")()
			v.c.Renderer.Draw(v.camera.ViewMatrix(), v.camera.ProjectionMatrix(v.width, v.height))
		}()
		v.frames++
		if time.Since(v.lastStats) >= 5*time.Second {
			nodes, surfaces := v.c.Renderer.Stats()
			glog.Infof("fps %.1f: %d rendered, %d loading, %d registered, %d nodes, %d surfaces, %d textures",
				float64(v.frames)/time.Since(v.lastStats).Seconds(),
				len(result.TilesToRenderThisFrame), result.TilesLoading, v.c.Driver.Len(), nodes, surfaces, v.c.Textures.Len())
			if credits := v.c.Driver.Credits(); len(credits) > 0 {
				glog.Infof("credits: %s", strings.Join(credits, "; "))
			}
			if v.c.Cache != nil {
				glog.V(1).Infof("response cache hits: %d", v.c.Cache.Hits())
			}
			v.frames = 0
			v.lastStats = time.Now()
		}
	}
	v.pickQueued = false

	func() { defer v.c.Tracker.Track("glfw.SwapBuffers")(); v.window.SwapBuffers() }()
	v.c.Tracker.EndFrame()

	if err := v.c.Tileset.Err(); err != nil {
		glog.Errorf("tileset: %v", err)
		return true
	}
	return v.window.ShouldClose()
}

// frameRoot moves the camera to look at the root tile once it is known.
func (v *Viewer) frameRoot() {
	root := v.c.Tileset.Root()
	if root == nil || root.BoundingVolume() == nil {
		return
	}
	center, radius := root.BoundingVolume().Bounds()
	ref := v.c.Georef
	if ref.Georeferenced() {
		center = ref.ECEFToEngine(center)
		radius *= ref.ScaleFactor()
	}
	radius = math.Max(radius, 1)
	eye := center.Add(mgl64.Vec3{0, radius, radius * 1.5})
	v.camera.LookAt(eye, center)
	v.camera.Speed = math.Max(1, radius/10)
	v.camera.Far = math.Max(v.camera.Far, radius*20)
	v.framed = true
}

// rebaseOrigin moves the georeference origin under the camera.
func (v *Viewer) rebaseOrigin() {
	ref := v.c.Georef
	if !ref.Georeferenced() {
		return
	}
	ref.SetOrigin(ref.EngineToECEF(v.camera.Position))
	v.camera.Position = mgl64.Vec3{}
	v.c.Driver.RebaseOrigin()
	glog.Infof("origin rebased to %v", ref.Origin())
}

// pick casts a ray through the screen centre against visible collision shapes.
func (v *Viewer) pick() {
	defer v.c.Tracker.Track("physics.Raycast")()
	origin, dir := v.camera.Position, v.camera.Front()
	best := physics.RaycastResult{Distance: pickDistance}
	var name string
	for _, n := range v.c.Renderer.Visible() {
		hit := physics.Raycast(n.Bundle.Collision(), n.Bundle.Transform.Mat4(), origin, dir, best.Distance)
		if hit.Hit && hit.Distance <= best.Distance {
			best, name = hit, n.Name
		}
	}
	if !best.Hit {
		glog.Info("pick: no hit")
		return
	}
	glog.Infof("pick: %s at %.2f (%v)", name, best.Distance, best.Position)
}

func (v *Viewer) close() {
	v.c.release()
	v.window.Destroy()
	glfw.Terminate()
}
