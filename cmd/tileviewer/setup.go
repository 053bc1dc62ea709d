package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-gl/gl/v4.1-core/gl"
	"github.com/go-gl/glfw/v3.3/glfw"
	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/glog"

	"tilebridge/internal/assets"
	"tilebridge/internal/async"
	"tilebridge/internal/config"
	"tilebridge/internal/credits"
	"tilebridge/internal/georef"
	"tilebridge/internal/glscene"
	"tilebridge/internal/gltfdecode"
	"tilebridge/internal/prepare"
	"tilebridge/internal/profiling"
	"tilebridge/internal/raster"
	"tilebridge/internal/tileset"
	"tilebridge/internal/viewdriver"
)

func setupWindow(cfg config.RenderSpec) (*glfw.Window, error) {
	if err := glfw.Init(); err != nil {
		return nil, err
	}
	glfw.WindowHint(glfw.ContextVersionMajor, 4)
	glfw.WindowHint(glfw.ContextVersionMinor, 1)
	glfw.WindowHint(glfw.OpenGLForwardCompatible, glfw.True)
	glfw.WindowHint(glfw.OpenGLProfile, glfw.OpenGLCoreProfile)

	window, err := glfw.CreateWindow(cfg.Width, cfg.Height, "tileviewer", nil, nil)
	if err != nil {
		glfw.Terminate()
		return nil, err
	}
	window.MakeContextCurrent()

	if err := gl.Init(); err != nil {
		window.Destroy()
		glfw.Terminate()
		return nil, err
	}

	// framePacer replaces v-sync.
	glfw.SwapInterval(0)
	window.SetInputMode(glfw.CursorMode, glfw.CursorDisabled)
	return window, nil
}

// Components holds everything the frame loop drives.
type Components struct {
	Renderer *glscene.Renderer
	Driver   *viewdriver.Driver
	Tileset  *tileset.Tileset
	Preparer *prepare.Preparer
	Georef   *georef.Reference
	Credits  *credits.Aggregator
	Tracker  *profiling.Tracker
	Main     *async.Queue
	Loader   *async.WorkerPool
	Physics  *async.WorkerPool
	Cache    *assets.Caching
	Textures *raster.Cache
	// Attributions are reported every frame for ion assets.
	Attributions []string
}

// setupTiles wires the tile pipeline. It must run on the GL thread since it
// creates the renderer.
func setupTiles(ctx context.Context, cfg config.Config) (*Components, error) {
	c := &Components{
		Tracker: profiling.New(time.Duration(cfg.Render.SlowFrame) * time.Millisecond),
		Main:    async.NewQueue(),
		Loader:  async.NewWorkerPool("load", cfg.Workers.Load, cfg.Workers.QueueSize),
		Physics: async.NewWorkerPool("physics", cfg.Workers.Physics, cfg.Workers.QueueSize),
		Credits: credits.New(),
	}
	ok := false
	defer func() {
		if !ok {
			c.shutdown()
		}
	}()

	ref, err := newGeoref(cfg.Georeference)
	if err != nil {
		return nil, err
	}
	c.Georef = ref

	accessor, err := c.newAccessor(cfg)
	if err != nil {
		return nil, err
	}

	tilesetURL := cfg.Source.URL
	var headers map[string]string
	if cfg.Source.IonAssetID != 0 {
		ep, err := assets.ResolveIon(ctx, accessor, cfg.Source.IonServer, cfg.Source.IonAssetID, cfg.Source.IonToken).Wait(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve ion asset %d: %w", cfg.Source.IonAssetID, err)
		}
		tilesetURL, headers = ep.URL, ep.Headers()
		c.Attributions = ep.Attributions
		glog.Infof("ion asset %d resolved to %s", cfg.Source.IonAssetID, tilesetURL)
	}

	renderer, err := glscene.New()
	if err != nil {
		return nil, err
	}
	c.Renderer = renderer
	c.Textures = raster.NewCache(glscene.Textures{}, cfg.Workers.TextureSlot)

	c.Preparer = prepare.New(prepare.Options{
		PhysicsMeshes:             cfg.Tileset.PhysicsMeshes,
		SmoothNormals:             cfg.Tileset.SmoothNormals,
		OriginMatrixAuthoritative: cfg.OriginMatrixAuthoritative(),
	}, prepare.Deps{
		Loader:   c.Loader,
		Physics:  c.Physics,
		Main:     c.Main,
		Georef:   ref,
		Textures: c.Textures,
		Tracker:  c.Tracker,
	})

	overlays, err := overlaySources(cfg.Overlays, tilesetURL, headers)
	if err != nil {
		return nil, err
	}

	c.Tileset = tileset.New(ctx, tilesetURL, tileset.Options{
		MaximumScreenSpaceError:  cfg.Tileset.MaximumScreenSpaceError,
		MaxSimultaneousTileLoads: cfg.Tileset.MaxSimultaneousTileLoads,
		MaximumCachedTiles:       cfg.Tileset.MaximumCachedTiles,
		PreloadAncestors:         cfg.Tileset.PreloadAncestors,
		PreloadSiblings:          cfg.Tileset.PreloadSiblings,
		ForbidHoles:              cfg.Tileset.ForbidHoles,
		Overlays:                 overlays,
	}, tileset.Deps{
		Accessor: accessor,
		Decoder:  gltfdecode.Decoder{},
		Preparer: c.Preparer,
		Loader:   c.Loader,
		Headers:  headers,
		Tracker:  c.Tracker,
	})

	c.Driver = viewdriver.New(viewdriver.Options{
		PhysicsMeshes: cfg.Tileset.PhysicsMeshes,
	}, viewdriver.Deps{
		Tileset: c.Tileset,
		Scene:   renderer,
		Georef:  ref,
		Credits: c.Credits,
		Tracker: c.Tracker,
	})
	c.Preparer.SetFreeListener(c.Driver)

	ok = true
	return c, nil
}

func newGeoref(spec config.GeoreferenceSpec) (*georef.Reference, error) {
	typ, err := georef.ParseOriginType(spec.OriginType)
	if err != nil {
		return nil, err
	}
	origin := georef.CartographicToECEF(spec.Longitude, spec.Latitude, spec.Height)
	return georef.New(typ, origin, spec.ScaleFactor), nil
}

// newAccessor picks the local or network accessor for the source and puts
// the response cache in front of network requests.
func (c *Components) newAccessor(cfg config.Config) (assets.Accessor, error) {
	if cfg.Source.IonAssetID == 0 && !isRemote(cfg.Source.URL) {
		return assets.NewLocal(c.Loader), nil
	}
	var accessor assets.Accessor = assets.NewNetwork(&http.Client{Timeout: 60 * time.Second}, c.Loader)
	if !cfg.Cache.Enabled {
		return accessor, nil
	}
	c.Cache = assets.NewCaching(accessor, c.Loader, assets.CacheOptions{
		Path:          cfg.Cache.Path,
		MaxItems:      cfg.Cache.MaxItems,
		PruneInterval: cfg.Cache.PruneInterval,
	})
	if !c.Cache.Enabled() {
		glog.Warningf("response cache %s unavailable, requests go straight to the network", cfg.Cache.Path)
	}
	return c.Cache, nil
}

// overlaySources resolves overlay URLs against a remote tileset and hands the
// tileset's auth headers only to overlays on the same host.
func overlaySources(specs []config.OverlaySpec, tilesetURL string, headers map[string]string) ([]tileset.OverlaySource, error) {
	var base *url.URL
	if isRemote(tilesetURL) {
		var err error
		if base, err = url.Parse(tilesetURL); err != nil {
			return nil, fmt.Errorf("tileset url %q: %w", tilesetURL, err)
		}
	}
	sources := make([]tileset.OverlaySource, 0, len(specs))
	for i, spec := range specs {
		src := tileset.OverlaySource{Index: i, URL: spec.URL}
		if base != nil {
			ref, err := url.Parse(spec.URL)
			if err != nil {
				return nil, fmt.Errorf("overlay %d url %q: %w", i, spec.URL, err)
			}
			resolved := base.ResolveReference(ref)
			src.URL = resolved.String()
			if resolved.Host == base.Host {
				src.Headers = headers
			}
		}
		if r := spec.Rectangle; len(r) == 4 {
			src.Rectangle = [4]float64{mgl64.DegToRad(r[0]), mgl64.DegToRad(r[1]), mgl64.DegToRad(r[2]), mgl64.DegToRad(r[3])}
		}
		sources = append(sources, src)
	}
	return sources, nil
}

func isRemote(rawURL string) bool {
	u := strings.ToLower(rawURL)
	return strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://")
}

// release tears down the scene and tiles. GL thread only.
func (c *Components) release() {
	if c.Driver != nil {
		c.Driver.Close()
	}
	if c.Tileset != nil {
		c.Tileset.Close()
	}
	c.Main.Drain()
	if c.Renderer != nil {
		c.Renderer.Dispose()
	}
}

// shutdown stops the worker pools and closes the response cache.
func (c *Components) shutdown() {
	c.Loader.Shutdown()
	c.Physics.Shutdown()
	if c.Cache != nil {
		if err := c.Cache.Close(); err != nil {
			glog.Warningf("close response cache: %v", err)
		}
	}
}
