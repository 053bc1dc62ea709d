package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration of a tileset view.
type Config struct {
	Source       SourceSpec       `yaml:"source"`
	Tileset      TilesetSpec      `yaml:"tileset"`
	Workers      WorkerSpec       `yaml:"workers"`
	Georeference GeoreferenceSpec `yaml:"georeference"`
	Cache        CacheSpec        `yaml:"cache"`
	Render       RenderSpec       `yaml:"render"`
	// Overlays are draped in order; the i-th layer binds to _CESIUMOVERLAY_<i>.
	Overlays []OverlaySpec `yaml:"overlays"`
	// OriginMatrixDatasets lists ion asset ids whose root transform is read
	// from the node matrix rather than its TRS fields.
	OriginMatrixDatasets []int64 `yaml:"origin_matrix_datasets"`
}

// SourceSpec selects where tiles come from: a tileset URL (or local path) or an ion asset.
type SourceSpec struct {
	URL        string `yaml:"url"`
	IonAssetID int64  `yaml:"ion_asset_id"`
	IonToken   string `yaml:"ion_token"`
	IonServer  string `yaml:"ion_server"`
}

// TilesetSpec options are passed through to the selection engine, except
// PhysicsMeshes and SmoothNormals which gate resource preparation.
type TilesetSpec struct {
	MaximumScreenSpaceError  float64 `yaml:"maximum_screen_space_error"`
	MaxSimultaneousTileLoads int     `yaml:"max_simultaneous_tile_loads"`
	PreloadAncestors         bool    `yaml:"preload_ancestors"`
	PreloadSiblings          bool    `yaml:"preload_siblings"`
	ForbidHoles              bool    `yaml:"forbid_holes"`
	MaximumCachedTiles       int     `yaml:"maximum_cached_tiles"`
	PhysicsMeshes            bool    `yaml:"physics_meshes"`
	SmoothNormals            bool    `yaml:"smooth_normals"`
}

type WorkerSpec struct {
	Load    int `yaml:"load"`
	Physics int `yaml:"physics"`
	// QueueSize is the backlog above which a pool logs that it is behind.
	// Pool queues themselves are unbounded.
	QueueSize   int `yaml:"queue_size"`
	TextureSlot int `yaml:"texture_slots"`
}

type GeoreferenceSpec struct {
	OriginType  string  `yaml:"origin_type"`
	Longitude   float64 `yaml:"longitude"`
	Latitude    float64 `yaml:"latitude"`
	Height      float64 `yaml:"height"`
	ScaleFactor float64 `yaml:"scale_factor"`
}

type CacheSpec struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	MaxItems      int    `yaml:"max_items"`
	PruneInterval int    `yaml:"prune_interval"`
}

// OverlaySpec is a single raster image draped over the tileset.
type OverlaySpec struct {
	// URL is resolved against the tileset URL when relative.
	URL string `yaml:"url"`
	// Rectangle is west, south, east, north in degrees. Empty stretches the
	// image over each tile.
	Rectangle []float64 `yaml:"rectangle"`
}

type RenderSpec struct {
	Width     int     `yaml:"width"`
	Height    int     `yaml:"height"`
	FOV       float64 `yaml:"fov"`
	FPSLimit  int     `yaml:"fps_limit"`
	SlowFrame int     `yaml:"slow_frame_ms"`
}

// Load reads a YAML file on top of the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func Defaults() Config {
	return Config{
		Source: SourceSpec{
			IonServer: "https://api.cesium.com",
		},
		Tileset: TilesetSpec{
			MaximumScreenSpaceError:  16,
			MaxSimultaneousTileLoads: 20,
			PreloadAncestors:         true,
			PreloadSiblings:          true,
			ForbidHoles:              false,
			MaximumCachedTiles:       512,
		},
		Workers: WorkerSpec{
			Load:        4,
			Physics:     4,
			QueueSize:   256,
			TextureSlot: 16,
		},
		Georeference: GeoreferenceSpec{
			OriginType:  "true_origin",
			ScaleFactor: 1,
		},
		Cache: CacheSpec{
			Enabled:       true,
			Path:          "tilebridge-cache.sqlite",
			MaxItems:      4096,
			PruneInterval: 10000,
		},
		Render: RenderSpec{
			Width:     1280,
			Height:    720,
			FOV:       60,
			FPSLimit:  60,
			SlowFrame: 50,
		},
		OriginMatrixDatasets: []int64{1, 96188},
	}
}

// Normalize clamps values into their usable ranges.
func (c *Config) Normalize() {
	c.Source.URL = strings.TrimSpace(c.Source.URL)
	c.Source.IonServer = strings.TrimRight(strings.TrimSpace(c.Source.IonServer), "/")

	if c.Tileset.MaximumScreenSpaceError <= 0 {
		c.Tileset.MaximumScreenSpaceError = 16
	}
	c.Tileset.MaxSimultaneousTileLoads = clamp(c.Tileset.MaxSimultaneousTileLoads, 1, 256)
	if c.Tileset.MaximumCachedTiles < 0 {
		c.Tileset.MaximumCachedTiles = 0
	}

	c.Workers.Load = clamp(c.Workers.Load, 1, 64)
	c.Workers.Physics = clamp(c.Workers.Physics, 1, 16)
	c.Workers.QueueSize = clamp(c.Workers.QueueSize, 1, 1<<16)
	c.Workers.TextureSlot = clamp(c.Workers.TextureSlot, 1, 1<<12)

	c.Georeference.OriginType = strings.ToLower(strings.TrimSpace(c.Georeference.OriginType))
	if c.Georeference.ScaleFactor <= 0 {
		c.Georeference.ScaleFactor = 1
	}

	if c.Cache.MaxItems <= 0 {
		c.Cache.MaxItems = 4096
	}
	if c.Cache.PruneInterval <= 0 {
		c.Cache.PruneInterval = 10000
	}

	for i := range c.Overlays {
		c.Overlays[i].URL = strings.TrimSpace(c.Overlays[i].URL)
	}

	c.Render.Width = clamp(c.Render.Width, 64, 8192)
	c.Render.Height = clamp(c.Render.Height, 64, 8192)
	if c.Render.FOV < 10 || c.Render.FOV > 150 {
		c.Render.FOV = 60
	}
	if c.Render.FPSLimit < 0 {
		c.Render.FPSLimit = 0
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.Source.URL == "" && c.Source.IonAssetID == 0 {
		errs = append(errs, errors.New("source: url or ion_asset_id is required"))
	}
	if c.Source.URL != "" && c.Source.IonAssetID != 0 {
		errs = append(errs, errors.New("source: url and ion_asset_id are mutually exclusive"))
	}
	if c.Source.IonAssetID != 0 && c.Source.IonToken == "" {
		errs = append(errs, errors.New("source: ion_token is required with ion_asset_id"))
	}
	switch c.Georeference.OriginType {
	case "", "true_origin", "cartographic":
	default:
		errs = append(errs, fmt.Errorf("georeference: unknown origin_type %q", c.Georeference.OriginType))
	}
	if c.Georeference.Latitude < -90 || c.Georeference.Latitude > 90 {
		errs = append(errs, fmt.Errorf("georeference: latitude %v out of range", c.Georeference.Latitude))
	}
	for i, ov := range c.Overlays {
		if ov.URL == "" {
			errs = append(errs, fmt.Errorf("overlays[%d]: url is required", i))
		}
		if n := len(ov.Rectangle); n != 0 && n != 4 {
			errs = append(errs, fmt.Errorf("overlays[%d]: rectangle needs 4 values, got %d", i, n))
		} else if n == 4 && !(ov.Rectangle[1] < ov.Rectangle[3] && ov.Rectangle[1] >= -90 && ov.Rectangle[3] <= 90) {
			errs = append(errs, fmt.Errorf("overlays[%d]: rectangle latitudes %v out of order or range", i, ov.Rectangle))
		}
	}
	if c.Cache.Enabled && strings.TrimSpace(c.Cache.Path) == "" {
		errs = append(errs, errors.New("cache: path is required when enabled"))
	}
	return errors.Join(errs...)
}

// OriginMatrixAuthoritative reports whether the configured source is one of
// the datasets whose root matrix overrides its TRS fields.
func (c Config) OriginMatrixAuthoritative() bool {
	if c.Source.IonAssetID == 0 {
		return false
	}
	for _, id := range c.OriginMatrixDatasets {
		if id == c.Source.IonAssetID {
			return true
		}
	}
	return false
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
