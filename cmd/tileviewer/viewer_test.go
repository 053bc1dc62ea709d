package main

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilebridge/internal/config"
)

func TestLoadConfigURLOverridesIonSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "viewer.yaml")
	require.NoError(t, os.WriteFile(path, []byte("source:\n  ion_asset_id: 96188\n  ion_token: abc\n"), 0o644))

	cfg, err := loadConfig(path, "  data/tileset.json ")
	require.NoError(t, err)
	assert.Equal(t, "data/tileset.json", cfg.Source.URL)
	assert.Zero(t, cfg.Source.IonAssetID)
	assert.False(t, cfg.OriginMatrixAuthoritative())
}

func TestLoadConfigRequiresSource(t *testing.T) {
	_, err := loadConfig("", "")
	assert.Error(t, err)
}

func TestIsRemote(t *testing.T) {
	assert.True(t, isRemote("https://example.com/tileset.json"))
	assert.True(t, isRemote("HTTP://example.com/tileset.json"))
	assert.False(t, isRemote("file:///data/tileset.json"))
	assert.False(t, isRemote("data/tileset.json"))
}

func TestFlyCameraLookAt(t *testing.T) {
	c := NewFlyCamera(60)
	c.LookAt(mgl64.Vec3{0, 10, 10}, mgl64.Vec3{})
	want := mgl64.Vec3{0, -1, -1}.Normalize()
	assert.InDelta(t, 0, c.Front().Sub(want).Len(), 1e-9)
}

func TestFlyCameraViewCameraLooksDownNegativeZ(t *testing.T) {
	c := NewFlyCamera(60)
	c.LookAt(mgl64.Vec3{1, 2, 3}, mgl64.Vec3{1, 2, -7})
	vc := c.ViewCamera(800, 600)

	assert.InDelta(t, 0, vc.Transform.Col(3).Vec3().Sub(mgl64.Vec3{1, 2, 3}).Len(), 1e-9)
	forward := vc.Transform.Col(2).Vec3().Mul(-1)
	assert.InDelta(t, 0, forward.Sub(c.Front()).Len(), 1e-9)
	assert.InDelta(t, mgl64.DegToRad(60), vc.VerticalFOV, 1e-12)
	assert.Equal(t, 800.0, vc.Width)
}

func TestFlyCameraScrollKeepsSpeedPositive(t *testing.T) {
	c := NewFlyCamera(60)
	for i := 0; i < 100; i++ {
		c.HandleScroll(-1)
	}
	assert.Equal(t, 1.0, c.Speed)
}

// fakeClock advances a little on every read so yield loops terminate.
type fakeClock struct {
	t     time.Time
	slept []time.Duration
}

func (c *fakeClock) now() time.Time {
	c.t = c.t.Add(10 * time.Microsecond)
	return c.t
}

func (c *fakeClock) sleep(d time.Duration) {
	c.slept = append(c.slept, d)
	c.t = c.t.Add(d)
}

func newTestPacer(fps int) (*framePacer, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	p := newFramePacer(fps)
	p.now, p.sleep = clock.now, clock.sleep
	return p, clock
}

func TestFramePacerDisabled(t *testing.T) {
	p, clock := newTestPacer(0)
	p.Wait()
	p.Wait()
	assert.Empty(t, clock.slept)
	assert.True(t, p.due.IsZero())
}

func TestFramePacerHoldsRate(t *testing.T) {
	p, clock := newTestPacer(50)
	p.Wait() // first frame starts the schedule
	start := p.due
	for i := 1; i <= 3; i++ {
		p.Wait()
		assert.Equal(t, start.Add(time.Duration(i)*20*time.Millisecond), p.due)
		assert.False(t, clock.t.Before(p.due))
	}
	require.Len(t, clock.slept, 3)
	assert.Greater(t, clock.slept[0], 19*time.Millisecond)
}

func TestFramePacerResyncsAfterHitch(t *testing.T) {
	p, clock := newTestPacer(50)
	p.Wait()
	clock.t = clock.t.Add(time.Second)
	p.Wait()
	assert.Empty(t, clock.slept)
	assert.WithinDuration(t, clock.t, p.due, time.Millisecond)
}

func TestOverlaySources(t *testing.T) {
	specs := []config.OverlaySpec{
		{URL: "imagery/base.png", Rectangle: []float64{-180, -90, 180, 90}},
		{URL: "https://cdn.example.com/labels.png"},
	}
	headers := map[string]string{"Authorization": "Bearer x"}
	got, err := overlaySources(specs, "https://tiles.example.com/set/tileset.json", headers)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 0, got[0].Index)
	assert.Equal(t, "https://tiles.example.com/set/imagery/base.png", got[0].URL)
	assert.Equal(t, headers, got[0].Headers)
	assert.InDelta(t, -math.Pi, got[0].Rectangle[0], 1e-12)
	assert.InDelta(t, math.Pi/2, got[0].Rectangle[3], 1e-12)
	assert.Equal(t, 1, got[1].Index)
	assert.Nil(t, got[1].Headers)

	got, err = overlaySources(specs[:1], "data/tileset.json", nil)
	require.NoError(t, err)
	assert.Equal(t, "imagery/base.png", got[0].URL)
}
