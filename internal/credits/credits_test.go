package credits

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOrderedByUse(t *testing.T) {
	a := New()
	a.Add("OSM")
	a.Add(" Cesium ")
	a.Add("Cesium")
	a.Add("")
	assert.Empty(t, a.OnScreen())

	a.EndFrame()
	assert.Equal(t, []string{"Cesium", "OSM"}, a.OnScreen())

	a.EndFrame()
	assert.Empty(t, a.OnScreen())
}
